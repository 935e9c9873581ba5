package asan

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

// accessKey identifies an address expression: checks against the same
// (segment, base, index, scale) cover each other as long as none of the
// named registers change underneath.
type accessKey struct {
	seg, base, index x86asm.Reg
	scale            uint8
}

type span struct {
	lo, hi int32 // inclusive byte range relative to the address expression
}

// RedundancyState is the forward dataflow state of the redundant-access
// analysis: the byte ranges already validated on the current path, per
// address expression. The instrumenter queries it before each access and
// pushes it forward past every instruction.
type RedundancyState struct {
	checked map[accessKey][]span
}

// NewRedundancyState returns the entry state (nothing checked yet).
func NewRedundancyState() *RedundancyState {
	return &RedundancyState{checked: make(map[accessKey][]span)}
}

// IsRedundant reports whether the access described by op (displacement
// already adjusted to the last byte touched) is covered by an earlier check
// on this path. Operands whose displacement carries a reference never
// match: the referenced block can move.
func (s *RedundancyState) IsRedundant(op *blockgraph.MemOperand, size int) bool {
	if op == nil || op.Ref != nil {
		return false
	}
	lo, hi := op.Disp-int32(size)+1, op.Disp
	for _, sp := range s.checked[keyOf(op)] {
		if sp.lo <= lo && hi <= sp.hi {
			return true
		}
	}
	return false
}

// Update propagates the state past one instruction: the instruction's own
// access becomes covered, and anything addressed through a register the
// instruction modifies is invalidated.
func (s *RedundancyState) Update(ins *blockgraph.Instruction, op *blockgraph.MemOperand, size int) {
	if op != nil && op.Ref == nil {
		k := keyOf(op)
		s.checked[k] = append(s.checked[k], span{op.Disp - int32(size) + 1, op.Disp})
	}
	switch ins.Inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		// The callee may free or unmap anything.
		s.checked = make(map[accessKey][]span)
		return
	}
	for _, reg := range clobberedRegs(ins.Inst) {
		s.killReg(reg)
	}
}

func (s *RedundancyState) killReg(reg x86asm.Reg) {
	fam := regFamily(reg)
	if fam == 0 {
		// Unknown destination: be safe and drop everything.
		s.checked = make(map[accessKey][]span)
		return
	}
	for k := range s.checked {
		if k.base == fam || k.index == fam {
			delete(s.checked, k)
		}
	}
}

func keyOf(op *blockgraph.MemOperand) accessKey {
	return accessKey{
		seg:   op.Seg,
		base:  regFamily(op.Base),
		index: regFamily(op.Index),
		scale: op.Scale,
	}
}

// clobberedRegs lists the general-purpose registers an instruction writes.
// Instructions with no register outputs return nil; unknown opcodes return
// a sentinel that invalidates the whole state.
func clobberedRegs(inst x86asm.Inst) []x86asm.Reg {
	switch inst.Op {
	case x86asm.CMP, x86asm.TEST, x86asm.BT, x86asm.PUSH, x86asm.NOP,
		x86asm.JMP, x86asm.RET,
		x86asm.JO, x86asm.JNO, x86asm.JB, x86asm.JAE, x86asm.JE, x86asm.JNE,
		x86asm.JBE, x86asm.JA, x86asm.JS, x86asm.JNS, x86asm.JP, x86asm.JNP,
		x86asm.JL, x86asm.JGE, x86asm.JLE, x86asm.JG:
		return nil
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.LEA,
		x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB,
		x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.NEG, x86asm.NOT,
		x86asm.INC, x86asm.DEC,
		x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR,
		x86asm.RCL, x86asm.RCR, x86asm.POP:
		if reg, ok := inst.Args[0].(x86asm.Reg); ok {
			return []x86asm.Reg{reg}
		}
		return nil
	case x86asm.XCHG:
		var regs []x86asm.Reg
		for _, arg := range inst.Args[:2] {
			if reg, ok := arg.(x86asm.Reg); ok {
				regs = append(regs, reg)
			}
		}
		return regs
	case x86asm.MUL, x86asm.IMUL, x86asm.DIV, x86asm.IDIV:
		return []x86asm.Reg{x86asm.EAX, x86asm.EDX}
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD:
		return []x86asm.Reg{x86asm.ESI, x86asm.EDI, x86asm.ECX}
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD:
		return []x86asm.Reg{x86asm.EAX, x86asm.ESI, x86asm.ECX}
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD:
		return []x86asm.Reg{x86asm.EDI, x86asm.ECX}
	}
	// Unknown opcode: report an unresolvable clobber.
	return []x86asm.Reg{0}
}

// regFamily widens a register name to its full 32-bit register, so a write
// to AL invalidates addresses based on EAX.
func regFamily(r x86asm.Reg) x86asm.Reg {
	switch r {
	case x86asm.EAX, x86asm.AX, x86asm.AL, x86asm.AH:
		return x86asm.EAX
	case x86asm.ECX, x86asm.CX, x86asm.CL, x86asm.CH:
		return x86asm.ECX
	case x86asm.EDX, x86asm.DX, x86asm.DL, x86asm.DH:
		return x86asm.EDX
	case x86asm.EBX, x86asm.BX, x86asm.BL, x86asm.BH:
		return x86asm.EBX
	case x86asm.ESP, x86asm.SP:
		return x86asm.ESP
	case x86asm.EBP, x86asm.BP:
		return x86asm.EBP
	case x86asm.ESI, x86asm.SI:
		return x86asm.ESI
	case x86asm.EDI, x86asm.DI:
		return x86asm.EDI
	}
	return 0
}
