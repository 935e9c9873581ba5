package asan

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

// prefix metadata flags, per golang.org/x/arch/x86/x86asm encoding.
const (
	prefixImplicit = 0x8000
	prefixIgnored  = 0x4000
	prefixInvalid  = 0x2000
	prefixREPN     = 0xF2
	prefixREP      = 0xF3
)

// ClassifyMemoryAccess inspects one decoded instruction and returns the
// memory operand it touches plus the access descriptor, or a nil operand
// when the instruction performs no memory access.
//
// The returned operand's displacement is adjusted to address the last byte
// touched (disp + size - 1); when the displacement field carries a
// reference, the adjustment lands on the reference offset instead so the
// reference is preserved.
func ClassifyMemoryAccess(ins *blockgraph.Instruction) (*blockgraph.MemOperand, MemoryAccessInfo, error) {
	none := MemoryAccessInfo{Mode: NoAccess}

	// Recognized NOPs may name registers or memory; that is not an access.
	if ins.Inst.Op == x86asm.NOP {
		return nil, none, nil
	}

	// String instructions access memory through their architectural
	// registers whether or not the decoder lists the implicit operands;
	// synthesize the operand 0 form directly.
	if op, size, strOp, ok := stringAccess(ins.Inst.Op); ok {
		info := MemoryAccessInfo{Size: size, Opcode: strOp, SaveFlags: true}
		switch {
		case hasActivePrefix(ins.Inst, prefixREPN):
			info.Mode = RepnzAccess
		case hasActivePrefix(ins.Inst, prefixREP):
			info.Mode = RepzAccess
		default:
			info.Mode = InstrAccess
		}
		return op, info, nil
	}

	mem0, ok0 := ins.Inst.Args[0].(x86asm.Mem)
	mem1, ok1 := ins.Inst.Args[1].(x86asm.Mem)
	var chosen x86asm.Mem
	chosenIsArg0 := false
	switch {
	case ok0 && ok1:
		// Both operands touch memory (MOVS [EDI], [ESI] and friends).
		// The architecture only has same-size forms of these.
		if s0, s1 := memArgSize(ins.Inst, 0), memArgSize(ins.Inst, 1); s0 != s1 {
			return nil, none, errors.Errorf("memory operand sizes disagree (%d vs %d)", s0, s1)
		}
		chosen, chosenIsArg0 = mem0, true
	case ok0:
		chosen, chosenIsArg0 = mem0, true
	case ok1:
		chosen = mem1
	default:
		return nil, none, nil
	}

	size := ins.Inst.MemBytes
	if size == 0 {
		switch ins.Inst.Op {
		case x86asm.FLD, x86asm.FSTP, x86asm.FBLD, x86asm.FBSTP:
			// The decoder reports no width for 80-bit FPU operands.
			size = 10
		}
	}
	if size == 0 {
		// Address-forming instructions (LEA, prefetches) name memory
		// without touching it.
		return nil, none, nil
	}

	info := MemoryAccessInfo{Size: size, SaveFlags: true}
	if chosenIsArg0 && writesFirstOperand(ins.Inst.Op) {
		info.Mode = WriteAccess
	} else {
		info.Mode = ReadAccess
	}

	op := &blockgraph.MemOperand{
		Seg:   chosen.Segment,
		Base:  chosen.Base,
		Index: chosen.Index,
		Scale: chosen.Scale,
		Disp:  int32(chosen.Disp),
	}
	if ref, _, ok := ins.DispRef(); ok {
		r := ref
		r.Offset += int32(size - 1)
		op.Ref = &r
	} else {
		op.Disp += int32(size - 1)
	}
	if op.Index != 0 && op.Base == 0 && chosen.Disp == 0 && op.Ref == nil {
		// Index with no base encodes a mandatory disp32; a zero value here
		// means the decoder handed us garbage.
		return nil, none, errors.New("indexed operand without base has no displacement")
	}
	return op, info, nil
}

// memArgSize reports the byte width of the memory operand at arg index i.
// x86 string instructions access the same width through both operands, so
// the shared MemBytes is authoritative for each.
func memArgSize(inst x86asm.Inst, i int) int {
	if _, ok := inst.Args[i].(x86asm.Mem); !ok {
		return 0
	}
	return inst.MemBytes
}

func hasActivePrefix(inst x86asm.Inst, want uint16) bool {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		if uint16(p)&(prefixImplicit|prefixIgnored|prefixInvalid) != 0 {
			continue
		}
		if uint16(p)&0xFF == want {
			return true
		}
	}
	return false
}

// stringAccess maps a string-instruction mnemonic to its operand 0 memory
// form, element width and width-stripped opcode. MOVS and CMPS touch both
// [EDI] and [ESI] with equal widths; operand 0 is reported, matching the
// destination the probes validate first.
func stringAccess(op x86asm.Op) (*blockgraph.MemOperand, int, StringOp, bool) {
	var base x86asm.Reg
	var size int
	var strOp StringOp
	switch op {
	case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD:
		base, strOp = x86asm.ESI, CmpsOp
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD:
		base, strOp = x86asm.ESI, LodsOp
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD:
		base, strOp = x86asm.EDI, MovsOp
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD:
		base, strOp = x86asm.EDI, StosOp
	default:
		return nil, 0, NoStringOp, false
	}
	switch op {
	case x86asm.CMPSB, x86asm.LODSB, x86asm.MOVSB, x86asm.STOSB:
		size = 1
	case x86asm.CMPSW, x86asm.LODSW, x86asm.MOVSW, x86asm.STOSW:
		size = 2
	default:
		size = 4
	}
	return &blockgraph.MemOperand{Base: base}, size, strOp, true
}

// writesFirstOperand reports whether the instruction stores through its
// first operand. Instructions that only read their destination field
// (comparisons, pushes, control transfers, FPU loads and arithmetic) are
// listed; everything else with a memory destination is a store.
func writesFirstOperand(op x86asm.Op) bool {
	switch op {
	case x86asm.CMP, x86asm.TEST, x86asm.BT, x86asm.PUSH,
		x86asm.CALL, x86asm.LCALL, x86asm.JMP, x86asm.LJMP,
		x86asm.FLD, x86asm.FILD, x86asm.FBLD,
		x86asm.FADD, x86asm.FSUB, x86asm.FSUBR, x86asm.FMUL,
		x86asm.FDIV, x86asm.FDIVR, x86asm.FCOM, x86asm.FCOMP,
		x86asm.FIADD, x86asm.FISUB, x86asm.FISUBR, x86asm.FIMUL,
		x86asm.FIDIV, x86asm.FIDIVR, x86asm.FICOM, x86asm.FICOMP,
		x86asm.VERR, x86asm.VERW:
		return false
	}
	return true
}
