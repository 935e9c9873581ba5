package blockgraph

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// MemOperand describes one ia32 memory operand: [base + index*scale + disp],
// with an optional segment override and an optional reference carried by
// the displacement field.
type MemOperand struct {
	Seg   x86asm.Reg // 0 for the default segment
	Base  x86asm.Reg // 0 when absent
	Index x86asm.Reg // 0 when absent
	Scale uint8      // 1, 2, 4 or 8; 0 when Index is absent
	Disp  int32
	Ref   *InstrRef // reference stored in the displacement field
}

// Assembler emits instructions one at a time. Each emitted instruction is
// re-decoded so downstream analyses see the same shape as original code.
type Assembler struct {
	source   *SourceRange
	out      []*Instruction
	deferred error
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler { return &Assembler{} }

// SetSource makes subsequently emitted instructions inherit the given
// source range.
func (a *Assembler) SetSource(sr SourceRange) { a.source = &sr }

// Instructions returns everything emitted so far, or the first error any
// emission hit.
func (a *Assembler) Instructions() ([]*Instruction, error) {
	if a.deferred != nil {
		return nil, a.deferred
	}
	return a.out, nil
}

func (a *Assembler) emit(raw []byte, refs map[int]InstrRef) {
	if a.deferred != nil {
		return
	}
	inst, err := x86asm.Decode(raw, 32)
	if err != nil || inst.Len != len(raw) {
		a.deferred = errors.Errorf("assembler emitted undecodable bytes % x", raw)
		return
	}
	ins := &Instruction{Inst: inst, Bytes: raw, Offset: -1, Refs: refs}
	if a.source != nil {
		ins.Source = *a.source
	}
	a.out = append(a.out, ins)
}

// Push emits push r32.
func (a *Assembler) Push(reg x86asm.Reg) {
	n, ok := regNum(reg)
	if !ok {
		a.deferred = errors.Errorf("push: bad register %v", reg)
		return
	}
	a.emit([]byte{0x50 + n}, nil)
}

// Pop emits pop r32.
func (a *Assembler) Pop(reg x86asm.Reg) {
	n, ok := regNum(reg)
	if !ok {
		a.deferred = errors.Errorf("pop: bad register %v", reg)
		return
	}
	a.emit([]byte{0x58 + n}, nil)
}

// PushImm32 emits push imm32.
func (a *Assembler) PushImm32(v uint32) {
	raw := make([]byte, 5)
	raw[0] = 0x68
	binary.LittleEndian.PutUint32(raw[1:], v)
	a.emit(raw, nil)
}

// Lea emits lea r32, [mem].
func (a *Assembler) Lea(dst x86asm.Reg, m MemOperand) {
	a.modRM(0x8D, dst, m)
}

// MovRegMem emits mov r32, [mem].
func (a *Assembler) MovRegMem(dst x86asm.Reg, m MemOperand) {
	a.modRM(0x8B, dst, m)
}

// MovMemReg emits mov [mem], r32.
func (a *Assembler) MovMemReg(m MemOperand, src x86asm.Reg) {
	a.modRM(0x89, src, m)
}

// Ret emits a bare near return.
func (a *Assembler) Ret() { a.emit([]byte{0xC3}, nil) }

// RetN emits ret imm16 (return with stack cleanup).
func (a *Assembler) RetN(n uint16) {
	raw := make([]byte, 3)
	raw[0] = 0xC2
	binary.LittleEndian.PutUint16(raw[1:], n)
	a.emit(raw, nil)
}

// CallRef emits a call whose target is the given reference: an indirect
// call through an absolute slot (FF /2) for AbsoluteRef, a direct near
// call (E8) for PCRelativeRef.
func (a *Assembler) CallRef(ref InstrRef) {
	switch ref.Kind {
	case AbsoluteRef:
		raw := make([]byte, 6)
		raw[0], raw[1] = 0xFF, 0x15
		r := ref
		r.Size = 4
		a.emit(raw, map[int]InstrRef{2: r})
	case PCRelativeRef:
		raw := make([]byte, 5)
		raw[0] = 0xE8
		r := ref
		r.Size = 4
		a.emit(raw, map[int]InstrRef{1: r})
	default:
		a.deferred = errors.Errorf("call: bad reference kind %d", ref.Kind)
	}
}

// JmpRef emits a jump through the given reference, mirroring CallRef.
func (a *Assembler) JmpRef(ref InstrRef) {
	switch ref.Kind {
	case AbsoluteRef:
		raw := make([]byte, 6)
		raw[0], raw[1] = 0xFF, 0x25
		r := ref
		r.Size = 4
		a.emit(raw, map[int]InstrRef{2: r})
	case PCRelativeRef:
		raw := make([]byte, 5)
		raw[0] = 0xE9
		r := ref
		r.Size = 4
		a.emit(raw, map[int]InstrRef{1: r})
	default:
		a.deferred = errors.Errorf("jmp: bad reference kind %d", ref.Kind)
	}
}

// modRM assembles opcode /r with a memory operand.
func (a *Assembler) modRM(opcode byte, reg x86asm.Reg, m MemOperand) {
	rn, ok := regNum(reg)
	if !ok {
		a.deferred = errors.Errorf("bad register operand %v", reg)
		return
	}
	var raw []byte
	if p, ok := segPrefix(m.Seg); ok {
		raw = append(raw, p)
	} else if m.Seg != 0 {
		a.deferred = errors.Errorf("bad segment override %v", m.Seg)
		return
	}
	raw = append(raw, opcode)
	tail, dispOff, err := encodeMem(rn, m)
	if err != nil {
		a.deferred = err
		return
	}
	base := len(raw)
	raw = append(raw, tail...)
	var refs map[int]InstrRef
	if m.Ref != nil {
		r := *m.Ref
		r.Size = 4
		refs = map[int]InstrRef{base + dispOff: r}
	}
	a.emit(raw, refs)
}

// encodeMem builds ModRM+SIB+disp for reg field rn and memory operand m.
// dispOff is the offset of the displacement inside the returned slice, or
// -1 when there is none. A displacement reference forces disp32.
func encodeMem(rn uint8, m MemOperand) (enc []byte, dispOff int, err error) {
	disp := m.Disp
	forceDisp32 := m.Ref != nil

	// No base, no index: absolute disp32.
	if m.Base == 0 && m.Index == 0 {
		enc = []byte{modrm(0, rn, 5), 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(enc[1:], uint32(disp))
		return enc, 1, nil
	}

	if m.Index != 0 {
		in, ok := regNum(m.Index)
		if !ok || m.Index == x86asm.ESP {
			return nil, 0, errors.Errorf("bad index register %v", m.Index)
		}
		ss, ok := scaleBits(m.Scale)
		if !ok {
			return nil, 0, errors.Errorf("bad scale %d", m.Scale)
		}
		if m.Base == 0 {
			// Index with no base requires an explicit disp32.
			enc = []byte{modrm(0, rn, 4), sib(ss, in, 5), 0, 0, 0, 0}
			binary.LittleEndian.PutUint32(enc[2:], uint32(disp))
			return enc, 2, nil
		}
		bn, ok := regNum(m.Base)
		if !ok {
			return nil, 0, errors.Errorf("bad base register %v", m.Base)
		}
		mod, dispBytes := dispMod(disp, bn, forceDisp32)
		enc = []byte{modrm(mod, rn, 4), sib(ss, in, bn)}
		return appendDisp(enc, disp, dispBytes)
	}

	bn, ok := regNum(m.Base)
	if !ok {
		return nil, 0, errors.Errorf("bad base register %v", m.Base)
	}
	mod, dispBytes := dispMod(disp, bn, forceDisp32)
	if m.Base == x86asm.ESP {
		enc = []byte{modrm(mod, rn, 4), sib(0, 4, 4)}
	} else {
		enc = []byte{modrm(mod, rn, bn)}
	}
	return appendDisp(enc, disp, dispBytes)
}

// dispMod picks the mod field and displacement width for a based operand.
// EBP as base cannot use mod 00.
func dispMod(disp int32, baseNum uint8, force32 bool) (mod uint8, dispBytes int) {
	switch {
	case force32:
		return 2, 4
	case disp == 0 && baseNum != 5:
		return 0, 0
	case disp >= -128 && disp <= 127:
		return 1, 1
	default:
		return 2, 4
	}
}

func appendDisp(enc []byte, disp int32, dispBytes int) ([]byte, int, error) {
	switch dispBytes {
	case 0:
		return enc, -1, nil
	case 1:
		return append(enc, byte(int8(disp))), len(enc), nil
	case 4:
		off := len(enc)
		enc = append(enc, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(enc[off:], uint32(disp))
		return enc, off, nil
	}
	return nil, 0, errors.Errorf("bad displacement width %d", dispBytes)
}

func modrm(mod, reg, rm uint8) byte { return mod<<6 | (reg&7)<<3 | rm&7 }
func sib(ss, index, base uint8) byte { return ss<<6 | (index&7)<<3 | base&7 }

func scaleBits(s uint8) (uint8, bool) {
	switch s {
	case 0, 1:
		return 0, true
	case 2:
		return 1, true
	case 4:
		return 2, true
	case 8:
		return 3, true
	}
	return 0, false
}

// regNum maps a 32-bit general-purpose register to its encoding number.
func regNum(r x86asm.Reg) (uint8, bool) {
	switch r {
	case x86asm.EAX:
		return 0, true
	case x86asm.ECX:
		return 1, true
	case x86asm.EDX:
		return 2, true
	case x86asm.EBX:
		return 3, true
	case x86asm.ESP:
		return 4, true
	case x86asm.EBP:
		return 5, true
	case x86asm.ESI:
		return 6, true
	case x86asm.EDI:
		return 7, true
	}
	return 0, false
}

func segPrefix(r x86asm.Reg) (byte, bool) {
	switch r {
	case x86asm.ES:
		return 0x26, true
	case x86asm.CS:
		return 0x2E, true
	case x86asm.SS:
		return 0x36, true
	case x86asm.DS:
		return 0x3E, true
	case x86asm.FS:
		return 0x64, true
	case x86asm.GS:
		return 0x65, true
	}
	return 0, false
}
