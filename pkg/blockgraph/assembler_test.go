package blockgraph

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func emitted(t *testing.T, a *Assembler) []*Instruction {
	t.Helper()
	instrs, err := a.Instructions()
	require.NoError(t, err)
	return instrs
}

func TestAssembler_PushPopRet(t *testing.T) {
	a := NewAssembler()
	a.Push(x86asm.EDX)
	a.Pop(x86asm.EDX)
	a.Ret()
	a.RetN(4)

	instrs := emitted(t, a)
	require.Len(t, instrs, 4)
	require.Equal(t, []byte{0x52}, instrs[0].Bytes)
	require.Equal(t, []byte{0x5A}, instrs[1].Bytes)
	require.Equal(t, []byte{0xC3}, instrs[2].Bytes)
	require.Equal(t, []byte{0xC2, 0x04, 0x00}, instrs[3].Bytes)
}

func TestAssembler_LeaForms(t *testing.T) {
	cases := []struct {
		name string
		mem  MemOperand
		want []byte
	}{
		{"base+disp8", MemOperand{Base: x86asm.EBX, Disp: 7}, []byte{0x8D, 0x53, 0x07}},
		{"base only", MemOperand{Base: x86asm.EBX}, []byte{0x8D, 0x13}},
		{"ebp base forces disp8", MemOperand{Base: x86asm.EBP}, []byte{0x8D, 0x55, 0x00}},
		{"ebp negative disp8", MemOperand{Base: x86asm.EBP, Disp: -5}, []byte{0x8D, 0x55, 0xFB}},
		{"esp needs sib", MemOperand{Base: x86asm.ESP, Disp: 4}, []byte{0x8D, 0x54, 0x24, 0x04}},
		{"absolute", MemOperand{Disp: 0x10}, []byte{0x8D, 0x15, 0x10, 0x00, 0x00, 0x00}},
		{
			"base+index*scale+disp8",
			MemOperand{Base: x86asm.ECX, Index: x86asm.EDX, Scale: 4, Disp: 0x13},
			[]byte{0x8D, 0x54, 0x91, 0x13},
		},
		{
			"index without base",
			MemOperand{Index: x86asm.ECX, Scale: 2, Disp: 0x10},
			[]byte{0x8D, 0x14, 0x4D, 0x10, 0x00, 0x00, 0x00},
		},
		{"disp32", MemOperand{Base: x86asm.EBX, Disp: 0x1234}, []byte{0x8D, 0x93, 0x34, 0x12, 0x00, 0x00}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAssembler()
			a.Lea(x86asm.EDX, tc.mem)
			instrs := emitted(t, a)
			require.Len(t, instrs, 1)
			require.Equal(t, tc.want, instrs[0].Bytes)
			require.Equal(t, x86asm.LEA, instrs[0].Inst.Op)
		})
	}
}

func TestAssembler_MovEspSlot(t *testing.T) {
	a := NewAssembler()
	a.MovRegMem(x86asm.EDX, MemOperand{Base: x86asm.ESP, Disp: 4})
	instrs := emitted(t, a)
	require.Equal(t, []byte{0x8B, 0x54, 0x24, 0x04}, instrs[0].Bytes)
}

func TestAssembler_CallAndJmpRefs(t *testing.T) {
	a := NewAssembler()
	a.CallRef(InstrRef{Kind: AbsoluteRef, Size: 4, Block: 7, Offset: 12})
	a.CallRef(InstrRef{Kind: PCRelativeRef, Size: 4, Block: 9})
	a.JmpRef(InstrRef{Kind: AbsoluteRef, Size: 4, Block: 7})

	instrs := emitted(t, a)
	require.Equal(t, []byte{0xFF, 0x15, 0, 0, 0, 0}, instrs[0].Bytes)
	require.Equal(t, InstrRef{Kind: AbsoluteRef, Size: 4, Block: 7, Offset: 12}, instrs[0].Refs[2])
	require.Equal(t, []byte{0xE8, 0, 0, 0, 0}, instrs[1].Bytes)
	require.Equal(t, BlockID(9), instrs[1].Refs[1].Block)
	require.Equal(t, []byte{0xFF, 0x25, 0, 0, 0, 0}, instrs[2].Bytes)
}

func TestAssembler_DispRefForcesDisp32(t *testing.T) {
	ref := InstrRef{Kind: AbsoluteRef, Size: 4, Block: 3, Offset: 8}
	a := NewAssembler()
	a.Lea(x86asm.EDX, MemOperand{Base: x86asm.EBX, Disp: 0, Ref: &ref})
	instrs := emitted(t, a)
	// mod 10 with disp32, even though the displacement value fits a byte.
	require.Equal(t, []byte{0x8D, 0x93, 0, 0, 0, 0}, instrs[0].Bytes)
	require.Equal(t, ref, instrs[0].Refs[2])
}

func TestAssembler_SourcePropagation(t *testing.T) {
	a := NewAssembler()
	a.SetSource(SourceRange{Start: 10, Length: 3})
	a.Push(x86asm.EDX)
	instrs := emitted(t, a)
	require.Equal(t, SourceRange{Start: 10, Length: 3}, instrs[0].Source)
}

func TestAssembler_BadIndexRegister(t *testing.T) {
	a := NewAssembler()
	a.Lea(x86asm.EDX, MemOperand{Base: x86asm.EAX, Index: x86asm.ESP, Scale: 1})
	_, err := a.Instructions()
	require.Error(t, err)
}
