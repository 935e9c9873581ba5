package blockgraph

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func codeBlock(t *testing.T, g *Graph, data ...byte) *Block {
	t.Helper()
	return g.AddBlock(CodeBlock, "test_code", ".text", data)
}

func TestDecompose_StraightLine(t *testing.T) {
	g := NewGraph(FormatPE)
	b := codeBlock(t, g,
		0x8B, 0x43, 0x04, // mov eax, [ebx+4]
		0xC3, // ret
	)
	sg, err := Decompose(b)
	require.NoError(t, err)
	require.Len(t, sg.BasicBlocks, 1)
	bb := sg.BasicBlocks[0]
	require.Len(t, bb.Instructions, 2)
	require.Equal(t, x86asm.MOV, bb.Instructions[0].Inst.Op)
	require.Equal(t, x86asm.RET, bb.Instructions[1].Inst.Op)
	require.Empty(t, bb.Successors)
}

func TestDecompose_BranchSplits(t *testing.T) {
	g := NewGraph(FormatPE)
	b := codeBlock(t, g,
		0x8B, 0x03, // mov eax, [ebx]
		0x74, 0x01, // je +1 (to ret)
		0x90, // nop
		0xC3, // ret
	)
	sg, err := Decompose(b)
	require.NoError(t, err)
	require.Len(t, sg.BasicBlocks, 3)

	head, mid, tail := sg.BasicBlocks[0], sg.BasicBlocks[1], sg.BasicBlocks[2]
	require.Len(t, head.Instructions, 2)
	require.Len(t, mid.Instructions, 1)
	require.Len(t, tail.Instructions, 1)

	// je targets the ret block and falls through to the nop.
	require.ElementsMatch(t, []*BasicBlock{mid, tail}, head.Successors)
	require.Equal(t, []*BasicBlock{tail}, mid.Successors)
	require.Empty(t, tail.Successors)

	// The branch displacement now carries a basic-block reference.
	je := head.Instructions[1]
	ref, ok := je.Refs[je.Inst.PCRelOff]
	require.True(t, ok)
	require.Same(t, tail, ref.BasicBlock)
}

func TestDecompose_BlockReferenceAttaches(t *testing.T) {
	g := NewGraph(FormatPE)
	target := g.AddBlock(DataBlock, "jump_table", ".rdata", make([]byte, 16))
	b := codeBlock(t, g,
		0xFF, 0x24, 0x85, 0, 0, 0, 0, // jmp [eax*4+disp32]
	)
	require.NoError(t, g.SetReference(b, 3, Reference{Kind: AbsoluteRef, Size: 4, Target: target.ID}))

	sg, err := Decompose(b)
	require.NoError(t, err)
	ins := sg.BasicBlocks[0].Instructions[0]
	ref, _, ok := ins.DispRef()
	require.True(t, ok)
	require.Equal(t, target.ID, ref.Block)
}

func TestDecompose_RejectsMidInstructionTarget(t *testing.T) {
	g := NewGraph(FormatPE)
	b := codeBlock(t, g,
		0xEB, 0xFF, // jmp -1: lands inside this very instruction
		0xC3,
	)
	_, err := Decompose(b)
	require.Error(t, err)
}

func TestDecompose_RejectsUndecodable(t *testing.T) {
	g := NewGraph(FormatPE)
	b := codeBlock(t, g, 0x8B, 0x43) // mov eax, [ebx+disp8] with the disp8 byte missing
	_, err := Decompose(b)
	require.Error(t, err)
}

func TestMemDispField(t *testing.T) {
	cases := []struct {
		name     string
		raw      []byte
		wantOff  int
		wantSize int
		wantOK   bool
	}{
		{"disp8", []byte{0x8B, 0x43, 0x04}, 2, 1, true},
		{"disp32", []byte{0x8B, 0x93, 0x34, 0x12, 0, 0}, 2, 4, true},
		{"absolute", []byte{0x8B, 0x15, 0x10, 0, 0, 0}, 2, 4, true},
		{"sib no base", []byte{0xFF, 0x24, 0x85, 0, 0, 0, 0}, 3, 4, true},
		{"register form", []byte{0x89, 0xD8}, 0, 0, false},
		{"no modrm disp", []byte{0x8B, 0x03}, 0, 0, false},
		{"moffs", []byte{0xA1, 0x44, 0x33, 0x22, 0x11}, 1, 4, true},
		{"seg prefix", []byte{0x64, 0x8B, 0x45, 0x04}, 3, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			off, size, ok := memDispField(tc.raw)
			require.Equal(t, tc.wantOK, ok)
			if ok {
				require.Equal(t, tc.wantOff, off)
				require.Equal(t, tc.wantSize, size)
			}
		})
	}
}
