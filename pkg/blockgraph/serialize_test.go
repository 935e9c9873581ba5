package blockgraph

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONRoundTrip(t *testing.T) {
	g := NewGraph(FormatPE)
	g.FindOrAddSection(".text", 0x60000020)
	code := g.AddBlock(CodeBlock, "main", ".text", []byte{0x8B, 0x05, 0, 0, 0, 0, 0xC3}) // mov eax, [disp32]; ret
	data := g.AddBlock(DataBlock, "table", ".rdata", make([]byte, 8))
	data.Alignment = 4
	require.NoError(t, g.SetReference(code, 2, Reference{Kind: AbsoluteRef, Size: 4, Target: data.ID, Offset: 4}))
	g.EntryPoint = code.ID

	tr := NewAddImportsTransform()
	mod := tr.AddModule(g, "kernel32.dll")
	tr.AddSymbol(mod, "ReadFile")
	tr.AddSymbol(mod, "WriteFile")
	require.NoError(t, tr.Apply(g))

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, g))
	got, err := ReadJSON(&buf)
	require.NoError(t, err)

	require.Equal(t, g.Format, got.Format)
	require.Equal(t, g.EntryPoint, got.EntryPoint)
	require.Len(t, got.Sections, 1)
	require.Len(t, got.Blocks, len(g.Blocks))

	gotCode := got.Block(code.ID)
	require.Equal(t, code.Data, gotCode.Data)
	require.Equal(t, code.References, gotCode.References)

	gotMod := got.FindImportModule("kernel32.dll")
	require.NotNil(t, gotMod)
	require.Equal(t, []string{"ReadFile", "WriteFile"}, gotMod.Symbols)
	require.NotNil(t, gotMod.IAT())

	// New blocks added after a round trip must not collide with old ids.
	fresh := got.AddBlock(DataBlock, "fresh", ".data", nil)
	require.Nil(t, g.Blocks[fresh.ID])
	require.Same(t, fresh, got.Block(fresh.ID))
}

func TestGraphHelpers(t *testing.T) {
	g := NewGraph(FormatCOFF)
	a := g.AddBlock(CodeBlock, "_heap_init_impl", ".text", []byte{0xC3})
	b := g.AddBlock(CodeBlock, "other", ".text", []byte{0xC3})
	sym := g.AddExternalSymbol("_memcpy")

	require.Equal(t, []*Block{a}, g.BlocksByNameSubstring("_heap_init"))
	require.Equal(t, sym, g.BlockByName("_memcpy"))
	require.Equal(t, []*Block{a, b}, g.CodeBlocks(), "externals are not code blocks")
	require.False(t, g.HasSection(".thunks"))
	g.FindOrAddSection(".thunks", 0)
	require.True(t, g.HasSection(".thunks"))
}

func TestReferencesTo(t *testing.T) {
	g := NewGraph(FormatPE)
	target := g.AddBlock(DataBlock, "t", ".data", make([]byte, 4))
	src := g.AddBlock(CodeBlock, "s", ".text", make([]byte, 8))
	require.NoError(t, g.SetReference(src, 1, Reference{Kind: AbsoluteRef, Size: 4, Target: target.ID}))
	sites := g.ReferencesTo(target.ID)
	require.Len(t, sites, 1)
	require.Same(t, src, sites[0].Block)
	require.Equal(t, 1, sites[0].Offset)
}
