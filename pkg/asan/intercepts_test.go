package asan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

func TestIntercepts_ImportedRedirection(t *testing.T) {
	g := blockgraph.NewGraph(blockgraph.FormatPE)
	tr := blockgraph.NewAddImportsTransform()
	k32 := tr.AddModule(g, "kernel32.dll")
	rfIdx := tr.AddSymbol(k32, "ReadFile")
	require.NoError(t, tr.Apply(g))
	slot, err := k32.SlotSite(rfIdx)
	require.NoError(t, err)

	// A call site going through the ReadFile IAT slot.
	caller := g.AddBlock(blockgraph.CodeBlock, "caller", ".text",
		[]byte{0xFF, 0x15, 0, 0, 0, 0, 0xC3})
	require.NoError(t, g.SetReference(caller, 2, blockgraph.Reference{
		Kind: blockgraph.AbsoluteRef, Size: 4, Target: slot.Block.ID, Offset: int32(slot.Offset),
	}))

	r := &InterceptRedirector{RTLName: DefaultRTLDLLName, ThunkSection: ThunksSectionName}
	rd := newRedirects()
	require.NoError(t, r.Apply(g, nil, rd))
	rd.apply(g)

	rtl := g.FindImportModule(DefaultRTLDLLName)
	require.NotNil(t, rtl)
	asanIdx := rtl.SymbolIndex("asan_ReadFile")
	require.GreaterOrEqual(t, asanIdx, 0)
	want, err := rtl.SlotReference(asanIdx)
	require.NoError(t, err)

	got := caller.References[2]
	require.Equal(t, want.Target, got.Target)
	require.Equal(t, want.Offset, got.Offset)
}

func TestIntercepts_OptionalRequiresFlag(t *testing.T) {
	g := blockgraph.NewGraph(blockgraph.FormatPE)
	tr := blockgraph.NewAddImportsTransform()
	k32 := tr.AddModule(g, "kernel32.dll")
	tr.AddSymbol(k32, "ReadFileEx")
	require.NoError(t, tr.Apply(g))

	r := &InterceptRedirector{RTLName: DefaultRTLDLLName, ThunkSection: ThunksSectionName}
	rd := newRedirects()
	require.NoError(t, r.Apply(g, nil, rd))
	require.Nil(t, g.FindImportModule(DefaultRTLDLLName))

	r.UseInterceptors = true
	require.NoError(t, r.Apply(g, nil, rd))
	rtl := g.FindImportModule(DefaultRTLDLLName)
	require.NotNil(t, rtl)
	require.GreaterOrEqual(t, rtl.SymbolIndex("asan_ReadFileEx"), 0)
}

func TestIntercepts_StaticCopyThunked(t *testing.T) {
	g := blockgraph.NewGraph(blockgraph.FormatPE)
	memcpy := g.AddBlock(blockgraph.CodeBlock, "memcpy_static", ".text",
		[]byte{0x8B, 0x03, 0xC3})
	caller := g.AddBlock(blockgraph.CodeBlock, "caller", ".text",
		[]byte{0xE8, 0, 0, 0, 0, 0xC3})
	require.NoError(t, g.SetReference(caller, 1, blockgraph.Reference{
		Kind: blockgraph.PCRelativeRef, Size: 4, Target: memcpy.ID,
	}))

	r := &InterceptRedirector{
		RTLName:      DefaultRTLDLLName,
		ThunkSection: ThunksSectionName,
		Intercepts: []InterceptDescriptor{
			{Name: "memcpy", Decorated: "_memcpy", Hashes: []string{blockgraph.HashBlock(memcpy)}},
		},
	}
	copies := r.FindStaticCopies(g)
	require.Equal(t, []*blockgraph.Block{memcpy}, copies)

	rd := newRedirects()
	require.NoError(t, r.Apply(g, copies, rd))
	rd.apply(g)

	thunk := g.BlockByName("memcpy_intercept_thunk")
	require.NotNil(t, thunk)
	require.Equal(t, ThunksSectionName, thunk.Section)
	// jmp [iat slot of asan_memcpy]
	require.Equal(t, []byte{0xFF, 0x25, 0, 0, 0, 0}, thunk.Data)
	rtl := g.FindImportModule(DefaultRTLDLLName)
	require.GreaterOrEqual(t, rtl.SymbolIndex("asan_memcpy"), 0)

	// The call site now lands on the thunk, not the static copy.
	require.Equal(t, thunk.ID, caller.References[1].Target)
}

func TestIntercepts_COFFRename(t *testing.T) {
	g := blockgraph.NewGraph(blockgraph.FormatCOFF)
	g.AddExternalSymbol("_memcpy")
	g.AddExternalSymbol("__imp__memset")

	r := &InterceptRedirector{RTLName: DefaultRTLDLLName}
	rd := newRedirects()
	require.NoError(t, r.Apply(g, nil, rd))

	require.Nil(t, g.BlockByName("_memcpy"))
	require.NotNil(t, g.BlockByName("_asan_memcpy"))
	require.Nil(t, g.BlockByName("__imp__memset"))
	require.NotNil(t, g.BlockByName("__imp__asan_memset"))
}

func TestIntercepts_COFFCollisionFails(t *testing.T) {
	g := blockgraph.NewGraph(blockgraph.FormatCOFF)
	g.AddExternalSymbol("_memcpy")
	g.AddBlock(blockgraph.CodeBlock, "_asan_memcpy", ".text", []byte{0xC3})

	r := &InterceptRedirector{RTLName: DefaultRTLDLLName}
	err := r.Apply(g, nil, newRedirects())
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, COFFNameCollision, kind)
}

func TestIntercepts_HotPatchingSkipsImported(t *testing.T) {
	g := blockgraph.NewGraph(blockgraph.FormatPE)
	tr := blockgraph.NewAddImportsTransform()
	k32 := tr.AddModule(g, "kernel32.dll")
	tr.AddSymbol(k32, "ReadFile")
	require.NoError(t, tr.Apply(g))

	r := &InterceptRedirector{RTLName: DefaultHPRTLDLLName, HotPatching: true}
	rd := newRedirects()
	require.NoError(t, r.Apply(g, nil, rd))
	require.Nil(t, g.FindImportModule(DefaultHPRTLDLLName))
}
