package asan

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func passGraph() (*blockgraph.Graph, *blockgraph.Block) {
	g := blockgraph.NewGraph(blockgraph.FormatPE)
	g.FindOrAddSection(".text", 0x60000020)
	b := g.AddBlock(blockgraph.CodeBlock, "f", ".text", []byte{
		0x8B, 0x43, 0x04, // mov eax, [ebx+4]
		0xC3,
	})
	return g, b
}

func TestPass_InstrumentsAndRefusesReentry(t *testing.T) {
	g, b := passGraph()
	p := New(Config{InstrumentationRate: 1, Logger: quietLogger()})
	require.NoError(t, p.Apply(g))

	// Exactly one .thunks section, and the block grew by the probe call
	// sequence: push(1) + lea(3) + call(6).
	count := 0
	for _, s := range g.Sections {
		if s.Name == ThunksSectionName {
			count++
		}
	}
	require.Equal(t, 1, count)
	require.Equal(t, 4+1+3+6, b.Size())

	err := New(Config{InstrumentationRate: 1, Logger: quietLogger()}).Apply(g)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, AlreadyInstrumented, kind)
}

func TestPass_ZeroRateTouchesOnlyPlumbing(t *testing.T) {
	g, b := passGraph()
	orig := append([]byte(nil), b.Data...)
	p := New(Config{InstrumentationRate: 0, Logger: quietLogger()})
	require.NoError(t, p.Apply(g))

	require.Equal(t, orig, b.Data, "instruction streams must be untouched at rate 0")
	require.True(t, g.HasSection(ThunksSectionName))
	require.NotNil(t, g.FindImportModule(DefaultRTLDLLName))
}

func TestPass_RateClamping(t *testing.T) {
	require.Equal(t, 0.0, New(Config{InstrumentationRate: -3}).cfg.InstrumentationRate)
	require.Equal(t, 1.0, New(Config{InstrumentationRate: 7}).cfg.InstrumentationRate)
}

func TestPass_DefaultRTLNames(t *testing.T) {
	require.Equal(t, DefaultRTLDLLName, New(Config{}).cfg.RTLDLLName)
	require.Equal(t, DefaultHPRTLDLLName, New(Config{HotPatching: true}).cfg.RTLDLLName)
	require.Equal(t, "custom.dll", New(Config{RTLDLLName: "custom.dll"}).cfg.RTLDLLName)
}

func TestPass_SkipsHeapInitBlocks(t *testing.T) {
	g, _ := passGraph()
	tr := blockgraph.NewAddImportsTransform()
	k32 := tr.AddModule(g, "kernel32.dll")
	tr.AddSymbol(k32, "GetProcessHeap")
	require.NoError(t, tr.Apply(g))

	heapInit := g.AddBlock(blockgraph.CodeBlock, "__acrt_initialize_heap", ".text", []byte{
		0x8B, 0x43, 0x04, // a load that would otherwise be instrumented
		0xC3,
	})
	orig := append([]byte(nil), heapInit.Data...)

	p := New(Config{InstrumentationRate: 1, Logger: quietLogger()})
	require.NoError(t, p.Apply(g))
	require.Equal(t, orig, heapInit.Data)
}

func TestPass_ParametersSection(t *testing.T) {
	g, _ := passGraph()
	params := []byte{1, 2, 3, 4}
	p := New(Config{InstrumentationRate: 1, Parameters: params, Logger: quietLogger()})
	require.NoError(t, p.Apply(g))

	require.True(t, g.HasSection(ParametersSectionName))
	pb := g.BlockByName("asan_parameters")
	require.NotNil(t, pb)
	require.Equal(t, params, pb.Data)
	require.Equal(t, ParametersSectionName, pb.Section)
}

func TestPass_COFFHasNoParametersSection(t *testing.T) {
	g := blockgraph.NewGraph(blockgraph.FormatCOFF)
	g.AddBlock(blockgraph.CodeBlock, "f", ".text", []byte{0x8B, 0x43, 0x04, 0xC3})
	p := New(Config{InstrumentationRate: 1, Parameters: []byte{1}, Logger: quietLogger()})
	require.NoError(t, p.Apply(g))
	require.False(t, g.HasSection(ParametersSectionName))
}

func TestPass_HotPatchingPreparesInsteadOfRewriting(t *testing.T) {
	g, b := passGraph()
	orig := append([]byte(nil), b.Data...)
	p := New(Config{InstrumentationRate: 1, HotPatching: true, Logger: quietLogger()})
	require.NoError(t, p.Apply(g))

	// Dry run: bytes untouched, block prepared and recorded.
	require.Equal(t, orig, b.Data)
	require.Equal(t, []blockgraph.BlockID{b.ID}, p.PreparedBlocks())
	require.GreaterOrEqual(t, b.Alignment, 2)

	meta := g.BlockByName("hot_patch_metadata")
	require.NotNil(t, meta)
	require.Equal(t, b.ID, meta.References[4].Target)
}

func TestPass_SkipsStaticInterceptCopies(t *testing.T) {
	g, _ := passGraph()
	static := g.AddBlock(blockgraph.CodeBlock, "crt_memcpy", ".text", []byte{
		0x8B, 0x03, // mov eax, [ebx]
		0xC3,
	})
	orig := append([]byte(nil), static.Data...)

	// Seed the pass's skip set from an intercept table recognizing the block
	// by hash; the pass itself runs with the default table.
	p := New(Config{InstrumentationRate: 1, Logger: quietLogger()})
	redirector := &InterceptRedirector{
		RTLName:      p.cfg.RTLDLLName,
		ThunkSection: ThunksSectionName,
		Intercepts: []InterceptDescriptor{
			{Name: "memcpy", Decorated: "_memcpy", Hashes: []string{blockgraph.HashBlock(static)}},
		},
	}
	copies := redirector.FindStaticCopies(g)
	require.Len(t, copies, 1)
	for _, c := range copies {
		p.skip.Add(c.ID)
	}
	require.NoError(t, p.Apply(g))
	require.Equal(t, orig, static.Data, "intercepted copies must not be instrumented")
}
