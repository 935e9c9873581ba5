package asan

import (
	"github.com/retroenv/retrogolib/set"
	"github.com/sirupsen/logrus"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

const (
	// DefaultRTLDLLName is the runtime library imported in normal mode.
	DefaultRTLDLLName = "syzyasan_rtl.dll"
	// DefaultHPRTLDLLName is the runtime library in hot-patching mode.
	DefaultHPRTLDLLName = "syzyasan_hp.dll"

	// ThunksSectionName holds everything the pass emits. Its presence
	// marks an image as instrumented.
	ThunksSectionName = ".thunks"
	// ParametersSectionName holds the serialized RTL parameters.
	ParametersSectionName = ".asanprm"

	thunksSectionCharacteristics = 0x60000020 // code | execute | read
	paramsSectionCharacteristics = 0x40000040 // initialized data | read
)

// Config is the pass configuration. The zero value has an
// InstrumentationRate of 0, so it imports the probes but instruments no
// access; with the rate set to 1 it instruments everything with
// flag-preserving probes and no interceptor extras.
type Config struct {
	// DebugFriendly propagates original source ranges onto inserted
	// instructions, trading exact address mapping for usable stack traces.
	DebugFriendly bool
	// UseLiveness enables the flag-liveness analysis and the cheaper
	// no-flags probe variants.
	UseLiveness bool
	// RemoveRedundantChecks elides accesses already covered on the path.
	RemoveRedundantChecks bool
	// UseInterceptors includes the optional entries of the intercept
	// table.
	UseInterceptors bool
	// InstrumentationRate is the probability any given access gets a
	// probe. Clamped to [0, 1]; 0 skips per-block work entirely.
	InstrumentationRate float64
	// HotPatching switches to dry-run instrumentation plus
	// prepare-for-runtime-attachment.
	HotPatching bool
	// RTLDLLName overrides the runtime library module name.
	RTLDLLName string
	// Parameters, when non-nil, is serialized into the image for the RTL
	// to discover at startup (PE only).
	Parameters []byte
	// Filter, when non-nil, reports instructions to leave uninstrumented.
	Filter func(*blockgraph.Instruction) bool
	// Logger defaults to the process-wide logrus logger.
	Logger logrus.FieldLogger
}

// Pass is one instrumentation run over one block graph. Create with New,
// use once.
type Pass struct {
	cfg Config

	probes   *ProbeTable
	skip     set.Set[blockgraph.BlockID]
	prepared []blockgraph.BlockID
}

// New builds a pass from cfg, clamping and defaulting as documented.
func New(cfg Config) *Pass {
	if cfg.InstrumentationRate < 0 {
		cfg.InstrumentationRate = 0
	}
	if cfg.InstrumentationRate > 1 {
		cfg.InstrumentationRate = 1
	}
	if cfg.RTLDLLName == "" {
		if cfg.HotPatching {
			cfg.RTLDLLName = DefaultHPRTLDLLName
		} else {
			cfg.RTLDLLName = DefaultRTLDLLName
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Pass{cfg: cfg, skip: set.New[blockgraph.BlockID]()}
}

// PreparedBlocks returns the blocks handed to hot-patching preparation,
// in discovery order. Empty outside hot-patching mode.
func (p *Pass) PreparedBlocks() []blockgraph.BlockID { return p.prepared }

// Apply runs the whole pass: pre-pass discovery and probe import, per-block
// instrumentation, then interception, heap patching and finalization. Any
// per-block error aborts the pass; no partial instrumentation survives into
// a successful return.
func (p *Pass) Apply(g *blockgraph.Graph) error {
	log := p.cfg.Logger
	if g.HasSection(ThunksSectionName) {
		return kindErrorf(AlreadyInstrumented, "image already has a %s section", ThunksSectionName)
	}
	g.FindOrAddSection(ThunksSectionName, thunksSectionCharacteristics)

	heapPatcher := &HeapInitPatcher{
		RTLName:      p.cfg.RTLDLLName,
		HotPatching:  p.cfg.HotPatching,
		ThunkSection: ThunksSectionName,
	}
	redirector := &InterceptRedirector{
		RTLName:         p.cfg.RTLDLLName,
		UseInterceptors: p.cfg.UseInterceptors,
		HotPatching:     p.cfg.HotPatching,
		ThunkSection:    ThunksSectionName,
	}

	// Pre-pass: find everything the instrumenter must not touch.
	heapInit := heapPatcher.FindHeapInitBlocks(g)
	for _, b := range heapInit {
		p.skip.Add(b.ID)
	}
	var staticCopies []*blockgraph.Block
	if g.Format == blockgraph.FormatPE {
		staticCopies = redirector.FindStaticCopies(g)
		for _, b := range staticCopies {
			p.skip.Add(b.ID)
		}
	}

	importer := &ProbeImporter{
		RTLName:      p.cfg.RTLDLLName,
		UseLiveness:  p.cfg.UseLiveness,
		ThunkSection: ThunksSectionName,
	}
	probes, err := importer.Import(g)
	if err != nil {
		if _, ok := KindOf(err); ok {
			return err
		}
		return kindErrorf(ImportFailure, "%v", err)
	}
	p.probes = probes

	if p.cfg.HotPatching && g.Format == blockgraph.FormatPE {
		if err := p.rewriteEntryThunk(g); err != nil {
			return err
		}
	}

	if p.cfg.InstrumentationRate > 0 {
		if err := p.instrumentBlocks(g); err != nil {
			return err
		}
	}

	// Post-pass: interception, heap patching, parameters, metadata; the
	// accumulated redirections apply last, in one sweep.
	rd := newRedirects()
	if err := redirector.Apply(g, staticCopies, rd); err != nil {
		return err
	}
	if err := heapPatcher.Apply(g, heapInit, rd); err != nil {
		return err
	}
	if g.Format == blockgraph.FormatPE && p.cfg.Parameters != nil {
		g.FindOrAddSection(ParametersSectionName, paramsSectionCharacteristics)
		params := make([]byte, len(p.cfg.Parameters))
		copy(params, p.cfg.Parameters)
		g.AddBlock(blockgraph.DataBlock, "asan_parameters", ParametersSectionName, params)
	}
	if p.cfg.HotPatching {
		mt := &blockgraph.HotPatchMetadataTransform{
			Section: ThunksSectionName,
			Blocks:  p.prepared,
		}
		if err := mt.Apply(g); err != nil {
			return kindErrorf(TransformFailure, "hot patch metadata: %v", err)
		}
	}
	rd.apply(g)

	log.WithFields(logrus.Fields{
		"format": g.Format.String(),
		"probes": probes.Len(),
	}).Info("asan instrumentation complete")
	return nil
}

func (p *Pass) instrumentBlocks(g *blockgraph.Graph) error {
	log := p.cfg.Logger
	instrumented := 0
	for _, b := range g.CodeBlocks() {
		if p.skip.Contains(b.ID) || b.Section == ThunksSectionName {
			continue
		}
		sg, err := blockgraph.Decompose(b)
		if err != nil {
			// Not safely decomposable; leave the block alone.
			log.WithField("block", b.Name).WithError(err).Debug("skipping block")
			continue
		}
		var liveness *Liveness
		if p.cfg.UseLiveness {
			liveness = AnalyzeLiveness(sg)
		}
		mode := AnalyzeStackUsage(sg)
		bi := &BasicBlockInstrumenter{
			Probes:        p.probes,
			DebugFriendly: p.cfg.DebugFriendly,
			DryRun:        p.cfg.HotPatching,
			Rate:          p.cfg.InstrumentationRate,
			Filter:        p.cfg.Filter,
		}
		for _, bb := range sg.BasicBlocks {
			var liveAfter []bool
			if liveness != nil {
				liveAfter = liveness.LiveAfter(bb)
			}
			var rs *RedundancyState
			if p.cfg.RemoveRedundantChecks {
				rs = NewRedundancyState()
			}
			if err := bi.Instrument(bb, mode, liveAfter, rs); err != nil {
				return err
			}
		}
		if !bi.Happened {
			continue
		}
		instrumented++
		if p.cfg.HotPatching {
			if err := blockgraph.PrepareBlockForHotPatching(b); err != nil {
				return kindErrorf(TransformFailure, "prepare %q: %v", b.Name, err)
			}
			p.prepared = append(p.prepared, b.ID)
			continue
		}
		if err := blockgraph.Rebuild(g, sg); err != nil {
			return kindErrorf(TransformFailure, "rebuild %q: %v", b.Name, err)
		}
	}
	log.WithField("blocks", instrumented).Debug("per-block instrumentation done")
	return nil
}

// rewriteEntryThunk routes the image entry through a thunk referencing the
// RTL import, so the runtime is resident before any instrumented code can
// run under hot patching.
func (p *Pass) rewriteEntryThunk(g *blockgraph.Graph) error {
	infos := p.probes.Infos()
	if len(infos) == 0 {
		return nil
	}
	ref, _ := p.probes.Lookup(infos[0])
	et := &blockgraph.EntryThunkTransform{Section: ThunksSectionName, RTLRef: ref}
	if err := et.Apply(g); err != nil {
		return kindErrorf(TransformFailure, "entry thunk: %v", err)
	}
	return nil
}

// refDest names a reference target precisely: block plus offset.
type refDest struct {
	block  blockgraph.BlockID
	offset int32
}

// redirects accumulates reference rewrites across the post-pass and
// applies them to the graph in one walk. Block redirects move every
// reference to a block; slot redirects move references to one exact
// (block, offset); scoped slot redirects do the same but only for
// references out of a particular source block.
type redirects struct {
	blocks map[blockgraph.BlockID]blockgraph.BlockID
	slots  map[refDest]refDest
	scoped map[blockgraph.BlockID]map[refDest]refDest
}

func newRedirects() *redirects {
	return &redirects{
		blocks: make(map[blockgraph.BlockID]blockgraph.BlockID),
		slots:  make(map[refDest]refDest),
		scoped: make(map[blockgraph.BlockID]map[refDest]refDest),
	}
}

func (rd *redirects) addBlock(from, to blockgraph.BlockID) {
	rd.blocks[from] = to
}

func (rd *redirects) addSlot(from, to blockgraph.RefSite) {
	rd.slots[siteDest(from)] = siteDest(to)
}

func (rd *redirects) addScopedSlot(source blockgraph.BlockID, from, to blockgraph.RefSite) {
	if rd.scoped[source] == nil {
		rd.scoped[source] = make(map[refDest]refDest)
	}
	rd.scoped[source][siteDest(from)] = siteDest(to)
}

func siteDest(s blockgraph.RefSite) refDest {
	return refDest{block: s.Block.ID, offset: int32(s.Offset)}
}

func (rd *redirects) apply(g *blockgraph.Graph) {
	for _, id := range g.SortedBlockIDs() {
		b := g.Blocks[id]
		for off, ref := range b.References {
			dest := refDest{block: ref.Target, offset: ref.Offset}
			if to, ok := rd.scoped[b.ID][dest]; ok {
				ref.Target, ref.Offset = to.block, to.offset
				b.References[off] = ref
				continue
			}
			if to, ok := rd.slots[dest]; ok {
				ref.Target, ref.Offset = to.block, to.offset
				b.References[off] = ref
				continue
			}
			if to, ok := rd.blocks[ref.Target]; ok {
				ref.Target = to
				b.References[off] = ref
			}
		}
	}
}
