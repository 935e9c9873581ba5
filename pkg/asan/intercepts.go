package asan

import (
	"github.com/retroenv/retrogolib/set"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

// InterceptDescriptor names one CRT or system function the RTL replaces.
// Module is empty for statically linked CRT functions, which are
// recognized by content hash instead of by import name.
type InterceptDescriptor struct {
	Module    string
	Name      string
	Decorated string
	Optional  bool
	Hashes    []string
}

// DefaultIntercepts is the static intercept table. Optional entries are
// honored only when interceptors are enabled in the pass configuration.
// The hash lists for statically linked CRT copies are supplied per
// toolchain by the embedding tool; empty lists simply never match.
var DefaultIntercepts = []InterceptDescriptor{
	{Module: "kernel32.dll", Name: "HeapCreate"},
	{Module: "kernel32.dll", Name: "HeapDestroy"},
	{Module: "kernel32.dll", Name: "HeapAlloc"},
	{Module: "kernel32.dll", Name: "HeapReAlloc"},
	{Module: "kernel32.dll", Name: "HeapFree"},
	{Module: "kernel32.dll", Name: "HeapSize"},
	{Module: "kernel32.dll", Name: "HeapValidate"},
	{Module: "kernel32.dll", Name: "HeapCompact"},
	{Module: "kernel32.dll", Name: "HeapLock"},
	{Module: "kernel32.dll", Name: "HeapUnlock"},
	{Module: "kernel32.dll", Name: "HeapWalk"},
	{Module: "kernel32.dll", Name: "HeapSetInformation"},
	{Module: "kernel32.dll", Name: "HeapQueryInformation"},
	{Module: "kernel32.dll", Name: "GetProcessHeap"},
	{Module: "kernel32.dll", Name: "ReadFile"},
	{Module: "kernel32.dll", Name: "ReadFileEx", Optional: true},
	{Module: "kernel32.dll", Name: "WriteFile"},
	{Module: "kernel32.dll", Name: "WriteFileEx", Optional: true},
	{Module: "kernel32.dll", Name: "InterlockedCompareExchange", Optional: true},
	{Module: "kernel32.dll", Name: "InterlockedDecrement", Optional: true},
	{Module: "kernel32.dll", Name: "InterlockedExchange", Optional: true},
	{Module: "kernel32.dll", Name: "InterlockedExchangeAdd", Optional: true},
	{Module: "kernel32.dll", Name: "InterlockedIncrement", Optional: true},
	{Name: "memcpy", Decorated: "_memcpy"},
	{Name: "memmove", Decorated: "_memmove"},
	{Name: "memset", Decorated: "_memset"},
	{Name: "memchr", Decorated: "_memchr"},
	{Name: "strlen", Decorated: "_strlen", Optional: true},
	{Name: "strnlen", Decorated: "_strnlen", Optional: true},
	{Name: "strcmp", Decorated: "_strcmp", Optional: true},
	{Name: "strncmp", Decorated: "_strncmp", Optional: true},
	{Name: "strchr", Decorated: "_strchr", Optional: true},
	{Name: "strrchr", Decorated: "_strrchr", Optional: true},
	{Name: "strstr", Decorated: "_strstr", Optional: true},
	{Name: "strncpy", Decorated: "_strncpy", Optional: true},
	{Name: "strncat", Decorated: "_strncat", Optional: true},
	{Name: "wcschr", Decorated: "_wcschr", Optional: true},
	{Name: "wcsrchr", Decorated: "_wcsrchr", Optional: true},
	{Name: "wcsstr", Decorated: "_wcsstr", Optional: true},
	{Name: "wcsnlen", Decorated: "_wcsnlen", Optional: true},
}

// InterceptRedirector reroutes every call site of an intercepted function
// to its RTL replacement.
type InterceptRedirector struct {
	RTLName         string
	UseInterceptors bool
	HotPatching     bool
	ThunkSection    string
	Intercepts      []InterceptDescriptor // defaults to DefaultIntercepts
}

func (r *InterceptRedirector) prefix() string {
	if r.HotPatching {
		return "hp_asan_"
	}
	return "asan_"
}

func (r *InterceptRedirector) descriptors() []InterceptDescriptor {
	table := r.Intercepts
	if table == nil {
		table = DefaultIntercepts
	}
	var out []InterceptDescriptor
	for _, d := range table {
		if d.Optional && !r.UseInterceptors {
			continue
		}
		out = append(out, d)
	}
	return out
}

// FindStaticCopies locates blocks that are statically linked copies of
// intercepted functions. The driver runs this in the pre-pass so the
// copies land in the instrumentation skip set.
func (r *InterceptRedirector) FindStaticCopies(g *blockgraph.Graph) []*blockgraph.Block {
	hashes := set.New[string]()
	for _, d := range r.descriptors() {
		for _, h := range d.Hashes {
			hashes.Add(h)
		}
	}
	return blockgraph.FindBlocksByHash(g, hashes)
}

// Apply performs the redirection, accumulating into rd. staticCopies is
// the pre-pass discovery result.
func (r *InterceptRedirector) Apply(g *blockgraph.Graph, staticCopies []*blockgraph.Block, rd *redirects) error {
	if g.Format == blockgraph.FormatCOFF {
		return r.renameCOFFSymbols(g)
	}
	transform := blockgraph.NewAddImportsTransform()
	rtl := transform.AddModule(g, r.RTLName)

	// Imported intercepts: swap each matching IAT slot for the RTL
	// interceptor's slot. Hot-patching images keep their imports; the
	// runtime rewires them on attach.
	type slotPair struct {
		desc InterceptDescriptor
		from blockgraph.RefSite
		idx  int
	}
	var pairs []slotPair
	if !r.HotPatching {
		for _, d := range r.descriptors() {
			if d.Module == "" {
				continue
			}
			mod := g.FindImportModule(d.Module)
			if mod == nil {
				continue
			}
			si := mod.SymbolIndex(d.Name)
			if si < 0 && d.Decorated != "" {
				si = mod.SymbolIndex(d.Decorated)
			}
			if si < 0 || mod.IAT() == nil {
				continue
			}
			from, err := mod.SlotSite(si)
			if err != nil {
				return kindErrorf(TransformFailure, "intercept %s: %v", d.Name, err)
			}
			idx := transform.AddSymbol(rtl, r.prefix()+d.Name)
			pairs = append(pairs, slotPair{d, from, idx})
		}
	}

	// Statically linked intercepts: import the interceptor and route every
	// reference to the original block through a jump thunk.
	hashToName := make(map[string]string)
	for _, d := range r.descriptors() {
		for _, h := range d.Hashes {
			hashToName[h] = d.Name
		}
	}
	type thunkPair struct {
		name string
		orig *blockgraph.Block
		idx  int
	}
	var thunks []thunkPair
	for _, b := range staticCopies {
		name, ok := hashToName[blockgraph.HashBlock(b)]
		if !ok {
			continue
		}
		idx := transform.AddSymbol(rtl, r.prefix()+name)
		thunks = append(thunks, thunkPair{name, b, idx})
	}

	if len(pairs) == 0 && len(thunks) == 0 {
		return nil
	}
	if err := transform.Apply(g); err != nil {
		return kindErrorf(ImportFailure, "import interceptors: %v", err)
	}

	for _, p := range pairs {
		to, err := rtl.SlotSite(p.idx)
		if err != nil {
			return kindErrorf(TransformFailure, "intercept %s: %v", p.desc.Name, err)
		}
		rd.addSlot(p.from, to)
	}
	for _, t := range thunks {
		ref, err := rtl.SlotReference(t.idx)
		if err != nil {
			return kindErrorf(TransformFailure, "intercept %s: %v", t.name, err)
		}
		a := blockgraph.NewAssembler()
		a.JmpRef(blockgraph.InstrRef{
			Kind: ref.Kind, Size: ref.Size, Block: ref.Target, Offset: ref.Offset,
		})
		thunk, err := blockgraph.BuildBlock(g, t.name+"_intercept_thunk", r.ThunkSection, a)
		if err != nil {
			return kindErrorf(ThunkBuildFailure, "intercept %s: %v", t.name, err)
		}
		rd.addBlock(t.orig.ID, thunk.ID)
	}
	return nil
}

// renameCOFFSymbols rewrites both direct and __imp_ symbol names to their
// Asan-prefixed forms. An object that already defines a prefixed name is
// rejected rather than silently double-defined.
func (r *InterceptRedirector) renameCOFFSymbols(g *blockgraph.Graph) error {
	transform := blockgraph.NewRenameSymbolsTransform()
	for _, d := range r.descriptors() {
		from := d.Decorated
		if from == "" {
			from = "_" + d.Name
		}
		to := "_" + r.prefix() + d.Name
		if g.BlockByName(to) != nil || g.BlockByName("__imp_"+to) != nil {
			return kindErrorf(COFFNameCollision, "object already defines %s", to)
		}
		transform.AddRename(from, to)
		transform.AddRename("__imp_"+from, "__imp_"+to)
	}
	if err := transform.Apply(g); err != nil {
		return kindErrorf(COFFNameCollision, "%v", err)
	}
	return nil
}
