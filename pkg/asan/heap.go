package asan

import (
	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

// Names the CRT gives its heap-initialization routine, by toolchain
// generation.
var heapInitNames = []string{
	"_heap_init",            // VS2012
	"_acrt_initialize_heap", // VS2015
}

// heapCreateInitialSize is the initial reserve of the private heap the
// patched CRT creates instead of adopting the OS process heap.
const heapCreateInitialSize = 0x1000

// HeapInitPatcher rewires the CRT heap initialization so the RTL owns all
// allocations: calls to GetProcessHeap inside the recognized init routines
// are redirected to a thunk that creates a private heap.
type HeapInitPatcher struct {
	RTLName      string
	HotPatching  bool
	ThunkSection string
}

// FindHeapInitBlocks returns the CRT heap-init blocks. The driver adds
// them to the skip set before per-block instrumentation.
func (p *HeapInitPatcher) FindHeapInitBlocks(g *blockgraph.Graph) []*blockgraph.Block {
	var out []*blockgraph.Block
	seen := make(map[blockgraph.BlockID]bool)
	for _, name := range heapInitNames {
		for _, b := range g.BlocksByNameSubstring(name) {
			if b.Kind == blockgraph.CodeBlock && !seen[b.ID] {
				seen[b.ID] = true
				out = append(out, b)
			}
		}
	}
	return out
}

// Apply patches the given heap-init blocks, accumulating reference
// redirections into rd.
//
// GetProcessHeap is reached indirectly through its IAT slot, so the patch
// is a data-block indirection: a thunk calling HeapCreate(0, 0x1000, 0) is
// emitted, a 4-byte data block holds an absolute reference to the thunk,
// and the heap-init code's IAT references are repointed at that data
// block. The indirect call then lands in the thunk.
func (p *HeapInitPatcher) Apply(g *blockgraph.Graph, heapInit []*blockgraph.Block, rd *redirects) error {
	if g.Format != blockgraph.FormatPE || len(heapInit) == 0 {
		return nil
	}
	mod, idx, ok := g.FindImport("GetProcessHeap")
	if !ok || mod.IAT() == nil {
		return nil
	}
	slot, err := mod.SlotSite(idx)
	if err != nil {
		return kindErrorf(TransformFailure, "heap init: %v", err)
	}

	// HeapCreate comes from the RTL normally (so the RTL sees the heap
	// being created) and straight from kernel32 in hot-patching mode.
	transform := blockgraph.NewAddImportsTransform()
	var hcIdx int
	var hcMod *blockgraph.ImportModule
	if p.HotPatching {
		hcMod = transform.AddModule(g, "kernel32.dll")
		hcIdx = transform.AddSymbol(hcMod, "HeapCreate")
	} else {
		hcMod = transform.AddModule(g, p.RTLName)
		hcIdx = transform.AddSymbol(hcMod, "asan_HeapCreate")
	}
	if err := transform.Apply(g); err != nil {
		return kindErrorf(ImportFailure, "import HeapCreate: %v", err)
	}
	hcRef, err := hcMod.SlotReference(hcIdx)
	if err != nil {
		return kindErrorf(TransformFailure, "heap init: %v", err)
	}

	// HeapCreate(flOptions=0, dwInitialSize=0x1000, dwMaximumSize=0),
	// stdcall: arguments pushed right to left, callee cleans up.
	a := blockgraph.NewAssembler()
	a.PushImm32(0)
	a.PushImm32(heapCreateInitialSize)
	a.PushImm32(0)
	a.CallRef(blockgraph.InstrRef{
		Kind: hcRef.Kind, Size: hcRef.Size, Block: hcRef.Target, Offset: hcRef.Offset,
	})
	a.Ret()
	thunk, err := blockgraph.BuildBlock(g, "asan_heap_create_thunk", p.ThunkSection, a)
	if err != nil {
		return kindErrorf(ThunkBuildFailure, "heap create thunk: %v", err)
	}

	ptr := g.AddBlock(blockgraph.DataBlock, "asan_heap_create_thunk_ptr", p.ThunkSection, make([]byte, 4))
	ptr.Alignment = 4
	err = g.SetReference(ptr, 0, blockgraph.Reference{
		Kind: blockgraph.AbsoluteRef, Size: 4, Target: thunk.ID,
	})
	if err != nil {
		return kindErrorf(TransformFailure, "heap init: %v", err)
	}

	for _, b := range heapInit {
		rd.addScopedSlot(b.ID,
			blockgraph.RefSite{Block: slot.Block, Offset: slot.Offset},
			blockgraph.RefSite{Block: ptr, Offset: 0})
	}
	return nil
}
