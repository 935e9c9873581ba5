package asan

import (
	"sort"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

// probeSizes are the load/store access widths with dedicated probes.
// 10-byte (FPU extended) accesses are enumerated separately.
var probeSizes = []int{1, 2, 4, 8, 16, 32}

// stringProbeSizes are the element widths of the string-instruction probes.
var stringProbeSizes = []int{1, 2, 4}

var stringProbeOps = []StringOp{CmpsOp, LodsOp, MovsOp, StosOp}

// EnumerateProbes lists every probe variant an image may need. When
// liveness analysis is in use, each read/write variant gets a cheaper
// flag-clobbering twin.
func EnumerateProbes(useLiveness bool) []MemoryAccessInfo {
	var infos []MemoryAccessInfo
	addRW := func(size int) {
		for _, mode := range []AccessMode{ReadAccess, WriteAccess} {
			infos = append(infos, MemoryAccessInfo{Mode: mode, Size: size, SaveFlags: true})
			if useLiveness {
				infos = append(infos, MemoryAccessInfo{Mode: mode, Size: size, SaveFlags: false})
			}
		}
	}
	for _, size := range probeSizes {
		addRW(size)
	}
	addRW(10)
	for _, size := range stringProbeSizes {
		for _, op := range stringProbeOps {
			infos = append(infos, MemoryAccessInfo{Mode: RepzAccess, Size: size, Opcode: op, SaveFlags: true})
			infos = append(infos, MemoryAccessInfo{Mode: InstrAccess, Size: size, Opcode: op, SaveFlags: true})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Less(infos[j]) })
	return infos
}

// ProbeTable maps each access variant to the reference its emitted call
// targets: an IAT slot on PE images, an external symbol on COFF. Built once
// by the importer, read-only afterwards.
type ProbeTable struct {
	refs map[MemoryAccessInfo]blockgraph.InstrRef
}

// NewProbeTable returns an empty table.
func NewProbeTable() *ProbeTable {
	return &ProbeTable{refs: make(map[MemoryAccessInfo]blockgraph.InstrRef)}
}

// Add registers the call target for one variant.
func (t *ProbeTable) Add(info MemoryAccessInfo, ref blockgraph.InstrRef) {
	t.refs[info] = ref
}

// Lookup returns the call target for the given variant.
func (t *ProbeTable) Lookup(info MemoryAccessInfo) (blockgraph.InstrRef, bool) {
	ref, ok := t.refs[info]
	return ref, ok
}

// Infos returns all registered variants in Less order.
func (t *ProbeTable) Infos() []MemoryAccessInfo {
	infos := make([]MemoryAccessInfo, 0, len(t.refs))
	for info := range t.refs {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Less(infos[j]) })
	return infos
}

// Len returns the number of registered variants.
func (t *ProbeTable) Len() int { return len(t.refs) }
