package asan

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

// rtlImportTimestamp is stamped on the RTL's import descriptor. The value 1
// (1970-01-01 00:00:01Z) makes the loader treat the IAT as bound to a stale
// binding, so the stub addresses written at instrumentation time stay in
// force until the loader rebinds. Probes are therefore callable even before
// import resolution finishes. Wire-format compatibility: must stay exactly 1.
const rtlImportTimestamp = 1

// ProbeImporter imports every enumerated probe variant from the RTL and
// builds the probe reference table.
type ProbeImporter struct {
	RTLName      string
	UseLiveness  bool
	ThunkSection string
}

// Import wires the probes into the graph. On PE images the probes are
// imported from the RTL module and each IAT slot initially points at a
// bootstrap stub; on COFF the probes become external symbol references and
// the linker supplies bodies.
func (pi *ProbeImporter) Import(g *blockgraph.Graph) (*ProbeTable, error) {
	infos := EnumerateProbes(pi.UseLiveness)
	table := NewProbeTable()

	if g.Format == blockgraph.FormatCOFF {
		for _, info := range infos {
			sym := g.AddExternalSymbol(info.ProbeName(blockgraph.FormatCOFF))
			table.Add(info, blockgraph.InstrRef{
				Kind: blockgraph.PCRelativeRef, Size: 4, Block: sym.ID,
			})
		}
		return table, nil
	}

	transform := blockgraph.NewAddImportsTransform()
	mod := transform.AddModule(g, pi.RTLName)
	mod.Timestamp = rtlImportTimestamp
	indices := make([]int, len(infos))
	for i, info := range infos {
		indices[i] = transform.AddSymbol(mod, info.ProbeName(blockgraph.FormatPE))
	}
	if err := transform.Apply(g); err != nil {
		return nil, errors.Wrap(err, "import probes")
	}

	loadStoreStub, instrStub, err := pi.buildStubs(g)
	if err != nil {
		return nil, err
	}

	for i, info := range infos {
		site, err := mod.SlotSite(indices[i])
		if err != nil {
			return nil, err
		}
		stub := loadStoreStub
		switch info.Mode {
		case InstrAccess, RepzAccess, RepnzAccess:
			stub = instrStub
		}
		err = g.SetReference(site.Block, site.Offset, blockgraph.Reference{
			Kind: blockgraph.AbsoluteRef, Size: 4, Target: stub.ID,
		})
		if err != nil {
			return nil, err
		}
		ref, err := mod.SlotReference(indices[i])
		if err != nil {
			return nil, err
		}
		table.Add(info, blockgraph.InstrRef{
			Kind: ref.Kind, Size: ref.Size, Block: ref.Target, Offset: ref.Offset,
		})
	}
	return table, nil
}

// buildStubs emits the two IAT bootstrap stubs. Until the loader rebinds
// the RTL, every probe call lands in one of these; both must be no-ops with
// respect to the probe ABI.
func (pi *ProbeImporter) buildStubs(g *blockgraph.Graph) (loadStore, instr *blockgraph.Block, err error) {
	// Load/store probes are entered with the caller's EDX pushed and the
	// access address in EDX: restore EDX and drop the slot.
	a := blockgraph.NewAssembler()
	a.MovRegMem(x86asm.EDX, blockgraph.MemOperand{Base: x86asm.ESP, Disp: 4})
	a.RetN(4)
	loadStore, err = blockgraph.BuildBlock(g, "asan_load_store_stub", pi.ThunkSection, a)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build load/store stub")
	}

	// String-instruction probes take their addresses from ESI/EDI and push
	// nothing: a bare return suffices.
	a = blockgraph.NewAssembler()
	a.Ret()
	instr, err = blockgraph.BuildBlock(g, "asan_instruction_stub", pi.ThunkSection, a)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build instruction stub")
	}
	return loadStore, instr, nil
}
