package blockgraph

import (
	"strings"

	"github.com/pkg/errors"
)

// ImportModule is one IMAGE_IMPORT_DESCRIPTOR worth of metadata: a DLL name,
// the descriptor timestamp, and the symbols imported from it. The IAT is a
// plain data block with one 4-byte slot per symbol.
type ImportModule struct {
	Name      string
	Timestamp uint32
	Symbols   []string

	iat *Block
}

// IAT returns the module's import address table block, or nil before the
// add-imports transform has run.
func (m *ImportModule) IAT() *Block { return m.iat }

// SymbolIndex returns the index of the named symbol, or -1.
func (m *ImportModule) SymbolIndex(name string) int {
	for i, s := range m.Symbols {
		if s == name {
			return i
		}
	}
	return -1
}

// SlotReference returns a reference descriptor pointing at the IAT slot of
// symbol index i. Valid only after the transform has applied.
func (m *ImportModule) SlotReference(i int) (Reference, error) {
	if m.iat == nil {
		return Reference{}, errors.Errorf("module %q has no IAT yet", m.Name)
	}
	if i < 0 || i >= len(m.Symbols) {
		return Reference{}, errors.Errorf("module %q has no symbol %d", m.Name, i)
	}
	return Reference{Kind: AbsoluteRef, Size: 4, Target: m.iat.ID, Offset: int32(4 * i)}, nil
}

// SlotSite returns the IAT block and byte offset of symbol index i.
func (m *ImportModule) SlotSite(i int) (RefSite, error) {
	ref, err := m.SlotReference(i)
	if err != nil {
		return RefSite{}, err
	}
	return RefSite{Block: m.iat, Offset: int(ref.Offset)}, nil
}

// FindImportModule looks an import module up by name, case-insensitively
// (PE loader semantics).
func (g *Graph) FindImportModule(name string) *ImportModule {
	for _, m := range g.Imports {
		if strings.EqualFold(m.Name, name) {
			return m
		}
	}
	return nil
}

// FindImport locates an imported symbol by name across all modules.
func (g *Graph) FindImport(symbol string) (*ImportModule, int, bool) {
	for _, m := range g.Imports {
		if i := m.SymbolIndex(symbol); i >= 0 {
			return m, i, true
		}
	}
	return nil, 0, false
}

// AddImportsTransform adds modules and symbols to a PE graph's import
// table, growing (or creating) the per-module IAT block. Symbols are always
// imported; there is no find-only mode.
type AddImportsTransform struct {
	modules []*ImportModule
}

// NewAddImportsTransform returns an empty transform.
func NewAddImportsTransform() *AddImportsTransform {
	return &AddImportsTransform{}
}

// AddModule registers a module by name. The returned value is shared with
// the graph if the module is already imported; brand-new modules join the
// graph only when the transform applies.
func (t *AddImportsTransform) AddModule(g *Graph, name string) *ImportModule {
	if m := g.FindImportModule(name); m != nil {
		t.modules = append(t.modules, m)
		return m
	}
	for _, m := range t.modules {
		if strings.EqualFold(m.Name, name) {
			return m
		}
	}
	m := &ImportModule{Name: name}
	t.modules = append(t.modules, m)
	return m
}

// AddSymbol adds a symbol to the module, deduplicating by name, and returns
// its index.
func (t *AddImportsTransform) AddSymbol(m *ImportModule, name string) int {
	if i := m.SymbolIndex(name); i >= 0 {
		return i
	}
	m.Symbols = append(m.Symbols, name)
	return len(m.Symbols) - 1
}

// Apply materializes the IATs: one data block per touched module, 4 bytes
// per symbol, in the .import section. Existing IAT blocks grow in place so
// slot references stay valid.
func (t *AddImportsTransform) Apply(g *Graph) error {
	if g.Format != FormatPE {
		return errors.New("import tables only exist on PE images")
	}
	for _, m := range t.modules {
		if g.FindImportModule(m.Name) == nil {
			g.Imports = append(g.Imports, m)
		}
		want := 4 * len(m.Symbols)
		if m.iat == nil {
			m.iat = g.AddBlock(DataBlock, m.Name+":iat", ".import", make([]byte, want))
			m.iat.Alignment = 4
			continue
		}
		for len(m.iat.Data) < want {
			m.iat.Data = append(m.iat.Data, 0, 0, 0, 0)
		}
	}
	return nil
}
