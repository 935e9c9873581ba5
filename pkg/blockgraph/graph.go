// Package blockgraph holds the in-memory image representation the
// instrumentation pass mutates: named, typed blocks of bytes connected by
// references, plus the import-table and section metadata needed to
// materialize the result as a PE image or COFF object.
package blockgraph

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ImageFormat identifies how imports and calls are materialized.
type ImageFormat uint8

const (
	FormatPE ImageFormat = iota
	FormatCOFF
)

func (f ImageFormat) String() string {
	switch f {
	case FormatPE:
		return "pe"
	case FormatCOFF:
		return "coff"
	}
	return "unknown"
}

// BlockID identifies a block within one graph. IDs are never reused.
type BlockID uint32

// BlockKind distinguishes code from data blocks.
type BlockKind uint8

const (
	CodeBlock BlockKind = iota
	DataBlock
)

// ReferenceKind is how a reference is encoded in the image.
type ReferenceKind uint8

const (
	// AbsoluteRef holds the target's absolute address (relocated at load).
	AbsoluteRef ReferenceKind = iota
	// PCRelativeRef holds a displacement from the end of the field.
	PCRelativeRef
)

// Reference is an outgoing edge from a byte range inside one block to an
// offset inside another.
type Reference struct {
	Kind   ReferenceKind
	Size   int // field size in bytes
	Target BlockID
	Offset int32 // offset into the target block
}

// Block is a contiguous range of code or data bytes.
type Block struct {
	ID        BlockID
	Name      string
	Section   string
	Kind      BlockKind
	Data      []byte
	Alignment int

	// External marks a COFF external symbol: a named block with no data
	// whose references the linker resolves.
	External bool

	// References maps byte offsets inside Data to outgoing references.
	References map[int]Reference
}

// Size returns the block's byte length.
func (b *Block) Size() int { return len(b.Data) }

// Section is a named image section. Characteristics carries the raw
// PE section flags and is preserved verbatim on write-out.
type Section struct {
	Name            string
	Characteristics uint32
}

// Graph is one image: blocks, sections and import metadata. A graph is
// exclusively owned by whoever mutates it; nothing here locks.
type Graph struct {
	Format     ImageFormat
	EntryPoint BlockID // 0 when the image has no entry (object files)

	Blocks   map[BlockID]*Block
	Sections []*Section
	Imports  []*ImportModule

	nextID BlockID
}

// NewGraph returns an empty graph for the given image format.
func NewGraph(format ImageFormat) *Graph {
	return &Graph{
		Format: format,
		Blocks: make(map[BlockID]*Block),
		nextID: 1,
	}
}

// AddBlock creates a block and hands ownership of data to the graph.
func (g *Graph) AddBlock(kind BlockKind, name, section string, data []byte) *Block {
	b := &Block{
		ID:         g.nextID,
		Name:       name,
		Section:    section,
		Kind:       kind,
		Data:       data,
		References: make(map[int]Reference),
	}
	g.nextID++
	g.Blocks[b.ID] = b
	return b
}

// AddExternalSymbol creates a COFF external-symbol block. References to it
// become symbol references on write-out.
func (g *Graph) AddExternalSymbol(name string) *Block {
	b := g.AddBlock(CodeBlock, name, "", nil)
	b.External = true
	return b
}

// Block looks a block up by id.
func (g *Graph) Block(id BlockID) *Block { return g.Blocks[id] }

// BlockByName returns the first block with exactly the given name.
func (g *Graph) BlockByName(name string) *Block {
	for _, id := range g.SortedBlockIDs() {
		if b := g.Blocks[id]; b.Name == name {
			return b
		}
	}
	return nil
}

// BlocksByNameSubstring returns all blocks whose name contains sub,
// in id order.
func (g *Graph) BlocksByNameSubstring(sub string) []*Block {
	var out []*Block
	for _, id := range g.SortedBlockIDs() {
		if b := g.Blocks[id]; strings.Contains(b.Name, sub) {
			out = append(out, b)
		}
	}
	return out
}

// SortedBlockIDs returns all block ids in ascending order. Iteration over
// the graph must be deterministic; map order is not.
func (g *Graph) SortedBlockIDs() []BlockID {
	ids := make([]BlockID, 0, len(g.Blocks))
	for id := range g.Blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CodeBlocks returns all non-external code blocks in id order.
func (g *Graph) CodeBlocks() []*Block {
	var out []*Block
	for _, id := range g.SortedBlockIDs() {
		if b := g.Blocks[id]; b.Kind == CodeBlock && !b.External {
			out = append(out, b)
		}
	}
	return out
}

// HasSection reports whether a section with the given name exists.
func (g *Graph) HasSection(name string) bool { return g.FindSection(name) != nil }

// FindSection returns the named section or nil.
func (g *Graph) FindSection(name string) *Section {
	for _, s := range g.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// FindOrAddSection returns the named section, creating it with the given
// characteristics if missing.
func (g *Graph) FindOrAddSection(name string, characteristics uint32) *Section {
	if s := g.FindSection(name); s != nil {
		return s
	}
	s := &Section{Name: name, Characteristics: characteristics}
	g.Sections = append(g.Sections, s)
	return s
}

// SetReference installs a reference at the given offset of b, replacing any
// existing one. The field must lie inside the block.
func (g *Graph) SetReference(b *Block, offset int, ref Reference) error {
	if offset < 0 || offset+ref.Size > len(b.Data) {
		return errors.Errorf("reference at %d size %d outside block %q (%d bytes)",
			offset, ref.Size, b.Name, len(b.Data))
	}
	b.References[offset] = ref
	return nil
}

// Reference returns the reference at the given offset of b, if any.
func (g *Graph) Reference(b *Block, offset int) (Reference, bool) {
	ref, ok := b.References[offset]
	return ref, ok
}

// ReferencesTo returns every (block, offset) whose reference targets id,
// in deterministic order.
func (g *Graph) ReferencesTo(id BlockID) []RefSite {
	var sites []RefSite
	for _, bid := range g.SortedBlockIDs() {
		b := g.Blocks[bid]
		for _, off := range sortedRefOffsets(b) {
			if b.References[off].Target == id {
				sites = append(sites, RefSite{Block: b, Offset: off})
			}
		}
	}
	return sites
}

// RefSite names one reference field: a block and the offset of the field.
type RefSite struct {
	Block  *Block
	Offset int
}

func sortedRefOffsets(b *Block) []int {
	offs := make([]int, 0, len(b.References))
	for off := range b.References {
		offs = append(offs, off)
	}
	sort.Ints(offs)
	return offs
}
