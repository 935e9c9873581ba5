package blockgraph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/set"
)

// RenameSymbolsTransform renames blocks (COFF symbols) by exact name.
// Renaming onto a name the graph already defines is an error, never a
// silent merge.
type RenameSymbolsTransform struct {
	pairs [][2]string
}

// NewRenameSymbolsTransform returns an empty transform.
func NewRenameSymbolsTransform() *RenameSymbolsTransform {
	return &RenameSymbolsTransform{}
}

// AddRename schedules from -> to.
func (t *RenameSymbolsTransform) AddRename(from, to string) {
	t.pairs = append(t.pairs, [2]string{from, to})
}

// Apply performs all scheduled renames.
func (t *RenameSymbolsTransform) Apply(g *Graph) error {
	for _, p := range t.pairs {
		if g.BlockByName(p[1]) != nil {
			return errors.Errorf("symbol %q already defined", p[1])
		}
	}
	for _, p := range t.pairs {
		if b := g.BlockByName(p[0]); b != nil {
			b.Name = p[1]
		}
	}
	return nil
}

// EntryThunkTransform reroutes the image entry point through a thunk that
// references the RTL import, forcing the RTL to load before user code runs.
type EntryThunkTransform struct {
	Section string
	RTLRef  InstrRef
}

// Apply builds the entry thunk and repoints the graph entry at it.
func (t *EntryThunkTransform) Apply(g *Graph) error {
	if g.EntryPoint == 0 {
		return nil
	}
	entry := g.Block(g.EntryPoint)
	if entry == nil {
		return errors.Errorf("entry point block %d missing", g.EntryPoint)
	}
	a := NewAssembler()
	a.CallRef(t.RTLRef)
	a.JmpRef(InstrRef{Kind: PCRelativeRef, Size: 4, Block: entry.ID})
	thunk, err := BuildBlock(g, entry.Name+"_entry_thunk", t.Section, a)
	if err != nil {
		return err
	}
	g.EntryPoint = thunk.ID
	return nil
}

// PrepareBlockForHotPatching readies a block for runtime attachment, in
// which the runtime overwrites the first instruction with a short jump. It
// raises the block's alignment to at least 2 bytes; it adds no bytes ahead
// of the entry.
func PrepareBlockForHotPatching(b *Block) error {
	if b.Kind != CodeBlock || b.External {
		return errors.Errorf("block %q cannot be hot patched", b.Name)
	}
	if b.Alignment < 2 {
		b.Alignment = 2
	}
	return nil
}

// HotPatchMetadataTransform appends a metadata data block enumerating the
// blocks prepared for hot patching: a count followed by one absolute
// reference per block.
type HotPatchMetadataTransform struct {
	Section string
	Blocks  []BlockID
}

// Apply emits the metadata block.
func (t *HotPatchMetadataTransform) Apply(g *Graph) error {
	data := make([]byte, 4+4*len(t.Blocks))
	binary.LittleEndian.PutUint32(data, uint32(len(t.Blocks)))
	b := g.AddBlock(DataBlock, "hot_patch_metadata", t.Section, data)
	b.Alignment = 4
	for i, id := range t.Blocks {
		err := g.SetReference(b, 4+4*i, Reference{Kind: AbsoluteRef, Size: 4, Target: id})
		if err != nil {
			return err
		}
	}
	return nil
}

// HashBlock computes the content hash used to recognize statically linked
// copies of known functions. Reference fields are zeroed first so the hash
// is stable across images with different layouts.
func HashBlock(b *Block) string {
	data := make([]byte, len(b.Data))
	copy(data, b.Data)
	for off, ref := range b.References {
		for i := 0; i < ref.Size && off+i < len(data); i++ {
			data[off+i] = 0
		}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FindBlocksByHash returns the code blocks whose content hash is in hashes,
// in id order.
func FindBlocksByHash(g *Graph, hashes set.Set[string]) []*Block {
	var out []*Block
	for _, b := range g.CodeBlocks() {
		if hashes.Contains(HashBlock(b)) {
			out = append(out, b)
		}
	}
	return out
}
