package blockgraph

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// The JSON form is the interchange format between the tools that produce
// block graphs and this pass. Block data travels base64-encoded (the
// default []byte treatment).

type jsonReference struct {
	At     int           `json:"at"`
	Kind   ReferenceKind `json:"kind"`
	Size   int           `json:"size"`
	Target BlockID       `json:"target"`
	Offset int32         `json:"offset,omitempty"`
}

type jsonBlock struct {
	ID        BlockID         `json:"id"`
	Name      string          `json:"name"`
	Section   string          `json:"section,omitempty"`
	Kind      BlockKind       `json:"kind"`
	Alignment int             `json:"alignment,omitempty"`
	External  bool            `json:"external,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	Refs      []jsonReference `json:"refs,omitempty"`
}

type jsonImport struct {
	Name      string   `json:"name"`
	Timestamp uint32   `json:"timestamp,omitempty"`
	Symbols   []string `json:"symbols"`
	IAT       BlockID  `json:"iat,omitempty"`
}

type jsonGraph struct {
	Format     ImageFormat  `json:"format"`
	EntryPoint BlockID      `json:"entry_point,omitempty"`
	Sections   []*Section   `json:"sections,omitempty"`
	Blocks     []jsonBlock  `json:"blocks"`
	Imports    []jsonImport `json:"imports,omitempty"`
}

// WriteJSON serializes the graph.
func WriteJSON(w io.Writer, g *Graph) error {
	jg := jsonGraph{Format: g.Format, EntryPoint: g.EntryPoint, Sections: g.Sections}
	for _, id := range g.SortedBlockIDs() {
		b := g.Blocks[id]
		jb := jsonBlock{
			ID: b.ID, Name: b.Name, Section: b.Section, Kind: b.Kind,
			Alignment: b.Alignment, External: b.External, Data: b.Data,
		}
		for _, off := range sortedRefOffsets(b) {
			r := b.References[off]
			jb.Refs = append(jb.Refs, jsonReference{
				At: off, Kind: r.Kind, Size: r.Size, Target: r.Target, Offset: r.Offset,
			})
		}
		jg.Blocks = append(jg.Blocks, jb)
	}
	for _, m := range g.Imports {
		jm := jsonImport{Name: m.Name, Timestamp: m.Timestamp, Symbols: m.Symbols}
		if m.iat != nil {
			jm.IAT = m.iat.ID
		}
		jg.Imports = append(jg.Imports, jm)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jg)
}

// ReadJSON deserializes a graph written by WriteJSON.
func ReadJSON(r io.Reader) (*Graph, error) {
	var jg jsonGraph
	if err := json.NewDecoder(r).Decode(&jg); err != nil {
		return nil, errors.Wrap(err, "decode block graph")
	}
	g := NewGraph(jg.Format)
	g.EntryPoint = jg.EntryPoint
	g.Sections = jg.Sections
	for _, jb := range jg.Blocks {
		b := &Block{
			ID: jb.ID, Name: jb.Name, Section: jb.Section, Kind: jb.Kind,
			Alignment: jb.Alignment, External: jb.External, Data: jb.Data,
			References: make(map[int]Reference),
		}
		for _, jr := range jb.Refs {
			b.References[jr.At] = Reference{
				Kind: jr.Kind, Size: jr.Size, Target: jr.Target, Offset: jr.Offset,
			}
		}
		g.Blocks[b.ID] = b
		if b.ID >= g.nextID {
			g.nextID = b.ID + 1
		}
	}
	for _, jm := range jg.Imports {
		m := &ImportModule{Name: jm.Name, Timestamp: jm.Timestamp, Symbols: jm.Symbols}
		if jm.IAT != 0 {
			m.iat = g.Blocks[jm.IAT]
			if m.iat == nil {
				return nil, errors.Errorf("import module %q names missing IAT block %d", jm.Name, jm.IAT)
			}
		}
		g.Imports = append(g.Imports, m)
	}
	return g, nil
}
