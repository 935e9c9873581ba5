package blockgraph

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// BuildBlock materializes the assembler's output as a new block. Only block
// references are allowed; basic-block references have no meaning outside a
// subgraph rebuild.
func BuildBlock(g *Graph, name, section string, a *Assembler) (*Block, error) {
	instrs, err := a.Instructions()
	if err != nil {
		return nil, err
	}
	var data []byte
	type pending struct {
		off int
		ref Reference
	}
	var refs []pending
	for _, ins := range instrs {
		base := len(data)
		data = append(data, ins.Bytes...)
		for _, off := range ins.sortedRefOffsets() {
			r := ins.Refs[off]
			if r.BasicBlock != nil {
				return nil, errors.Errorf("block %q: basic-block reference in built block", name)
			}
			refs = append(refs, pending{base + off, Reference{
				Kind: r.Kind, Size: r.Size, Target: r.Block, Offset: r.Offset,
			}})
		}
	}
	b := g.AddBlock(CodeBlock, name, section, data)
	for _, p := range refs {
		if err := g.SetReference(b, p.off, p.ref); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Rebuild re-materializes a mutated subgraph into its block: instruction
// offsets are recomputed, intra-block branches are re-resolved (promoting
// rel8 forms to rel32 where the new displacement no longer fits), and block
// references are re-installed at their new offsets. A subgraph that was
// never mutated rebuilds byte-identically.
func Rebuild(g *Graph, sg *Subgraph) error {
	// Size fixpoint: promoting one branch can push another out of rel8
	// range, so iterate until offsets are stable.
	for {
		layout(sg)
		promoted, err := promoteBranches(sg)
		if err != nil {
			return errors.Wrapf(err, "block %q", sg.Block.Name)
		}
		if !promoted {
			break
		}
	}
	layout(sg)

	var data []byte
	refs := make(map[int]Reference)
	sg.Instructions(func(_ *BasicBlock, _ int, ins *Instruction) bool {
		base := len(data)
		data = append(data, ins.Bytes...)
		for _, off := range ins.sortedRefOffsets() {
			r := ins.Refs[off]
			if r.BasicBlock != nil {
				disp := int64(r.BasicBlock.Offset) - int64(ins.Offset+len(ins.Bytes))
				patchRel(data[base+off:], r.Size, disp)
				continue
			}
			refs[base+off] = Reference{Kind: r.Kind, Size: r.Size, Target: r.Block, Offset: r.Offset}
		}
		return true
	})

	sg.Block.Data = data
	sg.Block.References = refs
	return nil
}

// layout assigns offsets from current instruction sizes.
func layout(sg *Subgraph) {
	off := 0
	for _, bb := range sg.BasicBlocks {
		bb.Offset = off
		for _, ins := range bb.Instructions {
			ins.Offset = off
			off += len(ins.Bytes)
		}
	}
}

// promoteBranches widens any rel8 basic-block branch whose displacement no
// longer fits. Reports whether anything changed.
func promoteBranches(sg *Subgraph) (bool, error) {
	changed := false
	var failure error
	sg.Instructions(func(_ *BasicBlock, _ int, ins *Instruction) bool {
		for _, off := range ins.sortedRefOffsets() {
			r := ins.Refs[off]
			if r.BasicBlock == nil || r.Size != 1 {
				continue
			}
			disp := int64(r.BasicBlock.Offset) - int64(ins.Offset+len(ins.Bytes))
			if disp >= -128 && disp <= 127 {
				continue
			}
			wide, wideOff, err := widenRel8(ins.Bytes)
			if err != nil {
				failure = err
				return false
			}
			delete(ins.Refs, off)
			ins.Bytes = wide
			r.Size = 4
			ins.SetRef(wideOff, r)
			changed = true
		}
		return true
	})
	return changed, failure
}

// widenRel8 rewrites a short branch encoding as its near rel32 form.
func widenRel8(raw []byte) (wide []byte, relOff int, err error) {
	switch {
	case len(raw) == 2 && raw[0] == 0xEB: // jmp rel8 -> jmp rel32
		return []byte{0xE9, 0, 0, 0, 0}, 1, nil
	case len(raw) == 2 && raw[0] >= 0x70 && raw[0] <= 0x7F: // jcc rel8 -> jcc rel32
		return []byte{0x0F, 0x80 + (raw[0] - 0x70), 0, 0, 0, 0}, 2, nil
	}
	return nil, 0, errors.Errorf("cannot widen branch encoding % x", raw)
}

func patchRel(field []byte, size int, disp int64) {
	switch size {
	case 1:
		field[0] = byte(int8(disp))
	case 4:
		binary.LittleEndian.PutUint32(field, uint32(int32(disp)))
	}
}
