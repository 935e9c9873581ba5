package blockgraph

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/retroenv/retrogolib/set"
	"golang.org/x/arch/x86/x86asm"
)

// SourceRange names the byte range of the original block an instruction
// came from. Inserted instructions may inherit the range of the
// instruction they precede (debug-friendly mode).
type SourceRange struct {
	Start  int
	Length int
}

// InstrRef is a reference leaving an instruction's displacement or
// immediate field. Exactly one of Block and BasicBlock is set: block
// targets survive re-materialization as graph references, basic-block
// targets are resolved to numeric displacements by the builder.
type InstrRef struct {
	Kind       ReferenceKind
	Size       int
	Block      BlockID
	BasicBlock *BasicBlock
	Offset     int32
}

// Instruction is one decoded instruction plus its raw bytes and the
// references leaving its fields, keyed by byte offset inside Bytes.
type Instruction struct {
	Inst   x86asm.Inst
	Bytes  []byte
	Offset int // offset in the original block, -1 for inserted instructions
	Source SourceRange
	Refs   map[int]InstrRef
}

// SetRef attaches a reference at the given offset inside the instruction.
func (ins *Instruction) SetRef(off int, ref InstrRef) {
	if ins.Refs == nil {
		ins.Refs = make(map[int]InstrRef)
	}
	ins.Refs[off] = ref
}

// BasicBlock is a maximal single-entry instruction run within one code
// block.
type BasicBlock struct {
	Offset       int
	Instructions []*Instruction
	Successors   []*BasicBlock
}

// Subgraph is the basic-block decomposition of one code block.
type Subgraph struct {
	Block       *Block
	BasicBlocks []*BasicBlock // in address order
}

// Instructions walks every instruction of the subgraph in address order.
func (sg *Subgraph) Instructions(visit func(*BasicBlock, int, *Instruction) bool) {
	for _, bb := range sg.BasicBlocks {
		for i, ins := range bb.Instructions {
			if !visit(bb, i, ins) {
				return
			}
		}
	}
}

// Decompose decodes a code block into basic blocks. A block that does not
// decode cleanly end to end, or whose intra-block branches land inside an
// instruction, is not safely decomposable and is rejected.
func Decompose(b *Block) (*Subgraph, error) {
	if b.Kind != CodeBlock || b.External {
		return nil, errors.Errorf("block %q is not a code block", b.Name)
	}

	var instrs []*Instruction
	starts := set.New[int]()
	for off := 0; off < len(b.Data); {
		inst, err := x86asm.Decode(b.Data[off:], 32)
		if err != nil {
			return nil, errors.Wrapf(err, "block %q: undecodable byte at %d", b.Name, off)
		}
		ins := &Instruction{
			Inst:   inst,
			Bytes:  b.Data[off : off+inst.Len],
			Offset: off,
			Source: SourceRange{Start: off, Length: inst.Len},
		}
		for refOff, ref := range b.References {
			if refOff >= off && refOff < off+inst.Len {
				ins.SetRef(refOff-off, InstrRef{
					Kind: ref.Kind, Size: ref.Size, Block: ref.Target, Offset: ref.Offset,
				})
			}
		}
		instrs = append(instrs, ins)
		starts.Add(off)
		off += inst.Len
	}

	// Find leaders: block entry, intra-block branch targets, and the
	// instruction after any control transfer.
	leaders := set.New[int]()
	leaders.Add(0)
	branchTargets := make(map[int]int) // instruction index -> target offset
	for i, ins := range instrs {
		rel, ok := relTarget(ins)
		if !ok {
			continue
		}
		if _, external := ins.Refs[ins.Inst.PCRelOff]; external {
			// The displacement already references another block; the
			// encoded bytes are a placeholder, not an intra-block target.
			continue
		}
		if rel < 0 || rel > len(b.Data) {
			// A transfer out of the block must already carry a block
			// reference on its displacement field.
			if len(ins.Refs) == 0 {
				return nil, errors.Errorf("block %q: branch at %d leaves the block without a reference",
					b.Name, ins.Offset)
			}
			continue
		}
		if !starts.Contains(rel) {
			return nil, errors.Errorf("block %q: branch at %d lands inside an instruction (%d)",
				b.Name, ins.Offset, rel)
		}
		leaders.Add(rel)
		branchTargets[i] = rel
		if i+1 < len(instrs) {
			leaders.Add(instrs[i+1].Offset)
		}
	}
	for i, ins := range instrs {
		if isTerminator(ins.Inst.Op) && i+1 < len(instrs) {
			leaders.Add(instrs[i+1].Offset)
		}
	}

	// Carve basic blocks at leader boundaries.
	sg := &Subgraph{Block: b}
	byOffset := make(map[int]*BasicBlock)
	var cur *BasicBlock
	for _, ins := range instrs {
		if cur == nil || leaders.Contains(ins.Offset) {
			cur = &BasicBlock{Offset: ins.Offset}
			sg.BasicBlocks = append(sg.BasicBlocks, cur)
			byOffset[ins.Offset] = cur
		}
		cur.Instructions = append(cur.Instructions, ins)
	}

	// Successor edges and basic-block references on branch displacements.
	idx := 0
	for bi, bb := range sg.BasicBlocks {
		for _, ins := range bb.Instructions {
			if target, ok := branchTargets[idx]; ok {
				tbb := byOffset[target]
				if ins.Inst.PCRel > 0 {
					ins.SetRef(ins.Inst.PCRelOff, InstrRef{
						Kind: PCRelativeRef, Size: ins.Inst.PCRel, BasicBlock: tbb,
					})
				}
				if ins.Inst.Op != x86asm.CALL {
					bb.Successors = append(bb.Successors, tbb)
				}
			}
			idx++
		}
		last := bb.Instructions[len(bb.Instructions)-1]
		if !isTerminator(last.Inst.Op) && bi+1 < len(sg.BasicBlocks) {
			bb.Successors = append(bb.Successors, sg.BasicBlocks[bi+1])
		}
	}
	return sg, nil
}

// relTarget returns the block offset a relative branch lands on.
func relTarget(ins *Instruction) (int, bool) {
	for _, arg := range ins.Inst.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			return ins.Offset + ins.Inst.Len + int(rel), true
		}
	}
	return 0, false
}

func isTerminator(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.UD2:
		return true
	}
	return false
}

// memDispField locates the ModRM displacement field inside a raw ia32
// encoding. Returns the byte offset and size of the displacement, or
// ok=false when the instruction has no memory displacement.
func memDispField(raw []byte) (off, size int, ok bool) {
	i := 0
	for i < len(raw) && isLegacyPrefix(raw[i]) {
		i++
	}
	if i >= len(raw) {
		return 0, 0, false
	}
	// moffs forms (MOV AL/EAX <-> [disp32]) have no ModRM byte.
	if raw[i] >= 0xA0 && raw[i] <= 0xA3 {
		return i + 1, 4, true
	}
	if raw[i] == 0x0F {
		i++
		if i < len(raw) && (raw[i] == 0x38 || raw[i] == 0x3A) {
			i++
		}
	}
	i++ // past the opcode byte
	if i >= len(raw) {
		return 0, 0, false
	}
	modrm := raw[i]
	mod, rm := modrm>>6, modrm&7
	i++
	if mod == 3 {
		return 0, 0, false
	}
	sibBase := uint8(0xFF)
	if rm == 4 {
		if i >= len(raw) {
			return 0, 0, false
		}
		sibBase = raw[i] & 7
		i++
	}
	switch {
	case mod == 1:
		return i, 1, true
	case mod == 2:
		return i, 4, true
	case mod == 0 && rm == 5:
		return i, 4, true
	case mod == 0 && rm == 4 && sibBase == 5:
		return i, 4, true
	}
	return 0, 0, false
}

func isLegacyPrefix(b byte) bool {
	switch b {
	case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65, 0x66, 0x67, 0xF0, 0xF2, 0xF3:
		return true
	}
	return false
}

// DispRef returns the reference carried by the instruction's memory
// displacement field, if any.
func (ins *Instruction) DispRef() (InstrRef, int, bool) {
	off, _, ok := memDispField(ins.Bytes)
	if !ok {
		return InstrRef{}, 0, false
	}
	ref, ok := ins.Refs[off]
	return ref, off, ok
}

// sortedRefOffsets of an instruction, for deterministic rebuilds.
func (ins *Instruction) sortedRefOffsets() []int {
	offs := make([]int, 0, len(ins.Refs))
	for off := range ins.Refs {
		offs = append(offs, off)
	}
	sort.Ints(offs)
	return offs
}
