// Package asan implements the instrumentation pass: it rewrites every
// instrumentable memory access in a block graph to call a size- and
// kind-specific runtime probe, imports the probes, redirects intercepted
// CRT/system functions to their runtime replacements, and patches the CRT
// heap initialization to use a private heap.
package asan

import (
	"fmt"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

// AccessMode classifies how an instruction touches memory.
type AccessMode uint8

const (
	NoAccess AccessMode = iota
	ReadAccess
	WriteAccess
	InstrAccess // string instruction without a REP prefix
	RepzAccess
	RepnzAccess
)

func (m AccessMode) String() string {
	switch m {
	case NoAccess:
		return "none"
	case ReadAccess:
		return "read"
	case WriteAccess:
		return "write"
	case InstrAccess:
		return "instr"
	case RepzAccess:
		return "repz"
	case RepnzAccess:
		return "repnz"
	}
	return "invalid"
}

// StringOp is the mnemonic family of a string instruction, width-stripped
// (MOVSB/MOVSW/MOVSD all map to MovsOp).
type StringOp uint8

const (
	NoStringOp StringOp = iota
	CmpsOp
	LodsOp
	MovsOp
	StosOp
)

func (o StringOp) String() string {
	switch o {
	case CmpsOp:
		return "cmps"
	case LodsOp:
		return "lods"
	case MovsOp:
		return "movs"
	case StosOp:
		return "stos"
	}
	return ""
}

// MemoryAccessInfo keys the probe table: one probe variant exists per
// distinct value. Opcode is meaningful only for the Instr/RepZ/RepNZ modes
// and is NoStringOp otherwise.
type MemoryAccessInfo struct {
	Mode      AccessMode
	Size      int // access size in bytes
	Opcode    StringOp
	SaveFlags bool // false permits the probe to clobber EFLAGS
}

// Less is the total order used for table iteration: lexicographic on
// (mode, size, save_flags, opcode).
func (i MemoryAccessInfo) Less(j MemoryAccessInfo) bool {
	if i.Mode != j.Mode {
		return i.Mode < j.Mode
	}
	if i.Size != j.Size {
		return i.Size < j.Size
	}
	if i.SaveFlags != j.SaveFlags {
		return !i.SaveFlags
	}
	return i.Opcode < j.Opcode
}

// ProbeName renders the mangled runtime symbol for this access variant:
//
//	[prefix] "asan_check" [rep] "_" <size> "_byte_" <op> "_access" [nf]
//
// COFF symbols get a leading underscore; PE import names do not.
func (i MemoryAccessInfo) ProbeName(format blockgraph.ImageFormat) string {
	prefix := ""
	if format == blockgraph.FormatCOFF {
		prefix = "_"
	}
	rep := ""
	switch i.Mode {
	case RepzAccess:
		rep = "_repz"
	case RepnzAccess:
		rep = "_repnz"
	}
	op := ""
	switch i.Mode {
	case ReadAccess:
		op = "read"
	case WriteAccess:
		op = "write"
	default:
		op = i.Opcode.String()
	}
	nf := ""
	if !i.SaveFlags {
		nf = "_no_flags"
	}
	return fmt.Sprintf("%sasan_check%s_%d_byte_%s_access%s", prefix, rep, i.Size, op, nf)
}
