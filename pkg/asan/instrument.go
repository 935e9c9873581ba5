package asan

import (
	"math/rand"

	"golang.org/x/arch/x86/x86asm"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

// StackMode says whether a function's stack traffic is known conventional.
type StackMode uint8

const (
	// UnsafeStack: the function manipulates ESP in ways the analysis does
	// not understand, so stack accesses get instrumented like any other.
	UnsafeStack StackMode = iota
	// SafeStack: only standard prologue/epilogue stack handling was seen;
	// ESP/EBP-based accesses are skipped.
	SafeStack
)

// BasicBlockInstrumenter rewrites one basic block at a time, inserting a
// probe call ahead of every instrumentable memory access. Configuration
// fields are set once by the driver; per-block analysis state is passed to
// Instrument.
type BasicBlockInstrumenter struct {
	Probes        *ProbeTable
	DebugFriendly bool
	DryRun        bool
	Rate          float64 // already clamped to [0, 1] by the driver

	// Filter, when non-nil, reports instructions the caller wants left
	// alone.
	Filter func(*blockgraph.Instruction) bool

	// Happened accumulates across calls: true once any instruction was
	// selected for instrumentation (or would have been, in dry-run mode).
	Happened bool
}

// Instrument processes one basic block. liveAfter carries the per-
// instruction flag-liveness states (nil disables the no-flags probes);
// redundancy carries the forward redundant-access state (nil disables
// elision).
func (bi *BasicBlockInstrumenter) Instrument(
	bb *blockgraph.BasicBlock,
	mode StackMode,
	liveAfter []bool,
	redundancy *RedundancyState,
) error {
	out := make([]*blockgraph.Instruction, 0, len(bb.Instructions))
	for i, ins := range bb.Instructions {
		op, info, err := ClassifyMemoryAccess(ins)
		if err != nil {
			return err
		}
		emit := bi.shouldInstrument(ins, op, info, mode, redundancy)
		if redundancy != nil {
			redundancy.Update(ins, op, info.Size)
		}
		if emit {
			bi.Happened = true
			if !bi.DryRun {
				calls, err := bi.emitProbeCall(ins, op, &info, liveAfter, i)
				if err != nil {
					return err
				}
				out = append(out, calls...)
			}
		}
		out = append(out, ins)
	}
	bb.Instructions = out
	return nil
}

func (bi *BasicBlockInstrumenter) shouldInstrument(
	ins *blockgraph.Instruction,
	op *blockgraph.MemOperand,
	info MemoryAccessInfo,
	mode StackMode,
	redundancy *RedundancyState,
) bool {
	if redundancy != nil && redundancy.IsRedundant(op, info.Size) {
		return false
	}
	if op == nil || info.Mode == NoAccess {
		return false
	}
	// Displacements that reference a basic block (case tables) or another
	// block (globals) address memory whose validity is the image's own;
	// checking them buys nothing.
	if op.Ref != nil {
		return false
	}
	if exemptOpcode(ins.Inst.Op) {
		return false
	}
	if mode == SafeStack && (regFamily(op.Base) == x86asm.ESP || regFamily(op.Base) == x86asm.EBP) {
		return false
	}
	if op.Seg == x86asm.FS || op.Seg == x86asm.GS {
		return false
	}
	if bi.Filter != nil && bi.Filter(ins) {
		return false
	}
	if bi.Rate < 1.0 && rand.Float64() >= bi.Rate {
		return false
	}
	return true
}

// emitProbeCall renders the probe ABI sequence for one access.
//
// Load/store: push EDX; lea EDX, <operand>; call probe. The probe restores
// EDX and cleans the slot, and clobbers EFLAGS only in its no-flags
// variant. String instructions: a bare call; the probe reads ESI/EDI
// directly and must preserve everything.
func (bi *BasicBlockInstrumenter) emitProbeCall(
	ins *blockgraph.Instruction,
	op *blockgraph.MemOperand,
	info *MemoryAccessInfo,
	liveAfter []bool,
	index int,
) ([]*blockgraph.Instruction, error) {
	switch info.Mode {
	case ReadAccess, WriteAccess:
		if liveAfter != nil && !liveAfter[index] {
			info.SaveFlags = false
		}
	}
	ref, ok := bi.Probes.Lookup(*info)
	if !ok {
		return nil, kindErrorf(UnknownProbe, "no probe for %s access of %d bytes (save_flags=%v)",
			info.Mode, info.Size, info.SaveFlags)
	}

	a := blockgraph.NewAssembler()
	if bi.DebugFriendly {
		a.SetSource(ins.Source)
	}
	switch info.Mode {
	case ReadAccess, WriteAccess:
		lea := *op
		lea.Seg = 0 // LEA forms the offset; segments do not participate
		a.Push(x86asm.EDX)
		a.Lea(x86asm.EDX, lea)
		a.CallRef(ref)
	default:
		a.CallRef(ref)
	}
	calls, err := a.Instructions()
	if err != nil {
		return nil, kindErrorf(ThunkBuildFailure, "emit probe call: %v", err)
	}
	return calls, nil
}

// exemptOpcode lists instructions that name memory operands but must never
// be instrumented: address formation and cache-control hints.
func exemptOpcode(op x86asm.Op) bool {
	switch op {
	case x86asm.LEA, x86asm.CLFLUSH,
		x86asm.PREFETCHNTA, x86asm.PREFETCHT0, x86asm.PREFETCHT1,
		x86asm.PREFETCHT2, x86asm.PREFETCHW:
		return true
	}
	return false
}

// AnalyzeStackUsage conservatively decides whether a whole subgraph keeps
// its stack pointer conventional: standard prologue/epilogue sequences,
// pushes, pops and calls only. Anything else that writes ESP makes every
// stack access in the function suspect.
func AnalyzeStackUsage(sg *blockgraph.Subgraph) StackMode {
	mode := SafeStack
	sg.Instructions(func(_ *blockgraph.BasicBlock, _ int, ins *blockgraph.Instruction) bool {
		if unexpectedStackWrite(ins.Inst) {
			mode = UnsafeStack
			return false
		}
		return true
	})
	return mode
}

func unexpectedStackWrite(inst x86asm.Inst) bool {
	arg0Reg, _ := inst.Args[0].(x86asm.Reg)
	arg1Reg, _ := inst.Args[1].(x86asm.Reg)
	switch inst.Op {
	case x86asm.PUSH, x86asm.CALL, x86asm.RET, x86asm.LEAVE,
		x86asm.PUSHA, x86asm.PUSHAD, x86asm.POPA, x86asm.POPAD,
		x86asm.PUSHF, x86asm.PUSHFD, x86asm.POPF, x86asm.POPFD:
		return false
	case x86asm.POP:
		return arg0Reg == x86asm.ESP
	case x86asm.MOV:
		if arg0Reg != x86asm.ESP {
			return false
		}
		return arg1Reg != x86asm.EBP // mov esp, ebp is the epilogue
	case x86asm.SUB, x86asm.ADD:
		if arg0Reg != x86asm.ESP {
			return false
		}
		_, isImm := inst.Args[1].(x86asm.Imm)
		return !isImm
	case x86asm.XCHG:
		return arg0Reg == x86asm.ESP || arg1Reg == x86asm.ESP
	case x86asm.ENTER:
		return true
	}
	// Any other explicit ESP destination (lea esp, xchg esp, ...) is
	// unexpected.
	return arg0Reg == x86asm.ESP
}
