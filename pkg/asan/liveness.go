package asan

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/EgoIncarnate/syzygy/pkg/blockgraph"
)

// FlagMask is a set of x86 arithmetic flags, using the EFLAGS bit
// positions.
type FlagMask uint16

const (
	FlagC FlagMask = 0x001 // Carry
	FlagP FlagMask = 0x004 // Parity
	FlagA FlagMask = 0x010 // Auxiliary carry
	FlagZ FlagMask = 0x040 // Zero
	FlagS FlagMask = 0x080 // Sign
	FlagO FlagMask = 0x800 // Overflow

	FlagsNone FlagMask = 0
	FlagsAll           = FlagC | FlagP | FlagA | FlagZ | FlagS | FlagO
)

// flagEffect describes what one opcode does to the arithmetic flags.
// A flag an instruction leaves undefined counts as defined: its prior
// value is dead afterwards either way.
type flagEffect struct {
	uses    FlagMask
	defines FlagMask
}

// flagCatalog holds the per-opcode flag effects the liveness transfer
// function consults. Opcodes missing from the catalog are treated as using
// everything, which keeps liveness conservative.
var flagCatalog = map[x86asm.Op]flagEffect{
	// Plain data movement touches nothing.
	x86asm.MOV: {}, x86asm.MOVZX: {}, x86asm.MOVSX: {}, x86asm.LEA: {},
	x86asm.PUSH: {}, x86asm.POP: {}, x86asm.XCHG: {}, x86asm.NOP: {},
	x86asm.CWDE: {}, x86asm.CDQ: {}, x86asm.CBW: {}, x86asm.CWD: {},
	x86asm.MOVSB: {}, x86asm.MOVSW: {}, x86asm.MOVSD: {},
	x86asm.LODSB: {}, x86asm.LODSW: {}, x86asm.LODSD: {},
	x86asm.STOSB: {}, x86asm.STOSW: {}, x86asm.STOSD: {},

	// Full arithmetic.
	x86asm.ADD: {defines: FlagsAll}, x86asm.SUB: {defines: FlagsAll},
	x86asm.CMP: {defines: FlagsAll}, x86asm.NEG: {defines: FlagsAll},
	x86asm.AND: {defines: FlagsAll}, x86asm.OR: {defines: FlagsAll},
	x86asm.XOR: {defines: FlagsAll}, x86asm.TEST: {defines: FlagsAll},
	x86asm.MUL: {defines: FlagsAll}, x86asm.IMUL: {defines: FlagsAll},
	x86asm.DIV: {defines: FlagsAll}, x86asm.IDIV: {defines: FlagsAll},
	x86asm.SHL: {defines: FlagsAll}, x86asm.SHR: {defines: FlagsAll},
	x86asm.SAR: {defines: FlagsAll},
	x86asm.CMPSB: {defines: FlagsAll}, x86asm.CMPSW: {defines: FlagsAll},
	x86asm.CMPSD: {defines: FlagsAll},
	x86asm.SCASB: {defines: FlagsAll}, x86asm.SCASW: {defines: FlagsAll},
	x86asm.SCASD: {defines: FlagsAll},

	// Carry-consuming arithmetic.
	x86asm.ADC: {uses: FlagC, defines: FlagsAll},
	x86asm.SBB: {uses: FlagC, defines: FlagsAll},

	// INC/DEC preserve the carry.
	x86asm.INC: {defines: FlagsAll &^ FlagC},
	x86asm.DEC: {defines: FlagsAll &^ FlagC},

	// Rotates only touch carry and overflow.
	x86asm.ROL: {defines: FlagC | FlagO}, x86asm.ROR: {defines: FlagC | FlagO},
	x86asm.RCL: {uses: FlagC, defines: FlagC | FlagO},
	x86asm.RCR: {uses: FlagC, defines: FlagC | FlagO},

	// Direct flag manipulation.
	x86asm.STC: {defines: FlagC}, x86asm.CLC: {defines: FlagC},
	x86asm.CMC: {uses: FlagC, defines: FlagC},
	x86asm.SAHF: {defines: FlagS | FlagZ | FlagA | FlagP | FlagC},
	x86asm.LAHF: {uses: FlagS | FlagZ | FlagA | FlagP | FlagC},
	x86asm.PUSHF: {uses: FlagsAll}, x86asm.POPF: {defines: FlagsAll},
	x86asm.PUSHFD: {uses: FlagsAll}, x86asm.POPFD: {defines: FlagsAll},
	x86asm.DAA: {uses: FlagA | FlagC, defines: FlagsAll},
	x86asm.DAS: {uses: FlagA | FlagC, defines: FlagsAll},
	x86asm.AAA: {uses: FlagA, defines: FlagsAll},
	x86asm.AAS: {uses: FlagA, defines: FlagsAll},

	// Condition-code consumers.
	x86asm.JO: {uses: FlagO}, x86asm.JNO: {uses: FlagO},
	x86asm.JB: {uses: FlagC}, x86asm.JAE: {uses: FlagC},
	x86asm.JE: {uses: FlagZ}, x86asm.JNE: {uses: FlagZ},
	x86asm.JBE: {uses: FlagC | FlagZ}, x86asm.JA: {uses: FlagC | FlagZ},
	x86asm.JS: {uses: FlagS}, x86asm.JNS: {uses: FlagS},
	x86asm.JP: {uses: FlagP}, x86asm.JNP: {uses: FlagP},
	x86asm.JL: {uses: FlagS | FlagO}, x86asm.JGE: {uses: FlagS | FlagO},
	x86asm.JLE: {uses: FlagS | FlagO | FlagZ}, x86asm.JG: {uses: FlagS | FlagO | FlagZ},
	x86asm.SETO: {uses: FlagO}, x86asm.SETNO: {uses: FlagO},
	x86asm.SETB: {uses: FlagC}, x86asm.SETAE: {uses: FlagC},
	x86asm.SETE: {uses: FlagZ}, x86asm.SETNE: {uses: FlagZ},
	x86asm.SETBE: {uses: FlagC | FlagZ}, x86asm.SETA: {uses: FlagC | FlagZ},
	x86asm.SETS: {uses: FlagS}, x86asm.SETNS: {uses: FlagS},
	x86asm.SETP: {uses: FlagP}, x86asm.SETNP: {uses: FlagP},
	x86asm.SETL: {uses: FlagS | FlagO}, x86asm.SETGE: {uses: FlagS | FlagO},
	x86asm.SETLE: {uses: FlagS | FlagO | FlagZ}, x86asm.SETG: {uses: FlagS | FlagO | FlagZ},
	x86asm.CMOVO: {uses: FlagO}, x86asm.CMOVNO: {uses: FlagO},
	x86asm.CMOVB: {uses: FlagC}, x86asm.CMOVAE: {uses: FlagC},
	x86asm.CMOVE: {uses: FlagZ}, x86asm.CMOVNE: {uses: FlagZ},
	x86asm.CMOVBE: {uses: FlagC | FlagZ}, x86asm.CMOVA: {uses: FlagC | FlagZ},
	x86asm.CMOVS: {uses: FlagS}, x86asm.CMOVNS: {uses: FlagS},
	x86asm.CMOVP: {uses: FlagP}, x86asm.CMOVNP: {uses: FlagP},
	x86asm.CMOVL: {uses: FlagS | FlagO}, x86asm.CMOVGE: {uses: FlagS | FlagO},
	x86asm.CMOVLE: {uses: FlagS | FlagO | FlagZ}, x86asm.CMOVG: {uses: FlagS | FlagO | FlagZ},
	x86asm.JCXZ: {}, x86asm.JECXZ: {}, x86asm.LOOP: {},
	x86asm.LOOPE: {uses: FlagZ}, x86asm.LOOPNE: {uses: FlagZ},

	// Returns and jumps read no flags. Calls count as reading every flag,
	// which keeps liveness conservative across the call.
	x86asm.RET: {}, x86asm.LRET: {}, x86asm.IRET: {}, x86asm.IRETD: {},
	x86asm.JMP: {},
	x86asm.CALL: {uses: FlagsAll}, x86asm.LCALL: {uses: FlagsAll},
}

// instructionFlagEffect resolves the transfer function for one instruction,
// accounting for REP prefixes (REPE/REPNE terminate on ZF).
func instructionFlagEffect(ins *blockgraph.Instruction) flagEffect {
	eff, ok := flagCatalog[ins.Inst.Op]
	if !ok {
		return flagEffect{uses: FlagsAll}
	}
	if hasActivePrefix(ins.Inst, prefixREP) || hasActivePrefix(ins.Inst, prefixREPN) {
		switch ins.Inst.Op {
		case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD,
			x86asm.SCASB, x86asm.SCASW, x86asm.SCASD:
			eff.uses |= FlagZ
		}
	}
	return eff
}

// Liveness holds the result of the backward EFLAGS dataflow over one
// subgraph: which arithmetic flags are live on entry to each basic block.
type Liveness struct {
	liveIn map[*blockgraph.BasicBlock]FlagMask
}

// AnalyzeLiveness runs the dataflow to a fixpoint. Blocks that fall off the
// end of the subgraph are assumed to have all flags live, except across a
// return, where the flag state is dead.
func AnalyzeLiveness(sg *blockgraph.Subgraph) *Liveness {
	l := &Liveness{liveIn: make(map[*blockgraph.BasicBlock]FlagMask)}
	for _, bb := range sg.BasicBlocks {
		l.liveIn[bb] = FlagsAll
	}
	for changed := true; changed; {
		changed = false
		for i := len(sg.BasicBlocks) - 1; i >= 0; i-- {
			bb := sg.BasicBlocks[i]
			in := transferBlock(bb, l.liveOut(bb))
			if in != l.liveIn[bb] {
				l.liveIn[bb] = in
				changed = true
			}
		}
	}
	return l
}

func (l *Liveness) liveOut(bb *blockgraph.BasicBlock) FlagMask {
	if len(bb.Successors) == 0 {
		last := bb.Instructions[len(bb.Instructions)-1]
		switch last.Inst.Op {
		case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD:
			return FlagsNone
		}
		return FlagsAll
	}
	out := FlagsNone
	for _, succ := range bb.Successors {
		out |= l.liveIn[succ]
	}
	return out
}

func transferBlock(bb *blockgraph.BasicBlock, out FlagMask) FlagMask {
	live := out
	for i := len(bb.Instructions) - 1; i >= 0; i-- {
		eff := instructionFlagEffect(bb.Instructions[i])
		live = (live &^ eff.defines) | eff.uses
	}
	return live
}

// LiveAfter returns, per instruction of bb, whether any arithmetic flag is
// live at that instruction's exit. The list is front-loaded: the
// instrumenter consumes it walking forward.
func (l *Liveness) LiveAfter(bb *blockgraph.BasicBlock) []bool {
	states := make([]bool, len(bb.Instructions))
	live := l.liveOut(bb)
	for i := len(bb.Instructions) - 1; i >= 0; i-- {
		states[i] = live != FlagsNone
		eff := instructionFlagEffect(bb.Instructions[i])
		live = (live &^ eff.defines) | eff.uses
	}
	return states
}
