package disasm

import "strings"

// ExitKind says how control leaves a basic block.
type ExitKind string

const (
	ExitFall     ExitKind = "fall"     // into the next block
	ExitJump     ExitKind = "jump"     // unconditional, inside the function
	ExitCond     ExitKind = "cond"     // conditional, taken and fallthrough
	ExitRet      ExitKind = "ret"      // RET or IRET
	ExitTail     ExitKind = "tail"     // JMP out of the function
	ExitIndirect ExitKind = "indirect" // JMP through a register or memory
	ExitTrap     ExitKind = "trap"     // UD2, INT3, __fastfail, HLT
	ExitNoReturn ExitKind = "noreturn" // CALL to a routine that never returns
)

// Terminal reports whether the function is left for good.
func (k ExitKind) Terminal() bool {
	switch k {
	case ExitRet, ExitTail, ExitIndirect, ExitTrap, ExitNoReturn:
		return true
	}
	return false
}

// BasicBlock is a run of instructions with a single entry point.
type BasicBlock struct {
	ID      int
	Start   int // index into FuncCFG.Insts (inclusive)
	End     int // index into FuncCFG.Insts (exclusive)
	Succs   []Succ
	Calls   []CallSite
	Exit    ExitKind
	IsEntry bool
	IsTerm  bool
}

// Succ describes a control-flow successor edge.
type Succ struct {
	BlockID int
	Cond    string // "" = unconditional, "T" = taken, "F" = fallthrough
}

// CallSite is a call edge made from inside a block.
type CallSite struct {
	Index int // index into FuncCFG.Insts
	Edge  CallEdge
}

// FuncCFG is a per-function control flow graph.
type FuncCFG struct {
	Name   string
	Blocks []BasicBlock
	Insts  []Inst
}

// noReturn holds kernel routines that never return to their caller.
var noReturn = map[string]bool{
	"KeBugCheck":                  true,
	"KeBugCheckEx":                true,
	"KeBugCheck2":                 true,
	"KiBugCheckDispatch":          true,
	"ExRaiseStatus":               true,
	"RtlRaiseStatus":              true,
	"ExRaiseAccessViolation":      true,
	"ExRaiseDatatypeMisalignment": true,
	"__report_gsfailure":          true,
}

// NoReturn reports whether a call to callee never returns. Import slots
// match the routine they import.
func NoReturn(callee string) bool {
	return noReturn[strings.TrimPrefix(callee, "__imp_")]
}

type exit struct {
	kind   ExitKind
	target uint64
}

// exitOf classifies inst as a block exit. call is the edge made at inst,
// if any.
func exitOf(inst Inst, call *CallEdge) (exit, bool) {
	if call != nil && NoReturn(call.Callee()) {
		return exit{kind: ExitNoReturn}, true
	}
	bi := DecodeBranch(inst)
	switch {
	case bi == nil:
		return exit{}, false
	case bi.IsRet:
		return exit{kind: ExitRet}, true
	case bi.Trap:
		return exit{kind: ExitTrap}, true
	case bi.Indirect:
		return exit{kind: ExitIndirect}, true
	case bi.Cond:
		return exit{kind: ExitCond, target: bi.Target}, true
	}
	return exit{kind: ExitJump, target: bi.Target}, true
}

// BuildCFG splits a function into basic blocks. Blocks start at the entry,
// at branch targets inside the function and after every exit. Call edges
// are attached to the blocks that make them. A branch target that is not
// the start of a decoded instruction is treated as outside the function,
// so an unconditional jump there is a tail call and a conditional one
// keeps only its fallthrough.
func BuildCFG(name string, insts []Inst, edges []CallEdge) FuncCFG {
	cfg := FuncCFG{Name: name, Insts: insts}
	if len(insts) == 0 {
		return cfg
	}

	index := make(map[uint64]int, len(insts))
	for i, inst := range insts {
		index[inst.Addr] = i
	}
	calls := make(map[int]*CallEdge, len(edges))
	for i := range edges {
		if idx, ok := index[edges[i].FromPC]; ok {
			calls[idx] = &edges[i]
		}
	}

	exits := make([]exit, len(insts))
	isExit := make([]bool, len(insts))
	leader := make([]bool, len(insts))
	leader[0] = true
	for i, inst := range insts {
		e, ok := exitOf(inst, calls[i])
		if !ok {
			continue
		}
		exits[i], isExit[i] = e, true
		if i+1 < len(insts) {
			leader[i+1] = true
		}
		if e.kind == ExitJump || e.kind == ExitCond {
			if t, ok := index[e.target]; ok {
				leader[t] = true
			}
		}
	}

	blockOf := make([]int, len(insts))
	for i := range insts {
		if leader[i] {
			cfg.Blocks = append(cfg.Blocks, BasicBlock{ID: len(cfg.Blocks), Start: i, IsEntry: i == 0})
		}
		blockOf[i] = len(cfg.Blocks) - 1
	}

	for i := range cfg.Blocks {
		b := &cfg.Blocks[i]
		b.End = len(insts)
		if i+1 < len(cfg.Blocks) {
			b.End = cfg.Blocks[i+1].Start
		}
		for j := b.Start; j < b.End; j++ {
			if c := calls[j]; c != nil {
				b.Calls = append(b.Calls, CallSite{Index: j, Edge: *c})
			}
		}

		next := -1
		if b.End < len(insts) {
			next = blockOf[b.End]
		}
		last := b.End - 1
		if !isExit[last] {
			// Falling off the decoded range leaves the block open.
			b.Exit = ExitFall
			if next >= 0 {
				b.Succs = append(b.Succs, Succ{BlockID: next})
			}
			continue
		}

		e := exits[last]
		target := -1
		if t, ok := index[e.target]; ok && (e.kind == ExitJump || e.kind == ExitCond) {
			target = blockOf[t]
		}
		b.Exit = e.kind
		switch e.kind {
		case ExitJump:
			if target < 0 {
				b.Exit = ExitTail
				break
			}
			b.Succs = append(b.Succs, Succ{BlockID: target})
		case ExitCond:
			if target >= 0 {
				b.Succs = append(b.Succs, Succ{BlockID: target, Cond: "T"})
			}
			if next >= 0 {
				b.Succs = append(b.Succs, Succ{BlockID: next, Cond: "F"})
			}
		}
		b.IsTerm = b.Exit.Terminal()
	}
	return cfg
}
