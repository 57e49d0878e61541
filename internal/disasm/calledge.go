package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// CallEdge represents a call site extracted from disassembly.
type CallEdge struct {
	FromPC     uint64 `json:"from_pc"`
	Kind       string `json:"kind"`                // "call" or "call_ind"
	TargetPC   uint64 `json:"target_pc,omitempty"` // resolved VA for direct calls and RIP-relative slots
	TargetName string `json:"target_name,omitempty"`
	Reg        string `json:"reg,omitempty"` // register for call through a register
	Via        string `json:"via,omitempty"` // provenance of the register or slot
}

// Callee is the best available name for the call target.
func (e CallEdge) Callee() string {
	switch {
	case e.TargetName != "":
		return e.TargetName
	case e.Via != "":
		return e.Via
	case e.TargetPC != 0:
		return fmt.Sprintf("0x%x", e.TargetPC)
	case e.Reg != "":
		return e.Reg
	}
	return "?"
}

// RegDef records the last definition of a register within the window.
type RegDef struct {
	Annotation string
	Age        int // instructions since definition
}

// RegTracker tracks last-def provenance of general purpose registers.
// Definitions older than the window are expired.
type RegTracker struct {
	defs map[x86asm.Reg]RegDef
	w    int
}

// NewRegTracker creates a tracker with the given window size.
func NewRegTracker(w int) *RegTracker {
	return &RegTracker{defs: make(map[x86asm.Reg]RegDef), w: w}
}

// Reset clears all definitions.
func (rt *RegTracker) Reset() {
	clear(rt.defs)
}

// Tick ages every definition by one instruction.
func (rt *RegTracker) Tick() {
	for r, d := range rt.defs {
		d.Age++
		if d.Age > rt.w {
			delete(rt.defs, r)
			continue
		}
		rt.defs[r] = d
	}
}

// Define records a provenance for r.
func (rt *RegTracker) Define(r x86asm.Reg, annotation string) {
	rt.defs[canon(r)] = RegDef{Annotation: annotation}
}

// Lookup returns the live provenance of r, or "".
func (rt *RegTracker) Lookup(r x86asm.Reg) string {
	return rt.defs[canon(r)].Annotation
}

// Kill forgets r.
func (rt *RegTracker) Kill(r x86asm.Reg) {
	delete(rt.defs, canon(r))
}

// ripSlot returns the address a RIP-relative memory operand refers to.
func ripSlot(inst Inst, m x86asm.Mem) (uint64, bool) {
	if m.Base != x86asm.RIP || m.Index != 0 {
		return 0, false
	}
	return uint64(int64(inst.Addr) + int64(inst.Size) + m.Disp), true
}

func slotName(symbols SymbolLookup, addr uint64) string {
	if symbols != nil {
		if name, ok := symbols(addr); ok {
			return name
		}
	}
	return fmt.Sprintf("[0x%x]", addr)
}

// ExtractCallEdges returns the call sites of insts. Calls through a register
// carry the provenance of the last RIP-relative load into it within w
// instructions.
func ExtractCallEdges(insts []Inst, symbols SymbolLookup, w int) []CallEdge {
	rt := NewRegTracker(w)
	var edges []CallEdge

	for _, inst := range insts {
		if !inst.Valid {
			rt.Tick()
			continue
		}
		args := inst.Inst.Args

		if inst.Inst.Op == x86asm.CALL {
			e := CallEdge{FromPC: inst.Addr, Kind: "call_ind"}
			switch a := args[0].(type) {
			case x86asm.Rel:
				e.Kind = "call"
				e.TargetPC, _ = relTarget(inst)
				if symbols != nil {
					if name, ok := symbols(e.TargetPC); ok {
						e.TargetName = name
					}
				}
			case x86asm.Mem:
				if slot, ok := ripSlot(inst, a); ok {
					e.TargetPC = slot
					e.Via = slotName(symbols, slot)
				}
			case x86asm.Reg:
				e.Reg = a.String()
				e.Via = rt.Lookup(a)
			}
			edges = append(edges, e)
			// Volatile registers do not survive the call.
			rt.Reset()
			continue
		}

		dst, isReg := args[0].(x86asm.Reg)
		if isReg && (inst.Inst.Op == x86asm.MOV || inst.Inst.Op == x86asm.LEA) {
			if m, ok := args[1].(x86asm.Mem); ok {
				if slot, ok := ripSlot(inst, m); ok {
					rt.Tick()
					name := slotName(symbols, slot)
					if inst.Inst.Op == x86asm.LEA {
						name = "&" + name
					}
					rt.Define(dst, name)
					continue
				}
			}
		}
		if isReg {
			rt.Kill(dst)
		}
		rt.Tick()
	}

	return edges
}

// CallAnnotator annotates call instructions with their callee.
func CallAnnotator(edges []CallEdge) Annotator {
	byPC := make(map[uint64]CallEdge, len(edges))
	for _, e := range edges {
		byPC[e.FromPC] = e
	}
	return func(inst Inst) string {
		if e, ok := byPC[inst.Addr]; ok {
			return "-> " + e.Callee()
		}
		return ""
	}
}
