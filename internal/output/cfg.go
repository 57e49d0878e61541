package output

import (
	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"ntwalk/internal/disasm"
)

// FunctionCFG builds a single-function lattice CFG from instructions and
// call edges. A call to a routine that never returns ends its block.
func FunctionCFG(name string, insts []disasm.Inst, edges []disasm.CallEdge) *lattice.CFGGraph {
	dcfg := disasm.BuildCFG(name, insts, edges)
	return &lattice.CFGGraph{Funcs: []*lattice.FuncCFG{convertFuncCFG(&dcfg)}}
}

// FunctionCFGDOT renders FunctionCFG as Graphviz DOT.
func FunctionCFGDOT(name string, insts []disasm.Inst, edges []disasm.CallEdge) string {
	return render.DOTCFG(FunctionCFG(name, insts, edges), name)
}

func convertFuncCFG(dcfg *disasm.FuncCFG) *lattice.FuncCFG {
	lcfg := &lattice.FuncCFG{Name: dcfg.Name}
	for _, db := range dcfg.Blocks {
		lb := &lattice.BasicBlock{
			ID:    db.ID,
			Start: db.Start,
			End:   db.End,
			Term:  db.IsTerm,
		}
		for _, ds := range db.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{BlockID: ds.BlockID, Cond: ds.Cond})
		}
		for _, cs := range db.Calls {
			lb.Calls = append(lb.Calls, lattice.CallSite{Offset: cs.Index, Callee: cs.Edge.Callee()})
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}
