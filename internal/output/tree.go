package output

import (
	"fmt"
	"io"
	"sort"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"ntwalk/internal/ntos"
)

func procLabel(p ntos.Process) string {
	return fmt.Sprintf("%s (%d)", p.Name, p.PID)
}

// ProcessGraph builds the parent to child graph of procs. A process whose
// parent is not in the list is a root.
func ProcessGraph(procs []ntos.Process) *lattice.Graph {
	byPID := make(map[uint64]ntos.Process, len(procs))
	for _, p := range procs {
		byPID[p.PID] = p
	}
	g := &lattice.Graph{}
	for _, p := range procs {
		g.Nodes = append(g.Nodes, procLabel(p))
		if parent, ok := byPID[p.ParentPID]; ok && p.ParentPID != p.PID {
			g.Edges = append(g.Edges, lattice.Edge{Caller: procLabel(parent), Callee: procLabel(p)})
		}
	}
	g.Dedup()
	return g
}

// ProcessTreeDOT renders the process graph as Graphviz DOT.
func ProcessTreeDOT(procs []ntos.Process, title string) string {
	return render.DOT(ProcessGraph(procs), title)
}

// ProcessTree writes an indented text tree. Children are ordered by PID;
// a parent link cycle is cut at the first repeated process.
func ProcessTree(w io.Writer, procs []ntos.Process) error {
	byPID := make(map[uint64]bool, len(procs))
	for _, p := range procs {
		byPID[p.PID] = true
	}
	children := make(map[uint64][]ntos.Process)
	var roots []ntos.Process
	for _, p := range procs {
		if byPID[p.ParentPID] && p.ParentPID != p.PID {
			children[p.ParentPID] = append(children[p.ParentPID], p)
		} else {
			roots = append(roots, p)
		}
	}
	for _, c := range children {
		sort.Slice(c, func(i, j int) bool { return c[i].PID < c[j].PID })
	}

	seen := make(map[uint64]bool, len(procs))
	var walk func(p ntos.Process, depth int) error
	walk = func(p ntos.Process, depth int) error {
		if seen[p.PID] {
			return nil
		}
		seen[p.PID] = true
		for range depth {
			if _, err := io.WriteString(w, "  "); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w, procLabel(p)); err != nil {
			return err
		}
		for _, c := range children[p.PID] {
			if err := walk(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := walk(r, 0); err != nil {
			return err
		}
	}
	return nil
}
