package ntos

import (
	"errors"
	"fmt"
	"slices"

	"ntwalk/internal/ntfmt"
	"ntwalk/internal/offsets"
	"ntwalk/internal/vat"
)

// listWalk follows Flink pointers of a circular LIST_ENTRY list.
type listWalk struct {
	name  string
	space vat.Space
	start uint64
	max   int
	// anchor reports nodes that belong to the list but are not records,
	// such as the list head. They are neither visited nor counted.
	anchor func(node uint64) bool
}

var errNullLink = errors.New("null link")

type walkStats struct {
	visited int
	skipped int
	diags   ntfmt.Diags
}

// run visits every record node in list order. A visit error skips the node
// in best-effort mode and stops the walk in strict mode. More than max nodes
// is ErrTraversalOverrun; the nodes collected up to the bound are still
// visited.
func (k *Kernel) run(w listWalk, visit func(node uint64) error) (*walkStats, error) {
	st := &walkStats{}
	strict := k.cfg.Mode == ntfmt.ModeStrict
	overrun := false
	defer func() { k.cfg.Metrics.Walk(w.name, st.visited, st.skipped, overrun) }()

	nodes, err := k.collect(w, st, strict)
	overrun = errors.Is(err, ErrTraversalOverrun)
	for _, node := range nodes {
		if w.anchor != nil && w.anchor(node) {
			continue
		}
		st.visited++
		if verr := visit(node); verr != nil {
			if strict {
				return st, fmt.Errorf("%w: %s node 0x%x: %w", ErrBadNode, w.name, node, verr)
			}
			st.skipped++
			st.diags.Addf(node, diagKind(verr), "%s: %v", w.name, verr)
		}
	}
	return st, err
}

// collect follows Flink from start until it comes back around. When a Flink
// cannot be followed the rest of the ring is recovered from the other end.
func (k *Kernel) collect(w listWalk, st *walkStats, strict bool) ([]uint64, error) {
	blink := k.off(offsets.ListBlink)
	seen := make(map[uint64]bool)
	var nodes []uint64
	node := w.start
	for {
		if len(nodes) > w.max {
			return nodes, fmt.Errorf("%w: %s list exceeds %d nodes", ErrTraversalOverrun, w.name, w.max)
		}
		nodes = append(nodes, node)
		seen[node] = true

		next, err := w.space.ReadPtr(node)
		if err == nil && next == 0 {
			st.diags.Add(node, ntfmt.DiagInvalid, w.name+": null flink")
			err = errNullLink
		} else if err != nil {
			st.diags.Addf(node, ntfmt.DiagUnmapped, "%s: flink: %v", w.name, err)
		}
		if err != nil {
			if strict {
				return nodes, fmt.Errorf("%w: %s flink at 0x%x: %w", ErrBadNode, w.name, node, err)
			}
			tail, err := k.recoverTail(w, st, seen, len(nodes))
			return append(nodes, tail...), err
		}
		if back, err := w.space.ReadPtr(next + blink); err != nil || back != node {
			st.diags.Addf(next, ntfmt.DiagImplausible, "%s: blink does not point back to 0x%x", w.name, node)
		}
		if next == w.start {
			return nodes, nil
		}
		node = next
	}
}

// recoverTail walks Blink back from start until it meets a node the
// forward walk already holds, and returns the nodes it passed in Flink
// order. A Blink that cannot be followed ends the recovery.
func (k *Kernel) recoverTail(w listWalk, st *walkStats, seen map[uint64]bool, have int) ([]uint64, error) {
	blink := k.off(offsets.ListBlink)
	var tail []uint64
	var err error
	node := w.start
	for {
		prev, rerr := w.space.ReadPtr(node + blink)
		if rerr != nil || prev == 0 {
			st.diags.Addf(node, ntfmt.DiagUnmapped, "%s: blink: cannot recover past 0x%x", w.name, node)
			break
		}
		if seen[prev] {
			break
		}
		if have+len(tail) > w.max {
			err = fmt.Errorf("%w: %s list exceeds %d nodes", ErrTraversalOverrun, w.name, w.max)
			break
		}
		tail = append(tail, prev)
		seen[prev] = true
		node = prev
	}
	slices.Reverse(tail)
	return tail, err
}

// nodeError is a visit failure with a diagnostic kind.
type nodeError struct {
	kind ntfmt.DiagKind
	msg  string
}

func (e *nodeError) Error() string { return e.msg }

func badNode(kind ntfmt.DiagKind, format string, args ...any) error {
	return &nodeError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func diagKind(err error) ntfmt.DiagKind {
	var ne *nodeError
	if errors.As(err, &ne) {
		return ne.kind
	}
	return ntfmt.DiagUnmapped
}
