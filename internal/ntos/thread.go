package ntos

import (
	"fmt"

	"ntwalk/internal/ntfmt"
	"ntwalk/internal/offsets"
)

// Thread is one ETHREAD.
type Thread struct {
	TID     uint64 `json:"tid"`
	PID     uint64 `json:"pid"`
	ETHREAD uint64 `json:"ethread"`
	TEB     uint64 `json:"teb"`
	State   uint8  `json:"state"`
}

// ThreadList is the result of one thread list walk.
type ThreadList struct {
	Threads []Thread     `json:"threads"`
	Skipped int          `json:"skipped"`
	Diags   []ntfmt.Diag `json:"diagnostics,omitempty"`
}

// Threads walks the ThreadListHead of p. It needs the thread fields, which
// are optional in resolution; without them it fails with
// resolve.ErrIncompleteOffsets.
func (k *Kernel) Threads(p Process) (*ThreadList, error) {
	if err := k.need(offsets.ThreadFields); err != nil {
		return nil, err
	}
	head := p.EPROCESS + k.off(offsets.EprocessThreadList)
	entry := k.off(offsets.EthreadListEntry)
	out := &ThreadList{}
	st, err := k.run(listWalk{
		name:   "threads",
		space:  k.info.Space,
		start:  head,
		max:    k.cfg.MaxThreads,
		anchor: func(node uint64) bool { return node == head },
	}, func(node uint64) error {
		t, err := k.readThread(node - entry)
		if err != nil {
			return err
		}
		if t.PID != p.PID {
			return badNode(ntfmt.DiagImplausible, "thread %d belongs to pid %d, not %d", t.TID, t.PID, p.PID)
		}
		out.Threads = append(out.Threads, t)
		return nil
	})
	out.Skipped = st.skipped
	out.Diags = st.diags.Items()
	if err != nil {
		return out, fmt.Errorf("ntos: pid %d: %w", p.PID, err)
	}
	return out, nil
}

func (k *Kernel) readThread(et uint64) (Thread, error) {
	s := k.info.Space
	t := Thread{ETHREAD: et}
	cid := et + k.off(offsets.EthreadCID)
	var err error
	if t.PID, err = s.ReadPtr(cid); err != nil {
		return t, badNode(ntfmt.DiagUnmapped, "cid: %v", err)
	}
	if t.TID, err = s.ReadPtr(cid + k.ptrSize()); err != nil {
		return t, badNode(ntfmt.DiagUnmapped, "cid: %v", err)
	}
	if t.TID == 0 || t.TID%4 != 0 {
		return t, badNode(ntfmt.DiagImplausible, "tid %d", t.TID)
	}
	if t.TEB, err = s.ReadPtr(et + k.off(offsets.KthreadTEB)); err != nil {
		return t, badNode(ntfmt.DiagUnmapped, "teb: %v", err)
	}
	state := make([]byte, 1)
	if err := s.Read(et+k.off(offsets.KthreadState), state); err != nil {
		return t, badNode(ntfmt.DiagUnmapped, "state: %v", err)
	}
	t.State = state[0]
	return t, nil
}
