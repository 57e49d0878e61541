package ntos

import (
	"bytes"
	"fmt"

	"ntwalk/internal/ntfmt"
	"ntwalk/internal/offsets"
	"ntwalk/internal/vat"
)

// StatusPending is the exit status of a process that has not exited.
const StatusPending = 0x103

const imageNameLen = 15

// Process is one EPROCESS.
type Process struct {
	PID         uint64 `json:"pid"`
	ParentPID   uint64 `json:"parent_pid"`
	Name        string `json:"name"`
	DTB         uint64 `json:"dtb"`
	PEB         uint64 `json:"peb"`
	EPROCESS    uint64 `json:"eprocess"`
	SectionBase uint64 `json:"section_base,omitempty"`
	Wow64       bool   `json:"wow64"`
	ExitStatus  uint32 `json:"exit_status"`
	Alive       bool   `json:"alive"`
}

func (p Process) String() string {
	return fmt.Sprintf("%d %s", p.PID, p.Name)
}

// ProcessList is the result of one process list walk.
type ProcessList struct {
	Processes []Process    `json:"processes"`
	Skipped   int          `json:"skipped"`
	Diags     []ntfmt.Diag `json:"diagnostics,omitempty"`
}

// Processes walks ActiveProcessLinks from the system process. Unreadable or
// implausible entries are skipped and described in Diags. On an error the
// records read so far are returned with it.
func (k *Kernel) Processes() (*ProcessList, error) {
	link := k.off(offsets.EprocessLink)
	out := &ProcessList{}
	st, err := k.run(listWalk{
		name:   "processes",
		space:  k.info.Space,
		start:  k.info.SystemProcess + link,
		max:    k.cfg.MaxProcesses,
		anchor: k.info.Contains,
	}, func(node uint64) error {
		p, err := k.readProcess(node - link)
		if err != nil {
			return err
		}
		out.Processes = append(out.Processes, p)
		return nil
	})
	out.Skipped = st.skipped
	out.Diags = st.diags.Items()
	if err != nil {
		return out, err
	}
	k.log.Debug("processes walked")
	return out, nil
}

// ProcessByPID walks the process list for pid.
func (k *Kernel) ProcessByPID(pid uint64) (Process, error) {
	list, err := k.Processes()
	if list != nil {
		for _, p := range list.Processes {
			if p.PID == pid {
				return p, nil
			}
		}
	}
	if err != nil {
		return Process{}, err
	}
	return Process{}, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
}

// readProcess reads and validates the EPROCESS at ep.
func (k *Kernel) readProcess(ep uint64) (Process, error) {
	s := k.info.Space
	p := Process{EPROCESS: ep}
	var err error

	if p.PID, err = s.ReadPtr(ep + k.off(offsets.EprocessPID)); err != nil {
		return p, badNode(ntfmt.DiagUnmapped, "pid: %v", err)
	}
	if p.PID%4 != 0 || p.PID > 0xffffffff {
		return p, badNode(ntfmt.DiagImplausible, "pid %d", p.PID)
	}
	if p.DTB, err = s.ReadPtr(ep + k.off(offsets.KprocessDTB)); err != nil {
		return p, badNode(ntfmt.DiagUnmapped, "dtb: %v", err)
	}
	if p.DTB == 0 {
		return p, badNode(ntfmt.DiagInvalid, "pid %d: %v", p.PID, vat.ErrInvalidPagingBase)
	}
	name := make([]byte, imageNameLen)
	if err := s.Read(ep+k.off(offsets.EprocessName), name); err != nil {
		return p, badNode(ntfmt.DiagUnmapped, "name: %v", err)
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if len(name) == 0 {
		return p, badNode(ntfmt.DiagImplausible, "pid %d: empty name", p.PID)
	}
	if !printable(name) {
		return p, badNode(ntfmt.DiagImplausible, "pid %d: name %q", p.PID, name)
	}
	p.Name = string(name)
	if p.PEB, err = s.ReadPtr(ep + k.off(offsets.EprocessPEB)); err != nil {
		return p, badNode(ntfmt.DiagUnmapped, "peb: %v", err)
	}
	if p.ParentPID, err = s.ReadPtr(ep + k.off(offsets.EprocessParentPID)); err != nil {
		return p, badNode(ntfmt.DiagUnmapped, "parent pid: %v", err)
	}
	if p.ExitStatus, err = s.ReadUint32(ep + k.off(offsets.EprocessExitStatus)); err != nil {
		return p, badNode(ntfmt.DiagUnmapped, "exit status: %v", err)
	}
	p.Alive = p.ExitStatus == StatusPending

	// Optional fields stay zero when unresolved or unreadable.
	if k.offs.Has(offsets.EprocessSection) {
		p.SectionBase, _ = s.ReadPtr(ep + k.off(offsets.EprocessSection))
	}
	if k.offs.Has(offsets.EprocessWow64) {
		w, _ := s.ReadPtr(ep + k.off(offsets.EprocessWow64))
		p.Wow64 = w != 0
	}
	return p, nil
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// Space returns the address space of p.
func (k *Kernel) Space(p Process) (vat.Space, error) {
	return vat.NewSpace(k.conn, k.offs.Arch(), p.DTB)
}
