package ntos

import (
	"fmt"

	"ntwalk/internal/ntfmt"
	"ntwalk/internal/offsets"
	"ntwalk/internal/vat"
)

// Module is one loader data table entry.
type Module struct {
	Base uint64 `json:"base"`
	Size uint32 `json:"size"`
	Name string `json:"name"`
	Path string `json:"path"`
	PID  uint64 `json:"pid"`
}

func (m Module) String() string {
	return fmt.Sprintf("0x%x+0x%x %s", m.Base, m.Size, m.Name)
}

// ModuleList is the result of one module list walk.
type ModuleList struct {
	Modules []Module     `json:"modules"`
	Skipped int          `json:"skipped"`
	Diags   []ntfmt.Diag `json:"diagnostics,omitempty"`
}

// Modules walks the in-load-order module list of p. A process without a
// PEB has no user modules; for the system process the kernel module list
// is returned instead. Only the native list is read for WoW64 processes.
func (k *Kernel) Modules(p Process) (*ModuleList, error) {
	if p.PEB == 0 {
		if p.EPROCESS == k.info.SystemProcess {
			list, err := k.KernelModules()
			if list != nil {
				for i := range list.Modules {
					list.Modules[i].PID = p.PID
				}
			}
			return list, err
		}
		return &ModuleList{}, nil
	}
	space, err := k.Space(p)
	if err != nil {
		return nil, fmt.Errorf("ntos: pid %d: %w", p.PID, err)
	}
	ldr, err := space.ReadPtr(p.PEB + k.off(offsets.PEBLdr))
	if err != nil {
		return nil, fmt.Errorf("ntos: pid %d: PEB.Ldr: %w", p.PID, err)
	}
	if ldr == 0 {
		// The loader has not run yet.
		return &ModuleList{}, nil
	}
	return k.walkModules(space, ldr+k.off(offsets.LdrList), p.PID)
}

// KernelModules walks PsLoadedModuleList.
func (k *Kernel) KernelModules() (*ModuleList, error) {
	if k.info.LoadedModuleList == 0 {
		return &ModuleList{}, nil
	}
	return k.walkModules(k.info.Space, k.info.LoadedModuleList, 0)
}

func (k *Kernel) walkModules(space vat.Space, head, pid uint64) (*ModuleList, error) {
	out := &ModuleList{}
	st, err := k.run(listWalk{
		name:   "modules",
		space:  space,
		start:  head,
		max:    k.cfg.MaxModules,
		anchor: func(node uint64) bool { return node == head },
	}, func(node uint64) error {
		m, err := k.readModule(space, node)
		if err != nil {
			return err
		}
		m.PID = pid
		out.Modules = append(out.Modules, m)
		return nil
	})
	out.Skipped = st.skipped
	out.Diags = st.diags.Items()
	return out, err
}

// readModule reads the entry whose InLoadOrderLinks is at e.
func (k *Kernel) readModule(s vat.Space, e uint64) (Module, error) {
	var m Module
	var err error
	if m.Base, err = s.ReadPtr(e + k.off(offsets.LdrEntryBase)); err != nil {
		return m, badNode(ntfmt.DiagUnmapped, "dll base: %v", err)
	}
	if m.Size, err = s.ReadUint32(e + k.off(offsets.LdrEntrySize)); err != nil {
		return m, badNode(ntfmt.DiagUnmapped, "image size: %v", err)
	}
	if m.Base == 0 || m.Size == 0 {
		return m, badNode(ntfmt.DiagImplausible, "module 0x%x+0x%x", m.Base, m.Size)
	}
	if m.Name, err = readUnicodeString(s, e+k.off(offsets.LdrEntryBaseName), k.ptrSize()); err != nil {
		return m, badNode(ntfmt.DiagInvalid, "base name: %v", err)
	}
	if m.Name == "" {
		return m, badNode(ntfmt.DiagImplausible, "module 0x%x: empty base name", m.Base)
	}
	// The full path is best effort; the base name identifies the module.
	m.Path, _ = readUnicodeString(s, e+k.off(offsets.LdrEntryFullName), k.ptrSize())
	return m, nil
}
