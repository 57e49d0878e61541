// Package ntfmt provides shared types and diagnostics for kernel structure parsing.
package ntfmt

import "fmt"

// DiagKind classifies a diagnostic message.
type DiagKind string

const (
	DiagUnmapped    DiagKind = "unmapped"
	DiagInvalid     DiagKind = "invalid"
	DiagImplausible DiagKind = "implausible"
	DiagIO          DiagKind = "io"
	DiagFallback    DiagKind = "fallback"
)

// Diag records a non-fatal issue encountered during a walk or resolution.
// Addr is the virtual address of the node involved, 0 if none.
type Diag struct {
	Addr uint64   `json:"addr"`
	Kind DiagKind `json:"kind"`
	Msg  string   `json:"msg"`
}

func (d Diag) String() string {
	return fmt.Sprintf("[%s] 0x%x: %s", d.Kind, d.Addr, d.Msg)
}

// Diags accumulates diagnostics.
type Diags struct {
	items []Diag
}

func (d *Diags) Add(addr uint64, kind DiagKind, msg string) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: msg})
}

func (d *Diags) Addf(addr uint64, kind DiagKind, format string, args ...any) {
	d.items = append(d.items, Diag{Addr: addr, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func (d *Diags) Items() []Diag { return d.items }
func (d *Diags) Len() int      { return len(d.items) }

// Mode controls error handling behavior.
type Mode int

const (
	ModeBestEffort Mode = iota // skip bad nodes, accumulate diags
	ModeStrict                 // first bad node returns error
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeBestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "best-effort", "besteffort":
		return ModeBestEffort, nil
	case "strict":
		return ModeStrict, nil
	}
	return 0, fmt.Errorf("ntfmt: unknown mode %q", s)
}
