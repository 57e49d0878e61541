package output

import (
	"fmt"
	"io"
	"text/tabwriter"

	"ntwalk/internal/ntfmt"
	"ntwalk/internal/ntos"
)

func newTab(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// Processes writes one line per process.
func Processes(w io.Writer, procs []ntos.Process) error {
	tw := newTab(w)
	fmt.Fprintln(tw, "PID\tPPID\tNAME\tDTB\tEPROCESS\tSTATE")
	for _, p := range procs {
		state := "alive"
		if !p.Alive {
			state = fmt.Sprintf("exited(0x%x)", p.ExitStatus)
		}
		name := p.Name
		if p.Wow64 {
			name += " *32"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t0x%x\t0x%x\t%s\n", p.PID, p.ParentPID, name, p.DTB, p.EPROCESS, state)
	}
	return tw.Flush()
}

// Modules writes one line per module.
func Modules(w io.Writer, mods []ntos.Module) error {
	tw := newTab(w)
	fmt.Fprintln(tw, "BASE\tSIZE\tNAME\tPATH")
	for _, m := range mods {
		fmt.Fprintf(tw, "0x%x\t0x%x\t%s\t%s\n", m.Base, m.Size, m.Name, m.Path)
	}
	return tw.Flush()
}

// Threads writes one line per thread.
func Threads(w io.Writer, threads []ntos.Thread) error {
	tw := newTab(w)
	fmt.Fprintln(tw, "TID\tPID\tETHREAD\tTEB\tSTATE")
	for _, t := range threads {
		fmt.Fprintf(tw, "%d\t%d\t0x%x\t0x%x\t%s\n", t.TID, t.PID, t.ETHREAD, t.TEB, ThreadState(t.State))
	}
	return tw.Flush()
}

var threadStates = []string{
	"initialized", "ready", "running", "standby", "terminated",
	"waiting", "transition", "deferred-ready", "gate-wait",
}

// ThreadState names a KTHREAD_STATE value.
func ThreadState(s uint8) string {
	if int(s) < len(threadStates) {
		return threadStates[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// Diags writes diagnostics and a skipped count, if any.
func Diags(w io.Writer, skipped int, diags []ntfmt.Diag) {
	if skipped > 0 {
		fmt.Fprintf(w, "skipped %d entries\n", skipped)
	}
	for _, d := range diags {
		fmt.Fprintf(w, "  %s\n", d)
	}
}
