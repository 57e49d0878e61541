package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ntwalk/internal/kernel"
	"ntwalk/internal/ntfmt"
	"ntwalk/internal/ntos"
	"ntwalk/internal/offsets"
	"ntwalk/internal/output"
	"ntwalk/internal/resolve"
)

var errNoPID = errors.New("--pid is required")

type infoReport struct {
	Build         kernel.BuildID            `json:"build"`
	Arch          string                    `json:"arch"`
	DTB           uint64                    `json:"dtb"`
	Base          uint64                    `json:"base"`
	Size          uint32                    `json:"size"`
	SystemProcess uint64                    `json:"system_process"`
	ModuleList    uint64                    `json:"loaded_module_list"`
	State         resolve.State             `json:"state"`
	Trace         []resolve.Step            `json:"trace"`
	Offsets       map[string]uint32         `json:"offsets"`
	Sources       map[string]offsets.Source `json:"sources"`
}

func newInfoReport(k *ntos.Kernel) infoReport {
	info := k.Info()
	res := k.Resolution()
	t := k.Offsets()
	r := infoReport{
		Build:         info.Build,
		Arch:          info.StartBlock.Arch.String(),
		DTB:           info.StartBlock.DTB,
		Base:          info.Base,
		Size:          info.Size,
		SystemProcess: info.SystemProcess,
		ModuleList:    info.LoadedModuleList,
		Offsets:       t.KernelFields(),
		Sources:       make(map[string]offsets.Source),
	}
	if res != nil {
		r.State = res.State
		r.Trace = res.Trace
	}
	for name := range r.Offsets {
		r.Sources[name] = t.Source(name)
	}
	return r
}

func newInfoCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the located kernel and how its offsets were resolved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				rep := newInfoReport(s.kern)
				asJSON, err := s.structured()
				if err != nil {
					return err
				}
				if asJSON {
					return output.WriteJSON(cmd.OutOrStdout(), rep)
				}
				return writeInfo(cmd.OutOrStdout(), rep, s.kern.Offsets())
			})
		},
	}
}

func writeInfo(w io.Writer, r infoReport, t *offsets.Table) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "kernel\t%s\n", r.Build)
	fmt.Fprintf(tw, "arch\t%s\n", r.Arch)
	fmt.Fprintf(tw, "dtb\t0x%x\n", r.DTB)
	fmt.Fprintf(tw, "base\t0x%x\n", r.Base)
	fmt.Fprintf(tw, "size\t0x%x\n", r.Size)
	fmt.Fprintf(tw, "system process\t0x%x\n", r.SystemProcess)
	if r.ModuleList != 0 {
		fmt.Fprintf(tw, "loaded module list\t0x%x\n", r.ModuleList)
	}
	fmt.Fprintf(tw, "resolution\t%s\n", r.State)
	for _, st := range r.Trace {
		line := fmt.Sprintf("  %s", st.State)
		if len(st.Fields) > 0 {
			line += fmt.Sprintf("\t%d fields", len(st.Fields))
		}
		if st.Note != "" {
			line += "\t" + st.Note
		}
		fmt.Fprintln(tw, line)
	}
	fmt.Fprintln(tw)
	if err := tw.Flush(); err != nil {
		return err
	}
	return writeTable(w, t)
}

func newPsCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				list, walkErr := s.kern.Processes()
				if err := writeList(cmd, s, list, func(w io.Writer) error {
					return output.Processes(w, list.Processes)
				}, list.Skipped, list.Diags); err != nil {
					return err
				}
				return walkErr
			})
		},
	}
}

func newPstreeCommand(v *viper.Viper) *cobra.Command {
	var dot bool
	cmd := &cobra.Command{
		Use:   "pstree",
		Short: "Show the process tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				list, walkErr := s.kern.Processes()
				w := cmd.OutOrStdout()
				if dot {
					if _, err := io.WriteString(w, output.ProcessTreeDOT(list.Processes, s.kern.Build().String())); err != nil {
						return err
					}
				} else if err := output.ProcessTree(w, list.Processes); err != nil {
					return err
				}
				output.Diags(cmd.ErrOrStderr(), list.Skipped, list.Diags)
				return walkErr
			})
		},
	}
	cmd.Flags().BoolVar(&dot, "dot", false, "Emit Graphviz DOT")
	return cmd
}

func newModulesCommand(v *viper.Viper) *cobra.Command {
	var pid uint64
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List modules of a process, or kernel modules without --pid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				var (
					list    *ntos.ModuleList
					walkErr error
				)
				if pid == 0 {
					list, walkErr = s.kern.KernelModules()
				} else {
					p, err := s.kern.ProcessByPID(pid)
					if err != nil {
						return err
					}
					list, walkErr = s.kern.Modules(p)
				}
				if list == nil {
					return walkErr
				}
				if err := writeList(cmd, s, list, func(w io.Writer) error {
					return output.Modules(w, list.Modules)
				}, list.Skipped, list.Diags); err != nil {
					return err
				}
				return walkErr
			})
		},
	}
	cmd.Flags().Uint64Var(&pid, "pid", 0, "Process ID")
	return cmd
}

func newThreadsCommand(v *viper.Viper) *cobra.Command {
	var pid uint64
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List threads of a process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("pid") {
				return errNoPID
			}
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				p, err := s.kern.ProcessByPID(pid)
				if err != nil {
					return err
				}
				list, walkErr := s.kern.Threads(p)
				if list == nil {
					return walkErr
				}
				if err := writeList(cmd, s, list, func(w io.Writer) error {
					return output.Threads(w, list.Threads)
				}, list.Skipped, list.Diags); err != nil {
					return err
				}
				return walkErr
			})
		},
	}
	cmd.Flags().Uint64Var(&pid, "pid", 0, "Process ID")
	return cmd
}

// writeList writes a walk result as JSON or as a table followed by its
// diagnostics on stderr.
func writeList(cmd *cobra.Command, s *session, v any, table func(io.Writer) error, skipped int, diags []ntfmt.Diag) error {
	asJSON, err := s.structured()
	if err != nil {
		return err
	}
	if asJSON {
		return output.WriteJSON(cmd.OutOrStdout(), v)
	}
	if err := table(cmd.OutOrStdout()); err != nil {
		return err
	}
	output.Diags(cmd.ErrOrStderr(), skipped, diags)
	return nil
}
