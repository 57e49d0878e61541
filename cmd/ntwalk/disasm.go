package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ntwalk/internal/disasm"
	"ntwalk/internal/offsets"
	"ntwalk/internal/output"
)

const (
	maxFunctionBytes = 0x400
	callWindow       = 8 // instructions a register load stays attributed to a call
)

// fieldNames maps each resolved kernel field offset to the names sharing it.
func fieldNames(t *offsets.Table) map[int64]string {
	byOff := make(map[int64][]string)
	for name, off := range t.KernelFields() {
		byOff[int64(off)] = append(byOff[int64(off)], name)
	}
	out := make(map[int64]string, len(byOff))
	for off, names := range byOff {
		sort.Strings(names)
		out[off] = strings.Join(names, "|")
	}
	return out
}

func newDisasmCommand(v *viper.Viper) *cobra.Command {
	var (
		maxBytes int
		cfg      bool
	)
	cmd := &cobra.Command{
		Use:   "disasm <export>",
		Short: "Disassemble a kernel export, annotating resolved field accesses",
		Long: `Disassemble an exported ntoskrnl function up to its first RET.

Memory operands relative to the first argument are annotated with the
resolved field at that displacement and calls with the export they reach.
--cfg emits the control flow graph instead.

Examples:
  ntwalk --dump mem.raw disasm PsGetProcessId
  ntwalk --dump mem.raw disasm PsGetProcessImageFileName
  ntwalk --dump mem.raw disasm --cfg PsLookupProcessByProcessId | dot -Tsvg > cfg.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				img := s.kern.Info().Image
				va, err := img.Export(name)
				if err != nil {
					return err
				}
				code, err := img.Function(name, maxBytes)
				if err != nil {
					return err
				}
				bits := s.kern.Offsets().Arch().Bits()
				insts := disasm.Disassemble(code, disasm.Options{
					BaseAddr:  va,
					Bits:      bits,
					StopAtRet: true,
				})
				edges := disasm.ExtractCallEdges(insts, disasm.PlaceholderLookup(img.Symbols()), callWindow)
				w := cmd.OutOrStdout()
				if cfg {
					_, err := io.WriteString(w, output.FunctionCFGDOT(name, insts, edges))
					return err
				}
				fields := disasm.FieldAnnotator(disasm.FieldAccesses(insts, bits), fieldNames(s.kern.Offsets()))
				fmt.Fprintf(w, "%s:\n", name)
				return output.WriteASM(w, insts, nil, fields, disasm.CallAnnotator(edges))
			})
		},
	}
	cmd.Flags().IntVar(&maxBytes, "max-bytes", maxFunctionBytes, "Bytes to decode at most")
	cmd.Flags().BoolVar(&cfg, "cfg", false, "Emit the control flow graph as Graphviz DOT")
	return cmd
}
