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
	"ntwalk/internal/offsets"
	"ntwalk/internal/output"
)

// entryHeader keys a database entry by the build's PDB identity.
func entryHeader(b kernel.BuildID) (offsets.Header, error) {
	if !b.HasSymbols() {
		return offsets.Header{}, errors.New("kernel has no CodeView record to key a database entry")
	}
	return offsets.Header{
		PDBFileName:    b.PDBName,
		PDBGUID:        b.GUIDAge,
		NtMajorVersion: b.Major,
		NtMinorVersion: b.Minor,
		NtBuildNumber:  b.BuildNumber,
		Arch:           b.Arch,
	}, nil
}

func newOffsetsCommand(v *viper.Viper) *cobra.Command {
	var (
		asTOML bool
		out    string
	)
	cmd := &cobra.Command{
		Use:   "offsets",
		Short: "Show resolved offsets, or emit them as a database entry",
		Long: `Show the resolved structure offsets of the kernel in the image.

With --toml the offsets are written as an offsets database entry that can be
dropped into an --offsets-dir to skip resolution next time.

Examples:
  ntwalk --dump mem.raw offsets
  ntwalk --dump mem.raw offsets --toml --out ~/.ntwalk/offsets/build.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				t := s.kern.Offsets()
				if !asTOML && s.format != output.FormatTOML {
					if s.format == output.FormatJSON {
						return output.WriteJSON(cmd.OutOrStdout(), t.Fields())
					}
					return writeTable(cmd.OutOrStdout(), t)
				}
				h, err := entryHeader(s.kern.Build())
				if err != nil {
					return err
				}
				data, err := offsets.Encode(h, t)
				if err != nil {
					return err
				}
				if out != "" {
					return output.WriteFile(out, data)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&asTOML, "toml", false, "Emit an offsets database entry")
	cmd.Flags().StringVar(&out, "out", "", "Write the entry to a file instead of stdout")
	return cmd
}

func writeTable(w io.Writer, t *offsets.Table) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "FIELD\tOFFSET\tSOURCE\n")
	for _, name := range t.Names() {
		off, _ := t.Lookup(name)
		fmt.Fprintf(tw, "%s\t0x%x\t%s\n", name, off, t.Source(name))
	}
	return tw.Flush()
}

func newDBCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect the offsets database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known kernel builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := offsets.Load(v.GetStringSlice("offsets-dir")...)
			if err != nil {
				return err
			}
			format, err := output.ParseFormat(v.GetString("format"))
			if err != nil {
				return err
			}
			entries := db.All()
			if format != output.FormatText {
				headers := make([]offsets.Header, len(entries))
				for i, e := range entries {
					headers[i] = e.Header
				}
				return output.Write(cmd.OutOrStdout(), format, map[string][]offsets.Header{"builds": headers})
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "KEY\tVERSION\tARCH\tORIGIN\n")
			for _, e := range entries {
				h := e.Header
				fmt.Fprintf(tw, "%s\t%d.%d.%d\t%s\t%s\n", e.Key(), h.NtMajorVersion, h.NtMinorVersion, h.NtBuildNumber, h.Arch, e.Origin)
			}
			return tw.Flush()
		},
	})
	return cmd
}
