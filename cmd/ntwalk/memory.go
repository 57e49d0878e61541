package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ntwalk/internal/output"
)

const maxReadLen = 16 << 20

func newReadCommand(v *viper.Viper) *cobra.Command {
	var (
		pid    uint64
		va     string
		length int
		raw    bool
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read virtual memory of a process",
		Long: `Read virtual memory of a process and print a hex dump.

Examples:
  ntwalk --dump mem.raw read --pid 812 --va 0x7ff6a0000000 --len 64
  ntwalk --dump mem.raw read --pid 4 --va 0xfffff8000be00000 --len 4096 --raw > page.bin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("pid") {
				return errNoPID
			}
			addr, err := parseAddr(va)
			if err != nil {
				return err
			}
			if length <= 0 || length > maxReadLen {
				return fmt.Errorf("--len must be between 1 and %d", maxReadLen)
			}
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				p, err := s.kern.ProcessByPID(pid)
				if err != nil {
					return err
				}
				buf := make([]byte, length)
				if err := s.kern.ReadVirtual(p, addr, buf); err != nil {
					return err
				}
				if raw {
					_, err = cmd.OutOrStdout().Write(buf)
					return err
				}
				d := hex.Dumper(cmd.OutOrStdout())
				if _, err := d.Write(buf); err != nil {
					return err
				}
				return d.Close()
			})
		},
	}
	cmd.Flags().Uint64Var(&pid, "pid", 0, "Process ID")
	cmd.Flags().StringVar(&va, "va", "", "Virtual address")
	cmd.Flags().IntVar(&length, "len", 256, "Number of bytes")
	cmd.Flags().BoolVar(&raw, "raw", false, "Write raw bytes instead of a hex dump")
	return cmd
}

func newWriteCommand(v *viper.Viper) *cobra.Command {
	var (
		pid  uint64
		va   string
		data string
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write virtual memory of a process (requires --writable)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("pid") {
				return errNoPID
			}
			if !v.GetBool("writable") {
				return errors.New("write needs --writable")
			}
			addr, err := parseAddr(va)
			if err != nil {
				return err
			}
			buf, err := hex.DecodeString(strings.Join(strings.Fields(data), ""))
			if err != nil {
				return fmt.Errorf("invalid --hex: %w", err)
			}
			if len(buf) == 0 {
				return errors.New("--hex is empty")
			}
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				p, err := s.kern.ProcessByPID(pid)
				if err != nil {
					return err
				}
				if err := s.kern.WriteVirtual(p, addr, buf); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes at 0x%x in pid %d\n", len(buf), addr, pid)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&pid, "pid", 0, "Process ID")
	cmd.Flags().StringVar(&va, "va", "", "Virtual address")
	cmd.Flags().StringVar(&data, "hex", "", "Bytes to write, hex encoded")
	return cmd
}

func newCmdlineCommand(v *viper.Viper) *cobra.Command {
	var pid uint64
	cmd := &cobra.Command{
		Use:   "cmdline",
		Short: "Show the image path and command line of a process",
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
				params, err := s.kern.ProcessParameters(p)
				if err != nil {
					return err
				}
				asJSON, err := s.structured()
				if err != nil {
					return err
				}
				if asJSON {
					return output.WriteJSON(cmd.OutOrStdout(), params)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "image:   %s\ncommand: %s\n", params.ImagePath, params.CommandLine)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&pid, "pid", 0, "Process ID")
	return cmd
}
