// Command ntwalk inspects a Windows machine through its physical memory:
// it locates the kernel, resolves structure offsets for the running build
// and lists processes, modules and threads.
//
// Usage:
//
//	ntwalk --dump <physical memory image> <command> [flags]
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.3.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. Settings come from flags, then
// NTWALK_* environment variables, then the config file.
func newRootCommand() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "ntwalk",
		Short: "Walk Windows kernel structures in physical memory",
		Long: `ntwalk reads a raw physical memory image of a Windows machine.

It locates ntoskrnl, resolves the offsets of the kernel structures it needs
(offsets database, then PDB symbols, then signature scanning) and walks the
process, module and thread lists.

Examples:
  ntwalk --dump mem.raw info
  ntwalk --dump mem.raw ps --format json
  ntwalk --dump mem.raw modules --pid 812
  ntwalk --dump mem.raw read --pid 812 --va 0x7ff6a0000000 --len 64
  ntwalk --dump mem.raw offsets --toml > build.toml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v)
		},
	}

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: $HOME/.ntwalk.yaml)")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.String("dump", "", "Raw physical memory image")
	pf.Bool("writable", false, "Open the image for writing")
	pf.String("format", "text", "Output format (text, json, toml)")
	pf.Bool("strict", false, "Fail on the first corrupted list node")
	pf.Bool("stats", false, "Print resolution and traversal counters to stderr")

	pf.String("arch", "", "Kernel architecture (x86, x86pae, x64); requires --dtb")
	pf.String("dtb", "", "Kernel page table root (physical address)")
	pf.String("kernel-hint", "", "Kernel virtual address to probe downward from")
	pf.String("kernel-base", "", "Kernel image base, skips discovery")

	pf.String("symbols-url", "", "Symbol server URL")
	pf.String("symbols-cache", "", "Symbol cache directory")
	pf.Bool("no-symbols", false, "Never download PDB files")
	pf.Duration("symbol-timeout", 0, "Bound on symbol download and parsing (default 30s)")
	pf.StringSlice("offsets-dir", nil, "Extra offsets database directories")
	pf.Bool("no-signatures", false, "Disable signature scanning")

	pf.Int("max-processes", 0, "Process list bound (default 16384)")
	pf.Int("max-modules", 0, "Module list bound (default 4096)")
	pf.Int("max-threads", 0, "Thread list bound (default 65536)")

	if err := v.BindPFlags(pf); err != nil {
		panic(err)
	}

	// Environment variable binding
	v.SetEnvPrefix("NTWALK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Add subcommands
	rootCmd.AddCommand(newInfoCommand(v))
	rootCmd.AddCommand(newPsCommand(v))
	rootCmd.AddCommand(newPstreeCommand(v))
	rootCmd.AddCommand(newModulesCommand(v))
	rootCmd.AddCommand(newThreadsCommand(v))
	rootCmd.AddCommand(newReadCommand(v))
	rootCmd.AddCommand(newWriteCommand(v))
	rootCmd.AddCommand(newCmdlineCommand(v))
	rootCmd.AddCommand(newOffsetsCommand(v))
	rootCmd.AddCommand(newDBCommand(v))
	rootCmd.AddCommand(newDisasmCommand(v))

	return rootCmd
}

func loadConfig(v *viper.Viper) error {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	v.SetConfigFile(filepath.Join(home, ".ntwalk.yaml"))
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}
