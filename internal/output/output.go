// Package output renders walk results as JSON, TOML, text tables,
// disassembly listings and Graphviz process trees.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"ntwalk/internal/disasm"
)

// Format selects an encoding for structured output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// ParseFormat maps a flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, FormatTOML:
		return Format(s), nil
	}
	return "", fmt.Errorf("output: unknown format %q", s)
}

// WriteJSON encodes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode json: %w", err)
	}
	return nil
}

// WriteTOML encodes v as TOML.
func WriteTOML(w io.Writer, v any) error {
	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode toml: %w", err)
	}
	return nil
}

// Write encodes v in f. FormatText falls back to JSON for values without a
// text form.
func Write(w io.Writer, f Format, v any) error {
	if f == FormatTOML {
		return WriteTOML(w, v)
	}
	return WriteJSON(w, v)
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}

// WriteASM writes a disassembly listing.
func WriteASM(w io.Writer, insts []disasm.Inst, lookup disasm.SymbolLookup, annotators ...disasm.Annotator) error {
	_, err := io.WriteString(w, disasm.Format(insts, lookup, annotators...))
	return err
}
