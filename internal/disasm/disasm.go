// Package disasm provides x86 and x64 disassembly of kernel accessor
// functions.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Inst is a decoded instruction with address and raw bytes.
type Inst struct {
	Addr  uint64
	Bytes []byte
	Size  int
	Text  string // Intel syntax; ".byte 0x.." when undecodable
	Valid bool
	Inst  x86asm.Inst
}

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Options controls disassembly behavior.
type Options struct {
	BaseAddr uint64 // VA of the first byte in Data
	Bits     int    // 32 or 64; 0 = 64
	MaxSteps int    // maximum instructions to decode; 0 = 4096
	// StopAtRet ends decoding after the first RET.
	StopAtRet bool
}

const defaultMaxSteps = 4096

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

func (o Options) bits() int {
	if o.Bits == 32 {
		return 32
	}
	return 64
}

// Disassemble decodes instructions from a byte region. An undecodable
// byte is emitted as a one-byte invalid Inst and decoding resumes after it.
func Disassemble(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	var result []Inst
	for off := 0; off < len(data) && len(result) < maxSteps; {
		addr := opts.BaseAddr + uint64(off)
		inst, err := x86asm.Decode(data[off:], opts.bits())
		// Prefixes cut off before an opcode decode with Op 0.
		if err != nil || inst.Len == 0 || inst.Op == 0 {
			result = append(result, Inst{
				Addr:  addr,
				Bytes: data[off : off+1],
				Size:  1,
				Text:  fmt.Sprintf(".byte 0x%02x", data[off]),
			})
			off++
			continue
		}
		result = append(result, Inst{
			Addr:  addr,
			Bytes: data[off : off+inst.Len],
			Size:  inst.Len,
			Text:  x86asm.IntelSyntax(inst, addr, nil),
			Valid: true,
			Inst:  inst,
		})
		off += inst.Len
		if opts.StopAtRet && inst.Op == x86asm.RET {
			break
		}
	}
	return result
}

// Format renders a slice of instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
// Annotators are checked in order; first non-empty result is used.
func Format(insts []Inst, lookup SymbolLookup, annotators ...Annotator) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%016x  ", inst.Addr)
		hex := make([]string, len(inst.Bytes))
		for i, c := range inst.Bytes {
			hex[i] = fmt.Sprintf("%02x", c)
		}
		fmt.Fprintf(&b, "%-30s  ", strings.Join(hex, " "))
		b.WriteString(inst.Text)
		commented := false
		if lookup != nil {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "  ; <%s>", name)
				commented = true
			}
		}
		if !commented {
			for _, ann := range annotators {
				if s := ann(inst); s != "" {
					fmt.Fprintf(&b, "  ; %s", s)
					break
				}
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// PlaceholderLookup returns a SymbolLookup over a fixed address → name map.
func PlaceholderLookup(entryPoints map[uint64]string) SymbolLookup {
	return func(addr uint64) (string, bool) {
		if name, ok := entryPoints[addr]; ok {
			return name, true
		}
		return "", false
	}
}
