// Package sigscan matches byte signatures with wildcards against code
// windows and derives structure offsets from the matched instructions.
package sigscan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"

	"ntwalk/internal/disasm"
)

var (
	ErrSignatureNotFound = errors.New("sigscan: signature not found")
	ErrBadPattern        = errors.New("sigscan: malformed pattern")
	ErrImplausible       = errors.New("sigscan: implausible value")
)

// AdjustKind selects how a field value is derived from a match.
type AdjustKind int

const (
	Disp32 AdjustKind = iota // signed 32-bit displacement at At
	Disp8                    // unsigned 8-bit displacement at At
	Decode                   // decode the instruction at At and take its memory displacement
)

// Adjust derives the field value from a match. Add is applied last; it maps
// an accessor's displacement to the start of the field the table records,
// e.g. -8 for CLIENT_ID::UniqueThread back to the CLIENT_ID.
type Adjust struct {
	Kind AdjustKind
	At   int
	Add  int64
	Bits int // for Decode: 32 or 64
}

// Pattern is a byte signature with wildcards.
type Pattern struct {
	Name     string
	Priority int // lower is tried first at each position
	Adjust   Adjust
	Min, Max uint32 // plausible value range, inclusive; Max 0 = no bound

	bytes []byte
	mask  []bool // true = byte must match
}

// Parse builds a Pattern from text such as "48 8B 81 ?? ?? ?? ?? C3".
func Parse(name, text string) (Pattern, error) {
	p := Pattern{Name: name}
	for _, tok := range strings.Fields(text) {
		if tok == "?" || tok == "??" {
			p.bytes = append(p.bytes, 0)
			p.mask = append(p.mask, false)
			continue
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil || len(tok) != 2 {
			return Pattern{}, fmt.Errorf("%w: %q token %q", ErrBadPattern, text, tok)
		}
		p.bytes = append(p.bytes, byte(v))
		p.mask = append(p.mask, true)
	}
	if len(p.bytes) == 0 {
		return Pattern{}, fmt.Errorf("%w: empty", ErrBadPattern)
	}
	if !p.mask[0] {
		return Pattern{}, fmt.Errorf("%w: %q starts with a wildcard", ErrBadPattern, text)
	}
	return p, nil
}

// MustParse is Parse for static catalogs.
func MustParse(name, text string) Pattern {
	p, err := Parse(name, text)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the pattern length in bytes.
func (p Pattern) Len() int { return len(p.bytes) }

func (p Pattern) String() string {
	parts := make([]string, len(p.bytes))
	for i, b := range p.bytes {
		if p.mask[i] {
			parts[i] = fmt.Sprintf("%02X", b)
		} else {
			parts[i] = "??"
		}
	}
	return strings.Join(parts, " ")
}

// MatchAt reports whether the pattern matches window at off.
func (p Pattern) MatchAt(window []byte, off int) bool {
	if off < 0 || off+len(p.bytes) > len(window) {
		return false
	}
	for i, b := range p.bytes {
		if p.mask[i] && window[off+i] != b {
			return false
		}
	}
	return true
}

// With returns a copy with the adjustment, bounds and priority set.
func (p Pattern) With(adj Adjust, min, max uint32, priority int) Pattern {
	p.Adjust = adj
	p.Min, p.Max = min, max
	p.Priority = priority
	return p
}

// PatternSet is an ordered set of patterns.
type PatternSet []Pattern

// NewSet orders patterns by priority, keeping input order among equals.
func NewSet(ps ...Pattern) PatternSet {
	s := append(PatternSet(nil), ps...)
	sort.SliceStable(s, func(i, j int) bool { return s[i].Priority < s[j].Priority })
	return s
}

// Match is one pattern hit.
type Match struct {
	Pattern Pattern
	Offset  int
}

// Scan yields matches in ascending offset; at each offset patterns are tried
// in set order and every matching pattern is yielded. The sequence is
// finite and can be ranged over any number of times.
func Scan(window []byte, set PatternSet) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		for off := range window {
			for _, p := range set {
				if p.MatchAt(window, off) {
					if !yield(Match{Pattern: p, Offset: off}) {
						return
					}
				}
			}
		}
	}
}

// First returns the first match of Scan.
func First(window []byte, set PatternSet) (Match, error) {
	for m := range Scan(window, set) {
		return m, nil
	}
	return Match{}, ErrSignatureNotFound
}

// Value applies the pattern's adjustment to the matched bytes.
func (m Match) Value(window []byte) (uint32, error) {
	adj := m.Pattern.Adjust
	at := m.Offset + adj.At
	var v int64
	switch adj.Kind {
	case Disp32:
		if at < 0 || at+4 > len(window) {
			return 0, fmt.Errorf("%w: displacement outside window", ErrBadPattern)
		}
		v = int64(int32(binary.LittleEndian.Uint32(window[at:])))
	case Disp8:
		if at < 0 || at >= len(window) {
			return 0, fmt.Errorf("%w: displacement outside window", ErrBadPattern)
		}
		v = int64(window[at])
	case Decode:
		if at < 0 || at >= len(window) {
			return 0, fmt.Errorf("%w: decode outside window", ErrBadPattern)
		}
		acc, ok := disasm.FirstDisplacement(window[at:], adj.Bits)
		if !ok {
			return 0, fmt.Errorf("%w: no field access at +%d", ErrSignatureNotFound, at)
		}
		v = acc.Disp
	default:
		return 0, fmt.Errorf("%w: adjust kind %d", ErrBadPattern, adj.Kind)
	}
	v += adj.Add
	if v < 0 || v > 0xffffffff {
		return 0, fmt.Errorf("%w: %s derived %d", ErrImplausible, m.Pattern.Name, v)
	}
	return uint32(v), nil
}

// Plausible reports whether v lies in the pattern's declared range.
func (m Match) Plausible(v uint32) bool {
	if v < m.Pattern.Min {
		return false
	}
	return m.Pattern.Max == 0 || v <= m.Pattern.Max
}

// Resolve returns the first plausible value in window. Matches whose value
// cannot be derived or is out of range are skipped.
func Resolve(window []byte, set PatternSet) (uint32, Match, error) {
	for m := range Scan(window, set) {
		v, err := m.Value(window)
		if err != nil || !m.Plausible(v) {
			continue
		}
		return v, m, nil
	}
	return 0, Match{}, ErrSignatureNotFound
}
