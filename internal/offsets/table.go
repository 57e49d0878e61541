package offsets

import (
	"fmt"
	"sort"
)

// Source records which resolution step produced a field.
type Source string

const (
	SourceArch      Source = "arch"
	SourceDatabase  Source = "database"
	SourceSymbols   Source = "symbols"
	SourceSignature Source = "signature"
)

// Value is one resolved field.
type Value struct {
	Offset uint32
	Source Source
}

// Table maps field names to byte offsets for one kernel build. A Table is
// immutable once built and safe to share between goroutines.
type Table struct {
	arch   Arch
	fields map[string]Value
}

// Arch returns the architecture the offsets apply to.
func (t *Table) Arch() Arch { return t.arch }

// PointerSize returns the kernel pointer width in bytes.
func (t *Table) PointerSize() int { return t.arch.PointerSize() }

// Lookup returns the offset of name.
func (t *Table) Lookup(name string) (uint32, bool) {
	v, ok := t.fields[name]
	return v.Offset, ok
}

// Get returns the offset of name as a uint64 for address arithmetic, or 0
// when the field is absent. Callers check Has or Missing first.
func (t *Table) Get(name string) uint64 {
	return uint64(t.fields[name].Offset)
}

// Source returns the source of name, or "" when absent.
func (t *Table) Source(name string) Source {
	return t.fields[name].Source
}

// Has reports whether every name is present.
func (t *Table) Has(names ...string) bool {
	return len(t.Missing(names)) == 0
}

// Missing returns the names not present in the table, in input order.
func (t *Table) Missing(names []string) []string {
	var out []string
	for _, n := range names {
		if _, ok := t.fields[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of fields.
func (t *Table) Len() int { return len(t.fields) }

// Names returns the field names in sorted order.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.fields))
	for n := range t.fields {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Fields returns a copy of the name to offset mapping.
func (t *Table) Fields() map[string]uint32 {
	out := make(map[string]uint32, len(t.fields))
	for n, v := range t.fields {
		out[n] = v.Offset
	}
	return out
}

// KernelFields returns a copy of the fields that came from a resolution
// source rather than the per-arch constants.
func (t *Table) KernelFields() map[string]uint32 {
	out := make(map[string]uint32)
	for n, v := range t.fields {
		if v.Source != SourceArch {
			out[n] = v.Offset
		}
	}
	return out
}

func (t *Table) String() string {
	return fmt.Sprintf("offsets(%s, %d fields)", t.arch, len(t.fields))
}

// Builder accumulates fields before a Table is frozen.
type Builder struct {
	arch   Arch
	fields map[string]Value
}

// NewBuilder returns a Builder seeded with the user-mode constants of arch.
func NewBuilder(arch Arch) *Builder {
	b := &Builder{arch: arch, fields: make(map[string]Value)}
	for n, off := range archConstants(arch) {
		b.fields[n] = Value{Offset: off, Source: SourceArch}
	}
	return b
}

// Arch returns the builder's architecture.
func (b *Builder) Arch() Arch { return b.arch }

// Set stores name unconditionally.
func (b *Builder) Set(name string, off uint32, src Source) {
	b.fields[name] = Value{Offset: off, Source: src}
}

// Fill stores name only when it is not yet present and reports whether it
// did. Earlier sources win.
func (b *Builder) Fill(name string, off uint32, src Source) bool {
	if _, ok := b.fields[name]; ok {
		return false
	}
	b.fields[name] = Value{Offset: off, Source: src}
	return true
}

// Has reports whether name is present.
func (b *Builder) Has(name string) bool {
	_, ok := b.fields[name]
	return ok
}

// Lookup returns the offset of name.
func (b *Builder) Lookup(name string) (uint32, bool) {
	v, ok := b.fields[name]
	return v.Offset, ok
}

// Missing returns the names not yet present, in input order.
func (b *Builder) Missing(names []string) []string {
	var out []string
	for _, n := range names {
		if !b.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

// Build freezes the current fields into a Table. The builder stays usable.
func (b *Builder) Build() *Table {
	m := make(map[string]Value, len(b.fields))
	for n, v := range b.fields {
		m[n] = v
	}
	return &Table{arch: b.arch, fields: m}
}
