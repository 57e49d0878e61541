// Package vat translates virtual addresses to physical addresses by walking
// the x86 family page tables through a physical-memory reader.
//
// Translation is pure: it reads the paging structures on every call and
// keeps no state, so two translations of the same address over unchanged
// memory agree.
package vat

import (
	"errors"
	"fmt"

	"ntwalk/internal/offsets"
	"ntwalk/internal/phys"
)

var (
	ErrInvalidPagingBase = errors.New("vat: invalid paging base")
	ErrPageNotPresent    = errors.New("vat: page not present")
	ErrNonCanonical      = errors.New("vat: non-canonical address")
	ErrUnsupportedArch   = errors.New("vat: unsupported architecture")
)

// Paging levels, numbered from the leaf up as in the processor manuals.
const (
	LevelPTE  = 1
	LevelPDE  = 2
	LevelPDPT = 3
	LevelPML4 = 4
)

// Page sizes a translation can end on.
const (
	Size4K = 0x1000
	Size2M = 0x200000
	Size4M = 0x400000
	Size1G = 0x40000000
)

// PageNotPresentError reports the level at which a walk stopped.
type PageNotPresentError struct {
	Level int
	VA    uint64
	Entry PTE
}

func (e *PageNotPresentError) Error() string {
	return fmt.Sprintf("vat: page not present at level %d for va 0x%x", e.Level, e.VA)
}

func (e *PageNotPresentError) Is(target error) bool { return target == ErrPageNotPresent }

// Skip returns the size of the virtual range covered by the missing entry.
// Range scans advance by this much past an unmapped address.
func (e *PageNotPresentError) Skip() uint64 {
	return levelSpan(e.Level)
}

func levelSpan(level int) uint64 {
	switch level {
	case LevelPTE:
		return Size4K
	case LevelPDE:
		return Size2M
	case LevelPDPT:
		return Size1G
	case LevelPML4:
		return 1 << 39
	}
	return Size4K
}

// Mapping is the result of a successful walk.
type Mapping struct {
	Phys     uint64
	PageSize uint64
	Writable bool
	User     bool
}

// Translate returns the physical address mapped at va under dtb.
func Translate(r phys.Reader, arch offsets.Arch, dtb, va uint64) (uint64, error) {
	m, err := Walk(r, arch, dtb, va)
	if err != nil {
		return 0, err
	}
	return m.Phys, nil
}

// Walk translates va and reports the page it landed in.
func Walk(r phys.Reader, arch offsets.Arch, dtb, va uint64) (Mapping, error) {
	switch arch {
	case offsets.ArchX64:
		return walkX64(r, dtb, va)
	case offsets.ArchX86PAE:
		return walkPAE(r, dtb, va)
	case offsets.ArchX86:
		return walkX86(r, dtb, va)
	}
	return Mapping{}, fmt.Errorf("%w: %s", ErrUnsupportedArch, arch)
}

// Canonical reports whether va is a canonical 48-bit address.
func Canonical(va uint64) bool {
	top := va >> 47
	return top == 0 || top == 0x1ffff
}

func walkX64(r phys.Reader, dtb, va uint64) (Mapping, error) {
	base := dtb & frameMask64
	if base == 0 {
		return Mapping{}, ErrInvalidPagingBase
	}
	if !Canonical(va) {
		return Mapping{}, fmt.Errorf("%w: 0x%x", ErrNonCanonical, va)
	}
	table := base
	writable, user := true, true
	for level := LevelPML4; level >= LevelPTE; level-- {
		shift := 12 + 9*uint(level-1)
		idx := (va >> shift) & 0x1ff
		e, err := readEntry64(r, table+idx*8)
		if err != nil {
			return Mapping{}, err
		}
		if !e.Present() {
			return Mapping{}, &PageNotPresentError{Level: level, VA: va, Entry: e}
		}
		writable = writable && e.Writable()
		user = user && e.User()
		if e.Large() && (level == LevelPDPT || level == LevelPDE) {
			size := uint64(1) << shift
			frame := e.Frame() &^ (size - 1)
			return Mapping{Phys: frame | va&(size-1), PageSize: size, Writable: writable, User: user}, nil
		}
		table = e.Frame()
	}
	return Mapping{Phys: table | va&0xfff, PageSize: Size4K, Writable: writable, User: user}, nil
}

func walkPAE(r phys.Reader, dtb, va uint64) (Mapping, error) {
	// CR3 holds a 32-byte aligned PDPT address under PAE.
	base := dtb & 0xffffffe0
	if base == 0 {
		return Mapping{}, ErrInvalidPagingBase
	}
	va &= 0xffffffff
	pdpte, err := readEntry64(r, base+(va>>30)*8)
	if err != nil {
		return Mapping{}, err
	}
	if !pdpte.Present() {
		return Mapping{}, &PageNotPresentError{Level: LevelPDPT, VA: va, Entry: pdpte}
	}
	pde, err := readEntry64(r, pdpte.Frame()+((va>>21)&0x1ff)*8)
	if err != nil {
		return Mapping{}, err
	}
	if !pde.Present() {
		return Mapping{}, &PageNotPresentError{Level: LevelPDE, VA: va, Entry: pde}
	}
	if pde.Large() {
		return Mapping{
			Phys:     pde.Frame()&^(Size2M-1) | va&(Size2M-1),
			PageSize: Size2M,
			Writable: pde.Writable(),
			User:     pde.User(),
		}, nil
	}
	pte, err := readEntry64(r, pde.Frame()+((va>>12)&0x1ff)*8)
	if err != nil {
		return Mapping{}, err
	}
	if !pte.Present() {
		return Mapping{}, &PageNotPresentError{Level: LevelPTE, VA: va, Entry: pte}
	}
	return Mapping{
		Phys:     pte.Frame() | va&0xfff,
		PageSize: Size4K,
		Writable: pde.Writable() && pte.Writable(),
		User:     pde.User() && pte.User(),
	}, nil
}

func walkX86(r phys.Reader, dtb, va uint64) (Mapping, error) {
	base := dtb & 0xfffff000
	if base == 0 {
		return Mapping{}, ErrInvalidPagingBase
	}
	va &= 0xffffffff
	pde, err := readEntry32(r, base+(va>>22)*4)
	if err != nil {
		return Mapping{}, err
	}
	if !pde.Present() {
		return Mapping{}, &PageNotPresentError{Level: LevelPDE, VA: va, Entry: pde}
	}
	if pde.Large() {
		// PSE-36 keeps physical bits 32..39 in entry bits 13..20.
		hi := (uint64(pde) >> 13) & 0xff
		frame := uint64(pde)&0xffc00000 | hi<<32
		return Mapping{Phys: frame | va&(Size4M-1), PageSize: Size4M, Writable: pde.Writable(), User: pde.User()}, nil
	}
	pte, err := readEntry32(r, uint64(pde)&0xfffff000+((va>>12)&0x3ff)*4)
	if err != nil {
		return Mapping{}, err
	}
	if !pte.Present() {
		return Mapping{}, &PageNotPresentError{Level: LevelPTE, VA: va, Entry: pte}
	}
	return Mapping{
		Phys:     uint64(pte)&0xfffff000 | va&0xfff,
		PageSize: Size4K,
		Writable: pde.Writable() && pte.Writable(),
		User:     pde.User() && pte.User(),
	}, nil
}

func readEntry64(r phys.Reader, addr uint64) (PTE, error) {
	v, err := phys.ReadUint64(r, addr)
	return PTE(v), err
}

func readEntry32(r phys.Reader, addr uint64) (PTE, error) {
	v, err := phys.ReadUint32(r, addr)
	return PTE(v), err
}
