package vat

import (
	"encoding/binary"
	"fmt"

	"ntwalk/internal/offsets"
	"ntwalk/internal/phys"
)

// Space is one virtual address space: a reader, a paging mode and a
// directory table base. It is a value; copies are independent.
type Space struct {
	Mem  phys.Reader
	Arch offsets.Arch
	DTB  uint64
}

// NewSpace returns a Space, rejecting a zero DTB up front.
func NewSpace(r phys.Reader, arch offsets.Arch, dtb uint64) (Space, error) {
	if dtb == 0 {
		return Space{}, ErrInvalidPagingBase
	}
	return Space{Mem: r, Arch: arch, DTB: dtb}, nil
}

// Translate maps va to a physical address.
func (s Space) Translate(va uint64) (uint64, error) {
	return Translate(s.Mem, s.Arch, s.DTB, va)
}

// Walk maps va and reports the page it is in.
func (s Space) Walk(va uint64) (Mapping, error) {
	return Walk(s.Mem, s.Arch, s.DTB, va)
}

// Read fills buf from va. A range crossing pages is translated page by
// page; the first failing page aborts the read.
func (s Space) Read(va uint64, buf []byte) error {
	for done := 0; done < len(buf); {
		cur := va + uint64(done)
		pa, err := s.Translate(cur)
		if err != nil {
			return err
		}
		n := chunk(cur, len(buf)-done)
		if err := phys.Read(s.Mem, pa, buf[done:done+n]); err != nil {
			return err
		}
		done += n
	}
	return nil
}

// Write stores data at va. Every page is translated before the first byte
// is written, so an unmapped page leaves memory untouched. Individual
// page writes are not atomic as a group.
func (s Space) Write(va uint64, data []byte) error {
	c, ok := s.Mem.(phys.Connector)
	if !ok {
		return phys.ErrReadOnly
	}
	type span struct {
		pa   uint64
		from int
		to   int
	}
	var spans []span
	for done := 0; done < len(data); {
		cur := va + uint64(done)
		pa, err := s.Translate(cur)
		if err != nil {
			return err
		}
		n := chunk(cur, len(data)-done)
		spans = append(spans, span{pa, done, done + n})
		done += n
	}
	for _, sp := range spans {
		if err := phys.Write(c, sp.pa, data[sp.from:sp.to]); err != nil {
			return err
		}
	}
	return nil
}

func chunk(va uint64, remaining int) int {
	n := int(Size4K - va&(Size4K-1))
	if n > remaining {
		n = remaining
	}
	return n
}

// ReadUint16 reads a little-endian uint16 at va.
func (s Space) ReadUint16(va uint64) (uint16, error) {
	var b [2]byte
	if err := s.Read(va, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

// ReadUint32 reads a little-endian uint32 at va.
func (s Space) ReadUint32(va uint64) (uint32, error) {
	var b [4]byte
	if err := s.Read(va, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadUint64 reads a little-endian uint64 at va.
func (s Space) ReadUint64(va uint64) (uint64, error) {
	var b [8]byte
	if err := s.Read(va, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadPtr reads a pointer of the space's width at va.
func (s Space) ReadPtr(va uint64) (uint64, error) {
	if s.Arch.PointerSize() == 8 {
		return s.ReadUint64(va)
	}
	v, err := s.ReadUint32(va)
	return uint64(v), err
}

// Mapped reports whether va translates.
func (s Space) Mapped(va uint64) bool {
	_, err := s.Translate(va)
	return err == nil
}

func (s Space) String() string {
	return fmt.Sprintf("space(%s dtb=0x%x)", s.Arch, s.DTB)
}
