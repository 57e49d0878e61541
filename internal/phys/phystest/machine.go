// Package phystest builds synthetic physical memory images for tests: x64
// page tables, a minimal PE kernel and the kernel objects a walker reads.
package phystest

import (
	"encoding/binary"
	"fmt"
	"os"

	"ntwalk/internal/phys"
)

const (
	pageSize = phys.PageSize

	flagPresent  = 1 << 0
	flagWritable = 1 << 1
	flagUser     = 1 << 2
	flagLarge    = 1 << 7

	frameMask = 0x000ffffffffff000

	// FirstFrame is where the frame allocator starts, above the low 1 MiB
	// the start-block scan covers.
	FirstFrame = 0x100000
)

// Machine owns a sparse physical memory and a bump frame allocator.
type Machine struct {
	Mem  *phys.Memory
	next uint64
}

// NewMachine returns a machine with limit bytes of physical memory.
func NewMachine(limit uint64) *Machine {
	return &Machine{Mem: phys.NewMemory(limit), next: FirstFrame}
}

// Alloc returns n contiguous zeroed frames.
func (m *Machine) Alloc(n int) uint64 {
	pa := m.next
	m.next += uint64(n) * pageSize
	if m.next > m.Mem.Limit() {
		panic(fmt.Sprintf("phystest: out of physical memory at 0x%x", m.next))
	}
	return pa
}

// AllocAligned returns n contiguous frames starting on an align boundary.
func (m *Machine) AllocAligned(n int, align uint64) uint64 {
	m.next = (m.next + align - 1) &^ (align - 1)
	return m.Alloc(n)
}

// PutPhys writes data at a physical address.
func (m *Machine) PutPhys(pa uint64, data []byte) {
	if err := m.Mem.WritePhys(pa, data); err != nil {
		panic(err)
	}
}

// PutPhys64 writes a little-endian uint64 at a physical address.
func (m *Machine) PutPhys64(pa, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.PutPhys(pa, b[:])
}

// PutPhys32 writes a little-endian uint32 at a physical address.
func (m *Machine) PutPhys32(pa uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.PutPhys(pa, b[:])
}

func (m *Machine) phys64(pa uint64) uint64 {
	var b [8]byte
	if err := m.Mem.ReadPhys(pa, b[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

// WriteImage saves the allocated physical memory as a raw image file, the
// form phys.OpenFile reads.
func (m *Machine) WriteImage(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	page := make([]byte, pageSize)
	for pa := uint64(0); pa < m.next; pa += pageSize {
		if err := m.Mem.ReadPhys(pa, page); err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(page); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// WriteLowStub writes an x64 low stub at physical 0x1000 that points at
// the given kernel entry hint and PML4.
func (m *Machine) WriteLowStub(kernelHint, pml4 uint64) {
	m.PutPhys64(0x1000, 0x00000001000600E9)
	m.PutPhys64(0x1000+0x70, kernelHint)
	m.PutPhys64(0x1000+0xa0, pml4)
}

// Space is one x64 address space rooted at a PML4.
type Space struct {
	m   *Machine
	DTB uint64
}

// NewSpace allocates an empty PML4.
func (m *Machine) NewSpace() *Space {
	return &Space{m: m, DTB: m.Alloc(1)}
}

// Fork returns a new address space sharing the kernel half of s.
func (s *Space) Fork() *Space {
	f := s.m.NewSpace()
	for i := uint64(256); i < 512; i++ {
		if e := s.m.phys64(s.DTB + i*8); e != 0 {
			s.m.PutPhys64(f.DTB+i*8, e)
		}
	}
	return f
}

// Machine returns the owning machine.
func (s *Space) Machine() *Machine { return s.m }

func (s *Space) table(parent, idx uint64, user bool) uint64 {
	e := s.m.phys64(parent + idx*8)
	if e&flagPresent != 0 {
		if e&flagLarge != 0 {
			panic("phystest: mapping below a large page")
		}
		return e & frameMask
	}
	t := s.m.Alloc(1)
	flags := uint64(flagPresent | flagWritable)
	if user {
		flags |= flagUser
	}
	s.m.PutPhys64(parent+idx*8, t|flags)
	return t
}

func index(va uint64, level int) uint64 {
	return (va >> (12 + 9*uint(level-1))) & 0x1ff
}

// Map maps one 4 KiB page.
func (s *Space) Map(va, pa uint64) {
	user := va < 1<<47
	t := s.DTB
	for level := 4; level > 1; level-- {
		t = s.table(t, index(va, level), user)
	}
	flags := uint64(flagPresent | flagWritable)
	if user {
		flags |= flagUser
	}
	s.m.PutPhys64(t+index(va, 1)*8, pa&frameMask|flags)
}

// MapLarge maps one 2 MiB page.
func (s *Space) MapLarge(va, pa uint64) {
	t := s.table(s.DTB, index(va, 4), false)
	t = s.table(t, index(va, 3), false)
	s.m.PutPhys64(t+index(va, 2)*8, pa&^0x1fffff|flagPresent|flagWritable|flagLarge)
}

// MapHuge maps one 1 GiB page.
func (s *Space) MapHuge(va, pa uint64) {
	t := s.table(s.DTB, index(va, 4), false)
	s.m.PutPhys64(t+index(va, 3)*8, pa&^0x3fffffff|flagPresent|flagWritable|flagLarge)
}

// Unmap clears the leaf entry of a 4 KiB mapping.
func (s *Space) Unmap(va uint64) {
	t := s.DTB
	for level := 4; level > 1; level-- {
		e := s.m.phys64(t + index(va, level)*8)
		if e&flagPresent == 0 {
			return
		}
		t = e & frameMask
	}
	s.m.PutPhys64(t+index(va, 1)*8, 0)
}

// Alloc maps size bytes at va onto fresh contiguous frames and returns the
// first frame.
func (s *Space) Alloc(va, size uint64) uint64 {
	n := (size + pageSize - 1) / pageSize
	pa := s.m.Alloc(int(n))
	for i := uint64(0); i < n; i++ {
		s.Map(va+i*pageSize, pa+i*pageSize)
	}
	return pa
}

// Phys translates va, panicking when unmapped.
func (s *Space) Phys(va uint64) uint64 {
	t := s.DTB
	for level := 4; level >= 1; level-- {
		e := s.m.phys64(t + index(va, level)*8)
		if e&flagPresent == 0 {
			panic(fmt.Sprintf("phystest: va 0x%x not mapped", va))
		}
		if level > 1 && e&flagLarge != 0 {
			size := uint64(1) << (12 + 9*uint(level-1))
			return e&frameMask&^(size-1) | va&(size-1)
		}
		t = e & frameMask
	}
	return t | va&0xfff
}

// Put writes data at va, page by page.
func (s *Space) Put(va uint64, data []byte) {
	for len(data) > 0 {
		n := int(pageSize - va&(pageSize-1))
		if n > len(data) {
			n = len(data)
		}
		s.m.PutPhys(s.Phys(va), data[:n])
		va += uint64(n)
		data = data[n:]
	}
}

// Put64 writes a little-endian uint64 at va.
func (s *Space) Put64(va, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	s.Put(va, b[:])
}

// Put32 writes a little-endian uint32 at va.
func (s *Space) Put32(va uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	s.Put(va, b[:])
}

// Put16 writes a little-endian uint16 at va.
func (s *Space) Put16(va uint64, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	s.Put(va, b[:])
}
