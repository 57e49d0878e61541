package vat

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntwalk/internal/offsets"
	"ntwalk/internal/phys"
	"ntwalk/internal/phys/phystest"
)

func TestTranslateX64(t *testing.T) {
	m := phystest.NewMachine(64 << 20)
	s := m.NewSpace()
	s.Map(0xfffff80000001000, 0x345000)
	s.MapLarge(0xfffff80000400000, 0x1200000)
	s.MapHuge(0xffffd00000000000, 0x40000000)
	s.Map(0x7ffe0000, 0x346000)

	tests := []struct {
		name string
		va   uint64
		pa   uint64
		size uint64
	}{
		{"4k", 0xfffff80000001234, 0x345234, Size4K},
		{"2m", 0xfffff800004abcde, 0x12abcde, Size2M},
		{"1g", 0xffffd00000123456, 0x40123456, Size1G},
		{"user", 0x7ffe0010, 0x346010, Size4K},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mp, err := Walk(m.Mem, offsets.ArchX64, s.DTB, tc.va)
			require.NoError(t, err)
			assert.Equal(t, tc.pa, mp.Phys)
			assert.Equal(t, tc.size, mp.PageSize)

			// Translation reads the same tables every time.
			again, err := Translate(m.Mem, offsets.ArchX64, s.DTB, tc.va)
			require.NoError(t, err)
			assert.Equal(t, mp.Phys, again)
		})
	}
}

func TestTranslateNotPresentLevel(t *testing.T) {
	m := phystest.NewMachine(64 << 20)
	s := m.NewSpace()
	s.Map(0xfffff80000001000, 0x345000)

	tests := []struct {
		name  string
		va    uint64
		level int
	}{
		{"pml4", 0xffff900000000000, LevelPML4},
		{"pdpt", 0xfffff80100000000, LevelPDPT},
		{"pde", 0xfffff80000400000, LevelPDE},
		{"pte", 0xfffff80000002000, LevelPTE},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Translate(m.Mem, offsets.ArchX64, s.DTB, tc.va)
			require.ErrorIs(t, err, ErrPageNotPresent)
			var pnp *PageNotPresentError
			require.True(t, errors.As(err, &pnp))
			assert.Equal(t, tc.level, pnp.Level)
			assert.Equal(t, tc.va, pnp.VA)
			assert.Equal(t, levelSpan(tc.level), pnp.Skip())
		})
	}
}

func TestTranslateZeroDTB(t *testing.T) {
	m := phys.NewMemory(1 << 20)
	for _, arch := range []offsets.Arch{offsets.ArchX64, offsets.ArchX86, offsets.ArchX86PAE} {
		_, err := Translate(m, arch, 0, 0x1000)
		assert.ErrorIs(t, err, ErrInvalidPagingBase, arch.String())
	}
	_, err := NewSpace(m, offsets.ArchX64, 0)
	assert.ErrorIs(t, err, ErrInvalidPagingBase)
}

func TestTranslateNonCanonical(t *testing.T) {
	m := phystest.NewMachine(8 << 20)
	s := m.NewSpace()
	_, err := Translate(m.Mem, offsets.ArchX64, s.DTB, 0x0000900000000000)
	assert.ErrorIs(t, err, ErrNonCanonical)
}

func put32(t *testing.T, m *phys.Memory, pa uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	require.NoError(t, m.WritePhys(pa, b[:]))
}

func put64(t *testing.T, m *phys.Memory, pa, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	require.NoError(t, m.WritePhys(pa, b[:]))
}

func TestTranslateX86(t *testing.T) {
	m := phys.NewMemory(64 << 20)
	const pd, pt = 0x39000, 0x3a000
	// 0x80001000 → 0x123000 through a page table.
	put32(t, m, pd+(0x80001000>>22)*4, pt|0x3)
	put32(t, m, pt+((0x80001000>>12)&0x3ff)*4, 0x123000|0x3)
	// 0x81000000 → 0x1000000 as a 4 MiB page.
	put32(t, m, pd+(0x81000000>>22)*4, 0x1000000|0x83)

	pa, err := Translate(m, offsets.ArchX86, pd, 0x80001abc)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x123abc), pa)

	mp, err := Walk(m, offsets.ArchX86, pd, 0x81234567)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234567), mp.Phys)
	assert.Equal(t, uint64(Size4M), mp.PageSize)

	_, err = Translate(m, offsets.ArchX86, pd, 0x80002000)
	var pnp *PageNotPresentError
	require.ErrorAs(t, err, &pnp)
	assert.Equal(t, LevelPTE, pnp.Level)
}

func TestTranslatePAE(t *testing.T) {
	m := phys.NewMemory(64 << 20)
	const pdpt, pd, pt = 0x185000, 0x186000, 0x187000
	put64(t, m, pdpt+2*8, pd|0x1)
	// 0x80001000 → 0x2222000
	put64(t, m, pd+((0x80001000>>21)&0x1ff)*8, pt|0x3)
	put64(t, m, pt+((0x80001000>>12)&0x1ff)*8, 0x2222000|0x3)
	// 0x80400000 → 2 MiB page at 0x3000000
	put64(t, m, pd+((0x80400000>>21)&0x1ff)*8, 0x3000000|0x83)

	pa, err := Translate(m, offsets.ArchX86PAE, pdpt, 0x80001010)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2222010), pa)

	mp, err := Walk(m, offsets.ArchX86PAE, pdpt, 0x80412345)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x3012345), mp.Phys)
	assert.Equal(t, uint64(Size2M), mp.PageSize)

	_, err = Translate(m, offsets.ArchX86PAE, pdpt, 0x10000000)
	var pnp *PageNotPresentError
	require.ErrorAs(t, err, &pnp)
	assert.Equal(t, LevelPDPT, pnp.Level)
}

type failingReader struct{}

func (failingReader) ReadPhys(uint64, []byte) error { return errors.New("device gone") }

func TestTranslateConnectorFailure(t *testing.T) {
	_, err := Translate(failingReader{}, offsets.ArchX64, 0x1000, 0xfffff80000000000)
	assert.ErrorIs(t, err, phys.ErrConnectorIO)
}

func TestSpaceReadWriteAcrossPages(t *testing.T) {
	m := phystest.NewMachine(16 << 20)
	s := m.NewSpace()
	s.Map(0x10000, 0x400000)
	s.Map(0x11000, 0x200000) // not physically contiguous

	sp, err := NewSpace(m.Mem, offsets.ArchX64, s.DTB)
	require.NoError(t, err)

	data := []byte("straddles a page boundary")
	require.NoError(t, sp.Write(0x10ff0, data))

	got := make([]byte, len(data))
	require.NoError(t, sp.Read(0x10ff0, got))
	assert.Equal(t, data, got)

	raw := make([]byte, 16)
	require.NoError(t, m.Mem.ReadPhys(0x400ff0, raw))
	assert.Equal(t, data[:16], raw)

	v, err := sp.ReadUint64(0x10ff0)
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian.Uint64(data), v)
}

func TestSpaceWriteUnmappedLeavesMemory(t *testing.T) {
	m := phystest.NewMachine(16 << 20)
	s := m.NewSpace()
	s.Map(0x10000, 0x400000)
	sp := Space{Mem: m.Mem, Arch: offsets.ArchX64, DTB: s.DTB}

	err := sp.Write(0x10ffc, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.ErrorIs(t, err, ErrPageNotPresent)

	raw := make([]byte, 4)
	require.NoError(t, m.Mem.ReadPhys(0x400ffc, raw))
	assert.Equal(t, []byte{0, 0, 0, 0}, raw)
}

type readOnly struct{ phys.Reader }

func TestSpaceWriteReadOnly(t *testing.T) {
	m := phystest.NewMachine(16 << 20)
	s := m.NewSpace()
	s.Map(0x10000, 0x400000)
	sp := Space{Mem: readOnly{m.Mem}, Arch: offsets.ArchX64, DTB: s.DTB}
	assert.ErrorIs(t, sp.Write(0x10000, []byte{1}), phys.ErrReadOnly)
}

func FuzzTranslateX64(f *testing.F) {
	m := phystest.NewMachine(8 << 20)
	s := m.NewSpace()
	s.Map(0xfffff80000001000, 0x345000)
	f.Add(uint64(0xfffff80000001234))
	f.Add(uint64(0))
	f.Fuzz(func(t *testing.T, va uint64) {
		a, errA := Translate(m.Mem, offsets.ArchX64, s.DTB, va)
		b, errB := Translate(m.Mem, offsets.ArchX64, s.DTB, va)
		if (errA == nil) != (errB == nil) || a != b {
			t.Fatalf("translation of 0x%x not stable", va)
		}
	})
}
