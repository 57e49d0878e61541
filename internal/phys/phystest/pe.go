package phystest

import (
	"encoding/binary"
	"sort"
)

// Symbol is one named item placed in the synthetic image. Exported symbols
// appear in the export directory; others are only given an RVA. An
// exported symbol with Forward set is a forwarder to that "DLL.Name" string.
type Symbol struct {
	Name     string
	Data     []byte
	Exported bool
	Forward  string
}

// PESpec describes a synthetic PE image.
type PESpec struct {
	Is64      bool
	Timestamp uint32
	DLLName   string
	PDBName   string
	GUID      [16]byte // wire (little-endian) form
	Age       uint32
	Symbols   []Symbol
}

// PE is a built image. Raw file offsets equal RVAs, so the same bytes are
// valid both as a file and as a mapped image.
type PE struct {
	Data []byte
	RVA  map[string]uint32
}

const (
	peHeaderOffset = 0x80
	sectionRVA     = 0x1000
)

type peWriter struct {
	buf []byte
}

func (w *peWriter) grow(n int) {
	if n > len(w.buf) {
		w.buf = append(w.buf, make([]byte, n-len(w.buf))...)
	}
}

func (w *peWriter) put(off int, data []byte) {
	w.grow(off + len(data))
	copy(w.buf[off:], data)
}

func (w *peWriter) u16(off int, v uint16) {
	w.grow(off + 2)
	binary.LittleEndian.PutUint16(w.buf[off:], v)
}

func (w *peWriter) u32(off int, v uint32) {
	w.grow(off + 4)
	binary.LittleEndian.PutUint32(w.buf[off:], v)
}

func (w *peWriter) u64(off int, v uint64) {
	w.grow(off + 8)
	binary.LittleEndian.PutUint64(w.buf[off:], v)
}

func align(v, a int) int { return (v + a - 1) &^ (a - 1) }

// BuildPE lays out a single-section image: filler, symbols, export
// directory, debug directory and CodeView record, in that order.
func BuildPE(spec PESpec) *PE {
	w := &peWriter{}
	rvas := make(map[string]uint32)

	// Filler so nothing of interest sits at the section start.
	off := sectionRVA
	for i := 0; i < 0x100; i++ {
		w.put(off+i, []byte{0xcc})
	}
	off += 0x100

	for _, s := range spec.Symbols {
		off = align(off, 16)
		rvas[s.Name] = uint32(off)
		w.put(off, s.Data)
		off += len(s.Data)
		if len(s.Data) == 0 {
			off++
		}
	}

	// Export directory.
	var exported []Symbol
	for _, s := range spec.Symbols {
		if s.Exported {
			exported = append(exported, s)
		}
	}
	sort.Slice(exported, func(i, j int) bool { return exported[i].Name < exported[j].Name })

	off = align(off, 16)
	expDir := off
	n := len(exported)
	funcs := expDir + 40
	names := funcs + 4*n
	ords := names + 4*n
	strs := ords + 2*n
	w.grow(strs)
	dllName := strs
	w.put(dllName, append([]byte(spec.DLLName), 0))
	strs += len(spec.DLLName) + 1
	for i, s := range exported {
		w.u32(funcs+4*i, rvas[s.Name])
		w.u32(names+4*i, uint32(strs))
		w.u16(ords+2*i, uint16(i))
		w.put(strs, append([]byte(s.Name), 0))
		strs += len(s.Name) + 1
	}
	for i, s := range exported {
		if s.Forward == "" {
			continue
		}
		rvas[s.Name] = uint32(strs)
		w.u32(funcs+4*i, uint32(strs))
		w.put(strs, append([]byte(s.Forward), 0))
		strs += len(s.Forward) + 1
	}
	w.u32(expDir+12, uint32(dllName))
	w.u32(expDir+16, 1) // ordinal base
	w.u32(expDir+20, uint32(n))
	w.u32(expDir+24, uint32(n))
	w.u32(expDir+28, uint32(funcs))
	w.u32(expDir+32, uint32(names))
	w.u32(expDir+36, uint32(ords))
	expSize := strs - expDir

	// Debug directory with one CodeView entry.
	off = align(strs, 16)
	dbgDir := off
	rsds := dbgDir + 28
	w.u32(dbgDir+4, spec.Timestamp)
	w.u32(dbgDir+12, 2)
	rec := []byte("RSDS")
	rec = append(rec, spec.GUID[:]...)
	rec = binary.LittleEndian.AppendUint32(rec, spec.Age)
	rec = append(rec, spec.PDBName...)
	rec = append(rec, 0)
	w.u32(dbgDir+16, uint32(len(rec)))
	w.u32(dbgDir+20, uint32(rsds))
	w.u32(dbgDir+24, uint32(rsds))
	w.put(rsds, rec)
	end := rsds + len(rec)

	sectionSize := align(end-sectionRVA, 0x1000)
	imageSize := sectionRVA + sectionSize
	w.grow(imageSize)

	// Headers.
	w.put(0, []byte("MZ"))
	w.u32(0x3c, peHeaderOffset)
	w.put(peHeaderOffset, []byte("PE\x00\x00"))
	fh := peHeaderOffset + 4
	optSize := 224
	machine := uint16(0x14c)
	if spec.Is64 {
		optSize = 240
		machine = 0x8664
	}
	w.u16(fh, machine)
	w.u16(fh+2, 1)
	w.u32(fh+4, spec.Timestamp)
	w.u16(fh+16, uint16(optSize))
	w.u16(fh+18, 0x22)

	oh := fh + 20
	var dd int
	if spec.Is64 {
		w.u16(oh, 0x20b)
		w.u64(oh+24, 0x140000000)
		w.u64(oh+72, 0x80000)
		w.u64(oh+80, 0x1000)
		w.u64(oh+88, 0x100000)
		w.u64(oh+96, 0x1000)
		w.u32(oh+108, 16)
		dd = oh + 112
	} else {
		w.u16(oh, 0x10b)
		w.u32(oh+28, 0x400000)
		w.u32(oh+72, 0x80000)
		w.u32(oh+76, 0x1000)
		w.u32(oh+80, 0x100000)
		w.u32(oh+84, 0x1000)
		w.u32(oh+92, 16)
		dd = oh + 96
	}
	w.u32(oh+4, uint32(sectionSize))
	w.u32(oh+16, sectionRVA)
	w.u32(oh+20, sectionRVA)
	w.u32(oh+32, 0x1000)
	w.u32(oh+36, 0x1000)
	w.u16(oh+40, 10)
	w.u16(oh+48, 10)
	w.u32(oh+56, uint32(imageSize))
	w.u32(oh+60, 0x1000)
	w.u16(oh+68, 1)
	w.u32(dd, uint32(expDir))
	w.u32(dd+4, uint32(expSize))
	w.u32(dd+6*8, uint32(dbgDir))
	w.u32(dd+6*8+4, 28)

	sh := oh + optSize
	w.put(sh, []byte(".text\x00\x00\x00"))
	w.u32(sh+8, uint32(sectionSize))
	w.u32(sh+12, sectionRVA)
	w.u32(sh+16, uint32(sectionSize))
	w.u32(sh+20, sectionRVA)
	w.u32(sh+36, 0x60000020|0x40000000|0x80000000)

	return &PE{Data: w.buf, RVA: rvas}
}
