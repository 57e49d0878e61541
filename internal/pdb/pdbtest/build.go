// Package pdbtest writes minimal PDB files for tests.
package pdbtest

import "encoding/binary"

// Field is one structure member. A non-zero BitLength makes it a bitfield.
type Field struct {
	Name      string
	Offset    uint64
	BitLength uint8
	BitPos    uint8
}

// Type is one aggregate.
type Type struct {
	Name   string
	Size   uint64
	Union  bool
	Fields []Field
}

// Spec describes a PDB to build.
type Spec struct {
	GUID    [16]byte // wire (little-endian) form
	Age     uint32
	Types   []Type
	Forward bool // emit a forward reference before each definition
}

const blockSize = 512

func pad4(b []byte) []byte {
	for n := len(b); n%4 != 0; n++ {
		b = append(b, byte(0xf0+4-n%4))
	}
	return b
}

func numeric(b []byte, v uint64) []byte {
	switch {
	case v < 0x8000:
		return binary.LittleEndian.AppendUint16(b, uint16(v))
	case v <= 0xffffffff:
		b = binary.LittleEndian.AppendUint16(b, 0x8004)
		return binary.LittleEndian.AppendUint32(b, uint32(v))
	default:
		b = binary.LittleEndian.AppendUint16(b, 0x800a)
		return binary.LittleEndian.AppendUint64(b, v)
	}
}

type tpiWriter struct {
	next uint32
	recs []byte
}

// add appends a record and returns its type index.
func (w *tpiWriter) add(kind uint16, body []byte) uint32 {
	rec := binary.LittleEndian.AppendUint16(nil, 0)
	rec = binary.LittleEndian.AppendUint16(rec, kind)
	rec = pad4(append(rec, body...))
	binary.LittleEndian.PutUint16(rec, uint16(len(rec)-2))
	w.recs = append(w.recs, rec...)
	ti := w.next
	w.next++
	return ti
}

func (w *tpiWriter) aggregate(t Type, fieldList uint32, prop uint16) uint32 {
	var b []byte
	b = binary.LittleEndian.AppendUint16(b, uint16(len(t.Fields)))
	b = binary.LittleEndian.AppendUint16(b, prop)
	b = binary.LittleEndian.AppendUint32(b, fieldList)
	kind := uint16(0x1505)
	if t.Union {
		kind = 0x1506
	} else {
		b = binary.LittleEndian.AppendUint32(b, 0)
		b = binary.LittleEndian.AppendUint32(b, 0)
	}
	b = numeric(b, t.Size)
	b = append(b, t.Name...)
	b = append(b, 0)
	return w.add(kind, b)
}

func buildTPI(spec Spec) []byte {
	w := &tpiWriter{next: 0x1000}
	for _, t := range spec.Types {
		var fl []byte
		for _, f := range t.Fields {
			typ := uint32(0x23) // T_UQUAD
			if f.BitLength != 0 {
				bf := binary.LittleEndian.AppendUint32(nil, 0x75)
				bf = append(bf, f.BitLength, f.BitPos)
				typ = w.add(0x1205, bf)
			}
			fl = binary.LittleEndian.AppendUint16(fl, 0x150d)
			fl = binary.LittleEndian.AppendUint16(fl, 3)
			fl = binary.LittleEndian.AppendUint32(fl, typ)
			fl = numeric(fl, f.Offset)
			fl = append(fl, f.Name...)
			fl = append(fl, 0)
			fl = pad4(fl)
		}
		if spec.Forward {
			w.aggregate(Type{Name: t.Name, Union: t.Union}, 0, 0x80)
		}
		ti := w.add(0x1203, fl)
		w.aggregate(t, ti, 0)
	}
	h := make([]byte, 56)
	binary.LittleEndian.PutUint32(h[0:], 20040203)
	binary.LittleEndian.PutUint32(h[4:], 56)
	binary.LittleEndian.PutUint32(h[8:], 0x1000)
	binary.LittleEndian.PutUint32(h[12:], w.next)
	binary.LittleEndian.PutUint32(h[16:], uint32(len(w.recs)))
	return append(h, w.recs...)
}

// Build returns the bytes of a PDB with info, TPI and DBI streams.
func Build(spec Spec) []byte {
	info := binary.LittleEndian.AppendUint32(nil, 20000404)
	info = binary.LittleEndian.AppendUint32(info, 0x5f8a1d2b)
	info = binary.LittleEndian.AppendUint32(info, spec.Age)
	info = append(info, spec.GUID[:]...)
	info = append(info, make([]byte, 8)...)

	dbi := make([]byte, 64)
	binary.LittleEndian.PutUint32(dbi[0:], 0xffffffff)
	binary.LittleEndian.PutUint32(dbi[4:], 19990903)
	binary.LittleEndian.PutUint32(dbi[8:], spec.Age)

	streams := [][]byte{nil, info, buildTPI(spec), dbi}
	return Container(streams)
}

// Container lays streams out in an MSF 7.00 file.
func Container(streams [][]byte) []byte {
	// Block 0 is the superblock, 1 and 2 the free block maps.
	next := uint32(3)
	var blocks [][]byte
	alloc := func(data []byte) []uint32 {
		var ids []uint32
		for off := 0; off < len(data); off += blockSize {
			end := off + blockSize
			if end > len(data) {
				end = len(data)
			}
			blk := make([]byte, blockSize)
			copy(blk, data[off:end])
			blocks = append(blocks, blk)
			ids = append(ids, next)
			next++
		}
		return ids
	}

	dir := binary.LittleEndian.AppendUint32(nil, uint32(len(streams)))
	var lists [][]uint32
	for _, s := range streams {
		dir = binary.LittleEndian.AppendUint32(dir, uint32(len(s)))
		lists = append(lists, alloc(s))
	}
	for _, l := range lists {
		for _, id := range l {
			dir = binary.LittleEndian.AppendUint32(dir, id)
		}
	}
	dirBlocks := alloc(dir)
	var blockMap []byte
	for _, id := range dirBlocks {
		blockMap = binary.LittleEndian.AppendUint32(blockMap, id)
	}
	mapBlock := alloc(blockMap)[0]

	out := make([]byte, int(next)*blockSize)
	copy(out, "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")
	binary.LittleEndian.PutUint32(out[32:], blockSize)
	binary.LittleEndian.PutUint32(out[36:], 1)
	binary.LittleEndian.PutUint32(out[40:], next)
	binary.LittleEndian.PutUint32(out[44:], uint32(len(dir)))
	binary.LittleEndian.PutUint32(out[52:], mapBlock)
	for i, b := range blocks {
		copy(out[(3+i)*blockSize:], b)
	}
	return out
}
