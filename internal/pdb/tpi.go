package pdb

import (
	"fmt"

	"ntwalk/internal/ntfmt"
)

// Leaf kinds read from the TPI stream.
const (
	lfFieldList = 0x1203
	lfBitfield  = 0x1205
	lfClass     = 0x1504
	lfStructure = 0x1505
	lfUnion     = 0x1506

	lfBClass    = 0x1400
	lfVBClass   = 0x1401
	lfIVBClass  = 0x1402
	lfIndex     = 0x1404
	lfVFuncTab  = 0x1409
	lfEnumerate = 0x1502
	lfMember    = 0x150d
	lfSTMember  = 0x150e
	lfMethod    = 0x150f
	lfNestType  = 0x1510
	lfOneMethod = 0x1511

	lfNumeric   = 0x8000
	lfChar      = 0x8000
	lfShort     = 0x8001
	lfUShort    = 0x8002
	lfLong      = 0x8003
	lfULong     = 0x8004
	lfQuadword  = 0x8009
	lfUQuadword = 0x800a

	propFwdRef = 0x80
)

type record struct {
	kind uint16
	data []byte
}

type aggregate struct {
	name   string
	size   uint64
	union  bool
	fields uint32
}

// leaves reads CodeView leaf data: numeric leaves, LF_PAD alignment and
// names.
type leaves struct {
	*ntfmt.Reader
}

func newLeaves(data []byte) leaves { return leaves{ntfmt.NewReader(data)} }

// numeric reads a CodeView numeric leaf. Values below LF_NUMERIC are
// stored inline.
func (l leaves) numeric() uint64 {
	v := l.U16()
	if v < lfNumeric {
		return uint64(v)
	}
	switch v {
	case lfChar:
		return uint64(int64(int8(l.U8())))
	case lfShort:
		return uint64(int64(int16(l.U16())))
	case lfUShort:
		return uint64(l.U16())
	case lfLong:
		return uint64(int64(int32(l.U32())))
	case lfULong:
		return uint64(l.U32())
	case lfQuadword, lfUQuadword:
		return l.U64()
	}
	l.Fail(fmt.Errorf("%w: numeric leaf 0x%x", ErrCorrupt, v))
	return 0
}

// pad skips LF_PAD bytes; the low nibble of each is the distance to the
// next subrecord.
func (l leaves) pad() {
	for {
		b, ok := l.Peek()
		if !ok || b < 0xf0 {
			return
		}
		n := int(b & 0x0f)
		if n == 0 {
			n = 1
		}
		l.Skip(n)
	}
}

// readTPI indexes the type records and materializes every defined
// aggregate. Records the reader does not understand are skipped.
func (f *File) readTPI(tpi []byte) error {
	r := ntfmt.NewReader(tpi)
	r.Skip(4) // version
	headerSize := r.U32()
	begin := r.U32()
	end := r.U32()
	recBytes := r.U32()
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: tpi header: %w", ErrCorrupt, err)
	}
	if end < begin || uint64(headerSize)+uint64(recBytes) > uint64(len(tpi)) {
		return fmt.Errorf("%w: tpi header bounds", ErrCorrupt)
	}

	records := make(map[uint32]record)
	r = ntfmt.NewReader(tpi[:headerSize+recBytes])
	r.Seek(int(headerSize))
	for ti := begin; ti < end && r.Len() > 0; ti++ {
		n := int(r.U16())
		body := r.Bytes(n)
		if r.Err() != nil || n < 2 {
			return fmt.Errorf("%w: type record 0x%x", ErrCorrupt, ti)
		}
		records[ti] = record{kind: uint16(body[0]) | uint16(body[1])<<8, data: body[2:]}
	}

	for _, rec := range records {
		agg, ok := parseAggregate(rec)
		if !ok || agg.name == "" {
			continue
		}
		if _, dup := f.structs[agg.name]; dup {
			continue
		}
		st := &Struct{Name: agg.name, Size: agg.size, Union: agg.union}
		st.Members = f.fieldList(records, agg.fields, 0)
		f.structs[agg.name] = st
	}
	return nil
}

// parseAggregate decodes LF_CLASS, LF_STRUCTURE and LF_UNION. Forward
// references carry no layout and are rejected.
func parseAggregate(rec record) (aggregate, bool) {
	l := newLeaves(rec.data)
	var a aggregate
	switch rec.kind {
	case lfClass, lfStructure, lfUnion:
	default:
		return a, false
	}
	l.Skip(2) // member count
	prop := l.U16()
	a.fields = l.U32()
	if rec.kind == lfUnion {
		a.union = true
	} else {
		l.Skip(8) // derivation list, vshape
	}
	a.size = l.numeric()
	a.name = l.CString()
	return a, l.Err() == nil && prop&propFwdRef == 0
}

// fieldList reads the data members of a field list, following LF_INDEX
// continuations. depth bounds continuation chains. A subrecord that fails
// to decode ends the list with the members read so far.
func (f *File) fieldList(records map[uint32]record, ti uint32, depth int) []Member {
	rec, ok := records[ti]
	if !ok || rec.kind != lfFieldList || depth > 16 {
		return nil
	}
	var out []Member
	l := newLeaves(rec.data)
	for l.pad(); l.Len() >= 2; l.pad() {
		switch kind := l.U16(); kind {
		case lfMember:
			l.Skip(2) // attributes
			typ := l.U32()
			off := l.numeric()
			name := l.CString()
			if l.Err() != nil {
				return out
			}
			out = append(out, f.member(records, name, off, typ))
		case lfBClass:
			l.Skip(6)
			l.numeric()
		case lfVBClass, lfIVBClass:
			l.Skip(10)
			l.numeric()
			l.numeric()
		case lfEnumerate:
			l.Skip(2)
			l.numeric()
			l.CString()
		case lfSTMember, lfNestType, lfMethod:
			l.Skip(6)
			l.CString()
		case lfOneMethod:
			attr := l.U16()
			l.Skip(4)
			if mprop := (attr >> 2) & 7; mprop == 4 || mprop == 6 {
				l.Skip(4) // vbaseoff of introducing virtuals
			}
			l.CString()
		case lfVFuncTab:
			l.Skip(6)
		case lfIndex:
			l.Skip(2)
			next := l.U32()
			if l.Err() != nil {
				return out
			}
			return append(out, f.fieldList(records, next, depth+1)...)
		default:
			return out
		}
		if l.Err() != nil {
			return out
		}
	}
	return out
}

// member builds a Member, expanding an LF_BITFIELD type into its position.
func (f *File) member(records map[uint32]record, name string, off uint64, typ uint32) Member {
	m := Member{Name: name, Offset: off, Type: typ}
	if bf, ok := records[typ]; ok && bf.kind == lfBitfield && len(bf.data) >= 6 {
		m.Bitfield = true
		m.BitLength = bf.data[4]
		m.BitPos = bf.data[5]
	}
	return m
}
