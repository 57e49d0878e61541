// Package pdb reads structure layouts from Microsoft PDB (MSF 7.00) files:
// the info stream for GUID and age, and the TPI stream for LF_STRUCTURE,
// LF_CLASS and LF_UNION records with their field lists.
package pdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ntwalk/internal/pefile"
)

var (
	ErrNotPDB   = errors.New("pdb: not an MSF 7.00 file")
	ErrCorrupt  = errors.New("pdb: corrupt file")
	ErrNoType   = errors.New("pdb: type not found")
	ErrNoMember = errors.New("pdb: member not found")
)

// Fixed stream indices.
const (
	streamInfo = 1
	streamTPI  = 2
	streamDBI  = 3
)

// File is a parsed PDB.
type File struct {
	GUID      uuid.UUID
	Age       uint32 // DBI age when present, else info stream age
	Signature uint32

	structs map[string]*Struct
}

// Struct is a named aggregate type.
type Struct struct {
	Name    string
	Size    uint64
	Union   bool
	Members []Member
}

// Member is one data member of a Struct.
type Member struct {
	Name      string
	Offset    uint64
	Type      uint32
	Bitfield  bool
	BitPos    uint8
	BitLength uint8
}

// Parse reads a PDB from memory.
func Parse(data []byte) (*File, error) {
	m, err := openMSF(data)
	if err != nil {
		return nil, err
	}
	f := &File{structs: make(map[string]*Struct)}

	info, err := m.stream(streamInfo)
	if err != nil {
		return nil, err
	}
	if len(info) < 28 {
		return nil, fmt.Errorf("%w: info stream %d bytes", ErrCorrupt, len(info))
	}
	f.Signature = binary.LittleEndian.Uint32(info[4:])
	f.Age = binary.LittleEndian.Uint32(info[8:])
	f.GUID = pefile.GUIDFromLE(info[12:28])

	if dbi, err := m.stream(streamDBI); err == nil && len(dbi) >= 12 {
		if int32(binary.LittleEndian.Uint32(dbi)) == -1 {
			f.Age = binary.LittleEndian.Uint32(dbi[8:])
		}
	}

	tpi, err := m.stream(streamTPI)
	if err != nil {
		return nil, err
	}
	if err := f.readTPI(tpi); err != nil {
		return nil, err
	}
	return f, nil
}

// GUIDAge returns the symbol-server form of the GUID and age.
func (f *File) GUIDAge() string {
	return strings.ToUpper(strings.ReplaceAll(f.GUID.String(), "-", "")) + fmt.Sprintf("%X", f.Age)
}

// Struct returns the named aggregate.
func (f *File) Struct(name string) (*Struct, error) {
	s, ok := f.structs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoType, name)
	}
	return s, nil
}

// StructCount returns the number of defined aggregates.
func (f *File) StructCount() int { return len(f.structs) }

// Member returns the named member.
func (s *Struct) Member(name string) (Member, error) {
	for _, m := range s.Members {
		if m.Name == name {
			return m, nil
		}
	}
	return Member{}, fmt.Errorf("%w: %s::%s", ErrNoMember, s.Name, name)
}

// Offset returns the byte offset of structName::member.
func (f *File) Offset(structName, member string) (uint32, error) {
	s, err := f.Struct(structName)
	if err != nil {
		return 0, err
	}
	m, err := s.Member(member)
	if err != nil {
		return 0, err
	}
	return uint32(m.Offset), nil
}
