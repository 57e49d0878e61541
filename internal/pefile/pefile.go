// Package pefile is a read-only view of a PE image captured from memory.
// Header and export parsing is delegated to github.com/Binject/debug/pe;
// the debug directory and export directory name are read directly from the
// image bytes.
package pefile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/Binject/debug/pe"
	"github.com/google/uuid"

	"ntwalk/internal/ntfmt"
)

var (
	ErrNotPE        = errors.New("pefile: not a PE image")
	ErrNoExport     = errors.New("pefile: export not found")
	ErrNoCodeView   = errors.New("pefile: no codeview debug record")
	ErrOutsideImage = errors.New("pefile: rva outside image")
)

const (
	// MaxHeaderOffset bounds e_lfanew for a header to count as a candidate.
	MaxHeaderOffset = 0x800

	dirExport = 0
	dirDebug  = 6

	debugTypeCodeView = 2
	debugEntrySize    = 28
)

// LooksLikeHeader reports whether page starts with an MZ header whose
// e_lfanew is small enough to be a mapped image.
func LooksLikeHeader(page []byte) bool {
	if len(page) < 0x40 || page[0] != 'M' || page[1] != 'Z' {
		return false
	}
	return binary.LittleEndian.Uint32(page[0x3c:]) <= MaxHeaderOffset
}

// SizeOfImage reads SizeOfImage from the headers at the start of data.
func SizeOfImage(data []byte) (uint32, error) {
	if !LooksLikeHeader(data) {
		return 0, ErrNotPE
	}
	lfanew := binary.LittleEndian.Uint32(data[0x3c:])
	// PE signature (4) + file header (20) + SizeOfImage at optional+56.
	off := int(lfanew) + 24 + 56
	if off+4 > len(data) || !bytes.Equal(data[lfanew:lfanew+4], []byte("PE\x00\x00")) {
		return 0, ErrNotPE
	}
	return binary.LittleEndian.Uint32(data[off:]), nil
}

// CodeView is the RSDS record of the image's debug directory.
type CodeView struct {
	GUID    uuid.UUID
	Age     uint32
	PDBName string
}

// GUIDAge returns the symbol-server form of the GUID and age: 32 upper-case
// hex digits followed by the age in hex.
func (c CodeView) GUIDAge() string {
	return strings.ToUpper(strings.ReplaceAll(c.GUID.String(), "-", "")) + fmt.Sprintf("%X", c.Age)
}

// Image is a parsed in-memory PE.
type Image struct {
	Base uint64

	data      []byte
	file      *pe.File
	is64      bool
	machine   uint16
	timestamp uint32
	size      uint32
	dirs      [16]pe.DataDirectory
	exports   map[string]uint32
	forwarded map[string]bool
}

type memReaderAt []byte

func (m memReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m)) {
		return 0, fmt.Errorf("%w: offset 0x%x", ErrOutsideImage, off)
	}
	n := copy(p, m[off:])
	if n < len(p) {
		return n, fmt.Errorf("%w: short read at 0x%x", ErrOutsideImage, off)
	}
	return n, nil
}

// Parse builds an Image from the mapped bytes of a module loaded at base.
func Parse(base uint64, data []byte) (*Image, error) {
	if !LooksLikeHeader(data) {
		return nil, ErrNotPE
	}
	f, err := pe.NewFileFromMemory(memReaderAt(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotPE, err)
	}
	im := &Image{
		Base:      base,
		data:      data,
		file:      f,
		machine:   f.FileHeader.Machine,
		timestamp: f.FileHeader.TimeDateStamp,
		exports:   make(map[string]uint32),
		forwarded: make(map[string]bool),
	}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		im.is64 = true
		im.size = oh.SizeOfImage
		copy(im.dirs[:], oh.DataDirectory[:])
	case *pe.OptionalHeader32:
		im.size = oh.SizeOfImage
		copy(im.dirs[:], oh.DataDirectory[:])
	default:
		return nil, fmt.Errorf("%w: missing optional header", ErrNotPE)
	}
	if im.dirs[dirExport].Size != 0 {
		exps, err := f.Exports()
		if err != nil {
			return nil, fmt.Errorf("pefile: exports: %w", err)
		}
		// A forwarder's RVA points into the export directory itself.
		dir := im.dirs[dirExport]
		for _, e := range exps {
			if e.Name == "" {
				continue
			}
			im.exports[e.Name] = e.VirtualAddress
			if e.VirtualAddress >= dir.VirtualAddress && e.VirtualAddress-dir.VirtualAddress < dir.Size {
				im.forwarded[e.Name] = true
			}
		}
	}
	return im, nil
}

// Close releases the underlying parser.
func (im *Image) Close() error { return im.file.Close() }

func (im *Image) Is64() bool            { return im.is64 }
func (im *Image) Machine() uint16       { return im.machine }
func (im *Image) TimeDateStamp() uint32 { return im.timestamp }
func (im *Image) SizeOfImage() uint32   { return im.size }

// ExportRVA returns the RVA of a named, non-forwarded export.
func (im *Image) ExportRVA(name string) (uint32, error) {
	rva, ok := im.exports[name]
	if !ok || im.forwarded[name] {
		return 0, fmt.Errorf("%w: %s", ErrNoExport, name)
	}
	return rva, nil
}

// Export returns the virtual address of a named export.
func (im *Image) Export(name string) (uint64, error) {
	rva, err := im.ExportRVA(name)
	if err != nil {
		return 0, err
	}
	return im.Base + uint64(rva), nil
}

// ExportCount returns the number of named exports.
func (im *Image) ExportCount() int { return len(im.exports) }

// Symbols maps the virtual address of every non-forwarded export to its name.
// Aliased exports keep the lexically smallest name.
func (im *Image) Symbols() map[uint64]string {
	out := make(map[uint64]string, len(im.exports))
	for name, rva := range im.exports {
		if im.forwarded[name] {
			continue
		}
		va := im.Base + uint64(rva)
		if prev, ok := out[va]; !ok || name < prev {
			out[va] = name
		}
	}
	return out
}

// Bytes returns up to n bytes of the image at rva. The slice aliases the
// image and is shorter than n near the end of the image.
func (im *Image) Bytes(rva uint32, n int) ([]byte, error) {
	if int(rva) >= len(im.data) {
		return nil, fmt.Errorf("%w: 0x%x", ErrOutsideImage, rva)
	}
	end := int(rva) + n
	if end > len(im.data) {
		end = len(im.data)
	}
	return im.data[rva:end], nil
}

// Function returns up to max bytes starting at a named export.
func (im *Image) Function(name string, max int) ([]byte, error) {
	rva, err := im.ExportRVA(name)
	if err != nil {
		return nil, err
	}
	return im.Bytes(rva, max)
}

// Name returns the module name recorded in the export directory.
func (im *Image) Name() (string, error) {
	d := im.dirs[dirExport]
	if d.Size == 0 {
		return "", fmt.Errorf("%w: no export directory", ErrNoExport)
	}
	r := ntfmt.ReaderAt(im.data, int(d.VirtualAddress)+12)
	rva := r.U32()
	r.Seek(int(rva))
	name := r.CString()
	if err := r.Err(); err != nil {
		return "", fmt.Errorf("pefile: export name: %w", err)
	}
	return name, nil
}

// CodeView returns the first RSDS record in the debug directory.
func (im *Image) CodeView() (CodeView, error) {
	d := im.dirs[dirDebug]
	if d.Size == 0 {
		return CodeView{}, ErrNoCodeView
	}
	for off := d.VirtualAddress; off+debugEntrySize <= d.VirtualAddress+d.Size; off += debugEntrySize {
		r := ntfmt.ReaderAt(im.data, int(off)+12)
		typ, size := r.U32(), r.U32()
		rva := r.U32()
		if err := r.Err(); err != nil {
			return CodeView{}, fmt.Errorf("pefile: debug directory: %w", err)
		}
		if typ != debugTypeCodeView {
			continue
		}
		return parseRSDS(im.data, rva, size)
	}
	return CodeView{}, ErrNoCodeView
}

func parseRSDS(data []byte, rva, size uint32) (CodeView, error) {
	if size < 24 || uint64(rva)+uint64(size) > uint64(len(data)) {
		return CodeView{}, fmt.Errorf("%w: record out of bounds", ErrNoCodeView)
	}
	rec := data[rva : rva+size]
	if string(rec[:4]) != "RSDS" {
		// NB10 (CodeView 2.0) records carry no GUID.
		return CodeView{}, fmt.Errorf("%w: signature %q", ErrNoCodeView, rec[:4])
	}
	var cv CodeView
	cv.GUID = GUIDFromLE(rec[4:20])
	cv.Age = binary.LittleEndian.Uint32(rec[20:24])
	name := rec[24:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	cv.PDBName = string(name)
	if cv.PDBName == "" {
		return CodeView{}, fmt.Errorf("%w: empty pdb name", ErrNoCodeView)
	}
	return cv, nil
}

// GUIDFromLE converts a Windows GUID in its mixed-endian wire form into a
// uuid.UUID whose String form matches the conventional GUID text.
func GUIDFromLE(b []byte) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:], binary.LittleEndian.Uint32(b[0:]))
	binary.BigEndian.PutUint16(u[4:], binary.LittleEndian.Uint16(b[4:]))
	binary.BigEndian.PutUint16(u[6:], binary.LittleEndian.Uint16(b[6:]))
	copy(u[8:], b[8:16])
	return u
}

// GUIDToLE is the inverse of GUIDFromLE.
func GUIDToLE(u uuid.UUID) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], binary.BigEndian.Uint32(u[0:]))
	binary.LittleEndian.PutUint16(b[4:], binary.BigEndian.Uint16(u[4:]))
	binary.LittleEndian.PutUint16(b[6:], binary.BigEndian.Uint16(u[6:]))
	copy(b[8:], u[8:16])
	return b
}
