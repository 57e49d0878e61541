package ntfmt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortRead    = errors.New("ntfmt: short read")
	ErrUnterminated = errors.New("ntfmt: unterminated string")
)

// Reader decodes little-endian fields of an on-disk record. The first
// failed read latches an error and every later read returns zero, so a
// record is decoded straight through and checked once with Err.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader reads data from its start.
func NewReader(data []byte) *Reader { return &Reader{data: data} }

// ReaderAt reads data from off. An offset outside data latches
// ErrShortRead.
func ReaderAt(data []byte, off int) *Reader {
	r := &Reader{data: data}
	r.Seek(off)
	return r
}

// Err returns the latched error, if any.
func (r *Reader) Err() error { return r.err }

// Fail latches err unless an earlier error is already latched.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Offset is the position of the next read.
func (r *Reader) Offset() int { return r.off }

// Len is the number of unread bytes, 0 after a failure.
func (r *Reader) Len() int {
	if r.err != nil {
		return 0
	}
	return len(r.data) - r.off
}

// Seek moves to an absolute offset.
func (r *Reader) Seek(off int) {
	if off < 0 || off > len(r.data) {
		r.Fail(fmt.Errorf("%w: seek to %d of %d", ErrShortRead, off, len(r.data)))
		return
	}
	r.off = off
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data)-r.off {
		r.Fail(fmt.Errorf("%w: %d bytes at offset %d", ErrShortRead, n, r.off))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// Skip advances n bytes.
func (r *Reader) Skip(n int) { r.take(n) }

// Bytes returns the next n bytes. The slice aliases the record.
func (r *Reader) Bytes(n int) []byte { return r.take(n) }

// Peek returns the next byte without consuming it.
func (r *Reader) Peek() (byte, bool) {
	if r.err != nil || r.off >= len(r.data) {
		return 0, false
	}
	return r.data[r.off], true
}

func (r *Reader) U8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) U16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) U32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) U64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// CString reads a NUL-terminated string and consumes the terminator.
func (r *Reader) CString() string {
	if r.err != nil {
		return ""
	}
	for i := r.off; i < len(r.data); i++ {
		if r.data[i] == 0 {
			s := string(r.data[r.off:i])
			r.off = i + 1
			return s
		}
	}
	r.Fail(fmt.Errorf("%w at offset %d", ErrUnterminated, r.off))
	return ""
}
