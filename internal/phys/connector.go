// Package phys defines the physical-memory connector consumed by the
// kernel layer, plus file-backed and in-memory implementations.
package phys

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PageSize is the base page size used for chunked physical access.
const PageSize = 0x1000

var (
	ErrConnectorIO = errors.New("phys: connector i/o error")
	ErrOutOfRange  = errors.New("phys: address out of range")
	ErrReadOnly    = errors.New("phys: connector is read-only")
)

// Reader reads physical memory. Implementations may return any error;
// callers in this module wrap it with ErrConnectorIO.
type Reader interface {
	ReadPhys(addr uint64, buf []byte) error
}

// Connector is a Reader that can also write physical memory.
type Connector interface {
	Reader
	WritePhys(addr uint64, data []byte) error
}

// IOError wraps a connector failure so it matches ErrConnectorIO while
// keeping the underlying cause reachable through errors.Is/As.
func IOError(op string, addr uint64, err error) error {
	if errors.Is(err, ErrConnectorIO) {
		return err
	}
	return fmt.Errorf("%w: %s 0x%x: %w", ErrConnectorIO, op, addr, err)
}

// Read fills buf from addr, wrapping failures as ErrConnectorIO.
func Read(r Reader, addr uint64, buf []byte) error {
	if err := r.ReadPhys(addr, buf); err != nil {
		return IOError("read", addr, err)
	}
	return nil
}

// Write stores data at addr, wrapping failures as ErrConnectorIO.
func Write(c Connector, addr uint64, data []byte) error {
	if err := c.WritePhys(addr, data); err != nil {
		return IOError("write", addr, err)
	}
	return nil
}

// ReadUint64 reads a little-endian uint64 at addr.
func ReadUint64(r Reader, addr uint64) (uint64, error) {
	var b [8]byte
	if err := Read(r, addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// ReadUint32 reads a little-endian uint32 at addr.
func ReadUint32(r Reader, addr uint64) (uint32, error) {
	var b [4]byte
	if err := Read(r, addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
