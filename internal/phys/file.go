package phys

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// File is a Connector over a raw physical memory image (offset == physical
// address), such as a dump taken with a DMA tool or a VM memory file.
type File struct {
	f        *os.File
	size     int64
	writable bool
}

// OpenFile opens a raw physical memory image. Writes are rejected unless
// writable is set.
func OpenFile(path string, writable bool) (*File, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("phys: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("phys: stat: %w", err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("phys: %s is empty", path)
	}

	return &File{f: f, size: info.Size(), writable: writable}, nil
}

// Close releases the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}

// Size returns the size of the image, i.e. the highest readable address + 1.
func (f *File) Size() int64 { return f.size }

// ReadPhys reads len(buf) bytes at addr. Reads that cross the end of the
// image fail rather than returning a short buffer.
func (f *File) ReadPhys(addr uint64, buf []byte) error {
	if addr >= uint64(f.size) || uint64(len(buf)) > uint64(f.size)-addr {
		return fmt.Errorf("%w: 0x%x+0x%x beyond 0x%x", ErrOutOfRange, addr, len(buf), f.size)
	}
	_, err := f.f.ReadAt(buf, int64(addr))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("phys: read at 0x%x: %w", addr, err)
	}
	return nil
}

// WritePhys writes data at addr.
func (f *File) WritePhys(addr uint64, data []byte) error {
	if !f.writable {
		return ErrReadOnly
	}
	if addr >= uint64(f.size) || uint64(len(data)) > uint64(f.size)-addr {
		return fmt.Errorf("%w: 0x%x+0x%x beyond 0x%x", ErrOutOfRange, addr, len(data), f.size)
	}
	if _, err := f.f.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("phys: write at 0x%x: %w", addr, err)
	}
	return nil
}
