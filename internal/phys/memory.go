package phys

import (
	"fmt"
	"sync"
)

// Memory is a sparse in-memory Connector. Pages that were never written read
// as zeros, up to Limit. It is safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	pages map[uint64]*[PageSize]byte
	limit uint64
}

// NewMemory returns an empty Memory addressable up to limit bytes.
func NewMemory(limit uint64) *Memory {
	return &Memory{pages: make(map[uint64]*[PageSize]byte), limit: limit}
}

// Limit returns the addressable size.
func (m *Memory) Limit() uint64 { return m.limit }

func (m *Memory) check(addr uint64, n int) error {
	if addr >= m.limit || uint64(n) > m.limit-addr {
		return fmt.Errorf("%w: 0x%x+0x%x beyond 0x%x", ErrOutOfRange, addr, n, m.limit)
	}
	return nil
}

// ReadPhys copies len(buf) bytes starting at addr.
func (m *Memory) ReadPhys(addr uint64, buf []byte) error {
	if err := m.check(addr, len(buf)); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for done := 0; done < len(buf); {
		a := addr + uint64(done)
		off := a % PageSize
		n := min(len(buf)-done, int(PageSize-off))
		if p, ok := m.pages[a-off]; ok {
			copy(buf[done:done+n], p[off:])
		} else {
			clear(buf[done : done+n])
		}
		done += n
	}
	return nil
}

// WritePhys stores data starting at addr.
func (m *Memory) WritePhys(addr uint64, data []byte) error {
	if err := m.check(addr, len(data)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for done := 0; done < len(data); {
		a := addr + uint64(done)
		off := a % PageSize
		n := min(len(data)-done, int(PageSize-off))
		p, ok := m.pages[a-off]
		if !ok {
			p = new([PageSize]byte)
			m.pages[a-off] = p
		}
		copy(p[off:], data[done:done+n])
		done += n
	}
	return nil
}

// Pages returns the number of materialized pages.
func (m *Memory) Pages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}
