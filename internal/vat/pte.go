package vat

import "fmt"

// PTE is a transient view over one paging-structure entry.
type PTE uint64

const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteUser     = 1 << 2
	pteLarge    = 1 << 7
	pteNX       = 1 << 63

	frameMask64 = 0x000ffffffffff000
)

func (p PTE) Present() bool  { return p&ptePresent != 0 }
func (p PTE) Writable() bool { return p&pteWritable != 0 }
func (p PTE) User() bool     { return p&pteUser != 0 }
func (p PTE) Large() bool    { return p&pteLarge != 0 }
func (p PTE) NoExec() bool   { return p&pteNX != 0 }

// Frame returns the physical address the entry points at, for 64-bit
// entries (x64 and PAE).
func (p PTE) Frame() uint64 { return uint64(p) & frameMask64 }

func (p PTE) String() string {
	flags := []byte("-----")
	if p.Present() {
		flags[0] = 'p'
	}
	if p.Writable() {
		flags[1] = 'w'
	}
	if p.User() {
		flags[2] = 'u'
	}
	if p.Large() {
		flags[3] = 'L'
	}
	if p.NoExec() {
		flags[4] = 'x'
	}
	return fmt.Sprintf("pte(0x%x %s)", p.Frame(), flags)
}
