package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"ntwalk/internal/offsets"
	"ntwalk/internal/phys"
)

// StartBlock is the paging root and kernel hint recovered from low memory.
type StartBlock struct {
	Arch       offsets.Arch
	DTB        uint64
	KernelHint uint64 // a VA inside the kernel image, 0 when unknown
}

func (s StartBlock) String() string {
	return fmt.Sprintf("%s dtb=0x%x hint=0x%x", s.Arch, s.DTB, s.KernelHint)
}

var errNoStartBlock = errors.New("kernel: no start block")

const (
	lowStubLimit = 0x100000  // x64 low stub lives below 1 MiB
	x86Limit     = 0x1000000 // x86 paging roots are searched below 16 MiB
)

// FindStartBlock scans low physical memory for the paging root, trying x64,
// then x86 PAE, then plain x86.
func FindStartBlock(r phys.Reader, physLimit uint64) (StartBlock, error) {
	if sb, err := findX64(r, min(physLimit, lowStubLimit)); err == nil {
		return sb, nil
	}
	low := readLow(r, min(physLimit, x86Limit))
	if sb, err := findX86PAE(low); err == nil {
		return sb, nil
	}
	if sb, err := findX86(low); err == nil {
		return sb, nil
	}
	return StartBlock{}, errNoStartBlock
}

// readLow copies up to limit bytes of physical memory. Pages that fail to
// read are left zeroed.
func readLow(r phys.Reader, limit uint64) []byte {
	limit &^= phys.PageSize - 1
	buf := make([]byte, limit)
	for pa := uint64(0); pa < limit; pa += phys.PageSize {
		if err := r.ReadPhys(pa, buf[pa:pa+phys.PageSize]); err != nil {
			clear(buf[pa : pa+phys.PageSize])
		}
	}
	return buf
}

// findX64 looks for the x64 low stub: a page beginning with the jump
// signature and holding the kernel entry and PML4 at fixed offsets.
// Page 0 is skipped.
func findX64(r phys.Reader, limit uint64) (StartBlock, error) {
	page := make([]byte, phys.PageSize)
	for pa := uint64(phys.PageSize); pa+phys.PageSize <= limit; pa += phys.PageSize {
		if err := r.ReadPhys(pa, page); err != nil {
			continue
		}
		if sb, ok := checkX64(page); ok {
			return sb, nil
		}
	}
	return StartBlock{}, errNoStartBlock
}

func checkX64(page []byte) (StartBlock, bool) {
	le := binary.LittleEndian
	if le.Uint64(page[0:])&0xffffffffffff00ff != 0x00000001000600E9 {
		return StartBlock{}, false
	}
	hint := le.Uint64(page[0x70:])
	if hint&0xfffff80000000003 != 0xfffff80000000000 {
		return StartBlock{}, false
	}
	pml4 := le.Uint64(page[0xa0:])
	if pml4&0xffffff0000000fff != 0 || pml4 == 0 {
		return StartBlock{}, false
	}
	return StartBlock{Arch: offsets.ArchX64, DTB: pml4, KernelHint: hint}, true
}

// findX86PAE looks for a PDPT page whose four entries point at the four
// page directories that follow it, with the rest of the page zero.
func findX86PAE(low []byte) (StartBlock, error) {
	for pa := 0; pa+phys.PageSize <= len(low); pa += phys.PageSize {
		if checkPAE(uint64(pa), low[pa:pa+phys.PageSize]) {
			return StartBlock{Arch: offsets.ArchX86PAE, DTB: uint64(pa)}, nil
		}
	}
	return StartBlock{}, errNoStartBlock
}

func checkPAE(pa uint64, page []byte) bool {
	for i := 0; i < len(page)/8; i++ {
		q := binary.LittleEndian.Uint64(page[i*8:])
		if i < 4 {
			if q != pa+uint64(i+1)*0x1000+1 {
				return false
			}
		} else if q != 0 {
			return false
		}
	}
	return true
}

// findX86 looks for a page directory that maps itself at 0xC0000000 and
// holds enough kernel-mode entries in its upper half.
func findX86(low []byte) (StartBlock, error) {
	for pa := 0; pa+phys.PageSize <= len(low); pa += phys.PageSize {
		if checkX86(uint64(pa), low[pa:pa+phys.PageSize]) {
			return StartBlock{Arch: offsets.ArchX86, DTB: uint64(pa)}, nil
		}
	}
	return StartBlock{}, errNoStartBlock
}

func checkX86(pa uint64, page []byte) bool {
	if page[0] != 0x67 {
		return false
	}
	if uint64(binary.LittleEndian.Uint32(page[0xc00:])&0xfffff003) != pa+3 {
		return false
	}
	n := 0
	for i := 0x800; i < len(page); i += 4 {
		if page[i] == 0x63 || page[i] == 0xe3 {
			n++
		}
	}
	return n > 16
}
