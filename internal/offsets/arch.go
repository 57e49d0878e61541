package offsets

import "fmt"

// Arch identifies the paging/pointer model of the target kernel.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86          // 32-bit, 2-level paging, 4 MiB large pages
	ArchX86PAE       // 32-bit, 3-level PAE paging, 2 MiB large pages
	ArchX64          // 64-bit, 4-level paging, 2 MiB and 1 GiB large pages
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchX86PAE:
		return "x86pae"
	case ArchX64:
		return "x64"
	default:
		return "unknown"
	}
}

// ParseArch maps a name to an Arch.
func ParseArch(s string) (Arch, error) {
	switch s {
	case "x86", "x32", "i386":
		return ArchX86, nil
	case "x86pae", "x32_pae", "pae":
		return ArchX86PAE, nil
	case "x64", "amd64", "x86_64":
		return ArchX64, nil
	}
	return ArchUnknown, fmt.Errorf("offsets: unknown architecture %q", s)
}

// PointerSize returns the size of a kernel pointer in bytes.
func (a Arch) PointerSize() int {
	if a == ArchX64 {
		return 8
	}
	return 4
}

// Bits returns the pointer width in bits.
func (a Arch) Bits() int { return a.PointerSize() * 8 }

// MarshalText implements encoding.TextMarshaler.
func (a Arch) MarshalText() ([]byte, error) {
	if a == ArchUnknown {
		return nil, fmt.Errorf("offsets: cannot encode unknown architecture")
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Arch) UnmarshalText(b []byte) error {
	v, err := ParseArch(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
