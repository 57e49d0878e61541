package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"ntwalk/internal/offsets"
)

// BuildID identifies a kernel build.
type BuildID struct {
	PDBName     string
	GUID        uuid.UUID
	Age         uint32
	GUIDAge     string // symbol-server form, "" without a CodeView record
	Timestamp   uint32
	ImageSize   uint32
	BuildNumber uint32
	Major       uint32
	Minor       uint32
	Arch        offsets.Arch
}

// Key is the cache and database key of the build.
func (b BuildID) Key() string {
	if b.PDBName != "" && b.GUIDAge != "" {
		return offsets.Key(b.PDBName, b.GUIDAge)
	}
	return fmt.Sprintf("%s/%08X/%X", b.Arch, b.Timestamp, b.ImageSize)
}

// HasSymbols reports whether the build carries a CodeView record.
func (b BuildID) HasSymbols() bool { return b.GUIDAge != "" }

// Version formats the NT version.
func (b BuildID) Version() string {
	return fmt.Sprintf("%d.%d.%d", b.Major, b.Minor, b.BuildNumber)
}

func (b BuildID) String() string {
	return fmt.Sprintf("Windows NT %s %s (%s)", b.Version(), b.Arch, b.Key())
}

// scanRtlGetVersion recovers major and minor versions from the stores
// RtlGetVersion makes into RTL_OSVERSIONINFOW. Either may stay 0.
func scanRtlGetVersion(code []byte) (major, minor uint32) {
	le := binary.LittleEndian
	for i := 0; i+8 <= len(code) && i < 0xf0; i++ {
		v := le.Uint32(code[i:])
		// mov dword [rcx+4], imm32; also the tail of the REX.W qword form.
		if major == 0 && v&0xfffff == 0x441c7 {
			major = uint32(code[i+3])
		}
		// mov dword [rcx+8], imm32
		if minor == 0 && v&0xfffff == 0x841c7 {
			minor = uint32(code[i+3])
		}
	}
	return major, minor
}
