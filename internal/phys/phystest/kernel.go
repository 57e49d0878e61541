package phystest

import (
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"

	"ntwalk/internal/offsets"
)

// Layout constants of the synthetic kernel.
const (
	KernelBase  = 0xfffff8000be00000
	PoolBase    = 0xffffc48000000000
	UserShared  = 0x7ffe0000
	objectSlot  = 0x1000
	objectShift = 0x80 // objects do not start on a page boundary

	StatusPending = 0x103
)

// Module describes one loaded image in a module list.
type Module struct {
	Base uint64
	Size uint32
	Name string
	Path string
}

// Thread describes one ETHREAD.
type Thread struct {
	TID   uint64
	TEB   uint64
	State uint8
}

// Process describes one EPROCESS and its user-mode state.
type Process struct {
	PID         uint64
	ParentPID   uint64
	Name        string
	ExitStatus  uint32 // 0 means StatusPending
	SectionVA   uint64
	Wow64       uint64
	NoPEB       bool
	Modules     []Module
	Threads     []Thread
	CommandLine string
	ImagePath   string
}

// KernelSpec describes the synthetic kernel.
type KernelSpec struct {
	Offsets     map[string]uint32
	Processes   []Process
	Kernel      []Module // PsLoadedModuleList
	PDBName     string
	GUID        [16]byte
	Age         uint32
	Timestamp   uint32
	BuildNumber uint32
	Major       uint32
	Minor       uint32
	// NoKUserShared leaves KUSER_SHARED_DATA unmapped so the version
	// falls back to RtlGetVersion.
	NoKUserShared bool
}

// Win10Offsets are the Windows 10 19041 x64 kernel offsets.
func Win10Offsets() map[string]uint32 {
	return map[string]uint32{
		offsets.ListBlink:          0x8,
		offsets.EprocessLink:       0x448,
		offsets.EprocessPID:        0x440,
		offsets.EprocessName:       0x5a8,
		offsets.EprocessPEB:        0x550,
		offsets.EprocessParentPID:  0x540,
		offsets.EprocessExitStatus: 0x7d4,
		offsets.EprocessSection:    0x520,
		offsets.EprocessWow64:      0x580,
		offsets.EprocessThreadList: 0x5e0,
		offsets.KprocessDTB:        0x28,
		offsets.EthreadListEntry:   0x4e8,
		offsets.EthreadCID:         0x478,
		offsets.KthreadTEB:         0xf0,
		offsets.KthreadState:       0x184,
	}
}

// Win10GUID is the wire form of the 19041 ntkrnlmp.pdb GUID
// 1C9875F7-6C8F-0FBF-3EB9-A9D7C1C27406, age 1.
var Win10GUID = [16]byte{
	0xf7, 0x75, 0x98, 0x1c, 0x8f, 0x6c, 0xbf, 0x0f,
	0x3e, 0xb9, 0xa9, 0xd7, 0xc1, 0xc2, 0x74, 0x06,
}

// DefaultSpec returns a Windows 10 x64 kernel with System (4), a process
// with two modules (812) and a process with none (5000).
func DefaultSpec() KernelSpec {
	return KernelSpec{
		Offsets:     Win10Offsets(),
		PDBName:     "ntkrnlmp.pdb",
		GUID:        Win10GUID,
		Age:         1,
		Timestamp:   0x5f8a1d2b,
		BuildNumber: 19041,
		Major:       10,
		Minor:       0,
		Kernel: []Module{
			{Base: KernelBase, Name: "ntoskrnl.exe", Path: `\SystemRoot\system32\ntoskrnl.exe`},
			{Base: 0xfffff8000b800000, Size: 0x6000, Name: "hal.dll", Path: `\SystemRoot\system32\hal.dll`},
		},
		Processes: []Process{
			{
				PID: 4, Name: "System", NoPEB: true,
				Threads: []Thread{{TID: 8, State: 5}, {TID: 12, State: 5}},
			},
			{
				PID: 812, ParentPID: 4, Name: "svchost.exe",
				SectionVA:   0x7ff6a0000000,
				ImagePath:   `C:\Windows\System32\svchost.exe`,
				CommandLine: `C:\Windows\System32\svchost.exe -k netsvcs`,
				Modules: []Module{
					{Base: 0x7ff6a0000000, Size: 0x14000, Name: "svchost.exe", Path: `C:\Windows\System32\svchost.exe`},
					{Base: 0x7ffb60000000, Size: 0x1f8000, Name: "ntdll.dll", Path: `C:\Windows\SYSTEM32\ntdll.dll`},
				},
				Threads: []Thread{{TID: 816, TEB: 0x8a1e400000, State: 5}},
			},
			{PID: 5000, ParentPID: 812, Name: "notepad.exe", SectionVA: 0x7ff7b0000000},
		},
	}
}

// Kernel is a built synthetic machine.
type Kernel struct {
	Spec     KernelSpec
	Machine  *Machine
	Space    *Space
	Image    *PE
	Base     uint64
	Size     uint32
	Entry    uint64
	ListHead uint64            // PsActiveProcessHead, inside the image
	EPROCESS map[uint64]uint64 // pid → EPROCESS va
	ETHREAD  map[uint64]uint64 // tid → ETHREAD va
	Spaces   map[uint64]*Space // pid → process address space
	Arch     offsets.Arch
}

func (k *Kernel) off(name string) uint64 { return uint64(k.Spec.Offsets[name]) }

// Accessor builds a mov/lea accessor body: prefix, disp32, ret.
func Accessor(prefix []byte, disp uint32) []byte {
	b := append([]byte{}, prefix...)
	b = binary.LittleEndian.AppendUint32(b, disp)
	return append(b, 0xc3)
}

var (
	movRaxRcx = []byte{0x48, 0x8b, 0x81}
	leaRaxRcx = []byte{0x48, 0x8d, 0x81}
	movEaxRcx = []byte{0x8b, 0x81}
)

// BuildKernel lays out the machine described by spec.
func BuildKernel(spec KernelSpec) *Kernel {
	o := spec.Offsets
	m := NewMachine(256 << 20)
	ks := m.NewSpace()
	k := &Kernel{
		Spec:     spec,
		Machine:  m,
		Space:    ks,
		Base:     KernelBase,
		EPROCESS: make(map[uint64]uint64),
		ETHREAD:  make(map[uint64]uint64),
		Spaces:   make(map[uint64]*Space),
		Arch:     offsets.ArchX64,
	}

	syms := []Symbol{
		{Name: "KiSystemStartup", Data: []byte{0x48, 0x83, 0xec, 0x28, 0x90, 0x90, 0xc3}},
		{Name: "PsInitialSystemProcess", Data: make([]byte, 8), Exported: true},
		{Name: "PsLoadedModuleList", Data: make([]byte, 16), Exported: true},
		{Name: "PsActiveProcessHead", Data: make([]byte, 16)},
		{Name: "NtBuildNumber", Data: binary.LittleEndian.AppendUint32(nil, 0xf0000000|spec.BuildNumber), Exported: true},
		{Name: "RtlGetVersion", Data: rtlGetVersion(spec.Major, spec.Minor), Exported: true},
		{Name: "PsGetProcessId", Data: Accessor(movRaxRcx, o[offsets.EprocessPID]), Exported: true},
		{Name: "PsGetProcessPeb", Data: Accessor(movRaxRcx, o[offsets.EprocessPEB]), Exported: true},
		{Name: "PsGetProcessImageFileName", Data: Accessor(leaRaxRcx, o[offsets.EprocessName]), Exported: true},
		{Name: "PsGetProcessExitStatus", Data: Accessor(movEaxRcx, o[offsets.EprocessExitStatus]), Exported: true},
		{Name: "PsGetProcessInheritedFromUniqueProcessId", Data: Accessor(movRaxRcx, o[offsets.EprocessParentPID]), Exported: true},
		{Name: "PsGetProcessSectionBaseAddress", Data: Accessor(movRaxRcx, o[offsets.EprocessSection]), Exported: true},
		{Name: "PsGetProcessWow64Process", Data: Accessor(movRaxRcx, o[offsets.EprocessWow64]), Exported: true},
		{Name: "PsGetThreadTeb", Data: Accessor(movRaxRcx, o[offsets.KthreadTEB]), Exported: true},
		{Name: "PsGetThreadId", Data: Accessor(movRaxRcx, o[offsets.EthreadCID]+8), Exported: true},
	}
	img := BuildPE(PESpec{
		Is64:      true,
		Timestamp: spec.Timestamp,
		DLLName:   "ntoskrnl.exe",
		PDBName:   spec.PDBName,
		GUID:      spec.GUID,
		Age:       spec.Age,
		Symbols:   syms,
	})
	k.Image = img
	k.Size = uint32(len(img.Data))
	k.Entry = k.Base + uint64(img.RVA["KiSystemStartup"])
	ks.Alloc(k.Base, uint64(len(img.Data)))
	ks.Put(k.Base, img.Data)
	k.ListHead = k.Base + uint64(img.RVA["PsActiveProcessHead"])

	if !spec.NoKUserShared {
		ks.Alloc(UserShared, pageSize)
		ks.Put32(UserShared+0x26c, spec.Major)
		ks.Put32(UserShared+0x270, spec.Minor)
	}

	// Kernel objects live in pool pages, one slot per object.
	nextObj := uint64(PoolBase)
	newObject := func() uint64 {
		ks.Alloc(nextObj, objectSlot)
		va := nextObj + objectShift
		nextObj += objectSlot
		return va
	}

	var links []uint64
	for i, p := range spec.Processes {
		ep := newObject()
		k.EPROCESS[p.PID] = ep
		var space *Space
		if i == 0 {
			space = ks
		} else {
			space = ks.Fork()
		}
		k.Spaces[p.PID] = space

		ks.Put64(ep+k.off(offsets.KprocessDTB), space.DTB)
		ks.Put64(ep+k.off(offsets.EprocessPID), p.PID)
		ks.Put64(ep+k.off(offsets.EprocessParentPID), p.ParentPID)
		name := make([]byte, 15)
		copy(name, p.Name)
		ks.Put(ep+k.off(offsets.EprocessName), name)
		status := p.ExitStatus
		if status == 0 {
			status = StatusPending
		}
		ks.Put32(ep+k.off(offsets.EprocessExitStatus), status)
		ks.Put64(ep+k.off(offsets.EprocessSection), p.SectionVA)
		ks.Put64(ep+k.off(offsets.EprocessWow64), p.Wow64)
		links = append(links, ep+k.off(offsets.EprocessLink))

		if !p.NoPEB {
			ks.Put64(ep+k.off(offsets.EprocessPEB), k.buildPEB(space, p))
		}

		head := ep + k.off(offsets.EprocessThreadList)
		var tlinks []uint64
		for _, t := range p.Threads {
			et := newObject()
			k.ETHREAD[t.TID] = et
			ks.Put64(et+k.off(offsets.EthreadCID), p.PID)
			ks.Put64(et+k.off(offsets.EthreadCID)+8, t.TID)
			ks.Put64(et+k.off(offsets.KthreadTEB), t.TEB)
			ks.Put(et+k.off(offsets.KthreadState), []byte{t.State})
			tlinks = append(tlinks, et+k.off(offsets.EthreadListEntry))
		}
		LinkList(ks, head, tlinks)
	}
	// The ring is head → System → ... → last → head.
	LinkList(ks, k.ListHead, links)
	ks.Put64(k.Base+uint64(img.RVA["PsInitialSystemProcess"]), k.EPROCESS[spec.Processes[0].PID])

	kmods := spec.Kernel
	if len(kmods) > 0 && kmods[0].Size == 0 {
		kmods = append([]Module{}, kmods...)
		kmods[0].Size = k.Size
	}
	modHead := k.Base + uint64(img.RVA["PsLoadedModuleList"])
	var mlinks []uint64
	for _, mod := range kmods {
		e := newObject()
		writeLdrEntry(ks, e, mod, func(uint64) uint64 { return newObject() })
		mlinks = append(mlinks, e)
	}
	LinkList(ks, modHead, mlinks)

	m.WriteLowStub(k.Entry, ks.DTB)
	return k
}

// LinkList writes a circular doubly linked list of LIST_ENTRY nodes.
func LinkList(s *Space, head uint64, nodes []uint64) {
	all := append([]uint64{head}, nodes...)
	for i, n := range all {
		next := all[(i+1)%len(all)]
		prev := all[(i+len(all)-1)%len(all)]
		s.Put64(n, next)
		s.Put64(n+8, prev)
	}
}

// UTF16 encodes s as little-endian UTF-16 without a terminator.
func UTF16(s string) []byte {
	b, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	if err != nil {
		panic(err)
	}
	return b
}

// PutUnicodeString writes a UNICODE_STRING at va whose buffer lives at buf.
func PutUnicodeString(s *Space, va, buf uint64, str string) {
	data := UTF16(str)
	s.Put16(va, uint16(len(data)))
	s.Put16(va+2, uint16(len(data)+2))
	s.Put64(va+8, buf)
	s.Put(buf, append(data, 0, 0))
}

// writeLdrEntry fills an x64 LDR_DATA_TABLE_ENTRY at e. Links are written
// by LinkList.
func writeLdrEntry(s *Space, e uint64, mod Module, alloc func(uint64) uint64) {
	c := offsets.ArchConstants[offsets.ArchX64]
	s.Put64(e+uint64(c[offsets.LdrEntryBase]), mod.Base)
	s.Put32(e+uint64(c[offsets.LdrEntrySize]), mod.Size)
	strs := alloc(0x400)
	PutUnicodeString(s, e+uint64(c[offsets.LdrEntryFullName]), strs, mod.Path)
	PutUnicodeString(s, e+uint64(c[offsets.LdrEntryBaseName]), strs+0x200, mod.Name)
}

// buildPEB maps the user-mode PEB, loader data and process parameters for p
// and returns the PEB address.
func (k *Kernel) buildPEB(s *Space, p Process) uint64 {
	c := offsets.ArchConstants[offsets.ArchX64]
	peb := uint64(0x000000b5e0a1a000) + p.PID<<16
	s.Alloc(peb, 0x1000)
	heap := peb + 0x10000
	s.Alloc(heap, 0x10000)
	next := heap
	alloc := func(n uint64) uint64 {
		va := next
		next += (n + 0xf) &^ 0xf
		return va
	}

	ldr := alloc(0x58)
	s.Put64(peb+uint64(c[offsets.PEBLdr]), ldr)
	head := ldr + uint64(c[offsets.LdrList])
	var entries []uint64
	for _, mod := range p.Modules {
		e := alloc(0x100)
		writeLdrEntry(s, e, mod, alloc)
		entries = append(entries, e)
	}
	LinkList(s, head, entries)

	params := alloc(0x100)
	s.Put64(peb+uint64(c[offsets.PEBParams]), params)
	PutUnicodeString(s, params+uint64(c[offsets.ParamsImagePath]), alloc(0x200), p.ImagePath)
	PutUnicodeString(s, params+uint64(c[offsets.ParamsCommandLine]), alloc(0x200), p.CommandLine)
	return peb
}

// rtlGetVersion emits the stores RtlGetVersion makes into
// RTL_OSVERSIONINFOW: dwMajorVersion at +4, dwMinorVersion at +8.
func rtlGetVersion(major, minor uint32) []byte {
	b := []byte{0x48, 0x83, 0xec, 0x28}
	b = append(b, 0xc7, 0x41, 0x04)
	b = binary.LittleEndian.AppendUint32(b, major)
	b = append(b, 0xc7, 0x41, 0x08)
	b = binary.LittleEndian.AppendUint32(b, minor)
	return append(b, 0x33, 0xc0, 0x48, 0x83, 0xc4, 0x28, 0xc3)
}
