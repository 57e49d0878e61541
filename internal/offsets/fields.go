// Field catalog for Windows kernel structures.
package offsets

// Kernel structure fields. Values are byte offsets from the start of the
// named structure.
const (
	ListBlink = "list.blink" // _LIST_ENTRY::Blink

	EprocessLink       = "eprocess.link"        // _EPROCESS::ActiveProcessLinks
	EprocessPID        = "eprocess.pid"         // _EPROCESS::UniqueProcessId
	EprocessName       = "eprocess.name"        // _EPROCESS::ImageFileName
	EprocessPEB        = "eprocess.peb"         // _EPROCESS::Peb
	EprocessParentPID  = "eprocess.parent_pid"  // _EPROCESS::InheritedFromUniqueProcessId
	EprocessExitStatus = "eprocess.exit_status" // _EPROCESS::ExitStatus
	EprocessSection    = "eprocess.section_base"
	EprocessWow64      = "eprocess.wow64"
	EprocessThreadList = "eprocess.thread_list" // _EPROCESS::ThreadListHead
	KprocessDTB        = "kprocess.dtb"         // _KPROCESS::DirectoryTableBase

	EthreadListEntry = "ethread.list_entry" // _ETHREAD::ThreadListEntry
	EthreadCID       = "ethread.cid"        // _ETHREAD::Cid
	KthreadTEB       = "kthread.teb"
	KthreadState     = "kthread.state"
)

// User-mode structure fields. These do not change across builds of one
// architecture and are always filled from ArchConstants.
const (
	PEBLdr            = "peb.ldr"
	PEBParams         = "peb.process_params"
	LdrList           = "ldr.list"            // _PEB_LDR_DATA::InLoadOrderModuleList
	LdrEntryBase      = "ldr_entry.base"      // _LDR_DATA_TABLE_ENTRY::DllBase
	LdrEntrySize      = "ldr_entry.size"      // _LDR_DATA_TABLE_ENTRY::SizeOfImage
	LdrEntryFullName  = "ldr_entry.full_name" // _LDR_DATA_TABLE_ENTRY::FullDllName
	LdrEntryBaseName  = "ldr_entry.base_name" // _LDR_DATA_TABLE_ENTRY::BaseDllName
	ParamsImagePath   = "params.image_path"   // _RTL_USER_PROCESS_PARAMETERS::ImagePathName
	ParamsCommandLine = "params.command_line" // _RTL_USER_PROCESS_PARAMETERS::CommandLine
	TEBPEB            = "teb.peb"             // _TEB::ProcessEnvironmentBlock
)

// Required lists the fields process and module enumeration read. A table
// missing any of these never leaves the resolver.
var Required = []string{
	ListBlink,
	EprocessLink,
	EprocessPID,
	EprocessName,
	EprocessPEB,
	EprocessParentPID,
	EprocessExitStatus,
	KprocessDTB,
}

// ThreadFields lists the fields thread enumeration reads.
var ThreadFields = []string{
	EprocessThreadList,
	EthreadListEntry,
	EthreadCID,
	KthreadTEB,
	KthreadState,
}

// Optional lists every kernel field that is resolved when possible but whose
// absence does not fail resolution.
var Optional = append([]string{EprocessSection, EprocessWow64}, ThreadFields...)

// KernelFields returns the required and optional kernel fields in a stable order.
func KernelFields() []string {
	out := make([]string, 0, len(Required)+len(Optional))
	out = append(out, Required...)
	return append(out, Optional...)
}

// IsRequired reports whether name is in Required.
func IsRequired(name string) bool {
	for _, f := range Required {
		if f == name {
			return true
		}
	}
	return false
}

// ArchConstants holds the user-mode offsets per architecture.
var ArchConstants = map[Arch]map[string]uint32{
	ArchX86: {
		PEBLdr:            0xc,
		PEBParams:         0x10,
		LdrList:           0xc,
		LdrEntryBase:      0x18,
		LdrEntrySize:      0x20,
		LdrEntryFullName:  0x24,
		LdrEntryBaseName:  0x2c,
		ParamsImagePath:   0x38,
		ParamsCommandLine: 0x40,
		TEBPEB:            0x30,
	},
	ArchX64: {
		PEBLdr:            0x18,
		PEBParams:         0x20,
		LdrList:           0x10,
		LdrEntryBase:      0x30,
		LdrEntrySize:      0x40,
		LdrEntryFullName:  0x48,
		LdrEntryBaseName:  0x58,
		ParamsImagePath:   0x60,
		ParamsCommandLine: 0x70,
		TEBPEB:            0x60,
	},
}

func archConstants(a Arch) map[string]uint32 {
	if a == ArchX86PAE {
		a = ArchX86
	}
	return ArchConstants[a]
}

// SymbolRef names where a field lives in the kernel debug symbols. Members
// are tried in order; later names cover renames across releases.
type SymbolRef struct {
	Struct  string
	Members []string
}

// Symbols maps each kernel field to its symbol location.
var Symbols = map[string]SymbolRef{
	ListBlink:          {"_LIST_ENTRY", []string{"Blink"}},
	EprocessLink:       {"_EPROCESS", []string{"ActiveProcessLinks"}},
	EprocessPID:        {"_EPROCESS", []string{"UniqueProcessId"}},
	EprocessName:       {"_EPROCESS", []string{"ImageFileName"}},
	EprocessPEB:        {"_EPROCESS", []string{"Peb"}},
	EprocessParentPID:  {"_EPROCESS", []string{"InheritedFromUniqueProcessId"}},
	EprocessExitStatus: {"_EPROCESS", []string{"ExitStatus"}},
	EprocessSection:    {"_EPROCESS", []string{"SectionBaseAddress"}},
	// Windows 10 spells it WoW64Process, Windows 7 Wow64Process.
	EprocessWow64:      {"_EPROCESS", []string{"WoW64Process", "Wow64Process"}},
	EprocessThreadList: {"_EPROCESS", []string{"ThreadListHead"}},
	KprocessDTB:        {"_KPROCESS", []string{"DirectoryTableBase"}},
	EthreadListEntry:   {"_ETHREAD", []string{"ThreadListEntry"}},
	EthreadCID:         {"_ETHREAD", []string{"Cid"}},
	KthreadTEB:         {"_KTHREAD", []string{"Teb"}},
	KthreadState:       {"_KTHREAD", []string{"State"}},
}
