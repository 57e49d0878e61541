package sigscan

import "ntwalk/internal/offsets"

// Entry ties a field to the exported kernel function whose body reveals it.
type Entry struct {
	Field    string
	Function string
	Patterns PatternSet
	Window   int // bytes of the function to scan
}

// Catalog is the signature data for one architecture.
type Catalog []Entry

// For returns the entries for field in catalog order.
func (c Catalog) For(field string) []Entry {
	var out []Entry
	for _, e := range c {
		if e.Field == field {
			out = append(out, e)
		}
	}
	return out
}

// Fields returns the distinct fields the catalog can resolve.
func (c Catalog) Fields() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range c {
		if !seen[e.Field] {
			seen[e.Field] = true
			out = append(out, e.Field)
		}
	}
	return out
}

const (
	objMin = 0x8
	objMax = 0x1000
	window = 0x40
)

type shape struct {
	p    Pattern
	kind AdjustKind
	at   int
}

// x64 accessor shapes.
var (
	movRax    = shape{MustParse("mov rax, [rcx+disp32]; ret", "48 8B 81 ?? ?? ?? ?? C3"), Disp32, 3}
	leaRax    = shape{MustParse("lea rax, [rcx+disp32]; ret", "48 8D 81 ?? ?? ?? ?? C3"), Disp32, 3}
	movEax    = shape{MustParse("mov eax, [rcx+disp32]; ret", "8B 81 ?? ?? ?? ?? C3"), Disp32, 2}
	movRax8   = shape{MustParse("mov rax, [rcx+disp8]; ret", "48 8B 41 ?? C3"), Disp8, 3}
	movRaxAny = shape{MustParse("mov rax, [rcx+disp32]", "48 8B 81 ?? ?? ?? ??"), Disp32, 3}
)

// x86 accessor shapes: stdcall with the object at [ebp+8] or [esp+4].
var (
	x86Frame = MustParse("mov edi, edi; push ebp; mov ebp, esp; mov eax, [ebp+8]", "8B FF 55 8B EC 8B 45 08")
	x86Esp   = MustParse("mov eax, [esp+4]", "8B 44 24 04")
)

// x64Entry tries the exact accessor shape first, then a disp8 form and a
// bare load for bodies that do more than return the field.
func x64Entry(field, fn string, add int64, primary shape) Entry {
	var ps []Pattern
	for i, s := range []shape{primary, movRax8, movRaxAny} {
		ps = append(ps, s.p.With(Adjust{Kind: s.kind, At: s.at, Add: add}, objMin, objMax, i))
	}
	return Entry{Field: field, Function: fn, Patterns: NewSet(ps...), Window: window}
}

func x86Entry(field, fn string, add int64) Entry {
	return Entry{
		Field:    field,
		Function: fn,
		Patterns: NewSet(
			x86Frame.With(Adjust{Kind: Decode, Add: add, Bits: 32}, objMin, objMax, 0),
			x86Esp.With(Adjust{Kind: Decode, Add: add, Bits: 32}, objMin, objMax, 1),
		),
		Window: window,
	}
}

// DefaultCatalog returns the signature catalog for arch.
func DefaultCatalog(arch offsets.Arch) Catalog {
	if arch == offsets.ArchX64 {
		return Catalog{
			x64Entry(offsets.EprocessPID, "PsGetProcessId", 0, movRax),
			x64Entry(offsets.EprocessPEB, "PsGetProcessPeb", 0, movRax),
			x64Entry(offsets.EprocessName, "PsGetProcessImageFileName", 0, leaRax),
			x64Entry(offsets.EprocessExitStatus, "PsGetProcessExitStatus", 0, movEax),
			x64Entry(offsets.EprocessParentPID, "PsGetProcessInheritedFromUniqueProcessId", 0, movRax),
			x64Entry(offsets.EprocessSection, "PsGetProcessSectionBaseAddress", 0, movRax),
			x64Entry(offsets.EprocessWow64, "PsGetProcessWow64Process", 0, movRax),
			x64Entry(offsets.KthreadTEB, "PsGetThreadTeb", 0, movRax),
			// PsGetThreadId returns Cid.UniqueThread, the second pointer.
			x64Entry(offsets.EthreadCID, "PsGetThreadId", -8, movRax),
		}
	}
	return Catalog{
		x86Entry(offsets.EprocessPID, "PsGetProcessId", 0),
		x86Entry(offsets.EprocessPEB, "PsGetProcessPeb", 0),
		x86Entry(offsets.EprocessName, "PsGetProcessImageFileName", 0),
		x86Entry(offsets.EprocessExitStatus, "PsGetProcessExitStatus", 0),
		x86Entry(offsets.EprocessParentPID, "PsGetProcessInheritedFromUniqueProcessId", 0),
		x86Entry(offsets.EprocessSection, "PsGetProcessSectionBaseAddress", 0),
		x86Entry(offsets.KthreadTEB, "PsGetThreadTeb", 0),
		x86Entry(offsets.EthreadCID, "PsGetThreadId", -4),
	}
}
