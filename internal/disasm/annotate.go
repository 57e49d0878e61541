package disasm

import "fmt"

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation.
type Annotator func(inst Inst) string

// FieldAnnotator annotates accesses through the first argument with the
// field name resolved for their displacement.
func FieldAnnotator(accesses []FieldAccess, fields map[int64]string) Annotator {
	byAddr := make(map[uint64]FieldAccess, len(accesses))
	for _, a := range accesses {
		byAddr[a.Inst.Addr] = a
	}
	return func(inst Inst) string {
		a, ok := byAddr[inst.Addr]
		if !ok {
			return ""
		}
		if name, found := fields[a.Disp]; found {
			return fmt.Sprintf("+0x%x %s", a.Disp, name)
		}
		return fmt.Sprintf("+0x%x", a.Disp)
	}
}
