package disasm

import "golang.org/x/arch/x86/x86asm"

// BranchInfo describes a decoded control transfer that ends a basic block.
type BranchInfo struct {
	Target   uint64 // absolute target address, 0 for RET or indirect jumps
	Cond     bool   // conditional, has a fallthrough
	IsRet    bool
	Indirect bool // JMP through a register or memory operand
	Trap     bool // UD2, INT3, INT 0x29 (__fastfail) or HLT
}

// Interrupt vectors that never return: INT3 decodes as INT 3.
const (
	breakpointVector = 0x03
	fastFailVector   = 0x29
)

var condJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JO: true, x86asm.JNO: true,
	x86asm.JP: true, x86asm.JNP: true, x86asm.JS: true, x86asm.JNS: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

// relTarget returns the absolute target of a relative first operand.
func relTarget(inst Inst) (uint64, bool) {
	rel, ok := inst.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return uint64(int64(inst.Addr) + int64(inst.Size) + int64(rel)), true
}

// DecodeBranch returns the branch described by inst, or nil if inst does not
// end a basic block. Calls return to the next instruction and are not
// branches.
func DecodeBranch(inst Inst) *BranchInfo {
	if !inst.Valid {
		return nil
	}
	switch op := inst.Inst.Op; {
	case op == x86asm.RET || op == x86asm.LRET || op == x86asm.IRET || op == x86asm.IRETQ:
		return &BranchInfo{IsRet: true}
	case op == x86asm.JMP:
		if t, ok := relTarget(inst); ok {
			return &BranchInfo{Target: t}
		}
		return &BranchInfo{Indirect: true}
	case condJumps[op]:
		t, _ := relTarget(inst)
		return &BranchInfo{Target: t, Cond: true}
	case op == x86asm.UD2 || op == x86asm.HLT:
		return &BranchInfo{Trap: true}
	case op == x86asm.INT:
		if v, ok := inst.Inst.Args[0].(x86asm.Imm); ok && (v == breakpointVector || v == fastFailVector) {
			return &BranchInfo{Trap: true}
		}
	}
	return nil
}

// IsBranchTerminator reports whether inst ends a basic block.
func IsBranchTerminator(inst Inst) bool {
	return DecodeBranch(inst) != nil
}
