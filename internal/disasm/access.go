package disasm

import "golang.org/x/arch/x86/x86asm"

// FieldAccess is a memory operand relative to the tracked object pointer.
type FieldAccess struct {
	Inst  Inst
	Base  x86asm.Reg
	Disp  int64
	Lea   bool // address taken rather than loaded
	Width int  // operand width in bytes
}

// ArgRegister is the register holding the first argument on entry: RCX
// under the x64 calling convention. 32-bit code passes it on the stack.
func ArgRegister(bits int) x86asm.Reg {
	if bits == 32 {
		return 0
	}
	return x86asm.RCX
}

var alias = map[x86asm.Reg]x86asm.Reg{
	x86asm.ECX: x86asm.RCX, x86asm.EDX: x86asm.RDX, x86asm.EAX: x86asm.RAX,
	x86asm.EBX: x86asm.RBX, x86asm.ESI: x86asm.RSI, x86asm.EDI: x86asm.RDI,
	x86asm.EBP: x86asm.RBP, x86asm.ESP: x86asm.RSP,
}

func canon(r x86asm.Reg) x86asm.Reg {
	if a, ok := alias[r]; ok {
		return a
	}
	return r
}

// isStackArg reports whether m addresses the first stack argument of a
// 32-bit function, either before or after the ebp frame is set up.
func isStackArg(m x86asm.Mem) bool {
	switch canon(m.Base) {
	case x86asm.RSP:
		return m.Disp == 4 && m.Index == 0
	case x86asm.RBP:
		return m.Disp == 8 && m.Index == 0
	}
	return false
}

// FieldAccesses tracks the object pointer passed as the first argument and
// returns every memory operand based on it, in decode order. The pointer is
// followed through register-to-register moves; 32-bit code picks it up from
// its stack slot. Tracking stops at the first RET.
func FieldAccesses(insts []Inst, bits int) []FieldAccess {
	held := map[x86asm.Reg]bool{}
	if r := ArgRegister(bits); r != 0 {
		held[r] = true
	}
	var out []FieldAccess
	for _, in := range insts {
		if !in.Valid {
			continue
		}
		op := in.Inst.Op
		if op == x86asm.RET {
			break
		}
		dst, _ := in.Inst.Args[0].(x86asm.Reg)
		switch src := in.Inst.Args[1].(type) {
		case x86asm.Mem:
			if bits == 32 && op == x86asm.MOV && isStackArg(src) && dst != 0 {
				held[canon(dst)] = true
				continue
			}
			if src.Index == 0 && held[canon(src.Base)] {
				out = append(out, FieldAccess{
					Inst:  in,
					Base:  canon(src.Base),
					Disp:  src.Disp,
					Lea:   op == x86asm.LEA,
					Width: int(in.Inst.MemBytes),
				})
			}
		case x86asm.Reg:
			if op == x86asm.MOV && dst != 0 && held[canon(src)] {
				held[canon(dst)] = true
				continue
			}
		}
		// A store through the pointer, e.g. mov [rcx+0x10], eax.
		if m, ok := in.Inst.Args[0].(x86asm.Mem); ok && m.Index == 0 && held[canon(m.Base)] {
			out = append(out, FieldAccess{
				Inst:  in,
				Base:  canon(m.Base),
				Disp:  m.Disp,
				Width: int(in.Inst.MemBytes),
			})
			continue
		}
		if dst != 0 && op != x86asm.CMP && op != x86asm.TEST && op != x86asm.PUSH {
			delete(held, canon(dst))
		}
	}
	return out
}

// FirstDisplacement decodes code and returns the displacement of the first
// access through the first argument.
func FirstDisplacement(code []byte, bits int) (FieldAccess, bool) {
	insts := Disassemble(code, Options{Bits: bits, MaxSteps: 64, StopAtRet: true})
	acc := FieldAccesses(insts, bits)
	if len(acc) == 0 {
		return FieldAccess{}, false
	}
	return acc[0], true
}
