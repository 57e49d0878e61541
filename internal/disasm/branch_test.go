package disasm

import "testing"

// decode disassembles code at 0x1000 in 64-bit mode.
func decode(t *testing.T, code ...byte) []Inst {
	t.Helper()
	insts := Disassemble(code, Options{BaseAddr: 0x1000})
	for _, in := range insts {
		if !in.Valid {
			t.Fatalf("undecodable byte at 0x%x", in.Addr)
		}
	}
	return insts
}

func TestDecodeBranch(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want *BranchInfo
	}{
		{"ret", []byte{0xc3}, &BranchInfo{IsRet: true}},
		{"ret imm16", []byte{0xc2, 0x08, 0x00}, &BranchInfo{IsRet: true}},
		{"jmp rel8", []byte{0xeb, 0x10}, &BranchInfo{Target: 0x1012}},
		{"jmp rel8 backward", []byte{0xeb, 0xfe}, &BranchInfo{Target: 0x1000}},
		{"jmp rel32", []byte{0xe9, 0x00, 0x01, 0x00, 0x00}, &BranchInfo{Target: 0x1105}},
		{"je rel8", []byte{0x74, 0x20}, &BranchInfo{Target: 0x1022, Cond: true}},
		{"jne rel32", []byte{0x0f, 0x85, 0x10, 0x00, 0x00, 0x00}, &BranchInfo{Target: 0x1016, Cond: true}},
		{"jmp rax", []byte{0xff, 0xe0}, &BranchInfo{Indirect: true}},
		{"jmp [rip+0]", []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}, &BranchInfo{Indirect: true}},
		{"ud2", []byte{0x0f, 0x0b}, &BranchInfo{Trap: true}},
		{"int3", []byte{0xcc}, &BranchInfo{Trap: true}},
		{"int 0x29", []byte{0xcd, 0x29}, &BranchInfo{Trap: true}},
		{"hlt", []byte{0xf4}, &BranchInfo{Trap: true}},
		{"int 0x2e", []byte{0xcd, 0x2e}, nil},
		{"call rel32", []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, nil},
		{"nop", []byte{0x90}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insts := decode(t, tt.code...)
			got := DecodeBranch(insts[0])
			if tt.want == nil {
				if got != nil {
					t.Fatalf("DecodeBranch = %+v, want nil", *got)
				}
				return
			}
			if got == nil {
				t.Fatal("DecodeBranch = nil")
			}
			if *got != *tt.want {
				t.Errorf("DecodeBranch = %+v, want %+v", *got, *tt.want)
			}
			if !IsBranchTerminator(insts[0]) {
				t.Error("IsBranchTerminator = false")
			}
		})
	}
}

func TestDecodeBranchInvalid(t *testing.T) {
	if DecodeBranch(Inst{Addr: 0x1000, Size: 1}) != nil {
		t.Error("invalid instruction decoded as branch")
	}
}
