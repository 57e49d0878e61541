package disasm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestDisassembleAccessor(t *testing.T) {
	// mov rax, [rcx+0x440]; ret
	code := []byte{0x48, 0x8b, 0x81, 0x40, 0x04, 0x00, 0x00, 0xc3}
	insts := Disassemble(code, Options{BaseAddr: 0x1000})
	require.Len(t, insts, 2)
	assert.Equal(t, uint64(0x1000), insts[0].Addr)
	assert.Equal(t, uint64(0x1007), insts[1].Addr)
	assert.Equal(t, 7, insts[0].Size)
	assert.Contains(t, strings.ToLower(insts[0].Text), "mov")
	assert.Equal(t, x86asm.RET, insts[1].Inst.Op)
}

func TestDisassembleMaxSteps(t *testing.T) {
	code := make([]byte, 100)
	for i := range code {
		code[i] = 0x90
	}
	assert.Len(t, Disassemble(code, Options{MaxSteps: 10}), 10)
}

func TestDisassembleEmpty(t *testing.T) {
	assert.Empty(t, Disassemble(nil, Options{}))
}

func TestDisassembleTruncated(t *testing.T) {
	// ret, then a mov cut off after its opcode.
	insts := Disassemble([]byte{0xc3, 0x48, 0x8b}, Options{})
	require.Len(t, insts, 3)
	assert.True(t, insts[0].Valid)
	assert.False(t, insts[1].Valid)
	assert.Equal(t, ".byte 0x48", insts[1].Text)
	assert.Equal(t, uint64(2), insts[2].Addr)
	assert.False(t, insts[2].Valid)
}

func TestDisassembleDanglingPrefix(t *testing.T) {
	// A lone REX.W at the end of the buffer is not an instruction.
	insts := Disassemble([]byte{0x90, 0x48}, Options{})
	require.Len(t, insts, 2)
	assert.True(t, insts[0].Valid)
	assert.False(t, insts[1].Valid)
	assert.Equal(t, ".byte 0x48", insts[1].Text)
	assert.Equal(t, 1, insts[1].Size)
}

func TestFirstDisplacement(t *testing.T) {
	tests := []struct {
		name string
		bits int
		code []byte
		disp int64
		lea  bool
	}{
		{"mov rax", 64, []byte{0x48, 0x8b, 0x81, 0x40, 0x04, 0x00, 0x00, 0xc3}, 0x440, false},
		{"lea rax", 64, []byte{0x48, 0x8d, 0x81, 0xa8, 0x05, 0x00, 0x00, 0xc3}, 0x5a8, true},
		{"mov eax", 64, []byte{0x8b, 0x81, 0xd4, 0x07, 0x00, 0x00, 0xc3}, 0x7d4, false},
		{"via copy", 64, []byte{
			0x48, 0x8b, 0xd1, // mov rdx, rcx
			0x48, 0x8b, 0x82, 0x50, 0x05, 0x00, 0x00, // mov rax, [rdx+0x550]
			0xc3,
		}, 0x550, false},
		{"x86 frame", 32, []byte{
			0x8b, 0xff, // mov edi, edi
			0x55,       // push ebp
			0x8b, 0xec, // mov ebp, esp
			0x8b, 0x45, 0x08, // mov eax, [ebp+8]
			0x8b, 0x80, 0xb4, 0x00, 0x00, 0x00, // mov eax, [eax+0xb4]
			0x5d,             // pop ebp
			0xc2, 0x04, 0x00, // ret 4
		}, 0xb4, false},
		{"x86 esp", 32, []byte{
			0x8b, 0x44, 0x24, 0x04, // mov eax, [esp+4]
			0x8b, 0x80, 0xa8, 0x01, 0x00, 0x00, // mov eax, [eax+0x1a8]
			0xc2, 0x04, 0x00,
		}, 0x1a8, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			acc, ok := FirstDisplacement(tc.code, tc.bits)
			require.True(t, ok)
			assert.Equal(t, tc.disp, acc.Disp)
			assert.Equal(t, tc.lea, acc.Lea)
		})
	}
}

func TestFirstDisplacementIgnoresOtherRegisters(t *testing.T) {
	// mov rax, [rdx+0x10]; ret: rdx is not the argument.
	_, ok := FirstDisplacement([]byte{0x48, 0x8b, 0x42, 0x10, 0xc3}, 64)
	assert.False(t, ok)

	// mov rcx, [rcx+8]; mov rax, [rcx+0x20]: the pointer was replaced.
	acc := FieldAccesses(Disassemble([]byte{
		0x48, 0x8b, 0x49, 0x08,
		0x48, 0x8b, 0x41, 0x20,
		0xc3,
	}, Options{}), 64)
	require.Len(t, acc, 1)
	assert.Equal(t, int64(8), acc[0].Disp)
}

func TestFormat(t *testing.T) {
	code := []byte{0x48, 0x8b, 0x81, 0x40, 0x04, 0x00, 0x00, 0xc3}
	insts := Disassemble(code, Options{BaseAddr: 0x1000})
	acc := FieldAccesses(insts, 64)

	text := Format(insts, PlaceholderLookup(map[uint64]string{0x1007: "ret_site"}),
		FieldAnnotator(acc, map[int64]string{0x440: "eprocess.pid"}))
	assert.Contains(t, text, "0x0000000000001000")
	assert.Contains(t, text, "48 8b 81 40 04 00 00")
	assert.Contains(t, text, "+0x440 eprocess.pid")
	assert.Contains(t, text, "<ret_site>")
	assert.Equal(t, text, Format(insts, PlaceholderLookup(map[uint64]string{0x1007: "ret_site"}),
		FieldAnnotator(acc, map[int64]string{0x440: "eprocess.pid"})))
}
