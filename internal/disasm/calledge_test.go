package disasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestExtractCallEdges(t *testing.T) {
	//   0x1000: call 0x1010
	//   0x1005: mov rax, [rip+0x10]   ; slot 0x101c
	//   0x100c: call rax
	//   0x100e: call [rip+0x20]       ; slot 0x1034
	//   0x1014: ret
	insts := decode(t,
		0xe8, 0x0b, 0x00, 0x00, 0x00,
		0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00,
		0xff, 0xd0,
		0xff, 0x15, 0x20, 0x00, 0x00, 0x00,
		0xc3,
	)
	symbols := PlaceholderLookup(map[uint64]string{
		0x1010: "KeBugCheckEx",
		0x101c: "__imp_ExAllocatePool2",
	})

	edges := ExtractCallEdges(insts, symbols, 8)
	require.Len(t, edges, 3)

	assert.Equal(t, CallEdge{FromPC: 0x1000, Kind: "call", TargetPC: 0x1010, TargetName: "KeBugCheckEx"}, edges[0])
	assert.Equal(t, CallEdge{FromPC: 0x100c, Kind: "call_ind", Reg: "RAX", Via: "__imp_ExAllocatePool2"}, edges[1])
	assert.Equal(t, CallEdge{FromPC: 0x100e, Kind: "call_ind", TargetPC: 0x1034, Via: "[0x1034]"}, edges[2])

	assert.Equal(t, "KeBugCheckEx", edges[0].Callee())
	assert.Equal(t, "__imp_ExAllocatePool2", edges[1].Callee())
}

func TestExtractCallEdgesProvenanceExpires(t *testing.T) {
	//   mov rax, [rip+0]; nop; nop; call rax
	insts := decode(t,
		0x48, 0x8b, 0x05, 0x00, 0x00, 0x00, 0x00,
		0x90, 0x90,
		0xff, 0xd0,
	)
	edges := ExtractCallEdges(insts, nil, 1)
	require.Len(t, edges, 1)
	assert.Empty(t, edges[0].Via)
	assert.Equal(t, "RAX", edges[0].Callee())

	edges = ExtractCallEdges(insts, nil, 8)
	require.Len(t, edges, 1)
	assert.Equal(t, "[0x1007]", edges[0].Via)
}

func TestExtractCallEdgesKill(t *testing.T) {
	//   lea rax, [rip+0]; mov rax, rbx; call rax
	insts := decode(t,
		0x48, 0x8d, 0x05, 0x00, 0x00, 0x00, 0x00,
		0x48, 0x89, 0xd8,
		0xff, 0xd0,
	)
	edges := ExtractCallEdges(insts, nil, 8)
	require.Len(t, edges, 1)
	assert.Empty(t, edges[0].Via)

	// Without the overwrite the lea provenance reaches the call.
	insts = decode(t,
		0x48, 0x8d, 0x05, 0x00, 0x00, 0x00, 0x00,
		0xff, 0xd0,
	)
	edges = ExtractCallEdges(insts, nil, 8)
	require.Len(t, edges, 1)
	assert.Equal(t, "&[0x1007]", edges[0].Via)
}

func TestRegTracker(t *testing.T) {
	rt := NewRegTracker(2)
	rt.Define(x86asm.EAX, "slot")
	assert.Equal(t, "slot", rt.Lookup(x86asm.RAX), "32-bit alias shares the definition")
	rt.Tick()
	rt.Tick()
	assert.Equal(t, "slot", rt.Lookup(x86asm.RAX))
	rt.Tick()
	assert.Empty(t, rt.Lookup(x86asm.RAX))

	rt.Define(x86asm.RBX, "other")
	rt.Kill(x86asm.EBX)
	assert.Empty(t, rt.Lookup(x86asm.RBX))
}

func TestCallAnnotator(t *testing.T) {
	insts := decode(t, 0xe8, 0x00, 0x00, 0x00, 0x00, 0xc3)
	edges := ExtractCallEdges(insts, nil, 8)
	ann := CallAnnotator(edges)
	assert.Equal(t, "-> 0x1005", ann(insts[0]))
	assert.Empty(t, ann(insts[1]))
}
