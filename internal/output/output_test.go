package output

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zboralski/lattice"

	"ntwalk/internal/disasm"
	"ntwalk/internal/ntos"
)

var procs = []ntos.Process{
	{PID: 4, Name: "System", Alive: true},
	{PID: 812, ParentPID: 4, Name: "svchost.exe", Alive: true},
	{PID: 5000, ParentPID: 812, Name: "notepad.exe", ExitStatus: 1},
	{PID: 6000, ParentPID: 812, Name: "cmd.exe", Alive: true, Wow64: true},
	{PID: 7000, ParentPID: 1234, Name: "orphan.exe", Alive: true},
}

func TestProcessTree(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, ProcessTree(&b, procs))
	assert.Equal(t, strings.Join([]string{
		"System (4)",
		"  svchost.exe (812)",
		"    notepad.exe (5000)",
		"    cmd.exe (6000)",
		"orphan.exe (7000)",
		"",
	}, "\n"), b.String())
}

func TestProcessTreeSelfParent(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, ProcessTree(&b, []ntos.Process{{PID: 8, ParentPID: 8, Name: "loop"}}))
	assert.Equal(t, "loop (8)\n", b.String())
}

func TestProcessGraph(t *testing.T) {
	g := ProcessGraph(procs)
	assert.Len(t, g.Nodes, 5)
	assert.Contains(t, g.Edges, lattice.Edge{Caller: "System (4)", Callee: "svchost.exe (812)"})
	assert.Contains(t, g.Edges, lattice.Edge{Caller: "svchost.exe (812)", Callee: "cmd.exe (6000)"})
	assert.Len(t, g.Edges, 3)

	dot := ProcessTreeDOT(procs, "pstree")
	assert.Contains(t, dot, "svchost.exe")
}

func TestProcessesTable(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, Processes(&b, procs))
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	require.Len(t, lines, 6)
	assert.True(t, strings.HasPrefix(lines[0], "PID"))
	assert.Contains(t, lines[3], "exited(0x1)")
	assert.Contains(t, lines[4], "cmd.exe *32")
}

func TestThreadState(t *testing.T) {
	assert.Equal(t, "waiting", ThreadState(5))
	assert.Equal(t, "state(42)", ThreadState(42))
}

func TestWriteFormats(t *testing.T) {
	v := struct {
		Name string `json:"name" toml:"name"`
		PID  uint64 `json:"pid" toml:"pid"`
	}{"svchost.exe", 812}

	var b bytes.Buffer
	require.NoError(t, Write(&b, FormatJSON, v))
	var back map[string]any
	require.NoError(t, json.Unmarshal(b.Bytes(), &back))
	assert.Equal(t, "svchost.exe", back["name"])

	b.Reset()
	require.NoError(t, Write(&b, FormatTOML, v))
	assert.Contains(t, b.String(), "name = 'svchost.exe'")
	assert.Contains(t, b.String(), "pid = 812")

	_, err := ParseFormat("yaml")
	assert.Error(t, err)
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)
}

func TestWriteFileAndASM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asm", "PsGetProcessId.txt")
	insts := disasm.Disassemble([]byte{0x48, 0x8b, 0x81, 0x40, 0x04, 0x00, 0x00, 0xc3}, disasm.Options{BaseAddr: 0x1000})

	var b bytes.Buffer
	require.NoError(t, WriteASM(&b, insts, disasm.PlaceholderLookup(map[uint64]string{0x1000: "PsGetProcessId"})))
	require.NoError(t, WriteFile(path, b.Bytes()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<PsGetProcessId>")
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestFunctionCFG(t *testing.T) {
	//   0x1000: test rcx, rcx
	//   0x1003: je 0x100a
	//   0x1005: call 0x2000
	//   0x100a: ret
	code := []byte{0x48, 0x85, 0xc9, 0x74, 0x05, 0xe8, 0xf6, 0x0f, 0x00, 0x00, 0xc3}
	insts := disasm.Disassemble(code, disasm.Options{BaseAddr: 0x1000})
	edges := disasm.ExtractCallEdges(insts, disasm.PlaceholderLookup(map[uint64]string{0x2000: "KeBugCheckEx"}), 8)

	g := FunctionCFG("PsCheck", insts, edges)
	require.Len(t, g.Funcs, 1)
	f := g.Funcs[0]
	require.Len(t, f.Blocks, 3)
	assert.Len(t, f.Blocks[0].Succs, 2)
	require.Len(t, f.Blocks[1].Calls, 1)
	assert.Equal(t, "KeBugCheckEx", f.Blocks[1].Calls[0].Callee)
	assert.Equal(t, 2, f.Blocks[1].Calls[0].Offset)
	// KeBugCheckEx never returns, so the call ends the path.
	assert.True(t, f.Blocks[1].Term)
	assert.Empty(t, f.Blocks[1].Succs)
	assert.True(t, f.Blocks[2].Term)

	assert.NotEmpty(t, FunctionCFGDOT("PsCheck", insts, edges))
}
