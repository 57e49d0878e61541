package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntwalk/internal/ntos"
	"ntwalk/internal/offsets"
	"ntwalk/internal/phys/phystest"
)

func dumpFile(t *testing.T) string {
	t.Helper()
	k := phystest.BuildKernel(phystest.DefaultSpec())
	path := filepath.Join(t.TempDir(), "mem.raw")
	require.NoError(t, k.Machine.WriteImage(path))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func runDump(t *testing.T, dump string, args ...string) (string, error) {
	t.Helper()
	out, _, err := run(t, append([]string{"--dump", dump, "--no-symbols"}, args...)...)
	return out, err
}

func TestInfo(t *testing.T) {
	out, err := runDump(t, dumpFile(t), "info")
	require.NoError(t, err)
	assert.Contains(t, out, "ntkrnlmp.pdb/1C9875F76C8F0FBF3EB9A9D7C1C274061")
	assert.Contains(t, out, "database_hit")
	assert.Contains(t, out, "eprocess.pid")
}

func TestPs(t *testing.T) {
	dump := dumpFile(t)

	out, err := runDump(t, dump, "ps")
	require.NoError(t, err)
	assert.Contains(t, out, "svchost.exe")
	assert.Contains(t, out, "notepad.exe")

	out, err = runDump(t, dump, "ps", "--format", "json")
	require.NoError(t, err)
	var list ntos.ProcessList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	var pids []uint64
	for _, p := range list.Processes {
		pids = append(pids, p.PID)
	}
	assert.Equal(t, []uint64{4, 812, 5000}, pids)

	_, err = runDump(t, dump, "ps", "--format", "toml")
	assert.Error(t, err)
}

func TestPstree(t *testing.T) {
	dump := dumpFile(t)

	out, err := runDump(t, dump, "pstree")
	require.NoError(t, err)
	assert.Contains(t, out, "notepad.exe (5000)")

	out, err = runDump(t, dump, "pstree", "--dot")
	require.NoError(t, err)
	assert.Contains(t, out, "svchost.exe")
}

func TestModules(t *testing.T) {
	dump := dumpFile(t)

	out, err := runDump(t, dump, "modules", "--pid", "812")
	require.NoError(t, err)
	assert.Contains(t, out, "ntdll.dll")

	out, err = runDump(t, dump, "modules")
	require.NoError(t, err)
	assert.Contains(t, out, "hal.dll")

	_, err = runDump(t, dump, "modules", "--pid", "9999")
	assert.ErrorIs(t, err, ntos.ErrProcessNotFound)
}

func TestThreads(t *testing.T) {
	dump := dumpFile(t)

	out, err := runDump(t, dump, "threads", "--pid", "4", "--format", "json")
	require.NoError(t, err)
	var list ntos.ThreadList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Threads, 2)
	assert.Equal(t, uint64(8), list.Threads[0].TID)
	assert.Equal(t, uint64(12), list.Threads[1].TID)

	_, err = runDump(t, dump, "threads")
	assert.ErrorIs(t, err, errNoPID)
}

func TestReadKernelHeader(t *testing.T) {
	out, err := runDump(t, dumpFile(t), "read", "--pid", "4",
		"--va", fmt.Sprintf("0x%x", uint64(phystest.KernelBase)), "--len", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "4d 5a")
}

func TestWriteReadBack(t *testing.T) {
	dump := dumpFile(t)

	out, err := runDump(t, dump, "ps", "--format", "json")
	require.NoError(t, err)
	var list ntos.ProcessList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	var peb uint64
	for _, p := range list.Processes {
		if p.PID == 812 {
			peb = p.PEB
		}
	}
	require.NotZero(t, peb)
	va := fmt.Sprintf("0x%x", peb+0x800)

	_, err = runDump(t, dump, "write", "--pid", "812", "--va", va, "--hex", "6e74")
	require.Error(t, err, "write without --writable")

	_, err = runDump(t, dump, "--writable", "write", "--pid", "812", "--va", va, "--hex", "6e 74 77 61 6c 6b")
	require.NoError(t, err)

	out, err = runDump(t, dump, "read", "--pid", "812", "--va", va, "--len", "6", "--raw")
	require.NoError(t, err)
	assert.Equal(t, "ntwalk", out)
}

func TestCmdline(t *testing.T) {
	out, err := runDump(t, dumpFile(t), "cmdline", "--pid", "812")
	require.NoError(t, err)
	assert.Contains(t, out, `svchost.exe -k netsvcs`)
}

func TestOffsetsTOMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets", "win10.toml")
	_, err := runDump(t, dumpFile(t), "offsets", "--toml", "--out", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	e, err := offsets.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "ntkrnlmp.pdb/1C9875F76C8F0FBF3EB9A9D7C1C274061", e.Key())
	assert.Equal(t, uint32(19041), e.Header.NtBuildNumber)
	assert.Equal(t, offsets.ArchX64, e.Header.Arch)
	got, ok := e.Table().Lookup(offsets.EprocessPID)
	require.True(t, ok)
	assert.Equal(t, phystest.Win10Offsets()[offsets.EprocessPID], got)
}

func TestDBList(t *testing.T) {
	out, _, err := run(t, "db", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ntkrnlmp.pdb/1C9875F76C8F0FBF3EB9A9D7C1C274061")
	assert.Contains(t, out, "10.0.19041")
}

func TestDisasm(t *testing.T) {
	out, err := runDump(t, dumpFile(t), "disasm", "PsGetProcessId")
	require.NoError(t, err)
	assert.Contains(t, out, "PsGetProcessId:")
	assert.Contains(t, out, "eprocess.pid")

	out, err = runDump(t, dumpFile(t), "disasm", "--cfg", "PsGetProcessId")
	require.NoError(t, err)
	assert.Contains(t, out, "PsGetProcessId")
}

func TestStats(t *testing.T) {
	_, stderr, err := run(t, "--dump", dumpFile(t), "--no-symbols", "--stats", "ps")
	require.NoError(t, err)
	assert.Contains(t, stderr, "ntwalk_walk_nodes_total{list=processes} 3")
	assert.Contains(t, stderr, "ntwalk_resolve_fields_total{source=database}")
}

func TestMissingDump(t *testing.T) {
	_, _, err := run(t, "ps")
	assert.ErrorIs(t, err, errNoDump)
}

func TestEnvironmentBinding(t *testing.T) {
	dump := dumpFile(t)
	t.Setenv("NTWALK_DUMP", dump)
	t.Setenv("NTWALK_NO_SYMBOLS", "true")
	out, _, err := run(t, "ps")
	require.NoError(t, err)
	assert.Contains(t, out, "svchost.exe")
}

func TestArchNeedsDTB(t *testing.T) {
	_, err := runDump(t, dumpFile(t), "--arch", "x64", "ps")
	assert.Error(t, err)
}
