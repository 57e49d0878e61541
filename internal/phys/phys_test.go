package phys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReadWrite(t *testing.T) {
	m := NewMemory(0x10000)

	buf := make([]byte, 16)
	require.NoError(t, m.ReadPhys(0x1000, buf))
	assert.Equal(t, make([]byte, 16), buf, "untouched memory reads as zeros")

	// Write across a page boundary.
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, m.WritePhys(0x1ffc, data))
	got := make([]byte, 8)
	require.NoError(t, m.ReadPhys(0x1ffc, got))
	assert.Equal(t, data, got)
	assert.Equal(t, 2, m.Pages())

	v, err := ReadUint64(m, 0x1ffc)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0807060504030201), v)
}

func TestMemoryOutOfRange(t *testing.T) {
	m := NewMemory(0x2000)
	err := m.ReadPhys(0x1ff8, make([]byte, 16))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	_, err = ReadUint32(m, 0x5000)
	assert.True(t, errors.Is(err, ErrConnectorIO), "helpers wrap connector errors")
	assert.True(t, errors.Is(err, ErrOutOfRange), "cause stays reachable")
}

func TestFileConnector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.raw")
	raw := make([]byte, 0x3000)
	raw[0x2000] = 0xaa
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	f, err := OpenFile(path, false)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int64(0x3000), f.Size())
	b := make([]byte, 1)
	require.NoError(t, f.ReadPhys(0x2000, b))
	assert.Equal(t, byte(0xaa), b[0])

	assert.ErrorIs(t, f.WritePhys(0x2000, []byte{1}), ErrReadOnly)
	assert.ErrorIs(t, f.ReadPhys(0x2fff, make([]byte, 2)), ErrOutOfRange)
}

func TestFileConnectorWritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.raw")
	require.NoError(t, os.WriteFile(path, make([]byte, 0x1000), 0o644))

	f, err := OpenFile(path, true)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, Write(f, 0x10, []byte{0xde, 0xad}))
	v, err := ReadUint32(f, 0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xadde), v)
}

func TestOpenFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.raw")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := OpenFile(path, false)
	assert.Error(t, err)
}
