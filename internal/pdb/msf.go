package pdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var msfMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

const nilStream = 0xffffffff

// msf is a parsed multi-stream file container.
type msf struct {
	data      []byte
	blockSize uint32
	streams   [][]uint32 // block lists
	sizes     []uint32
}

func (m *msf) block(i uint32) ([]byte, error) {
	start := uint64(i) * uint64(m.blockSize)
	end := start + uint64(m.blockSize)
	if end > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: block %d beyond file", ErrCorrupt, i)
	}
	return m.data[start:end], nil
}

func (m *msf) readBlocks(blocks []uint32, size uint32) ([]byte, error) {
	if uint64(size) > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: stream of %d bytes", ErrCorrupt, size)
	}
	out := make([]byte, 0, size)
	for _, b := range blocks {
		data, err := m.block(b)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	if uint32(len(out)) < size {
		return nil, fmt.Errorf("%w: stream shorter than its size", ErrCorrupt)
	}
	return out[:size], nil
}

func blocksFor(size, blockSize uint32) uint32 {
	return (size + blockSize - 1) / blockSize
}

func openMSF(data []byte) (*msf, error) {
	if len(data) < 56 || !bytes.Equal(data[:len(msfMagic)], msfMagic) {
		return nil, ErrNotPDB
	}
	le := binary.LittleEndian
	m := &msf{data: data, blockSize: le.Uint32(data[32:])}
	switch m.blockSize {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fmt.Errorf("%w: block size %d", ErrCorrupt, m.blockSize)
	}
	numBlocks := le.Uint32(data[40:])
	if uint64(numBlocks)*uint64(m.blockSize) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d blocks in %d bytes", ErrCorrupt, numBlocks, len(data))
	}
	dirBytes := le.Uint32(data[44:])
	mapBlock := le.Uint32(data[52:])

	// The block map lists the blocks holding the stream directory.
	mapData, err := m.block(mapBlock)
	if err != nil {
		return nil, err
	}
	n := blocksFor(dirBytes, m.blockSize)
	if n*4 > m.blockSize {
		return nil, fmt.Errorf("%w: directory too large", ErrCorrupt)
	}
	dirBlocks := make([]uint32, n)
	for i := range dirBlocks {
		dirBlocks[i] = le.Uint32(mapData[i*4:])
	}
	dir, err := m.readBlocks(dirBlocks, dirBytes)
	if err != nil {
		return nil, err
	}

	if len(dir) < 4 {
		return nil, fmt.Errorf("%w: empty directory", ErrCorrupt)
	}
	count := le.Uint32(dir)
	pos := 4
	if uint64(count)*4+4 > uint64(len(dir)) {
		return nil, fmt.Errorf("%w: %d streams", ErrCorrupt, count)
	}
	m.sizes = make([]uint32, count)
	for i := range m.sizes {
		m.sizes[i] = le.Uint32(dir[pos:])
		pos += 4
	}
	m.streams = make([][]uint32, count)
	for i, size := range m.sizes {
		if size == nilStream {
			continue
		}
		nb := blocksFor(size, m.blockSize)
		if uint64(pos)+uint64(nb)*4 > uint64(len(dir)) {
			return nil, fmt.Errorf("%w: directory truncated at stream %d", ErrCorrupt, i)
		}
		blocks := make([]uint32, nb)
		for j := range blocks {
			blocks[j] = le.Uint32(dir[pos:])
			pos += 4
		}
		m.streams[i] = blocks
	}
	return m, nil
}

// stream returns the contents of stream i.
func (m *msf) stream(i int) ([]byte, error) {
	if i >= len(m.sizes) || m.sizes[i] == nilStream {
		return nil, fmt.Errorf("%w: stream %d missing", ErrCorrupt, i)
	}
	return m.readBlocks(m.streams[i], m.sizes[i])
}
