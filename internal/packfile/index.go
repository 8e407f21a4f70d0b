package packfile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/brineport/gitcellar/internal/githash"
)

var indexV2Magic = [4]byte{0xFF, 't', 'O', 'c'}

const largeOffsetFlag = uint32(1) << 31

// Index is an in-memory hash→offset mapping parsed from a ".idx" file,
// in either legacy (v1) or current (v2) format.
type Index struct {
	hashSize  githash.Size
	hashes    []githash.Hash
	offsets   []int64
	byHashHex map[string]int64
}

// ReadIndex parses a full ".idx" file (v1 or v2) into an Index. Trailing
// checksums are read but not independently verified (the pack trailer
// hash, verified by the pack reader, is authoritative).
func ReadIndex(r io.Reader, hashSize githash.Size) (*Index, error) {
	var magicOrFanout [4]byte
	if _, err := io.ReadFull(r, magicOrFanout[:]); err != nil {
		return nil, fmt.Errorf("packfile: read index: %w", err)
	}

	var fanout [256]uint32
	version := 1
	if magicOrFanout == indexV2Magic {
		var versionBuf [4]byte
		if _, err := io.ReadFull(r, versionBuf[:]); err != nil {
			return nil, fmt.Errorf("packfile: read index: version: %w", err)
		}
		if binary.BigEndian.Uint32(versionBuf[:]) != 2 {
			return nil, fmt.Errorf("packfile: read index: unsupported version %d", binary.BigEndian.Uint32(versionBuf[:]))
		}
		version = 2
		for i := range fanout {
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return nil, fmt.Errorf("packfile: read index: fanout: %w", err)
			}
			fanout[i] = binary.BigEndian.Uint32(b[:])
		}
	} else {
		fanout[0] = binary.BigEndian.Uint32(magicOrFanout[:])
		for i := 1; i < 256; i++ {
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return nil, fmt.Errorf("packfile: read index: fanout: %w", err)
			}
			fanout[i] = binary.BigEndian.Uint32(b[:])
		}
	}

	count := int(fanout[255])
	idx := &Index{
		hashSize:  hashSize,
		hashes:    make([]githash.Hash, count),
		offsets:   make([]int64, count),
		byHashHex: make(map[string]int64, count),
	}

	for i := 0; i < count; i++ {
		buf := make([]byte, hashSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("packfile: read index: hash %d: %w", i, err)
		}
		h, err := githash.New(buf)
		if err != nil {
			return nil, fmt.Errorf("packfile: read index: hash %d: %w", i, err)
		}
		idx.hashes[i] = h
	}

	if version == 2 {
		// CRC32 checksums: present but unused by this engine.
		if _, err := io.CopyN(io.Discard, r, int64(count)*4); err != nil {
			return nil, fmt.Errorf("packfile: read index: crc32 table: %w", err)
		}
	}

	var largeOffsetIndices []int
	for i := 0; i < count; i++ {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("packfile: read index: offset %d: %w", i, err)
		}
		off := binary.BigEndian.Uint32(b[:])
		if version == 2 && off&largeOffsetFlag != 0 {
			largeOffsetIndices = append(largeOffsetIndices, i)
			continue
		}
		idx.offsets[i] = int64(off)
	}
	for _, i := range largeOffsetIndices {
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("packfile: read index: large offset: %w", err)
		}
		idx.offsets[i] = int64(binary.BigEndian.Uint64(b[:]))
	}

	// Trailing pack hash + index hash, both ignored by this implementation.
	if _, err := io.CopyN(io.Discard, r, int64(hashSize)*2); err != nil && err != io.EOF {
		return nil, fmt.Errorf("packfile: read index: trailer: %w", err)
	}

	for i, h := range idx.hashes {
		idx.byHashHex[h.String()] = idx.offsets[i]
	}
	return idx, nil
}

// Offset returns the byte offset of hash within the pack, if present.
func (idx *Index) Offset(hash githash.Hash) (int64, bool) {
	off, ok := idx.byHashHex[hash.String()]
	return off, ok
}

// Len returns the number of objects indexed.
func (idx *Index) Len() int { return len(idx.hashes) }
