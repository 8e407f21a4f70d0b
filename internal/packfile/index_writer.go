package packfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/gitobj"
)

// IndexEntry is one object's hash and byte offset within a pack, as
// produced while writing that pack.
type IndexEntry struct {
	Hash   githash.Hash
	Offset int64
}

// WriteIndexV2 serializes entries as a version-2 ".idx" file for the
// pack identified by packHash. CRC32 per-object checksums are omitted
// (written as zero): this engine trusts the pack trailer checksum
// verified at read time and never seeks a pack for corruption recovery
// independent of that check.
func WriteIndexV2(out io.Writer, hashSize githash.Size, entries []IndexEntry, packHash githash.Hash) error {
	var buf bytes.Buffer
	w := &buf

	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Hash.Less(sorted[j].Hash) })

	if _, err := w.Write(indexV2Magic[:]); err != nil {
		return fmt.Errorf("packfile: write index: magic: %w", err)
	}
	var versionBuf [4]byte
	binary.BigEndian.PutUint32(versionBuf[:], 2)
	if _, err := w.Write(versionBuf[:]); err != nil {
		return fmt.Errorf("packfile: write index: version: %w", err)
	}

	var fanout [256]uint32
	for _, e := range sorted {
		b := e.Hash.Bytes()[0]
		for i := int(b); i < 256; i++ {
			fanout[i]++
		}
	}
	for _, count := range fanout {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], count)
		if _, err := w.Write(b[:]); err != nil {
			return fmt.Errorf("packfile: write index: fanout: %w", err)
		}
	}

	for _, e := range sorted {
		if _, err := w.Write(e.Hash.Bytes()); err != nil {
			return fmt.Errorf("packfile: write index: hash: %w", err)
		}
	}

	for range sorted {
		var zero [4]byte
		if _, err := w.Write(zero[:]); err != nil {
			return fmt.Errorf("packfile: write index: crc32: %w", err)
		}
	}

	var largeOffsets []int64
	for _, e := range sorted {
		var b [4]byte
		if e.Offset >= int64(largeOffsetFlag) {
			idx := uint32(len(largeOffsets))
			largeOffsets = append(largeOffsets, e.Offset)
			binary.BigEndian.PutUint32(b[:], largeOffsetFlag|idx)
		} else {
			binary.BigEndian.PutUint32(b[:], uint32(e.Offset))
		}
		if _, err := w.Write(b[:]); err != nil {
			return fmt.Errorf("packfile: write index: offset: %w", err)
		}
	}
	for _, off := range largeOffsets {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(off))
		if _, err := w.Write(b[:]); err != nil {
			return fmt.Errorf("packfile: write index: large offset: %w", err)
		}
	}

	if _, err := w.Write(packHash.Bytes()); err != nil {
		return fmt.Errorf("packfile: write index: pack hash: %w", err)
	}

	selfSum, err := gitobj.SumBytes(hashSize, buf.Bytes())
	if err != nil {
		return fmt.Errorf("packfile: write index: trailer: %w", err)
	}
	if _, err := w.Write(selfSum.Bytes()); err != nil {
		return fmt.Errorf("packfile: write index: trailer: %w", err)
	}

	if _, err := out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("packfile: write index: %w", err)
	}
	return nil
}
