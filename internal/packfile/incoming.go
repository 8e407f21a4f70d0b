// Package packfile implements the binary codec for Git pack files and
// their companion index files: parsing incoming packs (with forward and
// backward delta resolution), writing outgoing packs, and applying the
// copy/insert delta opcode stream against a base object.
package packfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/gitobj"
)

const (
	packTypeCommit   = 1
	packTypeTree     = 2
	packTypeBlob     = 3
	packTypeTag      = 4
	packTypeOfsDelta = 6
	packTypeRefDelta = 7
)

// ObjectSink is the subset of the object store's interface the incoming
// pack reader needs: it writes reconstructed objects content-addressed,
// and reads pre-existing objects to resolve REF_DELTA bases that were
// not part of this pack.
type ObjectSink interface {
	WriteRaw(typ gitobj.Type, payload []byte) (githash.Hash, error)
	Read(hash githash.Hash) (gitobj.Data, error)
}

// Stats summarizes one ReadPack invocation, surfaced so callers can
// export domain metrics (objects processed, deferred-queue passes).
type Stats struct {
	Objects        int
	DeferredPasses int
}

func packType(t gitobj.Type) int {
	switch t {
	case gitobj.TypeCommit:
		return packTypeCommit
	case gitobj.TypeTree:
		return packTypeTree
	case gitobj.TypeBlob:
		return packTypeBlob
	case gitobj.TypeTag:
		return packTypeTag
	default:
		return 0
	}
}

func typeFromPackType(n int) (gitobj.Type, error) {
	switch n {
	case packTypeCommit:
		return gitobj.TypeCommit, nil
	case packTypeTree:
		return gitobj.TypeTree, nil
	case packTypeBlob:
		return gitobj.TypeBlob, nil
	case packTypeTag:
		return gitobj.TypeTag, nil
	default:
		return 0, fmt.Errorf("packfile: unsupported object kind %d", n)
	}
}

type deferredDelta struct {
	baseHash githash.Hash
	payload  []byte
}

// ReadPack decodes an incoming pack stream, resolving OFS_DELTA and
// REF_DELTA objects (including deltas that reference a not-yet-seen
// object, held in a deferred queue and retried until the queue stops
// making progress), and writes every resulting object into sink.
//
// If r is not an io.ReaderAt, its contents are first buffered to a
// temporary file (so the trailer checksum and backward OFS_DELTA reads
// both work over random access); the temp file is removed before
// returning.
func ReadPack(r io.Reader, hashSize githash.Size, sink ObjectSink) (Stats, error) {
	ra, cleanup, err := asReaderAt(r)
	if err != nil {
		return Stats{}, err
	}
	defer cleanup()

	return readPackFromReaderAt(ra, hashSize, sink)
}

func asReaderAt(r io.Reader) (io.ReaderAt, func(), error) {
	if ra, ok := r.(io.ReaderAt); ok {
		return ra, func() {}, nil
	}

	tmp, err := os.CreateTemp("", "gitcellar-incoming-"+uuid.NewString()+".pack")
	if err != nil {
		return nil, nil, fmt.Errorf("packfile: buffer incoming pack: %w", err)
	}
	path := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(path)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("packfile: buffer incoming pack: %w", err)
	}
	return tmp, cleanup, nil
}

func readPackFromReaderAt(ra io.ReaderAt, hashSize githash.Size, sink ObjectSink) (Stats, error) {
	sr := io.NewSectionReader(ra, 0, 1<<62)

	var header [12]byte
	if _, err := io.ReadFull(sr, header[:]); err != nil {
		return Stats{}, fmt.Errorf("packfile: read header: %w", err)
	}
	if string(header[:4]) != "PACK" {
		return Stats{}, fmt.Errorf("packfile: bad magic %q", header[:4])
	}
	version := binary.BigEndian.Uint32(header[4:8])
	if version != 2 {
		return Stats{}, fmt.Errorf("packfile: unsupported version %d", version)
	}
	count := binary.BigEndian.Uint32(header[8:12])

	offset := int64(12)
	offsetToHash := make(map[int64]githash.Hash, count)
	var deferredByBase map[string][]deferredDelta

	for i := uint32(0); i < count; i++ {
		objOffset := offset
		typeNum, size, hdrConsumed, err := readObjHeader(ra, offset)
		if err != nil {
			return Stats{}, fmt.Errorf("packfile: object %d: header: %w", i, err)
		}
		offset += hdrConsumed
		_ = size

		switch typeNum {
		case packTypeCommit, packTypeTree, packTypeBlob, packTypeTag:
			typ, err := typeFromPackType(typeNum)
			if err != nil {
				return Stats{}, fmt.Errorf("packfile: object %d: %w", i, err)
			}
			payload, consumed, err := inflateWithConsumed(io.NewSectionReader(ra, offset, 1<<62-offset))
			if err != nil {
				return Stats{}, fmt.Errorf("packfile: object %d: %w", i, err)
			}
			offset += consumed

			hash, err := sink.WriteRaw(typ, payload)
			if err != nil {
				return Stats{}, fmt.Errorf("packfile: object %d: write: %w", i, err)
			}
			offsetToHash[objOffset] = hash

		case packTypeOfsDelta:
			distance, distConsumed, err := readOfsDistance(ra, offset)
			if err != nil {
				return Stats{}, fmt.Errorf("packfile: object %d: ofs-delta offset: %w", i, err)
			}
			offset += distConsumed

			deltaPayload, consumed, err := inflateWithConsumed(io.NewSectionReader(ra, offset, 1<<62-offset))
			if err != nil {
				return Stats{}, fmt.Errorf("packfile: object %d: delta payload: %w", i, err)
			}
			offset += consumed

			baseOffset := objOffset - distance
			baseHash, ok := offsetToHash[baseOffset]
			if !ok {
				return Stats{}, fmt.Errorf("packfile: object %d: ofs-delta base at offset %d not yet seen", i, baseOffset)
			}
			hash, err := resolveAndWriteDelta(sink, baseHash, deltaPayload)
			if err != nil {
				return Stats{}, fmt.Errorf("packfile: object %d: %w", i, err)
			}
			offsetToHash[objOffset] = hash

		case packTypeRefDelta:
			buf := make([]byte, hashSize)
			if _, err := ra.ReadAt(buf, offset); err != nil {
				return Stats{}, fmt.Errorf("packfile: object %d: ref-delta base hash: %w", i, err)
			}
			offset += int64(hashSize)
			baseHash, err := githash.New(buf)
			if err != nil {
				return Stats{}, fmt.Errorf("packfile: object %d: %w", i, err)
			}

			deltaPayload, consumed, err := inflateWithConsumed(io.NewSectionReader(ra, offset, 1<<62-offset))
			if err != nil {
				return Stats{}, fmt.Errorf("packfile: object %d: delta payload: %w", i, err)
			}
			offset += consumed

			if _, err := sink.Read(baseHash); err != nil {
				if deferredByBase == nil {
					deferredByBase = make(map[string][]deferredDelta)
				}
				key := baseHash.String()
				deferredByBase[key] = append(deferredByBase[key], deferredDelta{baseHash: baseHash, payload: deltaPayload})
				continue
			}
			if _, err := resolveAndWriteDelta(sink, baseHash, deltaPayload); err != nil {
				return Stats{}, fmt.Errorf("packfile: object %d: %w", i, err)
			}

		default:
			return Stats{}, fmt.Errorf("packfile: object %d: unknown type %d", i, typeNum)
		}
	}

	stats := Stats{Objects: int(count)}
	if err := drainDeferred(sink, deferredByBase, &stats); err != nil {
		return stats, err
	}

	trailer := make([]byte, hashSize)
	if _, err := ra.ReadAt(trailer, offset); err != nil {
		return stats, fmt.Errorf("packfile: read trailer: %w", err)
	}
	wantTrailer, err := githash.New(trailer)
	if err != nil {
		return stats, fmt.Errorf("packfile: trailer: %w", err)
	}
	allBytes := make([]byte, offset)
	if _, err := ra.ReadAt(allBytes, 0); err != nil {
		return stats, fmt.Errorf("packfile: read for checksum: %w", err)
	}
	gotTrailer, err := gitobj.SumBytes(hashSize, allBytes)
	if err != nil {
		return stats, fmt.Errorf("packfile: trailer: %w", err)
	}
	if !gotTrailer.Equal(wantTrailer) {
		return stats, fmt.Errorf("packfile: trailer checksum mismatch: got %s, want %s", gotTrailer, wantTrailer)
	}

	return stats, nil
}

func resolveAndWriteDelta(sink ObjectSink, baseHash githash.Hash, deltaPayload []byte) (githash.Hash, error) {
	base, err := sink.Read(baseHash)
	if err != nil {
		return githash.Hash{}, fmt.Errorf("read base %s: %w", baseHash, err)
	}
	resolved, err := ApplyDelta(base.Raw, deltaPayload)
	if err != nil {
		return githash.Hash{}, fmt.Errorf("apply delta against base %s: %w", baseHash, err)
	}
	return sink.WriteRaw(base.Type, resolved)
}

// drainDeferred repeatedly scans the REF_DELTA deferred queue, applying
// any delta whose base hash has become resolvable, until a full pass
// makes no progress.
func drainDeferred(sink ObjectSink, deferredByBase map[string][]deferredDelta, stats *Stats) error {
	for len(deferredByBase) > 0 {
		stats.DeferredPasses++
		progressed := false
		for key, deltas := range deferredByBase {
			var remaining []deferredDelta
			for _, d := range deltas {
				if _, err := sink.Read(d.baseHash); err != nil {
					remaining = append(remaining, d)
					continue
				}
				if _, err := resolveAndWriteDelta(sink, d.baseHash, d.payload); err != nil {
					return fmt.Errorf("packfile: deferred delta: %w", err)
				}
				progressed = true
			}
			if len(remaining) == 0 {
				delete(deferredByBase, key)
			} else {
				deferredByBase[key] = remaining
			}
		}
		if !progressed {
			return fmt.Errorf("packfile: %d deferred delta(s) have unresolvable bases", deferredQueueLen(deferredByBase))
		}
	}
	return nil
}

func deferredQueueLen(m map[string][]deferredDelta) int {
	n := 0
	for _, v := range m {
		n += len(v)
	}
	return n
}

// readObjHeader reads the variable-length type+size prefix at offset and
// returns the type code, declared size, and number of bytes consumed.
func readObjHeader(ra io.ReaderAt, offset int64) (typeNum int, size int64, consumed int64, err error) {
	br := bufio.NewReader(io.NewSectionReader(ra, offset, 16))
	b, err := br.ReadByte()
	if err != nil {
		return 0, 0, 0, err
	}
	consumed = 1
	typeNum = int((b >> 4) & 0x07)
	size = int64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		b, err = br.ReadByte()
		if err != nil {
			return 0, 0, 0, err
		}
		consumed++
		size |= int64(b&0x7f) << shift
		shift += 7
	}
	return typeNum, size, consumed, nil
}

// readOfsDistance reads an OFS_DELTA backward-offset varint, whose
// continuation encoding differs from the size varint: each subsequent
// byte adds 1 before shifting, so that every distance has one unique
// encoding.
func readOfsDistance(ra io.ReaderAt, offset int64) (distance int64, consumed int64, err error) {
	br := bufio.NewReader(io.NewSectionReader(ra, offset, 16))
	b, err := br.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	consumed = 1
	distance = int64(b & 0x7f)
	for b&0x80 != 0 {
		b, err = br.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		consumed++
		distance = ((distance + 1) << 7) | int64(b&0x7f)
	}
	return distance, consumed, nil
}
