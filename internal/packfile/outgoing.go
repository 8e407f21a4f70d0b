package packfile

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/gitobj"
)

// sumWriter wraps an io.Writer, incrementally hashing every byte written
// so the trailer checksum never requires buffering the whole pack.
type sumWriter struct {
	w   io.Writer
	sum hash.Hash
}

func newSumWriter(w io.Writer, size githash.Size) (*sumWriter, error) {
	var h hash.Hash
	switch size {
	case githash.SHA1Size:
		h = sha1.New()
	case githash.SHA256Size:
		h = sha256.New()
	default:
		return nil, fmt.Errorf("packfile: unsupported hash size %d", size)
	}
	return &sumWriter{w: w, sum: h}, nil
}

func (s *sumWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if n > 0 {
		s.sum.Write(p[:n])
	}
	return n, err
}

// WriteObject is one object to be serialized into an outgoing pack.
// Delta compression is not performed: every object is written as a full
// (non-delta) entry, matching this engine's transfer-simplicity goals
// over wire-size optimality.
type WriteObject struct {
	Type gitobj.Type
	Raw  []byte
}

// WritePack serializes objects into the pack binary format (header,
// per-object varint type+size prefix, zlib payload, trailer checksum),
// streaming output without materializing the whole pack in memory.
func WritePack(w io.Writer, hashSize githash.Size, objects []WriteObject) (githash.Hash, error) {
	sw, err := newSumWriter(w, hashSize)
	if err != nil {
		return githash.Hash{}, err
	}

	var header [12]byte
	copy(header[:4], "PACK")
	binary.BigEndian.PutUint32(header[4:8], 2)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(objects)))
	if _, err := sw.Write(header[:]); err != nil {
		return githash.Hash{}, fmt.Errorf("packfile: write header: %w", err)
	}

	for i, obj := range objects {
		if err := writeObjHeader(sw, packType(obj.Type), int64(len(obj.Raw))); err != nil {
			return githash.Hash{}, fmt.Errorf("packfile: object %d: %w", i, err)
		}
		compressed, err := gitobj.DeflatePack(obj.Raw)
		if err != nil {
			return githash.Hash{}, fmt.Errorf("packfile: object %d: %w", i, err)
		}
		if _, err := sw.Write(compressed); err != nil {
			return githash.Hash{}, fmt.Errorf("packfile: object %d: write: %w", i, err)
		}
	}

	trailer, err := githash.New(sw.sum.Sum(nil))
	if err != nil {
		return githash.Hash{}, fmt.Errorf("packfile: trailer: %w", err)
	}
	if _, err := w.Write(trailer.Bytes()); err != nil {
		return githash.Hash{}, fmt.Errorf("packfile: write trailer: %w", err)
	}
	return trailer, nil
}

// writeObjHeader writes the variable-length type+size prefix: the first
// byte packs the 3-bit type and low 4 size bits with a continuation bit,
// subsequent bytes carry 7 size bits each.
func writeObjHeader(w io.Writer, typeNum int, size int64) error {
	first := byte(typeNum<<4) | byte(size&0x0f)
	size >>= 4
	if size > 0 {
		first |= 0x80
	}
	if _, err := w.Write([]byte{first}); err != nil {
		return err
	}
	for size > 0 {
		b := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			b |= 0x80
		}
		if _, err := w.Write([]byte{b}); err != nil {
			return err
		}
	}
	return nil
}
