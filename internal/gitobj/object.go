// Package gitobj decodes and encodes the four Git object kinds (blob,
// tree, commit, tag) and provides the zlib framing helpers shared by the
// loose-object store and the pack codec.
package gitobj

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/brineport/gitcellar/internal/githash"
)

// Type enumerates the four object kinds, using Git's own pack-format
// numeric encoding so it can be used directly as a pack type byte.
type Type int

const (
	TypeCommit Type = 1
	TypeTree   Type = 2
	TypeBlob   Type = 3
	TypeTag    Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeCommit:
		return "commit"
	case TypeTree:
		return "tree"
	case TypeBlob:
		return "blob"
	case TypeTag:
		return "tag"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseType maps a Git object type name to its Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "commit":
		return TypeCommit, nil
	case "tree":
		return TypeTree, nil
	case "blob":
		return TypeBlob, nil
	case "tag":
		return TypeTag, nil
	default:
		return 0, fmt.Errorf("gitobj: unknown object type %q", name)
	}
}

// Data pairs an object's type with its raw (header-stripped) payload.
type Data struct {
	Type Type
	Raw  []byte
}

// newHasher returns the cryptographic hash matching the repository's
// configured hash size.
func newHasher(size githash.Size) (hash.Hash, error) {
	switch size {
	case githash.SHA1Size:
		return sha1.New(), nil
	case githash.SHA256Size:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("gitobj: unsupported hash size %d", size)
	}
}

// Hash computes the repository object hash of (type, payload): the
// SHA-1/SHA-256 digest of "<type> <len>\x00<payload>".
func Hash(size githash.Size, typ Type, payload []byte) (githash.Hash, error) {
	h, err := newHasher(size)
	if err != nil {
		return githash.Hash{}, err
	}
	fmt.Fprintf(h, "%s %d\x00", typ, len(payload))
	h.Write(payload)
	return githash.New(h.Sum(nil))
}

// SumBytes computes the repository hash of raw data with no Git object
// header, as used for pack-file and pack-index trailer checksums.
func SumBytes(size githash.Size, data []byte) (githash.Hash, error) {
	h, err := newHasher(size)
	if err != nil {
		return githash.Hash{}, err
	}
	h.Write(data)
	return githash.New(h.Sum(nil))
}

// Deflate zlib-compresses "<type> <len>\x00<payload>" at the default
// compression level, as used for loose objects.
func Deflate(typ Type, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	fmt.Fprintf(w, "%s %d\x00", typ, len(payload))
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("gitobj: deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gitobj: deflate: %w", err)
	}
	return buf.Bytes(), nil
}

// Inflate decompresses a loose-object stream and splits off its
// "<type> <len>\x00" header.
func Inflate(r io.Reader) (Data, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return Data{}, fmt.Errorf("gitobj: inflate: %w", err)
	}
	defer zr.Close()

	all, err := io.ReadAll(zr)
	if err != nil {
		return Data{}, fmt.Errorf("gitobj: inflate: %w", err)
	}
	nul := bytes.IndexByte(all, 0)
	if nul < 0 {
		return Data{}, fmt.Errorf("gitobj: inflate: missing header terminator")
	}
	header := all[:nul]
	sp := bytes.IndexByte(header, ' ')
	if sp < 0 {
		return Data{}, fmt.Errorf("gitobj: inflate: malformed header %q", header)
	}
	typ, err := ParseType(string(header[:sp]))
	if err != nil {
		return Data{}, err
	}
	return Data{Type: typ, Raw: all[nul+1:]}, nil
}

// DeflatePack zlib-compresses raw payload bytes with no header, as used
// for individual pack objects (the type+size are encoded separately in
// the pack's variable-length prefix).
func DeflatePack(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("gitobj: deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gitobj: deflate: %w", err)
	}
	return buf.Bytes(), nil
}
