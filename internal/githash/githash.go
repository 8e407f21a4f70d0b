// Package githash provides the object-identifier type shared by every
// other package in this module: a fixed-width hash, hex-encoded on the
// wire and on disk, sized per the repository's configured object format.
package githash

import (
	"encoding/hex"
	"fmt"
)

// Size is a supported object-hash length in bytes.
type Size int

const (
	// SHA1Size is the length of a SHA-1 object hash.
	SHA1Size Size = 20
	// SHA256Size is the length of a SHA-256 object hash.
	SHA256Size Size = 32
)

// Hash is a Git object identifier: raw bytes, 20 (SHA-1) or 32 (SHA-256)
// long. The zero value is the all-zero hash used to mean "absent" on the
// wire (e.g. `old-hex` of a ref-creation command).
type Hash struct {
	size  Size
	bytes [SHA256Size]byte
}

// New wraps raw bytes as a Hash. len(b) must be SHA1Size or SHA256Size.
func New(b []byte) (Hash, error) {
	var h Hash
	switch Size(len(b)) {
	case SHA1Size, SHA256Size:
		h.size = Size(len(b))
	default:
		return Hash{}, fmt.Errorf("new hash: unsupported length %d", len(b))
	}
	copy(h.bytes[:], b)
	return h, nil
}

// Zero returns the all-zero hash of the given size, used on the wire to
// mean "ref does not exist".
func Zero(size Size) Hash {
	return Hash{size: size}
}

// Parse decodes a lowercase- or uppercase-hex string into a Hash. The
// string must be exactly 40 or 64 hex characters.
func Parse(s string) (Hash, error) {
	var h Hash
	switch len(s) {
	case int(SHA1Size) * 2:
		h.size = SHA1Size
	case int(SHA256Size) * 2:
		h.size = SHA256Size
	default:
		return Hash{}, fmt.Errorf("parse hash %q: wrong length %d", s, len(s))
	}
	n, err := hex.Decode(h.bytes[:h.size], []byte(s))
	if err != nil {
		return Hash{}, fmt.Errorf("parse hash %q: %w", s, err)
	}
	if Size(n) != h.size {
		return Hash{}, fmt.Errorf("parse hash %q: short decode", s)
	}
	return h, nil
}

// Size returns the number of raw bytes in the hash.
func (h Hash) Size() Size { return h.size }

// IsZero reports whether h is the zero hash for its size (or the
// unconstructed zero value, size 0).
func (h Hash) IsZero() bool {
	for i := 0; i < int(h.size); i++ {
		if h.bytes[i] != 0 {
			return false
		}
	}
	return true
}

// Bytes returns the raw hash bytes.
func (h Hash) Bytes() []byte {
	return append([]byte(nil), h.bytes[:h.size]...)
}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h.bytes[:h.size])
}

// Equal reports whether h and other have the same size and bytes.
func (h Hash) Equal(other Hash) bool {
	if h.size != other.size {
		return false
	}
	return h.bytes == other.bytes
}

// Less reports whether h sorts before other by byte-lexicographic order,
// used to sort pack index entries.
func (h Hash) Less(other Hash) bool {
	n := int(h.size)
	if int(other.size) < n {
		n = int(other.size)
	}
	for i := 0; i < n; i++ {
		if h.bytes[i] != other.bytes[i] {
			return h.bytes[i] < other.bytes[i]
		}
	}
	return h.size < other.size
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
