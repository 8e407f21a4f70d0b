package gitobj

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/brineport/gitcellar/internal/githash"
)

// EntryKind is derived from a tree entry's POSIX mode.
type EntryKind int

const (
	KindBlob EntryKind = iota
	KindExecutable
	KindSymlink
	KindTree
	KindSubmodule
)

const (
	ModeBlob       uint32 = 0o100644
	ModeExecutable uint32 = 0o100755
	ModeSymlink    uint32 = 0o120000
	ModeTree       uint32 = 0o040000
	ModeSubmodule  uint32 = 0o160000
)

// KindOfMode classifies a POSIX tree-entry mode.
func KindOfMode(mode uint32) EntryKind {
	switch mode {
	case ModeTree:
		return KindTree
	case ModeSymlink:
		return KindSymlink
	case ModeSubmodule:
		return KindSubmodule
	case ModeExecutable:
		return KindExecutable
	default:
		return KindBlob
	}
}

// TreeEntry is one record of a tree object.
type TreeEntry struct {
	Name string
	Mode uint32
	Hash githash.Hash
}

func (e TreeEntry) Kind() EntryKind { return KindOfMode(e.Mode) }

// Tree is a decoded tree object.
type Tree struct {
	Entries []TreeEntry
}

// ParseTree decodes a tree object's raw payload: a sequence of
// "<octal mode> SP <name> \0 <hash bytes>" records.
func ParseTree(raw []byte, hashSize githash.Size) (Tree, error) {
	var t Tree
	for len(raw) > 0 {
		sp := bytes.IndexByte(raw, ' ')
		if sp < 0 {
			return Tree{}, fmt.Errorf("gitobj: tree: missing mode separator")
		}
		modeStr := string(raw[:sp])
		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return Tree{}, fmt.Errorf("gitobj: tree: bad mode %q: %w", modeStr, err)
		}
		raw = raw[sp+1:]

		nul := bytes.IndexByte(raw, 0)
		if nul < 0 {
			return Tree{}, fmt.Errorf("gitobj: tree: missing name terminator")
		}
		name := string(raw[:nul])
		raw = raw[nul+1:]

		if len(raw) < int(hashSize) {
			return Tree{}, fmt.Errorf("gitobj: tree: truncated hash for %q", name)
		}
		h, err := githash.New(raw[:hashSize])
		if err != nil {
			return Tree{}, fmt.Errorf("gitobj: tree: %w", err)
		}
		raw = raw[hashSize:]

		t.Entries = append(t.Entries, TreeEntry{Name: name, Mode: uint32(mode), Hash: h})
	}
	return t, nil
}

// treeSortKey returns the byte string Git compares tree entries by: the
// entry name, with a synthetic trailing "/" for directory-like entries.
// This is what makes a directory "foo" (key "foo/") sort after a blob
// "foo.bar" (since '.' < '/'), while a blob "foo" still sorts before
// "foo.bar" as a plain prefix.
func treeSortKey(name string, kind EntryKind) string {
	if kind == KindTree || kind == KindSubmodule {
		return name + "/"
	}
	return name
}

// SortEntries orders entries per Git's tree-ordering rule in place.
func SortEntries(entries []TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		ki := treeSortKey(entries[i].Name, entries[i].Kind())
		kj := treeSortKey(entries[j].Name, entries[j].Kind())
		return ki < kj
	})
}

// SerializeTree encodes entries (which MUST already be ordered per
// SortEntries) into a tree object's raw payload.
func SerializeTree(entries []TreeEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "%o %s\x00", e.Mode, e.Name)
		buf.Write(e.Hash.Bytes())
	}
	return buf.Bytes()
}
