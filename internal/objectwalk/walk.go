// Package objectwalk enumerates the set of objects reachable from a list
// of root hashes, in an order suitable for writing directly into a pack:
// each commit before its tree, each tree before its blobs and subtrees,
// and each commit before its parents.
package objectwalk

import (
	"github.com/brineport/gitcellar/internal/gitobj"
	"github.com/brineport/gitcellar/internal/githash"
)

// ObjectReader is the read-only subset of objectstore.Store the walker
// needs; any content-addressed reader satisfies it.
type ObjectReader interface {
	Read(hash githash.Hash) (gitobj.Data, error)
}

// Entry is one reachable object discovered by Walk.
type Entry struct {
	Hash githash.Hash
	Data gitobj.Data
}

// Walk returns every object reachable from roots (commits or tags),
// deduplicated and ordered depth-first: a root's commit, its tree and
// that tree's descendants, then the commit's parents and their trees,
// and so on. Tag objects are resolved to their target, recursively.
func Walk(reader ObjectReader, hashSize githash.Size, roots []githash.Hash) ([]Entry, error) {
	w := &walker{reader: reader, hashSize: hashSize, visited: make(map[string]bool)}
	for _, root := range roots {
		if err := w.walkAny(root); err != nil {
			return nil, err
		}
	}
	return w.entries, nil
}

type walker struct {
	reader   ObjectReader
	hashSize githash.Size
	visited  map[string]bool
	entries  []Entry
}

func (w *walker) seen(hash githash.Hash) bool {
	key := hash.String()
	if w.visited[key] {
		return true
	}
	w.visited[key] = true
	return false
}

// walkAny dispatches on the object's actual type, since a root hash may
// name a commit or an annotated tag.
func (w *walker) walkAny(hash githash.Hash) error {
	if w.seen(hash) {
		return nil
	}
	data, err := w.reader.Read(hash)
	if err != nil {
		return err
	}
	w.entries = append(w.entries, Entry{Hash: hash, Data: data})

	switch data.Type {
	case gitobj.TypeCommit:
		return w.walkCommit(data)
	case gitobj.TypeTree:
		return w.walkTree(data)
	case gitobj.TypeTag:
		return w.walkTag(data)
	case gitobj.TypeBlob:
		return nil
	default:
		return nil
	}
}

func (w *walker) walkCommit(data gitobj.Data) error {
	c, err := gitobj.ParseCommit(data.Raw, w.hashSize)
	if err != nil {
		return err
	}
	if !w.seen(c.Tree) {
		treeData, err := w.reader.Read(c.Tree)
		if err != nil {
			return err
		}
		w.entries = append(w.entries, Entry{Hash: c.Tree, Data: treeData})
		if err := w.walkTree(treeData); err != nil {
			return err
		}
	}
	for _, parent := range c.Parents {
		if err := w.walkAny(parent); err != nil {
			return err
		}
	}
	return nil
}

// walkTree recurses into subtrees before visiting blob siblings, so a
// tree's full descendant closure appears contiguously in the output.
func (w *walker) walkTree(data gitobj.Data) error {
	t, err := gitobj.ParseTree(data.Raw, w.hashSize)
	if err != nil {
		return err
	}
	for _, e := range t.Entries {
		if e.Kind() != gitobj.KindTree || w.seen(e.Hash) {
			continue
		}
		sub, err := w.reader.Read(e.Hash)
		if err != nil {
			return err
		}
		w.entries = append(w.entries, Entry{Hash: e.Hash, Data: sub})
		if err := w.walkTree(sub); err != nil {
			return err
		}
	}
	for _, e := range t.Entries {
		if e.Kind() == gitobj.KindTree || e.Kind() == gitobj.KindSubmodule {
			continue
		}
		if w.seen(e.Hash) {
			continue
		}
		blob, err := w.reader.Read(e.Hash)
		if err != nil {
			return err
		}
		w.entries = append(w.entries, Entry{Hash: e.Hash, Data: blob})
	}
	return nil
}

func (w *walker) walkTag(data gitobj.Data) error {
	tag, err := gitobj.ParseTag(data.Raw, w.hashSize)
	if err != nil {
		return err
	}
	return w.walkAny(tag.Object)
}
