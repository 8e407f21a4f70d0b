// Package objectstore implements the content-addressed read/write path
// over a repository's loose objects and pack files: an in-memory cache
// with cold-read coalescing, a lazily loaded and atomically swappable
// list of packs, and content-addressed writes of new loose objects.
package objectstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/brineport/gitcellar/internal/gitcellarerr"
	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/gitobj"
	"github.com/brineport/gitcellar/internal/packfile"
)

// pack pairs a parsed index with the still-open pack file it describes.
type pack struct {
	idx  *packfile.Index
	file *os.File
	name string
}

// Store is the object store for one repository's "objects" directory.
// It satisfies packfile.ObjectSink so the incoming pack reader can read
// and write through it directly.
type Store struct {
	dir      string
	hashSize githash.Size

	cacheMu sync.Mutex
	cache   map[string]gitobj.Data

	coldReads singleflight.Group

	packs atomic.Pointer[[]*pack]
}

// Open returns a Store rooted at dir (the repository's "objects"
// directory), loading the current pack list eagerly.
func Open(dir string, hashSize githash.Size) (*Store, error) {
	s := &Store{
		dir:      dir,
		hashSize: hashSize,
		cache:    make(map[string]gitobj.Data),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: open: %w", err)
	}
	if err := s.reloadPacks(); err != nil {
		return nil, err
	}
	return s, nil
}

// Invalidate drops the in-memory object cache and reloads the pack
// list, picking up packs written since the store was opened.
func (s *Store) Invalidate() error {
	s.cacheMu.Lock()
	s.cache = make(map[string]gitobj.Data)
	s.cacheMu.Unlock()
	return s.reloadPacks()
}

func (s *Store) reloadPacks() error {
	packDir := filepath.Join(s.dir, "pack")
	entries, err := os.ReadDir(packDir)
	if err != nil {
		if os.IsNotExist(err) {
			empty := make([]*pack, 0)
			s.packs.Store(&empty)
			return nil
		}
		return fmt.Errorf("objectstore: list packs: %w", err)
	}

	var loaded []*pack
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".idx" {
			continue
		}
		base := e.Name()[:len(e.Name())-len(".idx")]
		idxPath := filepath.Join(packDir, e.Name())
		packPath := filepath.Join(packDir, base+".pack")

		idxFile, err := os.Open(idxPath)
		if err != nil {
			continue
		}
		idx, err := packfile.ReadIndex(idxFile, s.hashSize)
		idxFile.Close()
		if err != nil {
			continue
		}
		pf, err := os.Open(packPath)
		if err != nil {
			continue
		}
		loaded = append(loaded, &pack{idx: idx, file: pf, name: base})
	}
	s.packs.Store(&loaded)
	return nil
}

func (s *Store) loosePath(hash githash.Hash) string {
	hex := hash.String()
	return filepath.Join(s.dir, hex[:2], hex[2:])
}

// Read returns the object for hash, probing the cache, then loose
// objects, then each loaded pack in order. Concurrent cold reads of the
// same hash are coalesced so only one goroutine performs the I/O.
func (s *Store) Read(hash githash.Hash) (gitobj.Data, error) {
	key := hash.String()

	s.cacheMu.Lock()
	if d, ok := s.cache[key]; ok {
		s.cacheMu.Unlock()
		return d, nil
	}
	s.cacheMu.Unlock()

	v, err, _ := s.coldReads.Do(key, func() (interface{}, error) {
		d, err := s.readNoCache(hash)
		if err != nil {
			return gitobj.Data{}, err
		}
		s.cacheMu.Lock()
		s.cache[key] = d
		s.cacheMu.Unlock()
		return d, nil
	})
	if err != nil {
		return gitobj.Data{}, err
	}
	return v.(gitobj.Data), nil
}

// ReadNoCache reads hash's object without consulting or populating the
// in-memory cache.
func (s *Store) ReadNoCache(hash githash.Hash) (gitobj.Data, error) {
	return s.readNoCache(hash)
}

func (s *Store) readNoCache(hash githash.Hash) (gitobj.Data, error) {
	path := s.loosePath(hash)
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		d, err := gitobj.Inflate(f)
		if err != nil {
			return gitobj.Data{}, gitcellarerr.Wrap(gitcellarerr.InvalidData, err, "objectstore: loose object %s", hash)
		}
		return d, nil
	}

	packs := *s.packs.Load()
	for _, p := range packs {
		off, ok := p.idx.Offset(hash)
		if !ok {
			continue
		}
		return s.readAtPackOffset(p, off)
	}

	return gitobj.Data{}, gitcellarerr.New(gitcellarerr.NotFound, "objectstore: object %s not found", hash)
}

// readAtPackOffset reads and (if necessary) delta-resolves the object
// stored at off within p. OFS_DELTA bases are read from the same pack;
// REF_DELTA bases are resolved through Read, so such a base in a
// different pack or stored loose is handled transparently.
func (s *Store) readAtPackOffset(p *pack, off int64) (gitobj.Data, error) {
	return packfile.ReadPackObjectAt(p.file, off, s.hashSize, s)
}

// Write content-addresses (type, payload), writing a new loose object
// file if one is not already present, and returns its hash.
func (s *Store) Write(typ gitobj.Type, payload []byte) (githash.Hash, error) {
	return s.WriteRaw(typ, payload)
}

// WriteRaw implements packfile.ObjectSink.
func (s *Store) WriteRaw(typ gitobj.Type, payload []byte) (githash.Hash, error) {
	hash, err := gitobj.Hash(s.hashSize, typ, payload)
	if err != nil {
		return githash.Hash{}, err
	}

	path := s.loosePath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return githash.Hash{}, fmt.Errorf("objectstore: write %s: %w", hash, err)
	}
	compressed, err := gitobj.Deflate(typ, payload)
	if err != nil {
		return githash.Hash{}, fmt.Errorf("objectstore: write %s: %w", hash, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-obj-*")
	if err != nil {
		return githash.Hash{}, fmt.Errorf("objectstore: write %s: %w", hash, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return githash.Hash{}, fmt.Errorf("objectstore: write %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return githash.Hash{}, fmt.Errorf("objectstore: write %s: %w", hash, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		// Another writer may have raced us to the same content-addressed
		// path; that is not an error, the content is identical by hash.
		if _, statErr := os.Stat(path); statErr == nil {
			return hash, nil
		}
		return githash.Hash{}, fmt.Errorf("objectstore: write %s: %w", hash, err)
	}
	return hash, nil
}

// HashSize returns the repository's configured hash width.
func (s *Store) HashSize() githash.Size { return s.hashSize }
