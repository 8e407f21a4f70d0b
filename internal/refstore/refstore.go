// Package refstore implements the reference store (loose refs and
// packed-refs, HEAD resolution, atomic CAS updates) and the per-ref
// lock manager used to serialize and order reference writes.
package refstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brineport/gitcellar/internal/gitcellarerr"
	"github.com/brineport/gitcellar/internal/githash"
)

// Store manages references under one bare repository's root directory
// (the directory containing "HEAD", "refs/", and optionally
// "packed-refs").
type Store struct {
	root     string
	hashSize githash.Size
	locks    *LockManager
}

// Open returns a Store rooted at root.
func Open(root string, hashSize githash.Size) *Store {
	return &Store{root: root, hashSize: hashSize, locks: NewLockManager()}
}

// Locks returns the store's lock manager. A MultiHandle acquired directly
// from it is not bound to this store, so its WriteWithValidation cannot
// be used; Store.AcquireMulti returns a bound handle.
func (s *Store) Locks() *LockManager { return s.locks }

func (s *Store) refPath(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// readLoose reads a single loose ref file, returning ("", nil) if the
// file does not exist.
func (s *Store) readLoose(name string) (string, error) {
	data, err := os.ReadFile(s.refPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("refstore: read %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// readPacked loads "packed-refs", skipping comment and peeled lines.
func (s *Store) readPacked() (map[string]string, error) {
	f, err := os.Open(filepath.Join(s.root, "packed-refs"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("refstore: read packed-refs: %w", err)
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "^") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[1]] = parts[0]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("refstore: read packed-refs: %w", err)
	}
	return out, nil
}

// get returns the raw value (a hash hex string or a "ref: " indirection
// target) stored for name, preferring the loose file over packed-refs.
func (s *Store) get(name string) (string, error) {
	if v, err := s.readLoose(name); err != nil {
		return "", err
	} else if v != "" {
		return v, nil
	}
	packed, err := s.readPacked()
	if err != nil {
		return "", err
	}
	return packed[name], nil
}

// ReadHead returns HEAD's raw contents: either "ref: <path>" or a hash
// hex string.
func (s *Store) ReadHead() (string, error) {
	v, err := s.readLoose("HEAD")
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", gitcellarerr.New(gitcellarerr.NotFound, "refstore: HEAD not set")
	}
	return v, nil
}

// Resolve resolves a user-supplied reference string to a Hash, per the
// lookup order: HEAD, a literal hash, then refs/heads/, refs/tags/,
// refs/remotes/ (each tried as-is first).
func (s *Store) Resolve(ref string) (githash.Hash, error) {
	if ref == "" || strings.EqualFold(ref, "HEAD") {
		return s.resolveHead()
	}
	if h, err := githash.Parse(ref); err == nil {
		return h, nil
	}

	candidates := []string{ref, "refs/heads/" + ref, "refs/tags/" + ref, "refs/remotes/" + ref}
	for _, c := range candidates {
		v, err := s.get(c)
		if err != nil {
			return githash.Hash{}, err
		}
		if v == "" {
			continue
		}
		h, err := githash.Parse(v)
		if err != nil {
			return githash.Hash{}, gitcellarerr.Wrap(gitcellarerr.InvalidData, err, "refstore: %s", c)
		}
		return h, nil
	}
	return githash.Hash{}, gitcellarerr.New(gitcellarerr.NotFound, "refstore: reference %q not found", ref)
}

func (s *Store) resolveHead() (githash.Hash, error) {
	raw, err := s.ReadHead()
	if err != nil {
		return githash.Hash{}, err
	}
	if strings.HasPrefix(raw, "ref: ") {
		target := strings.TrimSpace(strings.TrimPrefix(raw, "ref: "))
		v, err := s.get(target)
		if err != nil {
			return githash.Hash{}, err
		}
		if v == "" {
			return githash.Hash{}, gitcellarerr.New(gitcellarerr.NotFound, "refstore: HEAD target %q not found", target)
		}
		return githash.Parse(v)
	}
	return githash.Parse(raw)
}

// List returns every loose and packed reference under "refs/", loose
// values taking precedence over packed ones for the same name.
func (s *Store) List() (map[string]githash.Hash, error) {
	out := make(map[string]string)

	packed, err := s.readPacked()
	if err != nil {
		return nil, err
	}
	for k, v := range packed {
		out[k] = v
	}

	refsDir := filepath.Join(s.root, "refs")
	walkErr := filepath.WalkDir(refsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		v, err := s.readLoose(name)
		if err != nil {
			return err
		}
		if v != "" {
			out[name] = v
		}
		return nil
	})
	if walkErr != nil && !os.IsNotExist(walkErr) {
		return nil, fmt.Errorf("refstore: list: %w", walkErr)
	}

	result := make(map[string]githash.Hash, len(out))
	for name, v := range out {
		h, err := githash.Parse(v)
		if err != nil {
			continue
		}
		result[name] = h
	}
	return result, nil
}

// WriteWithValidation performs one CAS-guarded write or delete of name,
// while holding that ref's lock. expectedOld, if non-nil, must equal
// the ref's current value (the zero Hash meaning "must not exist") or
// the call fails with Conflict. newValue nil deletes the ref.
func (s *Store) WriteWithValidation(name string, expectedOld *githash.Hash, newValue *githash.Hash) error {
	handle, err := s.locks.AcquireOne(name)
	if err != nil {
		return err
	}
	defer handle.Release()

	return s.writeLocked(name, expectedOld, newValue)
}

// writeLocked performs the CAS check and write; the caller must already
// hold name's lock (used directly by MultiHandle.WriteWithValidation).
func (s *Store) writeLocked(name string, expectedOld *githash.Hash, newValue *githash.Hash) error {
	current, err := s.currentOrZero(name)
	if err != nil {
		return err
	}
	if expectedOld != nil && !current.Equal(*expectedOld) {
		return gitcellarerr.New(gitcellarerr.Conflict, "refstore: %s: expected %s, current %s", name, expectedOld, current)
	}

	path := s.refPath(name)
	if newValue == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("refstore: delete %s: %w", name, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("refstore: write %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-ref-*")
	if err != nil {
		return fmt.Errorf("refstore: write %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(newValue.String() + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("refstore: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("refstore: write %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("refstore: write %s: %w", name, err)
	}
	return nil
}

func (s *Store) currentOrZero(name string) (githash.Hash, error) {
	v, err := s.get(name)
	if err != nil {
		return githash.Hash{}, err
	}
	if v == "" {
		return githash.Zero(s.hashSize), nil
	}
	h, err := githash.Parse(v)
	if err != nil {
		return githash.Hash{}, gitcellarerr.Wrap(gitcellarerr.InvalidData, err, "refstore: %s", name)
	}
	return h, nil
}
