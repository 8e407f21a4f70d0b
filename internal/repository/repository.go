// Package repository implements the Repository facade: reference
// resolution, commit-DAG traversal, tree enumeration, file reads, file
// history, and commit composition by flat-map tree mutation.
package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/brineport/gitcellar/internal/gitcellarerr"
	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/gitobj"
	"github.com/brineport/gitcellar/internal/objectstore"
	"github.com/brineport/gitcellar/internal/refstore"
)

// Repository is a single bare Git repository: its object store and
// reference store, plus small decode caches.
type Repository struct {
	gitDir   string
	hashSize githash.Size

	Objects *objectstore.Store
	Refs    *refstore.Store

	mu      sync.Mutex
	commits map[string]gitobj.Commit
	trees   map[string]gitobj.Tree
}

// Open opens the repository at path, which may be a working-tree path
// (a ".git" subdirectory is located), a ".git" directory itself, or a
// bare repository root (identified by the presence of "HEAD" and
// "config" at that path).
func Open(path string) (*Repository, error) {
	gitDir, err := locateGitDir(path)
	if err != nil {
		return nil, err
	}

	hashSize, err := readHashSize(gitDir)
	if err != nil {
		return nil, err
	}

	objs, err := objectstore.Open(filepath.Join(gitDir, "objects"), hashSize)
	if err != nil {
		return nil, err
	}

	return &Repository{
		gitDir:   gitDir,
		hashSize: hashSize,
		Objects:  objs,
		Refs:     refstore.Open(gitDir, hashSize),
		commits:  make(map[string]gitobj.Commit),
		trees:    make(map[string]gitobj.Tree),
	}, nil
}

// HashSize returns the repository's configured hash width.
func (r *Repository) HashSize() githash.Size { return r.hashSize }

// GitDir returns the repository's bare git directory.
func (r *Repository) GitDir() string { return r.gitDir }

func locateGitDir(path string) (string, error) {
	if filepath.Base(path) == ".git" {
		return path, nil
	}
	candidate := filepath.Join(path, ".git")
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate, nil
	}
	headPath := filepath.Join(path, "HEAD")
	configPath := filepath.Join(path, "config")
	if _, err := os.Stat(headPath); err == nil {
		if _, err := os.Stat(configPath); err == nil {
			return path, nil
		}
	}
	return "", gitcellarerr.New(gitcellarerr.NotFound, "repository: no git directory found at %s", path)
}

// readHashSize inspects "config" for "extensions.objectformat", falling
// back to SHA-1 when absent or unrecognized.
func readHashSize(gitDir string) (githash.Size, error) {
	data, err := os.ReadFile(filepath.Join(gitDir, "config"))
	if err != nil {
		if os.IsNotExist(err) {
			return githash.SHA1Size, nil
		}
		return 0, fmt.Errorf("repository: read config: %w", err)
	}

	inExtensions := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			inExtensions = strings.EqualFold(strings.Trim(line, "[]"), "extensions")
			continue
		}
		if !inExtensions {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(parts[0]), "objectformat") {
			switch strings.ToLower(strings.TrimSpace(parts[1])) {
			case "sha256":
				return githash.SHA256Size, nil
			default:
				return githash.SHA1Size, nil
			}
		}
	}
	return githash.SHA1Size, nil
}

// GetCommit resolves ref (HEAD if empty) and decodes the commit it
// points to.
func (r *Repository) GetCommit(ref string) (gitobj.Commit, error) {
	hash, err := r.Refs.Resolve(ref)
	if err != nil {
		return gitobj.Commit{}, err
	}
	return r.decodeCommit(hash)
}

func (r *Repository) decodeCommit(hash githash.Hash) (gitobj.Commit, error) {
	key := hash.String()
	r.mu.Lock()
	if c, ok := r.commits[key]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	data, err := r.Objects.Read(hash)
	if err != nil {
		return gitobj.Commit{}, err
	}
	if data.Type != gitobj.TypeCommit {
		return gitobj.Commit{}, gitcellarerr.New(gitcellarerr.InvalidData, "repository: %s is not a commit", hash)
	}
	c, err := gitobj.ParseCommit(data.Raw, r.hashSize)
	if err != nil {
		return gitobj.Commit{}, err
	}
	c.ID = hash

	r.mu.Lock()
	r.commits[key] = c
	r.mu.Unlock()
	return c, nil
}

func (r *Repository) decodeTree(hash githash.Hash) (gitobj.Tree, error) {
	key := hash.String()
	r.mu.Lock()
	if t, ok := r.trees[key]; ok {
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	data, err := r.Objects.Read(hash)
	if err != nil {
		return gitobj.Tree{}, err
	}
	if data.Type != gitobj.TypeTree {
		return gitobj.Tree{}, gitcellarerr.New(gitcellarerr.InvalidData, "repository: %s is not a tree", hash)
	}
	t, err := gitobj.ParseTree(data.Raw, r.hashSize)
	if err != nil {
		return gitobj.Tree{}, err
	}

	r.mu.Lock()
	r.trees[key] = t
	r.mu.Unlock()
	return t, nil
}

// EnumerateCommits performs a newest-first, first-parent-preferring DFS
// over the commit DAG starting at ref (HEAD if empty).
func (r *Repository) EnumerateCommits(ref string) ([]gitobj.Commit, error) {
	start, err := r.Refs.Resolve(ref)
	if err != nil {
		return nil, err
	}

	var out []gitobj.Commit
	visited := make(map[string]bool)
	stack := []githash.Hash{start}

	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		key := h.String()
		if visited[key] {
			continue
		}
		visited[key] = true

		c, err := r.decodeCommit(h)
		if err != nil {
			return nil, err
		}
		out = append(out, c)

		for i := len(c.Parents) - 1; i >= 0; i-- {
			if !visited[c.Parents[i].String()] {
				stack = append(stack, c.Parents[i])
			}
		}
	}
	return out, nil
}

// TreeItem is one enumerated (path, tree entry) pair.
type TreeItem struct {
	Path  string
	Entry gitobj.TreeEntry
}

// EnumerateTree resolves ref's commit, optionally descends to path, and
// recursively yields every (full_path, entry) pair beneath it.
func (r *Repository) EnumerateTree(ref, path string) ([]TreeItem, error) {
	c, err := r.GetCommit(ref)
	if err != nil {
		return nil, err
	}
	rootTree, err := r.decodeTree(c.Tree)
	if err != nil {
		return nil, err
	}

	path = strings.Trim(path, "/")
	if path == "" {
		var out []TreeItem
		if err := r.walkTree(rootTree, "", &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	segments := strings.Split(path, "/")
	curTree := rootTree
	curPath := ""
	for i, seg := range segments {
		entry, ok := findEntry(curTree, seg)
		if !ok {
			return nil, gitcellarerr.New(gitcellarerr.NotFound, "repository: path %q not found", path)
		}
		if curPath == "" {
			curPath = seg
		} else {
			curPath = curPath + "/" + seg
		}
		last := i == len(segments)-1
		if entry.Kind() != gitobj.KindTree {
			if !last {
				return nil, gitcellarerr.New(gitcellarerr.InvalidArgument, "repository: %q is not a directory", curPath)
			}
			return []TreeItem{{Path: curPath, Entry: entry}}, nil
		}
		if last {
			t, err := r.decodeTree(entry.Hash)
			if err != nil {
				return nil, err
			}
			var out []TreeItem
			if err := r.walkTree(t, curPath, &out); err != nil {
				return nil, err
			}
			return out, nil
		}
		t, err := r.decodeTree(entry.Hash)
		if err != nil {
			return nil, err
		}
		curTree = t
	}
	return nil, gitcellarerr.New(gitcellarerr.NotFound, "repository: path %q not found", path)
}

func findEntry(t gitobj.Tree, name string) (gitobj.TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return gitobj.TreeEntry{}, false
}

func (r *Repository) walkTree(t gitobj.Tree, prefix string, out *[]TreeItem) error {
	for _, e := range t.Entries {
		full := e.Name
		if prefix != "" {
			full = prefix + "/" + e.Name
		}
		*out = append(*out, TreeItem{Path: full, Entry: e})
		if e.Kind() == gitobj.KindTree {
			sub, err := r.decodeTree(e.Hash)
			if err != nil {
				return err
			}
			if err := r.walkTree(sub, full, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadFile resolves ref's commit and returns the blob bytes at path.
func (r *Repository) ReadFile(ref, path string) ([]byte, error) {
	entry, err := r.resolvePathEntry(ref, path)
	if err != nil {
		return nil, err
	}
	if entry.Kind() == gitobj.KindTree {
		return nil, gitcellarerr.New(gitcellarerr.InvalidArgument, "repository: %q is a directory", path)
	}
	data, err := r.Objects.Read(entry.Hash)
	if err != nil {
		return nil, err
	}
	return data.Raw, nil
}

func (r *Repository) resolvePathEntry(ref, path string) (gitobj.TreeEntry, error) {
	c, err := r.GetCommit(ref)
	if err != nil {
		return gitobj.TreeEntry{}, err
	}
	tree, err := r.decodeTree(c.Tree)
	if err != nil {
		return gitobj.TreeEntry{}, err
	}

	path = strings.Trim(path, "/")
	if path == "" {
		return gitobj.TreeEntry{}, gitcellarerr.New(gitcellarerr.InvalidArgument, "repository: empty path")
	}
	segments := strings.Split(path, "/")
	var entry gitobj.TreeEntry
	for i, seg := range segments {
		e, ok := findEntry(tree, seg)
		if !ok {
			return gitobj.TreeEntry{}, gitcellarerr.New(gitcellarerr.NotFound, "repository: path %q not found", path)
		}
		entry = e
		if i == len(segments)-1 {
			break
		}
		if e.Kind() != gitobj.KindTree {
			return gitobj.TreeEntry{}, gitcellarerr.New(gitcellarerr.InvalidArgument, "repository: %q is not a directory", seg)
		}
		tree, err = r.decodeTree(e.Hash)
		if err != nil {
			return gitobj.TreeEntry{}, err
		}
	}
	return entry, nil
}

// FileHistory yields the commits at which path's blob hash changed,
// newest first, including the introducing commit.
func (r *Repository) FileHistory(ref, path string) ([]gitobj.Commit, error) {
	commits, err := r.EnumerateCommits(ref)
	if err != nil {
		return nil, err
	}

	var out []gitobj.Commit
	var prevHash githash.Hash
	havePrev := false
	for i := len(commits) - 1; i >= 0; i-- {
		c := commits[i]
		entry, err := r.resolvePathEntryAtCommit(c, path)
		if err != nil {
			if gitcellarerr.Is(err, gitcellarerr.NotFound) {
				if havePrev {
					havePrev = false
				}
				continue
			}
			return nil, err
		}
		if !havePrev || !entry.Hash.Equal(prevHash) {
			out = append([]gitobj.Commit{c}, out...)
			prevHash = entry.Hash
			havePrev = true
		}
	}
	return out, nil
}

func (r *Repository) resolvePathEntryAtCommit(c gitobj.Commit, path string) (gitobj.TreeEntry, error) {
	tree, err := r.decodeTree(c.Tree)
	if err != nil {
		return gitobj.TreeEntry{}, err
	}
	path = strings.Trim(path, "/")
	segments := strings.Split(path, "/")
	var entry gitobj.TreeEntry
	for i, seg := range segments {
		e, ok := findEntry(tree, seg)
		if !ok {
			return gitobj.TreeEntry{}, gitcellarerr.New(gitcellarerr.NotFound, "repository: path %q not found", path)
		}
		entry = e
		if i == len(segments)-1 {
			break
		}
		if e.Kind() != gitobj.KindTree {
			return gitobj.TreeEntry{}, gitcellarerr.New(gitcellarerr.NotFound, "repository: path %q not found", path)
		}
		tree, err = r.decodeTree(e.Hash)
		if err != nil {
			return gitobj.TreeEntry{}, err
		}
	}
	return entry, nil
}

// IsReachable reports whether to is reachable from from by walking
// parent links (used for fast-forward enforcement: to == old,
// from == new).
func (r *Repository) IsReachable(from, to githash.Hash) (bool, error) {
	if from.Equal(to) {
		return true, nil
	}
	visited := make(map[string]bool)
	stack := []githash.Hash{from}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		key := h.String()
		if visited[key] {
			continue
		}
		visited[key] = true
		if h.Equal(to) {
			return true, nil
		}
		c, err := r.decodeCommit(h)
		if err != nil {
			if gitcellarerr.Is(err, gitcellarerr.NotFound) || gitcellarerr.Is(err, gitcellarerr.InvalidData) {
				continue
			}
			return false, err
		}
		stack = append(stack, c.Parents...)
	}
	return false, nil
}
