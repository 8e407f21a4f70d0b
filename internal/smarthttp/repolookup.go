package smarthttp

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/brineport/gitcellar/internal/gitcellarerr"
	"github.com/brineport/gitcellar/internal/repository"
)

// NameNormalizer rewrites a route-supplied repository name before
// validation (e.g. collapsing case, stripping a leading slash). A nil
// normalizer is the identity function.
type NameNormalizer func(name string) string

// NameValidator reports whether a normalized name is acceptable,
// supplementing (never relaxing) the built-in character and
// path-traversal checks.
type NameValidator func(name string) bool

func validNameChars(name string) bool {
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '/':
		default:
			return false
		}
	}
	return true
}

// repoCache opens each resolved repository at most once, guarded by a
// mutex, mirroring the per-hash coalescing style used by the object
// store's cold-read path but keyed on repository name instead.
type repoCache struct {
	mu    sync.Mutex
	repos map[string]*repository.Repository
}

func newRepoCache() *repoCache {
	return &repoCache{repos: make(map[string]*repository.Repository)}
}

func (c *repoCache) resolve(root, name string, normalize NameNormalizer, validate NameValidator) (*repository.Repository, error) {
	if normalize != nil {
		name = normalize(name)
	}
	name = strings.Trim(name, "/")
	if !validNameChars(name) {
		return nil, gitcellarerr.New(gitcellarerr.InvalidArgument, "smarthttp: invalid repository name %q", name)
	}
	if validate != nil && !validate(name) {
		return nil, gitcellarerr.New(gitcellarerr.InvalidArgument, "smarthttp: rejected repository name %q", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.repos[name]; ok {
		return r, nil
	}

	path, err := locateRepoDir(root, name)
	if err != nil {
		return nil, err
	}
	r, err := repository.Open(path)
	if err != nil {
		return nil, err
	}

	c.repos[name] = r
	return r, nil
}

// locateRepoDir tries "<root>/<name>" then "<root>/<name>.git".
func locateRepoDir(root, name string) (string, error) {
	for _, candidate := range []string{name, name + ".git"} {
		dir := filepath.Join(root, filepath.FromSlash(candidate))
		if info, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil && !info.IsDir() {
			return dir, nil
		}
	}
	return "", gitcellarerr.New(gitcellarerr.NotFound, "smarthttp: repository %q not found", name)
}
