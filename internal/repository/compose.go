package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/brineport/gitcellar/internal/gitcellarerr"
	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/gitobj"
)

// OperationKind enumerates the commit-composition operations.
type OperationKind int

const (
	OpAddFile OperationKind = iota
	OpUpdateFile
	OpRemoveFile
	OpMoveFile
)

// Operation is one mutation to apply to a commit's flat path→leaf map.
// ExpectedPrevHash, when set for OpUpdateFile, must match the current
// blob hash at Path or the operation fails with Conflict.
type Operation struct {
	Kind             OperationKind
	Path             string
	Dest             string // MoveFile destination
	Bytes            []byte
	ExpectedPrevHash *githash.Hash
}

type leaf struct {
	mode uint32
	hash githash.Hash
}

// CommitMetadata carries the author/committer signature and message
// used to build a new commit object.
type CommitMetadata struct {
	AuthorName     string
	AuthorEmail    string
	AuthorTime     time.Time
	CommitterName  string
	CommitterEmail string
	CommitterTime  time.Time
	Message        string
}

func normalizePath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", gitcellarerr.New(gitcellarerr.InvalidArgument, "repository: empty path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", gitcellarerr.New(gitcellarerr.InvalidArgument, "repository: invalid path %q", p)
		}
	}
	return p, nil
}

// CreateCommit applies ops to branch's current tip and pushes a new
// commit via CAS. branch must not be HEAD; a name without the "refs/"
// prefix is taken as "refs/heads/<branch>".
func (r *Repository) CreateCommit(branch string, ops []Operation, meta CommitMetadata) (githash.Hash, error) {
	if strings.EqualFold(branch, "HEAD") {
		return githash.Hash{}, gitcellarerr.New(gitcellarerr.InvalidArgument, "repository: branch must not be HEAD")
	}
	branch = normalizeBranchRef(branch)

	tip, err := r.Refs.Resolve(branch)
	hasTip := err == nil
	if err != nil && !gitcellarerr.Is(err, gitcellarerr.NotFound) {
		return githash.Hash{}, err
	}

	leaves := make(map[string]leaf)
	var parentTree githash.Hash
	var parents []githash.Hash
	if hasTip {
		parentCommit, err := r.decodeCommit(tip)
		if err != nil {
			return githash.Hash{}, err
		}
		parentTree = parentCommit.Tree
		parents = []githash.Hash{tip}
		if err := r.loadLeaves(parentTree, "", leaves); err != nil {
			return githash.Hash{}, err
		}
	}

	changed := false
	for _, op := range ops {
		var err error
		changed, err = r.applyOperation(leaves, op, changed)
		if err != nil {
			return githash.Hash{}, err
		}
	}
	if !changed {
		return githash.Hash{}, gitcellarerr.New(gitcellarerr.Conflict, "repository: commit would not change the tree")
	}

	newTree, err := r.buildTree(leaves)
	if err != nil {
		return githash.Hash{}, err
	}
	if hasTip && newTree.Equal(parentTree) {
		return githash.Hash{}, gitcellarerr.New(gitcellarerr.Conflict, "repository: commit would not change the tree")
	}

	c := gitobj.Commit{
		Tree:    newTree,
		Parents: parents,
		Headers: []gitobj.HeaderLine{
			{Name: "author", Value: gitobj.Signature(meta.AuthorName, meta.AuthorEmail, meta.AuthorTime.Unix(), formatOffset(meta.AuthorTime))},
			{Name: "committer", Value: gitobj.Signature(meta.CommitterName, meta.CommitterEmail, meta.CommitterTime.Unix(), formatOffset(meta.CommitterTime))},
		},
		Message: meta.Message,
	}
	raw := gitobj.SerializeCommit(c)
	commitHash, err := r.Objects.Write(gitobj.TypeCommit, raw)
	if err != nil {
		return githash.Hash{}, err
	}

	var expectedOld *githash.Hash
	if hasTip {
		expectedOld = &tip
	} else {
		zero := githash.Zero(r.hashSize)
		expectedOld = &zero
	}
	if err := r.Refs.WriteWithValidation(branch, expectedOld, &commitHash); err != nil {
		return githash.Hash{}, err
	}
	return commitHash, nil
}

func normalizeBranchRef(branch string) string {
	if strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return "refs/heads/" + branch
}

func formatOffset(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	hours := offset / 3600
	minutes := (offset % 3600) / 60
	return fmt.Sprintf("%s%02d%02d", sign, hours, minutes)
}

// loadLeaves recursively flattens tree into path→leaf entries under
// prefix.
func (r *Repository) loadLeaves(treeHash githash.Hash, prefix string, out map[string]leaf) error {
	t, err := r.decodeTree(treeHash)
	if err != nil {
		return err
	}
	for _, e := range t.Entries {
		full := e.Name
		if prefix != "" {
			full = prefix + "/" + e.Name
		}
		if e.Kind() == gitobj.KindTree {
			if err := r.loadLeaves(e.Hash, full, out); err != nil {
				return err
			}
			continue
		}
		out[full] = leaf{mode: e.Mode, hash: e.Hash}
	}
	return nil
}

func (r *Repository) applyOperation(leaves map[string]leaf, op Operation, changed bool) (bool, error) {
	switch op.Kind {
	case OpAddFile:
		path, err := normalizePath(op.Path)
		if err != nil {
			return changed, err
		}
		if _, exists := leaves[path]; exists {
			return changed, gitcellarerr.New(gitcellarerr.Conflict, "repository: %q already exists", path)
		}
		blobHash, err := r.Objects.Write(gitobj.TypeBlob, op.Bytes)
		if err != nil {
			return changed, err
		}
		leaves[path] = leaf{mode: gitobj.ModeBlob, hash: blobHash}
		return true, nil

	case OpUpdateFile:
		path, err := normalizePath(op.Path)
		if err != nil {
			return changed, err
		}
		cur, exists := leaves[path]
		if !exists {
			return changed, gitcellarerr.New(gitcellarerr.NotFound, "repository: %q does not exist", path)
		}
		if op.ExpectedPrevHash != nil && !cur.hash.Equal(*op.ExpectedPrevHash) {
			return changed, gitcellarerr.New(gitcellarerr.Conflict, "repository: %q changed since expected", path)
		}
		blobHash, err := r.Objects.Write(gitobj.TypeBlob, op.Bytes)
		if err != nil {
			return changed, err
		}
		leaves[path] = leaf{mode: cur.mode, hash: blobHash}
		return true, nil

	case OpRemoveFile:
		path, err := normalizePath(op.Path)
		if err != nil {
			return changed, err
		}
		if _, exists := leaves[path]; !exists {
			return changed, gitcellarerr.New(gitcellarerr.NotFound, "repository: %q does not exist", path)
		}
		delete(leaves, path)
		return true, nil

	case OpMoveFile:
		src, err := normalizePath(op.Path)
		if err != nil {
			return changed, err
		}
		dst, err := normalizePath(op.Dest)
		if err != nil {
			return changed, err
		}
		cur, exists := leaves[src]
		if !exists {
			return changed, gitcellarerr.New(gitcellarerr.NotFound, "repository: %q does not exist", src)
		}
		if _, exists := leaves[dst]; exists {
			return changed, gitcellarerr.New(gitcellarerr.Conflict, "repository: %q already exists", dst)
		}
		delete(leaves, src)
		leaves[dst] = cur
		return true, nil
	}
	return changed, gitcellarerr.New(gitcellarerr.Unsupported, "repository: unknown operation kind %d", op.Kind)
}

// buildTree assembles the tree hierarchy bottom-up from the flat leaf
// map (every leaf already carries its blob hash, written by
// applyOperation), returning the root tree's hash.
func (r *Repository) buildTree(leaves map[string]leaf) (githash.Hash, error) {
	type dirNode struct {
		files map[string]leaf
		dirs  map[string]*dirNode
	}
	root := &dirNode{files: map[string]leaf{}, dirs: map[string]*dirNode{}}

	for path, l := range leaves {
		segments := strings.Split(path, "/")
		cur := root
		for i, seg := range segments {
			if i == len(segments)-1 {
				cur.files[seg] = l
				break
			}
			next, ok := cur.dirs[seg]
			if !ok {
				next = &dirNode{files: map[string]leaf{}, dirs: map[string]*dirNode{}}
				cur.dirs[seg] = next
			}
			cur = next
		}
	}

	var write func(n *dirNode) (githash.Hash, error)
	write = func(n *dirNode) (githash.Hash, error) {
		var entries []gitobj.TreeEntry
		for name, sub := range n.dirs {
			h, err := write(sub)
			if err != nil {
				return githash.Hash{}, err
			}
			entries = append(entries, gitobj.TreeEntry{Name: name, Mode: gitobj.ModeTree, Hash: h})
		}
		for name, l := range n.files {
			entries = append(entries, gitobj.TreeEntry{Name: name, Mode: l.mode, Hash: l.hash})
		}
		gitobj.SortEntries(entries)
		raw := gitobj.SerializeTree(entries)
		return r.Objects.Write(gitobj.TypeTree, raw)
	}
	return write(root)
}
