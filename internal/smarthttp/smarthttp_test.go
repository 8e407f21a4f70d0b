package smarthttp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brineport/gitcellar/internal/authz"
	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/gitobj"
	"github.com/brineport/gitcellar/internal/objectwalk"
	"github.com/brineport/gitcellar/internal/packfile"
	"github.com/brineport/gitcellar/internal/pktline"
	"github.com/brineport/gitcellar/internal/repository"
)

func newBareRepoDir(t *testing.T, root, name string) *repository.Repository {
	t.Helper()
	dir := filepath.Join(root, name)
	for _, d := range []string{"objects", "refs/heads", "refs/tags"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		t.Fatalf("WriteFile HEAD: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config"), []byte("[core]\n\tbare = true\n"), 0o644); err != nil {
		t.Fatalf("WriteFile config: %v", err)
	}
	r, err := repository.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func meta(msg string) repository.CommitMetadata {
	now := time.Unix(1700000000, 0).UTC()
	return repository.CommitMetadata{
		AuthorName: "Test", AuthorEmail: "t@example.com", AuthorTime: now,
		CommitterName: "Test", CommitterEmail: "t@example.com", CommitterTime: now,
		Message: msg,
	}
}

func newService(root string, opts Options) *Service {
	opts.RepositoryRoot = root
	if !opts.EnableUploadPack && !opts.EnableReceivePack {
		opts.EnableUploadPack = true
		opts.EnableReceivePack = true
	}
	return New(opts)
}

func TestInfoRefsAdvertisesHeadFirstWithCapabilities(t *testing.T) {
	root := t.TempDir()
	repo := newBareRepoDir(t, root, "repo")
	if _, err := repo.CreateCommit("main", []repository.Operation{
		{Kind: repository.OpAddFile, Path: "README.md", Bytes: []byte("# Hi")},
	}, meta("init")); err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}

	svc := newService(root, Options{Agent: "gitcellar/test"})
	req := httptest.NewRequest(http.MethodGet, "/repo/info/refs?service=git-upload-pack", nil)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-git-upload-pack-advertisement" {
		t.Fatalf("Content-Type = %q", ct)
	}

	body := rec.Body.Bytes()
	pr := pktline.NewReader(bytes.NewReader(body))
	first, ok, _, err := pr.Next()
	if err != nil || !ok {
		t.Fatalf("first line: ok=%v err=%v", ok, err)
	}
	if string(first) != "# service=git-upload-pack\n" {
		t.Fatalf("first line = %q", first)
	}
	_, ok, _, err = pr.Next()
	if err != nil || ok {
		t.Fatalf("expected flush after service line, got ok=%v err=%v", ok, err)
	}

	lines, err := pktline.ReadAllUntilFlush(pr)
	if err != nil {
		t.Fatalf("ReadAllUntilFlush: %v", err)
	}
	if len(lines) == 0 {
		t.Fatal("expected at least one ref advertisement line")
	}
	if !strings.HasPrefix(string(lines[0]), "refs/heads/main ") && !strings.Contains(string(lines[0]), "HEAD") {
		t.Fatalf("first ref line = %q", lines[0])
	}
	if !bytes.Contains(lines[0], []byte("agent=gitcellar/test")) {
		t.Fatalf("first ref line missing capabilities: %q", lines[0])
	}
	if !bytes.Contains(lines[0], []byte("side-band-64k")) {
		t.Fatalf("first ref line missing side-band-64k: %q", lines[0])
	}
}

func TestInfoRefsRejectsUnsupportedService(t *testing.T) {
	root := t.TempDir()
	newBareRepoDir(t, root, "repo")
	svc := newService(root, Options{})

	req := httptest.NewRequest(http.MethodGet, "/repo/info/refs?service=bogus", nil)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestInfoRefsUnauthorizedReturns403(t *testing.T) {
	root := t.TempDir()
	newBareRepoDir(t, root, "repo")
	denyAll := func(ctx context.Context, repo string, op authz.Operation) (bool, error) { return false, nil }
	svc := newService(root, Options{Authorize: denyAll})

	req := httptest.NewRequest(http.MethodGet, "/repo/info/refs?service=git-upload-pack", nil)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestInfoRefsDisabledServiceReturns403(t *testing.T) {
	root := t.TempDir()
	newBareRepoDir(t, root, "repo")
	svc := New(Options{RepositoryRoot: root, EnableUploadPack: false, EnableReceivePack: true})

	req := httptest.NewRequest(http.MethodGet, "/repo/info/refs?service=git-upload-pack", nil)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestInfoRefsUnknownRepositoryReturns404(t *testing.T) {
	root := t.TempDir()
	svc := newService(root, Options{})

	req := httptest.NewRequest(http.MethodGet, "/missing/info/refs?service=git-upload-pack", nil)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUploadPackNoWantsReturns400(t *testing.T) {
	root := t.TempDir()
	repo := newBareRepoDir(t, root, "repo")
	if _, err := repo.CreateCommit("main", []repository.Operation{
		{Kind: repository.OpAddFile, Path: "a.txt", Bytes: []byte("x")},
	}, meta("init")); err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	svc := newService(root, Options{})

	req := httptest.NewRequest(http.MethodPost, "/repo/git-upload-pack", strings.NewReader(""))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func encodeWantRequest(t *testing.T, want string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := pktline.WriteString(&buf, fmt.Sprintf("want %s multi_ack side-band-64k\n", want)); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	pktline.WriteFlush(&buf)
	pktline.WriteFlush(&buf)
	return buf.Bytes()
}

func TestUploadPackStreamsPackAfterNAK(t *testing.T) {
	root := t.TempDir()
	repo := newBareRepoDir(t, root, "repo")
	if _, err := repo.CreateCommit("main", []repository.Operation{
		{Kind: repository.OpAddFile, Path: "README.md", Bytes: []byte("# Hi")},
	}, meta("init")); err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	tip, err := repo.Refs.Resolve("main")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	svc := newService(root, Options{})
	body := encodeWantRequest(t, tip.String())
	req := httptest.NewRequest(http.MethodPost, "/repo/git-upload-pack", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}

	pr := pktline.NewReader(rec.Body)
	nak, ok, _, err := pr.Next()
	if err != nil || !ok || string(nak) != "NAK\n" {
		t.Fatalf("NAK line = %q ok=%v err=%v", nak, ok, err)
	}

	var packBuf bytes.Buffer
	for {
		payload, ok, _, err := pr.Next()
		if err != nil {
			t.Fatalf("read sideband: %v", err)
		}
		if !ok {
			break
		}
		if len(payload) == 0 || payload[0] != pktline.SidebandData {
			t.Fatalf("unexpected sideband channel byte %v", payload[:1])
		}
		packBuf.Write(payload[1:])
	}

	fresh := newBareRepoDir(t, root, "fresh")
	if _, err := packfile.ReadPack(bytes.NewReader(packBuf.Bytes()), repo.HashSize(), fresh.Objects); err != nil {
		t.Fatalf("ReadPack: %v", err)
	}
	data, err := fresh.Objects.Read(tip)
	if err != nil {
		t.Fatalf("Read commit from rebuilt pack: %v", err)
	}
	if data.Type != gitobj.TypeCommit {
		t.Fatalf("Type = %v, want commit", data.Type)
	}
}

func encodeReceiveRequest(t *testing.T, oldHash, newHash, ref string, pack []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	line := fmt.Sprintf("%s %s %s\x00report-status side-band-64k\n", oldHash, newHash, ref)
	if err := pktline.WriteString(&buf, line); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	pktline.WriteFlush(&buf)
	buf.Write(pack)
	return buf.Bytes()
}

func buildPackFor(t *testing.T, repo *repository.Repository, tip githash.Hash) []byte {
	t.Helper()
	entries, err := objectwalk.Walk(repo.Objects, repo.HashSize(), []githash.Hash{tip})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	objs := make([]packfile.WriteObject, len(entries))
	for i, e := range entries {
		objs[i] = packfile.WriteObject{Type: e.Data.Type, Raw: e.Data.Raw}
	}
	var buf bytes.Buffer
	if _, err := packfile.WritePack(&buf, repo.HashSize(), objs); err != nil {
		t.Fatalf("WritePack: %v", err)
	}
	return buf.Bytes()
}

func TestReceivePackCreatesRefOnEmptyRepoThenRejectsReplay(t *testing.T) {
	root := t.TempDir()
	source := newBareRepoDir(t, root, "source")
	if _, err := source.CreateCommit("main", []repository.Operation{
		{Kind: repository.OpAddFile, Path: "a.txt", Bytes: []byte("x")},
	}, meta("init")); err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	tip, err := source.Refs.Resolve("main")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	pack := buildPackFor(t, source, tip)

	target := newBareRepoDir(t, root, "target")
	zero := githash.Zero(source.HashSize()).String()

	svc := newService(root, Options{})
	body := encodeReceiveRequest(t, zero, tip.String(), "refs/heads/main", pack)
	req := httptest.NewRequest(http.MethodPost, "/target/git-receive-pack", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	report := unwrapSideband(t, rec.Body.Bytes())
	if !strings.Contains(report, "unpack ok") {
		t.Fatalf("report = %q, want unpack ok", report)
	}
	if !strings.Contains(report, "ok refs/heads/main") {
		t.Fatalf("report = %q, want ok refs/heads/main", report)
	}

	got, err := target.Refs.Resolve("refs/heads/main")
	if err != nil || !got.Equal(tip) {
		t.Fatalf("Resolve after push = %v, %v; want %s", got, err, tip)
	}

	// Replaying the same creation command (old == zero) against the now
	// populated ref must be rejected as already existing.
	body2 := encodeReceiveRequest(t, zero, tip.String(), "refs/heads/main", pack)
	req2 := httptest.NewRequest(http.MethodPost, "/target/git-receive-pack", bytes.NewReader(body2))
	rec2 := httptest.NewRecorder()
	svc.ServeHTTP(rec2, req2)

	report2 := unwrapSideband(t, rec2.Body.Bytes())
	if !strings.Contains(report2, "ng refs/heads/main already exists") {
		t.Fatalf("replay report = %q, want ng ... already exists", report2)
	}
}

func TestReceivePackRejectsNonFastForward(t *testing.T) {
	root := t.TempDir()
	source := newBareRepoDir(t, root, "source")
	if _, err := source.CreateCommit("main", []repository.Operation{
		{Kind: repository.OpAddFile, Path: "a.txt", Bytes: []byte("1")},
	}, meta("c1")); err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	c1, err := source.Refs.Resolve("main")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	branch := newBareRepoDir(t, root, "branch")
	if _, err := branch.CreateCommit("main", []repository.Operation{
		{Kind: repository.OpAddFile, Path: "b.txt", Bytes: []byte("2")},
	}, meta("unrelated")); err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	unrelated, err := branch.Refs.Resolve("main")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	newBareRepoDir(t, root, "target")
	zero := githash.Zero(source.HashSize()).String()
	svc := newService(root, Options{})

	pack1 := buildPackFor(t, source, c1)
	body1 := encodeReceiveRequest(t, zero, c1.String(), "refs/heads/main", pack1)
	req1 := httptest.NewRequest(http.MethodPost, "/target/git-receive-pack", bytes.NewReader(body1))
	rec1 := httptest.NewRecorder()
	svc.ServeHTTP(rec1, req1)
	if !strings.Contains(unwrapSideband(t, rec1.Body.Bytes()), "ok refs/heads/main") {
		t.Fatalf("initial push failed: %s", rec1.Body.String())
	}

	pack2 := buildPackFor(t, branch, unrelated)
	body2 := encodeReceiveRequest(t, c1.String(), unrelated.String(), "refs/heads/main", pack2)
	req2 := httptest.NewRequest(http.MethodPost, "/target/git-receive-pack", bytes.NewReader(body2))
	rec2 := httptest.NewRecorder()
	svc.ServeHTTP(rec2, req2)

	report := unwrapSideband(t, rec2.Body.Bytes())
	if !strings.Contains(report, "non-fast-forward") {
		t.Fatalf("report = %q, want non-fast-forward rejection", report)
	}
}

func unwrapSideband(t *testing.T, body []byte) string {
	t.Helper()
	pr := pktline.NewReader(bytes.NewReader(body))
	var out bytes.Buffer
	for {
		payload, ok, _, err := pr.Next()
		if err != nil {
			t.Fatalf("read sideband: %v", err)
		}
		if !ok {
			break
		}
		out.Write(payload[1:])
	}
	return out.String()
}
