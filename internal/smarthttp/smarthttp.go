// Package smarthttp implements the Git Smart HTTP v0 transport: ref
// advertisement, git-upload-pack, and git-receive-pack, wired against a
// repository root directory and an authorization predicate.
package smarthttp

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/brineport/gitcellar/internal/authz"
	"github.com/brineport/gitcellar/internal/gitcellarerr"
	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/pktline"
	"github.com/brineport/gitcellar/internal/repository"
)

const (
	serviceUploadPack  = "git-upload-pack"
	serviceReceivePack = "git-receive-pack"
)

// PostReceiveFunc is fired after a receive-pack request completes
// successfully, once the response has already been written. It runs in
// its own goroutine; its error, and any panic it raises, is discarded.
type PostReceiveFunc func(ctx context.Context, repoName string, updatedRefs []string) error

// Options configures a Service. RepositoryRoot is required. A nil
// Authorize allows every request, an empty Agent defaults to
// "gitcellar/1.0", and both services are disabled unless their Enable
// flag is set.
type Options struct {
	RepositoryRoot    string
	Agent             string
	EnableUploadPack  bool
	EnableReceivePack bool
	Authorize         authz.Authorizer
	NameNormalizer    NameNormalizer
	NameValidator     NameValidator
	OnReceivePackDone PostReceiveFunc
	Metrics           *Metrics
}

// Service implements http.Handler for the three Smart HTTP v0 routes,
// dispatched by matching the request path's suffix rather than a fixed
// net/http.ServeMux pattern, since repository names may contain any
// number of "/"-separated segments and ServeMux wildcards cannot be
// followed by a literal path suffix.
type Service struct {
	opts  Options
	repos *repoCache
}

// New returns a Service backed by opts.
func New(opts Options) *Service {
	if opts.Agent == "" {
		opts.Agent = "gitcellar/1.0"
	}
	if opts.Authorize == nil {
		opts.Authorize = authz.Allow
	}
	return &Service{opts: opts, repos: newRepoCache()}
}

// ServeHTTP dispatches to the matching Smart HTTP handler, or 404s.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/info/refs"):
		repoName := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/info/refs")
		s.handleInfoRefs(w, r, repoName)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/"+serviceUploadPack):
		repoName := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/"+serviceUploadPack)
		s.handleUploadPack(w, r, repoName)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/"+serviceReceivePack):
		repoName := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/"+serviceReceivePack)
		s.handleReceivePack(w, r, repoName)
	default:
		http.NotFound(w, r)
	}
}

func (s *Service) repoFor(repoName string) (*repository.Repository, error) {
	return s.repos.resolve(s.opts.RepositoryRoot, repoName, s.opts.NameNormalizer, s.opts.NameValidator)
}

// authorize consults the configured predicate, writing a response and
// returning false on rejection or error.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request, repoName string, op authz.Operation) bool {
	ok, err := s.opts.Authorize(r.Context(), repoName, op)
	if err != nil {
		writeStatus(w, httpStatus(err), err.Error())
		return false
	}
	if !ok {
		writeStatus(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// httpStatus maps a gitcellarerr.Kind to the HTTP status this service
// reports at its boundary, per the kind→status table: NotFound→404,
// InvalidArgument→400, InvalidData→500, Conflict→409, Unsupported→500,
// Unauthorized→403, Canceled→499 (non-standard, client-closed analogue).
func httpStatus(err error) int {
	switch gitcellarerr.KindOf(err) {
	case gitcellarerr.NotFound:
		return http.StatusNotFound
	case gitcellarerr.InvalidArgument:
		return http.StatusBadRequest
	case gitcellarerr.Conflict:
		return http.StatusConflict
	case gitcellarerr.Unauthorized:
		return http.StatusForbidden
	case gitcellarerr.Canceled:
		return 499
	case gitcellarerr.Unsupported, gitcellarerr.InvalidData:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) handleInfoRefs(w http.ResponseWriter, r *http.Request, repoName string) {
	service := r.URL.Query().Get("service")
	if service != serviceUploadPack && service != serviceReceivePack {
		writeStatus(w, http.StatusBadRequest, "unsupported or missing service parameter")
		return
	}
	if !s.serviceEnabled(service) {
		writeStatus(w, http.StatusForbidden, service+" is disabled")
		return
	}
	op := authz.Read
	if service == serviceReceivePack {
		op = authz.Write
	}
	if !s.authorize(w, r, repoName, op) {
		return
	}

	repo, err := s.repoFor(repoName)
	if err != nil {
		writeStatus(w, httpStatus(err), err.Error())
		return
	}
	refs, err := repo.Refs.List()
	if err != nil {
		writeStatus(w, httpStatus(err), err.Error())
		return
	}
	if head, err := repo.Refs.Resolve("HEAD"); err == nil {
		refs["HEAD"] = head
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.WriteHeader(http.StatusOK)

	pktline.WriteString(w, fmt.Sprintf("# service=%s\n", service))
	pktline.WriteFlush(w)

	names := orderedRefNames(refs)
	caps := fmt.Sprintf("report-status delete-refs ofs-delta side-band-64k agent=%s", s.opts.Agent)
	for i, name := range names {
		line := fmt.Sprintf("%s %s", refs[name], name)
		if i == 0 {
			line += "\x00" + caps
		}
		pktline.WriteString(w, line+"\n")
	}
	if len(names) == 0 {
		// An empty repository still advertises a capability line, attached
		// to a synthetic zero-hash "capabilities^{}" entry.
		pktline.WriteString(w, fmt.Sprintf("%s capabilities^{}\x00%s\n", githash.Zero(repo.HashSize()), caps))
	}
	pktline.WriteFlush(w)
}

// orderedRefNames sorts refs lexicographically with HEAD forced first,
// matching the advertisement's documented ordering.
func orderedRefNames(refs map[string]githash.Hash) []string {
	names := make([]string, 0, len(refs))
	_, hasHead := refs["HEAD"]
	for name := range refs {
		if name == "HEAD" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if hasHead {
		names = append([]string{"HEAD"}, names...)
	}
	return names
}

func (s *Service) serviceEnabled(service string) bool {
	if service == serviceUploadPack {
		return s.opts.EnableUploadPack
	}
	return s.opts.EnableReceivePack
}
