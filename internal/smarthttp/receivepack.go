package smarthttp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/brineport/gitcellar/internal/authz"
	"github.com/brineport/gitcellar/internal/gitcellarerr"
	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/packfile"
	"github.com/brineport/gitcellar/internal/pktline"
	"github.com/brineport/gitcellar/internal/refstore"
	"github.com/brineport/gitcellar/internal/repository"
)

// refCommand is one parsed "<old> <new> <ref>" line from the request.
type refCommand struct {
	old  githash.Hash
	new  githash.Hash
	ref  string
	ok   bool
	note string
}

func (c *refCommand) reject(reason string) {
	c.ok = false
	c.note = reason
}

// handleReceivePack answers a git-receive-pack POST: it validates CAS and
// fast-forward preconditions for every ref command under a single
// multi-ref lock, reads the pack (if any command is not a delete), and
// applies accepted commands, reporting outcomes via report-status.
func (s *Service) handleReceivePack(w http.ResponseWriter, r *http.Request, repoName string) {
	if !s.opts.EnableReceivePack {
		writeStatus(w, http.StatusForbidden, serviceReceivePack+" is disabled")
		return
	}
	if !s.authorize(w, r, repoName, authz.Write) {
		return
	}
	repo, err := s.repoFor(repoName)
	if err != nil {
		writeStatus(w, httpStatus(err), err.Error())
		return
	}

	commands, remainder, err := readReceiveCommands(r)
	if err != nil {
		writeStatus(w, httpStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.WriteHeader(http.StatusOK)
	sideband := pktline.NewSidebandWriter(w, pktline.SidebandData)

	if len(commands) == 0 {
		pktline.WriteFlush(w)
		return
	}

	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.ref
	}
	handle, err := repo.Refs.AcquireMulti(r.Context(), names)
	if err != nil {
		for _, c := range commands {
			c.reject(err.Error())
		}
		writeUnpackLine(sideband, "ok")
		writeCommandResults(sideband, commands)
		pktline.WriteFlush(w)
		return
	}
	defer handle.Release()

	anyNonDelete := false
	for _, c := range commands {
		if !c.new.IsZero() {
			anyNonDelete = true
			break
		}
	}

	unpackStatus := "ok"
	if anyNonDelete {
		if stats, err := packfile.ReadPack(remainder, repo.HashSize(), repo.Objects); err != nil {
			unpackStatus = err.Error()
			for _, c := range commands {
				c.reject("unpack failed")
			}
		} else {
			repo.Objects.Invalidate()
			s.opts.Metrics.recordPackReceived()
			s.opts.Metrics.observeDeferredPasses(stats.DeferredPasses)
		}
	}

	var updated []string
	if unpackStatus == "ok" {
		validateAndApply(repo, handle, commands, s.opts.Metrics)
		for _, c := range commands {
			if c.ok {
				updated = append(updated, c.ref)
			}
		}
	}

	writeUnpackLine(sideband, unpackStatus)
	writeCommandResults(sideband, commands)
	pktline.WriteFlush(w)

	if unpackStatus == "ok" && s.opts.OnReceivePackDone != nil {
		go fireOnReceivePackDone(s.opts.OnReceivePackDone, repoName, updated)
	}
}

func fireOnReceivePackDone(fn PostReceiveFunc, repoName string, updated []string) {
	defer func() { _ = recover() }()
	_ = fn(context.Background(), repoName, updated)
}

// validateAndApply checks CAS and (for non-deletes) fast-forward for each
// command, then applies every accepted command through handle.
func validateAndApply(repo *repository.Repository, handle *refstore.MultiHandle, commands []*refCommand, metrics *Metrics) {
	for _, c := range commands {
		current, err := currentRefOrZero(repo, c.ref)
		if err != nil {
			c.reject(err.Error())
			metrics.recordRefUpdate("error")
			continue
		}
		if !current.Equal(c.old) {
			if c.old.IsZero() && !current.IsZero() {
				c.reject("already exists")
			} else {
				c.reject(fmt.Sprintf("expected old value %s, received %s", c.old, current))
			}
			metrics.recordRefUpdate("conflict")
			continue
		}
		if !c.new.IsZero() && !c.old.IsZero() {
			reachable, err := repo.IsReachable(c.new, c.old)
			if err != nil {
				c.reject(err.Error())
				metrics.recordRefUpdate("error")
				continue
			}
			if !reachable {
				c.reject("non-fast-forward")
				metrics.recordRefUpdate("rejected")
				continue
			}
		}
		c.ok = true
	}

	for _, c := range commands {
		if !c.ok {
			continue
		}
		var expectedOld, newValue *githash.Hash
		old := c.old
		expectedOld = &old
		if !c.new.IsZero() {
			n := c.new
			newValue = &n
		}
		if err := handle.WriteWithValidation(c.ref, expectedOld, newValue); err != nil {
			c.reject(err.Error())
			metrics.recordRefUpdate("conflict")
			continue
		}
		metrics.recordRefUpdate("ok")
	}
}

func currentRefOrZero(repo *repository.Repository, ref string) (githash.Hash, error) {
	h, err := repo.Refs.Resolve(ref)
	if err != nil {
		if gitcellarerr.Is(err, gitcellarerr.NotFound) {
			return githash.Zero(repo.HashSize()), nil
		}
		return githash.Hash{}, err
	}
	return h, nil
}

// readReceiveCommands reads pkt-lines until flush, parsing each as
// "<old-hex> <new-hex> <refname>" (capabilities after a NUL on the first
// line are discarded), and returns the remainder of the body as the
// incoming pack stream.
func readReceiveCommands(r *http.Request) ([]*refCommand, *bytes.Reader, error) {
	body := bufio.NewReader(r.Body)
	pr := pktline.NewReader(body)
	var commands []*refCommand
	for {
		payload, ok, _, err := pr.Next()
		if err != nil {
			return nil, nil, fmt.Errorf("smarthttp: read receive-pack request: %w", err)
		}
		if !ok {
			break
		}
		text, _ := pktline.SplitCapabilities(payload)
		fields := bytes.Fields(text)
		if len(fields) != 3 {
			return nil, nil, gitcellarerr.New(gitcellarerr.InvalidArgument, "smarthttp: malformed ref command %q", text)
		}
		oldHash, err := githash.Parse(string(fields[0]))
		if err != nil {
			return nil, nil, gitcellarerr.Wrap(gitcellarerr.InvalidArgument, err, "smarthttp: invalid old hash")
		}
		newHash, err := githash.Parse(string(fields[1]))
		if err != nil {
			return nil, nil, gitcellarerr.Wrap(gitcellarerr.InvalidArgument, err, "smarthttp: invalid new hash")
		}
		commands = append(commands, &refCommand{old: oldHash, new: newHash, ref: string(fields[2])})
	}

	rest, err := io.ReadAll(body)
	if err != nil {
		return nil, nil, fmt.Errorf("smarthttp: read pack body: %w", err)
	}
	return commands, bytes.NewReader(rest), nil
}

func writeUnpackLine(w *pktline.SidebandWriter, status string) {
	if status == "ok" {
		pktline.WriteString(w, "unpack ok\n")
		return
	}
	pktline.WriteString(w, fmt.Sprintf("unpack %s\n", status))
}

func writeCommandResults(w *pktline.SidebandWriter, commands []*refCommand) {
	for _, c := range commands {
		if c.ok {
			pktline.WriteString(w, fmt.Sprintf("ok %s\n", c.ref))
		} else {
			pktline.WriteString(w, fmt.Sprintf("ng %s %s\n", c.ref, c.note))
		}
	}
}
