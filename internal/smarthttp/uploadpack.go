package smarthttp

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/brineport/gitcellar/internal/authz"
	"github.com/brineport/gitcellar/internal/gitcellarerr"
	"github.com/brineport/gitcellar/internal/githash"
	"github.com/brineport/gitcellar/internal/objectwalk"
	"github.com/brineport/gitcellar/internal/packfile"
	"github.com/brineport/gitcellar/internal/pktline"
)

// handleUploadPack answers a git-upload-pack POST: it reads the want/have
// negotiation, walks every object reachable from the wants (ignoring
// haves — no common-ancestor optimization is attempted), and streams the
// resulting pack back side-band-muxed after a NAK.
func (s *Service) handleUploadPack(w http.ResponseWriter, r *http.Request, repoName string) {
	if !s.opts.EnableUploadPack {
		writeStatus(w, http.StatusForbidden, serviceUploadPack+" is disabled")
		return
	}
	if !s.authorize(w, r, repoName, authz.Read) {
		return
	}
	repo, err := s.repoFor(repoName)
	if err != nil {
		writeStatus(w, httpStatus(err), err.Error())
		return
	}

	wants, err := readWants(r, repo.HashSize())
	if err != nil {
		writeStatus(w, httpStatus(err), err.Error())
		return
	}
	if len(wants) == 0 {
		writeStatus(w, http.StatusBadRequest, "no want lines in upload-pack request")
		return
	}

	entries, err := objectwalk.Walk(repo.Objects, repo.HashSize(), wants)
	if err != nil {
		writeStatus(w, httpStatus(err), err.Error())
		return
	}
	s.opts.Metrics.observeObjectsWalked(len(entries))

	objects := make([]packfile.WriteObject, len(entries))
	for i, e := range entries {
		objects[i] = packfile.WriteObject{Type: e.Data.Type, Raw: e.Data.Raw}
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.WriteHeader(http.StatusOK)

	pktline.WriteString(w, "NAK\n")

	sideband := pktline.NewSidebandWriter(w, pktline.SidebandData)
	if _, err := packfile.WritePack(sideband, repo.HashSize(), objects); err != nil {
		// The NAK and part of the pack may already be on the wire; there is
		// no way to signal failure except the side-band fatal channel.
		pktline.WriteSideband(w, pktline.SidebandFatal, []byte(err.Error()+"\n"))
		pktline.WriteFlush(w)
		return
	}
	s.opts.Metrics.recordPackSent()
	pktline.WriteFlush(w)
}

// readWants reads pkt-lines from r.Body until flush, collecting the hash
// from every "want <hex> [caps...]" line. A "have" line (or anything
// else) ends the want section early only insofar as it is not itself a
// want; negotiation rounds beyond the first flush are drained and
// ignored, per the no-common-ancestor simplification.
func readWants(r *http.Request, hashSize githash.Size) ([]githash.Hash, error) {
	pr := pktline.NewReader(r.Body)
	var wants []githash.Hash
	for {
		payload, ok, _, err := pr.Next()
		if err != nil {
			return nil, gitcellarerr.Wrap(gitcellarerr.InvalidArgument, err, "smarthttp: read upload-pack request")
		}
		if !ok {
			break
		}
		line := bytes.TrimRight(payload, "\n")
		fields := bytes.Fields(line)
		if len(fields) < 2 || string(fields[0]) != "want" {
			continue
		}
		h, err := githash.Parse(string(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("smarthttp: invalid want hash %q: %w", fields[1], err)
		}
		wants = append(wants, h)
	}
	// Drain any "have" negotiation section (and its trailing flush) without
	// acting on it; this implementation always sends the full object set.
	_, _ = pktline.ReadAllUntilFlush(pr)
	return wants, nil
}
