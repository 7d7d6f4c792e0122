// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package gitserver

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Smart HTTP protocol services.
const (
	serviceUploadPack  = "git-upload-pack"
	serviceReceivePack = "git-receive-pack"
)

// Routes returns the smart HTTP handler tree. Mount it under a prefix such
// as /git so repositories are reachable at <base>/git/<id>.git.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{repo}.git/info/refs", s.handleInfoRefs)
	r.Get("/{repo}.git/HEAD", s.handleHead)
	r.Post("/{repo}.git/git-upload-pack", s.handleServiceRPC(serviceUploadPack))
	r.Post("/{repo}.git/git-receive-pack", s.handleServiceRPC(serviceReceivePack))
	return r
}

// pktLine encodes one pkt-line frame: 4 hex digits of total length followed
// by the payload.
func pktLine(payload string) string {
	return fmt.Sprintf("%04x%s", len(payload)+4, payload)
}

// handleInfoRefs serves the ref advertisement for clone, fetch, and push.
func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repo")
	if err := validateRepoID(repoID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.Exists(repoID) {
		http.NotFound(w, r)
		return
	}

	service := r.URL.Query().Get("service")
	if service != serviceUploadPack && service != serviceReceivePack {
		// Dumb protocol clients are not supported.
		http.Error(w, "smart HTTP is required", http.StatusForbidden)
		return
	}

	cmd := exec.CommandContext(r.Context(), "git",
		strings.TrimPrefix(service, "git-"), "--stateless-rpc", "--advertise-refs", s.RepoPath(repoID))
	cmd.Env = getSafeEnvironment()
	refs, err := cmd.Output()
	if err != nil {
		getLog().Error().Err(err).Str("repo_id", repoID).Str("service", service).Msg("Ref advertisement failed")
		http.Error(w, "ref advertisement failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, pktLine(fmt.Sprintf("# service=%s\n", service)))
	io.WriteString(w, "0000")
	w.Write(refs)
}

// handleServiceRPC runs the stateless-rpc half of upload-pack or
// receive-pack, streaming the request body to git and the pack data back.
func (s *Server) handleServiceRPC(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repoID := chi.URLParam(r, "repo")
		if err := validateRepoID(repoID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !s.Exists(repoID) {
			http.NotFound(w, r)
			return
		}

		body := io.Reader(r.Body)
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			defer gz.Close()
			body = gz
		}

		cmd := exec.CommandContext(r.Context(), "git",
			strings.TrimPrefix(service, "git-"), "--stateless-rpc", s.RepoPath(repoID))
		cmd.Env = getSafeEnvironment()
		cmd.Stdin = body
		cmd.Stdout = w
		cmd.Stderr = nil

		w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-result", service))
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		if err := cmd.Run(); err != nil {
			// Headers are already out, all we can do is log and drop.
			getLog().Error().Err(err).Str("repo_id", repoID).Str("service", service).Msg("Git RPC failed")
			return
		}

		getLog().Debug().Str("repo_id", repoID).Str("service", service).Msg("Served git RPC")
	}
}

// handleHead serves the HEAD file for clients probing the repository.
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repo")
	if err := validateRepoID(repoID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := os.ReadFile(filepath.Join(s.RepoPath(repoID), "HEAD"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(data)
}
