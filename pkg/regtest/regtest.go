// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regtest runs an in-process OCI distribution registry for
// exercising registry clients. It speaks the v2 protocol over
// httptest, keeps everything in memory, and has knobs for vendor
// quirks (ECR's 201 chunk responses) and fault injection.
package regtest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/stevedore-dev/stevedore/pkg/compress"
)

// Options tweaks the fake registry's behavior.
type Options struct {
	// ECRCompat mimics Amazon ECR: chunk PATCHes are answered with
	// 201 Created and no Range header instead of 202 Accepted.
	ECRCompat bool

	// ChunkMinLength, when nonzero, is advertised in the
	// OCI-Chunk-Min-Length header on upload start.
	ChunkMinLength int64

	// Compress encodes manifest responses (zstd or gzip, per the
	// client's Accept-Encoding) with an explicit Content-Encoding
	// header.
	Compress bool
}

// Request is one recorded HTTP exchange, for asserting on the
// protocol a client spoke.
type Request struct {
	Method string
	Path   string // includes the query string
}

// Server is an in-memory registry over httptest.
type Server struct {
	opts Options
	hs   *httptest.Server
	mem  *memStore

	mu           sync.Mutex
	log          []Request
	failPatches  int
	patchStatus  int
	everyNth     int // fail every nth chunk PATCH when > 0
	patchCount   int
	shortPatches int   // truncate the next n chunk PATCHes
	shortKeep    int64 // bytes kept per truncated chunk
	failPuts     int
	putStatus    int
	failBlobGets int
	blobStatus   int
}

// New starts a registry server. The caller must Close it.
func New(opts Options) *Server {
	s := &Server{
		opts: opts,
		mem:  newMemStore(),
	}
	s.hs = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// Host returns the host:port the server listens on.
func (s *Server) Host() string {
	u, _ := url.Parse(s.hs.URL)
	return u.Host
}

// Client returns an HTTP client wired to the server.
func (s *Server) Client() *http.Client { return s.hs.Client() }

func (s *Server) Close() { s.hs.Close() }

// Requests returns a copy of every request seen so far, in order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.log))
	copy(out, s.log)
	return out
}

// FailChunks makes the next n chunk PATCH requests answer status
// without touching the upload.
func (s *Server) FailChunks(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPatches = n
	s.patchStatus = status
}

// FailEveryNthChunk makes every nth chunk PATCH answer status, for
// exercising failures interleaved with progress. n = 0 turns it off.
func (s *Server) FailEveryNthChunk(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.everyNth = n
	s.patchStatus = status
	s.patchCount = 0
}

// ShortChunks makes the next n chunk PATCHes keep only the first
// keep bytes of their body while still answering 202. The Range
// header reports what was actually retained, like a registry whose
// backend cut a write short.
func (s *Server) ShortChunks(n int, keep int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shortPatches = n
	s.shortKeep = keep
}

// FailUploadPuts makes the next n upload-completing PUT requests
// answer status.
func (s *Server) FailUploadPuts(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = n
	s.putStatus = status
}

// FailBlobGets makes the next n blob GET requests answer status.
func (s *Server) FailBlobGets(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBlobGets = n
	s.blobStatus = status
}

// SeedBlob stores data as a blob of repo and returns its digest.
func (s *Server) SeedBlob(repo string, data []byte) digest.Digest {
	return s.mem.putBlob(repo, data)
}

// HasBlob reports whether repo holds the blob.
func (s *Server) HasBlob(repo string, d digest.Digest) bool {
	_, ok := s.mem.blob(repo, d.String())
	return ok
}

// BlobData returns a blob's bytes as stored in repo, or nil.
func (s *Server) BlobData(repo string, d digest.Digest) []byte {
	b, _ := s.mem.blob(repo, d.String())
	return b
}

// SeedManifest stores raw under repo/ref and under its digest, the
// way a real registry does, and returns the digest.
func (s *Server) SeedManifest(repo, ref, mediaType string, raw []byte) digest.Digest {
	return s.mem.putManifest(repo, ref, mediaType, raw)
}

// Manifest looks up a stored manifest by tag or digest.
func (s *Server) Manifest(repo, ref string) (raw []byte, mediaType string, ok bool) {
	m, ok := s.mem.manifest(repo, ref)
	if !ok {
		return nil, "", false
	}
	return m.raw, m.mediaType, true
}

func (s *Server) record(req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, Request{Method: req.Method, Path: req.URL.RequestURI()})
}

func (s *Server) serveHTTP(w http.ResponseWriter, req *http.Request) {
	s.record(req)

	if req.URL.Path == "/v2/" || req.URL.Path == "/v2" {
		w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
		w.WriteHeader(http.StatusOK)
		return
	}

	p, err := parsePath(req.URL.Path)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	switch p.kind {
	case pathManifest:
		s.handleManifest(w, req, p.repo, p.ref)
	case pathBlob:
		s.handleBlob(w, req, p.repo, p.ref)
	case pathUploadInit:
		s.handleUploadInit(w, req, p.repo)
	case pathUpload:
		s.handleUpload(w, req, p.repo, p.ref)
	default:
		http.NotFound(w, req)
	}
}

type pathKind int

const (
	pathManifest pathKind = iota
	pathBlob
	pathUploadInit
	pathUpload
)

type parsedPath struct {
	kind pathKind
	repo string
	ref  string // tag/digest/upload id
}

// parsePath splits a v2 API path. Repository names may contain
// slashes, so the operation keyword is located first.
func parsePath(path string) (*parsedPath, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v2" {
		return nil, fmt.Errorf("not a v2 path: %q", path)
	}
	opIdx := -1
	for i := 1; i < len(parts); i++ {
		if parts[i] == "manifests" || parts[i] == "blobs" {
			opIdx = i
			break
		}
	}
	if opIdx <= 1 {
		return nil, fmt.Errorf("no operation in %q", path)
	}
	repo := strings.Join(parts[1:opIdx], "/")

	switch parts[opIdx] {
	case "manifests":
		if len(parts) != opIdx+2 {
			return nil, fmt.Errorf("bad manifest path %q", path)
		}
		return &parsedPath{kind: pathManifest, repo: repo, ref: parts[opIdx+1]}, nil
	case "blobs":
		if parts[opIdx+1] == "uploads" {
			if len(parts) == opIdx+2 {
				return &parsedPath{kind: pathUploadInit, repo: repo}, nil
			}
			return &parsedPath{kind: pathUpload, repo: repo, ref: parts[opIdx+2]}, nil
		}
		if len(parts) != opIdx+2 {
			return nil, fmt.Errorf("bad blob path %q", path)
		}
		return &parsedPath{kind: pathBlob, repo: repo, ref: parts[opIdx+1]}, nil
	}
	return nil, fmt.Errorf("unknown operation in %q", path)
}

func (s *Server) handleManifest(w http.ResponseWriter, req *http.Request, repo, ref string) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		m, ok := s.mem.manifest(repo, ref)
		if !ok {
			writeError(w, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest not found")
			return
		}
		w.Header().Set("Content-Type", m.mediaType)
		w.Header().Set("Docker-Content-Digest", m.digest.String())
		if req.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(m.raw)))
			w.WriteHeader(http.StatusOK)
			return
		}
		if s.opts.Compress {
			if enc := compress.SelectEncoding(req.Header.Get("Accept-Encoding")); enc != "" {
				cw, err := compress.NewResponseWriter(w, enc)
				if err == nil && cw != nil {
					defer cw.Close()
					cw.WriteHeader(http.StatusOK)
					cw.Write(m.raw)
					return
				}
			}
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(m.raw)))
		w.WriteHeader(http.StatusOK)
		w.Write(m.raw)
	case http.MethodPut:
		raw, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "MANIFEST_INVALID", "read body")
			return
		}
		d := s.mem.putManifest(repo, ref, req.Header.Get("Content-Type"), raw)
		w.Header().Set("Docker-Content-Digest", d.String())
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repo, d))
		w.WriteHeader(http.StatusCreated)
	default:
		writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", "method not allowed")
	}
}

func (s *Server) handleBlob(w http.ResponseWriter, req *http.Request, repo, dgst string) {
	switch req.Method {
	case http.MethodHead:
		data, ok := s.mem.blob(repo, dgst)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Docker-Content-Digest", dgst)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		s.mu.Lock()
		if s.failBlobGets > 0 {
			s.failBlobGets--
			status := s.blobStatus
			s.mu.Unlock()
			writeError(w, status, "BLOB_UNKNOWN", "injected failure")
			return
		}
		s.mu.Unlock()
		data, ok := s.mem.blob(repo, dgst)
		if !ok {
			writeError(w, http.StatusNotFound, "BLOB_UNKNOWN", "blob not found")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Docker-Content-Digest", dgst)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", "method not allowed")
	}
}

func (s *Server) handleUploadInit(w http.ResponseWriter, req *http.Request, repo string) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", "method not allowed")
		return
	}

	// Cross-repository mount: 201 with the blob's location when the
	// source repository has the content, otherwise fall through to a
	// fresh session.
	if mount := req.URL.Query().Get("mount"); mount != "" {
		if from := req.URL.Query().Get("from"); from != "" && s.mem.linkBlob(repo, from, mount) {
			w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, mount))
			w.Header().Set("Docker-Content-Digest", mount)
			w.WriteHeader(http.StatusCreated)
			return
		}
	}

	id := s.mem.newUpload()
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
	w.Header().Set("Range", "0-0")
	w.Header().Set("Docker-Upload-UUID", id)
	if s.opts.ChunkMinLength > 0 {
		w.Header().Set("OCI-Chunk-Min-Length", strconv.FormatInt(s.opts.ChunkMinLength, 10))
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpload(w http.ResponseWriter, req *http.Request, repo, id string) {
	switch req.Method {
	case http.MethodPatch:
		s.handleUploadChunk(w, req, repo, id)
	case http.MethodPut:
		s.handleUploadComplete(w, req, repo, id)
	case http.MethodGet:
		s.handleUploadStatus(w, req, repo, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "UNSUPPORTED", "method not allowed")
	}
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, req *http.Request, repo, id string) {
	s.mu.Lock()
	fail := false
	if s.failPatches > 0 {
		s.failPatches--
		fail = true
	} else if s.everyNth > 0 {
		s.patchCount++
		fail = s.patchCount%s.everyNth == 0
	}
	status := s.patchStatus
	truncate := int64(-1)
	if !fail && s.shortPatches > 0 {
		s.shortPatches--
		truncate = s.shortKeep
	}
	s.mu.Unlock()
	if fail {
		writeError(w, status, "BLOB_UPLOAD_INVALID", "injected failure")
		return
	}

	up, ok := s.mem.upload(id)
	if !ok {
		writeError(w, http.StatusNotFound, "BLOB_UPLOAD_UNKNOWN", "upload not found")
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BLOB_UPLOAD_INVALID", "read chunk")
		return
	}
	if truncate >= 0 && int64(len(body)) > truncate {
		body = body[:truncate]
	}
	written, err := up.append(req.Header.Get("Content-Range"), body)
	if err != nil {
		w.Header().Set("Range", fmt.Sprintf("0-%d", max(written-1, 0)))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "BLOB_UPLOAD_INVALID", err.Error())
		return
	}

	if s.opts.ECRCompat {
		// ECR acknowledges chunks with 201 and no usable Range.
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
	w.Header().Set("Range", fmt.Sprintf("0-%d", written-1))
	w.Header().Set("Docker-Upload-UUID", id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, req *http.Request, repo, id string) {
	s.mu.Lock()
	if s.failPuts > 0 {
		s.failPuts--
		status := s.putStatus
		s.mu.Unlock()
		io.Copy(io.Discard, req.Body)
		writeError(w, status, "BLOB_UPLOAD_INVALID", "injected failure")
		return
	}
	s.mu.Unlock()

	expected := req.URL.Query().Get("digest")
	if expected == "" {
		writeError(w, http.StatusBadRequest, "DIGEST_INVALID", "digest parameter required")
		return
	}
	up, ok := s.mem.upload(id)
	if !ok {
		writeError(w, http.StatusNotFound, "BLOB_UPLOAD_UNKNOWN", "upload not found")
		return
	}
	// The final PUT may carry the remaining (or entire) content.
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BLOB_UPLOAD_INVALID", "read body")
		return
	}
	if len(body) > 0 {
		if _, err := up.append("", body); err != nil {
			writeError(w, http.StatusBadRequest, "BLOB_UPLOAD_INVALID", err.Error())
			return
		}
	}

	d, err := s.mem.completeUpload(repo, id, expected)
	if err != nil {
		writeError(w, http.StatusBadRequest, "DIGEST_INVALID", err.Error())
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, d))
	w.Header().Set("Docker-Content-Digest", d.String())
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, req *http.Request, repo, id string) {
	up, ok := s.mem.upload(id)
	if !ok {
		writeError(w, http.StatusNotFound, "BLOB_UPLOAD_UNKNOWN", "upload not found")
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
	if n := up.size(); n > 0 {
		w.Header().Set("Range", fmt.Sprintf("0-%d", n-1))
	} else {
		w.Header().Set("Range", "0-0")
	}
	w.Header().Set("Docker-Upload-UUID", id)
	w.WriteHeader(http.StatusNoContent)
}
