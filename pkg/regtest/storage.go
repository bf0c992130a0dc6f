// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regtest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"tailscale.com/syncs"
)

// memStore holds the registry's state. Blobs are namespaced per
// repository, like a real registry: a blob pushed to one repository
// is invisible from another until a cross repository mount links it.
type memStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte         // repo "\n" digest -> content
	manifests map[string]*manifestEntry // repo "\n" ref -> manifest

	uploads syncs.Map[string, *uploadState]
}

type manifestEntry struct {
	mediaType string
	digest    digest.Digest
	raw       []byte
}

func newMemStore() *memStore {
	return &memStore{
		blobs:     make(map[string][]byte),
		manifests: make(map[string]*manifestEntry),
	}
}

func blobKey(repo, dgst string) string { return repo + "\n" + dgst }

func (m *memStore) putBlob(repo string, data []byte) digest.Digest {
	d := digest.FromBytes(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobKey(repo, d.String())] = data
	return d
}

func (m *memStore) blob(repo, dgst string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[blobKey(repo, dgst)]
	return b, ok
}

// linkBlob attaches an existing blob of fromRepo to repo without
// copying, the mount operation's effect. It reports whether fromRepo
// actually had the blob.
func (m *memStore) linkBlob(repo, fromRepo, dgst string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[blobKey(fromRepo, dgst)]
	if !ok {
		return false
	}
	m.blobs[blobKey(repo, dgst)] = b
	return true
}

func manifestKey(repo, ref string) string { return repo + "\n" + ref }

// putManifest stores raw under ref and under its digest, so later
// digest-addressed fetches resolve like they do on a real registry.
func (m *memStore) putManifest(repo, ref, mediaType string, raw []byte) digest.Digest {
	d := digest.FromBytes(raw)
	e := &manifestEntry{mediaType: mediaType, digest: d, raw: raw}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[manifestKey(repo, ref)] = e
	m.manifests[manifestKey(repo, d.String())] = e
	return d
}

func (m *memStore) manifest(repo, ref string) (*manifestEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.manifests[manifestKey(repo, ref)]
	return e, ok
}

// uploadState is one in-flight blob upload session.
type uploadState struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (m *memStore) newUpload() string {
	id := uuid.NewString()
	m.uploads.Store(id, &uploadState{})
	return id
}

func (m *memStore) upload(id string) (*uploadState, bool) {
	return m.uploads.Load(id)
}

func (u *uploadState) size() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return int64(u.buf.Len())
}

// append writes a chunk at the position its Content-Range claims.
// The chunk must start exactly where the upload ends; anything else
// is a range error, as on a strict registry. An empty contentRange
// means "wherever the upload is", which the final PUT uses.
func (u *uploadState) append(contentRange string, chunk []byte) (written int64, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	have := int64(u.buf.Len())

	if contentRange != "" {
		start, _, ok := strings.Cut(contentRange, "-")
		if !ok {
			return have, fmt.Errorf("bad Content-Range %q", contentRange)
		}
		s, err := strconv.ParseInt(start, 10, 64)
		if err != nil {
			return have, fmt.Errorf("bad Content-Range %q", contentRange)
		}
		if s != have {
			return have, fmt.Errorf("chunk starts at %d but upload has %d bytes", s, have)
		}
	}
	u.buf.Write(chunk)
	return int64(u.buf.Len()), nil
}

// completeUpload verifies the digest and promotes the session's
// content to a blob of repo.
func (m *memStore) completeUpload(repo, id, expected string) (digest.Digest, error) {
	up, ok := m.uploads.Load(id)
	if !ok {
		return "", fmt.Errorf("unknown upload %s", id)
	}
	up.mu.Lock()
	data := bytes.Clone(up.buf.Bytes())
	up.mu.Unlock()

	want, err := digest.Parse(expected)
	if err != nil {
		return "", fmt.Errorf("bad digest %q: %w", expected, err)
	}
	got := want.Algorithm().FromBytes(data)
	if got != want {
		return "", fmt.Errorf("content digested to %s, not %s", got, want)
	}

	m.mu.Lock()
	m.blobs[blobKey(repo, want.String())] = data
	m.mu.Unlock()
	m.uploads.Delete(id)
	return want, nil
}
