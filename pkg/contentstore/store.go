// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package contentstore provides a digest-addressed local store for
// registry blobs. A blob lives at <root>/<algorithm>/<hex>; the
// existence of that file is the cache record. Writes go to a temp
// file first and are renamed into place, so a crashed download never
// leaves partial content at the canonical path.
package contentstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Store maps descriptors to files under a root directory.
type Store struct {
	root string
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create content store root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0755); err != nil {
		return nil, fmt.Errorf("create content store temp directory: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// PathFor returns the canonical path for a descriptor. The path is
// derived only from the digest, never from media type or size; two
// descriptors with the same digest share one file, which is the
// dedup mechanism.
func (s *Store) PathFor(desc ocispec.Descriptor) string {
	return filepath.Join(s.root, desc.Digest.Algorithm().String(), desc.Digest.Encoded())
}

// Exists reports whether the blob for desc is already present.
// Content under a cryptographic digest is trusted as-is; no
// re-verification happens here.
func (s *Store) Exists(desc ocispec.Descriptor) bool {
	_, err := os.Stat(s.PathFor(desc))
	return err == nil
}

// TempFile creates a new temp file inside the store so a later
// rename into the canonical path stays on one filesystem.
func (s *Store) TempFile() (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "download-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// Install moves a fully written temp file into the canonical path
// for desc. The rename overwrites any concurrent writer's result;
// content is identical by digest so last writer wins is safe.
func (s *Store) Install(tmpPath string, desc ocispec.Descriptor) (string, error) {
	dst := s.PathFor(desc)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("create algorithm directory: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("install blob %s: %w", desc.Digest, err)
	}
	return dst, nil
}

// Put streams r into the store under desc and returns the canonical
// path. It is a no-op when the blob already exists.
func (s *Store) Put(desc ocispec.Descriptor, r io.Reader) (string, error) {
	if s.Exists(desc) {
		return s.PathFor(desc), nil
	}
	f, err := s.TempFile()
	if err != nil {
		return "", err
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("write blob %s: %w", desc.Digest, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sync blob %s: %w", desc.Digest, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close blob %s: %w", desc.Digest, err)
	}
	return s.Install(tmpName, desc)
}

// Open opens the blob for desc for reading.
func (s *Store) Open(desc ocispec.Descriptor) (*os.File, error) {
	f, err := os.Open(s.PathFor(desc))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", desc.Digest, err)
	}
	return f, nil
}
