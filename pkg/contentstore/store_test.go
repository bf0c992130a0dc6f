// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package contentstore

import (
	"bytes"
	"os"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func descFor(data []byte, mediaType string) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
	}
}

func TestPathDependsOnlyOnDigest(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("layer bytes")
	a := descFor(data, "application/vnd.oci.image.layer.v1.tar+gzip")
	b := descFor(data, "application/octet-stream")
	b.Size = 999

	if got, want := s.PathFor(a), s.PathFor(b); got != want {
		t.Fatalf("PathFor differs for same digest: %q vs %q", got, want)
	}
}

func TestPutAndExists(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("hello blob")
	desc := descFor(data, "application/octet-stream")

	if s.Exists(desc) {
		t.Fatal("Exists reported true before Put")
	}
	path, err := s.Put(desc, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Exists(desc) {
		t.Fatal("Exists reported false after Put")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("stored content = %q, want %q", got, data)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("same bytes twice")
	desc := descFor(data, "application/octet-stream")

	p1, err := s.Put(desc, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	// Second Put must not require reading the source at all.
	p2, err := s.Put(desc, badReader{})
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("paths differ: %q vs %q", p1, p2)
	}
}

type badReader struct{}

func (badReader) Read([]byte) (int, error) {
	return 0, os.ErrInvalid
}

func TestInstallOverwrites(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("contended blob")
	desc := descFor(data, "application/octet-stream")

	if _, err := s.Put(desc, bytes.NewReader(data)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A concurrent writer finishing later renames over the first copy.
	f, err := s.TempFile()
	if err != nil {
		t.Fatalf("TempFile: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Install(f.Name(), desc); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !s.Exists(desc) {
		t.Fatal("blob missing after second Install")
	}
}
