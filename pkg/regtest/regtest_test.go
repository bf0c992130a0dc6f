// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regtest

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		path string
		want *parsedPath
	}{
		{"/v2/app/manifests/latest", &parsedPath{kind: pathManifest, repo: "app", ref: "latest"}},
		{"/v2/team/app/manifests/v1.2", &parsedPath{kind: pathManifest, repo: "team/app", ref: "v1.2"}},
		{"/v2/a/b/c/blobs/sha256:abc", &parsedPath{kind: pathBlob, repo: "a/b/c", ref: "sha256:abc"}},
		{"/v2/app/blobs/uploads/", &parsedPath{kind: pathUploadInit, repo: "app"}},
		{"/v2/app/blobs/uploads/session-1", &parsedPath{kind: pathUpload, repo: "app", ref: "session-1"}},
		{"/v2/", nil},
		{"/v1/app/manifests/latest", nil},
		{"/v2/manifests/latest", nil},
		{"/v2/app/tags/list", nil},
	}
	for _, tt := range tests {
		got, err := parsePath(tt.path)
		if tt.want == nil {
			if err == nil {
				t.Errorf("parsePath(%q) = %+v, want error", tt.path, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parsePath(%q): %v", tt.path, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(parsedPath{})); diff != "" {
			t.Errorf("parsePath(%q) mismatch (-want +got):\n%s", tt.path, diff)
		}
	}
}

func TestUploadAppendStrict(t *testing.T) {
	var u uploadState

	if n, err := u.append("0-4", []byte("hello")); err != nil || n != 5 {
		t.Fatalf("first append = %d, %v", n, err)
	}
	if n, err := u.append("5-10", []byte(" world")); err != nil || n != 11 {
		t.Fatalf("second append = %d, %v", n, err)
	}
	// Overlap is a range error; a well-behaved client never re-sends
	// bytes the registry already acknowledged.
	if _, err := u.append("4-10", []byte("o world")); err == nil {
		t.Error("overlap append succeeded, want error")
	}
	// So is a gap. The buffer stays put either way.
	if _, err := u.append("20-24", []byte("later")); err == nil {
		t.Error("gap append succeeded, want error")
	}
	if got := u.buf.String(); got != "hello world" {
		t.Errorf("buffer = %q, want %q", got, "hello world")
	}

	// No Content-Range means "wherever the upload is".
	if n, err := u.append("", []byte("!")); err != nil || n != 12 {
		t.Fatalf("rangeless append = %d, %v", n, err)
	}
}

func TestBlobsNamespacedPerRepo(t *testing.T) {
	m := newMemStore()
	d := m.putBlob("app/base", []byte("shared layer"))

	if _, ok := m.blob("app/web", d.String()); ok {
		t.Fatal("blob visible from a repository it was never pushed to")
	}
	if !m.linkBlob("app/web", "app/base", d.String()) {
		t.Fatal("linkBlob failed for a blob the source repo has")
	}
	if data, ok := m.blob("app/web", d.String()); !ok || !bytes.Equal(data, []byte("shared layer")) {
		t.Error("linked blob not readable from destination repo")
	}
	if m.linkBlob("app/web", "app/other", d.String()) {
		t.Error("linkBlob succeeded from a repo without the blob")
	}
}

func TestCompleteUploadVerifiesDigest(t *testing.T) {
	m := newMemStore()
	id := m.newUpload()
	up, _ := m.upload(id)
	up.append("", []byte("payload"))

	if _, err := m.completeUpload("app/web", id, "sha256:0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatal("completeUpload accepted a wrong digest")
	}

	id = m.newUpload()
	up, _ = m.upload(id)
	up.append("", []byte("payload"))

	want := digest.FromBytes([]byte("payload"))
	got, err := m.completeUpload("app/web", id, want.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("completeUpload digest = %s, want %s", got, want)
	}
	data, ok := m.blob("app/web", want.String())
	if !ok || !bytes.Equal(data, []byte("payload")) {
		t.Error("completed upload not promoted to blob storage")
	}
	if _, ok := m.upload(id); ok {
		t.Error("upload session still present after completion")
	}
}
