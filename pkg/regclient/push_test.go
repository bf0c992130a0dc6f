// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stevedore-dev/stevedore/pkg/regtest"
)

// buildImage assembles an image whose layer blobs live in c's
// content store, the way a locally built image would.
func buildImage(t *testing.T, c *Client, layers ...[]byte) *Image {
	t.Helper()
	config := []byte(`{"architecture":"amd64","os":"linux","config":{"Env":["PATH=/usr/bin"]}}`)

	m := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.FromBytes(config),
			Size:      int64(len(config)),
		},
	}
	m.SchemaVersion = 2
	for _, layer := range layers {
		desc := ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromBytes(layer),
			Size:      int64(len(layer)),
		}
		if _, err := c.store.Put(desc, bytes.NewReader(layer)); err != nil {
			t.Fatal(err)
		}
		m.Layers = append(m.Layers, desc)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return &Image{
		Manifest:          m,
		ManifestMediaType: ocispec.MediaTypeImageManifest,
		ManifestDigest:    digest.FromBytes(raw),
		RawManifest:       raw,
		Config:            config,
	}
}

func TestPush(t *testing.T) {
	srv := regtest.New(regtest.Options{})
	defer srv.Close()
	c := testClient(t, srv, Settings{})

	layerA := bytes.Repeat([]byte("aaaa"), 500)
	layerB := bytes.Repeat([]byte("bbbb"), 500)
	img := buildImage(t, c, layerA, layerB)

	if err := c.Push(context.Background(), nil, img, "app/web", []string{"v1", "latest"}); err != nil {
		t.Fatal(err)
	}

	for _, desc := range img.Manifest.Layers {
		if !srv.HasBlob("app/web", desc.Digest) {
			t.Errorf("layer %s not pushed", desc.Digest)
		}
	}
	if !srv.HasBlob("app/web", img.Manifest.Config.Digest) {
		t.Error("config blob not pushed")
	}
	for _, tag := range []string{"v1", "latest"} {
		raw, mediaType, ok := srv.Manifest("app/web", tag)
		if !ok {
			t.Fatalf("manifest %s missing", tag)
		}
		if !bytes.Equal(raw, img.RawManifest) {
			t.Errorf("manifest %s differs", tag)
		}
		if mediaType != ocispec.MediaTypeImageManifest {
			t.Errorf("manifest %s mediaType = %q", tag, mediaType)
		}
	}
}

func TestPushByDigestWithoutTags(t *testing.T) {
	srv := regtest.New(regtest.Options{})
	defer srv.Close()
	c := testClient(t, srv, Settings{})

	img := buildImage(t, c, []byte("only layer"))
	if err := c.Push(context.Background(), nil, img, "app/web", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := srv.Manifest("app/web", img.ManifestDigest.String()); !ok {
		t.Error("manifest not stored under its digest")
	}
}

func TestPushSkipsExistingBlobs(t *testing.T) {
	srv := regtest.New(regtest.Options{})
	defer srv.Close()
	c := testClient(t, srv, Settings{})

	layer := bytes.Repeat([]byte("present"), 100)
	srv.SeedBlob("app/web", layer)
	img := buildImage(t, c, layer)
	srv.SeedBlob("app/web", img.Config)

	if err := c.Push(context.Background(), nil, img, "app/web", []string{"v1"}); err != nil {
		t.Fatal(err)
	}
	if n := countRequests(srv.Requests(), http.MethodPost, "/blobs/uploads/"); n != 0 {
		t.Errorf("started %d uploads for blobs the registry already had", n)
	}
}

func TestPushMountsWithinSameRegistry(t *testing.T) {
	srv := regtest.New(regtest.Options{})
	defer srv.Close()

	// The blobs exist only under the source repository; the
	// destination must gain them by mounting, not re-uploading.
	layer := bytes.Repeat([]byte("shared"), 100)
	srv.SeedBlob("app/base", layer)

	c := testClient(t, srv, Settings{})
	img := buildImage(t, c, layer)
	img.SourceRegistry = c.Host()
	img.SourceRepository = "app/base"
	srv.SeedBlob("app/base", img.Config)
	if err := c.Push(context.Background(), c, img, "app/web", []string{"v1"}); err != nil {
		t.Fatal(err)
	}
	mounts := 0
	for _, r := range srv.Requests() {
		if r.Method == http.MethodPost && strings.Contains(r.Path, "mount=") {
			mounts++
		}
	}
	if mounts == 0 {
		t.Error("no mount request seen")
	}
	if n := countRequests(srv.Requests(), http.MethodPatch, "/blobs/uploads/"); n != 0 {
		t.Errorf("sent %d chunk PATCHes, want 0", n)
	}
	if !srv.HasBlob("app/web", digest.FromBytes(layer)) {
		t.Error("layer not linked into destination repository")
	}
}

func TestPushCopiesFromSourceRegistry(t *testing.T) {
	src := regtest.New(regtest.Options{})
	defer src.Close()
	dst := regtest.New(regtest.Options{})
	defer dst.Close()

	layer := bytes.Repeat([]byte("to copy"), 100)
	src.SeedBlob("app/base", layer)

	srcClient := testClient(t, src, Settings{})
	dstClient := testClient(t, dst, Settings{})

	img := buildImageWithRemoteLayers(t, src, layer)
	img.SourceRegistry = srcClient.Host()
	img.SourceRepository = "app/base"

	if err := dstClient.Push(context.Background(), srcClient, img, "app/web", []string{"v1"}); err != nil {
		t.Fatal(err)
	}
	if !dst.HasBlob("app/web", digest.FromBytes(layer)) {
		t.Error("layer not copied to destination")
	}
}

// buildImageWithRemoteLayers assembles an image whose layers exist
// only on srv, not in any local store.
func buildImageWithRemoteLayers(t *testing.T, srv *regtest.Server, layers ...[]byte) *Image {
	t.Helper()
	config := []byte(`{"architecture":"amd64","os":"linux","config":{}}`)
	m := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.FromBytes(config),
			Size:      int64(len(config)),
		},
	}
	m.SchemaVersion = 2
	for _, layer := range layers {
		m.Layers = append(m.Layers, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromBytes(layer),
			Size:      int64(len(layer)),
		})
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return &Image{
		Manifest:          m,
		ManifestMediaType: ocispec.MediaTypeImageManifest,
		ManifestDigest:    digest.FromBytes(raw),
		RawManifest:       raw,
		Config:            config,
	}
}

func TestPushMissingSourceLink(t *testing.T) {
	srv := regtest.New(regtest.Options{})
	defer srv.Close()
	c := testClient(t, srv, Settings{})

	img := buildImageWithRemoteLayers(t, srv, []byte("nowhere to get this"))

	err := c.Push(context.Background(), nil, img, "app/web", []string{"v1"})
	var missing *MissingSourceLinkError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingSourceLinkError", err)
	}
}

func TestPushManifestList(t *testing.T) {
	srv := regtest.New(regtest.Options{})
	defer srv.Close()
	c := testClient(t, srv, Settings{})

	img := buildImage(t, c, []byte("layer"))
	if err := c.Push(context.Background(), nil, img, "app/web", nil); err != nil {
		t.Fatal(err)
	}

	index := ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    img.ManifestDigest,
			Size:      int64(len(img.RawManifest)),
			Platform:  &ocispec.Platform{OS: "linux", Architecture: "amd64"},
		}},
	}
	index.SchemaVersion = 2
	raw, err := json.Marshal(index)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.PushManifestList(context.Background(), "app/web", []string{"v1", "latest"}, ocispec.MediaTypeImageIndex, raw); err != nil {
		t.Fatal(err)
	}
	for _, tag := range []string{"v1", "latest"} {
		got, mediaType, ok := srv.Manifest("app/web", tag)
		if !ok {
			t.Fatalf("manifest list %s missing", tag)
		}
		if !bytes.Equal(got, raw) || mediaType != ocispec.MediaTypeImageIndex {
			t.Errorf("manifest list %s stored wrong", tag)
		}
	}
}
