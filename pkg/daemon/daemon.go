// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daemon loads images into a local containerd daemon, so a
// pulled or locally assembled image shows up in `docker images` and
// `ctr images list` without a registry round trip.
package daemon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/images"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"tailscale.com/types/logger"

	"github.com/stevedore-dev/stevedore/pkg/contentstore"
	"github.com/stevedore-dev/stevedore/pkg/regclient"
)

// DefaultSocket is where containerd usually listens.
const DefaultSocket = "/run/containerd/containerd.sock"

// DefaultNamespace is Docker's containerd namespace.
const DefaultNamespace = "moby"

// blobStore is the slice of containerd's content store the importer
// needs. Narrow so tests can fake it.
type blobStore interface {
	content.Ingester
	Info(ctx context.Context, dgst digest.Digest) (content.Info, error)
	Update(ctx context.Context, info content.Info, fieldpaths ...string) (content.Info, error)
}

// imageService is the slice of containerd's image metadata store the
// importer needs.
type imageService interface {
	Create(ctx context.Context, image images.Image) (images.Image, error)
	Update(ctx context.Context, image images.Image, fieldpaths ...string) (images.Image, error)
}

// Importer writes image content into containerd and registers the
// image name.
type Importer struct {
	client   *containerd.Client
	bgCtx    context.Context
	cancelBg context.CancelFunc
	logf     logger.Logf

	store blobStore
	imgs  imageService
	lease func(ctx context.Context) (context.Context, func(context.Context) error, error)
}

// New connects to containerd at socket. An empty socket or namespace
// picks the defaults.
func New(socket, namespace string, logf logger.Logf) (*Importer, error) {
	if socket == "" {
		socket = DefaultSocket
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logf == nil {
		logf = log.Printf
	}
	client, err := containerd.New(socket, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Importer{
		client:   client,
		bgCtx:    ctx,
		cancelBg: cancel,
		logf:     logf,
		store:    client.ContentStore(),
		imgs:     client.ImageService(),
		lease: func(ctx context.Context) (context.Context, func(context.Context) error, error) {
			return client.WithLease(ctx)
		},
	}, nil
}

// Close releases the containerd connection.
func (im *Importer) Close() error {
	im.cancelBg()
	if im.client != nil {
		return im.client.Close()
	}
	return nil
}

// Import writes img's config, layers, and manifest into containerd's
// content store and registers it as name:tag. Layer content comes
// from store, where a pull leaves it.
//
// The write happens under a lease so containerd's garbage collector
// cannot reap half-imported content, and the manifest gets GC
// reference labels pointing at its blobs before the lease is
// released.
func (im *Importer) Import(ctx context.Context, img *regclient.Image, store *contentstore.Store, name, tag string) error {
	// A lease against the background context, so an aborted caller
	// does not strand containerd in a half-released state.
	leaseCtx, release, err := im.lease(im.bgCtx)
	if err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	defer func() {
		if rerr := release(im.bgCtx); rerr != nil {
			im.logf("daemon: release lease: %v", rerr)
		}
	}()

	for _, layer := range img.Manifest.Layers {
		f, err := os.Open(store.PathFor(layer))
		if err != nil {
			return fmt.Errorf("layer %s not in content store: %w", layer.Digest, err)
		}
		err = im.writeBlob(leaseCtx, layer, f)
		f.Close()
		if err != nil {
			return err
		}
	}

	if err := im.writeBlob(leaseCtx, img.Manifest.Config, bytes.NewReader(img.Config)); err != nil {
		return err
	}

	manifestDesc := ocispec.Descriptor{
		MediaType: img.ManifestMediaType,
		Digest:    img.ManifestDigest,
		Size:      int64(len(img.RawManifest)),
	}
	if err := im.writeBlob(leaseCtx, manifestDesc, bytes.NewReader(img.RawManifest)); err != nil {
		return err
	}

	// GC labels: the manifest holds its blobs live once the lease
	// is gone.
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": img.Manifest.Config.Digest.String(),
	}
	var fieldpaths []string
	fieldpaths = append(fieldpaths, "labels.containerd.io/gc.ref.content.config")
	for i, layer := range img.Manifest.Layers {
		k := fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)
		labels[k] = layer.Digest.String()
		fieldpaths = append(fieldpaths, "labels."+k)
	}
	if _, err := im.store.Update(leaseCtx, content.Info{
		Digest: img.ManifestDigest,
		Labels: labels,
	}, fieldpaths...); err != nil {
		return fmt.Errorf("label manifest %s: %w", img.ManifestDigest, err)
	}

	record := images.Image{
		Name:      name + ":" + tag,
		Target:    manifestDesc,
		CreatedAt: time.Now(),
	}
	if _, err := im.imgs.Create(ctx, record); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return fmt.Errorf("register image %s: %w", record.Name, err)
		}
		if _, err := im.imgs.Update(ctx, record); err != nil {
			return fmt.Errorf("update image %s: %w", record.Name, err)
		}
	}
	im.logf("daemon: imported %s (%s)", record.Name, img.ManifestDigest)
	return nil
}

// writeBlob streams one blob into the content store. Content that is
// already there is left alone.
func (im *Importer) writeBlob(ctx context.Context, desc ocispec.Descriptor, r io.Reader) error {
	if _, err := im.store.Info(ctx, desc.Digest); err == nil {
		return nil
	}
	w, err := content.OpenWriter(ctx, im.store, content.WithRef("import-"+desc.Digest.String()))
	if err != nil {
		return fmt.Errorf("open writer for %s: %w", desc.Digest, err)
	}
	defer w.Close()
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("write %s: %w", desc.Digest, err)
	}
	if err := w.Commit(ctx, desc.Size, desc.Digest); err != nil {
		if errdefs.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("commit %s: %w", desc.Digest, err)
	}
	return nil
}
