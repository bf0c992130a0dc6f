// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regclient

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
)

// Push uploads img to repo and tags it. source is the client for the
// registry holding img's layer blobs; it may be nil for images whose
// blobs are all in the local content store.
//
// Blobs already present at the destination are skipped. When source
// and destination are the same host, a cross-repository mount is
// tried before moving any bytes. Layers upload concurrently where
// the registry tolerates that; the manifest goes last, once per tag,
// or by digest when tags is empty.
//
// A push is not transactional. A failure partway through can leave
// blobs behind at the destination; registries garbage-collect
// unreferenced blobs, so that is waste, not corruption.
func (c *Client) Push(ctx context.Context, source *Client, img *Image, repo string, tags []string) error {
	blobs := make([]ocispec.Descriptor, 0, len(img.Manifest.Layers)+1)
	blobs = append(blobs, img.Manifest.Layers...)
	blobs = append(blobs, img.Manifest.Config)

	if c.parallelUploads() {
		g, gctx := errgroup.WithContext(ctx)
		for _, desc := range blobs {
			g.Go(func() error {
				return c.pushBlob(gctx, source, img, repo, desc)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for _, desc := range blobs {
			if err := c.pushBlob(ctx, source, img, repo, desc); err != nil {
				return err
			}
		}
	}

	if len(tags) == 0 {
		_, err := c.putManifest(ctx, repo, img.ManifestDigest.String(), img.ManifestMediaType, img.RawManifest)
		return err
	}
	for _, tag := range tags {
		if _, err := c.putManifest(ctx, repo, tag, img.ManifestMediaType, img.RawManifest); err != nil {
			return fmt.Errorf("push manifest %s:%s: %w", repo, tag, err)
		}
		c.logf("registry: pushed %s/%s:%s", c.host, repo, tag)
	}
	return nil
}

// pushBlob gets one of img's blobs into repo, cheapest way first:
// skip if present, mount if the source is the same host, otherwise
// fetch the content and upload it.
func (c *Client) pushBlob(ctx context.Context, source *Client, img *Image, repo string, desc ocispec.Descriptor) error {
	exists, err := c.blobExists(ctx, repo, desc.Digest)
	if err != nil {
		return fmt.Errorf("check %s: %w", desc.Digest, err)
	}
	if exists {
		return nil
	}

	if source != nil && source.host == c.host && img.SourceRepository != "" {
		mounted, err := c.mountBlob(ctx, repo, img.SourceRepository, desc.Digest)
		if err != nil {
			return fmt.Errorf("mount %s: %w", desc.Digest, err)
		}
		if mounted {
			c.logf("registry: mounted %s from %s", desc.Digest, img.SourceRepository)
			return nil
		}
	}

	// The config blob travels with the image in memory.
	if desc.Digest == img.Manifest.Config.Digest && img.Config != nil {
		return c.UploadBlob(ctx, repo, desc, bytes.NewReader(img.Config))
	}

	path, err := c.localBlobPath(ctx, source, img, desc)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.UploadBlob(ctx, repo, desc, f)
}

// localBlobPath finds blob content on disk, downloading from the
// source registry when the store does not already have it.
func (c *Client) localBlobPath(ctx context.Context, source *Client, img *Image, desc ocispec.Descriptor) (string, error) {
	if c.store != nil && c.store.Exists(desc) {
		return c.store.PathFor(desc), nil
	}
	if source == nil || img.SourceRepository == "" {
		return "", &MissingSourceLinkError{Digest: desc.Digest.String()}
	}
	return source.DownloadBlob(ctx, img.SourceRepository, desc)
}

// PutManifest uploads a raw manifest under ref, a tag or digest. It
// is the low-level cousin of Push for callers that assembled the
// manifest themselves and know its blobs are in place.
func (c *Client) PutManifest(ctx context.Context, repo, ref, mediaType string, raw []byte) (digest.Digest, error) {
	return c.putManifest(ctx, repo, ref, mediaType, raw)
}

// PushManifestList uploads a manifest list (or OCI index) under each
// tag. The platform manifests it references must already be in repo.
func (c *Client) PushManifestList(ctx context.Context, repo string, tags []string, mediaType string, raw []byte) error {
	for _, tag := range tags {
		if _, err := c.putManifest(ctx, repo, tag, mediaType, raw); err != nil {
			return fmt.Errorf("push manifest list %s:%s: %w", repo, tag, err)
		}
		c.logf("registry: pushed manifest list %s/%s:%s", c.host, repo, tag)
	}
	return nil
}
