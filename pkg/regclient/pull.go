// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stevedore-dev/stevedore/pkg/ridgraph"
)

// maxDownloadRetries bounds how often one blob download is retried
// before the error surfaces.
const maxDownloadRetries = 5

// GetManifest fetches the manifest for ref, a tag or digest, without
// resolving platforms.
func (c *Client) GetManifest(ctx context.Context, repo, ref string) (*ManifestResult, error) {
	return c.getManifest(ctx, repo, ref)
}

// GetImage resolves ref to a single-platform image. When ref names a
// manifest list or index, the entry best matching rid (per graph) is
// followed; a plain manifest is taken as-is. The image's config blob
// is fetched eagerly, layer blobs are not.
func (c *Client) GetImage(ctx context.Context, repo, ref, rid string, graph *ridgraph.Graph) (*Image, error) {
	res, err := c.getManifest(ctx, repo, ref)
	if err != nil {
		return nil, err
	}

	if res.Index != nil {
		chosen, err := c.pickPlatform(res.Index, rid, graph)
		if err != nil {
			return nil, err
		}
		res, err = c.getManifest(ctx, repo, chosen.Digest.String())
		if err != nil {
			return nil, err
		}
		if res.Manifest == nil {
			return nil, &UnsupportedMediaTypeError{MediaType: res.MediaType, Reference: repo + "@" + chosen.Digest.String()}
		}
	}

	config, err := c.readBlob(ctx, repo, res.Manifest.Config)
	if err != nil {
		return nil, fmt.Errorf("fetch config %s: %w", res.Manifest.Config.Digest, err)
	}
	return &Image{
		SourceRegistry:    c.host,
		SourceRepository:  repo,
		Manifest:          *res.Manifest,
		ManifestMediaType: res.MediaType,
		ManifestDigest:    res.Digest,
		RawManifest:       res.Raw,
		Config:            config,
	}, nil
}

// pickPlatform chooses the index entry best matching rid. Entries
// whose platform does not map to a runtime identifier are skipped.
func (c *Client) pickPlatform(idx *ocispec.Index, rid string, graph *ridgraph.Graph) (ocispec.Descriptor, error) {
	candidates := make(map[string]ocispec.Descriptor)
	for _, m := range idx.Manifests {
		if m.Platform == nil {
			continue
		}
		r := ridgraph.DeriveRID(*m.Platform)
		if r == "" {
			continue
		}
		if _, dup := candidates[r]; !dup {
			candidates[r] = m
		}
	}
	desc, matched, ok := ridgraph.PickBest(graph, candidates, rid)
	if !ok {
		avail := make([]string, 0, len(candidates))
		for r := range candidates {
			avail = append(avail, r)
		}
		sort.Strings(avail)
		return ocispec.Descriptor{}, &NoMatchingPlatformError{RID: rid, Available: avail}
	}
	c.logf("registry: resolved %q to %s (%s)", rid, matched, desc.Digest)
	return desc, nil
}

// readBlob fetches a small blob fully into memory, preferring the
// local store.
func (c *Client) readBlob(ctx context.Context, repo string, desc ocispec.Descriptor) ([]byte, error) {
	if c.store != nil && c.store.Exists(desc) {
		f, err := c.store.Open(desc)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	rc, err := c.fetchBlob(ctx, repo, desc.Digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if err := desc.Digest.Validate(); err == nil {
		if got := desc.Digest.Algorithm().FromBytes(data); got != desc.Digest {
			return nil, fmt.Errorf("blob %s: content digested to %s", desc.Digest, got)
		}
	}
	if c.store != nil {
		if _, err := c.store.Put(desc, bytes.NewReader(data)); err != nil {
			c.logf("registry: caching %s failed: %v", desc.Digest, err)
		}
	}
	return data, nil
}

// DownloadBlob fetches a blob into the content store and returns its
// path there. Already-cached blobs are returned without network
// traffic. Transfers that die mid-stream are retried a few times.
func (c *Client) DownloadBlob(ctx context.Context, repo string, desc ocispec.Descriptor) (string, error) {
	if c.store == nil {
		return "", fmt.Errorf("registry: no content store configured")
	}
	if c.store.Exists(desc) {
		return c.store.PathFor(desc), nil
	}

	var lastErr error
	for attempt := 0; attempt < maxDownloadRetries; attempt++ {
		if attempt > 0 {
			c.logf("registry: retrying download of %s (attempt %d/%d): %v",
				desc.Digest, attempt+1, maxDownloadRetries, lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryDelay(attempt)):
			}
		}
		if err := c.downloadBlobOnce(ctx, repo, desc); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", err
			}
			continue
		}
		return c.store.PathFor(desc), nil
	}
	return "", fmt.Errorf("download %s after %d attempts: %w", desc.Digest, maxDownloadRetries, lastErr)
}

func (c *Client) downloadBlobOnce(ctx context.Context, repo string, desc ocispec.Descriptor) error {
	rc, err := c.fetchBlob(ctx, repo, desc.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := c.store.TempFile()
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	verifier := desc.Digest.Verifier()
	if _, err := io.Copy(io.MultiWriter(tmp, verifier), rc); err != nil {
		tmp.Close()
		return fmt.Errorf("stream %s: %w", desc.Digest, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("blob %s: content did not match digest", desc.Digest)
	}
	_, err = c.store.Install(tmp.Name(), desc)
	return err
}
