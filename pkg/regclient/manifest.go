// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regclient

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker's pre-OCI media types. Registries still serve these for most
// images, so we accept them alongside the OCI ones.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerImageConfig  = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayerGzip    = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// acceptedManifestTypes is what we send in Accept on manifest GETs.
var acceptedManifestTypes = []string{
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
}

// ManifestResult is the decoded answer to a manifest GET. Exactly one
// of Manifest or Index is set, keyed off MediaType.
type ManifestResult struct {
	MediaType string
	Digest    digest.Digest
	Raw       []byte

	Manifest *ocispec.Manifest
	Index    *ocispec.Index
}

// decodeManifest interprets raw by mediaType. The registry's
// Docker-Content-Digest header, when present, rides in via dgst;
// otherwise the digest is computed over the raw bytes.
func decodeManifest(mediaType string, raw []byte, dgst digest.Digest, ref string) (*ManifestResult, error) {
	if dgst == "" {
		dgst = digest.FromBytes(raw)
	}
	res := &ManifestResult{
		MediaType: mediaType,
		Digest:    dgst,
		Raw:       raw,
	}
	switch mediaType {
	case MediaTypeDockerManifest, ocispec.MediaTypeImageManifest:
		var m ocispec.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode manifest %s: %w", ref, err)
		}
		res.Manifest = &m
	case MediaTypeDockerManifestList, ocispec.MediaTypeImageIndex:
		var idx ocispec.Index
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("decode manifest list %s: %w", ref, err)
		}
		res.Index = &idx
	default:
		return nil, &UnsupportedMediaTypeError{MediaType: mediaType, Reference: ref}
	}
	return res, nil
}

// Image is a fully resolved single-platform image: its manifest, the
// raw config blob, and where its layer content can be fetched from.
type Image struct {
	// SourceRegistry and SourceRepository say where the layer blobs
	// live. SourceRegistry is empty for locally built images.
	SourceRegistry   string
	SourceRepository string

	Manifest          ocispec.Manifest
	ManifestMediaType string
	ManifestDigest    digest.Digest
	RawManifest       []byte

	// Config is the raw config blob, matching Manifest.Config.Digest.
	Config []byte
}
