// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regclient

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
)

// Reference is a parsed image reference.
type Reference struct {
	Registry   string // host, possibly with port
	Repository string
	Tag        string // empty when Digest is set
	Digest     string // "sha256:..." when referenced by digest
}

// String reassembles the reference.
func (r Reference) String() string {
	s := r.Registry + "/" + r.Repository
	if r.Digest != "" {
		return s + "@" + r.Digest
	}
	return s + ":" + r.Tag
}

// ParseReference parses an image reference with Docker Hub's naming
// conventions:
//
//	nginx                        -> docker.io/library/nginx:latest
//	user/app:v2                  -> docker.io/user/app:v2
//	ghcr.io/org/app@sha256:...   -> ghcr.io/org/app@sha256:...
//	localhost:5000/app           -> localhost:5000/app:latest
func ParseReference(ref string) (Reference, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return Reference{}, fmt.Errorf("parse image reference %q: %w", ref, err)
	}

	out := Reference{
		Registry:   parsed.Context().RegistryStr(),
		Repository: parsed.Context().RepositoryStr(),
	}
	// name resolves Docker Hub to its API host; the shorter alias is
	// what users write and what the registry detection matches on.
	if out.Registry == name.DefaultRegistry {
		out.Registry = "docker.io"
	}
	switch p := parsed.(type) {
	case name.Tag:
		out.Tag = p.TagStr()
	case name.Digest:
		out.Digest = p.DigestStr()
	}
	return out, nil
}
