// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regclient is a client for the OCI distribution protocol.
// It moves manifests and blobs between registries, a local content
// store, and the local containerd daemon, and carries the per-vendor
// quirks (ECR, Docker Hub, GHCR, ...) the hosted registries need.
package regclient

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stevedore-dev/stevedore/pkg/contentstore"
	"tailscale.com/types/logger"
)

// Settings configures a Client. The zero value is usable.
type Settings struct {
	// Logf receives progress and diagnostic output. Defaults to
	// log.Printf.
	Logf logger.Logf

	// HTTPClient overrides the transport. Defaults to a client with
	// a 30 minute overall timeout; large blob transfers are slow.
	HTTPClient *http.Client

	// ChunkSize caps the chunk size for chunked blob uploads.
	// 0 means no preference.
	ChunkSize int64

	// ForceChunked skips the whole-blob upload attempt and goes
	// straight to chunked uploads.
	ForceChunked bool

	// ParallelUploads controls whether layer pushes for one image
	// run concurrently. nil picks the registry's default (on,
	// except for ECR).
	ParallelUploads *bool

	// Insecure uses plain HTTP instead of HTTPS. Set it only for
	// hosts on an explicit insecure allowlist; localhost registries
	// are the usual case.
	Insecure bool

	// UserAgent overrides the User-Agent header.
	UserAgent string
}

const defaultUserAgent = "stevedore/1.0"

// Client talks to one registry host.
type Client struct {
	host    string // as the caller named it, e.g. "docker.io"
	apiHost string // what we actually dial, e.g. "registry-1.docker.io"
	baseURL string // scheme://apiHost, no trailing slash
	kind    Kind

	httpc     *http.Client
	logf      logger.Logf
	userAgent string
	settings  Settings

	store *contentstore.Store

	// retryDelay is swappable so tests do not sleep.
	retryDelay func(attempt int) time.Duration
}

// New returns a Client for host using default settings. The store
// receives downloaded blobs and serves cached ones; it may be nil
// when only manifest operations are needed.
func New(host string, store *contentstore.Store) *Client {
	return NewWithSettings(host, store, Settings{})
}

// NewWithSettings returns a Client for host. "docker.io" is an alias
// clients must translate: the API actually lives at
// registry-1.docker.io.
func NewWithSettings(host string, store *contentstore.Store, s Settings) *Client {
	apiHost := host
	if host == "docker.io" {
		apiHost = "registry-1.docker.io"
	}

	// Localhost registries never have real certificates; they are
	// always on the insecure list.
	scheme := "https"
	if s.Insecure || isLoopbackHost(apiHost) {
		scheme = "http"
	}

	c := &Client{
		host:      host,
		apiHost:   apiHost,
		baseURL:   scheme + "://" + apiHost,
		kind:      ClassifyRegistry(apiHost),
		logf:      s.Logf,
		userAgent: s.UserAgent,
		settings:  s,
		store:     store,
		retryDelay: func(attempt int) time.Duration {
			return time.Duration(attempt+1) * time.Second
		},
	}
	if c.logf == nil {
		c.logf = log.Printf
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	c.httpc = s.HTTPClient
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: 30 * time.Minute}
	}
	return c
}

// isLoopbackHost reports whether host (possibly with a port) is
// localhost. Plain HTTP is only ever used there.
func isLoopbackHost(host string) bool {
	h := host
	if i := strings.LastIndex(h, ":"); i >= 0 && !strings.Contains(h, "]") {
		h = h[:i]
	}
	h = strings.Trim(h, "[]")
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}

// Host returns the registry host as the caller named it.
func (c *Client) Host() string { return c.host }

// Kind returns the registry's classification.
func (c *Client) Kind() Kind { return c.kind }

// parallelUploads reports whether layer pushes may run concurrently,
// combining the caller's preference with the registry's capability.
func (c *Client) parallelUploads() bool {
	enabled := true
	if c.settings.ParallelUploads != nil {
		enabled = *c.settings.ParallelUploads
	}
	return enabled && c.kind.SupportsParallelUploads()
}

// effectiveChunkSize reconciles the size the registry declared at
// upload start with the configured cap. Zero means unset on both
// sides. ECR rejects chunks under its minimum part size, so the
// result gets floored there even when that exceeds both preferences.
func (c *Client) effectiveChunkSize(registryDeclared int64) int64 {
	size := int64(defaultChunkSize)
	declared := registryDeclared
	configured := c.settings.ChunkSize
	switch {
	case declared > 0 && configured > 0:
		size = min(declared, configured)
	case declared > 0:
		size = declared
	case configured > 0:
		size = configured
	}
	if floor := c.kind.ChunkSizeFloor(); size < floor {
		size = floor
	}
	return size
}
