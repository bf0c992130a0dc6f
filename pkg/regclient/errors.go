// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regclient

import (
	"fmt"
	"strings"
)

// Sentinel errors for conditions callers branch on.
var (
	// ErrNotFound means the manifest or blob does not exist in the
	// repository (HTTP 404).
	ErrNotFound = fmt.Errorf("not found")

	// ErrAccessDenied means the registry rejected our credentials
	// for the operation (HTTP 401/403).
	ErrAccessDenied = fmt.Errorf("access denied")
)

// TransportError reports an HTTP exchange that failed at the protocol
// level: an unexpected status code for the operation attempted.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string // truncated server response, may be empty
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("registry: %s %s returned %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// UploadExhaustedError means a chunked blob upload burned through its
// whole retry budget without completing.
type UploadExhaustedError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *UploadExhaustedError) Error() string {
	return fmt.Sprintf("registry: blob upload retries exhausted: %s %s last returned %d",
		e.Method, e.URL, e.StatusCode)
}

// UnsupportedMediaTypeError means a manifest carried a media type the
// client does not understand.
type UnsupportedMediaTypeError struct {
	MediaType string
	Reference string
}

func (e *UnsupportedMediaTypeError) Error() string {
	return fmt.Sprintf("registry: %s: unsupported manifest media type %q", e.Reference, e.MediaType)
}

// NoMatchingPlatformError means a manifest list had no entry
// compatible with the requested runtime identifier.
type NoMatchingPlatformError struct {
	RID       string
	Available []string
}

func (e *NoMatchingPlatformError) Error() string {
	return fmt.Sprintf("registry: no image matching %q; available: %s",
		e.RID, strings.Join(e.Available, ", "))
}

// MissingSourceLinkError means a push needed to copy a blob the
// destination lacks, but the image carried no link back to a source
// registry to fetch it from.
type MissingSourceLinkError struct {
	Digest string
}

func (e *MissingSourceLinkError) Error() string {
	return fmt.Sprintf("registry: blob %s not present at destination and image has no source registry to copy it from", e.Digest)
}
