// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// maxChunkRetries is the shared retry budget for one blob's chunked
// upload. Each successful chunk hands one unit back, so a long upload
// with scattered hiccups survives, while a persistently failing one
// stops quickly.
const maxChunkRetries = 10

// UploadBlob pushes one blob to repo. content must match desc's
// digest and size, and must be seekable so failed attempts can be
// replayed.
//
// The whole blob is tried in a single PATCH first, which keeps the
// session resumable; registries that cannot take that (or a
// ForceChunked setting) get the chunked protocol on the same
// session. Either way a final PUT binds the digest.
func (c *Client) UploadBlob(ctx context.Context, repo string, desc ocispec.Descriptor, content io.ReadSeeker) error {
	s, err := c.startUpload(ctx, repo)
	if err != nil {
		return fmt.Errorf("start upload of %s: %w", desc.Digest, err)
	}

	whole := !c.settings.ForceChunked
	if whole {
		err := c.uploadWhole(ctx, s, desc, content)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			c.logf("registry: whole-blob upload of %s failed (%v), retrying chunked", desc.Digest, err)
			whole = false
			if _, err := content.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind %s: %w", desc.Digest, err)
			}
		}
	}
	if !whole {
		if err := c.uploadChunked(ctx, s, desc, content); err != nil {
			return err
		}
	}
	if err := c.finalizeUpload(ctx, s, desc.Digest); err != nil {
		return fmt.Errorf("finalize upload of %s: %w", desc.Digest, err)
	}
	return nil
}

// uploadWhole sends the entire blob as one PATCH against the
// session. Unlike a body-carrying completion PUT, a failure here
// leaves the session alive for the chunked fallback.
func (c *Client) uploadWhole(ctx context.Context, s *uploadSession, desc ocispec.Descriptor, content io.Reader) error {
	req, err := c.newRequest(ctx, http.MethodPatch, s.location.String(), content)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("0-%d", desc.Size-1))
	req.ContentLength = desc.Size

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusAccepted,
		resp.StatusCode == http.StatusCreated && c.kind.TreatsCreatedAsChunkSuccess():
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		if loc, err := nextLocation(resp); err == nil {
			s.location = loc
		}
		return nil
	default:
		return errFromResponse(resp)
	}
}

// chunkOutcome classifies one chunk PATCH response.
type chunkOutcome int

const (
	chunkAccepted   chunkOutcome = iota // 202, normal protocol
	chunkECRCreated                     // 201 from ECR, Range unusable
	chunkRetryable                      // anything else
)

// uploadChunked drives the chunked upload protocol. offset tracks the
// bytes the registry has confirmed; everything past it is re-read
// from content after a failure, so content's position only matters at
// the top of each attempt.
func (c *Client) uploadChunked(ctx context.Context, s *uploadSession, desc ocispec.Descriptor, content io.ReadSeeker) error {
	chunkSize := c.effectiveChunkSize(s.chunkHint)
	buf := make([]byte, chunkSize)

	var offset int64
	retriesUsed := 0
	for offset < desc.Size {
		if _, err := content.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s to %d: %w", desc.Digest, offset, err)
		}
		n := chunkSize
		if rem := desc.Size - offset; rem < n {
			n = rem
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(content, chunk); err != nil {
			return fmt.Errorf("read %s at %d: %w", desc.Digest, offset, err)
		}

		outcome, resp, err := c.patchChunk(ctx, s, offset, chunk)
		if err != nil {
			return err
		}
		switch outcome {
		case chunkAccepted, chunkECRCreated:
			// The Range header is the registry's accounting of what
			// it holds; prefer it over our own counting so a partial
			// write resumes where the registry actually is. ECR's
			// 201s carry no usable Range.
			if amt := parseRangeAmount(resp.Header.Get("Range")); amt != nil && outcome == chunkAccepted {
				offset = *amt + 1
			} else {
				offset += n
			}
			if retriesUsed > 0 {
				retriesUsed--
			}
			if loc, err := nextLocation(resp); err == nil {
				s.location = loc
			}
		case chunkRetryable:
			if retriesUsed >= maxChunkRetries {
				return &UploadExhaustedError{
					Method:     http.MethodPatch,
					URL:        s.location.String(),
					StatusCode: resp.StatusCode,
				}
			}
			retriesUsed++
			c.logf("registry: chunk at %d of %s got %d, resyncing (retry %d/%d)",
				offset, desc.Digest, resp.StatusCode, retriesUsed, maxChunkRetries)
			if confirmed, ok, err := c.uploadStatus(ctx, s); err != nil {
				return err
			} else if ok {
				// The registry told us exactly what it has; trust
				// it over our own counting.
				offset = confirmed
			}
			// Otherwise replay from the last confirmed offset.
		}
	}
	return nil
}

// patchChunk sends one chunk and classifies the response. The
// response body is drained; only status and headers survive.
func (c *Client) patchChunk(ctx context.Context, s *uploadSession, offset int64, chunk []byte) (chunkOutcome, *http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPatch, s.location.String(), bytes.NewReader(chunk))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, offset+int64(len(chunk))-1))
	req.ContentLength = int64(len(chunk))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("upload chunk at %d: %w", offset, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return chunkAccepted, resp, nil
	case resp.StatusCode == http.StatusCreated && c.kind.TreatsCreatedAsChunkSuccess():
		return chunkECRCreated, resp, nil
	default:
		return chunkRetryable, resp, nil
	}
}
