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
	"net/url"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/stevedore-dev/stevedore/pkg/compress"
)

// Distribution protocol headers.
const (
	headerContentDigest = "Docker-Content-Digest"
	headerChunkMinLen   = "OCI-Chunk-Min-Length"
)

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

// manifestURL and blobURL build distribution API paths. Repository
// names contain slashes and must not be escaped; references and
// digests are single path segments.
func (c *Client) manifestURL(repo, ref string) string {
	return fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL, repo, url.PathEscape(ref))
}

func (c *Client) blobURL(repo string, dgst digest.Digest) string {
	return fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL, repo, dgst)
}

func (c *Client) uploadURL(repo string) string {
	return fmt.Sprintf("%s/v2/%s/blobs/uploads/", c.baseURL, repo)
}

// errFromResponse turns an unexpected status into the right error.
// The body is consumed (truncated) for the message.
func errFromResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAccessDenied
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &TransportError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// getManifest fetches and decodes a manifest by tag or digest.
func (c *Client) getManifest(ctx context.Context, repo, ref string) (*ManifestResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.manifestURL(repo, ref), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", strings.Join(acceptedManifestTypes, ", "))
	// Setting this ourselves disables net/http's transparent gzip;
	// compress.DecompressResponse takes over.
	req.Header.Set("Accept-Encoding", compress.AcceptedEncodings)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errFromResponse(resp)
	}

	body, err := compress.DecompressResponse(resp)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s/%s: %w", repo, ref, err)
	}

	var dgst digest.Digest
	if h := resp.Header.Get(headerContentDigest); h != "" {
		if d, err := digest.Parse(h); err == nil {
			dgst = d
		}
	}
	mediaType := resp.Header.Get("Content-Type")
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	return decodeManifest(mediaType, raw, dgst, repo+"/"+ref)
}

// putManifest uploads a manifest under ref, which may be a tag or a
// digest. Returns the digest the registry recorded for it.
func (c *Client) putManifest(ctx context.Context, repo, ref, mediaType string, raw []byte) (digest.Digest, error) {
	req, err := c.newRequest(ctx, http.MethodPut, c.manifestURL(repo, ref), bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mediaType)
	req.ContentLength = int64(len(raw))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", errFromResponse(resp)
	}
	if h := resp.Header.Get(headerContentDigest); h != "" {
		if d, err := digest.Parse(h); err == nil {
			return d, nil
		}
	}
	return digest.FromBytes(raw), nil
}

// blobExists probes for a blob with HEAD.
func (c *Client) blobExists(ctx context.Context, repo string, dgst digest.Digest) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.blobURL(repo, dgst), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errFromResponse(resp)
	}
}

// fetchBlob opens a blob for reading. The caller closes it.
func (c *Client) fetchBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.blobURL(repo, dgst), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, errFromResponse(resp)
	}
	return resp.Body, nil
}

// mountBlob asks the registry to link a blob from another repository
// on the same host. 201 means the mount happened; anything else is a
// polite no, and the caller uploads the blob instead.
func (c *Client) mountBlob(ctx context.Context, repo, fromRepo string, dgst digest.Digest) (bool, error) {
	u := fmt.Sprintf("%s?mount=%s&from=%s", c.uploadURL(repo), url.QueryEscape(dgst.String()), url.QueryEscape(fromRepo))
	req, err := c.newRequest(ctx, http.MethodPost, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	return resp.StatusCode == http.StatusCreated, nil
}

// uploadSession tracks one blob upload against the registry.
type uploadSession struct {
	// location is where the next chunk (or the finalizing PUT)
	// goes. The registry moves it with every response.
	location *url.URL

	// chunkHint is the chunk size the registry suggested at start,
	// 0 when it had no opinion.
	chunkHint int64
}

// startUpload opens a new blob upload session.
func (c *Client) startUpload(ctx context.Context, repo string) (*uploadSession, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.uploadURL(repo), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return nil, errFromResponse(resp)
	}

	loc, err := nextLocation(resp)
	if err != nil {
		return nil, err
	}
	s := &uploadSession{location: loc}
	if amt := parseRangeAmount(resp.Header.Get("Range")); amt != nil {
		s.chunkHint = *amt
	} else if h := resp.Header.Get(headerChunkMinLen); h != "" {
		if n, err := strconv.ParseInt(h, 10, 64); err == nil && n > 0 {
			s.chunkHint = n
		}
	}
	return s, nil
}

// uploadStatus queries how much of an in-flight upload the registry
// has confirmed. A 204 answer carries an inclusive Range ending at
// the last byte held, so confirmed is that end plus one: the count of
// bytes there, and the offset the next chunk starts at. ok is false
// for any other status.
func (c *Client) uploadStatus(ctx context.Context, s *uploadSession) (confirmed int64, ok bool, err error) {
	req, err := c.newRequest(ctx, http.MethodGet, s.location.String(), nil)
	if err != nil {
		return 0, false, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
	if resp.StatusCode != http.StatusNoContent {
		return 0, false, nil
	}
	if loc, err := nextLocation(resp); err == nil {
		s.location = loc
	}
	if amt := parseRangeAmount(resp.Header.Get("Range")); amt != nil {
		return *amt + 1, true, nil
	}
	return 0, true, nil
}

// finalizeUpload completes the session with an empty PUT, binding the
// blob to its digest. All data has already gone up via PATCH.
func (c *Client) finalizeUpload(ctx context.Context, s *uploadSession, dgst digest.Digest) error {
	u := *s.location
	q := u.Query()
	q.Set("digest", dgst.String())
	u.RawQuery = q.Encode()

	req, err := c.newRequest(ctx, http.MethodPut, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return errFromResponse(resp)
	}
	return nil
}

// parseRangeAmount extracts the byte count from a Range header of the
// form "0-N" or "bytes=0-N". Some registries (GitHub's, notably)
// answer with a zero range that means nothing useful, so 0 reads as
// absent.
func parseRangeAmount(h string) *int64 {
	h = strings.TrimPrefix(h, "bytes=")
	_, end, ok := strings.Cut(h, "-")
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(end, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

// nextLocation resolves the Location header, which registries are
// allowed to send relative, against the request URL.
func nextLocation(resp *http.Response) (*url.URL, error) {
	h := resp.Header.Get("Location")
	if h == "" {
		return nil, fmt.Errorf("registry: %s %s: response missing Location", resp.Request.Method, resp.Request.URL)
	}
	ref, err := url.Parse(h)
	if err != nil {
		return nil, fmt.Errorf("registry: bad Location %q: %w", h, err)
	}
	return resp.Request.URL.ResolveReference(ref), nil
}
