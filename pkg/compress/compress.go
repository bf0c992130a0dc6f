// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compress handles HTTP content encoding for registry
// traffic: picking an encoding a peer accepts, compressing responses,
// and unwrapping compressed bodies on the client side.
package compress

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// AcceptedEncodings is what a client should send in Accept-Encoding:
// everything DecompressResponse can unwrap.
const AcceptedEncodings = "zstd, gzip"

// SelectEncoding picks the encoding to compress a response with,
// given the peer's Accept-Encoding header. zstd wins over gzip when
// both are acceptable. Returns "" when nothing usable is accepted.
func SelectEncoding(acceptEncoding string) string {
	best := ""
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, q, hasQ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.TrimSpace(name)
		if hasQ && strings.TrimSpace(q) == "q=0" {
			continue
		}
		switch name {
		case "zstd":
			return "zstd"
		case "gzip", "*":
			best = "gzip"
		}
	}
	return best
}

// ResponseWriter compresses everything written through it. Close
// flushes the compressor; skipping it truncates the response.
type ResponseWriter struct {
	http.ResponseWriter
	w           io.WriteCloser
	wroteHeader bool
}

// NewResponseWriter wraps w to compress with encoding, which must be
// a SelectEncoding result. A "" encoding returns nil and the caller
// writes to w directly.
func NewResponseWriter(w http.ResponseWriter, encoding string) (*ResponseWriter, error) {
	var cw io.WriteCloser
	var err error
	switch encoding {
	case "":
		return nil, nil
	case "gzip":
		cw = gzip.NewWriter(w)
	case "zstd":
		cw, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	if err != nil {
		return nil, err
	}
	h := w.Header()
	h.Set("Content-Encoding", encoding)
	h.Del("Content-Length")
	h.Set("Vary", "Accept-Encoding")
	return &ResponseWriter{ResponseWriter: w, w: cw}, nil
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(p []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.w.Write(p)
}

// Close flushes the compressed stream.
func (rw *ResponseWriter) Close() error { return rw.w.Close() }

// DecompressResponse unwraps resp's body per its Content-Encoding.
// Needed when a client sets Accept-Encoding itself, which turns off
// net/http's transparent gzip handling. The returned ReadCloser
// closes the underlying body too.
func DecompressResponse(resp *http.Response) (io.ReadCloser, error) {
	switch enc := resp.Header.Get("Content-Encoding"); enc {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip response: %w", err)
		}
		return &wrappedBody{r: zr, body: resp.Body}, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd response: %w", err)
		}
		return &wrappedBody{r: zr.IOReadCloser(), body: resp.Body}, nil
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding %q", enc)
	}
}

type wrappedBody struct {
	r    io.ReadCloser
	body io.Closer
}

func (w *wrappedBody) Read(p []byte) (int, error) { return w.r.Read(p) }

func (w *wrappedBody) Close() error {
	err := w.r.Close()
	if berr := w.body.Close(); err == nil {
		err = berr
	}
	return err
}
