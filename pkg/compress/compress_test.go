// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package compress

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSelectEncoding(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"gzip", "gzip"},
		{"zstd", "zstd"},
		{"gzip, zstd", "zstd"},
		{"gzip, deflate, br", "gzip"},
		{"*", "gzip"},
		{"gzip;q=0", ""},
		{"identity", ""},
	}
	for _, tt := range tests {
		if got := SelectEncoding(tt.in); got != tt.want {
			t.Errorf("SelectEncoding(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("registry manifest data "), 200)
	for _, encoding := range []string{"gzip", "zstd"} {
		t.Run(encoding, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				cw, err := NewResponseWriter(w, SelectEncoding(r.Header.Get("Accept-Encoding")))
				if err != nil {
					t.Error(err)
					return
				}
				if cw == nil {
					t.Error("no encoding selected")
					w.Write(payload)
					return
				}
				defer cw.Close()
				cw.Write(payload)
			}))
			defer srv.Close()

			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			req.Header.Set("Accept-Encoding", encoding)
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if got := resp.Header.Get("Content-Encoding"); got != encoding {
				t.Fatalf("Content-Encoding = %q, want %q", got, encoding)
			}
			body, err := DecompressResponse(resp)
			if err != nil {
				t.Fatal(err)
			}
			defer body.Close()
			got, err := io.ReadAll(body)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, payload) {
				t.Error("round-tripped payload differs")
			}
		})
	}
}

func TestDecompressResponsePlain(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{},
		Body:   io.NopCloser(bytes.NewReader([]byte("plain"))),
	}
	body, err := DecompressResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(body)
	if string(got) != "plain" {
		t.Errorf("got %q", got)
	}
}
