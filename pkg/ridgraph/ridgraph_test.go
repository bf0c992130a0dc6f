// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ridgraph

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestDeriveRID(t *testing.T) {
	tests := []struct {
		name string
		p    ocispec.Platform
		want string
	}{
		{"linux amd64", ocispec.Platform{OS: "linux", Architecture: "amd64"}, "linux-x64"},
		{"linux arm64", ocispec.Platform{OS: "linux", Architecture: "arm64"}, "linux-arm64"},
		{"linux arm v7 elides variant", ocispec.Platform{OS: "linux", Architecture: "arm", Variant: "v7"}, "linux-arm"},
		{"linux arm v6 keeps variant", ocispec.Platform{OS: "linux", Architecture: "arm", Variant: "v6"}, "linux-armv6"},
		{"linux x386", ocispec.Platform{OS: "linux", Architecture: "x386"}, "linux-x86"},
		{"linux ppc64le", ocispec.Platform{OS: "linux", Architecture: "ppc64le"}, "linux-ppc64le"},
		{"linux s390x", ocispec.Platform{OS: "linux", Architecture: "s390x"}, "linux-s390x"},
		{"linux riscv64", ocispec.Platform{OS: "linux", Architecture: "riscv64"}, "linux-riscv64"},
		{"linux loongarch64", ocispec.Platform{OS: "linux", Architecture: "loongarch64"}, "linux-loongarch64"},
		{"windows with build number", ocispec.Platform{OS: "windows", Architecture: "amd64", OSVersion: "10.0.20348.2227"}, "win10-x64"},
		{"windows without version", ocispec.Platform{OS: "windows", Architecture: "arm64"}, "win-arm64"},
		{"darwin unsupported", ocispec.Platform{OS: "darwin", Architecture: "amd64"}, ""},
		{"unknown arch unsupported", ocispec.Platform{OS: "linux", Architecture: "mips64"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveRID(tt.p); got != tt.want {
				t.Errorf("DeriveRID(%+v) = %q, want %q", tt.p, got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	const doc = `{"runtimes": {"a-x": {"#import": ["a", "x"]}, "a": {"#import": []}}}`
	g, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a-x", "a", "x"}
	if diff := cmp.Diff(want, g.Expand("a-x")); diff != "" {
		t.Errorf("Expand mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandOrder(t *testing.T) {
	g := Default()
	got := g.Expand("linux-musl-x64")
	want := []string{"linux-musl-x64", "linux-musl", "linux-x64", "linux", "any", "base"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expand mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandUnknownRID(t *testing.T) {
	g := Default()
	if diff := cmp.Diff([]string{"plan9-x64"}, g.Expand("plan9-x64")); diff != "" {
		t.Errorf("Expand mismatch (-want +got):\n%s", diff)
	}
}

func TestPickBest(t *testing.T) {
	g := Default()
	candidates := map[string]string{
		"linux-x64":   "amd64-image",
		"linux-arm64": "arm64-image",
		"win-x64":     "windows-image",
	}

	tests := []struct {
		requested string
		want      string
		wantRID   string
		wantOK    bool
	}{
		{"linux-x64", "amd64-image", "linux-x64", true},
		{"linux-musl-x64", "amd64-image", "linux-x64", true},
		{"win10-x64", "windows-image", "win-x64", true},
		{"linux-armv6", "", "", false},
		{"osx-x64", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			got, rid, ok := PickBest(g, candidates, tt.requested)
			if got != tt.want || rid != tt.wantRID || ok != tt.wantOK {
				t.Errorf("PickBest(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.requested, got, rid, ok, tt.want, tt.wantRID, tt.wantOK)
			}
		})
	}
}

// PickBest must not depend on map iteration order: the graph's
// expansion order decides, so repeated calls agree.
func TestPickBestDeterministic(t *testing.T) {
	g := Default()
	candidates := map[string]int{
		"linux": 1, "any": 2, "linux-x64": 3, "base": 4,
	}
	for i := 0; i < 100; i++ {
		got, rid, ok := PickBest(g, candidates, "linux-musl-x64")
		if !ok || got != 3 || rid != "linux-x64" {
			t.Fatalf("iteration %d: PickBest = (%d, %q, %v), want (3, linux-x64, true)", i, got, rid, ok)
		}
	}
}
