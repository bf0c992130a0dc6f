// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ridgraph maps registry platform tuples to runtime
// identifier (RID) strings like "linux-x64" and picks the best
// match for a requested RID using a compatibility graph.
package ridgraph

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DeriveRID maps a registry platform tuple to a RID string. It
// returns "" for OS or architecture values we do not support;
// callers drop such entries from consideration rather than failing.
func DeriveRID(p ocispec.Platform) string {
	var osPart string
	switch p.OS {
	case "linux":
		osPart = "linux"
	case "windows":
		osPart = "win"
	default:
		return ""
	}

	// Only the major component of the OS version participates in
	// the RID. Windows manifest lists carry full build numbers.
	var versionPart string
	if p.OSVersion != "" {
		versionPart, _, _ = strings.Cut(p.OSVersion, ".")
	}

	var archPart string
	switch p.Architecture {
	case "amd64":
		archPart = "x64"
	case "x386":
		archPart = "x86"
	case "arm":
		// "v7" is the implied default variant and is elided.
		if p.Variant == "v7" {
			archPart = "arm"
		} else {
			archPart = "arm" + p.Variant
		}
	case "arm64":
		archPart = "arm64"
	case "ppc64le", "s390x", "riscv64", "loongarch64":
		archPart = p.Architecture
	default:
		return ""
	}

	return osPart + versionPart + "-" + archPart
}

// Graph is a runtime-compatibility graph: for each RID, the ordered
// list of RIDs it falls back to. It is read-only after load.
type Graph struct {
	imports map[string][]string
}

// runtimeFile matches the runtime.json wire format:
//
//	{"runtimes": {"win10-x64": {"#import": ["win10", "win81-x64"]}}}
type runtimeFile struct {
	Runtimes map[string]struct {
		Imports []string `json:"#import"`
	} `json:"runtimes"`
}

// Parse reads a runtime.json document.
func Parse(r io.Reader) (*Graph, error) {
	var f runtimeFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("parse runtime graph: %w", err)
	}
	g := &Graph{imports: make(map[string][]string, len(f.Runtimes))}
	for rid, entry := range f.Runtimes {
		g.imports[rid] = entry.Imports
	}
	return g, nil
}

// LoadFile reads a runtime.json document from disk.
func LoadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open runtime graph: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Expand returns the precedence-ordered list of RIDs compatible with
// rid: the RID itself, then its fallbacks breadth-first. RIDs absent
// from the graph expand to just themselves.
func (g *Graph) Expand(rid string) []string {
	order := []string{rid}
	seen := map[string]bool{rid: true}
	for i := 0; i < len(order); i++ {
		for _, imp := range g.imports[order[i]] {
			if !seen[imp] {
				seen[imp] = true
				order = append(order, imp)
			}
		}
	}
	return order
}

// PickBest returns the candidate whose RID appears earliest in the
// expansion of requested. The result is deterministic regardless of
// the candidate map's iteration order. ok is false when no candidate
// is compatible; that is not an error here, the caller decides.
func PickBest[T any](g *Graph, candidates map[string]T, requested string) (match T, rid string, ok bool) {
	for _, r := range g.Expand(requested) {
		if m, found := candidates[r]; found {
			return m, r, true
		}
	}
	return match, "", false
}
