// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ridgraph

import (
	"bytes"
	_ "embed"
)

//go:embed runtime.json
var defaultGraphJSON []byte

// Default returns the compiled-in compatibility graph. It covers the
// RIDs DeriveRID can produce plus the common host RIDs; callers with
// a full runtime.json on disk should prefer LoadFile.
func Default() *Graph {
	g, err := Parse(bytes.NewReader(defaultGraphJSON))
	if err != nil {
		panic("ridgraph: bad embedded graph: " + err.Error())
	}
	return g
}
