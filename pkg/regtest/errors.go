// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regtest

import (
	"encoding/json"
	"net/http"
)

// errorResponse is the OCI error envelope.
type errorResponse struct {
	Errors []errorDescriptor `json:"errors"`
}

type errorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse{
		Errors: []errorDescriptor{{Code: code, Message: message}},
	})
}
