// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regclient

import (
	"strings"
)

// Kind classifies a registry host so the transfer engine can apply
// the quirks each hosted product needs. It is computed once from the
// hostname when a Client is created, never per request.
type Kind int

const (
	KindGeneric Kind = iota
	KindAmazonECR
	KindDockerHub
	KindGitHub
	KindGoogleArtifact
	KindAzureCR
	KindMicrosoftCR
)

func (k Kind) String() string {
	switch k {
	case KindAmazonECR:
		return "ecr"
	case KindDockerHub:
		return "dockerhub"
	case KindGitHub:
		return "ghcr"
	case KindGoogleArtifact:
		return "google"
	case KindAzureCR:
		return "acr"
	case KindMicrosoftCR:
		return "mcr"
	default:
		return "generic"
	}
}

// ClassifyRegistry maps a registry hostname to its Kind.
func ClassifyRegistry(host string) Kind {
	switch {
	case isAmazonECR(host):
		return KindAmazonECR
	case host == "docker.io" || host == "registry-1.docker.io" || host == "registry.hub.docker.com":
		return KindDockerHub
	case strings.HasPrefix(host, "ghcr.io"):
		return KindGitHub
	case strings.HasSuffix(host, "-docker.pkg.dev"):
		return KindGoogleArtifact
	case strings.HasSuffix(host, ".azurecr.io"):
		return KindAzureCR
	case host == "mcr.microsoft.com":
		return KindMicrosoftCR
	default:
		return KindGeneric
	}
}

// isAmazonECR recognizes both the public gallery and the private
// account endpoints, which look like
// <12 digits>.dkr.ecr.<region>.amazonaws.com (or ".ecr-fips.").
func isAmazonECR(host string) bool {
	if strings.Contains(host, "public.ecr.aws") {
		return true
	}
	account, rest, ok := strings.Cut(host, ".")
	if !ok || len(account) != 12 {
		return false
	}
	for _, c := range account {
		if c < '0' || c > '9' {
			return false
		}
	}
	return strings.Contains(rest, ".ecr.") || strings.Contains(rest, ".ecr-")
}

// ecrMinChunkSize is Amazon's documented minimum part size. ECR
// rejects chunks below it, so the effective chunk size gets floored.
const ecrMinChunkSize = 5_242_880

// defaultChunkSize is used when neither the registry nor the caller
// declares a preference.
const defaultChunkSize = 1 << 16

// ChunkSizeFloor returns the minimum chunk size this registry kind
// accepts, or 0 when it has none.
func (k Kind) ChunkSizeFloor() int64 {
	if k == KindAmazonECR {
		return ecrMinChunkSize
	}
	return 0
}

// TreatsCreatedAsChunkSuccess reports whether the registry answers a
// mid-upload chunk PATCH with 201 Created instead of 202 Accepted.
// ECR does, without a usable Range header.
func (k Kind) TreatsCreatedAsChunkSuccess() bool {
	return k == KindAmazonECR
}

// SupportsParallelUploads reports whether layer uploads to this kind
// of registry may run concurrently. ECR throttles concurrent uploads
// of the same image badly enough that we serialize them.
func (k Kind) SupportsParallelUploads() bool {
	return k != KindAmazonECR
}
