// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/fatih/color"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stevedore-dev/stevedore/pkg/daemon"
	"github.com/stevedore-dev/stevedore/pkg/regclient"
	"github.com/stevedore-dev/stevedore/pkg/ridgraph"
)

// hostRID maps the running machine to a runtime identifier. Images
// are linux even when the client is not.
func hostRID() string {
	p := ocispec.Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH}
	if p.OS == "darwin" || p.OS == "windows" {
		p.OS = "linux"
	}
	if rid := ridgraph.DeriveRID(p); rid != "" {
		return rid
	}
	return "linux-x64"
}

// refString is the tag or digest to ask the registry for.
func refString(ref regclient.Reference) string {
	if ref.Digest != "" {
		return ref.Digest
	}
	return ref.Tag
}

// pullImage resolves and downloads one image into the content store.
func pullImage(ctx context.Context, e *env, ref regclient.Reference) (*regclient.Image, *regclient.Client, error) {
	c := e.client(ref.Registry)
	img, err := c.GetImage(ctx, ref.Repository, refString(ref), e.platform(), e.graph)
	if err != nil {
		return nil, nil, err
	}
	for _, layer := range img.Manifest.Layers {
		if _, err := c.DownloadBlob(ctx, ref.Repository, layer); err != nil {
			return nil, nil, err
		}
	}
	return img, c, nil
}

func runPull(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stevedore pull IMAGE")
	}
	ref, err := regclient.ParseReference(args[0])
	if err != nil {
		return err
	}
	img, _, err := pullImage(ctx, e, ref)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (%d layers)\n", color.GreenString("pulled"), ref, len(img.Manifest.Layers))
	fmt.Printf("digest: %s\n", img.ManifestDigest)
	return nil
}

func runCopy(ctx context.Context, e *env, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: stevedore copy SRC-IMAGE DST-IMAGE")
	}
	src, err := regclient.ParseReference(args[0])
	if err != nil {
		return err
	}
	dst, err := regclient.ParseReference(args[1])
	if err != nil {
		return err
	}
	if dst.Digest != "" {
		return fmt.Errorf("copy destination must be a tag, not a digest")
	}

	srcClient := e.client(src.Registry)
	img, err := srcClient.GetImage(ctx, src.Repository, refString(src), e.platform(), e.graph)
	if err != nil {
		return err
	}

	dstClient := e.client(dst.Registry)
	if err := dstClient.Push(ctx, srcClient, img, dst.Repository, []string{dst.Tag}); err != nil {
		return err
	}
	fmt.Printf("%s %s -> %s\n", color.GreenString("copied"), src, dst)
	return nil
}

func runLoad(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stevedore load IMAGE")
	}
	ref, err := regclient.ParseReference(args[0])
	if err != nil {
		return err
	}
	if ref.Digest != "" {
		return fmt.Errorf("load needs a tag to name the image under")
	}
	img, _, err := pullImage(ctx, e, ref)
	if err != nil {
		return err
	}

	im, err := daemon.New("", "", e.logf)
	if err != nil {
		return err
	}
	defer im.Close()

	name := ref.Registry + "/" + ref.Repository
	if err := im.Import(ctx, img, e.store, name, ref.Tag); err != nil {
		return err
	}
	fmt.Printf("%s %s:%s into containerd\n", color.GreenString("loaded"), name, ref.Tag)
	return nil
}
