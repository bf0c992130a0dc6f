// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The stevedore command moves container images between registries,
// a local content store, and the local containerd daemon.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"github.com/shayne/yargs"

	"github.com/stevedore-dev/stevedore/pkg/contentstore"
	"github.com/stevedore-dev/stevedore/pkg/regclient"
	"github.com/stevedore-dev/stevedore/pkg/ridgraph"
)

type globalFlags struct {
	Config       string `flag:"config" help:"Path to config file (default ~/.config/stevedore/stevedore.toml)"`
	Store        string `flag:"store" help:"Content store directory (default ~/.cache/stevedore)"`
	Platform     string `flag:"platform" help:"Runtime identifier to resolve multi-arch images to (e.g. linux-x64)"`
	RuntimeGraph string `flag:"runtime-graph" help:"Path to a runtime.json compatibility graph"`
	ChunkSize    int64  `flag:"chunk-size" help:"Max chunk size for chunked blob uploads, in bytes"`
	ForceChunked bool   `flag:"force-chunked" help:"Skip whole-blob uploads and always chunk"`
	NoParallel   bool   `flag:"no-parallel" help:"Upload layers one at a time"`
	Insecure     bool   `flag:"insecure" help:"Use plain HTTP for every registry, not just allowlisted ones"`
	Verbose      bool   `flag:"verbose" help:"Log protocol progress"`
}

// config is the on-disk configuration, a subset of the flags.
type config struct {
	Store              string   `toml:"store"`
	ChunkSize          int64    `toml:"chunk-size"`
	ForceChunked       bool     `toml:"force-chunked"`
	ParallelUploads    *bool    `toml:"parallel-uploads"`
	RuntimeGraph       string   `toml:"runtime-graph"`
	InsecureRegistries []string `toml:"insecure-registries"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return cfg, nil
		}
		path = filepath.Join(dir, "stevedore", "stevedore.toml")
		if _, err := os.Stat(path); err != nil {
			return cfg, nil
		}
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	return cfg, nil
}

// env is everything a command needs, assembled from flags and config.
type env struct {
	flags globalFlags
	cfg   config
	store *contentstore.Store
	graph *ridgraph.Graph
	logf  func(format string, args ...any)
}

func newEnv(flags globalFlags) (*env, error) {
	cfg, err := loadConfig(flags.Config)
	if err != nil {
		return nil, err
	}

	storeDir := flags.Store
	if storeDir == "" {
		storeDir = cfg.Store
	}
	if storeDir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("no content store directory: %w", err)
		}
		storeDir = filepath.Join(cacheDir, "stevedore")
	}
	store, err := contentstore.New(storeDir)
	if err != nil {
		return nil, err
	}

	graphPath := flags.RuntimeGraph
	if graphPath == "" {
		graphPath = cfg.RuntimeGraph
	}
	graph := ridgraph.Default()
	if graphPath != "" {
		graph, err = ridgraph.LoadFile(graphPath)
		if err != nil {
			return nil, err
		}
	}

	logf := func(format string, args ...any) {}
	if flags.Verbose {
		logf = log.Printf
	}
	return &env{flags: flags, cfg: cfg, store: store, graph: graph, logf: logf}, nil
}

// client builds a registry client for host, honoring the insecure
// registry allowlist.
func (e *env) client(host string) *regclient.Client {
	insecure := e.flags.Insecure || slices.Contains(e.cfg.InsecureRegistries, host)
	parallel := e.cfg.ParallelUploads
	if e.flags.NoParallel {
		off := false
		parallel = &off
	}
	chunkSize := e.flags.ChunkSize
	if chunkSize == 0 {
		chunkSize = e.cfg.ChunkSize
	}
	return regclient.NewWithSettings(host, e.store, regclient.Settings{
		Logf:            e.logf,
		ChunkSize:       chunkSize,
		ForceChunked:    e.flags.ForceChunked || e.cfg.ForceChunked,
		ParallelUploads: parallel,
		Insecure:        insecure,
	})
}

// platform returns the RID to resolve multi-arch images with,
// defaulting to the host's.
func (e *env) platform() string {
	if e.flags.Platform != "" {
		return e.flags.Platform
	}
	return hostRID()
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: stevedore [flags] <command> [args]

Commands:
  pull IMAGE              Fetch an image's manifest and blobs into the content store
  copy SRC-IMAGE DST-IMAGE  Copy an image between registries
  load IMAGE              Pull an image and import it into local containerd

Flags:
  --config FILE       Config file (default ~/.config/stevedore/stevedore.toml)
  --store DIR         Content store directory
  --platform RID      Platform to resolve multi-arch images to (e.g. linux-arm64)
  --runtime-graph F   runtime.json compatibility graph
  --chunk-size N      Chunked upload chunk size in bytes
  --force-chunked     Always use chunked uploads
  --no-parallel       Upload layers serially
  --insecure          Plain HTTP for every registry (localhost always is)
  --verbose           Log protocol progress
`)
}

func main() {
	result, err := yargs.ParseKnownFlags[globalFlags](os.Args[1:], yargs.KnownFlagsOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}
	args := result.RemainingArgs
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	e, err := newEnv(result.Flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("stevedore: %v", err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, args := args[0], args[1:]
	switch cmd {
	case "pull":
		err = runPull(ctx, e, args)
	case "copy":
		err = runCopy(ctx, e, args)
	case "load":
		err = runLoad(ctx, e, args)
	default:
		fmt.Fprintf(os.Stderr, "stevedore: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("stevedore: %v", err))
		os.Exit(1)
	}
}
