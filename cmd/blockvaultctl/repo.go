// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/blockvault/blockvault/lib/blobstore"
	"github.com/blockvault/blockvault/lib/blockindex"
	"github.com/blockvault/blockvault/lib/candidateset"
	"github.com/blockvault/blockvault/lib/config"
	"github.com/blockvault/blockvault/lib/ingest"
)

// tailCacheSize bounds the number of recently read blob tails each
// store caches in memory (spec.md §5).
const tailCacheSize = 1024

// candidateFalsePositiveRate is the target rate the candidate set is
// sized for (spec.md §4.2's "false-positive rate ≤ 1%").
const candidateFalsePositiveRate = 0.01

func indexPath(repoDir string) string   { return filepath.Join(repoDir, "index") }
func blobsPath(repoDir string) string   { return filepath.Join(repoDir, "blobs") }
func recipesPath(repoDir string) string { return filepath.Join(repoDir, "recipes") }
func configPath(repoDir string) string  { return filepath.Join(repoDir, "config.json") }

// openedRepository bundles everything an ingest or extract command
// needs, plus a Close to release the leveldb handle.
type openedRepository struct {
	cfg   config.RepositoryConfig
	repo  *ingest.Repository
	store *blobstore.DiskStore
	idx   *blockindex.Index
	log   *zap.Logger
}

func (o *openedRepository) Close() error {
	return o.idx.Close()
}

// openRepository loads an existing repository's configuration, opens
// its index and blob store, and seeds a fresh candidate set from the
// index's recorded blocks (spec.md §3: "the candidate set is rebuilt
// or loaded from the index at session start").
func openRepository(repoDir string) (*openedRepository, error) {
	cfg, err := config.Load(configPath(repoDir))
	if err != nil {
		return nil, fmt.Errorf("load repository config: %w", err)
	}

	idx, err := blockindex.Open(indexPath(repoDir))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := cfg.Validate(idx); err != nil {
		idx.Close()
		return nil, err
	}

	store, err := blobstore.NewDiskStore(blobsPath(repoDir), tailCacheSize)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	candidates, err := candidateset.LoadFromIndex(idx, candidateFalsePositiveRate)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("seed candidate set: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("build logger: %w", err)
	}

	repo := ingest.NewRepository(cfg.BlockSize, idx, store, candidates, logger, nil)
	repo.DisableDeduplication = !cfg.EnableDeduplication
	return &openedRepository{cfg: cfg, repo: repo, store: store, idx: idx, log: logger}, nil
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
