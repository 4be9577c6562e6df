// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"

	"github.com/blockvault/blockvault/lib/blockindex"
	"github.com/blockvault/blockvault/lib/config"
)

// InitCmd creates a new, empty repository directory: an index, a blob
// store root, a recipes directory, and a configuration file recording
// the block size and dedup flag the repository is fixed at for its
// lifetime (spec.md §6).
type InitCmd struct {
	Repo      string `arg:"" type:"path" help:"Directory to create the repository in."`
	BlockSize int    `help:"Dedup block size in bytes." default:"65536"`
	NoDedup   bool   `help:"Disable deduplication for this repository."`
}

func (c *InitCmd) Run() error {
	for _, dir := range []string{c.Repo, indexPath(c.Repo), blobsPath(c.Repo), recipesPath(c.Repo)} {
		if err := ensureDir(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	cfg := config.New(c.BlockSize, !c.NoDedup)

	idx, err := blockindex.Open(indexPath(c.Repo))
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer idx.Close()

	if _, _, ok, err := idx.Meta(); err != nil {
		return fmt.Errorf("read index metadata: %w", err)
	} else if ok {
		return fmt.Errorf("repository at %s is already initialized", c.Repo)
	}
	if err := idx.SetMeta(cfg.BlockSize, cfg.EnableDeduplication); err != nil {
		return fmt.Errorf("write index metadata: %w", err)
	}

	if err := config.Save(configPath(c.Repo), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("initialized repository at %s (block size %d, deduplication %v)\n", c.Repo, cfg.BlockSize, cfg.EnableDeduplication)
	return nil
}
