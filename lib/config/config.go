// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements the repository configuration file: the
// block size and dedup flag a repository is created with, which must
// then stay fixed for the repository's lifetime (spec.md §2, §7).
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/blockvault/blockvault/lib/blockindex"
	"github.com/blockvault/blockvault/lib/dedup"
)

const (
	// DefaultBlockSize is used by New when no block size is given.
	DefaultBlockSize = 65536

	minBlockSize = 1
	maxBlockSize = 1 << 24 // 16 MiB; anything bigger is almost certainly a mistake.
)

// ErrInvalidConfiguration is the sentinel cause attached to every
// *dedup.Error{Kind: dedup.UserError} this package raises, so callers
// can match on it with errors.Is without inspecting the wrapped
// message.
var ErrInvalidConfiguration = fmt.Errorf("config: invalid repository configuration")

// RepositoryConfig holds the two settings spec.md ties to a
// repository's lifetime rather than to any one ingest: the block size
// blocks are indexed at, and whether deduplication is enabled at all
// (spec.md §2's escape hatch for operators who want plain storage).
type RepositoryConfig struct {
	BlockSize           int  `json:"blockSize"`
	EnableDeduplication bool `json:"enableDeduplication"`
}

// New returns a RepositoryConfig with blockSize (or DefaultBlockSize,
// if blockSize is zero or negative) and the given dedup flag. It does
// not call Validate.
func New(blockSize int, enableDeduplication bool) RepositoryConfig {
	c := RepositoryConfig{
		BlockSize:           blockSize,
		EnableDeduplication: enableDeduplication,
	}
	c.prepare()
	return c
}

func (c *RepositoryConfig) prepare() {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
}

// Validate checks that c is internally sane (positive, bounded block
// size) and, if idx already carries recorded metadata, that c agrees
// with the block size and dedup flag the repository was created with.
// A mismatch is a UserError: spec.md requires the block size to be
// fixed once blocks exist under it, since changing it would silently
// orphan every previously indexed location.
func (c RepositoryConfig) Validate(idx *blockindex.Index) error {
	if c.BlockSize < minBlockSize || c.BlockSize > maxBlockSize {
		return &dedup.Error{
			Kind: dedup.UserError,
			Err:  fmt.Errorf("%w: block size %d out of range [%d, %d]", ErrInvalidConfiguration, c.BlockSize, minBlockSize, maxBlockSize),
		}
	}

	existingBlockSize, existingDedupOn, ok, err := idx.Meta()
	if err != nil {
		return fmt.Errorf("config: read index metadata: %w", err)
	}
	if !ok {
		return nil
	}
	if existingBlockSize != c.BlockSize {
		return &dedup.Error{
			Kind: dedup.UserError,
			Err:  fmt.Errorf("%w: repository was created with block size %d, configuration requests %d", ErrInvalidConfiguration, existingBlockSize, c.BlockSize),
		}
	}
	if existingDedupOn != c.EnableDeduplication {
		return &dedup.Error{
			Kind: dedup.UserError,
			Err:  fmt.Errorf("%w: repository was created with deduplication=%v, configuration requests %v", ErrInvalidConfiguration, existingDedupOn, c.EnableDeduplication),
		}
	}
	return nil
}

// Load reads a RepositoryConfig from path's JSON contents.
func Load(path string) (RepositoryConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return RepositoryConfig{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (RepositoryConfig, error) {
	var c RepositoryConfig
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return RepositoryConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	c.prepare()
	return c, nil
}

// Save writes c to path as JSON, creating the file if necessary.
func Save(path string, c RepositoryConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}
