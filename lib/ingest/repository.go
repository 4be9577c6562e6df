// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ingest implements the ingest controller (spec.md §4.6): the
// collaborator that wraps one recipe finder per logical input, then
// coordinates committing the resulting recipe's new blocks into the
// block-location index under the repository's single serialization
// point.
package ingest

import (
	"time"

	"go.uber.org/zap"

	"github.com/blockvault/blockvault/lib/blockindex"
	"github.com/blockvault/blockvault/lib/candidateset"
	"github.com/blockvault/blockvault/lib/dedup"
)

// Store is the blob store surface the ingest controller needs: the
// piece-handler contract the finder drives, plus read access for
// re-chunking committed original bytes into new blocks. lib/blobstore's
// MemStore and DiskStore both satisfy it.
type Store interface {
	dedup.PieceHandler
	dedup.BlobReader
}

// defaultCommitTimeout bounds how long one commit attempt waits for the
// repository's serialization point before treating contention as a
// CommitConflict and retrying with a rebuilt attempt (spec.md §7).
const defaultCommitTimeout = 200 * time.Millisecond

// defaultMaxCommitAttempts bounds the number of times a single Commit
// call retries before surfacing CommitConflict to its caller.
const defaultMaxCommitAttempts = 5

// Repository is the shared, per-repository handle spec.md §9 calls for
// ("the candidate set and index are per-repository... thread through an
// explicit repository handle"): one Index, one blob Store, one
// candidate set, and the single serialization point ingests contend
// for when committing.
type Repository struct {
	BlockSize  int
	Index      *blockindex.Index
	Store      Store
	Candidates *candidateset.Set
	Logger     *zap.Logger
	Metrics    *Metrics

	CommitTimeout     time.Duration
	MaxCommitAttempts int

	// DisableDeduplication mirrors the repository's enable_deduplication
	// configuration flag (spec.md §6). When true, every ingest started
	// from this Repository produces a recipe with a single original
	// piece covering the whole input; registerBlocks still indexes the
	// resulting blocks at commit.
	DisableDeduplication bool

	commitSem chan struct{}
}

// NewRepository returns a Repository ready to mint ingest controllers.
// Logger and Metrics may be nil, in which case a no-op logger and an
// unregistered metrics set are used.
func NewRepository(blockSize int, index *blockindex.Index, store Store, candidates *candidateset.Set, logger *zap.Logger, metrics *Metrics) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Repository{
		BlockSize:         blockSize,
		Index:             index,
		Store:             store,
		Candidates:        candidates,
		Logger:            logger,
		Metrics:           metrics,
		CommitTimeout:     defaultCommitTimeout,
		MaxCommitAttempts: defaultMaxCommitAttempts,
		commitSem:         make(chan struct{}, 1),
	}
}

func (r *Repository) commitTimeout() time.Duration {
	if r.CommitTimeout <= 0 {
		return defaultCommitTimeout
	}
	return r.CommitTimeout
}

func (r *Repository) maxCommitAttempts() int {
	if r.MaxCommitAttempts <= 0 {
		return defaultMaxCommitAttempts
	}
	return r.MaxCommitAttempts
}

// NewIngest starts a new Controller for one logical input stream.
func (r *Repository) NewIngest() (*Controller, error) {
	var candidates dedup.CandidateSet = r.Candidates
	if r.DisableDeduplication {
		candidates = dedup.DisabledCandidateSet
	}
	f, err := dedup.New(dedup.Config{
		BlockSize:  r.BlockSize,
		Index:      r.Index,
		Reader:     r.Store,
		Candidates: candidates,
		Handler:    r.Store,
	})
	if err != nil {
		return nil, err
	}
	return &Controller{repo: r, id: newIngestID(), finder: f}, nil
}
