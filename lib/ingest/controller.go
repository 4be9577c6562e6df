// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockvault/blockvault/lib/dedup"
	"github.com/blockvault/blockvault/lib/recipe"
	"github.com/blockvault/blockvault/lib/sliceutil"
)

func newIngestID() string {
	return uuid.NewString()
}

// Controller wraps one finder for one logical input, from Feed through
// a committed recipe (spec.md §4.6). A Controller is used once: Feed
// zero or more times, then exactly one of Commit or Abort.
type Controller struct {
	repo   *Repository
	id     string
	finder *dedup.Finder
	done   bool
}

// ID identifies this ingest in log entries.
func (c *Controller) ID() string { return c.id }

// Feed admits more input bytes, delegating to the underlying finder.
func (c *Controller) Feed(data []byte) error {
	return c.finder.Feed(data)
}

// Abort discards this ingest: its buffered state is simply dropped,
// since nothing has been staged in the index yet (blob bytes already
// written by the piece handler during Feed are orphans the store's own
// garbage collection is responsible for reclaiming; spec.md places the
// blob store's lifecycle outside this core's scope).
func (c *Controller) Abort() {
	c.done = true
}

// Commit finalizes the finder, then commits every newly discovered
// block's location under the repository's serialization point,
// retrying on CommitConflict up to the repository's configured bound.
// On success it returns the finished recipe; the caller is responsible
// for persisting it alongside the repository (spec.md §6 defines its
// wire form but not its storage).
func (c *Controller) Commit(ctx context.Context) (recipe.Recipe, error) {
	if c.done {
		return recipe.Recipe{}, &dedup.Error{Kind: dedup.BadInputOrder, Err: errors.New("commit called on a finished ingest")}
	}
	c.done = true

	if err := c.finder.Close(); err != nil {
		return recipe.Recipe{}, err
	}
	rec, err := c.finder.GetRecipe()
	if err != nil {
		return recipe.Recipe{}, err
	}

	var lastConflict error
	attempts := c.repo.maxCommitAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.tryCommit(ctx, rec)
		if err == nil {
			c.onCommitted(rec)
			return rec, nil
		}
		if !isCommitConflict(err) {
			return recipe.Recipe{}, err
		}
		lastConflict = err
		c.repo.Metrics.conflicts.Inc()
		c.repo.Logger.Warn("commit conflict, retrying",
			zap.String("ingest_id", c.id), zap.Int("attempt", attempt))
	}
	return recipe.Recipe{}, &dedup.Error{
		Kind: dedup.CommitConflict,
		Err:  fmt.Errorf("commit did not linearize after %d attempts: %w", attempts, lastConflict),
	}
}

func (c *Controller) onCommitted(rec recipe.Recipe) {
	c.repo.Metrics.ingests.Inc()
	c.repo.Metrics.bytesSaved.Add(float64(bytesSaved(rec)))
	if n := c.finder.SkippedMatches(); n > 0 {
		c.repo.Metrics.storeUnavailable.Add(float64(n))
		c.repo.Logger.Warn("candidate matches skipped due to transient read failures",
			zap.String("ingest_id", c.id), zap.Int("count", n))
	}
	c.repo.Logger.Info("ingest committed",
		zap.String("ingest_id", c.id),
		zap.Int64("size", rec.Size),
		zap.Int("pieces", len(rec.Pieces)))
}

// tryCommit acquires the repository's commit semaphore (bounded by
// CommitTimeout, standing in for the linearizability requirement
// spec.md §4.6 places on commit) and, once held, stages and commits
// every original piece's freshly stored blocks.
func (c *Controller) tryCommit(ctx context.Context, rec recipe.Recipe) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.repo.commitTimeout())
	defer cancel()

	select {
	case c.repo.commitSem <- struct{}{}:
	case <-attemptCtx.Done():
		return &dedup.Error{Kind: dedup.CommitConflict, Err: attemptCtx.Err()}
	}
	defer func() { <-c.repo.commitSem }()

	batch, err := c.repo.Index.Stage()
	if err != nil {
		return fmt.Errorf("ingest: stage index: %w", err)
	}

	var pendingHashes []uint32
	originals := sliceutil.Filter(rec.Pieces, func(p *recipe.Piece) bool { return p.Original })
	for _, p := range originals {
		hashes, err := c.registerBlocks(batch, p)
		if err != nil {
			batch.Rollback()
			return err
		}
		pendingHashes = append(pendingHashes, hashes...)
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("ingest: commit index: %w", err)
	}
	// Only now, with the staged blocks durably committed, do these
	// rolling hashes become visible to future lookups (spec.md §3).
	for _, h := range pendingHashes {
		c.repo.Candidates.Add(h)
	}
	return nil
}

func bytesSaved(rec recipe.Recipe) int64 {
	var saved int64
	for _, p := range rec.Pieces {
		if !p.Original {
			saved += p.Size * int64(p.Repeat)
		}
	}
	return saved
}

func isCommitConflict(err error) bool {
	var de *dedup.Error
	return errors.As(err, &de) && de.Kind == dedup.CommitConflict
}
