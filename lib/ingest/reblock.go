// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"fmt"

	"github.com/blockvault/blockvault/lib/blockindex"
	"github.com/blockvault/blockvault/lib/recipe"
	"github.com/blockvault/blockvault/lib/stronghash"
	"github.com/blockvault/blockvault/lib/weakhash"
)

// registerBlocks re-chunks one original piece's freshly stored bytes
// into non-overlapping block-size-aligned blocks and stages each one's
// location, so later ingests can dedup against blocks that only ever
// existed inside this ingest's original content (spec.md §4.6). Bytes
// left over at the end of the piece, shorter than a full block, are not
// indexable and are skipped.
//
// It returns the rolling hash of every block it staged, but does not
// add them to c.repo.Candidates itself: spec.md §3 treats the
// candidate set as read-only during ingest, with "updates buffer until
// commit", so the caller must wait until batch.Commit succeeds before
// making these hashes visible to the next match lookup.
func (c *Controller) registerBlocks(batch *blockindex.Batch, p recipe.Piece) ([]uint32, error) {
	blockSize := c.repo.BlockSize
	content := make([]byte, p.Size)
	n, err := c.repo.Store.ReadAt(p.Source, p.Offset, content)
	if err != nil {
		return nil, fmt.Errorf("ingest: read back original piece for re-chunking: %w", err)
	}
	content = content[:n]

	var staged []uint32
	for off := 0; off+blockSize <= len(content); off += blockSize {
		block := content[off : off+blockSize]
		strongHash := stronghash.Sum(block)
		rollingHash := weakhash.BulkSum(block)
		blockOffset := p.Offset + int64(off)
		if err := batch.AddBlock(strongHash, p.Source, blockOffset, rollingHash); err != nil {
			return nil, fmt.Errorf("ingest: stage block at %s@%d: %w", p.Source, blockOffset, err)
		}
		staged = append(staged, rollingHash)
	}
	return staged, nil
}
