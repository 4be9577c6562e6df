// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/blockvault/blockvault/lib/blobstore"
	"github.com/blockvault/blockvault/lib/blockindex"
	"github.com/blockvault/blockvault/lib/candidateset"
	"github.com/blockvault/blockvault/lib/recipe"
	"github.com/blockvault/blockvault/lib/stronghash"
	"github.com/blockvault/blockvault/lib/weakhash"
)

func newTestRepository(t *testing.T, blockSize int) *Repository {
	t.Helper()
	idx, err := blockindex.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	store := blobstore.NewMemStore(8)
	cand := candidateset.New(256, 0.01)
	return NewRepository(blockSize, idx, store, cand, nil, nil)
}

func (r *Repository) seedBlock(t *testing.T, content []byte) string {
	t.Helper()
	store := r.Store.(*blobstore.MemStore)
	const seedIndex = -1
	if err := store.InitPiece(seedIndex); err != nil {
		t.Fatal(err)
	}
	if err := store.AddPieceData(seedIndex, content); err != nil {
		t.Fatal(err)
	}
	blobID, _, err := store.EndPiece(seedIndex)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Index.Stage()
	if err != nil {
		t.Fatal(err)
	}
	sh := stronghash.Sum(content)
	rh := weakhash.BulkSum(content)
	if err := b.AddBlock(sh, blobID, 0, rh); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	r.Candidates.Add(rh)
	return blobID
}

func reconstruct(t *testing.T, store Store, rec recipe.Recipe) string {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range rec.Pieces {
		data := make([]byte, p.Size)
		n, err := store.ReadAt(p.Source, p.Offset, data)
		if err != nil {
			t.Fatalf("ReadAt(%s,%d): %v", p.Source, p.Offset, err)
		}
		buf.Write(data[:n])
	}
	return buf.String()
}

func TestCommitSingleIngest(t *testing.T) {
	repo := newTestRepository(t, 3)
	repo.seedBlock(t, []byte("aaa"))

	c, err := repo.NewIngest()
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Feed([]byte("XXXaaa")); err != nil {
		t.Fatal(err)
	}
	rec, err := c.Commit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := reconstruct(t, repo.Store, rec); got != "XXXaaa" {
		t.Errorf("reconstructed %q, want %q", got, "XXXaaa")
	}
}

func TestCommitRegistersNewBlocksForFutureIngests(t *testing.T) {
	repo := newTestRepository(t, 3)

	first, err := repo.NewIngest()
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Feed([]byte("aaabbbccc")); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}

	second, err := repo.NewIngest()
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Feed([]byte("Xaaabbbccc")); err != nil {
		t.Fatal(err)
	}
	rec, err := second.Commit(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if got := reconstruct(t, repo.Store, rec); got != "Xaaabbbccc" {
		t.Errorf("reconstructed %q, want %q", got, "Xaaabbbccc")
	}
	var refBytes int64
	for _, p := range rec.Pieces {
		if !p.Original {
			refBytes += p.Size
		}
	}
	if refBytes == 0 {
		t.Error("second ingest referenced nothing from the first ingest's committed blocks")
	}
}

// TestConcurrentCommitsLeaveNoDanglingPieces exercises spec.md §8's
// concurrency scenario: two ingests racing to commit after a shared
// prior commit of "aaa" must both succeed, in either order, and each
// must reconstruct its own input with no piece left dangling. It does
// not check the store for orphan blobs.
func TestConcurrentCommitsLeaveNoDanglingPieces(t *testing.T) {
	repo := newTestRepository(t, 3)
	repo.seedBlock(t, []byte("aaa"))

	inputs := []string{"aaabbbccc", "aaabbb"}
	recipes := make([]recipe.Recipe, len(inputs))
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	for i, input := range inputs {
		wg.Add(1)
		go func(i int, input string) {
			defer wg.Done()
			c, err := repo.NewIngest()
			if err != nil {
				errs[i] = err
				return
			}
			if err := c.Feed([]byte(input)); err != nil {
				errs[i] = err
				return
			}
			recipes[i], errs[i] = c.Commit(context.Background())
		}(i, input)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("ingest %d failed: %v", i, err)
		}
	}
	for i, rec := range recipes {
		if got := reconstruct(t, repo.Store, rec); got != inputs[i] {
			t.Errorf("ingest %d reconstructed %q, want %q", i, got, inputs[i])
		}
		for _, p := range rec.Pieces {
			buf := make([]byte, p.Size)
			if _, err := repo.Store.ReadAt(p.Source, p.Offset, buf); err != nil {
				t.Errorf("ingest %d: piece references missing blob %s: %v", i, p.Source, err)
			}
		}
	}
}
