// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package dedup

import (
	"bytes"
	"errors"
	"testing"

	"github.com/blockvault/blockvault/lib/blobstore"
	"github.com/blockvault/blockvault/lib/blockindex"
	"github.com/blockvault/blockvault/lib/candidateset"
	"github.com/blockvault/blockvault/lib/recipe"
	"github.com/blockvault/blockvault/lib/stronghash"
	"github.com/blockvault/blockvault/lib/weakhash"
)

// harness wires a real index, candidate set, and blob store together,
// the same collaborators lib/ingest.Controller assembles for a live
// repository, so the finder is exercised against its actual contract
// rather than hand-rolled fakes.
type harness struct {
	idx   *blockindex.Index
	cand  *candidateset.Set
	store *blobstore.MemStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	idx, err := blockindex.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	return &harness{
		idx:   idx,
		cand:  candidateset.New(256, 0.01),
		store: blobstore.NewMemStore(8),
	}
}

func (h *harness) newFinder(t *testing.T, blockSize int) *Finder {
	t.Helper()
	f, err := New(Config{
		BlockSize:  blockSize,
		Index:      h.idx,
		Reader:     h.store,
		Candidates: h.cand,
		Handler:    h.store,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

var seedIndex = 100000

// seedBlock stores content as a standalone blob and registers it as a
// single committed B-byte block at offset 0, mimicking a block that
// was pre-seeded into the repository by a prior, unmodeled ingest.
func (h *harness) seedBlock(t *testing.T, content []byte) string {
	t.Helper()
	seedIndex++
	idx := seedIndex
	if err := h.store.InitPiece(idx); err != nil {
		t.Fatal(err)
	}
	if err := h.store.AddPieceData(idx, content); err != nil {
		t.Fatal(err)
	}
	blobID, _, err := h.store.EndPiece(idx)
	if err != nil {
		t.Fatal(err)
	}
	h.registerBlock(t, blobID, content, 0)
	return blobID
}

func (h *harness) registerBlock(t *testing.T, blobID string, content []byte, offset int64) {
	t.Helper()
	b, err := h.idx.Stage()
	if err != nil {
		t.Fatal(err)
	}
	sh := stronghash.Sum(content)
	rh := weakhash.BulkSum(content)
	if err := b.AddBlock(sh, blobID, offset, rh); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	h.cand.Add(rh)
}

// commitRecipe replays the chunking step spec.md §4.6 assigns the
// ingest controller: every original piece's freshly stored bytes are
// re-chunked at block-size stride and registered so later ingests can
// dedup against them.
func (h *harness) commitRecipe(t *testing.T, blockSize int, rec recipe.Recipe) {
	t.Helper()
	b, err := h.idx.Stage()
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range rec.Pieces {
		if !p.Original {
			continue
		}
		content := make([]byte, p.Size)
		n, err := h.store.ReadAt(p.Source, p.Offset, content)
		if err != nil {
			t.Fatal(err)
		}
		content = content[:n]
		for off := 0; off+blockSize <= len(content); off += blockSize {
			block := content[off : off+blockSize]
			sh := stronghash.Sum(block)
			rh := weakhash.BulkSum(block)
			if err := b.AddBlock(sh, p.Source, p.Offset+int64(off), rh); err != nil {
				t.Fatal(err)
			}
			h.cand.Add(rh)
		}
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
}

func ingest(t *testing.T, f *Finder, input string) recipe.Recipe {
	t.Helper()
	if err := f.Feed([]byte(input)); err != nil {
		t.Fatalf("Feed(%q): %v", input, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rec, err := f.GetRecipe()
	if err != nil {
		t.Fatalf("GetRecipe: %v", err)
	}
	return rec
}

// assertReconstructs verifies universal properties 1 and 2 (spec.md
// §8): reading every piece back in order reproduces want exactly, and
// the recipe's declared size matches both its own piece arithmetic and
// the reconstructed length.
func assertReconstructs(t *testing.T, reader BlobReader, rec recipe.Recipe, want string) {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range rec.Pieces {
		data := make([]byte, p.Size)
		n, err := reader.ReadAt(p.Source, p.Offset, data)
		if err != nil {
			t.Fatalf("ReadAt(%s, %d): %v", p.Source, p.Offset, err)
		}
		data = data[:n]
		repeat := p.Repeat
		if repeat < 1 {
			repeat = 1
		}
		for i := 0; i < repeat; i++ {
			buf.Write(data)
		}
	}
	if buf.String() != want {
		t.Fatalf("reconstructed %q, want %q", buf.String(), want)
	}
	if want := stronghash.Sum([]byte(want)); rec.MD5Sum != want {
		t.Errorf("md5sum = %s, want %s", rec.MD5Sum, want)
	}
	if rec.TotalPieceBytes() != rec.Size {
		t.Errorf("total piece bytes %d != recipe size %d", rec.TotalPieceBytes(), rec.Size)
	}
	if rec.Size != int64(len(want)) {
		t.Errorf("recipe size %d != input length %d", rec.Size, len(want))
	}
}

func TestScenarioS1SimpleUnaligned(t *testing.T) {
	const blockSize = 3
	h := newHarness(t)
	blobAAA := h.seedBlock(t, []byte("aaa"))

	rec := ingest(t, h.newFinder(t, blockSize), "XXXaaa")
	assertReconstructs(t, h.store, rec, "XXXaaa")

	if len(rec.Pieces) != 2 {
		t.Fatalf("got %d pieces, want 2: %+v", len(rec.Pieces), rec.Pieces)
	}
	if !rec.Pieces[0].Original || rec.Pieces[0].Size != 3 {
		t.Errorf("piece 0 = %+v, want original size 3", rec.Pieces[0])
	}
	want1 := recipe.Piece{Source: blobAAA, Offset: 0, Size: 3, Repeat: 1}
	if rec.Pieces[1] != want1 {
		t.Errorf("piece 1 = %+v, want %+v", rec.Pieces[1], want1)
	}
}

func TestScenarioS2PreferFirstMatch(t *testing.T) {
	const blockSize = 3
	h := newHarness(t)

	first := "aaabbbcccaaabbbaaabbbaaabbb"
	rec1 := ingest(t, h.newFinder(t, blockSize), first)
	assertReconstructs(t, h.store, rec1, first)
	h.commitRecipe(t, blockSize, rec1)

	second := "X" + first
	rec2 := ingest(t, h.newFinder(t, blockSize), second)
	assertReconstructs(t, h.store, rec2, second)

	if len(rec2.Pieces) != 2 {
		t.Fatalf("got %d pieces, want 2: %+v", len(rec2.Pieces), rec2.Pieces)
	}
	if !rec2.Pieces[0].Original || rec2.Pieces[0].Size != 1 {
		t.Errorf("piece 0 = %+v, want original size 1", rec2.Pieces[0])
	}
	if got := rec2.Pieces[1]; got.Original || got.Offset != 0 || got.Size != int64(len(first)) {
		t.Errorf("piece 1 = %+v, want reference offset 0 size %d", got, len(first))
	}
}

func TestScenarioS3MatchInsideLargerBlob(t *testing.T) {
	const blockSize = 3
	h := newHarness(t)

	first := "aaabbbaaabbbaaabbbaaabbbccc"
	rec1 := ingest(t, h.newFinder(t, blockSize), first)
	h.commitRecipe(t, blockSize, rec1)

	second := "aaabbbccc"
	rec2 := ingest(t, h.newFinder(t, blockSize), second)
	assertReconstructs(t, h.store, rec2, second)

	// "ccc" exists only at offset 24, which pins the whole match: offset
	// 18 is the only aaa-block whose content keeps agreeing with the
	// rest of the input ("aaabbbccc") all the way through, so it is the
	// one case spec.md §4.4 says must resolve to a single piece.
	if len(rec2.Pieces) != 1 {
		t.Fatalf("got %d pieces, want 1: %+v", len(rec2.Pieces), rec2.Pieces)
	}
	want := recipe.Piece{Source: rec1.Pieces[0].Source, Offset: 18, Size: 9, Repeat: 1}
	if rec2.Pieces[0] != want {
		t.Errorf("piece = %+v, want %+v", rec2.Pieces[0], want)
	}
}

func TestScenarioS4SplitAcrossTwoBlobs(t *testing.T) {
	const blockSize = 3
	h := newHarness(t)
	blobAAA := h.seedBlock(t, []byte("aaa"))
	blobBBB := h.seedBlock(t, []byte("bbb"))

	rec := ingest(t, h.newFinder(t, blockSize), "aaabbb")
	assertReconstructs(t, h.store, rec, "aaabbb")

	want := []recipe.Piece{
		{Source: blobAAA, Offset: 0, Size: 3, Repeat: 1},
		{Source: blobBBB, Offset: 0, Size: 3, Repeat: 1},
	}
	if !piecesEqual(rec.Pieces, want) {
		t.Errorf("pieces = %+v, want %+v", rec.Pieces, want)
	}
}

func TestScenarioS5InterleavedHits(t *testing.T) {
	const blockSize = 3
	h := newHarness(t)
	blobAAA := h.seedBlock(t, []byte("aaa"))

	rec := ingest(t, h.newFinder(t, blockSize), "XaaaXaaaX")
	assertReconstructs(t, h.store, rec, "XaaaXaaaX")

	if len(rec.Pieces) != 5 {
		t.Fatalf("got %d pieces, want 5: %+v", len(rec.Pieces), rec.Pieces)
	}
	wantOriginal := []bool{true, false, true, false, true}
	for i, p := range rec.Pieces {
		if p.Original != wantOriginal[i] {
			t.Errorf("piece %d original = %v, want %v", i, p.Original, wantOriginal[i])
		}
	}
	for i, p := range rec.Pieces {
		if !p.Original && p.Source != blobAAA {
			t.Errorf("piece %d source = %s, want %s", i, p.Source, blobAAA)
		}
	}
}

func TestScenarioS6EmptyFile(t *testing.T) {
	const blockSize = 3
	h := newHarness(t)

	rec := ingest(t, h.newFinder(t, blockSize), "")

	if rec.Size != 0 {
		t.Errorf("size = %d, want 0", rec.Size)
	}
	if len(rec.Pieces) != 0 {
		t.Errorf("got %d pieces, want 0", len(rec.Pieces))
	}
	if rec.MD5Sum != stronghash.Empty {
		t.Errorf("md5sum = %s, want %s", rec.MD5Sum, stronghash.Empty)
	}
}

func TestShorterThanBlockSizeIsOneOriginalPiece(t *testing.T) {
	const blockSize = 8
	h := newHarness(t)

	rec := ingest(t, h.newFinder(t, blockSize), "ab")
	assertReconstructs(t, h.store, rec, "ab")

	if len(rec.Pieces) != 1 || !rec.Pieces[0].Original {
		t.Fatalf("pieces = %+v, want one original piece", rec.Pieces)
	}
}

func TestMatchInsideOriginalRunSplitsIt(t *testing.T) {
	const blockSize = 3
	h := newHarness(t)
	h.seedBlock(t, []byte("aaa"))

	rec := ingest(t, h.newFinder(t, blockSize), "XXaaaYY")
	assertReconstructs(t, h.store, rec, "XXaaaYY")

	if len(rec.Pieces) != 3 {
		t.Fatalf("got %d pieces, want 3: %+v", len(rec.Pieces), rec.Pieces)
	}
	if !rec.Pieces[0].Original || !rec.Pieces[2].Original || rec.Pieces[1].Original {
		t.Errorf("pieces = %+v, want original/reference/original", rec.Pieces)
	}
}

func TestFeedAfterCloseIsBadInputOrder(t *testing.T) {
	h := newHarness(t)
	f := h.newFinder(t, 3)
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	err := f.Feed([]byte("x"))
	assertKind(t, err, BadInputOrder)
}

func TestGetRecipeBeforeCloseIsBadInputOrder(t *testing.T) {
	h := newHarness(t)
	f := h.newFinder(t, 3)
	_, err := f.GetRecipe()
	assertKind(t, err, BadInputOrder)
}

func TestIndexInconsistencyOnVerificationMismatch(t *testing.T) {
	const blockSize = 3
	h := newHarness(t)
	// Register a location whose recorded content disagrees with what is
	// actually stored at that blob/offset, simulating corruption.
	blobID := h.seedBlock(t, []byte("zzz"))
	b, err := h.idx.Stage()
	if err != nil {
		t.Fatal(err)
	}
	rh := weakhash.BulkSum([]byte("aaa"))
	if err := b.AddBlock(stronghash.Sum([]byte("aaa")), blobID, 0, rh); err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	h.cand.Add(rh)

	f := h.newFinder(t, blockSize)
	err = f.Feed([]byte("aaa"))
	assertKind(t, err, IndexInconsistency)
}

func TestIdempotentIngestReconstructsBothTimes(t *testing.T) {
	const blockSize = 3
	h := newHarness(t)
	h.seedBlock(t, []byte("aaa"))

	const input = "XaaaYaaaZ"
	rec1 := ingest(t, h.newFinder(t, blockSize), input)
	h.commitRecipe(t, blockSize, rec1)
	rec2 := ingest(t, h.newFinder(t, blockSize), input)

	assertReconstructs(t, h.store, rec1, input)
	assertReconstructs(t, h.store, rec2, input)
	if rec1.MD5Sum != rec2.MD5Sum || rec1.Size != rec2.Size {
		t.Errorf("repeated ingest diverged: %+v vs %+v", rec1, rec2)
	}
}

func piecesEqual(got, want []recipe.Piece) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func assertKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("got nil error, want kind %s", kind)
	}
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("got error %v of type %T, want *dedup.Error", err, err)
	}
	if de.Kind != kind {
		t.Fatalf("got kind %s, want %s", de.Kind, kind)
	}
}
