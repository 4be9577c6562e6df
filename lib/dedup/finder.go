// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package dedup implements the recipe finder: the byte-driven state
// machine that turns a fed input stream into a reconstruction recipe,
// citing previously committed blocks wherever the rolling-hash
// prefilter and strong-hash verification confirm a match.
package dedup

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/blockvault/blockvault/lib/blockindex"
	"github.com/blockvault/blockvault/lib/recipe"
	"github.com/blockvault/blockvault/lib/stronghash"
	"github.com/blockvault/blockvault/lib/weakhash"
)

// LocationIndex is the subset of lib/blockindex.Index the finder reads
// from. Writes (staging new locations) are the ingest controller's
// concern, not the finder's.
type LocationIndex interface {
	GetLocations(strongHash string) ([]blockindex.Location, error)
}

// BlobReader reads back bytes from a previously stored blob, used to
// verify a candidate match before citing it.
type BlobReader interface {
	ReadAt(blobID string, offset int64, buf []byte) (int, error)
}

// CandidateSet is the cheap membership prefilter over rolling-hash
// values; see lib/candidateset.
type CandidateSet interface {
	Contains(h uint32) bool
}

// disabledCandidates never reports a hit, which makes a Finder fed
// against it emit exactly one original piece spanning the whole input.
// It is how a repository with deduplication turned off (spec.md §6's
// enable_deduplication=false) is implemented, without needing a second
// code path through Feed.
type disabledCandidates struct{}

func (disabledCandidates) Contains(uint32) bool { return false }

// DisabledCandidateSet is the CandidateSet to pass in Config when a
// repository has deduplication disabled.
var DisabledCandidateSet CandidateSet = disabledCandidates{}

// PieceHandler is the finder's one pluggable collaborator (spec.md
// §4.5 / §9): it receives original run bytes and returns the blob they
// were stored into. Three operations, called in strict order per run:
// InitPiece, zero or more AddPieceData, then EndPiece.
type PieceHandler interface {
	InitPiece(index int) error
	AddPieceData(index int, data []byte) error
	EndPiece(index int) (blobID string, baseOffset int64, err error)
}

// DefaultFlushThreshold returns the buffer size, in bytes, at which the
// finder hands accumulated-but-undecided original bytes to the piece
// handler mid-stream rather than holding them in memory until the next
// match or Close. It does not affect the resulting recipe, only memory
// use and piece-handler call granularity (spec.md §4.4, §9).
func DefaultFlushThreshold(blockSize int) int {
	return 64 * blockSize
}

// DefaultForwardLookahead returns how far chooseLocation looks ahead
// into already-fed bytes to disambiguate several equally-valid
// locations for the same strong hash, when no previously emitted piece
// already pins the choice (see chooseLocation). Bounded rather than
// unlimited so one ambiguous hit can't force reading an entire blob.
func DefaultForwardLookahead(blockSize int) int {
	return 64 * blockSize
}

// Config configures a new Finder.
type Config struct {
	// BlockSize is the repository's fixed dedup unit size B.
	BlockSize int
	// FlushThreshold overrides DefaultFlushThreshold(BlockSize) when
	// positive.
	FlushThreshold int
	// ForwardLookahead overrides DefaultForwardLookahead(BlockSize) when
	// positive.
	ForwardLookahead int

	Index      LocationIndex
	Reader     BlobReader
	Candidates CandidateSet
	Handler    PieceHandler
}

// Finder is the recipe finder described in spec.md §4.4. A Finder is
// driven by one caller: Feed zero or more times, then Close exactly
// once, then GetRecipe. It is not safe for concurrent use; one Finder
// per ingest.
type Finder struct {
	blockSize        int
	flushThreshold   int
	forwardLookahead int

	index      LocationIndex
	reader     BlobReader
	candidates CandidateSet
	handler    PieceHandler

	buffer  []byte
	rolling *weakhash.Engine
	hasher  *stronghash.Hasher

	consumed int64
	closed   bool
	skipped  int

	pieceOpen  bool
	pieceIndex int
	flushedLen int64

	pieces []recipe.Piece
}

// New returns a Finder ready to accept bytes via Feed.
func New(cfg Config) (*Finder, error) {
	if cfg.BlockSize < 1 {
		return nil, fmt.Errorf("dedup: block size must be positive, got %d", cfg.BlockSize)
	}
	threshold := cfg.FlushThreshold
	if threshold < 1 {
		threshold = DefaultFlushThreshold(cfg.BlockSize)
	}
	lookahead := cfg.ForwardLookahead
	if lookahead < 1 {
		lookahead = DefaultForwardLookahead(cfg.BlockSize)
	}
	return &Finder{
		blockSize:        cfg.BlockSize,
		flushThreshold:   threshold,
		forwardLookahead: lookahead,
		index:            cfg.Index,
		reader:           cfg.Reader,
		candidates:       cfg.Candidates,
		handler:          cfg.Handler,
		rolling:          weakhash.New(cfg.BlockSize),
		hasher:           stronghash.New(),
	}, nil
}

// Feed appends bytes to the finder's input stream, scanning for and
// citing matches as they are confirmed.
func (f *Finder) Feed(data []byte) error {
	if f.closed {
		return &Error{Kind: BadInputOrder, Err: errors.New("feed called after close")}
	}

	single := make([]byte, 1)
	for i, b := range data {
		single[0] = b
		f.hasher.Write(single)
		f.consumed++
		f.buffer = append(f.buffer, b)
		f.rolling.Feed(b)

		if len(f.buffer) < f.blockSize {
			continue
		}

		window := f.buffer[len(f.buffer)-f.blockSize:]
		future := data[i+1:]
		matched, loc, err := f.lookupMatch(window, future)
		if err != nil {
			return err
		}
		if !matched {
			if err := f.maybeFlush(); err != nil {
				return err
			}
			continue
		}

		preceding := append([]byte(nil), f.buffer[:len(f.buffer)-f.blockSize]...)
		if err := f.closeRun(preceding); err != nil {
			return err
		}
		f.appendReference(loc.SourceBlobID, loc.Offset, int64(f.blockSize))
		f.buffer = nil
	}
	return nil
}

// lookupMatch queries the candidate set and, on a hit, the index and
// blob store, to confirm whether window cites a known block. future
// holds whatever input bytes have already been fed immediately after
// window, used only to disambiguate multiple valid locations (see
// chooseLocation); it never affects whether a match is confirmed. A
// transient read failure anywhere in this path is treated as a
// non-match (spec.md §7, StoreUnavailable); a confirmed candidate whose
// content disagrees on verification is IndexInconsistency, fatal.
func (f *Finder) lookupMatch(window, future []byte) (bool, blockindex.Location, error) {
	if !f.candidates.Contains(f.rolling.Current()) {
		return false, blockindex.Location{}, nil
	}

	strongHash := stronghash.Sum(window)
	locs, err := f.index.GetLocations(strongHash)
	if err != nil {
		f.skipped++
		return false, blockindex.Location{}, nil
	}
	if len(locs) == 0 {
		return false, blockindex.Location{}, nil
	}

	loc := f.chooseLocation(locs, future)
	verify := make([]byte, f.blockSize)
	n, err := f.reader.ReadAt(loc.SourceBlobID, loc.Offset, verify)
	if err != nil {
		f.skipped++
		return false, blockindex.Location{}, nil
	}
	if n != f.blockSize || !bytes.Equal(verify, window) {
		return false, blockindex.Location{}, &Error{
			Kind: IndexInconsistency,
			Err: fmt.Errorf("strong hash %s: location %s@%d disagrees with verification read",
				strongHash, loc.SourceBlobID, loc.Offset),
		}
	}
	return true, loc, nil
}

// chooseLocation picks among several recorded locations for the same
// strong hash (spec.md §9's open question). locs arrives sorted by
// ascending SourceBlobID then ascending Offset.
//
// Two tie-breaks apply, in order:
//
//  1. If the previous piece is itself a reference into one of these
//     locations' blob at the offset this match would contiguously
//     extend, that location is preferred — this is what turns a run of
//     adjacent block matches into one growing reference piece (scenario
//     S2) instead of repeatedly snapping back to the smallest recorded
//     offset.
//  2. Otherwise, each candidate is probed by comparing the bytes
//     immediately following its block against future (the input bytes
//     already fed right after the matched window): whichever location's
//     trailing content agrees with future for the longest run is
//     chosen, since that is the location a longest-match scan would
//     settle on and the one most likely to keep extending into a single
//     piece across the following windows (scenario S3: only the
//     location whose continuation happens to equal the rest of the
//     input folds the whole match into one piece). Ties (including the
//     no-lookahead-data case) fall back to the smallest location, for
//     determinism.
func (f *Finder) chooseLocation(locs []blockindex.Location, future []byte) blockindex.Location {
	if n := len(f.pieces); n > 0 {
		last := f.pieces[n-1]
		if !last.Original {
			want := last.Offset + last.Size
			for _, l := range locs {
				if l.SourceBlobID == last.Source && l.Offset == want {
					return l
				}
			}
		}
	}

	best := locs[0]
	if len(locs) == 1 || len(future) == 0 {
		return best
	}
	bestRun := f.forwardMatchLen(best, future)
	for _, l := range locs[1:] {
		if run := f.forwardMatchLen(l, future); run > bestRun {
			best, bestRun = l, run
		}
	}
	return best
}

// forwardMatchLen reads up to f.forwardLookahead bytes from loc's blob
// immediately following its matched block and returns how many of them
// agree, byte for byte, with the start of future. A read failure is
// treated the same as "no continuation" (length 0): chooseLocation
// falls back to the next candidate or, if none continue further, to
// the deterministic default, and the caller's own verification read
// still governs whether the match itself is accepted.
func (f *Finder) forwardMatchLen(loc blockindex.Location, future []byte) int {
	want := len(future)
	if want > f.forwardLookahead {
		want = f.forwardLookahead
	}
	if want == 0 {
		return 0
	}
	buf := make([]byte, want)
	n, err := f.reader.ReadAt(loc.SourceBlobID, loc.Offset+int64(f.blockSize), buf)
	if err != nil && n == 0 {
		return 0
	}
	if n < want {
		want = n
	}
	i := 0
	for i < want && buf[i] == future[i] {
		i++
	}
	return i
}

// maybeFlush hands the prefix of buffer that can no longer become part
// of a future match window to the piece handler, once it grows past
// the flush threshold. The trailing blockSize-1 bytes are always kept,
// since they may yet begin the next confirmed match.
func (f *Finder) maybeFlush() error {
	safe := len(f.buffer) - (f.blockSize - 1)
	if safe <= 0 || safe < f.flushThreshold {
		return nil
	}
	trailing := append([]byte(nil), f.buffer[:safe]...)
	f.buffer = append([]byte(nil), f.buffer[safe:]...)
	return f.flushTrailing(trailing)
}

func (f *Finder) flushTrailing(trailing []byte) error {
	if len(trailing) == 0 {
		return nil
	}
	if !f.pieceOpen {
		if err := f.handler.InitPiece(f.pieceIndex); err != nil {
			return fmt.Errorf("dedup: init piece %d: %w", f.pieceIndex, err)
		}
		f.pieceOpen = true
	}
	if err := f.handler.AddPieceData(f.pieceIndex, trailing); err != nil {
		return fmt.Errorf("dedup: write piece %d: %w", f.pieceIndex, err)
	}
	f.flushedLen += int64(len(trailing))
	return nil
}

// closeRun flushes any remaining trailing bytes of the current
// original run and, if the run ever received any bytes at all, asks
// the piece handler to finalize it and appends the resulting original
// piece.
func (f *Finder) closeRun(trailing []byte) error {
	if err := f.flushTrailing(trailing); err != nil {
		return err
	}
	if !f.pieceOpen {
		return nil
	}
	blobID, baseOffset, err := f.handler.EndPiece(f.pieceIndex)
	if err != nil {
		return fmt.Errorf("dedup: end piece %d: %w", f.pieceIndex, err)
	}
	f.pieces = append(f.pieces, recipe.Piece{
		Source:   blobID,
		Offset:   baseOffset,
		Size:     f.flushedLen,
		Repeat:   1,
		Original: true,
	})
	f.pieceIndex++
	f.pieceOpen = false
	f.flushedLen = 0
	return nil
}

// appendReference appends a referenced piece, coalescing it into the
// previous piece when that piece is itself a reference to the same
// source at the immediately preceding offset (spec.md §4.4's
// contiguous-hit behavior, observed in scenario S2).
func (f *Finder) appendReference(source string, offset, size int64) {
	if n := len(f.pieces); n > 0 {
		last := &f.pieces[n-1]
		if !last.Original && last.Source == source && last.Offset+last.Size == offset {
			last.Size += size
			return
		}
	}
	f.pieces = append(f.pieces, recipe.Piece{
		Source: source,
		Offset: offset,
		Size:   size,
		Repeat: 1,
	})
}

// Close marks the end of input. Any undecided bytes become a final
// original piece.
func (f *Finder) Close() error {
	if f.closed {
		return &Error{Kind: BadInputOrder, Err: errors.New("close called more than once")}
	}
	if err := f.closeRun(f.buffer); err != nil {
		return err
	}
	f.buffer = nil
	f.closed = true
	return nil
}

// GetRecipe returns the finished recipe. It is only legal after Close.
func (f *Finder) GetRecipe() (recipe.Recipe, error) {
	if !f.closed {
		return recipe.Recipe{}, &Error{Kind: BadInputOrder, Err: errors.New("get recipe called before close")}
	}
	pieces := f.pieces
	if pieces == nil {
		pieces = []recipe.Piece{}
	}
	return recipe.Recipe{
		MD5Sum: f.hasher.SumHex(),
		Size:   f.consumed,
		Method: recipe.MethodConcat,
		Pieces: pieces,
	}, nil
}

// SkippedMatches returns the number of candidate hits this finder
// abandoned because of a transient index or blob-store read failure
// (spec.md §7, StoreUnavailable). The ingest controller uses this to
// drive its store_unavailable metric.
func (f *Finder) SkippedMatches() int {
	return f.skipped
}
