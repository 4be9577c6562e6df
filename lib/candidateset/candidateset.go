// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package candidateset implements the cheap membership prefilter over
// 32-bit rolling-hash values of known blocks: a Bloom-like structure
// where membership is necessary but not sufficient to declare a match.
package candidateset

import (
	"fmt"
	"math"

	"github.com/greatroar/blobloom"

	"github.com/blockvault/blockvault/lib/blockindex"
)

// Set is a blocked Bloom filter over rolling-hash values, sized for an
// expected element count and a target false-positive rate.
type Set struct {
	filter *blobloom.Filter
}

// New returns a Set sized to hold about n elements at false-positive
// rate fpRate (e.g. 0.01 for the ≤1% spec.md allows). n and fpRate are
// both lower-bounded to sane minimums so a zero value doesn't panic.
func New(n int, fpRate float64) *Set {
	if n < 1 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	nbits := optimalNBits(n, fpRate)
	nhashes := optimalNHashes(nbits, n)
	return &Set{filter: blobloom.New(nbits, nhashes)}
}

// optimalNBits and optimalNHashes follow the standard Bloom filter
// sizing formulas (see blobloom's own package doc): m = -n*ln(p)/ln(2)^2,
// k = round(m/n * ln(2)). blobloom.New rounds m up to a multiple of
// BlockBits and k down to at least 2 on its own.
func optimalNBits(n int, fpRate float64) uint64 {
	m := -float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2)
	return uint64(math.Ceil(m))
}

func optimalNHashes(nbits uint64, n int) int {
	k := float64(nbits) / float64(n) * math.Ln2
	return int(math.Round(k))
}

// Add records h as a candidate block hash.
func (s *Set) Add(h uint32) {
	s.filter.Add(expand(h))
}

// Contains reports whether h might be a known block hash. False
// positives are expected and resolved by strong-hash verification;
// false negatives never occur.
func (s *Set) Contains(h uint32) bool {
	return s.filter.Has(expand(h))
}

// LoadFromIndex rebuilds a Set from every distinct rolling-hash value
// currently committed to idx (spec.md §3: "the candidate set is
// rebuilt or loaded from the index at session start"), sized for
// fpRate. idx is drained twice: once to count the distinct values for
// sizing, once to populate the filter, since blobloom's filter size is
// fixed at construction.
func LoadFromIndex(idx *blockindex.Index, fpRate float64) (*Set, error) {
	n := 0
	counter := idx.RollingHashes()
	for counter.Next() {
		n++
	}
	counter.Release()
	if err := counter.Err(); err != nil {
		return nil, fmt.Errorf("candidateset: count known blocks: %w", err)
	}

	s := New(n, fpRate)
	it := idx.RollingHashes()
	defer it.Release()
	for it.Next() {
		s.Add(it.Value())
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("candidateset: load known blocks: %w", err)
	}
	return s, nil
}

// expand derives a well-distributed 64-bit value from a 32-bit rolling
// hash so it can drive blobloom's two independent 32-bit sub-hashes
// (blobloom splits its input into upper/lower halves). This is a
// splitmix64-style multiply/xor-shift mix of h; it is not a hash-quality concern of the rolling hash
// itself, only glue between two hash widths.
func expand(h uint32) uint64 {
	x := uint64(h) * 0x9E3779B97F4A7C15
	x ^= x >> 32
	x *= 0xBF58476D1CE4E5B9
	x ^= x >> 29
	return x
}
