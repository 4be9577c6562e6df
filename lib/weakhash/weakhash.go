// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package weakhash implements the rolling-hash engine used as a cheap
// prefilter over a sliding window of fixed size.
package weakhash

import (
	"github.com/chmduquesne/rollinghash/adler32"
)

// Engine maintains an Adler-32 rolling hash over the most recent Size
// bytes fed to it. It must be fed byte-by-byte via Feed; Current is only
// meaningful once Primed reports true.
type Engine struct {
	hf      *adler32.Adler32
	size    int
	pending []byte
	primed  bool
}

// New returns an Engine for a window of the given size. Size must be a
// positive number of bytes (the repository's block size).
func New(size int) *Engine {
	return &Engine{
		hf:      adler32.New(),
		size:    size,
		pending: make([]byte, 0, size),
	}
}

// Feed admits one more byte of input into the window.
//
// The first Size calls accumulate the initial window; subsequent calls
// roll the hash forward one byte at a time. The engine is never reset:
// once primed, it stays primed for the engine's lifetime, matching the
// streaming finder's requirement that matching is naturally suppressed
// until a fresh window has been seen again after a match.
func (e *Engine) Feed(b byte) {
	if !e.primed {
		e.pending = append(e.pending, b)
		if len(e.pending) == e.size {
			e.hf.Write(e.pending)
			e.primed = true
			e.pending = nil
		}
		return
	}
	e.hf.Roll(b)
}

// Primed reports whether at least Size bytes have been fed, i.e.
// whether Current is meaningful.
func (e *Engine) Primed() bool {
	return e.primed
}

// Current returns the rolling hash of the last Size bytes fed. Its
// result is undefined if Primed is false.
func (e *Engine) Current() uint32 {
	return e.hf.Sum32()
}

// BulkSum computes the rolling hash of a known buffer in one shot. It
// must agree with the value Engine would produce after being fed buf's
// bytes in order, so that block locations recorded at index-build time
// (via BulkSum) match the incremental value observed while scanning.
func BulkSum(buf []byte) uint32 {
	hf := adler32.New()
	hf.Write(buf)
	return hf.Sum32()
}
