// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package stronghash computes the 128-bit strong hash that is the
// repository's authoritative identity for blocks and blobs.
//
// The wire format (see lib/recipe) pins this to lowercase-hex MD5: the
// well-known empty-string digest "d41d8cd98f00b204e9800998ecf8427e" is
// part of the external contract, not an implementation detail.
package stronghash

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
)

// Size is the length in bytes of a strong hash.
const Size = md5.Size

// Empty is the strong hash of the zero-length byte string.
const Empty = "d41d8cd98f00b204e9800998ecf8427e"

// Sum returns the lowercase-hex strong hash of data.
func Sum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Hasher accumulates a strong hash across multiple writes, used by the
// recipe finder to hash an entire input stream incrementally.
type Hasher struct {
	h hash.Hash
}

// New returns a Hasher ready to accept bytes.
func New() *Hasher {
	return &Hasher{h: md5.New()}
}

// Write implements io.Writer; it never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// SumHex returns the lowercase-hex digest of everything written so far.
func (h *Hasher) SumHex() string {
	return hex.EncodeToString(h.h.Sum(nil))
}
