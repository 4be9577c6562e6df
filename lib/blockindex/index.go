// Copyright (C) 2015 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package blockindex implements the persistent block-location index: a
// durable map from strong block hash to one or more (source blob,
// offset) locations, with staged writes committed atomically alongside
// the rest of an ingest transaction.
package blockindex

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Location is one recorded (source blob, offset) pair for a strong hash.
type Location struct {
	SourceBlobID string
	Offset       int64
}

const (
	locPrefix  = "L\x00"
	metaPrefix = "M\x00"

	metaKeyBlockSize = metaPrefix + "block_size"
	metaKeyDedupOn   = metaPrefix + "dedup_enabled"
)

// Index is a leveldb-backed block-location index. It is safe for
// concurrent reads; writes are staged through Stage and made visible
// only by Batch.Commit.
type Index struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) a block-location index at path on
// disk.
func Open(path string) (*Index, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("blockindex: open %s: %w", path, err)
	}
	return &Index{db: db}, nil
}

// OpenMemory opens a transient, in-memory index, useful for tests.
func OpenMemory() (*Index, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("blockindex: open memory store: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// GetLocations returns all known locations for strongHash, ordered
// deterministically: by ascending SourceBlobID, then ascending Offset
// (spec.md §9's suggested tie-break for debuggability).
func (idx *Index) GetLocations(strongHash string) ([]Location, error) {
	prefix := []byte(locPrefix + strongHash + "\x00")
	it := idx.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var locs []Location
	for it.Next() {
		blobID, offset, err := decodeLocKey(it.Key(), len(prefix))
		if err != nil {
			return nil, fmt.Errorf("blockindex: corrupt key: %w", err)
		}
		locs = append(locs, Location{SourceBlobID: blobID, Offset: offset})
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("blockindex: iterate %x: %w", strongHash, err)
	}

	sort.Slice(locs, func(i, j int) bool {
		if locs[i].SourceBlobID != locs[j].SourceBlobID {
			return locs[i].SourceBlobID < locs[j].SourceBlobID
		}
		return locs[i].Offset < locs[j].Offset
	})
	return locs, nil
}

// Meta returns the block size and dedup flag recorded when this index
// was first created, and whether any metadata has been recorded yet.
func (idx *Index) Meta() (blockSize int, dedupEnabled bool, ok bool, err error) {
	bs, err := idx.db.Get([]byte(metaKeyBlockSize), nil)
	if err == leveldb.ErrNotFound {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("blockindex: read metadata: %w", err)
	}
	on, err := idx.db.Get([]byte(metaKeyDedupOn), nil)
	if err != nil {
		return 0, false, false, fmt.Errorf("blockindex: read metadata: %w", err)
	}
	return int(binary.BigEndian.Uint32(bs)), on[0] != 0, true, nil
}

// SetMeta records the block size and dedup flag this index was created
// with. It is idempotent; callers are expected to call it only once, at
// repository-creation time.
func (idx *Index) SetMeta(blockSize int, dedupEnabled bool) error {
	var bs [4]byte
	binary.BigEndian.PutUint32(bs[:], uint32(blockSize))
	on := byte(0)
	if dedupEnabled {
		on = 1
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(metaKeyBlockSize), bs[:])
	batch.Put([]byte(metaKeyDedupOn), []byte{on})
	if err := idx.db.Write(batch, nil); err != nil {
		return fmt.Errorf("blockindex: write metadata: %w", err)
	}
	return nil
}

// RollingHashes returns an iterator over the distinct rolling-hash
// values of every committed block, used to seed a fresh candidate set
// at session start.
func (idx *Index) RollingHashes() *HashIterator {
	it := idx.db.NewIterator(util.BytesPrefix([]byte(locPrefix)), nil)
	return &HashIterator{it: it, seen: make(map[uint32]struct{})}
}

// HashIterator walks the distinct rolling-hash values recorded in the
// index, de-duplicating repeats.
type HashIterator struct {
	it   iterator
	seen map[uint32]struct{}
	cur  uint32
}

type iterator interface {
	Next() bool
	Value() []byte
	Error() error
	Release()
}

// Next advances the iterator. It returns false at end of iteration or
// on error; call Err to distinguish the two.
func (h *HashIterator) Next() bool {
	for h.it.Next() {
		v := h.it.Value()
		if len(v) != 4 {
			continue
		}
		rh := binary.BigEndian.Uint32(v)
		if _, dup := h.seen[rh]; dup {
			continue
		}
		h.seen[rh] = struct{}{}
		h.cur = rh
		return true
	}
	return false
}

// Value returns the rolling hash at the iterator's current position.
func (h *HashIterator) Value() uint32 { return h.cur }

// Err returns any error encountered during iteration.
func (h *HashIterator) Err() error { return h.it.Error() }

// Release releases resources associated with the iterator.
func (h *HashIterator) Release() { h.it.Release() }

// Batch is a staged set of writes to the index, made durable and
// visible only by Commit, or discarded entirely by Rollback.
type Batch struct {
	tx *leveldb.Transaction
}

// Stage opens a new staging area for writes. Only one Batch may be open
// against an Index at a time; Stage blocks until any previously opened
// Batch is committed or rolled back, which is the repository's
// serialization point (spec.md §5).
func (idx *Index) Stage() (*Batch, error) {
	tx, err := idx.db.OpenTransaction()
	if err != nil {
		return nil, fmt.Errorf("blockindex: stage: %w", err)
	}
	return &Batch{tx: tx}, nil
}

// AddBlock records a location within the batch. It is idempotent by
// (strongHash, sourceBlobID, offset): re-adding the same triple is a
// no-op overwrite of an identical value.
func (b *Batch) AddBlock(strongHash, sourceBlobID string, offset int64, rollingHash uint32) error {
	key := encodeLocKey(strongHash, sourceBlobID, offset)
	var val [4]byte
	binary.BigEndian.PutUint32(val[:], rollingHash)
	if err := b.tx.Put(key, val[:], nil); err != nil {
		return fmt.Errorf("blockindex: stage block: %w", err)
	}
	return nil
}

// Commit makes every staged write in the batch atomically visible.
func (b *Batch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("blockindex: commit: %w", err)
	}
	return nil
}

// Rollback discards every staged write in the batch.
func (b *Batch) Rollback() {
	b.tx.Discard()
}

func encodeLocKey(strongHash, sourceBlobID string, offset int64) []byte {
	buf := make([]byte, 0, len(locPrefix)+len(strongHash)+1+len(sourceBlobID)+1+8)
	buf = append(buf, locPrefix...)
	buf = append(buf, strongHash...)
	buf = append(buf, 0)
	buf = append(buf, sourceBlobID...)
	buf = append(buf, 0)
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], uint64(offset))
	buf = append(buf, off[:]...)
	return buf
}

func decodeLocKey(key []byte, blobStart int) (blobID string, offset int64, err error) {
	rest := key[blobStart:]
	sep := -1
	for i, c := range rest {
		if c == 0 {
			sep = i
			break
		}
	}
	if sep < 0 || len(rest) != sep+1+8 {
		return "", 0, fmt.Errorf("malformed location key %x", key)
	}
	blobID = string(rest[:sep])
	offset = int64(binary.BigEndian.Uint64(rest[sep+1:]))
	return blobID, offset, nil
}
