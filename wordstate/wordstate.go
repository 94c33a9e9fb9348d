// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package wordstate encodes the per-memory-word control tag used by the STM's
// dual-version protocol: a word is either FREE, speculatively written by one
// writer transaction, or read-marked by one reading transaction.
package wordstate

import "sync/atomic"

// Tag is the decoded classification of a raw control word.
type Tag int

const (
	// Free means no transaction has claimed the word in the current epoch.
	Free Tag = iota
	// Writer means the word's new value lives in the owning segment's shadow
	// buffer, written by the returned transaction id.
	Writer
	// Reader means the word has been read (and pinned against writers) by
	// some transaction in the current epoch.
	Reader
)

// Space fixes the three-valued control-word encoding for one batcher
// configuration. BatchOffset must strictly exceed the largest writer id the
// batcher can hand out in a single epoch (its BATCH_SIZE), so writer
// encodings (1..BatchOffset-1) and reader encodings (BatchOffset+1..) never
// collide. Zero is reserved for Free.
type Space struct {
	BatchOffset uint64
}

// NewSpace builds a Space sized for batchSize concurrent writers per epoch.
func NewSpace(batchSize uint64) Space {
	return Space{BatchOffset: batchSize + 1}
}

// WriterTag encodes tx as a writer-owned control word.
func (s Space) WriterTag(tx uint64) uint64 {
	return tx
}

// ReaderTag encodes tx as a reader-marked control word.
func (s Space) ReaderTag(tx uint64) uint64 {
	return tx + s.BatchOffset
}

// Decode classifies a raw control word and extracts the owning transaction id
// (meaningless when the tag is Free).
func (s Space) Decode(raw uint64) (Tag, uint64) {
	switch {
	case raw == 0:
		return Free, 0
	case raw > s.BatchOffset:
		return Reader, raw - s.BatchOffset
	default:
		return Writer, raw
	}
}

// TryAcquireRead attempts to mark control as read by tx: either the word is
// FREE and becomes read-marked by tx, or it already carries tx's own read
// mark and the attempt is a trivial success. It reports false if a writer
// already owns the word or another transaction has read-marked it.
func (s Space) TryAcquireRead(control *uint64, tx uint64) bool {
	want := s.ReaderTag(tx)
	if atomic.CompareAndSwapUint64(control, 0, want) {
		return true
	}
	return atomic.LoadUint64(control) == want
}

// TryAcquireWrite attempts to lock control for writing by tx: from FREE, from
// an existing write lock already held by tx (idempotent), or upgraded from
// tx's own read mark. It reports false if some other transaction holds the
// word.
func (s Space) TryAcquireWrite(control *uint64, tx uint64) bool {
	want := s.WriterTag(tx)
	if atomic.CompareAndSwapUint64(control, 0, want) {
		return true
	}
	if atomic.LoadUint64(control) == want {
		return true
	}
	readMark := s.ReaderTag(tx)
	return atomic.CompareAndSwapUint64(control, readMark, want)
}

// Release resets control to FREE unconditionally. Used to roll back a
// partially-acquired write lock within a single write call.
func Release(control *uint64) {
	atomic.StoreUint64(control, 0)
}

// ReleaseOwnedBy resets control to FREE only if it is currently the writer
// tag for tx (used by Undo once the shadow buffer has already been restored).
func (s Space) ReleaseOwnedBy(control *uint64, tx uint64) {
	atomic.CompareAndSwapUint64(control, s.WriterTag(tx), 0)
}

// RetractRead clears tx's read mark, if present, without disturbing a writer.
func (s Space) RetractRead(control *uint64, tx uint64) {
	atomic.CompareAndSwapUint64(control, s.ReaderTag(tx), 0)
}

// Load reads the raw control word for inspection (tests, stats).
func Load(control *uint64) uint64 {
	return atomic.LoadUint64(control)
}
