// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import "sync/atomic"

// segment is one contiguous transactional memory block: a committed "data"
// buffer, a speculative "shadow" buffer for the current epoch's uncommitted
// writes, and one control word per memory word. Segments are reachable only
// through a Region's segment arena (region.go) — there are no cross-segment
// pointers.
//
// A segment carries no list pointers of its own: the region's
// immutable.SortedMap arena (keyed by id) plays that role.
type segment struct {
	id       uint64
	size     int // word count
	wordSize int // bytes per word, equal to the owning region's alignment

	data    []byte
	shadow  []byte
	control []uint64 // one tri-state tag per word; see package wordstate

	creator  uint64 // atomic; tx id that allocated this segment, or 0 (FREE)
	toDelete uint32 // atomic bool; set once some tx this epoch requested free
	removed  uint32 // atomic bool; set once commitEpoch has swept this segment
}

func newSegment(id uint64, wordCount, wordSize int, creator uint64) *segment {
	return &segment{
		id:       id,
		size:     wordCount,
		wordSize: wordSize,
		data:     make([]byte, wordCount*wordSize),
		shadow:   make([]byte, wordCount*wordSize),
		control:  make([]uint64, wordCount),
		creator:  creator,
	}
}

func (s *segment) byteLen() int { return s.size * s.wordSize }

func (s *segment) wordIndex(offset int) int { return offset / s.wordSize }

func (s *segment) getCreator() uint64 { return atomic.LoadUint64(&s.creator) }

func (s *segment) clearCreator() { atomic.StoreUint64(&s.creator, 0) }

func (s *segment) markToDelete() { atomic.StoreUint32(&s.toDelete, 1) }

func (s *segment) isToDelete() bool { return atomic.LoadUint32(&s.toDelete) == 1 }

func (s *segment) markRemoved() { atomic.StoreUint32(&s.removed, 1) }

func (s *segment) isRemoved() bool { return atomic.LoadUint32(&s.removed) == 1 }

// commit publishes this epoch's shadow writes to data and releases every
// lock and read mark in one stroke by zeroing the control array.
func (s *segment) commit() {
	copy(s.data, s.shadow)
	for i := range s.control {
		atomic.StoreUint64(&s.control[i], 0)
	}
	s.clearCreator()
}

// Address is the Go-idiomatic stand-in for the C ABI's raw void* addresses:
// an opaque handle pairing the owning segment with a byte offset into it.
// Region.Start and Txn.Alloc are the only ways to obtain one; Plus lets a
// caller step through a multi-word allocation the way pointer arithmetic
// would in the original.
type Address struct {
	seg    *segment
	offset int
}

// Plus returns the address n bytes further into the same segment.
func (a Address) Plus(n int) Address {
	return Address{seg: a.seg, offset: a.offset + n}
}

func (a Address) valid() bool { return a.seg != nil }
