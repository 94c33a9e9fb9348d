// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"sync/atomic"

	"github.com/go-kit/log/level"

	"github.com/FlazeNaive/gostm/wordstate"
)

// Txn is a handle to one in-flight transaction. It is not safe for
// concurrent use by multiple goroutines: one goroutine is expected to drive
// one transaction from Begin through End.
type Txn struct {
	region   *Region
	id       uint64
	readOnly bool
	done     uint32 // atomic bool
}

// Begin admits a new transaction into the region's current or next epoch.
// readOnly transactions never block on write-slot admission and their reads
// never conflict, so Read never self-aborts a read-only Txn.
func (r *Region) Begin(readOnly bool) (*Txn, error) {
	if r.isDestroyed() {
		return nil, ErrClosed
	}
	id := r.batcher.begin(readOnly)
	return &Txn{region: r, id: id, readOnly: readOnly}, nil
}

func (t *Txn) ended() bool { return atomic.LoadUint32(&t.done) == 1 }

// Read copies len(dst) bytes starting at src into dst. A writer transaction
// reading a word it does not itself hold for writing must mark the word as
// read before it may proceed, and self-aborts if another transaction holds
// the word for writing or has already read-marked it. Read-only transactions always read straight from
// the committed data buffer.
func (t *Txn) Read(src Address, dst []byte) error {
	if t.ended() {
		return ErrTxDone
	}
	if !src.valid() {
		return ErrInvalidArgs
	}
	seg := src.seg
	if seg.isRemoved() {
		return ErrInvalidArgs
	}
	step := seg.wordSize
	n := len(dst)
	if src.offset < 0 || src.offset+n > seg.byteLen() || n%step != 0 {
		return ErrInvalidArgs
	}

	if t.readOnly {
		copy(dst, seg.data[src.offset:src.offset+n])
		return nil
	}

	wspace := t.region.wspace
	startWord := seg.wordIndex(src.offset)
	wordCount := n / step

	for w := startWord; w < startWord+wordCount; w++ {
		control := &seg.control[w]
		tag, owner := wspace.Decode(wordstate.Load(control))
		switch {
		case tag == wordstate.Writer && owner == t.id:
			// already hold the write lock: read our own shadow copy
			off := w * step
			copy(dst[(w-startWord)*step:(w-startWord+1)*step], seg.shadow[off:off+step])
		case tag == wordstate.Writer:
			t.selfAbort("read")
			return ErrTxDone
		default:
			if !wspace.TryAcquireRead(control, t.id) {
				t.selfAbort("read")
				return ErrTxDone
			}
			off := w * step
			copy(dst[(w-startWord)*step:(w-startWord+1)*step], seg.data[off:off+step])
		}
	}
	return nil
}

// Write copies src into len(src) bytes starting at dst. Each word must be
// acquired (FREE->owned, or already owned by this tx) in order, and on the
// first word that cannot be acquired, every word already acquired by this
// call is released back to FREE before self-aborting.
func (t *Txn) Write(dst Address, src []byte) error {
	if t.ended() {
		return ErrTxDone
	}
	if t.readOnly {
		return ErrInvalidArgs
	}
	if !dst.valid() {
		return ErrInvalidArgs
	}
	seg := dst.seg
	if seg.isRemoved() {
		return ErrInvalidArgs
	}
	step := seg.wordSize
	n := len(src)
	if dst.offset < 0 || dst.offset+n > seg.byteLen() || n%step != 0 {
		return ErrInvalidArgs
	}

	wspace := t.region.wspace
	startWord := seg.wordIndex(dst.offset)
	wordCount := n / step

	for i := 0; i < wordCount; i++ {
		w := startWord + i
		if !wspace.TryAcquireWrite(&seg.control[w], t.id) {
			for j := 0; j < i; j++ {
				wordstate.Release(&seg.control[startWord+j])
			}
			t.selfAbort("write")
			return ErrTxDone
		}
	}
	for i := 0; i < wordCount; i++ {
		off := (startWord + i) * step
		copy(seg.shadow[off:off+step], src[i*step:(i+1)*step])
	}
	return nil
}

// AllocResult is returned by Alloc: the address of the new segment. Whether
// the request succeeded is reported by Alloc's error.
type AllocResult struct {
	Addr Address
}

// Alloc allocates a new segment of size bytes, owned by this transaction
// until commit. The segment becomes permanently part of the region only if
// the transaction that created it commits; otherwise End (on abort) or
// undo tombstones it for reclamation at the next commit.
func (t *Txn) Alloc(size int) (AllocResult, error) {
	if t.ended() {
		return AllocResult{}, ErrTxDone
	}
	if t.readOnly {
		return AllocResult{}, ErrInvalidArgs
	}
	seg, err := t.region.allocSegment(t.id, size)
	if err != nil {
		return AllocResult{}, err
	}
	return AllocResult{Addr: Address{seg: seg, offset: 0}}, nil
}

// Free tombstones the segment containing addr so it is reclaimed at the
// next commit. Any writer holding a valid Address may free it, including
// one that did not allocate the segment itself; freeing an
// already-tombstoned segment is a no-op. The region's initial segment cannot
// be freed: Free returns ErrInvalidArgs for it.
func (t *Txn) Free(addr Address) error {
	if t.ended() {
		return ErrTxDone
	}
	if t.readOnly {
		return ErrInvalidArgs
	}
	if !addr.valid() || addr.seg == t.region.initial {
		return ErrInvalidArgs
	}
	addr.seg.markToDelete()
	return nil
}

// End commits or (on commit == false) aborts the transaction, running
// undo first when aborting, then leaves the epoch via the batcher's exit
// protocol. End is idempotent: calling it twice returns ErrTxDone the
// second time without effect.
func (t *Txn) End(commit bool) error {
	if !atomic.CompareAndSwapUint32(&t.done, 0, 1) {
		return ErrTxDone
	}
	if !t.readOnly && !commit {
		t.region.undo(t.id)
		t.region.metrics.aborts.WithLabelValues("explicit").Inc()
	}
	t.region.batcher.end(t.readOnly)
	return nil
}

// selfAbort is invoked internally when a conflicting access is detected
// mid-transaction. It runs undo and leaves the epoch exactly as an
// explicit abort via End(false) would, then marks the Txn done so a
// subsequent caller-issued End is a no-op.
func (t *Txn) selfAbort(op string) {
	if !atomic.CompareAndSwapUint32(&t.done, 0, 1) {
		return
	}
	t.region.undo(t.id)
	t.region.metrics.aborts.WithLabelValues(op).Inc()
	level.Debug(t.region.logger).Log("msg", "transaction self-aborted", "op", op, "tx", t.id)
	t.region.batcher.end(t.readOnly)
}
