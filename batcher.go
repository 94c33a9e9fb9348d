// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// defaultBatchSize is BATCH_SIZE, the maximum number of writers admitted
// into a single epoch. Override with WithBatchSize.
const defaultBatchSize = 2

// RO is the transaction id returned by Begin for read-only transactions. It
// is chosen far outside the range of writer ids (small positive integers
// reassigned from 1 each epoch) so it can never collide with one.
const RO uint64 = ^uint64(0)

// batcher is the epoch synchronizer: it admits transactions in ticket order,
// bounds writer concurrency to BATCH_SIZE per epoch, and designates exactly
// one departing transaction per writing epoch (the last to leave, reader or
// writer) to run the commit pass. Every field is
// accessed only through sync/atomic — the only serialization point in the
// whole protocol is the ticket gate (awaitTicket), touched once on entry and
// once on exit per transaction.
type batcher struct {
	timestamp uint64 // next ticket to hand out, shared by begin and end
	next      uint64 // ticket currently admitted into the critical section
	epoch     uint64 // current epoch number, incremented on each commit
	active    int64  // transactions active in the current epoch
	writeSlots int64 // remaining writer admissions this epoch
	writing    uint32 // 1 once a writer has been admitted this epoch
	writerSeq  uint64 // writer id counter, reset to 0 at each commit

	epochStartNano int64 // set when the first writer of an epoch is admitted

	batchSize int64

	onCommit func()
	metrics  *regionMetrics
	logger   log.Logger
}

func newBatcher(batchSize uint64, metrics *regionMetrics) *batcher {
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	return &batcher{
		writeSlots: int64(batchSize),
		batchSize:  int64(batchSize),
		metrics:    metrics,
		logger:     log.NewNopLogger(),
	}
}

func (b *batcher) takeTicket() uint64 {
	return atomic.AddUint64(&b.timestamp, 1) - 1
}

func (b *batcher) awaitTicket(t uint64) {
	for atomic.LoadUint64(&b.next) != t {
		runtime.Gosched()
	}
}

func (b *batcher) advance() {
	atomic.AddUint64(&b.next, 1)
}

func (b *batcher) publishGauges() {
	b.metrics.activeTx.Set(float64(atomic.LoadInt64(&b.active)))
	b.metrics.writeSlotsFree.Set(float64(atomic.LoadInt64(&b.writeSlots)))
}

func (b *batcher) isIdle() bool {
	return atomic.LoadInt64(&b.active) == 0
}

// begin admits one transaction into the batcher, blocking until a ticket
// slot (and, for writers, a writer slot) is available.
func (b *batcher) begin(readOnly bool) uint64 {
	for {
		t := b.takeTicket()
		b.awaitTicket(t)

		if readOnly {
			atomic.AddInt64(&b.active, 1)
			b.publishGauges()
			b.advance()
			return RO
		}

		if atomic.LoadInt64(&b.writeSlots) > 0 {
			atomic.AddInt64(&b.writeSlots, -1)
			atomic.AddInt64(&b.active, 1)
			if atomic.SwapUint32(&b.writing, 1) == 0 {
				atomic.StoreInt64(&b.epochStartNano, time.Now().UnixNano())
			}
			txid := atomic.AddUint64(&b.writerSeq, 1)
			b.metrics.writersAdmitted.Inc()
			b.publishGauges()
			b.advance()
			return txid
		}

		// This epoch's writer slots are full. Leave the admission section
		// and wait for the next epoch to open before retrying from the top.
		e := atomic.LoadUint64(&b.epoch)
		b.metrics.writersBlocked.Inc()
		level.Debug(b.logger).Log("msg", "writer blocked, waiting for next epoch", "epoch", e)
		b.advance()
		for atomic.LoadUint64(&b.epoch) == e {
			runtime.Gosched()
		}
	}
}

// end departs one transaction from the batcher. readOnly must match the
// flag the caller's transaction was begun with.
func (b *batcher) end(readOnly bool) bool {
	t := b.takeTicket()
	b.awaitTicket(t)

	remaining := atomic.AddInt64(&b.active, -1)

	if remaining == 0 && atomic.LoadUint32(&b.writing) == 1 {
		startNano := atomic.LoadInt64(&b.epochStartNano)
		if b.onCommit != nil {
			b.onCommit()
		}
		if startNano > 0 {
			b.metrics.epochDuration.Observe(time.Since(time.Unix(0, startNano)).Seconds())
		}
		atomic.StoreInt64(&b.writeSlots, b.batchSize)
		atomic.StoreUint64(&b.writerSeq, 0)
		atomic.StoreUint32(&b.writing, 0)
		atomic.AddUint64(&b.epoch, 1)
		b.metrics.epochs.Inc()
		b.publishGauges()
		b.advance()
		return true
	}

	if readOnly {
		b.publishGauges()
		b.advance()
		return true
	}

	// A writer, but not the last departure: block until this epoch commits
	// so our shadow writes are visible to the caller before End returns.
	e := atomic.LoadUint64(&b.epoch)
	b.publishGauges()
	b.advance()
	for atomic.LoadUint64(&b.epoch) == e {
		runtime.Gosched()
	}
	return true
}
