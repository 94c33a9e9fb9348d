// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/FlazeNaive/gostm/wordstate"
)

// Region is the top-level handle to one shared memory arena: a
// non-freeable initial segment, a set of transactionally allocated segments,
// and the batcher that gates epoch membership for all of them. A Region owns
// every segment, shadow buffer, control array and the batcher outright;
// there is no state shared across Regions and no process-wide singleton.
type Region struct {
	align int
	size  int

	initial *segment
	wspace  wordstate.Space

	nextSegID uint64       // atomic
	segments  atomic.Value // *immutable.SortedMap[uint64, *segment]
	allocMu   sync.Mutex   // serializes arena mutation (alloc, commit sweep)

	maxArenaBytes int64 // 0 means unbounded
	arenaBytes    int64 // atomic; bytes held by transactionally allocated segments

	batcher *batcher
	metrics *regionMetrics
	logger  log.Logger

	destroyed uint32 // atomic
}

// RegionOpt configures a Region at construction time.
type RegionOpt func(*regionConfig)

type regionConfig struct {
	logger        log.Logger
	registry      prometheus.Registerer
	batchSize     uint64
	maxArenaBytes int64
}

// WithLogger sets the structured logger used for region/epoch lifecycle
// events. Defaults to a no-op logger.
func WithLogger(l log.Logger) RegionOpt {
	return func(c *regionConfig) { c.logger = l }
}

// WithRegistry sets the Prometheus registerer metrics are registered
// against. Defaults to a private registry so multiple Regions in one
// process never collide on metric names.
func WithRegistry(reg prometheus.Registerer) RegionOpt {
	return func(c *regionConfig) { c.registry = reg }
}

// WithBatchSize overrides BATCH_SIZE, the maximum number of writer
// transactions admitted into one epoch. The default is defaultBatchSize.
func WithBatchSize(n uint64) RegionOpt {
	return func(c *regionConfig) { c.batchSize = n }
}

// WithMaxArenaBytes bounds the total size of transactionally allocated
// segments a region will carry at once (the region's initial segment is not
// counted). Once the bound is reached, Alloc returns ErrNoMem until enough
// segments are reclaimed by a commit sweep to make room. Zero (the default)
// means unbounded.
func WithMaxArenaBytes(n int64) RegionOpt {
	return func(c *regionConfig) { c.maxArenaBytes = n }
}

// CreateRegion allocates a new shared memory region with one non-freeable
// initial segment of size bytes, word-aligned to align bytes. size must be a
// positive multiple of align; align must be a power of 2 no smaller than a
// pointer.
func CreateRegion(size, align int, opts ...RegionOpt) (*Region, error) {
	minAlign := int(unsafe.Sizeof(uintptr(0)))
	if align < minAlign || align&(align-1) != 0 {
		return nil, ErrInvalidArgs
	}
	if size <= 0 || size%align != 0 {
		return nil, ErrInvalidArgs
	}

	cfg := regionConfig{
		logger:    log.NewNopLogger(),
		registry:  prometheus.NewRegistry(),
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Region{
		align:         align,
		size:          size,
		metrics:       newRegionMetrics(cfg.registry),
		logger:        cfg.logger,
		wspace:        wordstate.NewSpace(cfg.batchSize),
		maxArenaBytes: cfg.maxArenaBytes,
	}
	r.initial = newSegment(0, size/align, align, 0)
	r.batcher = newBatcher(cfg.batchSize, r.metrics)
	r.batcher.logger = cfg.logger
	r.batcher.onCommit = r.commitEpoch
	r.segments.Store(&immutable.SortedMap[uint64, *segment]{})

	level.Info(r.logger).Log("msg", "region created", "size", size, "align", align,
		"batch_size", cfg.batchSize)
	return r, nil
}

// Destroy releases a region. The caller must ensure no transaction is in
// flight; Destroy does not itself wait for one.
func (r *Region) Destroy() error {
	if !atomic.CompareAndSwapUint32(&r.destroyed, 0, 1) {
		return ErrClosed
	}
	if !r.batcher.isIdle() {
		level.Error(r.logger).Log("msg", "region destroyed with transactions still active")
	}
	level.Info(r.logger).Log("msg", "region destroyed")
	return nil
}

func (r *Region) isDestroyed() bool {
	return atomic.LoadUint32(&r.destroyed) == 1
}

// Start returns the address of the first word of the region's initial
// segment.
func (r *Region) Start() Address {
	return Address{seg: r.initial, offset: 0}
}

// Size returns the byte size of the region's initial segment.
func (r *Region) Size() int { return r.size }

// Align returns the region's word alignment in bytes.
func (r *Region) Align() int { return r.align }

// Stats is a point-in-time snapshot of a region's batcher and segment
// arena.
type Stats struct {
	Epoch          uint64
	ActiveTx       int64
	WriteSlotsFree int64
	LiveSegments   int
}

// Stats returns a snapshot of the region's current epoch state.
func (r *Region) Stats() Stats {
	return Stats{
		Epoch:          atomic.LoadUint64(&r.batcher.epoch),
		ActiveTx:       atomic.LoadInt64(&r.batcher.active),
		WriteSlotsFree: atomic.LoadInt64(&r.batcher.writeSlots),
		LiveSegments:   r.loadSegments().Len() + 1, // +1 for the initial segment
	}
}

func (r *Region) loadSegments() *immutable.SortedMap[uint64, *segment] {
	return r.segments.Load().(*immutable.SortedMap[uint64, *segment])
}

// mutateSegments serializes a read-modify-write of the segment arena behind
// allocMu and publishes the result through the atomic.Value-held immutable
// snapshot.
func (r *Region) mutateSegments(fn func(*immutable.SortedMap[uint64, *segment]) *immutable.SortedMap[uint64, *segment]) {
	r.allocMu.Lock()
	defer r.allocMu.Unlock()
	r.segments.Store(fn(r.loadSegments()))
}

// allocSegment creates and registers a new provisional segment owned by tx.
// If the region was constructed with WithMaxArenaBytes, a request that would
// push the arena's transactionally allocated bytes past that bound is
// rejected with ErrNoMem rather than grown without limit.
func (r *Region) allocSegment(tx uint64, size int) (*segment, error) {
	if size <= 0 || size%r.align != 0 {
		return nil, ErrInvalidArgs
	}
	if r.maxArenaBytes > 0 {
		if atomic.AddInt64(&r.arenaBytes, int64(size)) > r.maxArenaBytes {
			atomic.AddInt64(&r.arenaBytes, -int64(size))
			r.metrics.allocFailures.Inc()
			return nil, ErrNoMem
		}
	}
	id := atomic.AddUint64(&r.nextSegID, 1)
	seg := newSegment(id, size/r.align, r.align, tx)
	r.mutateSegments(func(segs *immutable.SortedMap[uint64, *segment]) *immutable.SortedMap[uint64, *segment] {
		return segs.Set(id, seg)
	})
	r.metrics.segmentsAllocated.Inc()
	return seg, nil
}

// forEachSegment visits the initial segment and every allocated segment.
// Used by undo; commitEpoch walks the arena itself
// since it also needs to delete entries as it goes.
func (r *Region) forEachSegment(fn func(*segment)) {
	fn(r.initial)
	segs := r.loadSegments()
	it := segs.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		fn(seg)
	}
}

// commitEpoch is the batcher's designated-committer callback: for every
// segment, either sweep it (if tombstoned) or publish its shadow writes to
// data and reset its control array.
func (r *Region) commitEpoch() {
	r.initial.commit()
	r.mutateSegments(func(segs *immutable.SortedMap[uint64, *segment]) *immutable.SortedMap[uint64, *segment] {
		it := segs.Iterator()
		for !it.Done() {
			id, seg, _ := it.Next()
			if seg.isToDelete() {
				seg.markRemoved()
				segs = segs.Delete(id)
				r.metrics.segmentsReclaimed.Inc()
				if r.maxArenaBytes > 0 {
					atomic.AddInt64(&r.arenaBytes, -int64(seg.byteLen()))
				}
				continue
			}
			seg.commit()
		}
		return segs
	})
	r.metrics.commits.Inc()
	level.Debug(r.logger).Log("msg", "epoch committed", "epoch", atomic.LoadUint64(&r.batcher.epoch))
}

// undo reverses every effect tx has had on shared memory so far: restore
// shadow from data (and release the write lock) for every word tx wrote,
// retract tx's read marks, and tombstone every segment tx created.
func (r *Region) undo(tx uint64) {
	r.forEachSegment(func(seg *segment) {
		if seg.isToDelete() {
			return
		}
		if seg.getCreator() == tx {
			seg.markToDelete()
			return
		}
		step := seg.wordSize
		for w := 0; w < len(seg.control); w++ {
			control := &seg.control[w]
			tag, owner := r.wspace.Decode(wordstate.Load(control))
			if tag == wordstate.Writer && owner == tx {
				off := w * step
				// Restore shadow from data before releasing the lock: a
				// concurrent committer must never observe a lock-free word
				// whose shadow still holds the undone write.
				copy(seg.shadow[off:off+step], seg.data[off:off+step])
				r.wspace.ReleaseOwnedBy(control, tx)
			} else {
				r.wspace.RetractRead(control, tx)
			}
		}
	})
}
