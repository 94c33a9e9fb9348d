// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newBatcherForTest(t *testing.T, batchSize uint64) *batcher {
	t.Helper()
	return newBatcher(batchSize, newRegionMetrics(nil))
}

func TestBatcherReadOnlyNeverBlocksOnWriteSlots(t *testing.T) {
	b := newBatcherForTest(t, 1)
	// Occupy the only writer slot so a blocking reader would hang here.
	writer := b.begin(false)
	id := b.begin(true)
	require.Equal(t, RO, id)
	require.True(t, b.end(true))
	require.NotEqual(t, RO, writer)
	b.end(false)
}

func TestBatcherAdmitsAtMostBatchSizeWriters(t *testing.T) {
	// S7: with BATCH_SIZE writer slots open, a (BATCH_SIZE+1)th writer must
	// block until the epoch currently filling commits.
	const batchSize = 2
	b := newBatcherForTest(t, batchSize)

	var admitted int32
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < batchSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.begin(false)
			atomic.AddInt32(&admitted, 1)
			<-release
			b.end(false)
		}()
	}

	// Give the two writers a chance to be admitted before checking that a
	// third blocks.
	deadlineAdmitted := func() bool {
		for i := 0; i < 1000; i++ {
			if atomic.LoadInt32(&admitted) == batchSize {
				return true
			}
			time.Sleep(time.Millisecond)
		}
		return false
	}
	require.True(t, deadlineAdmitted())

	thirdAdmitted := make(chan struct{})
	go func() {
		b.begin(false)
		close(thirdAdmitted)
		b.end(false)
	}()

	select {
	case <-thirdAdmitted:
		t.Fatal("third writer admitted before BATCH_SIZE slots freed")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	wg.Wait()

	select {
	case <-thirdAdmitted:
	case <-time.After(time.Second):
		t.Fatal("third writer never admitted after epoch commit")
	}
}

func TestBatcherEpochAdvancesOnLastDeparture(t *testing.T) {
	b := newBatcherForTest(t, 1)
	startEpoch := atomic.LoadUint64(&b.epoch)

	id := b.begin(false)
	require.NotEqual(t, RO, id)
	b.end(false)

	require.Equal(t, startEpoch+1, atomic.LoadUint64(&b.epoch))
}

func TestBatcherOnCommitRunsExactlyOnceOnLastDeparture(t *testing.T) {
	b := newBatcherForTest(t, 2)
	var commits int32
	b.onCommit = func() { atomic.AddInt32(&commits, 1) }

	// Both writers are admitted before either departs, so they share one
	// epoch and only the second departure commits.
	var begun sync.WaitGroup
	begun.Add(2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.begin(false)
			begun.Done()
			begun.Wait()
			b.end(false)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&commits))
}

func TestBatcherTicketGateAdmitsEveryTransaction(t *testing.T) {
	// Read-only begin/end pairs never wait on write slots, so this
	// exercises only the ticket gate; it verifies every goroutine eventually
	// gets admitted and departs exactly once rather than deadlocking or
	// double-counting. Admission order is not checked.
	b := newBatcherForTest(t, 1000)
	const n = 50
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			b.begin(true)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			b.end(true)
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, order, n)
}
