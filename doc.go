// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package stm is a software transactional memory library. It gives callers
// a shared memory Region in which concurrent Txns appear to execute
// atomically and in isolation, without taking any blocking lock on the hot
// path.
//
// Concurrency is epoch-based. A bounded batch of writer transactions, plus
// any number of readers, are admitted into each epoch by a ticket-ordered
// batcher (see batcher.go). Every writer's updates land in a private shadow
// buffer; only at the epoch's commit boundary, performed by whichever
// transaction is last to leave, do those writes become visible in the
// segment's data buffer (see segment.go, region.go). A transaction that
// loses a conflicting access to a word it needs undoes its own effects and
// leaves the epoch through the batcher's exit protocol instead of waiting
// for the word; like any departing writer, it returns only once the epoch
// has committed (see txn.go).
//
// A typical use:
//
//	region, err := stm.CreateRegion(4096, 8)
//	...
//	tx, err := region.Begin(false)
//	...
//	if err := tx.Write(region.Start(), buf); err != nil {
//	    // tx already ended itself; nothing further to undo
//	    return err
//	}
//	if err := tx.End(true); err != nil {
//	    ...
//	}
package stm
