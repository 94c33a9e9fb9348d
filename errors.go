// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package stm

import "errors"

var (
	// ErrInvalidArgs is returned by CreateRegion when size/align violate the
	// region-create contract (size a positive multiple of align, align a
	// power of 2 no smaller than a pointer).
	ErrInvalidArgs = errors.New("stm: invalid region size/alignment")

	// ErrClosed is returned by Begin, and by a second Destroy, once the
	// region has been destroyed.
	ErrClosed = errors.New("stm: region destroyed")

	// ErrNoMem is returned by Alloc when the region was constructed with
	// WithMaxArenaBytes and satisfying the request would exceed that bound.
	ErrNoMem = errors.New("stm: allocation failed")

	// ErrTxDone is returned when a caller invokes an operation on a Txn that
	// has already ended (committed or aborted).
	ErrTxDone = errors.New("stm: transaction already ended")
)
