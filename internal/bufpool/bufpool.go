// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch slices used to coalesce outbound frames
// into a single transport write.
package bufpool

import "sync"

const (
	// DefaultSize is the capacity of freshly allocated slices.
	DefaultSize = 32 * 1024

	maxPooledCap = 256 * 1024
)

var pool = sync.Pool{New: func() any {
	b := make([]byte, 0, DefaultSize)
	return &b
}}

// Get returns an empty slice with at least DefaultSize capacity.
func Get() *[]byte {
	b := pool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// Put returns b to the pool. Slices that grew beyond the pooling limit are
// dropped so a single large batch does not pin memory.
func Put(b *[]byte) {
	if b == nil || cap(*b) > maxPooledCap {
		return
	}
	pool.Put(b)
}
