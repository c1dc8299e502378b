// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"math/bits"

	"git.lukeshu.com/go/typedsync"
)

// slicePoolBuckets is enough power-of-two buckets to cover any slice
// that fits in memory.
const slicePoolBuckets = 64

// SlicePool is a pool of slices, bucketed by capacity so that a Get
// for a large slice is not satisfied by (and does not discard) a
// small one.  The zero SlicePool is ready to use.
//
// Slices returned by Get are not zeroed.
type SlicePool[T any] struct {
	buckets [slicePoolBuckets]typedsync.Pool[[]T]
}

// bucket returns the index of the smallest power-of-two capacity
// that is >= size.
func bucket(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len(uint(size - 1))
}

func (p *SlicePool[T]) Get(size int) []T {
	if size == 0 {
		return nil
	}
	b := bucket(size)
	ret, ok := p.buckets[b].Get()
	if ok && cap(ret) >= size {
		return ret[:size]
	}
	return make([]T, size, 1<<b)
}

func (p *SlicePool[T]) Put(slice []T) {
	if cap(slice) == 0 {
		return
	}
	// Only file the slice under a bucket it can fully satisfy.
	b := bits.Len(uint(cap(slice))) - 1
	p.buckets[b].Put(slice[:0])
}
