// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hintsel maps placement hints onto a fixed number of buckets
// (writers or allocators), deterministically.
package hintsel

import (
	"encoding/binary"
	"fmt"

	"github.com/minio/highwayhash"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

var key = []byte("segstore-ng placement hint key!!")

// Selector picks one of n buckets for a hint; the return value is in
// [0, n).
type Selector func(hint segaddr.PlacementHint, n int) int

// Pick returns the bucket in [0, n) that hint maps to.  Different
// salts give independent mappings of the same hints.  Growing n
// moves as few hints as possible.
func Pick(hint segaddr.PlacementHint, salt uint64, n int) int {
	if n <= 0 {
		panic(fmt.Errorf("hintsel.Pick: invalid bucket count %d", n))
	}
	var dat [9]byte
	dat[0] = byte(hint)
	binary.LittleEndian.PutUint64(dat[1:], salt)
	return int(jump(highwayhash.Sum64(dat[:], key), int32(n)))
}

// Salted returns a Selector that calls Pick with the given salt.
func Salted(salt uint64) Selector {
	return func(hint segaddr.PlacementHint, n int) int {
		return Pick(hint, salt, n)
	}
}

// jump is Lamping and Veach's jump consistent hash.
func jump(key uint64, numBuckets int32) int32 {
	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int32(b)
}
