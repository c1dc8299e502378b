// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segcache

import (
	"sync"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

type TxnID uint64

// TxnStats are the counters kept by a Transaction.
type TxnStats struct {
	Inline         int `json:"inline"`
	OOL            int `json:"ool"`
	DelayedInvalid int `json:"delayed_invalid"`
}

// Transaction is the write set that extents are allocated into.  It
// is safe for concurrent use; out-of-line writers running in parallel
// all report back into the same Transaction.
type Transaction struct {
	id TxnID

	mu       sync.Mutex
	nextTemp segaddr.SegmentOff
	delayed  []*Extent
	inline   []*Extent
	ool      []*Extent
	stats    TxnStats
}

func (txn *Transaction) ID() TxnID { return txn.id }

// allocTemp returns a placeholder address that is unique within the
// transaction.
func (txn *Transaction) allocTemp(length segaddr.AddrDelta) segaddr.PhysicalAddr {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	ret := segaddr.PhysicalAddr{
		Seg: segaddr.TempSegmentID,
		Off: txn.nextTemp,
	}
	if length < 1 {
		length = 1
	}
	txn.nextTemp = txn.nextTemp.Add(length)
	return ret
}

// DelayedExtents returns the extents whose physical address is still
// a placeholder, in allocation order.
func (txn *Transaction) DelayedExtents() []*Extent {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return append([]*Extent(nil), txn.delayed...)
}

func (txn *Transaction) InlineExtents() []*Extent {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return append([]*Extent(nil), txn.inline...)
}

func (txn *Transaction) OOLExtents() []*Extent {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return append([]*Extent(nil), txn.ool...)
}

func (txn *Transaction) IncrementDelayedInvalid() {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.stats.DelayedInvalid++
}

func (txn *Transaction) Stats() TxnStats {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.stats
}
