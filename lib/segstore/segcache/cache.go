// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segcache

import (
	"fmt"
	"sync"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

// Cache owns extent lifecycle.
type Cache interface {
	// CreateExtent materializes a new extent with a fresh logical
	// address.  If needsTemp, its physical address is a
	// transaction-unique placeholder and it is put on the
	// transaction's delayed list; otherwise its address is final
	// immediately.
	CreateExtent(txn *Transaction, typ segaddr.ExtentType, length segaddr.AddrDelta, needsTemp bool) (*Extent, error)
	// MarkDelayedInline gives a delayed extent its final
	// cache-resident address.
	MarkDelayedInline(txn *Transaction, ext *Extent)
	// MarkDelayedOOL records that a delayed extent has been written
	// out-of-line at paddr.
	MarkDelayedOOL(txn *Transaction, ext *Extent, paddr segaddr.PhysicalAddr)
	// AbortExtent undoes a CreateExtent whose caller could not
	// finish setting the extent up: the extent is invalidated and
	// taken off the transaction's delayed list.
	AbortExtent(txn *Transaction, ext *Extent)
}

// MemCache is a Cache that hands out logical addresses and inline
// addresses from simple counters.
type MemCache struct {
	mu         sync.Mutex
	nextTxn    TxnID
	nextLAddr  segaddr.LogicalAddr
	nextInline segaddr.SegmentOff
}

var _ Cache = (*MemCache)(nil)

func NewMemCache() *MemCache {
	return &MemCache{
		nextTxn: 1,
	}
}

// SkipLogicalAddrs makes sure that no logical address below next is
// handed out from now on; a store reopened over a persistent index
// calls it with one past the highest mapped address.
func (c *MemCache) SkipLogicalAddrs(next segaddr.LogicalAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next > c.nextLAddr {
		c.nextLAddr = next
	}
}

func (c *MemCache) BeginTransaction() *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn := &Transaction{id: c.nextTxn}
	c.nextTxn++
	return txn
}

func (c *MemCache) allocInline(length segaddr.AddrDelta) segaddr.PhysicalAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := segaddr.PhysicalAddr{
		Seg: segaddr.InlineSegmentID,
		Off: c.nextInline,
	}
	c.nextInline = c.nextInline.Add(length)
	return ret
}

func (c *MemCache) CreateExtent(txn *Transaction, typ segaddr.ExtentType, length segaddr.AddrDelta, needsTemp bool) (*Extent, error) {
	if length <= 0 {
		return nil, fmt.Errorf("create extent: invalid length %v", length)
	}
	c.mu.Lock()
	laddr := c.nextLAddr
	c.nextLAddr = c.nextLAddr.Add(length)
	c.mu.Unlock()

	ext := &Extent{
		typ:     typ,
		laddr:   laddr,
		payload: make([]byte, length),
		valid:   true,
	}
	if needsTemp {
		ext.paddr = txn.allocTemp(length)
		txn.mu.Lock()
		txn.delayed = append(txn.delayed, ext)
		txn.mu.Unlock()
	} else {
		ext.paddr = c.allocInline(length)
	}
	return ext, nil
}

func (c *MemCache) MarkDelayedInline(txn *Transaction, ext *Extent) {
	old := ext.setPAddr(c.allocInline(ext.Length()))
	if !old.IsTemp() {
		panic(fmt.Errorf("should not happen: MarkDelayedInline on non-delayed %v (was %v)", ext, old))
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.inline = append(txn.inline, ext)
	txn.stats.Inline++
}

func (c *MemCache) MarkDelayedOOL(txn *Transaction, ext *Extent, paddr segaddr.PhysicalAddr) {
	if !paddr.IsReal() {
		panic(fmt.Errorf("should not happen: MarkDelayedOOL to non-segment address %v", paddr))
	}
	old := ext.setPAddr(paddr)
	if !old.IsTemp() {
		panic(fmt.Errorf("should not happen: MarkDelayedOOL on non-delayed %v (was %v)", ext, old))
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	txn.ool = append(txn.ool, ext)
	txn.stats.OOL++
}

func (c *MemCache) AbortExtent(txn *Transaction, ext *Extent) {
	ext.Invalidate()
	txn.mu.Lock()
	defer txn.mu.Unlock()
	for i, other := range txn.delayed {
		if other == ext {
			txn.delayed = append(txn.delayed[:i], txn.delayed[i+1:]...)
			return
		}
	}
}
