// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package lbaindex is the logical-to-physical address index.  All
// updates are compare-and-swap.
package lbaindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
)

var (
	ErrMappingMismatch = errors.New("mapping mismatch")
	ErrNotFound        = errors.New("no mapping for logical address")
)

// MismatchError is returned by UpdateMapping when the current mapping
// is not the expected one.
type MismatchError struct {
	LAddr    segaddr.LogicalAddr
	Expected segaddr.PhysicalAddr
	Actual   segaddr.PhysicalAddr
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("laddr=%v: %v: expected=%v actual=%v", e.LAddr, ErrMappingMismatch, e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error { return ErrMappingMismatch }

type Index interface {
	// UpdateMapping sets the mapping for laddr to newAddr, if and
	// only if it is currently expectedOld.  An expectedOld of
	// segaddr.NullPhysicalAddr means that there must be no current
	// mapping.
	UpdateMapping(ctx context.Context, txn *segcache.Transaction, laddr segaddr.LogicalAddr, expectedOld, newAddr segaddr.PhysicalAddr) error
	Lookup(ctx context.Context, laddr segaddr.LogicalAddr) (segaddr.PhysicalAddr, error)
}

// MemIndex is an Index held in a map.
type MemIndex struct {
	mu sync.RWMutex
	m  map[segaddr.LogicalAddr]segaddr.PhysicalAddr
}

var _ Index = (*MemIndex)(nil)

func NewMemIndex() *MemIndex {
	return &MemIndex{
		m: make(map[segaddr.LogicalAddr]segaddr.PhysicalAddr),
	}
}

func (idx *MemIndex) UpdateMapping(ctx context.Context, txn *segcache.Transaction, laddr segaddr.LogicalAddr, expectedOld, newAddr segaddr.PhysicalAddr) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur, ok := idx.m[laddr]
	if !ok {
		cur = segaddr.NullPhysicalAddr
	}
	if cur != expectedOld {
		return &MismatchError{LAddr: laddr, Expected: expectedOld, Actual: cur}
	}
	idx.m[laddr] = newAddr
	dlog.Tracef(ctx, "txn %v: laddr=%v: %v -> %v", txn.ID(), laddr, expectedOld, newAddr)
	return nil
}

func (idx *MemIndex) Lookup(_ context.Context, laddr segaddr.LogicalAddr) (segaddr.PhysicalAddr, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	paddr, ok := idx.m[laddr]
	if !ok {
		return segaddr.NullPhysicalAddr, fmt.Errorf("laddr=%v: %w", laddr, ErrNotFound)
	}
	return paddr, nil
}

func (idx *MemIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.m)
}
