// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package placement is the entry point of the extent placement layer.
// It decides where new extents live, and at commit time resolves a
// transaction's delayed extents either inline or out-of-line.
package placement

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/segstore-ng/lib/maps"
	"git.lukeshu.com/segstore-ng/lib/segstore/lbaindex"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
)

// Allocator is something that can write extents out-of-line, such as
// a *segalloc.Allocator.
type Allocator interface {
	Name() string
	AllocOOLExtentsPaddr(ctx context.Context, txn *segcache.Transaction, extents []*segcache.Extent) error
	Stop(ctx context.Context) error
}

type Manager struct {
	cache  segcache.Cache
	index  lbaindex.Index
	policy Policy

	mu         sync.RWMutex
	allocators map[segaddr.DeviceType][]Allocator
}

func New(cache segcache.Cache, index lbaindex.Index, policy Policy) *Manager {
	return &Manager{
		cache:      cache,
		index:      index,
		policy:     policy,
		allocators: make(map[segaddr.DeviceType][]Allocator),
	}
}

// AddAllocator registers an allocator for a device type.  When more
// than one allocator is registered for a type, the Policy picks
// between them.
func (m *Manager) AddAllocator(devType segaddr.DeviceType, alloc Allocator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocators[devType] = append(m.allocators[devType], alloc)
}

func (m *Manager) getAllocators(devType segaddr.DeviceType) []Allocator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allocators[devType]
}

// AllocNewExtent creates a new extent in txn.  If the extent's device
// type needs delayed allocation, it gets a placeholder address and is
// resolved by DelayedAllocOrOOLWrite; otherwise its address is final.
// Either way the logical index maps the new extent's logical address
// to its current physical address.
func (m *Manager) AllocNewExtent(ctx context.Context, txn *segcache.Transaction, typ segaddr.ExtentType, length segaddr.AddrDelta, hint segaddr.PlacementHint) (*segcache.Extent, error) {
	if !typ.IsLogical() {
		return nil, fmt.Errorf("alloc new extent: type %v is not logically addressed", typ)
	}
	devType := m.policy.DeviceType(hint)
	ext, err := m.cache.CreateExtent(txn, typ, length, devType.NeedsDelayedAllocation())
	if err != nil {
		return nil, fmt.Errorf("alloc new extent: %w", err)
	}
	ext.SetPlacement(devType, hint)
	if err := m.index.UpdateMapping(ctx, txn, ext.LAddr(), segaddr.NullPhysicalAddr, ext.PAddr()); err != nil {
		// Without a mapping the extent could never be resolved.
		m.cache.AbortExtent(txn, ext)
		return nil, fmt.Errorf("alloc new extent: %w", err)
	}
	dlog.Tracef(ctx, "txn %v: new %v device=%v hint=%v", txn.ID(), ext, devType, hint)
	return ext, nil
}

type inlineUpdate struct {
	old segaddr.PhysicalAddr
	ext *segcache.Extent
}

type oolGroup struct {
	alloc   Allocator
	extents []*segcache.Extent
}

// DelayedAllocOrOOLWrite resolves every delayed extent in txn: invalid
// ones are dropped, the Policy keeps some inline, and the rest are
// written out-of-line by their allocators, concurrently.  Extents that
// were resolved by an earlier (failed) pass are left alone.
//
// On failure, some extents may already have been written and
// re-mapped; that is not undone.
func (m *Manager) DelayedAllocOrOOLWrite(ctx context.Context, txn *segcache.Transaction) error {
	ctx = dlog.WithField(ctx, "segstore.txn", txn.ID())

	var (
		inlineExts []*segcache.Extent
		groups     []*oolGroup
		groupIdx   = make(map[Allocator]int)
		numOOL     int
		numInval   int
		numRepeat  int
	)
	for _, ext := range txn.DelayedExtents() {
		if !ext.IsValid() {
			txn.IncrementDelayedInvalid()
			numInval++
			continue
		}
		old := ext.PAddr()
		if !old.IsTemp() {
			numRepeat++
			continue
		}
		if m.policy.ShouldBeInline(ext) {
			inlineExts = append(inlineExts, ext)
			continue
		}
		allocs := m.getAllocators(ext.DeviceType())
		if len(allocs) == 0 {
			return fmt.Errorf("%v: device type %v: %w", ext, ext.DeviceType(), ErrNoAllocator)
		}
		i := m.policy.SelectAllocator(ext, len(allocs))
		if i < 0 || i >= len(allocs) {
			panic(fmt.Errorf("should not happen: policy selected allocator %d of %d", i, len(allocs)))
		}
		alloc := allocs[i]
		gi, ok := groupIdx[alloc]
		if !ok {
			gi = len(groups)
			groupIdx[alloc] = gi
			groups = append(groups, &oolGroup{alloc: alloc})
		}
		groups[gi].extents = append(groups[gi].extents, ext)
		numOOL++
	}
	dlog.Debugf(ctx, "delayed allocation: inline=%d ool=%d (allocators=%d) invalid=%d already-resolved=%d",
		len(inlineExts), numOOL, len(groups), numInval, numRepeat)

	// Nothing has been touched until here, so that a missing
	// allocator fails the pass cleanly.
	inline := make([]inlineUpdate, 0, len(inlineExts))
	for _, ext := range inlineExts {
		old := ext.PAddr()
		m.cache.MarkDelayedInline(txn, ext)
		inline = append(inline, inlineUpdate{old: old, ext: ext})
	}

	retErr := m.writeOOL(ctx, txn, groups)

	if retErr != nil {
		dlog.Errorf(ctx, "out-of-line write failed (class=%v); still updating %d inline mappings: %v",
			Classify(retErr), len(inline), retErr)
	}

	// The inline extents have already moved in the cache, so the
	// index follows all of them even if something else failed.
	for _, upd := range inline {
		if err := m.index.UpdateMapping(ctx, txn, upd.ext.LAddr(), upd.old, upd.ext.PAddr()); err != nil {
			if retErr == nil {
				retErr = err
			} else {
				dlog.Errorf(ctx, "%v", err)
			}
		}
	}
	return retErr
}

func (m *Manager) writeOOL(ctx context.Context, txn *segcache.Transaction, groups []*oolGroup) error {
	if len(groups) == 0 {
		return nil
	}
	var (
		errMu    sync.Mutex
		firstErr error
	)
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for _, group := range groups {
		group := group
		grp.Go(group.alloc.Name(), func(ctx context.Context) error {
			if err := group.alloc.AllocOOLExtentsPaddr(ctx, txn, group.extents); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("allocator %q: %w", group.alloc.Name(), err)
				}
				errMu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}
	return firstErr
}

// Stop stops every registered allocator, in order of device type
// and then registration.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.RLock()
	var allocs []Allocator
	for _, devType := range maps.SortedKeys(m.allocators) {
		allocs = append(allocs, m.allocators[devType]...)
	}
	m.mu.RUnlock()

	var errs derror.MultiError
	for _, alloc := range allocs {
		if err := alloc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("allocator %q: %w", alloc.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
