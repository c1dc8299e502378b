// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
)

func TestCreateExtent(t *testing.T) {
	t.Parallel()
	cache := segcache.NewMemCache()
	txn := cache.BeginTransaction()
	assert.NotEqual(t, txn.ID(), cache.BeginTransaction().ID())

	a, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 1500, true)
	require.NoError(t, err)
	b, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 1500, true)
	require.NoError(t, err)
	c, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 100, false)
	require.NoError(t, err)

	assert.True(t, a.PAddr().IsTemp())
	assert.True(t, b.PAddr().IsTemp())
	assert.NotEqual(t, a.PAddr(), b.PAddr())
	assert.NotEqual(t, a.LAddr(), b.LAddr())
	assert.True(t, c.PAddr().IsInline())
	assert.Len(t, a.Payload(), 1500)
	assert.True(t, a.IsValid())

	assert.Equal(t, []*segcache.Extent{a, b}, txn.DelayedExtents())

	_, err = cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 0, true)
	assert.Error(t, err)
}

func TestMarkDelayed(t *testing.T) {
	t.Parallel()
	cache := segcache.NewMemCache()
	txn := cache.BeginTransaction()
	a, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 10, true)
	require.NoError(t, err)
	b, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 10, true)
	require.NoError(t, err)

	cache.MarkDelayedInline(txn, a)
	assert.True(t, a.PAddr().IsInline())
	assert.Panics(t, func() { cache.MarkDelayedInline(txn, a) })

	paddr := segaddr.PhysicalAddr{Seg: 3, Off: 512}
	cache.MarkDelayedOOL(txn, b, paddr)
	assert.Equal(t, paddr, b.PAddr())
	assert.Panics(t, func() { cache.MarkDelayedOOL(txn, b, paddr) })

	txn.IncrementDelayedInvalid()
	assert.Equal(t, segcache.TxnStats{Inline: 1, OOL: 1, DelayedInvalid: 1}, txn.Stats())
	assert.Equal(t, []*segcache.Extent{a}, txn.InlineExtents())
	assert.Equal(t, []*segcache.Extent{b}, txn.OOLExtents())
}

func TestAbortExtent(t *testing.T) {
	t.Parallel()
	cache := segcache.NewMemCache()
	txn := cache.BeginTransaction()
	a, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 10, true)
	require.NoError(t, err)
	b, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 10, true)
	require.NoError(t, err)

	cache.AbortExtent(txn, a)
	assert.False(t, a.IsValid())
	assert.True(t, b.IsValid())
	assert.Equal(t, []*segcache.Extent{b}, txn.DelayedExtents())

	// aborting an extent that is not delayed only invalidates it
	c, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 10, false)
	require.NoError(t, err)
	cache.AbortExtent(txn, c)
	assert.False(t, c.IsValid())
	assert.Equal(t, []*segcache.Extent{b}, txn.DelayedExtents())
}

func TestSkipLogicalAddrs(t *testing.T) {
	t.Parallel()
	cache := segcache.NewMemCache()
	txn := cache.BeginTransaction()
	cache.SkipLogicalAddrs(0x5000)
	a, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 10, true)
	require.NoError(t, err)
	assert.Equal(t, segaddr.LogicalAddr(0x5000), a.LAddr())

	// never moves backwards
	cache.SkipLogicalAddrs(0x10)
	b, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 10, true)
	require.NoError(t, err)
	assert.Equal(t, segaddr.LogicalAddr(0x500a), b.LAddr())
}

func TestPlacement(t *testing.T) {
	t.Parallel()
	cache := segcache.NewMemCache()
	txn := cache.BeginTransaction()
	ext, err := cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 10, true)
	require.NoError(t, err)
	ext.SetPlacement(segaddr.DeviceSegmented, segaddr.HintCold)
	assert.Equal(t, segaddr.DeviceSegmented, ext.DeviceType())
	assert.Equal(t, segaddr.HintCold, ext.Hint())
	assert.Panics(t, func() { ext.SetPlacement(segaddr.DeviceSegmented, segaddr.HintHot) })

	ext.Invalidate()
	assert.False(t, ext.IsValid())
}
