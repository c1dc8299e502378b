// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segalloc_test

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/segstore-ng/lib/segstore/lbaindex"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segalloc"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
	"git.lukeshu.com/segstore-ng/lib/segstore/segdev"
	"git.lukeshu.com/segstore-ng/lib/segstore/segwriter"
)

type testEnv struct {
	ctx   context.Context
	prov  *segdev.MemProvider
	index *lbaindex.MemIndex
	cache *segcache.MemCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	prov, err := segdev.NewMemProvider(512, 8192, 0)
	require.NoError(t, err)
	return &testEnv{
		ctx:   dlog.NewTestContext(t, false),
		prov:  prov,
		index: lbaindex.NewMemIndex(),
		cache: segcache.NewMemCache(),
	}
}

func (e *testEnv) deps() segwriter.Deps {
	return segwriter.Deps{
		Provider: e.prov,
		Index:    e.index,
		Cache:    e.cache,
		Nonces: segwriter.NonceFunc(func(segaddr.SegmentID) segaddr.SegmentNonce {
			return 1
		}),
	}
}

func (e *testEnv) extents(t *testing.T, txn *segcache.Transaction, hints ...segaddr.PlacementHint) []*segcache.Extent {
	t.Helper()
	var ret []*segcache.Extent
	for _, hint := range hints {
		ext, err := e.cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, 300, true)
		require.NoError(t, err)
		ext.SetPlacement(segaddr.DeviceSegmented, hint)
		require.NoError(t, e.index.UpdateMapping(e.ctx, txn, ext.LAddr(), segaddr.NullPhysicalAddr, ext.PAddr()))
		ret = append(ret, ext)
	}
	return ret
}

// byHint sends HintCold to writer 1 and everything else to writer 0.
func byHint(hint segaddr.PlacementHint, n int) int {
	if hint == segaddr.HintCold {
		return 1 % n
	}
	return 0
}

func TestPartition(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alloc, err := segalloc.New(segalloc.Config{Name: "a", Writers: 2, Selector: byHint}, e.deps())
	require.NoError(t, err)

	txn := e.cache.BeginTransaction()
	exts := e.extents(t, txn,
		segaddr.HintHot, segaddr.HintCold, segaddr.HintHot,
		segaddr.HintCold, segaddr.HintNone)
	require.NoError(t, alloc.AllocOOLExtentsPaddr(e.ctx, txn, exts))

	writers := alloc.Writers()
	require.Len(t, writers, 2)
	assert.Equal(t, 3, writers[0].Stats().Extents)
	assert.Equal(t, 2, writers[1].Stats().Extents)
	assert.Equal(t, 5, alloc.Stats().Extents)
	assert.Equal(t, 2, alloc.Stats().SegmentsOpened)

	// Extents routed to the same writer share a segment.
	assert.Equal(t, exts[0].PAddr().Seg, exts[2].PAddr().Seg)
	assert.Equal(t, exts[1].PAddr().Seg, exts[3].PAddr().Seg)
	assert.NotEqual(t, exts[0].PAddr().Seg, exts[1].PAddr().Seg)
	for _, ext := range exts {
		got, err := e.index.Lookup(e.ctx, ext.LAddr())
		require.NoError(t, err)
		assert.Equal(t, ext.PAddr(), got)
	}

	require.NoError(t, alloc.Stop(e.ctx))
	require.NoError(t, alloc.Stop(e.ctx))
	assert.Equal(t, 0, e.prov.NumOpen())

	txn = e.cache.BeginTransaction()
	err = alloc.AllocOOLExtentsPaddr(e.ctx, txn, e.extents(t, txn, segaddr.HintHot))
	assert.ErrorIs(t, err, segwriter.ErrWriterClosed)
}

func TestPartialFailure(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alloc, err := segalloc.New(segalloc.Config{Name: "a", Writers: 2, Selector: byHint}, e.deps())
	require.NoError(t, err)

	// Warm up both writers so that each has its own segment: 0
	// for writer 0 and 1 for writer 1.
	txn := e.cache.BeginTransaction()
	require.NoError(t, alloc.AllocOOLExtentsPaddr(e.ctx, txn, e.extents(t, txn, segaddr.HintHot)))
	txn = e.cache.BeginTransaction()
	require.NoError(t, alloc.AllocOOLExtentsPaddr(e.ctx, txn, e.extents(t, txn, segaddr.HintCold)))

	e.prov.SetWriteFault(func(seg segaddr.SegmentID, _ segaddr.SegmentOff, _ int) error {
		if seg == 1 {
			return segdev.ErrIO
		}
		return nil
	})
	txn = e.cache.BeginTransaction()
	exts := e.extents(t, txn, segaddr.HintHot, segaddr.HintCold)
	err = alloc.AllocOOLExtentsPaddr(e.ctx, txn, exts)
	assert.ErrorIs(t, err, segdev.ErrIO)
	// no rollback of the writer that succeeded
	assert.True(t, exts[0].PAddr().IsReal())
	assert.True(t, exts[1].PAddr().IsTemp())

	require.NoError(t, alloc.Stop(e.ctx))
}

func TestDefaultSelector(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alloc, err := segalloc.New(segalloc.Config{Name: "a", Writers: 3}, e.deps())
	require.NoError(t, err)
	txn := e.cache.BeginTransaction()
	exts := e.extents(t, txn, segaddr.HintHot, segaddr.HintHot, segaddr.HintHot)
	require.NoError(t, alloc.AllocOOLExtentsPaddr(e.ctx, txn, exts))
	// one hint, so one writer, so one segment
	assert.Equal(t, 1, alloc.Stats().SegmentsOpened)
	require.NoError(t, alloc.Stop(e.ctx))

	_, err = segalloc.New(segalloc.Config{Name: "b", Writers: 0}, e.deps())
	assert.Error(t, err)
}
