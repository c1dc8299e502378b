// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segstore_test

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/segstore-ng/lib/segstore"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
	"git.lukeshu.com/segstore-ng/lib/segstore/segconf"
	"git.lukeshu.com/segstore-ng/lib/segstore/segdev"
	"git.lukeshu.com/segstore-ng/lib/segstore/segrecord"
)

func testConfig() segconf.Config {
	cfg := segconf.Default()
	cfg.BlockSize = 512
	cfg.SegmentCapacity = 8192
	cfg.Allocators = 2
	cfg.WritersPerAllocator = 2
	cfg.InlineMaxBytes = 256
	return cfg
}

func TestOpenInvalid(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig()
	cfg.Allocators = 0
	_, err := segstore.Open(ctx, cfg)
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	store, err := segstore.Open(ctx, testConfig())
	require.NoError(t, err)

	txn := store.Cache.BeginTransaction()
	hints := []segaddr.PlacementHint{segaddr.HintNone, segaddr.HintHot, segaddr.HintCold, segaddr.HintRewrite}
	var exts []*segcache.Extent
	for i := 0; i < 20; i++ {
		ext, err := store.Manager.AllocNewExtent(ctx, txn, segaddr.ExtentTypeObjectData,
			segaddr.AddrDelta(100+i*150), hints[i%len(hints)])
		require.NoError(t, err)
		exts = append(exts, ext)
	}
	require.NoError(t, store.Manager.DelayedAllocOrOOLWrite(ctx, txn))

	stats := txn.Stats()
	assert.Equal(t, 20, stats.Inline+stats.OOL)
	assert.Equal(t, stats.OOL, store.Stats().Extents)
	for _, ext := range exts {
		assert.False(t, ext.PAddr().IsTemp(), "%v", ext)
		got, err := store.Index.Lookup(ctx, ext.LAddr())
		require.NoError(t, err)
		assert.Equal(t, ext.PAddr(), got)
	}
	require.NoError(t, store.Close(ctx))
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig()
	cfg.Device = segconf.DeviceFile
	cfg.SegmentDir = t.TempDir()
	cfg.Index = segconf.IndexBadger
	cfg.IndexDir = t.TempDir()
	cfg.InlineMaxBytes = 0

	store, err := segstore.Open(ctx, cfg)
	require.NoError(t, err)
	txn := store.Cache.BeginTransaction()
	for i := 0; i < 12; i++ {
		ext, err := store.Manager.AllocNewExtent(ctx, txn, segaddr.ExtentTypeObjectData, 1000, segaddr.HintHot)
		require.NoError(t, err)
		copy(ext.Payload(), []byte{byte(i)})
	}
	require.NoError(t, store.Manager.DelayedAllocOrOOLWrite(ctx, txn))
	require.NoError(t, store.Close(ctx))
	assert.Equal(t, 12, store.Stats().Extents)

	// Everything that was written can be found again by scanning
	// the segment files.
	ids, err := segdev.ListSegmentFiles(cfg.SegmentDir)
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	found := 0
	for _, id := range ids {
		file, err := segdev.OpenSegmentFile(cfg.SegmentDir, id)
		require.NoError(t, err)
		_, err = segrecord.Scan(ctx, file, segrecord.ScanConfig{BlockSize: cfg.BlockSize}, func(rec *segrecord.DecodedRecord) error {
			assert.Equal(t, id, rec.Head.Segment)
			found += len(rec.Extents)
			return nil
		})
		assert.NoError(t, err)
		assert.NoError(t, file.Close())
	}
	assert.Equal(t, 12, found)
}

func TestReopenFileStore(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig()
	cfg.Device = segconf.DeviceFile
	cfg.SegmentDir = t.TempDir()
	cfg.Index = segconf.IndexBadger
	cfg.IndexDir = t.TempDir()
	cfg.InlineMaxBytes = 0

	write := func(n int) map[segaddr.LogicalAddr]segaddr.PhysicalAddr {
		store, err := segstore.Open(ctx, cfg)
		require.NoError(t, err)
		txn := store.Cache.BeginTransaction()
		var exts []*segcache.Extent
		for i := 0; i < n; i++ {
			ext, err := store.Manager.AllocNewExtent(ctx, txn, segaddr.ExtentTypeObjectData, 700, segaddr.HintHot)
			require.NoError(t, err)
			exts = append(exts, ext)
		}
		require.NoError(t, store.Manager.DelayedAllocOrOOLWrite(ctx, txn))
		require.NoError(t, store.Close(ctx))
		ret := make(map[segaddr.LogicalAddr]segaddr.PhysicalAddr, n)
		for _, ext := range exts {
			require.True(t, ext.PAddr().IsReal(), "%v", ext)
			ret[ext.LAddr()] = ext.PAddr()
		}
		return ret
	}

	first := write(5)
	second := write(5)
	for laddr := range second {
		assert.NotContains(t, first, laddr)
	}

	store, err := segstore.Open(ctx, cfg)
	require.NoError(t, err)
	for _, written := range []map[segaddr.LogicalAddr]segaddr.PhysicalAddr{first, second} {
		for laddr, paddr := range written {
			got, err := store.Index.Lookup(ctx, laddr)
			require.NoError(t, err)
			assert.Equal(t, paddr, got)
		}
	}
	require.NoError(t, store.Close(ctx))
}
