// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segwriter_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/segstore-ng/lib/segstore/lbaindex"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
	"git.lukeshu.com/segstore-ng/lib/segstore/segdev"
	"git.lukeshu.com/segstore-ng/lib/segstore/segrecord"
	"git.lukeshu.com/segstore-ng/lib/segstore/segwriter"
)

type mappingUpdate struct {
	LAddr       segaddr.LogicalAddr
	ExpectedOld segaddr.PhysicalAddr
	New         segaddr.PhysicalAddr
}

// recordingIndex records every successful move off of a placeholder
// address.
type recordingIndex struct {
	*lbaindex.MemIndex

	mu      sync.Mutex
	updates []mappingUpdate
}

func (idx *recordingIndex) UpdateMapping(ctx context.Context, txn *segcache.Transaction, laddr segaddr.LogicalAddr, expectedOld, newAddr segaddr.PhysicalAddr) error {
	if err := idx.MemIndex.UpdateMapping(ctx, txn, laddr, expectedOld, newAddr); err != nil {
		return err
	}
	if expectedOld.IsTemp() {
		idx.mu.Lock()
		idx.updates = append(idx.updates, mappingUpdate{LAddr: laddr, ExpectedOld: expectedOld, New: newAddr})
		idx.mu.Unlock()
	}
	return nil
}

func (idx *recordingIndex) Updates() []mappingUpdate {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]mappingUpdate(nil), idx.updates...)
}

type writeOp struct {
	Seg segaddr.SegmentID
	Off segaddr.SegmentOff
	Len int
}

type env struct {
	ctx   context.Context
	prov  *segdev.MemProvider
	index *recordingIndex
	cache *segcache.MemCache

	mu     sync.Mutex
	writes []writeOp
}

func newEnv(t *testing.T, capacity segaddr.AddrDelta) *env {
	t.Helper()
	prov, err := segdev.NewMemProvider(512, capacity, 0)
	require.NoError(t, err)
	e := &env{
		ctx:   dlog.NewTestContext(t, false),
		prov:  prov,
		index: &recordingIndex{MemIndex: lbaindex.NewMemIndex()},
		cache: segcache.NewMemCache(),
	}
	prov.SetWriteFault(func(seg segaddr.SegmentID, off segaddr.SegmentOff, n int) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.writes = append(e.writes, writeOp{Seg: seg, Off: off, Len: n})
		return nil
	})
	return e
}

func (e *env) Writes() []writeOp {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]writeOp(nil), e.writes...)
}

func (e *env) newWriter() *segwriter.Writer {
	return segwriter.New("w0", segwriter.Deps{
		Provider: e.prov,
		Index:    e.index,
		Cache:    e.cache,
		Nonces: segwriter.NonceFunc(func(id segaddr.SegmentID) segaddr.SegmentNonce {
			return segaddr.SegmentNonce(0x1000 + id)
		}),
	})
}

func (e *env) newExtents(t *testing.T, txn *segcache.Transaction, sizes ...int) []*segcache.Extent {
	t.Helper()
	ret := make([]*segcache.Extent, 0, len(sizes))
	for _, size := range sizes {
		ext, err := e.cache.CreateExtent(txn, segaddr.ExtentTypeObjectData, segaddr.AddrDelta(size), true)
		require.NoError(t, err)
		for i := range ext.Payload() {
			ext.Payload()[i] = byte(int(ext.LAddr()) + i)
		}
		require.NoError(t, e.index.UpdateMapping(e.ctx, txn, ext.LAddr(), segaddr.NullPhysicalAddr, ext.PAddr()))
		ret = append(ret, ext)
	}
	return ret
}

// scanAll returns every extent found on every segment, keyed by
// logical address.
func (e *env) scanAll(t *testing.T) map[segaddr.LogicalAddr]segrecord.DecodedExtent {
	t.Helper()
	ret := make(map[segaddr.LogicalAddr]segrecord.DecodedExtent)
	for id := 0; id < e.prov.NumSegments(); id++ {
		file, err := e.prov.ReadSegment(segaddr.SegmentID(id))
		require.NoError(t, err)
		nonce := segaddr.SegmentNonce(0x1000 + id)
		_, err = segrecord.Scan(e.ctx, file, segrecord.ScanConfig{BlockSize: 512, Nonce: &nonce}, func(rec *segrecord.DecodedRecord) error {
			for _, ext := range rec.Extents {
				if _, dup := ret[ext.LAddr]; dup {
					return fmt.Errorf("laddr %v written twice", ext.LAddr)
				}
				ret[ext.LAddr] = ext
			}
			return nil
		})
		require.NoError(t, err)
	}
	return ret
}

func TestScenarioA(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 4096)
	w := e.newWriter()
	txn := e.cache.BeginTransaction()
	exts := e.newExtents(t, txn, 1500, 1500, 1500)
	temps := []segaddr.PhysicalAddr{exts[0].PAddr(), exts[1].PAddr(), exts[2].PAddr()}

	require.NoError(t, w.Write(e.ctx, txn, exts))

	// The two records are on different segments, so their appends
	// may land in either order.
	assert.ElementsMatch(t, []writeOp{
		{Seg: 0, Off: 0, Len: 3584},
		{Seg: 1, Off: 0, Len: 2048},
	}, e.Writes())

	want := []segaddr.PhysicalAddr{
		{Seg: 0, Off: 512},
		{Seg: 0, Off: 512 + 1500},
		{Seg: 1, Off: 512},
	}
	updates := e.index.Updates()
	require.Len(t, updates, 3)
	for i, ext := range exts {
		assert.Equal(t, want[i], ext.PAddr())
		assert.Contains(t, updates, mappingUpdate{LAddr: ext.LAddr(), ExpectedOld: temps[i], New: want[i]})
		got, err := e.index.Lookup(e.ctx, ext.LAddr())
		require.NoError(t, err)
		assert.Equal(t, want[i], got)
	}

	assert.Equal(t, segwriter.Stats{
		Records:        2,
		Extents:        3,
		Bytes:          3584 + 2048,
		SegmentsOpened: 2,
		Rolls:          1,
	}, w.Stats())
	assert.Equal(t, 3, txn.Stats().OOL)

	found := e.scanAll(t)
	require.Len(t, found, 3)
	for i, ext := range exts {
		assert.Equal(t, want[i], found[ext.LAddr()].Addr)
		assert.Equal(t, ext.Payload(), found[ext.LAddr()].Payload)
	}

	require.NoError(t, w.Stop(e.ctx))
	assert.Equal(t, 0, e.prov.NumOpen())
}

func TestMonotonicWritePointer(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 16384)
	w := e.newWriter()
	for i := 0; i < 20; i++ {
		txn := e.cache.BeginTransaction()
		exts := e.newExtents(t, txn, 100+i*37, 2000-i*13, 512)
		require.NoError(t, w.Write(e.ctx, txn, exts))
	}
	require.NoError(t, w.Stop(e.ctx))

	last := make(map[segaddr.SegmentID]segaddr.SegmentOff)
	for _, op := range e.Writes() {
		end := op.Off.Add(segaddr.AddrDelta(op.Len))
		if prev, ok := last[op.Seg]; ok {
			assert.Equal(t, prev, op.Off, "segment %v", op.Seg)
		} else {
			assert.Equal(t, segaddr.SegmentOff(0), op.Off, "segment %v", op.Seg)
		}
		assert.Greater(t, end, op.Off)
		assert.LessOrEqual(t, end, segaddr.SegmentOff(16384))
		last[op.Seg] = end
	}
	assert.Len(t, e.scanAll(t), 60)
}

func TestConcurrentWrites(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 8192)
	w := e.newWriter()

	const n = 8
	txns := make([]*segcache.Transaction, n)
	batches := make([][]*segcache.Extent, n)
	for i := range batches {
		txns[i] = e.cache.BeginTransaction()
		batches[i] = e.newExtents(t, txns[i], 700, 1300, 64, 3000, 10)
	}
	grp := dgroup.NewGroup(e.ctx, dgroup.GroupConfig{})
	for i := range batches {
		i := i
		grp.Go(fmt.Sprintf("txn-%d", i), func(ctx context.Context) error {
			return w.Write(ctx, txns[i], batches[i])
		})
	}
	require.NoError(t, grp.Wait())
	require.NoError(t, w.Stop(e.ctx))
	assert.Equal(t, 0, e.prov.NumOpen())

	found := e.scanAll(t)
	assert.Len(t, found, n*5)
	assert.Len(t, e.index.Updates(), n*5)
	for _, batch := range batches {
		for _, ext := range batch {
			assert.True(t, ext.PAddr().IsReal())
			assert.Equal(t, ext.PAddr(), found[ext.LAddr()].Addr)
			assert.Equal(t, ext.Payload(), found[ext.LAddr()].Payload)
		}
	}
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 4096)
	w := e.newWriter()
	txn := e.cache.BeginTransaction()
	require.NoError(t, w.Write(e.ctx, txn, e.newExtents(t, txn, 100)))
	assert.Equal(t, 1, e.prov.NumOpen())

	require.NoError(t, w.Stop(e.ctx))
	require.NoError(t, w.Stop(e.ctx))
	assert.Equal(t, 0, e.prov.NumOpen())

	txn = e.cache.BeginTransaction()
	err := w.Write(e.ctx, txn, e.newExtents(t, txn, 100))
	assert.ErrorIs(t, err, segwriter.ErrWriterClosed)
}

func TestStopUnused(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 4096)
	w := e.newWriter()
	require.NoError(t, w.Stop(e.ctx))
	assert.Equal(t, 0, e.prov.NumSegments())
}

func TestExtentTooLarge(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 4096)
	w := e.newWriter()
	txn := e.cache.BeginTransaction()
	exts := e.newExtents(t, txn, 4000)
	err := w.Write(e.ctx, txn, exts)
	assert.ErrorIs(t, err, segwriter.ErrExtentTooLarge)
	assert.True(t, exts[0].PAddr().IsTemp())
	assert.Empty(t, e.Writes())
	require.NoError(t, w.Stop(e.ctx))
}

func TestWriteFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 8192)
	w := e.newWriter()

	e.prov.SetWriteFault(func(seg segaddr.SegmentID, off segaddr.SegmentOff, n int) error {
		return segdev.ErrIO
	})
	txn := e.cache.BeginTransaction()
	exts := e.newExtents(t, txn, 1000, 1000)
	err := w.Write(e.ctx, txn, exts)
	assert.ErrorIs(t, err, segdev.ErrIO)
	for _, ext := range exts {
		assert.True(t, ext.PAddr().IsTemp())
	}
	assert.Empty(t, e.index.Updates())
	assert.Equal(t, 0, txn.Stats().OOL)

	// The failed segment is abandoned; the next write goes to a
	// fresh one.
	e.prov.SetWriteFault(nil)
	txn = e.cache.BeginTransaction()
	exts = e.newExtents(t, txn, 1000)
	require.NoError(t, w.Write(e.ctx, txn, exts))
	assert.Equal(t, segaddr.PhysicalAddr{Seg: 1, Off: 512}, exts[0].PAddr())
	assert.Equal(t, 1, w.Stats().Rolls)

	require.NoError(t, w.Stop(e.ctx))
	assert.Equal(t, 0, e.prov.NumOpen())
}

func TestRollFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 4096)
	w := e.newWriter()

	e.prov.SetOpenFault(func() error { return segdev.ErrNoSpace })
	txn := e.cache.BeginTransaction()
	exts := e.newExtents(t, txn, 100)
	assert.ErrorIs(t, w.Write(e.ctx, txn, exts), segdev.ErrNoSpace)
	assert.True(t, exts[0].PAddr().IsTemp())

	e.prov.SetOpenFault(nil)
	require.NoError(t, w.Write(e.ctx, txn, exts))
	assert.True(t, exts[0].PAddr().IsReal())
	require.NoError(t, w.Stop(e.ctx))
}

func TestIndexConflict(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 4096)
	w := e.newWriter()
	txn := e.cache.BeginTransaction()
	exts := e.newExtents(t, txn, 100, 200)

	// Somebody else moves the first extent's mapping.
	elsewhere := segaddr.PhysicalAddr{Seg: segaddr.InlineSegmentID, Off: 0}
	require.NoError(t, e.index.UpdateMapping(e.ctx, txn, exts[0].LAddr(), exts[0].PAddr(), elsewhere))

	err := w.Write(e.ctx, txn, exts)
	assert.ErrorIs(t, err, lbaindex.ErrMappingMismatch)
	assert.True(t, exts[0].PAddr().IsTemp())
	got, err := e.index.Lookup(e.ctx, exts[0].LAddr())
	require.NoError(t, err)
	assert.Equal(t, elsewhere, got)
	require.NoError(t, w.Stop(e.ctx))
}

func TestStopWaitsForInFlight(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 8192)
	w := e.newWriter()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e.prov.SetWriteFault(func(segaddr.SegmentID, segaddr.SegmentOff, int) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	txn := e.cache.BeginTransaction()
	exts := e.newExtents(t, txn, 1000)
	writeErr := make(chan error, 1)
	go func() { writeErr <- w.Write(e.ctx, txn, exts) }()
	<-entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- w.Stop(e.ctx) }()
	select {
	case err := <-stopErr:
		t.Fatalf("Stop returned while a write was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, e.prov.NumOpen())

	close(release)
	require.NoError(t, <-writeErr)
	require.NoError(t, <-stopErr)
	assert.Equal(t, 0, e.prov.NumOpen())
	assert.True(t, exts[0].PAddr().IsReal())
	assert.Len(t, e.index.Updates(), 1)
}

func TestConcurrentRolls(t *testing.T) {
	t.Parallel()
	// Each segment holds only a couple of these extents, so the
	// writers keep racing to roll.
	e := newEnv(t, 4096)
	w := e.newWriter()

	const n = 16
	txns := make([]*segcache.Transaction, n)
	batches := make([][]*segcache.Extent, n)
	for i := range batches {
		txns[i] = e.cache.BeginTransaction()
		batches[i] = e.newExtents(t, txns[i], 1500, 1500)
	}
	grp := dgroup.NewGroup(e.ctx, dgroup.GroupConfig{})
	for i := range batches {
		i := i
		grp.Go(fmt.Sprintf("txn-%d", i), func(ctx context.Context) error {
			return w.Write(ctx, txns[i], batches[i])
		})
	}
	require.NoError(t, grp.Wait())
	require.NoError(t, w.Stop(e.ctx))
	assert.Equal(t, 0, e.prov.NumOpen())

	// Only one roll happens at a time, so no segment is opened and
	// then abandoned before anything is written to it.
	stats := w.Stats()
	assert.Equal(t, e.prov.NumSegments(), stats.SegmentsOpened)
	assert.Equal(t, stats.SegmentsOpened-1, stats.Rolls)
	used := make(map[segaddr.SegmentID]struct{})
	for _, op := range e.Writes() {
		used[op.Seg] = struct{}{}
	}
	assert.Len(t, used, e.prov.NumSegments())
	assert.Len(t, e.scanAll(t), n*2)
}
