// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package segwriter implements a writer that batches extents into
// records and appends them to a rotating current segment.
package segwriter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/segstore-ng/lib/segstore/lbaindex"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
	"git.lukeshu.com/segstore-ng/lib/segstore/segdev"
	"git.lukeshu.com/segstore-ng/lib/segstore/segrecord"
)

var (
	ErrWriterClosed = errors.New("writer is closed")
	// ErrExtentTooLarge is returned for an extent that would not
	// fit in a record even on an empty segment.
	ErrExtentTooLarge = errors.New("extent does not fit in an empty segment")
)

// NonceSource supplies the per-segment nonce that is stamped into
// every record header.
type NonceSource interface {
	SegmentNonce(segaddr.SegmentID) segaddr.SegmentNonce
}

type NonceFunc func(segaddr.SegmentID) segaddr.SegmentNonce

func (fn NonceFunc) SegmentNonce(id segaddr.SegmentID) segaddr.SegmentNonce { return fn(id) }

type Deps struct {
	Provider segdev.Provider
	Index    lbaindex.Index
	Cache    segcache.Cache
	Nonces   NonceSource
}

type Stats struct {
	Records        int               `json:"records"`
	Extents        int               `json:"extents"`
	Bytes          segaddr.AddrDelta `json:"bytes"`
	SegmentsOpened int               `json:"segments_opened"`
	Rolls          int               `json:"rolls"`
}

func (a Stats) Add(b Stats) Stats {
	return Stats{
		Records:        a.Records + b.Records,
		Extents:        a.Extents + b.Extents,
		Bytes:          a.Bytes + b.Bytes,
		SegmentsOpened: a.SegmentsOpened + b.SegmentsOpened,
		Rolls:          a.Rolls + b.Rolls,
	}
}

type Writer struct {
	name      string
	deps      Deps
	blockSize segaddr.AddrDelta
	capacity  segaddr.AddrDelta
	// sizer is never added to; it is used to size single extents.
	sizer *segrecord.Builder[*segcache.Extent]

	gate gate

	mu          sync.Mutex
	cond        *sync.Cond // signaled when a roll finishes
	rolling     bool
	current     *openSegment
	allocatedTo segaddr.AddrDelta

	handlesMu sync.Mutex
	handles   map[*openSegment]struct{}
	closeErrs derror.MultiError

	statsMu sync.Mutex
	stats   Stats

	stopOnce sync.Once
	stopErr  error
}

func New(name string, deps Deps) *Writer {
	w := &Writer{
		name:      name,
		deps:      deps,
		blockSize: deps.Provider.BlockSize(),
		capacity:  deps.Provider.SegmentCapacity(),
		sizer:     segrecord.NewBuilder[*segcache.Extent](deps.Provider.BlockSize()),
		handles:   make(map[*openSegment]struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *Writer) Name() string { return w.name }

func (w *Writer) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *Writer) updateStats(fn func(*Stats)) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	fn(&w.stats)
}

// firstErr remembers the first of several concurrent errors.
type firstErr struct {
	mu  sync.Mutex
	err error
}

func (fe *firstErr) set(err error) {
	if err == nil {
		return
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.err == nil {
		fe.err = err
	}
}

func (fe *firstErr) get() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.err
}

// Write writes the extents out-of-line, in order, as one or more
// records, and updates the index and cache for each written extent.
// It returns once every record it issued has completed.  Records that
// completed before a failure stay written.
func (w *Writer) Write(ctx context.Context, txn *segcache.Transaction, extents []*segcache.Extent) error {
	if !w.gate.enter() {
		return ErrWriterClosed
	}
	defer w.gate.leave()
	ctx = dlog.WithField(ctx, "segstore.writer", w.name)
	ctx = dlog.WithField(ctx, "segstore.txn", txn.ID())

	var errs firstErr
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	errs.set(w.build(ctx, grp, &errs, txn, extents))
	errs.set(grp.Wait())
	return errs.get()
}

func (w *Writer) build(ctx context.Context, grp *dgroup.Group, errs *firstErr, txn *segcache.Transaction, extents []*segcache.Extent) error {
	for _, ext := range extents {
		if w.sizer.WouldBeSize(ext).Total() > w.capacity {
			return fmt.Errorf("%v: %w (size=%v capacity=%v)",
				ext, ErrExtentTooLarge, w.sizer.WouldBeSize(ext).Total(), w.capacity)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rec := segrecord.NewBuilder[*segcache.Extent](w.blockSize)
	for _, ext := range extents {
		for {
			if err := w.ensureSegmentLocked(ctx); err != nil {
				return err
			}
			if w.allocatedTo+rec.WouldBeSize(ext).Total() <= w.capacity {
				rec.Add(ext)
				break
			}
			if !rec.IsEmpty() {
				if err := w.flushLocked(ctx, grp, errs, txn, rec); err != nil {
					return err
				}
				rec = segrecord.NewBuilder[*segcache.Extent](w.blockSize)
				continue
			}
			if err := w.rollLocked(ctx); err != nil {
				return err
			}
		}
	}
	if !rec.IsEmpty() {
		return w.flushLocked(ctx, grp, errs, txn, rec)
	}
	return nil
}

// ensureSegmentLocked makes sure that there is a usable current
// segment, rolling if there is not.
func (w *Writer) ensureSegmentLocked(ctx context.Context) error {
	for w.rolling || w.current == nil || w.current.isBroken() {
		if err := w.rollLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// rollLocked replaces the current segment with a fresh one.  If a
// roll is already in progress it waits for that roll instead, and the
// caller should re-check whatever made it want to roll.
//
// w.mu is released while the device is being talked to.
func (w *Writer) rollLocked(ctx context.Context) error {
	if w.rolling {
		for w.rolling {
			w.cond.Wait()
		}
		return nil
	}
	w.rolling = true
	old := w.current
	w.current = nil
	w.allocatedTo = 0
	w.mu.Unlock()

	if old != nil {
		dlog.Debugf(ctx, "rolling off of segment %v", old.ID())
		old.markOutdated()
		old.release(ctx)
	}
	seg, err := w.deps.Provider.OpenNewSegment(ctx)

	w.mu.Lock()
	w.rolling = false
	w.cond.Broadcast()
	if err != nil {
		return fmt.Errorf("roll: %w", err)
	}
	h := newOpenSegment(seg, w.deps.Nonces.SegmentNonce(seg.ID()), w.handleClosed)
	w.handlesMu.Lock()
	w.handles[h] = struct{}{}
	w.handlesMu.Unlock()
	w.current = h
	dlog.Debugf(ctx, "opened segment %v (capacity=%v nonce=%v)", seg.ID(), seg.Capacity(), h.nonce)
	w.updateStats(func(s *Stats) {
		s.SegmentsOpened++
		if old != nil {
			s.Rolls++
		}
	})
	return nil
}

func (w *Writer) handleClosed(h *openSegment, err error) {
	w.handlesMu.Lock()
	defer w.handlesMu.Unlock()
	delete(w.handles, h)
	if err != nil {
		w.closeErrs = append(w.closeErrs, err)
	}
}

// flushLocked finalizes rec against the current segment, reserves its
// space, and issues the append.
func (w *Writer) flushLocked(ctx context.Context, grp *dgroup.Group, errs *firstErr, txn *segcache.Transaction, rec *segrecord.Builder[*segcache.Extent]) error {
	// w.mu may have been released since the extents were sized, so
	// a concurrent Write may have used up the space.
	for {
		if err := w.ensureSegmentLocked(ctx); err != nil {
			return err
		}
		if w.allocatedTo+rec.EncodedSize().Total() <= w.capacity {
			break
		}
		if err := w.rollLocked(ctx); err != nil {
			return err
		}
	}

	h := w.current
	base := segaddr.SegmentOff(w.allocatedTo)
	record := rec.Finalize(base, h.ID(), h.nonce)
	w.allocatedTo += record.Size.Total()
	h.acquire()
	prev, done := h.reserveTicket()

	grp.Go(fmt.Sprintf("record-%v-%v", h.ID(), base), func(ctx context.Context) error {
		// Errors are reported through errs rather than to the
		// group, so that one failed record does not cancel its
		// siblings mid-append.
		errs.set(w.submit(ctx, txn, h, prev, done, record))
		return nil
	})
	return nil
}

func (w *Writer) submit(ctx context.Context, txn *segcache.Transaction, h *openSegment, prev <-chan struct{}, done chan struct{}, record *segrecord.Record[*segcache.Extent]) error {
	defer h.release(ctx)
	defer record.Release()

	<-prev
	err := h.append(ctx, record.Base, record.Bytes())
	close(done)
	if err != nil {
		return err
	}
	dlog.Tracef(ctx, "wrote record at %v (%d extents, %v)", segaddr.PhysicalAddr{Seg: record.Segment, Off: record.Base},
		len(record.Entries), record.Size)
	w.updateStats(func(s *Stats) {
		s.Records++
		s.Extents += len(record.Entries)
		s.Bytes += record.Size.Total()
	})
	return w.finishWrite(ctx, txn, record)
}

// finishWrite moves every extent in a written record from its
// placeholder address to its new home.
func (w *Writer) finishWrite(ctx context.Context, txn *segcache.Transaction, record *segrecord.Record[*segcache.Extent]) error {
	for _, ent := range record.Entries {
		ext := ent.Extent
		if err := w.deps.Index.UpdateMapping(ctx, txn, ext.LAddr(), ext.PAddr(), ent.Addr); err != nil {
			return err
		}
		w.deps.Cache.MarkDelayedOOL(txn, ext, ent.Addr)
	}
	return nil
}

// Stop rejects new writes, waits for in-flight writes to drain, and
// closes every segment the writer has open.  It returns any errors
// from closing segments.  Calling Stop more than once is safe; later
// calls return the same result as the first.
func (w *Writer) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopErr = w.stop(ctx)
	})
	return w.stopErr
}

func (w *Writer) stop(ctx context.Context) error {
	ctx = dlog.WithField(ctx, "segstore.writer", w.name)
	w.gate.close()

	w.mu.Lock()
	cur := w.current
	w.current = nil
	w.allocatedTo = 0
	w.mu.Unlock()
	if cur != nil {
		cur.release(ctx)
	}

	w.handlesMu.Lock()
	var pending []*openSegment
	for h := range w.handles {
		pending = append(pending, h)
	}
	w.handlesMu.Unlock()
	for _, h := range pending {
		<-h.closed
	}

	w.handlesMu.Lock()
	defer w.handlesMu.Unlock()
	dlog.Debugf(ctx, "stopped")
	if len(w.closeErrs) > 0 {
		return w.closeErrs
	}
	return nil
}
