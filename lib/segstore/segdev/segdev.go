// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package segdev defines the append-only segment device that records
// are written to, along with in-memory and file-backed
// implementations of it.
package segdev

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/segstore-ng/lib/diskio"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

// A Segment is an append-only region of fixed capacity.  Writes must
// be at the current write pointer and block-aligned; a successful
// write advances the write pointer by the length written.
type Segment interface {
	ID() segaddr.SegmentID
	Capacity() segaddr.AddrDelta
	BlockSize() segaddr.AddrDelta
	WritePointer() segaddr.SegmentOff

	Write(ctx context.Context, off segaddr.SegmentOff, dat []byte) error
	// Close transitions the segment to its terminal state; it is
	// an error to close a segment twice.
	Close(ctx context.Context) error
}

// A Provider hands out fresh segments, each starting with a write
// pointer of 0.
type Provider interface {
	BlockSize() segaddr.AddrDelta
	SegmentCapacity() segaddr.AddrDelta
	OpenNewSegment(ctx context.Context) (Segment, error)
}

// WriteFault is consulted before every segment write; a non-nil
// return fails the write with that error.
type WriteFault func(seg segaddr.SegmentID, off segaddr.SegmentOff, n int) error

// fileSegment implements Segment on top of a diskio.File.
type fileSegment struct {
	id        segaddr.SegmentID
	blockSize segaddr.AddrDelta
	capacity  segaddr.AddrDelta
	file      diskio.File[segaddr.SegmentOff]
	fault     func() WriteFault
	onClose   func(ctx context.Context, seg *fileSegment) error

	mu     sync.Mutex
	wp     segaddr.SegmentOff
	closed bool
}

var _ Segment = (*fileSegment)(nil)

func (s *fileSegment) ID() segaddr.SegmentID        { return s.id }
func (s *fileSegment) BlockSize() segaddr.AddrDelta { return s.blockSize }
func (s *fileSegment) Capacity() segaddr.AddrDelta  { return s.capacity }

func (s *fileSegment) WritePointer() segaddr.SegmentOff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wp
}

func (s *fileSegment) Write(ctx context.Context, off segaddr.SegmentOff, dat []byte) error {
	mkErr := func(err error) error {
		return &WriteError{Seg: s.id, Off: off, Len: len(dat), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return mkErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return mkErr(ErrSegmentClosed)
	case off != s.wp || segaddr.AddrDelta(off)%s.blockSize != 0:
		return mkErr(fmt.Errorf("%w (write_pointer=%v)", ErrInvalidOffset, s.wp))
	case off.Add(segaddr.AddrDelta(len(dat))) > segaddr.SegmentOff(s.capacity):
		return mkErr(fmt.Errorf("%w (capacity=%v)", ErrCapacityExceeded, s.capacity))
	}
	if s.fault != nil {
		if fault := s.fault(); fault != nil {
			if err := fault(s.id, off, len(dat)); err != nil {
				return mkErr(err)
			}
		}
	}
	n, err := s.file.WriteAt(dat, off)
	if err != nil {
		return mkErr(fmt.Errorf("%w: %v", ErrIO, err))
	}
	if n != len(dat) {
		return mkErr(fmt.Errorf("%w: %v", ErrIO, io.ErrShortWrite))
	}
	s.wp = off.Add(segaddr.AddrDelta(n))
	dlog.Tracef(ctx, "segment %v: wrote [%v,%v)", s.id, off, s.wp)
	return nil
}

func (s *fileSegment) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("close segment %v: %w", s.id, ErrSegmentClosed)
	}
	s.closed = true
	dlog.Debugf(ctx, "closing segment %v at write_pointer=%v", s.id, s.wp)
	if s.onClose != nil {
		if err := s.onClose(ctx, s); err != nil {
			return fmt.Errorf("close segment %v: %w", s.id, err)
		}
	}
	return nil
}
