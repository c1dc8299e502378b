// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/segstore-ng/lib/diskio"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

// MemProvider hands out segments held in memory.  Faults may be
// injected for testing.
type MemProvider struct {
	blockSize   segaddr.AddrDelta
	capacity    segaddr.AddrDelta
	maxSegments int

	mu         sync.Mutex
	segments   []*diskio.MemFile[segaddr.SegmentOff]
	open       map[segaddr.SegmentID]*fileSegment
	openFault  func() error
	writeFault WriteFault
}

var _ Provider = (*MemProvider)(nil)

// NewMemProvider returns a provider of segments of the given
// capacity.  If maxSegments is <= 0 there is no limit.
func NewMemProvider(blockSize, capacity segaddr.AddrDelta, maxSegments int) (*MemProvider, error) {
	if err := CheckGeometry(blockSize, capacity); err != nil {
		return nil, err
	}
	return &MemProvider{
		blockSize:   blockSize,
		capacity:    capacity,
		maxSegments: maxSegments,
		open:        make(map[segaddr.SegmentID]*fileSegment),
	}, nil
}

// CheckGeometry validates a block size and segment capacity pair.
func CheckGeometry(blockSize, capacity segaddr.AddrDelta) error {
	if blockSize <= 0 {
		return fmt.Errorf("invalid block size: %v", blockSize)
	}
	if capacity <= 0 || capacity%blockSize != 0 {
		return fmt.Errorf("invalid segment capacity: %v is not a positive multiple of the block size %v",
			capacity, blockSize)
	}
	return nil
}

func (p *MemProvider) BlockSize() segaddr.AddrDelta       { return p.blockSize }
func (p *MemProvider) SegmentCapacity() segaddr.AddrDelta { return p.capacity }

// SetOpenFault arranges for OpenNewSegment to call fn first, and fail
// if it returns an error.  A nil fn clears the fault.
func (p *MemProvider) SetOpenFault(fn func() error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openFault = fn
}

// SetWriteFault arranges for every segment write (including writes to
// already-open segments) to consult fn.  A nil fn clears the fault.
func (p *MemProvider) SetWriteFault(fn WriteFault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeFault = fn
}

func (p *MemProvider) getWriteFault() WriteFault {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeFault
}

func (p *MemProvider) OpenNewSegment(ctx context.Context) (Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openFault != nil {
		if err := p.openFault(); err != nil {
			return nil, fmt.Errorf("open new segment: %w", err)
		}
	}
	if (p.maxSegments > 0 && len(p.segments) >= p.maxSegments) ||
		segaddr.SegmentID(len(p.segments)) > segaddr.MaxSegmentID {
		return nil, fmt.Errorf("open new segment: %w", ErrNoSpace)
	}
	id := segaddr.SegmentID(len(p.segments))
	file := diskio.NewMemFile(fmt.Sprintf("mem-segment-%v", id), segaddr.SegmentOff(p.capacity))
	p.segments = append(p.segments, file)
	seg := &fileSegment{
		id:        id,
		blockSize: p.blockSize,
		capacity:  p.capacity,
		file:      file,
		fault:     p.getWriteFault,
		onClose: func(_ context.Context, seg *fileSegment) error {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.open, seg.id)
			return nil
		},
	}
	p.open[id] = seg
	dlog.Debugf(ctx, "opened segment %v", id)
	return seg, nil
}

// NumSegments returns how many segments have been handed out.
func (p *MemProvider) NumSegments() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.segments)
}

// NumOpen returns how many handed-out segments have not been closed.
func (p *MemProvider) NumOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

// ReadSegment returns a read-only view of a segment's contents,
// whether or not it is still open.
func (p *MemProvider) ReadSegment(id segaddr.SegmentID) (diskio.File[segaddr.SegmentOff], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int64(id) >= int64(len(p.segments)) {
		return nil, fmt.Errorf("segment %v: does not exist", id)
	}
	return readOnlyFile{p.segments[id]}, nil
}

type readOnlyFile struct {
	diskio.File[segaddr.SegmentOff]
}

func (readOnlyFile) Close() error { return nil }

func (f readOnlyFile) WriteAt([]byte, segaddr.SegmentOff) (int, error) {
	return 0, fmt.Errorf("%s: read-only", f.Name())
}
