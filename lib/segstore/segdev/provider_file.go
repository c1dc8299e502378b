// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/segstore-ng/lib/diskio"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

const (
	segmentFilePrefix = "segment-"
	segmentFileSuffix = ".seg"
)

// SegmentFileName returns the name of the file that FileProvider
// stores segment id in.
func SegmentFileName(id segaddr.SegmentID) string {
	return fmt.Sprintf("%s%08d%s", segmentFilePrefix, uint32(id), segmentFileSuffix)
}

// ParseSegmentFileName is the inverse of SegmentFileName.
func ParseSegmentFileName(name string) (segaddr.SegmentID, bool) {
	if !strings.HasPrefix(name, segmentFilePrefix) || !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, segmentFilePrefix), segmentFileSuffix)
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil || segaddr.SegmentID(n) > segaddr.MaxSegmentID {
		return 0, false
	}
	return segaddr.SegmentID(n), true
}

// FileProvider stores each segment as a preallocated file in a
// directory.  Segment IDs continue on from the highest-numbered
// segment file already in the directory.
type FileProvider struct {
	dir         string
	blockSize   segaddr.AddrDelta
	capacity    segaddr.AddrDelta
	maxSegments int

	mu     sync.Mutex
	nextID segaddr.SegmentID
	count  int
}

var _ Provider = (*FileProvider)(nil)

func NewFileProvider(dir string, blockSize, capacity segaddr.AddrDelta, maxSegments int) (*FileProvider, error) {
	if err := CheckGeometry(blockSize, capacity); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ids, err := ListSegmentFiles(dir)
	if err != nil {
		return nil, err
	}
	ret := &FileProvider{
		dir:         dir,
		blockSize:   blockSize,
		capacity:    capacity,
		maxSegments: maxSegments,
		count:       len(ids),
	}
	if len(ids) > 0 {
		ret.nextID = ids[len(ids)-1] + 1
	}
	return ret, nil
}

// ListSegmentFiles returns the IDs of the segment files in dir, in
// ascending order.
func ListSegmentFiles(dir string) ([]segaddr.SegmentID, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []segaddr.SegmentID
	for _, ent := range ents {
		if id, ok := ParseSegmentFileName(ent.Name()); ok && ent.Type().IsRegular() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// OpenSegmentFile opens an existing segment file for reading.
func OpenSegmentFile(dir string, id segaddr.SegmentID) (diskio.File[segaddr.SegmentOff], error) {
	file, err := diskio.OpenFile[segaddr.SegmentOff](filepath.Join(dir, SegmentFileName(id)), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (p *FileProvider) Dir() string                        { return p.dir }
func (p *FileProvider) BlockSize() segaddr.AddrDelta       { return p.blockSize }
func (p *FileProvider) SegmentCapacity() segaddr.AddrDelta { return p.capacity }

func (p *FileProvider) OpenNewSegment(ctx context.Context) (Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if (p.maxSegments > 0 && p.count >= p.maxSegments) || p.nextID > segaddr.MaxSegmentID {
		return nil, fmt.Errorf("open new segment: %w", ErrNoSpace)
	}
	id := p.nextID
	filename := filepath.Join(p.dir, SegmentFileName(id))
	file, err := diskio.OpenFile[segaddr.SegmentOff](filename, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open new segment: %w: %v", ErrIO, err)
	}
	if err := file.Truncate(segaddr.SegmentOff(p.capacity)); err != nil {
		_ = file.Close()
		_ = os.Remove(filename)
		return nil, fmt.Errorf("open new segment: %w: %v", ErrIO, err)
	}
	p.nextID++
	p.count++
	dlog.Debugf(ctx, "opened segment %v (%q)", id, filename)
	return &fileSegment{
		id:        id,
		blockSize: p.blockSize,
		capacity:  p.capacity,
		file:      file,
		onClose: func(_ context.Context, _ *fileSegment) error {
			var errs derror.MultiError
			if err := file.Sync(); err != nil {
				errs = append(errs, err)
			}
			if err := file.Close(); err != nil {
				errs = append(errs, err)
			}
			if len(errs) > 0 {
				return errs
			}
			return nil
		},
	}, nil
}
