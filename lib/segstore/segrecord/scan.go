// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segrecord

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/segstore-ng/lib/diskio"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

type ScanConfig struct {
	BlockSize segaddr.AddrDelta
	// If Nonce is non-nil, records stamped with a different nonce
	// are treated as the end of the segment.
	Nonce *segaddr.SegmentNonce
}

// Scan walks the records of a segment front-to-back, calling fn for
// each one.  It stops at the first block that does not hold a valid
// record, and returns the offset of that block (which is where the
// next record would be written).
//
// A record that has a valid header but fails its checksums is logged
// and treated as the end of the segment; it is most likely a torn
// write.
func Scan(ctx context.Context, file diskio.File[segaddr.SegmentOff], cfg ScanConfig, fn func(*DecodedRecord) error) (segaddr.SegmentOff, error) {
	if cfg.BlockSize <= 0 {
		return 0, fmt.Errorf("segrecord.Scan: invalid block size %v", cfg.BlockSize)
	}
	size := file.Size()
	// With blocks smaller than the fixed header, the header spans
	// several blocks.
	headBuf := make([]byte, roundUp(headerSize, cfg.BlockSize))
	var pos segaddr.SegmentOff
	for pos.Add(segaddr.AddrDelta(len(headBuf))) <= size {
		if err := ctx.Err(); err != nil {
			return pos, err
		}
		if err := diskio.ReadFull(file, headBuf, pos); err != nil {
			return pos, fmt.Errorf("%v: read header: %w", pos, err)
		}
		head, recSize, err := DecodeHeader(headBuf, cfg.BlockSize)
		if err != nil {
			if !errors.Is(err, ErrNotARecord) {
				dlog.Debugf(ctx, "%v: %v", pos, err)
			}
			return pos, nil
		}
		if head.Base != pos {
			dlog.Debugf(ctx, "%v: record claims base %v", pos, head.Base)
			return pos, nil
		}
		if cfg.Nonce != nil && head.Nonce != *cfg.Nonce {
			dlog.Debugf(ctx, "%v: stale record: nonce=%v want=%v", pos, head.Nonce, *cfg.Nonce)
			return pos, nil
		}
		if pos.Add(recSize.Total()) > size {
			dlog.Infof(ctx, "%v: truncated record: needs %v bytes", pos, recSize.Total())
			return pos, nil
		}
		recBuf := make([]byte, recSize.Total())
		if err := diskio.ReadFull(file, recBuf, pos); err != nil {
			return pos, fmt.Errorf("%v: read record: %w", pos, err)
		}
		rec, err := Decode(recBuf, cfg.BlockSize)
		if err != nil {
			dlog.Infof(ctx, "%v: %v", pos, err)
			return pos, nil
		}
		if err := fn(rec); err != nil {
			return pos, err
		}
		pos = pos.Add(recSize.Total())
	}
	return pos, nil
}
