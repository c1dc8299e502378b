// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segconf"
	"git.lukeshu.com/segstore-ng/lib/segstore/segdev"
	"git.lukeshu.com/segstore-ng/lib/segstore/segrecord"
)

func writeJSON(w io.Writer, obj any) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	if err := lowmemjson.NewEncoder(buffer).Encode(obj); err != nil {
		return err
	}
	_, err = buffer.WriteString("\n")
	return err
}

// scanSegmentDir calls fn for every valid record in every segment
// file in the configured segment directory, in segment order, and
// returns where each segment's valid data ends.
func scanSegmentDir(ctx context.Context, cfg segconf.Config, fn func(segaddr.SegmentID, *segrecord.DecodedRecord) error) (map[segaddr.SegmentID]segaddr.SegmentOff, error) {
	ids, err := segdev.ListSegmentFiles(cfg.SegmentDir)
	if err != nil {
		return nil, err
	}
	ends := make(map[segaddr.SegmentID]segaddr.SegmentOff, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return ends, err
		}
		id := id
		file, err := segdev.OpenSegmentFile(cfg.SegmentDir, id)
		if err != nil {
			return ends, err
		}
		end, err := segrecord.Scan(ctx, file, segrecord.ScanConfig{BlockSize: cfg.BlockSize}, func(rec *segrecord.DecodedRecord) error {
			return fn(id, rec)
		})
		_ = file.Close()
		if err != nil {
			return ends, err
		}
		ends[id] = end
	}
	return ends, nil
}
