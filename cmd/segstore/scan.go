// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/segstore-ng/lib/maps"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segconf"
	"git.lukeshu.com/segstore-ng/lib/segstore/segrecord"
	"git.lukeshu.com/segstore-ng/lib/textui"
)

type segmentSummary struct {
	Segment   segaddr.SegmentID    `json:"segment"`
	Nonce     segaddr.SegmentNonce `json:"nonce"`
	Records   int                  `json:"records"`
	Extents   int                  `json:"extents"`
	DataBytes int64                `json:"data_bytes"`
	End       int64                `json:"end"`
}

var errNoSegmentDir = errors.New("no segment directory configured (use --segment-dir or segment_dir)")

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "scan",
			Short: "Summarize the valid records in each segment file",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(cfg segconf.Config, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if cfg.SegmentDir == "" {
				return errNoSegmentDir
			}

			summaries := make(map[segaddr.SegmentID]*segmentSummary)
			ends, err := scanSegmentDir(ctx, cfg, func(id segaddr.SegmentID, rec *segrecord.DecodedRecord) error {
				sum, ok := summaries[id]
				if !ok {
					sum = &segmentSummary{Segment: id, Nonce: rec.Head.Nonce}
					summaries[id] = sum
				}
				sum.Records++
				sum.Extents += len(rec.Extents)
				sum.DataBytes += int64(rec.Size.DataLength)
				return nil
			})
			if err != nil {
				return err
			}

			ret := make([]segmentSummary, 0, len(ends))
			for _, id := range maps.SortedKeys(ends) {
				sum, ok := summaries[id]
				if !ok {
					sum = &segmentSummary{Segment: id}
				}
				sum.End = int64(ends[id])
				dlog.Debugf(ctx, "segment %v: %v records, %v extents, %v valid",
					id, sum.Records, sum.Extents, textui.IEC(sum.End, "B"))
				ret = append(ret, *sum)
			}
			return writeJSON(os.Stdout, ret)
		},
	}, subcommand{
		Command: cobra.Command{
			Use:   "spew-records",
			Short: "Spew every valid record header and extent descriptor as parsed",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(cfg segconf.Config, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if cfg.SegmentDir == "" {
				return errNoSegmentDir
			}

			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true
			spew.MaxDepth = 3

			_, err := scanSegmentDir(ctx, cfg, func(id segaddr.SegmentID, rec *segrecord.DecodedRecord) error {
				// Payloads would drown out everything else.
				for i := range rec.Extents {
					rec.Extents[i].Payload = nil
				}
				textui.Fprintf(os.Stdout, "%v = ", segaddr.PhysicalAddr{Seg: id, Off: rec.Head.Base})
				spew.Dump(rec)
				_, _ = os.Stdout.WriteString("\n")
				return nil
			})
			return err
		},
	})
}
