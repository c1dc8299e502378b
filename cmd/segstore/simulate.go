// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/segstore-ng/lib/segstore"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
	"git.lukeshu.com/segstore-ng/lib/segstore/segconf"
	"git.lukeshu.com/segstore-ng/lib/segstore/segwriter"
	"git.lukeshu.com/segstore-ng/lib/textui"
)

type simulateParams struct {
	Txns          int
	ExtentsPerTxn int
	MinSize       int64
	MaxSize       int64
	InvalidPct    int
	Seed          int64
}

type simulateProgress struct {
	Txns  textui.Portion[int]
	Bytes segaddr.AddrDelta
}

func (p simulateProgress) String() string {
	return textui.Sprintf("simulate: txn %v, %v written", p.Txns, textui.IEC(int64(p.Bytes), "B"))
}

type simulateResult struct {
	Txns    int               `json:"txns"`
	Extents segcache.TxnStats `json:"extents"`
	Writers segwriter.Stats   `json:"writers"`
}

var simulateHints = []segaddr.PlacementHint{
	segaddr.HintNone,
	segaddr.HintHot,
	segaddr.HintCold,
	segaddr.HintRewrite,
}

func runSimulation(ctx context.Context, store *segstore.Store, params simulateParams) (simulateResult, error) {
	rng := rand.New(rand.NewSource(params.Seed)) //nolint:gosec // Not used for security.
	progressWriter := textui.NewProgress[simulateProgress](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progressWriter.Done()

	var ret simulateResult
	for i := 0; i < params.Txns; i++ {
		if err := ctx.Err(); err != nil {
			return ret, err
		}
		txn := store.Cache.BeginTransaction()
		var exts []*segcache.Extent
		for j := 0; j < params.ExtentsPerTxn; j++ {
			size := params.MinSize
			if params.MaxSize > params.MinSize {
				size += rng.Int63n(params.MaxSize - params.MinSize + 1)
			}
			hint := simulateHints[rng.Intn(len(simulateHints))]
			ext, err := store.Manager.AllocNewExtent(ctx, txn, segaddr.ExtentTypeObjectData, segaddr.AddrDelta(size), hint)
			if err != nil {
				return ret, err
			}
			_, _ = rng.Read(ext.Payload())
			exts = append(exts, ext)
		}
		for _, ext := range exts {
			if rng.Intn(100) < params.InvalidPct {
				ext.Invalidate()
			}
		}
		if err := store.Manager.DelayedAllocOrOOLWrite(ctx, txn); err != nil {
			return ret, fmt.Errorf("txn %v: %w", txn.ID(), err)
		}
		stats := txn.Stats()
		ret.Txns++
		ret.Extents.Inline += stats.Inline
		ret.Extents.OOL += stats.OOL
		ret.Extents.DelayedInvalid += stats.DelayedInvalid
		progressWriter.Set(simulateProgress{
			Txns:  textui.Portion[int]{N: i + 1, D: params.Txns},
			Bytes: store.Stats().Bytes,
		})
	}
	ret.Writers = store.Stats()
	return ret, nil
}

func init() {
	params := simulateParams{
		Txns:          100,
		ExtentsPerTxn: 32,
		MinSize:       512,
		MaxSize:       64 * 1024,
		InvalidPct:    5,
		Seed:          1,
	}
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "simulate",
			Short: "Run randomly generated transactions through a store, and print statistics as JSON",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(cfg segconf.Config, cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			if params.MinSize < 1 || params.MaxSize < params.MinSize {
				return fmt.Errorf("invalid extent size range [%v, %v]", params.MinSize, params.MaxSize)
			}

			store, err := segstore.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if _err := store.Close(ctx); _err != nil && err == nil {
					err = _err
				}
			}()

			result, err := runSimulation(ctx, store, params)
			if err != nil {
				return err
			}
			dlog.Infof(ctx, "simulate: %v records, %v extents, %v segments opened, %v rolls",
				textui.Humanized(result.Writers.Records),
				textui.Humanized(result.Writers.Extents),
				result.Writers.SegmentsOpened,
				result.Writers.Rolls)
			return writeJSON(os.Stdout, result)
		},
	}
	cmd.Command.Flags().IntVar(&params.Txns, "txns", params.Txns, "number of transactions to run")
	cmd.Command.Flags().IntVar(&params.ExtentsPerTxn, "extents", params.ExtentsPerTxn, "number of extents allocated per transaction")
	cmd.Command.Flags().Int64Var(&params.MinSize, "min-size", params.MinSize, "smallest extent size, in bytes")
	cmd.Command.Flags().Int64Var(&params.MaxSize, "max-size", params.MaxSize, "largest extent size, in bytes")
	cmd.Command.Flags().IntVar(&params.InvalidPct, "invalid-pct", params.InvalidPct, "percent of extents invalidated before resolution")
	cmd.Command.Flags().Int64Var(&params.Seed, "seed", params.Seed, "random seed")
	subcommands = append(subcommands, cmd)
}
