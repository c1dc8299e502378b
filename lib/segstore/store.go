// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package segstore assembles the extent placement layer (segment
// provider, logical index, cache, allocators, and placement manager)
// from a segconf.Config.
package segstore

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/segstore-ng/lib/segstore/lbaindex"
	"git.lukeshu.com/segstore-ng/lib/segstore/placement"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segalloc"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
	"git.lukeshu.com/segstore-ng/lib/segstore/segconf"
	"git.lukeshu.com/segstore-ng/lib/segstore/segdev"
	"git.lukeshu.com/segstore-ng/lib/segstore/segwriter"
)

type Store struct {
	Config     segconf.Config
	Provider   segdev.Provider
	Cache      *segcache.MemCache
	Index      lbaindex.Index
	Manager    *placement.Manager
	Allocators []*segalloc.Allocator

	closeIndex func() error
}

// Open builds a Store.  The nonce stamped into each segment's records
// is derived from the time the store was opened, so that records left
// over from an earlier run of a reused segment are recognizable as
// stale.
func Open(ctx context.Context, cfg segconf.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ret := &Store{
		Config: cfg,
		Cache:  segcache.NewMemCache(),
	}

	var err error
	switch cfg.Device {
	case segconf.DeviceMemory:
		ret.Provider, err = segdev.NewMemProvider(cfg.BlockSize, cfg.SegmentCapacity, cfg.MaxSegments)
	case segconf.DeviceFile:
		ret.Provider, err = segdev.NewFileProvider(cfg.SegmentDir, cfg.BlockSize, cfg.SegmentCapacity, cfg.MaxSegments)
	}
	if err != nil {
		return nil, err
	}

	switch cfg.Index {
	case segconf.IndexMemory:
		ret.Index = lbaindex.NewMemIndex()
	case segconf.IndexBadger:
		idx, err := lbaindex.OpenBadgerIndex(ctx, cfg.IndexDir, cfg.IndexCacheSize)
		if err != nil {
			return nil, err
		}
		ret.Index = idx
		ret.closeIndex = idx.Close
		// Mappings are keyed by starting address only, so starting
		// past the highest key keeps new keys from colliding.
		maxLAddr, ok, err := idx.MaxLogicalAddr()
		if err != nil {
			_ = idx.Close()
			return nil, err
		}
		if ok {
			ret.Cache.SkipLogicalAddrs(maxLAddr + 1)
			dlog.Debugf(ctx, "resuming logical addresses at %v", maxLAddr+1)
		}
	}

	ret.Manager = placement.New(ret.Cache, ret.Index, placement.DefaultPolicy{
		InlineMaxBytes: cfg.InlineMaxBytes,
	})
	epoch := uint32(time.Now().UnixNano())
	deps := segwriter.Deps{
		Provider: ret.Provider,
		Index:    ret.Index,
		Cache:    ret.Cache,
		Nonces: segwriter.NonceFunc(func(id segaddr.SegmentID) segaddr.SegmentNonce {
			return segaddr.SegmentNonce(epoch + uint32(id))
		}),
	}
	for i := 0; i < cfg.Allocators; i++ {
		alloc, err := segalloc.New(segalloc.Config{
			Name:    fmt.Sprintf("seg%d", i),
			Writers: cfg.WritersPerAllocator,
		}, deps)
		if err != nil {
			_ = ret.Close(ctx)
			return nil, err
		}
		ret.Allocators = append(ret.Allocators, alloc)
		ret.Manager.AddAllocator(segaddr.DeviceSegmented, alloc)
	}
	dlog.Debugf(ctx, "opened store: device=%v index=%v allocators=%d writers=%d",
		cfg.Device, cfg.Index, cfg.Allocators, cfg.WritersPerAllocator)
	return ret, nil
}

// Stats sums the writer statistics of every allocator.
func (s *Store) Stats() segwriter.Stats {
	var ret segwriter.Stats
	for _, alloc := range s.Allocators {
		ret = ret.Add(alloc.Stats())
	}
	return ret
}

// Close stops the allocators (closing any open segments) and then
// closes the index.
func (s *Store) Close(ctx context.Context) error {
	var errs derror.MultiError
	if s.Manager != nil {
		if err := s.Manager.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.closeIndex != nil {
		if err := s.closeIndex(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
