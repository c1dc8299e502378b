// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package placement

import (
	"git.lukeshu.com/segstore-ng/lib/segstore/hintsel"
	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/segstore/segcache"
)

// Policy makes the placement decisions for the Manager.  It must be
// deterministic and safe for concurrent use.
type Policy interface {
	// DeviceType picks the device family for a newly allocated
	// extent.
	DeviceType(hint segaddr.PlacementHint) segaddr.DeviceType
	// ShouldBeInline decides whether a delayed extent is kept in
	// the cache rather than written out-of-line.
	ShouldBeInline(ext *segcache.Extent) bool
	// SelectAllocator picks one of the n allocators registered for
	// the extent's device type; the return value must be in [0, n).
	SelectAllocator(ext *segcache.Extent, n int) int
}

// DefaultPolicy keeps small extents inline (unless they are expected
// to be cold), and spreads the rest across allocators by hint.
type DefaultPolicy struct {
	// InlineMaxBytes is the largest extent that is kept inline.
	InlineMaxBytes segaddr.AddrDelta
	// Devices maps hints to device types.  Hints that are not in
	// the map go to DeviceSegmented.
	Devices map[segaddr.PlacementHint]segaddr.DeviceType
}

var _ Policy = DefaultPolicy{}

func (p DefaultPolicy) DeviceType(hint segaddr.PlacementHint) segaddr.DeviceType {
	if dev, ok := p.Devices[hint]; ok {
		return dev
	}
	return segaddr.DeviceSegmented
}

func (p DefaultPolicy) ShouldBeInline(ext *segcache.Extent) bool {
	return ext.Length() <= p.InlineMaxBytes && ext.Hint() != segaddr.HintCold
}

func (p DefaultPolicy) SelectAllocator(ext *segcache.Extent, n int) int {
	// Salt by device type so that a hint does not land on the same
	// index in every family.
	return hintsel.Pick(ext.Hint(), uint64(ext.DeviceType()), n)
}
