// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segaddr

import (
	"fmt"
)

type ExtentType uint8

const (
	ExtentTypeNone = ExtentType(iota)
	ExtentTypeRoot
	ExtentTypeLBAInternal
	ExtentTypeLBALeaf
	ExtentTypeOnodeBlock
	ExtentTypeObjectData
	ExtentTypeOmapInner
	ExtentTypeOmapLeaf
	ExtentTypeCollBlock
	ExtentTypeTestBlock
)

var extentTypeNames = []string{
	"NONE",
	"ROOT",
	"LADDR_INTERNAL",
	"LADDR_LEAF",
	"ONODE_BLOCK",
	"OBJECT_DATA_BLOCK",
	"OMAP_INNER",
	"OMAP_LEAF",
	"COLL_BLOCK",
	"TEST_BLOCK",
}

func (t ExtentType) String() string {
	if int(t) < len(extentTypeNames) {
		return extentTypeNames[t]
	}
	return fmt.Sprintf("ExtentType(%d)", uint8(t))
}

// IsLogical returns whether extents of this type are addressed
// through the logical index (as opposed to being addressed
// physically, like the index's own root).
func (t ExtentType) IsLogical() bool {
	switch t {
	case ExtentTypeOnodeBlock, ExtentTypeObjectData, ExtentTypeOmapInner,
		ExtentTypeOmapLeaf, ExtentTypeCollBlock, ExtentTypeTestBlock:
		return true
	default:
		return false
	}
}

// PlacementHint is attached to an extent when it is allocated and
// never changes afterward.
type PlacementHint uint8

const (
	HintNone = PlacementHint(iota)
	HintHot
	HintCold
	HintRewrite
)

func (h PlacementHint) String() string {
	names := map[PlacementHint]string{
		HintNone:    "NONE",
		HintHot:     "HOT",
		HintCold:    "COLD",
		HintRewrite: "REWRITE",
	}
	if name, ok := names[h]; ok {
		return name
	}
	return fmt.Sprintf("PlacementHint(%d)", uint8(h))
}

// DeviceType is the family of device an extent is destined for.
type DeviceType uint8

const (
	DeviceNone = DeviceType(iota)
	DeviceSegmented
	DeviceRandomBlock
	DevicePMEM
)

func (d DeviceType) String() string {
	names := map[DeviceType]string{
		DeviceNone:        "NONE",
		DeviceSegmented:   "SEGMENTED",
		DeviceRandomBlock: "RANDOM_BLOCK",
		DevicePMEM:        "PMEM",
	}
	if name, ok := names[d]; ok {
		return name
	}
	return fmt.Sprintf("DeviceType(%d)", uint8(d))
}

// NeedsDelayedAllocation returns whether the final address of an
// extent on this kind of device can only be known once it is written.
func (d DeviceType) NeedsDelayedAllocation() bool {
	return d == DeviceSegmented
}
