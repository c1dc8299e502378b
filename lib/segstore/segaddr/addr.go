// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package segaddr defines the address types shared by the segment
// store: logical addresses, segment-relative physical addresses, and
// the small classifier enums attached to extents.
package segaddr

import (
	"fmt"
	"math"

	"git.lukeshu.com/segstore-ng/lib/fmtutil"
)

type (
	LogicalAddr int64
	SegmentOff  int64
	AddrDelta   int64
)

func formatAddr(addr int64, f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		str := fmt.Sprintf("%#016x", addr)
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), str)
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), addr)
	}
}

func (a LogicalAddr) Format(f fmt.State, verb rune) { formatAddr(int64(a), f, verb) }
func (a SegmentOff) Format(f fmt.State, verb rune)  { formatAddr(int64(a), f, verb) }
func (d AddrDelta) Format(f fmt.State, verb rune)   { formatAddr(int64(d), f, verb) }

func (a LogicalAddr) Sub(b LogicalAddr) AddrDelta { return AddrDelta(a - b) }
func (a SegmentOff) Sub(b SegmentOff) AddrDelta   { return AddrDelta(a - b) }

func (a LogicalAddr) Add(b AddrDelta) LogicalAddr { return a + LogicalAddr(b) }
func (a SegmentOff) Add(b AddrDelta) SegmentOff   { return a + SegmentOff(b) }

// NullLogicalAddr is the logical address of an extent that has not
// been assigned one.
const NullLogicalAddr = LogicalAddr(-1)

type SegmentID uint32

// Segment IDs at the top of the range never name a real segment; they
// mark physical addresses that are not (yet) on a segment device.
const (
	// NullSegmentID marks an unresolved address.
	NullSegmentID = SegmentID(math.MaxUint32 - iota)
	// TempSegmentID marks a transaction-unique placeholder handed
	// out for extents whose final address is delayed.
	TempSegmentID
	// InlineSegmentID marks an extent that is resident in the
	// cache and will be persisted inline with the journal.
	InlineSegmentID

	MaxSegmentID = InlineSegmentID - 1
)

func (id SegmentID) String() string {
	switch id {
	case NullSegmentID:
		return "NULL"
	case TempSegmentID:
		return "TEMP"
	case InlineSegmentID:
		return "INLINE"
	default:
		return fmt.Sprintf("%d", uint32(id))
	}
}

// PhysicalAddr is a (segment, offset) pair.
type PhysicalAddr struct {
	Seg SegmentID
	Off SegmentOff
}

// NullPhysicalAddr is the zero-information physical address.
var NullPhysicalAddr = PhysicalAddr{Seg: NullSegmentID, Off: 0}

func (a PhysicalAddr) Add(b AddrDelta) PhysicalAddr {
	return PhysicalAddr{
		Seg: a.Seg,
		Off: a.Off.Add(b),
	}
}

func (a PhysicalAddr) Cmp(b PhysicalAddr) int {
	switch {
	case a.Seg < b.Seg:
		return -1
	case a.Seg > b.Seg:
		return 1
	case a.Off < b.Off:
		return -1
	case a.Off > b.Off:
		return 1
	default:
		return 0
	}
}

func (a PhysicalAddr) IsNull() bool   { return a.Seg == NullSegmentID }
func (a PhysicalAddr) IsTemp() bool   { return a.Seg == TempSegmentID }
func (a PhysicalAddr) IsInline() bool { return a.Seg == InlineSegmentID }

// IsReal returns whether the address names a location on a segment
// device.
func (a PhysicalAddr) IsReal() bool { return a.Seg <= MaxSegmentID }

func (a PhysicalAddr) String() string {
	return fmt.Sprintf("%v:%v", a.Seg, a.Off)
}

// SegmentNonce is a per-segment value supplied by the journal; it is
// stamped into every record header so that a scan can reject records
// left over from a previous use of the same segment.
type SegmentNonce uint32

func (n SegmentNonce) String() string { return fmt.Sprintf("%#08x", uint32(n)) }
