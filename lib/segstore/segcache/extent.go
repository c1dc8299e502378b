// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package segcache holds the in-memory extent and transaction
// bookkeeping that the placement layer operates on.
package segcache

import (
	"fmt"
	"sync"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

// Extent is a unit of data with a permanent logical address and a
// physical address that is either temporary or final.
type Extent struct {
	typ     segaddr.ExtentType
	laddr   segaddr.LogicalAddr
	payload []byte

	mu      sync.Mutex
	paddr   segaddr.PhysicalAddr
	devType segaddr.DeviceType
	hint    segaddr.PlacementHint
	valid   bool
}

func (e *Extent) Type() segaddr.ExtentType   { return e.typ }
func (e *Extent) LAddr() segaddr.LogicalAddr { return e.laddr }
func (e *Extent) Length() segaddr.AddrDelta  { return segaddr.AddrDelta(len(e.payload)) }

// Payload returns the extent's data buffer.  Writers to the buffer
// must be done before the extent is handed to the placement layer.
func (e *Extent) Payload() []byte { return e.payload }

func (e *Extent) PAddr() segaddr.PhysicalAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paddr
}

func (e *Extent) setPAddr(paddr segaddr.PhysicalAddr) segaddr.PhysicalAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.paddr
	e.paddr = paddr
	return old
}

func (e *Extent) DeviceType() segaddr.DeviceType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devType
}

func (e *Extent) Hint() segaddr.PlacementHint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hint
}

// SetPlacement records the device type and hint an extent was
// allocated with.  It may only be called once.
func (e *Extent) SetPlacement(devType segaddr.DeviceType, hint segaddr.PlacementHint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.devType != segaddr.DeviceNone {
		panic(fmt.Errorf("should not happen: extent %v placement set twice", e.laddr))
	}
	e.devType = devType
	e.hint = hint
}

func (e *Extent) IsValid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.valid
}

// Invalidate marks the extent as no longer live (overwritten, or its
// owner removed); invalid extents are dropped rather than written.
func (e *Extent) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.valid = false
}

func (e *Extent) String() string {
	return fmt.Sprintf("extent{type=%v laddr=%v paddr=%v len=%d}", e.typ, e.laddr, e.PAddr(), len(e.payload))
}
