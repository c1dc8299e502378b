// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package segdev

import (
	"errors"
	"fmt"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
)

var (
	// ErrIO is a media fault.
	ErrIO = errors.New("input/output error")

	ErrInvalidOffset    = errors.New("write is not at the write pointer or not block-aligned")
	ErrSegmentClosed    = errors.New("segment is closed")
	ErrCapacityExceeded = errors.New("write would exceed segment capacity")

	// ErrNoSpace is returned by a Provider that has no free
	// segments left.
	ErrNoSpace = errors.New("no free segments")
)

// WriteError is returned from Segment.Write.
type WriteError struct {
	Seg segaddr.SegmentID
	Off segaddr.SegmentOff
	Len int
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write segment=%v off=%v len=%d: %v", e.Seg, e.Off, e.Len, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
