// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package placement

import (
	"errors"
	"fmt"

	"git.lukeshu.com/segstore-ng/lib/segstore/lbaindex"
	"git.lukeshu.com/segstore-ng/lib/segstore/segdev"
	"git.lukeshu.com/segstore-ng/lib/segstore/segwriter"
)

var ErrNoAllocator = errors.New("no allocator registered for device type")

// ErrorClass is how the caller of a resolution pass should think about
// a failure.  None of them are retried by this package.
type ErrorClass int

const (
	ClassNone = ErrorClass(iota)
	ClassUnknown
	// ClassMediaFault is an I/O error from a device.
	ClassMediaFault
	// ClassProtocolViolation indicates a bug in size accounting or
	// segment rotation, or a misconfiguration.
	ClassProtocolViolation
	ClassResourceExhaustion
	// ClassIndexConflict is a compare-and-swap mismatch in the
	// logical index: something else moved the extent.
	ClassIndexConflict
	ClassShutdown
)

func (c ErrorClass) String() string {
	names := map[ErrorClass]string{
		ClassNone:               "none",
		ClassUnknown:            "unknown",
		ClassMediaFault:         "media-fault",
		ClassProtocolViolation:  "protocol-violation",
		ClassResourceExhaustion: "resource-exhaustion",
		ClassIndexConflict:      "index-conflict",
		ClassShutdown:           "shutdown",
	}
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorClass(%d)", int(c))
}

func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, segwriter.ErrWriterClosed):
		return ClassShutdown
	case errors.Is(err, segdev.ErrIO):
		return ClassMediaFault
	case errors.Is(err, segdev.ErrInvalidOffset),
		errors.Is(err, segdev.ErrSegmentClosed),
		errors.Is(err, segdev.ErrCapacityExceeded),
		errors.Is(err, segwriter.ErrExtentTooLarge),
		errors.Is(err, ErrNoAllocator):
		return ClassProtocolViolation
	case errors.Is(err, segdev.ErrNoSpace):
		return ClassResourceExhaustion
	case errors.Is(err, lbaindex.ErrMappingMismatch):
		return ClassIndexConflict
	default:
		return ClassUnknown
	}
}
