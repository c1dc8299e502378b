// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package diskio provides random-access files addressed by a typed
// offset.
package diskio

import (
	"errors"
	"fmt"
	"io"
)

type File[A ~int64] interface {
	Name() string
	Size() A
	Close() error
	ReadAt(p []byte, off A) (n int, err error)
	WriteAt(p []byte, off A) (n int, err error)
}

type assertAddr int64

var (
	_ io.WriterAt = File[int64](nil)
	_ io.ReaderAt = File[int64](nil)
)

// ReadFull reads exactly len(dat) bytes at off.  Running in to the
// end of the file is io.ErrUnexpectedEOF.
func ReadFull[A ~int64](file File[A], dat []byte, off A) error {
	n, err := file.ReadAt(dat, off)
	switch {
	case n == len(dat):
		return nil
	case err == nil, errors.Is(err, io.EOF):
		return fmt.Errorf("%s: read %d bytes at %v: %w", file.Name(), len(dat), off, io.ErrUnexpectedEOF)
	default:
		return fmt.Errorf("%s: %w", file.Name(), err)
	}
}
