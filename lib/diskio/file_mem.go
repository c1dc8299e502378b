// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"fmt"
	"io"
	"sync"
)

// MemFile is a fixed-size File held in memory.
type MemFile[A ~int64] struct {
	name string

	mu     sync.RWMutex
	dat    []byte
	closed bool
}

var _ File[assertAddr] = (*MemFile[assertAddr])(nil)

func NewMemFile[A ~int64](name string, size A) *MemFile[A] {
	return &MemFile[A]{
		name: name,
		dat:  make([]byte, size),
	}
}

func (f *MemFile[A]) Name() string { return f.name }

func (f *MemFile[A]) Size() A {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return A(len(f.dat))
}

func (f *MemFile[A]) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *MemFile[A]) ReadAt(dat []byte, off A) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0, fmt.Errorf("%s: read: file is closed", f.name)
	}
	if off < 0 {
		return 0, fmt.Errorf("%s: read: negative offset %v", f.name, int64(off))
	}
	if off >= A(len(f.dat)) {
		return 0, io.EOF
	}
	n := copy(dat, f.dat[off:])
	if n < len(dat) {
		return n, io.EOF
	}
	return n, nil
}

func (f *MemFile[A]) WriteAt(dat []byte, off A) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, fmt.Errorf("%s: write: file is closed", f.name)
	}
	if off < 0 || off+A(len(dat)) > A(len(f.dat)) {
		return 0, fmt.Errorf("%s: write: [%v,%v) is outside of file size %v",
			f.name, int64(off), int64(off)+int64(len(dat)), len(f.dat))
	}
	return copy(f.dat[off:], dat), nil
}
