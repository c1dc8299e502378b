// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/segstore-ng/lib/diskio"
)

func TestMemFile(t *testing.T) {
	t.Parallel()
	f := diskio.NewMemFile[int64]("mem", 16)
	assert.Equal(t, "mem", f.Name())
	assert.Equal(t, int64(16), f.Size())

	n, err := f.WriteAt([]byte("hello"), 4)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = f.WriteAt([]byte("overflowing"), 8)
	assert.Error(t, err)

	buf := make([]byte, 5)
	n, err = f.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	n, err = f.ReadAt(buf, 14)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)

	require.NoError(t, f.Close())
	_, err = f.ReadAt(buf, 0)
	assert.Error(t, err)
}

func TestReadFull(t *testing.T) {
	t.Parallel()
	f := diskio.NewMemFile[int64]("mem", 16)
	_, err := f.WriteAt([]byte("0123456789abcdef"), 0)
	require.NoError(t, err)

	buf := make([]byte, 4)
	require.NoError(t, diskio.ReadFull[int64](f, buf, 12))
	assert.Equal(t, "cdef", string(buf))

	err = diskio.ReadFull[int64](f, buf, 14)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
