// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package profile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/segstore-ng/lib/profile"
)

func TestHeapFlag(t *testing.T) {
	t.Parallel()
	flagset := pflag.NewFlagSet("test", pflag.ContinueOnError)
	stop := profile.AddFlags(flagset, "profile.")
	assert.NotNil(t, flagset.Lookup("profile.cpu"))
	assert.NotNil(t, flagset.Lookup("profile.trace"))

	filename := filepath.Join(t.TempDir(), "heap.pprof")
	require.NoError(t, flagset.Parse([]string{"--profile.heap=" + filename}))
	require.NoError(t, stop())

	fi, err := os.Stat(filename)
	require.NoError(t, err)
	assert.NotZero(t, fi.Size())
}
