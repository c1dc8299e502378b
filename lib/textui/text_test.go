// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/segstore-ng/lib/segstore/segaddr"
	"git.lukeshu.com/segstore-ng/lib/textui"
)

func TestFprintf(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	textui.Fprintf(&out, "%d", 12345)
	assert.Equal(t, "12,345", out.String())
}

func TestHumanized(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "12,345", fmt.Sprint(textui.Humanized(12345)))
	assert.Equal(t, "12,345  ", fmt.Sprintf("%-8d", textui.Humanized(12345)))

	laddr := segaddr.LogicalAddr(345243543)
	assert.Equal(t, "0x000000001493ff97", fmt.Sprintf("%v", textui.Humanized(laddr)))
	assert.Equal(t, "345243543", fmt.Sprintf("%d", textui.Humanized(laddr)))
	assert.Equal(t, "345,243,543", fmt.Sprintf("%d", textui.Humanized(uint64(laddr))))
}

func TestPortion(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "100% (0/0)", fmt.Sprint(textui.Portion[int]{}))
	assert.Equal(t, "0% (1/12,345)", fmt.Sprint(textui.Portion[int]{N: 1, D: 12345}))
	assert.Equal(t, "100% (0/0)", fmt.Sprint(textui.Portion[segaddr.AddrDelta]{}))
	assert.Equal(t, "50% (2,048/4,096)", fmt.Sprint(textui.Portion[segaddr.AddrDelta]{N: 2048, D: 4096}))
}

func TestIEC(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "512B", fmt.Sprint(textui.IEC(512, "B")))
	assert.Equal(t, "4KiB", fmt.Sprint(textui.IEC(segaddr.AddrDelta(4096), "B")))
	assert.Equal(t, "1.5MiB", fmt.Sprint(textui.IEC(1536*1024, "B")))
	assert.Equal(t, "-2KiB", fmt.Sprint(textui.IEC(-2048, "B")))
	assert.Equal(t, "8KiB", fmt.Sprint(textui.IEC(segaddr.SegmentOff(8192), "B")))
}
