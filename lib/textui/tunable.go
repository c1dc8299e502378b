// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

// Tunable marks a built-in default (a segment size, a writer count, a
// progress interval) whose best value depends on the workload.  It
// returns x unchanged; grep for it to find the knobs.
func Tunable[T any](x T) T { return x }
