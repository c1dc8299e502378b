// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui implements utilities for emitting human-friendly
// text on stdout and stderr.
package textui

import (
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"golang.org/x/exp/constraints"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"git.lukeshu.com/segstore-ng/lib/fmtutil"
)

var printer = message.NewPrinter(language.English)

// Fprintf is `fmt.Fprintf` with English digit grouping ("12,345").
// Use it for anything printed for a human, rather than for a program.
func Fprintf(w io.Writer, key string, a ...any) (n int, err error) {
	return printer.Fprintf(w, key, a...)
}

// Sprintf is the string-returning counterpart of Fprintf.
func Sprintf(key string, a ...any) string {
	return printer.Sprintf(key, a...)
}

// Humanized wraps x so that plain `fmt` formats it the way Fprintf
// would.
func Humanized(x any) any {
	return humanized{val: x}
}

type humanized struct {
	val any
}

var (
	_ fmt.Formatter = humanized{}
	_ fmt.Stringer  = humanized{}
)

// Format implements fmt.Formatter.
func (h humanized) Format(f fmt.State, verb rune) {
	_, _ = printer.Fprintf(f, fmtutil.FmtStateString(f, verb), h.val)
}

// String implements fmt.Stringer.
func (h humanized) String() string {
	return fmt.Sprint(h)
}

// Portion is a progress fraction N/D, formatted as
// "50% (2,048/4,096)".  An empty denominator counts as 100%.
type Portion[T constraints.Integer] struct {
	N, D T
}

var _ fmt.Stringer = Portion[int]{}

// String implements fmt.Stringer.
func (p Portion[T]) String() string {
	pct := uint64(100)
	if p.D > 0 {
		pct = (uint64(p.N) * 100) / uint64(p.D)
	}
	return printer.Sprintf("%d%% (%v/%v)", pct, uint64(p.N), uint64(p.D))
}

// IECValue is a quantity formatted with a binary (1024-based) prefix;
// see IEC.
type IECValue struct {
	Val  float64
	Unit string
}

var (
	_ fmt.Formatter = IECValue{}
	_ fmt.Stringer  = IECValue{}
)

// IEC returns x formatted with binary prefixes, so that
// IEC(1536*1024, "B") prints as "1.5MiB".  Width and precision flags
// apply to the number.
func IEC[T constraints.Integer | constraints.Float](x T, unit string) IECValue {
	return IECValue{
		Val:  float64(x),
		Unit: unit,
	}
}

var iecPrefixes = []string{"Ki", "Mi", "Gi", "Ti", "Pi", "Ei", "Zi", "Yi"}

// Format implements fmt.Formatter.
func (v IECValue) Format(f fmt.State, verb rune) {
	val := v.Val
	var prefix string
	for i := 0; i < len(iecPrefixes) && math.Abs(val) >= 1024; i++ {
		val /= 1024
		prefix = iecPrefixes[i]
	}
	suffix := prefix + v.Unit

	var arg any = val
	format := fmtutil.FmtStateString(f, verb)
	if width, ok := f.Width(); ok {
		width -= utf8.RuneCountInString(suffix)
		format = fmtutil.FmtStateStringWidth(f, verb, width)
	}
	if !math.IsNaN(val) && !math.IsInf(val, 0) {
		var opts []number.Option
		if prec, ok := f.Precision(); ok {
			opts = append(opts, number.Precision(prec))
		}
		arg = number.Decimal(val, opts...)
	}
	_, _ = printer.Fprintf(f, format+"%s", arg, suffix)
}

// String implements fmt.Stringer.
func (v IECValue) String() string {
	return fmt.Sprint(v)
}
