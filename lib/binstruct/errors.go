// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"fmt"
	"reflect"
)

type Op string

const (
	OpLayout    Op = "layout"
	OpMarshal   Op = "marshal"
	OpUnmarshal Op = "unmarshal"
)

// Error is returned (or, for unsupported types, panicked) by every
// function in this package.
type Error struct {
	Op     Op
	Type   reflect.Type
	Method string // set if the error came from a (Un)MarshalBinary method
	Err    error
}

func (e *Error) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("binstruct %s: (%v).%s: %v", e.Op, e.Type, e.Method, e.Err)
	}
	return fmt.Sprintf("binstruct %s: %v: %v", e.Op, e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type fieldError struct {
	Index int
	Name  string
	Err   error
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("field %d %q: %v", e.Index, e.Name, e.Err)
}

func (e *fieldError) Unwrap() error { return e.Err }
