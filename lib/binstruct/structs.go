// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// End marks the end of a struct layout; its `off` must equal the sum
// of the preceding fields' sizes.
type End struct{}

var endType = reflect.TypeOf(End{})

// fieldLayout is one encoded field of a struct; fields tagged `bin:"-"`
// have no fieldLayout.
type fieldLayout struct {
	index int
	name  string
	off   int
	siz   int
}

type structLayout struct {
	size   int
	fields []fieldLayout
}

// parseTag parses a `bin:"..."` tag, returning ok=false for "-".
func parseTag(str string) (off, siz int, ok bool, err error) {
	for _, opt := range strings.Split(str, ",") {
		opt = strings.TrimSpace(opt)
		switch {
		case opt == "":
			continue
		case opt == "-":
			return 0, 0, false, nil
		}
		key, val, isKV := strings.Cut(opt, "=")
		if !isKV {
			return 0, 0, false, fmt.Errorf("tag option %q is not key=value", opt)
		}
		num, err := strconv.ParseInt(val, 0, 0)
		if err != nil {
			return 0, 0, false, fmt.Errorf("tag option %q: %w", key, err)
		}
		switch key {
		case "off":
			off = int(num)
		case "siz":
			siz = int(num)
		default:
			return 0, 0, false, fmt.Errorf("unknown tag option %q", key)
		}
	}
	return off, siz, true, nil
}

func buildLayout(typ reflect.Type) (structLayout, error) {
	var ret structLayout
	sawEnd := typ == endType
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		fail := func(err error) (structLayout, error) {
			return structLayout{}, &fieldError{Index: i, Name: sf.Name, Err: err}
		}
		if sf.Anonymous && sf.Type != endType {
			return fail(errors.New("embedded fields are not supported"))
		}
		off, siz, encoded, err := parseTag(sf.Tag.Get("bin"))
		if err != nil {
			return fail(err)
		}
		if !encoded {
			continue
		}
		if sawEnd {
			return fail(errors.New("field follows binstruct.End"))
		}
		if off != ret.size {
			return fail(fmt.Errorf("off=%#x, but the previous fields end at %#x", off, ret.size))
		}
		actual, err := staticSize(sf.Type)
		if err != nil {
			return fail(err)
		}
		if siz != actual {
			return fail(fmt.Errorf("siz=%#x, but the type is %#x bytes", siz, actual))
		}
		if sf.Type == endType {
			sawEnd = true
			continue
		}
		ret.fields = append(ret.fields, fieldLayout{
			index: i,
			name:  sf.Name,
			off:   off,
			siz:   siz,
		})
		ret.size += siz
	}
	if !sawEnd {
		return structLayout{}, errors.New("no binstruct.End marker")
	}
	return ret, nil
}

func (l structLayout) unmarshal(dat []byte, dst reflect.Value) (int, error) {
	if err := needNBytes(dat, l.size); err != nil {
		return 0, err
	}
	for _, f := range l.fields {
		n, err := Unmarshal(dat[f.off:f.off+f.siz], dst.Field(f.index).Addr().Interface())
		if err == nil && n != f.siz {
			err = fmt.Errorf("decoded %d bytes, expected %d", n, f.siz)
		}
		if err != nil {
			return f.off, &fieldError{Index: f.index, Name: f.name, Err: err}
		}
	}
	return l.size, nil
}

func (l structLayout) marshal(val reflect.Value) ([]byte, error) {
	ret := make([]byte, l.size)
	for _, f := range l.fields {
		dat, err := Marshal(val.Field(f.index).Interface())
		if err == nil && len(dat) != f.siz {
			err = fmt.Errorf("encoded %d bytes, expected %d", len(dat), f.siz)
		}
		if err != nil {
			return ret[:f.off], &fieldError{Index: f.index, Name: f.name, Err: err}
		}
		copy(ret[f.off:], dat)
	}
	return ret, nil
}

// Record headers are marshaled from many writer goroutines at once.
// The key is an interface type, which typedsync.Map cannot take before
// Go 1.20.
var layouts struct {
	sync.RWMutex
	m map[reflect.Type]structLayout
}

func getLayout(typ reflect.Type) (structLayout, error) {
	layouts.RLock()
	l, ok := layouts.m[typ]
	layouts.RUnlock()
	if ok {
		return l, nil
	}
	l, err := buildLayout(typ)
	if err != nil {
		return l, &Error{Op: OpLayout, Type: typ, Err: err}
	}
	layouts.Lock()
	if layouts.m == nil {
		layouts.m = make(map[reflect.Type]structLayout)
	}
	layouts.m[typ] = l
	layouts.Unlock()
	return l, nil
}
