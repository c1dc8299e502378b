// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package binstruct marshals fixed-layout little-endian structures.
//
// Struct fields are described with `bin:"off=OFFSET, siz=SIZE"` tags,
// and the layout must end with a `binstruct.End` marker so that the
// tags can be checked against the Go types at first use.
package binstruct

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
)

type (
	Marshaler   = encoding.BinaryMarshaler
	Unmarshaler interface {
		UnmarshalBinary([]byte) (int, error)
	}
	StaticSizer interface {
		BinaryStaticSize() int
	}
)

var (
	staticSizerType = reflect.TypeOf((*StaticSizer)(nil)).Elem()
	marshalerType   = reflect.TypeOf((*Marshaler)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()
)

func needNBytes(dat []byte, n int) error {
	if len(dat) < n {
		return fmt.Errorf("need at least %v bytes, only have %v", n, len(dat))
	}
	return nil
}

// StaticSize returns the encoded size of obj's type.  It panics if
// the type is not statically sized.
func StaticSize(obj any) int {
	sz, err := staticSize(reflect.TypeOf(obj))
	if err != nil {
		panic(err)
	}
	return sz
}

func staticSize(typ reflect.Type) (int, error) {
	if typ.Implements(staticSizerType) {
		return reflect.New(typ).Elem().Interface().(StaticSizer).BinaryStaticSize(), nil //nolint:forcetypeassert // checked above
	}
	if typ.Implements(marshalerType) || reflect.PtrTo(typ).Implements(unmarshalerType) {
		return 0, &Error{
			Op:   OpLayout,
			Type: typ,
			Err:  errors.New("has a custom binary encoding but no BinaryStaticSize method"),
		}
	}
	switch typ.Kind() {
	case reflect.Uint8, reflect.Int8:
		return 1, nil
	case reflect.Uint16, reflect.Int16:
		return 2, nil
	case reflect.Uint32, reflect.Int32:
		return 4, nil
	case reflect.Uint64, reflect.Int64:
		return 8, nil
	case reflect.Array:
		elemSize, err := staticSize(typ.Elem())
		if err != nil {
			return 0, err
		}
		return elemSize * typ.Len(), nil
	case reflect.Struct:
		l, err := getLayout(typ)
		if err != nil {
			return 0, err
		}
		return l.size, nil
	default:
		return 0, &Error{
			Op:   OpLayout,
			Type: typ,
			Err:  fmt.Errorf("kind=%v is not a supported statically-sized kind", typ.Kind()),
		}
	}
}

// Marshal encodes obj.  It panics if obj's type is not supported.
func Marshal(obj any) ([]byte, error) {
	if mar, ok := obj.(Marshaler); ok {
		dat, err := mar.MarshalBinary()
		if err != nil {
			err = &Error{
				Op:     OpMarshal,
				Type:   reflect.TypeOf(obj),
				Method: "MarshalBinary",
				Err:    err,
			}
		}
		return dat, err
	}
	return marshalValue(reflect.ValueOf(obj))
}

func marshalValue(val reflect.Value) ([]byte, error) {
	switch val.Kind() {
	case reflect.Uint8, reflect.Int8:
		return []byte{byte(intBits(val))}, nil
	case reflect.Uint16, reflect.Int16:
		return binary.LittleEndian.AppendUint16(nil, uint16(intBits(val))), nil
	case reflect.Uint32, reflect.Int32:
		return binary.LittleEndian.AppendUint32(nil, uint32(intBits(val))), nil
	case reflect.Uint64, reflect.Int64:
		return binary.LittleEndian.AppendUint64(nil, intBits(val)), nil
	case reflect.Array:
		var ret []byte
		for i := 0; i < val.Len(); i++ {
			bs, err := Marshal(val.Index(i).Interface())
			ret = append(ret, bs...)
			if err != nil {
				return ret, err
			}
		}
		return ret, nil
	case reflect.Struct:
		l, err := getLayout(val.Type())
		if err != nil {
			panic(err)
		}
		dat, err := l.marshal(val)
		if err != nil {
			err = &Error{Op: OpMarshal, Type: val.Type(), Err: err}
		}
		return dat, err
	default:
		panic(&Error{
			Op:   OpLayout,
			Type: val.Type(),
			Err:  fmt.Errorf("kind=%v is not a supported statically-sized kind", val.Kind()),
		})
	}
}

func intBits(val reflect.Value) uint64 {
	switch val.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(val.Int())
	default:
		return val.Uint()
	}
}

// Unmarshal decodes into dstPtr, returning the number of bytes
// consumed.  It panics if dstPtr is not a pointer to a supported
// type.
func Unmarshal(dat []byte, dstPtr any) (int, error) {
	if unmar, ok := dstPtr.(Unmarshaler); ok {
		n, err := unmar.UnmarshalBinary(dat)
		if err != nil {
			err = &Error{
				Op:     OpUnmarshal,
				Type:   reflect.TypeOf(dstPtr),
				Method: "UnmarshalBinary",
				Err:    err,
			}
		}
		return n, err
	}
	ptr := reflect.ValueOf(dstPtr)
	if ptr.Kind() != reflect.Ptr {
		panic(&Error{
			Op:   OpUnmarshal,
			Type: ptr.Type(),
			Err:  errors.New("not a pointer"),
		})
	}
	return unmarshalValue(dat, ptr.Elem())
}

func unmarshalValue(dat []byte, dst reflect.Value) (int, error) {
	switch dst.Kind() {
	case reflect.Uint8, reflect.Int8, reflect.Uint16, reflect.Int16,
		reflect.Uint32, reflect.Int32, reflect.Uint64, reflect.Int64:
		size := int(dst.Type().Size())
		if err := needNBytes(dat, size); err != nil {
			return 0, &Error{Op: OpUnmarshal, Type: dst.Type(), Err: err}
		}
		var bits uint64
		switch size {
		case 1:
			bits = uint64(dat[0])
		case 2:
			bits = uint64(binary.LittleEndian.Uint16(dat))
		case 4:
			bits = uint64(binary.LittleEndian.Uint32(dat))
		case 8:
			bits = binary.LittleEndian.Uint64(dat)
		}
		switch dst.Kind() {
		case reflect.Int8:
			dst.SetInt(int64(int8(bits)))
		case reflect.Int16:
			dst.SetInt(int64(int16(bits)))
		case reflect.Int32:
			dst.SetInt(int64(int32(bits)))
		case reflect.Int64:
			dst.SetInt(int64(bits))
		default:
			dst.SetUint(bits)
		}
		return size, nil
	case reflect.Array:
		var n int
		for i := 0; i < dst.Len(); i++ {
			_n, err := Unmarshal(dat[n:], dst.Index(i).Addr().Interface())
			n += _n
			if err != nil {
				return n, err
			}
		}
		return n, nil
	case reflect.Struct:
		l, err := getLayout(dst.Type())
		if err != nil {
			panic(err)
		}
		n, err := l.unmarshal(dat, dst)
		if err != nil {
			err = &Error{Op: OpUnmarshal, Type: dst.Type(), Err: err}
		}
		return n, err
	default:
		panic(&Error{
			Op:   OpLayout,
			Type: dst.Type(),
			Err:  fmt.Errorf("kind=%v is not a supported statically-sized kind", dst.Kind()),
		})
	}
}
