// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// maxZeroWidthElements bounds arrays whose elements occupy no bytes, such as
// an array of nulls, since their count cannot be checked against the buffer.
const maxZeroWidthElements = 1 << 16

// ReadAny reads a single AMQP encoded value.
func ReadAny(b *Buffer) (any, error) {
	code, err := b.ReadByte()
	if err != nil {
		return nil, err
	}
	if code == TypeDescriptor {
		return readDescribedBody(b)
	}
	return readByCode(b, code)
}

// ReadDescribed reads a described value, failing for anything else.
func ReadDescribed(b *Buffer) (*Described, error) {
	code, err := b.ReadByte()
	if err != nil {
		return nil, err
	}
	if code != TypeDescriptor {
		return nil, fmt.Errorf("%w: expected described type, got 0x%02x", ErrUnexpectedType, code)
	}
	return readDescribedBody(b)
}

// ReadListFields reads a described list and returns its numeric descriptor
// and fields. Symbolic descriptors of known types are resolved to codes.
func ReadListFields(b *Buffer) (uint64, []any, error) {
	d, err := ReadDescribed(b)
	if err != nil {
		return 0, nil, err
	}
	fields, ok := d.Value.([]any)
	if !ok {
		return 0, nil, fmt.Errorf("%w: described value is %T, not a list", ErrUnexpectedType, d.Value)
	}
	return d.Code(), fields, nil
}

func readDescribedBody(b *Buffer) (*Described, error) {
	descriptor, err := ReadAny(b)
	if err != nil {
		return nil, err
	}
	switch d := descriptor.(type) {
	case uint64, Symbol:
	default:
		return nil, fmt.Errorf("%w: descriptor of type %T", ErrUnexpectedType, d)
	}
	value, err := ReadAny(b)
	if err != nil {
		return nil, err
	}
	return &Described{Descriptor: descriptor, Value: value}, nil
}

func readByCode(b *Buffer, code byte) (any, error) {
	switch code {
	case TypeNull:
		return nil, nil
	case TypeBoolTrue:
		return true, nil
	case TypeBoolFalse:
		return false, nil
	case TypeBool:
		v, err := b.ReadByte()
		if err != nil {
			return nil, err
		}
		return v != 0, nil
	case TypeUbyte:
		return b.ReadByte()
	case TypeUshort:
		return b.ReadUint16()
	case TypeUint0:
		return uint32(0), nil
	case TypeUintSmall:
		v, err := b.ReadByte()
		return uint32(v), err
	case TypeUint:
		return b.ReadUint32()
	case TypeUlong0:
		return uint64(0), nil
	case TypeUlongSmall:
		v, err := b.ReadByte()
		return uint64(v), err
	case TypeUlong:
		return b.ReadUint64()
	case TypeByte:
		v, err := b.ReadByte()
		return int8(v), err
	case TypeShort:
		v, err := b.ReadUint16()
		return int16(v), err
	case TypeIntSmall:
		v, err := b.ReadByte()
		return int32(int8(v)), err
	case TypeInt:
		v, err := b.ReadUint32()
		return int32(v), err
	case TypeLongSmall:
		v, err := b.ReadByte()
		return int64(int8(v)), err
	case TypeLong:
		v, err := b.ReadUint64()
		return int64(v), err
	case TypeFloat:
		v, err := b.ReadUint32()
		return math.Float32frombits(v), err
	case TypeDouble:
		v, err := b.ReadUint64()
		return math.Float64frombits(v), err
	case TypeChar:
		v, err := b.ReadUint32()
		return Char(rune(v)), err
	case TypeDecimal32:
		var d Decimal32
		if err := readInto(b, d[:]); err != nil {
			return nil, err
		}
		return d, nil
	case TypeDecimal64:
		var d Decimal64
		if err := readInto(b, d[:]); err != nil {
			return nil, err
		}
		return d, nil
	case TypeDecimal128:
		var d Decimal128
		if err := readInto(b, d[:]); err != nil {
			return nil, err
		}
		return d, nil
	case TypeTimestamp:
		v, err := b.ReadUint64()
		if err != nil {
			return nil, err
		}
		return TimestampFromMillis(int64(v)), nil
	case TypeUUID:
		p, err := b.Next(16)
		if err != nil {
			return nil, err
		}
		var u UUID
		copy(u[:], p)
		return u, nil
	case TypeBinaryShort, TypeBinaryLong:
		return readVariable(b, code == TypeBinaryLong)
	case TypeStringShort, TypeStringLong:
		p, err := readVariable(b, code == TypeStringLong)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(p) {
			return nil, fmt.Errorf("%w: invalid UTF-8 in string", ErrUnexpectedType)
		}
		return string(p), nil
	case TypeSymbolShort, TypeSymbolLong:
		p, err := readVariable(b, code == TypeSymbolLong)
		if err != nil {
			return nil, err
		}
		return Symbol(p), nil
	case TypeList0:
		return []any{}, nil
	case TypeList8, TypeList32:
		return readList(b, code)
	case TypeMap8, TypeMap32:
		return readMap(b, code)
	case TypeArray8, TypeArray32:
		return readArray(b, code)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, code)
	}
}

func readInto(b *Buffer, dst []byte) error {
	p, err := b.Next(len(dst))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

func readVariable(b *Buffer, long bool) ([]byte, error) {
	n, err := readLength(b, long)
	if err != nil {
		return nil, err
	}
	if n > b.Len() {
		return nil, fmt.Errorf("%w: length %d exceeds %d remaining bytes", ErrInvalidSize, n, b.Len())
	}
	return b.Next(n)
}

func readLength(b *Buffer, long bool) (int, error) {
	if long {
		v, err := b.ReadUint32()
		return int(v), err
	}
	v, err := b.ReadByte()
	return int(v), err
}

// readCompoundHeader reads and validates the size and count of a list, map or
// array. On failure the read index is left just after the offending field.
func readCompoundHeader(b *Buffer, code byte) (size, count int, err error) {
	long := code == TypeList32 || code == TypeMap32 || code == TypeArray32
	width := 1
	if long {
		width = 4
	}
	size, err = readLength(b, long)
	if err != nil {
		return 0, 0, err
	}
	if size > b.Len() {
		return 0, 0, fmt.Errorf("%w: 0x%02x size %d exceeds %d remaining bytes", ErrInvalidSize, code, size, b.Len())
	}
	if size < width {
		return 0, 0, fmt.Errorf("%w: 0x%02x size %d smaller than its count field", ErrInvalidSize, code, size)
	}
	count, err = readLength(b, long)
	if err != nil {
		return 0, 0, err
	}
	body := size - width
	switch code {
	case TypeMap8, TypeMap32:
		if count%2 != 0 {
			return 0, 0, fmt.Errorf("%w: map with odd element count %d", ErrInvalidSize, count)
		}
		fallthrough
	case TypeList8, TypeList32:
		if count > body {
			return 0, 0, fmt.Errorf("%w: 0x%02x count %d exceeds %d remaining bytes", ErrInvalidSize, code, count, body)
		}
	}
	return body, count, nil
}

func readList(b *Buffer, code byte) (any, error) {
	size, count, err := readCompoundHeader(b, code)
	if err != nil {
		return nil, err
	}
	body, err := b.Slice(size)
	if err != nil {
		return nil, err
	}
	list := make([]any, count)
	for i := range list {
		if list[i], err = ReadAny(body); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func readMap(b *Buffer, code byte) (any, error) {
	size, count, err := readCompoundHeader(b, code)
	if err != nil {
		return nil, err
	}
	body, err := b.Slice(size)
	if err != nil {
		return nil, err
	}
	m := make(map[any]any, count/2)
	for i := 0; i < count; i += 2 {
		k, err := ReadAny(body)
		if err != nil {
			return nil, err
		}
		if !hashable(k) {
			return nil, fmt.Errorf("%w: map key of type %T", ErrUnexpectedType, k)
		}
		v, err := ReadAny(body)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func hashable(k any) bool {
	switch k.(type) {
	case []byte, []any, Array, []Symbol, map[any]any:
		return false
	default:
		return true
	}
}

// arrayElements reads the shared element constructor of an array body and
// validates count against the bytes left for the elements.
func arrayElements(body *Buffer, count int) (descriptor any, code byte, err error) {
	code, err = body.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	if code == TypeDescriptor {
		if descriptor, err = ReadAny(body); err != nil {
			return nil, 0, err
		}
		if code, err = body.ReadByte(); err != nil {
			return nil, 0, err
		}
	}
	width, ok := fixedWidth(code)
	if !ok {
		width = 1
	}
	switch {
	case width == 0 && count > maxZeroWidthElements:
		return nil, 0, fmt.Errorf("%w: array count %d of zero-width elements", ErrInvalidSize, count)
	case width > 0 && count > body.Len()/width:
		return nil, 0, fmt.Errorf("%w: array count %d exceeds %d remaining bytes", ErrInvalidSize, count, body.Len())
	}
	return descriptor, code, nil
}

func readArray(b *Buffer, code byte) (any, error) {
	size, count, err := readCompoundHeader(b, code)
	if err != nil {
		return nil, err
	}
	body, err := b.Slice(size)
	if err != nil {
		return nil, err
	}
	if count == 0 && body.Len() == 0 {
		return Array{}, nil
	}
	descriptor, elem, err := arrayElements(body, count)
	if err != nil {
		return nil, err
	}

	arr := make(Array, count)
	for i := range arr {
		v, err := readByCode(body, elem)
		if err != nil {
			return nil, err
		}
		if descriptor != nil {
			v = &Described{Descriptor: descriptor, Value: v}
		}
		arr[i] = v
	}
	return arr, nil
}
