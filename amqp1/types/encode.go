// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"math"
	"time"
)

// Encodable is implemented by composite values that know their own encoding,
// such as performatives and message sections.
type Encodable interface {
	Encode(b *Buffer) error
}

// WriteNull writes a null value.
func WriteNull(b *Buffer) {
	_ = b.WriteByte(TypeNull)
}

// WriteBool writes a boolean value using compact encoding.
func WriteBool(b *Buffer, v bool) {
	if v {
		_ = b.WriteByte(TypeBoolTrue)
		return
	}
	_ = b.WriteByte(TypeBoolFalse)
}

// WriteUbyte writes an unsigned byte.
func WriteUbyte(b *Buffer, v uint8) {
	_, _ = b.Write([]byte{TypeUbyte, v})
}

// WriteUshort writes an unsigned 16-bit integer.
func WriteUshort(b *Buffer, v uint16) {
	_ = b.WriteByte(TypeUshort)
	b.WriteUint16(v)
}

// WriteUint writes an unsigned 32-bit integer with small-encoding optimization.
func WriteUint(b *Buffer, v uint32) {
	switch {
	case v == 0:
		_ = b.WriteByte(TypeUint0)
	case v <= math.MaxUint8:
		_, _ = b.Write([]byte{TypeUintSmall, byte(v)})
	default:
		_ = b.WriteByte(TypeUint)
		b.WriteUint32(v)
	}
}

// WriteUlong writes an unsigned 64-bit integer with small-encoding optimization.
func WriteUlong(b *Buffer, v uint64) {
	switch {
	case v == 0:
		_ = b.WriteByte(TypeUlong0)
	case v <= math.MaxUint8:
		_, _ = b.Write([]byte{TypeUlongSmall, byte(v)})
	default:
		_ = b.WriteByte(TypeUlong)
		b.WriteUint64(v)
	}
}

// WriteByte writes a signed byte.
func WriteByte(b *Buffer, v int8) {
	_, _ = b.Write([]byte{TypeByte, byte(v)})
}

// WriteShort writes a signed 16-bit integer.
func WriteShort(b *Buffer, v int16) {
	_ = b.WriteByte(TypeShort)
	b.WriteUint16(uint16(v))
}

// WriteInt writes a signed 32-bit integer with small-encoding optimization.
func WriteInt(b *Buffer, v int32) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		_, _ = b.Write([]byte{TypeIntSmall, byte(v)})
		return
	}
	_ = b.WriteByte(TypeInt)
	b.WriteUint32(uint32(v))
}

// WriteLong writes a signed 64-bit integer with small-encoding optimization.
func WriteLong(b *Buffer, v int64) {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		_, _ = b.Write([]byte{TypeLongSmall, byte(v)})
		return
	}
	_ = b.WriteByte(TypeLong)
	b.WriteUint64(uint64(v))
}

// WriteFloat writes a 32-bit IEEE 754 float.
func WriteFloat(b *Buffer, v float32) {
	_ = b.WriteByte(TypeFloat)
	b.WriteUint32(math.Float32bits(v))
}

// WriteDouble writes a 64-bit IEEE 754 double.
func WriteDouble(b *Buffer, v float64) {
	_ = b.WriteByte(TypeDouble)
	b.WriteUint64(math.Float64bits(v))
}

// WriteChar writes a UTF-32BE character.
func WriteChar(b *Buffer, v Char) {
	_ = b.WriteByte(TypeChar)
	b.WriteUint32(uint32(v))
}

// WriteDecimal32 writes a decimal32 in wire form.
func WriteDecimal32(b *Buffer, v Decimal32) {
	_ = b.WriteByte(TypeDecimal32)
	_, _ = b.Write(v[:])
}

// WriteDecimal64 writes a decimal64 in wire form.
func WriteDecimal64(b *Buffer, v Decimal64) {
	_ = b.WriteByte(TypeDecimal64)
	_, _ = b.Write(v[:])
}

// WriteDecimal128 writes a decimal128 in wire form.
func WriteDecimal128(b *Buffer, v Decimal128) {
	_ = b.WriteByte(TypeDecimal128)
	_, _ = b.Write(v[:])
}

// WriteTimestamp writes a timestamp (milliseconds since Unix epoch).
func WriteTimestamp(b *Buffer, v Timestamp) {
	_ = b.WriteByte(TypeTimestamp)
	b.WriteUint64(uint64(v.Milliseconds()))
}

// WriteUUID writes a 16-byte UUID.
func WriteUUID(b *Buffer, v UUID) {
	_ = b.WriteByte(TypeUUID)
	_, _ = b.Write(v[:])
}

// WriteBinary writes a binary value with short/long encoding optimization.
func WriteBinary(b *Buffer, v []byte) {
	writeVariable(b, TypeBinaryShort, TypeBinaryLong, v)
}

// WriteString writes a UTF-8 string with short/long encoding optimization.
func WriteString(b *Buffer, v string) {
	writeVariable(b, TypeStringShort, TypeStringLong, []byte(v))
}

// WriteSymbol writes a symbolic value with short/long encoding optimization.
func WriteSymbol(b *Buffer, v Symbol) {
	writeVariable(b, TypeSymbolShort, TypeSymbolLong, []byte(v))
}

func writeVariable(b *Buffer, short, long byte, v []byte) {
	if len(v) <= math.MaxUint8 {
		_, _ = b.Write([]byte{short, byte(len(v))})
	} else {
		_ = b.WriteByte(long)
		b.WriteUint32(uint32(len(v)))
	}
	_, _ = b.Write(v)
}

// WriteDescriptor writes a described type constructor with a ulong descriptor.
func WriteDescriptor(b *Buffer, code uint64) {
	_ = b.WriteByte(TypeDescriptor)
	WriteUlong(b, code)
}

// WriteSymbolicDescriptor writes a described type constructor with a symbol descriptor.
func WriteSymbolicDescriptor(b *Buffer, name Symbol) {
	_ = b.WriteByte(TypeDescriptor)
	WriteSymbol(b, name)
}

// WriteList writes a list of pre-encoded field values, choosing list0, list8
// or list32 by size.
func WriteList(b *Buffer, fields []byte, count int) {
	if count == 0 && len(fields) == 0 {
		_ = b.WriteByte(TypeList0)
		return
	}
	writeCompound(b, TypeList8, TypeList32, fields, count)
}

// WriteMap writes a map from pre-encoded key-value pairs.
// count is the number of pairs; the encoded element count is twice that.
func WriteMap(b *Buffer, pairs []byte, count int) {
	writeCompound(b, TypeMap8, TypeMap32, pairs, count*2)
}

func writeCompound(b *Buffer, short, long byte, body []byte, count int) {
	if len(body)+1 <= math.MaxUint8 && count <= math.MaxUint8 {
		_, _ = b.Write([]byte{short, byte(len(body) + 1), byte(count)})
	} else {
		_ = b.WriteByte(long)
		b.WriteUint32(uint32(len(body) + 4))
		b.WriteUint32(uint32(count))
	}
	_, _ = b.Write(body)
}

// WriteArray writes an array of uniformly-typed pre-encoded values.
// constructor holds the shared element constructor, including any descriptor.
func WriteArray(b *Buffer, constructor, elements []byte, count int) {
	size := len(constructor) + len(elements)
	if size+1 <= math.MaxUint8 && count <= math.MaxUint8 {
		_, _ = b.Write([]byte{TypeArray8, byte(size + 1), byte(count)})
	} else {
		_ = b.WriteByte(TypeArray32)
		b.WriteUint32(uint32(size + 4))
		b.WriteUint32(uint32(count))
	}
	_, _ = b.Write(constructor)
	_, _ = b.Write(elements)
}

// WriteAny writes a Go value as the appropriate AMQP type.
func WriteAny(b *Buffer, v any) error {
	if v == nil {
		WriteNull(b)
		return nil
	}
	switch val := v.(type) {
	case bool:
		WriteBool(b, val)
	case uint8:
		WriteUbyte(b, val)
	case uint16:
		WriteUshort(b, val)
	case uint32:
		WriteUint(b, val)
	case uint64:
		WriteUlong(b, val)
	case int8:
		WriteByte(b, val)
	case int16:
		WriteShort(b, val)
	case int32:
		WriteInt(b, val)
	case int64:
		WriteLong(b, val)
	case int:
		WriteLong(b, int64(val))
	case float32:
		WriteFloat(b, val)
	case float64:
		WriteDouble(b, val)
	case Char:
		WriteChar(b, val)
	case Decimal32:
		WriteDecimal32(b, val)
	case Decimal64:
		WriteDecimal64(b, val)
	case Decimal128:
		WriteDecimal128(b, val)
	case string:
		WriteString(b, val)
	case Symbol:
		WriteSymbol(b, val)
	case []byte:
		WriteBinary(b, val)
	case UUID:
		WriteUUID(b, val)
	case Timestamp:
		WriteTimestamp(b, val)
	case time.Time:
		WriteTimestamp(b, Timestamp(val))
	case []any:
		return writeAnyList(b, val)
	case []Symbol:
		WriteSymbolArray(b, val)
	case Array:
		return writeAnyArray(b, val)
	case map[any]any:
		return writeAnyMap(b, len(val), func(fn func(k, v any) error) error {
			for k, v := range val {
				if err := fn(k, v); err != nil {
					return err
				}
			}
			return nil
		})
	case map[Symbol]any:
		return WriteSymbolAnyMap(b, val)
	case map[string]any:
		return WriteStringAnyMap(b, val)
	case *Described:
		return writeDescribed(b, val)
	case Described:
		return writeDescribed(b, &val)
	case Encodable:
		return val.Encode(b)
	default:
		return fmt.Errorf("unsupported type: %T", v)
	}
	return nil
}

func writeDescribed(b *Buffer, d *Described) error {
	switch desc := d.Descriptor.(type) {
	case uint64:
		WriteDescriptor(b, desc)
	case Symbol:
		WriteSymbolicDescriptor(b, desc)
	default:
		return fmt.Errorf("unsupported descriptor type: %T", d.Descriptor)
	}
	return WriteAny(b, d.Value)
}

func writeAnyList(b *Buffer, list []any) error {
	fields := NewBuffer(len(list) * 2)
	for _, v := range list {
		if err := WriteAny(fields, v); err != nil {
			return err
		}
	}
	WriteList(b, fields.Bytes(), len(list))
	return nil
}

func writeAnyMap(b *Buffer, count int, each func(func(k, v any) error) error) error {
	pairs := NewBuffer(count * 4)
	err := each(func(k, v any) error {
		if err := WriteAny(pairs, k); err != nil {
			return err
		}
		return WriteAny(pairs, v)
	})
	if err != nil {
		return err
	}
	WriteMap(b, pairs.Bytes(), count)
	return nil
}

// WriteSymbolAnyMap writes a map with symbol keys and any values.
func WriteSymbolAnyMap(b *Buffer, m map[Symbol]any) error {
	return writeAnyMap(b, len(m), func(fn func(k, v any) error) error {
		for k, v := range m {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteStringAnyMap writes a map with string keys and any values.
func WriteStringAnyMap(b *Buffer, m map[string]any) error {
	return writeAnyMap(b, len(m), func(fn func(k, v any) error) error {
		for k, v := range m {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteSymbolArray writes an array of symbols.
func WriteSymbolArray(b *Buffer, symbols []Symbol) {
	code := TypeSymbolShort
	for _, s := range symbols {
		if len(s) > math.MaxUint8 {
			code = TypeSymbolLong
			break
		}
	}
	elems := NewBuffer(len(symbols) * 8)
	for _, s := range symbols {
		writeLength(elems, code == TypeSymbolLong, len(s))
		_, _ = elems.Write([]byte(s))
	}
	WriteArray(b, []byte{code}, elems.Bytes(), len(symbols))
}

// WriteMultiple writes an AMQP "multiple" symbol field: null when empty, a
// bare symbol for one element and an array otherwise.
func WriteMultiple(b *Buffer, symbols []Symbol) {
	switch len(symbols) {
	case 0:
		WriteNull(b)
	case 1:
		WriteSymbol(b, symbols[0])
	default:
		WriteSymbolArray(b, symbols)
	}
}

func writeLength(b *Buffer, long bool, n int) {
	if long {
		b.WriteUint32(uint32(n))
		return
	}
	_ = b.WriteByte(byte(n))
}

func writeAnyArray(b *Buffer, arr Array) error {
	constructor := NewBuffer(16)
	elems := NewBuffer(len(arr) * 4)
	if len(arr) == 0 {
		WriteArray(b, []byte{TypeNull}, nil, 0)
		return nil
	}
	if err := arrayConstructor(constructor, arr); err != nil {
		return err
	}
	code := constructor.Bytes()[constructor.Len()-1]
	for _, v := range arr {
		if d, ok := v.(*Described); ok {
			v = d.Value
		}
		if err := writeBody(elems, code, v); err != nil {
			return err
		}
	}
	WriteArray(b, constructor.Bytes(), elems.Bytes(), len(arr))
	return nil
}

// arrayConstructor writes the shared constructor for the elements of arr.
func arrayConstructor(b *Buffer, arr Array) error {
	first := arr[0]
	if d, ok := first.(*Described); ok {
		if err := writeDescriptorOnly(b, d.Descriptor); err != nil {
			return err
		}
		values := make(Array, len(arr))
		for i, v := range arr {
			dv, ok := v.(*Described)
			if !ok {
				return fmt.Errorf("mixed array element types: %T and %T", first, v)
			}
			values[i] = dv.Value
		}
		return arrayConstructor(b, values)
	}

	code, err := elementCode(first)
	if err != nil {
		return err
	}
	for _, v := range arr[1:] {
		c, err := elementCode(v)
		if err != nil {
			return err
		}
		if c != code && !(isVariable(c) && isVariable(code) && sameFamily(c, code)) {
			return fmt.Errorf("mixed array element types: %T and %T", first, v)
		}
		if isVariable(c) && c > code {
			code = c
		}
	}
	return b.WriteByte(code)
}

func writeDescriptorOnly(b *Buffer, descriptor any) error {
	switch desc := descriptor.(type) {
	case uint64:
		WriteDescriptor(b, desc)
	case Symbol:
		WriteSymbolicDescriptor(b, desc)
	default:
		return fmt.Errorf("unsupported descriptor type: %T", descriptor)
	}
	return nil
}

func isVariable(code byte) bool {
	return code&0xf0 == 0xa0 || code&0xf0 == 0xb0
}

func sameFamily(a, b byte) bool {
	return a&0x0f == b&0x0f
}

// elementCode returns the array constructor used for v. Variable-width
// values report the short form when they fit in it.
func elementCode(v any) (byte, error) {
	switch val := v.(type) {
	case nil:
		return TypeNull, nil
	case bool:
		return TypeBool, nil
	case uint8:
		return TypeUbyte, nil
	case uint16:
		return TypeUshort, nil
	case uint32:
		return TypeUint, nil
	case uint64:
		return TypeUlong, nil
	case int8:
		return TypeByte, nil
	case int16:
		return TypeShort, nil
	case int32:
		return TypeInt, nil
	case int64:
		return TypeLong, nil
	case float32:
		return TypeFloat, nil
	case float64:
		return TypeDouble, nil
	case Char:
		return TypeChar, nil
	case Decimal32:
		return TypeDecimal32, nil
	case Decimal64:
		return TypeDecimal64, nil
	case Decimal128:
		return TypeDecimal128, nil
	case Timestamp:
		return TypeTimestamp, nil
	case UUID:
		return TypeUUID, nil
	case []byte:
		return variableCode(TypeBinaryShort, TypeBinaryLong, len(val)), nil
	case string:
		return variableCode(TypeStringShort, TypeStringLong, len(val)), nil
	case Symbol:
		return variableCode(TypeSymbolShort, TypeSymbolLong, len(val)), nil
	case []any:
		return TypeList32, nil
	case map[any]any:
		return TypeMap32, nil
	case Array, []Symbol:
		return TypeArray32, nil
	default:
		return 0, fmt.Errorf("unsupported array element type: %T", v)
	}
}

func variableCode(short, long byte, n int) byte {
	if n <= math.MaxUint8 {
		return short
	}
	return long
}

// writeBody writes v without its constructor, using the encoding named by code.
func writeBody(b *Buffer, code byte, v any) error {
	var err error
	switch code {
	case TypeNull:
	case TypeBool:
		flag, _ := v.(bool)
		if flag {
			err = b.WriteByte(1)
		} else {
			err = b.WriteByte(0)
		}
	case TypeUbyte:
		err = b.WriteByte(v.(uint8))
	case TypeUshort:
		b.WriteUint16(v.(uint16))
	case TypeUint:
		b.WriteUint32(v.(uint32))
	case TypeUlong:
		b.WriteUint64(v.(uint64))
	case TypeByte:
		err = b.WriteByte(byte(v.(int8)))
	case TypeShort:
		b.WriteUint16(uint16(v.(int16)))
	case TypeInt:
		b.WriteUint32(uint32(v.(int32)))
	case TypeLong:
		b.WriteUint64(uint64(v.(int64)))
	case TypeFloat:
		b.WriteUint32(math.Float32bits(v.(float32)))
	case TypeDouble:
		b.WriteUint64(math.Float64bits(v.(float64)))
	case TypeChar:
		b.WriteUint32(uint32(v.(Char)))
	case TypeDecimal32:
		d := v.(Decimal32)
		_, err = b.Write(d[:])
	case TypeDecimal64:
		d := v.(Decimal64)
		_, err = b.Write(d[:])
	case TypeDecimal128:
		d := v.(Decimal128)
		_, err = b.Write(d[:])
	case TypeTimestamp:
		b.WriteUint64(uint64(v.(Timestamp).Milliseconds()))
	case TypeUUID:
		u := v.(UUID)
		_, err = b.Write(u[:])
	case TypeBinaryShort, TypeBinaryLong:
		p := v.([]byte)
		writeLength(b, code == TypeBinaryLong, len(p))
		_, err = b.Write(p)
	case TypeStringShort, TypeStringLong:
		s := v.(string)
		writeLength(b, code == TypeStringLong, len(s))
		_, err = b.Write([]byte(s))
	case TypeSymbolShort, TypeSymbolLong:
		s := v.(Symbol)
		writeLength(b, code == TypeSymbolLong, len(s))
		_, err = b.Write([]byte(s))
	case TypeList32, TypeMap32, TypeArray32:
		// Compound elements share the 32-bit form: encode then strip the constructor.
		tmp := NewBuffer(32)
		if err := writeCompound32(tmp, code, v); err != nil {
			return err
		}
		_, err = b.Write(tmp.Bytes()[1:])
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownType, code)
	}
	return err
}

func writeCompound32(b *Buffer, code byte, v any) error {
	inner := NewBuffer(32)
	if err := WriteAny(inner, v); err != nil {
		return err
	}
	r := inner.Bytes()
	if len(r) > 0 && r[0] == code {
		_, _ = b.Write(r)
		return nil
	}
	// Re-frame a compact encoding (list0, list8, map8, array8) as its 32-bit form.
	_ = b.WriteByte(code)
	switch r[0] {
	case TypeList0:
		b.WriteUint32(4)
		b.WriteUint32(0)
	case TypeList8, TypeMap8, TypeArray8:
		size, count := int(r[1]), int(r[2])
		b.WriteUint32(uint32(size - 1 + 4))
		b.WriteUint32(uint32(count))
		_, _ = b.Write(r[3:])
	default:
		return fmt.Errorf("%w: cannot reframe 0x%02x as 0x%02x", ErrUnexpectedType, r[0], code)
	}
	return nil
}
