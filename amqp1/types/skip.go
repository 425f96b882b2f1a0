// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "fmt"

// fixedWidth reports the body size of fixed-width constructors.
func fixedWidth(code byte) (int, bool) {
	switch code {
	case TypeNull, TypeBoolTrue, TypeBoolFalse, TypeUint0, TypeUlong0, TypeList0:
		return 0, true
	case TypeBool, TypeUbyte, TypeByte, TypeUintSmall, TypeUlongSmall, TypeIntSmall, TypeLongSmall:
		return 1, true
	case TypeUshort, TypeShort:
		return 2, true
	case TypeUint, TypeInt, TypeFloat, TypeChar, TypeDecimal32:
		return 4, true
	case TypeUlong, TypeLong, TypeDouble, TypeTimestamp, TypeDecimal64:
		return 8, true
	case TypeUUID, TypeDecimal128:
		return 16, true
	default:
		return 0, false
	}
}

// SkipValue advances past one encoded value without materializing it. It
// applies the same size and count checks as ReadAny.
func SkipValue(b *Buffer) error {
	code, err := b.ReadByte()
	if err != nil {
		return err
	}
	if code == TypeDescriptor {
		if err := SkipValue(b); err != nil {
			return err
		}
		return SkipValue(b)
	}
	return skipByCode(b, code)
}

func skipByCode(b *Buffer, code byte) error {
	if width, ok := fixedWidth(code); ok {
		return b.Skip(width)
	}
	switch code {
	case TypeBinaryShort, TypeStringShort, TypeSymbolShort,
		TypeBinaryLong, TypeStringLong, TypeSymbolLong:
		_, err := readVariable(b, code&0xf0 == 0xb0)
		return err
	case TypeList8, TypeList32, TypeMap8, TypeMap32:
		size, _, err := readCompoundHeader(b, code)
		if err != nil {
			return err
		}
		return b.Skip(size)
	case TypeArray8, TypeArray32:
		size, count, err := readCompoundHeader(b, code)
		if err != nil {
			return err
		}
		body, err := b.Slice(size)
		if err != nil {
			return err
		}
		if count == 0 && body.Len() == 0 {
			return nil
		}
		_, _, err = arrayElements(body, count)
		return err
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownType, code)
	}
}
