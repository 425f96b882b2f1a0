// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"fmt"

	"github.com/absmach/fluxamqp/amqp1/types"
	"github.com/absmach/fluxamqp/internal/bufpool"
)

// fieldWriter accumulates the fields of a described list. Trailing null
// fields are dropped when the list is written.
type fieldWriter struct {
	buf   *types.Buffer
	count int
	used  int
	end   int
	err   error
}

func newFieldWriter() *fieldWriter {
	return &fieldWriter{buf: bufpool.Get()}
}

func (w *fieldWriter) mark() {
	w.count++
	w.used = w.count
	w.end = w.buf.WriteIndex()
}

func (w *fieldWriter) null() {
	types.WriteNull(w.buf)
	w.count++
}

func (w *fieldWriter) str(v string) {
	types.WriteString(w.buf, v)
	w.mark()
}

func (w *fieldWriter) optStr(v string) {
	if v == "" {
		w.null()
		return
	}
	w.str(v)
}

func (w *fieldWriter) optSym(v types.Symbol) {
	if v == "" {
		w.null()
		return
	}
	types.WriteSymbol(w.buf, v)
	w.mark()
}

func (w *fieldWriter) uint(v uint32) {
	types.WriteUint(w.buf, v)
	w.mark()
}

// optUint writes v, treating zero as absent.
func (w *fieldWriter) optUint(v uint32) {
	if v == 0 {
		w.null()
		return
	}
	w.uint(v)
}

func (w *fieldWriter) ptrUint(v *uint32) {
	if v == nil {
		w.null()
		return
	}
	w.uint(*v)
}

func (w *fieldWriter) ulong(v uint64) {
	types.WriteUlong(w.buf, v)
	w.mark()
}

func (w *fieldWriter) optUlong(v uint64) {
	if v == 0 {
		w.null()
		return
	}
	w.ulong(v)
}

func (w *fieldWriter) optUshort(v uint16) {
	if v == 0 {
		w.null()
		return
	}
	types.WriteUshort(w.buf, v)
	w.mark()
}

func (w *fieldWriter) ptrUshort(v *uint16) {
	if v == nil {
		w.null()
		return
	}
	types.WriteUshort(w.buf, *v)
	w.mark()
}

func (w *fieldWriter) ptrUbyte(v *uint8) {
	if v == nil {
		w.null()
		return
	}
	types.WriteUbyte(w.buf, *v)
	w.mark()
}

func (w *fieldWriter) bool(v bool) {
	types.WriteBool(w.buf, v)
	w.mark()
}

// optBool writes v, treating false as the default and leaving it absent.
func (w *fieldWriter) optBool(v bool) {
	if !v {
		w.null()
		return
	}
	w.bool(v)
}

func (w *fieldWriter) binary(v []byte) {
	if v == nil {
		w.null()
		return
	}
	types.WriteBinary(w.buf, v)
	w.mark()
}

func (w *fieldWriter) multiple(v []types.Symbol) {
	if len(v) == 0 {
		w.null()
		return
	}
	types.WriteMultiple(w.buf, v)
	w.mark()
}

func (w *fieldWriter) symbolMap(m map[types.Symbol]any) {
	if len(m) == 0 {
		w.null()
		return
	}
	if w.err == nil {
		w.err = types.WriteSymbolAnyMap(w.buf, m)
	}
	w.mark()
}

func (w *fieldWriter) anyMap(m map[any]any) {
	if len(m) == 0 {
		w.null()
		return
	}
	if w.err == nil {
		w.err = types.WriteAny(w.buf, m)
	}
	w.mark()
}

func (w *fieldWriter) value(v any) {
	if v == nil {
		w.null()
		return
	}
	if w.err == nil {
		w.err = types.WriteAny(w.buf, v)
	}
	w.mark()
}

// encodable writes e; callers pass nil for absent composites since a typed
// nil pointer is not comparable to nil through the interface.
func (w *fieldWriter) encodable(e types.Encodable) {
	if e == nil {
		w.null()
		return
	}
	if w.err == nil {
		w.err = e.Encode(w.buf)
	}
	w.mark()
}

// finish writes the described list to b and releases the scratch buffer.
func (w *fieldWriter) finish(b *types.Buffer, descriptor uint64) error {
	defer bufpool.Put(w.buf)
	if w.err != nil {
		return w.err
	}
	types.WriteDescriptor(b, descriptor)
	types.WriteList(b, w.buf.Bytes()[:w.end], w.used)
	return nil
}

// fieldReader extracts typed list fields and records the first failure.
type fieldReader struct {
	name   string
	fields []any
	err    error
}

func newFieldReader(name string, fields []any) *fieldReader {
	return &fieldReader{name: name, fields: fields}
}

func (r *fieldReader) get(i int) any {
	if i >= len(r.fields) {
		return nil
	}
	return r.fields[i]
}

func (r *fieldReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *fieldReader) missing(i int, field string) bool {
	if r.get(i) != nil {
		return false
	}
	r.fail(fmt.Errorf("%w: %s.%s", types.ErrMissingField, r.name, field))
	return true
}

func (r *fieldReader) wrongType(field string, v any) {
	r.fail(fmt.Errorf("%w: %s.%s has type %T", types.ErrUnexpectedType, r.name, field, v))
}

func (r *fieldReader) string(i int, field string) string {
	v := r.get(i)
	if v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.wrongType(field, v)
	}
	return s
}

func (r *fieldReader) symbol(i int, field string) types.Symbol {
	v := r.get(i)
	if v == nil {
		return ""
	}
	s, ok := v.(types.Symbol)
	if !ok {
		r.wrongType(field, v)
	}
	return s
}

func (r *fieldReader) uint32(i int, field string) uint32 {
	v := r.get(i)
	if v == nil {
		return 0
	}
	n, ok := toUint32(v)
	if !ok {
		r.wrongType(field, v)
	}
	return n
}

func (r *fieldReader) ptrUint32(i int, field string) *uint32 {
	if r.get(i) == nil {
		return nil
	}
	n := r.uint32(i, field)
	return &n
}

func (r *fieldReader) uint16(i int, field string) uint16 {
	v := r.get(i)
	if v == nil {
		return 0
	}
	n, ok := v.(uint16)
	if !ok {
		r.wrongType(field, v)
	}
	return n
}

func (r *fieldReader) ptrUint16(i int, field string) *uint16 {
	if r.get(i) == nil {
		return nil
	}
	n := r.uint16(i, field)
	return &n
}

func (r *fieldReader) ptrUint8(i int, field string) *uint8 {
	v := r.get(i)
	if v == nil {
		return nil
	}
	n, ok := v.(uint8)
	if !ok {
		r.wrongType(field, v)
	}
	return &n
}

func (r *fieldReader) uint64(i int, field string) uint64 {
	v := r.get(i)
	if v == nil {
		return 0
	}
	n, ok := toUint64(v)
	if !ok {
		r.wrongType(field, v)
	}
	return n
}

func (r *fieldReader) bool(i int, field string) bool {
	v := r.get(i)
	if v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.wrongType(field, v)
	}
	return b
}

func (r *fieldReader) binary(i int, field string) []byte {
	v := r.get(i)
	if v == nil {
		return nil
	}
	b, ok := v.([]byte)
	if !ok {
		r.wrongType(field, v)
	}
	return b
}

func (r *fieldReader) multiple(i int, field string) []types.Symbol {
	v := r.get(i)
	if v == nil {
		return nil
	}
	caps, ok := decodeMultiple(v)
	if !ok {
		r.wrongType(field, v)
	}
	return caps
}

func (r *fieldReader) symbolMap(i int, field string) map[types.Symbol]any {
	v := r.get(i)
	if v == nil {
		return nil
	}
	m, ok := v.(map[any]any)
	if !ok {
		r.wrongType(field, v)
		return nil
	}
	out := make(map[types.Symbol]any, len(m))
	for k, val := range m {
		s, ok := k.(types.Symbol)
		if !ok {
			r.wrongType(field, k)
			return nil
		}
		out[s] = val
	}
	return out
}

func (r *fieldReader) anyMap(i int, field string) map[any]any {
	v := r.get(i)
	if v == nil {
		return nil
	}
	m, ok := v.(map[any]any)
	if !ok {
		r.wrongType(field, v)
	}
	return m
}

func (r *fieldReader) error(i int, field string) *Error {
	v := r.get(i)
	if v == nil {
		return nil
	}
	e, err := errorFromValue(v)
	if err != nil {
		r.fail(fmt.Errorf("%s.%s: %w", r.name, field, err))
	}
	return e
}

func (r *fieldReader) state(i int, field string) DeliveryState {
	v := r.get(i)
	if v == nil {
		return nil
	}
	s, err := deliveryStateFromValue(v)
	if err != nil {
		r.fail(fmt.Errorf("%s.%s: %w", r.name, field, err))
	}
	return s
}

func toUint32(v any) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case uint8:
		return uint32(n), true
	case uint16:
		return uint32(n), true
	default:
		return 0, false
	}
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	default:
		return 0, false
	}
}

// decodeMultiple accepts both the single-value and the array encoding of a
// multiple symbol field.
func decodeMultiple(v any) ([]types.Symbol, bool) {
	switch val := v.(type) {
	case types.Symbol:
		return []types.Symbol{val}, true
	case types.Array:
		caps := make([]types.Symbol, 0, len(val))
		for _, item := range val {
			s, ok := item.(types.Symbol)
			if !ok {
				return nil, false
			}
			caps = append(caps, s)
		}
		return caps, true
	default:
		return nil, false
	}
}

// HasCapability reports whether caps contains capability.
func HasCapability(caps []types.Symbol, capability types.Symbol) bool {
	for _, c := range caps {
		if c == capability {
			return true
		}
	}
	return false
}
