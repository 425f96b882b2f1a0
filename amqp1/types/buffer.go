// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/binary"
	"fmt"
)

const minGrowth = 64

// Buffer is a growable byte region with independent read and write indexes.
// Readable bytes live in [ReadIndex, WriteIndex). Views returned by Slice share
// the backing array; a view is capped so that writes to it never reach bytes
// owned by the parent.
type Buffer struct {
	data []byte
	r    int
	w    int
}

// NewBuffer returns an empty buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Wrap returns a buffer whose readable bytes are b. The slice is not copied.
func Wrap(b []byte) *Buffer {
	return &Buffer{data: b[:len(b):len(b)], w: len(b)}
}

// Len returns the number of readable bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// ReadIndex returns the absolute read position.
func (b *Buffer) ReadIndex() int { return b.r }

// WriteIndex returns the absolute write position.
func (b *Buffer) WriteIndex() int { return b.w }

// SetReadIndex moves the read position. It panics when the index would
// break read-index <= write-index.
func (b *Buffer) SetReadIndex(i int) {
	if i < 0 || i > b.w {
		panic(fmt.Sprintf("types: read index %d out of range [0, %d]", i, b.w))
	}
	b.r = i
}

// SetWriteIndex moves the write position, discarding or exposing bytes.
func (b *Buffer) SetWriteIndex(i int) {
	if i < b.r || i > len(b.data) {
		panic(fmt.Sprintf("types: write index %d out of range [%d, %d]", i, b.r, len(b.data)))
	}
	b.w = i
}

// Bytes returns the readable bytes without consuming them.
func (b *Buffer) Bytes() []byte { return b.data[b.r:b.w:b.w] }

// Reset empties the buffer keeping its capacity.
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}

// Slice consumes n readable bytes and returns them as a view sharing storage.
func (b *Buffer) Slice(n int) (*Buffer, error) {
	p, err := b.Next(n)
	if err != nil {
		return nil, err
	}
	return Wrap(p), nil
}

// Next consumes n bytes and returns them. The returned slice aliases the buffer.
func (b *Buffer) Next(n int) ([]byte, error) {
	if n < 0 || n > b.Len() {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, b.Len())
	}
	p := b.data[b.r : b.r+n : b.r+n]
	b.r += n
	return p, nil
}

// Peek returns the next n readable bytes without consuming them.
func (b *Buffer) Peek(n int) ([]byte, error) {
	if n < 0 || n > b.Len() {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, b.Len())
	}
	return b.data[b.r : b.r+n : b.r+n], nil
}

// PeekByte returns the next readable byte without consuming it.
func (b *Buffer) PeekByte() (byte, error) {
	if b.Len() < 1 {
		return 0, fmt.Errorf("%w: need 1 byte, have 0", ErrShortBuffer)
	}
	return b.data[b.r], nil
}

// Skip advances the read position by n bytes.
func (b *Buffer) Skip(n int) error {
	if n < 0 || n > b.Len() {
		return fmt.Errorf("%w: cannot skip %d bytes, have %d", ErrShortBuffer, n, b.Len())
	}
	b.r += n
	return nil
}

// ReadByte consumes a single byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, fmt.Errorf("%w: need 1 byte, have 0", ErrShortBuffer)
	}
	c := b.data[b.r]
	b.r++
	return c, nil
}

// ReadUint16 consumes a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.Next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// ReadUint32 consumes a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// ReadUint64 consumes a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	p, err := b.Next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// GetUint32At reads a big-endian uint32 at an absolute index without moving
// the read position.
func (b *Buffer) GetUint32At(i int) (uint32, error) {
	if i < 0 || i+4 > b.w {
		return 0, fmt.Errorf("%w: index %d outside readable region", ErrShortBuffer, i)
	}
	return binary.BigEndian.Uint32(b.data[i:]), nil
}

// PutUint32At overwrites four already written bytes at an absolute index.
func (b *Buffer) PutUint32At(i int, v uint32) {
	binary.BigEndian.PutUint32(b.data[i:i+4], v)
}

// Grow ensures room for n more bytes after the write position.
func (b *Buffer) Grow(n int) {
	if b.w+n <= len(b.data) {
		return
	}
	size := 2 * len(b.data)
	if size < minGrowth {
		size = minGrowth
	}
	for size < b.w+n {
		size *= 2
	}
	data := make([]byte, size)
	copy(data, b.data[:b.w])
	b.data = data
}

// Compact drops consumed bytes. It always copies into fresh storage so
// that views handed out earlier keep their contents.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	data := make([]byte, max(b.Len(), minGrowth))
	n := copy(data, b.data[b.r:b.w])
	b.data, b.r, b.w = data, 0, n
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Grow(len(p))
	n := copy(b.data[b.w:], p)
	b.w += n
	return n, nil
}

// WriteByte appends a single byte. It never fails.
func (b *Buffer) WriteByte(c byte) error {
	b.Grow(1)
	b.data[b.w] = c
	b.w++
	return nil
}

// WriteUint16 appends a big-endian uint16.
func (b *Buffer) WriteUint16(v uint16) {
	b.Grow(2)
	binary.BigEndian.PutUint16(b.data[b.w:], v)
	b.w += 2
}

// WriteUint32 appends a big-endian uint32.
func (b *Buffer) WriteUint32(v uint32) {
	b.Grow(4)
	binary.BigEndian.PutUint32(b.data[b.w:], v)
	b.w += 4
}

// WriteUint64 appends a big-endian uint64.
func (b *Buffer) WriteUint64(v uint64) {
	b.Grow(8)
	binary.BigEndian.PutUint64(b.data[b.w:], v)
	b.w += 8
}
