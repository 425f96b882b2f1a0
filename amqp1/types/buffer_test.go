// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferIndexes(t *testing.T) {
	b := NewBuffer(4)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 4, b.Cap())

	b.WriteUint32(0xdeadbeef)
	b.WriteUint16(7)
	assert.Equal(t, 6, b.WriteIndex())
	assert.GreaterOrEqual(t, b.Cap(), 6)

	v, err := b.GetUint32At(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)
	assert.Equal(t, 0, b.ReadIndex())

	got, err := b.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), got)
	assert.Equal(t, 2, b.Len())

	_, err = b.ReadUint32()
	assert.ErrorIs(t, err, ErrShortBuffer)
	assert.Equal(t, 4, b.ReadIndex(), "failed read must not move the cursor")

	assert.Panics(t, func() { b.SetReadIndex(10) })
}

func TestBufferSliceSharesStorage(t *testing.T) {
	b := Wrap([]byte{1, 2, 3, 4, 5})
	view, err := b.Slice(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, view.Bytes())
	assert.Equal(t, 2, b.Len())

	// Writes to the view reallocate instead of clobbering the parent.
	_, _ = view.Write([]byte{9})
	assert.Equal(t, []byte{4, 5}, b.Bytes())
	assert.Equal(t, []byte{1, 2, 3, 9}, view.Bytes())
}

func TestBufferCompactKeepsViews(t *testing.T) {
	b := NewBuffer(0)
	_, _ = b.Write([]byte("headerbody"))
	head, err := b.Next(6)
	require.NoError(t, err)

	b.Compact()
	_, _ = b.Write([]byte("more"))
	assert.Equal(t, "header", string(head))
	assert.Equal(t, "bodymore", string(b.Bytes()))
}

func TestBufferPeekAndSkip(t *testing.T) {
	b := Wrap([]byte{1, 2, 3})
	c, err := b.PeekByte()
	require.NoError(t, err)
	assert.Equal(t, byte(1), c)

	p, err := b.Peek(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, p)

	require.NoError(t, b.Skip(2))
	assert.ErrorIs(t, b.Skip(2), ErrShortBuffer)
	assert.Equal(t, 1, b.Len())

	b.Reset()
	assert.Zero(t, b.Len())
}

func TestBufferPutUint32At(t *testing.T) {
	b := NewBuffer(0)
	b.WriteUint32(0)
	_ = b.WriteByte(0xff)
	b.PutUint32At(0, 42)

	v, err := b.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
}
