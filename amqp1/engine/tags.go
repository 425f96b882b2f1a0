// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/binary"
	"slices"

	"github.com/google/uuid"
)

// TagGenerator supplies delivery tags for a sender. Release returns a tag
// once its delivery is settled on both sides.
type TagGenerator interface {
	Next() []byte
	Release(tag []byte)
}

// SequentialTagGenerator issues increasing counters in their shortest
// big-endian form: [0], [1], ... [255], [1 0].
type SequentialTagGenerator struct {
	next uint64
}

func (g *SequentialTagGenerator) Next() []byte {
	tag := encodeTag(g.next)
	g.next++
	return tag
}

func (g *SequentialTagGenerator) Release([]byte) {}

// PooledTagGenerator reuses up to Size tags, handing out the lowest free
// one. Once the pool is exhausted it issues counter tags that are never
// reused.
type PooledTagGenerator struct {
	size     uint64
	issued   uint64
	free     []uint64
	overflow uint64
}

// DefaultTagPoolSize is the pool size used by senders by default.
const DefaultTagPoolSize = 512

// NewPooledTagGenerator returns a pooled generator holding size tags.
func NewPooledTagGenerator(size int) *PooledTagGenerator {
	if size <= 0 {
		size = DefaultTagPoolSize
	}
	return &PooledTagGenerator{size: uint64(size), overflow: uint64(size)}
}

func (g *PooledTagGenerator) Next() []byte {
	if len(g.free) > 0 {
		v := g.free[0]
		g.free = g.free[1:]
		return encodeTag(v)
	}
	if g.issued < g.size {
		v := g.issued
		g.issued++
		return encodeTag(v)
	}
	v := g.overflow
	g.overflow++
	return encodeTag(v)
}

// Release returns a pooled tag for reuse. Tags issued past the pool size
// are dropped.
func (g *PooledTagGenerator) Release(tag []byte) {
	if len(tag) == 0 || len(tag) > 8 {
		return
	}
	v := decodeTag(tag)
	if v >= g.size {
		return
	}
	i, found := slices.BinarySearch(g.free, v)
	if !found {
		g.free = slices.Insert(g.free, i, v)
	}
}

// UUIDTagGenerator issues random 16 byte tags.
type UUIDTagGenerator struct{}

func (UUIDTagGenerator) Next() []byte {
	id := uuid.New()
	return id[:]
}

func (UUIDTagGenerator) Release([]byte) {}

func encodeTag(v uint64) []byte {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	i := 0
	for i < 7 && raw[i] == 0 {
		i++
	}
	return slices.Clone(raw[i:])
}

func decodeTag(tag []byte) uint64 {
	var raw [8]byte
	copy(raw[8-len(tag):], tag)
	return binary.BigEndian.Uint64(raw[:])
}

// Settlement flags of an outgoing delivery. Its tag returns to the
// generator once both are set.
const (
	settledLocal uint8 = 1 << iota
	settledRemote
	settledBoth = settledLocal | settledRemote
)
