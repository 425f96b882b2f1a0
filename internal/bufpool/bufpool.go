// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"

	"github.com/absmach/fluxamqp/amqp1/types"
)

const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return types.NewBuffer(256) }}

// Get returns an empty scratch buffer.
func Get() *types.Buffer {
	b := pool.Get().(*types.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. Oversized buffers are dropped.
func Put(b *types.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
