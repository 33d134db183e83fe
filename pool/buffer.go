// Copyright © 2021 Kris Nóva <kris@nivenly.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// ────────────────────────────────────────────────────────────────────────────
//
//  ████████╗██╗    ██╗██╗███╗   ██╗██╗  ██╗
//  ╚══██╔══╝██║    ██║██║████╗  ██║╚██╗██╔╝
//     ██║   ██║ █╗ ██║██║██╔██╗ ██║ ╚███╔╝
//     ██║   ██║███╗██║██║██║╚██╗██║ ██╔██╗
//     ██║   ╚███╔███╔╝██║██║ ╚████║██╔╝ ██╗
//     ╚═╝    ╚══╝╚══╝ ╚═╝╚═╝  ╚═══╝╚═╝  ╚═╝
//
// ────────────────────────────────────────────────────────────────────────────

package pool

import (
	"sync/atomic"
)

// PooledBuffer is a writable region leased from a Pool.
//
// A PooledBuffer is written by a single owner and then either frozen into a
// RentedBuffer for sharing, or discarded back to the pool.
type PooledBuffer struct {
	pool  *Pool
	data  []byte
	class int
}

// Write appends p to the buffer. It never fails.
func (pooledBuffer *PooledBuffer) Write(p []byte) (int, error) {
	pooledBuffer.data = append(pooledBuffer.data, p...)
	return len(p), nil
}

// WriteByte appends a single byte.
func (pooledBuffer *PooledBuffer) WriteByte(c byte) error {
	pooledBuffer.data = append(pooledBuffer.data, c)
	return nil
}

// Extend grows the buffer by n bytes and returns the new tail for the
// caller to fill in place. A full region is swapped for one at least twice
// as large and the old region goes back to the pool.
func (pooledBuffer *PooledBuffer) Extend(n int) []byte {
	l := len(pooledBuffer.data)
	if cap(pooledBuffer.data)-l < n {
		size := 2 * cap(pooledBuffer.data)
		if size < l+n {
			size = l + n
		}
		var grown []byte
		class := -1
		if pooledBuffer.pool != nil {
			grown, class = pooledBuffer.pool.region(size)
			grown = append(grown, pooledBuffer.data...)
			pooledBuffer.pool.put(pooledBuffer.data, pooledBuffer.class)
		} else {
			grown = make([]byte, l, size)
			copy(grown, pooledBuffer.data)
		}
		pooledBuffer.data = grown
		pooledBuffer.class = class
	}
	pooledBuffer.data = pooledBuffer.data[:l+n]
	return pooledBuffer.data[l:]
}

// Bytes returns the written bytes.
func (pooledBuffer *PooledBuffer) Bytes() []byte {
	return pooledBuffer.data
}

func (pooledBuffer *PooledBuffer) Len() int {
	return len(pooledBuffer.data)
}

// Reset drops the written bytes but keeps the region.
func (pooledBuffer *PooledBuffer) Reset() {
	pooledBuffer.data = pooledBuffer.data[:0]
}

// Discard returns the region to the pool without sharing it.
func (pooledBuffer *PooledBuffer) Discard() {
	if pooledBuffer.pool == nil {
		return
	}
	pooledBuffer.pool.discarded.Add(1)
	pooledBuffer.pool.put(pooledBuffer.data, pooledBuffer.class)
	pooledBuffer.data = nil
	pooledBuffer.pool = nil
}

// Freeze turns the buffer into an immutable RentedBuffer holding claims
// references. The PooledBuffer must not be used after Freeze.
func (pooledBuffer *PooledBuffer) Freeze(claims int32) *RentedBuffer {
	if claims < 1 {
		panic("pool: freeze with less than one claim")
	}
	rented := &RentedBuffer{
		pool:  pooledBuffer.pool,
		data:  pooledBuffer.data,
		class: pooledBuffer.class,
	}
	rented.claims.Store(claims)
	pooledBuffer.data = nil
	pooledBuffer.pool = nil
	return rented
}

// RentedBuffer is a frozen, shared view over a pooled region.
//
// Every holder owns exactly one claim and must Release it exactly once.
// The region is returned to the pool when the last claim is released.
type RentedBuffer struct {
	pool   *Pool
	data   []byte
	class  int
	claims atomic.Int32
}

// Claim takes an additional reference and returns the same buffer for the
// new holder.
func (rentedBuffer *RentedBuffer) Claim() *RentedBuffer {
	if rentedBuffer.claims.Add(1) <= 1 {
		panic("pool: claim on a recycled buffer")
	}
	return rentedBuffer
}

// Release drops one reference.
func (rentedBuffer *RentedBuffer) Release() {
	n := rentedBuffer.claims.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic("pool: rented buffer released too many times")
	}
	data := rentedBuffer.data
	rentedBuffer.data = nil
	if rentedBuffer.pool != nil {
		rentedBuffer.pool.recycled.Add(1)
		rentedBuffer.pool.put(data, rentedBuffer.class)
	}
}

// Bytes returns the shared bytes. Callers must hold a claim and must not
// modify the returned slice.
func (rentedBuffer *RentedBuffer) Bytes() []byte {
	return rentedBuffer.data
}

func (rentedBuffer *RentedBuffer) Len() int {
	return len(rentedBuffer.data)
}

// Claims returns the outstanding reference count.
func (rentedBuffer *RentedBuffer) Claims() int32 {
	return rentedBuffer.claims.Load()
}

// Rent copies b into a fresh region from the pool and freezes it with a
// single claim.
func (p *Pool) Rent(b []byte) *RentedBuffer {
	buf := p.Acquire(len(b))
	buf.Write(b)
	return buf.Freeze(1)
}
