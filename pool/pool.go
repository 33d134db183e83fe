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
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	// minClassShift is the smallest pooled region, 64 bytes.
	minClassShift = 6

	// maxClassShift is the largest pooled region, 4 MiB.
	// Anything larger is allocated fresh and left to the garbage collector.
	maxClassShift = 22

	numClasses = maxClassShift - minClassShift + 1
)

// Stats is a point in time view of the pool counters.
type Stats struct {
	Acquired    int64
	Recycled    int64
	Discarded   int64
	Allocated   int64
	Outstanding int64
}

// Pool leases reusable byte regions bucketed into power of two size classes.
//
// Acquire never blocks and never fails. When a class is empty a fresh region
// is allocated, so exhaustion only costs memory.
type Pool struct {
	classes [numClasses]sync.Pool

	acquired  atomic.Int64
	recycled  atomic.Int64
	discarded atomic.Int64
	allocated atomic.Int64
}

func NewPool() *Pool {
	return &Pool{}
}

// Acquire returns an empty PooledBuffer with room for at least size bytes.
func (p *Pool) Acquire(size int) *PooledBuffer {
	if size < 0 {
		size = 0
	}
	p.acquired.Add(1)
	data, class := p.region(size)
	return &PooledBuffer{
		pool:  p,
		data:  data,
		class: class,
	}
}

// region returns an empty slice with room for size bytes and its class.
func (p *Pool) region(size int) ([]byte, int) {
	class := classOf(size)
	if class < 0 {
		p.allocated.Add(1)
		return make([]byte, 0, size), class
	}
	if v := p.classes[class].Get(); v != nil {
		return (*v.(*[]byte))[:0], class
	}
	p.allocated.Add(1)
	return make([]byte, 0, 1<<(class+minClassShift)), class
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		Acquired:  p.acquired.Load(),
		Recycled:  p.recycled.Load(),
		Discarded: p.discarded.Load(),
		Allocated: p.allocated.Load(),
	}
	s.Outstanding = s.Acquired - s.Recycled - s.Discarded
	return s
}

func (p *Pool) put(data []byte, class int) {
	if class < 0 || cap(data) < 1<<(class+minClassShift) {
		return
	}
	data = data[:0]
	p.classes[class].Put(&data)
}

// classOf returns the size class for size, or -1 when size is too large to pool.
func classOf(size int) int {
	if size <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// Default is the process wide pool.
var Default = NewPool()
