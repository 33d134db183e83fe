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

package live

import (
	"sync"
	"sync/atomic"
)

// queue is the delivery queue of one subscriber.
//
// It is unbounded. The backpressure policy, not the queue, decides what is
// admitted. The outstanding counters cover packets that are queued or
// being sent, and are updated by the broadcaster and the worker.
type queue struct {
	mu      sync.Mutex
	packets []Packet
	head    int
	closed  bool

	// notify holds a token when packets may be waiting.
	notify chan struct{}

	bytes    atomic.Int64
	count    atomic.Int64
	skipping atomic.Bool
}

func newQueue() *queue {
	return &queue{
		notify: make(chan struct{}, 1),
	}
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push appends a packet. It returns false when the queue is closed, in
// which case the caller still owns the packet's claim.
func (q *queue) push(p Packet) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.packets = append(q.packets, p)
	q.bytes.Add(int64(p.Len()))
	q.count.Add(1)
	q.mu.Unlock()
	q.signal()
	return true
}

// pushFront places packets ahead of everything queued, keeping their order.
func (q *queue) pushFront(packets []Packet) bool {
	if len(packets) == 0 {
		return true
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	pending := q.packets[q.head:]
	merged := make([]Packet, 0, len(packets)+len(pending))
	merged = append(merged, packets...)
	merged = append(merged, pending...)
	q.packets = merged
	q.head = 0
	for _, p := range packets {
		q.bytes.Add(int64(p.Len()))
		q.count.Add(1)
	}
	q.mu.Unlock()
	q.signal()
	return true
}

// pop removes the oldest packet without blocking.
func (q *queue) pop() (Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.packets) {
		return Packet{}, false
	}
	p := q.packets[q.head]
	q.packets[q.head] = Packet{}
	q.head++
	switch {
	case q.head == len(q.packets):
		q.packets = q.packets[:0]
		q.head = 0
	case q.head > len(q.packets)/2:
		// Reclaim the consumed prefix so a queue that never drains does
		// not grow without bound.
		n := copy(q.packets, q.packets[q.head:])
		for i := n; i < len(q.packets); i++ {
			q.packets[i] = Packet{}
		}
		q.packets = q.packets[:n]
		q.head = 0
	}
	return p, true
}

// done accounts for a popped packet that was sent or dropped and releases
// its claim.
func (q *queue) done(p Packet) {
	q.bytes.Add(-int64(p.Len()))
	q.count.Add(-1)
	p.Release()
}

// close rejects further pushes and releases everything still queued.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	pending := q.packets[q.head:]
	q.packets = nil
	q.head = 0
	q.mu.Unlock()
	for _, p := range pending {
		q.done(p)
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets) - q.head
}
