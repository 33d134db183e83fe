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
	"time"

	"github.com/kris-nova/logger"
	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/pool"
)

const (
	DefaultBatchWindow     = 5 * time.Millisecond
	DefaultBatchMaxPackets = 64
)

// EngineConfig tunes the distribution engine.
type EngineConfig struct {
	Thresholds Thresholds

	// Batching delays each send by BatchWindow to coalesce up to
	// BatchMaxPackets queued packets into a single write.
	Batching        bool
	BatchWindow     time.Duration
	BatchMaxPackets int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Thresholds:      DefaultThresholds(),
		BatchWindow:     DefaultBatchWindow,
		BatchMaxPackets: DefaultBatchMaxPackets,
	}
}

// groupKey is everything that decides the wire bytes of a media message.
type groupKey struct {
	streamID  uint32
	channelID uint32
	chunkSize uint32
}

type worker struct {
	sub  *SubscribeContext
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (w *worker) signalStop() {
	w.once.Do(func() {
		close(w.stop)
	})
}

// Engine fans media out to subscribers. Each subscriber gets its own queue
// and delivery goroutine, so a slow subscriber only ever delays itself.
type Engine struct {
	config       EngineConfig
	pool         *pool.Pool
	interceptors Interceptors

	mu      sync.Mutex
	workers map[*SubscribeContext]*worker
}

func NewEngine(config EngineConfig, p *pool.Pool, interceptors Interceptors) *Engine {
	if p == nil {
		p = pool.Default
	}
	if config.BatchWindow <= 0 {
		config.BatchWindow = DefaultBatchWindow
	}
	if config.BatchMaxPackets <= 0 {
		config.BatchMaxPackets = DefaultBatchMaxPackets
	}
	return &Engine{
		config:       config,
		pool:         p,
		interceptors: interceptors,
		workers:      make(map[*SubscribeContext]*worker),
	}
}

// Register starts the delivery worker of a subscriber. The worker sends
// nothing until Initialize is called.
func (engine *Engine) Register(sub *SubscribeContext) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if _, ok := engine.workers[sub]; ok {
		return
	}
	w := &worker{
		sub:  sub,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	engine.workers[sub] = w
	go engine.run(w)
}

// Initialize queues the bootstrap packets, raw payloads of headers and
// cached pictures, ahead of any live traffic and lets the worker start.
// The engine takes ownership of the bootstrap claims. A subscriber is
// initialized once, later calls only release their bootstrap.
func (engine *Engine) Initialize(sub *SubscribeContext, bootstrap []Packet) {
	if sub.Initialized() {
		releaseAll(bootstrap)
		return
	}
	framed := make([]Packet, 0, len(bootstrap))
	for _, p := range bootstrap {
		buf, err := engine.frame(sub, p.Media, p.Timestamp, p.Buffer.Bytes(), sub.Transport.ChunkSize())
		p.Release()
		if err != nil {
			logger.Warning("Unable to frame bootstrap %s for subscriber %s: %v", p.Media, sub.ID, err)
			continue
		}
		framed = append(framed, Packet{
			Media:     p.Media,
			Timestamp: p.Timestamp,
			Skippable: p.Skippable,
			Buffer:    buf.Freeze(1),
		})
	}
	if !sub.queue.pushFront(framed) {
		releaseAll(framed)
	}
	sub.markReady()
}

// Notify queues protocol messages to a subscriber behind everything already
// pending, bypassing the backpressure policy.
func (engine *Engine) Notify(sub *SubscribeContext, notices []Notice) {
	chunkSize := sub.Transport.ChunkSize()
	for _, notice := range notices {
		buf := engine.pool.Acquire(chunk.EncodedLen(notice.Header, len(notice.Payload), chunkSize))
		if err := chunk.WriteMessage(buf, notice.Header, notice.Payload, chunkSize); err != nil {
			buf.Discard()
			logger.Warning("Unable to frame notice for subscriber %s: %v", sub.ID, err)
			continue
		}
		p := Packet{
			Media:     MediaData,
			Timestamp: notice.Header.Timestamp,
			Buffer:    buf.Freeze(1),
			notice:    true,
		}
		if !sub.queue.push(p) {
			p.Release()
		}
	}
}

// Unregister stops the worker of a subscriber, releases everything still
// queued and waits for the worker to exit.
func (engine *Engine) Unregister(sub *SubscribeContext) {
	engine.mu.Lock()
	w, ok := engine.workers[sub]
	delete(engine.workers, sub)
	engine.mu.Unlock()
	if !ok {
		sub.queue.close()
		return
	}
	w.signalStop()
	<-w.done
}

// Close unregisters every subscriber.
func (engine *Engine) Close() {
	engine.mu.Lock()
	subs := make([]*SubscribeContext, 0, len(engine.workers))
	for sub := range engine.workers {
		subs = append(subs, sub)
	}
	engine.mu.Unlock()
	for _, sub := range subs {
		engine.Unregister(sub)
	}
}

// Workers returns the number of running delivery workers.
func (engine *Engine) Workers() int {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return len(engine.workers)
}

// Broadcast frames a media payload once per group of subscribers sharing
// the same wire bytes and queues one claim per subscriber. The caller keeps
// its own claim on payload.
func (engine *Engine) Broadcast(pub *PublishContext, subs []*SubscribeContext, media MediaType, timestamp uint32, skippable bool, payload *pool.RentedBuffer) {
	engine.interceptors.mediaMessage(pub, media, timestamp, payload)
	if len(subs) == 0 {
		return
	}

	groups := make(map[groupKey][]*SubscribeContext)
	var order []groupKey
	for _, sub := range subs {
		if skippable && !sub.Receives(media) {
			continue
		}
		key := groupKey{
			streamID:  sub.Args.StreamID,
			channelID: sub.Channel(media),
			chunkSize: sub.Transport.ChunkSize(),
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], sub)
	}

	for _, key := range order {
		members := groups[key]
		buf, err := engine.frame(members[0], media, timestamp, payload.Bytes(), key.chunkSize)
		if err != nil {
			logger.Warning("Unable to frame %s for %d subscribers on %s: %v", media, len(members), pub.Path, err)
			continue
		}
		rented := buf.Freeze(int32(len(members)))
		p := Packet{
			Media:     media,
			Timestamp: timestamp,
			Skippable: skippable,
			Buffer:    rented,
		}
		for _, sub := range members {
			if !engine.enqueue(sub, p) {
				rented.Release()
			}
		}
	}
}

// enqueue applies the subscriber's backpressure policy and queues the
// packet. On false the caller keeps the claim.
func (engine *Engine) enqueue(sub *SubscribeContext, p Packet) bool {
	q := sub.queue
	bytes, count := q.bytes.Load(), q.count.Load()
	skipping := q.skipping.Load()
	admit, next := engine.config.Thresholds.Admit(skipping, p.Skippable, bytes, count)
	if next != skipping {
		q.skipping.Store(next)
		if next {
			logger.Debug("Subscriber %s entering skip mode with %d bytes in %d packets outstanding", sub.ID, bytes, count)
		} else {
			logger.Debug("Subscriber %s leaving skip mode", sub.ID)
		}
	}
	if !admit {
		return false
	}
	return q.push(p)
}

// frame encodes a media payload as a Type0 message for a subscriber into a
// fresh pooled buffer.
func (engine *Engine) frame(sub *SubscribeContext, media MediaType, timestamp uint32, payload []byte, chunkSize uint32) (*pool.PooledBuffer, error) {
	header := chunk.Header{
		Format:    chunk.Type0,
		ChannelID: sub.Channel(media),
		Timestamp: timestamp,
		TypeID:    media.TypeID(),
		StreamID:  sub.Args.StreamID,
	}
	buf := engine.pool.Acquire(chunk.EncodedLen(header, len(payload), chunkSize))
	if err := chunk.WriteMessage(buf, header, payload, chunkSize); err != nil {
		buf.Discard()
		return nil, err
	}
	return buf, nil
}

// next blocks until a packet is queued or the worker is stopped.
func (w *worker) next() (Packet, bool) {
	q := w.sub.queue
	for {
		select {
		case <-w.stop:
			return Packet{}, false
		default:
		}
		if p, ok := q.pop(); ok {
			return p, true
		}
		select {
		case <-q.notify:
		case <-w.stop:
			return Packet{}, false
		}
	}
}

// admit applies the timestamp rule: a skippable packet that does not
// advance past the last one sent for its media type is dropped.
func (w *worker) admit(p Packet) bool {
	if p.notice {
		return true
	}
	last, ok := w.sub.LastSent(p.Media)
	if p.Skippable && ok && p.Timestamp <= last {
		return false
	}
	w.sub.setLastSent(p.Media, p.Timestamp)
	return true
}

func (engine *Engine) run(w *worker) {
	sub := w.sub
	q := sub.queue
	defer close(w.done)
	defer q.close()

	select {
	case <-sub.ready:
	case <-w.stop:
		return
	}

	batch := make([]Packet, 0, engine.config.BatchMaxPackets)
	bufs := make([]*pool.RentedBuffer, 0, engine.config.BatchMaxPackets)
	for {
		p, ok := w.next()
		if !ok {
			return
		}
		batch = batch[:0]
		if w.admit(p) {
			batch = append(batch, p)
		} else {
			q.done(p)
		}

		if engine.config.Batching {
			timer := time.NewTimer(engine.config.BatchWindow)
			select {
			case <-timer.C:
			case <-w.stop:
				timer.Stop()
				for _, p := range batch {
					q.done(p)
				}
				return
			}
			for len(batch) < engine.config.BatchMaxPackets {
				p, ok := q.pop()
				if !ok {
					break
				}
				if w.admit(p) {
					batch = append(batch, p)
				} else {
					q.done(p)
				}
			}
		}
		if len(batch) == 0 {
			continue
		}

		bufs = bufs[:0]
		for _, p := range batch {
			bufs = append(bufs, p.Buffer)
		}
		err := sub.Transport.Send(bufs...)
		for _, p := range batch {
			q.done(p)
		}
		if err != nil {
			logger.Warning("Send to subscriber %s on %s failed, disconnecting: %v", sub.ID, sub.Path, err)
			sub.Transport.Disconnect()
			return
		}
	}
}
