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
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 2 * time.Second

func newTestEngine(p *pool.Pool, config EngineConfig, interceptors ...Interceptor) (*Engine, *Registry) {
	return NewEngine(config, p, interceptors), NewRegistry()
}

func subscribe(t *testing.T, registry *Registry, transport Transport, path string) *SubscribeContext {
	t.Helper()
	sub, result := registry.StartSubscribing(transport, path, SubscribeArgs{StreamID: 1})
	require.Equal(t, Succeeded, result)
	return sub
}

func broadcast(engine *Engine, p *pool.Pool, subs []*SubscribeContext, media MediaType, ts uint32, skippable bool, payload string) {
	buf := p.Rent([]byte(payload))
	engine.Broadcast(&PublishContext{Path: "live/1"}, subs, media, ts, skippable, buf)
	buf.Release()
}

func TestBroadcastDeliversFramedMessages(t *testing.T) {
	p := pool.NewPool()
	engine, registry := newTestEngine(p, DefaultEngineConfig())
	transport := newFakeTransport("s")
	sub := subscribe(t, registry, transport, "live/1")
	engine.Register(sub)
	engine.Initialize(sub, nil)

	subs := []*SubscribeContext{sub}
	broadcast(engine, p, subs, MediaVideo, 10, false, "key")
	broadcast(engine, p, subs, MediaAudio, 11, true, "aac")
	broadcast(engine, p, subs, MediaVideo, 43, true, strings.Repeat("x", 300))

	require.Eventually(t, func() bool { return len(transport.received(t)) == 3 }, eventually, time.Millisecond)
	messages := transport.received(t)
	assert.Equal(t, chunk.ChannelVideo, messages[0].ChannelID)
	assert.Equal(t, chunk.TypeVideo, messages[0].TypeID)
	assert.Equal(t, uint32(10), messages[0].Timestamp)
	assert.Equal(t, uint32(1), messages[0].StreamID)
	assert.Equal(t, "key", string(messages[0].Bytes()))
	assert.Equal(t, chunk.ChannelAudio, messages[1].ChannelID)
	assert.Equal(t, chunk.TypeAudio, messages[1].TypeID)
	assert.Equal(t, 300, len(messages[2].Bytes()))

	engine.Unregister(sub)
	assert.Zero(t, p.Stats().Outstanding)
}

func TestBroadcastGroupsByWireBytes(t *testing.T) {
	p := pool.NewPool()
	engine, registry := newTestEngine(p, DefaultEngineConfig())
	var transports []*fakeTransport
	var subs []*SubscribeContext
	for i, chunkSize := range []uint32{128, 128, 4096} {
		transport := newFakeTransport(fmt.Sprintf("s%d", i))
		transport.chunkSize = chunkSize
		sub := subscribe(t, registry, transport, "live/1")
		engine.Register(sub)
		engine.Initialize(sub, nil)
		transports = append(transports, transport)
		subs = append(subs, sub)
	}

	before := p.Stats().Acquired
	broadcast(engine, p, subs, MediaVideo, 0, false, strings.Repeat("v", 1000))
	// One payload plus one framed buffer per group.
	assert.Equal(t, int64(3), p.Stats().Acquired-before)

	for _, transport := range transports {
		transport := transport
		require.Eventually(t, func() bool { return len(transport.received(t)) == 1 }, eventually, time.Millisecond)
		assert.Equal(t, strings.Repeat("v", 1000), transport.receivedPayloads(t)[0])
	}
	engine.Close()
	assert.Zero(t, p.Stats().Outstanding)
}

func TestBroadcastHonorsReceiveFlags(t *testing.T) {
	p := pool.NewPool()
	engine, registry := newTestEngine(p, DefaultEngineConfig())
	transport := newFakeTransport("s")
	sub := subscribe(t, registry, transport, "live/1")
	sub.SetReceive(MediaVideo, false)
	engine.Register(sub)
	engine.Initialize(sub, nil)

	subs := []*SubscribeContext{sub}
	broadcast(engine, p, subs, MediaVideo, 1, true, "inter")
	broadcast(engine, p, subs, MediaVideo, 2, false, "key")
	broadcast(engine, p, subs, MediaAudio, 3, true, "aac")

	require.Eventually(t, func() bool { return len(transport.received(t)) == 2 }, eventually, time.Millisecond)
	assert.Equal(t, []string{"key", "aac"}, transport.receivedPayloads(t))
	engine.Close()
	assert.Zero(t, p.Stats().Outstanding)
}

func TestWorkerDropsStaleSkippablePackets(t *testing.T) {
	p := pool.NewPool()
	engine, registry := newTestEngine(p, DefaultEngineConfig())
	transport := newFakeTransport("s")
	sub := subscribe(t, registry, transport, "live/1")
	engine.Register(sub)

	subs := []*SubscribeContext{sub}
	broadcast(engine, p, subs, MediaVideo, 100, true, "a")
	broadcast(engine, p, subs, MediaVideo, 100, true, "stale")
	broadcast(engine, p, subs, MediaVideo, 50, true, "older")
	broadcast(engine, p, subs, MediaVideo, 50, false, "key")
	broadcast(engine, p, subs, MediaAudio, 10, true, "audio")
	broadcast(engine, p, subs, MediaVideo, 60, true, "b")
	engine.Initialize(sub, nil)

	require.Eventually(t, func() bool { return len(transport.received(t)) == 4 }, eventually, time.Millisecond)
	assert.Equal(t, []string{"a", "key", "audio", "b"}, transport.receivedPayloads(t))
	last, ok := sub.LastSent(MediaVideo)
	assert.True(t, ok)
	assert.Equal(t, uint32(60), last)
	engine.Close()
	assert.Zero(t, p.Stats().Outstanding)
}

func TestBackpressureSkipMode(t *testing.T) {
	p := pool.NewPool()
	config := DefaultEngineConfig()
	config.Thresholds = Thresholds{MaxBytes: 1000, MaxCount: 3}
	engine, registry := newTestEngine(p, config)
	transport := newFakeTransport("s")
	sub := subscribe(t, registry, transport, "live/1")
	engine.Register(sub)

	// Not initialized yet, so everything accumulates.
	subs := []*SubscribeContext{sub}
	frame := strings.Repeat("f", 400)
	for i := 0; i < 4; i++ {
		broadcast(engine, p, subs, MediaVideo, uint32(i), true, frame)
	}
	bytes, count := sub.Outstanding()
	assert.Equal(t, int64(4), count)
	assert.Greater(t, bytes, int64(1000))
	assert.False(t, sub.Skipping())

	broadcast(engine, p, subs, MediaVideo, 4, true, frame)
	assert.True(t, sub.Skipping())
	_, count = sub.Outstanding()
	assert.Equal(t, int64(4), count, "skippable packet dropped")

	broadcast(engine, p, subs, MediaVideo, 5, true, frame)
	_, count = sub.Outstanding()
	assert.Equal(t, int64(4), count, "still skipping")

	broadcast(engine, p, subs, MediaVideo, 6, false, "key")
	_, count = sub.Outstanding()
	assert.Equal(t, int64(5), count, "non skippable always admitted")

	engine.Initialize(sub, nil)
	require.Eventually(t, func() bool {
		_, count := sub.Outstanding()
		return count == 0
	}, eventually, time.Millisecond)
	assert.True(t, sub.Skipping())

	broadcast(engine, p, subs, MediaVideo, 7, true, "resumed")
	assert.False(t, sub.Skipping())
	require.Eventually(t, func() bool { return len(transport.received(t)) == 6 }, eventually, time.Millisecond)
	assert.Equal(t, "resumed", transport.receivedPayloads(t)[5])

	engine.Close()
	assert.Zero(t, p.Stats().Outstanding)
}

func TestSendFailureDisconnectsOnlyThatSubscriber(t *testing.T) {
	p := pool.NewPool()
	engine, registry := newTestEngine(p, DefaultEngineConfig())
	bad := newFakeTransport("bad")
	bad.fail.Store(true)
	good := newFakeTransport("good")
	badSub := subscribe(t, registry, bad, "live/1")
	goodSub := subscribe(t, registry, good, "live/1")
	for _, sub := range []*SubscribeContext{badSub, goodSub} {
		engine.Register(sub)
		engine.Initialize(sub, nil)
	}

	subs := []*SubscribeContext{badSub, goodSub}
	broadcast(engine, p, subs, MediaVideo, 1, false, "one")
	require.Eventually(t, bad.disconnected.Load, eventually, time.Millisecond)

	broadcast(engine, p, subs, MediaVideo, 2, false, "two")
	require.Eventually(t, func() bool { return len(good.received(t)) == 2 }, eventually, time.Millisecond)
	assert.False(t, good.disconnected.Load())

	// The failed worker closed its queue, nothing is held for it.
	_, count := badSub.Outstanding()
	assert.Zero(t, count)

	engine.Unregister(badSub)
	engine.Unregister(goodSub)
	assert.Zero(t, engine.Workers())
	assert.Zero(t, p.Stats().Outstanding)
}

func TestUnregisterReleasesQueuedClaims(t *testing.T) {
	p := pool.NewPool()
	engine, registry := newTestEngine(p, DefaultEngineConfig())
	sub := subscribe(t, registry, newFakeTransport("s"), "live/1")
	engine.Register(sub)
	for i := 0; i < 10; i++ {
		broadcast(engine, p, []*SubscribeContext{sub}, MediaAudio, uint32(i), true, "queued")
	}
	assert.Equal(t, int64(10), p.Stats().Outstanding)

	engine.Unregister(sub)
	assert.Zero(t, p.Stats().Outstanding)

	// Late broadcasts to an unregistered subscriber are released at once.
	broadcast(engine, p, []*SubscribeContext{sub}, MediaAudio, 11, true, "late")
	assert.Zero(t, p.Stats().Outstanding)

	// Unregister twice is harmless.
	engine.Unregister(sub)
}

func TestBatchingCoalescesSends(t *testing.T) {
	p := pool.NewPool()
	config := DefaultEngineConfig()
	config.Batching = true
	config.BatchWindow = 50 * time.Millisecond
	engine, registry := newTestEngine(p, config)
	transport := newFakeTransport("s")
	sub := subscribe(t, registry, transport, "live/1")
	engine.Register(sub)
	engine.Initialize(sub, nil)

	for i := 0; i < 5; i++ {
		broadcast(engine, p, []*SubscribeContext{sub}, MediaVideo, uint32(i+1), true, fmt.Sprintf("f%d", i))
	}
	require.Eventually(t, func() bool { return len(transport.received(t)) == 5 }, eventually, time.Millisecond)
	assert.Equal(t, []string{"f0", "f1", "f2", "f3", "f4"}, transport.receivedPayloads(t))
	assert.Less(t, transport.sendCount(), 5)
	engine.Close()
	assert.Zero(t, p.Stats().Outstanding)
}

type recordingInterceptor struct {
	name string
	mu   *sync.Mutex
	log  *[]string
}

func (r recordingInterceptor) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, r.name+":"+event)
}

func (r recordingInterceptor) OnMediaMessage(_ *PublishContext, media MediaType, _ uint32, payload *pool.RentedBuffer) {
	r.record(fmt.Sprintf("media-%s-%s", media, payload.Bytes()))
}

func (r recordingInterceptor) OnPictureCached(_ *PublishContext, _ MediaType, _ uint32, payload *pool.RentedBuffer) {
	r.record(fmt.Sprintf("picture-%s", payload.Bytes()))
}

func (r recordingInterceptor) OnSequenceHeaderCached(_ *PublishContext, media MediaType, _ *pool.RentedBuffer) {
	r.record(fmt.Sprintf("header-%s", media))
}

func (r recordingInterceptor) OnGOPCacheCleared(*PublishContext) {
	r.record("cleared")
}

func TestInterceptorsAreCalledInOrderWithAClaim(t *testing.T) {
	p := pool.NewPool()
	var mu sync.Mutex
	var log []string
	claims := int32(0)
	first := recordingInterceptor{name: "first", mu: &mu, log: &log}
	second := recordingInterceptor{name: "second", mu: &mu, log: &log}
	checker := claimChecker{claims: &claims}
	engine, _ := newTestEngine(p, DefaultEngineConfig(), first, second, checker)

	broadcast(engine, p, nil, MediaAudio, 0, true, "a")
	assert.Equal(t, []string{"first:media-audio-a", "second:media-audio-a"}, log)
	assert.Equal(t, int32(2), claims)
	assert.Zero(t, p.Stats().Outstanding)
}

type claimChecker struct {
	NopInterceptor
	claims *int32
}

func (c claimChecker) OnMediaMessage(_ *PublishContext, _ MediaType, _ uint32, payload *pool.RentedBuffer) {
	*c.claims = payload.Claims()
}
