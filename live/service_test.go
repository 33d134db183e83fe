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
	"sync"
	"testing"
	"time"

	"github.com/kris-nova/relay/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(p *pool.Pool, interceptors ...Interceptor) *Service {
	opts := DefaultOptions()
	opts.Pool = p
	opts.GOPCacheMax = 16
	opts.Interceptors = interceptors
	return NewService(opts)
}

func deliver(service *Service, p *pool.Pool, pub *PublishContext, media MediaType, kind SampleKind, ts uint32, payload string) {
	buf := p.Rent([]byte(payload))
	service.Deliver(pub, Sample{
		Media:     media,
		Kind:      kind,
		Timestamp: ts,
		Payload:   buf,
	})
	buf.Release()
}

func TestLateJoinerBootstrapOrder(t *testing.T) {
	p := pool.NewPool()
	service := newTestService(p)
	pub, result := service.Publish(newFakeTransport("publisher"), "live/1", PublishArgs{Type: "live"})
	require.Equal(t, Succeeded, result)

	deliver(service, p, pub, MediaVideo, SampleSequenceHeader, 0, "avc-seq")
	deliver(service, p, pub, MediaVideo, SampleKeyframe, 0, "key")
	for i := 1; i <= 5; i++ {
		deliver(service, p, pub, MediaVideo, SampleFrame, uint32(i*33), fmt.Sprintf("inter-%d", i))
	}

	transport := newFakeTransport("late")
	sub, result := service.Play(transport, "live/1", SubscribeArgs{StreamID: 1})
	require.Equal(t, Succeeded, result)

	deliver(service, p, pub, MediaVideo, SampleFrame, 198, "live-1")
	deliver(service, p, pub, MediaVideo, SampleFrame, 231, "live-2")

	expected := []string{"avc-seq", "key", "inter-1", "inter-2", "inter-3", "inter-4", "inter-5", "live-1", "live-2"}
	require.Eventually(t, func() bool { return len(transport.received(t)) == len(expected) }, eventually, time.Millisecond)
	assert.Equal(t, expected, transport.receivedPayloads(t))

	assert.True(t, service.Stop(sub))
	assert.True(t, service.Unpublish(pub))
	service.Close()
	assert.Zero(t, p.Stats().Outstanding)
}

func TestNonKeyframeBeforeKeyframeIsNotCached(t *testing.T) {
	p := pool.NewPool()
	service := newTestService(p)
	pub, _ := service.Publish(newFakeTransport("publisher"), "live/1", PublishArgs{})

	deliver(service, p, pub, MediaVideo, SampleFrame, 1, "orphan")
	deliver(service, p, pub, MediaAudio, SampleFrame, 2, "audio")
	assert.False(t, pub.GOP().Active())
	assert.Zero(t, pub.GOP().Len())

	deliver(service, p, pub, MediaVideo, SampleKeyframe, 3, "key")
	deliver(service, p, pub, MediaAudio, SampleFrame, 4, "audio")
	assert.True(t, pub.GOP().Active())
	assert.Equal(t, 2, pub.GOP().Len())

	// The next keyframe starts a new group.
	deliver(service, p, pub, MediaVideo, SampleKeyframe, 5, "key-2")
	assert.Equal(t, 1, pub.GOP().Len())

	assert.Equal(t, uint32(5), pub.LastTimestamp(MediaVideo))
	assert.Equal(t, uint32(4), pub.LastTimestamp(MediaAudio))
	service.Unpublish(pub)
	assert.Zero(t, p.Stats().Outstanding)
}

func TestGOPCacheDisabledStillSendsHeaders(t *testing.T) {
	p := pool.NewPool()
	opts := DefaultOptions()
	opts.Pool = p
	opts.GOPCache = false
	service := NewService(opts)
	pub, _ := service.Publish(newFakeTransport("publisher"), "live/1", PublishArgs{})

	deliver(service, p, pub, MediaData, SampleMetadata, 0, "meta")
	deliver(service, p, pub, MediaAudio, SampleSequenceHeader, 0, "aac-seq")
	deliver(service, p, pub, MediaVideo, SampleKeyframe, 0, "key")

	transport := newFakeTransport("late")
	sub, _ := service.Play(transport, "live/1", SubscribeArgs{StreamID: 1})
	require.Eventually(t, func() bool { return len(transport.received(t)) == 2 }, eventually, time.Millisecond)
	assert.Equal(t, []string{"meta", "aac-seq"}, transport.receivedPayloads(t))

	service.Stop(sub)
	service.Unpublish(pub)
	assert.Zero(t, p.Stats().Outstanding)
}

func TestSubscriberWaitingForPublisher(t *testing.T) {
	p := pool.NewPool()
	var mu sync.Mutex
	var events []string
	opts := DefaultOptions()
	opts.Pool = p
	opts.Hooks = Hooks{
		OnPublish: func(pub *PublishContext) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "publish "+pub.Path)
		},
		OnUnpublish: func(pub *PublishContext) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, "unpublish "+pub.Path)
		},
	}
	service := NewService(opts)

	transport := newFakeTransport("early")
	sub, result := service.Play(transport, "live/1", SubscribeArgs{StreamID: 1})
	require.Equal(t, Succeeded, result)
	assert.True(t, sub.Initialized())

	// A previous publisher's timeline is forgotten when a new one starts.
	sub.setLastSent(MediaVideo, 5000)
	pub, result := service.Publish(newFakeTransport("publisher"), "live/1", PublishArgs{})
	require.Equal(t, Succeeded, result)
	_, ok := sub.LastSent(MediaVideo)
	assert.False(t, ok)

	deliver(service, p, pub, MediaVideo, SampleSequenceHeader, 0, "seq")
	deliver(service, p, pub, MediaVideo, SampleFrame, 40, "inter")
	require.Eventually(t, func() bool { return len(transport.received(t)) == 2 }, eventually, time.Millisecond)

	assert.True(t, service.Unpublish(pub))
	assert.False(t, service.Unpublish(pub))
	assert.Equal(t, []string{"publish live/1", "unpublish live/1"}, events)

	_, result = service.Play(transport, "live/2", SubscribeArgs{})
	assert.Equal(t, AlreadySubscribing, result)
	service.Close()
	assert.Zero(t, p.Stats().Outstanding)
}

func TestServiceInterceptorEvents(t *testing.T) {
	p := pool.NewPool()
	var mu sync.Mutex
	var log []string
	recorder := recordingInterceptor{name: "r", mu: &mu, log: &log}
	service := newTestService(p, recorder)
	pub, _ := service.Publish(newFakeTransport("publisher"), "live/1", PublishArgs{})

	deliver(service, p, pub, MediaVideo, SampleSequenceHeader, 0, "seq")
	deliver(service, p, pub, MediaVideo, SampleKeyframe, 0, "k1")
	deliver(service, p, pub, MediaVideo, SampleFrame, 1, "i1")
	deliver(service, p, pub, MediaVideo, SampleKeyframe, 2, "k2")

	assert.Equal(t, []string{
		"r:header-video",
		"r:media-video-seq",
		"r:picture-k1",
		"r:media-video-k1",
		"r:picture-i1",
		"r:media-video-i1",
		"r:cleared",
		"r:picture-k2",
		"r:media-video-k2",
	}, log)
	service.Unpublish(pub)
	assert.Zero(t, p.Stats().Outstanding)
}

func TestConcurrentPlayDuringDelivery(t *testing.T) {
	p := pool.NewPool()
	opts := DefaultOptions()
	opts.Pool = p
	service := NewService(opts)
	pub, _ := service.Publish(newFakeTransport("publisher"), "live/1", PublishArgs{})
	deliver(service, p, pub, MediaVideo, SampleSequenceHeader, 0, "seq")
	deliver(service, p, pub, MediaVideo, SampleKeyframe, 0, "key")

	const subscribers = 8
	transports := make([]*fakeTransport, subscribers)
	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 100; i++ {
			deliver(service, p, pub, MediaVideo, SampleFrame, uint32(i), fmt.Sprintf("f%d", i))
		}
	}()
	for i := 0; i < subscribers; i++ {
		transports[i] = newFakeTransport(fmt.Sprintf("s%d", i))
		wg.Add(1)
		go func(transport *fakeTransport) {
			defer wg.Done()
			_, result := service.Play(transport, "live/1", SubscribeArgs{StreamID: 1})
			assert.Equal(t, Succeeded, result)
		}(transports[i])
	}
	wg.Wait()
	<-done

	for _, transport := range transports {
		transport := transport
		// Every subscriber sees the headers, the keyframe, then a gapless
		// run of frames up to the last one.
		require.Eventually(t, func() bool {
			payloads := transport.receivedPayloads(t)
			return len(payloads) > 0 && payloads[len(payloads)-1] == "f100"
		}, eventually, time.Millisecond)
		payloads := transport.receivedPayloads(t)
		require.GreaterOrEqual(t, len(payloads), 3)
		assert.Equal(t, "seq", payloads[0])
		assert.Equal(t, "key", payloads[1])
		for j := 2; j < len(payloads); j++ {
			assert.Equal(t, fmt.Sprintf("f%d", j-1), payloads[j])
		}
	}
	service.Close()
	service.Unpublish(pub)
	assert.Zero(t, p.Stats().Outstanding)
}

func TestUnpublishNotifiesAfterPendingMedia(t *testing.T) {
	p := pool.NewPool()
	service := newTestService(p)
	pub, _ := service.Publish(newFakeTransport("publisher"), "live/1", PublishArgs{})

	transport := notifyingTransport{newFakeTransport("player")}
	sub, result := service.Play(transport, "live/1", SubscribeArgs{StreamID: 1})
	require.Equal(t, Succeeded, result)
	deliver(service, p, pub, MediaVideo, SampleSequenceHeader, 0, "seq")
	deliver(service, p, pub, MediaVideo, SampleKeyframe, 0, "key")
	require.True(t, service.Unpublish(pub))

	expected := []string{"seq", "key", "unpublished live/1"}
	require.Eventually(t, func() bool { return len(transport.received(t)) == len(expected) }, eventually, time.Millisecond)
	assert.Equal(t, expected, transport.receivedPayloads(t))

	// The subscriber keeps waiting for the next publisher.
	assert.Equal(t, []*SubscribeContext{sub}, service.Registry().Subscribers("live/1"))
	service.Stop(sub)
	service.Close()
	assert.Zero(t, p.Stats().Outstanding)
}

func TestPublishDoesNotReinitializeSubscriber(t *testing.T) {
	p := pool.NewPool()
	service := newTestService(p)

	transport := newFakeTransport("early")
	sub, _ := service.Play(transport, "live/1", SubscribeArgs{StreamID: 1})
	require.True(t, sub.Initialized())

	pub, _ := service.Publish(newFakeTransport("publisher"), "live/1", PublishArgs{})
	deliver(service, p, pub, MediaVideo, SampleSequenceHeader, 0, "seq")
	require.Eventually(t, func() bool { return len(transport.received(t)) == 1 }, eventually, time.Millisecond)

	// A second initialization gives back its bootstrap untouched.
	bootstrap := []Packet{{Media: MediaVideo, Buffer: p.Rent([]byte("stale"))}}
	service.Engine().Initialize(sub, bootstrap)
	assert.Equal(t, []string{"seq"}, transport.receivedPayloads(t))

	service.Stop(sub)
	service.Unpublish(pub)
	service.Close()
	assert.Zero(t, p.Stats().Outstanding)
}

func TestPlayAcrossPublisherChanges(t *testing.T) {
	p := pool.NewPool()
	service := newTestService(p)

	for round := 0; round < 20; round++ {
		path := fmt.Sprintf("live/%d", round)
		var wg sync.WaitGroup
		transport := newFakeTransport(fmt.Sprintf("player-%d", round))
		var sub *SubscribeContext
		var pub *PublishContext
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, _ = service.Play(transport, path, SubscribeArgs{StreamID: 1})
		}()
		go func() {
			defer wg.Done()
			pub, _ = service.Publish(newFakeTransport("publisher"), path, PublishArgs{})
			deliver(service, p, pub, MediaVideo, SampleSequenceHeader, 0, "seq")
		}()
		wg.Wait()
		deliver(service, p, pub, MediaVideo, SampleKeyframe, 1, "key")

		// Whichever side won, the header arrives exactly once and first.
		require.Eventually(t, func() bool {
			payloads := transport.receivedPayloads(t)
			return len(payloads) > 0 && payloads[len(payloads)-1] == "key"
		}, eventually, time.Millisecond)
		assert.Equal(t, []string{"seq", "key"}, transport.receivedPayloads(t))

		service.Stop(sub)
		service.Unpublish(pub)
	}
	service.Close()
	assert.Zero(t, p.Stats().Outstanding)
}
