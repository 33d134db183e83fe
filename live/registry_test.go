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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPublishConflicts(t *testing.T) {
	registry := NewRegistry()
	a := newFakeTransport("a")
	b := newFakeTransport("b")

	pub, subs, result := registry.StartPublishing(a, "live/1", PublishArgs{Type: "live"})
	require.Equal(t, Succeeded, result)
	require.NotNil(t, pub)
	assert.Empty(t, subs)

	_, _, result = registry.StartPublishing(b, "live/1", PublishArgs{})
	assert.Equal(t, AlreadyExists, result)

	_, result = registry.StartSubscribing(a, "live/1", SubscribeArgs{})
	assert.Equal(t, AlreadyPublishing, result)

	_, _, result = registry.StartPublishing(a, "live/2", PublishArgs{})
	assert.Equal(t, AlreadyPublishing, result)

	assert.Same(t, pub, registry.Publisher("live/1"))
	assert.Nil(t, registry.Publisher("live/2"))
}

func TestRegistrySubscribeConflicts(t *testing.T) {
	registry := NewRegistry()
	c := newFakeTransport("c")

	sub, result := registry.StartSubscribing(c, "live/1", SubscribeArgs{StreamID: 1})
	require.Equal(t, Succeeded, result)
	assert.Equal(t, uint32(1), sub.Args.StreamID)

	_, result = registry.StartSubscribing(c, "live/1", SubscribeArgs{})
	assert.Equal(t, AlreadySubscribing, result)
	_, result = registry.StartSubscribing(c, "live/2", SubscribeArgs{})
	assert.Equal(t, AlreadySubscribing, result)
	_, _, result = registry.StartPublishing(c, "live/1", PublishArgs{})
	assert.Equal(t, AlreadySubscribing, result)

	// A publisher arriving later sees the waiting subscriber.
	_, subs, result := registry.StartPublishing(newFakeTransport("p"), "live/1", PublishArgs{})
	require.Equal(t, Succeeded, result)
	require.Len(t, subs, 1)
	assert.Same(t, sub, subs[0])
}

func TestRegistryStop(t *testing.T) {
	registry := NewRegistry()
	a := newFakeTransport("a")
	pub, _, result := registry.StartPublishing(a, "live/1", PublishArgs{})
	require.Equal(t, Succeeded, result)

	sub, result := registry.StartSubscribing(newFakeTransport("s"), "live/1", SubscribeArgs{})
	require.Equal(t, Succeeded, result)

	subs, ok := registry.StopPublishing(pub)
	require.True(t, ok)
	assert.Equal(t, []*SubscribeContext{sub}, subs)
	_, ok = registry.StopPublishing(pub)
	assert.False(t, ok)

	// The session is idle again and may subscribe.
	_, result = registry.StartSubscribing(a, "live/1", SubscribeArgs{})
	assert.Equal(t, Succeeded, result)

	assert.True(t, registry.StopSubscribing(sub))
	assert.False(t, registry.StopSubscribing(sub))
	assert.Len(t, registry.Subscribers("live/1"), 1)
}

func TestRegistryStopPublishingStranger(t *testing.T) {
	registry := NewRegistry()
	pub, _, _ := registry.StartPublishing(newFakeTransport("a"), "live/1", PublishArgs{})
	_, ok := registry.StopPublishing(pub)
	require.True(t, ok)
	other, _, result := registry.StartPublishing(newFakeTransport("b"), "live/1", PublishArgs{})
	require.Equal(t, Succeeded, result)

	// The stale context must not remove the new publisher.
	_, ok = registry.StopPublishing(pub)
	assert.False(t, ok)
	assert.Same(t, other, registry.Publisher("live/1"))
}

func TestRegistrySubscriberSnapshot(t *testing.T) {
	registry := NewRegistry()
	var subs []*SubscribeContext
	for i := 0; i < 3; i++ {
		sub, result := registry.StartSubscribing(newFakeTransport(fmt.Sprintf("s%d", i)), "live/1", SubscribeArgs{})
		require.Equal(t, Succeeded, result)
		subs = append(subs, sub)
	}
	snapshot := registry.Subscribers("live/1")
	assert.Equal(t, subs, snapshot)

	require.True(t, registry.StopSubscribing(subs[1]))
	assert.Equal(t, subs, snapshot, "snapshot taken earlier is unchanged")
	assert.Equal(t, []*SubscribeContext{subs[0], subs[2]}, registry.Subscribers("live/1"))

	require.True(t, registry.StopSubscribing(subs[0]))
	require.True(t, registry.StopSubscribing(subs[2]))
	assert.Nil(t, registry.Subscribers("live/1"))
	assert.Empty(t, registry.Paths())
}

func TestRegistryPaths(t *testing.T) {
	registry := NewRegistry()
	registry.StartPublishing(newFakeTransport("a"), "live/b", PublishArgs{})
	registry.StartSubscribing(newFakeTransport("b"), "live/a", SubscribeArgs{})
	registry.StartSubscribing(newFakeTransport("c"), "live/b", SubscribeArgs{})
	assert.Equal(t, []string{"live/a", "live/b"}, registry.Paths())
}

func TestRegistryConcurrentPublishers(t *testing.T) {
	registry := NewRegistry()
	const sessions = 64
	results := make([]Result, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			transport := newFakeTransport(fmt.Sprintf("session-%d", i))
			if i%2 == 0 {
				_, _, results[i] = registry.StartPublishing(transport, "live/race", PublishArgs{})
			} else {
				_, results[i] = registry.StartSubscribing(transport, "live/race", SubscribeArgs{})
			}
		}(i)
	}
	wg.Wait()

	published := 0
	for i, result := range results {
		if i%2 == 0 {
			if result == Succeeded {
				published++
			} else {
				assert.Equal(t, AlreadyExists, result)
			}
		} else {
			assert.Equal(t, Succeeded, result)
		}
	}
	assert.Equal(t, 1, published)
	assert.Len(t, registry.Subscribers("live/race"), sessions/2)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "succeeded", Succeeded.String())
	assert.Equal(t, "stream already exists", AlreadyExists.String())
	assert.Equal(t, "unknown", Result(42).String())
}

func TestRegistrySubscribeOnlyToExpectedPublisher(t *testing.T) {
	registry := NewRegistry()
	pub, _, result := registry.StartPublishing(newFakeTransport("p"), "live/1", PublishArgs{})
	require.Equal(t, Succeeded, result)

	// The caller saw no publisher, but one arrived since.
	_, _, ok := registry.startSubscribingTo(newFakeTransport("c"), "live/1", SubscribeArgs{}, nil)
	assert.False(t, ok)
	assert.Empty(t, registry.Subscribers("live/1"))

	sub, result, ok := registry.startSubscribingTo(newFakeTransport("c"), "live/1", SubscribeArgs{}, pub)
	require.True(t, ok)
	require.Equal(t, Succeeded, result)
	assert.Equal(t, []*SubscribeContext{sub}, registry.Subscribers("live/1"))

	// The caller saw a publisher that has gone away.
	_, ok = registry.StopPublishing(pub)
	require.True(t, ok)
	_, _, ok = registry.startSubscribingTo(newFakeTransport("d"), "live/1", SubscribeArgs{}, pub)
	assert.False(t, ok)
	assert.Len(t, registry.Subscribers("live/1"), 1)
}
