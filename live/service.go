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
	"github.com/kris-nova/logger"
	"github.com/kris-nova/relay/pool"
)

// Hooks are called when a path gains or loses its publisher.
type Hooks struct {
	OnPublish   func(pub *PublishContext)
	OnUnpublish func(pub *PublishContext)
}

// Options configure a Service.
type Options struct {
	// GOPCache enables caching of the pictures since the last keyframe.
	GOPCache    bool
	GOPCacheMax int

	Engine       EngineConfig
	Interceptors []Interceptor
	Hooks        Hooks
	Pool         *pool.Pool
}

func DefaultOptions() Options {
	return Options{
		GOPCache:    true,
		GOPCacheMax: DefaultGOPCacheMax,
		Engine:      DefaultEngineConfig(),
	}
}

// Service ties the registry, the caches and the distribution engine
// together behind the operations a session performs.
type Service struct {
	registry     *Registry
	engine       *Engine
	interceptors Interceptors
	hooks        Hooks
	pool         *pool.Pool
}

func NewService(opts Options) *Service {
	if opts.Pool == nil {
		opts.Pool = pool.Default
	}
	interceptors := Interceptors(opts.Interceptors)
	registry := NewRegistry()
	registry.newGOPCache = func() *GOPCache {
		return NewGOPCache(opts.GOPCacheMax, opts.GOPCache)
	}
	return &Service{
		registry:     registry,
		engine:       NewEngine(opts.Engine, opts.Pool, interceptors),
		interceptors: interceptors,
		hooks:        opts.Hooks,
		pool:         opts.Pool,
	}
}

func (service *Service) Registry() *Registry {
	return service.registry
}

func (service *Service) Engine() *Engine {
	return service.engine
}

func (service *Service) Pool() *pool.Pool {
	return service.pool
}

// Publish makes t the publisher of path. Subscribers already waiting on the
// path start a fresh timeline with the new publisher.
func (service *Service) Publish(t Transport, path string, args PublishArgs) (*PublishContext, Result) {
	pub, subs, result := service.registry.StartPublishing(t, path, args)
	if result != Succeeded {
		return nil, result
	}
	pub.mu.Lock()
	for _, sub := range subs {
		sub.resetTimestamps()
		if !sub.Initialized() {
			service.engine.Initialize(sub, nil)
		}
	}
	pub.mu.Unlock()
	logger.Info("Publishing %s (%s) with %d waiting subscribers", path, pub.ID, len(subs))
	if service.hooks.OnPublish != nil {
		service.hooks.OnPublish(pub)
	}
	return pub, Succeeded
}

// Unpublish removes a publisher and releases its cache. The remaining
// subscribers keep waiting on the path and are told the stream ended.
func (service *Service) Unpublish(pub *PublishContext) bool {
	pub.mu.Lock()
	subs, ok := service.registry.StopPublishing(pub)
	if ok {
		pub.gop.Close()
	}
	pub.mu.Unlock()
	if !ok {
		return false
	}
	for _, sub := range subs {
		if notifier, ok := sub.Transport.(UnpublishNotifier); ok {
			service.engine.Notify(sub, notifier.UnpublishNotices(sub))
		}
	}
	logger.Info("Unpublished %s (%s), %d subscribers remain", pub.Path, pub.ID, len(subs))
	if service.hooks.OnUnpublish != nil {
		service.hooks.OnUnpublish(pub)
	}
	return true
}

// Play subscribes t to path and starts its delivery worker. When the path
// has a publisher the subscriber first receives the cached headers and
// pictures, then live packets.
func (service *Service) Play(t Transport, path string, args SubscribeArgs) (*SubscribeContext, Result) {
	for {
		if sub, result, ok := service.play(t, path, args, service.registry.Publisher(path)); ok {
			return sub, result
		}
	}
}

// play subscribes t while pub is the publisher of path. It reports false
// when the publisher changed before the subscription could be bound.
func (service *Service) play(t Transport, path string, args SubscribeArgs, pub *PublishContext) (*SubscribeContext, Result, bool) {
	if pub != nil {
		// Broadcasts stay out until the bootstrap is queued, so no packet
		// is both replayed and queued live.
		pub.mu.Lock()
		defer pub.mu.Unlock()
	}
	sub, result, ok := service.registry.startSubscribingTo(t, path, args, pub)
	if !ok {
		return nil, result, false
	}
	if result != Succeeded {
		return nil, result, true
	}
	service.engine.Register(sub)
	var bootstrap []Packet
	if pub != nil {
		bootstrap = pub.gop.Bootstrap()
	}
	// Without a publisher a later Publish may have initialized sub already,
	// in which case this does nothing.
	service.engine.Initialize(sub, bootstrap)
	logger.Info("Playing %s (%s) with %d bootstrap packets", path, sub.ID, len(bootstrap))
	return sub, Succeeded, true
}

// Stop unsubscribes and waits for the subscriber's worker to drain.
func (service *Service) Stop(sub *SubscribeContext) bool {
	ok := service.registry.StopSubscribing(sub)
	service.engine.Unregister(sub)
	if ok {
		logger.Info("Stopped playing %s (%s)", sub.Path, sub.ID)
	}
	return ok
}

// Deliver caches a sample as needed and broadcasts it to the path's
// subscribers. The caller keeps its claim on the sample payload.
func (service *Service) Deliver(pub *PublishContext, sample Sample) {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	pub.lastTimestamp[sample.Media] = sample.Timestamp
	service.accept(pub, sample)
	subs := service.registry.Subscribers(pub.Path)
	service.engine.Broadcast(pub, subs, sample.Media, sample.Timestamp, sample.Skippable(), sample.Payload)
}

// accept applies the caching policy to a sample:
// sequence headers and metadata replace the cached ones, a keyframe starts
// a new group of pictures, and frames are cached only after a keyframe.
func (service *Service) accept(pub *PublishContext, sample Sample) {
	gop := pub.gop
	switch sample.Kind {
	case SampleMetadata:
		gop.CacheMetadata(sample.Timestamp, sample.Payload)
		return
	case SampleSequenceHeader:
		gop.CacheSequenceHeader(sample.Media, sample.Timestamp, sample.Payload)
		service.interceptors.sequenceHeaderCached(pub, sample.Media, sample.Payload)
		return
	case SampleKeyframe:
		if !gop.Enabled() {
			return
		}
		if gop.Clear() > 0 {
			service.interceptors.gopCacheCleared(pub)
		}
		gop.SetActive(true)
	case SampleFrame:
		if !gop.Active() {
			if gop.SetActive(false) > 0 {
				service.interceptors.gopCacheCleared(pub)
			}
			return
		}
	}
	cached, cleared := gop.CachePicture(sample.Media, sample.Timestamp, sample.Skippable(), sample.Payload)
	if cleared > 0 {
		service.interceptors.gopCacheCleared(pub)
	}
	if cached {
		service.interceptors.pictureCached(pub, sample.Media, sample.Timestamp, sample.Payload)
	}
}

// Close stops every delivery worker.
func (service *Service) Close() {
	service.engine.Close()
}
