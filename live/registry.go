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
	"sort"
	"sync"
)

// Result is the outcome of a registry operation.
type Result int

const (
	Succeeded Result = iota
	AlreadyPublishing
	AlreadySubscribing
	AlreadyExists
)

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case AlreadyPublishing:
		return "already publishing"
	case AlreadySubscribing:
		return "already subscribing"
	case AlreadyExists:
		return "stream already exists"
	}
	return "unknown"
}

// subscriberSet is an ordered set of subscribers of a path. The list is
// rebuilt on every change so readers can keep a snapshot without locking.
type subscriberSet struct {
	list []*SubscribeContext
}

func (set *subscriberSet) add(sub *SubscribeContext) {
	list := make([]*SubscribeContext, len(set.list), len(set.list)+1)
	copy(list, set.list)
	set.list = append(list, sub)
}

func (set *subscriberSet) remove(sub *SubscribeContext) bool {
	for i, s := range set.list {
		if s != sub {
			continue
		}
		list := make([]*SubscribeContext, 0, len(set.list)-1)
		list = append(list, set.list[:i]...)
		set.list = append(list, set.list[i+1:]...)
		return true
	}
	return false
}

// Registry maps stream paths to their publisher and subscribers.
//
// Publishing and subscribing state are guarded by separate locks. Any
// operation needing both takes them through lockBoth, which always locks
// publishing first.
type Registry struct {
	pubMu       sync.RWMutex
	publishers  map[string]*PublishContext
	publishing  map[string]*PublishContext
	subMu       sync.RWMutex
	subscribers map[string]*subscriberSet
	subscribing map[string]*SubscribeContext

	newGOPCache func() *GOPCache
}

func NewRegistry() *Registry {
	return &Registry{
		publishers:  make(map[string]*PublishContext),
		publishing:  make(map[string]*PublishContext),
		subscribers: make(map[string]*subscriberSet),
		subscribing: make(map[string]*SubscribeContext),
		newGOPCache: func() *GOPCache {
			return NewGOPCache(DefaultGOPCacheMax, true)
		},
	}
}

func (registry *Registry) lockBoth() {
	registry.pubMu.Lock()
	registry.subMu.Lock()
}

func (registry *Registry) unlockBoth() {
	registry.subMu.Unlock()
	registry.pubMu.Unlock()
}

func (registry *Registry) rlockBoth() {
	registry.pubMu.RLock()
	registry.subMu.RLock()
}

func (registry *Registry) runlockBoth() {
	registry.subMu.RUnlock()
	registry.pubMu.RUnlock()
}

// StartPublishing binds a session as the publisher of a path. On success it
// returns the new context and the subscribers already waiting on the path.
func (registry *Registry) StartPublishing(t Transport, path string, args PublishArgs) (*PublishContext, []*SubscribeContext, Result) {
	registry.lockBoth()
	defer registry.unlockBoth()
	id := t.ID()
	if _, ok := registry.publishing[id]; ok {
		return nil, nil, AlreadyPublishing
	}
	if _, ok := registry.subscribing[id]; ok {
		return nil, nil, AlreadySubscribing
	}
	if _, ok := registry.publishers[path]; ok {
		return nil, nil, AlreadyExists
	}
	pub := newPublishContext(t, path, args, registry.newGOPCache())
	registry.publishers[path] = pub
	registry.publishing[id] = pub
	var subs []*SubscribeContext
	if set, ok := registry.subscribers[path]; ok {
		subs = set.list
	}
	return pub, subs, Succeeded
}

// StopPublishing removes a publisher. It returns false if pub is not the
// registered publisher of its path.
func (registry *Registry) StopPublishing(pub *PublishContext) ([]*SubscribeContext, bool) {
	registry.lockBoth()
	defer registry.unlockBoth()
	if registry.publishers[pub.Path] != pub {
		return nil, false
	}
	delete(registry.publishers, pub.Path)
	delete(registry.publishing, pub.Transport.ID())
	var subs []*SubscribeContext
	if set, ok := registry.subscribers[pub.Path]; ok {
		subs = set.list
	}
	return subs, true
}

// StartSubscribing binds a session as a subscriber of a path. A path does not
// need a publisher to be subscribed to.
func (registry *Registry) StartSubscribing(t Transport, path string, args SubscribeArgs) (*SubscribeContext, Result) {
	registry.lockBoth()
	defer registry.unlockBoth()
	return registry.subscribeLocked(t, path, args)
}

// startSubscribingTo is StartSubscribing that only binds while pub is the
// publisher of path. It reports false, binding nothing, when the publisher
// changed since the caller looked it up.
func (registry *Registry) startSubscribingTo(t Transport, path string, args SubscribeArgs, pub *PublishContext) (*SubscribeContext, Result, bool) {
	registry.lockBoth()
	defer registry.unlockBoth()
	if registry.publishers[path] != pub {
		return nil, Succeeded, false
	}
	sub, result := registry.subscribeLocked(t, path, args)
	return sub, result, true
}

func (registry *Registry) subscribeLocked(t Transport, path string, args SubscribeArgs) (*SubscribeContext, Result) {
	id := t.ID()
	if _, ok := registry.publishing[id]; ok {
		return nil, AlreadyPublishing
	}
	if _, ok := registry.subscribing[id]; ok {
		return nil, AlreadySubscribing
	}
	sub := newSubscribeContext(t, path, args)
	set, ok := registry.subscribers[path]
	if !ok {
		set = &subscriberSet{}
		registry.subscribers[path] = set
	}
	set.add(sub)
	registry.subscribing[id] = sub
	return sub, Succeeded
}

// StopSubscribing removes a subscriber. It returns false if sub is not
// registered.
func (registry *Registry) StopSubscribing(sub *SubscribeContext) bool {
	registry.subMu.Lock()
	defer registry.subMu.Unlock()
	if registry.subscribing[sub.Transport.ID()] != sub {
		return false
	}
	delete(registry.subscribing, sub.Transport.ID())
	set, ok := registry.subscribers[sub.Path]
	if !ok || !set.remove(sub) {
		return false
	}
	if len(set.list) == 0 {
		delete(registry.subscribers, sub.Path)
	}
	return true
}

// Publisher returns the publisher of a path, or nil.
func (registry *Registry) Publisher(path string) *PublishContext {
	registry.pubMu.RLock()
	defer registry.pubMu.RUnlock()
	return registry.publishers[path]
}

// Subscribers returns the subscribers of a path in subscription order. The
// returned slice must not be modified.
func (registry *Registry) Subscribers(path string) []*SubscribeContext {
	registry.subMu.RLock()
	defer registry.subMu.RUnlock()
	if set, ok := registry.subscribers[path]; ok {
		return set.list
	}
	return nil
}

// Paths returns every path with a publisher or a subscriber, sorted.
func (registry *Registry) Paths() []string {
	registry.rlockBoth()
	defer registry.runlockBoth()
	seen := make(map[string]struct{}, len(registry.publishers)+len(registry.subscribers))
	for path := range registry.publishers {
		seen[path] = struct{}{}
	}
	for path := range registry.subscribers {
		seen[path] = struct{}{}
	}
	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
