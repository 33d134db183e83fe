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
	"github.com/kris-nova/relay/pool"
)

// Interceptor observes the media flowing through publishers.
//
// Interceptors are called synchronously on the publisher's path, in the
// order they were registered. Buffers are read only and a claim is held on
// them for the duration of the call only.
type Interceptor interface {
	OnMediaMessage(pub *PublishContext, media MediaType, timestamp uint32, payload *pool.RentedBuffer)
	OnPictureCached(pub *PublishContext, media MediaType, timestamp uint32, payload *pool.RentedBuffer)
	OnSequenceHeaderCached(pub *PublishContext, media MediaType, payload *pool.RentedBuffer)
	OnGOPCacheCleared(pub *PublishContext)
}

// Interceptors is an ordered list of observers.
type Interceptors []Interceptor

func (interceptors Interceptors) withClaim(payload *pool.RentedBuffer, fn func(Interceptor)) {
	for _, interceptor := range interceptors {
		payload.Claim()
		fn(interceptor)
		payload.Release()
	}
}

func (interceptors Interceptors) mediaMessage(pub *PublishContext, media MediaType, timestamp uint32, payload *pool.RentedBuffer) {
	interceptors.withClaim(payload, func(i Interceptor) {
		i.OnMediaMessage(pub, media, timestamp, payload)
	})
}

func (interceptors Interceptors) pictureCached(pub *PublishContext, media MediaType, timestamp uint32, payload *pool.RentedBuffer) {
	interceptors.withClaim(payload, func(i Interceptor) {
		i.OnPictureCached(pub, media, timestamp, payload)
	})
}

func (interceptors Interceptors) sequenceHeaderCached(pub *PublishContext, media MediaType, payload *pool.RentedBuffer) {
	interceptors.withClaim(payload, func(i Interceptor) {
		i.OnSequenceHeaderCached(pub, media, payload)
	})
}

func (interceptors Interceptors) gopCacheCleared(pub *PublishContext) {
	for _, interceptor := range interceptors {
		interceptor.OnGOPCacheCleared(pub)
	}
}

// NopInterceptor implements Interceptor with no-ops, for embedding by
// observers that only care about some events.
type NopInterceptor struct{}

func (NopInterceptor) OnMediaMessage(*PublishContext, MediaType, uint32, *pool.RentedBuffer)  {}
func (NopInterceptor) OnPictureCached(*PublishContext, MediaType, uint32, *pool.RentedBuffer) {}
func (NopInterceptor) OnSequenceHeaderCached(*PublishContext, MediaType, *pool.RentedBuffer)  {}
func (NopInterceptor) OnGOPCacheCleared(*PublishContext)                                      {}
