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

	"github.com/kris-nova/relay/pool"
)

const DefaultGOPCacheMax = 1024

// specialCache holds the single latest packet of a kind, such as the video
// sequence header. It is never expired, only replaced.
type specialCache struct {
	full bool
	p    Packet
}

func (specialCache *specialCache) write(p Packet) {
	if specialCache.full {
		specialCache.p.Release()
	}
	specialCache.p = p
	specialCache.full = true
}

func (specialCache *specialCache) snapshot(dst []Packet) []Packet {
	if !specialCache.full {
		return dst
	}
	p := specialCache.p
	p.Buffer = p.Buffer.Claim()
	return append(dst, p)
}

func (specialCache *specialCache) clear() {
	if specialCache.full {
		specialCache.p.Release()
	}
	specialCache.p = Packet{}
	specialCache.full = false
}

// GOPCache keeps the frames since the last keyframe, plus the latest
// sequence headers and metadata, so a new subscriber can start decoding
// without waiting for the next keyframe.
//
// Mutations come from the single publisher of a stream. Snapshots may be
// taken concurrently.
type GOPCache struct {
	mu       sync.RWMutex
	max      int
	enabled  bool
	active   bool
	packets  []Packet
	videoSeq specialCache
	audioSeq specialCache
	metadata specialCache
}

// NewGOPCache returns a cache holding at most max pictures. A disabled cache
// still keeps sequence headers and metadata.
func NewGOPCache(max int, enabled bool) *GOPCache {
	if max <= 0 {
		max = DefaultGOPCacheMax
	}
	return &GOPCache{
		max:     max,
		enabled: enabled,
	}
}

func (gopCache *GOPCache) Enabled() bool {
	return gopCache.enabled
}

// Active reports whether pictures are being cached.
func (gopCache *GOPCache) Active() bool {
	gopCache.mu.RLock()
	defer gopCache.mu.RUnlock()
	return gopCache.active
}

// SetActive turns picture caching on or off. Turning it off clears the
// cache and returns the number of pictures released.
func (gopCache *GOPCache) SetActive(active bool) int {
	gopCache.mu.Lock()
	defer gopCache.mu.Unlock()
	gopCache.active = active && gopCache.enabled
	if gopCache.active {
		return 0
	}
	return gopCache.clearLocked()
}

// CacheSequenceHeader stores the codec configuration of a media type,
// replacing the previous one. The cache takes its own claim on buf.
func (gopCache *GOPCache) CacheSequenceHeader(media MediaType, timestamp uint32, buf *pool.RentedBuffer) {
	p := Packet{
		Media:     media,
		Timestamp: timestamp,
		Buffer:    buf.Claim(),
	}
	gopCache.mu.Lock()
	defer gopCache.mu.Unlock()
	switch media {
	case MediaAudio:
		gopCache.audioSeq.write(p)
	case MediaVideo:
		gopCache.videoSeq.write(p)
	default:
		gopCache.metadata.write(p)
	}
}

// CacheMetadata stores the stream metadata, replacing the previous one.
func (gopCache *GOPCache) CacheMetadata(timestamp uint32, buf *pool.RentedBuffer) {
	gopCache.CacheSequenceHeader(MediaData, timestamp, buf)
}

// CachePicture appends a frame when caching is active. A full cache is
// cleared before the frame is appended. It returns whether the frame was
// cached and how many pictures were released to make room.
func (gopCache *GOPCache) CachePicture(media MediaType, timestamp uint32, skippable bool, buf *pool.RentedBuffer) (bool, int) {
	gopCache.mu.Lock()
	defer gopCache.mu.Unlock()
	if !gopCache.active {
		return false, 0
	}
	cleared := 0
	if len(gopCache.packets) >= gopCache.max {
		cleared = gopCache.clearLocked()
	}
	gopCache.packets = append(gopCache.packets, Packet{
		Media:     media,
		Timestamp: timestamp,
		Skippable: skippable,
		Buffer:    buf.Claim(),
	})
	return true, cleared
}

// Clear releases every cached picture and returns how many there were.
// Sequence headers and metadata are kept.
func (gopCache *GOPCache) Clear() int {
	gopCache.mu.Lock()
	defer gopCache.mu.Unlock()
	return gopCache.clearLocked()
}

func (gopCache *GOPCache) clearLocked() int {
	n := len(gopCache.packets)
	releaseAll(gopCache.packets)
	for i := range gopCache.packets {
		gopCache.packets[i] = Packet{}
	}
	gopCache.packets = gopCache.packets[:0]
	return n
}

// Len returns the number of cached pictures.
func (gopCache *GOPCache) Len() int {
	gopCache.mu.RLock()
	defer gopCache.mu.RUnlock()
	return len(gopCache.packets)
}

// Snapshot returns the cached pictures in arrival order. Each returned
// packet holds its own claim which the caller must release.
func (gopCache *GOPCache) Snapshot() []Packet {
	gopCache.mu.RLock()
	defer gopCache.mu.RUnlock()
	snapshot := make([]Packet, 0, len(gopCache.packets))
	for _, p := range gopCache.packets {
		p.Buffer = p.Buffer.Claim()
		snapshot = append(snapshot, p)
	}
	return snapshot
}

// Headers returns the metadata, the video sequence header and the audio
// sequence header, in that order, skipping any not yet seen. Each returned
// packet holds its own claim.
func (gopCache *GOPCache) Headers() []Packet {
	gopCache.mu.RLock()
	defer gopCache.mu.RUnlock()
	headers := make([]Packet, 0, 3)
	headers = gopCache.metadata.snapshot(headers)
	headers = gopCache.videoSeq.snapshot(headers)
	headers = gopCache.audioSeq.snapshot(headers)
	return headers
}

// Bootstrap returns everything a new subscriber needs before live packets:
// the headers followed by the cached pictures.
func (gopCache *GOPCache) Bootstrap() []Packet {
	return append(gopCache.Headers(), gopCache.Snapshot()...)
}

// Close releases everything the cache holds.
func (gopCache *GOPCache) Close() {
	gopCache.mu.Lock()
	defer gopCache.mu.Unlock()
	gopCache.clearLocked()
	gopCache.active = false
	gopCache.videoSeq.clear()
	gopCache.audioSeq.clear()
	gopCache.metadata.clear()
}
