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

// Package stats aggregates per stream counters from the media flowing
// through a relay.
package stats

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kris-nova/logger"
	"github.com/kris-nova/relay/live"
	"github.com/kris-nova/relay/pool"
	"github.com/patrickmn/go-cache"
)

const numMedia = 3

// PathStats are the counters of one stream path.
type PathStats struct {
	Path        string
	PublisherID string

	// Publishes counts the publishers seen on the path.
	Publishes int

	Packets [numMedia]uint64
	Bytes   [numMedia]uint64

	PicturesCached  uint64
	SequenceHeaders uint64
	GOPClears       uint64

	FirstSeen time.Time
	LastSeen  time.Time
}

// TotalPackets sums the packets of every media type.
func (pathStats PathStats) TotalPackets() uint64 {
	var total uint64
	for _, n := range pathStats.Packets {
		total += n
	}
	return total
}

func (pathStats PathStats) TotalBytes() uint64 {
	var total uint64
	for _, n := range pathStats.Bytes {
		total += n
	}
	return total
}

// Collector is a live.Interceptor that counts what every publisher sends.
// A path stays reportable for the retention after its last event.
type Collector struct {
	mu    sync.Mutex
	cache *cache.Cache
	now   func() time.Time
}

var _ live.Interceptor = &Collector{}

func NewCollector(retention time.Duration) *Collector {
	return &Collector{
		cache: cache.New(retention, retention),
		now:   time.Now,
	}
}

// update runs fn on the path's counters and refreshes their expiration.
func (collector *Collector) update(pub *live.PublishContext, fn func(*PathStats)) {
	collector.mu.Lock()
	defer collector.mu.Unlock()
	now := collector.now()
	var entry *PathStats
	if v, found := collector.cache.Get(pub.Path); found {
		entry = v.(*PathStats)
	} else {
		entry = &PathStats{
			Path:      pub.Path,
			FirstSeen: now,
		}
	}
	if entry.PublisherID != pub.ID {
		entry.PublisherID = pub.ID
		entry.Publishes++
	}
	entry.LastSeen = now
	fn(entry)
	collector.cache.SetDefault(pub.Path, entry)
}

func (collector *Collector) OnMediaMessage(pub *live.PublishContext, media live.MediaType, timestamp uint32, payload *pool.RentedBuffer) {
	n := uint64(payload.Len())
	collector.update(pub, func(entry *PathStats) {
		entry.Packets[media]++
		entry.Bytes[media] += n
	})
}

func (collector *Collector) OnPictureCached(pub *live.PublishContext, media live.MediaType, timestamp uint32, payload *pool.RentedBuffer) {
	collector.update(pub, func(entry *PathStats) {
		entry.PicturesCached++
	})
}

func (collector *Collector) OnSequenceHeaderCached(pub *live.PublishContext, media live.MediaType, payload *pool.RentedBuffer) {
	collector.update(pub, func(entry *PathStats) {
		entry.SequenceHeaders++
	})
}

func (collector *Collector) OnGOPCacheCleared(pub *live.PublishContext) {
	collector.update(pub, func(entry *PathStats) {
		entry.GOPClears++
	})
}

// Get returns a copy of the counters of a path.
func (collector *Collector) Get(path string) (PathStats, bool) {
	collector.mu.Lock()
	defer collector.mu.Unlock()
	v, found := collector.cache.Get(path)
	if !found {
		return PathStats{}, false
	}
	return *v.(*PathStats), true
}

// Snapshot returns a copy of every unexpired path, sorted by path.
func (collector *Collector) Snapshot() []PathStats {
	collector.mu.Lock()
	items := collector.cache.Items()
	snapshot := make([]PathStats, 0, len(items))
	for _, item := range items {
		snapshot = append(snapshot, *item.Object.(*PathStats))
	}
	collector.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Path < snapshot[j].Path
	})
	return snapshot
}

func (collector *Collector) String() string {
	var b strings.Builder
	b.WriteString("*************************************************************\n")
	snapshot := collector.Snapshot()
	if len(snapshot) == 0 {
		b.WriteString(" No streams\n")
	}
	for _, entry := range snapshot {
		fmt.Fprintf(&b, " Stream [%s] publisher [%s]\n", entry.Path, entry.PublisherID)
		for media := live.MediaAudio; media <= live.MediaData; media++ {
			fmt.Fprintf(&b, "   %5s :  [%d] packets  [%d] bytes\n", media, entry.Packets[media], entry.Bytes[media])
		}
		fmt.Fprintf(&b, "   cached :  [%d] pictures  [%d] sequence headers  [%d] clears\n", entry.PicturesCached, entry.SequenceHeaders, entry.GOPClears)
		fmt.Fprintf(&b, "   active :  [%s]\n", entry.LastSeen.Sub(entry.FirstSeen).Round(time.Second))
	}
	return b.String()
}

// Report logs the collector every interval until ctx is done.
func (collector *Collector) Report(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			logger.Always("Stats\n%s", collector.String())
		}
	}
}
