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
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gwuhaolin/livego/utils/uid"
	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/pool"
)

// Transport is the connection side of a session as seen by the registry and
// the distribution engine.
type Transport interface {
	// ID uniquely identifies the connection.
	ID() string

	// Send writes the buffers in order as a single flush. It returns once
	// the bytes are written or the write failed.
	Send(bufs ...*pool.RentedBuffer) error

	// ChunkSize is the outgoing chunk size negotiated on the connection.
	ChunkSize() uint32

	// Disconnect closes the connection. It is safe to call more than once.
	Disconnect()
}

// Notice is a protocol message queued to a subscriber in order with its
// media.
type Notice struct {
	Header  chunk.Header
	Payload []byte
}

// UnpublishNotifier is implemented by transports that tell a player when
// the stream it plays loses its publisher.
type UnpublishNotifier interface {
	UnpublishNotices(sub *SubscribeContext) []Notice
}

// PublishArgs are the arguments of a publish request.
type PublishArgs struct {
	// Type is the publishing type, "live", "record" or "append".
	Type string
}

// SubscribeArgs are the arguments of a play request.
type SubscribeArgs struct {
	// StreamID is the message stream id media is sent on.
	StreamID uint32

	AudioChannel uint32
	VideoChannel uint32
	DataChannel  uint32
}

func (args SubscribeArgs) withDefaults() SubscribeArgs {
	if args.AudioChannel == 0 {
		args.AudioChannel = chunk.ChannelAudio
	}
	if args.VideoChannel == 0 {
		args.VideoChannel = chunk.ChannelVideo
	}
	if args.DataChannel == 0 {
		args.DataChannel = chunk.ChannelData
	}
	return args
}

// PublishContext is the binding of one session publishing one stream path.
type PublishContext struct {
	ID        string
	Path      string
	Args      PublishArgs
	Transport Transport
	Started   time.Time

	// mu serializes the publisher's cache updates and broadcasts with the
	// bootstrap of new subscribers.
	mu sync.Mutex

	gop           *GOPCache
	lastTimestamp [numMedia]uint32
}

func newPublishContext(t Transport, path string, args PublishArgs, gop *GOPCache) *PublishContext {
	return &PublishContext{
		ID:        uid.NewId(),
		Path:      path,
		Args:      args,
		Transport: t,
		Started:   time.Now(),
		gop:       gop,
	}
}

// GOP returns the publisher's cache.
func (pub *PublishContext) GOP() *GOPCache {
	return pub.gop
}

// LastTimestamp returns the timestamp of the last sample of a media type.
func (pub *PublishContext) LastTimestamp(media MediaType) uint32 {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	return pub.lastTimestamp[media]
}

// noTimestamp marks a media type nothing has been sent for yet.
const noTimestamp = math.MaxUint64

// SubscribeContext is the binding of one session playing one stream path.
type SubscribeContext struct {
	ID        string
	Path      string
	Args      SubscribeArgs
	Transport Transport
	Started   time.Time

	disabled [numMedia]atomic.Bool
	lastSent [numMedia]atomic.Uint64

	ready     chan struct{}
	readyOnce sync.Once

	queue *queue
}

func newSubscribeContext(t Transport, path string, args SubscribeArgs) *SubscribeContext {
	sub := &SubscribeContext{
		ID:        uid.NewId(),
		Path:      path,
		Args:      args.withDefaults(),
		Transport: t,
		Started:   time.Now(),
		ready:     make(chan struct{}),
		queue:     newQueue(),
	}
	sub.resetTimestamps()
	return sub
}

// SetReceive enables or disables delivery of skippable media of a type.
func (sub *SubscribeContext) SetReceive(media MediaType, enabled bool) {
	sub.disabled[media].Store(!enabled)
}

// Receives reports whether skippable media of a type is delivered.
func (sub *SubscribeContext) Receives(media MediaType) bool {
	return !sub.disabled[media].Load()
}

// Ready is closed once the subscriber's bootstrap is queued.
func (sub *SubscribeContext) Ready() <-chan struct{} {
	return sub.ready
}

func (sub *SubscribeContext) Initialized() bool {
	select {
	case <-sub.ready:
		return true
	default:
		return false
	}
}

func (sub *SubscribeContext) markReady() bool {
	marked := false
	sub.readyOnce.Do(func() {
		close(sub.ready)
		marked = true
	})
	return marked
}

// LastSent returns the timestamp of the last packet of a media type sent to
// the subscriber.
func (sub *SubscribeContext) LastSent(media MediaType) (uint32, bool) {
	v := sub.lastSent[media].Load()
	if v == noTimestamp {
		return 0, false
	}
	return uint32(v), true
}

func (sub *SubscribeContext) setLastSent(media MediaType, ts uint32) {
	sub.lastSent[media].Store(uint64(ts))
}

// resetTimestamps forgets the last sent timestamps, used when a new
// publisher starts a fresh timeline on the path.
func (sub *SubscribeContext) resetTimestamps() {
	for i := range sub.lastSent {
		sub.lastSent[i].Store(noTimestamp)
	}
}

// Channel returns the outgoing channel id for a media type.
func (sub *SubscribeContext) Channel(media MediaType) uint32 {
	switch media {
	case MediaAudio:
		return sub.Args.AudioChannel
	case MediaVideo:
		return sub.Args.VideoChannel
	default:
		return sub.Args.DataChannel
	}
}

// Outstanding returns the bytes and packets queued or in flight.
func (sub *SubscribeContext) Outstanding() (int64, int64) {
	return sub.queue.bytes.Load(), sub.queue.count.Load()
}

// Skipping reports whether the subscriber is dropping skippable packets.
func (sub *SubscribeContext) Skipping() bool {
	return sub.queue.skipping.Load()
}
