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

// Package live holds the process wide state of a relay: which session
// publishes each stream path, who subscribes to it, the cached group of
// pictures used to bootstrap late joiners, and the per subscriber delivery
// workers that fan media out.
package live

import (
	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/pool"
)

type MediaType uint8

const (
	MediaAudio MediaType = iota
	MediaVideo
	MediaData

	numMedia = 3
)

func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	case MediaData:
		return "data"
	}
	return "unknown"
}

// TypeID returns the message type id media of this type is sent with.
func (m MediaType) TypeID() uint8 {
	switch m {
	case MediaAudio:
		return chunk.TypeAudio
	case MediaVideo:
		return chunk.TypeVideo
	default:
		return chunk.TypeDataAMF0
	}
}

// MediaTypeOf maps a message type id to a media type.
func MediaTypeOf(typeID uint8) (MediaType, bool) {
	switch typeID {
	case chunk.TypeAudio:
		return MediaAudio, true
	case chunk.TypeVideo:
		return MediaVideo, true
	case chunk.TypeDataAMF0, chunk.TypeDataAMF3:
		return MediaData, true
	}
	return 0, false
}

// SampleKind is the classification of a media message.
type SampleKind uint8

const (
	// SampleFrame is an ordinary audio frame or video inter frame. Losing
	// one is tolerable so frames are skippable.
	SampleFrame SampleKind = iota

	// SampleKeyframe starts a new group of pictures.
	SampleKeyframe

	// SampleSequenceHeader carries the codec configuration.
	SampleSequenceHeader

	// SampleMetadata carries the stream metadata.
	SampleMetadata
)

func (k SampleKind) String() string {
	switch k {
	case SampleFrame:
		return "frame"
	case SampleKeyframe:
		return "keyframe"
	case SampleSequenceHeader:
		return "sequence-header"
	case SampleMetadata:
		return "metadata"
	}
	return "unknown"
}

// Sample is one classified media message from a publisher.
type Sample struct {
	Media     MediaType
	Kind      SampleKind
	Timestamp uint32
	Payload   *pool.RentedBuffer
}

// Skippable reports whether a subscriber may miss this sample.
func (s Sample) Skippable() bool {
	return s.Kind == SampleFrame
}

// Packet is a media payload held by a cache or a delivery queue. Whoever
// holds a Packet owns one claim on its Buffer.
type Packet struct {
	Media     MediaType
	Timestamp uint32
	Skippable bool
	Buffer    *pool.RentedBuffer

	// notice marks a protocol message that is not part of the media
	// timeline.
	notice bool
}

func (p Packet) Len() int {
	if p.Buffer == nil {
		return 0
	}
	return p.Buffer.Len()
}

func (p Packet) Release() {
	if p.Buffer != nil {
		p.Buffer.Release()
	}
}

func releaseAll(packets []Packet) {
	for _, p := range packets {
		p.Release()
	}
}
