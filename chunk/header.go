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

// Package chunk implements the RTMP chunk stream framing: basic and message
// headers, reassembly of messages from interleaved chunks, and re-chunking of
// messages for transmission.
package chunk

import (
	"github.com/gwuhaolin/livego/utils/pio"
	"github.com/pkg/errors"
)

// Chunk types. The type selects the size of the message header.
// RFC RTMP 5.3.1.2
const (
	Type0 uint8 = iota // 11 byte header, absolute timestamp
	Type1              // 7 byte header, timestamp delta
	Type2              // 3 byte header, timestamp delta only
	Type3              // no header, everything inherited
)

const (
	// ExtendedTimestamp is the sentinel value of the 3 byte timestamp field
	// announcing a 4 byte big endian timestamp after the message header.
	ExtendedTimestamp uint32 = 0xFFFFFF

	// MaxMessageLength is the largest length the 3 byte field can carry.
	MaxMessageLength uint32 = 0xFFFFFF

	// DefaultChunkSize is the chunk size both peers start with.
	DefaultChunkSize uint32 = 128

	// MaxChunkSize is the largest chunk size a peer may negotiate.
	MaxChunkSize uint32 = 0x7FFFFFFF

	// MaxChannelID is the largest id the 3 byte basic header can address.
	MaxChannelID uint32 = 65599

	// MaxHeaderLen is the largest possible chunk header:
	// 3 byte basic header, 11 byte message header, 4 byte extended timestamp.
	MaxHeaderLen = 18

	// DefaultMaxPending bounds the declared lengths of the messages one
	// connection may have in progress at once. Two messages of the largest
	// length fit.
	DefaultMaxPending uint64 = 2 * uint64(MaxMessageLength)
)

// Reserved channel ids. These are conventions shared by both peers, the
// protocol itself only reserves ids 0 and 1 for the wide basic headers.
const (
	ChannelProtocolControl uint32 = 2
	ChannelUserControl     uint32 = 3
	ChannelCommand         uint32 = 4
	ChannelData            uint32 = 5
	ChannelAudio           uint32 = 6
	ChannelVideo           uint32 = 7
)

var (
	ErrUnknownChannel     = errors.New("chunk: continuation chunk for unknown channel")
	ErrMessageInterrupted = errors.New("chunk: message header before previous message completed")
	ErrInvalidChunkSize   = errors.New("chunk: invalid chunk size")
	ErrInvalidChannel     = errors.New("chunk: invalid channel id")
	ErrMessageTooLong     = errors.New("chunk: message length exceeds 24 bits")
	ErrPendingLimit       = errors.New("chunk: too many bytes pending reassembly")
)

// Header is the decoded form of a chunk header.
//
// For Type0 Timestamp is absolute, for Type1 and Type2 it is the delta
// from the previous message on the same channel.
type Header struct {
	Format    uint8
	ChannelID uint32
	Timestamp uint32
	Length    uint32
	TypeID    uint8
	StreamID  uint32
}

// Extended reports whether the header carries a 4 byte extended timestamp.
func (header Header) Extended() bool {
	return header.Format != Type3 && header.Timestamp >= ExtendedTimestamp
}

// BasicHeaderLen returns the size of the basic header for a channel id.
func BasicHeaderLen(channelID uint32) int {
	switch {
	case channelID < 64:
		return 1
	case channelID < 64+256:
		return 2
	default:
		return 3
	}
}

// messageHeaderLen returns the size of the message header for a chunk type.
func messageHeaderLen(format uint8) int {
	switch format {
	case Type0:
		return 11
	case Type1:
		return 7
	case Type2:
		return 3
	default:
		return 0
	}
}

// HeaderLen returns the full encoded size of the header, including the
// extended timestamp.
func (header Header) HeaderLen() int {
	n := BasicHeaderLen(header.ChannelID) + messageHeaderLen(header.Format)
	if header.Extended() {
		n += 4
	}
	return n
}

// appendBasicHeader encodes the 1 to 3 byte basic header.
func appendBasicHeader(dst []byte, format uint8, channelID uint32) []byte {
	h := format << 6
	switch {
	case channelID < 64:
		return append(dst, h|uint8(channelID))
	case channelID < 64+256:
		return append(dst, h, uint8(channelID-64))
	default:
		id := channelID - 64
		return append(dst, h|1, uint8(id), uint8(id>>8))
	}
}

// appendHeader encodes the full header into dst.
func appendHeader(dst []byte, header Header) []byte {
	dst = appendBasicHeader(dst, header.Format, header.ChannelID)
	if header.Format == Type3 {
		return dst
	}
	var b [11]byte
	ts := header.Timestamp
	if ts >= ExtendedTimestamp {
		ts = ExtendedTimestamp
	}
	pio.PutU24BE(b[0:3], ts)
	n := 3
	if header.Format <= Type1 {
		pio.PutU24BE(b[3:6], header.Length)
		b[6] = header.TypeID
		n = 7
	}
	if header.Format == Type0 {
		pio.PutU32LE(b[7:11], header.StreamID)
		n = 11
	}
	dst = append(dst, b[:n]...)
	if header.Extended() {
		dst = appendExtended(dst, header.Timestamp)
	}
	return dst
}

func appendExtended(dst []byte, ts uint32) []byte {
	var b [4]byte
	pio.PutU32BE(b[:], ts)
	return append(dst, b[:]...)
}
