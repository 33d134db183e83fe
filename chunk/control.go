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

package chunk

import (
	"github.com/gwuhaolin/livego/utils/pio"
	"github.com/pkg/errors"
)

// Message type ids.
// RFC RTMP 5.4 and 7.1
const (
	TypeSetChunkSize     uint8 = 1
	TypeAbort            uint8 = 2
	TypeAck              uint8 = 3
	TypeUserControl      uint8 = 4
	TypeWindowAckSize    uint8 = 5
	TypeSetPeerBandwidth uint8 = 6
	TypeAudio            uint8 = 8
	TypeVideo            uint8 = 9
	TypeDataAMF3         uint8 = 15
	TypeSharedObjectAMF3 uint8 = 16
	TypeCommandAMF3      uint8 = 17
	TypeDataAMF0         uint8 = 18
	TypeSharedObjectAMF0 uint8 = 19
	TypeCommandAMF0      uint8 = 20
	TypeAggregate        uint8 = 22
)

// User control event types.
// RFC RTMP 7.1.7
const (
	EventStreamBegin      uint16 = 0
	EventStreamEOF        uint16 = 1
	EventStreamDry        uint16 = 2
	EventSetBufferLength  uint16 = 3
	EventStreamIsRecorded uint16 = 4
	EventPingRequest      uint16 = 6
	EventPingResponse     uint16 = 7
)

// Peer bandwidth limit types.
const (
	LimitHard    uint8 = 0
	LimitSoft    uint8 = 1
	LimitDynamic uint8 = 2
)

var ErrShortControl = errors.New("chunk: control message too short")

// Control is a protocol control or user control message ready to be written
// with WriteMessage.
type Control struct {
	Header
	Payload []byte
}

func newControl(typeID uint8, payload []byte) Control {
	channelID := ChannelProtocolControl
	if typeID == TypeUserControl {
		channelID = ChannelUserControl
	}
	return Control{
		Header: Header{
			Format:    Type0,
			ChannelID: channelID,
			TypeID:    typeID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func u32Payload(v uint32) []byte {
	b := make([]byte, 4)
	pio.PutU32BE(b, v)
	return b
}

func NewSetChunkSize(size uint32) Control {
	return newControl(TypeSetChunkSize, u32Payload(size&0x7FFFFFFF))
}

func NewAbort(channelID uint32) Control {
	return newControl(TypeAbort, u32Payload(channelID))
}

func NewAck(sequence uint32) Control {
	return newControl(TypeAck, u32Payload(sequence))
}

func NewWindowAckSize(size uint32) Control {
	return newControl(TypeWindowAckSize, u32Payload(size))
}

func NewSetPeerBandwidth(size uint32, limit uint8) Control {
	b := make([]byte, 5)
	pio.PutU32BE(b, size)
	b[4] = limit
	return newControl(TypeSetPeerBandwidth, b)
}

// NewUserControl builds a user control event with 32 bit arguments, such as
// the stream id for StreamBegin or the buffer length for SetBufferLength.
func NewUserControl(event uint16, args ...uint32) Control {
	b := make([]byte, 2+4*len(args))
	b[0] = byte(event >> 8)
	b[1] = byte(event)
	for i, arg := range args {
		pio.PutU32BE(b[2+4*i:], arg)
	}
	return newControl(TypeUserControl, b)
}

// ParseUint32 decodes the single 32 bit field carried by SetChunkSize,
// Abort, Ack and WindowAckSize messages.
func ParseUint32(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, errors.Wrapf(ErrShortControl, "got %d bytes", len(payload))
	}
	return pio.U32BE(payload), nil
}

// ParseUserControl decodes a user control event and its first argument.
func ParseUserControl(payload []byte) (uint16, uint32, error) {
	if len(payload) < 2 {
		return 0, 0, errors.Wrapf(ErrShortControl, "got %d bytes", len(payload))
	}
	event := uint16(payload[0])<<8 | uint16(payload[1])
	if len(payload) < 6 {
		return event, 0, nil
	}
	return event, pio.U32BE(payload[2:]), nil
}
