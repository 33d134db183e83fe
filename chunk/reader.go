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
	"io"

	"github.com/kris-nova/relay/pool"
	"github.com/pkg/errors"
)

// Message is a fully reassembled message.
//
// Timestamp is always absolute. The payload is owned by the receiver, who
// must either Discard it or Freeze it for sharing.
type Message struct {
	Header
	Payload *pool.PooledBuffer
}

// Bytes returns the payload bytes.
func (message *Message) Bytes() []byte {
	if message.Payload == nil {
		return nil
	}
	return message.Payload.Bytes()
}

// Discard returns the payload to the pool.
func (message *Message) Discard() {
	if message.Payload != nil {
		message.Payload.Discard()
		message.Payload = nil
	}
}

// Reader reassembles messages from the chunk stream of a single connection.
// It is not safe for concurrent use.
type Reader struct {
	rw         *ReadWriter
	table      *StateTable
	pool       *pool.Pool
	chunkSize  uint32
	maxPending uint64
}

func NewReader(rw *ReadWriter, p *pool.Pool) *Reader {
	if p == nil {
		p = pool.Default
	}
	return &Reader{
		rw:         rw,
		table:      NewStateTable(),
		pool:       p,
		chunkSize:  DefaultChunkSize,
		maxPending: DefaultMaxPending,
	}
}

// SetChunkSize updates the maximum chunk size the peer announced.
func (reader *Reader) SetChunkSize(size uint32) error {
	if size == 0 || size > MaxChunkSize {
		return errors.Wrapf(ErrInvalidChunkSize, "size %d", size)
	}
	reader.chunkSize = size
	return nil
}

func (reader *Reader) ChunkSize() uint32 {
	return reader.chunkSize
}

// SetMaxPending bounds the sum of the declared lengths of the messages in
// progress. A header that would exceed it fails with ErrPendingLimit.
func (reader *Reader) SetMaxPending(n uint64) {
	reader.maxPending = n
}

// Abort discards the partially received message on a channel.
func (reader *Reader) Abort(channelID uint32) {
	reader.table.Reset(channelID)
}

// Table exposes the chunk stream states of this connection.
func (reader *Reader) Table() *StateTable {
	return reader.table
}

// Close returns any partially received payloads to the pool.
func (reader *Reader) Close() {
	reader.table.Close()
}

// ReadMessage reads chunks until one message is complete.
func (reader *Reader) ReadMessage() (*Message, error) {
	for {
		message, err := reader.ReadChunk()
		if err != nil {
			return nil, err
		}
		if message != nil {
			return message, nil
		}
	}
}

// ReadChunk reads exactly one chunk. It returns the message the chunk
// completed, or nil when more chunks are needed.
func (reader *Reader) ReadChunk() (*Message, error) {
	rw := reader.rw
	b, err := rw.ReadUintBE(1)
	if err != nil {
		return nil, err
	}
	format := uint8(b >> 6)
	channelID := b & 0x3f
	switch channelID {
	case 0:
		id, err := rw.ReadUintLE(1)
		if err != nil {
			return nil, err
		}
		channelID = id + 64
	case 1:
		id, err := rw.ReadUintLE(2)
		if err != nil {
			return nil, err
		}
		channelID = id + 64
	}

	state := reader.table.Lookup(channelID)
	if state == nil {
		if format >= Type2 {
			return nil, errors.Wrapf(ErrUnknownChannel, "channel %d type %d", channelID, format)
		}
		state = reader.table.Acquire(channelID)
	}
	if format != Type3 && state.InProgress() {
		return nil, errors.Wrapf(ErrMessageInterrupted, "channel %d type %d with %d bytes remaining", channelID, format, state.remaining())
	}

	starting := format != Type3 || !state.InProgress()
	switch format {
	case Type0:
		ts, _ := rw.ReadUintBE(3)
		state.Length, _ = rw.ReadUintBE(3)
		typeID, _ := rw.ReadUintBE(1)
		state.TypeID = uint8(typeID)
		state.StreamID, _ = rw.ReadUintLE(4)
		state.Extended = ts == ExtendedTimestamp
		if state.Extended {
			ts, _ = rw.ReadUintBE(4)
		}
		state.Format = Type0
		state.Timestamp = ts
		state.TimestampDelta = 0
	case Type1:
		delta, _ := rw.ReadUintBE(3)
		state.Length, _ = rw.ReadUintBE(3)
		typeID, _ := rw.ReadUintBE(1)
		state.TypeID = uint8(typeID)
		state.Extended = delta == ExtendedTimestamp
		if state.Extended {
			delta, _ = rw.ReadUintBE(4)
		}
		state.Format = Type1
		state.TimestampDelta = delta
		state.Timestamp += delta
	case Type2:
		delta, _ := rw.ReadUintBE(3)
		state.Extended = delta == ExtendedTimestamp
		if state.Extended {
			delta, _ = rw.ReadUintBE(4)
		}
		state.Format = Type2
		state.TimestampDelta = delta
		state.Timestamp += delta
	case Type3:
		if starting {
			// A Type3 chunk starting a new message repeats the previous header.
			if state.Extended {
				v, _ := rw.ReadUintBE(4)
				if state.Format == Type0 {
					state.Timestamp = v
				} else {
					state.TimestampDelta = v
					state.Timestamp += v
				}
			} else {
				state.Timestamp += state.TimestampDelta
			}
		} else if state.Extended {
			// The extended field is repeated on every continuation chunk.
			rw.ReadUintBE(4)
		}
	}
	if err := rw.ReadError(); err != nil {
		reader.table.discard(state)
		return nil, err
	}
	if starting {
		if pending := reader.table.Pending() + uint64(state.Length); pending > reader.maxPending {
			return nil, errors.Wrapf(ErrPendingLimit, "channel %d declares %d bytes with %d pending", channelID, state.Length, reader.table.Pending())
		}
		reader.table.begin(state, reader.pool, reader.chunkSize)
	}

	size := state.remaining()
	if size > reader.chunkSize {
		size = reader.chunkSize
	}
	if size > 0 {
		if _, err := rw.Read(state.payload.Extend(int(size))); err != nil {
			reader.table.discard(state)
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		state.received += size
	}
	if state.remaining() > 0 {
		return nil, nil
	}

	return &Message{
		Header: Header{
			Format:    state.Format,
			ChannelID: channelID,
			Timestamp: state.Timestamp,
			Length:    state.Length,
			TypeID:    state.TypeID,
			StreamID:  state.StreamID,
		},
		Payload: reader.table.take(state),
	}, nil
}
