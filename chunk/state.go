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
	"github.com/kris-nova/relay/pool"
)

// ChunkStreamState is the per channel state of one connection's read path.
//
// It remembers the last message header seen on the channel so Type1, Type2
// and Type3 chunks can inherit fields, and it holds the payload of the
// message currently being reassembled.
type ChunkStreamState struct {
	ChannelID uint32

	// Format is the type of the last message header (0, 1 or 2) seen.
	Format uint8

	Length    uint32
	TypeID    uint8
	StreamID  uint32
	Timestamp uint32

	// TimestampDelta is the last delta applied, reused by Type3 chunks that
	// start a new message.
	TimestampDelta uint32

	// Extended is set when the last message header carried a 4 byte
	// extended timestamp.
	Extended bool

	payload  *pool.PooledBuffer
	received uint32
}

// InProgress reports whether a message is partially reassembled.
func (chunkStreamState *ChunkStreamState) InProgress() bool {
	return chunkStreamState.payload != nil
}

func (chunkStreamState *ChunkStreamState) remaining() uint32 {
	return chunkStreamState.Length - chunkStreamState.received
}

// begin starts a new message. The accumulator starts at one chunk and
// grows as payload actually arrives.
func (chunkStreamState *ChunkStreamState) begin(p *pool.Pool, chunkSize uint32) {
	size := chunkStreamState.Length
	if size > chunkSize {
		size = chunkSize
	}
	chunkStreamState.received = 0
	chunkStreamState.payload = p.Acquire(int(size))
}

func (chunkStreamState *ChunkStreamState) discard() {
	if chunkStreamState.payload != nil {
		chunkStreamState.payload.Discard()
		chunkStreamState.payload = nil
	}
	chunkStreamState.received = 0
}

// take hands the completed payload to the caller and resets the accumulator.
func (chunkStreamState *ChunkStreamState) take() *pool.PooledBuffer {
	payload := chunkStreamState.payload
	chunkStreamState.payload = nil
	chunkStreamState.received = 0
	return payload
}

// StateTable holds the chunk stream states of one connection, indexed by
// channel id. It is owned by the connection's read loop and is not safe for
// concurrent use.
type StateTable struct {
	states []*ChunkStreamState

	// pending is the sum of the declared lengths of the messages in progress.
	pending uint64
}

func NewStateTable() *StateTable {
	return &StateTable{
		states: make([]*ChunkStreamState, ChannelVideo+1),
	}
}

// Lookup returns the state for a channel or nil if the channel has never
// been referenced.
func (stateTable *StateTable) Lookup(channelID uint32) *ChunkStreamState {
	if int(channelID) >= len(stateTable.states) {
		return nil
	}
	return stateTable.states[channelID]
}

// Acquire returns the state for a channel, creating it on first reference.
func (stateTable *StateTable) Acquire(channelID uint32) *ChunkStreamState {
	if int(channelID) >= len(stateTable.states) {
		grown := make([]*ChunkStreamState, channelID+1, 2*(channelID+1))
		copy(grown, stateTable.states)
		stateTable.states = grown
	}
	state := stateTable.states[channelID]
	if state == nil {
		state = &ChunkStreamState{ChannelID: channelID}
		stateTable.states[channelID] = state
	}
	return state
}

// Reset discards any partially reassembled message on a channel.
func (stateTable *StateTable) Reset(channelID uint32) {
	if state := stateTable.Lookup(channelID); state != nil {
		stateTable.discard(state)
	}
}

// Pending returns the sum of the declared lengths of the messages being
// reassembled.
func (stateTable *StateTable) Pending() uint64 {
	return stateTable.pending
}

func (stateTable *StateTable) begin(state *ChunkStreamState, p *pool.Pool, chunkSize uint32) {
	stateTable.pending += uint64(state.Length)
	state.begin(p, chunkSize)
}

func (stateTable *StateTable) take(state *ChunkStreamState) *pool.PooledBuffer {
	stateTable.pending -= uint64(state.Length)
	return state.take()
}

func (stateTable *StateTable) discard(state *ChunkStreamState) {
	if state.InProgress() {
		stateTable.pending -= uint64(state.Length)
	}
	state.discard()
}

// Len returns the number of channels referenced so far.
func (stateTable *StateTable) Len() int {
	n := 0
	for _, state := range stateTable.states {
		if state != nil {
			n++
		}
	}
	return n
}

// Close returns every in progress accumulator to the pool.
func (stateTable *StateTable) Close() {
	for _, state := range stateTable.states {
		if state != nil {
			stateTable.discard(state)
		}
	}
}
