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
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/pool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var errSendFailed = errors.New("send failed")

// fakeTransport records everything sent to it.
type fakeTransport struct {
	id        string
	chunkSize uint32

	mu    sync.Mutex
	wire  bytes.Buffer
	sends int

	fail         atomic.Bool
	disconnected atomic.Bool
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{
		id:        id,
		chunkSize: 128,
	}
}

func (f *fakeTransport) ID() string {
	return f.id
}

func (f *fakeTransport) ChunkSize() uint32 {
	return f.chunkSize
}

func (f *fakeTransport) Send(bufs ...*pool.RentedBuffer) error {
	if f.fail.Load() {
		return errSendFailed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, buf := range bufs {
		f.wire.Write(buf.Bytes())
	}
	f.sends++
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.disconnected.Store(true)
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

// received decodes everything sent so far.
func (f *fakeTransport) received(t *testing.T) []*chunk.Message {
	t.Helper()
	f.mu.Lock()
	wire := append([]byte(nil), f.wire.Bytes()...)
	f.mu.Unlock()

	reader := chunk.NewReader(chunk.NewReadWriter(bytes.NewBuffer(wire), 4096), pool.NewPool())
	require.NoError(t, reader.SetChunkSize(f.chunkSize))
	var messages []*chunk.Message
	for {
		message, err := reader.ReadMessage()
		if err == io.EOF {
			return messages
		}
		require.NoError(t, err)
		messages = append(messages, message)
	}
}

func (f *fakeTransport) receivedPayloads(t *testing.T) []string {
	var payloads []string
	for _, message := range f.received(t) {
		payloads = append(payloads, string(message.Bytes()))
	}
	return payloads
}

// notifyingTransport asks to be told when its publisher goes away.
type notifyingTransport struct {
	*fakeTransport
}

func (n notifyingTransport) UnpublishNotices(sub *SubscribeContext) []Notice {
	return []Notice{{
		Header: chunk.Header{
			Format:    chunk.Type0,
			ChannelID: chunk.ChannelCommand,
			TypeID:    chunk.TypeCommandAMF0,
			StreamID:  sub.Args.StreamID,
		},
		Payload: []byte("unpublished " + sub.Path),
	}}
}
