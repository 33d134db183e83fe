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

package rtmp

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gwuhaolin/livego/utils/uid"
	"github.com/kris-nova/logger"
	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/pool"
	"github.com/pkg/errors"
)

// ConnConfig tunes a single connection.
type ConnConfig struct {
	BufferSize   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pool         *pool.Pool
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		BufferSize:   DefaultBufferSize,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		Pool:         pool.Default,
	}
}

// Conn is one RTMP connection.
//
// Reads happen on a single goroutine. Writes may come from the session and
// from the delivery worker of a subscriber, so they are serialized by
// writeMu and always end with a flush.
type Conn struct {
	net.Conn

	id     string
	rw     *chunk.ReadWriter
	reader *chunk.Reader

	readTimeout  atomic.Int64
	writeTimeout time.Duration

	writeMu   sync.Mutex
	chunkSize atomic.Uint32

	// remoteWindowAckSize is the window the peer asked us to acknowledge.
	remoteWindowAckSize uint32
	ackReceived         uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(c net.Conn, config ConnConfig) *Conn {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	rw := chunk.NewReadWriter(c, config.BufferSize)
	conn := &Conn{
		Conn:         c,
		id:           uid.NewId(),
		rw:           rw,
		reader:       chunk.NewReader(rw, config.Pool),
		writeTimeout: config.WriteTimeout,
		done:         make(chan struct{}),
	}
	conn.readTimeout.Store(int64(config.ReadTimeout))
	conn.chunkSize.Store(chunk.DefaultChunkSize)
	return conn
}

func (conn *Conn) ID() string {
	return conn.id
}

// ChunkSize is the outgoing chunk size.
func (conn *Conn) ChunkSize() uint32 {
	return conn.chunkSize.Load()
}

// RemoteChunkSize is the chunk size the peer announced.
func (conn *Conn) RemoteChunkSize() uint32 {
	return conn.reader.ChunkSize()
}

// SetReadTimeout changes the deadline applied to every message read. Zero
// disables it, which is what a connection that only plays needs.
func (conn *Conn) SetReadTimeout(d time.Duration) {
	conn.readTimeout.Store(int64(d))
}

// SetChunkSize announces a new outgoing chunk size and switches to it.
func (conn *Conn) SetChunkSize(size uint32) error {
	if size == 0 || size > chunk.MaxChunkSize {
		return errors.Wrapf(chunk.ErrInvalidChunkSize, "size %d", size)
	}
	control := chunk.NewSetChunkSize(size)
	return conn.writeLocked(func(w io.Writer) error {
		if err := chunk.WriteMessage(w, control.Header, control.Payload, conn.chunkSize.Load()); err != nil {
			return err
		}
		conn.chunkSize.Store(size)
		return nil
	})
}

// ReadMessage returns the next message that is not protocol control.
// Protocol control messages are applied to the connection as they arrive.
// The caller owns the payload of the returned message.
func (conn *Conn) ReadMessage() (*chunk.Message, error) {
	for {
		if d := time.Duration(conn.readTimeout.Load()); d > 0 {
			conn.Conn.SetReadDeadline(time.Now().Add(d))
		} else {
			conn.Conn.SetReadDeadline(time.Time{})
		}
		msg, err := conn.reader.ReadMessage()
		if err != nil {
			return nil, err
		}
		if err := conn.ack(); err != nil {
			msg.Discard()
			return nil, err
		}
		handled, err := conn.handleControlMsg(msg)
		if err != nil {
			msg.Discard()
			return nil, err
		}
		if handled {
			msg.Discard()
			continue
		}
		return msg, nil
	}
}

func (conn *Conn) handleControlMsg(msg *chunk.Message) (bool, error) {
	switch msg.TypeID {
	case chunk.TypeSetChunkSize:
		size, err := chunk.ParseUint32(msg.Bytes())
		if err != nil {
			return true, err
		}
		logger.Debug(rtmpMessage(fmt.Sprintf("remote chunk size %d", size), rx))
		return true, conn.reader.SetChunkSize(size & 0x7FFFFFFF)
	case chunk.TypeAbort:
		channelID, err := chunk.ParseUint32(msg.Bytes())
		if err != nil {
			return true, err
		}
		conn.reader.Abort(channelID)
		return true, nil
	case chunk.TypeWindowAckSize:
		size, err := chunk.ParseUint32(msg.Bytes())
		if err != nil {
			return true, err
		}
		conn.remoteWindowAckSize = size
		return true, nil
	case chunk.TypeAck, chunk.TypeSetPeerBandwidth:
		return true, nil
	case chunk.TypeUserControl:
		event, arg, err := chunk.ParseUserControl(msg.Bytes())
		if err != nil {
			return true, err
		}
		switch event {
		case chunk.EventPingRequest:
			return true, conn.WriteControl(chunk.NewUserControl(chunk.EventPingResponse, arg))
		case chunk.EventStreamBegin, chunk.EventStreamIsRecorded, chunk.EventStreamEOF, chunk.EventStreamDry, chunk.EventPingResponse:
			return true, nil
		}
		// SetBufferLength and unknown events are left to the session.
		return false, nil
	}
	return false, nil
}

// ack sends an acknowledgement once the bytes received since the last one
// reach the peer's window.
func (conn *Conn) ack() error {
	if conn.remoteWindowAckSize == 0 {
		return nil
	}
	received := conn.rw.ReadBytes()
	if received-conn.ackReceived < uint64(conn.remoteWindowAckSize) {
		return nil
	}
	conn.ackReceived = received
	logger.Debug(rtmpMessage(fmt.Sprintf("sequence %d", uint32(received)), ack))
	return conn.WriteControl(chunk.NewAck(uint32(received)))
}

// WriteMessage writes and flushes one message using the outgoing chunk size.
func (conn *Conn) WriteMessage(header chunk.Header, payload []byte) error {
	return conn.writeLocked(func(w io.Writer) error {
		return chunk.WriteMessage(w, header, payload, conn.chunkSize.Load())
	})
}

func (conn *Conn) WriteControl(control chunk.Control) error {
	return conn.WriteMessage(control.Header, control.Payload)
}

// WriteFunc runs fn with exclusive access to the connection's writer and
// flushes what it wrote.
func (conn *Conn) WriteFunc(fn func(w io.Writer) error) error {
	return conn.writeLocked(fn)
}

// Send writes pre framed buffers as one flush.
func (conn *Conn) Send(bufs ...*pool.RentedBuffer) error {
	return conn.writeLocked(func(w io.Writer) error {
		for _, buf := range bufs {
			if _, err := w.Write(buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (conn *Conn) writeLocked(fn func(w io.Writer) error) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	if conn.writeTimeout > 0 {
		conn.Conn.SetWriteDeadline(time.Now().Add(conn.writeTimeout))
	}
	if err := fn(conn.rw); err != nil {
		return err
	}
	return conn.rw.Flush()
}

// Disconnect closes the connection once. Blocked reads and writes return
// with an error.
func (conn *Conn) Disconnect() {
	conn.closeOnce.Do(func() {
		close(conn.done)
		if err := conn.Conn.Close(); err != nil {
			logger.Debug(rtmpMessage(fmt.Sprintf("close %s: %v", conn.id, err), warn))
		}
	})
}

func (conn *Conn) Close() error {
	conn.Disconnect()
	return nil
}

// Done is closed by Disconnect.
func (conn *Conn) Done() <-chan struct{} {
	return conn.done
}

// release returns the partially read messages to the pool. It must be
// called by the goroutine that reads, after the last ReadMessage.
func (conn *Conn) release() {
	conn.reader.Close()
}
