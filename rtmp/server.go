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
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kris-nova/logger"
	"github.com/kris-nova/relay/chunk"
	"github.com/kris-nova/relay/live"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
)

// ServerConfig tunes the RTMP server and the connections it accepts.
type ServerConfig struct {
	// MaxConnections caps the connections served at once. Zero is unlimited.
	MaxConnections int

	// ChunkSize is the outgoing chunk size announced after connect.
	ChunkSize uint32

	// WindowAckSize is the acknowledgement window announced after connect.
	WindowAckSize uint32

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 1024,
		ChunkSize:      DefaultChunkSize,
		WindowAckSize:  DefaultWindowAckSize,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		BufferSize:     DefaultBufferSize,
	}
}

// Server accepts RTMP connections and runs one session per connection
// against a live.Service.
type Server struct {
	service *live.Service
	config  ServerConfig

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewServer(service *live.Service, config ServerConfig) *Server {
	if config.ChunkSize == 0 || config.ChunkSize > chunk.MaxChunkSize {
		config.ChunkSize = DefaultChunkSize
	}
	if config.WindowAckSize == 0 {
		config.WindowAckSize = DefaultWindowAckSize
	}
	return &Server{
		service: service,
		config:  config,
		conns:   make(map[string]*Conn),
	}
}

// ListenAndServe listens on a tcp address and serves until ctx is done.
func (server *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen(DefaultProtocol, address)
	if err != nil {
		return errors.Wrapf(err, "rtmp listen %s", address)
	}
	return server.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done or the listener
// fails. On return every connection is closed and its session has finished.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	if server.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, server.config.MaxConnections)
	}
	logger.Always(rtmpServerMessage(fmt.Sprintf("serving on %s", listener.Addr()), listen))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		listener.Close()
	}()

	defer server.shutdown()
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "rtmp accept")
		}
		server.handleConn(netConn)
	}
}

// handleConn is the entry point for every new client connection.
func (server *Server) handleConn(netConn net.Conn) {
	c := NewConn(netConn, ConnConfig{
		BufferSize:   server.config.BufferSize,
		ReadTimeout:  server.config.ReadTimeout,
		WriteTimeout: server.config.WriteTimeout,
		Pool:         server.service.Pool(),
	})
	server.mu.Lock()
	server.conns[c.ID()] = c
	server.mu.Unlock()
	logger.Debug(rtmpServerMessage(fmt.Sprintf("new connection %s from %s", c.ID(), netConn.RemoteAddr()), conn))

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		defer func() {
			server.mu.Lock()
			delete(server.conns, c.ID())
			server.mu.Unlock()
		}()
		err := newSession(c, server.service, server.config).run()
		if isClosed(err) {
			logger.Debug(rtmpServerMessage(fmt.Sprintf("connection %s closed", c.ID()), stop))
			return
		}
		logger.Info(rtmpServerMessage(fmt.Sprintf("connection %s: %v", c.ID(), err), danger))
	}()
}

// isClosed reports whether err only says the connection went away.
func isClosed(err error) bool {
	return err == nil || errors.Cause(err) == io.EOF || errors.Is(err, net.ErrClosed)
}

// Connections returns the number of connections being served.
func (server *Server) Connections() int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return len(server.conns)
}

func (server *Server) shutdown() {
	server.mu.Lock()
	for _, c := range server.conns {
		c.Disconnect()
	}
	server.mu.Unlock()
	server.wg.Wait()
	logger.Always(rtmpServerMessage("stopped", serve))
}
