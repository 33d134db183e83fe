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

// Package health serves the gRPC health checking protocol for a relay. The
// overall service is healthy while the server runs and every stream path
// is a service of its own, healthy while it has a publisher.
package health

import (
	"context"
	"net"

	"github.com/kris-nova/logger"
	"github.com/kris-nova/relay/live"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server is a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	health *health.Server
	server *grpc.Server
}

func NewServer() *Server {
	healthServer := health.NewServer()
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &Server{
		health: healthServer,
		server: server,
	}
}

// Hooks reports every path as its own service: serving while published.
func (s *Server) Hooks() live.Hooks {
	return live.Hooks{
		OnPublish: func(pub *live.PublishContext) {
			s.health.SetServingStatus(pub.Path, healthpb.HealthCheckResponse_SERVING)
		},
		OnUnpublish: func(pub *live.PublishContext) {
			s.health.SetServingStatus(pub.Path, healthpb.HealthCheckResponse_NOT_SERVING)
		},
	}
}

// Status returns the status of a service. The empty name is the relay as a
// whole.
func (s *Server) Status(service string) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.Status
}

// ListenAndServe listens on a tcp address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "grpc listen %s", address)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done, then marks every service
// NOT_SERVING and stops gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	logger.Info("Health listening: %v", listener.Addr())
	for name := range s.server.GetServiceInfo() {
		logger.Debug("Registered gRPC service %s", name)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.server.GracefulStop()
			logger.Always("Health graceful shutdown...")
		case <-done:
		}
	}()
	if err := s.server.Serve(listener); err != nil {
		return errors.Wrap(err, "grpc serve")
	}
	return nil
}
