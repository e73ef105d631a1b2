// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

// Package rpc hosts the broker's internal gRPC endpoint. It currently serves
// the standard health service, reporting one status per broker subsystem.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Service names reported through the health service.
const (
	ServiceBroker     = "kafshard.broker"
	ServiceController = "kafshard.controller"
	ServiceKafka      = "kafshard.kafka"
)

const gracefulStopTimeout = 2 * time.Second

// Server wraps a grpc.Server with the health service registered.
type Server struct {
	addr     string
	logger   *slog.Logger
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer builds a server for addr. Every known service starts NOT_SERVING.
func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:   addr,
		logger: logger.With("component", "rpc"),
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	for _, name := range []string{"", ServiceBroker, ServiceController, ServiceKafka} {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Listen binds the listener. Serving begins with Start.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = lis
	return nil
}

// Start serves on the bound listener in the background.
func (s *Server) Start() error {
	if s.listener == nil {
		return errors.New("rpc: Listen must be called before Start")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("rpc server error", "error", err)
		}
	}()
	s.logger.Info("rpc listener started", "addr", s.Addr())
	return nil
}

// SetServing updates the health status of service.
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop marks every service NOT_SERVING and drains in-flight calls, forcing
// the stop if draining outlasts a short grace period or ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.health.Shutdown()
		done := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(gracefulStopTimeout):
			s.grpc.Stop()
		case <-ctx.Done():
			s.grpc.Stop()
		}
		if s.listener == nil {
			return
		}
		s.wg.Wait()
	})
	return nil
}
