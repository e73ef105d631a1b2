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

// Package admin serves the broker's HTTP control plane. Every mutating route
// parses and validates its input, resolves the owning shard through the shard
// table and dispatches to it, translating domain error codes to HTTP statuses.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/novatechflow/kafshard/internal/metrics"
	"github.com/novatechflow/kafshard/pkg/cluster"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/security"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

// mutationTimeout bounds every control-plane mutation.
const mutationTimeout = 5 * time.Second

// TopicsFrontend moves partition replicas through the controller.
type TopicsFrontend interface {
	MovePartitionReplicas(ctx context.Context, ntp model.NTP, replicas []model.BrokerShard, deadline time.Time) error
}

// SecurityFrontend manages SCRAM users through the controller.
type SecurityFrontend interface {
	CreateUser(ctx context.Context, username string, cred security.ScramCredential, deadline time.Time) error
	UpdateUser(ctx context.Context, username string, cred security.ScramCredential, deadline time.Time) error
	DeleteUser(ctx context.Context, username string, deadline time.Time) error
	ListUsers() []string
}

// Config wires the admin server.
type Config struct {
	Addr       string
	Table      *cluster.ShardTable
	Partitions *sharded.Sharded[*cluster.PartitionManager]
	Topics     TopicsFrontend
	Security   SecurityFrontend
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	handler  http.Handler
	srv      *http.Server
	listener net.Listener
	ready    atomic.Bool
	done     chan struct{}
}

// NewServer builds the server and its routes. It does not listen.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "admin")}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /raft/{group_id}/transfer_leadership", s.handle(s.raftTransferLeadership))
	mux.HandleFunc("POST /kafka/{topic}/{partition}/transfer_leadership", s.handle(s.kafkaTransferLeadership))
	mux.HandleFunc("POST /partition/{topic}/{partition}/move", s.handle(s.movePartition))
	mux.HandleFunc("POST /security/users", s.handle(s.createUser))
	mux.HandleFunc("GET /security/users", s.handle(s.listUsers))
	mux.HandleFunc("PUT /security/users/{user}", s.handle(s.updateUser))
	mux.HandleFunc("DELETE /security/users/{user}", s.handle(s.deleteUser))
	mux.HandleFunc("GET /status/ready", s.readiness)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	s.handler = mux
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// SetReady flips the readiness route.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Listen binds the listener without serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Start serves on the bound listener in the background.
func (s *Server) Start() error {
	if s.listener == nil {
		return errors.New("admin: Listen must be called before Start")
	}
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", "error", err)
		}
	}()
	s.logger.Info("admin listener started", "addr", s.Addr())
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.ready.Store(false)
	if s.done == nil {
		if s.listener != nil {
			return s.listener.Close()
		}
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// handle adapts a route returning an error into an http.HandlerFunc and
// counts the outcome.
func (s *Server) handle(fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if err := fn(rec, r); err != nil {
			writeError(rec, err)
			s.logger.Debug("admin request failed", "route", r.Pattern, "error", err)
		}
		metrics.AdminRequests.WithLabelValues(r.Pattern, strconv.Itoa(rec.status)).Inc()
	}
}

func (s *Server) readiness(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("{\"status\":\"starting\"}\n"))
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}
