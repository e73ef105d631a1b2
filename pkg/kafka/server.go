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

package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/novatechflow/kafshard/internal/metrics"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

// RequestHandler answers parsed Kafka requests.
type RequestHandler interface {
	Handle(ctx context.Context, shard sharded.ShardID, header *RequestHeader, req kmsg.Request) (kmsg.Response, error)
}

// Server accepts Kafka connections and pins each one to a shard round-robin.
type Server struct {
	Addr    string
	Handler RequestHandler
	Shards  int
	Logger  *slog.Logger

	listener net.Listener
	next     atomic.Uint32
	closed   atomic.Bool
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// Listen binds the listener without accepting yet.
func (s *Server) Listen() error {
	if s.Handler == nil {
		return errors.New("kafka.Server requires a Handler")
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log().Info("kafka listener started", "addr", ln.Addr().String())
	return nil
}

// Serve accepts connections until ctx ends or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("kafka.Server: Listen must be called before Serve")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log().Warn("accept timeout", "error", err)
				continue
			}
			return err
		}
		s.ServeConn(ctx, conn)
	}
}

// ListenAndServe binds and serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// ServeConn handles conn on its own goroutine. A closed server closes conn
// instead.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	shard := s.pickShard()
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
		s.handleConnection(ctx, shard, conn)
	}()
}

// Close stops accepting, closes open connections and waits for them to exit.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.mu.Lock()
	s.closed.Store(true)
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Wait blocks until all connection goroutines exit.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ListenAddress returns the actual listener address if the server has started.
func (s *Server) ListenAddress() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.Addr
}

func (s *Server) pickShard() sharded.ShardID {
	if s.Shards <= 1 {
		return 0
	}
	return sharded.ShardID((s.next.Add(1) - 1) % uint32(s.Shards))
}

func (s *Server) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) handleConnection(parent context.Context, shard sharded.ShardID, conn net.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer conn.Close()
	logger := s.log().With("remote", conn.RemoteAddr().String(), "shard", shard)
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read frame", "error", err)
			}
			return
		}
		header, req, err := ParseRequest(frame.Payload)
		if err != nil {
			logger.Warn("parse request", "error", err, "bytes", len(frame.Payload))
			return
		}
		api := kmsg.NameForKey(header.APIKey)
		start := time.Now()
		resp, err := s.Handler.Handle(ctx, shard, header, req)
		metrics.KafkaRequestDuration.WithLabelValues(api).Observe(float64(time.Since(start).Microseconds()) / 1000)
		if err != nil {
			metrics.KafkaRequests.WithLabelValues(api, "error").Inc()
			logger.Warn("handle request", "api", api, "error", err)
			return
		}
		metrics.KafkaRequests.WithLabelValues(api, "ok").Inc()
		if resp == nil {
			continue
		}
		if err := WriteFrame(conn, EncodeResponse(header.CorrelationID, resp)); err != nil {
			logger.Debug("write frame", "error", err)
			return
		}
	}
}
