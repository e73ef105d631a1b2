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

// Package archival copies flushed segments of the partitions a shard leads to
// a remote object store. Each shard runs its own scheduler; progress is kept
// in the shard's key-value store so restarts resume where they left off.
package archival

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/novatechflow/kafshard/internal/metrics"
	"github.com/novatechflow/kafshard/pkg/cluster"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
	"github.com/novatechflow/kafshard/pkg/storage"
)

// Config configures the schedulers of every shard.
type Config struct {
	Remote        storage.ObjectStore
	Codec         Codec
	Prefix        string
	Interval      time.Duration
	UploadTimeout time.Duration
	Health        *HealthMonitor
	Logger        *slog.Logger
}

type pendingUpload struct {
	ntp     model.NTP
	segment storage.SegmentInfo
}

// Scheduler is the archival service of one shard.
type Scheduler struct {
	shard      sharded.ShardID
	storage    *storage.API
	partitions *cluster.PartitionManager
	cfg        Config
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds the scheduler of shard over its storage and partitions.
func NewScheduler(shard sharded.Shard, api *storage.API, partitions *cluster.PartitionManager, cfg Config) *Scheduler {
	if cfg.Codec == nil {
		cfg.Codec = noneCodec{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	if cfg.Health == nil {
		cfg.Health = NewHealthMonitor(HealthConfig{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		shard:      shard.ID(),
		storage:    api,
		partitions: partitions,
		cfg:        cfg,
		logger:     logger.With("component", "archival", "shard", shard.ID()),
	}
}

// RemoteKey maps a local object key to its key in the remote store.
func RemoteKey(prefix, key string, codec Codec) string {
	if codec.Name() != "none" {
		key += "." + codec.Name()
	}
	return path.Join(prefix, key)
}

// ArchivedOffset returns the last offset of ntp already uploaded, or -1.
func (s *Scheduler) ArchivedOffset(ntp model.NTP) (int64, error) {
	raw, err := s.storage.KVS().Get(storage.KeyspaceArchival, ntp.Path())
	if errors.Is(err, storage.ErrKeyNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	offset, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("archival progress for %s: %w", ntp, err)
	}
	return offset, nil
}

func (s *Scheduler) markArchived(ntp model.NTP, lastOffset int64) error {
	cur, err := s.ArchivedOffset(ntp)
	if err != nil {
		return err
	}
	if lastOffset <= cur {
		return nil
	}
	return s.storage.KVS().Put(storage.KeyspaceArchival, ntp.Path(), []byte(strconv.FormatInt(lastOffset, 10)))
}

// pending lists flushed segments of led partitions past the archived offset.
func (s *Scheduler) pending() ([]pendingUpload, error) {
	var out []pendingUpload
	for _, p := range s.partitions.Partitions() {
		if !p.IsLeader() {
			continue
		}
		log, ok := s.storage.Log().Get(p.NTP())
		if !ok {
			continue
		}
		archived, err := s.ArchivedOffset(p.NTP())
		if err != nil {
			return nil, err
		}
		for _, seg := range log.Segments() {
			if seg.LastOffset > archived {
				out = append(out, pendingUpload{ntp: p.NTP(), segment: seg})
			}
		}
	}
	return out, nil
}

// RunOnce uploads every pending segment of shard and reports how many were
// uploaded. The segment list is taken on the shard; uploads run on the caller.
func RunOnce(ctx context.Context, svc *sharded.Sharded[*Scheduler], shard sharded.ShardID) (int, error) {
	type round struct {
		sched *Scheduler
		work  []pendingUpload
	}
	r, err := sharded.InvokeOn(ctx, svc, shard, func(_ context.Context, s *Scheduler) (round, error) {
		work, err := s.pending()
		return round{sched: s, work: work}, err
	}).Get(ctx)
	if err != nil {
		return 0, err
	}
	uploaded := 0
	for _, u := range r.work {
		if !r.sched.cfg.Health.Allow() {
			r.sched.logger.Debug("remote store unavailable, skipping round")
			break
		}
		if err := r.sched.upload(ctx, u); err != nil {
			return uploaded, fmt.Errorf("archive %s segment %d: %w", u.ntp, u.segment.BaseOffset, err)
		}
		if _, err := sharded.InvokeOn(ctx, svc, shard, func(_ context.Context, s *Scheduler) (struct{}, error) {
			return struct{}{}, s.markArchived(u.ntp, u.segment.LastOffset)
		}).Get(ctx); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	return uploaded, nil
}

func (s *Scheduler) upload(ctx context.Context, u pendingUpload) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	defer cancel()
	start := time.Now()
	size, err := s.copyObject(ctx, u.segment.Key)
	if err == nil {
		var indexSize int
		indexSize, err = s.copyObject(ctx, u.segment.IndexKey)
		size += indexSize
	}
	s.cfg.Health.Record(time.Since(start), err)
	if err != nil {
		metrics.ArchivalUploads.WithLabelValues("error").Inc()
		return err
	}
	metrics.ArchivalUploads.WithLabelValues("ok").Inc()
	metrics.ArchivalBytes.Add(float64(size))
	s.logger.Debug("segment archived", "ntp", u.ntp.String(), "base_offset", u.segment.BaseOffset, "bytes", size)
	return nil
}

func (s *Scheduler) copyObject(ctx context.Context, key string) (int, error) {
	data, err := s.storage.Store().Get(ctx, key, nil)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	body, err := s.cfg.Codec.Compress(data)
	if err != nil {
		return 0, err
	}
	if err := s.cfg.Remote.Put(ctx, RemoteKey(s.cfg.Prefix, key, s.cfg.Codec), body); err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	return len(body), nil
}

// Start launches the upload loop of every shard.
func Start(ctx context.Context, svc *sharded.Sharded[*Scheduler]) error {
	return svc.InvokeOnAll(ctx, func(_ context.Context, s *Scheduler) error {
		s.start(svc)
		return nil
	})
}

func (s *Scheduler) start(svc *sharded.Sharded[*Scheduler]) {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := RunOnce(ctx, svc, s.shard); err != nil && ctx.Err() == nil {
					s.logger.Warn("archival round failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the upload loop.
func (s *Scheduler) Stop(context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}
