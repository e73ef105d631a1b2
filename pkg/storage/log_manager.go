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

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/novatechflow/kafshard/internal/metrics"
	"github.com/novatechflow/kafshard/pkg/cache"
	"github.com/novatechflow/kafshard/pkg/model"
)

// LogManager owns the partition logs of one shard. It is only used from tasks
// running on that shard.
type LogManager struct {
	store      ObjectStore
	cache      *cache.SegmentCache
	cacheBytes int
	cfg        LogConfig
	logs       map[model.NTP]*PartitionLog
	logger     *slog.Logger
}

// NewLogManager creates a manager writing segments to store.
func NewLogManager(store ObjectStore, cfg LogConfig, cacheBytes int, logger *slog.Logger) *LogManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogManager{
		store:      store,
		cache:      cache.NewSegmentCache(cacheBytes),
		cacheBytes: cacheBytes,
		cfg:        cfg,
		logs:       make(map[model.NTP]*PartitionLog),
		logger:     logger,
	}
}

// Manage opens the log for ntp, restoring any segments already on disk.
func (m *LogManager) Manage(ctx context.Context, ntp model.NTP) (*PartitionLog, error) {
	if log, ok := m.logs[ntp]; ok {
		return log, nil
	}
	log := NewPartitionLog(ntp, m.store, m.cache, m.cfg, func(SegmentInfo) {
		metrics.SegmentsFlushed.Inc()
	})
	next, err := log.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", ntp, err)
	}
	m.logs[ntp] = log
	m.logger.Debug("partition log opened", "ntp", ntp.String(), "next_offset", next)
	return log, nil
}

// Get returns the open log for ntp.
func (m *LogManager) Get(ntp model.NTP) (*PartitionLog, bool) {
	log, ok := m.logs[ntp]
	return log, ok
}

// Remove closes the log for ntp. Buffered data is flushed first; with
// deleteData the partition's segments are removed as well.
func (m *LogManager) Remove(ctx context.Context, ntp model.NTP, deleteData bool) error {
	log, ok := m.logs[ntp]
	if !ok {
		return nil
	}
	delete(m.logs, ntp)
	if deleteData {
		return log.Delete(ctx)
	}
	err := log.Flush(ctx)
	m.cache.Invalidate(ntp)
	return err
}

// Logs returns the open logs ordered by NTP.
func (m *LogManager) Logs() []*PartitionLog {
	out := make([]*PartitionLog, 0, len(m.logs))
	for _, log := range m.logs {
		out = append(out, log)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ntp.String() < out[j].ntp.String() })
	return out
}

// Housekeeping flushes logs whose buffer is due and trims the segment cache
// back to its budget.
func (m *LogManager) Housekeeping(ctx context.Context, now time.Time) error {
	var errs []error
	for ntp, log := range m.logs {
		if err := log.FlushIfDue(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", ntp, err))
		}
	}
	m.cache.Reclaim(m.cacheBytes)
	return errors.Join(errs...)
}

// FlushAll writes every buffered batch out.
func (m *LogManager) FlushAll(ctx context.Context) error {
	var errs []error
	for ntp, log := range m.logs {
		if err := log.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", ntp, err))
		}
	}
	return errors.Join(errs...)
}
