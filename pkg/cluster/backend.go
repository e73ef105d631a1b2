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

package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

const backendRetryInterval = time.Second

// Backend applies topic table deltas to the partition managers of this node.
// Deltas are applied in order; a failed delta and everything queued after it
// are retried on the next pass.
type Backend struct {
	self       model.NodeID
	topics     *TopicTable
	leaders    *LeadersTable
	table      *ShardTable
	partitions *sharded.Sharded[*PartitionManager]
	logger     *slog.Logger

	pending []Delta

	mu       sync.Mutex
	applied  uint64
	advanced chan struct{}
}

// NewBackend reconciles topics onto partitions for node self.
func NewBackend(self model.NodeID, topics *TopicTable, leaders *LeadersTable, table *ShardTable, partitions *sharded.Sharded[*PartitionManager], logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		self:       self,
		topics:     topics,
		leaders:    leaders,
		table:      table,
		partitions: partitions,
		logger:     logger.With("component", "controller_backend"),
		advanced:   make(chan struct{}),
	}
}

// Run reconciles until ctx is done.
func (b *Backend) Run(ctx context.Context) {
	ticker := time.NewTicker(backendRetryInterval)
	defer ticker.Stop()
	b.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.topics.Changed():
		case <-ticker.C:
		}
		b.reconcile(ctx)
	}
}

func (b *Backend) reconcile(ctx context.Context) {
	deltas, revision := b.topics.TakeDeltas()
	b.pending = append(b.pending, deltas...)
	for len(b.pending) > 0 {
		d := b.pending[0]
		if err := b.apply(ctx, d); err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("delta not applied, will retry", "type", d.Type.String(), "ntp", d.NTP.String(), "revision", d.Revision, "error", err)
			}
			return
		}
		b.pending = b.pending[1:]
	}
	b.markApplied(revision)
}

func (b *Backend) apply(ctx context.Context, d Delta) error {
	cur, hosted := b.table.ShardForNTP(d.NTP)
	want, assigned := model.FindReplica(d.Assignment.Replicas, b.self)
	if d.Type == DeltaDelete {
		b.leaders.Remove(d.NTP)
		if !hosted {
			return nil
		}
		return b.remove(ctx, cur, d.NTP, true)
	}
	switch {
	case assigned && hosted && cur != want.Shard:
		// the replica moves between shards of this node; the new shard
		// restores the log the old one flushed
		if err := b.remove(ctx, cur, d.NTP, false); err != nil {
			return err
		}
		return b.manage(ctx, want.Shard, d)
	case assigned:
		return b.manage(ctx, want.Shard, d)
	case hosted:
		return b.remove(ctx, cur, d.NTP, true)
	}
	return nil
}

func (b *Backend) manage(ctx context.Context, shard sharded.ShardID, d Delta) error {
	_, err := sharded.InvokeOn(ctx, b.partitions, shard, func(ctx context.Context, pm *PartitionManager) (*Partition, error) {
		return pm.Manage(ctx, d.NTP, d.Assignment.Group, d.Assignment.Replicas)
	}).Get(ctx)
	if errors.Is(err, ErrAlreadyAssigned) {
		// the group changed under a restored snapshot; rebuild the replica
		if rmErr := b.remove(ctx, shard, d.NTP, false); rmErr != nil {
			return rmErr
		}
		_, err = sharded.InvokeOn(ctx, b.partitions, shard, func(ctx context.Context, pm *PartitionManager) (*Partition, error) {
			return pm.Manage(ctx, d.NTP, d.Assignment.Group, d.Assignment.Replicas)
		}).Get(ctx)
	}
	return err
}

func (b *Backend) remove(ctx context.Context, shard sharded.ShardID, ntp model.NTP, deleteData bool) error {
	_, err := sharded.InvokeOn(ctx, b.partitions, shard, func(ctx context.Context, pm *PartitionManager) (struct{}, error) {
		return struct{}{}, pm.Remove(ctx, ntp, deleteData)
	}).Get(ctx)
	return err
}

func (b *Backend) markApplied(revision uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if revision <= b.applied {
		return
	}
	b.applied = revision
	close(b.advanced)
	b.advanced = make(chan struct{})
}

// Applied returns the highest revision reconciled onto local shards.
func (b *Backend) Applied() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied
}

// WaitApplied blocks until revision has been reconciled or ctx is done.
func (b *Backend) WaitApplied(ctx context.Context, revision uint64) error {
	for {
		b.mu.Lock()
		applied, advanced := b.applied, b.advanced
		b.mu.Unlock()
		if applied >= revision {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrcTimeout
		case <-advanced:
		}
	}
}
