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
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/novatechflow/kafshard/pkg/consensus"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
	"github.com/novatechflow/kafshard/pkg/storage"
)

// Partition is a local replica: a partition log driven by its consensus group.
// It implements raft.FSM so committed record batches land in the log.
type Partition struct {
	ntp   model.NTP
	group model.GroupID
	log   *storage.PartitionLog

	mu        sync.RWMutex
	replicas  []model.BrokerShard
	consensus consensus.Consensus
}

func newPartition(ntp model.NTP, group model.GroupID, log *storage.PartitionLog, replicas []model.BrokerShard) *Partition {
	return &Partition{
		ntp:      ntp,
		group:    group,
		log:      log,
		replicas: append([]model.BrokerShard(nil), replicas...),
	}
}

// NTP returns the partition identity.
func (p *Partition) NTP() model.NTP { return p.ntp }

// Group returns the consensus group of the replica.
func (p *Partition) Group() model.GroupID { return p.group }

// Replicas returns the current replica set.
func (p *Partition) Replicas() []model.BrokerShard {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]model.BrokerShard(nil), p.replicas...)
}

func (p *Partition) setReplicas(replicas []model.BrokerShard) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replicas = append([]model.BrokerShard(nil), replicas...)
}

// Consensus returns the replica's consensus handle.
func (p *Partition) Consensus() consensus.Consensus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.consensus
}

func (p *Partition) setConsensus(c consensus.Consensus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consensus = c
}

// IsLeader reports whether this replica leads its group.
func (p *Partition) IsLeader() bool {
	c := p.Consensus()
	return c != nil && c.IsLeader()
}

// LeaderID returns the group's current leader.
func (p *Partition) LeaderID() (model.NodeID, bool) {
	c := p.Consensus()
	if c == nil {
		return -1, false
	}
	return c.LeaderID()
}

// HighWatermark returns the next offset to be assigned.
func (p *Partition) HighWatermark() int64 { return p.log.HighWatermark() }

// StartOffset returns the first readable offset.
func (p *Partition) StartOffset() int64 { return p.log.StartOffset() }

// ProduceResult is the offset range assigned to a produced record set.
type ProduceResult struct {
	storage.AppendResult
	LogStartOffset int64
}

// ProduceFuture completes once every batch of a produce has committed.
type ProduceFuture struct {
	batches []*consensus.Future
	start   int64
}

// Wait blocks until all batches commit or ctx ends. The first failing batch
// decides the error.
func (f *ProduceFuture) Wait(ctx context.Context) (ProduceResult, error) {
	result := ProduceResult{LogStartOffset: f.start}
	for i, batch := range f.batches {
		resp, err := batch.Wait(ctx)
		if err != nil {
			return result, err
		}
		res, ok := resp.(storage.AppendResult)
		if !ok {
			return result, fmt.Errorf("%w: unexpected apply result %T", consensus.ErrcReplicationError, resp)
		}
		if i == 0 {
			result.BaseOffset = res.BaseOffset
		}
		result.LastOffset = res.LastOffset
	}
	return result, nil
}

// StartProduce proposes every batch of records to the replica's group. It
// must run on the owning shard and does not wait for the commit.
func (p *Partition) StartProduce(ctx context.Context, records []byte) (*ProduceFuture, error) {
	batches, err := storage.ParseRecordSet(records)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, storage.ErrCorruptBatch
	}
	c := p.Consensus()
	if c == nil || !c.IsLeader() {
		return nil, consensus.ErrcNotLeader
	}
	f := &ProduceFuture{start: p.log.StartOffset()}
	for _, batch := range batches {
		f.batches = append(f.batches, c.Replicate(ctx, batch.Bytes))
	}
	return f, nil
}

// Produce starts a produce for ntp on shard and waits for it to commit.
func Produce(ctx context.Context, partitions *sharded.Sharded[*PartitionManager], shard sharded.ShardID, ntp model.NTP, records []byte) (ProduceResult, error) {
	f, err := sharded.InvokeOn(ctx, partitions, shard, func(ctx context.Context, pm *PartitionManager) (*ProduceFuture, error) {
		p, ok := pm.Get(ntp)
		if !ok {
			return nil, ErrcPartitionNotExists
		}
		return p.StartProduce(ctx, records)
	}).Get(ctx)
	if err != nil {
		return ProduceResult{}, err
	}
	return f.Wait(ctx)
}

// Fetch reads whole batches starting at offset.
func (p *Partition) Fetch(ctx context.Context, offset int64, maxBytes int32) ([]byte, error) {
	return p.log.Read(ctx, offset, maxBytes)
}

// Apply implements raft.FSM.
func (p *Partition) Apply(entry *raft.Log) interface{} {
	if entry.Type != raft.LogCommand {
		return nil
	}
	batch, err := storage.NewRecordBatchFromBytes(entry.Data)
	if err != nil {
		return err
	}
	res, err := p.log.Append(context.Background(), batch)
	if err != nil {
		return err
	}
	return res
}

// Snapshot implements raft.FSM. The log is persisted by storage, so the
// snapshot only records how far it reaches.
func (p *Partition) Snapshot() (raft.FSMSnapshot, error) {
	return partitionSnapshot{HighWatermark: p.log.HighWatermark()}, nil
}

// Restore implements raft.FSM.
func (p *Partition) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap partitionSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode partition snapshot: %w", err)
	}
	if hwm := p.log.HighWatermark(); hwm < snap.HighWatermark {
		return fmt.Errorf("partition %s log ends at %d, snapshot expects %d", p.ntp, hwm, snap.HighWatermark)
	}
	return nil
}

type partitionSnapshot struct {
	HighWatermark int64 `json:"high_watermark"`
}

func (s partitionSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (partitionSnapshot) Release() {}
