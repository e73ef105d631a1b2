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

// Package clustertest assembles a single in-process broker node for tests:
// sharded storage on an in-memory object store, synchronous consensus groups,
// partition managers and a controller on an in-process raft transport.
package clustertest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/novatechflow/kafshard/pkg/cluster"
	"github.com/novatechflow/kafshard/pkg/consensus"
	"github.com/novatechflow/kafshard/pkg/consensus/consensustest"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
	"github.com/novatechflow/kafshard/pkg/storage"
)

// NodeID is the id of the test broker.
const NodeID model.NodeID = 1

// Node is a running single-broker cluster.
type Node struct {
	Runtime    *sharded.Runtime
	Store      *storage.MemoryStore
	Factory    *consensustest.Factory
	Storage    *sharded.Sharded[*storage.API]
	Groups     *sharded.Sharded[*consensus.GroupManager]
	Partitions *sharded.Sharded[*cluster.PartitionManager]
	Table      *cluster.ShardTable
	Controller *cluster.Controller
	Logger     *slog.Logger
}

// NewNode starts a node with the given number of shards and stops it when the test ends.
func NewNode(t testing.TB, shards int) *Node {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := &Node{
		Runtime: sharded.NewRuntime(sharded.Config{Shards: shards, Logger: logger}),
		Store:   storage.NewMemoryStore(),
		Factory: consensustest.NewFactory(NodeID),
		Table:   cluster.NewShardTable(),
		Logger:  logger,
	}
	n.Runtime.Start()
	stack := sharded.NewDeferredStack(logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := stack.Unwind(ctx); err != nil {
			t.Errorf("node teardown: %v", err)
		}
		n.Runtime.Stop()
	})
	ctx := context.Background()
	dataDir := t.TempDir()

	n.Storage = sharded.New[*storage.API](n.Runtime, "storage")
	if err := n.Storage.Start(ctx, func(_ context.Context, sh sharded.Shard) (*storage.API, error) {
		return storage.NewAPI(sh, storage.APIConfig{
			DataDir: dataDir,
			Store:   n.Store,
			Log: storage.LogConfig{
				Buffer:  storage.WriteBufferConfig{MaxBatches: 1},
				Segment: storage.SegmentWriterConfig{IndexIntervalMessages: 1},
			},
			CacheBytes: 1 << 20,
		}, logger)
	}); err != nil {
		t.Fatalf("start storage: %v", err)
	}
	stack.Push("storage", n.Storage.Stop)

	n.Groups = sharded.New[*consensus.GroupManager](n.Runtime, "group_manager")
	if err := n.Groups.Start(ctx, func(_ context.Context, sh sharded.Shard) (*consensus.GroupManager, error) {
		return consensus.NewGroupManager(sh, n.Factory, logger), nil
	}); err != nil {
		t.Fatalf("start group manager: %v", err)
	}
	stack.Push("group_manager", n.Groups.Stop)

	n.Partitions = sharded.New[*cluster.PartitionManager](n.Runtime, "partition_manager")
	if err := n.Partitions.Start(ctx, func(_ context.Context, sh sharded.Shard) (*cluster.PartitionManager, error) {
		return cluster.NewPartitionManager(sh, n.Storage.Local(sh), n.Groups.Local(sh), n.Table, logger), nil
	}); err != nil {
		t.Fatalf("start partition manager: %v", err)
	}
	stack.Push("partition_manager", n.Partitions.Stop)

	n.Controller = cluster.NewController(cluster.ControllerConfig{
		NodeID:           NodeID,
		DataDir:          dataDir,
		HeartbeatTimeout: 50 * time.Millisecond,
		Broker: cluster.Broker{
			ID:        NodeID,
			Shards:    shards,
			KafkaHost: "127.0.0.1",
			KafkaPort: 9092,
		},
		Logger: logger,
	}, n.Table, n.Partitions)
	if err := n.Controller.WireUp(); err != nil {
		t.Fatalf("wire up controller: %v", err)
	}
	stack.Push("controller", n.Controller.Stop)
	if err := n.Controller.Start(ctx); err != nil {
		t.Fatalf("start controller: %v", err)
	}
	stack.Push("controller_input", func(context.Context) error {
		n.Controller.ShutdownInput()
		return nil
	})
	return n
}

// CreateTopic creates a topic and fails the test on error.
func (n *Node) CreateTopic(t testing.TB, name string, partitions int32) cluster.TopicMetadata {
	t.Helper()
	results := n.Controller.TopicsFrontend().CreateTopics(context.Background(), []cluster.TopicConfiguration{{
		Name:              name,
		Partitions:        partitions,
		ReplicationFactor: 1,
	}}, time.Now().Add(5*time.Second))
	if err := results[0].Err; err != nil {
		t.Fatalf("create topic %s: %v", name, err)
	}
	meta, ok := n.Controller.Topics().Get(name)
	if !ok {
		t.Fatalf("topic %s missing after create", name)
	}
	return meta
}

// Partition returns the local replica of ntp by asking its owning shard.
func (n *Node) Partition(t testing.TB, ntp model.NTP) (*cluster.Partition, sharded.ShardID) {
	t.Helper()
	shard, ok := n.Table.ShardForNTP(ntp)
	if !ok {
		t.Fatalf("%s not hosted", ntp)
	}
	p, err := sharded.InvokeOn(context.Background(), n.Partitions, shard, func(_ context.Context, pm *cluster.PartitionManager) (*cluster.Partition, error) {
		p, ok := pm.Get(ntp)
		if !ok {
			return nil, cluster.ErrcPartitionNotExists
		}
		return p, nil
	}).Get(context.Background())
	if err != nil {
		t.Fatalf("lookup %s: %v", ntp, err)
	}
	return p, shard
}

// Produce writes records to ntp through its owning shard.
func (n *Node) Produce(t testing.TB, ntp model.NTP, records []byte) (cluster.ProduceResult, error) {
	t.Helper()
	shard, ok := n.Table.ShardForNTP(ntp)
	if !ok {
		t.Fatalf("%s not hosted", ntp)
	}
	return cluster.Produce(context.Background(), n.Partitions, shard, ntp, records)
}
