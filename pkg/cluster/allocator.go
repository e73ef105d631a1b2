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
	"fmt"
	"sync"

	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

// Allocator places new partitions across brokers and their shards round-robin.
type Allocator struct {
	members *MembersTable

	mu          sync.Mutex
	nodeCursor  int
	shardCursor map[model.NodeID]int
}

// NewAllocator allocates over the brokers of members.
func NewAllocator(members *MembersTable) *Allocator {
	return &Allocator{members: members, shardCursor: make(map[model.NodeID]int)}
}

// Allocate returns one replica set of size rf for each of partitions.
func (a *Allocator) Allocate(partitions int32, rf int16) ([][]model.BrokerShard, error) {
	if partitions <= 0 {
		return nil, ErrcInvalidPartitions
	}
	if rf <= 0 {
		return nil, ErrcInvalidReplicationFactor
	}
	brokers := a.members.Brokers()
	if len(brokers) == 0 {
		return nil, ErrcNoEligibleAllocationNodes
	}
	if int(rf) > len(brokers) {
		return nil, fmt.Errorf("%w: replication factor %d exceeds %d brokers", ErrcInvalidReplicationFactor, rf, len(brokers))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]model.BrokerShard, partitions)
	for p := range out {
		set := make([]model.BrokerShard, 0, rf)
		for r := 0; r < int(rf); r++ {
			b := brokers[(a.nodeCursor+r)%len(brokers)]
			shards := b.Shards
			if shards <= 0 {
				shards = 1
			}
			cursor := a.shardCursor[b.ID]
			a.shardCursor[b.ID] = cursor + 1
			set = append(set, model.BrokerShard{NodeID: b.ID, Shard: sharded.ShardID(cursor % shards)})
		}
		a.nodeCursor = (a.nodeCursor + 1) % len(brokers)
		out[p] = set
	}
	return out, nil
}

// ValidateReplicaSet checks that every replica names a known broker and one
// of its shards, at most once per broker.
func ValidateReplicaSet(members *MembersTable, replicas []model.BrokerShard) error {
	if len(replicas) == 0 {
		return fmt.Errorf("%w: empty", ErrcInvalidReplicaSet)
	}
	seen := make(map[model.NodeID]struct{}, len(replicas))
	for _, r := range replicas {
		if r.NodeID < 0 {
			return fmt.Errorf("%w: negative node id %d", ErrcInvalidReplicaSet, r.NodeID)
		}
		if _, dup := seen[r.NodeID]; dup {
			return fmt.Errorf("%w: node %d listed twice", ErrcInvalidReplicaSet, r.NodeID)
		}
		seen[r.NodeID] = struct{}{}
		b, ok := members.Get(r.NodeID)
		if !ok {
			return fmt.Errorf("%w: unknown node %d", ErrcInvalidReplicaSet, r.NodeID)
		}
		if int(r.Shard) >= b.Shards {
			return fmt.Errorf("%w: node %d has no shard %d", ErrcInvalidReplicaSet, r.NodeID, r.Shard)
		}
	}
	return nil
}
