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

	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

// MetadataCache is the per-shard read view of cluster metadata used by the
// Kafka API handlers.
type MetadataCache struct {
	shard sharded.ShardID
	ctrl  *Controller
}

// NewMetadataCache returns the cache of one shard.
func NewMetadataCache(shard sharded.Shard, ctrl *Controller) *MetadataCache {
	return &MetadataCache{shard: shard.ID(), ctrl: ctrl}
}

// ClusterID returns the cluster id.
func (c *MetadataCache) ClusterID() string { return c.ctrl.ClusterID() }

// ControllerID returns the controller leader.
func (c *MetadataCache) ControllerID() (model.NodeID, bool) { return c.ctrl.LeaderID() }

// Brokers returns every known broker.
func (c *MetadataCache) Brokers() []Broker { return c.ctrl.members.Brokers() }

// Topics returns every topic.
func (c *MetadataCache) Topics() []TopicMetadata { return c.ctrl.topics.Topics() }

// Topic returns one topic.
func (c *MetadataCache) Topic(name string) (TopicMetadata, bool) { return c.ctrl.topics.Get(name) }

// Leader returns the leader of ntp. Before any node reported leadership the
// first assigned replica is assumed to lead.
func (c *MetadataCache) Leader(ntp model.NTP) (model.NodeID, bool) {
	if id, ok := c.ctrl.leaders.Get(ntp); ok {
		return id, true
	}
	assignment, err := c.ctrl.topics.Assignment(ntp)
	if err != nil || len(assignment.Replicas) == 0 {
		return -1, false
	}
	return assignment.Replicas[0].NodeID, true
}

// Stop implements sharded.Service.
func (c *MetadataCache) Stop(context.Context) error { return nil }
