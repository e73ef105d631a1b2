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

// Package model holds the identifiers shared by the broker subsystems.
package model

import (
	"fmt"
	"sort"

	"github.com/novatechflow/kafshard/pkg/sharded"
)

const (
	// KafkaNamespace is the namespace every Kafka-visible topic lives in.
	KafkaNamespace = "kafka"
	// InternalNamespace holds broker-private topics such as the controller log.
	InternalNamespace = "kafshard"
)

// NodeID identifies a broker in the cluster.
type NodeID int32

// GroupID identifies a consensus group. Each local partition replica belongs to exactly one.
type GroupID int64

// ControllerGroup is reserved for the cluster controller.
const ControllerGroup GroupID = 0

// ControllerNTP names the controller log. It is hosted on shard 0.
var ControllerNTP = NTP{Namespace: InternalNamespace, Topic: "controller", Partition: 0}

// PartitionID is the index of a partition within a topic.
type PartitionID int32

// NTP names a partition by namespace, topic and partition index.
type NTP struct {
	Namespace string
	Topic     string
	Partition PartitionID
}

// NewKafkaNTP returns the NTP of a Kafka topic partition.
func NewKafkaNTP(topic string, partition PartitionID) NTP {
	return NTP{Namespace: KafkaNamespace, Topic: topic, Partition: partition}
}

func (n NTP) String() string {
	return fmt.Sprintf("{%s/%s/%d}", n.Namespace, n.Topic, n.Partition)
}

// Path returns the relative directory used for the partition's data.
func (n NTP) Path() string {
	return fmt.Sprintf("%s/%s/%d", n.Namespace, n.Topic, n.Partition)
}

// TopicNamespace names a topic without a partition.
type TopicNamespace struct {
	Namespace string
	Topic     string
}

func (tn TopicNamespace) String() string {
	return tn.Namespace + "/" + tn.Topic
}

// BrokerShard is a replica placement: a broker plus the shard that owns the replica on it.
type BrokerShard struct {
	NodeID NodeID          `json:"node_id"`
	Shard  sharded.ShardID `json:"shard"`
}

func (b BrokerShard) String() string {
	return fmt.Sprintf("%d:%d", b.NodeID, b.Shard)
}

// SortReplicas orders a replica set by node then shard so sets can be compared.
func SortReplicas(replicas []BrokerShard) []BrokerShard {
	out := append([]BrokerShard(nil), replicas...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Shard < out[j].Shard
	})
	return out
}

// SameReplicas reports whether both sets hold the same placements regardless of order.
func SameReplicas(a, b []BrokerShard) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := SortReplicas(a), SortReplicas(b)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// FindReplica returns the placement for node if it is part of replicas.
func FindReplica(replicas []BrokerShard, node NodeID) (BrokerShard, bool) {
	for _, r := range replicas {
		if r.NodeID == node {
			return r, true
		}
	}
	return BrokerShard{}, false
}
