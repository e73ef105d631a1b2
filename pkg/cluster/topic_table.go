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
	"sort"
	"sync"

	"github.com/novatechflow/kafshard/pkg/model"
)

// PartitionAssignment places one partition's replicas.
type PartitionAssignment struct {
	Partition model.PartitionID   `json:"partition"`
	Group     model.GroupID       `json:"group"`
	Replicas  []model.BrokerShard `json:"replicas"`
}

// TopicMetadata is the controller's record of a topic.
type TopicMetadata struct {
	Name              string                `json:"name"`
	ReplicationFactor int16                 `json:"replication_factor"`
	Partitions        []PartitionAssignment `json:"partitions"`
	Revision          uint64                `json:"revision"`
}

func (t TopicMetadata) clone() TopicMetadata {
	out := t
	out.Partitions = make([]PartitionAssignment, len(t.Partitions))
	for i, p := range t.Partitions {
		p.Replicas = append([]model.BrokerShard(nil), p.Replicas...)
		out.Partitions[i] = p
	}
	return out
}

// DeltaType classifies a change to partition placement.
type DeltaType int

const (
	DeltaAdd DeltaType = iota
	DeltaDelete
	DeltaUpdate
)

func (t DeltaType) String() string {
	switch t {
	case DeltaAdd:
		return "add"
	case DeltaDelete:
		return "delete"
	case DeltaUpdate:
		return "update"
	}
	return "unknown"
}

// Delta is one placement change the backend reconciles onto local shards.
type Delta struct {
	Type       DeltaType
	NTP        model.NTP
	Assignment PartitionAssignment
	Revision   uint64
}

// TopicTable holds topic placement. The controller state machine writes it;
// frontends, the metadata cache and the Kafka handlers read it.
type TopicTable struct {
	mu        sync.RWMutex
	topics    map[string]TopicMetadata
	nextGroup model.GroupID
	revision  uint64
	pending   []Delta
	notify    chan struct{}
}

// NewTopicTable returns an empty table. Group ids start at 1; 0 is the controller.
func NewTopicTable() *TopicTable {
	return &TopicTable{
		topics:    make(map[string]TopicMetadata),
		nextGroup: model.ControllerGroup + 1,
		notify:    make(chan struct{}, 1),
	}
}

// AddTopic records a topic, assigning a fresh group to every partition.
func (t *TopicTable) AddTopic(name string, rf int16, replicas [][]model.BrokerShard, revision uint64) (TopicMetadata, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[name]; ok {
		return TopicMetadata{}, ErrcTopicAlreadyExists
	}
	meta := TopicMetadata{Name: name, ReplicationFactor: rf, Revision: revision}
	for i, set := range replicas {
		assignment := PartitionAssignment{
			Partition: model.PartitionID(i),
			Group:     t.nextGroup,
			Replicas:  append([]model.BrokerShard(nil), set...),
		}
		t.nextGroup++
		meta.Partitions = append(meta.Partitions, assignment)
		t.pending = append(t.pending, Delta{
			Type:       DeltaAdd,
			NTP:        model.NewKafkaNTP(name, assignment.Partition),
			Assignment: assignment,
			Revision:   revision,
		})
	}
	t.topics[name] = meta
	t.bumpLocked(revision)
	return meta.clone(), nil
}

// RemoveTopic drops a topic and every partition of it.
func (t *TopicTable) RemoveTopic(name string, revision uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta, ok := t.topics[name]
	if !ok {
		return ErrcTopicNotExists
	}
	delete(t.topics, name)
	for _, p := range meta.Partitions {
		t.pending = append(t.pending, Delta{
			Type:       DeltaDelete,
			NTP:        model.NewKafkaNTP(name, p.Partition),
			Assignment: p,
			Revision:   revision,
		})
	}
	t.bumpLocked(revision)
	return nil
}

// MoveReplicas replaces the replica set of ntp.
func (t *TopicTable) MoveReplicas(ntp model.NTP, replicas []model.BrokerShard, revision uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta, ok := t.topics[ntp.Topic]
	if !ok {
		return ErrcTopicNotExists
	}
	idx := int(ntp.Partition)
	if idx < 0 || idx >= len(meta.Partitions) {
		return ErrcPartitionNotExists
	}
	meta = meta.clone()
	meta.Partitions[idx].Replicas = append([]model.BrokerShard(nil), replicas...)
	meta.Revision = revision
	t.topics[ntp.Topic] = meta
	t.pending = append(t.pending, Delta{
		Type:       DeltaUpdate,
		NTP:        ntp,
		Assignment: meta.Partitions[idx],
		Revision:   revision,
	})
	t.bumpLocked(revision)
	return nil
}

func (t *TopicTable) bumpLocked(revision uint64) {
	if revision > t.revision {
		t.revision = revision
	}
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Get returns a copy of the topic.
func (t *TopicTable) Get(name string) (TopicMetadata, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	meta, ok := t.topics[name]
	if !ok {
		return TopicMetadata{}, false
	}
	return meta.clone(), true
}

// Topics returns every topic ordered by name.
func (t *TopicTable) Topics() []TopicMetadata {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TopicMetadata, 0, len(t.topics))
	for _, meta := range t.topics {
		out = append(out, meta.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Assignment returns the placement of ntp.
func (t *TopicTable) Assignment(ntp model.NTP) (PartitionAssignment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	meta, ok := t.topics[ntp.Topic]
	if !ok || ntp.Namespace != model.KafkaNamespace {
		return PartitionAssignment{}, ErrcTopicNotExists
	}
	idx := int(ntp.Partition)
	if idx < 0 || idx >= len(meta.Partitions) {
		return PartitionAssignment{}, ErrcPartitionNotExists
	}
	p := meta.Partitions[idx]
	p.Replicas = append([]model.BrokerShard(nil), p.Replicas...)
	return p, nil
}

// Changed is signalled whenever deltas are queued.
func (t *TopicTable) Changed() <-chan struct{} {
	return t.notify
}

// TakeDeltas returns and clears the queued deltas together with the latest
// revision applied to the table.
func (t *TopicTable) TakeDeltas() ([]Delta, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = nil
	return out, t.revision
}

// Revision returns the latest revision applied to the table.
func (t *TopicTable) Revision() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.revision
}

type topicTableSnapshot struct {
	Topics    []TopicMetadata `json:"topics"`
	NextGroup model.GroupID   `json:"next_group"`
	Revision  uint64          `json:"revision"`
}

func (t *TopicTable) snapshot() topicTableSnapshot {
	t.mu.RLock()
	next, rev := t.nextGroup, t.revision
	t.mu.RUnlock()
	return topicTableSnapshot{Topics: t.Topics(), NextGroup: next, Revision: rev}
}

// restore replaces the table and queues the deltas that take local replicas
// from the old placement to the new one.
func (t *TopicTable) restore(snap topicTableSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]TopicMetadata, len(snap.Topics))
	for _, meta := range snap.Topics {
		next[meta.Name] = meta.clone()
	}
	for name, old := range t.topics {
		if _, ok := next[name]; ok {
			continue
		}
		for _, p := range old.Partitions {
			t.pending = append(t.pending, Delta{Type: DeltaDelete, NTP: model.NewKafkaNTP(name, p.Partition), Assignment: p, Revision: snap.Revision})
		}
	}
	for name, meta := range next {
		for _, p := range meta.Partitions {
			t.pending = append(t.pending, Delta{Type: DeltaUpdate, NTP: model.NewKafkaNTP(name, p.Partition), Assignment: p, Revision: snap.Revision})
		}
	}
	t.topics = next
	t.nextGroup = snap.NextGroup
	if t.nextGroup <= model.ControllerGroup {
		t.nextGroup = model.ControllerGroup + 1
	}
	t.revision = 0
	t.bumpLocked(snap.Revision)
}
