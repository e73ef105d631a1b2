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

// Broker describes a cluster member.
type Broker struct {
	ID        model.NodeID `json:"node_id"`
	Shards    int          `json:"shards"`
	KafkaHost string       `json:"kafka_host"`
	KafkaPort int32        `json:"kafka_port"`
	RPCAddr   string       `json:"rpc_addr"`
	Rack      string       `json:"rack,omitempty"`
}

// MembersTable tracks the brokers known to this node.
type MembersTable struct {
	mu      sync.RWMutex
	brokers map[model.NodeID]Broker
}

// NewMembersTable returns an empty table.
func NewMembersTable() *MembersTable {
	return &MembersTable{brokers: make(map[model.NodeID]Broker)}
}

// Upsert adds or replaces a broker.
func (m *MembersTable) Upsert(b Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokers[b.ID] = b
}

// Remove forgets a broker and reports whether it was known.
func (m *MembersTable) Remove(id model.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.brokers[id]; !ok {
		return false
	}
	delete(m.brokers, id)
	return true
}

// Get returns a broker by id.
func (m *MembersTable) Get(id model.NodeID) (Broker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.brokers[id]
	return b, ok
}

// Brokers returns every broker ordered by id.
func (m *MembersTable) Brokers() []Broker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Broker, 0, len(m.brokers))
	for _, b := range m.brokers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the whole table.
func (m *MembersTable) Restore(brokers []Broker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokers = make(map[model.NodeID]Broker, len(brokers))
	for _, b := range brokers {
		m.brokers[b.ID] = b
	}
}
