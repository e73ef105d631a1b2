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
	"sync"

	"github.com/novatechflow/kafshard/pkg/model"
)

type leaderEntry struct {
	leader   model.NodeID
	reporter model.NodeID
}

// LeadersTable records partition leadership as reported by the nodes hosting
// the replicas.
type LeadersTable struct {
	mu      sync.RWMutex
	leaders map[model.NTP]leaderEntry
}

// NewLeadersTable returns an empty table.
func NewLeadersTable() *LeadersTable {
	return &LeadersTable{leaders: make(map[model.NTP]leaderEntry)}
}

// Get returns the known leader of ntp.
func (l *LeadersTable) Get(ntp model.NTP) (model.NodeID, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.leaders[ntp]
	if !ok || e.leader < 0 {
		return -1, false
	}
	return e.leader, true
}

// ReplaceNode installs the full leadership report of node, dropping entries
// it reported before but no longer does.
func (l *LeadersTable) ReplaceNode(node model.NodeID, report map[model.NTP]model.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ntp, e := range l.leaders {
		if e.reporter != node {
			continue
		}
		if _, ok := report[ntp]; !ok {
			delete(l.leaders, ntp)
		}
	}
	for ntp, leader := range report {
		cur, ok := l.leaders[ntp]
		// an elected leader reported by another node wins over "no leader" from this one
		if ok && cur.reporter != node && cur.leader >= 0 && leader < 0 {
			continue
		}
		l.leaders[ntp] = leaderEntry{leader: leader, reporter: node}
	}
}

// Remove forgets ntp.
func (l *LeadersTable) Remove(ntp model.NTP) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leaders, ntp)
}

// Len returns the number of partitions with a recorded entry.
func (l *LeadersTable) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.leaders)
}
