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
	"errors"
	"fmt"
	"sync"

	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

// ErrAlreadyAssigned is returned when an NTP or group is already owned by a
// different shard.
var ErrAlreadyAssigned = errors.New("already assigned")

type shardEntry struct {
	ntp   model.NTP
	group model.GroupID
	shard sharded.ShardID
}

// ShardTable maps partitions and consensus groups to the shard that owns them
// on this node. Both keys of an entry are always added and removed together.
type ShardTable struct {
	mu      sync.RWMutex
	byNTP   map[model.NTP]shardEntry
	byGroup map[model.GroupID]shardEntry
}

// NewShardTable returns an empty table.
func NewShardTable() *ShardTable {
	return &ShardTable{
		byNTP:   make(map[model.NTP]shardEntry),
		byGroup: make(map[model.GroupID]shardEntry),
	}
}

// Assign records that shard owns ntp and group. Repeating an identical
// assignment is a no-op; any conflicting binding fails with ErrAlreadyAssigned.
func (t *ShardTable) Assign(ntp model.NTP, group model.GroupID, shard sharded.ShardID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	want := shardEntry{ntp: ntp, group: group, shard: shard}
	if cur, ok := t.byNTP[ntp]; ok {
		if cur == want {
			return nil
		}
		return fmt.Errorf("%w: %s is owned by shard %d in group %d", ErrAlreadyAssigned, ntp, cur.shard, cur.group)
	}
	if cur, ok := t.byGroup[group]; ok {
		return fmt.Errorf("%w: group %d is owned by shard %d for %s", ErrAlreadyAssigned, group, cur.shard, cur.ntp)
	}
	t.byNTP[ntp] = want
	t.byGroup[group] = want
	return nil
}

// UnassignNTP drops ntp and its group. It reports whether an entry existed.
func (t *ShardTable) UnassignNTP(ntp model.NTP) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byNTP[ntp]
	if !ok {
		return false
	}
	delete(t.byNTP, ntp)
	delete(t.byGroup, entry.group)
	return true
}

// UnassignGroup drops group and its NTP. It reports whether an entry existed.
func (t *ShardTable) UnassignGroup(group model.GroupID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byGroup[group]
	if !ok {
		return false
	}
	delete(t.byGroup, group)
	delete(t.byNTP, entry.ntp)
	return true
}

// ShardForNTP returns the owning shard. Absence means the partition is not hosted here.
func (t *ShardTable) ShardForNTP(ntp model.NTP) (sharded.ShardID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.byNTP[ntp]
	return entry.shard, ok
}

// ShardForGroup returns the owning shard. Absence means the group is not hosted here.
func (t *ShardTable) ShardForGroup(group model.GroupID) (sharded.ShardID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.byGroup[group]
	return entry.shard, ok
}

// GroupForNTP returns the consensus group hosting ntp on this node.
func (t *ShardTable) GroupForNTP(ntp model.NTP) (model.GroupID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.byNTP[ntp]
	return entry.group, ok
}

// ContainsGroup reports whether group is hosted on this node.
func (t *ShardTable) ContainsGroup(group model.GroupID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byGroup[group]
	return ok
}

// Len returns the number of hosted partitions.
func (t *ShardTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byNTP)
}
