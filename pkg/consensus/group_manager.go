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

package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hashicorp/raft"

	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

// GroupManager owns the consensus groups hosted on one shard. Its map is only
// touched from tasks running on that shard.
type GroupManager struct {
	shard   sharded.ShardID
	factory Factory
	groups  map[model.GroupID]Consensus
	logger  *slog.Logger
}

// NewGroupManager creates an empty manager for shard.
func NewGroupManager(shard sharded.Shard, factory Factory, logger *slog.Logger) *GroupManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupManager{
		shard:   shard.ID(),
		factory: factory,
		groups:  make(map[model.GroupID]Consensus),
		logger:  logger.With("shard", shard.ID()),
	}
}

// CreateGroup starts a group applying committed entries to fsm.
func (m *GroupManager) CreateGroup(group model.GroupID, ntp model.NTP, fsm raft.FSM) (Consensus, error) {
	if _, ok := m.groups[group]; ok {
		return nil, fmt.Errorf("%w: %d", ErrcGroupExists, group)
	}
	c, err := m.factory.Create(group, ntp, fsm)
	if err != nil {
		return nil, err
	}
	m.groups[group] = c
	m.logger.Debug("consensus group created", "group", group, "ntp", ntp.String())
	return c, nil
}

// RemoveGroup stops and forgets group.
func (m *GroupManager) RemoveGroup(group model.GroupID) error {
	c, ok := m.groups[group]
	if !ok {
		return fmt.Errorf("%w: %d", ErrcGroupNotExists, group)
	}
	delete(m.groups, group)
	return c.Stop()
}

// Register hosts a group whose lifecycle is owned by the caller.
func (m *GroupManager) Register(c Consensus) error {
	if _, ok := m.groups[c.Group()]; ok {
		return fmt.Errorf("%w: %d", ErrcGroupExists, c.Group())
	}
	m.groups[c.Group()] = c
	m.logger.Debug("consensus group registered", "group", c.Group(), "ntp", c.NTP().String())
	return nil
}

// Deregister forgets group without stopping it.
func (m *GroupManager) Deregister(group model.GroupID) bool {
	_, ok := m.groups[group]
	delete(m.groups, group)
	return ok
}

// ConsensusFor returns the handle for group when it lives on this shard.
func (m *GroupManager) ConsensusFor(group model.GroupID) (Consensus, bool) {
	c, ok := m.groups[group]
	return c, ok
}

// Groups returns the hosted groups ordered by id.
func (m *GroupManager) Groups() []Consensus {
	out := make([]Consensus, 0, len(m.groups))
	for _, c := range m.groups {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group() < out[j].Group() })
	return out
}

// Stop shuts down every group still hosted on the shard.
func (m *GroupManager) Stop(context.Context) error {
	var errs []error
	for id, c := range m.groups {
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop group %d: %w", id, err))
		}
	}
	m.groups = make(map[model.GroupID]Consensus)
	return errors.Join(errs...)
}
