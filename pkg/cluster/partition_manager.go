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
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/novatechflow/kafshard/pkg/consensus"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
	"github.com/novatechflow/kafshard/pkg/storage"
)

// PartitionManager owns the partition replicas of one shard. It registers
// each replica in the shard table once the replica is fully built and removes
// it before tearing the replica down.
type PartitionManager struct {
	shard      sharded.ShardID
	storage    *storage.API
	groups     *consensus.GroupManager
	table      *ShardTable
	partitions map[model.NTP]*Partition
	logger     *slog.Logger
}

// NewPartitionManager wires the manager to its same-shard storage and group manager.
func NewPartitionManager(shard sharded.Shard, storage *storage.API, groups *consensus.GroupManager, table *ShardTable, logger *slog.Logger) *PartitionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PartitionManager{
		shard:      shard.ID(),
		storage:    storage,
		groups:     groups,
		table:      table,
		partitions: make(map[model.NTP]*Partition),
		logger:     logger.With("shard", shard.ID()),
	}
}

// Manage materializes a replica of ntp on this shard. Managing an existing
// replica of the same group only refreshes its replica set.
func (m *PartitionManager) Manage(ctx context.Context, ntp model.NTP, group model.GroupID, replicas []model.BrokerShard) (*Partition, error) {
	if p, ok := m.partitions[ntp]; ok {
		if p.group != group {
			return nil, fmt.Errorf("%w: %s hosted in group %d, requested %d", ErrAlreadyAssigned, ntp, p.group, group)
		}
		p.setReplicas(replicas)
		return p, nil
	}
	log, err := m.storage.Log().Manage(ctx, ntp)
	if err != nil {
		return nil, err
	}
	p := newPartition(ntp, group, log, replicas)
	c, err := m.groups.CreateGroup(group, ntp, p)
	if err != nil {
		_ = m.storage.Log().Remove(ctx, ntp, false)
		return nil, err
	}
	p.setConsensus(c)
	if err := m.table.Assign(ntp, group, m.shard); err != nil {
		_ = m.groups.RemoveGroup(group)
		_ = m.storage.Log().Remove(ctx, ntp, false)
		return nil, err
	}
	m.partitions[ntp] = p
	m.logger.Info("partition replica created", "ntp", ntp.String(), "group", group)
	return p, nil
}

// Remove tears down the local replica of ntp. With deleteData its segments
// are removed too; without, another shard can pick the data up.
func (m *PartitionManager) Remove(ctx context.Context, ntp model.NTP, deleteData bool) error {
	p, ok := m.partitions[ntp]
	if !ok {
		return nil
	}
	delete(m.partitions, ntp)
	m.table.UnassignNTP(ntp)
	var errs []error
	if err := m.groups.RemoveGroup(p.group); err != nil && !errors.Is(err, consensus.ErrcGroupNotExists) {
		errs = append(errs, err)
	}
	if err := m.storage.Log().Remove(ctx, ntp, deleteData); err != nil {
		errs = append(errs, err)
	}
	m.logger.Info("partition replica removed", "ntp", ntp.String(), "group", p.group, "delete_data", deleteData)
	return errors.Join(errs...)
}

// HostController makes the controller group reachable through this shard.
func (m *PartitionManager) HostController(c consensus.Consensus) error {
	if err := m.groups.Register(c); err != nil {
		return err
	}
	if err := m.table.Assign(model.ControllerNTP, c.Group(), m.shard); err != nil {
		m.groups.Deregister(c.Group())
		return err
	}
	return nil
}

// ReleaseController undoes HostController.
func (m *PartitionManager) ReleaseController() {
	m.table.UnassignGroup(model.ControllerGroup)
	m.groups.Deregister(model.ControllerGroup)
}

// Get returns the local replica of ntp.
func (m *PartitionManager) Get(ntp model.NTP) (*Partition, bool) {
	p, ok := m.partitions[ntp]
	return p, ok
}

// ConsensusFor returns the consensus handle of group when it lives on this shard.
func (m *PartitionManager) ConsensusFor(group model.GroupID) (consensus.Consensus, bool) {
	return m.groups.ConsensusFor(group)
}

// Partitions returns the local replicas ordered by NTP.
func (m *PartitionManager) Partitions() []*Partition {
	out := make([]*Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ntp.String() < out[j].ntp.String() })
	return out
}

// Stop withdraws every replica from the shard table and stops its group.
// Data stays in storage.
func (m *PartitionManager) Stop(ctx context.Context) error {
	var errs []error
	for ntp := range m.partitions {
		if err := m.Remove(ctx, ntp, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
