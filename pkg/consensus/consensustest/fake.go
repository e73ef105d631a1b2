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

// Package consensustest provides an in-process Consensus for tests.
package consensustest

import (
	"context"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/novatechflow/kafshard/pkg/consensus"
	"github.com/novatechflow/kafshard/pkg/model"
)

// Factory creates Groups that apply entries synchronously.
type Factory struct {
	Self model.NodeID
	// TransferErr, when set, is returned by every TransferLeadership call.
	TransferErr error
	// OnTransfer runs synchronously when TransferLeadership is started.
	OnTransfer func(target *model.NodeID)
	// OnReplicate runs synchronously when Replicate is started.
	OnReplicate func(data []byte)

	mu     sync.Mutex
	groups map[model.GroupID]*Group
}

// NewFactory returns a factory whose groups are led by self.
func NewFactory(self model.NodeID) *Factory {
	return &Factory{Self: self, groups: make(map[model.GroupID]*Group)}
}

// Create implements consensus.Factory.
func (f *Factory) Create(group model.GroupID, ntp model.NTP, fsm raft.FSM) (consensus.Consensus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &Group{group: group, ntp: ntp, fsm: fsm, leader: f.Self, factory: f}
	f.groups[group] = g
	return g, nil
}

// Get returns the most recent group created for id.
func (f *Factory) Get(id model.GroupID) (*Group, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	return g, ok
}

// Group is a single-node consensus group without elections.
type Group struct {
	group   model.GroupID
	ntp     model.NTP
	fsm     raft.FSM
	factory *Factory

	mu        sync.Mutex
	index     uint64
	leader    model.NodeID
	stopped   bool
	transfers []*model.NodeID
}

func (g *Group) Group() model.GroupID { return g.group }
func (g *Group) NTP() model.NTP       { return g.ntp }

func (g *Group) IsLeader() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader == g.factory.Self && !g.stopped
}

func (g *Group) LeaderID() (model.NodeID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader, !g.stopped
}

func (g *Group) Replicate(ctx context.Context, data []byte) *consensus.Future {
	if hook := g.factory.OnReplicate; hook != nil {
		hook(data)
	}
	if err := ctx.Err(); err != nil {
		return consensus.Failed(consensus.ErrcTimeout)
	}
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return consensus.Failed(consensus.ErrcShuttingDown)
	}
	g.index++
	entry := &raft.Log{Index: g.index, Term: 1, Type: raft.LogCommand, Data: data}
	g.mu.Unlock()
	resp := g.fsm.Apply(entry)
	if err, ok := resp.(error); ok {
		return consensus.Failed(err)
	}
	return consensus.Resolved(resp, nil)
}

func (g *Group) TransferLeadership(_ context.Context, target *model.NodeID) *consensus.Future {
	if hook := g.factory.OnTransfer; hook != nil {
		hook(target)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers = append(g.transfers, target)
	if g.factory.TransferErr != nil {
		return consensus.Failed(g.factory.TransferErr)
	}
	if target != nil {
		g.leader = *target
	}
	return consensus.Resolved(nil, nil)
}

// Transfers returns the targets of every TransferLeadership call so far.
func (g *Group) Transfers() []*model.NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*model.NodeID(nil), g.transfers...)
}

func (g *Group) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	return nil
}
