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
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/novatechflow/kafshard/pkg/model"
)

// RaftConfig tunes partition groups.
type RaftConfig struct {
	NodeID           model.NodeID
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	ApplyTimeout     time.Duration
	Logger           hclog.Logger
}

// RaftFactory creates a single-voter raft group per partition replica on top
// of in-memory log storage. The partition log itself holds the durable data.
type RaftFactory struct {
	cfg RaftConfig
}

// NewRaftFactory fills unset timeouts with defaults suited to in-process groups.
func NewRaftFactory(cfg RaftConfig) *RaftFactory {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 100 * time.Millisecond
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = cfg.HeartbeatTimeout
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 5 * time.Millisecond
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &RaftFactory{cfg: cfg}
}

// Create implements Factory.
func (f *RaftFactory) Create(group model.GroupID, ntp model.NTP, fsm raft.FSM) (Consensus, error) {
	id := raft.ServerID(strconv.Itoa(int(f.cfg.NodeID)))
	conf := raft.DefaultConfig()
	conf.LocalID = id
	conf.HeartbeatTimeout = f.cfg.HeartbeatTimeout
	conf.ElectionTimeout = f.cfg.ElectionTimeout
	conf.LeaderLeaseTimeout = f.cfg.HeartbeatTimeout
	conf.CommitTimeout = f.cfg.CommitTimeout
	conf.Logger = f.cfg.Logger.Named(fmt.Sprintf("group-%d", group))

	addr, transport := raft.NewInmemTransport(raft.ServerAddress(fmt.Sprintf("group-%d/node-%d", group, f.cfg.NodeID)))
	store := raft.NewInmemStore()
	r, err := raft.NewRaft(conf, fsm, store, store, raft.NewInmemSnapshotStore(), transport)
	if err != nil {
		return nil, fmt.Errorf("start raft group %d: %w", group, err)
	}
	boot := raft.Configuration{Servers: []raft.Server{{ID: id, Address: addr}}}
	if err := r.BootstrapCluster(boot).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		_ = r.Shutdown().Error()
		return nil, fmt.Errorf("bootstrap raft group %d: %w", group, err)
	}
	return &raftGroup{
		group:        group,
		ntp:          ntp,
		self:         f.cfg.NodeID,
		raft:         r,
		transport:    transport,
		applyTimeout: f.cfg.ApplyTimeout,
	}, nil
}

// Adopt wraps a raft instance owned elsewhere, such as the controller log.
// Stopping the handle leaves the instance running.
func Adopt(r *raft.Raft, group model.GroupID, ntp model.NTP, self model.NodeID) Consensus {
	return &raftGroup{
		group:        group,
		ntp:          ntp,
		self:         self,
		raft:         r,
		applyTimeout: 5 * time.Second,
		adopted:      true,
	}
}

type raftGroup struct {
	group        model.GroupID
	ntp          model.NTP
	self         model.NodeID
	raft         *raft.Raft
	transport    *raft.InmemTransport
	applyTimeout time.Duration
	adopted      bool
}

func (g *raftGroup) Group() model.GroupID { return g.group }
func (g *raftGroup) NTP() model.NTP       { return g.ntp }

func (g *raftGroup) IsLeader() bool {
	return g.raft.State() == raft.Leader
}

func (g *raftGroup) LeaderID() (model.NodeID, bool) {
	_, id := g.raft.LeaderWithID()
	if id == "" {
		return -1, false
	}
	n, err := strconv.Atoi(string(id))
	if err != nil {
		return -1, false
	}
	return model.NodeID(n), true
}

func (g *raftGroup) Replicate(ctx context.Context, data []byte) *Future {
	timeout := g.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return Failed(ErrcTimeout)
	}
	af := g.raft.Apply(data, timeout)
	return watch(af, func(err error) (any, error) {
		if err != nil {
			return nil, FromRaft(err)
		}
		resp := af.Response()
		if err, ok := resp.(error); ok {
			return nil, err
		}
		return resp, nil
	})
}

func (g *raftGroup) TransferLeadership(ctx context.Context, target *model.NodeID) *Future {
	if err := ctx.Err(); err != nil {
		return Failed(ErrcTimeout)
	}
	if !g.IsLeader() {
		return Failed(ErrcNotLeader)
	}
	var rf raft.Future
	if target == nil {
		rf = g.raft.LeadershipTransfer()
	} else {
		if *target == g.self {
			return Failed(ErrcTransferToCurrentLeader)
		}
		addr, ok := g.voterAddress(*target)
		if !ok {
			return Failed(fmt.Errorf("%w: %d", ErrcNodeDoesNotExist, *target))
		}
		rf = g.raft.LeadershipTransferToServer(raft.ServerID(strconv.Itoa(int(*target))), addr)
	}
	return watch(rf, func(err error) (any, error) {
		if err == nil {
			return nil, nil
		}
		mapped := FromRaft(err)
		if errors.Is(mapped, ErrcReplicationError) {
			return nil, fmt.Errorf("%w: %v", ErrcTransferFailed, err)
		}
		return nil, mapped
	})
}

func (g *raftGroup) voterAddress(node model.NodeID) (raft.ServerAddress, bool) {
	cf := g.raft.GetConfiguration()
	if cf.Error() != nil {
		return "", false
	}
	want := raft.ServerID(strconv.Itoa(int(node)))
	for _, srv := range cf.Configuration().Servers {
		if srv.ID == want && srv.Suffrage == raft.Voter {
			return srv.Address, true
		}
	}
	return "", false
}

func (g *raftGroup) Stop() error {
	if g.adopted {
		return nil
	}
	err := g.raft.Shutdown().Error()
	_ = g.transport.Close()
	return err
}
