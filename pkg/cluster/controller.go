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
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/novatechflow/kafshard/pkg/consensus"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/security"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

// ControllerConfig configures the cluster controller.
type ControllerConfig struct {
	NodeID  model.NodeID
	DataDir string
	// RaftAddr selects a TCP transport for the controller log. Empty keeps
	// the controller on an in-process transport.
	RaftAddr          string
	Broker            Broker
	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	LeadershipTimeout time.Duration
	DefaultPartitions int32
	DefaultRF         int16
	Membership        MembershipConfig
	Logger            *slog.Logger
	RaftLogger        hclog.Logger
}

// Controller owns the replicated cluster state: topics, brokers and user
// credentials. Mutations are proposed through its raft log and reconciled
// onto local shards by the backend.
type Controller struct {
	cfg        ControllerConfig
	table      *ShardTable
	partitions *sharded.Sharded[*PartitionManager]
	logger     *slog.Logger

	topics      *TopicTable
	members     *MembersTable
	leaders     *LeadersTable
	credentials *security.CredentialStore
	fsm         *controllerFSM
	backend     *Backend
	topicsFE    *TopicsFrontend
	securityFE  *SecurityFrontend
	membership  *Membership

	raft      *raft.Raft
	store     *raftboltdb.BoltStore
	transport raft.Transport

	abortCtx context.Context
	abort    context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewController prepares a controller; WireUp builds its state.
func NewController(cfg ControllerConfig, table *ShardTable, partitions *sharded.Sharded[*PartitionManager]) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RaftLogger == nil {
		cfg.RaftLogger = hclog.NewNullLogger()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = time.Second
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = cfg.HeartbeatTimeout
	}
	if cfg.LeadershipTimeout <= 0 {
		cfg.LeadershipTimeout = 10 * time.Second
	}
	if cfg.DefaultPartitions <= 0 {
		cfg.DefaultPartitions = 1
	}
	if cfg.DefaultRF <= 0 {
		cfg.DefaultRF = 1
	}
	abortCtx, abort := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		table:      table,
		partitions: partitions,
		logger:     cfg.Logger.With("component", "controller"),
		abortCtx:   abortCtx,
		abort:      abort,
	}
}

// WireUp builds the cluster tables, the frontends and the controller raft
// group. Nothing is proposed until Start.
func (c *Controller) WireUp() error {
	c.topics = NewTopicTable()
	c.members = NewMembersTable()
	c.leaders = NewLeadersTable()
	c.credentials = security.NewCredentialStore()
	c.fsm = &controllerFSM{topics: c.topics, members: c.members, credentials: c.credentials}
	c.backend = NewBackend(c.cfg.NodeID, c.topics, c.leaders, c.table, c.partitions, c.cfg.Logger)
	c.topicsFE = &TopicsFrontend{ctrl: c, allocator: NewAllocator(c.members)}
	c.securityFE = &SecurityFrontend{ctrl: c}

	dir := filepath.Join(c.cfg.DataDir, "controller")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create controller dir: %w", err)
	}
	store, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft.db"))
	if err != nil {
		return fmt.Errorf("open controller log: %w", err)
	}
	snaps, err := raft.NewFileSnapshotStoreWithLogger(dir, 2, c.cfg.RaftLogger.Named("snapshots"))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open controller snapshots: %w", err)
	}
	var (
		addr      raft.ServerAddress
		transport raft.Transport
	)
	if c.cfg.RaftAddr != "" {
		tcp, err := raft.NewTCPTransportWithLogger(c.cfg.RaftAddr, nil, 3, 10*time.Second, c.cfg.RaftLogger.Named("transport"))
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("controller transport: %w", err)
		}
		addr, transport = tcp.LocalAddr(), tcp
	} else {
		addr, transport = raft.NewInmemTransport(raft.ServerAddress(fmt.Sprintf("controller/node-%d", c.cfg.NodeID)))
	}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(strconv.Itoa(int(c.cfg.NodeID)))
	conf.HeartbeatTimeout = c.cfg.HeartbeatTimeout
	conf.ElectionTimeout = c.cfg.ElectionTimeout
	conf.LeaderLeaseTimeout = c.cfg.HeartbeatTimeout
	conf.Logger = c.cfg.RaftLogger.Named("controller")

	r, err := raft.NewRaft(conf, c.fsm, store, store, snaps, transport)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("start controller raft: %w", err)
	}
	hasState, err := raft.HasExistingState(store, store, snaps)
	if err != nil {
		_ = r.Shutdown().Error()
		_ = store.Close()
		return fmt.Errorf("inspect controller state: %w", err)
	}
	if !hasState {
		boot := raft.Configuration{Servers: []raft.Server{{ID: conf.LocalID, Address: addr}}}
		if err := r.BootstrapCluster(boot).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			_ = r.Shutdown().Error()
			_ = store.Close()
			return fmt.Errorf("bootstrap controller: %w", err)
		}
	}
	c.raft, c.store, c.transport = r, store, transport
	if c.cfg.Membership.Enabled {
		c.membership = newMembership(c, c.cfg.Membership, c.cfg.Logger)
	}
	return nil
}

// Start waits for the controller log to settle, bootstraps the cluster id,
// registers this broker and starts reconciling topics onto local shards.
func (c *Controller) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.backend.Run(c.abortCtx)
	}()

	err := wait.PollUntilContextTimeout(ctx, 20*time.Millisecond, c.cfg.LeadershipTimeout, true, func(context.Context) (bool, error) {
		_, id := c.raft.LeaderWithID()
		return id != "", nil
	})
	if err != nil {
		c.logger.Warn("controller leader not elected yet", "timeout", c.cfg.LeadershipTimeout)
	}
	if c.IsLeader() {
		if c.ClusterID() == "" {
			if _, err := c.replicate(ctx, CmdBootstrap, bootstrapPayload{ClusterID: uuid.NewString()}); err != nil {
				return fmt.Errorf("bootstrap cluster: %w", err)
			}
		}
		if _, err := c.replicate(ctx, CmdRegisterBroker, c.cfg.Broker); err != nil {
			return fmt.Errorf("register broker: %w", err)
		}
	}
	if c.partitions != nil {
		handle := consensus.Adopt(c.raft, model.ControllerGroup, model.ControllerNTP, c.cfg.NodeID)
		_, err := sharded.InvokeOn(ctx, c.partitions, 0, func(_ context.Context, pm *PartitionManager) (struct{}, error) {
			return struct{}{}, pm.HostController(handle)
		}).Get(ctx)
		if err != nil {
			return fmt.Errorf("host controller group: %w", err)
		}
	}
	if c.membership != nil {
		if err := c.membership.Start(c.abortCtx); err != nil {
			return err
		}
	}
	c.logger.Info("controller started", "cluster_id", c.ClusterID(), "leader", c.IsLeader())
	return nil
}

// ShutdownInput aborts long-running controller work so teardown does not
// wait on it.
func (c *Controller) ShutdownInput() {
	c.abort()
}

// Stop shuts down membership, the backend and the controller raft group.
func (c *Controller) Stop(ctx context.Context) error {
	var errs []error
	c.stopOnce.Do(func() {
		if c.partitions != nil && c.partitions.Running() {
			_, _ = sharded.InvokeOn(ctx, c.partitions, 0, func(_ context.Context, pm *PartitionManager) (struct{}, error) {
				pm.ReleaseController()
				return struct{}{}, nil
			}).Get(ctx)
		}
		c.abort()
		if c.membership != nil {
			errs = append(errs, c.membership.Stop())
		}
		c.wg.Wait()
		if c.raft != nil {
			errs = append(errs, c.raft.Shutdown().Error())
		}
		if closer, ok := c.transport.(raft.WithClose); ok {
			errs = append(errs, closer.Close())
		}
		if c.store != nil {
			errs = append(errs, c.store.Close())
		}
	})
	return errors.Join(errs...)
}

// replicate proposes a command and returns the log index it was applied at.
func (c *Controller) replicate(ctx context.Context, t CommandType, payload any) (uint64, error) {
	if c.abortCtx.Err() != nil {
		return 0, ErrcShuttingDown
	}
	if !c.IsLeader() {
		return 0, ErrcNotLeader
	}
	data, err := encodeCommand(t, payload)
	if err != nil {
		return 0, err
	}
	timeout := c.cfg.LeadershipTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return 0, ErrcTimeout
	}
	f := c.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		return 0, fromRaft(err)
	}
	if err, ok := f.Response().(error); ok {
		return 0, err
	}
	return f.Index(), nil
}

// replicateAndWait proposes a topic command and waits until the backend has
// reconciled it onto local shards.
func (c *Controller) replicateAndWait(ctx context.Context, t CommandType, payload any) error {
	index, err := c.replicate(ctx, t, payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.abortCtx, cancel)
	defer stop()
	return c.backend.WaitApplied(ctx, index)
}

// IsLeader reports whether this node leads the controller group.
func (c *Controller) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// LeaderID returns the controller leader.
func (c *Controller) LeaderID() (model.NodeID, bool) {
	if c.raft == nil {
		return -1, false
	}
	_, id := c.raft.LeaderWithID()
	n, err := strconv.Atoi(string(id))
	if id == "" || err != nil {
		return -1, false
	}
	return model.NodeID(n), true
}

// AddVoter adds a controller peer reachable at addr.
func (c *Controller) AddVoter(id model.NodeID, addr string) error {
	if !c.IsLeader() {
		return ErrcNotLeader
	}
	f := c.raft.AddVoter(raft.ServerID(strconv.Itoa(int(id))), raft.ServerAddress(addr), 0, c.cfg.LeadershipTimeout)
	return fromRaft(f.Error())
}

// NodeID returns this broker's id.
func (c *Controller) NodeID() model.NodeID { return c.cfg.NodeID }

// ClusterID returns the id minted when the cluster was bootstrapped.
func (c *Controller) ClusterID() string { return c.fsm.ClusterID() }

func (c *Controller) Topics() *TopicTable                    { return c.topics }
func (c *Controller) Members() *MembersTable                 { return c.members }
func (c *Controller) Leaders() *LeadersTable                 { return c.leaders }
func (c *Controller) Credentials() *security.CredentialStore { return c.credentials }
func (c *Controller) ShardTable() *ShardTable                { return c.table }
func (c *Controller) Backend() *Backend                      { return c.backend }
func (c *Controller) TopicsFrontend() *TopicsFrontend        { return c.topicsFE }
func (c *Controller) SecurityFrontend() *SecurityFrontend    { return c.securityFE }
