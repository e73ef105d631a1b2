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
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/serf/serf"

	"github.com/novatechflow/kafshard/pkg/model"
)

// serfEventChSize bounds buffered member events; a full channel blocks serf.
const serfEventChSize = 2048

// MembershipConfig enables gossip membership.
type MembershipConfig struct {
	Enabled  bool
	BindAddr string
	Join     []string
}

// Membership gossips broker descriptions with serf. The controller leader
// registers every broker that joins and adds its controller address as a voter.
type Membership struct {
	ctrl   *Controller
	cfg    MembershipConfig
	events chan serf.Event
	logger *slog.Logger

	serf *serf.Serf
	wg   sync.WaitGroup
}

func newMembership(ctrl *Controller, cfg MembershipConfig, logger *slog.Logger) *Membership {
	return &Membership{
		ctrl:   ctrl,
		cfg:    cfg,
		events: make(chan serf.Event, serfEventChSize),
		logger: logger.With("component", "membership"),
	}
}

// Start creates the serf agent, joins the seed nodes and handles events until ctx is done.
func (m *Membership) Start(ctx context.Context) error {
	host, portStr, err := net.SplitHostPort(m.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("membership bind address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("membership bind port: %w", err)
	}
	stdLogger := m.ctrl.cfg.RaftLogger.Named("serf").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})

	conf := serf.DefaultConfig()
	conf.Init()
	conf.NodeName = fmt.Sprintf("kafshard-%d", m.ctrl.cfg.NodeID)
	conf.MemberlistConfig.BindAddr = host
	conf.MemberlistConfig.BindPort = port
	conf.MemberlistConfig.Logger = stdLogger
	conf.Logger = stdLogger
	conf.EventCh = m.events
	for k, v := range brokerTags(m.ctrl.cfg.Broker, m.ctrl.cfg.RaftAddr) {
		conf.Tags[k] = v
	}
	s, err := serf.Create(conf)
	if err != nil {
		return fmt.Errorf("create serf: %w", err)
	}
	m.serf = s
	if len(m.cfg.Join) > 0 {
		n, err := s.Join(m.cfg.Join, true)
		if err != nil {
			m.logger.Warn("could not join seed nodes, starting alone", "seeds", m.cfg.Join, "error", err)
		} else {
			m.logger.Info("joined cluster", "contacted", n)
		}
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-m.events:
				m.handleEvent(ctx, e)
			}
		}
	}()
	return nil
}

func (m *Membership) handleEvent(ctx context.Context, e serf.Event) {
	me, ok := e.(serf.MemberEvent)
	if !ok {
		return
	}
	for _, member := range me.Members {
		b, raftAddr, err := brokerFromTags(member.Tags)
		if err != nil {
			m.logger.Debug("ignoring member", "name", member.Name, "error", err)
			continue
		}
		switch me.EventType() {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			if !m.ctrl.IsLeader() || b.ID == m.ctrl.cfg.NodeID {
				continue
			}
			if raftAddr != "" {
				if err := m.ctrl.AddVoter(b.ID, raftAddr); err != nil {
					m.logger.Warn("add controller voter failed", "node_id", b.ID, "error", err)
				}
			}
			if _, err := m.ctrl.replicate(ctx, CmdRegisterBroker, b); err != nil {
				m.logger.Warn("register broker failed", "node_id", b.ID, "error", err)
			}
		case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
			m.logger.Info("broker left gossip", "node_id", b.ID, "event", me.EventType().String())
		}
	}
}

// Stop leaves the gossip cluster.
func (m *Membership) Stop() error {
	if m.serf == nil {
		return nil
	}
	if err := m.serf.Leave(); err != nil {
		m.logger.Warn("serf leave failed", "error", err)
	}
	err := m.serf.Shutdown()
	m.wg.Wait()
	return err
}

func brokerTags(b Broker, raftAddr string) map[string]string {
	tags := map[string]string{
		"role":       "broker",
		"node_id":    strconv.Itoa(int(b.ID)),
		"shards":     strconv.Itoa(b.Shards),
		"kafka_host": b.KafkaHost,
		"kafka_port": strconv.Itoa(int(b.KafkaPort)),
		"rpc_addr":   b.RPCAddr,
	}
	if b.Rack != "" {
		tags["rack"] = b.Rack
	}
	if raftAddr != "" {
		tags["raft_addr"] = raftAddr
	}
	return tags
}

func brokerFromTags(tags map[string]string) (Broker, string, error) {
	if tags["role"] != "broker" {
		return Broker{}, "", fmt.Errorf("role %q is not a broker", tags["role"])
	}
	id, err := strconv.Atoi(tags["node_id"])
	if err != nil {
		return Broker{}, "", fmt.Errorf("node_id tag: %w", err)
	}
	shards, err := strconv.Atoi(tags["shards"])
	if err != nil {
		return Broker{}, "", fmt.Errorf("shards tag: %w", err)
	}
	port, err := strconv.Atoi(tags["kafka_port"])
	if err != nil {
		return Broker{}, "", fmt.Errorf("kafka_port tag: %w", err)
	}
	return Broker{
		ID:        model.NodeID(id),
		Shards:    shards,
		KafkaHost: tags["kafka_host"],
		KafkaPort: int32(port),
		RPCAddr:   tags["rpc_addr"],
		Rack:      tags["rack"],
	}, tags["raft_addr"], nil
}
