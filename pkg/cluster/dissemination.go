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
	"log/slog"
	"sync"
	"time"

	"github.com/novatechflow/kafshard/pkg/metadata"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

// Dissemination shares partition leadership between brokers. Every shard
// reports the replicas it hosts; shard 0 merges the reports into the leaders
// table, publishes them to the store and applies snapshots of other nodes.
type Dissemination struct {
	shard      sharded.ShardID
	partitions *PartitionManager
	ctrl       *Controller
	store      metadata.Store
	interval   time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDissemination returns the service of one shard.
func NewDissemination(shard sharded.Shard, partitions *PartitionManager, ctrl *Controller, store metadata.Store, interval time.Duration, logger *slog.Logger) *Dissemination {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dissemination{
		shard:      shard.ID(),
		partitions: partitions,
		ctrl:       ctrl,
		store:      store,
		interval:   interval,
		logger:     logger.With("component", "metadata_dissemination"),
	}
}

// collect reports the leader of every replica hosted on this shard. Must run on the shard.
func (d *Dissemination) collect() map[model.NTP]model.NodeID {
	out := make(map[model.NTP]model.NodeID)
	for _, p := range d.partitions.Partitions() {
		leader, ok := p.LeaderID()
		if !ok {
			leader = -1
		}
		out[p.NTP()] = leader
	}
	return out
}

// StartDissemination starts the publish and watch loops on shard 0.
func StartDissemination(ctx context.Context, svc *sharded.Sharded[*Dissemination]) error {
	_, err := sharded.InvokeOn(ctx, svc, 0, func(_ context.Context, d *Dissemination) (struct{}, error) {
		return struct{}{}, d.start(svc)
	}).Get(ctx)
	return err
}

func (d *Dissemination) start(svc *sharded.Sharded[*Dissemination]) error {
	ctx, cancel := context.WithCancel(context.Background())
	updates, err := d.store.Watch(ctx)
	if err != nil {
		cancel()
		return err
	}
	d.cancel = cancel
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.applyRemote(ctx, updates)
	}()
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			if err := d.publish(ctx, svc); err != nil && ctx.Err() == nil {
				d.logger.Warn("leadership publish failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Disseminate runs one publish round from shard 0.
func Disseminate(ctx context.Context, svc *sharded.Sharded[*Dissemination]) error {
	d, err := sharded.InvokeOn(ctx, svc, 0, func(_ context.Context, d *Dissemination) (*Dissemination, error) {
		return d, nil
	}).Get(ctx)
	if err != nil {
		return err
	}
	return d.publish(ctx, svc)
}

// publish gathers the leadership of every local replica, installs it in the
// leaders table and publishes it for other brokers.
func (d *Dissemination) publish(ctx context.Context, svc *sharded.Sharded[*Dissemination]) error {
	report, err := sharded.MapReduce(ctx, svc, func(_ context.Context, inst *Dissemination) (map[model.NTP]model.NodeID, error) {
		return inst.collect(), nil
	}, make(map[model.NTP]model.NodeID), func(acc, part map[model.NTP]model.NodeID) map[model.NTP]model.NodeID {
		for ntp, leader := range part {
			acc[ntp] = leader
		}
		return acc
	})
	if err != nil {
		return err
	}
	self := d.ctrl.NodeID()
	d.ctrl.leaders.ReplaceNode(self, report)
	snap := metadata.NodeSnapshot{NodeID: int32(self), UpdatedAt: time.Now().UTC()}
	for ntp, leader := range report {
		if ntp.Namespace != model.KafkaNamespace {
			continue
		}
		snap.Leaders = append(snap.Leaders, metadata.LeaderEntry{Topic: ntp.Topic, Partition: int32(ntp.Partition), Leader: int32(leader)})
	}
	return d.store.Publish(ctx, snap)
}

func (d *Dissemination) applyRemote(ctx context.Context, updates <-chan metadata.NodeSnapshot) {
	self := d.ctrl.NodeID()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if model.NodeID(snap.NodeID) == self {
				continue
			}
			report := make(map[model.NTP]model.NodeID, len(snap.Leaders))
			for _, e := range snap.Leaders {
				report[model.NewKafkaNTP(e.Topic, model.PartitionID(e.Partition))] = model.NodeID(e.Leader)
			}
			d.ctrl.leaders.ReplaceNode(model.NodeID(snap.NodeID), report)
		}
	}
}

// Stop ends the loops started on this shard.
func (d *Dissemination) Stop(context.Context) error {
	if d.cancel != nil {
		d.cancel()
		d.wg.Wait()
	}
	return nil
}
