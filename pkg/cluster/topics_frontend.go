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
	"regexp"
	"time"

	"github.com/novatechflow/kafshard/pkg/model"
)

const maxTopicNameLength = 249

var legalTopicName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// TopicConfiguration describes a topic to create. -1 selects the broker default.
type TopicConfiguration struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// TopicResult carries the outcome for one topic of a batch request.
type TopicResult struct {
	Name string
	Err  error
}

// TopicsFrontend validates topic requests and proposes them to the controller.
type TopicsFrontend struct {
	ctrl      *Controller
	allocator *Allocator
}

// ValidateTopicName applies the Kafka topic naming rules.
func ValidateTopicName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrcInvalidTopicName, name)
	case len(name) > maxTopicNameLength:
		return fmt.Errorf("%w: longer than %d characters", ErrcInvalidTopicName, maxTopicNameLength)
	case !legalTopicName.MatchString(name):
		return fmt.Errorf("%w: %q contains illegal characters", ErrcInvalidTopicName, name)
	}
	return nil
}

// CreateTopics creates every topic independently and reports one result per topic.
func (f *TopicsFrontend) CreateTopics(ctx context.Context, topics []TopicConfiguration, deadline time.Time) []TopicResult {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	out := make([]TopicResult, 0, len(topics))
	for _, cfg := range topics {
		out = append(out, TopicResult{Name: cfg.Name, Err: f.createTopic(ctx, cfg)})
	}
	return out
}

func (f *TopicsFrontend) createTopic(ctx context.Context, cfg TopicConfiguration) error {
	if err := ValidateTopicName(cfg.Name); err != nil {
		return err
	}
	if _, ok := f.ctrl.topics.Get(cfg.Name); ok {
		return ErrcTopicAlreadyExists
	}
	if cfg.Partitions == -1 {
		cfg.Partitions = f.ctrl.cfg.DefaultPartitions
	}
	if cfg.ReplicationFactor == -1 {
		cfg.ReplicationFactor = f.ctrl.cfg.DefaultRF
	}
	assignments, err := f.allocator.Allocate(cfg.Partitions, cfg.ReplicationFactor)
	if err != nil {
		return err
	}
	return f.ctrl.replicateAndWait(ctx, CmdCreateTopic, createTopicPayload{
		Name:              cfg.Name,
		ReplicationFactor: cfg.ReplicationFactor,
		Assignments:       assignments,
	})
}

// DeleteTopics deletes every named topic independently.
func (f *TopicsFrontend) DeleteTopics(ctx context.Context, names []string, deadline time.Time) []TopicResult {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	out := make([]TopicResult, 0, len(names))
	for _, name := range names {
		var err error
		if _, ok := f.ctrl.topics.Get(name); !ok {
			err = ErrcTopicNotExists
		} else {
			err = f.ctrl.replicateAndWait(ctx, CmdDeleteTopic, deleteTopicPayload{Name: name})
		}
		out = append(out, TopicResult{Name: name, Err: err})
	}
	return out
}

// MovePartitionReplicas moves ntp to the replica set replicas. A set equal
// to the current assignment is accepted without proposing anything.
func (f *TopicsFrontend) MovePartitionReplicas(ctx context.Context, ntp model.NTP, replicas []model.BrokerShard, deadline time.Time) error {
	if len(replicas) == 0 {
		return fmt.Errorf("%w: empty", ErrcInvalidReplicaSet)
	}
	current, err := f.ctrl.topics.Assignment(ntp)
	if err != nil {
		return err
	}
	if err := ValidateReplicaSet(f.ctrl.members, replicas); err != nil {
		return err
	}
	if model.SameReplicas(current.Replicas, replicas) {
		return nil
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return f.ctrl.replicateAndWait(ctx, CmdMoveReplicas, moveReplicasPayload{NTP: ntp, Replicas: replicas})
}
