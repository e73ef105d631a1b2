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

package sharded

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// SchedulingGroup is a weight class on every shard's run queue. A group with
// twice the shares of another receives roughly twice the CPU time when both
// have work queued.
type SchedulingGroup struct {
	id     int
	name   string
	shares int
}

// DefaultSchedulingGroup always exists and serves tasks submitted without a group.
var DefaultSchedulingGroup = SchedulingGroup{id: 0, name: "main", shares: 1000}

// Name returns the group's name.
func (g SchedulingGroup) Name() string { return g.name }

// Shares returns the group's weight.
func (g SchedulingGroup) Shares() int { return g.shares }

// CreateSchedulingGroup registers a new group on every shard.
func (r *Runtime) CreateSchedulingGroup(name string, shares int) (SchedulingGroup, error) {
	if name == "" {
		return SchedulingGroup{}, errors.New("scheduling group name required")
	}
	if shares <= 0 {
		return SchedulingGroup{}, fmt.Errorf("scheduling group %s: shares must be positive, got %d", name, shares)
	}
	r.mu.Lock()
	if _, exists := r.groups[name]; exists {
		r.mu.Unlock()
		return SchedulingGroup{}, fmt.Errorf("scheduling group %s already exists", name)
	}
	group := SchedulingGroup{id: r.nextGroup, name: name, shares: shares}
	r.nextGroup++
	r.groups[name] = group
	r.mu.Unlock()

	for _, re := range r.reactors {
		re.addQueue(group)
	}
	return group, nil
}

// DestroySchedulingGroup removes a group from every shard. It fails while any
// shard still has tasks queued under it.
func (r *Runtime) DestroySchedulingGroup(group SchedulingGroup) error {
	if group.id == DefaultSchedulingGroup.id {
		return errors.New("default scheduling group cannot be destroyed")
	}
	r.mu.Lock()
	if _, ok := r.groups[group.name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSchedulingGroup, group.name)
	}
	r.mu.Unlock()
	for _, re := range r.reactors {
		if err := re.removeQueue(group); err != nil {
			return err
		}
	}
	r.mu.Lock()
	delete(r.groups, group.name)
	r.mu.Unlock()
	return nil
}

// SchedulingGroups returns the registered groups.
func (r *Runtime) SchedulingGroups() []SchedulingGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SchedulingGroup, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// ServiceGroup bounds how many cross-shard submissions made through it may be
// in flight at once, so one subsystem cannot flood the other shards' queues.
type ServiceGroup struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
}

// NewServiceGroup creates a group allowing maxInFlight concurrent submissions.
func NewServiceGroup(name string, maxInFlight int64) (*ServiceGroup, error) {
	if maxInFlight <= 0 {
		return nil, fmt.Errorf("service group %s: max in flight must be positive, got %d", name, maxInFlight)
	}
	return &ServiceGroup{
		name:     name,
		capacity: maxInFlight,
		sem:      semaphore.NewWeighted(maxInFlight),
	}, nil
}

// Name returns the group's name.
func (g *ServiceGroup) Name() string { return g.name }

// Capacity returns the in-flight limit.
func (g *ServiceGroup) Capacity() int64 { return g.capacity }

func (g *ServiceGroup) acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("service group %s: %w", g.name, err)
	}
	return nil
}

func (g *ServiceGroup) release() {
	g.sem.Release(1)
}

// Drain waits until every in-flight submission of the group has completed.
// The group must not be used afterwards.
func (g *ServiceGroup) Drain(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, g.capacity); err != nil {
		return fmt.Errorf("drain service group %s: %w", g.name, err)
	}
	return nil
}
