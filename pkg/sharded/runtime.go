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

// Package sharded runs services partitioned across a fixed set of shards. Each
// shard drains its own run queue on a dedicated goroutine, so state owned by a
// shard is only ever touched by one task at a time.
package sharded

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ShardID is the index of a shard in [0, N).
type ShardID uint32

var (
	// ErrRuntimeStopped is returned when work is submitted after Stop.
	ErrRuntimeStopped = errors.New("sharded runtime stopped")
	// ErrInvalidShard is returned for a shard index outside [0, N).
	ErrInvalidShard = errors.New("invalid shard")
	// ErrUnknownSchedulingGroup is returned for a group that was never created or already destroyed.
	ErrUnknownSchedulingGroup = errors.New("unknown scheduling group")
	// ErrSchedulingGroupBusy is returned when destroying a group that still has queued tasks.
	ErrSchedulingGroupBusy = errors.New("scheduling group has pending tasks")
)

// Config sizes a Runtime.
type Config struct {
	// Shards is the number of shards. Zero means one per CPU.
	Shards int
	Logger *slog.Logger
}

// Shard is handed to every task and constructor. It is the capability that
// proves the caller runs on that shard, and is required for Local access.
type Shard struct {
	id ShardID
	rt *Runtime
}

// ID returns the shard the task runs on.
func (s Shard) ID() ShardID {
	return s.id
}

// Runtime owns the per-shard run queues.
type Runtime struct {
	reactors []*reactor
	logger   *slog.Logger

	mu        sync.Mutex
	groups    map[string]SchedulingGroup
	nextGroup int
	started   bool
	stopped   bool
}

// NewRuntime prepares the shards without starting them.
func NewRuntime(cfg Config) *Runtime {
	shards := cfg.Shards
	if shards <= 0 {
		shards = runtime.NumCPU()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		logger: logger.With("component", "sharded"),
		groups: map[string]SchedulingGroup{DefaultSchedulingGroup.name: DefaultSchedulingGroup},
	}
	rt.nextGroup = DefaultSchedulingGroup.id + 1
	rt.reactors = make([]*reactor, shards)
	for i := range rt.reactors {
		rt.reactors[i] = newReactor(ShardID(i), rt)
	}
	return rt
}

// Shards returns N.
func (r *Runtime) Shards() int {
	return len(r.reactors)
}

// ShardIDs lists every shard in order.
func (r *Runtime) ShardIDs() []ShardID {
	ids := make([]ShardID, len(r.reactors))
	for i := range ids {
		ids[i] = ShardID(i)
	}
	return ids
}

// Start launches one goroutine per shard.
func (r *Runtime) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	for _, re := range r.reactors {
		go re.loop()
	}
	r.logger.Info("shards started", "count", len(r.reactors))
}

// Stop refuses new work, drains what is queued and waits for every shard loop to exit.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	for _, re := range r.reactors {
		re.close()
	}
	if !started {
		return
	}
	for _, re := range r.reactors {
		<-re.done
	}
	r.logger.Info("shards stopped")
}

// Submit queues fn on shard under the given scheduling group.
func (r *Runtime) Submit(shard ShardID, group SchedulingGroup, fn func(Shard)) error {
	if int(shard) >= len(r.reactors) {
		return fmt.Errorf("%w: %d (shards=%d)", ErrInvalidShard, shard, len(r.reactors))
	}
	return r.reactors[shard].submit(group, fn)
}

type taskQueue struct {
	group    SchedulingGroup
	tasks    []func(Shard)
	vruntime float64
}

type reactor struct {
	id ShardID
	rt *Runtime

	mu      sync.Mutex
	queues  map[int]*taskQueue
	clock   float64
	pending int
	closed  bool

	wake chan struct{}
	done chan struct{}

	tasksRun atomic.Uint64
	busyNs   atomic.Int64
}

func newReactor(id ShardID, rt *Runtime) *reactor {
	re := &reactor{
		id:     id,
		rt:     rt,
		queues: make(map[int]*taskQueue),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	re.queues[DefaultSchedulingGroup.id] = &taskQueue{group: DefaultSchedulingGroup}
	return re
}

func (re *reactor) submit(group SchedulingGroup, fn func(Shard)) error {
	re.mu.Lock()
	if re.closed {
		re.mu.Unlock()
		return ErrRuntimeStopped
	}
	q, ok := re.queues[group.id]
	if !ok {
		re.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSchedulingGroup, group.name)
	}
	if len(q.tasks) == 0 && q.vruntime < re.clock {
		// an idle group rejoins at the current clock instead of replaying the time it slept
		q.vruntime = re.clock
	}
	q.tasks = append(q.tasks, fn)
	re.pending++
	re.mu.Unlock()

	select {
	case re.wake <- struct{}{}:
	default:
	}
	return nil
}

func (re *reactor) close() {
	re.mu.Lock()
	re.closed = true
	re.mu.Unlock()
	select {
	case re.wake <- struct{}{}:
	default:
	}
}

func (re *reactor) loop() {
	defer close(re.done)
	shard := Shard{id: re.id, rt: re.rt}
	for {
		fn, q, exit := re.next()
		if exit {
			return
		}
		if fn == nil {
			<-re.wake
			continue
		}
		start := time.Now()
		fn(shard)
		elapsed := time.Since(start)

		re.mu.Lock()
		q.vruntime += float64(elapsed) / float64(q.group.shares)
		re.clock = q.vruntime
		re.mu.Unlock()
		re.tasksRun.Add(1)
		re.busyNs.Add(int64(elapsed))
	}
}

// next picks the queued task of the group with the least weighted runtime.
func (re *reactor) next() (func(Shard), *taskQueue, bool) {
	re.mu.Lock()
	defer re.mu.Unlock()
	var best *taskQueue
	for _, q := range re.queues {
		if len(q.tasks) == 0 {
			continue
		}
		if best == nil || q.vruntime < best.vruntime {
			best = q
		}
	}
	if best == nil {
		return nil, nil, re.closed
	}
	fn := best.tasks[0]
	best.tasks[0] = nil
	best.tasks = best.tasks[1:]
	re.pending--
	return fn, best, false
}

func (re *reactor) addQueue(group SchedulingGroup) {
	re.mu.Lock()
	defer re.mu.Unlock()
	if _, ok := re.queues[group.id]; !ok {
		re.queues[group.id] = &taskQueue{group: group, vruntime: re.clock}
	}
}

func (re *reactor) removeQueue(group SchedulingGroup) error {
	re.mu.Lock()
	defer re.mu.Unlock()
	q, ok := re.queues[group.id]
	if !ok {
		return nil
	}
	if len(q.tasks) > 0 {
		return fmt.Errorf("%w: %s on shard %d", ErrSchedulingGroupBusy, group.name, re.id)
	}
	delete(re.queues, group.id)
	return nil
}

func (re *reactor) queueLengths() map[string]int {
	re.mu.Lock()
	defer re.mu.Unlock()
	out := make(map[string]int, len(re.queues))
	for _, q := range re.queues {
		out[q.group.name] = len(q.tasks)
	}
	return out
}
