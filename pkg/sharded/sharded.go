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
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// ErrNotRunning is returned when invoking a container that is not started or already stopped.
var ErrNotRunning = errors.New("sharded service not running")

// Service is implemented by every per-shard instance.
type Service interface {
	Stop(ctx context.Context) error
}

// InvokeOption tunes how a task is scheduled.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	group        SchedulingGroup
	serviceGroup *ServiceGroup
}

// WithSchedulingGroup runs the task under group instead of the default one.
func WithSchedulingGroup(group SchedulingGroup) InvokeOption {
	return func(o *invokeOptions) { o.group = group }
}

// WithServiceGroup counts the task against group's in-flight limit.
func WithServiceGroup(group *ServiceGroup) InvokeOption {
	return func(o *invokeOptions) { o.serviceGroup = group }
}

// Sharded holds one instance of T per shard.
type Sharded[T Service] struct {
	rt   *Runtime
	name string
	opts invokeOptions

	mu        sync.RWMutex
	instances []T
	running   bool
}

// New returns an empty container. opts become the defaults for every task
// submitted through it.
func New[T Service](rt *Runtime, name string, opts ...InvokeOption) *Sharded[T] {
	s := &Sharded[T]{
		rt:   rt,
		name: name,
		opts: invokeOptions{group: DefaultSchedulingGroup},
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	return s
}

// Name returns the service name used in logs and errors.
func (s *Sharded[T]) Name() string {
	return s.name
}

// Count returns the number of shards.
func (s *Sharded[T]) Count() int {
	return s.rt.Shards()
}

// Running reports whether Start succeeded and Stop has not been called.
func (s *Sharded[T]) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start constructs one instance on each shard, on that shard. Either every
// shard ends up with an instance or none does: when a constructor fails the
// instances already built are stopped and the first error is returned.
func (s *Sharded[T]) Start(ctx context.Context, ctor func(ctx context.Context, shard Shard) (T, error)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sharded service %s already started", s.name)
	}
	s.mu.Unlock()

	n := s.rt.Shards()
	instances := make([]T, n)
	built := make([]bool, n)
	var builtMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		id := ShardID(i)
		g.Go(func() error {
			f := submit(gctx, s.rt, id, s.opts, func(sh Shard) (T, error) {
				return ctor(gctx, sh)
			})
			inst, err := f.Wait()
			if err != nil {
				return fmt.Errorf("start %s on shard %d: %w", s.name, id, err)
			}
			builtMu.Lock()
			instances[id] = inst
			built[id] = true
			builtMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i, ok := range built {
			if !ok {
				continue
			}
			inst := instances[i]
			f := submit(context.WithoutCancel(ctx), s.rt, ShardID(i), s.opts, func(Shard) (struct{}, error) {
				return struct{}{}, inst.Stop(context.WithoutCancel(ctx))
			})
			if _, stopErr := f.Wait(); stopErr != nil {
				s.rt.logger.Error("rollback stop failed", "service", s.name, "shard", i, "error", stopErr)
			}
		}
		return err
	}

	s.mu.Lock()
	s.instances = instances
	s.running = true
	s.mu.Unlock()
	s.rt.logger.Debug("sharded service started", "service", s.name, "shards", n)
	return nil
}

// Stop stops every instance on its own shard and reports all failures together.
func (s *Sharded[T]) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	instances := s.instances
	s.instances = nil
	s.running = false
	s.mu.Unlock()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for i, inst := range instances {
		id := ShardID(i)
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := submit(ctx, s.rt, id, s.opts, func(Shard) (struct{}, error) {
				return struct{}{}, inst.Stop(ctx)
			})
			if _, err := f.Wait(); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("stop %s on shard %d: %w", s.name, id, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// Local returns the instance owned by the shard a task runs on. It exists so a
// service can hold on to its same-shard siblings; it must not be used to reach
// another shard.
func (s *Sharded[T]) Local(shard Shard) T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || int(shard.id) >= len(s.instances) {
		panic(fmt.Sprintf("sharded service %s has no instance on shard %d", s.name, shard.id))
	}
	return s.instances[shard.id]
}

func (s *Sharded[T]) instance(shard ShardID) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero T
	if !s.running {
		return zero, fmt.Errorf("%w: %s", ErrNotRunning, s.name)
	}
	if int(shard) >= len(s.instances) {
		return zero, fmt.Errorf("%w: %d (shards=%d)", ErrInvalidShard, shard, len(s.instances))
	}
	return s.instances[shard], nil
}

func (s *Sharded[T]) options(extra []InvokeOption) invokeOptions {
	o := s.opts
	for _, opt := range extra {
		opt(&o)
	}
	return o
}

// InvokeOn runs fn against the instance on shard, on that shard's goroutine.
// No other task touches the instance while fn runs. A task must not wait on a
// future of its own shard.
func InvokeOn[T Service, R any](ctx context.Context, s *Sharded[T], shard ShardID, fn func(ctx context.Context, inst T) (R, error), opts ...InvokeOption) *Future[R] {
	inst, err := s.instance(shard)
	if err != nil {
		return Failed[R](err)
	}
	return submit(ctx, s.rt, shard, s.options(opts), func(Shard) (R, error) {
		return fn(ctx, inst)
	})
}

// InvokeOnAll runs fn on every shard concurrently and returns once all have
// finished or the first one fails.
func (s *Sharded[T]) InvokeOnAll(ctx context.Context, fn func(ctx context.Context, inst T) error, opts ...InvokeOption) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.Count(); i++ {
		id := ShardID(i)
		g.Go(func() error {
			_, err := InvokeOn(gctx, s, id, func(ctx context.Context, inst T) (struct{}, error) {
				return struct{}{}, fn(ctx, inst)
			}, opts...).Get(gctx)
			return err
		})
	}
	return g.Wait()
}

// MapReduce runs mapper on every shard and folds the results in shard order.
func MapReduce[T Service, R any, A any](ctx context.Context, s *Sharded[T], mapper func(ctx context.Context, inst T) (R, error), initial A, reduce func(A, R) A, opts ...InvokeOption) (A, error) {
	n := s.Count()
	futures := make([]*Future[R], n)
	for i := 0; i < n; i++ {
		futures[i] = InvokeOn(ctx, s, ShardID(i), mapper, opts...)
	}
	acc := initial
	for i, f := range futures {
		v, err := f.Get(ctx)
		if err != nil {
			return acc, fmt.Errorf("%s shard %d: %w", s.name, i, err)
		}
		acc = reduce(acc, v)
	}
	return acc, nil
}

// Go schedules fn on shard without a service instance. It is used by the
// runtime's own bookkeeping and by tests.
func Go[R any](ctx context.Context, rt *Runtime, shard ShardID, fn func(ctx context.Context, shard Shard) (R, error), opts ...InvokeOption) *Future[R] {
	o := invokeOptions{group: DefaultSchedulingGroup}
	for _, opt := range opts {
		opt(&o)
	}
	return submit(ctx, rt, shard, o, func(sh Shard) (R, error) {
		return fn(ctx, sh)
	})
}

func submit[R any](ctx context.Context, rt *Runtime, shard ShardID, o invokeOptions, fn func(Shard) (R, error)) *Future[R] {
	f := newFuture[R]()
	var zero R
	if err := ctx.Err(); err != nil {
		f.resolve(zero, err)
		return f
	}
	release := func() {}
	if o.serviceGroup != nil {
		if err := o.serviceGroup.acquire(ctx); err != nil {
			f.resolve(zero, err)
			return f
		}
		release = o.serviceGroup.release
	}
	err := rt.Submit(shard, o.group, func(sh Shard) {
		defer release()
		if err := ctx.Err(); err != nil {
			f.resolve(zero, err)
			return
		}
		v, err := runTask(rt, sh, fn)
		f.resolve(v, err)
	})
	if err != nil {
		release()
		f.resolve(zero, err)
	}
	return f
}

func runTask[R any](rt *Runtime, sh Shard, fn func(Shard) (R, error)) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("task panicked", "shard", sh.id, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked on shard %d: %v", sh.id, r)
		}
	}()
	return fn(sh)
}
