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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type counterService struct {
	shard    ShardID
	value    int
	inFlight int32
	stopped  *atomic.Int32
}

func (c *counterService) Stop(context.Context) error {
	if c.stopped != nil {
		c.stopped.Add(1)
	}
	return nil
}

func newTestRuntime(t *testing.T, shards int) *Runtime {
	t.Helper()
	rt := NewRuntime(Config{Shards: shards, Logger: discardLogger()})
	rt.Start()
	t.Cleanup(rt.Stop)
	return rt
}

func startCounters(t *testing.T, rt *Runtime, stopped *atomic.Int32) *Sharded[*counterService] {
	t.Helper()
	svc := New[*counterService](rt, "counter")
	err := svc.Start(context.Background(), func(_ context.Context, sh Shard) (*counterService, error) {
		return &counterService{shard: sh.ID(), stopped: stopped}, nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return svc
}

func TestStartConstructsOnOwnShard(t *testing.T) {
	rt := newTestRuntime(t, 4)
	svc := startCounters(t, rt, nil)
	for i := 0; i < 4; i++ {
		got, err := InvokeOn(context.Background(), svc, ShardID(i), func(_ context.Context, c *counterService) (ShardID, error) {
			return c.shard, nil
		}).Get(context.Background())
		if err != nil {
			t.Fatalf("invoke on %d: %v", i, err)
		}
		if got != ShardID(i) {
			t.Fatalf("shard %d holds instance built for %d", i, got)
		}
	}
}

func TestStartRollsBackOnFailure(t *testing.T) {
	rt := newTestRuntime(t, 4)
	var stopped atomic.Int32
	var built atomic.Int32
	svc := New[*counterService](rt, "flaky")
	err := svc.Start(context.Background(), func(_ context.Context, sh Shard) (*counterService, error) {
		if sh.ID() == 2 {
			return nil, errors.New("cannot open")
		}
		built.Add(1)
		return &counterService{shard: sh.ID(), stopped: &stopped}, nil
	})
	if err == nil || !strings.Contains(err.Error(), "cannot open") {
		t.Fatalf("expected construction error, got %v", err)
	}
	if svc.Running() {
		t.Fatalf("container must not become visible after a failed start")
	}
	if stopped.Load() != built.Load() {
		t.Fatalf("expected every built instance to be stopped: built=%d stopped=%d", built.Load(), stopped.Load())
	}
	_, err = InvokeOn(context.Background(), svc, 0, func(context.Context, *counterService) (int, error) {
		return 0, nil
	}).Get(context.Background())
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestInvokeOnSerializesPerShard(t *testing.T) {
	rt := newTestRuntime(t, 4)
	svc := startCounters(t, rt, nil)

	const callers = 2
	const perCaller = 200
	var overlap atomic.Bool
	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				_, err := InvokeOn(context.Background(), svc, 3, func(_ context.Context, s *counterService) (struct{}, error) {
					if atomic.AddInt32(&s.inFlight, 1) != 1 {
						overlap.Store(true)
					}
					s.value++
					time.Sleep(10 * time.Microsecond)
					atomic.AddInt32(&s.inFlight, -1)
					return struct{}{}, nil
				}).Get(context.Background())
				if err != nil {
					t.Errorf("invoke: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if overlap.Load() {
		t.Fatalf("two tasks ran concurrently on shard 3")
	}
	total, err := InvokeOn(context.Background(), svc, 3, func(_ context.Context, s *counterService) (int, error) {
		return s.value, nil
	}).Get(context.Background())
	if err != nil {
		t.Fatalf("read total: %v", err)
	}
	if total != callers*perCaller {
		t.Fatalf("expected %d increments, got %d", callers*perCaller, total)
	}
}

func TestInvokeOnAllAndMapReduce(t *testing.T) {
	rt := newTestRuntime(t, 3)
	svc := startCounters(t, rt, nil)
	err := svc.InvokeOnAll(context.Background(), func(_ context.Context, s *counterService) error {
		s.value = int(s.shard) + 1
		return nil
	})
	if err != nil {
		t.Fatalf("invoke on all: %v", err)
	}
	sum, err := MapReduce(context.Background(), svc, func(_ context.Context, s *counterService) (int, error) {
		return s.value, nil
	}, 0, func(acc, v int) int { return acc + v })
	if err != nil {
		t.Fatalf("map reduce: %v", err)
	}
	if sum != 6 {
		t.Fatalf("expected 6, got %d", sum)
	}

	err = svc.InvokeOnAll(context.Background(), func(_ context.Context, s *counterService) error {
		if s.shard == 1 {
			return errors.New("shard 1 refuses")
		}
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "shard 1 refuses") {
		t.Fatalf("expected fan-out error, got %v", err)
	}
}

func TestInvokeOnRecoversPanics(t *testing.T) {
	rt := newTestRuntime(t, 1)
	svc := startCounters(t, rt, nil)
	_, err := InvokeOn(context.Background(), svc, 0, func(context.Context, *counterService) (int, error) {
		panic("bad task")
	}).Get(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bad task") {
		t.Fatalf("expected panic to surface as error, got %v", err)
	}
	if _, err := InvokeOn(context.Background(), svc, 0, func(context.Context, *counterService) (int, error) {
		return 1, nil
	}).Get(context.Background()); err != nil {
		t.Fatalf("shard should keep running after a panic: %v", err)
	}
}

func TestInvokeOnInvalidShard(t *testing.T) {
	rt := newTestRuntime(t, 2)
	svc := startCounters(t, rt, nil)
	_, err := InvokeOn(context.Background(), svc, 7, func(context.Context, *counterService) (int, error) {
		return 0, nil
	}).Get(context.Background())
	if !errors.Is(err, ErrInvalidShard) {
		t.Fatalf("expected ErrInvalidShard, got %v", err)
	}
}

func TestStopStopsEveryInstance(t *testing.T) {
	rt := newTestRuntime(t, 4)
	var stopped atomic.Int32
	svc := startCounters(t, rt, &stopped)
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Load() != 4 {
		t.Fatalf("expected 4 stops, got %d", stopped.Load())
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if stopped.Load() != 4 {
		t.Fatalf("second stop must be a no-op")
	}
}

func TestSchedulingGroupsLifecycle(t *testing.T) {
	rt := newTestRuntime(t, 2)
	group, err := rt.CreateSchedulingGroup("kafka", 200)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := rt.CreateSchedulingGroup("kafka", 100); err == nil {
		t.Fatalf("expected duplicate group error")
	}
	svc := New[*counterService](rt, "grouped", WithSchedulingGroup(group))
	if err := svc.Start(context.Background(), func(_ context.Context, sh Shard) (*counterService, error) {
		return &counterService{shard: sh.ID()}, nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := InvokeOn(context.Background(), svc, 1, func(_ context.Context, s *counterService) (int, error) {
		return s.value, nil
	}).Get(context.Background()); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := rt.DestroySchedulingGroup(group); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	err = rt.Submit(0, group, func(Shard) {})
	if !errors.Is(err, ErrUnknownSchedulingGroup) {
		t.Fatalf("expected ErrUnknownSchedulingGroup, got %v", err)
	}
}

func TestServiceGroupBoundsInFlight(t *testing.T) {
	rt := newTestRuntime(t, 2)
	sg, err := NewServiceGroup("raft", 1)
	if err != nil {
		t.Fatalf("service group: %v", err)
	}
	svc := startCounters(t, rt, nil)
	release := make(chan struct{})
	first := InvokeOn(context.Background(), svc, 0, func(context.Context, *counterService) (int, error) {
		<-release
		return 1, nil
	}, WithServiceGroup(sg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = InvokeOn(ctx, svc, 1, func(context.Context, *counterService) (int, error) {
		return 2, nil
	}, WithServiceGroup(sg)).Get(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second submission to wait for capacity, got %v", err)
	}
	close(release)
	if v, err := first.Get(context.Background()); err != nil || v != 1 {
		t.Fatalf("first task: v=%d err=%v", v, err)
	}
	if err := sg.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	rt := NewRuntime(Config{Shards: 1, Logger: discardLogger()})
	rt.Start()
	rt.Stop()
	_, err := Go(context.Background(), rt, 0, func(context.Context, Shard) (int, error) {
		return 0, nil
	}).Get(context.Background())
	if !errors.Is(err, ErrRuntimeStopped) {
		t.Fatalf("expected ErrRuntimeStopped, got %v", err)
	}
}

func TestCollectorReportsShards(t *testing.T) {
	rt := newTestRuntime(t, 2)
	if _, err := Go(context.Background(), rt, 1, func(context.Context, Shard) (int, error) {
		return 0, nil
	}).Get(context.Background()); err != nil {
		t.Fatalf("go: %v", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(rt))
	if n := testutil.CollectAndCount(NewCollector(rt), "kafshard_reactor_tasks_processed_total"); n != 2 {
		t.Fatalf("expected one series per shard, got %d", n)
	}
}
