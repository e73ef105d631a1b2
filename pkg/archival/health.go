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

package archival

import (
	"sync"
	"time"
)

// HealthState is the scheduler's view of the remote store.
type HealthState string

const (
	StateHealthy     HealthState = "healthy"
	StateDegraded    HealthState = "degraded"
	StateUnavailable HealthState = "unavailable"
)

// HealthConfig sets the thresholds between states. Zero values pick defaults.
type HealthConfig struct {
	Window      time.Duration
	LatencyWarn time.Duration
	LatencyCrit time.Duration
	ErrorWarn   float64
	ErrorCrit   float64
	MaxSamples  int
	// RetryAfter is how long an unavailable store is left alone before the
	// next probe upload is allowed.
	RetryAfter time.Duration
}

// HealthSnapshot is a point-in-time view of the monitor.
type HealthSnapshot struct {
	State      HealthState
	Since      time.Time
	AvgLatency time.Duration
	ErrorRate  float64
	Samples    int
}

type opSample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// HealthMonitor grades remote store operations over a sliding window. It is
// shared by every shard's scheduler.
type HealthMonitor struct {
	cfg HealthConfig
	now func() time.Time

	mu       sync.Mutex
	samples  []opSample
	snapshot HealthSnapshot
	lastOp   time.Time
}

// NewHealthMonitor returns a monitor in the healthy state.
func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.LatencyWarn <= 0 {
		cfg.LatencyWarn = 500 * time.Millisecond
	}
	if cfg.LatencyCrit <= 0 {
		cfg.LatencyCrit = 3 * time.Second
	}
	if cfg.ErrorWarn <= 0 {
		cfg.ErrorWarn = 0.2
	}
	if cfg.ErrorCrit <= 0 {
		cfg.ErrorCrit = 0.6
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 512
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 10 * time.Second
	}
	m := &HealthMonitor{cfg: cfg, now: time.Now}
	m.snapshot = HealthSnapshot{State: StateHealthy, Since: m.now()}
	return m
}

// Record adds the outcome of one remote operation.
func (m *HealthMonitor) Record(latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastOp = now
	m.samples = append(m.samples, opSample{at: now, latency: latency, failed: err != nil})
	if extra := len(m.samples) - m.cfg.MaxSamples; extra > 0 {
		m.samples = m.samples[extra:]
	}
	cutoff := now.Add(-m.cfg.Window)
	keep := 0
	for keep < len(m.samples) && !m.samples[keep].at.After(cutoff) {
		keep++
	}
	m.samples = append([]opSample(nil), m.samples[keep:]...)
	m.grade(now)
}

func (m *HealthMonitor) grade(now time.Time) {
	var total time.Duration
	var failed int
	for _, s := range m.samples {
		total += s.latency
		if s.failed {
			failed++
		}
	}
	next := StateHealthy
	m.snapshot.AvgLatency, m.snapshot.ErrorRate = 0, 0
	if n := len(m.samples); n > 0 {
		m.snapshot.AvgLatency = total / time.Duration(n)
		m.snapshot.ErrorRate = float64(failed) / float64(n)
		switch {
		case m.snapshot.AvgLatency >= m.cfg.LatencyCrit || m.snapshot.ErrorRate >= m.cfg.ErrorCrit:
			next = StateUnavailable
		case m.snapshot.AvgLatency >= m.cfg.LatencyWarn || m.snapshot.ErrorRate >= m.cfg.ErrorWarn:
			next = StateDegraded
		}
	}
	m.snapshot.Samples = len(m.samples)
	if next != m.snapshot.State {
		m.snapshot.State = next
		m.snapshot.Since = now
	}
}

// Allow reports whether an upload should be attempted now. An unavailable
// store only gets a probe once RetryAfter has passed since the last attempt.
func (m *HealthMonitor) Allow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot.State != StateUnavailable {
		return true
	}
	return m.now().Sub(m.lastOp) >= m.cfg.RetryAfter
}

// Snapshot returns the current grading.
func (m *HealthMonitor) Snapshot() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// State returns the current health state.
func (m *HealthMonitor) State() HealthState {
	return m.Snapshot().State
}
