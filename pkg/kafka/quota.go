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

package kafka

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/novatechflow/kafshard/pkg/sharded"
)

const (
	quotaIdleTimeout  = 5 * time.Minute
	quotaPruneEvery   = 1024
	maxThrottleMillis = 30_000
)

// QuotaConfig bounds produce throughput per client id on each shard.
// A zero rate disables throttling.
type QuotaConfig struct {
	ProduceBytesPerSecond int
	Burst                 int
}

type clientQuota struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// QuotaManager tracks produce rates of the clients connected to one shard.
type QuotaManager struct {
	shard   sharded.ShardID
	cfg     QuotaConfig
	clients map[string]*clientQuota
	calls   int
}

// NewQuotaManager returns the quota manager of one shard.
func NewQuotaManager(shard sharded.Shard, cfg QuotaConfig) *QuotaManager {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.ProduceBytesPerSecond
	}
	return &QuotaManager{shard: shard.ID(), cfg: cfg, clients: make(map[string]*clientQuota)}
}

// RecordProduce accounts bytes produced by clientID and returns how long the
// client should back off.
func (q *QuotaManager) RecordProduce(clientID string, bytes int, now time.Time) time.Duration {
	if q.cfg.ProduceBytesPerSecond <= 0 || bytes <= 0 {
		return 0
	}
	q.calls++
	if q.calls%quotaPruneEvery == 0 {
		q.prune(now)
	}
	c, ok := q.clients[clientID]
	if !ok {
		c = &clientQuota{limiter: rate.NewLimiter(rate.Limit(q.cfg.ProduceBytesPerSecond), q.cfg.Burst)}
		q.clients[clientID] = c
	}
	c.lastSeen = now
	var delay time.Duration
	if bytes > q.cfg.Burst {
		// larger than the bucket: charge the whole bucket and throttle for the rest
		_ = c.limiter.ReserveN(now, q.cfg.Burst)
		delay = time.Duration(float64(bytes-q.cfg.Burst) / float64(q.cfg.ProduceBytesPerSecond) * float64(time.Second))
	} else {
		delay = c.limiter.ReserveN(now, bytes).DelayFrom(now)
	}
	if limit := maxThrottleMillis * time.Millisecond; delay > limit {
		delay = limit
	}
	return delay
}

func (q *QuotaManager) prune(now time.Time) {
	for id, c := range q.clients {
		if now.Sub(c.lastSeen) > quotaIdleTimeout {
			delete(q.clients, id)
		}
	}
}

// Clients returns the number of tracked client ids.
func (q *QuotaManager) Clients() int { return len(q.clients) }

// Stop implements sharded.Service.
func (q *QuotaManager) Stop(context.Context) error { return nil }
