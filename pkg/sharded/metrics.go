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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksProcessedDesc = prometheus.NewDesc(
		"kafshard_reactor_tasks_processed_total",
		"Tasks executed by the shard run loop.",
		[]string{"shard"}, nil,
	)
	tasksPendingDesc = prometheus.NewDesc(
		"kafshard_reactor_tasks_pending",
		"Tasks queued on the shard, by scheduling group.",
		[]string{"shard", "group"}, nil,
	)
	busySecondsDesc = prometheus.NewDesc(
		"kafshard_reactor_busy_seconds_total",
		"Time the shard spent running tasks.",
		[]string{"shard"}, nil,
	)
)

// Collector exports per-shard run queue statistics.
type Collector struct {
	rt *Runtime
}

// NewCollector returns a prometheus collector for rt.
func NewCollector(rt *Runtime) *Collector {
	return &Collector{rt: rt}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tasksProcessedDesc
	ch <- tasksPendingDesc
	ch <- busySecondsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, re := range c.rt.reactors {
		shard := strconv.FormatUint(uint64(re.id), 10)
		ch <- prometheus.MustNewConstMetric(tasksProcessedDesc, prometheus.CounterValue, float64(re.tasksRun.Load()), shard)
		ch <- prometheus.MustNewConstMetric(busySecondsDesc, prometheus.CounterValue, time.Duration(re.busyNs.Load()).Seconds(), shard)
		for group, n := range re.queueLengths() {
			ch <- prometheus.MustNewConstMetric(tasksPendingDesc, prometheus.GaugeValue, float64(n), shard, group)
		}
	}
}
