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

// Package metrics holds the broker's prometheus instruments.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "kafshard"

var (
	KafkaRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_requests_total",
			Help:      "Kafka API requests by api and outcome.",
		},
		[]string{"api", "status"},
	)
	KafkaRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_request_duration_ms",
			Help:      "Kafka API request latency in milliseconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"api"},
	)
	ProducedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_produced_bytes_total",
			Help:      "Record batch bytes accepted by produce requests.",
		},
	)
	QuotaThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_quota_throttled_total",
			Help:      "Produce responses that carried a throttle time.",
		},
	)
	AdminRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Admin API requests by route and status code.",
		},
		[]string{"route", "code"},
	)
	SegmentsFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_segments_flushed_total",
			Help:      "Segments written by partition logs.",
		},
	)
	ArchivalUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archival_uploads_total",
			Help:      "Segment uploads to cloud storage by status.",
		},
		[]string{"status"},
	)
	ArchivalBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archival_uploaded_bytes_total",
			Help:      "Compressed bytes uploaded to cloud storage.",
		},
	)
	LeadershipTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raft_leadership_transfers_total",
			Help:      "Leadership transfer attempts by outcome.",
		},
		[]string{"status"},
	)
)

// Register adds every broker instrument plus the Go runtime and process
// collectors to reg, along with an uptime gauge measured from started.
func Register(reg prometheus.Registerer, started time.Time) error {
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "application_uptime_ms",
			Help:      "Milliseconds since the broker process started.",
		},
		func() float64 { return float64(time.Since(started).Milliseconds()) },
	)
	all := []prometheus.Collector{
		KafkaRequests,
		KafkaRequestDuration,
		ProducedBytes,
		QuotaThrottled,
		AdminRequests,
		SegmentsFlushed,
		ArchivalUploads,
		ArchivalBytes,
		LeadershipTransfers,
		uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
