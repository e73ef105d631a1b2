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

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/novatechflow/kafshard/pkg/cache"
	"github.com/novatechflow/kafshard/pkg/model"
)

func TestWriteBufferDueReasons(t *testing.T) {
	now := time.Unix(1000, 0)
	cases := []struct {
		name   string
		cfg    WriteBufferConfig
		counts []int32
		at     time.Time
		want   FlushReason
	}{
		{"empty", WriteBufferConfig{MaxBatches: 1}, nil, now, FlushNotDue},
		{"below thresholds", WriteBufferConfig{MaxBatches: 3, MaxMessages: 10}, []int32{2, 2}, now, FlushNotDue},
		{"batches", WriteBufferConfig{MaxBatches: 2}, []int32{1, 1}, now, FlushBatches},
		{"messages", WriteBufferConfig{MaxMessages: 5}, []int32{3, 2}, now, FlushMessages},
		{"bytes", WriteBufferConfig{MaxBytes: 1}, []int32{1}, now, FlushBytes},
		{"interval", WriteBufferConfig{FlushInterval: time.Second}, []int32{1}, now.Add(time.Second), FlushInterval},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := NewWriteBuffer(tc.cfg)
			for _, b := range testBatches(t, tc.counts...) {
				buf.AppendAt(b, now)
			}
			if got := buf.Due(tc.at); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
			if buf.ShouldFlush(tc.at) != (tc.want != FlushNotDue) {
				t.Fatalf("ShouldFlush disagrees with Due")
			}
		})
	}
}

func TestWriteBufferIntervalRunsFromOldestBatch(t *testing.T) {
	start := time.Unix(1000, 0)
	buf := NewWriteBuffer(WriteBufferConfig{FlushInterval: time.Minute})
	batches := testBatches(t, 1, 1)

	buf.AppendAt(batches[0], start.Add(10*time.Minute))
	if buf.ShouldFlush(start.Add(10*time.Minute + time.Second)) {
		t.Fatalf("an idle buffer must not be due on its first append")
	}
	buf.AppendAt(batches[1], start.Add(10*time.Minute+50*time.Second))
	if got := buf.Due(start.Add(11 * time.Minute)); got != FlushInterval {
		t.Fatalf("expected interval measured from the oldest batch, got %q", got)
	}

	buf.Drain()
	if buf.ShouldFlush(start.Add(time.Hour)) {
		t.Fatalf("drained buffer should not be due")
	}
}

func TestWriteBufferPendingStaysReadable(t *testing.T) {
	buf := NewWriteBuffer(WriteBufferConfig{})
	if _, ok := buf.FirstOffset(); ok {
		t.Fatalf("empty buffer has no first offset")
	}
	if _, err := buf.Read(0, 0); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("expected ErrOffsetOutOfRange on empty buffer, got %v", err)
	}
	batches := testBatches(t, 2, 3, 1)
	for _, b := range batches {
		buf.Append(b)
	}
	if first, ok := buf.FirstOffset(); !ok || first != 0 {
		t.Fatalf("expected first offset 0, got %d ok=%v", first, ok)
	}

	data, err := buf.Read(3, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := ParseRecordSet(data)
	if err != nil || len(got) != 2 || got[0].BaseOffset != 2 {
		t.Fatalf("expected batches from the one holding offset 3, got %+v err=%v", got, err)
	}

	data, err = buf.Read(0, int32(len(batches[0].Bytes)+1))
	if err != nil {
		t.Fatalf("bounded read: %v", err)
	}
	if got, _ := ParseRecordSet(data); len(got) != 1 {
		t.Fatalf("expected maxBytes to stop after one batch, got %d", len(got))
	}
	if _, err := buf.Read(6, 0); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("expected ErrOffsetOutOfRange past the last batch, got %v", err)
	}

	pending := buf.Pending()
	pending[0] = RecordBatch{}
	if n, _, messages := buf.Stats(); n != 3 || messages != 6 {
		t.Fatalf("Pending must copy: %d batches %d messages", n, messages)
	}
	if first, _ := buf.FirstOffset(); first != 0 {
		t.Fatalf("mutating the copy changed the buffer")
	}
}

func TestWriteBufferDrainHandsOverBatches(t *testing.T) {
	buf := NewWriteBuffer(WriteBufferConfig{MaxBatches: 2})
	batches := testBatches(t, 1, 4)
	for _, b := range batches {
		buf.Append(b)
	}
	drained := buf.Drain()
	if len(drained) != 2 || drained[1].BaseOffset != 1 {
		t.Fatalf("unexpected drained batches %+v", drained)
	}
	if n, size, messages := buf.Stats(); n != 0 || size != 0 || messages != 0 {
		t.Fatalf("expected empty stats after drain, got %d/%d/%d", n, size, messages)
	}
	if again := buf.Drain(); again != nil {
		t.Fatalf("second drain should return nothing, got %d", len(again))
	}
}

func TestPartitionLogDrainsBufferOnlyAfterSegmentIsStored(t *testing.T) {
	store := &failingPutStore{ObjectStore: NewMemoryStore(), fail: true}
	log := newTestLog(t, store, WriteBufferConfig{}, nil)
	appendBatch(t, log, 2)
	appendBatch(t, log, 2)

	if err := log.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush to fail while the store rejects writes")
	}
	if n, _, _ := log.buffer.Stats(); n != 2 {
		t.Fatalf("failed flush must keep batches buffered, got %d", n)
	}
	if _, err := log.Read(context.Background(), 2, 0); err != nil {
		t.Fatalf("buffered data unreadable after failed flush: %v", err)
	}

	store.fail = false
	if err := log.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n, _, _ := log.buffer.Stats(); n != 0 {
		t.Fatalf("expected the log to drain the buffer, %d batches left", n)
	}
	segs := log.Segments()
	if len(segs) != 1 || segs[0].BaseOffset != 0 || segs[0].LastOffset != 3 {
		t.Fatalf("unexpected segments %+v", segs)
	}
	if log.StartOffset() != 0 {
		t.Fatalf("expected start offset 0, got %d", log.StartOffset())
	}
}

func TestLogConfigBufferForTopic(t *testing.T) {
	cfg := LogConfig{
		Buffer: WriteBufferConfig{MaxBytes: 1 << 20, MaxBatches: 64, FlushInterval: time.Second},
		TopicBuffers: map[string]WriteBufferConfig{
			"audit": {MaxBatches: 1},
		},
	}
	audit := cfg.BufferFor(model.NewKafkaNTP("audit", 3))
	if audit.MaxBatches != 1 || audit.MaxBytes != 1<<20 || audit.FlushInterval != time.Second {
		t.Fatalf("override should replace only the thresholds it sets, got %+v", audit)
	}
	if other := cfg.BufferFor(model.NewKafkaNTP("orders", 0)); other != cfg.Buffer {
		t.Fatalf("topics without an override use the defaults, got %+v", other)
	}
	internal := model.NTP{Namespace: model.InternalNamespace, Topic: "audit"}
	if got := cfg.BufferFor(internal); got != cfg.Buffer {
		t.Fatalf("overrides apply to Kafka topics only, got %+v", got)
	}

	log := NewPartitionLog(model.NewKafkaNTP("audit", 0), NewMemoryStore(), cache.NewSegmentCache(1<<20), cfg, nil)
	if log.BufferConfig().MaxBatches != 1 {
		t.Fatalf("log built with %+v", log.BufferConfig())
	}
	appendBatch(t, log, 1)
	if len(log.Segments()) != 1 {
		t.Fatalf("expected the per-topic threshold to flush every batch")
	}
}

type failingPutStore struct {
	ObjectStore
	fail bool
}

func (s *failingPutStore) Put(ctx context.Context, key string, data []byte) error {
	if s.fail {
		return errors.New("store offline")
	}
	return s.ObjectStore.Put(ctx, key, data)
}
