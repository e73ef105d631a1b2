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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/novatechflow/kafshard/pkg/cache"
	"github.com/novatechflow/kafshard/pkg/model"
)

func newTestLog(t *testing.T, store ObjectStore, buffer WriteBufferConfig, onFlush func(SegmentInfo)) *PartitionLog {
	t.Helper()
	return NewPartitionLog(model.NewKafkaNTP("orders", 0), store, cache.NewSegmentCache(1<<20), LogConfig{
		Buffer:       buffer,
		Segment:      SegmentWriterConfig{IndexIntervalMessages: 1},
		CacheEnabled: true,
	}, onFlush)
}

func appendBatch(t *testing.T, log *PartitionLog, count int32) AppendResult {
	t.Helper()
	batch, err := NewRecordBatchFromBytes(makeRecordBatch(count, 0))
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	res, err := log.Append(context.Background(), batch)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return res
}

func TestPartitionLogAppendFlush(t *testing.T) {
	store := NewMemoryStore()
	var flushed []SegmentInfo
	log := newTestLog(t, store, WriteBufferConfig{MaxBatches: 2}, func(info SegmentInfo) {
		flushed = append(flushed, info)
	})

	first := appendBatch(t, log, 3)
	if first.BaseOffset != 0 || first.LastOffset != 2 {
		t.Fatalf("unexpected first result %+v", first)
	}
	second := appendBatch(t, log, 2)
	if second.BaseOffset != 3 || second.LastOffset != 4 {
		t.Fatalf("unexpected second result %+v", second)
	}
	if len(flushed) != 1 {
		t.Fatalf("expected a flush after two batches, got %d", len(flushed))
	}
	if flushed[0].BaseOffset != 0 || flushed[0].LastOffset != 4 {
		t.Fatalf("unexpected segment range %+v", flushed[0])
	}
	if log.HighWatermark() != 5 {
		t.Fatalf("expected hwm 5 got %d", log.HighWatermark())
	}
	objects, err := store.List(context.Background(), SegmentPrefix(log.NTP()))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected segment and index objects, got %d", len(objects))
	}
}

func TestPartitionLogReadBufferedAndFlushed(t *testing.T) {
	log := newTestLog(t, NewMemoryStore(), WriteBufferConfig{}, nil)
	appendBatch(t, log, 4)
	appendBatch(t, log, 4)

	data, err := log.Read(context.Background(), 5, 0)
	if err != nil {
		t.Fatalf("read buffered: %v", err)
	}
	batches, err := ParseRecordSet(data)
	if err != nil || len(batches) != 1 || batches[0].BaseOffset != 4 {
		t.Fatalf("expected the batch holding offset 5, got %+v err=%v", batches, err)
	}

	if err := log.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	flushedData, err := log.Read(context.Background(), 5, 0)
	if err != nil {
		t.Fatalf("read flushed: %v", err)
	}
	if !bytes.Equal(flushedData, data) {
		t.Fatalf("flushed read differs from buffered read")
	}

	all, err := log.Read(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("read with tiny max: %v", err)
	}
	if batches, _ := ParseRecordSet(all); len(batches) != 1 {
		t.Fatalf("expected one whole batch even past maxBytes, got %d", len(batches))
	}
}

func TestPartitionLogReadBounds(t *testing.T) {
	log := newTestLog(t, NewMemoryStore(), WriteBufferConfig{}, nil)
	appendBatch(t, log, 2)

	data, err := log.Read(context.Background(), 2, 0)
	if err != nil || data != nil {
		t.Fatalf("read at hwm should be empty, got %d bytes err=%v", len(data), err)
	}
	if _, err := log.Read(context.Background(), 3, 0); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Fatalf("expected ErrOffsetOutOfRange, got %v", err)
	}
}

func TestPartitionLogRestore(t *testing.T) {
	store := NewMemoryStore()
	log := newTestLog(t, store, WriteBufferConfig{}, nil)
	appendBatch(t, log, 5)
	if err := log.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	appendBatch(t, log, 3)
	if err := log.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	restored := newTestLog(t, store, WriteBufferConfig{}, nil)
	next, err := restored.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if next != 8 {
		t.Fatalf("expected next offset 8 got %d", next)
	}
	if segs := restored.Segments(); len(segs) != 2 || segs[1].BaseOffset != 5 {
		t.Fatalf("unexpected segments %+v", segs)
	}
	if res := appendBatch(t, restored, 1); res.BaseOffset != 8 {
		t.Fatalf("expected append to continue at 8, got %d", res.BaseOffset)
	}
	if _, err := restored.Read(context.Background(), 6, 0); err != nil {
		t.Fatalf("read restored segment: %v", err)
	}
}

func TestPartitionLogFlushIfDue(t *testing.T) {
	log := newTestLog(t, NewMemoryStore(), WriteBufferConfig{FlushInterval: time.Minute}, nil)
	appendBatch(t, log, 1)
	if err := log.FlushIfDue(context.Background(), time.Now()); err != nil {
		t.Fatalf("flush if due: %v", err)
	}
	if len(log.Segments()) != 0 {
		t.Fatalf("buffer flushed before its interval")
	}
	if err := log.FlushIfDue(context.Background(), time.Now().Add(2*time.Minute)); err != nil {
		t.Fatalf("flush if due: %v", err)
	}
	if len(log.Segments()) != 1 {
		t.Fatalf("expected flush after interval")
	}
}

func TestPartitionLogDelete(t *testing.T) {
	store := NewMemoryStore()
	log := newTestLog(t, store, WriteBufferConfig{MaxBatches: 1}, nil)
	appendBatch(t, log, 2)
	if err := log.Delete(context.Background()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	objects, _ := store.List(context.Background(), SegmentPrefix(log.NTP()))
	if len(objects) != 0 {
		t.Fatalf("expected no objects after delete, got %d", len(objects))
	}
}
