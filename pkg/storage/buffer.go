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
	"sync"
	"time"

	"github.com/novatechflow/kafshard/pkg/model"
)

// WriteBufferConfig sets when a partition's unflushed batches are cut into a
// segment. Zero disables a threshold.
type WriteBufferConfig struct {
	MaxBytes      int
	MaxMessages   int
	MaxBatches    int
	FlushInterval time.Duration
}

// merge fills the thresholds o leaves unset from base.
func (o WriteBufferConfig) merge(base WriteBufferConfig) WriteBufferConfig {
	if o.MaxBytes == 0 {
		o.MaxBytes = base.MaxBytes
	}
	if o.MaxMessages == 0 {
		o.MaxMessages = base.MaxMessages
	}
	if o.MaxBatches == 0 {
		o.MaxBatches = base.MaxBatches
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = base.FlushInterval
	}
	return o
}

// BufferFor returns the buffer thresholds of ntp: the topic override, if one
// exists, on top of the shared defaults.
func (c LogConfig) BufferFor(ntp model.NTP) WriteBufferConfig {
	if ntp.Namespace == model.KafkaNamespace {
		if o, ok := c.TopicBuffers[ntp.Topic]; ok {
			return o.merge(c.Buffer)
		}
	}
	return c.Buffer
}

// FlushReason names the threshold that made a buffer due.
type FlushReason string

const (
	FlushNotDue   FlushReason = ""
	FlushBytes    FlushReason = "bytes"
	FlushMessages FlushReason = "messages"
	FlushBatches  FlushReason = "batches"
	FlushInterval FlushReason = "interval"
)

// WriteBuffer keeps a partition's appended batches, in offset order, until
// the log cuts them into a segment. The log reads pending batches straight
// from the buffer so produced data is visible before it is flushed.
type WriteBuffer struct {
	cfg WriteBufferConfig

	mu       sync.Mutex
	pending  []RecordBatch
	bytes    int
	messages int
	oldest   time.Time
}

// NewWriteBuffer creates an empty buffer.
func NewWriteBuffer(cfg WriteBufferConfig) *WriteBuffer {
	return &WriteBuffer{cfg: cfg}
}

// Config returns the thresholds in force.
func (b *WriteBuffer) Config() WriteBufferConfig { return b.cfg }

// Append buffers batch. Offsets must already be assigned.
func (b *WriteBuffer) Append(batch RecordBatch) {
	b.AppendAt(batch, time.Now())
}

// AppendAt is Append with an explicit clock.
func (b *WriteBuffer) AppendAt(batch RecordBatch, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		b.oldest = now
	}
	b.pending = append(b.pending, batch)
	b.bytes += len(batch.Bytes)
	b.messages += int(batch.MessageCount)
}

// Due reports which threshold, if any, the buffer has crossed. The interval
// runs from the oldest unflushed batch, so an idle partition is not cut on
// its first append.
func (b *WriteBuffer) Due(now time.Time) FlushReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return FlushNotDue
	}
	cfg := b.cfg
	if cfg.MaxBytes > 0 && b.bytes >= cfg.MaxBytes {
		return FlushBytes
	}
	if cfg.MaxMessages > 0 && b.messages >= cfg.MaxMessages {
		return FlushMessages
	}
	if cfg.MaxBatches > 0 && len(b.pending) >= cfg.MaxBatches {
		return FlushBatches
	}
	if cfg.FlushInterval > 0 && now.Sub(b.oldest) >= cfg.FlushInterval {
		return FlushInterval
	}
	return FlushNotDue
}

// ShouldFlush reports whether any threshold has been crossed.
func (b *WriteBuffer) ShouldFlush(now time.Time) bool {
	return b.Due(now) != FlushNotDue
}

// Pending returns a copy of the unflushed batches. The log builds a segment
// from it and drains the buffer only once the segment is stored.
func (b *WriteBuffer) Pending() []RecordBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RecordBatch(nil), b.pending...)
}

// Drain hands every pending batch over to the caller and empties the buffer.
func (b *WriteBuffer) Drain() []RecordBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	b.bytes, b.messages = 0, 0
	b.oldest = time.Time{}
	return out
}

// FirstOffset returns the base offset of the oldest pending batch.
func (b *WriteBuffer) FirstOffset() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return 0, false
	}
	return b.pending[0].BaseOffset, true
}

// Read returns whole pending batches starting with the one containing
// offset. The first batch is returned even when it exceeds maxBytes.
func (b *WriteBuffer) Read(offset int64, maxBytes int32) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []byte
	for _, batch := range b.pending {
		if batch.LastOffset() < offset {
			continue
		}
		if len(out) > 0 && maxBytes > 0 && len(out)+len(batch.Bytes) > int(maxBytes) {
			break
		}
		out = append(out, batch.Bytes...)
	}
	if out == nil {
		return nil, ErrOffsetOutOfRange
	}
	return out, nil
}

// Stats returns the pending batch, byte and message counts.
func (b *WriteBuffer) Stats() (batches, bytes, messages int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending), b.bytes, b.messages
}
