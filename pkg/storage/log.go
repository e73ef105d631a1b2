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
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/novatechflow/kafshard/pkg/cache"
	"github.com/novatechflow/kafshard/pkg/model"
)

// ErrOffsetOutOfRange is returned when the requested offset is outside the log.
var ErrOffsetOutOfRange = errors.New("offset out of range")

// LogConfig configures per-partition log behavior.
type LogConfig struct {
	Buffer WriteBufferConfig
	// TopicBuffers overrides Buffer for individual Kafka topics.
	TopicBuffers map[string]WriteBufferConfig
	Segment      SegmentWriterConfig
	CacheEnabled bool
}

// PartitionLog appends record batches for one partition, buffers them and
// writes them out as immutable segments to an ObjectStore.
type PartitionLog struct {
	ntp     model.NTP
	store   ObjectStore
	cache   *cache.SegmentCache
	cfg     LogConfig
	buffer  *WriteBuffer
	onFlush func(SegmentInfo)

	mu           sync.Mutex
	nextOffset   int64
	segments     []SegmentInfo
	indexEntries map[int64][]*IndexEntry
}

// NewPartitionLog constructs an empty log. Call Restore to load existing segments.
func NewPartitionLog(ntp model.NTP, store ObjectStore, segmentCache *cache.SegmentCache, cfg LogConfig, onFlush func(SegmentInfo)) *PartitionLog {
	return &PartitionLog{
		ntp:          ntp,
		store:        store,
		cache:        segmentCache,
		cfg:          cfg,
		buffer:       NewWriteBuffer(cfg.BufferFor(ntp)),
		onFlush:      onFlush,
		indexEntries: make(map[int64][]*IndexEntry),
	}
}

// NTP returns the partition this log belongs to.
func (l *PartitionLog) NTP() model.NTP {
	return l.ntp
}

// Restore rebuilds segment ranges from objects already in the store and
// returns the next offset to assign.
func (l *PartitionLog) Restore(ctx context.Context) (int64, error) {
	objects, err := l.store.List(ctx, SegmentPrefix(l.ntp))
	if err != nil {
		return 0, err
	}
	segments := make([]SegmentInfo, 0, len(objects))
	indexes := make(map[int64][]*IndexEntry, len(objects))
	for _, obj := range objects {
		base, ok := parseSegmentBaseOffset(obj.Key)
		if !ok || obj.Size < segmentHeaderLen+segmentFooterLen {
			continue
		}
		footer, err := l.store.Get(ctx, obj.Key, &ByteRange{Start: obj.Size - segmentFooterLen, End: obj.Size - 1})
		if err != nil {
			return 0, err
		}
		_, lastOffset, err := parseSegmentFooter(footer)
		if err != nil {
			return 0, fmt.Errorf("segment %s: %w", obj.Key, err)
		}
		info := SegmentInfo{
			Key:        obj.Key,
			IndexKey:   indexKey(l.ntp, base),
			BaseOffset: base,
			LastOffset: lastOffset,
			Size:       obj.Size,
		}
		if raw, err := l.store.Get(ctx, info.IndexKey, nil); err == nil {
			entries, err := ParseIndex(raw)
			if err != nil {
				return 0, fmt.Errorf("parse index %s: %w", info.IndexKey, err)
			}
			indexes[base] = entries
		} else if !errors.Is(err, ErrObjectNotFound) {
			return 0, err
		}
		segments = append(segments, info)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].BaseOffset < segments[j].BaseOffset })

	l.mu.Lock()
	defer l.mu.Unlock()
	l.segments = segments
	l.indexEntries = indexes
	if n := len(segments); n > 0 && segments[n-1].LastOffset >= l.nextOffset {
		l.nextOffset = segments[n-1].LastOffset + 1
	}
	return l.nextOffset, nil
}

// Append assigns offsets to batch and buffers it, flushing when a threshold is crossed.
func (l *PartitionLog) Append(ctx context.Context, batch RecordBatch) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch.Bytes = append([]byte(nil), batch.Bytes...)
	PatchRecordBatchBaseOffset(&batch, l.nextOffset)
	l.nextOffset = batch.LastOffset() + 1
	now := time.Now()
	l.buffer.AppendAt(batch, now)
	result := AppendResult{BaseOffset: batch.BaseOffset, LastOffset: batch.LastOffset()}
	if l.buffer.ShouldFlush(now) {
		if err := l.flushLocked(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Flush writes buffered batches out as a segment.
func (l *PartitionLog) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked(ctx)
}

// BufferConfig returns the buffer thresholds this log was built with.
func (l *PartitionLog) BufferConfig() WriteBufferConfig { return l.buffer.Config() }

// FlushIfDue flushes when the buffer's interval or size threshold has been reached.
func (l *PartitionLog) FlushIfDue(ctx context.Context, now time.Time) error {
	if !l.buffer.ShouldFlush(now) {
		return nil
	}
	return l.Flush(ctx)
}

func (l *PartitionLog) flushLocked(ctx context.Context) error {
	pending := l.buffer.Pending()
	if len(pending) == 0 {
		return nil
	}
	artifact, err := BuildSegment(l.cfg.Segment, pending, time.Now())
	if err != nil {
		return fmt.Errorf("build segment: %w", err)
	}
	info := SegmentInfo{
		Key:        segmentKey(l.ntp, artifact.BaseOffset),
		IndexKey:   indexKey(l.ntp, artifact.BaseOffset),
		BaseOffset: artifact.BaseOffset,
		LastOffset: artifact.LastOffset,
		Size:       int64(len(artifact.SegmentBytes)),
	}
	if err := l.store.Put(ctx, info.Key, artifact.SegmentBytes); err != nil {
		return err
	}
	if err := l.store.Put(ctx, info.IndexKey, artifact.IndexBytes); err != nil {
		return err
	}
	// batches leave the buffer only once their segment is durable
	l.buffer.Drain()
	if l.cache != nil && l.cfg.CacheEnabled {
		l.cache.SetSegment(l.ntp, artifact.BaseOffset, artifact.SegmentBytes)
	}
	l.segments = append(l.segments, info)
	l.indexEntries[artifact.BaseOffset] = artifact.RelativeIndex
	if l.onFlush != nil {
		l.onFlush(info)
	}
	return nil
}

// Read returns whole record batches starting with the one containing offset.
// Reading at the high watermark returns no data and no error.
func (l *PartitionLog) Read(ctx context.Context, offset int64, maxBytes int32) ([]byte, error) {
	l.mu.Lock()
	if offset == l.nextOffset {
		l.mu.Unlock()
		return nil, nil
	}
	if offset > l.nextOffset || offset < l.startOffsetLocked() {
		l.mu.Unlock()
		return nil, ErrOffsetOutOfRange
	}
	var (
		seg     SegmentInfo
		found   bool
		entries []*IndexEntry
	)
	for _, s := range l.segments {
		if offset >= s.BaseOffset && offset <= s.LastOffset {
			seg, found, entries = s, true, l.indexEntries[s.BaseOffset]
			break
		}
	}
	if !found {
		defer l.mu.Unlock()
		return l.buffer.Read(offset, maxBytes)
	}
	l.mu.Unlock()

	data, ok := []byte(nil), false
	if l.cache != nil && l.cfg.CacheEnabled {
		data, ok = l.cache.GetSegment(l.ntp, seg.BaseOffset)
	}
	if !ok {
		var err error
		data, err = l.store.Get(ctx, seg.Key, nil)
		if err != nil {
			return nil, err
		}
		if l.cache != nil && l.cfg.CacheEnabled {
			l.cache.SetSegment(l.ntp, seg.BaseOffset, data)
		}
	}
	return segmentBody(data, lookupIndex(entries, offset), offset, maxBytes)
}

// HighWatermark returns the offset the next appended record will receive.
func (l *PartitionLog) HighWatermark() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextOffset
}

// StartOffset returns the lowest offset still readable.
func (l *PartitionLog) StartOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startOffsetLocked()
}

func (l *PartitionLog) startOffsetLocked() int64 {
	if len(l.segments) > 0 {
		return l.segments[0].BaseOffset
	}
	if first, ok := l.buffer.FirstOffset(); ok {
		return first
	}
	return l.nextOffset
}

// Segments returns the flushed segments in offset order.
func (l *PartitionLog) Segments() []SegmentInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SegmentInfo(nil), l.segments...)
}

// Delete removes every segment and index of the partition from the store.
func (l *PartitionLog) Delete(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer.Drain()
	for _, seg := range l.segments {
		if err := l.store.Delete(ctx, seg.Key); err != nil {
			return err
		}
		if err := l.store.Delete(ctx, seg.IndexKey); err != nil {
			return err
		}
	}
	l.segments = nil
	l.indexEntries = make(map[int64][]*IndexEntry)
	if l.cache != nil {
		l.cache.Invalidate(l.ntp)
	}
	return nil
}

// SegmentPrefix is the key prefix under which a partition's objects live.
func SegmentPrefix(ntp model.NTP) string {
	return ntp.Path() + "/"
}

func segmentKey(ntp model.NTP, baseOffset int64) string {
	return path.Join(ntp.Path(), fmt.Sprintf("segment-%020d.kfs", baseOffset))
}

func indexKey(ntp model.NTP, baseOffset int64) string {
	return path.Join(ntp.Path(), fmt.Sprintf("segment-%020d.index", baseOffset))
}

func parseSegmentBaseOffset(key string) (int64, bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".kfs") {
		return 0, false
	}
	base, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".kfs"), 10, 64)
	if err != nil {
		return 0, false
	}
	return base, true
}
