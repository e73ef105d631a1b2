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

// Package cache keeps recently read log segments in memory.
package cache

import (
	"container/list"
	"sync"

	"github.com/novatechflow/kafshard/pkg/model"
)

type segmentKey struct {
	ntp        model.NTP
	baseOffset int64
}

type cacheEntry struct {
	key  segmentKey
	data []byte
}

// Stats counts cache activity since creation.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Bytes     int
	Entries   int
}

// SegmentCache is a byte-bounded LRU of segment bodies keyed by partition and base offset.
type SegmentCache struct {
	mu       sync.Mutex
	capacity int
	size     int
	ll       *list.List
	items    map[segmentKey]*list.Element
	stats    Stats
}

// NewSegmentCache creates a cache holding at most capacityBytes.
func NewSegmentCache(capacityBytes int) *SegmentCache {
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	return &SegmentCache{
		capacity: capacityBytes,
		ll:       list.New(),
		items:    make(map[segmentKey]*list.Element),
	}
}

// GetSegment returns cached data if present.
func (c *SegmentCache) GetSegment(ntp model.NTP, baseOffset int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[segmentKey{ntp: ntp, baseOffset: baseOffset}]; ok {
		c.ll.MoveToFront(elem)
		c.stats.Hits++
		return elem.Value.(*cacheEntry).data, true
	}
	c.stats.Misses++
	return nil, false
}

// SetSegment adds or replaces an entry, evicting the least recently used ones past capacity.
func (c *SegmentCache) SetSegment(ntp model.NTP, baseOffset int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := segmentKey{ntp: ntp, baseOffset: baseOffset}
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		c.size -= len(entry.data)
		entry.data = append(entry.data[:0], data...)
		c.size += len(entry.data)
		c.ll.MoveToFront(elem)
		c.evictLocked(c.capacity)
		return
	}
	entry := &cacheEntry{key: key, data: append([]byte(nil), data...)}
	c.items[key] = c.ll.PushFront(entry)
	c.size += len(entry.data)
	c.evictLocked(c.capacity)
}

// Invalidate drops every segment cached for ntp.
func (c *SegmentCache) Invalidate(ntp model.NTP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, elem := range c.items {
		if key.ntp != ntp {
			continue
		}
		c.size -= len(elem.Value.(*cacheEntry).data)
		c.ll.Remove(elem)
		delete(c.items, key)
	}
}

// Reclaim shrinks the cache to at most target bytes.
func (c *SegmentCache) Reclaim(target int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.size
	c.evictLocked(target)
	return before - c.size
}

// Stats returns a copy of the counters.
func (c *SegmentCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Bytes = c.size
	s.Entries = c.ll.Len()
	return s
}

func (c *SegmentCache) evictLocked(limit int) {
	for c.size > limit && c.ll.Len() > 0 {
		elem := c.ll.Back()
		entry := elem.Value.(*cacheEntry)
		delete(c.items, entry.key)
		c.ll.Remove(elem)
		c.size -= len(entry.data)
		c.stats.Evictions++
	}
}
