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

package cache

import (
	"testing"

	"github.com/novatechflow/kafshard/pkg/model"
)

func TestSegmentCacheEviction(t *testing.T) {
	orders := model.NewKafkaNTP("orders", 0)
	cache := NewSegmentCache(10)
	cache.SetSegment(orders, 0, []byte("12345"))
	if _, ok := cache.GetSegment(orders, 0); !ok {
		t.Fatalf("expected cache hit")
	}
	cache.SetSegment(orders, 1, []byte("67890"))
	if cache.ll.Len() != 2 {
		t.Fatalf("expected two entries")
	}
	cache.SetSegment(orders, 2, []byte("abcde"))

	if _, ok := cache.GetSegment(orders, 0); ok {
		t.Fatalf("oldest entry should be evicted")
	}
	if _, ok := cache.GetSegment(orders, 2); !ok {
		t.Fatalf("new entry missing")
	}
	stats := cache.Stats()
	if stats.Evictions != 1 || stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSegmentCacheInvalidateAndReclaim(t *testing.T) {
	a := model.NewKafkaNTP("a", 0)
	b := model.NewKafkaNTP("b", 0)
	cache := NewSegmentCache(100)
	cache.SetSegment(a, 0, []byte("aaaa"))
	cache.SetSegment(a, 4, []byte("aaaa"))
	cache.SetSegment(b, 0, []byte("bbbbbbbb"))

	cache.Invalidate(a)
	if _, ok := cache.GetSegment(a, 4); ok {
		t.Fatalf("invalidated entry still cached")
	}
	if stats := cache.Stats(); stats.Bytes != 8 || stats.Entries != 1 {
		t.Fatalf("unexpected stats after invalidate %+v", stats)
	}
	if freed := cache.Reclaim(0); freed != 8 {
		t.Fatalf("expected 8 bytes reclaimed, got %d", freed)
	}
}
