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

package metadata

import (
	"testing"
	"time"
)

func TestNodeSnapshotCodecRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 500, time.UTC)
	in := NodeSnapshot{
		NodeID:    4,
		UpdatedAt: now,
		Leaders: []LeaderEntry{
			{Topic: "orders", Partition: 0, Leader: 4},
			{Topic: "orders", Partition: 1, Leader: -1},
		},
	}
	data, err := EncodeNodeSnapshot(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeNodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.NodeID != 4 || !out.UpdatedAt.Equal(now) || len(out.Leaders) != 2 {
		t.Fatalf("unexpected snapshot %+v", out)
	}
	if out.Leaders[1].Leader != -1 || out.Leaders[1].Partition != 1 {
		t.Fatalf("unexpected leader entry %+v", out.Leaders[1])
	}
}

func TestNodeSnapshotKeys(t *testing.T) {
	key := NodeSnapshotKey(12)
	if key != "/kafshard/nodes/12/leadership" {
		t.Fatalf("unexpected key %q", key)
	}
	if id, ok := ParseNodeSnapshotKey(key); !ok || id != 12 {
		t.Fatalf("parse key: id=%d ok=%v", id, ok)
	}
	for _, bad := range []string{"/kafshard/nodes/x/leadership", "/other/12/leadership", "/kafshard/nodes/12"} {
		if _, ok := ParseNodeSnapshotKey(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
