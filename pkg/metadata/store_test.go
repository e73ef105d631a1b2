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
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryStorePublishReplacesNodeSnapshot(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	_ = store.Publish(ctx, NodeSnapshot{NodeID: 1, Leaders: []LeaderEntry{{Topic: "a"}}})
	_ = store.Publish(ctx, NodeSnapshot{NodeID: 1, Leaders: []LeaderEntry{{Topic: "b"}}})
	snaps, err := store.Snapshots(ctx)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Leaders[0].Topic != "b" {
		t.Fatalf("expected latest snapshot only, got %+v", snaps)
	}
}

func TestInMemoryStoreWatch(t *testing.T) {
	store := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	updates, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	_ = store.Publish(context.Background(), NodeSnapshot{NodeID: 2})
	select {
	case snap := <-updates:
		if snap.NodeID != 2 {
			t.Fatalf("unexpected node %d", snap.NodeID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no watch event")
	}
	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatalf("expected channel to close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("watch channel not closed")
	}
}

func TestInMemoryStoreClose(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Publish(context.Background(), NodeSnapshot{NodeID: 1}); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}
