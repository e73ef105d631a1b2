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
	"sort"
	"sync"
	"time"
)

// LeaderEntry reports the leader a node observes for one partition.
type LeaderEntry struct {
	Topic     string
	Partition int32
	Leader    int32
}

// NodeSnapshot is the leadership view one node publishes for the partitions it hosts.
type NodeSnapshot struct {
	NodeID    int32
	Leaders   []LeaderEntry
	UpdatedAt time.Time
}

// Store shares node snapshots between brokers.
type Store interface {
	// Publish replaces the snapshot of snap.NodeID.
	Publish(ctx context.Context, snap NodeSnapshot) error
	// Snapshots returns the latest snapshot of every node.
	Snapshots(ctx context.Context) ([]NodeSnapshot, error)
	// Watch streams snapshots published after the call until ctx ends.
	Watch(ctx context.Context) (<-chan NodeSnapshot, error)
	Close() error
}

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("metadata store closed")

// InMemoryStore is a Store shared by brokers in the same process. Useful for
// single-node deployments and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	nodes    map[int32]NodeSnapshot
	watchers map[chan NodeSnapshot]struct{}
	closed   bool
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		nodes:    make(map[int32]NodeSnapshot),
		watchers: make(map[chan NodeSnapshot]struct{}),
	}
}

// Publish implements Store.
func (s *InMemoryStore) Publish(ctx context.Context, snap NodeSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	snap = cloneSnapshot(snap)
	s.nodes[snap.NodeID] = snap
	for ch := range s.watchers {
		select {
		case ch <- cloneSnapshot(snap):
		default:
			// slow watchers pick the state up from Snapshots
		}
	}
	return nil
}

// Snapshots implements Store.
func (s *InMemoryStore) Snapshots(ctx context.Context) ([]NodeSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]NodeSnapshot, 0, len(s.nodes))
	for _, snap := range s.nodes {
		out = append(out, cloneSnapshot(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// Watch implements Store.
func (s *InMemoryStore) Watch(ctx context.Context) (<-chan NodeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ch := make(chan NodeSnapshot, 64)
	s.watchers[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
	return nil
}

func cloneSnapshot(src NodeSnapshot) NodeSnapshot {
	out := src
	if len(src.Leaders) > 0 {
		out.Leaders = append([]LeaderEntry(nil), src.Leaders...)
	}
	return out
}
