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
	"fmt"
	"log/slog"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStoreConfig defines how we connect to etcd for leadership snapshots.
type EtcdStoreConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// EtcdStore keeps one key per node under /kafshard/nodes.
type EtcdStore struct {
	client *clientv3.Client
	logger *slog.Logger
}

// NewEtcdStore connects to etcd.
func NewEtcdStore(cfg EtcdStoreConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &EtcdStore{client: cli, logger: cfg.Logger}, nil
}

// Publish implements Store.
func (s *EtcdStore) Publish(ctx context.Context, snap NodeSnapshot) error {
	payload, err := EncodeNodeSnapshot(snap)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = s.client.Put(ctx, NodeSnapshotKey(snap.NodeID), string(payload))
	return err
}

// Snapshots implements Store.
func (s *EtcdStore) Snapshots(ctx context.Context) ([]NodeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := s.client.Get(ctx, NodeSnapshotPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]NodeSnapshot, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if _, ok := ParseNodeSnapshotKey(string(kv.Key)); !ok {
			continue
		}
		snap, err := DecodeNodeSnapshot(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kv.Key, err)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// Watch implements Store.
func (s *EtcdStore) Watch(ctx context.Context) (<-chan NodeSnapshot, error) {
	out := make(chan NodeSnapshot, 64)
	watchChan := s.client.Watch(ctx, NodeSnapshotPrefix(), clientv3.WithPrefix())
	go func() {
		defer close(out)
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				s.logger.Warn("metadata watch error", "error", err)
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				snap, err := DecodeNodeSnapshot(ev.Kv.Value)
				if err != nil {
					s.logger.Warn("skip undecodable snapshot", "key", string(ev.Kv.Key), "error", err)
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close implements Store.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
