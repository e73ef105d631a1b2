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
	"log/slog"
	"path/filepath"

	"github.com/novatechflow/kafshard/pkg/sharded"
)

// APIConfig configures the per-shard storage service.
type APIConfig struct {
	DataDir    string
	Store      ObjectStore
	Log        LogConfig
	CacheBytes int
}

// API is the storage service of one shard: the partition logs it owns plus a
// durable key-value store for subsystem bookkeeping.
type API struct {
	shard  sharded.ShardID
	store  ObjectStore
	logs   *LogManager
	kvs    *KVStore
	logger *slog.Logger
}

// NewAPI opens the shard's key-value store under data_dir/kvstore.
func NewAPI(shard sharded.Shard, cfg APIConfig, logger *slog.Logger) (*API, error) {
	if cfg.Store == nil {
		return nil, errors.New("storage: object store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("shard", shard.ID())
	kvs, err := OpenKVStore(filepath.Join(cfg.DataDir, "kvstore", fmt.Sprintf("shard-%d.db", shard.ID())))
	if err != nil {
		return nil, err
	}
	return &API{
		shard:  shard.ID(),
		store:  cfg.Store,
		logs:   NewLogManager(cfg.Store, cfg.Log, cfg.CacheBytes, logger),
		kvs:    kvs,
		logger: logger,
	}, nil
}

// Shard returns the owning shard.
func (a *API) Shard() sharded.ShardID { return a.shard }

// Log returns the shard's log manager.
func (a *API) Log() *LogManager { return a.logs }

// KVS returns the shard's key-value store.
func (a *API) KVS() *KVStore { return a.kvs }

// Store returns the object store segments are written to.
func (a *API) Store() ObjectStore { return a.store }

// Stop flushes buffered batches and closes the key-value store.
func (a *API) Stop(ctx context.Context) error {
	flushErr := a.logs.FlushAll(ctx)
	if flushErr != nil {
		a.logger.Warn("flush on stop failed", "error", flushErr)
	}
	return errors.Join(flushErr, a.kvs.Close())
}
