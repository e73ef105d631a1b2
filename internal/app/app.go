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

// Package app wires the broker together. Services come up in stages and each
// stage records its inverse on a deferred stack, so a failed start or a
// shutdown tears everything down in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/novatechflow/kafshard/internal/metrics"
	"github.com/novatechflow/kafshard/pkg/admin"
	"github.com/novatechflow/kafshard/pkg/archival"
	"github.com/novatechflow/kafshard/pkg/cluster"
	"github.com/novatechflow/kafshard/pkg/config"
	"github.com/novatechflow/kafshard/pkg/consensus"
	"github.com/novatechflow/kafshard/pkg/kafka"
	"github.com/novatechflow/kafshard/pkg/metadata"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/rpc"
	"github.com/novatechflow/kafshard/pkg/sharded"
	"github.com/novatechflow/kafshard/pkg/storage"
)

// Scheduling group shares. Consensus and client traffic dominate, background
// work yields to them.
var schedulingGroupShares = []struct {
	name   string
	shares int
}{
	{"admin", 100},
	{"raft", 1000},
	{"kafka", 1000},
	{"cluster", 300},
	{"archival", 200},
	{"cache_background_reclaim", 200},
}

// Bounds on in-flight cross-shard submissions per service group.
var serviceGroupLimits = []struct {
	name  string
	limit int64
}{
	{"raft", 1024},
	{"kafka", 4096},
	{"cluster", 256},
}

// Application owns every service of a broker node.
type Application struct {
	cfg        config.Config
	logger     *slog.Logger
	raftLogger hclog.Logger
	started    time.Time
	deferred   *sharded.DeferredStack
	registry   *prometheus.Registry

	runtime       *sharded.Runtime
	sched         map[string]sharded.SchedulingGroup
	serviceGroups map[string]*sharded.ServiceGroup

	table         *cluster.ShardTable
	storage       *sharded.Sharded[*storage.API]
	groups        *sharded.Sharded[*consensus.GroupManager]
	partitions    *sharded.Sharded[*cluster.PartitionManager]
	controller    *cluster.Controller
	cache         *sharded.Sharded[*cluster.MetadataCache]
	metaStore     metadata.Store
	dissemination *sharded.Sharded[*cluster.Dissemination]
	quotas        *sharded.Sharded[*kafka.QuotaManager]
	archival      *sharded.Sharded[*archival.Scheduler]

	rpc   *rpc.Server
	kafka *kafka.Server
	admin *admin.Server

	// beforeStage, when set, runs ahead of every wire-up and start stage.
	beforeStage func(name string) error
}

// New returns an application for cfg. Nothing runs until WireUp.
func New(cfg config.Config, logger *slog.Logger) *Application {
	if logger == nil {
		logger = slog.Default()
	}
	return &Application{
		cfg:        cfg,
		logger:     logger,
		raftLogger: newRaftLogger(cfg.Level()),
		started:    time.Now(),
		deferred:   sharded.NewDeferredStack(logger.With("component", "teardown")),
		registry:   prometheus.NewRegistry(),
	}
}

func newRaftLogger(level slog.Level) hclog.Logger {
	l := hclog.Info
	switch {
	case level <= slog.LevelDebug:
		l = hclog.Debug
	case level >= slog.LevelError:
		l = hclog.Error
	case level >= slog.LevelWarn:
		l = hclog.Warn
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "raft",
		Level:      l,
		JSONFormat: true,
		Output:     os.Stdout,
	})
}

// Run wires and starts the node, blocks until ctx ends and shuts down.
func (a *Application) Run(ctx context.Context) error {
	if err := a.WireUp(ctx); err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.logger.Info("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown runs every deferred action in reverse order. It is safe to call
// more than once.
func (a *Application) Shutdown(ctx context.Context) error {
	if a.admin != nil {
		a.admin.SetReady(false)
	}
	return a.deferred.Unwind(ctx)
}

func (a *Application) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if a.beforeStage != nil {
		if err := a.beforeStage(name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	start := time.Now()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	a.logger.Debug("stage complete", "stage", name, "elapsed", time.Since(start))
	return nil
}

func (a *Application) runStages(ctx context.Context, phase string, stages []namedStage) error {
	for _, s := range stages {
		if err := a.stage(ctx, s.name, s.fn); err != nil {
			a.logger.Error(phase+" failed", "error", err)
			if uerr := a.deferred.Unwind(context.Background()); uerr != nil {
				a.logger.Error("teardown after failed "+phase, "error", uerr)
			}
			return err
		}
	}
	return nil
}

type namedStage struct {
	name string
	fn   func(context.Context) error
}

// WireUp constructs every service without opening listeners. On failure
// whatever was built is torn down before the error is returned.
func (a *Application) WireUp(ctx context.Context) error {
	a.logger.Info("starting kafshard", "config", a.cfg)
	return a.runStages(ctx, "wire up", []namedStage{
		{"environment", a.wireEnvironment},
		{"scheduling_groups", a.wireSchedulingGroups},
		{"storage", a.wireStorage},
		{"group_manager", a.wireGroupManager},
		{"partition_manager", a.wirePartitionManager},
		{"controller", a.wireController},
		{"metadata", a.wireMetadata},
		{"servers", a.wireServers},
		{"quota", a.wireQuota},
		{"archival", a.wireArchival},
		{"metrics", a.wireMetrics},
	})
}

// Start brings the wired services online and opens the listeners.
func (a *Application) Start(ctx context.Context) error {
	err := a.runStages(ctx, "start", []namedStage{
		{"controller", a.startController},
		{"housekeeping", a.startHousekeeping},
		{"dissemination", a.startDissemination},
		{"rpc", a.startRPC},
		{"archival", a.startArchival},
		{"kafka", a.startKafka},
		{"admin", a.startAdmin},
	})
	if err != nil {
		return err
	}
	if a.rpc != nil {
		a.rpc.SetServing(rpc.ServiceBroker, true)
	}
	if a.admin != nil {
		a.admin.SetReady(true)
	}
	a.logger.Info("kafshard started", "elapsed", time.Since(a.started))
	return nil
}

func (a *Application) wireEnvironment(context.Context) error {
	if err := checkEnvironment(a.cfg, a.logger); err != nil {
		return err
	}
	if path := a.cfg.PidfilePath; path != "" {
		if err := writePidfile(path); err != nil {
			return err
		}
		a.deferred.Push("pidfile", func(context.Context) error {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		})
	}
	return nil
}

func (a *Application) wireSchedulingGroups(context.Context) error {
	a.runtime = sharded.NewRuntime(sharded.Config{Shards: a.cfg.Shards, Logger: a.logger})
	a.runtime.Start()
	a.deferred.Push("runtime", func(context.Context) error {
		a.runtime.Stop()
		return nil
	})

	a.sched = make(map[string]sharded.SchedulingGroup, len(schedulingGroupShares))
	a.serviceGroups = make(map[string]*sharded.ServiceGroup, len(serviceGroupLimits))
	a.deferred.Push("scheduling_groups", func(ctx context.Context) error {
		var errs []error
		for _, sg := range a.serviceGroups {
			errs = append(errs, sg.Drain(ctx))
		}
		for _, g := range a.sched {
			errs = append(errs, a.runtime.DestroySchedulingGroup(g))
		}
		return errors.Join(errs...)
	})
	for _, g := range schedulingGroupShares {
		group, err := a.runtime.CreateSchedulingGroup(g.name, g.shares)
		if err != nil {
			return err
		}
		a.sched[g.name] = group
	}
	for _, g := range serviceGroupLimits {
		sg, err := sharded.NewServiceGroup(g.name, g.limit)
		if err != nil {
			return err
		}
		a.serviceGroups[g.name] = sg
	}
	return nil
}

func (a *Application) wireStorage(ctx context.Context) error {
	store, err := storage.NewFileStore(a.cfg.DataDirectory)
	if err != nil {
		return err
	}
	cfg := storage.APIConfig{
		DataDir: a.cfg.DataDirectory,
		Store:   store,
		Log: storage.LogConfig{
			Buffer: storage.WriteBufferConfig{
				MaxBytes:      a.cfg.Storage.BufferMaxBytes,
				MaxMessages:   a.cfg.Storage.BufferMaxMessages,
				MaxBatches:    a.cfg.Storage.BufferMaxBatches,
				FlushInterval: a.cfg.Storage.FlushInterval,
			},
			TopicBuffers: topicBuffers(a.cfg.Storage.TopicBuffers),
			Segment:      storage.SegmentWriterConfig{IndexIntervalMessages: a.cfg.Storage.IndexIntervalMessages},
			CacheEnabled: a.cfg.Storage.CacheBytes > 0,
		},
		CacheBytes: a.cfg.Storage.CacheBytes,
	}
	a.storage = sharded.New[*storage.API](a.runtime, "storage")
	if err := a.storage.Start(ctx, func(_ context.Context, sh sharded.Shard) (*storage.API, error) {
		return storage.NewAPI(sh, cfg, a.logger.With("component", "storage"))
	}); err != nil {
		return err
	}
	a.deferred.Push("storage", a.storage.Stop)
	return nil
}

func topicBuffers(in map[string]config.TopicBuffer) map[string]storage.WriteBufferConfig {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]storage.WriteBufferConfig, len(in))
	for topic, b := range in {
		out[topic] = storage.WriteBufferConfig{
			MaxBytes:      b.MaxBytes,
			MaxMessages:   b.MaxMessages,
			MaxBatches:    b.MaxBatches,
			FlushInterval: b.FlushInterval,
		}
	}
	return out
}

func (a *Application) wireGroupManager(ctx context.Context) error {
	factory := consensus.NewRaftFactory(consensus.RaftConfig{
		NodeID: model.NodeID(a.cfg.NodeID),
		Logger: a.raftLogger.Named("partition"),
	})
	a.table = cluster.NewShardTable()
	a.groups = sharded.New[*consensus.GroupManager](a.runtime, "group_manager",
		sharded.WithSchedulingGroup(a.sched["raft"]), sharded.WithServiceGroup(a.serviceGroups["raft"]))
	if err := a.groups.Start(ctx, func(_ context.Context, sh sharded.Shard) (*consensus.GroupManager, error) {
		return consensus.NewGroupManager(sh, factory, a.logger.With("component", "group_manager")), nil
	}); err != nil {
		return err
	}
	a.deferred.Push("group_manager", a.groups.Stop)
	return nil
}

func (a *Application) wirePartitionManager(ctx context.Context) error {
	a.partitions = sharded.New[*cluster.PartitionManager](a.runtime, "partition_manager",
		sharded.WithSchedulingGroup(a.sched["raft"]), sharded.WithServiceGroup(a.serviceGroups["raft"]))
	if err := a.partitions.Start(ctx, func(_ context.Context, sh sharded.Shard) (*cluster.PartitionManager, error) {
		return cluster.NewPartitionManager(sh, a.storage.Local(sh), a.groups.Local(sh), a.table, a.logger.With("component", "partition_manager")), nil
	}); err != nil {
		return err
	}
	a.deferred.Push("partition_manager", a.partitions.Stop)
	return nil
}

func (a *Application) wireController(context.Context) error {
	a.controller = cluster.NewController(cluster.ControllerConfig{
		NodeID:            model.NodeID(a.cfg.NodeID),
		DataDir:           a.cfg.DataDirectory,
		RaftAddr:          a.cfg.Controller.RaftAddr,
		HeartbeatTimeout:  a.cfg.Controller.HeartbeatTimeout,
		ElectionTimeout:   a.cfg.Controller.ElectionTimeout,
		DefaultPartitions: a.cfg.Controller.DefaultPartitions,
		DefaultRF:         a.cfg.Controller.DefaultReplicationFactor,
		Broker: cluster.Broker{
			ID:        model.NodeID(a.cfg.NodeID),
			Shards:    a.runtime.Shards(),
			KafkaHost: a.cfg.KafkaAPI.AdvertisedHost,
			KafkaPort: a.cfg.KafkaAPI.AdvertisedPort,
			RPCAddr:   a.cfg.RPCServer.Address,
		},
		Membership: cluster.MembershipConfig{
			Enabled:  a.cfg.Membership.Enabled,
			BindAddr: a.cfg.Membership.BindAddr,
			Join:     a.cfg.Membership.Join,
		},
		Logger:     a.logger.With("component", "controller"),
		RaftLogger: a.raftLogger,
	}, a.table, a.partitions)
	if err := a.controller.WireUp(); err != nil {
		return err
	}
	a.deferred.Push("controller", a.controller.Stop)
	return nil
}

func (a *Application) wireMetadata(ctx context.Context) error {
	a.cache = sharded.New[*cluster.MetadataCache](a.runtime, "metadata_cache",
		sharded.WithSchedulingGroup(a.sched["cluster"]), sharded.WithServiceGroup(a.serviceGroups["cluster"]))
	if err := a.cache.Start(ctx, func(_ context.Context, sh sharded.Shard) (*cluster.MetadataCache, error) {
		return cluster.NewMetadataCache(sh, a.controller), nil
	}); err != nil {
		return err
	}
	a.deferred.Push("metadata_cache", a.cache.Stop)

	if endpoints := a.cfg.Dissemination.EtcdEndpoints; len(endpoints) > 0 {
		store, err := metadata.NewEtcdStore(metadata.EtcdStoreConfig{
			Endpoints: endpoints,
			Username:  a.cfg.Dissemination.EtcdUsername,
			Password:  a.cfg.Dissemination.EtcdPassword,
			Logger:    a.logger.With("component", "etcd"),
		})
		if err != nil {
			return err
		}
		a.metaStore = store
	} else {
		a.metaStore = metadata.NewInMemoryStore()
	}
	a.deferred.Push("metadata_store", func(context.Context) error { return a.metaStore.Close() })

	a.dissemination = sharded.New[*cluster.Dissemination](a.runtime, "metadata_dissemination",
		sharded.WithSchedulingGroup(a.sched["cluster"]), sharded.WithServiceGroup(a.serviceGroups["cluster"]))
	if err := a.dissemination.Start(ctx, func(_ context.Context, sh sharded.Shard) (*cluster.Dissemination, error) {
		return cluster.NewDissemination(sh, a.partitions.Local(sh), a.controller, a.metaStore,
			a.cfg.Dissemination.Interval, a.logger.With("component", "dissemination")), nil
	}); err != nil {
		return err
	}
	a.deferred.Push("metadata_dissemination", a.dissemination.Stop)
	return nil
}

func (a *Application) wireServers(context.Context) error {
	a.rpc = rpc.NewServer(a.cfg.RPCServer.Address, a.logger)
	a.kafka = &kafka.Server{
		Addr:   a.cfg.KafkaAPI.Address,
		Shards: a.runtime.Shards(),
		Logger: a.logger.With("component", "kafka"),
	}
	if a.cfg.EnableAdminAPI {
		a.admin = admin.NewServer(admin.Config{
			Addr:       a.cfg.AdminAPI.Address,
			Table:      a.table,
			Partitions: a.partitions,
			Topics:     a.controller.TopicsFrontend(),
			Security:   a.controller.SecurityFrontend(),
			Gatherer:   a.registry,
			Logger:     a.logger.With("component", "admin"),
		})
	}
	return nil
}

func (a *Application) wireQuota(ctx context.Context) error {
	if a.cfg.Quota.ProduceBytesPerSecond > 0 {
		qcfg := kafka.QuotaConfig{ProduceBytesPerSecond: a.cfg.Quota.ProduceBytesPerSecond, Burst: a.cfg.Quota.Burst}
		a.quotas = sharded.New[*kafka.QuotaManager](a.runtime, "quota_manager", sharded.WithSchedulingGroup(a.sched["kafka"]))
		if err := a.quotas.Start(ctx, func(_ context.Context, sh sharded.Shard) (*kafka.QuotaManager, error) {
			return kafka.NewQuotaManager(sh, qcfg), nil
		}); err != nil {
			return err
		}
		a.deferred.Push("quota_manager", a.quotas.Stop)
	}
	a.kafka.Handler = kafka.NewHandler(kafka.HandlerConfig{
		Controller: a.controller,
		Cache:      a.cache,
		Partitions: a.partitions,
		Table:      a.table,
		Quotas:     a.quotas,
		Logger:     a.logger.With("component", "kafka"),
	})
	return nil
}

func (a *Application) wireArchival(ctx context.Context) error {
	cs := a.cfg.CloudStorage
	if !cs.Enabled {
		return nil
	}
	codec, err := archival.CodecByName(cs.Codec)
	if err != nil {
		return err
	}
	remote, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:          cs.Bucket,
		Region:          cs.Region,
		Endpoint:        cs.Endpoint,
		ForcePathStyle:  cs.ForcePathStyle,
		AccessKeyID:     cs.AccessKeyID,
		SecretAccessKey: cs.SecretAccessKey,
		KMSKeyARN:       cs.KMSKeyARN,
	})
	if err != nil {
		return err
	}
	acfg := archival.Config{
		Remote:        remote,
		Codec:         codec,
		Prefix:        cs.Prefix,
		Interval:      cs.Interval,
		UploadTimeout: cs.UploadTimeout,
		Health:        archival.NewHealthMonitor(archival.HealthConfig{}),
		Logger:        a.logger.With("component", "archival"),
	}
	a.archival = sharded.New[*archival.Scheduler](a.runtime, "archival", sharded.WithSchedulingGroup(a.sched["archival"]))
	if err := a.archival.Start(ctx, func(_ context.Context, sh sharded.Shard) (*archival.Scheduler, error) {
		return archival.NewScheduler(sh, a.storage.Local(sh), a.partitions.Local(sh), acfg), nil
	}); err != nil {
		return err
	}
	a.deferred.Push("archival", a.archival.Stop)
	return nil
}

func (a *Application) wireMetrics(context.Context) error {
	if err := metrics.Register(a.registry, a.started); err != nil {
		return err
	}
	return a.registry.Register(sharded.NewCollector(a.runtime))
}

func (a *Application) startController(ctx context.Context) error {
	if err := a.controller.Start(ctx); err != nil {
		return err
	}
	a.deferred.Push("controller_input", func(context.Context) error {
		a.controller.ShutdownInput()
		return nil
	})
	return nil
}

// startHousekeeping flushes due write buffers and trims segment caches on
// every shard at the storage flush interval.
func (a *Application) startHousekeeping(context.Context) error {
	interval := a.cfg.Storage.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				err := a.storage.InvokeOnAll(ctx, func(ctx context.Context, api *storage.API) error {
					return api.Log().Housekeeping(ctx, now)
				}, sharded.WithSchedulingGroup(a.sched["cache_background_reclaim"]))
				if err != nil && ctx.Err() == nil {
					a.logger.Warn("storage housekeeping failed", "error", err)
				}
			}
		}
	}()
	a.deferred.Push("housekeeping", func(context.Context) error {
		cancel()
		wg.Wait()
		return nil
	})
	return nil
}

func (a *Application) startDissemination(ctx context.Context) error {
	return cluster.StartDissemination(ctx, a.dissemination)
}

func (a *Application) startRPC(context.Context) error {
	if err := a.rpc.Listen(); err != nil {
		return err
	}
	if err := a.rpc.Start(); err != nil {
		return err
	}
	a.deferred.Push("rpc_server", a.rpc.Stop)
	a.rpc.SetServing(rpc.ServiceController, true)
	return nil
}

func (a *Application) startArchival(ctx context.Context) error {
	if a.archival == nil {
		return nil
	}
	return archival.Start(ctx, a.archival)
}

func (a *Application) startKafka(context.Context) error {
	if err := a.kafka.Listen(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.kafka.Serve(ctx); err != nil {
			a.logger.Error("kafka server stopped", "error", err)
		}
	}()
	a.deferred.Push("kafka_server", func(context.Context) error {
		cancel()
		err := a.kafka.Close()
		<-done
		a.kafka.Wait()
		return err
	})
	a.rpc.SetServing(rpc.ServiceKafka, true)
	return nil
}

func (a *Application) startAdmin(context.Context) error {
	if a.admin == nil {
		return nil
	}
	if err := a.admin.Listen(); err != nil {
		return err
	}
	if err := a.admin.Start(); err != nil {
		return err
	}
	a.deferred.Push("admin_server", a.admin.Stop)
	return nil
}

// KafkaAddr returns the bound Kafka listener address.
func (a *Application) KafkaAddr() string { return a.kafka.ListenAddress() }

// AdminAddr returns the bound admin address, or "" when the admin API is off.
func (a *Application) AdminAddr() string {
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
}

// RPCAddr returns the bound internal RPC address.
func (a *Application) RPCAddr() string { return a.rpc.Addr() }
