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

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/novatechflow/kafshard/internal/metrics"
	"github.com/novatechflow/kafshard/pkg/cluster"
	"github.com/novatechflow/kafshard/pkg/consensus"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
	"github.com/novatechflow/kafshard/pkg/storage"
)

const (
	fetchPollInterval = 10 * time.Millisecond
	// defaultProduceTimeout applies when a produce request carries no timeout.
	defaultProduceTimeout = 30 * time.Second
)

// HandlerConfig wires the handler to the broker's services.
type HandlerConfig struct {
	Controller *cluster.Controller
	Cache      *sharded.Sharded[*cluster.MetadataCache]
	Partitions *sharded.Sharded[*cluster.PartitionManager]
	Table      *cluster.ShardTable
	// Quotas is optional; without it produce is never throttled.
	Quotas *sharded.Sharded[*QuotaManager]
	Logger *slog.Logger
}

// Handler serves Kafka API requests. Each connection is pinned to a shard;
// partition work is routed through the shard table to the owning shard.
type Handler struct {
	cfg    HandlerConfig
	logger *slog.Logger
}

// NewHandler returns a handler over cfg.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, logger: logger.With("component", "kafka")}
}

// Handle answers one request arriving on a connection owned by shard. A nil
// response means nothing is sent back.
func (h *Handler) Handle(ctx context.Context, shard sharded.ShardID, header *RequestHeader, req kmsg.Request) (kmsg.Response, error) {
	switch r := req.(type) {
	case *kmsg.ApiVersionsRequest:
		return h.handleAPIVersions(header), nil
	case *kmsg.MetadataRequest:
		return h.handleMetadata(ctx, shard, r)
	case *kmsg.ProduceRequest:
		return h.handleProduce(ctx, shard, header, r)
	case *kmsg.FetchRequest:
		return h.handleFetch(ctx, r)
	case *kmsg.ListOffsetsRequest:
		return h.handleListOffsets(ctx, r)
	case *kmsg.CreateTopicsRequest:
		return h.handleCreateTopics(ctx, r)
	case *kmsg.DeleteTopicsRequest:
		return h.handleDeleteTopics(ctx, r)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedAPI, header.APIKey)
}

func (h *Handler) handleAPIVersions(header *RequestHeader) kmsg.Response {
	resp := kmsg.NewPtrApiVersionsResponse()
	versions := supportedAPIs[kmsg.ApiVersions]
	if header.APIVersion < versions.min || header.APIVersion > versions.max {
		resp.SetVersion(0)
		resp.ErrorCode = kerr.UnsupportedVersion.Code
	} else {
		resp.SetVersion(header.APIVersion)
	}
	keys := make([]int, 0, len(supportedAPIs))
	for k := range supportedAPIs {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	for _, k := range keys {
		v := supportedAPIs[kmsg.Key(k)]
		key := kmsg.NewApiVersionsResponseApiKey()
		key.ApiKey = int16(k)
		key.MinVersion = v.min
		key.MaxVersion = v.max
		resp.ApiKeys = append(resp.ApiKeys, key)
	}
	return resp
}

func (h *Handler) handleMetadata(ctx context.Context, shard sharded.ShardID, req *kmsg.MetadataRequest) (kmsg.Response, error) {
	return sharded.InvokeOn(ctx, h.cfg.Cache, shard, func(_ context.Context, cache *cluster.MetadataCache) (kmsg.Response, error) {
		resp := kmsg.NewPtrMetadataResponse()
		resp.SetVersion(req.GetVersion())
		for _, b := range cache.Brokers() {
			broker := kmsg.NewMetadataResponseBroker()
			broker.NodeID = int32(b.ID)
			broker.Host = b.KafkaHost
			broker.Port = b.KafkaPort
			if b.Rack != "" {
				broker.Rack = kmsg.StringPtr(b.Rack)
			}
			resp.Brokers = append(resp.Brokers, broker)
		}
		if id := cache.ClusterID(); id != "" {
			resp.ClusterID = kmsg.StringPtr(id)
		}
		resp.ControllerID = -1
		if id, ok := cache.ControllerID(); ok {
			resp.ControllerID = int32(id)
		}

		var topics []cluster.TopicMetadata
		var missing []string
		if req.Topics == nil {
			topics = cache.Topics()
		} else {
			for _, t := range req.Topics {
				if t.Topic == nil {
					continue
				}
				if meta, ok := cache.Topic(*t.Topic); ok {
					topics = append(topics, meta)
				} else {
					missing = append(missing, *t.Topic)
				}
			}
		}
		for _, meta := range topics {
			topic := kmsg.NewMetadataResponseTopic()
			topic.Topic = kmsg.StringPtr(meta.Name)
			for _, p := range meta.Partitions {
				part := kmsg.NewMetadataResponseTopicPartition()
				part.Partition = int32(p.Partition)
				part.Leader = -1
				if leader, ok := cache.Leader(model.NewKafkaNTP(meta.Name, p.Partition)); ok {
					part.Leader = int32(leader)
				} else {
					part.ErrorCode = kerr.LeaderNotAvailable.Code
				}
				for _, r := range p.Replicas {
					part.Replicas = append(part.Replicas, int32(r.NodeID))
				}
				part.ISR = append([]int32(nil), part.Replicas...)
				topic.Partitions = append(topic.Partitions, part)
			}
			resp.Topics = append(resp.Topics, topic)
		}
		for _, name := range missing {
			topic := kmsg.NewMetadataResponseTopic()
			topic.Topic = kmsg.StringPtr(name)
			topic.ErrorCode = kerr.UnknownTopicOrPartition.Code
			resp.Topics = append(resp.Topics, topic)
		}
		return resp, nil
	}).Get(ctx)
}

// shardFor returns the local shard hosting ntp.
func (h *Handler) shardFor(ntp model.NTP) (sharded.ShardID, error) {
	shard, ok := h.cfg.Table.ShardForNTP(ntp)
	if !ok {
		if _, err := h.cfg.Controller.Topics().Assignment(ntp); err != nil {
			return 0, err
		}
		return 0, consensus.ErrcNotLeader
	}
	return shard, nil
}

// lookup resolves the local replica of ntp on its owning shard.
func (h *Handler) lookup(ctx context.Context, ntp model.NTP) (*cluster.Partition, error) {
	shard, err := h.shardFor(ntp)
	if err != nil {
		return nil, err
	}
	return sharded.InvokeOn(ctx, h.cfg.Partitions, shard, func(_ context.Context, pm *cluster.PartitionManager) (*cluster.Partition, error) {
		p, ok := pm.Get(ntp)
		if !ok {
			return nil, cluster.ErrcPartitionNotExists
		}
		return p, nil
	}).Get(ctx)
}

func (h *Handler) produce(ctx context.Context, ntp model.NTP, records []byte) (cluster.ProduceResult, error) {
	shard, err := h.shardFor(ntp)
	if err != nil {
		return cluster.ProduceResult{}, err
	}
	return cluster.Produce(ctx, h.cfg.Partitions, shard, ntp, records)
}

func (h *Handler) handleProduce(ctx context.Context, shard sharded.ShardID, header *RequestHeader, req *kmsg.ProduceRequest) (kmsg.Response, error) {
	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultProduceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp := kmsg.NewPtrProduceResponse()
	resp.SetVersion(req.GetVersion())
	var total int
	for _, t := range req.Topics {
		topic := kmsg.NewProduceResponseTopic()
		topic.Topic = t.Topic
		for _, p := range t.Partitions {
			part := kmsg.NewProduceResponseTopicPartition()
			part.Partition = p.Partition
			total += len(p.Records)
			ntp := model.NewKafkaNTP(t.Topic, model.PartitionID(p.Partition))
			res, err := h.produce(ctx, ntp, p.Records)
			if err != nil {
				part.ErrorCode = ErrorCode(err)
				part.BaseOffset = -1
				h.logger.Debug("produce failed", "ntp", ntp.String(), "error", err)
			} else {
				part.BaseOffset = res.BaseOffset
				part.LogStartOffset = res.LogStartOffset
				metrics.ProducedBytes.Add(float64(len(p.Records)))
			}
			topic.Partitions = append(topic.Partitions, part)
		}
		resp.Topics = append(resp.Topics, topic)
	}
	if h.cfg.Quotas != nil {
		throttle, err := sharded.InvokeOn(ctx, h.cfg.Quotas, shard, func(_ context.Context, q *QuotaManager) (time.Duration, error) {
			return q.RecordProduce(header.Client(), total, time.Now()), nil
		}).Get(ctx)
		if err == nil && throttle > 0 {
			resp.ThrottleMillis = int32(throttle / time.Millisecond)
			metrics.QuotaThrottled.Inc()
		}
	}
	if req.Acks == 0 {
		return nil, nil
	}
	return resp, nil
}

func (h *Handler) handleFetch(ctx context.Context, req *kmsg.FetchRequest) (kmsg.Response, error) {
	deadline := time.Now().Add(time.Duration(req.MaxWaitMillis) * time.Millisecond)
	for {
		resp, total := h.fetchOnce(ctx, req)
		remaining := time.Until(deadline)
		if total >= int(max(req.MinBytes, 1)) || remaining <= 0 {
			return resp, nil
		}
		timer := time.NewTimer(min(fetchPollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, nil
		case <-timer.C:
		}
	}
}

func (h *Handler) fetchOnce(ctx context.Context, req *kmsg.FetchRequest) (*kmsg.FetchResponse, int) {
	resp := kmsg.NewPtrFetchResponse()
	resp.SetVersion(req.GetVersion())
	budget := req.MaxBytes
	if budget <= 0 {
		budget = 1 << 30
	}
	var total int
	for _, t := range req.Topics {
		topic := kmsg.NewFetchResponseTopic()
		topic.Topic = t.Topic
		for _, p := range t.Partitions {
			part := kmsg.NewFetchResponseTopicPartition()
			part.Partition = p.Partition
			ntp := model.NewKafkaNTP(t.Topic, model.PartitionID(p.Partition))
			replica, err := h.lookup(ctx, ntp)
			if err == nil {
				part.HighWatermark = replica.HighWatermark()
				part.LastStableOffset = part.HighWatermark
				part.LogStartOffset = replica.StartOffset()
				if budget > 0 {
					maxBytes := min(p.PartitionMaxBytes, budget)
					part.RecordBatches, err = replica.Fetch(ctx, p.FetchOffset, maxBytes)
					budget -= int32(len(part.RecordBatches))
					total += len(part.RecordBatches)
				}
			}
			if err != nil {
				part.ErrorCode = ErrorCode(err)
				part.HighWatermark = -1
				part.LastStableOffset = -1
				part.LogStartOffset = -1
			}
			topic.Partitions = append(topic.Partitions, part)
		}
		resp.Topics = append(resp.Topics, topic)
	}
	return resp, total
}

func (h *Handler) handleListOffsets(ctx context.Context, req *kmsg.ListOffsetsRequest) (kmsg.Response, error) {
	resp := kmsg.NewPtrListOffsetsResponse()
	resp.SetVersion(req.GetVersion())
	for _, t := range req.Topics {
		topic := kmsg.NewListOffsetsResponseTopic()
		topic.Topic = t.Topic
		for _, p := range t.Partitions {
			part := kmsg.NewListOffsetsResponseTopicPartition()
			part.Partition = p.Partition
			part.Timestamp = -1
			replica, err := h.lookup(ctx, model.NewKafkaNTP(t.Topic, model.PartitionID(p.Partition)))
			switch {
			case err != nil:
				part.ErrorCode = ErrorCode(err)
				part.Offset = -1
			case p.Timestamp == -1:
				part.Offset = replica.HighWatermark()
			default:
				// no time index: every other query resolves to the log start
				part.Offset = replica.StartOffset()
			}
			topic.Partitions = append(topic.Partitions, part)
		}
		resp.Topics = append(resp.Topics, topic)
	}
	return resp, nil
}

func (h *Handler) handleCreateTopics(ctx context.Context, req *kmsg.CreateTopicsRequest) (kmsg.Response, error) {
	resp := kmsg.NewPtrCreateTopicsResponse()
	resp.SetVersion(req.GetVersion())
	deadline := time.Now().Add(time.Duration(req.TimeoutMillis) * time.Millisecond)
	configs := make([]cluster.TopicConfiguration, 0, len(req.Topics))
	for _, t := range req.Topics {
		configs = append(configs, cluster.TopicConfiguration{Name: t.Topic, Partitions: t.NumPartitions, ReplicationFactor: t.ReplicationFactor})
	}
	var results []cluster.TopicResult
	if req.ValidateOnly {
		for _, cfg := range configs {
			results = append(results, cluster.TopicResult{Name: cfg.Name, Err: cluster.ValidateTopicName(cfg.Name)})
		}
	} else {
		results = h.cfg.Controller.TopicsFrontend().CreateTopics(ctx, configs, deadline)
	}
	for i, res := range results {
		topic := kmsg.NewCreateTopicsResponseTopic()
		topic.Topic = res.Name
		topic.NumPartitions = configs[i].Partitions
		topic.ReplicationFactor = configs[i].ReplicationFactor
		if res.Err != nil {
			topic.ErrorCode = ErrorCode(res.Err)
			topic.ErrorMessage = kmsg.StringPtr(res.Err.Error())
		} else if meta, ok := h.cfg.Controller.Topics().Get(res.Name); ok {
			topic.NumPartitions = int32(len(meta.Partitions))
			topic.ReplicationFactor = meta.ReplicationFactor
		}
		resp.Topics = append(resp.Topics, topic)
	}
	return resp, nil
}

func (h *Handler) handleDeleteTopics(ctx context.Context, req *kmsg.DeleteTopicsRequest) (kmsg.Response, error) {
	resp := kmsg.NewPtrDeleteTopicsResponse()
	resp.SetVersion(req.GetVersion())
	deadline := time.Now().Add(time.Duration(req.TimeoutMillis) * time.Millisecond)
	for _, res := range h.cfg.Controller.TopicsFrontend().DeleteTopics(ctx, req.TopicNames, deadline) {
		topic := kmsg.NewDeleteTopicsResponseTopic()
		topic.Topic = kmsg.StringPtr(res.Name)
		topic.ErrorCode = ErrorCode(res.Err)
		resp.Topics = append(resp.Topics, topic)
	}
	return resp, nil
}

// ErrorCode maps a broker error to its Kafka error code.
func ErrorCode(err error) int16 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, consensus.ErrcNotLeader):
		return kerr.NotLeaderForPartition.Code
	case errors.Is(err, consensus.ErrcTimeout), errors.Is(err, cluster.ErrcTimeout), errors.Is(err, context.DeadlineExceeded):
		return kerr.RequestTimedOut.Code
	case errors.Is(err, storage.ErrCorruptBatch):
		return kerr.CorruptMessage.Code
	case errors.Is(err, storage.ErrOffsetOutOfRange):
		return kerr.OffsetOutOfRange.Code
	case errors.Is(err, cluster.ErrcTopicNotExists), errors.Is(err, cluster.ErrcPartitionNotExists):
		return kerr.UnknownTopicOrPartition.Code
	case errors.Is(err, cluster.ErrcTopicAlreadyExists):
		return kerr.TopicAlreadyExists.Code
	case errors.Is(err, cluster.ErrcInvalidTopicName):
		return kerr.InvalidTopicException.Code
	case errors.Is(err, cluster.ErrcInvalidPartitions):
		return kerr.InvalidPartitions.Code
	case errors.Is(err, cluster.ErrcInvalidReplicationFactor), errors.Is(err, cluster.ErrcNoEligibleAllocationNodes):
		return kerr.InvalidReplicationFactor.Code
	case errors.Is(err, cluster.ErrcNotLeader):
		return kerr.NotController.Code
	}
	return kerr.UnknownServerError.Code
}
