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

package kafka_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/novatechflow/kafshard/pkg/cluster"
	"github.com/novatechflow/kafshard/pkg/cluster/clustertest"
	"github.com/novatechflow/kafshard/pkg/kafka"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
	"github.com/novatechflow/kafshard/pkg/storage/storagetest"
)

type harness struct {
	node    *clustertest.Node
	handler *kafka.Handler
}

func newHarness(t *testing.T, quota kafka.QuotaConfig) *harness {
	t.Helper()
	node := clustertest.NewNode(t, 2)
	ctx := context.Background()

	cache := sharded.New[*cluster.MetadataCache](node.Runtime, "metadata_cache")
	require.NoError(t, cache.Start(ctx, func(_ context.Context, sh sharded.Shard) (*cluster.MetadataCache, error) {
		return cluster.NewMetadataCache(sh, node.Controller), nil
	}))
	t.Cleanup(func() { _ = cache.Stop(context.Background()) })

	quotas := sharded.New[*kafka.QuotaManager](node.Runtime, "quota_manager")
	require.NoError(t, quotas.Start(ctx, func(_ context.Context, sh sharded.Shard) (*kafka.QuotaManager, error) {
		return kafka.NewQuotaManager(sh, quota), nil
	}))
	t.Cleanup(func() { _ = quotas.Stop(context.Background()) })

	return &harness{
		node: node,
		handler: kafka.NewHandler(kafka.HandlerConfig{
			Controller: node.Controller,
			Cache:      cache,
			Partitions: node.Partitions,
			Table:      node.Table,
			Quotas:     quotas,
			Logger:     node.Logger,
		}),
	}
}

func (h *harness) handle(t *testing.T, req kmsg.Request) kmsg.Response {
	t.Helper()
	header := &kafka.RequestHeader{APIKey: req.Key(), APIVersion: req.GetVersion(), CorrelationID: 1, ClientID: kmsg.StringPtr("tester")}
	resp, err := h.handler.Handle(context.Background(), 0, header, req)
	require.NoError(t, err)
	return resp
}

func produceRequest(topic string, partition int32, records []byte) *kmsg.ProduceRequest {
	req := kmsg.NewPtrProduceRequest()
	req.SetVersion(9)
	req.Acks = -1
	req.TimeoutMillis = 5000
	rt := kmsg.NewProduceRequestTopic()
	rt.Topic = topic
	rp := kmsg.NewProduceRequestTopicPartition()
	rp.Partition = partition
	rp.Records = records
	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)
	return req
}

func fetchRequest(topic string, partition int32, offset int64, maxWait int32) *kmsg.FetchRequest {
	req := kmsg.NewPtrFetchRequest()
	req.SetVersion(11)
	req.MaxWaitMillis = maxWait
	req.MinBytes = 1
	req.MaxBytes = 1 << 20
	rt := kmsg.NewFetchRequestTopic()
	rt.Topic = topic
	rp := kmsg.NewFetchRequestTopicPartition()
	rp.Partition = partition
	rp.FetchOffset = offset
	rp.PartitionMaxBytes = 1 << 20
	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)
	return req
}

func listOffsets(topic string, timestamp int64) *kmsg.ListOffsetsRequest {
	req := kmsg.NewPtrListOffsetsRequest()
	req.SetVersion(5)
	rt := kmsg.NewListOffsetsRequestTopic()
	rt.Topic = topic
	rp := kmsg.NewListOffsetsRequestTopicPartition()
	rp.Timestamp = timestamp
	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)
	return req
}

func TestProduceFetchAndListOffsets(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})
	h.node.CreateTopic(t, "orders", 2)

	for i, want := range []int64{0, 3} {
		resp := h.handle(t, produceRequest("orders", 1, storagetest.RecordBatch(3, 0))).(*kmsg.ProduceResponse)
		part := resp.Topics[0].Partitions[0]
		require.Equal(t, int16(0), part.ErrorCode, "produce #%d", i)
		require.Equal(t, want, part.BaseOffset)
		require.Zero(t, resp.ThrottleMillis)
	}

	fetched := h.handle(t, fetchRequest("orders", 1, 0, 0)).(*kmsg.FetchResponse)
	part := fetched.Topics[0].Partitions[0]
	require.Equal(t, int16(0), part.ErrorCode)
	require.Equal(t, int64(6), part.HighWatermark)
	require.Equal(t, int64(0), part.LogStartOffset)
	require.NotEmpty(t, part.RecordBatches)

	latest := h.handle(t, listOffsets("orders", -1)).(*kmsg.ListOffsetsResponse)
	require.Equal(t, int64(0), latest.Topics[0].Partitions[0].Offset, "partition 0 is still empty")
	req := listOffsets("orders", -1)
	req.Topics[0].Partitions[0].Partition = 1
	latest = h.handle(t, req).(*kmsg.ListOffsetsResponse)
	require.Equal(t, int64(6), latest.Topics[0].Partitions[0].Offset)
	req = listOffsets("orders", -2)
	req.Topics[0].Partitions[0].Partition = 1
	earliest := h.handle(t, req).(*kmsg.ListOffsetsResponse)
	require.Equal(t, int64(0), earliest.Topics[0].Partitions[0].Offset)
}

func TestProduceErrors(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})
	h.node.CreateTopic(t, "orders", 1)

	unknown := h.handle(t, produceRequest("missing", 0, storagetest.RecordBatch(1, 0))).(*kmsg.ProduceResponse)
	require.Equal(t, kerr.UnknownTopicOrPartition.Code, unknown.Topics[0].Partitions[0].ErrorCode)

	badPartition := h.handle(t, produceRequest("orders", 9, storagetest.RecordBatch(1, 0))).(*kmsg.ProduceResponse)
	require.Equal(t, kerr.UnknownTopicOrPartition.Code, badPartition.Topics[0].Partitions[0].ErrorCode)

	batch := storagetest.RecordBatch(1, 0)
	batch[len(batch)-1] ^= 0xff
	corrupt := h.handle(t, produceRequest("orders", 0, batch)).(*kmsg.ProduceResponse)
	require.Equal(t, kerr.CorruptMessage.Code, corrupt.Topics[0].Partitions[0].ErrorCode)
	require.Equal(t, int64(-1), corrupt.Topics[0].Partitions[0].BaseOffset)
}

func TestProduceWithoutAcksSendsNoResponse(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})
	h.node.CreateTopic(t, "orders", 1)
	req := produceRequest("orders", 0, storagetest.RecordBatch(2, 0))
	req.Acks = 0
	require.Nil(t, h.handle(t, req))

	p, _ := h.node.Partition(t, model.NewKafkaNTP("orders", 0))
	require.Equal(t, int64(2), p.HighWatermark())
}

func TestProduceWithoutTimeoutUsesDefault(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})
	h.node.CreateTopic(t, "orders", 1)
	req := produceRequest("orders", 0, storagetest.RecordBatch(2, 0))
	req.TimeoutMillis = 0
	resp := h.handle(t, req).(*kmsg.ProduceResponse)
	part := resp.Topics[0].Partitions[0]
	require.Equal(t, int16(0), part.ErrorCode)
	require.Equal(t, int64(0), part.BaseOffset)

	req = produceRequest("orders", 0, storagetest.RecordBatch(1, 0))
	req.TimeoutMillis = -1
	resp = h.handle(t, req).(*kmsg.ProduceResponse)
	require.Equal(t, int16(0), resp.Topics[0].Partitions[0].ErrorCode)
	require.Equal(t, int64(2), resp.Topics[0].Partitions[0].BaseOffset)
}

func TestProduceIsProposedOnOwningShard(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})
	h.node.CreateTopic(t, "orders", 1)
	ntp := model.NewKafkaNTP("orders", 0)
	_, owner := h.node.Partition(t, ntp)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.node.Factory.OnReplicate = func([]byte) {
		close(entered)
		<-release
	}
	t.Cleanup(func() { h.node.Factory.OnReplicate = nil })

	done := make(chan *kmsg.ProduceResponse, 1)
	req := produceRequest("orders", 0, storagetest.RecordBatch(1, 0))
	go func() {
		header := &kafka.RequestHeader{APIKey: req.Key(), APIVersion: req.GetVersion(), CorrelationID: 1}
		resp, _ := h.handler.Handle(context.Background(), 0, header, req)
		produced, _ := resp.(*kmsg.ProduceResponse)
		done <- produced
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sharded.InvokeOn(ctx, h.node.Partitions, owner, func(context.Context, *cluster.PartitionManager) (struct{}, error) {
		return struct{}{}, nil
	}).Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "owning shard should be busy proposing the batch")

	close(release)
	resp := <-done
	require.NotNil(t, resp)
	require.Equal(t, int16(0), resp.Topics[0].Partitions[0].ErrorCode)
}

func TestProduceIsThrottledOverQuota(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{ProduceBytesPerSecond: 100})
	h.node.CreateTopic(t, "orders", 1)
	resp := h.handle(t, produceRequest("orders", 0, storagetest.RecordBatch(1, 0))).(*kmsg.ProduceResponse)
	require.Equal(t, int16(0), resp.Topics[0].Partitions[0].ErrorCode)
	require.Positive(t, resp.ThrottleMillis)
}

func TestFetchOutOfRangeAndLongPoll(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})
	h.node.CreateTopic(t, "orders", 1)
	h.handle(t, produceRequest("orders", 0, storagetest.RecordBatch(2, 0)))

	out := h.handle(t, fetchRequest("orders", 0, 50, 0)).(*kmsg.FetchResponse)
	require.Equal(t, kerr.OffsetOutOfRange.Code, out.Topics[0].Partitions[0].ErrorCode)

	start := time.Now()
	empty := h.handle(t, fetchRequest("orders", 0, 2, 100)).(*kmsg.FetchResponse)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	require.Empty(t, empty.Topics[0].Partitions[0].RecordBatches)
	require.Equal(t, int64(2), empty.Topics[0].Partitions[0].HighWatermark)

	done := make(chan *kmsg.FetchResponse, 1)
	go func() {
		resp, _ := h.handler.Handle(context.Background(), 1, &kafka.RequestHeader{APIKey: 1, APIVersion: 11}, fetchRequest("orders", 0, 2, 5000))
		done <- resp.(*kmsg.FetchResponse)
	}()
	time.Sleep(50 * time.Millisecond)
	h.handle(t, produceRequest("orders", 0, storagetest.RecordBatch(1, 0)))
	select {
	case resp := <-done:
		require.NotEmpty(t, resp.Topics[0].Partitions[0].RecordBatches)
	case <-time.After(3 * time.Second):
		t.Fatalf("long poll did not return after new data arrived")
	}
}

func TestMetadata(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})
	h.node.CreateTopic(t, "orders", 3)

	req := kmsg.NewPtrMetadataRequest()
	req.SetVersion(9)
	all := h.handle(t, req).(*kmsg.MetadataResponse)
	require.Len(t, all.Brokers, 1)
	require.Equal(t, int32(clustertest.NodeID), all.Brokers[0].NodeID)
	require.Equal(t, int32(clustertest.NodeID), all.ControllerID)
	require.NotNil(t, all.ClusterID)
	require.Len(t, all.Topics, 1)
	require.Len(t, all.Topics[0].Partitions, 3)
	for _, p := range all.Topics[0].Partitions {
		require.Equal(t, int32(clustertest.NodeID), p.Leader)
		require.Equal(t, []int32{int32(clustertest.NodeID)}, p.Replicas)
	}

	one := kmsg.NewMetadataRequestTopic()
	one.Topic = kmsg.StringPtr("missing")
	req.Topics = append(req.Topics, one)
	missing := h.handle(t, req).(*kmsg.MetadataResponse)
	require.Len(t, missing.Topics, 1)
	require.Equal(t, kerr.UnknownTopicOrPartition.Code, missing.Topics[0].ErrorCode)
}

func TestCreateAndDeleteTopics(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})

	create := func(name string, partitions int32, validateOnly bool) kmsg.CreateTopicsResponseTopic {
		req := kmsg.NewPtrCreateTopicsRequest()
		req.SetVersion(5)
		req.TimeoutMillis = 5000
		req.ValidateOnly = validateOnly
		topic := kmsg.NewCreateTopicsRequestTopic()
		topic.Topic = name
		topic.NumPartitions = partitions
		topic.ReplicationFactor = -1
		req.Topics = append(req.Topics, topic)
		return h.handle(t, req).(*kmsg.CreateTopicsResponse).Topics[0]
	}

	require.Equal(t, int16(0), create("dry", 2, true).ErrorCode)
	_, ok := h.node.Controller.Topics().Get("dry")
	require.False(t, ok, "validate only must not create the topic")

	created := create("events", 4, false)
	require.Equal(t, int16(0), created.ErrorCode)
	require.Equal(t, int32(4), created.NumPartitions)
	require.Equal(t, int16(1), created.ReplicationFactor)
	require.Equal(t, kerr.TopicAlreadyExists.Code, create("events", 4, false).ErrorCode)
	require.Equal(t, kerr.InvalidTopicException.Code, create("bad/name", 1, false).ErrorCode)
	require.Equal(t, kerr.InvalidPartitions.Code, create("zero", 0, false).ErrorCode)

	del := kmsg.NewPtrDeleteTopicsRequest()
	del.SetVersion(4)
	del.TimeoutMillis = 5000
	del.TopicNames = []string{"events", "missing"}
	resp := h.handle(t, del).(*kmsg.DeleteTopicsResponse)
	require.Len(t, resp.Topics, 2)
	require.Equal(t, int16(0), resp.Topics[0].ErrorCode)
	require.Equal(t, kerr.UnknownTopicOrPartition.Code, resp.Topics[1].ErrorCode)
	_, ok = h.node.Controller.Topics().Get("events")
	require.False(t, ok)
}

func TestApiVersionsAdvertisesSupportedRange(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})
	req := kmsg.NewPtrApiVersionsRequest()
	req.SetVersion(3)
	resp := h.handle(t, req).(*kmsg.ApiVersionsResponse)
	require.Equal(t, int16(0), resp.ErrorCode)
	keys := map[int16]kmsg.ApiVersionsResponseApiKey{}
	for _, k := range resp.ApiKeys {
		keys[k.ApiKey] = k
	}
	require.Len(t, keys, 7)
	require.Equal(t, int16(9), keys[int16(kmsg.Produce)].MaxVersion)

	newer, err := h.handler.Handle(context.Background(), 0, &kafka.RequestHeader{APIKey: int16(kmsg.ApiVersions), APIVersion: 42}, kmsg.NewPtrApiVersionsRequest())
	require.NoError(t, err)
	require.Equal(t, kerr.UnsupportedVersion.Code, newer.(*kmsg.ApiVersionsResponse).ErrorCode)
	require.Equal(t, int16(0), newer.GetVersion())
}

func TestServerRoundTrip(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})
	h.node.CreateTopic(t, "orders", 1)
	srv := &kafka.Server{Handler: h.handler, Shards: 2, Logger: h.node.Logger}
	client, conn := net.Pipe()
	srv.ServeConn(context.Background(), conn)
	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Close()
	})

	formatter := kmsg.NewRequestFormatter(kmsg.FormatterClientID("tester"))
	versions := kmsg.NewPtrApiVersionsRequest()
	versions.SetVersion(3)
	require.NoError(t, writeAll(client, formatter.AppendRequest(nil, versions, 11)))
	frame, err := kafka.ReadFrame(client)
	require.NoError(t, err)
	reader := kbin.Reader{Src: frame.Payload}
	require.Equal(t, int32(11), reader.Int32())
	decoded := kmsg.NewPtrApiVersionsResponse()
	decoded.SetVersion(3)
	require.NoError(t, decoded.ReadFrom(reader.Src))
	require.NotEmpty(t, decoded.ApiKeys)

	produce := produceRequest("orders", 0, storagetest.RecordBatch(4, 0))
	require.NoError(t, writeAll(client, formatter.AppendRequest(nil, produce, 12)))
	frame, err = kafka.ReadFrame(client)
	require.NoError(t, err)
	reader = kbin.Reader{Src: frame.Payload}
	require.Equal(t, int32(12), reader.Int32())
	produced := kmsg.NewPtrProduceResponse()
	produced.SetVersion(9)
	// flexible response header tag section
	require.NoError(t, produced.ReadFrom(reader.Src[1:]))
	require.Equal(t, int16(0), produced.Topics[0].Partitions[0].ErrorCode)
}

func TestServeConnAfterCloseDropsConnection(t *testing.T) {
	h := newHarness(t, kafka.QuotaConfig{})
	srv := &kafka.Server{Handler: h.handler, Shards: 2, Logger: h.node.Logger}
	require.NoError(t, srv.Close())

	client, conn := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	srv.ServeConn(context.Background(), conn)

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF, "a closed server must not adopt new connections")

	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("closed server is still tracking a connection")
	}
}

func writeAll(conn net.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := conn.Write(data)
	return err
}
