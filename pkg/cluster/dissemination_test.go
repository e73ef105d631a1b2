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

package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/novatechflow/kafshard/pkg/cluster"
	"github.com/novatechflow/kafshard/pkg/cluster/clustertest"
	"github.com/novatechflow/kafshard/pkg/metadata"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

func startDissemination(t *testing.T, n *clustertest.Node, store metadata.Store) *sharded.Sharded[*cluster.Dissemination] {
	t.Helper()
	svc := sharded.New[*cluster.Dissemination](n.Runtime, "metadata_dissemination")
	err := svc.Start(context.Background(), func(_ context.Context, sh sharded.Shard) (*cluster.Dissemination, error) {
		return cluster.NewDissemination(sh, n.Partitions.Local(sh), n.Controller, store, time.Hour, n.Logger), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc
}

func TestDisseminatePublishesLocalLeadership(t *testing.T) {
	n := clustertest.NewNode(t, 2)
	n.CreateTopic(t, "orders", 2)
	store := metadata.NewInMemoryStore()
	svc := startDissemination(t, n, store)

	require.NoError(t, cluster.Disseminate(context.Background(), svc))
	for i := 0; i < 2; i++ {
		leader, ok := n.Controller.Leaders().Get(model.NewKafkaNTP("orders", model.PartitionID(i)))
		require.True(t, ok)
		require.Equal(t, clustertest.NodeID, leader)
	}
	snaps, err := store.Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, int32(clustertest.NodeID), snaps[0].NodeID)
	require.Len(t, snaps[0].Leaders, 2)
}

func TestDisseminationAppliesRemoteSnapshots(t *testing.T) {
	n := clustertest.NewNode(t, 1)
	store := metadata.NewInMemoryStore()
	svc := startDissemination(t, n, store)
	require.NoError(t, cluster.StartDissemination(context.Background(), svc))

	remote := metadata.NodeSnapshot{NodeID: 9, Leaders: []metadata.LeaderEntry{{Topic: "elsewhere", Partition: 0, Leader: 9}}}
	ntp := model.NewKafkaNTP("elsewhere", 0)
	err := wait.PollUntilContextTimeout(context.Background(), 10*time.Millisecond, 5*time.Second, true, func(ctx context.Context) (bool, error) {
		if err := store.Publish(ctx, remote); err != nil {
			return false, err
		}
		_, ok := n.Controller.Leaders().Get(ntp)
		return ok, nil
	})
	require.NoError(t, err)
	leader, _ := n.Controller.Leaders().Get(ntp)
	require.Equal(t, model.NodeID(9), leader)
}
