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

package model

import "testing"

func TestSameReplicasIgnoresOrder(t *testing.T) {
	a := []BrokerShard{{NodeID: 2, Shard: 1}, {NodeID: 1, Shard: 0}}
	b := []BrokerShard{{NodeID: 1, Shard: 0}, {NodeID: 2, Shard: 1}}
	if !SameReplicas(a, b) {
		t.Fatalf("expected %v and %v to match", a, b)
	}
	c := []BrokerShard{{NodeID: 1, Shard: 1}, {NodeID: 2, Shard: 1}}
	if SameReplicas(a, c) {
		t.Fatalf("expected %v and %v to differ", a, c)
	}
	if a[0].NodeID != 2 {
		t.Fatalf("SortReplicas must not reorder the input")
	}
}

func TestFindReplica(t *testing.T) {
	replicas := []BrokerShard{{NodeID: 1, Shard: 3}, {NodeID: 4, Shard: 0}}
	got, ok := FindReplica(replicas, 1)
	if !ok || got.Shard != 3 {
		t.Fatalf("expected shard 3 for node 1, got %v ok=%v", got, ok)
	}
	if _, ok := FindReplica(replicas, 9); ok {
		t.Fatalf("node 9 should not be found")
	}
}

func TestNTPString(t *testing.T) {
	ntp := NewKafkaNTP("orders", 2)
	if ntp.String() != "{kafka/orders/2}" {
		t.Fatalf("unexpected ntp string %q", ntp.String())
	}
	if ntp.Path() != "kafka/orders/2" {
		t.Fatalf("unexpected ntp path %q", ntp.Path())
	}
}
