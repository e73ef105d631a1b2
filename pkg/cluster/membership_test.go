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

package cluster

import (
	"testing"
)

func TestBrokerTagsRoundTrip(t *testing.T) {
	in := Broker{ID: 3, Shards: 8, KafkaHost: "10.0.0.3", KafkaPort: 9092, RPCAddr: "10.0.0.3:33145", Rack: "a"}
	out, raftAddr, err := brokerFromTags(brokerTags(in, "10.0.0.3:7000"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("expected %+v got %+v", in, out)
	}
	if raftAddr != "10.0.0.3:7000" {
		t.Fatalf("unexpected raft addr %q", raftAddr)
	}
}

func TestBrokerFromTagsRejectsOtherMembers(t *testing.T) {
	if _, _, err := brokerFromTags(map[string]string{"role": "proxy"}); err == nil {
		t.Fatalf("expected non-broker member to be rejected")
	}
	if _, _, err := brokerFromTags(map[string]string{"role": "broker", "node_id": "x"}); err == nil {
		t.Fatalf("expected bad node id to be rejected")
	}
}
