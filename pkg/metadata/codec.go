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
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const nodeSnapshotPrefix = "/kafshard/nodes"

// NodeSnapshotKey returns the etcd key holding a node's leadership snapshot.
func NodeSnapshotKey(nodeID int32) string {
	return fmt.Sprintf("%s/%d/leadership", nodeSnapshotPrefix, nodeID)
}

// NodeSnapshotPrefix returns the etcd prefix of every node snapshot.
func NodeSnapshotPrefix() string {
	return nodeSnapshotPrefix + "/"
}

// ParseNodeSnapshotKey extracts the node id from a snapshot key.
func ParseNodeSnapshotKey(key string) (int32, bool) {
	trimmed := strings.TrimPrefix(key, NodeSnapshotPrefix())
	if trimmed == key || !strings.HasSuffix(trimmed, "/leadership") {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(trimmed, "/leadership"), 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(id), true
}

// EncodeNodeSnapshot serializes snap as a protobuf Struct.
func EncodeNodeSnapshot(snap NodeSnapshot) ([]byte, error) {
	leaders := make([]interface{}, 0, len(snap.Leaders))
	for _, l := range snap.Leaders {
		leaders = append(leaders, map[string]interface{}{
			"topic":     l.Topic,
			"partition": l.Partition,
			"leader":    l.Leader,
		})
	}
	msg, err := structpb.NewStruct(map[string]interface{}{
		"node_id":    snap.NodeID,
		"updated_at": snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"leaders":    leaders,
	})
	if err != nil {
		return nil, fmt.Errorf("build node snapshot: %w", err)
	}
	return encode(msg)
}

// DecodeNodeSnapshot parses bytes produced by EncodeNodeSnapshot.
func DecodeNodeSnapshot(data []byte) (NodeSnapshot, error) {
	msg := &structpb.Struct{}
	if err := decode(data, msg); err != nil {
		return NodeSnapshot{}, err
	}
	fields := msg.GetFields()
	snap := NodeSnapshot{NodeID: int32(fields["node_id"].GetNumberValue())}
	if ts := fields["updated_at"].GetStringValue(); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return NodeSnapshot{}, fmt.Errorf("parse updated_at: %w", err)
		}
		snap.UpdatedAt = parsed
	}
	for _, v := range fields["leaders"].GetListValue().GetValues() {
		entry := v.GetStructValue().GetFields()
		snap.Leaders = append(snap.Leaders, LeaderEntry{
			Topic:     entry["topic"].GetStringValue(),
			Partition: int32(entry["partition"].GetNumberValue()),
			Leader:    int32(entry["leader"].GetNumberValue()),
		})
	}
	return snap, nil
}

func encode(msg proto.Message) ([]byte, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return data, nil
}

func decode(data []byte, msg proto.Message) error {
	if err := proto.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return nil
}
