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

package admin

import (
	"strconv"
	"strings"

	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

// ParseTarget parses a flattened list of node,shard pairs such as "1,0,2,1".
// An empty string yields an empty set; callers decide whether that is allowed.
func ParseTarget(raw string) ([]model.BrokerShard, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts)%2 != 0 {
		return nil, badRequest("Invalid target parameter format: %s", raw)
	}
	out := make([]model.BrokerShard, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		node, nerr := strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 32)
		shard, serr := strconv.ParseInt(strings.TrimSpace(parts[i+1]), 10, 32)
		if nerr != nil || serr != nil {
			return nil, badRequest("Invalid target parameter format: %s", raw)
		}
		if node < 0 || shard < 0 {
			return nil, badRequest("Invalid target %d:%d", node, shard)
		}
		out = append(out, model.BrokerShard{NodeID: model.NodeID(node), Shard: sharded.ShardID(shard)})
	}
	return out, nil
}

func parseGroupID(raw string) (model.GroupID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, badRequest("Raft group id must be an integer: %s", raw)
	}
	if id < 0 {
		return 0, badRequest("Invalid raft group id %d", id)
	}
	return model.GroupID(id), nil
}

func parsePartitionID(raw string) (model.PartitionID, error) {
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, badRequest("Partition id must be an integer: %s", raw)
	}
	if id < 0 {
		return 0, badRequest("Invalid partition id %d", id)
	}
	return model.PartitionID(id), nil
}

// parseTargetNode reads the optional target node. Absent means any follower.
func parseTargetNode(raw string) (*model.NodeID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return nil, badRequest("Target node id must be an integer: %s", raw)
	}
	if id < 0 {
		return nil, badRequest("Invalid target node id %d", id)
	}
	node := model.NodeID(id)
	return &node, nil
}
