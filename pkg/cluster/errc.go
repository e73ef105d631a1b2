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
	"errors"
	"fmt"

	"github.com/hashicorp/raft"
)

// Errc is a cluster-layer error code returned by the controller and its
// frontends. Codes compare with errors.Is.
type Errc int

const (
	ErrcSuccess Errc = iota
	ErrcNotLeader
	ErrcTimeout
	ErrcShuttingDown
	ErrcTopicAlreadyExists
	ErrcTopicNotExists
	ErrcPartitionNotExists
	ErrcInvalidTopicName
	ErrcInvalidPartitions
	ErrcInvalidReplicationFactor
	ErrcNoEligibleAllocationNodes
	ErrcInvalidReplicaSet
	ErrcUserExists
	ErrcUserDoesNotExist
	ErrcInvalidCommand
	ErrcReplicationError
)

var errcMessages = map[Errc]string{
	ErrcSuccess:                   "success",
	ErrcNotLeader:                 "not leader",
	ErrcTimeout:                   "timeout",
	ErrcShuttingDown:              "shutting down",
	ErrcTopicAlreadyExists:        "topic already exists",
	ErrcTopicNotExists:            "topic does not exist",
	ErrcPartitionNotExists:        "partition does not exist",
	ErrcInvalidTopicName:          "invalid topic name",
	ErrcInvalidPartitions:         "invalid number of partitions",
	ErrcInvalidReplicationFactor:  "invalid replication factor",
	ErrcNoEligibleAllocationNodes: "no eligible allocation nodes",
	ErrcInvalidReplicaSet:         "invalid replica set",
	ErrcUserExists:                "user already exists",
	ErrcUserDoesNotExist:          "user does not exist",
	ErrcInvalidCommand:            "invalid controller command",
	ErrcReplicationError:          "controller replication error",
}

func (e Errc) Error() string {
	if msg, ok := errcMessages[e]; ok {
		return msg
	}
	return fmt.Sprintf("cluster error %d", int(e))
}

func fromRaft(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost):
		return ErrcNotLeader
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return ErrcTimeout
	case errors.Is(err, raft.ErrRaftShutdown):
		return ErrcShuttingDown
	}
	return fmt.Errorf("%w: %v", ErrcReplicationError, err)
}
