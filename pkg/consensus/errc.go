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

package consensus

import (
	"errors"
	"fmt"

	"github.com/hashicorp/raft"
)

// Errc is a consensus-layer error code. Codes cross shard boundaries as plain
// values and compare with errors.Is.
type Errc int

const (
	ErrcSuccess Errc = iota
	ErrcNotLeader
	ErrcTimeout
	ErrcShuttingDown
	ErrcGroupNotExists
	ErrcGroupExists
	ErrcNodeDoesNotExist
	ErrcTransferToCurrentLeader
	ErrcTransferFailed
	ErrcReplicationError
)

var errcMessages = map[Errc]string{
	ErrcSuccess:                 "success",
	ErrcNotLeader:               "not leader",
	ErrcTimeout:                 "timed out",
	ErrcShuttingDown:            "shutting down",
	ErrcGroupNotExists:          "raft group does not exist",
	ErrcGroupExists:             "raft group already exists",
	ErrcNodeDoesNotExist:        "node does not exist in the group",
	ErrcTransferToCurrentLeader: "target node is already the leader",
	ErrcTransferFailed:          "leadership transfer failed",
	ErrcReplicationError:        "replication error",
}

func (e Errc) Error() string {
	if msg, ok := errcMessages[e]; ok {
		return msg
	}
	return fmt.Sprintf("consensus error %d", int(e))
}

// FromRaft maps a hashicorp/raft error onto an Errc, keeping the original text.
func FromRaft(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return fmt.Errorf("%w: %v", ErrcNotLeader, err)
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return fmt.Errorf("%w: %v", ErrcTimeout, err)
	case errors.Is(err, raft.ErrRaftShutdown):
		return fmt.Errorf("%w: %v", ErrcShuttingDown, err)
	}
	var e Errc
	if errors.As(err, &e) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrcReplicationError, err)
}
