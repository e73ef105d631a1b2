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
	"context"

	"github.com/hashicorp/raft"

	"github.com/novatechflow/kafshard/pkg/model"
)

// Consensus is a handle on one replicated log group. Operations that change
// the group are started on the owning shard and return a Future; only the
// wait happens elsewhere.
type Consensus interface {
	Group() model.GroupID
	NTP() model.NTP
	IsLeader() bool
	// LeaderID returns the current leader, if one is known.
	LeaderID() (model.NodeID, bool)
	// Replicate proposes data to the group. The Future yields the state
	// machine's response. ctx only bounds how long the entry may wait to commit.
	Replicate(ctx context.Context, data []byte) *Future
	// TransferLeadership hands leadership to target, or to any eligible
	// follower when target is nil.
	TransferLeadership(ctx context.Context, target *model.NodeID) *Future
	Stop() error
}

// Factory builds consensus groups applying committed entries to fsm.
type Factory interface {
	Create(group model.GroupID, ntp model.NTP, fsm raft.FSM) (Consensus, error)
}
