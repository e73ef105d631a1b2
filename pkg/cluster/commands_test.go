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
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/security"
)

func newTestFSM() *controllerFSM {
	return &controllerFSM{topics: NewTopicTable(), members: NewMembersTable(), credentials: security.NewCredentialStore()}
}

func applyCommand(t *testing.T, fsm *controllerFSM, index uint64, ct CommandType, payload any) error {
	t.Helper()
	data, err := encodeCommand(ct, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp := fsm.Apply(&raft.Log{Index: index, Type: raft.LogCommand, Data: data})
	if resp == nil {
		return nil
	}
	err, ok := resp.(error)
	if !ok {
		t.Fatalf("unexpected response %T", resp)
	}
	return err
}

func TestControllerFSMTopicsUseLogIndexAsRevision(t *testing.T) {
	fsm := newTestFSM()
	err := applyCommand(t, fsm, 7, CmdCreateTopic, createTopicPayload{Name: "orders", ReplicationFactor: 1, Assignments: replicaSets(2, 1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	meta, ok := fsm.topics.Get("orders")
	if !ok || meta.Revision != 7 || len(meta.Partitions) != 2 {
		t.Fatalf("unexpected topic %+v", meta)
	}
	err = applyCommand(t, fsm, 8, CmdCreateTopic, createTopicPayload{Name: "orders", ReplicationFactor: 1, Assignments: replicaSets(1, 1)})
	if !errors.Is(err, ErrcTopicAlreadyExists) {
		t.Fatalf("expected ErrcTopicAlreadyExists, got %v", err)
	}
	move := moveReplicasPayload{NTP: model.NewKafkaNTP("orders", 0), Replicas: []model.BrokerShard{{NodeID: 1, Shard: 1}}}
	if err := applyCommand(t, fsm, 9, CmdMoveReplicas, move); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := applyCommand(t, fsm, 10, CmdDeleteTopic, deleteTopicPayload{Name: "orders"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rev := fsm.topics.Revision(); rev != 10 {
		t.Fatalf("expected revision 10 got %d", rev)
	}
}

func TestControllerFSMUsers(t *testing.T) {
	fsm := newTestFSM()
	cred, err := security.NewScramCredential(security.ScramSHA256, "secret", security.MinIterations)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if err := applyCommand(t, fsm, 1, CmdUpdateUser, userPayload{Username: "alice", Credential: &cred}); !errors.Is(err, ErrcUserDoesNotExist) {
		t.Fatalf("expected ErrcUserDoesNotExist, got %v", err)
	}
	if err := applyCommand(t, fsm, 2, CmdCreateUser, userPayload{Username: "alice", Credential: &cred}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := applyCommand(t, fsm, 3, CmdCreateUser, userPayload{Username: "alice", Credential: &cred}); !errors.Is(err, ErrcUserExists) {
		t.Fatalf("expected ErrcUserExists, got %v", err)
	}
	if err := applyCommand(t, fsm, 4, CmdDeleteUser, userPayload{Username: "alice"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := applyCommand(t, fsm, 5, CmdDeleteUser, userPayload{Username: "alice"}); !errors.Is(err, ErrcUserDoesNotExist) {
		t.Fatalf("expected ErrcUserDoesNotExist, got %v", err)
	}
}

func TestControllerFSMRejectsGarbage(t *testing.T) {
	fsm := newTestFSM()
	resp := fsm.Apply(&raft.Log{Index: 1, Type: raft.LogCommand, Data: []byte("{")})
	if err, ok := resp.(error); !ok || !errors.Is(err, ErrcInvalidCommand) {
		t.Fatalf("expected ErrcInvalidCommand, got %v", resp)
	}
	if err := applyCommand(t, fsm, 2, CommandType("nope"), struct{}{}); !errors.Is(err, ErrcInvalidCommand) {
		t.Fatalf("expected ErrcInvalidCommand, got %v", err)
	}
}

type bufferSink struct {
	bytes.Buffer
}

func (s *bufferSink) ID() string    { return "test" }
func (s *bufferSink) Cancel() error { return nil }
func (s *bufferSink) Close() error  { return nil }

func TestControllerFSMSnapshotRestore(t *testing.T) {
	fsm := newTestFSM()
	if err := applyCommand(t, fsm, 1, CmdBootstrap, bootstrapPayload{ClusterID: "c-1"}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := applyCommand(t, fsm, 2, CmdBootstrap, bootstrapPayload{ClusterID: "c-2"}); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if fsm.ClusterID() != "c-1" {
		t.Fatalf("cluster id must be set once, got %q", fsm.ClusterID())
	}
	if err := applyCommand(t, fsm, 3, CmdRegisterBroker, Broker{ID: 1, Shards: 2}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := applyCommand(t, fsm, 4, CmdCreateTopic, createTopicPayload{Name: "orders", ReplicationFactor: 1, Assignments: replicaSets(1, 1)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	sink := &bufferSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("persist: %v", err)
	}

	restored := newTestFSM()
	if err := restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.ClusterID() != "c-1" {
		t.Fatalf("expected cluster id c-1 got %q", restored.ClusterID())
	}
	if _, ok := restored.members.Get(1); !ok {
		t.Fatalf("expected broker 1 after restore")
	}
	if _, ok := restored.topics.Get("orders"); !ok {
		t.Fatalf("expected topic after restore")
	}
}
