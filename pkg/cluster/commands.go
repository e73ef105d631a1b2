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
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/security"
)

// CommandType names a controller log entry.
type CommandType string

const (
	CmdBootstrap      CommandType = "bootstrap"
	CmdRegisterBroker CommandType = "register_broker"
	CmdCreateTopic    CommandType = "create_topic"
	CmdDeleteTopic    CommandType = "delete_topic"
	CmdMoveReplicas   CommandType = "move_partition_replicas"
	CmdCreateUser     CommandType = "create_user"
	CmdUpdateUser     CommandType = "update_user"
	CmdDeleteUser     CommandType = "delete_user"
)

type command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type bootstrapPayload struct {
	ClusterID string `json:"cluster_id"`
}

type createTopicPayload struct {
	Name              string                `json:"name"`
	ReplicationFactor int16                 `json:"replication_factor"`
	Assignments       [][]model.BrokerShard `json:"assignments"`
}

type deleteTopicPayload struct {
	Name string `json:"name"`
}

type moveReplicasPayload struct {
	NTP      model.NTP           `json:"ntp"`
	Replicas []model.BrokerShard `json:"replicas"`
}

type userPayload struct {
	Username   string                    `json:"username"`
	Credential *security.ScramCredential `json:"credential,omitempty"`
}

func encodeCommand(t CommandType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return json.Marshal(command{Type: t, Payload: raw})
}

// controllerFSM applies controller log entries to the cluster tables.
type controllerFSM struct {
	topics      *TopicTable
	members     *MembersTable
	credentials *security.CredentialStore

	mu        sync.RWMutex
	clusterID string
}

func (f *controllerFSM) ClusterID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.clusterID
}

// Apply returns nil or an error value; raft hands it back to the proposer.
func (f *controllerFSM) Apply(entry *raft.Log) interface{} {
	if entry.Type != raft.LogCommand {
		return nil
	}
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrcInvalidCommand, err)
	}
	switch cmd.Type {
	case CmdBootstrap:
		var p bootstrapPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrcInvalidCommand, err)
		}
		f.mu.Lock()
		if f.clusterID == "" {
			f.clusterID = p.ClusterID
		}
		f.mu.Unlock()
		return nil
	case CmdRegisterBroker:
		var b Broker
		if err := json.Unmarshal(cmd.Payload, &b); err != nil {
			return fmt.Errorf("%w: %v", ErrcInvalidCommand, err)
		}
		f.members.Upsert(b)
		return nil
	case CmdCreateTopic:
		var p createTopicPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrcInvalidCommand, err)
		}
		if _, err := f.topics.AddTopic(p.Name, p.ReplicationFactor, p.Assignments, entry.Index); err != nil {
			return err
		}
		return nil
	case CmdDeleteTopic:
		var p deleteTopicPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrcInvalidCommand, err)
		}
		return nilIfOK(f.topics.RemoveTopic(p.Name, entry.Index))
	case CmdMoveReplicas:
		var p moveReplicasPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrcInvalidCommand, err)
		}
		return nilIfOK(f.topics.MoveReplicas(p.NTP, p.Replicas, entry.Index))
	case CmdCreateUser, CmdUpdateUser, CmdDeleteUser:
		var p userPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrcInvalidCommand, err)
		}
		return nilIfOK(f.applyUser(cmd.Type, p))
	}
	return fmt.Errorf("%w: unknown type %q", ErrcInvalidCommand, cmd.Type)
}

func (f *controllerFSM) applyUser(t CommandType, p userPayload) error {
	exists := f.credentials.Contains(p.Username)
	switch t {
	case CmdCreateUser:
		if exists {
			return ErrcUserExists
		}
	case CmdUpdateUser:
		if !exists {
			return ErrcUserDoesNotExist
		}
	case CmdDeleteUser:
		if !f.credentials.Remove(p.Username) {
			return ErrcUserDoesNotExist
		}
		return nil
	}
	if p.Credential == nil {
		return fmt.Errorf("%w: credential missing", ErrcInvalidCommand)
	}
	f.credentials.Put(p.Username, *p.Credential)
	return nil
}

// nilIfOK keeps a typed nil error from reaching raft as a non-nil interface.
func nilIfOK(err error) interface{} {
	if err == nil {
		return nil
	}
	return err
}

type controllerSnapshot struct {
	ClusterID   string                              `json:"cluster_id"`
	Topics      topicTableSnapshot                  `json:"topics"`
	Brokers     []Broker                            `json:"brokers"`
	Credentials map[string]security.ScramCredential `json:"credentials"`
}

func (f *controllerFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &controllerSnapshot{
		ClusterID:   f.ClusterID(),
		Topics:      f.topics.snapshot(),
		Brokers:     f.members.Brokers(),
		Credentials: f.credentials.Snapshot(),
	}, nil
}

func (f *controllerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap controllerSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode controller snapshot: %w", err)
	}
	f.mu.Lock()
	f.clusterID = snap.ClusterID
	f.mu.Unlock()
	f.topics.restore(snap.Topics)
	f.members.Restore(snap.Brokers)
	f.credentials.Restore(snap.Credentials)
	return nil
}

func (s *controllerSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *controllerSnapshot) Release() {}
