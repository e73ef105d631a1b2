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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/novatechflow/kafshard/internal/metrics"
	"github.com/novatechflow/kafshard/pkg/cluster"
	"github.com/novatechflow/kafshard/pkg/consensus"
	"github.com/novatechflow/kafshard/pkg/model"
	"github.com/novatechflow/kafshard/pkg/security"
	"github.com/novatechflow/kafshard/pkg/sharded"
)

func (s *Server) raftTransferLeadership(w http.ResponseWriter, r *http.Request) error {
	group, err := parseGroupID(r.PathValue("group_id"))
	if err != nil {
		return err
	}
	target, err := parseTargetNode(r.URL.Query().Get("target"))
	if err != nil {
		return err
	}
	shard, ok := s.cfg.Table.ShardForGroup(group)
	if !ok {
		return notFound("Raft group %d not found", group)
	}
	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	f, err := sharded.InvokeOn(ctx, s.cfg.Partitions, shard, func(ctx context.Context, pm *cluster.PartitionManager) (*consensus.Future, error) {
		c, ok := pm.ConsensusFor(group)
		if !ok {
			return nil, consensus.ErrcGroupNotExists
		}
		return c.TransferLeadership(ctx, target), nil
	}).Get(ctx)
	if errors.Is(err, consensus.ErrcGroupNotExists) {
		return notFound("Raft group %d not found", group)
	}
	if err != nil {
		return serverError("Leadership transfer failed: %v", err)
	}
	return awaitTransfer(ctx, w, f)
}

func (s *Server) kafkaTransferLeadership(w http.ResponseWriter, r *http.Request) error {
	ntp, err := parseNTP(r)
	if err != nil {
		return err
	}
	target, err := parseTargetNode(r.URL.Query().Get("target"))
	if err != nil {
		return err
	}
	shard, ok := s.cfg.Table.ShardForNTP(ntp)
	if !ok {
		return notFound("Topic partition %s:%d not found", ntp.Topic, ntp.Partition)
	}
	ctx, cancel := context.WithTimeout(r.Context(), mutationTimeout)
	defer cancel()
	f, err := sharded.InvokeOn(ctx, s.cfg.Partitions, shard, func(ctx context.Context, pm *cluster.PartitionManager) (*consensus.Future, error) {
		p, ok := pm.Get(ntp)
		if !ok || p.Consensus() == nil {
			return nil, cluster.ErrcPartitionNotExists
		}
		return p.Consensus().TransferLeadership(ctx, target), nil
	}).Get(ctx)
	if errors.Is(err, cluster.ErrcPartitionNotExists) {
		return notFound("Topic partition %s:%d not found", ntp.Topic, ntp.Partition)
	}
	if err != nil {
		return serverError("Leadership transfer failed: %v", err)
	}
	return awaitTransfer(ctx, w, f)
}

// awaitTransfer waits for a transfer started on the owning shard.
func awaitTransfer(ctx context.Context, w http.ResponseWriter, f *consensus.Future) error {
	if _, err := f.Wait(ctx); err != nil {
		metrics.LeadershipTransfers.WithLabelValues("error").Inc()
		return serverError("Leadership transfer failed: %v", err)
	}
	metrics.LeadershipTransfers.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) movePartition(w http.ResponseWriter, r *http.Request) error {
	ntp, err := parseNTP(r)
	if err != nil {
		return err
	}
	replicas, err := ParseTarget(r.URL.Query().Get("target"))
	if err != nil {
		return err
	}
	if len(replicas) == 0 {
		return badRequest("Partition movement requires target replica set")
	}
	if err := s.cfg.Topics.MovePartitionReplicas(r.Context(), ntp, replicas, time.Now().Add(mutationTimeout)); err != nil {
		return badRequest("Error moving partition: %v", err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func parseNTP(r *http.Request) (model.NTP, error) {
	partition, err := parsePartitionID(r.PathValue("partition"))
	if err != nil {
		return model.NTP{}, err
	}
	return model.NewKafkaNTP(r.PathValue("topic"), partition), nil
}

// decodeObject reads a JSON object body.
func decodeObject(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, badRequest("Reading request body: %v", err)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, badRequest("Not an object")
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, badRequest("Not an object")
	}
	return obj, nil
}

func stringField(obj map[string]any, key, missing string) (string, error) {
	v, ok := obj[key].(string)
	if !ok {
		return "", badRequest("%s", missing)
	}
	return v, nil
}

func parseCredential(obj map[string]any) (security.ScramCredential, error) {
	algo, err := stringField(obj, "algorithm", "String algo missing")
	if err != nil {
		return security.ScramCredential{}, err
	}
	password, err := stringField(obj, "password", "String password missing")
	if err != nil {
		return security.ScramCredential{}, err
	}
	alg, err := security.ParseScramAlgorithm(algo)
	if err != nil {
		return security.ScramCredential{}, badRequest("Unknown scram algorithm: %s", algo)
	}
	cred, err := security.NewScramCredential(alg, password, security.MinIterations)
	if err != nil {
		return security.ScramCredential{}, serverError("Deriving credential: %v", err)
	}
	return cred, nil
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) error {
	obj, err := decodeObject(r)
	if err != nil {
		return err
	}
	cred, err := parseCredential(obj)
	if err != nil {
		return err
	}
	username, err := stringField(obj, "username", "String username missing")
	if err != nil {
		return err
	}
	if err := s.cfg.Security.CreateUser(r.Context(), username, cred, time.Now().Add(mutationTimeout)); err != nil {
		return badRequest("Creating user: %v", err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) error {
	username := r.PathValue("user")
	obj, err := decodeObject(r)
	if err != nil {
		return err
	}
	cred, err := parseCredential(obj)
	if err != nil {
		return err
	}
	if err := s.cfg.Security.UpdateUser(r.Context(), username, cred, time.Now().Add(mutationTimeout)); err != nil {
		return badRequest("Updating user: %v", err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) error {
	username := r.PathValue("user")
	if err := s.cfg.Security.DeleteUser(r.Context(), username, time.Now().Add(mutationTimeout)); err != nil {
		return badRequest("Deleting user: %v", err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) listUsers(w http.ResponseWriter, _ *http.Request) error {
	users := s.cfg.Security.ListUsers()
	if users == nil {
		users = []string{}
	}
	writeJSON(w, users)
	return nil
}

