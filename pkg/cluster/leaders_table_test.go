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

	"github.com/novatechflow/kafshard/pkg/model"
)

func TestLeadersTableReplaceNode(t *testing.T) {
	leaders := NewLeadersTable()
	a := model.NewKafkaNTP("t", 0)
	b := model.NewKafkaNTP("t", 1)
	leaders.ReplaceNode(1, map[model.NTP]model.NodeID{a: 1, b: 1})
	leaders.ReplaceNode(2, map[model.NTP]model.NodeID{b: -1})
	if id, ok := leaders.Get(b); !ok || id != 1 {
		t.Fatalf("a report without leader must not hide a known one, got %d %v", id, ok)
	}
	leaders.ReplaceNode(1, map[model.NTP]model.NodeID{b: 2})
	if _, ok := leaders.Get(a); ok {
		t.Fatalf("entry dropped from node 1's report should be gone")
	}
	if id, _ := leaders.Get(b); id != 2 {
		t.Fatalf("expected leader 2 got %d", id)
	}
	leaders.Remove(b)
	if leaders.Len() != 0 {
		t.Fatalf("expected empty table, got %d", leaders.Len())
	}
}
