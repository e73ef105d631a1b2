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

package security

import (
	"sort"
	"sync"
)

// CredentialStore holds SCRAM credentials by username. The controller state
// machine is its only writer.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]ScramCredential
}

// NewCredentialStore returns an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]ScramCredential)}
}

// Put stores or replaces the credential for user.
func (s *CredentialStore) Put(user string, cred ScramCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[user] = cred
}

// Get returns the credential for user.
func (s *CredentialStore) Get(user string) (ScramCredential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[user]
	return cred, ok
}

// Contains reports whether user has a credential.
func (s *CredentialStore) Contains(user string) bool {
	_, ok := s.Get(user)
	return ok
}

// Remove deletes user and reports whether it existed.
func (s *CredentialStore) Remove(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[user]; !ok {
		return false
	}
	delete(s.creds, user)
	return true
}

// Users returns the sorted usernames.
func (s *CredentialStore) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.creds))
	for user := range s.creds {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the whole store.
func (s *CredentialStore) Snapshot() map[string]ScramCredential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ScramCredential, len(s.creds))
	for user, cred := range s.creds {
		out[user] = cred
	}
	return out
}

// Restore replaces the store's content.
func (s *CredentialStore) Restore(creds map[string]ScramCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = make(map[string]ScramCredential, len(creds))
	for user, cred := range creds {
		s.creds[user] = cred
	}
}
