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
	"errors"
	"testing"
)

func TestParseScramAlgorithm(t *testing.T) {
	cases := map[string]ScramAlgorithm{
		"SCRAM-SHA-256": ScramSHA256,
		"scram-sha-256": ScramSHA256,
		"Scram-Sha-512": ScramSHA512,
	}
	for name, want := range cases {
		got, err := ParseScramAlgorithm(name)
		if err != nil || got != want {
			t.Fatalf("%s: expected %s got %s err=%v", name, want, got, err)
		}
	}
	if _, err := ParseScramAlgorithm("md5"); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("expected ErrUnknownAlgorithm, got %v", err)
	}
}

func TestScramCredentialVerify(t *testing.T) {
	for _, alg := range []ScramAlgorithm{ScramSHA256, ScramSHA512} {
		cred, err := NewScramCredential(alg, "secret", 0)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if cred.Iterations != MinIterations {
			t.Fatalf("expected iterations raised to %d, got %d", MinIterations, cred.Iterations)
		}
		if len(cred.StoredKey) != alg.keyLen() {
			t.Fatalf("%s: unexpected key length %d", alg, len(cred.StoredKey))
		}
		if !cred.Verify("secret") {
			t.Fatalf("%s: expected password to verify", alg)
		}
		if cred.Verify("other") {
			t.Fatalf("%s: wrong password verified", alg)
		}
	}
}

func TestDeriveIsDeterministicForSalt(t *testing.T) {
	salt := []byte("fixed-salt")
	a, _ := DeriveScramCredential(ScramSHA256, "pw", salt, 4096)
	b, _ := DeriveScramCredential(ScramSHA256, "pw", salt, 4096)
	if string(a.StoredKey) != string(b.StoredKey) || string(a.ServerKey) != string(b.ServerKey) {
		t.Fatalf("expected identical keys for identical inputs")
	}
}

func TestCredentialStore(t *testing.T) {
	store := NewCredentialStore()
	cred, _ := NewScramCredential(ScramSHA256, "pw", 4096)
	store.Put("bob", cred)
	store.Put("alice", cred)
	if users := store.Users(); len(users) != 2 || users[0] != "alice" {
		t.Fatalf("unexpected users %v", users)
	}
	snap := store.Snapshot()
	if !store.Remove("bob") || store.Remove("bob") {
		t.Fatalf("remove should report existence once")
	}
	store.Restore(snap)
	if !store.Contains("bob") {
		t.Fatalf("restore should bring bob back")
	}
}
