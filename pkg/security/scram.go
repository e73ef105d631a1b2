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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ScramAlgorithm selects the hash used for SCRAM credentials.
type ScramAlgorithm int

const (
	ScramSHA256 ScramAlgorithm = iota + 1
	ScramSHA512
)

// MinIterations is the lowest iteration count accepted for a credential.
const MinIterations = 4096

// ErrUnknownAlgorithm is returned for an unsupported mechanism name.
var ErrUnknownAlgorithm = errors.New("unknown scram algorithm")

// ParseScramAlgorithm accepts SCRAM-SHA-256 and SCRAM-SHA-512 in any case.
func ParseScramAlgorithm(name string) (ScramAlgorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "SCRAM-SHA-256":
		return ScramSHA256, nil
	case "SCRAM-SHA-512":
		return ScramSHA512, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, name)
}

func (a ScramAlgorithm) String() string {
	switch a {
	case ScramSHA256:
		return "SCRAM-SHA-256"
	case ScramSHA512:
		return "SCRAM-SHA-512"
	}
	return fmt.Sprintf("ScramAlgorithm(%d)", int(a))
}

func (a ScramAlgorithm) hash() func() hash.Hash {
	if a == ScramSHA512 {
		return sha512.New
	}
	return sha256.New
}

func (a ScramAlgorithm) keyLen() int {
	if a == ScramSHA512 {
		return sha512.Size
	}
	return sha256.Size
}

// ScramCredential is the server-side form of a SCRAM secret. The password
// itself is never kept.
type ScramCredential struct {
	Algorithm  ScramAlgorithm `json:"algorithm"`
	Salt       []byte         `json:"salt"`
	StoredKey  []byte         `json:"stored_key"`
	ServerKey  []byte         `json:"server_key"`
	Iterations int            `json:"iterations"`
}

// NewScramCredential derives a credential from password with a random salt.
func NewScramCredential(alg ScramAlgorithm, password string, iterations int) (ScramCredential, error) {
	salt := make([]byte, 24)
	if _, err := rand.Read(salt); err != nil {
		return ScramCredential{}, fmt.Errorf("generate salt: %w", err)
	}
	return DeriveScramCredential(alg, password, salt, iterations)
}

// DeriveScramCredential computes the stored and server keys for password and salt.
func DeriveScramCredential(alg ScramAlgorithm, password string, salt []byte, iterations int) (ScramCredential, error) {
	if alg != ScramSHA256 && alg != ScramSHA512 {
		return ScramCredential{}, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
	}
	if iterations < MinIterations {
		iterations = MinIterations
	}
	salted := pbkdf2.Key([]byte(password), salt, iterations, alg.keyLen(), alg.hash())
	clientKey := computeHMAC(alg, salted, "Client Key")
	h := alg.hash()()
	h.Write(clientKey)
	return ScramCredential{
		Algorithm:  alg,
		Salt:       append([]byte(nil), salt...),
		StoredKey:  h.Sum(nil),
		ServerKey:  computeHMAC(alg, salted, "Server Key"),
		Iterations: iterations,
	}, nil
}

// Verify reports whether password matches the credential.
func (c ScramCredential) Verify(password string) bool {
	other, err := DeriveScramCredential(c.Algorithm, password, c.Salt, c.Iterations)
	if err != nil {
		return false
	}
	return hmac.Equal(other.StoredKey, c.StoredKey) && hmac.Equal(other.ServerKey, c.ServerKey)
}

func computeHMAC(alg ScramAlgorithm, key []byte, msg string) []byte {
	mac := hmac.New(alg.hash(), key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
