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
	"context"
	"time"

	"github.com/novatechflow/kafshard/pkg/security"
)

// SecurityFrontend proposes user credential changes to the controller.
type SecurityFrontend struct {
	ctrl *Controller
}

// CreateUser adds a user; it fails with ErrcUserExists for a known name.
func (f *SecurityFrontend) CreateUser(ctx context.Context, username string, cred security.ScramCredential, deadline time.Time) error {
	return f.propose(ctx, CmdCreateUser, userPayload{Username: username, Credential: &cred}, deadline)
}

// UpdateUser replaces the credential of an existing user.
func (f *SecurityFrontend) UpdateUser(ctx context.Context, username string, cred security.ScramCredential, deadline time.Time) error {
	return f.propose(ctx, CmdUpdateUser, userPayload{Username: username, Credential: &cred}, deadline)
}

// DeleteUser removes a user; it fails with ErrcUserDoesNotExist for an unknown name.
func (f *SecurityFrontend) DeleteUser(ctx context.Context, username string, deadline time.Time) error {
	return f.propose(ctx, CmdDeleteUser, userPayload{Username: username}, deadline)
}

// ListUsers returns the known user names in order.
func (f *SecurityFrontend) ListUsers() []string {
	return f.ctrl.credentials.Users()
}

func (f *SecurityFrontend) propose(ctx context.Context, t CommandType, p userPayload, deadline time.Time) error {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	_, err := f.ctrl.replicate(ctx, t, p)
	return err
}
