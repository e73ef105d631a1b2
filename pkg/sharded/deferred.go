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

package sharded

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DeferredStack records cleanup actions while services come up and runs them in
// reverse order on shutdown or after a failed startup.
type DeferredStack struct {
	mu      sync.Mutex
	actions []deferredAction
	logger  *slog.Logger
}

type deferredAction struct {
	name string
	fn   func(context.Context) error
}

// NewDeferredStack returns an empty stack that reports failed actions to logger.
func NewDeferredStack(logger *slog.Logger) *DeferredStack {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeferredStack{logger: logger}
}

// Push registers fn to run during Unwind. Actions pushed later run earlier.
func (d *DeferredStack) Push(name string, fn func(context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, deferredAction{name: name, fn: fn})
}

// Len returns the number of pending actions.
func (d *DeferredStack) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.actions)
}

// Unwind runs every pending action, last pushed first. A failing or panicking
// action is logged and does not prevent the remaining ones from running; the
// failures are returned together. Calling Unwind again is a no-op.
func (d *DeferredStack) Unwind(ctx context.Context) error {
	d.mu.Lock()
	actions := d.actions
	d.actions = nil
	d.mu.Unlock()

	var result *multierror.Error
	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]
		start := time.Now()
		if err := runDeferred(ctx, action); err != nil {
			d.logger.Error("deferred action failed", "action", action.name, "error", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", action.name, err))
			continue
		}
		d.logger.Debug("deferred action complete", "action", action.name, "elapsed", time.Since(start))
	}
	return result.ErrorOrNil()
}

func runDeferred(ctx context.Context, action deferredAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return action.fn(ctx)
}
