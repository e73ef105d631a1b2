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
)

// Future is the completion handle of an operation started on a group.
// Starting never blocks, so the owning shard can issue the operation and
// leave the wait to its caller.
type Future struct {
	done chan struct{}
	resp any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future that is already complete.
func Resolved(resp any, err error) *Future {
	f := newFuture()
	f.resolve(resp, err)
	return f
}

// Failed returns a Future that completes with err.
func Failed(err error) *Future {
	return Resolved(nil, err)
}

func (f *Future) resolve(resp any, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

// Done is closed once the operation completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation completes or ctx ends. Abandoning the wait
// does not cancel the operation.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ErrcTimeout
	}
}

// watch resolves a Future from a raft future on a helper goroutine.
func watch(rf raft.Future, result func(error) (any, error)) *Future {
	f := newFuture()
	go func() {
		f.resolve(result(rf.Error()))
	}()
	return f
}
