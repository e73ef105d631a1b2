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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "kafshard-broker dev") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kafshard.yaml")
	if err := os.WriteFile(path, []byte("shards: -1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out, errOut bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--config", path})
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatalf("expected invalid config to fail")
	}
	if !strings.Contains(errOut.String(), "shards must be >= 0") {
		t.Fatalf("expected validation message, got %q", errOut.String())
	}
}

func TestRootRunsUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kafshard.yaml")
	body := "data_directory: " + filepath.Join(dir, "data") + "\n" +
		"shards: 1\ndeveloper_mode: true\n" +
		"kafka_api:\n  address: 127.0.0.1:0\n" +
		"admin_api:\n  address: 127.0.0.1:0\n" +
		"rpc_server:\n  address: 127.0.0.1:0\n" +
		"controller:\n  heartbeat_timeout: 50ms\n  election_timeout: 50ms\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := &syncBuffer{}
	cmd := newRootCommand(out)
	cmd.SetArgs([]string{"--config", path, "--log-level", "info"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(out.String(), "kafshard started") {
		if time.Now().After(deadline) {
			t.Fatalf("broker did not start: %s", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean exit after cancellation, got %v", err)
	}
}
