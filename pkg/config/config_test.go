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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kafshard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KafkaAPI.Address != "0.0.0.0:9092" || !cfg.EnableAdminAPI {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id: 3
data_directory: /tmp/kafshard
shards: 2
developer_mode: true
kafka_api:
  address: 127.0.0.1:19092
  advertised_host: broker-3
  advertised_port: 19092
storage:
  flush_interval: 250ms
  topic_buffers:
    audit:
      max_batches: 1
cloud_storage:
  enabled: true
  bucket: segments
  region: us-east-1
  codec: lz4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != 3 || cfg.Shards != 2 || !cfg.DeveloperMode {
		t.Fatalf("unexpected node settings: %+v", cfg)
	}
	if cfg.KafkaAPI.AdvertisedHost != "broker-3" {
		t.Fatalf("expected advertised host broker-3, got %q", cfg.KafkaAPI.AdvertisedHost)
	}
	if cfg.Storage.FlushInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms flush interval, got %s", cfg.Storage.FlushInterval)
	}
	if b, ok := cfg.Storage.TopicBuffers["audit"]; !ok || b.MaxBatches != 1 || b.MaxBytes != 0 {
		t.Fatalf("unexpected topic buffers %+v", cfg.Storage.TopicBuffers)
	}
	if cfg.Storage.CacheBytes != Default().Storage.CacheBytes {
		t.Fatalf("unset fields must keep defaults")
	}
	if cfg.CloudStorage.Codec != "lz4" || cfg.CloudStorage.Interval != 10*time.Second {
		t.Fatalf("unexpected cloud storage settings: %+v", cfg.CloudStorage)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "node_id: 1\nlegacy_mode: true\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "legacy_mode") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "shards: 2\nkafka_api:\n  address: 127.0.0.1:9092\n")
	t.Setenv("KAFSHARD_SHARDS", "6")
	t.Setenv("KAFSHARD_KAFKA_ADDR", "0.0.0.0:29092")
	t.Setenv("KAFSHARD_ETCD_ENDPOINTS", "http://a:2379, http://b:2379")
	t.Setenv("KAFSHARD_DEVELOPER_MODE", "yes")
	t.Setenv("KAFSHARD_NODE_ID", "not-a-number")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Shards != 6 || cfg.KafkaAPI.Address != "0.0.0.0:29092" || !cfg.DeveloperMode {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.Dissemination.EtcdEndpoints) != 2 || cfg.Dissemination.EtcdEndpoints[1] != "http://b:2379" {
		t.Fatalf("unexpected endpoints %v", cfg.Dissemination.EtcdEndpoints)
	}
	if cfg.NodeID != 1 {
		t.Fatalf("unparseable override must keep the current value, got %d", cfg.NodeID)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative node", func(c *Config) { c.NodeID = -1 }, "node_id"},
		{"no data dir", func(c *Config) { c.DataDirectory = "" }, "data_directory"},
		{"bad level", func(c *Config) { c.LogLevel = "chatty" }, "log_level"},
		{"bad kafka addr", func(c *Config) { c.KafkaAPI.Address = "nowhere" }, "kafka_api.address"},
		{"bad rf", func(c *Config) { c.Controller.DefaultReplicationFactor = 0 }, "default_replication_factor"},
		{"membership bind", func(c *Config) { c.Membership.Enabled = true }, "membership.bind_addr"},
		{"negative topic buffer", func(c *Config) {
			c.Storage.TopicBuffers = map[string]TopicBuffer{"audit": {MaxBatches: -1}}
		}, "storage.topic_buffers.audit"},
		{"archival bucket", func(c *Config) { c.CloudStorage.Enabled = true }, "bucket"},
		{"archival codec", func(c *Config) {
			c.CloudStorage = CloudStorage{Enabled: true, Bucket: "b", Region: "r", Codec: "brotli", Interval: time.Second}
		}, "codec"},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", tc.name, tc.want, err)
		}
	}
	cfg := Default()
	cfg.EnableAdminAPI = false
	cfg.AdminAPI.Address = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("admin address is ignored when the admin api is off: %v", err)
	}
}

func TestLogValueRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.CloudStorage.SecretAccessKey = "hunter2"
	if strings.Contains(cfg.LogValue().String(), "hunter2") {
		t.Fatalf("secret leaked into the config dump")
	}
}
