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

// Package config loads the broker configuration from a YAML file and
// KAFSHARD_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/novatechflow/kafshard/pkg/archival"
)

// Config is the node configuration.
type Config struct {
	NodeID         int32         `yaml:"node_id"`
	DataDirectory  string        `yaml:"data_directory"`
	Shards         int           `yaml:"shards"`
	DeveloperMode  bool          `yaml:"developer_mode"`
	PidfilePath    string        `yaml:"pidfile_path"`
	LogLevel       string        `yaml:"log_level"`
	EnableAdminAPI bool          `yaml:"enable_admin_api"`
	KafkaAPI       KafkaAPI      `yaml:"kafka_api"`
	AdminAPI       Listener      `yaml:"admin_api"`
	RPCServer      Listener      `yaml:"rpc_server"`
	Controller     Controller    `yaml:"controller"`
	Membership     Membership    `yaml:"membership"`
	Dissemination  Dissemination `yaml:"dissemination"`
	Storage        Storage       `yaml:"storage"`
	Quota          Quota         `yaml:"quota"`
	CloudStorage   CloudStorage  `yaml:"cloud_storage"`
}

// Listener is a bind address.
type Listener struct {
	Address string `yaml:"address"`
}

// KafkaAPI configures the Kafka listener and the address advertised in metadata.
type KafkaAPI struct {
	Address        string `yaml:"address"`
	AdvertisedHost string `yaml:"advertised_host"`
	AdvertisedPort int32  `yaml:"advertised_port"`
}

// Controller configures the controller raft group.
type Controller struct {
	RaftAddr                 string        `yaml:"raft_addr"`
	HeartbeatTimeout         time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout          time.Duration `yaml:"election_timeout"`
	DefaultPartitions        int32         `yaml:"default_partitions"`
	DefaultReplicationFactor int16         `yaml:"default_replication_factor"`
}

// Membership configures serf gossip between brokers.
type Membership struct {
	Enabled  bool     `yaml:"enabled"`
	BindAddr string   `yaml:"bind_addr"`
	Join     []string `yaml:"join"`
}

// Dissemination configures where leadership snapshots are shared. Without
// etcd endpoints snapshots stay inside the process.
type Dissemination struct {
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	EtcdUsername  string        `yaml:"etcd_username"`
	EtcdPassword  string        `yaml:"etcd_password"`
	Interval      time.Duration `yaml:"interval"`
}

// Storage configures partition logs.
type Storage struct {
	BufferMaxBytes        int           `yaml:"buffer_max_bytes"`
	BufferMaxMessages     int           `yaml:"buffer_max_messages"`
	BufferMaxBatches      int           `yaml:"buffer_max_batches"`
	FlushInterval         time.Duration `yaml:"flush_interval"`
	IndexIntervalMessages int32         `yaml:"index_interval_messages"`
	CacheBytes            int           `yaml:"cache_bytes"`
	// TopicBuffers overrides the buffer limits of individual topics.
	TopicBuffers map[string]TopicBuffer `yaml:"topic_buffers"`
}

// TopicBuffer holds per-topic buffer limits. Unset fields inherit Storage.
type TopicBuffer struct {
	MaxBytes      int           `yaml:"max_bytes"`
	MaxMessages   int           `yaml:"max_messages"`
	MaxBatches    int           `yaml:"max_batches"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Quota configures per-client produce throughput. Zero disables quotas.
type Quota struct {
	ProduceBytesPerSecond int `yaml:"produce_bytes_per_second"`
	Burst                 int `yaml:"burst"`
}

// CloudStorage configures archival of flushed segments to S3.
type CloudStorage struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	KMSKeyARN       string        `yaml:"kms_key_arn"`
	Codec           string        `yaml:"codec"`
	Prefix          string        `yaml:"prefix"`
	Interval        time.Duration `yaml:"interval"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
}

// Default returns a single-node developer configuration.
func Default() Config {
	return Config{
		NodeID:         1,
		DataDirectory:  "/var/lib/kafshard/data",
		LogLevel:       "info",
		EnableAdminAPI: true,
		KafkaAPI:       KafkaAPI{Address: "0.0.0.0:9092", AdvertisedHost: "127.0.0.1", AdvertisedPort: 9092},
		AdminAPI:       Listener{Address: "0.0.0.0:9644"},
		RPCServer:      Listener{Address: "0.0.0.0:33145"},
		Controller: Controller{
			HeartbeatTimeout:         500 * time.Millisecond,
			ElectionTimeout:          time.Second,
			DefaultPartitions:        1,
			DefaultReplicationFactor: 1,
		},
		Dissemination: Dissemination{Interval: 3 * time.Second},
		Storage: Storage{
			BufferMaxBytes:        4 << 20,
			BufferMaxMessages:     1000,
			BufferMaxBatches:      64,
			FlushInterval:         500 * time.Millisecond,
			IndexIntervalMessages: 100,
			CacheBytes:            64 << 20,
		},
		CloudStorage: CloudStorage{
			Codec:         "zstd",
			Prefix:        "kafshard",
			Interval:      10 * time.Second,
			UploadTimeout: 30 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses the defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.NodeID < 0 {
		return fmt.Errorf("node_id must be >= 0, got %d", c.NodeID)
	}
	if c.DataDirectory == "" {
		return errors.New("data_directory is required")
	}
	if c.Shards < 0 {
		return fmt.Errorf("shards must be >= 0, got %d", c.Shards)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if err := validateAddr("kafka_api.address", c.KafkaAPI.Address); err != nil {
		return err
	}
	if c.KafkaAPI.AdvertisedPort <= 0 || c.KafkaAPI.AdvertisedPort > 65535 {
		return fmt.Errorf("kafka_api.advertised_port out of range: %d", c.KafkaAPI.AdvertisedPort)
	}
	if c.EnableAdminAPI {
		if err := validateAddr("admin_api.address", c.AdminAPI.Address); err != nil {
			return err
		}
	}
	if err := validateAddr("rpc_server.address", c.RPCServer.Address); err != nil {
		return err
	}
	if c.Controller.RaftAddr != "" {
		if err := validateAddr("controller.raft_addr", c.Controller.RaftAddr); err != nil {
			return err
		}
	}
	if c.Controller.DefaultPartitions <= 0 {
		return fmt.Errorf("controller.default_partitions must be > 0, got %d", c.Controller.DefaultPartitions)
	}
	if c.Controller.DefaultReplicationFactor <= 0 {
		return fmt.Errorf("controller.default_replication_factor must be > 0, got %d", c.Controller.DefaultReplicationFactor)
	}
	if c.Membership.Enabled && c.Membership.BindAddr == "" {
		return errors.New("membership.bind_addr is required when membership is enabled")
	}
	if c.Dissemination.Interval <= 0 {
		return errors.New("dissemination.interval must be > 0")
	}
	if c.Storage.BufferMaxBatches <= 0 && c.Storage.BufferMaxBytes <= 0 && c.Storage.BufferMaxMessages <= 0 {
		return errors.New("storage: at least one buffer limit must be set")
	}
	for topic, b := range c.Storage.TopicBuffers {
		if b.MaxBytes < 0 || b.MaxMessages < 0 || b.MaxBatches < 0 || b.FlushInterval < 0 {
			return fmt.Errorf("storage.topic_buffers.%s: limits must be >= 0", topic)
		}
	}
	if c.Quota.ProduceBytesPerSecond < 0 {
		return fmt.Errorf("quota.produce_bytes_per_second must be >= 0, got %d", c.Quota.ProduceBytesPerSecond)
	}
	if c.CloudStorage.Enabled {
		if c.CloudStorage.Bucket == "" || c.CloudStorage.Region == "" {
			return errors.New("cloud_storage requires bucket and region when enabled")
		}
		if _, err := archival.CodecByName(c.CloudStorage.Codec); err != nil {
			return fmt.Errorf("cloud_storage.codec: %w", err)
		}
		if c.CloudStorage.Interval <= 0 {
			return errors.New("cloud_storage.interval must be > 0")
		}
	}
	return nil
}

func validateAddr(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// LogValue renders the configuration for the boot log with secrets redacted.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("node_id", int(c.NodeID)),
		slog.String("data_directory", c.DataDirectory),
		slog.Int("shards", c.Shards),
		slog.Bool("developer_mode", c.DeveloperMode),
		slog.String("pidfile_path", c.PidfilePath),
		slog.String("log_level", c.LogLevel),
		slog.Bool("enable_admin_api", c.EnableAdminAPI),
		slog.String("kafka_api", c.KafkaAPI.Address),
		slog.String("admin_api", c.AdminAPI.Address),
		slog.String("rpc_server", c.RPCServer.Address),
		slog.String("controller_raft_addr", c.Controller.RaftAddr),
		slog.Bool("membership", c.Membership.Enabled),
		slog.Any("etcd_endpoints", c.Dissemination.EtcdEndpoints),
		slog.Int("quota_produce_bps", c.Quota.ProduceBytesPerSecond),
		slog.Group("cloud_storage",
			slog.Bool("enabled", c.CloudStorage.Enabled),
			slog.String("bucket", c.CloudStorage.Bucket),
			slog.String("region", c.CloudStorage.Region),
			slog.String("endpoint", c.CloudStorage.Endpoint),
			slog.String("codec", c.CloudStorage.Codec),
			slog.String("access_key_id", redact(c.CloudStorage.AccessKeyID)),
			slog.String("secret_access_key", redact(c.CloudStorage.SecretAccessKey)),
		),
	)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[redacted]"
}
