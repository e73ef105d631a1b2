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
	"strconv"
	"strings"
	"time"
)

const envPrefix = "KAFSHARD_"

// ApplyEnv overrides settings from KAFSHARD_* environment variables.
// Unparseable values leave the current setting in place.
func (c *Config) ApplyEnv() {
	c.NodeID = parseEnvInt32("NODE_ID", c.NodeID)
	c.DataDirectory = envOrDefault("DATA_DIRECTORY", c.DataDirectory)
	c.Shards = parseEnvInt("SHARDS", c.Shards)
	c.DeveloperMode = parseEnvBool("DEVELOPER_MODE", c.DeveloperMode)
	c.PidfilePath = envOrDefault("PIDFILE_PATH", c.PidfilePath)
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.EnableAdminAPI = parseEnvBool("ENABLE_ADMIN_API", c.EnableAdminAPI)

	c.KafkaAPI.Address = envOrDefault("KAFKA_ADDR", c.KafkaAPI.Address)
	c.KafkaAPI.AdvertisedHost = envOrDefault("KAFKA_ADVERTISED_HOST", c.KafkaAPI.AdvertisedHost)
	c.KafkaAPI.AdvertisedPort = parseEnvInt32("KAFKA_ADVERTISED_PORT", c.KafkaAPI.AdvertisedPort)
	c.AdminAPI.Address = envOrDefault("ADMIN_ADDR", c.AdminAPI.Address)
	c.RPCServer.Address = envOrDefault("RPC_ADDR", c.RPCServer.Address)
	c.Controller.RaftAddr = envOrDefault("CONTROLLER_RAFT_ADDR", c.Controller.RaftAddr)

	c.Membership.Enabled = parseEnvBool("MEMBERSHIP_ENABLED", c.Membership.Enabled)
	c.Membership.BindAddr = envOrDefault("MEMBERSHIP_BIND_ADDR", c.Membership.BindAddr)
	c.Membership.Join = parseEnvList("MEMBERSHIP_JOIN", c.Membership.Join)

	c.Dissemination.EtcdEndpoints = parseEnvList("ETCD_ENDPOINTS", c.Dissemination.EtcdEndpoints)
	c.Dissemination.EtcdUsername = envOrDefault("ETCD_USERNAME", c.Dissemination.EtcdUsername)
	c.Dissemination.EtcdPassword = envOrDefault("ETCD_PASSWORD", c.Dissemination.EtcdPassword)

	c.Storage.FlushInterval = parseEnvDuration("FLUSH_INTERVAL", c.Storage.FlushInterval)
	c.Storage.CacheBytes = parseEnvInt("CACHE_BYTES", c.Storage.CacheBytes)
	c.Quota.ProduceBytesPerSecond = parseEnvInt("QUOTA_PRODUCE_BPS", c.Quota.ProduceBytesPerSecond)

	c.CloudStorage.Enabled = parseEnvBool("CLOUD_STORAGE_ENABLED", c.CloudStorage.Enabled)
	c.CloudStorage.Bucket = envOrDefault("S3_BUCKET", c.CloudStorage.Bucket)
	c.CloudStorage.Region = envOrDefault("S3_REGION", c.CloudStorage.Region)
	c.CloudStorage.Endpoint = envOrDefault("S3_ENDPOINT", c.CloudStorage.Endpoint)
	c.CloudStorage.ForcePathStyle = parseEnvBool("S3_PATH_STYLE", c.CloudStorage.ForcePathStyle)
	c.CloudStorage.AccessKeyID = envOrDefault("S3_ACCESS_KEY", c.CloudStorage.AccessKeyID)
	c.CloudStorage.SecretAccessKey = envOrDefault("S3_SECRET_KEY", c.CloudStorage.SecretAccessKey)
	c.CloudStorage.KMSKeyARN = envOrDefault("S3_KMS_ARN", c.CloudStorage.KMSKeyARN)
	c.CloudStorage.Codec = envOrDefault("ARCHIVAL_CODEC", c.CloudStorage.Codec)
}

func lookup(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func envOrDefault(name, fallback string) string {
	if val := lookup(name); val != "" {
		return val
	}
	return fallback
}

func parseEnvInt(name string, fallback int) int {
	if val := lookup(name); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvInt32(name string, fallback int32) int32 {
	if val := lookup(name); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 32); err == nil {
			return int32(parsed)
		}
	}
	return fallback
}

func parseEnvBool(name string, fallback bool) bool {
	if val := lookup(name); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func parseEnvDuration(name string, fallback time.Duration) time.Duration {
	if val := lookup(name); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvList(name string, fallback []string) []string {
	val := lookup(name)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
