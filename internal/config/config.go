// Package config loads the configuration keys consumed by the coordination,
// SRPC, and schema-differ subsystems via viper, the same way
// internal/config/yaml_config.go layers env vars, an optional config file,
// and defaults in the teacher CLI.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// MutexMode selects the Mutex backing implementation.
type MutexMode string

const (
	MutexModeLocal MutexMode = "local"
	MutexModeRedis MutexMode = "redis"
)

var (
	mu sync.RWMutex
	v  *viper.Viper
)

func init() {
	_ = Initialize()
}

// Initialize (re)builds the viper instance and its defaults. Exposed for
// tests that need to reset state between cases, mirroring
// internal/config.Initialize() in the teacher.
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()

	nv := viper.New()
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	nv.SetDefault("redis.host", "127.0.0.1")
	nv.SetDefault("redis.port", 6379)
	nv.SetDefault("redis.prefix", "dksf")
	nv.SetDefault("redis.sentinel.master_name", "")
	nv.SetDefault("redis.sentinel.addrs", "")
	nv.SetDefault("mutex.mode", string(MutexModeRedis))
	nv.SetDefault("mutex.redis_prefix", "")
	nv.SetDefault("srpc.auth_secret", "")
	nv.SetDefault("srpc.auth_clock_drift_ms", 30000)
	nv.SetDefault("pg.schema", "public")

	binds := map[string]string{
		"redis.host":              "REDIS_HOST",
		"redis.port":              "REDIS_PORT",
		"redis.prefix":            "REDIS_PREFIX",
		"redis.sentinel.master_name": "REDIS_SENTINEL_MASTER_NAME",
		"redis.sentinel.addrs":    "REDIS_SENTINEL_ADDRS",
		"mutex.mode":              "MUTEX_MODE",
		"mutex.redis_prefix":      "MUTEX_REDIS_PREFIX",
		"srpc.auth_secret":        "SRPC_AUTH_SECRET",
		"srpc.auth_clock_drift_ms": "SRPC_AUTH_CLOCK_DRIFT_MS",
		"pg.schema":               "PG_SCHEMA",
	}
	for key, env := range binds {
		if err := nv.BindEnv(key, env); err != nil {
			return fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	v = nv
	return nil
}

func get() *viper.Viper {
	mu.RLock()
	defer mu.RUnlock()
	return v
}

// RedisHost returns REDIS_HOST.
func RedisHost() string { return get().GetString("redis.host") }

// RedisPort returns REDIS_PORT.
func RedisPort() int { return get().GetInt("redis.port") }

// RedisPrefix returns REDIS_PREFIX, the namespace shared by Mutex, Leader,
// and Mesh key layouts (spec.md §6).
func RedisPrefix() string { return get().GetString("redis.prefix") }

// RedisSentinelMasterName returns REDIS_SENTINEL_MASTER_NAME, empty when
// Sentinel is not in use.
func RedisSentinelMasterName() string { return get().GetString("redis.sentinel.master_name") }

// RedisSentinelAddrs returns the comma-separated REDIS_SENTINEL_ADDRS split
// into a slice; empty when Sentinel is not in use.
func RedisSentinelAddrs() []string {
	raw := get().GetString("redis.sentinel.addrs")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MutexModeConfig returns MUTEX_MODE, defaulting to "redis".
func MutexModeConfig() MutexMode {
	m := MutexMode(strings.ToLower(get().GetString("mutex.mode")))
	if m != MutexModeLocal && m != MutexModeRedis {
		return MutexModeRedis
	}
	return m
}

// MutexRedisPrefix returns MUTEX_REDIS_PREFIX, falling back to RedisPrefix
// when unset.
func MutexRedisPrefix() string {
	if p := get().GetString("mutex.redis_prefix"); p != "" {
		return p
	}
	return RedisPrefix()
}

// SrpcAuthSecret returns SRPC_AUTH_SECRET, the HMAC key used to authenticate
// incoming SRPC streams.
func SrpcAuthSecret() string { return get().GetString("srpc.auth_secret") }

// SrpcAuthClockDriftMs returns SRPC_AUTH_CLOCK_DRIFT_MS, defaulting to 30s.
func SrpcAuthClockDriftMs() time.Duration {
	return time.Duration(get().GetInt64("srpc.auth_clock_drift_ms")) * time.Millisecond
}

// PgSchema returns PG_SCHEMA, defaulting to "public".
func PgSchema() string { return get().GetString("pg.schema") }
