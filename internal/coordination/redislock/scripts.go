// Package redislock implements the Redis-backed distributed mutex described
// in spec.md §4.1-4.2: a script runner for the ACQUIRE/RENEW/RELEASE Lua
// scripts, and the Mutex type built on top of it.
package redislock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript: SET key token PX ttlMs only if key is absent.
const acquireScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`

// renewScript: PEXPIRE key ttlMs only if the caller still owns it.
const renewScript = `
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`

// releaseScript: DEL key only if the caller still owns it.
const releaseScript = `
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`

// heartbeatScript: ZADD heartbeatsKey <server-time-ms> idStr. Uses Redis
// TIME so mesh heartbeats are immune to client clock skew (spec.md §4.1).
const heartbeatScript = `
local t = redis.call('TIME')
local now_ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
redis.call('ZADD', KEYS[1], now_ms, ARGV[1])
return now_ms
`

// cleanupScript: remove and return members of heartbeatsKey (and their
// matching hash entries in nodesKey) whose heartbeat is older than ttlMs,
// measured against Redis server time.
const cleanupScript = `
local t = redis.call('TIME')
local now_ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local cutoff = now_ms - tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. cutoff)
if #expired > 0 then
  redis.call('ZREM', KEYS[1], unpack(expired))
  redis.call('HDEL', KEYS[2], unpack(expired))
end
return expired
`

// ScriptRunner loads and invokes the ACQUIRE, RENEW, and RELEASE Lua
// scripts used by Mutex and Leader, plus the HEARTBEAT/CLEANUP scripts used
// by Mesh. One ScriptRunner is safe to share across Mutex, Leader, and
// Mesh instances on the same Redis client.
type ScriptRunner struct {
	client    redis.UniversalClient
	acquire   *redis.Script
	renew     *redis.Script
	release   *redis.Script
	heartbeat *redis.Script
	cleanup   *redis.Script
}

// NewScriptRunner wraps client with the coordination Lua scripts.
func NewScriptRunner(client redis.UniversalClient) *ScriptRunner {
	return &ScriptRunner{
		client:    client,
		acquire:   redis.NewScript(acquireScript),
		renew:     redis.NewScript(renewScript),
		release:   redis.NewScript(releaseScript),
		heartbeat: redis.NewScript(heartbeatScript),
		cleanup:   redis.NewScript(cleanupScript),
	}
}

// Client returns the underlying Redis client, so collaborators that need
// raw commands (INCR, HSET, ZRANGE, pub/sub) alongside the coordination
// scripts don't need a second connection.
func (r *ScriptRunner) Client() redis.UniversalClient {
	return r.client
}

// Acquire attempts to claim key for token with the given TTL. Returns true
// on success, false if already held by someone else.
func (r *ScriptRunner) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := r.acquire.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Renew extends key's TTL if token still owns it. Returns false if the
// caller's claim was lost (key expired, or held by someone else).
func (r *ScriptRunner) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := r.renew.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release deletes key if token still owns it. Returns false if the caller
// no longer owns the key (already expired or reclaimed); this is logged by
// callers, never treated as fatal (spec.md §4.2).
func (r *ScriptRunner) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := r.release.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Heartbeat records idStr's liveness in heartbeatsKey at the current Redis
// server time and returns that time in milliseconds.
func (r *ScriptRunner) Heartbeat(ctx context.Context, heartbeatsKey, idStr string) (int64, error) {
	return r.heartbeat.Run(ctx, r.client, []string{heartbeatsKey}, idStr).Int64()
}

// Cleanup removes and returns the ids in heartbeatsKey/nodesKey whose last
// heartbeat is older than ttl, measured by Redis server time.
func (r *ScriptRunner) Cleanup(ctx context.Context, heartbeatsKey, nodesKey string, ttl time.Duration) ([]string, error) {
	res, err := r.cleanup.Run(ctx, r.client, []string{heartbeatsKey, nodesKey}, ttl.Milliseconds()).StringSlice()
	if err != nil {
		return nil, err
	}
	return res, nil
}
