package redislock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signal24/dk-server-foundation/internal/redisutil"
)

// Mode selects between the local (in-process) and redis-backed
// implementations of Mutex, per spec.md §4.2.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeRedis Mode = "redis"
)

// Options configures a single WithMutex/WithMutexes call. Zero values pick
// the spec.md §4.2 defaults.
type Options struct {
	RetryCount      int
	RetryDelayMs    int
	RenewIntervalMs int
}

func (o Options) withDefaults() Options {
	if o.RetryCount <= 0 {
		o.RetryCount = 30
	}
	if o.RetryDelayMs <= 0 {
		o.RetryDelayMs = 1000
	}
	if o.RenewIntervalMs <= 0 {
		o.RenewIntervalMs = 1000
	}
	return o
}

func (o Options) retryBudget() time.Duration {
	return time.Duration(o.RetryCount) * time.Duration(o.RetryDelayMs) * time.Millisecond
}

// Result reports whether the caller had to wait for a contended mutex.
type Result struct {
	DidWait bool
}

// Fn is the body executed while holding the mutex.
type Fn func(ctx context.Context) error

// Mutex implements withMutex/withMutexes (spec.md §4.2) in either local or
// redis mode.
type Mutex struct {
	mode   Mode
	prefix string
	runner *ScriptRunner
	logger *slog.Logger

	localMu       sync.Mutex
	localInFlight map[string]*localHolder
}

type localHolder struct {
	done chan struct{}
}

// New builds a Mutex. runner may be nil in local mode. prefix is the
// MUTEX_REDIS_PREFIX configuration value (spec.md §6).
func New(mode Mode, prefix string, runner *ScriptRunner, logger *slog.Logger) *Mutex {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutex{
		mode:          mode,
		prefix:        prefix,
		runner:        runner,
		logger:        logger,
		localInFlight: make(map[string]*localHolder),
	}
}

// WithMutex acquires the mutex identified by key (any value, flattened per
// spec.md §6), runs fn while holding it, and releases it afterward.
func (m *Mutex) WithMutex(ctx context.Context, key any, opts Options, fn Fn) (Result, error) {
	opts = opts.withDefaults()
	flat := redisutil.Flatten(key)

	if m.mode == ModeLocal {
		return m.withMutexLocal(ctx, flat, opts, fn)
	}
	return m.withMutexRedis(ctx, flat, opts, fn)
}

// WithMutexes acquires keys[0], keys[1], ... in order (each nested inside
// the previous), runs fn holding all of them, and releases them in reverse
// order as the call stack unwinds. DidWait is the OR of every individual
// acquisition's DidWait (spec.md §4.2).
func (m *Mutex) WithMutexes(ctx context.Context, keys []any, opts Options, fn Fn) (Result, error) {
	if len(keys) == 0 {
		return Result{}, fn(ctx)
	}

	rest := keys[1:]
	var nestedWait bool
	res, err := m.WithMutex(ctx, keys[0], opts, func(ctx context.Context) error {
		inner, innerErr := m.WithMutexes(ctx, rest, opts, fn)
		nestedWait = inner.DidWait
		return innerErr
	})
	return Result{DidWait: res.DidWait || nestedWait}, err
}

// withMutexLocal implements the process-wide in-flight map described in
// spec.md §4.2: concurrent callers for the same key await the current
// holder (ignoring its rejection) up to the retry budget, then install
// their own claim.
func (m *Mutex) withMutexLocal(ctx context.Context, key string, opts Options, fn Fn) (Result, error) {
	deadline := time.Now().Add(opts.retryBudget())
	didWait := false

	for {
		m.localMu.Lock()
		holder, busy := m.localInFlight[key]
		if !busy {
			mine := &localHolder{done: make(chan struct{})}
			m.localInFlight[key] = mine
			m.localMu.Unlock()

			err := fn(ctx)

			m.localMu.Lock()
			delete(m.localInFlight, key)
			m.localMu.Unlock()
			close(mine.done)

			return Result{DidWait: didWait}, err
		}
		m.localMu.Unlock()

		didWait = true
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{DidWait: didWait}, ErrLockTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-holder.done:
			timer.Stop()
			// loop around and attempt to install our own claim
		case <-timer.C:
			return Result{DidWait: didWait}, ErrLockTimeout
		case <-ctx.Done():
			timer.Stop()
			return Result{DidWait: didWait}, ctx.Err()
		}
	}
}

// withMutexRedis implements the ACQUIRE/retry/renew/RELEASE flow from
// spec.md §4.2.
func (m *Mutex) withMutexRedis(ctx context.Context, flatKey string, opts Options, fn Fn) (Result, error) {
	key := m.prefix + ":" + flatKey
	token := uuid.NewString()
	renewInterval := time.Duration(opts.RenewIntervalMs) * time.Millisecond
	ttl := 3 * renewInterval
	deadline := time.Now().Add(opts.retryBudget())

	attempts := 0
	for {
		attempts++
		ok, err := m.runner.Acquire(ctx, key, token, ttl)
		if err != nil {
			return Result{DidWait: attempts > 1}, err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return Result{DidWait: attempts > 1}, ErrLockTimeout
		}
		timer := time.NewTimer(time.Duration(opts.RetryDelayMs) * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Result{DidWait: attempts > 1}, ctx.Err()
		}
	}
	didWait := attempts > 1

	renewCtx, cancelRenew := context.WithCancel(context.Background())
	defer cancelRenew()
	lockLost := make(chan struct{})
	var lockLostOnce sync.Once

	go func() {
		ticker := time.NewTicker(renewInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				ok, err := m.runner.Renew(renewCtx, key, token, ttl)
				if err != nil {
					if renewCtx.Err() != nil {
						return
					}
					m.logger.Warn("redislock: renew failed, will retry", "key", key, "error", err)
					continue
				}
				if !ok {
					lockLostOnce.Do(func() { close(lockLost) })
					return
				}
			}
		}
	}()

	bodyDone := make(chan error, 1)
	go func() {
		bodyDone <- fn(ctx)
	}()

	var bodyErr error
	select {
	case bodyErr = <-bodyDone:
	case <-lockLost:
		bodyErr = ErrLockLost
	}

	cancelRenew()
	if ok, err := m.runner.Release(context.Background(), key, token); err != nil {
		m.logger.Warn("redislock: release failed", "key", key, "error", err)
	} else if !ok {
		m.logger.Warn("redislock: release returned 0, lock already expired or reclaimed", "key", key)
	}

	return Result{DidWait: didWait}, bodyErr
}
