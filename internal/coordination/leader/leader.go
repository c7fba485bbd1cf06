// Package leader implements the long-lived per-key leader election service
// described in spec.md §4.3: Stopped → Seeking → Holding → Lost → Seeking
// (new generation), with an explicit Stopped exit from Holding.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signal24/dk-server-foundation/internal/coordination/redislock"
)

// State is one of the leader election states from spec.md §4.3.
type State int

const (
	StateStopped State = iota
	StateSeeking
	StateHolding
	StateLost
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateSeeking:
		return "seeking"
	case StateHolding:
		return "holding"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Options configures a Leader. Zero values pick the spec.md §4.3 defaults.
type Options struct {
	TTL          time.Duration // default 30s
	RenewalDelay time.Duration // default 10s
	RetryDelay   time.Duration // default 5s
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.RenewalDelay <= 0 {
		o.RenewalDelay = 10 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	return o
}

// Leader elects a single leader for key across a Redis-coordinated cluster.
// Leader knows nothing about Mesh; Mesh composes a Leader internally to
// decide which node runs cleanup (spec.md §9 Design Notes, "cyclic
// references").
type Leader struct {
	key    string
	prefix string
	runner *redislock.ScriptRunner
	opts   Options
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	token          string
	generation     int
	onBecameLeader func() error
	onLostLeader   func() error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Leader for key. The full Redis key is "${prefix}:leader:${key}"
// per spec.md §6.
func New(prefix, key string, runner *redislock.ScriptRunner, opts Options, logger *slog.Logger) *Leader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Leader{
		key:    key,
		prefix: prefix,
		runner: runner,
		opts:   opts.withDefaults(),
		logger: logger,
		state:  StateStopped,
	}
}

func (l *Leader) fullKey() string {
	return l.prefix + ":leader:" + l.key
}

// OnBecameLeader registers a callback fired whenever this process acquires
// leadership. Must be called before Start. Callback errors and panics are
// swallowed and logged at warn level (spec.md §4.3).
func (l *Leader) OnBecameLeader(fn func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onBecameLeader = fn
}

// OnLostLeader registers a callback fired whenever this process loses
// leadership it previously held. Never fired by Stop (spec.md §4.3 note).
func (l *Leader) OnLostLeader(fn func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLostLeader = fn
}

// IsLeader reports whether this process currently holds leadership.
func (l *Leader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateHolding
}

// Generation returns the current re-acquisition generation, incremented
// each time leadership is (re)acquired (spec.md §3).
func (l *Leader) Generation() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// State returns the current election state.
func (l *Leader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start begins seeking leadership. Idempotent: calling Start while already
// running is a no-op.
func (l *Leader) Start() {
	l.mu.Lock()
	if l.state != StateStopped {
		l.mu.Unlock()
		return
	}
	l.state = StateSeeking
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(ctx)
}

// Stop cancels timers, releases the key if currently Holding, and sets
// state Stopped. Idempotent. Does not fire onLostLeader.
func (l *Leader) Stop() {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return
	}
	l.state = StateStopped
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

func (l *Leader) run(ctx context.Context) {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		stopped := l.state == StateStopped
		l.mu.Unlock()
		if stopped {
			return
		}

		token := uuid.NewString()
		ok, err := l.runner.Acquire(ctx, l.fullKey(), token, l.opts.TTL)
		if err != nil {
			l.logger.Warn("leader: acquire error", "key", l.key, "error", err)
			if !l.sleep(ctx, l.opts.RetryDelay) {
				return
			}
			continue
		}
		if !ok {
			if !l.sleep(ctx, l.opts.RetryDelay) {
				return
			}
			continue
		}

		l.mu.Lock()
		if l.state == StateStopped {
			l.mu.Unlock()
			// Raced with a concurrent Stop(): release immediately and exit
			// without ever becoming Holding (spec.md §4.3).
			_, _ = l.runner.Release(context.Background(), l.fullKey(), token)
			return
		}
		l.state = StateHolding
		l.token = token
		l.generation++
		cb := l.onBecameLeader
		l.mu.Unlock()

		safeCall(l.logger, "onBecameLeader", cb)

		if !l.hold(ctx, token) {
			return
		}
		// l.hold returned true: lost leadership but still running; loop
		// back around to re-seek (new generation).
	}
}

// hold runs the renewal ticker while Holding. Returns true if the leader
// lost the key and should re-seek, false if Stop was called and the
// goroutine should exit entirely.
func (l *Leader) hold(ctx context.Context, token string) bool {
	ticker := time.NewTicker(l.opts.RenewalDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.state = StateStopped
			l.mu.Unlock()
			_, _ = l.runner.Release(context.Background(), l.fullKey(), token)
			return false

		case <-ticker.C:
			ok, err := l.runner.Renew(ctx, l.fullKey(), token, l.opts.TTL)
			if err == nil && ok {
				continue
			}
			if err != nil {
				l.logger.Warn("leader: renew error, treating as lost", "key", l.key, "error", err)
			}

			l.mu.Lock()
			if l.state == StateStopped {
				// Stop() raced with this renewal failure: it already owns
				// the release/teardown, and onLostLeader must not fire.
				l.mu.Unlock()
				return false
			}
			l.state = StateLost
			l.token = ""
			cb := l.onLostLeader
			l.mu.Unlock()

			safeCall(l.logger, "onLostLeader", cb)

			l.mu.Lock()
			stillRunning := l.state != StateStopped
			if stillRunning {
				l.state = StateSeeking
			}
			l.mu.Unlock()
			return stillRunning
		}
	}
}

func (l *Leader) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func safeCall(logger *slog.Logger, name string, fn func() error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("leader: callback panicked", "callback", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		logger.Warn("leader: callback error", "callback", name, "error", err)
	}
}
