package stm

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

// Engine is the STM runtime's top-level handle: it owns the version clock,
// the active-transaction registry used for history GC, the conditional
// watcher registry and its dispatcher, and the injected logger/clock used
// for diagnostics and retry backoff. Most programs only need the
// package-level default Engine (used transparently by the package-level
// Atomically/Conditional functions); construct one explicitly with
// NewEngine to run an isolated STM universe, e.g. in tests.
type Engine struct {
	clk versionClock

	txnsMu sync.Mutex
	txns   map[*Txn]struct{}

	watchersMu sync.Mutex
	watchers   map[*watcher]struct{}
	pendingMu  sync.Mutex
	pending    map[*watcher]struct{}
	wake       chan struct{}
	dispatcher tomb.Tomb

	log            *logrus.Logger
	clock          clock.Clock
	backoffCeiling time.Duration
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the logrus.Logger used to report watcher predicate or
// reactor panics. The default is logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the clock.Clock used for retry backoff and watcher
// dispatch coalescing. The default is clock.WallClock. Tests that need
// deterministic timing should inject a testclock.Clock here.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithBackoffCeiling bounds the randomized jitter the retry driver sleeps
// between failed attempts: attempt n sleeps a random duration in
// [0, min(n, 10) * ceiling). A ceiling of 0 disables backoff entirely
// (attempts retry immediately), which is useful for tests that want
// deterministic, fast convergence.
func WithBackoffCeiling(d time.Duration) Option {
	return func(e *Engine) { e.backoffCeiling = d }
}

// NewEngine constructs an Engine and starts its watcher dispatcher.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		txns:           make(map[*Txn]struct{}),
		watchers:       make(map[*watcher]struct{}),
		pending:        make(map[*watcher]struct{}),
		wake:           make(chan struct{}, 1),
		log:            logrus.StandardLogger(),
		clock:          clock.WallClock,
		backoffCeiling: time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher.Go(func() error {
		e.dispatchLoop()
		return nil
	})
	return e
}

// Close stops the watcher dispatcher and waits for it to exit. Cells and
// transactions created against this Engine remain valid to inspect (e.g.
// via Snapshot) after Close, but no further watcher re-evaluation happens.
func (e *Engine) Close() error {
	e.dispatcher.Kill(nil)
	return e.dispatcher.Wait()
}

var defaultEngine = NewEngine()

// Atomically runs block to completion against the package-level default
// Engine. See (*Engine).Atomically.
func Atomically(ctx context.Context, block func(context.Context, *Txn)) {
	defaultEngine.Atomically(ctx, block)
}

// Conditional registers predicate/reactor against the package-level default
// Engine. See (*Engine).Conditional.
func Conditional(predicate func(*Txn) bool, reactor func(*Txn) bool) *watcher {
	return defaultEngine.Conditional(predicate, reactor)
}
