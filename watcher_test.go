package stm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestConditionalWatcher checks that a watcher fires its reactor only while
// x is positive and even. 1000 transactions each increment x by 1; the
// predicate must be re-evaluated at least once beyond its initial
// registration, the reactor must fire at least once, and every firing must
// observe the predicate actually holding.
func TestConditionalWatcher(t *testing.T) {
	e := NewEngine(WithBackoffCeiling(0))
	defer e.Close()

	x := NewCell(0)
	var predicateEvals int32
	var reactorFires int32
	var sawViolation int32

	holds := func(v int) bool { return v > 0 && v&1 == 0 }

	e.Conditional(
		func(txn *Txn) bool {
			atomic.AddInt32(&predicateEvals, 1)
			return holds(x.Read(txn))
		},
		func(txn *Txn) bool {
			atomic.AddInt32(&reactorFires, 1)
			if !holds(x.Read(txn)) {
				atomic.AddInt32(&sawViolation, 1)
			}
			return true
		},
	)

	const N = 1000
	var wg sync.WaitGroup
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			e.Atomically(context.Background(), func(_ context.Context, txn *Txn) {
				x.Modify(txn, func(v int) int { return v + 1 })
			})
		}()
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&reactorFires) == 0 {
		select {
		case <-deadline:
			t.Fatal("reactor never fired within the deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The dispatcher coalesces a burst of commits into one re-evaluation
	// pass, so predicateEvals is not pinned to N+1 here; it only has to
	// have run more than once (the initial registration plus at least one
	// re-evaluation triggered by the 1000 increments).
	if got := atomic.LoadInt32(&predicateEvals); got < 2 {
		t.Errorf("predicate evaluations = %d, want at least 2", got)
	}
	if atomic.LoadInt32(&sawViolation) != 0 {
		t.Error("reactor fired while the predicate did not hold")
	}
}
