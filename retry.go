package stm

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Atomically runs block to completion exactly once, logically: it may
// execute block's body many times if concurrent writers keep invalidating
// its read set, but only one of those attempts is ever visible to the rest
// of the program.
//
// If ctx already carries an active transaction from an enclosing Atomically
// call, block runs directly against that transaction and joins its commit
// (flat nesting) instead of starting a new attempt.
func (e *Engine) Atomically(ctx context.Context, block func(context.Context, *Txn)) {
	if outer := txnFromContext(ctx); IsInTransaction(outer) {
		block(ctx, outer)
		return
	}

	for attempt := 0; ; attempt++ {
		txn := newTxn(e.clk.load())
		e.registerTxn(txn)
		committed, userPanic := e.runAttemptUnregistering(withTxn(ctx, txn), txn, block)

		if userPanic != nil {
			if err, ok := userPanic.(error); ok {
				panic(errors.WithStack(err))
			}
			panic(userPanic)
		}
		if committed {
			return
		}
		e.backoff(ctx, attempt+1)
	}
}

// runAttemptUnregistering wraps runAttempt with a deferred unregisterTxn, so
// the live-transaction registry used by history GC (gc.go) never keeps an
// attempt pinned after it leaves Atomically's loop — including the case
// where an OnRollback callback itself panics and unwinds straight out of
// runAttempt without returning normally.
func (e *Engine) runAttemptUnregistering(ctx context.Context, txn *Txn, block func(context.Context, *Txn)) (committed bool, userPanic any) {
	defer e.unregisterTxn(txn)
	return e.runAttempt(ctx, txn, block)
}

// runAttempt executes one attempt of block. A panic from block itself is
// recovered here, the attempt's rollback callbacks run, and the panic value
// is returned to the caller to re-raise — it is never retried. Atomically
// re-panics it verbatim, except that a value implementing error is first
// given a stack trace via errors.WithStack so the caller's recover sees
// where inside block it originated. A panic raised later, from an
// already-published attempt's commit callbacks, is deliberately left
// unrecovered: it propagates straight out of e.commit and this function to
// Atomically's caller, since the commit already succeeded and there is
// nothing left to roll back.
func (e *Engine) runAttempt(ctx context.Context, txn *Txn, block func(context.Context, *Txn)) (committed bool, userPanic any) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				userPanic = r
			}
		}()
		block(ctx, txn)
	}()
	if userPanic != nil {
		e.runRollbackCallbacks(txn)
		txn.state = txnAborted
		return false, userPanic
	}

	if len(txn.writes) == 0 && len(txn.commutes) == 0 {
		txn.state = txnCommitted
		return true, nil
	}
	return e.commit(txn), nil
}

// backoff sleeps a randomized, attempt-scaled duration before the next
// retry, giving a losing transaction's competitor room to finish rather than
// immediately re-colliding with it. A zero backoffCeiling (the default for
// engines constructed with WithBackoffCeiling(0)) disables the sleep.
func (e *Engine) backoff(ctx context.Context, attempt int) {
	d := jitter(attempt, e.backoffCeiling)
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-e.clock.After(d):
	}
}

func jitter(attempt int, ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	if attempt > 10 {
		attempt = 10
	}
	max := ceiling * time.Duration(attempt)
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
