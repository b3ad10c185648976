package stm

import (
	"context"
	"testing"
)

// TestFlatNesting checks that an inner Atomically called with the same ctx
// the outer one handed to its block joins the outer attempt rather than
// opening a second one, so writes from both are visible together only once
// the outer call commits.
func TestFlatNesting(t *testing.T) {
	e := NewEngine(WithBackoffCeiling(0))
	defer e.Close()

	a := NewCell(0)
	var innerTxn, outerTxn *Txn

	e.Atomically(context.Background(), func(ctx context.Context, txn *Txn) {
		outerTxn = txn
		a.Write(txn, 1)

		e.Atomically(ctx, func(_ context.Context, inner *Txn) {
			innerTxn = inner
			a.Write(inner, 2)
		})
	})

	if innerTxn != outerTxn {
		t.Error("nested Atomically should have joined the outer transaction, not opened its own")
	}
	if got := a.Snapshot(); got != 2 {
		t.Errorf("final value = %d, want 2", got)
	}
}

// TestNestingWithFreshContextDoesNotJoin is the converse: calling the inner
// Atomically with a plain, unrelated context must start a brand new
// transaction attempt instead of silently joining the outer one.
func TestNestingWithFreshContextDoesNotJoin(t *testing.T) {
	e := NewEngine(WithBackoffCeiling(0))
	defer e.Close()

	var innerTxn, outerTxn *Txn
	e.Atomically(context.Background(), func(_ context.Context, txn *Txn) {
		outerTxn = txn
		e.Atomically(context.Background(), func(_ context.Context, inner *Txn) {
			innerTxn = inner
		})
	})

	if innerTxn == outerTxn {
		t.Error("Atomically called with an unrelated context should not join the enclosing transaction")
	}
}
