package stm

import (
	"context"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	e := NewEngine(WithBackoffCeiling(0))
	defer e.Close()

	c := NewCell(0)
	e.Atomically(context.Background(), func(_ context.Context, txn *Txn) {
		c.Read(txn)
		c.Write(txn, 42)
		if got := c.Read(txn); got != 42 {
			t.Errorf("read-your-own-write: got %d, want 42", got)
		}
	})

	if got := c.Snapshot(); got != 42 {
		t.Errorf("Snapshot() = %d, want 42", got)
	}
}

func TestModify(t *testing.T) {
	e := NewEngine(WithBackoffCeiling(0))
	defer e.Close()

	c := NewCell(10)
	e.Atomically(context.Background(), func(_ context.Context, txn *Txn) {
		c.Modify(txn, func(v int) int { return v + 5 })
	})
	if got := c.Snapshot(); got != 15 {
		t.Errorf("Snapshot() = %d, want 15", got)
	}
}

func TestWriteOnlyPromotesOutOfReadSet(t *testing.T) {
	e := NewEngine(WithBackoffCeiling(0))
	defer e.Close()

	c := NewCell(0)
	e.Atomically(context.Background(), func(_ context.Context, txn *Txn) {
		c.Read(txn)
		c.Write(txn, 1)
		if txn.reads.Contains(cellRef(c)) {
			t.Error("cell written after being read should be promoted out of the read set")
		}
		if _, ok := txn.writes[cellRef(c)]; !ok {
			t.Error("cell should be present in the write set")
		}
	})
}

func TestReadOutsideTransactionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Read outside a transaction should panic")
		}
	}()
	c := NewCell(0)
	c.Read(nil)
}
