package stm

import (
	"context"
	"testing"
)

func BenchmarkReadOnly(b *testing.B) {
	e := NewEngine(WithBackoffCeiling(0))
	defer e.Close()

	x := NewCell(0)
	e.Atomically(context.Background(), func(_ context.Context, txn *Txn) {
		x.Write(txn, 42)
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Atomically(context.Background(), func(_ context.Context, txn *Txn) {
			x.Read(txn)
		})
	}
}

func BenchmarkWriteRead(b *testing.B) {
	e := NewEngine(WithBackoffCeiling(0))
	defer e.Close()

	x := NewCell(0)
	e.Atomically(context.Background(), func(_ context.Context, txn *Txn) {
		x.Write(txn, 42)
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Atomically(context.Background(), func(_ context.Context, txn *Txn) {
			x.Write(txn, 666)
			x.Read(txn)
		})
	}
}
