package stm

import (
	"context"

	"github.com/google/uuid"

	mapset "github.com/deckarep/golang-set/v2"
)

type txnState int32

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

// commuteOp is one queued (cell, fn) pair from a Cell.Commute call, recorded
// in encounter order so both materialization and commute-only application
// replay commutes in the order they were issued.
type commuteOp struct {
	cell cellRef
	fn   func(any) any
}

// Txn is the per-attempt transaction context. It is created fresh by
// Atomically for every attempt and frozen the moment it commits or aborts.
type Txn struct {
	id uuid.UUID

	readStamp uint64

	reads  mapset.Set[cellRef]
	writes map[cellRef]any

	commutes     []commuteOp
	commuteFns   map[cellRef][]func(any) any
	commuteOrder []cellRef

	onCommit   []func()
	onRollback []func()

	state txnState

	locked []cellRef
}

func newTxn(readStamp uint64) *Txn {
	return &Txn{
		id:        uuid.New(),
		readStamp: readStamp,
		reads:     mapset.NewThreadUnsafeSet[cellRef](),
		state:     txnActive,
	}
}

// State reports the transaction's current lifecycle state.
func (txn *Txn) State() string {
	switch txn.state {
	case txnActive:
		return "active"
	case txnCommitted:
		return "committed"
	case txnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ID returns the transaction attempt's diagnostic identifier. It has no
// bearing on commit semantics; it exists so log lines and tests can name a
// specific attempt.
func (txn *Txn) ID() uuid.UUID {
	return txn.id
}

// OnCommit registers f to run after this transaction's writes have been
// published and all locks released, in FIFO order with other OnCommit
// callbacks registered on the same Txn. f must not call Atomically on cells
// this transaction just wrote from inside itself — the commit has already
// happened, so a fresh Atomically is safe, but re-entering this attempt is
// not possible since it is already frozen by the time callbacks run.
func (txn *Txn) OnCommit(f func()) {
	txn.onCommit = append(txn.onCommit, f)
}

// OnRollback registers f to run if this attempt aborts, whether from a user
// panic or a lost commit race. Each retry attempt gets its own OnRollback
// queue, so a callback registered on a losing attempt fires once, for that
// attempt only.
func (txn *Txn) OnRollback(f func()) {
	txn.onRollback = append(txn.onRollback, f)
}

// IsInTransaction reports whether txn is a live, active transaction handle.
func IsInTransaction(txn *Txn) bool {
	return txn != nil && txn.state == txnActive
}

// --- ambient transaction carried on context.Context, used only to give
// Atomically its flat-nesting behavior. Cell operations never consult this
// — they always take an explicit *Txn. ---

type txnCtxKey struct{}

func withTxn(ctx context.Context, txn *Txn) context.Context {
	return context.WithValue(ctx, txnCtxKey{}, txn)
}

func txnFromContext(ctx context.Context) *Txn {
	if ctx == nil {
		return nil
	}
	txn, _ := ctx.Value(txnCtxKey{}).(*Txn)
	return txn
}
