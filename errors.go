package stm

import (
	"github.com/pkg/errors"
)

// ErrNoTransaction is returned (via panic, recovered only at the Atomically
// boundary) when a Cell operation is given a nil or inactive Txn.
var ErrNoTransaction = errors.New("stm: operation requires an active transaction")

// ErrInvariantViolation signals a broken internal invariant: a history whose
// stamps are not strictly decreasing, or a lock released or committed without
// being held. It is never expected to fire and is not meant to be recovered.
var ErrInvariantViolation = errors.New("stm: internal invariant violated")

// noTransaction panics with a stack-carrying ErrNoTransaction. Cell methods
// call this instead of returning an error because a missing transaction is a
// programmer mistake, not a condition a caller is expected to branch on.
func noTransaction() {
	panic(errors.WithStack(ErrNoTransaction))
}

func invariantViolation(msg string) {
	panic(errors.Wrap(ErrInvariantViolation, msg))
}
