package stm

// registerTxn and unregisterTxn maintain the set of live attempts so the
// history pruner never drops an entry a running transaction might still
// need. registerTxn (re)loads txn.readStamp from the clock under the same
// lock minReadStamp holds, so no prune can run between the stamp being read
// and the attempt becoming visible to minReadStamp.
func (e *Engine) registerTxn(txn *Txn) {
	e.txnsMu.Lock()
	txn.readStamp = e.clk.load()
	e.txns[txn] = struct{}{}
	e.txnsMu.Unlock()
}

func (e *Engine) unregisterTxn(txn *Txn) {
	e.txnsMu.Lock()
	delete(e.txns, txn)
	e.txnsMu.Unlock()
}

// minReadStamp returns the smallest readStamp among all live transactions,
// or the current clock value if none are live (in which case every cell's
// history can be pruned down to its newest entry).
func (e *Engine) minReadStamp() uint64 {
	e.txnsMu.Lock()
	defer e.txnsMu.Unlock()
	min := e.clk.load()
	for txn := range e.txns {
		if txn.readStamp < min {
			min = txn.readStamp
		}
	}
	return min
}

// gcAfterCommit prunes the history of every cell a transaction just
// committed against the current minimum live read stamp. Pruning piggybacks
// on the committing goroutine rather than running as a separate background
// sweep: each commit only touches the handful of cells it just wrote, so the
// per-commit cost is bounded and there is no separate GC goroutine to
// supervise or shut down.
func (e *Engine) gcAfterCommit(cells []cellRef) {
	min := e.minReadStamp()
	for _, c := range cells {
		c.pruneBefore(min)
	}
}
