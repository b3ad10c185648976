package stm

import (
	"runtime"
	"sort"
)

// commit runs the lock/validate/publish commit protocol for txn. It reports
// whether the attempt committed; on false, the caller's retry driver
// discards txn and starts a fresh attempt. Rollback callbacks have already
// run and any locks txn held have already been released by the time commit
// returns false.
func (e *Engine) commit(txn *Txn) bool {
	materializeCommutes(txn)

	targets := make([]cellRef, 0, len(txn.writes)+len(txn.commuteOrder))
	for cell := range txn.writes {
		targets = append(targets, cell)
	}
	targets = append(targets, txn.commuteOrder...)
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].identity() < targets[j].identity()
	})

	if !acquireLocks(txn, targets) {
		e.runRollbackCallbacks(txn)
		txn.state = txnAborted
		return false
	}

	writeVersion := e.clk.tick()
	if writeVersion != txn.readStamp+1 {
		if !validateReads(txn) {
			releaseLocks(txn)
			e.runRollbackCallbacks(txn)
			txn.state = txnAborted
			return false
		}
	}

	for cell, v := range txn.writes {
		cell.publish(writeVersion, v)
	}
	for _, cell := range txn.commuteOrder {
		cell.applyCommutes(writeVersion, txn.commuteFns[cell])
	}
	txn.locked = nil
	txn.state = txnCommitted

	e.gcAfterCommit(targets)

	for _, f := range txn.onCommit {
		f()
	}
	for _, cell := range targets {
		cell.wake(e)
	}
	return true
}

// materializeCommutes implements Phase A: a commute on a cell the
// transaction already reads or writes degrades into an ordinary
// read-modify-write (losing the no-conflict property); a commute on any
// other cell is queued into commuteFns/commuteOrder to be applied directly
// against the live value at publish time.
func materializeCommutes(txn *Txn) {
	for _, op := range txn.commutes {
		if v, ok := txn.writes[op.cell]; ok {
			txn.writes[op.cell] = op.fn(v)
			continue
		}
		if txn.reads.Contains(op.cell) {
			cur := op.cell.valueAtOrBefore(txn.readStamp)
			txn.reads.Remove(op.cell)
			if txn.writes == nil {
				txn.writes = make(map[cellRef]any, 1)
			}
			txn.writes[op.cell] = op.fn(cur)
			continue
		}
		if txn.commuteFns == nil {
			txn.commuteFns = make(map[cellRef][]func(any) any)
		}
		if _, exists := txn.commuteFns[op.cell]; !exists {
			txn.commuteOrder = append(txn.commuteOrder, op.cell)
		}
		txn.commuteFns[op.cell] = append(txn.commuteFns[op.cell], op.fn)
	}
}

// acquireLocks implements Phase B: targets must already be sorted into a
// deterministic order so that two transactions contending for the same
// cells always attempt to acquire them in the same order, ruling out
// deadlock between them. A busy lock on a written cell aborts the attempt;
// a busy lock on a commute-only cell is waited out instead, so concurrent
// commutes on the same cell serialize on its lock without retrying.
func acquireLocks(txn *Txn, targets []cellRef) bool {
	for _, cell := range targets {
		_, commuteOnly := txn.commuteFns[cell]
		for !cell.writeLock().tryAcquire() {
			if !commuteOnly {
				releaseLocks(txn)
				return false
			}
			runtime.Gosched()
		}
		txn.locked = append(txn.locked, cell)
	}
	return true
}

func releaseLocks(txn *Txn) {
	for _, cell := range txn.locked {
		cell.writeLock().release()
	}
	txn.locked = nil
}

// validateReads checks that every cell this transaction read is still
// unlocked and unchanged since readStamp, and that no cell it writes (whose
// lock it already holds) was committed by anyone else since readStamp. Write
// moves a cell out of the read set, so the write-set check is what makes a
// read-modify-write conflict with a concurrent writer. The caller skips it
// entirely when this transaction was the sole writer since the last commit
// (writeVersion == readStamp+1), a fast path that needs no validation at all.
func validateReads(txn *Txn) bool {
	for cell := range txn.writes {
		if _, version := cell.writeLock().load(); version > txn.readStamp {
			return false
		}
	}
	ok := true
	txn.reads.Each(func(cell cellRef) bool {
		locked, version := cell.writeLock().load()
		if locked || version > txn.readStamp {
			ok = false
			return true
		}
		return false
	})
	return ok
}

func (e *Engine) runRollbackCallbacks(txn *Txn) {
	for _, f := range txn.onRollback {
		f()
	}
}
