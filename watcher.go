package stm

import (
	"context"
	"time"

	"github.com/google/uuid"
	mapset "github.com/deckarep/golang-set/v2"
)

// watcher is a predicate/reactor pair re-evaluated whenever a cell it last
// read is modified. It is created by (*Engine).Conditional and lives until
// its reactor returns false or the owning Engine closes.
type watcher struct {
	id uuid.UUID

	predicate func(*Txn) bool
	reactor   func(*Txn) bool

	cellDeps mapset.Set[cellRef]
}

// Conditional registers predicate/reactor: predicate is evaluated
// immediately inside a fresh transaction, and if it is already true, reactor
// fires right away in that same transaction, so it sees the state the
// predicate held on. From then on, the watcher dispatcher
// re-evaluates predicate whenever a cell it reads commits a change,
// re-registering on whatever cells the new evaluation reads and firing
// reactor again whenever predicate turns true. Once reactor returns false,
// the watcher is deregistered permanently.
func (e *Engine) Conditional(predicate func(*Txn) bool, reactor func(*Txn) bool) *watcher {
	w := &watcher{
		id:        uuid.New(),
		predicate: predicate,
		reactor:   reactor,
	}

	e.watchersMu.Lock()
	e.watchers[w] = struct{}{}
	e.watchersMu.Unlock()

	e.evaluate(w)
	return w
}

// markPending flags w for re-evaluation and wakes the dispatcher. Multiple
// commits that land between two dispatcher passes coalesce into a single
// re-evaluation, since the second and later calls just find pending already
// set.
func (e *Engine) markPending(w *watcher) {
	e.pendingMu.Lock()
	e.pending[w] = struct{}{}
	e.pendingMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the dispatcher goroutine started by NewEngine, supervised
// by e.dispatcher (a tomb.Tomb): it wakes on e.wake, drains every pending
// watcher, and re-evaluates each one outside of any committing transaction's
// call stack.
func (e *Engine) dispatchLoop() {
	for {
		select {
		case <-e.dispatcher.Dying():
			return
		case <-e.wake:
		}

		// A short coalescing delay lets a burst of near-simultaneous
		// commits collapse into one re-evaluation pass per watcher
		// instead of one per commit.
		select {
		case <-e.dispatcher.Dying():
			return
		case <-e.clock.After(time.Millisecond):
		}

		for _, w := range e.drainPending() {
			e.evaluate(w)
		}
	}
}

func (e *Engine) drainPending() []*watcher {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	ws := make([]*watcher, 0, len(e.pending))
	for w := range e.pending {
		ws = append(ws, w)
	}
	e.pending = make(map[*watcher]struct{})
	return ws
}

// evaluate runs predicate (and, if it holds, reactor) in a fresh
// transaction, refreshes the watcher's cell dependencies, and deregisters it
// if reactor signals completion or either closure panics (logged, never
// propagated to the caller that triggered the re-evaluation).
func (e *Engine) evaluate(w *watcher) {
	keepAlive := true

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.WithField("watcher", w.id).WithField("panic", r).
					Error("stm: watcher predicate or reactor panicked, deregistering")
				keepAlive = false
			}
		}()

		e.Atomically(context.Background(), func(_ context.Context, txn *Txn) {
			fires := w.predicate(txn)
			e.rebindDeps(w, txn)
			keepAlive = true
			if fires {
				keepAlive = w.reactor(txn)
			}
		})
	}()

	if !keepAlive {
		e.deregister(w)
	}
}

// rebindDeps moves w's watcher registration from its old cell dependencies
// to whatever cells txn.reads shows the predicate consulted this time.
func (e *Engine) rebindDeps(w *watcher, txn *Txn) {
	next := txn.reads.Clone()

	if w.cellDeps != nil {
		w.cellDeps.Each(func(cell cellRef) bool {
			if !next.Contains(cell) {
				cell.removeWatcher(w)
			}
			return false
		})
	}
	next.Each(func(cell cellRef) bool {
		if w.cellDeps == nil || !w.cellDeps.Contains(cell) {
			cell.addWatcher(w)
		}
		return false
	})
	w.cellDeps = next
}

func (e *Engine) deregister(w *watcher) {
	if w.cellDeps != nil {
		w.cellDeps.Each(func(cell cellRef) bool {
			cell.removeWatcher(w)
			return false
		})
	}
	e.watchersMu.Lock()
	delete(e.watchers, w)
	e.watchersMu.Unlock()
}
