package stm

import (
	"reflect"
	"runtime"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// historyEntry is one link in a Cell's version history: the stamp of the
// transaction that wrote value, and the next-older entry.
type historyEntry struct {
	stamp uint64
	value any
	next  *historyEntry
}

// Cell is a versioned transactional reference, the basic unit of shared
// state in this runtime. Create one with NewCell and read/write it only
// through a Txn obtained from Atomically.
type Cell[T any] struct {
	lock versionedWriteLock

	mu      sync.Mutex
	history *historyEntry

	watchers mapset.Set[*watcher]
}

// NewCell creates a cell seeded at stamp 0. Cells have no engine affinity:
// any Engine's Atomically can read and commit any Cell.
func NewCell[T any](initial T) *Cell[T] {
	return newCell(initial)
}

func newCell[T any](initial T) *Cell[T] {
	return &Cell[T]{
		history:  &historyEntry{stamp: 0, value: initial},
		watchers: mapset.NewThreadUnsafeSet[*watcher](),
	}
}

// Read returns the value of the cell as seen by txn: the tentative value if
// txn already wrote it, otherwise the newest history entry whose stamp is no
// greater than txn's read stamp.
func (c *Cell[T]) Read(txn *Txn) T {
	if !IsInTransaction(txn) {
		noTransaction()
	}
	if v, ok := txn.writes[c]; ok {
		return v.(T)
	}
	txn.reads.Add(cellRef(c))
	// A committer holding the lock may already have drawn a stamp no greater
	// than txn.readStamp without having published its entry yet; wait for it.
	for locked, _ := c.lock.load(); locked; locked, _ = c.lock.load() {
		runtime.Gosched()
	}
	return c.valueAtOrBefore(txn.readStamp).(T)
}

// Write stages v as the cell's tentative value for txn. If the cell had
// already been read (but not written) this transaction, it is promoted out
// of the read set: reads and writes are always disjoint.
func (c *Cell[T]) Write(txn *Txn, v T) {
	if !IsInTransaction(txn) {
		noTransaction()
	}
	txn.reads.Remove(cellRef(c))
	if txn.writes == nil {
		txn.writes = make(map[cellRef]any, 1)
	}
	txn.writes[c] = v
}

// Modify is Write(txn, f(Read(txn))): an ordinary read-modify-write that
// always conflicts on commit with any other writer of the same cell.
func (c *Cell[T]) Modify(txn *Txn, f func(T) T) {
	c.Write(txn, f(c.Read(txn)))
}

// Commute queues f to be applied to the cell's live value at commit time.
// Unless txn also reads or writes this cell directly, the commute never
// forces a conflict with another transaction's commute on the same cell —
// concurrent commutes on a cell initialized to 0 never retry each other.
func (c *Cell[T]) Commute(txn *Txn, f func(T) T) {
	if !IsInTransaction(txn) {
		noTransaction()
	}
	txn.commutes = append(txn.commutes, commuteOp{
		cell: c,
		fn:   func(v any) any { return f(v.(T)) },
	})
}

// Snapshot reads the newest committed value without a transaction. It is for
// display/debugging only: it registers no read and gives no freshness
// guarantee beyond "at least as new as some commit that happened before this
// call returned."
func (c *Cell[T]) Snapshot() T {
	c.mu.Lock()
	v := c.history.value
	c.mu.Unlock()
	return v.(T)
}

func (c *Cell[T]) valueAtOrBefore(stamp uint64) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.history; e != nil; e = e.next {
		if e.stamp <= stamp {
			return e.value
		}
	}
	invariantViolation("history exhausted without reaching the stamp-0 entry")
	panic("unreachable")
}

// --- cellRef: the type-erased interface the commit coordinator, the GC, and
// the watcher machinery use, so none of them need to know T. ---

type cellRef interface {
	identity() uintptr
	writeLock() *versionedWriteLock
	valueAtOrBefore(stamp uint64) any
	publish(stamp uint64, v any)
	applyCommutes(stamp uint64, fns []func(any) any)
	addWatcher(w *watcher)
	removeWatcher(w *watcher)
	wake(e *Engine)
	pruneBefore(minReadStamp uint64)
}

func (c *Cell[T]) identity() uintptr {
	return reflect.ValueOf(c).Pointer()
}

func (c *Cell[T]) writeLock() *versionedWriteLock {
	return &c.lock
}

func (c *Cell[T]) publish(stamp uint64, v any) {
	c.mu.Lock()
	c.history = &historyEntry{stamp: stamp, value: v, next: c.history}
	c.mu.Unlock()
	c.lock.commit(stamp)
}

func (c *Cell[T]) applyCommutes(stamp uint64, fns []func(any) any) {
	c.mu.Lock()
	v := c.history.value
	for _, fn := range fns {
		v = fn(v)
	}
	c.history = &historyEntry{stamp: stamp, value: v, next: c.history}
	c.mu.Unlock()
	c.lock.commit(stamp)
}

func (c *Cell[T]) addWatcher(w *watcher) {
	c.mu.Lock()
	c.watchers.Add(w)
	c.mu.Unlock()
}

func (c *Cell[T]) removeWatcher(w *watcher) {
	c.mu.Lock()
	c.watchers.Remove(w)
	c.mu.Unlock()
}

func (c *Cell[T]) wake(e *Engine) {
	c.mu.Lock()
	ws := c.watchers.ToSlice()
	c.mu.Unlock()
	for _, w := range ws {
		e.markPending(w)
	}
}

// pruneBefore drops history entries strictly older than the newest entry
// whose stamp is <= minReadStamp: no live transaction can read an entry
// older than that one, since any transaction with an earlier read stamp
// would resolve to the same entry.
func (c *Cell[T]) pruneBefore(minReadStamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.history
	for e.next != nil {
		if e.stamp <= minReadStamp {
			e.next = nil
			return
		}
		e = e.next
	}
}
