package stm

import "sync/atomic"

// versionClock is the process-wide (or, here, per-Engine) monotonically
// increasing counter that produces commit stamps. Every successful commit
// bumps it exactly once via tick, so two commits never observe the same
// stamp and every later commit's stamp is strictly greater than every
// earlier one.
type versionClock struct {
	v uint64
}

func (c *versionClock) load() uint64 {
	return atomic.LoadUint64(&c.v)
}

func (c *versionClock) tick() uint64 {
	return atomic.AddUint64(&c.v, 1)
}
