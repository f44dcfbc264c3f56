package trap

import (
	"sync/atomic"
	"time"

	"vsta/accnt"
)

// ClockHz is the simulated hardware timer rate Tick's caller is expected
// to drive it at (original_source's xclock.c hardclock, reduced here to
// an explicit call this core's scheduler makes instead of a real periodic
// interrupt).
const ClockHz = 100

// pageoutEvery mirrors pageout's own PAGEOUT_SECS cadence (5s) in ticks,
// so Clock.Tick's periodic pageout kick fires on the same schedule
// xclock.c's "periodically kick the pageout daemon" describes, without
// this package importing pageout just to read one constant.
const pageoutEvery = ClockHz * 5

// Clock tracks one thread's run-tick budget and bills wall time to its
// accounting on every tick (spec.md §4.11's hardware clock tick:
// "bill the running thread... decrement the running thread's run-ticks
// and set do_preempt when exhausted, and periodically kick the pageout
// daemon").
type Clock struct {
	ticksLeft int32
	preempt   int32
	ticks     int64
}

// NewClock starts a clock with a fresh quantum of run-ticks.
func NewClock(quantum int) *Clock {
	return &Clock{ticksLeft: int32(quantum)}
}

// Tick bills one tick's worth of wall time to acct, decrements the
// thread's remaining run-ticks (flagging do_preempt once they reach
// zero), and invokes pageoutKick every pageoutEvery ticks if non-nil.
// Returns whether do_preempt is now set.
func (c *Clock) Tick(acct *accnt.Accnt_t, pageoutKick func()) bool {
	acct.Systadd(int(time.Second) / ClockHz)
	left := atomic.AddInt32(&c.ticksLeft, -1)
	if left <= 0 {
		atomic.StoreInt32(&c.preempt, 1)
	}
	if n := atomic.AddInt64(&c.ticks, 1); pageoutKick != nil && n%pageoutEvery == 0 {
		pageoutKick()
	}
	return left <= 0
}

// DoPreempt reports and clears do_preempt, the flag xclock.c's hardclock
// sets once a thread's quantum is exhausted; a trap-return path consults
// this (only at a clean lock boundary, per spec.md §4.11) to decide
// whether to call sched.Preempt.
func (c *Clock) DoPreempt() bool {
	return atomic.CompareAndSwapInt32(&c.preempt, 1, 0)
}

// Reset replenishes the run-tick budget for a freshly scheduled quantum.
func (c *Clock) Reset(quantum int) {
	atomic.StoreInt32(&c.ticksLeft, int32(quantum))
}
