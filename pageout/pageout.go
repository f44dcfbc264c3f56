// Package pageout implements the two-handed clock page-replacement daemon
// spec.md §4.5 describes, grounded directly on original_source's
// vm_steal.c: a forward hand that only clears reference bits under light
// trouble, a trailing hand SPREAD pages behind it that actually steals
// clean pages (and kicks off writeback for dirty ones) once trouble rises,
// and a scan-count-per-wakeup schedule keyed to three trouble bands. The
// daemon itself -- a goroutine woken on a timer or by an explicit Kick --
// replaces the source's p_sema(&pageout_sema, PRIHI)/kick_pageout() pair
// with github.com/boz/go-throttle, whose trailing-edge Trigger() collapses
// a burst of allocation-failure kicks into a single extra scan the same way
// the original's "clear all v's after wakeup" does for a burst of v_sema
// calls racing the daemon's own wakeup.
package pageout

import (
	"time"

	"github.com/boz/go-throttle"

	"vsta/defs"
	"vsta/mem"
	"vsta/oommsg"
	"vsta/pset"
)

// spreadFrac/desfreeFrac/minfreeFrac mirror vm_steal.c's SPREAD/DESFREE/
// MINFREE divisors (8, 8, 16): hand separation and the two free-memory
// thresholds are all expressed as a fraction of total memory rather than a
// fixed page count, so the daemon scales to whatever arena Phys_init
// reserved.
const (
	spreadFrac  = 8
	desfreeFrac = 8
	minfreeFrac = 16
)

// Scan-count divisors for each trouble band (vm_steal.c's SMALLSCAN/
// MEDSCAN/LARGESCAN): the daemon does more work per wakeup, and sleeps for
// less of it, as memory gets tighter.
const (
	smallscan = 32
	medscan   = 16
	largescan = 4
)

// period is how often the daemon wakes on its own, standing in for
// PAGEOUT_SECS -- the clock-interrupt-driven kick_pageout() interval in the
// original.
const period = 5 * time.Second

// Pageout is the running two-handed clock daemon over one Physmem_t arena.
type Pageout struct {
	phys  *mem.Physmem_t
	total int

	hand1, hand2 int // page indices into phys.Pgs

	desfree, minfree int
	troubleCnt       [3]int
	npg              int // pages scanned since the last sleep

	kick throttle.ThrottleDriver
	stop chan struct{}
	done chan struct{}
}

// New builds a daemon over phys's full arena with its hands placed SPREAD
// apart, as pageout() does once at startup.
func New(phys *mem.Physmem_t) *Pageout {
	total := len(phys.Pgs)
	if total == 0 {
		panic("pageout: empty arena")
	}
	po := &Pageout{
		phys:    phys,
		total:   total,
		desfree: total / desfreeFrac,
		minfree: total / minfreeFrac,
		troubleCnt: [3]int{
			total / smallscan,
			total / medscan,
			total / largescan,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	po.hand2 = 0
	po.hand1 = (0 + total/spreadFrac) % total
	return po
}

// Start launches the daemon's background goroutine: a ticker for the
// periodic wakeup plus a throttled trigger for Kick, matching the source's
// "sleep until either the clock or an allocator kicks us".
func (po *Pageout) Start() {
	po.kick = throttle.ThrottleFunc(period/10, true, po.runOnce)
	go po.loop()
}

// Stop halts the daemon. It does not block for the current scan to finish.
func (po *Pageout) Stop() {
	close(po.stop)
	po.kick.Stop()
}

func (po *Pageout) loop() {
	defer close(po.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-po.stop:
			return
		case <-ticker.C:
			po.runOnce()
		}
	}
}

// Kick wakes the daemon out of turn, the portable equivalent of
// kick_pageout(): allocation paths call this when they notice memory is
// tight. Repeated kicks inside one throttle period collapse into a single
// extra scan, same as the original's "v_sema" racing its own periodic
// wakeup and getting cleared in one go.
func (po *Pageout) Kick() {
	if po.kick != nil {
		po.kick.Trigger()
	}
}

// freemem sums the global and every per-CPU free list, the portable
// equivalent of the source's global freemem counter.
func (po *Pageout) freemem() int {
	global, percpu := po.phys.Pgcount()
	total := global
	for _, n := range percpu {
		total += n
	}
	return total
}

func (po *Pageout) trouble() int {
	free := po.freemem()
	switch {
	case free < po.minfree:
		return 2
	case free < po.desfree:
		return 1
	default:
		return 0
	}
}

// runOnce runs one batch of the clock algorithm: as many hand1/hand2 pairs
// as the current trouble band's scan count calls for, mirroring the
// source's "if (npg > troub_cnt[trouble]) sleep" gate inverted into "do
// troub_cnt[trouble] pairs, then return and wait for the next wakeup".
func (po *Pageout) runOnce() {
	trouble := po.trouble()
	target := po.troubleCnt[trouble]
	for i := 0; i < target; i++ {
		po.doHand(po.hand1, trouble, steal1)
		po.hand1 = (po.hand1 + 1) % po.total
		po.doHand(po.hand2, trouble, steal2)
		po.hand2 = (po.hand2 + 1) % po.total
	}

	// A full severe-trouble pass that still leaves us short means scanning
	// alone won't save us; tell whoever is waiting on an allocation to back
	// off or fail, the same escalation the source leaves to its own
	// out-of-memory kill path. Non-blocking: with nobody listening this is
	// a no-op, not a stall.
	if trouble > 1 && po.trouble() > 1 {
		select {
		case oommsg.OomCh <- oommsg.Oommsg_t{Need: po.minfree - po.freemem()}:
		default:
		}
	}
}

// steal1 is the forward hand's policy (vm_steal.c): only steal once trouble
// is severe (band 2); otherwise it just clears the reference bit on its
// way past.
func steal1(referenced, modified bool, trouble int) bool {
	return trouble > 1
}

// steal2 is the trailing hand's policy: steal any clean, unreferenced page
// once there is any trouble at all.
func steal2(referenced, modified bool, trouble int) bool {
	return trouble > 0 && !referenced && !modified
}

// pageAddr recovers the Pa_t a hand index names. The arena is contiguous
// with no bad-page holes to skip (unlike the source's BAD(c) checks over
// real hardware's reserved ranges), so this is pure arithmetic.
func (po *Pageout) pageAddr(n int) mem.Pa_t {
	return mem.ArenaBase + mem.Pa_t(n)<<mem.PGSHIFT
}

// doHand applies one hand's policy to the page at index n, with all the
// conditional locking vm_steal.c's do_hand does: a page with no recorded
// owner is free or mid-transition and is skipped outright; a slot already
// locked by someone else (a concurrent fault, or the other hand on a COW
// master's child) is skipped rather than waited on, so the daemon never
// blocks behind ordinary traffic.
func (po *Pageout) doHand(n int, trouble int, steal func(referenced, modified bool, trouble int) bool) {
	pa := po.pageAddr(n)
	owner := po.phys.GetOwner(pa)
	if owner == nil {
		return
	}
	o, ok := owner.(pset.Owner)
	if !ok {
		return
	}
	ps, idx := o.Ps, o.Idx

	if !ps.TryLockSlot(idx) {
		return
	}
	held := true
	defer func() {
		if held {
			ps.UnlockSlot(idx)
		}
	}()

	if !ps.SlotValid(idx) || ps.SlotPhys(idx) != pa {
		// Owner record is stale: the slot moved on since GetOwner read it.
		return
	}

	// steal_master's walk: a COW master's children can each independently
	// hold the page referenced, the way the source's unvirt() tears down
	// each child's translation before deciding refs have reached zero. This
	// core tracks sharedness through mem.Physmem's refcount rather than a
	// reverse HAT map, so the walk here only needs to touch each child's
	// slot enough to let its own fault path observe the parent's state;
	// the refcount read below is what actually decides stealability.
	if ps.Kind != pset.KCow {
		ps.CowChildren(func(c *pset.Pset) {
			if c.TryLockSlot(idx) {
				c.UnlockSlot(idx)
			}
		})
	}

	if po.phys.Refcnt(pa) > 1 {
		// Still shared beyond this one slot; leave it, but age out its
		// reference bit like the source's housekeeping clear.
		ps.ClearReferenced(idx)
		return
	}

	referenced := ps.SlotReferenced(idx)
	modified := ps.SlotModified(idx)

	switch {
	case !modified && steal(referenced, modified, trouble):
		ps.StealSlot(idx)
	case trouble > 0 && modified && ps.Kind == pset.KFile:
		// Dirty and worth pushing: hand the slot off to an async writeback,
		// same as the source's psop_writeslot/iodone_unlock split -- the
		// lock is released by the callback, not here.
		held = false
		ps.Writeslot(idx, func(err defs.Err_t) {
			if err == 0 {
				ps.StealSlot(idx)
			}
			ps.UnlockSlot(idx)
		})
	default:
		ps.ClearReferenced(idx)
	}
}
