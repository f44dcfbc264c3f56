// Package event implements event delivery between threads (spec.md §4.10),
// grounded on original_source's event.c: each thread carries two one-slot
// event strings, system and process; signal_thread writes into the
// appropriate slot and either cancels a blocked sleep or (conceptually)
// nudges a running thread, and check_events drains pending events at the
// next return-to-user-mode boundary. The runq_lock + t_wchan cancellation
// race event.c documents (interrupt a sleep, retry if the cancel lost the
// race) involves no retry here: sema.Cancel fails only when the waiter is
// no longer queued, and SignalThread ignores that result, since the
// sleeper is then already waking and sees the event through
// Pending/CheckEvents.
package event

import (
	"encoding/binary"

	"vsta/defs"
	"vsta/pview"
	"vsta/sema"
)

// KillEvent is the single unblockable system event: regardless of a
// registered handler, receiving it always terminates the process (spec.md
// §4.10: "or the event is the unblockable kill event").
const KillEvent = "kill"

// ThreadState is the subset of a thread's run state event delivery needs
// to decide how to wake it.
type ThreadState int

const (
	Sleeping ThreadState = iota
	OnProc
	Runnable
	Dead
)

// Thread is the event-relevant slice of a kernel thread: its two event
// slots, current state, and (if sleeping) a cancellable wait handle. The
// proc package's own Thread type embeds one of these rather than this
// package depending on proc, avoiding the cyclic proc<->event reference
// the source's back-pointers have (spec.md §9).
type Thread struct {
	Tid defs.Tid_t

	lock    sema.Spinlock
	evSys   string
	evProc  string
	state   ThreadState
	waiting *sema.Waiter

	// evq serializes process-event senders against check_events: a sender
	// acquires it before writing evProc and it is released only once
	// check_events consumes the slot, so a second process event targeting
	// an already-pending one blocks until the first is delivered (event.c:
	// "a sender will sleep until the target process has accepted a
	// current event").
	evq *sema.Sema
}

// NewThread returns a thread event-state block with no pending events.
func NewThread(tid defs.Tid_t) *Thread {
	return &Thread{Tid: tid, evq: sema.New(1), state: Runnable}
}

// SetState updates the thread's run state and, when transitioning off a
// sleep, drops any now-stale wait handle.
func (t *Thread) SetState(s ThreadState) {
	t.lock.Lock()
	t.state = s
	if s != Sleeping {
		t.waiting = nil
	}
	t.lock.Unlock()
}

// BeginSleep records the wait handle for a sleep the thread is about to
// block on, so a concurrent SignalThread can cancel it. Callers arrange to
// call this after registering with the semaphore's wait queue but before
// actually blocking.
func (t *Thread) BeginSleep(w *sema.Waiter) {
	t.lock.Lock()
	t.state = Sleeping
	t.waiting = w
	t.lock.Unlock()
}

// Pending reports whether either event slot carries an unconsumed event,
// the condition event.c's EVENT(t) macro tests before bothering to take
// the lock in check_events.
func (t *Thread) Pending() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.evSys != "" || t.evProc != ""
}

// SignalThread delivers ev into the thread's system or process slot and
// wakes it if it was sleeping (event.c's signal_thread). For process
// events the caller blocks on the thread's evq semaphore first, so at most
// one process event is in flight to a given thread at a time.
func SignalThread(t *Thread, ev string, isSys bool) defs.Err_t {
	if !isSys {
		if err := t.evq.Acquire(sema.Catchable); err != 0 {
			return err
		}
	}
	t.lock.Lock()
	if isSys {
		t.evSys = ev
	} else {
		t.evProc = ev
	}
	state := t.state
	w := t.waiting
	t.lock.Unlock()

	if state == Sleeping && w != nil {
		// Best-effort: event.c retries if cunsleep loses a race with the
		// sleeper waking on its own; here sema.Cancel returns false when
		// the waiter is no longer queued. A lost race here just
		// means the sleeper is already on its way out and will observe the
		// event via Pending/CheckEvents itself.
		sema.Cancel(w)
	}
	// OnProc: in a goroutine-scheduled core there is no cross-CPU IPI to
	// send; the target observes the event the next time it calls
	// CheckEvents, which every blocking syscall return path does.
	return 0
}

// CheckEvents drains one pending event (system events take priority),
// returning it for the caller's trap-return path to act on (event.c's
// check_events, split so this package stays independent of vas/trap
// concerns).
func CheckEvents(t *Thread) (ev string, isSys bool, ok bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.evSys != "" {
		ev = t.evSys
		t.evSys = ""
		return ev, true, true
	}
	if t.evProc != "" {
		ev = t.evProc
		t.evProc = ""
		t.evq.Release()
		return ev, false, true
	}
	return "", false, false
}

// Notify sends event to a single thread (tid != 0) or to every thread in
// threads (tid == 0), per event.c's notify(). Permission checking against
// the sender's identity label is the caller's responsibility (spec.md
// §4.10: "the p_sema permission bit must be held by the sender's
// identity"), since permission labels live in a layer above this package.
func Notify(threads []*Thread, tid defs.Tid_t, ev string) defs.Err_t {
	if tid != 0 {
		for _, t := range threads {
			if t.Tid == tid {
				return SignalThread(t, ev, false)
			}
		}
		return -defs.ESRCH
	}
	for _, t := range threads {
		if err := SignalThread(t, ev, false); err != 0 {
			return err
		}
	}
	return 0
}

// frameSize bounds the blob Deliver writes to the user stack: two
// pointer-sized words (previous SP, previous PC) plus a fixed-size event
// string field, generously larger than event.c's EVLEN.
const frameSize = 256

// Deliver implements spec.md §4.10's "on return to user mode" step, and
// spec.md §9's suggested event-delivery-frame shape: {prev-sp, prev-pc,
// event-string} written via copyout, leaving the architecture-specific
// jump-to-handler to the caller (the trap/proc layer, which owns the trap
// frame's PC register). If handler is the zero value, or ev is the
// unblockable kill event, the caller must terminate the process instead of
// attempting delivery.
func Deliver(vas *pview.Vas, handler uintptr, curSP, curPC uintptr, ev string) (newPC uintptr, kill bool, err defs.Err_t) {
	if handler == 0 || ev == KillEvent {
		return 0, true, 0
	}
	if len(ev)+16 > frameSize {
		ev = ev[:frameSize-16]
	}
	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(curSP))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(curPC))
	copy(buf[16:], ev)

	newSP := curSP - uintptr(frameSize)
	var ub pview.Userbuf_t
	ub.Init(vas, newSP, frameSize)
	if _, werr := ub.Uiowrite(buf); werr != 0 {
		return 0, false, werr
	}
	return handler, false, 0
}
