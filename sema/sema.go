// Package sema implements the two primitives every other kernel package is
// built on: a spinlock and an interruptible counting semaphore (spec.md
// §4.1). Both are grounded on the uniprocessor i386 implementation in
// original_source's vsta/src/os/mach/mutex.c: the same "count, intrusive
// sleep queue, lock-protected struct" shape, translated from cli/sti and
// t_wchan-style wakeups into goroutines blocking on channels.
package sema

import (
	"sync"

	deadlock "github.com/sasha-s/go-deadlock"

	"vsta/defs"
)

// Priority governs how Acquire reacts when the thread is woken by an event
// rather than by a matching Release (spec.md §4.1, §5 "Cancellation").
type Priority int

const (
	// High is uncancellable: Acquire always returns success, even if the
	// wakeup was an event delivery, not a release.
	High Priority = iota
	// Catchable returns an EINTR-shaped failure to the caller when an
	// event interrupts the sleep.
	Catchable
	// Low longjmp-equivalents: the caller's sleep unwinds by a panic
	// carrying the QuitErr sentinel, which callers must propagate upward
	// immediately (the Go analogue of the C implementation's longjmp to
	// t_qsav, per spec.md §9 "Interruptible semaphores").
	Low
)

// QuitErr is the value a Low-priority wait panics with when the sleep was
// broken by an event rather than a release. Callers must propagate it rather than
// retry, exactly mirroring the source's unconditional longjmp.
var QuitErr = defs.EINTR

// Spinlock is a mutual-exclusion lock meant to be held only across short
// critical sections that never sleep. It is the Go-level analogue of
// mutex.c's lock_t: no interrupt-priority argument is meaningful in a
// user-space simulation, so Lock/Unlock simply wrap a deadlock-checked
// mutex. The embedded type is swappable for sync.Mutex in a build that
// wants to drop the runtime deadlock checker.
type Spinlock struct {
	deadlock.Mutex
}

// waiter is one entry in a semaphore's sleep queue.
type waiter struct {
	wake    chan struct{}
	woken   bool
	evicted bool // true if pulled off by event delivery, not a Release
}

// Sema is a counting semaphore with a FIFO sleep queue and interruptible
// acquisition, per spec.md §4.1. The zero value is not usable; use New.
type Sema struct {
	mu    sync.Mutex
	count int
	q     []*waiter
}

// New returns a semaphore initialized to the given count (spec: "initialized
// to 1 by default, may be reset").
func New(count int) *Sema {
	return &Sema{count: count}
}

// Blocked reports whether any thread is currently sleeping on the
// semaphore (source: mutex.c's blocked_sema).
func (s *Sema) Blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count < 0
}

// Acquire decrements the count; if the result is still >= 0 it returns
// immediately. Otherwise the caller blocks until Release wakes it. The
// waiter Acquire queues has no Waiter handle, so Cancel cannot reach it:
// the EINTR (as an Err_t) and QuitErr outcomes below apply only to an
// evicted waiter, and Acquire's own sleeps end in 0.
//
// At High priority Acquire always reports success; at Catchable priority a
// cancelled sleep reports EINTR to the caller; at Low priority a cancelled
// sleep panics with QuitErr, mirroring the unconditional longjmp the
// original kernel performs at anything below PRICATCH -- callers that want
// to unwind cleanly should recover(), check the panic value against
// QuitErr, and propagate it as their own Low-priority sleep's result.
func (s *Sema) Acquire(pri Priority) defs.Err_t {
	s.mu.Lock()
	s.count--
	if s.count >= 0 {
		s.mu.Unlock()
		return 0
	}
	w := &waiter{wake: make(chan struct{})}
	s.q = append(s.q, w)
	s.mu.Unlock()

	<-w.wake

	if !w.evicted {
		// Our waker already performed the count bookkeeping.
		return 0
	}
	switch pri {
	case High:
		return 0
	case Catchable:
		return defs.EINTR
	default:
		panic(QuitErr)
	}
}

// TryAcquire decrements the count only if it is currently positive. It
// never blocks (mutex.c's cp_sema).
func (s *Sema) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// Release wakes the head of the sleep queue if one exists (transferring
// ownership of the decrement to it), or else increments count.
func (s *Sema) Release() {
	s.mu.Lock()
	if len(s.q) > 0 {
		w := s.q[0]
		s.q = s.q[1:]
		s.mu.Unlock()
		w.woken = true
		close(w.wake)
		return
	}
	s.count++
	s.mu.Unlock()
}

// ReleaseAll wakes every sleeper currently queued (mutex.c's vall_sema).
func (s *Sema) ReleaseAll() {
	for s.Blocked() {
		s.Release()
	}
}

// Set forcibly assigns the semaphore's count, per mutex.c's set_sema.
// Misuse can strand a queued waiter; callers must only use this during
// initialization.
func (s *Sema) Set(count int) {
	s.mu.Lock()
	s.count = count
	s.mu.Unlock()
}

// TransferFrom atomically releases l and joins this semaphore's queue,
// so a caller holding l can begin waiting without a missed-wakeup race
// against a concurrent Release (spec.md §4.1 "transfer"; source:
// p_sema_v_lock in mutex.c). l is unlocked before this call returns,
// whether or not the calling goroutine ends up sleeping.
func (s *Sema) TransferFrom(pri Priority, l *Spinlock) defs.Err_t {
	s.mu.Lock()
	s.count--
	if s.count >= 0 {
		s.mu.Unlock()
		l.Unlock()
		return 0
	}
	w := &waiter{wake: make(chan struct{})}
	s.q = append(s.q, w)
	s.mu.Unlock()
	l.Unlock()

	<-w.wake
	if !w.evicted {
		return 0
	}
	switch pri {
	case High:
		return 0
	case Catchable:
		return defs.EINTR
	default:
		panic(QuitErr)
	}
}

// tryCancel attempts to pull a specific waiter handle out of the sleep
// queue, as event delivery does to interrupt a sleeping thread (source:
// cunsleep in mutex.c). It is not exposed directly -- see Waiter and
// Cancel, which package a waiter handle together with the semaphore so external
// callers (the event package) never need to reach into Sema internals.
func (s *Sema) tryCancel(w *waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, qw := range s.q {
		if qw == w {
			s.q = append(s.q[:i], s.q[i+1:]...)
			// No Release pairs with an evicted waiter, so undo its decrement.
			s.count++
			w.evicted = true
			close(w.wake)
			return true
		}
	}
	return false
}

// Waiter is an opaque handle identifying one blocked Acquire call, used so
// that event delivery can cancel a specific sleeper (spec.md §4.10). Not
// all Acquire callers need a cancellable handle; sleepers queued by Acquire
// or TransferFrom have none, and Cancel cannot evict them.
type Waiter struct {
	s *Sema
	w *waiter
}

// AcquireCancellable begins a cancellable acquire attempt. If the count is
// satisfied immediately it returns done=true and a nil Waiter -- there is
// nothing to register. Otherwise it returns a Waiter that is already queued
// on the semaphore but NOT yet blocked: the caller must register it with the
// sleeping thread (event.Thread.BeginSleep) and only then call Waiter.Wait,
// so a concurrent SignalThread can find and evict the waiter instead of
// racing a sleep that hasn't published its handle yet.
func (s *Sema) AcquireCancellable(pri Priority) (w *Waiter, done bool) {
	s.mu.Lock()
	s.count--
	if s.count >= 0 {
		s.mu.Unlock()
		return nil, true
	}
	iw := &waiter{wake: make(chan struct{})}
	s.q = append(s.q, iw)
	s.mu.Unlock()
	return &Waiter{s: s, w: iw}, false
}

// Wait blocks until w is released or cancelled, applying pri's wake-on-
// cancel contract exactly as Acquire does. Call only after registering w
// with BeginSleep.
func (w *Waiter) Wait(pri Priority) defs.Err_t {
	<-w.w.wake
	if !w.w.evicted {
		return 0
	}
	switch pri {
	case High:
		return 0
	case Catchable:
		return defs.EINTR
	default:
		panic(QuitErr)
	}
}

// Cancel attempts to evict the given waiter (cunsleep's role, spec.md
// §4.1 "Cancellation"). It takes the semaphore's lock unconditionally, so
// contention never makes it fail. Returning false means the waiter is no
// longer queued: a Release already woke it or an earlier Cancel evicted
// it, and there is nothing left to cancel.
func Cancel(w *Waiter) bool {
	if w == nil {
		return true
	}
	return w.s.tryCancel(w.w)
}
