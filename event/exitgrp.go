package event

import (
	"time"

	"vsta/defs"
	"vsta/sema"
)

// Record is one posted exit status (original_source's struct exitst):
// the dying process's identity, exit code, accumulated CPU time, and its
// last event string (spec.md §4.8's exit-group contract).
type Record struct {
	Pid      defs.Pid_t
	Code     int
	UserTime time.Duration
	SysTime  time.Duration
	Event    string
}

// Exitgrp is the parent/children rendezvous spec.md §4.8 describes: a ref
// count, a parent identity, a queue of posted status records, and a
// semaphore children release to wake a waiting parent. Grounded directly
// on original_source's exitgrp.c; the C e_parent back-pointer becomes a
// PID plus hasParent flag, since this core indexes processes by PID
// through an external table rather than holding live pointers across a
// parent/child lifetime (spec.md §9's "store indices rather than
// back-pointers").
type Exitgrp struct {
	lock sema.Spinlock

	parentPid defs.Pid_t
	hasParent bool
	departed  bool // set by NoParent: the owning proc has exited
	refs      int

	stat    []Record
	waiters *sema.Sema
}

// NewExitgrp allocates an exit group, optionally with a parent
// (exitgrp.c's alloc_exitgrp). A parentless group starts with zero
// references, matching the source's "e_refs = (parent ? 1 : 0)".
func NewExitgrp(parentPid defs.Pid_t, hasParent bool) *Exitgrp {
	refs := 0
	if hasParent {
		refs = 1
	}
	return &Exitgrp{
		parentPid: parentPid,
		hasParent: hasParent,
		refs:      refs,
		waiters:   sema.New(0),
	}
}

// ParentPid returns the group's parent, if it still has one
// (exitgrp.c's parent_exitgrp).
func (e *Exitgrp) ParentPid() (defs.Pid_t, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.parentPid, e.hasParent
}

// Ref adds a reference (exitgrp.c's ref_exitgrp).
func (e *Exitgrp) Ref() {
	e.lock.Lock()
	e.refs++
	e.lock.Unlock()
}

// Deref drops a reference, returning true if it reached zero
// (exitgrp.c's deref_exitgrp). The caller must have already disassociated
// the parent (via NoParent) before the last reference drops, same as the
// source's debug assertions require.
func (e *Exitgrp) Deref() bool {
	e.lock.Lock()
	e.refs--
	dead := e.refs == 0
	e.lock.Unlock()
	return dead
}

// NoParent disassociates the parent from the group and discards any
// status messages still queued, as a parent's own exit does
// (exitgrp.c's noparent_exitgrp). It does not itself drop the reference
// the parent held; callers call Deref separately, same as the source's
// call sites.
func (e *Exitgrp) NoParent() {
	e.lock.Lock()
	e.hasParent = false
	e.departed = true
	e.stat = nil
	e.lock.Unlock()
}

// Post queues a child's exit status for the parent to collect
// (exitgrp.c's post_exitgrp). If the parent has already departed, the
// record is silently dropped -- matching the source's "take a quick,
// unlocked look. If it appears 0, it can never change back."
func (e *Exitgrp) Post(rec Record) {
	e.lock.Lock()
	if e.departed {
		e.lock.Unlock()
		return
	}
	e.stat = append(e.stat, rec)
	e.lock.Unlock()
	e.waiters.Release()
}

// Wait dequeues one status record, blocking only if block is set and at
// least one child reference remains (exitgrp.c's wait_exitgrp). It
// returns ok=false immediately if there are no pending records and no
// children can ever post one ("no such", spec.md §4.8).
func (e *Exitgrp) Wait(block bool) (Record, bool) {
	for {
		e.lock.Lock()
		if len(e.stat) > 0 {
			rec := e.stat[0]
			e.stat = e.stat[1:]
			e.lock.Unlock()
			return rec, true
		}
		if e.refs <= 1 || !block {
			e.lock.Unlock()
			return Record{}, false
		}
		// Transfer atomically from the exitgrp's lock onto its waiters
		// semaphore, same as exitgrp.c's p_sema_v_lock(&e->e_sema, PRILO,
		// &e->e_lock) -- an uncancellable wait for a child to post.
		e.waiters.TransferFrom(sema.High, &e.lock)
	}
}
