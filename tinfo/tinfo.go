// Package tinfo tracks per-thread kill/doom state (spec.md §4.8's
// "thread") and the "current thread" lookup used throughout the kernel to
// find the caller's own note without threading a parameter through every
// call. The teacher's version of Current/SetCurrent used a pair of hooks
// (runtime.Gptr/Setgptr) that exist only in biscuit's own forked runtime,
// storing the pointer directly in the goroutine's g struct. A stock Go
// module has no such hook, so this keeps the same "current thread, looked
// up implicitly" API but backs it with a map keyed by the calling
// goroutine's id, using the same goid library go-deadlock already depends
// on to tell goroutines apart for its own lock-order tracking.
package tinfo

import (
	"sync"

	"github.com/petermattis/goid"

	"vsta/defs"
)

// Tnote_t stores per-thread state consulted by event delivery and exit.
type Tnote_t struct {
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

// Threadinfo_t tracks all thread notes.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

var (
	curMu sync.Mutex
	cur   = make(map[int64]*Tnote_t)
)

// Current returns the calling goroutine's thread note. It panics if none
// was installed with SetCurrent, same as the teacher's nil-Gptr check.
func Current() *Tnote_t {
	id := goid.Get()
	curMu.Lock()
	p, ok := cur[id]
	curMu.Unlock()
	if !ok {
		panic("tinfo: no current thread for this goroutine")
	}
	return p
}

// SetCurrent installs p as the current thread note for the calling
// goroutine. Each goroutine may only install one note for its lifetime.
func SetCurrent(p *Tnote_t) {
	if p == nil {
		panic("tinfo: SetCurrent(nil)")
	}
	id := goid.Get()
	curMu.Lock()
	defer curMu.Unlock()
	if _, ok := cur[id]; ok {
		panic("tinfo: SetCurrent called twice on the same goroutine")
	}
	cur[id] = p
}

// ClearCurrent removes the current thread note for the calling goroutine.
// Callers must invoke this before the goroutine exits, or the entry leaks.
func ClearCurrent() {
	id := goid.Get()
	curMu.Lock()
	defer curMu.Unlock()
	if _, ok := cur[id]; !ok {
		panic("tinfo: ClearCurrent with no current thread")
	}
	delete(cur, id)
}
