// Package proc implements the process/thread model spec.md §4.8 describes:
// a proc owns an address space, a set of threads, and an exit group; a
// thread is this core's schedulable unit, wired into both the scheduler
// tree (sched.Sched) and event delivery (event.Thread). Grounded on
// original_source's proc.c -- allocpid's reused-PID pool, fork's
// proc/thread pair allocation, and do_exit's unwind order (post status,
// detach threads, drop the vas) -- generalized from proc.c's hand-rolled
// MALLOC/bzero/linked-list bookkeeping onto ordinary Go maps and the
// event/sched/pset/pview packages this core already built.
package proc

import (
	"sync"

	"github.com/sirupsen/logrus"

	"vsta/accnt"
	"vsta/defs"
	"vsta/event"
	"vsta/hat"
	"vsta/limits"
	"vsta/mem"
	"vsta/port"
	"vsta/prof"
	"vsta/pset"
	"vsta/pview"
	"vsta/sched"
	"vsta/tinfo"
	"vsta/trap"
)

var log = logrus.WithField("subsys", "proc")

// defaultQuantum is the run-ticks a thread is granted per sched.Pick, until
// something more elaborate (priority classes) is layered on top.
const defaultQuantum = 10

// pidWindow bounds the sliding window allocPid scans for a free PID
// before falling back to a full rescan (spec.md §4.8, §6: "PIDs are
// allocated from a sliding window... when exhausted, a rescan of all
// procs and their threads rebuilds a new window"; original_source's
// proc.c allocpid).
const pidWindow = 4096

var (
	tableMu    sync.Mutex
	windowBase defs.Pid_t = 1
	windowPos  defs.Pid_t
	// procs maps a live or reserved PID to its proc. A nil value marks a
	// PID allocPid has handed out but New/Fork has not yet populated --
	// the reservation that keeps a second concurrent allocPid from
	// picking the same slot.
	procs = map[defs.Pid_t]*Proc_t{}
)

// Thread_t is this core's schedulable unit: a TID, the proc it belongs to,
// its event-delivery state, and its own accounting (proc.c's per-thread
// struct thread, minus the machine-dependent register save area that
// belongs to the trap package instead).
type Thread_t struct {
	Tid   defs.Tid_t
	Proc  *Proc_t
	Event *event.Thread
	Accnt accnt.Accnt_t
	Note  *tinfo.Tnote_t

	// Regs is this thread's machine-independent register snapshot --
	// where it resumes in user mode (trap.Regs, shared with the ptrace
	// loop's own register view). Fork clones it from the parent thread;
	// Exec resets it to the new image's entry point and stack.
	Regs trap.Regs

	// Clock is the thread's run-tick budget, billed by the caller's own
	// clock-tick driver (spec.md §4.11's hardware clock tick).
	Clock *trap.Clock
}

// Proc_t is a process: one address space, a set of threads sharing it, the
// ports it has opened, and the exit-group rendezvous its parent waits on
// (proc.c's struct proc, with the machine-independent fields kept and the
// segment/stack bookkeeping delegated to pview.Vas).
type Proc_t struct {
	mu sync.Mutex

	Pid     defs.Pid_t
	Vas     *pview.Vas
	Exitgrp *event.Exitgrp
	Sched   *sched.Sched
	Accnt   accnt.Accnt_t

	threads  map[defs.Tid_t]*Thread_t
	nextTid  defs.Tid_t
	portrefs []*port.Portref
	exited   bool

	debug *trap.Session // non-nil once a debugger attaches, spec §4.11
}

// allocPid returns a PID from the current sliding window, reusing any
// slot not currently live. When every slot in the window is taken, it
// rescans the proc table for the highest live PID and slides the window
// to start just past it -- proc.c's allocpid rebuilding its free pool
// once the existing one is exhausted. The returned PID is marked reserved
// (procs[pid] = nil) until the caller installs the real *Proc_t.
func allocPid() (defs.Pid_t, bool) {
	if !limits.Syslimit.Sysprocs.Take() {
		return 0, false
	}
	tableMu.Lock()
	defer tableMu.Unlock()

	for i := defs.Pid_t(0); i < pidWindow; i++ {
		cand := windowBase + windowPos
		windowPos = (windowPos + 1) % pidWindow
		if cand == 0 {
			continue
		}
		if _, taken := procs[cand]; !taken {
			procs[cand] = nil
			return cand, true
		}
	}

	var maxPid defs.Pid_t
	for pid := range procs {
		if pid > maxPid {
			maxPid = pid
		}
	}
	windowBase = maxPid + 1
	windowPos = 1
	procs[windowBase] = nil
	return windowBase, true
}

// New allocates a proc with a fresh address space and exit group, optionally
// under a parent PID (proc.c's bootproc/fork share this shape; bootproc
// passes hasParent=false since boot tasks have no kernel parent to report
// to).
func New(parentPid defs.Pid_t, hasParent bool) *Proc_t {
	pid, ok := allocPid()
	if !ok {
		log.Warn("proc: Sysprocs limit reached")
		return nil
	}
	p := &Proc_t{
		Pid:     pid,
		Vas:     pview.NewVas(),
		Exitgrp: event.NewExitgrp(parentPid, hasParent),
		Sched:   sched.New(defaultQuantum),
		threads: make(map[defs.Tid_t]*Thread_t),
	}
	if !hasParent {
		// p's own reference on its group, the one Exit drops.
		p.Exitgrp.Ref()
	}
	tableMu.Lock()
	procs[pid] = p
	tableMu.Unlock()
	log.WithField("pid", pid).Info("proc created")
	return p
}

// Find looks up a live proc by PID (proc.c's pfind).
func Find(pid defs.Pid_t) (*Proc_t, bool) {
	tableMu.Lock()
	defer tableMu.Unlock()
	p, ok := procs[pid]
	if !ok || p == nil {
		return nil, false
	}
	return p, true
}

// NewThread adds a fresh thread to p, scheduled immediately.
func (p *Proc_t) NewThread() *Thread_t {
	p.mu.Lock()
	p.nextTid++
	// Composite with the PID so TIDs stay unique system-wide without a
	// second global counter needing its own lock on the thread-creation
	// hot path.
	tid := defs.Tid_t(uint32(p.Pid)<<16 | uint32(p.nextTid)&0xffff)
	t := &Thread_t{
		Tid:   tid,
		Proc:  p,
		Event: event.NewThread(tid),
		Note:  &tinfo.Tnote_t{Alive: true},
		Clock: trap.NewClock(defaultQuantum),
	}
	p.threads[tid] = t
	p.mu.Unlock()
	p.Sched.Add(tid, 1)
	return t
}

// threadStackPages is the user stack reserved for a thread that has no
// address space to inherit one from (proc.c's fork_thread allocating a
// fresh ZFOD stack for a thread beyond a process's first).
const threadStackPages = 8

// NewUserThread adds a thread with its own private ZFOD user stack
// attached at stackVA, its register snapshot starting at entry with the
// stack pointer at the top of that stack (proc.c's fork_thread: "allocate
// ZFOD user stack, clone register state, set run-queue leaf, make
// runnable" -- NewThread already covers the run-queue-leaf/runnable
// half). stackVA must not overlap any existing mapping in p.Vas.
func (p *Proc_t) NewUserThread(stackVA, entry uintptr) (*Thread_t, defs.Err_t) {
	stack := &pview.Pview{
		Mtype: pview.VAnon,
		Start: stackVA,
		Pages: threadStackPages,
		Perms: hat.P_PRESENT | hat.P_WRITE,
		Pset:  pset.New(pset.KAnon, threadStackPages),
	}
	if err := p.Vas.Attach(stack, false); err != 0 {
		return nil, err
	}
	thr := p.NewThread()
	thr.Regs = trap.Regs{PC: entry, SP: stackVA + uintptr(threadStackPages*mem.PGSIZE)}
	return thr, 0
}

// Tick bills one clock tick to thr's run-tick budget and accounting, and
// preempts it through the scheduler if the quantum is now exhausted
// (spec.md §4.11's hardware clock tick). pageoutKick is forwarded to
// trap.Clock.Tick for its periodic pageout nudge.
func (p *Proc_t) Tick(tid defs.Tid_t, pageoutKick func()) {
	p.mu.Lock()
	thr, ok := p.threads[tid]
	p.mu.Unlock()
	if !ok {
		return
	}
	if thr.Clock.Tick(&thr.Accnt, pageoutKick) {
		p.Sched.Preempt(tid)
		thr.Clock.Reset(defaultQuantum)
	}
}

// HandleTrap routes one trap thr took through trap.Dispatch against p's
// own address space and event state (spec.md §4.11's single trap entry
// point). faultVA/write/probePC apply only to a page fault; num/args/table
// only to a syscall.
func (p *Proc_t) HandleTrap(thr *Thread_t, typ trap.Type, faultVA uintptr, write bool, probePC uintptr, num int32, args [4]int64, table map[int32]trap.Syscall) (recoverPC uintptr, result int64, err defs.Err_t) {
	return trap.Dispatch(typ, p.Vas, thr.Event, faultVA, write, probePC, num, args, table)
}

// ReturnToUser delivers any event pending for thr on the way back to user
// mode, reporting the PC to resume at or that thr must be killed instead
// (spec.md §4.11's "on return to user mode" event-delivery step).
func (p *Proc_t) ReturnToUser(thr *Thread_t, handler uintptr) (newPC uintptr, kill bool) {
	return trap.ReturnToUser(p.Vas, thr.Event, handler, thr.Regs.SP, thr.Regs.PC)
}

// Threads returns every event.Thread belonging to p, for Notify's
// tid==0 "broadcast to the process" case.
func (p *Proc_t) Threads() []*event.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*event.Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t.Event)
	}
	return out
}

// AddPortref records a portref as belonging to p, for bulk close on exit
// (proc.c's do_exit calling close_portrefs across the whole table).
func (p *Proc_t) AddPortref(pr *port.Portref) {
	if !limits.Syslimit.Portrefs.Take() {
		return
	}
	p.mu.Lock()
	p.portrefs = append(p.portrefs, pr)
	p.mu.Unlock()
}

// Attach starts (or returns the existing) ptrace session over p's address
// space, for the debug port loop a PD_SLAVE-speaking client drives
// (spec.md §4.11). Per SPEC_FULL.md's multi-threaded-stop resolution, one
// session covers the whole proc; only the thread that actually hit an
// event parks in it.
func (p *Proc_t) Attach() *trap.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.debug == nil {
		p.debug = trap.NewSession(p.Vas)
	}
	return p.debug
}

// Profile renders a gzip-compressed pprof profile of every thread's
// accounting, the payload an FS_READ against this proc's D_PROF control
// port returns.
func (p *Proc_t) Profile() ([]byte, defs.Err_t) {
	p.mu.Lock()
	samples := make([]prof.Sample, 0, len(p.threads))
	for tid, t := range p.threads {
		samples = append(samples, prof.Sample{
			Pid:  p.Pid,
			Tid:  tid,
			Acct: &t.Accnt,
			Oink: 0,
		})
	}
	p.mu.Unlock()
	return prof.Encode(samples)
}

// Fork duplicates p into a child proc: a COW-shared address space
// (pview.Vas.Fork), every open portref duplicated onto the child via
// M_DUP, a new exit group linking back to p, a reference on p's own exit
// group for Wait to eventually collect the child's status, and one new
// thread cloning the calling thread's register state (proc.c's fork():
// "duplicate every open portref by sending M_DUP over it... allocate new
// proc and one new thread"). Requires p to currently have exactly one
// thread -- the caller, whose registers the child's thread clones.
func (p *Proc_t) Fork() (*Proc_t, defs.Err_t) {
	p.mu.Lock()
	if len(p.threads) != 1 {
		p.mu.Unlock()
		return nil, -defs.EINVAL
	}
	var parent *Thread_t
	for _, t := range p.threads {
		parent = t
	}
	refs := append([]*port.Portref(nil), p.portrefs...)
	p.mu.Unlock()

	child, ok := allocPid()
	if !ok {
		return nil, -defs.EAGAIN
	}
	cp := &Proc_t{
		Pid:     child,
		Vas:     p.Vas.Fork(),
		Exitgrp: event.NewExitgrp(p.Pid, true),
		Sched:   sched.New(defaultQuantum),
		threads: make(map[defs.Tid_t]*Thread_t),
	}
	tableMu.Lock()
	procs[child] = cp
	tableMu.Unlock()
	p.Exitgrp.Ref()

	for _, pr := range refs {
		if npr := pr.Dup(); npr != nil {
			cp.AddPortref(npr)
		}
	}

	cp.forkThread(parent.Regs)

	log.WithFields(logrus.Fields{"parent": p.Pid, "child": child}).Info("proc forked")
	return cp, 0
}

// forkThread finishes fork's child-side thread setup: a new thread whose
// register snapshot is cloned from the parent's, so it resumes exactly
// where the parent's fork() call returns (proc.c's fork_thread, the
// clone-register-state half; no new stack is allocated here, since
// Vas.Fork already gave the child its own COW-backed copy of the parent's
// stack pview at the same address).
func (cp *Proc_t) forkThread(parentRegs trap.Regs) *Thread_t {
	thr := cp.NewThread()
	thr.Regs = parentRegs
	return thr
}

// Exit tears p down: posts its status to the parent's exit group and drops
// the reference Fork took there, releases p's own reference on its own
// group, closes every portref it still held, and clears its address space
// (proc.c's do_exit, minus the multi-threaded "wait for siblings to
// notice" barrier -- this core only marks every thread's note doomed and
// not alive; it signals no thread and waits for none).
func (p *Proc_t) Exit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	refs := p.portrefs
	p.portrefs = nil
	for _, thr := range p.threads {
		thr.Note.Lock()
		thr.Note.Alive = false
		thr.Note.Isdoomed = true
		thr.Note.Unlock()
	}
	p.mu.Unlock()

	if parentPid, hasParent := p.Exitgrp.ParentPid(); hasParent {
		if parent, ok := Find(parentPid); ok {
			parent.Exitgrp.Post(event.Record{
				Pid:      p.Pid,
				Code:     code,
				UserTime: 0,
				SysTime:  0,
			})
			parent.Exitgrp.Deref()
		}
	}
	p.Exitgrp.NoParent()
	p.Exitgrp.Deref()

	for _, pr := range refs {
		pr.Disconnect()
		limits.Syslimit.Portrefs.Give()
	}

	p.Vas.Clear()

	tableMu.Lock()
	delete(procs, p.Pid)
	tableMu.Unlock()
	limits.Syslimit.Sysprocs.Give()
	log.WithFields(logrus.Fields{"pid": p.Pid, "code": code}).Info("proc exited")
}

// Wait blocks (if block is set) for one child's exit status (proc.c's
// waits()/wait_exitgrp indirection).
func (p *Proc_t) Wait(block bool) (event.Record, bool) {
	return p.Exitgrp.Wait(block)
}
