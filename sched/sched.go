// Package sched implements the hierarchical, weighted scheduler tree
// spec.md §4.9 describes. No scheduler source survives in original_source
// (the tree predates the surviving kern/ sources), so this is grounded
// directly on the spec's prose -- internal nodes carry a weight, leaves
// hold one runnable thread, and picking descends the tree choosing the
// heaviest child at each level -- built in the teacher's idiom: a small
// sema.Spinlock-guarded struct, explicit insert/remove rather than a
// library heap, same as the rest of this core's hand-rolled data
// structures (pset's slot array, port's message queue).
package sched

import (
	"vsta/defs"
	"vsta/sema"
	"vsta/stats"
)

// Picks and Preempts are the compile-time-gated counters D_STAT exposes
// for this package (stats.Stats being false by default costs nothing on
// the hot Pick/Preempt path).
var (
	Picks    stats.Counter_t
	Preempts stats.Counter_t
)

// node is one entry in the scheduler tree: either an internal node with
// children, or a leaf holding exactly one thread.
type node struct {
	parent   *node
	weight   int // sum of runnable leaf weights below this node
	children []*node

	// leaf-only fields.
	tid      defs.Tid_t
	leaf     bool
	runnable bool
	own      int // this leaf's own weight, independent of runnable state
}

// Sched is a hierarchical weighted run-queue: Add/Remove insert and evict
// leaves, propagating weight changes upward; Pick descends from the root
// choosing the heaviest-weighted child at each level (spec.md §4.9's
// "selecting next thread descends the tree picking heaviest-weighted
// child").
type Sched struct {
	lock sema.Spinlock

	root   *node
	leaves map[defs.Tid_t]*node

	quantum int // run-ticks granted to a thread at pick time

	// oink accumulates, per thread, how many back-to-back quanta it has
	// been forced off by preemption (spec.md §4.9's "oink counter...used
	// to decrease effective priority under contention"). Only ClearOink
	// resets it to zero; Remove drops it.
	oink map[defs.Tid_t]int
}

// New returns an empty scheduler tree with a single root node and the
// given per-pick quantum, expressed in scheduler ticks.
func New(quantum int) *Sched {
	return &Sched{
		root:    &node{},
		leaves:  make(map[defs.Tid_t]*node),
		quantum: quantum,
		oink:    make(map[defs.Tid_t]int),
	}
}

func propagate(n *node) {
	for p := n; p != nil; p = p.parent {
		if p.leaf {
			continue
		}
		w := 0
		for _, c := range p.children {
			w += c.weight
		}
		p.weight = w
	}
}

// Add inserts tid as a new runnable leaf directly under the root with the
// given weight, and propagates the weight change upward (spec.md §4.9's
// lsetrun). Re-adding an already-present tid marks it runnable again in
// place.
func (s *Sched) Add(tid defs.Tid_t, weight int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if n, ok := s.leaves[tid]; ok {
		n.runnable = true
		n.own = weight
		n.weight = weight
		propagate(n)
		return
	}
	n := &node{parent: s.root, tid: tid, leaf: true, runnable: true, own: weight, weight: weight}
	s.root.children = append(s.root.children, n)
	s.leaves[tid] = n
	propagate(n)
}

// Remove evicts tid from the tree entirely, propagating the weight loss
// upward.
func (s *Sched) Remove(tid defs.Tid_t) {
	s.lock.Lock()
	defer s.lock.Unlock()
	n, ok := s.leaves[tid]
	if !ok {
		return
	}
	delete(s.leaves, tid)
	delete(s.oink, tid)
	p := n.parent
	for i, c := range p.children {
		if c == n {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	propagate(p)
}

// Park marks tid not-currently-runnable without removing it from the
// tree (a thread that has blocked in a semaphore, for instance), so its
// weight no longer competes for selection until a later Add/Wake.
func (s *Sched) Park(tid defs.Tid_t) {
	s.lock.Lock()
	defer s.lock.Unlock()
	n, ok := s.leaves[tid]
	if !ok {
		return
	}
	n.runnable = false
	n.weight = 0
	propagate(n)
}

// Wake is Park's inverse: tid becomes runnable again at its prior weight.
func (s *Sched) Wake(tid defs.Tid_t) {
	s.lock.Lock()
	defer s.lock.Unlock()
	n, ok := s.leaves[tid]
	if !ok {
		return
	}
	n.runnable = true
	n.weight = n.own
	propagate(n)
}

// Pick descends the tree from the root, at each internal node choosing
// the heaviest-weighted child, until it reaches a runnable leaf, and
// returns that thread along with the quantum (in run-ticks) it is granted
// (spec.md §4.9: "a thread is given a quantum at pick time"). ok is false
// if no thread is currently runnable.
func (s *Sched) Pick() (tid defs.Tid_t, runTicks int, ok bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := s.root
	for !n.leaf {
		if n.weight == 0 || len(n.children) == 0 {
			return 0, 0, false
		}
		var best *node
		for _, c := range n.children {
			if c.weight == 0 {
				continue
			}
			if best == nil || c.weight > best.weight {
				best = c
			}
		}
		if best == nil {
			return 0, 0, false
		}
		n = best
	}
	Picks.Inc()
	ticks := s.quantum
	if oink := s.oink[n.tid]; oink > 0 {
		// Heavily-preempted threads run a shorter quantum next time, the
		// portable equivalent of the oink-driven priority decay spec.md
		// §4.9 describes.
		ticks = ticks / (1 + oink)
		if ticks < 1 {
			ticks = 1
		}
	}
	return n.tid, ticks, true
}

// Preempt records that tid was forced off the CPU, bumping its oink
// counter; proc.Proc_t.Tick calls it when a thread's quantum runs out.
func (s *Sched) Preempt(tid defs.Tid_t) {
	Preempts.Inc()
	s.lock.Lock()
	s.oink[tid]++
	s.lock.Unlock()
}

// ClearOink resets tid's oink counter to zero.
func (s *Sched) ClearOink(tid defs.Tid_t) {
	s.lock.Lock()
	s.oink[tid] = 0
	s.lock.Unlock()
}

// Runnable reports whether any thread in the tree currently competes for
// selection.
func (s *Sched) Runnable() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.root.weight > 0
}
