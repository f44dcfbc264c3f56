// Package pview implements pviews and vases (spec.md §4.4): a vas is a
// sorted list of pviews plus HAT state, and fault resolution walks that
// list to find the pset slot responsible for a faulting address. This
// generalizes the teacher's vm/as.go, which resolves faults by walking a
// real x86 PML4 (mem.Pmap_t, PTE_* bits) built one page table at a time.
// That machinery depends on the direct-mapped recursive self-map slot and
// runtime hooks (Vtop, Cpuid, Rcr4, Pml4freeze, Condflush) only biscuit's
// forked runtime provides. Here the same fault-resolution algorithm --
// locate pview, compute slot index, lock slot, fillslot, upgrade COW on
// write, install translation, unlock -- runs against the hat.Space
// interface and a pset.Pset instead, so it compiles and runs as an
// ordinary Go process. The lock-then-fault-then-unlock shape, and the
// guard-page / stack-growth behavior, follow spec.md §4.4 directly, since
// the teacher's as.go does not show a complete Vmregion_t to generalize
// from.
package pview

import (
	"sort"
	"sync"

	"vsta/defs"
	"vsta/hat"
	"vsta/mem"
	"vsta/pset"
)

// Mtype identifies what kind of object backs a pview.
type Mtype int

const (
	// VAnon is private anonymous memory (may become COW on fork).
	VAnon Mtype = iota
	// VFile is a private or shared file-backed mapping.
	VFile
	// VShareAnon is shared anonymous memory (never COW'd on fork).
	VShareAnon
)

// Pview describes one mapped region of a vas: a byte range and the pset
// backing it (spec.md §4.4).
type Pview struct {
	Mtype Mtype
	Start uintptr // page-aligned virtual start
	Pages int     // length in pages
	Perms hat.Prot
	Pset  *pset.Pset
	// pgoff is the index of this pview's first page within Pset -- a
	// pview need not start at the pset's page zero (e.g. a segment built
	// over part of a pview, spec.md §4.6).
	pgoff int
	// Vas is the address space this pview is currently attached to, set
	// by Vas.Attach. A freshly Dup'd pview (seg.Make) has this nil until
	// attached into a (possibly different) vas.
	Vas *Vas
}

func (v *Pview) end() uintptr { return v.Start + uintptr(v.Pages)*uintptr(mem.PGSIZE) }

// End returns the pview's exclusive end address.
func (v *Pview) End() uintptr { return v.end() }

func (v *Pview) contains(va uintptr) bool {
	return va >= v.Start && va < v.end()
}

func (v *Pview) slotFor(va uintptr) int {
	return v.pgoff + int((va-v.Start)>>mem.PGSHIFT)
}

// SlotFor returns the pset slot index backing va within this pview, for
// callers outside the package that need to lock/fill a specific slot
// directly (seg.c's copyoutsegs resolves the sender side this way).
func (v *Pview) SlotFor(va uintptr) int { return v.slotFor(va) }

// Dup returns a copy of the pview structure sharing the same pset
// reference the caller already holds (seg.c's make_seg: "duplicates the
// pview structure"). The caller is responsible for the extra pset
// reference this implies.
func (v *Pview) Dup() *Pview {
	nv := *v
	nv.Vas = nil
	return &nv
}

// StackGrowMax bounds how far a stack-growth fault is allowed to extend
// the stack pview downward, per spec.md §4.4 "up to a maximum".
const StackGrowMax = 8 << 20 // 8MB

// Vas is a process address space: a sorted pview list plus the HAT
// translation table backing it (spec.md §4.4's "vas is a collection of
// pviews plus HAT state").
type Vas struct {
	mu     sync.Mutex
	views  []*Pview // sorted by Start
	Space  hat.Space
	stackv *Pview // the pview eligible for stack-growth extension, if any
}

// NewVas returns an empty address space backed by a fresh software HAT.
func NewVas() *Vas {
	return &Vas{Space: hat.NewSoftSpace()}
}

// Attach finds room for (or validates) a pview and inserts it into the
// vas, registering nothing with the HAT yet -- translations are installed
// lazily by fault resolution (spec.md §4.4: "register with the HAT so
// that future faults can be resolved" is satisfied just by membership in
// Vas.views, since SoftSpace entries are created on demand).
func (vas *Vas) Attach(v *Pview, markStack bool) defs.Err_t {
	vas.mu.Lock()
	defer vas.mu.Unlock()
	for _, o := range vas.views {
		if v.Start < o.end() && o.Start < v.end() {
			return -defs.EINVAL
		}
	}
	v.Vas = vas
	vas.views = append(vas.views, v)
	sort.Slice(vas.views, func(i, j int) bool { return vas.views[i].Start < vas.views[j].Start })
	if markStack {
		vas.stackv = v
	}
	return 0
}

// Detach removes a pview, tearing down its HAT entries and dropping the
// pset reference.
func (vas *Vas) Detach(v *Pview) {
	vas.mu.Lock()
	for i, o := range vas.views {
		if o == v {
			vas.views = append(vas.views[:i], vas.views[i+1:]...)
			break
		}
	}
	if vas.stackv == v {
		vas.stackv = nil
	}
	vas.mu.Unlock()
	for pg := v.Start; pg < v.end(); pg += uintptr(mem.PGSIZE) {
		if e, ok := vas.Space.Remove(pg); ok {
			v.Pset.Slots[v.slotFor(pg)].MarkRM(e.Prot&hat.P_ACCESSED != 0, e.Prot&hat.P_DIRTY != 0)
			mem.Physmem.Refdown(e.Phys)
		}
	}
	v.Pset.Deref()
}

// Lookup returns the pview containing va, if any.
func (vas *Vas) Lookup(va uintptr) (*Pview, bool) {
	vas.mu.Lock()
	defer vas.mu.Unlock()
	for _, v := range vas.views {
		if v.contains(va) {
			return v, true
		}
	}
	return nil, false
}

// Clear tears down every pview in the vas (spec.md §4.8's exit/exec vas
// teardown).
func (vas *Vas) Clear() {
	vas.mu.Lock()
	views := append([]*Pview(nil), vas.views...)
	vas.mu.Unlock()
	for _, v := range views {
		vas.Detach(v)
	}
}

// ClearExceptShared tears down every pview except explicitly shared
// mappings, for exec's vas rewrite (spec.md §4.8: "tear down the vas
// except PROT_MMAP views"). This core's closest analogue to a POSIX
// PROT_MMAP mapping persisting across exec is VShareAnon -- a pview
// explicitly marked shared rather than demand-COW'd on fork -- so exec
// preserves those and detaches everything else.
func (vas *Vas) ClearExceptShared() {
	vas.mu.Lock()
	views := append([]*Pview(nil), vas.views...)
	vas.mu.Unlock()
	for _, v := range views {
		if v.Mtype == VShareAnon {
			continue
		}
		vas.Detach(v)
	}
}

// Fault resolves a page fault at va with the given write flag, per
// spec.md §4.4's fault-resolution algorithm. If va falls outside every
// pview but is within the stack-growth window below the vas's designated
// stack pview, a new pview is grown downward to cover it first.
func (vas *Vas) Fault(va uintptr, write bool) defs.Err_t {
	v, ok := vas.Lookup(va)
	if !ok {
		v, ok = vas.tryGrowStack(va)
		if !ok {
			return -defs.EFAULT
		}
	}
	if v.Perms == 0 {
		return -defs.EFAULT // guard page
	}
	if write && v.Perms&hat.P_WRITE == 0 {
		return -defs.EFAULT
	}

	idx := v.slotFor(va)
	v.Pset.LockSlot(idx)
	defer v.Pset.UnlockSlot(idx)

	pa, err := v.Pset.Fillslot(idx, write)
	if err != 0 {
		return err
	}

	prot := hat.P_PRESENT | hat.P_ACCESSED
	if write {
		prot |= hat.P_WRITE | hat.P_DIRTY
	} else if v.Mtype == VAnon && v.Perms&hat.P_WRITE != 0 {
		// writable-but-unwritten anon pages stay COW'd until a write
		// actually occurs, same as the teacher's "perms |= PTE_COW"
		// branch in Sys_pgfault.
		prot |= hat.P_COW
	}
	// Each installed translation holds one page reference, which Detach
	// drops; a replaced translation's reference is dropped here.
	old, had := vas.Space.Lookup(va)
	mem.Physmem.Refup(pa)
	replaced := vas.Space.Install(va, hat.Entry{Phys: pa, Prot: prot})
	if had {
		mem.Physmem.Refdown(old.Phys)
	}
	if replaced {
		vas.Space.Shootdown(va&^uintptr(mem.PGOFFSET), 1)
	}
	return 0
}

func (vas *Vas) tryGrowStack(va uintptr) (*Pview, bool) {
	vas.mu.Lock()
	sv := vas.stackv
	vas.mu.Unlock()
	if sv == nil || va >= sv.Start {
		return nil, false
	}
	grown := sv.Start - va
	if grown > StackGrowMax {
		return nil, false
	}
	pages := int((grown + uintptr(mem.PGSIZE) - 1) >> mem.PGSHIFT)
	newStart := sv.Start - uintptr(pages)*uintptr(mem.PGSIZE)
	ps := pset.New(pset.KAnon, pages)
	nv := &Pview{Mtype: VAnon, Start: newStart, Pages: pages, Perms: sv.Perms, Pset: ps}
	if err := vas.Attach(nv, true); err != 0 {
		return nil, false
	}
	return nv, true
}

// Fork duplicates a vas per spec.md §4.4's fork rule: writable private
// pviews get wrapped in (or extended onto an already-shared) COW pset;
// shared pviews are simply re-referenced by both vases.
func (vas *Vas) Fork() *Vas {
	vas.mu.Lock()
	defer vas.mu.Unlock()
	child := NewVas()
	for _, v := range vas.views {
		nv := &Pview{Mtype: v.Mtype, Start: v.Start, Pages: v.Pages, Perms: v.Perms, pgoff: v.pgoff}
		switch {
		case v.Mtype == VShareAnon:
			v.Pset.Ref()
			nv.Pset = v.Pset
		case v.Perms&hat.P_WRITE != 0 && v.Mtype == VAnon:
			master := v.Pset
			if master.Kind != pset.KCow {
				cm := pset.NewCow(master)
				v.Pset = cm // parent's own pview now indirects through the same master too
			}
			nv.Pset = pset.NewCow(v.Pset.Master)
		default:
			v.Pset.Ref()
			nv.Pset = v.Pset
		}
		nv.Vas = child
		child.views = append(child.views, nv)
		if v == vas.stackv {
			child.stackv = nv
		}
	}
	return child
}
