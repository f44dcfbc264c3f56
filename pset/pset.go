// Package pset implements the pset layer (spec.md §4.3): the unit of
// coherent page state shared by every pview mapping the same object. A
// pset owns an array of per-page slots; each slot is brought valid lazily
// by Fillslot according to the pset's kind (zero-fill-on-demand, COW,
// file-backed, or pre-populated physmem) and pushed back out by Writeslot.
// This has no analogue in the teacher's Go port, which open-codes paging
// decisions directly in vm/as.go's Sys_pgfault; it is grounded instead on
// original_source's vm_page.c/vm_steal.c (the slot/perpage shape and the
// PP_LOCK/PP_WANT bit protocol) and mirrors the teacher's own
// Physpg_t.nexti free-list style for the per-page descriptor array.
package pset

import (
	"vsta/defs"
	"vsta/mem"
	"vsta/sema"
)

// Kind identifies which vtable a pset uses to fill and write back its
// slots (spec.md §4.3's "operations (via vtable)").
type Kind int

const (
	// KAnon is zero-fill-on-demand anonymous memory.
	KAnon Kind = iota
	// KCow is a copy-on-write view of a master pset.
	KCow
	// KFile is backed by FS_ABSREAD/FS_ABSWRITE against a portref.
	KFile
	// KPhysmem is pre-populated; Fillslot never runs.
	KPhysmem
)

// Slot flags, per perpage.
const (
	ppValid uint32 = 1 << iota
	ppLocked
	ppWanted
	ppReferenced
	ppModified
	ppBusy // being stolen/written by pageout; fault must wait
)

// Perpage is one page-sized slot's state: its backing physical page (once
// filled), accumulated reference/modify bits folded in when a HAT
// translation is torn down, and the swap block it pages out to.
type Perpage struct {
	flags uint32
	phys  mem.Pa_t
	swap  int64 // swap block number, -1 if never allocated
}

func (pp *Perpage) Valid() bool      { return pp.flags&ppValid != 0 }
func (pp *Perpage) Referenced() bool { return pp.flags&ppReferenced != 0 }
func (pp *Perpage) Modified() bool   { return pp.flags&ppModified != 0 }
func (pp *Perpage) Phys() mem.Pa_t   { return pp.phys }

// Owner is the back-link pageout's clock hands recover from
// mem.Physmem.GetOwner when they reach a claimed page with no other record
// of which pset and slot it belongs to (spec.md §4.5 step 3's "fetch the
// owning pset").
type Owner struct {
	Ps  *Pset
	Idx int
}

// MarkRM folds observed hardware-reference/modify bits into the slot, as
// pageout and fault teardown do when they remove a HAT translation
// (spec.md §4.3: "PP_R and PP_M bits are the OR of the HAT bits observed
// when translations are torn down").
func (pp *Perpage) MarkRM(referenced, modified bool) {
	if referenced {
		pp.flags |= ppReferenced
	}
	if modified {
		pp.flags |= ppModified
	}
}

// FileBackend is the minimal interface a file-backed pset needs from the
// port layer: synchronous absolute read/write of one page, at a byte
// offset, to the portref the pset was created against (spec.md §4.3's
// "send FS_ABSREAD of one page to the portref").
type FileBackend interface {
	AbsRead(off int64, pg *mem.Pg_t) defs.Err_t
	AbsWrite(off int64, pg *mem.Pg_t) defs.Err_t
}

// Pset is the pset itself: an array of slots plus enough state to resolve
// a fault in any one of them under the locking discipline spec.md §4.3
// describes.
type Pset struct {
	lock sema.Spinlock
	// waiters is released on each unlock of a slot that a blocked locker
	// marked wanted, so LockSlot, having lost a race, can block here
	// instead of busy-looping
	// (mirrors the pset-wide waiters-semaphore the slot protocol sleeps
	// on).
	waiters *sema.Sema

	Kind  Kind
	Slots []Perpage
	// npage*mem.PGSIZE is this pset's byte length.
	npage int

	refs int32

	// KCow only: the pset this one copies-on-write from, and this pset's
	// link on the master's cow-chain.
	Master  *Pset
	cowNext *Pset

	// cowChain is the head of this pset's own COW children, used when
	// this pset is itself a master (spec.md §4.5 step 5).
	cowChain *Pset

	// KFile only: backend and the pset's starting byte offset into it.
	file    FileBackend
	fileOff int64
}

// New allocates an unfilled pset of the given kind covering npage pages.
func New(kind Kind, npage int) *Pset {
	if npage <= 0 {
		panic("pset: bad npage")
	}
	return &Pset{
		Kind:    kind,
		Slots:   make([]Perpage, npage),
		npage:   npage,
		waiters: sema.New(0),
		refs:    1,
	}
}

// NewFile allocates a file-backed pset reading from backend starting at
// byte offset off.
func NewFile(npage int, backend FileBackend, off int64) *Pset {
	p := New(KFile, npage)
	p.file = backend
	p.fileOff = off
	for i := range p.Slots {
		p.Slots[i].swap = -1
	}
	return p
}

// NewCow allocates a COW child of master and links it onto master's
// cow-chain (spec.md §4.3's "a COW child is itself a reference on its
// master").
func NewCow(master *Pset) *Pset {
	master.Ref()
	c := New(KCow, master.npage)
	c.Master = master
	master.lock.Lock()
	c.cowNext = master.cowChain
	master.cowChain = c
	master.lock.Unlock()
	return c
}

// Ref increments the pset's reference count (spec.md §4.3 "views hold
// references to their pset").
func (p *Pset) Ref() {
	p.lock.Lock()
	p.refs++
	p.lock.Unlock()
}

// Deref drops a reference, deiniting and returning true when it reaches
// zero.
func (p *Pset) Deref() bool {
	p.lock.Lock()
	p.refs--
	dead := p.refs == 0
	p.lock.Unlock()
	if dead {
		p.deinit()
	}
	return dead
}

func (p *Pset) deinit() {
	if p.Kind == KCow && p.Master != nil {
		p.Master.unlinkCow(p)
		p.Master.Deref()
	}
	for i := range p.Slots {
		if p.Slots[i].Valid() && p.Kind != KCow {
			mem.Physmem.ClearOwner(p.Slots[i].phys)
			mem.Physmem.Refdown(p.Slots[i].phys)
		}
	}
}

func (p *Pset) unlinkCow(child *Pset) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.cowChain == child {
		p.cowChain = child.cowNext
		return
	}
	for c := p.cowChain; c != nil; c = c.cowNext {
		if c.cowNext == child {
			c.cowNext = child.cowNext
			return
		}
	}
}

// CowChildren calls f for every live COW child sharing this master, used
// by the pageout scan (spec.md §4.5 step 5).
func (p *Pset) CowChildren(f func(*Pset)) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for c := p.cowChain; c != nil; c = c.cowNext {
		f(c)
	}
}

// TryLockSlot attempts the non-blocking slot acquisition pageout's
// conditional locking path needs (spec.md §4.5 step 4: "conditionally lock
// the slot; skip if busy").
func (p *Pset) TryLockSlot(idx int) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	s := &p.Slots[idx]
	if s.flags&(ppLocked|ppBusy) != 0 {
		return false
	}
	s.flags |= ppLocked
	return true
}

// LockSlot blocks until slot idx is available, per the PP_LOCK/PP_WANT
// protocol: a blocked locker sets PP_WANT and sleeps on the pset's
// waiters semaphore until the holder's Unlock releases it.
func (p *Pset) LockSlot(idx int) {
	for {
		p.lock.Lock()
		s := &p.Slots[idx]
		if s.flags&(ppLocked|ppBusy) == 0 {
			s.flags |= ppLocked
			p.lock.Unlock()
			return
		}
		s.flags |= ppWanted
		p.lock.Unlock()
		p.waiters.Acquire(sema.High)
	}
}

// UnlockSlot releases a slot locked with LockSlot/TryLockSlot, waking any
// waiter.
func (p *Pset) UnlockSlot(idx int) {
	p.lock.Lock()
	s := &p.Slots[idx]
	s.flags &^= ppLocked
	wanted := s.flags&ppWanted != 0
	s.flags &^= ppWanted
	p.lock.Unlock()
	if wanted {
		p.waiters.Release()
	}
}

// SlotReferenced and SlotModified report a locked slot's accumulated
// reference/modify bits, for pageout's do_hand to decide which clock hand
// action applies (spec.md §4.5: steal1 looks only at trouble level, steal2
// also requires !referenced && !modified).
func (p *Pset) SlotReferenced(idx int) bool { return p.Slots[idx].Referenced() }
func (p *Pset) SlotModified(idx int) bool   { return p.Slots[idx].Modified() }
func (p *Pset) SlotValid(idx int) bool      { return p.Slots[idx].Valid() }
func (p *Pset) SlotPhys(idx int) mem.Pa_t   { return p.Slots[idx].phys }

// ClearReferenced clears a locked slot's reference bit without disturbing
// its mapping -- the forward clock hand's action (spec.md §4.5 step 4a:
// "steal1: simply clear the R bit and move on").
func (p *Pset) ClearReferenced(idx int) {
	p.Slots[idx].flags &^= ppReferenced
}

// StealSlot invalidates a locked slot outright, dropping the pset's
// reference on the underlying physical page (the back clock hand's clean-
// page action, spec.md §4.5 step 4b.i: "steal1/steal2: unmap and free").
// The caller must hold the slot lock and have already torn down any HAT
// translation.
func (p *Pset) StealSlot(idx int) (mem.Pa_t, bool) {
	s := &p.Slots[idx]
	if !s.Valid() {
		return 0, false
	}
	pa := s.phys
	s.flags &^= (ppValid | ppReferenced | ppModified)
	s.phys = 0
	mem.Physmem.ClearOwner(pa)
	mem.Physmem.Refdown(pa)
	return pa, true
}

// Fillslot brings slot idx valid, per the kind-specific rule in
// spec.md §4.3. The caller must hold the slot lock. write indicates the
// fault that triggered the fill is a write, which matters only for COW
// (whether the page can be claimed outright versus must be copied).
func (p *Pset) Fillslot(idx int, write bool) (mem.Pa_t, defs.Err_t) {
	s := &p.Slots[idx]
	if s.Valid() {
		return s.phys, 0
	}
	switch p.Kind {
	case KAnon:
		pg, pa, ok := mem.Physmem.Refpg_new()
		if !ok {
			return 0, -defs.ENOMEM
		}
		_ = pg
		mem.Physmem.Refup(pa) // the slot's own reference
		s.phys = pa
		s.flags |= ppValid
		mem.Physmem.SetOwner(pa, Owner{Ps: p, Idx: idx})
		return pa, 0
	case KPhysmem:
		// slots are pre-populated by the caller via Seed; fillslot never
		// runs (spec.md §4.3).
		panic("pset: fillslot on physmem pset")
	case KFile:
		pg, pa, ok := mem.Physmem.Refpg_new_nozero()
		if !ok {
			return 0, -defs.ENOMEM
		}
		mem.Physmem.Refup(pa) // the slot's own reference
		if err := p.file.AbsRead(p.fileOff+int64(idx)*int64(mem.PGSIZE), pg); err != 0 {
			mem.Physmem.Refdown(pa)
			return 0, err
		}
		s.phys = pa
		s.flags |= ppValid
		mem.Physmem.SetOwner(pa, Owner{Ps: p, Idx: idx})
		return pa, 0
	case KCow:
		return p.fillCow(idx, write)
	}
	panic("pset: bad kind")
}

func (p *Pset) fillCow(idx int, write bool) (mem.Pa_t, defs.Err_t) {
	s := &p.Slots[idx]
	if s.swap >= 0 {
		// previously paged out: fault it back in from swap. The swap
		// device itself is outside this core's scope (spec.md
		// Non-goals); callers running without one configured will never
		// observe s.swap >= 0, since Writeslot is the only place it is
		// set.
		panic("pset: swap-in not configured")
	}
	master := p.Master
	master.LockSlot(idx)
	defer master.UnlockSlot(idx)
	mpa, err := master.Fillslot(idx, false)
	if err != 0 {
		return 0, err
	}
	if !write {
		mem.Physmem.Refup(mpa)
		s.phys = mpa
		s.flags |= ppValid
		return mpa, 0
	}
	// claim outright if this mapping is the page's only user.
	if mem.Physmem.Refcnt(mpa) == 1 {
		s.phys = mpa
		s.flags |= ppValid
		mem.Physmem.SetOwner(mpa, Owner{Ps: p, Idx: idx})
		return mpa, 0
	}
	npg, npa, ok := mem.Physmem.Refpg_new_nozero()
	if !ok {
		return 0, -defs.ENOMEM
	}
	*npg = *mem.Physmem.Dmap(mpa)
	s.phys = npa
	s.flags |= ppValid
	mem.Physmem.SetOwner(npa, Owner{Ps: p, Idx: idx})
	return npa, 0
}

// Writeslot pushes a dirty slot back to swap or the backing file. iodone
// is invoked on completion, which must unlock the slot (spec.md §4.3).
// The portable core has no swap device, so anonymous/COW pages simply
// call iodone immediately without a real write -- only file-backed dirty
// pages perform real I/O, via the same FileBackend used by Fillslot.
func (p *Pset) Writeslot(idx int, iodone func(defs.Err_t)) {
	s := &p.Slots[idx]
	if p.Kind != KFile {
		iodone(0)
		return
	}
	pg := mem.Physmem.Dmap(s.phys)
	err := p.file.AbsWrite(p.fileOff+int64(idx)*int64(mem.PGSIZE), pg)
	iodone(err)
}

// Seed installs a pre-existing physical page directly into a KPhysmem
// pset's slot, bumping its refcount. Used to export a kernel virtual range
// as a segment (spec.md §4.6's "physmem pset whose slot pfns are filled by
// looking up the HAT translation for each kernel page").
func (p *Pset) Seed(idx int, pa mem.Pa_t) {
	if p.Kind != KPhysmem {
		panic("pset: Seed on non-physmem pset")
	}
	mem.Physmem.Refup(pa)
	p.Slots[idx].phys = pa
	p.Slots[idx].flags |= ppValid
	mem.Physmem.SetOwner(pa, Owner{Ps: p, Idx: idx})
}

// Npage returns the number of page slots in the pset.
func (p *Pset) Npage() int { return p.npage }
