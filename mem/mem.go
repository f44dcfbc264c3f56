// Package mem is the physical page allocator (spec.md §4.2): a refcounted
// free-list allocator over a reserved memory arena, with a small per-CPU
// cache in front of the global list to keep the common allocate/free path
// lock-cheap. This is a direct generalization of the teacher's mem.go: the
// Physmem_t/Physpg_t shape, the two-tier (global + per-CPU) free list, and
// the refcounted free-on-zero protocol are kept nearly verbatim. What
// changes is how the arena itself is obtained: the teacher's Phys_init calls
// runtime.Get_phys(), a hook that exists only in biscuit's own forked Go
// runtime running on bare metal. This module runs as an ordinary process, so
// Phys_init instead reserves one large anonymous mapping via
// golang.org/x/sys/unix and treats it as the simulated physical address
// space -- same "reserve N pages up front, hand them out by refcount" shape,
// portable backing.
//
// Hardware page-table management (the PTE_* bit layout, PML4 walking, TLB
// shootdown) is deliberately not here: per the boot contract's HAT
// abstraction (spec.md §9), that belongs to a concrete implementation of the
// hat package's Space interface. mem only ever hands out untyped pages.
package mem

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"vsta/util"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// Pa_t represents a simulated physical address: an offset into the arena
// reserved by Phys_init, biased by ArenaBase so a zero value is never a
// valid page (spec.md §4.2's "physical address" type, without the real
// hardware's address space behind it).
type Pa_t uintptr

// ArenaBase is added to every arena offset so that Pa_t(0) stays a reserved
// "no page" sentinel, mirroring how the teacher's direct map never maps
// physical page zero to a valid address either.
const ArenaBase Pa_t = 1 << 30

// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

// Pg_t is a generic page of ints.
type Pg_t [PGSIZE / 8]int

// Unpin_i allows unpinning of physical pages.
type Unpin_i interface {
	Unpin(Pa_t)
}

// Page_i abstracts physical page allocation, so higher layers (pset, seg)
// can be built and tested against a fake without a real arena.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32((p_pg - ArenaBase) >> PGSHIFT)
}

// Refaddr returns the refcount pointer and index for the given page.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := _pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Refcnt, idx
}

// Physpg_t describes a single physical page and can account for up to the
// size of the reserved arena.
type Physpg_t struct {
	Refcnt int32
	// index into pgs of next page on free list
	nexti uint32
}

// Physmem_t manages all simulated physical memory for the system.
type Physmem_t struct {
	Pgs    []Physpg_t
	arena  []byte
	startn uint32
	// index into pgs of first free pg
	freei   uint32
	freelen int32
	sync.Mutex
	Dmapinit bool
	percpu   []pcpuphys_t
	cpuHint  uint64

	// ownerMu/owner back-link each claimed page to whatever owns it -- the
	// teacher's physical page descriptor carries this inline (c_pset/c_psidx
	// in the biscuit "core" struct); here it is a side table keyed by page
	// index so pset can stay the only package that knows what an Owner value
	// actually is (the pageout package just type-asserts it back).
	ownerMu sync.Mutex
	owner   []any
}

type pcpuphys_t struct {
	sync.Mutex
	freei   uint32
	freelen int32
}

func (pc *pcpuphys_t) percpu_init() {
	pc.freei = ^uint32(0)
	pc.freelen = 0
}

// cpuhint stands in for the teacher's runtime.CPUHint(): a lock-free index
// into the per-CPU free-list array. There is no real per-CPU affinity to
// exploit in a user-space simulation, so this just spreads allocation
// traffic round-robin across the per-CPU lists to keep their locks from
// becoming a single hot mutex.
func (phys *Physmem_t) cpuhint() int {
	n := atomic.AddUint64(&phys.cpuHint, 1)
	return int(n % uint64(len(phys.percpu)))
}

// returns true iff the page was added to the per-CPU free list
func (phys *Physmem_t) _pcpu_put(idx uint32) bool {
	mine := &phys.percpu[phys.cpuhint()]
	if mine.freelen >= 100 {
		return false
	}
	mine.Lock()
	phys.Pgs[idx].nexti = mine.freei
	mine.freei = idx
	mine.freelen++
	mine.Unlock()
	return true
}

func (phys *Physmem_t) _pcpu_new() (*Pg_t, Pa_t, bool) {
	mine := &phys.percpu[phys.cpuhint()]
	mine.Lock()
	defer mine.Unlock()
	if mine.freei == ^uint32(0) {
		return nil, 0, false
	}
	idx := mine.freei
	mine.freei = phys.Pgs[idx].nexti
	mine.freelen--
	return phys.Dmap(phys.idx2pa(idx)), phys.idx2pa(idx), true
}

func (phys *Physmem_t) idx2pa(idx uint32) Pa_t {
	return ArenaBase + Pa_t(idx+phys.startn)<<PGSHIFT
}

func (phys *Physmem_t) _refpg_new() (*Pg_t, Pa_t, bool) {
	if pg, p_pg, ok := phys._pcpu_new(); ok {
		return pg, p_pg, ok
	}
	phys.Lock()
	defer phys.Unlock()
	if phys.freei == ^uint32(0) {
		return nil, 0, false
	}
	idx := phys.freei
	phys.freei = phys.Pgs[idx].nexti
	phys.freelen--
	return phys.Dmap(phys.idx2pa(idx)), phys.idx2pa(idx), true
}

// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

// Refup increments the reference count of a page.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	if c <= 0 {
		panic("mem: refup on freed page")
	}
}

// returns true if p_pg should be added to the free list and the index of the
// page in the pgs array
func (phys *Physmem_t) _refdec(p_pg Pa_t) (bool, uint32) {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("mem: refcount went negative")
	}
	return c == 0, idx
}

// Refdown decrements the reference count of a page.
// It returns true when the page is freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	if add, idx := phys._refdec(p_pg); add {
		if !phys._pcpu_put(idx) {
			phys.Lock()
			phys.Pgs[idx].nexti = phys.freei
			phys.freei = idx
			phys.freelen++
			phys.Unlock()
		}
		return true
	}
	return false
}

// Zeropg is a global zero-filled page used for allocations.
var Zeropg *Pg_t

// Refpg_new allocates a zeroed page and returns its mapping and address.
// The returned page's refcount is not incremented.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("mem: refpg_new before init")
	}
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	if Zeropg != nil {
		*pg = *Zeropg
	} else {
		for i := range pg {
			pg[i] = 0
		}
	}
	return pg, p_pg, true
}

// Refpg_new_nozero allocates an uninitialised page.
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	return phys._refpg_new()
}

// Dmap converts a simulated physical address into its backing Go memory.
// Because the arena is a single contiguous mapping owned by this process,
// there is no PTE walk: the "direct map" is just pointer arithmetic into
// the mmap'd slice.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	off := p - ArenaBase
	if off < 0 || int(off)+PGSIZE > len(phys.arena) {
		panic("mem: address outside arena")
	}
	aligned := util.Rounddown(int(off), PGSIZE)
	return (*Pg_t)(unsafe.Pointer(&phys.arena[aligned]))
}

// Dmap_v2p converts an address inside the arena back to its Pa_t.
func (phys *Physmem_t) Dmap_v2p(v *Pg_t) Pa_t {
	va := uintptr(unsafe.Pointer(v))
	base := uintptr(unsafe.Pointer(&phys.arena[0]))
	if va < base || va >= base+uintptr(len(phys.arena)) {
		panic("mem: address not in arena")
	}
	return ArenaBase + Pa_t(va-base)
}

// Dmap8 returns a byte slice mapped to the given physical address.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

// SetOwner records what owns the claimed page at p_pg, for the pageout
// daemon's clock hands to recover "which pset, which slot" when they reach a
// page the free-list side has no other record of (spec.md §4.5's "fetch the
// owning pset" step). owner is opaque here; only the pset package and
// pageout agree on its concrete type.
func (phys *Physmem_t) SetOwner(p_pg Pa_t, owner any) {
	_, idx := phys.Refaddr(p_pg)
	phys.ownerMu.Lock()
	if phys.owner == nil {
		phys.owner = make([]any, len(phys.Pgs))
	}
	phys.owner[idx] = owner
	phys.ownerMu.Unlock()
}

// GetOwner returns whatever was last recorded for p_pg via SetOwner, or nil
// if none (an unowned or free page).
func (phys *Physmem_t) GetOwner(p_pg Pa_t) any {
	_, idx := phys.Refaddr(p_pg)
	phys.ownerMu.Lock()
	defer phys.ownerMu.Unlock()
	if phys.owner == nil {
		return nil
	}
	return phys.owner[idx]
}

// ClearOwner drops the ownership record for p_pg, e.g. once pageout has
// stolen or written back the page.
func (phys *Physmem_t) ClearOwner(p_pg Pa_t) {
	_, idx := phys.Refaddr(p_pg)
	phys.ownerMu.Lock()
	if phys.owner != nil {
		phys.owner[idx] = nil
	}
	phys.ownerMu.Unlock()
}

// Pgcount reports free page counts across CPUs, for the D_STAT device.
func (phys *Physmem_t) Pgcount() (int, []int) {
	phys.Lock()
	r1 := int(phys.freelen)
	phys.Unlock()

	var pcpg []int
	for i := range phys.percpu {
		pc := &phys.percpu[i]
		pc.Lock()
		if pc.freelen != 0 {
			pcpg = append(pcpg, int(pc.freelen))
		}
		pc.Unlock()
	}
	return r1, pcpg
}

// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

// Phys_init reserves respgs pages of simulated physical memory via an
// anonymous mmap and initializes the global allocator's free lists.
func Phys_init(respgs int) *Physmem_t {
	if respgs <= 0 {
		respgs = 1 << 16
	}
	phys := Physmem
	size := respgs * PGSIZE
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("mem: failed to reserve %d bytes: %v", size, err))
	}
	phys.arena = arena
	phys.Pgs = make([]Physpg_t, respgs)
	for i := range phys.Pgs {
		phys.Pgs[i].Refcnt = -10
	}
	phys.startn = 0
	phys.freei = 0
	phys.freelen = int32(respgs)
	for i := 0; i < respgs; i++ {
		phys.Pgs[i].Refcnt = 0
		if i == respgs-1 {
			phys.Pgs[i].nexti = ^uint32(0)
		} else {
			phys.Pgs[i].nexti = uint32(i + 1)
		}
	}

	ncpu := runtime.NumCPU()
	if ncpu < 1 {
		ncpu = 1
	}
	phys.percpu = make([]pcpuphys_t, ncpu)
	for i := range phys.percpu {
		phys.percpu[i].percpu_init()
	}

	phys.Dmapinit = true
	Zeropg, _, _ = phys._refpg_new()
	for i := range Zeropg {
		Zeropg[i] = 0
	}

	fmt.Printf("mem: reserved %v pages (%vMB)\n", respgs, respgs>>8)
	return phys
}
