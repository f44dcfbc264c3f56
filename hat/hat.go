// Package hat abstracts hardware address translation (spec.md §4.4's vas
// "plus HAT state") behind a small interface instead of the teacher's
// direct x86 PTE manipulation. The teacher's vm/as.go walks a real PML4
// built from mem.Pmap_t pages and reads/writes raw PTE_* bits; that code
// depends on a recursive self-map slot and the forked runtime's
// Vtop/Cpuid/Rcr4/Pml4freeze hooks, none of which exist in a portable
// module running as an ordinary process. Space keeps the same fault
// resolution contract (spec.md §4.4: "locate the pview... install a HAT
// translation with the appropriate protection") behind an interface, and
// SoftSpace is the only implementation shipped here: a plain Go map from
// page number to translation entry. A future machine-specific build could
// add a second implementation without changing pview or pageout.
package hat

import (
	"sync"

	"vsta/mem"
)

// Prot is the small set of protection/state bits every translation entry
// carries, independent of any real PTE encoding.
type Prot uint32

const (
	P_PRESENT Prot = 1 << iota
	P_WRITE
	P_COW
	P_WASCOW
	P_ACCESSED
	P_DIRTY
)

// Entry is one translation: the backing physical page and its protection
// bits, keyed externally by page number.
type Entry struct {
	Phys mem.Pa_t
	Prot Prot
}

// Space is the per-address-space translation table a pview/vas installs
// entries into and a pageout/fault handler reads back (spec.md §4.4,
// §4.5's "tear down all non-memlocked translations and collect their M/R
// bits").
type Space interface {
	// Lookup returns the current translation for the page containing va,
	// if one is installed.
	Lookup(va uintptr) (Entry, bool)
	// Install places or replaces the translation for the page containing
	// va. It returns true if a present mapping was replaced (caller must
	// treat this as a TLB-invalidation point).
	Install(va uintptr, e Entry) (replaced bool)
	// Remove tears down the translation for va, if any, returning the
	// entry that was removed so the caller can drop its page reference
	// and fold its Accessed/Dirty bits into the owning pset's perpage
	// descriptor.
	Remove(va uintptr) (Entry, bool)
	// Protect updates only the protection bits of an existing entry,
	// leaving the physical page unchanged (used to upgrade a COW slot to
	// writable in place, spec.md §4.4's in-place splice).
	Protect(va uintptr, p Prot) bool
}

// SoftSpace is a map-based Space: install/lookup/remove are O(1) map
// operations. There is no real TLB to shoot down, so Shootdown here is a
// synchronization point only -- any goroutine that reads a translation
// after Shootdown returns sees the update, via its mutex.
type SoftSpace struct {
	mu      sync.Mutex
	entries map[uintptr]Entry
}

// NewSoftSpace returns an empty address space translation table.
func NewSoftSpace() *SoftSpace {
	return &SoftSpace{entries: make(map[uintptr]Entry)}
}

func pageof(va uintptr) uintptr {
	return va &^ uintptr(mem.PGOFFSET)
}

func (s *SoftSpace) Lookup(va uintptr) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pageof(va)]
	return e, ok
}

func (s *SoftSpace) Install(va uintptr, e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg := pageof(va)
	_, replaced := s.entries[pg]
	s.entries[pg] = e
	return replaced
}

func (s *SoftSpace) Remove(va uintptr) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg := pageof(va)
	e, ok := s.entries[pg]
	if ok {
		delete(s.entries, pg)
	}
	return e, ok
}

func (s *SoftSpace) Protect(va uintptr, p Prot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg := pageof(va)
	e, ok := s.entries[pg]
	if !ok {
		return false
	}
	e.Prot = p
	s.entries[pg] = e
	return true
}

// Shootdown invalidates pgcount pages of translations starting at startva
// on every CPU holding this space loaded. The teacher's Tlbshoot sends
// real interrupts to other cores; a SoftSpace has no hardware TLB behind
// it, so this is a no-op retained only so callers written against the
// interface (pageout, pview) don't need a conditional for the portable
// build.
func (s *SoftSpace) Shootdown(startva uintptr, pgcount int) {}
