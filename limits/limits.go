// Package limits tracks system-wide resource ceilings the way the teacher's
// own limits.go does (Sysatomic_t.Taken/Given, an atomic int64 masquerading
// as a saturating counter), trimmed to the resources this core actually
// allocates: processes, ports, portrefs, psets, and swap blocks (spec §6's
// PID/port name spaces, plus SPEC_FULL.md's "resource limits" open-question
// resolution). The teacher's networking/filesystem-specific fields (Arpents,
// Routes, Tcpsegs, Mfspgs, Blocks) have no counterpart in this core's scope
// and are dropped rather than carried as dead weight.
package limits

import (
	"sync/atomic"
	"unsafe"
)

// Lhits counts how many times some caller has hit a limit and backed off,
// exposed for the D_PROF device's diagnostic dump.
var Lhits int32

// Sysatomic_t is a numeric limit that can be atomically given and taken,
// saturating at zero rather than going negative.
type Sysatomic_t int64

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given increases the limit by the provided amount, e.g. when a resource is
// released back to the pool.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(s._aptr(), int64(n))
}

// Taken tries to decrement the limit by n, returning true on success and
// leaving the limit unchanged on failure.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64(s._aptr(), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), int64(n))
	atomic.AddInt32(&Lhits, 1)
	return false
}

// Take decrements the limit by one.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Give increments the limit by one.
func (s *Sysatomic_t) Give() { s.Given(1) }

// Remain reports the limit's current headroom.
func (s *Sysatomic_t) Remain() int64 { return atomic.LoadInt64(s._aptr()) }

// Syslimit_t is the set of system-wide ceilings this core enforces.
type Syslimit_t struct {
	// Sysprocs bounds the number of live proc.Proc_t entries.
	Sysprocs Sysatomic_t
	// Ports bounds the number of live port.Port servers.
	Ports Sysatomic_t
	// Portrefs bounds the number of live port.Portref handles, system-wide
	// rather than per-proc, matching how the teacher's own limits are all
	// global counters rather than per-process quotas.
	Portrefs Sysatomic_t
	// Psets bounds the number of live pset.Pset address-space objects.
	Psets Sysatomic_t
	// SwapBlocks bounds outstanding swap block allocations across every
	// file-backed and COW pset.
	SwapBlocks Sysatomic_t
}

// Syslimit holds the configured system-wide limits.
var Syslimit = MkSysLimit()

// MkSysLimit returns the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:   1 << 14,
		Ports:      1 << 16,
		Portrefs:   1 << 18,
		Psets:      1 << 16,
		SwapBlocks: 1 << 20,
	}
}
