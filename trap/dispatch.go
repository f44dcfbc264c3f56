// Dispatch implements spec.md §4.11's single trap entry point: a page
// fault resolves through the vas (falling back to a probe-PC recovery
// jump if the caller registered one for an in-progress kernel copyin/out,
// per spec.md §7); math/illegal/other faults self-signal the
// corresponding event; a syscall trap looks its number up in a table the
// caller supplies. Grounded on original_source's trap.c trap vector and
// xclock.c's "on return to user mode" event-delivery step, generalized
// the same way the rest of this package replaces real hardware traps with
// explicit Go calls.
package trap

import (
	"vsta/defs"
	"vsta/event"
	"vsta/pview"
)

// Type identifies which of spec.md §4.11's trap classes fired.
type Type int

const (
	TPageFault Type = iota
	TMath
	TIllegal
	TFault
	TDebug
	TSyscall
)

// eventFor maps a fault trap type to the event a thread self-signals when
// it has no probe-PC recovery to jump to instead (spec.md §4.11:
// "math/illegal/fault traps self-signal the corresponding event").
var eventFor = map[Type]string{
	TMath:    "math",
	TIllegal: "illegal",
	TFault:   "fault",
}

// Syscall is one syscall number's handler body, registered into the table
// Dispatch's TSyscall case consults (spec.md §4.11's "syscall: dispatch
// by syscall number"). This package owns only the dispatch mechanism; the
// handlers themselves belong to whatever layer implements each syscall.
type Syscall func(args [4]int64) (int64, defs.Err_t)

// Dispatch routes one trap. faultVA/write apply only to TPageFault;
// probePC, if non-zero, is the kernel copyin/out recovery address a page
// fault jumps to instead of killing the thread (spec.md §7: "the probe PC
// mechanism jumps back to a copy-error return"); num/args/table apply
// only to TSyscall. self may be nil for traps taken outside any thread's
// context (there is then nothing to self-signal, and the caller already
// knows that).
func Dispatch(typ Type, vas *pview.Vas, self *event.Thread, faultVA uintptr, write bool, probePC uintptr, num int32, args [4]int64, table map[int32]Syscall) (recoverPC uintptr, result int64, err defs.Err_t) {
	switch typ {
	case TPageFault:
		if ferr := vas.Fault(faultVA, write); ferr != 0 {
			if probePC != 0 {
				return probePC, 0, ferr
			}
			if self != nil {
				event.SignalThread(self, "fault", true)
			}
			return 0, 0, ferr
		}
		return 0, 0, 0

	case TMath, TIllegal, TFault:
		if self != nil {
			event.SignalThread(self, eventFor[typ], true)
		}
		return 0, 0, 0

	case TDebug:
		// The caller's ptrace.Session (if attached) drives the PD_SLAVE
		// loop itself; Dispatch only identifies that this trap routes
		// there instead of killing the thread.
		return 0, 0, 0

	case TSyscall:
		fn, ok := table[num]
		if !ok {
			if self != nil {
				event.SignalThread(self, "illegal", true)
			}
			return 0, 0, -defs.ENOTSUP
		}
		res, serr := fn(args)
		return 0, res, serr
	}
	return 0, 0, -defs.EINVAL
}

// ReturnToUser implements spec.md §4.11's "on exit back to user mode"
// step: deliver any pending event first, and report whether a pending
// preemption should be honored (only meaningful once the caller confirms
// it is at a clean lock boundary -- this function does not know that
// itself). Returns the PC execution should resume at and whether the
// thread must be killed instead (an unhandled event with no handler, or
// the unblockable kill event).
func ReturnToUser(vas *pview.Vas, self *event.Thread, handler uintptr, curSP, curPC uintptr) (newPC uintptr, kill bool) {
	ev, _, ok := event.CheckEvents(self)
	if !ok {
		return curPC, false
	}
	pc, k, _ := event.Deliver(vas, handler, curSP, curPC, ev)
	if k {
		return 0, true
	}
	return pc, false
}
