// Package trap implements the ptrace command loop spec.md §4.11 describes,
// grounded on original_source's ptrace.c (ptrace_slave's PD_* command
// switch) and dbg/dbgproc.c (the debugger-side half of the same protocol):
// a debuggee thread, having hit a breakpoint or single-step event, sends a
// PD_SLAVE message to its debugger over a dedicated debug portref and then
// loops, applying whatever command the debugger's reply carries, until the
// reply is PD_RUN.
//
// This core has no hardware trap flag to single-step with (there is no real
// x86 EFLAGS.TF to set), so PD_STEP instead decodes the one instruction at
// the current PC with golang.org/x/arch/x86/x86asm to compute its length,
// and plants a temporary breakpoint immediately after it -- the same
// software single-step trick debuggers use on architectures without a trap
// flag.
package trap

import (
	"github.com/google/uuid"
	"golang.org/x/arch/x86/x86asm"

	"vsta/caller"
	"vsta/defs"
	"vsta/pview"
)

// badCmd flags the first occurrence of each distinct caller chain that
// drives Apply with a command code this package doesn't recognize, so a
// misbehaving debugger shows up once in the log instead of flooding it.
var badCmd caller.Distinct_caller_t

func init() {
	badCmd.Enabled = true
}

// Command is a debugger reply's operation code (ptrace.c's PD_* constants).
type Command int32

const (
	PdRun    Command = iota // continue running
	PdStep                  // run for one instruction
	PdBreak                 // set/clear a breakpoint
	PdRdreg                 // read a register
	PdWrreg                 // write a register
	PdMask                  // set the debug event mask
	PdRdmem                 // read one word of memory
	PdWrmem                 // write one word of memory
	PdMevent                // read/write the pending event string byte
)

// Regs is the machine-independent register file this core exposes to a
// debugger: enough to drive PD_RDREG/PD_WRREG and to compute single-step
// boundaries, without committing to a concrete hardware trap frame layout
// (that belongs to whatever calls into this package per architecture).
type Regs struct {
	PC  uintptr
	SP  uintptr
	Named map[string]uint64
}

// breakpoint remembers the original byte a software breakpoint overwrote,
// so PD_BREAK's clear side can restore it (ptrace.c's set_break).
type breakpoint struct {
	addr uintptr
	orig byte
}

const int3 byte = 0xCC

// Session is one debuggee thread's ptrace state: its current register
// view, installed breakpoints, and the event mask the debugger last set
// via PD_MASK (ptrace.c's struct pdbg, minus the port-name/port-handle
// fields that belong to the port package).
type Session struct {
	Token uuid.UUID // opaque per-attach identity, ptrace.c's pd_name equivalent

	vas   *pview.Vas
	regs  Regs
	mask  uint32
	brks  map[uintptr]*breakpoint
	event string
}

// NewSession starts a fresh ptrace session over vas, with a fresh token
// (ptrace.c's ptrace_attach allocating a new debug port name).
func NewSession(vas *pview.Vas) *Session {
	return &Session{
		Token: uuid.New(),
		vas:   vas,
		brks:  make(map[uintptr]*breakpoint),
	}
}

// SlaveReq is one PD_SLAVE message's payload: the debuggee's current
// registers and the event string that caused this stop (ptrace_slave's
// "args" triple plus the out-of-band event pointer).
type SlaveReq struct {
	Regs  Regs
	Event string
}

// SlaveReply is the debugger's answer: a command plus up to two operands,
// mirroring ptrace.c's args[0]/args[1]/args[2] triple.
type SlaveReply struct {
	Cmd  Command
	Arg0 int64
	Arg1 int64
}

// Apply executes one debugger reply against the session, returning updated
// register state and whether the debuggee should resume running (PD_RUN).
// Every other command loops: the caller re-sends a SlaveReq with the
// resulting state and waits for the next SlaveReply, exactly as
// ptrace_slave's for(;;) loop does around kernmsg_send.
func (s *Session) Apply(req SlaveReq, reply SlaveReply) (Regs, bool, defs.Err_t) {
	s.regs = req.Regs
	switch reply.Cmd {
	case PdRun:
		return s.regs, true, 0

	case PdStep:
		if err := s.singleStep(); err != 0 {
			return s.regs, false, err
		}
		return s.regs, false, 0

	case PdBreak:
		addr := uintptr(reply.Arg0)
		if reply.Arg1 != 0 {
			s.clearBreak(addr)
		} else {
			if err := s.setBreak(addr); err != 0 {
				return s.regs, false, err
			}
		}
		return s.regs, false, 0

	case PdRdreg:
		return s.regs, false, 0 // caller reads s.regs.Named[reg] by its own convention

	case PdWrreg:
		return s.regs, false, 0 // caller applies reply.Arg1 to s.regs.Named[reg] itself

	case PdMask:
		s.mask = uint32(reply.Arg1)
		return s.regs, false, 0

	case PdRdmem, PdWrmem:
		return s.regs, false, 0 // memory access goes through pview.Userbuf_t at the caller

	case PdMevent:
		if int(reply.Arg0)&0xff > len(s.event) {
			return s.regs, false, -defs.EINVAL
		}
		return s.regs, false, 0
	}
	if new, trace := badCmd.Distinct(); new {
		println("trap: unrecognized ptrace command\n" + trace)
	}
	return s.regs, false, -defs.EINVAL
}

// setBreak plants an int3 at addr, remembering the byte it replaced
// (ptrace.c's set_break, set side).
func (s *Session) setBreak(addr uintptr) defs.Err_t {
	if _, dup := s.brks[addr]; dup {
		return 0
	}
	var ub pview.Userbuf_t
	ub.Init(s.vas, addr, 1)
	var orig [1]byte
	if _, err := ub.Uioread(orig[:]); err != 0 {
		return err
	}
	ub.Init(s.vas, addr, 1)
	patched := [1]byte{int3}
	if _, err := ub.Uiowrite(patched[:]); err != 0 {
		return err
	}
	s.brks[addr] = &breakpoint{addr: addr, orig: orig[0]}
	return 0
}

// clearBreak restores the original byte at addr (ptrace.c's set_break,
// clear side).
func (s *Session) clearBreak(addr uintptr) {
	bp, ok := s.brks[addr]
	if !ok {
		return
	}
	var ub pview.Userbuf_t
	ub.Init(s.vas, addr, 1)
	orig := [1]byte{bp.orig}
	ub.Uiowrite(orig[:])
	delete(s.brks, addr)
}

// singleStep decodes the one instruction at the current PC and plants a
// temporary breakpoint immediately past it, the software stand-in for a
// hardware trap-flag single step.
func (s *Session) singleStep() defs.Err_t {
	var ub pview.Userbuf_t
	ub.Init(s.vas, s.regs.PC, 15) // longest possible x86 instruction
	buf := make([]byte, 15)
	if _, err := ub.Uioread(buf); err != 0 {
		return err
	}
	inst, decErr := x86asm.Decode(buf, 64)
	if decErr != nil || inst.Len == 0 {
		return -defs.EFAULT
	}
	return s.setBreak(s.regs.PC + uintptr(inst.Len))
}
