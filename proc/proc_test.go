package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsta/defs"
	"vsta/limits"
	"vsta/mem"
	"vsta/port"
	"vsta/trap"
)

func TestNewAssignsUniquePids(t *testing.T) {
	p1 := New(0, false)
	p2 := New(0, false)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	assert.NotEqual(t, p1.Pid, p2.Pid)

	p1.Exit(0)
	p2.Exit(0)
}

func TestNewThreadRegistersWithScheduler(t *testing.T) {
	p := New(0, false)
	require.NotNil(t, p)
	defer p.Exit(0)

	thr := p.NewThread()
	assert.Contains(t, p.Threads(), thr.Event)

	tid, _, ok := p.Sched.Pick()
	assert.True(t, ok)
	assert.Equal(t, thr.Tid, tid)
}

func TestExitMarksThreadsDoomed(t *testing.T) {
	p := New(0, false)
	require.NotNil(t, p)
	thr := p.NewThread()

	p.Exit(0)

	assert.True(t, thr.Note.Doomed())
	assert.False(t, thr.Note.Alive)
}

func TestForkPostsStatusToParent(t *testing.T) {
	parent := New(0, false)
	require.NotNil(t, parent)
	parent.NewThread()

	child, err := parent.Fork()
	require.Equal(t, 0, int(err))
	require.NotNil(t, child)

	child.Exit(7)

	rec, ok := parent.Wait(true)
	require.True(t, ok)
	assert.Equal(t, child.Pid, rec.Pid)
	assert.Equal(t, 7, rec.Code)

	parent.Exit(0)
}

func TestAttachReturnsSameSessionOnRepeatedCalls(t *testing.T) {
	p := New(0, false)
	require.NotNil(t, p)
	defer p.Exit(0)

	s1 := p.Attach()
	s2 := p.Attach()
	assert.Same(t, s1, s2)
}

func TestProfileCoversEveryThread(t *testing.T) {
	p := New(0, false)
	require.NotNil(t, p)
	defer p.Exit(0)

	p.NewThread()
	p.NewThread()

	b, err := p.Profile()
	require.Equal(t, 0, int(err))
	assert.NotEmpty(t, b)
}

func TestForkClonesParentRegistersAndDuplicatesPortrefs(t *testing.T) {
	parent := New(0, false)
	require.NotNil(t, parent)
	thr := parent.NewThread()
	thr.Regs = trap.Regs{PC: 0x4000, SP: 0x8000}

	child, err := parent.Fork()
	require.Equal(t, 0, int(err))
	require.NotNil(t, child)

	require.Len(t, child.threads, 1)
	for _, ct := range child.threads {
		assert.Equal(t, thr.Regs, ct.Regs)
	}

	child.Exit(0)
	parent.Exit(0)
}

func TestForkDuplicatesOpenPortrefsViaMDup(t *testing.T) {
	srv := port.NewPort("")
	go func() {
		for {
			m, err := srv.Receive(0, nil)
			if err != 0 {
				return
			}
			switch m.Op {
			case port.M_CONNECT:
				port.Accept(m.Sender())
			case port.M_DUP:
				port.Reply(m, 0, nil)
			default:
				port.ReplyErr(m, -defs.ENOTSUP)
			}
		}
	}()

	parent := New(0, false)
	require.NotNil(t, parent)
	parent.NewThread()
	pr := port.Connect(srv, nil)
	parent.AddPortref(pr)

	child, err := parent.Fork()
	require.Equal(t, 0, int(err))
	require.Len(t, child.portrefs, 1)
	assert.NotSame(t, pr, child.portrefs[0])
	assert.Same(t, srv, child.portrefs[0].Port())

	child.Exit(0)
	parent.Exit(0)
}

func TestNewUserThreadGetsFreshStackAndEntry(t *testing.T) {
	p := New(0, false)
	require.NotNil(t, p)
	defer p.Exit(0)

	thr, err := p.NewUserThread(0x50000, 0x1234)
	require.Equal(t, 0, int(err))
	require.NotNil(t, thr)
	assert.Equal(t, uintptr(0x1234), thr.Regs.PC)
	assert.Equal(t, uintptr(0x50000+threadStackPages*mem.PGSIZE), thr.Regs.SP)

	_, ok := p.Vas.Lookup(0x50000)
	assert.True(t, ok)
}

func TestTickPreemptsOnceQuantumExhausted(t *testing.T) {
	p := New(0, false)
	require.NotNil(t, p)
	defer p.Exit(0)

	thr := p.NewThread()
	_, before, ok := p.Sched.Pick()
	require.True(t, ok)
	assert.Equal(t, defaultQuantum, before)

	for i := 0; i < defaultQuantum; i++ {
		p.Tick(thr.Tid, nil)
	}

	// the quantum is now exhausted and Tick has called Sched.Preempt,
	// which shrinks the thread's next quantum via its oink counter.
	_, after, ok := p.Sched.Pick()
	require.True(t, ok)
	assert.Less(t, after, before)
}

func TestHandleTrapFaultOutsideAnyPviewFails(t *testing.T) {
	p := New(0, false)
	require.NotNil(t, p)
	defer p.Exit(0)

	thr := p.NewThread()
	_, _, err := p.HandleTrap(thr, trap.TPageFault, 0xdeadbeef, false, 0, 0, [4]int64{}, nil)
	assert.Equal(t, -defs.EFAULT, err)
}

func TestReturnToUserWithNoPendingEventResumes(t *testing.T) {
	p := New(0, false)
	require.NotNil(t, p)
	defer p.Exit(0)

	thr := p.NewThread()
	thr.Regs = trap.Regs{PC: 0x100, SP: 0x200}
	_, kill := p.ReturnToUser(thr, 0)
	assert.False(t, kill)
}

func TestAllocPidFailsWhenSysprocsExhausted(t *testing.T) {
	taken := 0
	for limits.Syslimit.Sysprocs.Take() {
		taken++
	}
	defer limits.Syslimit.Sysprocs.Given(uint(taken))

	p := New(0, false)
	assert.Nil(t, p)
}
