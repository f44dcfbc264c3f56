package trap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsta/hat"
	"vsta/mem"
	"vsta/pset"
	"vsta/pview"
)

const testArenaPages = 128

func freshVas(t *testing.T) *pview.Vas {
	t.Helper()
	mem.Phys_init(testArenaPages)
	vas := pview.NewVas()
	v := &pview.Pview{
		Mtype: pview.VAnon,
		Start: 0x10000,
		Pages: 1,
		Perms: hat.P_PRESENT | hat.P_WRITE,
		Pset:  pset.New(pset.KAnon, 1),
	}
	require.Equal(t, 0, int(vas.Attach(v, false)))
	return vas
}

func TestSetAndClearBreak(t *testing.T) {
	vas := freshVas(t)
	s := NewSession(vas)

	addr := uintptr(0x10000)
	require.Equal(t, 0, int(s.setBreak(addr)))
	_, ok := s.brks[addr]
	assert.True(t, ok)

	s.clearBreak(addr)
	_, ok = s.brks[addr]
	assert.False(t, ok)
}

func TestApplyRunReturnsTrue(t *testing.T) {
	vas := freshVas(t)
	s := NewSession(vas)

	regs, run, err := s.Apply(SlaveReq{Regs: Regs{PC: 0x10000}}, SlaveReply{Cmd: PdRun})
	assert.Equal(t, 0, int(err))
	assert.True(t, run)
	assert.Equal(t, uintptr(0x10000), regs.PC)
}

func TestApplyMaskStoresValue(t *testing.T) {
	vas := freshVas(t)
	s := NewSession(vas)

	_, run, err := s.Apply(SlaveReq{Regs: Regs{PC: 0x10000}}, SlaveReply{Cmd: PdMask, Arg1: 0x7})
	assert.Equal(t, 0, int(err))
	assert.False(t, run)
	assert.EqualValues(t, 0x7, s.mask)
}

func TestApplyUnknownCommandIsInvalid(t *testing.T) {
	vas := freshVas(t)
	s := NewSession(vas)

	_, run, err := s.Apply(SlaveReq{Regs: Regs{PC: 0x10000}}, SlaveReply{Cmd: Command(99)})
	assert.False(t, run)
	assert.NotEqual(t, 0, int(err))
}
