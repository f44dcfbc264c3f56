package pageout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vsta/mem"
	"vsta/pset"
)

const testArenaPages = 256

func freshArena(t *testing.T) *mem.Physmem_t {
	t.Helper()
	return mem.Phys_init(testArenaPages)
}

func TestTroubleBands(t *testing.T) {
	phys := freshArena(t)
	po := New(phys)

	assert.Equal(t, 0, po.trouble(), "fresh arena should report no trouble")
}

func TestSteal1OnlyUnderSevereTrouble(t *testing.T) {
	assert.False(t, steal1(false, false, 0))
	assert.False(t, steal1(false, false, 1))
	assert.True(t, steal1(false, false, 2))
}

func TestSteal2CleanUnreferencedUnderAnyTrouble(t *testing.T) {
	assert.False(t, steal2(false, false, 0))
	assert.True(t, steal2(false, false, 1))
	assert.False(t, steal2(true, false, 1))
	assert.False(t, steal2(false, true, 1))
}

func TestDoHandStealsUnreferencedCleanPage(t *testing.T) {
	phys := freshArena(t)
	po := New(phys)

	ps := pset.New(pset.KAnon, 1)
	_, err := ps.Fillslot(0, false)
	require.Equal(t, 0, int(err))

	pa := ps.SlotPhys(0)
	idx := int((pa - mem.ArenaBase) >> mem.PGSHIFT)

	po.doHand(idx, 2, steal1)
	assert.False(t, ps.SlotValid(0), "clean unreferenced page should be stolen at trouble band 2")
}

func TestDoHandSkipsSharedPage(t *testing.T) {
	phys := freshArena(t)
	po := New(phys)

	ps := pset.New(pset.KAnon, 1)
	_, err := ps.Fillslot(0, false)
	require.Equal(t, 0, int(err))

	pa := ps.SlotPhys(0)
	mem.Physmem.Refup(pa) // simulate a second owner sharing this page
	idx := int((pa - mem.ArenaBase) >> mem.PGSHIFT)

	po.doHand(idx, 2, steal1)
	assert.True(t, ps.SlotValid(0), "a still-shared page must not be stolen")
}

func TestDoHandIgnoresUnownedPage(t *testing.T) {
	phys := freshArena(t)
	po := New(phys)
	// Index 0 has no registered owner in a fresh arena; doHand must not panic.
	po.doHand(0, 2, steal1)
}
