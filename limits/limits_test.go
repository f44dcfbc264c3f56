package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTakenGiven(t *testing.T) {
	var s Sysatomic_t
	s.Given(3)
	assert.EqualValues(t, 3, s.Remain())

	assert.True(t, s.Taken(2))
	assert.EqualValues(t, 1, s.Remain())

	assert.True(t, s.Take())
	assert.EqualValues(t, 0, s.Remain())
}

func TestTakenUnderflowRollsBack(t *testing.T) {
	var s Sysatomic_t
	s.Given(1)

	before := Lhits
	assert.False(t, s.Taken(5))
	assert.EqualValues(t, 1, s.Remain())
	assert.Equal(t, before+1, Lhits)
}

func TestMkSysLimitDefaults(t *testing.T) {
	sl := MkSysLimit()
	assert.Greater(t, sl.Sysprocs.Remain(), int64(0))
	assert.Greater(t, sl.Ports.Remain(), int64(0))
	assert.Greater(t, sl.Portrefs.Remain(), int64(0))
	assert.Greater(t, sl.Psets.Remain(), int64(0))
	assert.Greater(t, sl.SwapBlocks.Remain(), int64(0))
}
