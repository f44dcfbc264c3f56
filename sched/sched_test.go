package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vsta/defs"
)

func TestPickHeaviestChild(t *testing.T) {
	s := New(10)
	s.Add(defs.Tid_t(1), 1)
	s.Add(defs.Tid_t(2), 5)
	s.Add(defs.Tid_t(3), 2)

	tid, ticks, ok := s.Pick()
	assert.True(t, ok)
	assert.Equal(t, defs.Tid_t(2), tid)
	assert.Equal(t, 10, ticks)
}

func TestParkRemovesFromContention(t *testing.T) {
	s := New(10)
	s.Add(defs.Tid_t(1), 1)
	s.Add(defs.Tid_t(2), 5)
	s.Park(defs.Tid_t(2))

	tid, _, ok := s.Pick()
	assert.True(t, ok)
	assert.Equal(t, defs.Tid_t(1), tid)
}

func TestWakeRestoresWeight(t *testing.T) {
	s := New(10)
	s.Add(defs.Tid_t(1), 1)
	s.Add(defs.Tid_t(2), 5)
	s.Park(defs.Tid_t(2))
	s.Wake(defs.Tid_t(2))

	tid, _, ok := s.Pick()
	assert.True(t, ok)
	assert.Equal(t, defs.Tid_t(2), tid)
}

func TestPreemptShrinksNextQuantum(t *testing.T) {
	s := New(10)
	s.Add(defs.Tid_t(1), 1)
	s.Preempt(defs.Tid_t(1))
	s.Preempt(defs.Tid_t(1))

	_, ticks, ok := s.Pick()
	assert.True(t, ok)
	assert.Less(t, ticks, 10)

	s.ClearOink(defs.Tid_t(1))
	_, ticks, ok = s.Pick()
	assert.True(t, ok)
	assert.Equal(t, 10, ticks)
}

func TestRemoveEmptyTreeNotRunnable(t *testing.T) {
	s := New(10)
	s.Add(defs.Tid_t(1), 1)
	s.Remove(defs.Tid_t(1))

	_, _, ok := s.Pick()
	assert.False(t, ok)
}

func TestPickCounterNeverDecreases(t *testing.T) {
	s := New(10)
	s.Add(defs.Tid_t(1), 1)
	before := int64(Picks)
	s.Pick()
	assert.GreaterOrEqual(t, int64(Picks), before)
}
