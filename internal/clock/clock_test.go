package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_AdvanceIsMonotonic(t *testing.T) {
	m := NewManual(0)
	require.Equal(t, int64(1), m.Now())

	m.Advance(10 * time.Millisecond)
	assert.Equal(t, int64(1+10_000_000), m.Now())

	m.Advance(-time.Second)
	m.Set(5)
	assert.Equal(t, int64(1+10_000_000), m.Now(), "clock must not move backwards")
}

func TestClock_SuspendFreezesTime(t *testing.T) {
	m := NewManual(100)
	c := New(m)

	m.Advance(50)
	c.Suspend()
	require.True(t, c.Suspended())

	m.Advance(time.Hour)
	assert.Equal(t, int64(150), c.Now(), "suspended clock reports the frozen value")

	c.Resume()
	assert.Equal(t, int64(150)+int64(time.Hour), c.Now())
}

func TestMonotonic_NeverZero(t *testing.T) {
	m := NewMonotonic()
	a := m.Now()
	b := m.Now()
	assert.Greater(t, a, int64(0))
	assert.GreaterOrEqual(t, b, a)
}
