//go:build linux

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerfSourceFollowsWallTime(t *testing.T) {
	src, err := NewPerfSource()
	if err != nil {
		t.Skipf("perf events unavailable: %v", err)
	}
	defer src.Close()

	before := src.Now()
	time.Sleep(200 * time.Millisecond)
	after := src.Now()

	assert.GreaterOrEqual(t, time.Duration(after-before), 150*time.Millisecond,
		"the clock advances while the caller sleeps")
}

func TestPerfSourceAfterClose(t *testing.T) {
	src, err := NewPerfSource()
	if err != nil {
		t.Skipf("perf events unavailable: %v", err)
	}
	now := src.Now()
	require.NoError(t, src.Close())
	assert.Equal(t, now, src.Now(), "a closed source holds its last value")
	assert.NoError(t, src.Close())
}
