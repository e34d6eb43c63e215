package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetWindowRejectsOutOfRangeSizes(t *testing.T) {
	h := newHarness(t, oneCluster(1), nil)
	assert.ErrorIs(t, h.s.SetWindow(0, 5*time.Millisecond), ErrInvalidWindow)
	assert.ErrorIs(t, h.s.SetWindow(0, 2*time.Second), ErrInvalidWindow)
	assert.Equal(t, MinWindow, h.s.WindowSize())
	assert.Equal(t, ResetReason(0), h.s.LastResetReason())
}

func TestSetWindowDiscardsStatistics(t *testing.T) {
	h := newHarness(t, oneCluster(1), nil)
	p := h.spawn(t, TaskSpec{Name: "busy"})
	h.run(t, 0, p)
	h.advance(14 * time.Millisecond)
	require.NoError(t, h.s.Tick(0))
	require.NotZero(t, h.stats(t, 0).PrevRunnableSum)

	require.NoError(t, h.s.SetWindow(0, 20*time.Millisecond))

	st := h.stats(t, 0)
	assert.Equal(t, int64(0), st.CurrRunnableSum)
	assert.Equal(t, int64(0), st.PrevRunnableSum)
	assert.Equal(t, int64(0), st.CumulativeDemand)
	assert.Equal(t, h.s.Clock().Now(), st.WindowStart)

	r := h.s.Ravg(p)
	assert.Equal(t, int64(0), r.Demand)
	assert.Equal(t, int64(0), r.CurrWindow)
	assert.Equal(t, int64(0), r.PrevWindow)
	for _, v := range r.History {
		assert.Equal(t, int64(0), v)
	}

	assert.Equal(t, 20*time.Millisecond, h.s.WindowSize())
	assert.Equal(t, ResetWindowChange, h.s.LastResetReason())
	assert.Equal(t, 1, h.sink.count(TraceReset))
}

func TestSetWindowAlignsFutureStart(t *testing.T) {
	h := newHarness(t, oneCluster(2), nil)
	h.advance(4 * time.Millisecond)
	now := h.s.Clock().Now()

	require.NoError(t, h.s.SetWindow(now+25*ms, 10*time.Millisecond))
	want := int64(time.Second) - ms
	for _, cpu := range h.s.CPUs() {
		assert.Equal(t, want, h.stats(t, cpu).WindowStart)
	}
	assert.Equal(t, ResetWindowChange, h.s.LastResetReason(), "same size still restarts the windows")
}

func TestSetTunables(t *testing.T) {
	h := newHarness(t, oneCluster(1), nil)

	tun := h.s.Tunables()
	tun.Boost = true
	require.NoError(t, h.s.SetTunables(tun))
	assert.True(t, h.s.Tunables().Boost)
	assert.Equal(t, ResetReason(0), h.s.LastResetReason())
	assert.Equal(t, 0, h.sink.count(TraceReset))

	tun.Policy = WindowAvg
	require.NoError(t, h.s.SetTunables(tun))
	assert.Equal(t, ResetPolicyChange, h.s.LastResetReason())
	assert.Equal(t, 1, h.sink.count(TraceReset))

	tun.HistorySize = 9
	assert.Error(t, h.s.SetTunables(tun))
	tun.HistorySize = 3
	tun.GroupDownmigratePct = 120
	assert.Error(t, h.s.SetTunables(tun))
	assert.Equal(t, RavgHistSizeMax, h.s.Tunables().HistorySize)
}

func TestWindowChangeDuringConcurrentTicks(t *testing.T) {
	h := newHarness(t, oneCluster(4), nil)
	for i := 0; i < 4; i++ {
		h.spawn(t, TaskSpec{Name: "spinner"})
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for _, cpu := range h.s.CPUs() {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if err := h.s.Tick(cpu); err != nil {
					t.Error(err)
					return
				}
			}
		}(cpu)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.advance(300 * time.Microsecond)
			}
		}
	}()

	for i := 0; i < 20; i++ {
		size := 10 * time.Millisecond
		if i%2 == 1 {
			size = 20 * time.Millisecond
		}
		require.NoError(t, h.s.SetWindow(0, size))
	}
	close(stop)
	wg.Wait()

	window := int64(h.s.WindowSize())
	for _, cpu := range h.s.CPUs() {
		st := h.stats(t, cpu)
		assert.GreaterOrEqual(t, st.CurrRunnableSum, int64(0))
		assert.GreaterOrEqual(t, st.PrevRunnableSum, int64(0))
		assert.LessOrEqual(t, st.PrevRunnableSum, window)
	}
	for _, p := range h.s.Tasks() {
		d := h.s.Ravg(p).Demand
		assert.GreaterOrEqual(t, d, int64(0))
		assert.LessOrEqual(t, d, window)
	}
}
