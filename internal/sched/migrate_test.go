package sched

import (
	"testing"
	"time"

	"hmp-sched/internal/governor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationMovesCurrentWindowBusyTime(t *testing.T) {
	h := newHarness(t, oneCluster(2), nil)
	p := h.spawn(t, TaskSpec{Name: "mover"})
	require.Equal(t, 0, p.CPU())
	h.run(t, 0, p)

	h.advance(4 * time.Millisecond)
	require.NoError(t, h.s.Tick(0))
	require.Equal(t, 4*ms, h.stats(t, 0).CurrRunnableSum)
	require.Equal(t, int64(0), h.stats(t, 1).CurrRunnableSum)
	before := h.s.Ravg(p)
	require.Equal(t, 4*ms, before.CurrWindow)

	require.NoError(t, h.s.SetAffinity(root, p, []int{1}))
	assert.True(t, h.s.NeedResched(0), "a running task moves at its next switch")
	require.NoError(t, h.s.Schedule(0))

	assert.Equal(t, 1, p.CPU())
	assert.Equal(t, StateRunnable, p.State())
	assert.Equal(t, int64(0), h.stats(t, 0).CurrRunnableSum)
	assert.Equal(t, 4*ms, h.stats(t, 1).CurrRunnableSum)

	after := h.s.Ravg(p)
	assert.Equal(t, before.CurrWindow, after.CurrWindow)
	assert.Equal(t, before.PrevWindow, after.PrevWindow)
	assert.Equal(t, uint64(1), p.Stats().Migrations)
	assert.Equal(t, 1, h.sink.count(TraceMigrate))
}

func TestMigrationAcrossClustersConservesBusyTime(t *testing.T) {
	h := newHarness(t, twoClusters(), nil)
	p := h.spawn(t, TaskSpec{Name: "mover", NotifyOnMigrate: true})
	require.Equal(t, 2, p.CPU(), "a light task starts on the cheap cluster")
	h.run(t, 2, p)

	h.advance(6 * time.Millisecond)
	require.NoError(t, h.s.Tick(2))
	contribution := h.s.Ravg(p).CurrWindow
	require.Equal(t, 3*ms, contribution)
	total := h.stats(t, 2).CurrRunnableSum + h.stats(t, 0).CurrRunnableSum

	require.NoError(t, h.s.SetAffinity(root, p, []int{0}))
	require.NoError(t, h.s.Schedule(2))
	require.Equal(t, 0, p.CPU())

	src, dst := h.stats(t, 2), h.stats(t, 0)
	assert.Equal(t, total, src.CurrRunnableSum+dst.CurrRunnableSum)
	assert.Equal(t, contribution, dst.CurrRunnableSum)
	assert.Equal(t, int64(0), src.CurrRunnableSum)

	events := h.rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, governor.Migration, events[0].Reason)
	assert.Equal(t, 2, events[0].Src)
	assert.Equal(t, 0, events[0].Dst)
}

func TestMigrationFixupCanBeDisabled(t *testing.T) {
	h := newHarness(t, oneCluster(2), func(tun *Tunables) { tun.MigrationFixup = false })
	p := h.spawn(t, TaskSpec{Name: "mover"})
	h.run(t, 0, p)
	h.advance(4 * time.Millisecond)
	require.NoError(t, h.s.Tick(0))

	require.NoError(t, h.s.SetAffinity(root, p, []int{1}))
	require.NoError(t, h.s.Schedule(0))
	assert.Equal(t, 4*ms, h.stats(t, 0).CurrRunnableSum, "busy time stays where it was spent")
	assert.Equal(t, int64(0), h.stats(t, 1).CurrRunnableSum)
}

func TestMigrateSwapExchangesCPUs(t *testing.T) {
	h := newHarness(t, oneCluster(2), nil)
	p := h.spawn(t, TaskSpec{Name: "left"})
	q := h.spawn(t, TaskSpec{Name: "right"})
	require.Equal(t, 0, p.CPU())
	require.Equal(t, 1, q.CPU(), "the second task goes to the idle cpu")

	require.NoError(t, h.s.MigrateSwap(p, q))
	assert.Equal(t, 1, p.CPU())
	assert.Equal(t, 0, q.CPU())
	assert.Equal(t, StateRunnable, p.State())
	assert.Equal(t, StateRunnable, q.State())
	assert.Equal(t, 1, h.stats(t, 0).NrRunning)
	assert.Equal(t, 1, h.stats(t, 1).NrRunning)

	assert.ErrorIs(t, h.s.MigrateSwap(p, p), ErrInvalidMask)
}

func TestMigrateSwapRespectsAffinity(t *testing.T) {
	h := newHarness(t, oneCluster(2), nil)
	p := h.spawn(t, TaskSpec{Name: "pinned", Affinity: []int{0}})
	q := h.spawn(t, TaskSpec{Name: "free"})
	require.Equal(t, 1, q.CPU())

	assert.ErrorIs(t, h.s.MigrateSwap(p, q), ErrInvalidMask)
	assert.Equal(t, 0, p.CPU())
	assert.Equal(t, 1, q.CPU())
}

func TestMigrateSwapOfRunningTasksHappensAtSwitch(t *testing.T) {
	h := newHarness(t, oneCluster(2), nil)
	p := h.spawn(t, TaskSpec{Name: "left"})
	q := h.spawn(t, TaskSpec{Name: "right"})
	h.run(t, 0, p)
	h.run(t, 1, q)

	require.NoError(t, h.s.MigrateSwap(p, q))
	require.NoError(t, h.s.Schedule(0))
	require.NoError(t, h.s.Schedule(1))
	assert.Equal(t, 1, p.CPU())
	assert.Equal(t, 0, q.CPU())
	assert.Equal(t, 2, h.s.NrRunning())
}
