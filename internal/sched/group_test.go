package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupPreferenceFollowsCombinedDemand(t *testing.T) {
	h := newHarness(t, twoClusters(), func(tun *Tunables) { tun.InitTaskLoadPct = 30 })

	p, err := h.s.NewTask(TaskSpec{Name: "render", Group: 7})
	require.NoError(t, err)
	g, err := h.s.Group(7)
	require.NoError(t, err)
	assert.Equal(t, "B", g.PreferredCluster, "3ms fits the half-speed cluster")

	h.advance(2 * time.Millisecond)
	q, err := h.s.NewTask(TaskSpec{Name: "compose", Group: 7})
	require.NoError(t, err)
	g, err = h.s.Group(7)
	require.NoError(t, err)
	assert.Equal(t, "A", g.PreferredCluster, "6ms no longer fits the half-speed cluster")
	assert.Equal(t, 6*ms, g.CombinedDemand)
	assert.Equal(t, []int{p.ID, q.ID}, g.Tasks)

	require.NoError(t, h.s.WakeUpNewTask(p))
	require.NoError(t, h.s.WakeUpNewTask(q))
	snap := h.s.Topology().Load()
	assert.Equal(t, "A", snap.ClusterOf(p.CPU()).Name)
	assert.Equal(t, "A", snap.ClusterOf(q.CPU()).Name)
	assert.NotEqual(t, p.CPU(), q.CPU())
}

func TestGroupPreferenceIsRateLimited(t *testing.T) {
	h := newHarness(t, twoClusters(), func(tun *Tunables) { tun.InitTaskLoadPct = 30 })

	_, err := h.s.NewTask(TaskSpec{Name: "first", Group: 4})
	require.NoError(t, err)
	_, err = h.s.NewTask(TaskSpec{Name: "second", Group: 4})
	require.NoError(t, err)

	g, err := h.s.Group(4)
	require.NoError(t, err)
	assert.Equal(t, "B", g.PreferredCluster, "recomputed at most once per tenth of a window")
}

func TestColocationDisabledLeavesNoPreference(t *testing.T) {
	h := newHarness(t, twoClusters(), func(tun *Tunables) { tun.Colocation = false })
	_, err := h.s.NewTask(TaskSpec{Name: "solo", Group: 2})
	require.NoError(t, err)
	g, err := h.s.Group(2)
	require.NoError(t, err)
	assert.Empty(t, g.PreferredCluster)
}

func TestEmptiedGroupIsReclaimedAfterEveryCPUPasses(t *testing.T) {
	h := newHarness(t, oneCluster(2), nil)
	p, err := h.s.NewTask(TaskSpec{Name: "member", Group: 5})
	require.NoError(t, err)
	require.Equal(t, 5, p.GroupID())
	require.Equal(t, 1, h.s.GroupStats().Live)

	require.NoError(t, h.s.SetGroup(p, 0))
	assert.Equal(t, 0, p.GroupID())
	st := h.s.GroupStats()
	assert.Equal(t, 0, st.Live)
	assert.Equal(t, 1, st.Retired)
	_, err = h.s.Group(5)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.s.Tick(0))
	assert.Equal(t, uint64(0), h.s.GroupStats().Reclaimed, "cpu 1 has not passed a safe point")

	require.NoError(t, h.s.Tick(1))
	st = h.s.GroupStats()
	assert.Equal(t, uint64(1), st.Reclaimed)
	assert.Equal(t, 0, st.Retired)
}

func TestSetGroupMovesBetweenGroups(t *testing.T) {
	h := newHarness(t, oneCluster(1), nil)
	p := h.spawn(t, TaskSpec{Name: "mover", Group: 1})
	q := h.spawn(t, TaskSpec{Name: "stays", Group: 1})

	require.NoError(t, h.s.SetGroup(p, 2))
	one, err := h.s.Group(1)
	require.NoError(t, err)
	assert.Equal(t, []int{q.ID}, one.Tasks)
	two, err := h.s.Group(2)
	require.NoError(t, err)
	assert.Equal(t, []int{p.ID}, two.Tasks)

	assert.NoError(t, h.s.SetGroup(p, 2), "same group is a no-op")
	assert.ErrorIs(t, h.s.SetGroup(p, -1), ErrInvalidPolicy)
	assert.Equal(t, 2, h.s.GroupStats().Live)
}
