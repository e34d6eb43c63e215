package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetSchedulerRejectsInvalidAttributes(t *testing.T) {
	tests := []struct {
		name string
		attr Attr
	}{
		{"fifo without priority", Attr{Policy: PolicyFIFO}},
		{"normal with priority", Attr{Policy: PolicyNormal, Priority: 5}},
		{"nice out of range", Attr{Policy: PolicyNormal, Nice: 20}},
		{"unknown policy", Attr{Policy: Policy(42)}},
		{"priority out of range", Attr{Policy: PolicyRR, Priority: 100}},
		{"runtime beyond deadline", Attr{Policy: PolicyDeadline, Deadline: DeadlineParams{
			Runtime: 20 * time.Millisecond, Deadline: 10 * time.Millisecond,
		}}},
		{"runtime too small", Attr{Policy: PolicyDeadline, Deadline: DeadlineParams{
			Runtime: 100 * time.Nanosecond, Deadline: 10 * time.Millisecond,
		}}},
		{"period shorter than deadline", Attr{Policy: PolicyDeadline, Deadline: DeadlineParams{
			Runtime: time.Millisecond, Deadline: 10 * time.Millisecond, Period: 5 * time.Millisecond,
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, oneCluster(1), nil)
			p := h.spawn(t, TaskSpec{Name: "target"})
			assert.ErrorIs(t, h.s.SetScheduler(root, p, tt.attr), ErrInvalidPolicy)
			assert.Equal(t, PolicyNormal, p.Policy())
		})
	}
}

func TestSetSchedulerPermissions(t *testing.T) {
	h := newHarness(t, oneCluster(1), nil)
	owner := Credentials{UID: 1000}

	p := h.spawn(t, TaskSpec{Name: "user", UID: 1000})
	assert.ErrorIs(t, h.s.SetScheduler(Credentials{UID: 1001}, p, Attr{Policy: PolicyBatch}), ErrPermissionDenied)
	assert.ErrorIs(t, h.s.SetScheduler(owner, p, Attr{Policy: PolicyFIFO, Priority: 1}), ErrPermissionDenied,
		"no realtime limit")
	assert.ErrorIs(t, h.s.SetScheduler(owner, p, Attr{Policy: PolicyNormal, Nice: -5}), ErrPermissionDenied)
	assert.NoError(t, h.s.SetScheduler(owner, p, Attr{Policy: PolicyNormal, Nice: 5}))
	assert.Equal(t, 5, p.Nice())
	assert.ErrorIs(t, h.s.SetScheduler(owner, p, Attr{Policy: PolicyDeadline, Deadline: DeadlineParams{
		Runtime: time.Millisecond, Deadline: 10 * time.Millisecond,
	}}), ErrPermissionDenied)

	limited := h.spawn(t, TaskSpec{Name: "limited", UID: 1000, RLimitRTPrio: 20})
	assert.NoError(t, h.s.SetScheduler(owner, limited, Attr{Policy: PolicyFIFO, Priority: 10}))
	assert.Equal(t, PolicyFIFO, limited.Policy())
	assert.ErrorIs(t, h.s.SetScheduler(owner, limited, Attr{Policy: PolicyFIFO, Priority: 30}), ErrPermissionDenied)

	assert.NoError(t, h.s.SetScheduler(root, p, Attr{Policy: PolicyRR, Priority: 50}))
	assert.Equal(t, PolicyRR, p.Policy())
}

func TestDeadlineAdmission(t *testing.T) {
	h := newHarness(t, oneCluster(1), nil)
	params := DeadlineParams{
		Runtime:  600 * time.Millisecond,
		Deadline: time.Second,
		Period:   time.Second,
	}
	first := h.spawn(t, TaskSpec{Name: "first"})
	second := h.spawn(t, TaskSpec{Name: "second"})

	require.NoError(t, h.s.SetScheduler(root, first, Attr{Policy: PolicyDeadline, Deadline: params}))
	assert.Equal(t, PolicyDeadline, first.Policy())

	err := h.s.SetScheduler(root, second, Attr{Policy: PolicyDeadline, Deadline: params})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, PolicyNormal, second.Policy(), "a rejected admission changes nothing")
	assert.Equal(t, 2, h.s.NrRunning())

	require.NoError(t, h.s.SetScheduler(root, first, Attr{Policy: PolicyNormal}))
	require.NoError(t, h.s.SetScheduler(root, second, Attr{Policy: PolicyDeadline, Deadline: params}))
	assert.Equal(t, PolicyDeadline, second.Policy())
}

func TestNewDeadlineTaskIsAdmitted(t *testing.T) {
	h := newHarness(t, oneCluster(1), nil)
	spec := TaskSpec{Name: "periodic", Policy: PolicyDeadline, Deadline: DeadlineParams{
		Runtime: 500 * time.Millisecond, Deadline: time.Second,
	}}
	_, err := h.s.NewTask(spec)
	require.NoError(t, err)
	_, err = h.s.NewTask(spec)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestForkResetsPolicyOnRequest(t *testing.T) {
	h := newHarness(t, oneCluster(2), nil)
	parent := h.spawn(t, TaskSpec{Name: "rt", Policy: PolicyFIFO, Priority: 20, ResetOnFork: true, Affinity: []int{1}})

	child, err := h.s.Fork(parent, "rt-child")
	require.NoError(t, err)
	assert.Equal(t, PolicyNormal, child.Policy())
	assert.GreaterOrEqual(t, child.Nice(), 0)
	assert.Equal(t, []int{1}, child.Allowed().SortedMembers())
	assert.Equal(t, StateSleeping, child.State(), "not started yet")

	require.NoError(t, h.s.WakeUpNewTask(child))
	assert.Equal(t, 1, child.CPU())

	niced := h.spawn(t, TaskSpec{Name: "niced", Nice: -5, ResetOnFork: true})
	grandchild, err := h.s.Fork(niced, "niced-child")
	require.NoError(t, err)
	assert.Equal(t, 0, grandchild.Nice())

	plain := h.spawn(t, TaskSpec{Name: "plain", Policy: PolicyRR, Priority: 5})
	inherit, err := h.s.Fork(plain, "plain-child")
	require.NoError(t, err)
	assert.Equal(t, PolicyRR, inherit.Policy())
}

func TestDeadlineTaskCannotFork(t *testing.T) {
	h := newHarness(t, oneCluster(1), nil)
	dl := h.spawn(t, TaskSpec{Name: "dl", Policy: PolicyDeadline, Deadline: DeadlineParams{
		Runtime: time.Millisecond, Deadline: 10 * time.Millisecond,
	}})
	_, err := h.s.Fork(dl, "child")
	assert.ErrorIs(t, err, ErrAgain)
}

func TestSetUserNice(t *testing.T) {
	h := newHarness(t, oneCluster(1), nil)
	p := h.spawn(t, TaskSpec{Name: "worker"})
	before := p.Priority()

	require.NoError(t, h.s.SetUserNice(p, 10))
	assert.Equal(t, 10, p.Nice())
	assert.Greater(t, p.Priority(), before)
	assert.ErrorIs(t, h.s.SetUserNice(p, 25), ErrInvalidPolicy)

	rt := h.spawn(t, TaskSpec{Name: "rt", Policy: PolicyFIFO, Priority: 10})
	prio := rt.Priority()
	require.NoError(t, h.s.SetUserNice(rt, -10))
	assert.Equal(t, prio, rt.Priority(), "a realtime task keeps its priority")
	require.NoError(t, h.s.SetScheduler(root, rt, Attr{Policy: PolicyNormal, Nice: -10}))
	assert.Equal(t, -10, rt.Nice())
}
