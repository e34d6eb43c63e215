package sim

import (
	"testing"
	"time"

	"hmp-sched/internal/config"
	"hmp-sched/internal/sched"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkloadTask_PhasesAndLoops(t *testing.T) {
	w, err := newWorkloadTask(config.TaskConfig{
		KeyName: "io",
		Loops:   2,
		Phases: []config.PhaseConfig{
			{RunUS: 1000, SleepUS: 500},
			{RunUS: 2000},
		},
	})
	require.NoError(t, err)
	assert.True(t, w.pending())
	assert.Equal(t, time.Millisecond, w.runLeft)

	sleep, exit := w.finishRun()
	assert.Equal(t, 500*time.Microsecond, sleep)
	assert.False(t, exit)
	assert.Equal(t, 2*time.Millisecond, w.runLeft)

	sleep, exit = w.finishRun()
	assert.Zero(t, sleep)
	assert.False(t, exit, "second loop starts")
	assert.Equal(t, time.Millisecond, w.runLeft)

	w.finishRun()
	_, exit = w.finishRun()
	assert.True(t, exit)
}

func TestWorkloadTask_Spec(t *testing.T) {
	w, err := newWorkloadTask(config.TaskConfig{
		KeyName:      "control",
		Policy:       "deadline",
		StartMS:      5,
		AffinityCPUs: []int{2, 3},
		DLRuntimeUS:  2000,
		DLDeadlineUS: 8000,
		DLPeriodUS:   10000,
		Phases:       []config.PhaseConfig{{RunUS: 2000, SleepUS: 8000}},
	})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, w.start)
	assert.Equal(t, sched.PolicyDeadline, w.spec.Policy)
	assert.Equal(t, []int{2, 3}, w.spec.Affinity)
	assert.Equal(t, sched.DeadlineParams{
		Runtime:  2 * time.Millisecond,
		Deadline: 8 * time.Millisecond,
		Period:   10 * time.Millisecond,
	}, w.spec.Deadline)

	_, err = newWorkloadTask(config.TaskConfig{KeyName: "bad", Policy: "gang"})
	assert.ErrorIs(t, err, sched.ErrInvalidPolicy)
}
