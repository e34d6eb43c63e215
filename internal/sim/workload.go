package sim

import (
	"fmt"
	"time"

	"hmp-sched/internal/config"
	"hmp-sched/internal/sched"
)

func us(n int) time.Duration {
	return time.Duration(n) * time.Microsecond
}

// workloadTask replays the phase list of one configured task.
type workloadTask struct {
	cfg   config.TaskConfig
	spec  sched.TaskSpec
	start time.Duration

	task *sched.Task
	// phase indexes cfg.Phases; loop counts completed passes over them.
	phase   int
	loop    int
	runLeft time.Duration

	sleeping bool
	wakeAt   time.Duration
	rejected bool
	exited   bool
}

func newWorkloadTask(cfg config.TaskConfig) (*workloadTask, error) {
	policy, err := sched.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", cfg.KeyName, err)
	}
	w := &workloadTask{
		cfg:   cfg,
		start: time.Duration(cfg.StartMS) * time.Millisecond,
		spec: sched.TaskSpec{
			Name:     cfg.KeyName,
			Policy:   policy,
			Priority: cfg.Priority,
			Nice:     cfg.Nice,
			Affinity: cfg.AffinityCPUs,
			Cpuset:   cfg.Cpuset,
			Group:    cfg.Group,
			Deadline: sched.DeadlineParams{
				Runtime:  us(cfg.DLRuntimeUS),
				Deadline: us(cfg.DLDeadlineUS),
				Period:   us(cfg.DLPeriodUS),
			},
			NotifyOnMigrate: true,
		},
	}
	if len(cfg.Phases) > 0 {
		w.runLeft = us(cfg.Phases[0].RunUS)
	}
	return w, nil
}

// pending reports whether the task has not been spawned yet.
func (w *workloadTask) pending() bool {
	return w.task == nil && !w.rejected
}

func (w *workloadTask) live() bool {
	return w.task != nil && !w.exited
}

// finishRun moves past the current run phase. It returns the sleep that
// follows it, and exit when the last loop has completed.
func (w *workloadTask) finishRun() (sleep time.Duration, exit bool) {
	sleep = us(w.cfg.Phases[w.phase].SleepUS)
	w.phase++
	if w.phase == len(w.cfg.Phases) {
		w.phase = 0
		w.loop++
		if w.cfg.Loops > 0 && w.loop >= w.cfg.Loops {
			return 0, true
		}
	}
	w.runLeft = us(w.cfg.Phases[w.phase].RunUS)
	return sleep, false
}
