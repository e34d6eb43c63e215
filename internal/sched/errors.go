package sched

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidPolicy    = errors.New("invalid scheduling policy or parameters")
	ErrPermissionDenied = errors.New("permission denied")
	ErrBusy             = errors.New("deadline bandwidth admission failed")
	ErrNotFound         = errors.New("task not found")
	ErrInvalidMask      = errors.New("invalid cpu mask")
	ErrInvalidWindow    = errors.New("invalid window size")
	ErrAgain            = errors.New("resource temporarily unavailable")
	ErrNoSuchCPU        = errors.New("no such cpu")
)

// InvariantError is the panic value raised when the core detects state it
// cannot continue from.
type InvariantError struct {
	Kind   string
	CPU    int
	TaskID int
	Fields logrus.Fields
}

func (e *InvariantError) Error() string {
	if e.TaskID >= 0 {
		return fmt.Sprintf("scheduler invariant violated: %s (cpu %d, task %d)", e.Kind, e.CPU, e.TaskID)
	}
	return fmt.Sprintf("scheduler invariant violated: %s (cpu %d)", e.Kind, e.CPU)
}

// Fatal kinds.
const (
	FatalNegativeSum        = "negative runnable sum"
	FatalNullPick           = "pick_next returned no task"
	FatalAtomicSchedule     = "scheduling while atomic"
	FatalDoubleEnqueue      = "task enqueued twice"
	FatalForeignDequeue     = "task dequeued from a queue that does not own it"
	FatalWrongCPU           = "picked task belongs to another cpu"
	FatalSpinTimeout        = "task did not leave its cpu"
	FatalFallbackExhausted  = "no online cpu for task"
	FatalIdleEnqueue        = "idle task enqueued"
	FatalWindowWentBackward = "window start ahead of clock"
)

// fatal logs a diagnostic dump and panics. Nothing in this package
// recovers the panic.
func (s *Scheduler) fatal(kind string, rq *RunQueue, p *Task, extra logrus.Fields) {
	err := &InvariantError{Kind: kind, CPU: -1, TaskID: -1, Fields: logrus.Fields{}}
	if rq != nil {
		err.CPU = rq.cpu
		err.Fields["curr_runnable_sum"] = rq.currRunnableSum
		err.Fields["prev_runnable_sum"] = rq.prevRunnableSum
		err.Fields["nt_curr_runnable_sum"] = rq.ntCurrRunnableSum
		err.Fields["nt_prev_runnable_sum"] = rq.ntPrevRunnableSum
		err.Fields["nr_running"] = rq.nrRunning.Load()
		err.Fields["window_start"] = rq.windowStart
		if rq.curr != nil {
			err.Fields["curr"] = rq.curr.ID
		}
	}
	if p != nil {
		err.TaskID = p.ID
		for k, v := range taskLogFields(p) {
			err.Fields[k] = v
		}
	}
	for k, v := range extra {
		err.Fields[k] = v
	}
	fields := logrus.Fields{"cpu": err.CPU, "kind": kind}
	for k, v := range err.Fields {
		fields[k] = v
	}
	s.logger.WithFields(fields).Error("Scheduler invariant violated")
	panic(err)
}
