package sched

import (
	"github.com/sirupsen/logrus"
)

type EnqueueFlags int

const (
	EnqueueWakeup EnqueueFlags = 1 << iota
	EnqueueHead
	EnqueueWaking
	EnqueueMigrating
)

// DequeueSleep marks a dequeue for a task that is going to sleep.
const (
	DequeueSleep     EnqueueFlags = 1 << 8
	DequeueMigrating EnqueueFlags = 1 << 9
)

type WakeFlags int

const (
	WFSync WakeFlags = 1 << iota
	WFFork
	WFMigrated
)

type SDFlags int

const (
	SDBalanceWake SDFlags = 1 << iota
	SDBalanceFork
	SDBalanceExec
)

// Class is a scheduling policy plugged into the core. The core consults
// the classes in a fixed order: stop, deadline, realtime, fair, idle.
// Every method except SelectTaskRQ runs with rq's lock held.
type Class interface {
	Name() string
	Enqueue(rq *RunQueue, p *Task, flags EnqueueFlags)
	Dequeue(rq *RunQueue, p *Task, flags EnqueueFlags)
	// PickNext returns the task to run next, nil if the class has nothing
	// runnable, or RetryTask to make the core restart its scan.
	PickNext(rq *RunQueue, prev *Task) *Task
	PutPrev(rq *RunQueue, p *Task)
	Tick(rq *RunQueue, p *Task)
	CheckPreemptCurr(rq *RunQueue, p *Task, flags WakeFlags)
	// SelectTaskRQ proposes a cpu for p. It runs with p's lock held only.
	SelectTaskRQ(p *Task, prevCPU int, sd SDFlags, flags WakeFlags) int
	SetCurr(rq *RunQueue)
	SwitchedFrom(rq *RunQueue, p *Task)
	SwitchedTo(rq *RunQueue, p *Task)
	PrioChanged(rq *RunQueue, p *Task, oldPrio int)
	Yield(rq *RunQueue)
	YieldTo(rq *RunQueue, p *Task) bool
}

// RetryTask is returned by PickNext when the scan has to start over.
var RetryTask = &Task{ID: -1 << 30, Name: "retry", queuedOn: -1}

// noopClass provides empty hooks for classes that do not need them.
type noopClass struct{}

func (noopClass) Tick(*RunQueue, *Task)                        {}
func (noopClass) SetCurr(*RunQueue)                            {}
func (noopClass) SwitchedFrom(*RunQueue, *Task)                {}
func (noopClass) SwitchedTo(*RunQueue, *Task)                  {}
func (noopClass) PrioChanged(*RunQueue, *Task, int)            {}
func (noopClass) Yield(*RunQueue)                              {}
func (noopClass) YieldTo(*RunQueue, *Task) bool                { return false }
func (noopClass) CheckPreemptCurr(*RunQueue, *Task, WakeFlags) {}
func (noopClass) PutPrev(*RunQueue, *Task)                     {}

func (noopClass) SelectTaskRQ(_ *Task, prevCPU int, _ SDFlags, _ WakeFlags) int {
	return prevCPU
}

// classFor returns the class a task's priority maps to.
func (s *Scheduler) classFor(p *Task) Class {
	switch {
	case p.stopTask:
		return s.stopClass
	case p.idleTask:
		return s.idleClass
	case dlPrio(p.prio):
		return s.dlClass
	case rtPrio(p.prio):
		return s.rtClass
	default:
		return s.fairClass
	}
}

func (s *Scheduler) classRank(c Class) int {
	for i, cl := range s.classes {
		if cl == c {
			return i
		}
	}
	return len(s.classes)
}

// enqueueTask adds p to rq. The clock is updated first.
func (s *Scheduler) enqueueTask(rq *RunQueue, p *Task, flags EnqueueFlags) {
	rq.updateClock()
	if p.idleTask {
		s.fatal(FatalIdleEnqueue, rq, p, nil)
	}
	if p.queuedOn >= 0 {
		s.fatal(FatalDoubleEnqueue, rq, p, logrus.Fields{"queued_on": p.queuedOn})
	}
	p.queuedOn = rq.cpu
	rq.addQueued(p)
	rq.nrRunning.Add(1)
	rq.cumulativeRunnableAvg.Add(p.ravg.demand)
	p.class.Enqueue(rq, p, flags)
}

func (s *Scheduler) dequeueTask(rq *RunQueue, p *Task, flags EnqueueFlags) {
	rq.updateClock()
	if p.queuedOn != rq.cpu || !rq.removeQueued(p) {
		s.fatal(FatalForeignDequeue, rq, p, logrus.Fields{"queued_on": p.queuedOn})
	}
	p.queuedOn = -1
	rq.nrRunning.Add(-1)
	if rq.cumulativeRunnableAvg.Add(-p.ravg.demand) < 0 {
		s.fatal(FatalNegativeSum, rq, p, logrus.Fields{"sum": "cumulative_runnable_avg"})
	}
	p.class.Dequeue(rq, p, flags)
}

func (s *Scheduler) activateTask(rq *RunQueue, p *Task, flags EnqueueFlags) {
	if p.contributesToLoad {
		rq.nrUninterruptible--
	}
	s.enqueueTask(rq, p, flags)
}

func (s *Scheduler) deactivateTask(rq *RunQueue, p *Task, flags EnqueueFlags) {
	if p.contributesToLoadNow() {
		rq.nrUninterruptible++
	}
	if flags&DequeueSleep != 0 {
		clearEDTask(p, rq)
	}
	s.dequeueTask(rq, p, flags)
}

// checkPreemptCurr reschedules rq when p should run before its current task.
func (s *Scheduler) checkPreemptCurr(rq *RunQueue, p *Task, flags WakeFlags) {
	curr := rq.curr
	if p.class == curr.class {
		curr.class.CheckPreemptCurr(rq, p, flags)
		return
	}
	if s.classRank(p.class) < s.classRank(curr.class) {
		rq.reschedCurr()
	}
}

// pickNextTask scans the classes in order. A RetryTask restarts the scan;
// finding nothing at all is fatal since the idle class always has a task.
func (s *Scheduler) pickNextTask(rq *RunQueue, prev *Task) *Task {
	if prev != nil {
		prev.class.PutPrev(rq, prev)
	}
again:
	for _, class := range s.classes {
		p := class.PickNext(rq, prev)
		if p == nil {
			continue
		}
		if p == RetryTask {
			goto again
		}
		return p
	}
	s.fatal(FatalNullPick, rq, prev, nil)
	return nil
}

// checkClassChanged runs the class switch hooks after a policy change.
func checkClassChanged(rq *RunQueue, p *Task, prevClass Class, oldPrio int) {
	if prevClass != p.class {
		prevClass.SwitchedFrom(rq, p)
		p.class.SwitchedTo(rq, p)
		return
	}
	if oldPrio != p.prio || p.policy.deadline() {
		p.class.PrioChanged(rq, p, oldPrio)
	}
}
