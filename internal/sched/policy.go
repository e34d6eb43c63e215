package sched

import (
	"fmt"
	"time"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Credentials identify the caller of a policy or affinity change.
// Privileged callers skip the ownership and limit checks.
type Credentials struct {
	UID        int
	Privileged bool
}

// Attr is a requested scheduling policy. Priority is the realtime
// priority, 1..99 for FIFO and RR and 0 otherwise. Nice applies to the
// fair policies.
type Attr struct {
	Policy      Policy
	Priority    int
	Nice        int
	Deadline    DeadlineParams
	ResetOnFork bool
}

const minDLRuntime = 1024 * time.Nanosecond

func validateAttr(attr Attr) error {
	if !attr.Policy.valid() {
		return fmt.Errorf("%w: policy %d", ErrInvalidPolicy, int(attr.Policy))
	}
	if attr.Priority < 0 || attr.Priority > MaxUserRTPrio-1 {
		return fmt.Errorf("%w: priority %d", ErrInvalidPolicy, attr.Priority)
	}
	if attr.Policy.realtime() != (attr.Priority != 0) {
		return fmt.Errorf("%w: priority %d with policy %s", ErrInvalidPolicy, attr.Priority, attr.Policy)
	}
	if attr.Policy.fair() && (attr.Nice < MinNice || attr.Nice > MaxNice) {
		return fmt.Errorf("%w: nice %d", ErrInvalidPolicy, attr.Nice)
	}
	if attr.Policy.deadline() {
		dl := attr.Deadline
		period := dl.Period
		if period == 0 {
			period = dl.Deadline
		}
		if dl.Deadline == 0 || dl.Runtime < minDLRuntime || period < dl.Deadline || dl.Deadline < dl.Runtime {
			return fmt.Errorf("%w: deadline runtime %s deadline %s period %s",
				ErrInvalidPolicy, dl.Runtime, dl.Deadline, dl.Period)
		}
	}
	return nil
}

// canNice reports whether an unprivileged owner may lower p's nice value
// to nice.
func canNice(p *Task, nice int) bool {
	return 20-nice <= p.RLimitNice
}

func checkPermission(creds Credentials, p *Task, attr Attr) error {
	if creds.Privileged {
		return nil
	}
	if creds.UID != p.UID {
		return fmt.Errorf("%w: task %d is owned by uid %d", ErrPermissionDenied, p.ID, p.UID)
	}
	switch {
	case attr.Policy.fair():
		if attr.Nice < prioToNice(p.staticPrio) && !canNice(p, attr.Nice) {
			return fmt.Errorf("%w: nice %d", ErrPermissionDenied, attr.Nice)
		}
	case attr.Policy.realtime():
		if attr.Policy != p.policy && p.RLimitRTPrio == 0 {
			return fmt.Errorf("%w: realtime not permitted", ErrPermissionDenied)
		}
		if attr.Priority > p.rtPriority && attr.Priority > p.RLimitRTPrio {
			return fmt.Errorf("%w: priority %d above limit %d", ErrPermissionDenied, attr.Priority, p.RLimitRTPrio)
		}
	case attr.Policy.deadline():
		return fmt.Errorf("%w: deadline requires privilege", ErrPermissionDenied)
	}
	if p.policy == PolicyIdle && attr.Policy != PolicyIdle && !canNice(p, prioToNice(p.staticPrio)) {
		return fmt.Errorf("%w: cannot leave idle policy", ErrPermissionDenied)
	}
	if p.resetOnFork && !attr.ResetOnFork {
		return fmt.Errorf("%w: cannot clear reset-on-fork", ErrPermissionDenied)
	}
	return nil
}

// unchanged reports whether attr asks for what p already has.
func (p *Task) unchanged(attr Attr) bool {
	if attr.Policy != p.policy {
		return false
	}
	switch {
	case attr.Policy.fair():
		return niceToPrio(attr.Nice) == p.staticPrio
	case attr.Policy.realtime():
		return attr.Priority == p.rtPriority
	default:
		return attr.Deadline.Runtime == time.Duration(p.dlRuntime) &&
			attr.Deadline.Deadline == time.Duration(p.dlDeadline) &&
			attr.Deadline.Period == time.Duration(p.dlPeriod)
	}
}

// applyAttr sets p's policy parameters and the class they map to.
func (s *Scheduler) applyAttr(p *Task, attr Attr) {
	p.policy = attr.Policy
	if attr.Policy.fair() {
		p.staticPrio = niceToPrio(attr.Nice)
	}
	p.rtPriority = attr.Priority
	if attr.Policy.deadline() {
		period := attr.Deadline.Period
		if period == 0 {
			period = attr.Deadline.Deadline
		}
		p.dlRuntime = int64(attr.Deadline.Runtime)
		p.dlDeadline = int64(attr.Deadline.Deadline)
		p.dlPeriod = int64(period)
		p.deadline, p.runtime = 0, 0
	}
	p.normalPrio = p.normalPrioFor()
	p.prio = p.normalPrio
	p.setLoadWeight()
	p.class = s.classFor(p)
}

// SetScheduler changes p's policy. Admission errors leave p untouched.
func (s *Scheduler) SetScheduler(creds Credentials, p *Task, attr Attr) error {
	if err := validateAttr(attr); err != nil {
		return err
	}
	rq := s.taskRQLock(p)
	defer taskRQUnlock(rq, p)

	if p.kstate.Load()&taskDead != 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, p.ID)
	}
	if p.idleTask || p.stopTask {
		return fmt.Errorf("%w: task %d is a per-cpu kernel task", ErrInvalidPolicy, p.ID)
	}
	if err := checkPermission(creds, p, attr); err != nil {
		return err
	}
	if p.unchanged(attr) {
		p.resetOnFork = attr.ResetOnFork
		return nil
	}

	if attr.Policy.deadline() {
		period := attr.Deadline.Period
		if period == 0 {
			period = attr.Deadline.Deadline
		}
		if err := s.accountant.Admit(p.ID, true, int64(attr.Deadline.Runtime), int64(period)); err != nil {
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
	} else if p.policy.deadline() {
		s.accountant.Release(p.ID)
	}

	oldPrio := p.prio
	oldPolicy := p.policy
	prevClass := p.class
	queued := p.queuedOn == rq.cpu
	running := rq.curr == p

	rq.updateClock()
	if queued {
		s.dequeueTask(rq, p, 0)
	}
	if running {
		prevClass.PutPrev(rq, p)
	}
	s.applyAttr(p, attr)
	p.resetOnFork = attr.ResetOnFork
	if running {
		p.class.SetCurr(rq)
		rq.currPrio.Store(int32(p.prio))
	}
	if queued {
		var flags EnqueueFlags
		if oldPrio <= p.prio {
			flags = EnqueueHead
		}
		s.enqueueTask(rq, p, flags)
	}
	checkClassChanged(rq, p, prevClass, oldPrio)

	s.schedLogger.WithFields(taskLogFields(p)).WithFields(logrus.Fields{
		"old_policy": oldPolicy.String(),
		"policy":     p.policy.String(),
		"prio":       p.prio,
	}).Debug("Scheduling policy changed")
	return nil
}

// SetUserNice changes the nice value of p. Realtime and deadline tasks
// only record it for when they return to a fair policy.
func (s *Scheduler) SetUserNice(p *Task, nice int) error {
	if nice < MinNice || nice > MaxNice {
		return fmt.Errorf("%w: nice %d", ErrInvalidPolicy, nice)
	}
	rq := s.taskRQLock(p)
	defer taskRQUnlock(rq, p)

	if prioToNice(p.staticPrio) == nice || p.idleTask || p.stopTask {
		return nil
	}
	if !p.policy.fair() {
		p.staticPrio = niceToPrio(nice)
		return nil
	}

	queued := p.queuedOn == rq.cpu
	if queued {
		s.dequeueTask(rq, p, 0)
	}
	p.staticPrio = niceToPrio(nice)
	p.setLoadWeight()
	oldPrio := p.prio
	p.normalPrio = p.normalPrioFor()
	p.prio = p.normalPrio
	if rq.curr == p {
		rq.currPrio.Store(int32(p.prio))
	}
	if queued {
		s.enqueueTask(rq, p, 0)
		if delta := p.prio - oldPrio; delta < 0 || (delta > 0 && rq.curr == p) {
			rq.reschedCurr()
		}
	}
	return nil
}

// SetStopTask installs a task created by NewTask and not yet started as
// cpu's stop task. Once woken it runs ahead of every other class there.
func (s *Scheduler) SetStopTask(cpu int, p *Task) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	if !s.possible.Has(cpu) {
		return fmt.Errorf("%w: %d", ErrNoSuchCPU, cpu)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kstate.Load() != taskNew {
		return fmt.Errorf("task %s: already started", p)
	}
	rq.lock()
	defer rq.unlock()
	if rq.stop != nil && rq.stop != p {
		return fmt.Errorf("cpu %d: stop task %s already installed", cpu, rq.stop)
	}
	if p.policy.deadline() {
		s.accountant.Release(p.ID)
	}
	p.stopTask = true
	p.policy = PolicyFIFO
	p.rtPriority = MaxRTPrio - 1
	p.normalPrio = 0
	p.prio = 0
	p.class = s.stopClass
	p.setCPUsAllowed(idset.NewIDSet(cpu))
	p.cpu.Store(int32(cpu))
	p.wakeCPU = cpu
	rq.stop = p
	return nil
}
