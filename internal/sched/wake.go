package sched

import (
	"fmt"
	"time"

	"hmp-sched/internal/governor"

	"github.com/sirupsen/logrus"
)

// maxIdleBalanceCost bounds the idle-duration average.
const maxIdleBalanceCost = int64(500 * time.Microsecond)

// Wake wakes p from a sleep. cpu is where the wakeup originates, -1 when
// it does not come from a cpu. It returns false when p was not sleeping, so
// exactly one of several concurrent wakes of the same sleep succeeds.
func (s *Scheduler) Wake(cpu int, p *Task, flags WakeFlags) bool {
	if cpu >= len(s.rqs) {
		cpu = -1
	}
	return s.tryToWakeUp(cpu, p, taskNormal, flags)
}

func (s *Scheduler) tryToWakeUp(thisCPU int, p *Task, state uint32, flags WakeFlags) bool {
	p.mu.Lock()
	if p.kstate.Load()&state == 0 {
		p.mu.Unlock()
		return false
	}

	srcCPU := p.CPU()
	if p.onRQ.Load() == onRQQueued && s.ttwuRemote(p, flags) {
		s.ttwuStat(p, srcCPU, thisCPU, flags)
		p.mu.Unlock()
		return true
	}

	s.spinWhileOnCPU(p)

	rq := s.rqs[srcCPU]
	rq.lock()
	wallclock := s.clock.Now()
	oldLoad := p.ravg.demand
	s.updateTaskRavg(rq.curr, rq, eventTaskUpdate, wallclock, 0)
	heavy := s.heavyTaskWakeup(p, rq, eventTaskWake)
	s.updateTaskRavg(p, rq, eventTaskWake, wallclock, 0)
	rq.unlock()

	if g := p.grp.Load(); g != nil && s.updatePreferredCluster(g, p, oldLoad) {
		s.setPreferredCluster(g)
	}

	p.contributesToLoad = p.contributesToLoadNow()
	p.kstate.Store(taskWaking)
	if fair, ok := p.class.(*fairClass); ok {
		fair.taskWaking(p)
	}

	cpu := s.selectTaskRQ(p, p.wakeCPU, SDBalanceWake, flags)
	if cpu != srcCPU {
		flags |= WFMigrated
		s.setTaskCPU(p, cpu)
	}
	p.lastWakeTS = wallclock

	s.ttwuQueue(p, cpu, thisCPU)
	s.ttwuStat(p, cpu, thisCPU, flags)

	var migration *governor.Event
	if p.notifyOnMigrate {
		pct := s.pctTaskLoad(p)
		if srcCPU != cpu || pct > s.tun().WakeupLoadThreshold {
			migration = &governor.Event{
				CPU:     cpu,
				Reason:  governor.Migration,
				Src:     srcCPU,
				Dst:     cpu,
				LoadPct: pct,
				At:      wallclock,
			}
		}
	}
	p.mu.Unlock()

	if migration != nil {
		s.notify(*migration)
	}
	if !s.topo.Load().SameFreqDomain(srcCPU, cpu) {
		s.checkForFreqChange(s.rqs[cpu])
		s.checkForFreqChange(s.rqs[srcCPU])
	} else if heavy {
		s.checkForFreqChange(s.rqs[cpu])
	}
	return true
}

// ttwuRemote wakes a task that never left its queue. p.mu is held.
func (s *Scheduler) ttwuRemote(p *Task, flags WakeFlags) bool {
	rq := s.lockTaskRQ(p)
	defer rq.unlock()
	if p.onRQ.Load() != onRQQueued {
		return false
	}
	rq.updateClock()
	s.ttwuDoWakeup(rq, p, flags)
	return true
}

// ttwuQueue enqueues p on cpu directly when the waker shares its cluster
// and through cpu's wake list otherwise.
func (s *Scheduler) ttwuQueue(p *Task, cpu, thisCPU int) {
	rq := s.rqs[cpu]
	if thisCPU >= 0 && thisCPU != cpu && !s.topo.Load().SameFreqDomain(thisCPU, cpu) {
		rq.queueWake(p)
		return
	}
	rq.lock()
	s.ttwuDoActivate(rq, p, EnqueueWakeup|EnqueueWaking, 0)
	rq.unlock()
}

// drainWakeList activates the tasks queued for rq by remote wakers. rq's
// lock must not be held.
func (s *Scheduler) drainWakeList(rq *RunQueue) {
	list := rq.takeWakeList()
	if len(list) == 0 {
		return
	}
	rq.lock()
	rq.updateClock()
	for _, p := range list {
		s.ttwuDoActivate(rq, p, EnqueueWakeup|EnqueueWaking, 0)
	}
	rq.unlock()

	for _, p := range list {
		if p.migrateTo.Load() >= 0 {
			s.migratePending(p)
		}
	}
}

func (s *Scheduler) ttwuDoActivate(rq *RunQueue, p *Task, enq EnqueueFlags, flags WakeFlags) {
	s.activateTask(rq, p, enq)
	p.contributesToLoad = false
	p.onRQ.Store(onRQQueued)
	s.ttwuDoWakeup(rq, p, flags)
}

// ttwuDoWakeup marks p runnable and checks whether it preempts rq's
// current task.
func (s *Scheduler) ttwuDoWakeup(rq *RunQueue, p *Task, flags WakeFlags) {
	s.checkPreemptCurr(rq, p, flags)
	p.kstate.Store(taskRunning)

	if rq.idleStamp != 0 {
		delta := rq.clock - rq.idleStamp
		rq.avgIdle += (delta - rq.avgIdle) >> 3
		rq.avgIdle = min(rq.avgIdle, 2*maxIdleBalanceCost)
		rq.idleStamp = 0
	}
	s.trace(newTrace(TraceWakeup, rq.cpu, p.ID, rq.clock, ""))
}

func (s *Scheduler) ttwuStat(p *Task, cpu, thisCPU int, flags WakeFlags) {
	p.counters.wakeups.Add(1)
	statRQ := s.rqs[cpu]
	if thisCPU >= 0 {
		statRQ = s.rqs[thisCPU]
	}
	if cpu == thisCPU {
		statRQ.ttwuLocal.Add(1)
		p.counters.wakeupsLocal.Add(1)
	} else {
		p.counters.wakeupsRemote.Add(1)
	}
	if flags&WFMigrated != 0 {
		p.counters.wakeupsMigrate.Add(1)
	}
	statRQ.ttwuCount.Add(1)
}

// spinWhileOnCPU waits for p to finish switching out of its cpu. The wait
// is bounded by the spin timeout.
func (s *Scheduler) spinWhileOnCPU(p *Task) {
	if !p.onCPU.Load() {
		return
	}
	timeout := s.tun().SpinTimeout
	deadline := time.Now().Add(timeout)
	for p.onCPU.Load() {
		if time.Now().After(deadline) {
			s.fatal(FatalSpinTimeout, nil, p, logrus.Fields{"timeout": timeout.String()})
		}
		spinPause()
	}
}

// WakeLocal wakes p from the task running on cpu when p sleeps on the same
// queue. It reports false if p belongs to another queue, is cpu's current
// task or is not sleeping.
func (s *Scheduler) WakeLocal(cpu int, p *Task) bool {
	rq, err := s.rq(cpu)
	if err != nil {
		return false
	}
	rq.lock()
	woke := s.tryToWakeUpLocal(rq, p)
	rq.unlock()
	return woke
}

// tryToWakeUpLocal is the same-queue wake. rq's lock is held on entry and
// on return; it may be dropped to take p's lock in the right order.
func (s *Scheduler) tryToWakeUpLocal(rq *RunQueue, p *Task) bool {
	if p.CPU() != rq.cpu || p == rq.curr {
		s.schedLogger.WithFields(taskLogFields(p)).WithField("this_cpu", rq.cpu).Warn("Local wakeup of a foreign task refused")
		return false
	}
	if !p.mu.TryLock() {
		rq.unlock()
		p.mu.Lock()
		rq.lock()
	}
	defer p.mu.Unlock()

	if p.kstate.Load()&taskNormal == 0 || p.CPU() != rq.cpu {
		return false
	}
	if p.queuedOn < 0 {
		wallclock := s.clock.Now()
		s.updateTaskRavg(rq.curr, rq, eventTaskUpdate, wallclock, 0)
		s.updateTaskRavg(p, rq, eventTaskWake, wallclock, 0)
		p.contributesToLoad = p.contributesToLoadNow()
		s.activateTask(rq, p, EnqueueWakeup)
		p.contributesToLoad = false
		p.onRQ.Store(onRQQueued)
		p.lastWakeTS = wallclock
	}
	s.ttwuDoWakeup(rq, p, 0)
	s.ttwuStat(p, rq.cpu, rq.cpu, 0)
	return true
}

// pctTaskLoad is p's demand as a percentage of the window.
func (s *Scheduler) pctTaskLoad(p *Task) int {
	return int(p.Demand() * 100 / s.tun().window())
}

// WakeUpNewTask places a task created by NewTask or Fork and makes it
// runnable.
func (s *Scheduler) WakeUpNewTask(p *Task) error {
	p.mu.Lock()
	if p.kstate.Load() != taskNew {
		p.mu.Unlock()
		return fmt.Errorf("task %s: already started", p)
	}
	s.setTaskCPU(p, s.selectTaskRQ(p, p.CPU(), SDBalanceFork, 0))

	rq := s.lockTaskRQ(p)
	s.markTaskStarting(p, rq)
	p.kstate.Store(taskRunning)
	s.activateTask(rq, p, 0)
	p.onRQ.Store(onRQQueued)
	s.trace(newTrace(TraceWakeup, rq.cpu, p.ID, rq.clock, "new"))
	s.checkPreemptCurr(rq, p, WFFork)
	taskRQUnlock(rq, p)

	s.schedLogger.WithFields(taskLogFields(p)).Debug("New task runnable")
	return nil
}
