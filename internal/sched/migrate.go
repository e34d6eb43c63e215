package sched

import (
	"fmt"

	"hmp-sched/internal/governor"

	"github.com/sirupsen/logrus"
)

// setTaskCPU assigns p to newCPU. A change moves p's window contribution
// with it. p.mu is held, and both queue locks when p is queued.
func (s *Scheduler) setTaskCPU(p *Task, newCPU int) {
	if old := p.CPU(); old != newCPU {
		p.counters.migrations.Add(1)
		s.fixupBusyTime(p, newCPU)
		ev := newTrace(TraceMigrate, newCPU, p.ID, s.clock.Now(), fmt.Sprintf("load=%d%%", s.pctTaskLoad(p)))
		ev.Src, ev.Dst = old, newCPU
		s.trace(ev)
	}
	p.cpu.Store(int32(newCPU))
	p.wakeCPU = newCPU
}

// fixupBusyTime transfers p's current and previous window busy time from
// its cpu's sums to newCPU's. A waking task is not queued anywhere, so the
// two queues are locked here; otherwise the caller holds them.
func (s *Scheduler) fixupBusyTime(p *Task, newCPU int) {
	if !s.tun().MigrationFixup {
		return
	}
	waking := p.kstate.Load() == taskWaking
	if p.onRQ.Load() == onRQNone && !waking {
		return
	}
	src, dst := s.rqs[p.CPU()], s.rqs[newCPU]
	if waking {
		doubleLockRQ(src, dst)
		defer doubleUnlockRQ(src, dst)
	}
	if p.exiting() {
		clearEDTask(p, src)
		return
	}
	if s.statsDisabled.Load() {
		return
	}

	wallclock := s.clock.Now()
	s.updateTaskRavg(src.curr, src, eventTaskUpdate, wallclock, 0)
	s.updateTaskRavg(dst.curr, dst, eventTaskUpdate, wallclock, 0)
	s.updateTaskRavg(p, src, eventTaskMigrate, wallclock, 0)

	newTask := s.isNewTask(p)
	if w := p.ravg.currWindow; w != 0 {
		src.currRunnableSum -= w
		dst.currRunnableSum += w
		if newTask {
			src.ntCurrRunnableSum -= w
			dst.ntCurrRunnableSum += w
		}
	}
	if w := p.ravg.prevWindow; w != 0 {
		src.prevRunnableSum -= w
		dst.prevRunnableSum += w
		if newTask {
			src.ntPrevRunnableSum -= w
			dst.ntPrevRunnableSum += w
		}
	}
	if src.edTask == p {
		src.edTask = nil
		if dst.edTask == nil {
			dst.edTask = p
		}
	}
	if src.currRunnableSum < 0 || src.prevRunnableSum < 0 || src.ntCurrRunnableSum < 0 || src.ntPrevRunnableSum < 0 {
		s.fatal(FatalNegativeSum, src, p, logrus.Fields{"event": eventTaskMigrate.String(), "dst_cpu": newCPU})
	}
}

// moveQueuedTask moves a queued, not running p from rq to newCPU. rq is
// locked and p.mu held; the destination queue is returned locked instead
// of rq.
func (s *Scheduler) moveQueuedTask(rq *RunQueue, p *Task, newCPU int) *RunQueue {
	s.dequeueTask(rq, p, DequeueMigrating)
	p.onRQ.Store(onRQMigrating)
	return s.finishMove(rq, p, newCPU)
}

// finishMove completes a move of a dequeued p from rq: it reassigns the
// cpu, releases rq and enqueues p on the destination.
func (s *Scheduler) finishMove(rq *RunQueue, p *Task, newCPU int) *RunQueue {
	dst := s.rqs[newCPU]
	doubleLockBalance(rq, dst)
	s.setTaskCPU(p, newCPU)
	doubleUnlockBalance(rq, dst)
	rq.unlock()

	dst.lock()
	s.enqueueTask(dst, p, EnqueueMigrating)
	p.onRQ.Store(onRQQueued)
	s.checkPreemptCurr(dst, p, 0)
	return dst
}

// migrationTarget revalidates dest for p. An unusable or disallowed dest
// is replaced by the fallback choice.
func (s *Scheduler) migrationTarget(p *Task, src, dest int) int {
	if p.cpusAllowed().Has(dest) && s.cpuUsable(dest) {
		return dest
	}
	return s.selectFallbackRQ(src, p)
}

// migrateRunning switches p out of src and moves it to dest. It reports
// false without switching when p no longer needs to move.
func (s *Scheduler) migrateRunning(p *Task, src, dest int) bool {
	p.mu.Lock()
	rq := s.rqs[src]
	rq.lock()
	if int(p.migrateTo.Load()) < 0 || p.CPU() != src || p.queuedOn != src || rq.curr != p {
		p.migrateTo.Store(-1)
		rq.unlock()
		p.mu.Unlock()
		return false
	}
	p.migrateTo.Store(-1)
	dest = s.migrationTarget(p, src, dest)
	if dest == src {
		rq.unlock()
		p.mu.Unlock()
		return false
	}

	rq.updateClock()
	s.dequeueTask(rq, p, DequeueMigrating)
	p.onRQ.Store(onRQMigrating)
	s.pickAndSwitch(rq, p, false)
	dst := s.finishMove(rq, p, dest)
	dst.unlock()
	ev := s.migrationEvent(p, src, dest)
	p.mu.Unlock()

	s.afterMigration(ev, src, dest)
	return true
}

// migratePending carries out a move requested while p was waking, once p
// has been enqueued on its wakeup cpu.
func (s *Scheduler) migratePending(p *Task) {
	p.mu.Lock()
	rq := s.lockTaskRQ(p)
	dest := int(p.migrateTo.Load())
	if dest < 0 || p.queuedOn != rq.cpu {
		taskRQUnlock(rq, p)
		return
	}
	if rq.curr == p {
		rq.reschedCurr()
		taskRQUnlock(rq, p)
		return
	}
	p.migrateTo.Store(-1)
	src := rq.cpu
	dest = s.migrationTarget(p, src, dest)
	if dest == src {
		taskRQUnlock(rq, p)
		return
	}
	rq.updateClock()
	dst := s.moveQueuedTask(rq, p, dest)
	dst.unlock()
	ev := s.migrationEvent(p, src, dest)
	p.mu.Unlock()

	s.afterMigration(ev, src, dest)
}

// migrationEvent builds the governor's migration notice for tasks that
// ask for one. p.mu is held.
func (s *Scheduler) migrationEvent(p *Task, src, dest int) *governor.Event {
	if !p.notifyOnMigrate {
		return nil
	}
	return &governor.Event{
		CPU:     dest,
		Reason:  governor.Migration,
		Src:     src,
		Dst:     dest,
		LoadPct: s.pctTaskLoad(p),
		At:      s.clock.Now(),
	}
}

// afterMigration sends ev and rechecks both frequencies of a move across
// domains. No locks are held.
func (s *Scheduler) afterMigration(ev *governor.Event, src, dest int) {
	if ev != nil {
		s.notify(*ev)
	}
	if s.topo.Load().SameFreqDomain(src, dest) {
		return
	}
	s.checkForFreqChange(s.rqs[src])
	s.checkForFreqChange(s.rqs[dest])
}
