package sched

import (
	"fmt"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

func sameSet(a, b idset.IDSet) bool {
	if a.Size() != b.Size() {
		return false
	}
	for _, id := range a.Members() {
		if !b.Has(id) {
			return false
		}
	}
	return true
}

// SetAffinity restricts p to cpus, bounded by its cpuset. A queued task
// outside the new mask is moved at once; a running or waking one moves at
// its next scheduling point.
func (s *Scheduler) SetAffinity(creds Credentials, p *Task, cpus []int) error {
	if len(cpus) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidMask)
	}
	for _, cpu := range cpus {
		if !s.possible.Has(cpu) {
			return fmt.Errorf("%w: cpu %d does not exist", ErrInvalidMask, cpu)
		}
	}
	mask := intersect(idset.NewIDSet(cpus...), s.cpusets.CPUsForTask(p.ID))

	rq := s.taskRQLock(p)
	if !creds.Privileged && creds.UID != p.UID {
		taskRQUnlock(rq, p)
		return fmt.Errorf("%w: task %d is owned by uid %d", ErrPermissionDenied, p.ID, p.UID)
	}
	if p.idleTask || p.stopTask {
		taskRQUnlock(rq, p)
		return fmt.Errorf("%w: task %d is bound to its cpu", ErrInvalidMask, p.ID)
	}
	if sameSet(mask, p.cpusAllowed()) {
		taskRQUnlock(rq, p)
		return nil
	}
	dest := s.leastLoadedCPU(mask, mask, p.CPU())
	if dest < 0 {
		taskRQUnlock(rq, p)
		return fmt.Errorf("%w: %v has no active cpu", ErrInvalidMask, mask.SortedMembers())
	}
	p.setCPUsAllowed(mask)
	s.schedLogger.WithFields(taskLogFields(p)).WithField("allowed", mask.String()).Debug("Affinity changed")

	if mask.Has(p.CPU()) {
		taskRQUnlock(rq, p)
		return nil
	}
	src := rq.cpu
	switch {
	case rq.curr == p:
		p.migrateTo.Store(int32(dest))
		rq.reschedCurr()
	case p.kstate.Load() == taskWaking:
		p.migrateTo.Store(int32(dest))
	case p.queuedOn == rq.cpu:
		rq.updateClock()
		dst := s.moveQueuedTask(rq, p, dest)
		dst.unlock()
		ev := s.migrationEvent(p, src, dest)
		p.mu.Unlock()
		s.afterMigration(ev, src, dest)
		return nil
	}
	taskRQUnlock(rq, p)
	return nil
}

// MigrateSwap exchanges the cpus of a and b. Both must be allowed on the
// other's cpu and both cpus must be active.
func (s *Scheduler) MigrateSwap(a, b *Task) error {
	if a == b {
		return fmt.Errorf("%w: cannot swap a task with itself", ErrInvalidMask)
	}
	lockDoubleTasks(a, b)
	defer unlockDoubleTasks(a, b)

	srcA, srcB := a.CPU(), b.CPU()
	switch {
	case srcA == srcB:
		return fmt.Errorf("%w: tasks %d and %d share cpu %d", ErrInvalidMask, a.ID, b.ID, srcA)
	case !s.cpuUsable(srcA) || !s.cpuUsable(srcB):
		return fmt.Errorf("%w: cpu %d or %d is not active", ErrInvalidMask, srcA, srcB)
	case !a.cpusAllowed().Has(srcB) || !b.cpusAllowed().Has(srcA):
		return fmt.Errorf("%w: tasks %d and %d may not trade cpus", ErrInvalidMask, a.ID, b.ID)
	}

	rqA, rqB := s.rqs[srcA], s.rqs[srcB]
	doubleLockRQ(rqA, rqB)
	s.swapTask(a, rqA, rqB)
	s.swapTask(b, rqB, rqA)
	doubleUnlockRQ(rqA, rqB)

	s.schedLogger.WithFields(logrus.Fields{
		"task_a": a.ID,
		"task_b": b.ID,
		"cpu_a":  srcA,
		"cpu_b":  srcB,
	}).Debug("Tasks swapped")
	return nil
}

// swapTask moves p from src to dst with both queues locked. A running task
// is marked to move when it is next switched out.
func (s *Scheduler) swapTask(p *Task, src, dst *RunQueue) {
	switch {
	case src.curr == p:
		p.migrateTo.Store(int32(dst.cpu))
		src.reschedCurr()
	case p.queuedOn == src.cpu:
		src.updateClock()
		s.dequeueTask(src, p, DequeueMigrating)
		p.onRQ.Store(onRQMigrating)
		s.setTaskCPU(p, dst.cpu)
		s.enqueueTask(dst, p, EnqueueMigrating)
		p.onRQ.Store(onRQQueued)
		s.checkPreemptCurr(dst, p, 0)
	default:
		p.wakeCPU = dst.cpu
	}
}

// SetCPUActive controls whether new work may be placed on cpu.
func (s *Scheduler) SetCPUActive(cpu int, active bool) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	if !s.possible.Has(cpu) {
		return fmt.Errorf("%w: %d", ErrNoSuchCPU, cpu)
	}
	if active && !rq.online.Load() {
		return fmt.Errorf("cpu %d: offline cpus cannot be active", cpu)
	}
	if !active && rq.active.Load() && s.usableCount() == 1 {
		return fmt.Errorf("cpu %d: last active cpu", cpu)
	}
	rq.active.Store(active)
	s.logger.WithFields(logrus.Fields{"cpu": cpu, "active": active}).Info("CPU active state changed")
	return nil
}

// SetCPUOnline brings cpu up or takes it down. Going down deactivates it,
// hands off the sync role and moves every task away before the cpu is
// marked offline.
func (s *Scheduler) SetCPUOnline(cpu int, online bool) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	if !s.possible.Has(cpu) {
		return fmt.Errorf("%w: %d", ErrNoSuchCPU, cpu)
	}
	if online == rq.online.Load() {
		return nil
	}
	if online {
		rq.online.Store(true)
		rq.active.Store(true)
		if err := s.accountant.SetCPUs(s.usableCount()); err != nil {
			return err
		}
		rq.quiescentEpoch.Store(s.groups.epoch.Load())
		s.logger.WithField("cpu", cpu).Info("CPU online")
		return nil
	}

	remaining := s.usableCount()
	if rq.active.Load() {
		if remaining == 1 {
			return fmt.Errorf("cpu %d: last active cpu", cpu)
		}
		remaining--
	}
	if err := s.accountant.SetCPUs(remaining); err != nil {
		return fmt.Errorf("%w: cpu %d: %v", ErrBusy, cpu, err)
	}
	rq.active.Store(false)
	if err := s.MigrateSyncCPU(cpu); err != nil {
		return err
	}
	moved, err := s.MigrateTasks(cpu)
	if err != nil {
		return err
	}
	rq.online.Store(false)
	s.logger.WithFields(logrus.Fields{"cpu": cpu, "moved": moved}).Info("CPU offline")
	return nil
}

func (s *Scheduler) usableCount() int {
	n := 0
	for _, cpu := range s.possible.Members() {
		if s.cpuUsable(cpu) {
			n++
		}
	}
	return n
}

// MigrateTasks drains an inactive cpu through the fallback chain and
// returns how many tasks it moved. The stop task stays.
func (s *Scheduler) MigrateTasks(deadCPU int) (int, error) {
	rq, err := s.rq(deadCPU)
	if err != nil {
		return 0, err
	}
	if rq.active.Load() {
		return 0, fmt.Errorf("cpu %d: still active", deadCPU)
	}
	s.drainWakeList(rq)

	moved := 0
	for {
		rq.lock()
		var p *Task
		for _, q := range rq.queued {
			if q != rq.curr && q != rq.stop {
				p = q
				break
			}
		}
		rq.unlock()
		if p == nil {
			break
		}

		p.mu.Lock()
		prq := s.lockTaskRQ(p)
		if prq != rq || p.queuedOn != deadCPU || rq.curr == p {
			taskRQUnlock(prq, p)
			continue
		}
		dest := s.selectFallbackRQ(deadCPU, p)
		rq.updateClock()
		dst := s.moveQueuedTask(rq, p, dest)
		dst.unlock()
		ev := s.migrationEvent(p, deadCPU, dest)
		p.mu.Unlock()
		s.afterMigration(ev, deadCPU, dest)
		moved++
	}

	p := s.currentLocked(rq)
	if p.idleTask || p.stopTask || p.queuedOn != deadCPU {
		taskRQUnlock(rq, p)
		return moved, nil
	}
	p.migrateTo.Store(int32(s.selectFallbackRQ(deadCPU, p)))
	rq.reschedCurr()
	taskRQUnlock(rq, p)
	s.schedule(rq, true)
	if p.CPU() != deadCPU {
		moved++
	}
	return moved, nil
}
