package sched

import (
	"sort"
)

// The helpers in this file are the only places that hold more than one
// run-queue lock. Multiple queue locks are always taken in ascending cpu
// order; a task's lock is always taken before any queue lock.

func doubleLockRQ(a, b *RunQueue) {
	if a == b {
		a.lock()
		return
	}
	if a.cpu > b.cpu {
		a, b = b, a
	}
	a.lock()
	b.lock()
}

func doubleUnlockRQ(a, b *RunQueue) {
	a.unlock()
	if a != b {
		b.unlock()
	}
}

// doubleLockBalance takes busiest's lock while this's is held. When the
// order would be violated this's lock is dropped and both are retaken, so
// callers must revalidate anything they read before.
func doubleLockBalance(this, busiest *RunQueue) {
	if this == busiest {
		return
	}
	if busiest.cpu > this.cpu {
		busiest.lock()
		return
	}
	if busiest.mu.TryLock() {
		return
	}
	this.unlock()
	doubleLockRQ(this, busiest)
}

func doubleUnlockBalance(this, busiest *RunQueue) {
	if this != busiest {
		busiest.unlock()
	}
}

// lockRQs locks a set of queues in ascending cpu order and returns them in
// that order for unlockRQs.
func lockRQs(rqs []*RunQueue) []*RunQueue {
	sorted := append([]*RunQueue(nil), rqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].cpu < sorted[j].cpu })
	out := sorted[:0]
	for i, rq := range sorted {
		if i > 0 && sorted[i-1] == rq {
			continue
		}
		rq.lock()
		out = append(out, rq)
	}
	return out
}

func unlockRQs(rqs []*RunQueue) {
	for i := len(rqs) - 1; i >= 0; i-- {
		rqs[i].unlock()
	}
}

func (s *Scheduler) lockAllRQs() []*RunQueue {
	return lockRQs(s.rqs)
}

// lockTaskRQ locks the queue p belongs to. p.mu must be held; the loop
// rechecks because p may move between reading its cpu and getting the lock.
func (s *Scheduler) lockTaskRQ(p *Task) *RunQueue {
	for {
		rq := s.rqs[p.CPU()]
		rq.lock()
		if rq.cpu == p.CPU() && p.onRQ.Load() != onRQMigrating {
			return rq
		}
		rq.unlock()
		spinPause()
	}
}

// taskRQLock takes p.mu and then the queue p belongs to.
func (s *Scheduler) taskRQLock(p *Task) *RunQueue {
	p.mu.Lock()
	return s.lockTaskRQ(p)
}

func taskRQUnlock(rq *RunQueue, p *Task) {
	rq.unlock()
	p.mu.Unlock()
}

// lockDoubleTasks takes two task locks in id order.
func lockDoubleTasks(a, b *Task) {
	if a == b {
		a.mu.Lock()
		return
	}
	if a.ID > b.ID {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
}

func unlockDoubleTasks(a, b *Task) {
	a.mu.Unlock()
	if a != b {
		b.mu.Unlock()
	}
}
