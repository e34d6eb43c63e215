package sched

import (
	"sort"
)

// dlRQ orders deadline tasks by absolute deadline. Running tasks stay queued.
type dlRQ struct {
	tasks []*Task
}

func (dl *dlRQ) insert(p *Task) {
	i := sort.Search(len(dl.tasks), func(i int) bool { return dl.tasks[i].deadline > p.deadline })
	dl.tasks = append(dl.tasks, nil)
	copy(dl.tasks[i+1:], dl.tasks[i:])
	dl.tasks[i] = p
}

func (dl *dlRQ) remove(p *Task) {
	for i, q := range dl.tasks {
		if q == p {
			dl.tasks = append(dl.tasks[:i], dl.tasks[i+1:]...)
			return
		}
	}
}

func (dl *dlRQ) earliest() *Task {
	if len(dl.tasks) == 0 {
		return nil
	}
	return dl.tasks[0]
}

type dlClass struct {
	noopClass
	s *Scheduler
}

func (c *dlClass) Name() string { return "deadline" }

// dlOverflow reports whether the remaining runtime over the remaining
// time to the deadline exceeds the reserved bandwidth.
func dlOverflow(p *Task, now int64) bool {
	left := p.dlPeriod * p.runtime
	right := (p.deadline - now) * p.dlRuntime
	return right < left
}

// updateEntity gives a waking task a fresh reservation when its old one
// has expired or could no longer be honoured.
func (c *dlClass) updateEntity(rq *RunQueue, p *Task) {
	now := rq.clock
	if p.deadline <= now || dlOverflow(p, now) {
		p.deadline = now + p.dlDeadline
		p.runtime = p.dlRuntime
	}
}

// replenish postpones the deadline until the runtime is positive again.
func (c *dlClass) replenish(rq *RunQueue, p *Task) {
	if p.dlPeriod <= 0 {
		p.runtime = p.dlRuntime
		return
	}
	for p.runtime <= 0 {
		p.deadline += p.dlPeriod
		p.runtime += p.dlRuntime
	}
	if p.deadline < rq.clock {
		p.deadline = rq.clock + p.dlDeadline
		p.runtime = p.dlRuntime
	}
}

func (c *dlClass) updateCurr(rq *RunQueue) {
	curr := rq.curr
	if curr.class != c {
		return
	}
	delta := rq.clockTask - curr.execStart
	if delta <= 0 {
		return
	}
	curr.execStart = rq.clockTask
	curr.sumExecRuntime += delta
	curr.runtime -= delta
	if curr.runtime > 0 {
		return
	}
	rq.dl.remove(curr)
	c.replenish(rq, curr)
	rq.dl.insert(curr)
	if rq.dl.earliest() != curr {
		rq.reschedCurr()
	}
}

func (c *dlClass) Enqueue(rq *RunQueue, p *Task, flags EnqueueFlags) {
	if flags&EnqueueWakeup != 0 || p.deadline == 0 {
		c.updateEntity(rq, p)
	}
	rq.dl.insert(p)
}

func (c *dlClass) Dequeue(rq *RunQueue, p *Task, _ EnqueueFlags) {
	c.updateCurr(rq)
	rq.dl.remove(p)
}

func (c *dlClass) PickNext(rq *RunQueue, _ *Task) *Task {
	p := rq.dl.earliest()
	if p == nil {
		return nil
	}
	p.execStart = rq.clockTask
	return p
}

func (c *dlClass) PutPrev(rq *RunQueue, _ *Task) {
	c.updateCurr(rq)
}

func (c *dlClass) Tick(rq *RunQueue, p *Task) {
	c.updateCurr(rq)
	if rq.dl.earliest() != p {
		rq.reschedCurr()
	}
}

func (c *dlClass) CheckPreemptCurr(rq *RunQueue, p *Task, _ WakeFlags) {
	if curr := rq.curr; curr.class == c && p.deadline < curr.deadline {
		rq.reschedCurr()
	}
}

func (c *dlClass) SetCurr(rq *RunQueue) {
	rq.curr.execStart = rq.clockTask
}

func (c *dlClass) SwitchedTo(rq *RunQueue, p *Task) {
	if p.queuedOn != rq.cpu || rq.curr == p {
		return
	}
	if rq.curr.class != c || p.deadline < rq.curr.deadline {
		rq.reschedCurr()
	}
}

func (c *dlClass) PrioChanged(rq *RunQueue, p *Task, _ int) {
	if p.queuedOn != rq.cpu {
		return
	}
	if rq.curr == p {
		if rq.dl.earliest() != p {
			rq.reschedCurr()
		}
		return
	}
	c.CheckPreemptCurr(rq, p, 0)
}

// Yield gives up the rest of the current reservation.
func (c *dlClass) Yield(rq *RunQueue) {
	if rq.curr.class != c {
		return
	}
	c.updateCurr(rq)
	rq.curr.runtime = 0
	rq.dl.remove(rq.curr)
	c.replenish(rq, rq.curr)
	rq.dl.insert(rq.curr)
	rq.reschedCurr()
}
