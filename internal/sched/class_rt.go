package sched

import (
	"time"
)

// rrTimeslice is the quantum of a round-robin task.
const rrTimeslice = int64(100 * time.Millisecond)

// rtRQ keeps one FIFO per realtime priority. Running tasks stay queued.
type rtRQ struct {
	queue     [MaxRTPrio][]*Task
	nrRunning int
}

func (rt *rtRQ) init() {
	for i := range rt.queue {
		rt.queue[i] = nil
	}
	rt.nrRunning = 0
}

func (rt *rtRQ) highest() *Task {
	if rt.nrRunning == 0 {
		return nil
	}
	for _, q := range rt.queue {
		if len(q) > 0 {
			return q[0]
		}
	}
	return nil
}

func (rt *rtRQ) remove(p *Task) {
	q := rt.queue[p.prio]
	for i, t := range q {
		if t == p {
			rt.queue[p.prio] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (rt *rtRQ) requeue(p *Task, head bool) {
	rt.remove(p)
	if head {
		rt.queue[p.prio] = append([]*Task{p}, rt.queue[p.prio]...)
		return
	}
	rt.queue[p.prio] = append(rt.queue[p.prio], p)
}

type rtClass struct {
	s *Scheduler
}

func (c *rtClass) Name() string { return "rt" }

func (c *rtClass) updateCurr(rq *RunQueue) {
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
	if curr.policy == PolicyRR {
		curr.timeSlice -= delta
	}
}

func (c *rtClass) Enqueue(rq *RunQueue, p *Task, flags EnqueueFlags) {
	if flags&EnqueueHead != 0 {
		rq.rt.queue[p.prio] = append([]*Task{p}, rq.rt.queue[p.prio]...)
	} else {
		rq.rt.queue[p.prio] = append(rq.rt.queue[p.prio], p)
	}
	rq.rt.nrRunning++
}

func (c *rtClass) Dequeue(rq *RunQueue, p *Task, _ EnqueueFlags) {
	c.updateCurr(rq)
	rq.rt.remove(p)
	rq.rt.nrRunning--
}

func (c *rtClass) PickNext(rq *RunQueue, _ *Task) *Task {
	p := rq.rt.highest()
	if p == nil {
		return nil
	}
	p.execStart = rq.clockTask
	return p
}

func (c *rtClass) PutPrev(rq *RunQueue, _ *Task) {
	c.updateCurr(rq)
}

func (c *rtClass) Tick(rq *RunQueue, p *Task) {
	c.updateCurr(rq)
	if p.policy != PolicyRR || p.timeSlice > 0 {
		return
	}
	p.timeSlice = rrTimeslice
	if len(rq.rt.queue[p.prio]) > 1 {
		rq.rt.requeue(p, false)
		rq.reschedCurr()
	}
}

func (c *rtClass) CheckPreemptCurr(rq *RunQueue, p *Task, _ WakeFlags) {
	if p.prio < rq.curr.prio {
		rq.reschedCurr()
	}
}

// SelectTaskRQ keeps the task on prevCPU unless that cpu is running
// realtime work of equal or higher priority, in which case it looks for
// the allowed cpu running the lowest priority work.
func (c *rtClass) SelectTaskRQ(p *Task, prevCPU int, _ SDFlags, _ WakeFlags) int {
	if prio := int(c.s.rqs[prevCPU].currPrio.Load()); prio > p.prio || !rtPrio(prio) {
		return prevCPU
	}
	allowed := p.cpusAllowed()
	best, bestPrio := prevCPU, p.prio
	for _, cpu := range allowed.SortedMembers() {
		if cpu < 0 || cpu >= len(c.s.rqs) {
			continue
		}
		rq := c.s.rqs[cpu]
		if !rq.active.Load() {
			continue
		}
		if prio := int(rq.currPrio.Load()); prio > bestPrio {
			best, bestPrio = cpu, prio
		}
	}
	return best
}

func (c *rtClass) SetCurr(rq *RunQueue) {
	rq.curr.execStart = rq.clockTask
}

func (c *rtClass) SwitchedTo(rq *RunQueue, p *Task) {
	if p.queuedOn != rq.cpu || rq.curr == p {
		return
	}
	if p.prio < rq.curr.prio {
		rq.reschedCurr()
	}
}

func (c *rtClass) SwitchedFrom(*RunQueue, *Task) {}

func (c *rtClass) PrioChanged(rq *RunQueue, p *Task, oldPrio int) {
	if p.queuedOn != rq.cpu {
		return
	}
	if rq.curr == p {
		if oldPrio < p.prio {
			rq.reschedCurr()
		}
		return
	}
	if p.prio < rq.curr.prio {
		rq.reschedCurr()
	}
}

func (c *rtClass) Yield(rq *RunQueue) {
	if rq.curr.class == c {
		rq.rt.requeue(rq.curr, false)
	}
}

func (c *rtClass) YieldTo(*RunQueue, *Task) bool { return false }
