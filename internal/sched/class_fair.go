package sched

import (
	"sort"
	"sync/atomic"
	"time"
)

const (
	schedLatency      = int64(6 * time.Millisecond)
	minGranularity    = int64(750 * time.Microsecond)
	wakeupGranularity = int64(time.Millisecond)
	nrLatency         = 8
)

// cfsRQ orders fair tasks by virtual runtime. The running task is kept out
// of tasks while it runs and is reinserted when it is put back.
type cfsRQ struct {
	tasks       []*Task
	curr        *Task
	next        *Task
	skip        *Task
	nrRunning   int
	loadWeight  int64
	minVruntime atomic.Int64
}

func (cfs *cfsRQ) insert(p *Task) {
	i := sort.Search(len(cfs.tasks), func(i int) bool { return cfs.tasks[i].vruntime > p.vruntime })
	cfs.tasks = append(cfs.tasks, nil)
	copy(cfs.tasks[i+1:], cfs.tasks[i:])
	cfs.tasks[i] = p
}

func (cfs *cfsRQ) remove(p *Task) {
	for i, q := range cfs.tasks {
		if q == p {
			cfs.tasks = append(cfs.tasks[:i], cfs.tasks[i+1:]...)
			return
		}
	}
}

func (cfs *cfsRQ) leftmost() *Task {
	if len(cfs.tasks) == 0 {
		return nil
	}
	return cfs.tasks[0]
}

// updateMinVruntime keeps min_vruntime monotonic.
func (cfs *cfsRQ) updateMinVruntime() {
	vr := cfs.minVruntime.Load()
	var candidate int64
	have := false
	if cfs.curr != nil && cfs.curr.queuedOn >= 0 {
		candidate, have = cfs.curr.vruntime, true
	}
	if left := cfs.leftmost(); left != nil {
		if !have || left.vruntime < candidate {
			candidate, have = left.vruntime, true
		}
	}
	if have && candidate > vr {
		cfs.minVruntime.Store(candidate)
	}
}

func (cfs *cfsRQ) clearBuddies(p *Task) {
	if cfs.next == p {
		cfs.next = nil
	}
	if cfs.skip == p {
		cfs.skip = nil
	}
}

type fairClass struct {
	s *Scheduler
}

func (c *fairClass) Name() string { return "fair" }

func calcDeltaFair(delta int64, p *Task) int64 {
	if p.weight == nice0Load {
		return delta
	}
	return delta * nice0Load / p.weight
}

// schedPeriod stretches the latency target once too many tasks share it.
func schedPeriod(nr int) int64 {
	if nr > nrLatency {
		return int64(nr) * minGranularity
	}
	return schedLatency
}

func (cfs *cfsRQ) slice(p *Task) int64 {
	total := cfs.loadWeight
	if total == 0 {
		return schedLatency
	}
	return schedPeriod(cfs.nrRunning) * p.weight / total
}

func (c *fairClass) updateCurr(rq *RunQueue) {
	curr := rq.cfs.curr
	if curr == nil {
		return
	}
	delta := rq.clockTask - curr.execStart
	if delta <= 0 {
		return
	}
	curr.execStart = rq.clockTask
	curr.sumExecRuntime += delta
	curr.vruntime += calcDeltaFair(delta, curr)
	rq.cfs.updateMinVruntime()
}

// placeEntity puts a waking task no further back than half a latency
// period behind the queue's minimum.
func (c *fairClass) placeEntity(rq *RunQueue, p *Task) {
	vr := rq.cfs.minVruntime.Load() - schedLatency/2
	if p.vruntime < vr {
		p.vruntime = vr
	}
}

// Virtual runtime is kept relative to min_vruntime while a task is off
// every queue for anything but sleep, and absolute otherwise.
func (c *fairClass) Enqueue(rq *RunQueue, p *Task, flags EnqueueFlags) {
	cfs := &rq.cfs
	if flags&EnqueueWakeup == 0 || flags&EnqueueWaking != 0 {
		p.vruntime += cfs.minVruntime.Load()
	}
	c.updateCurr(rq)
	if flags&EnqueueWakeup != 0 {
		c.placeEntity(rq, p)
	}
	cfs.nrRunning++
	cfs.loadWeight += p.weight
	if p != cfs.curr {
		cfs.insert(p)
	}
}

func (c *fairClass) Dequeue(rq *RunQueue, p *Task, flags EnqueueFlags) {
	cfs := &rq.cfs
	c.updateCurr(rq)
	cfs.clearBuddies(p)
	if p != cfs.curr {
		cfs.remove(p)
	}
	cfs.nrRunning--
	cfs.loadWeight -= p.weight
	if flags&DequeueSleep == 0 {
		p.vruntime -= cfs.minVruntime.Load()
	}
	cfs.updateMinVruntime()
}

// taskWaking makes a waking task's vruntime relative to the queue it slept
// on; the enqueue that follows adds the destination's minimum back.
func (c *fairClass) taskWaking(p *Task) {
	p.vruntime -= c.s.rqs[p.CPU()].cfs.minVruntime.Load()
}

func (c *fairClass) setNext(rq *RunQueue, p *Task) {
	cfs := &rq.cfs
	cfs.remove(p)
	cfs.curr = p
	p.execStart = rq.clockTask
	p.prevSumExecRuntime = p.sumExecRuntime
}

func (c *fairClass) PickNext(rq *RunQueue, _ *Task) *Task {
	cfs := &rq.cfs
	if cfs.nrRunning == 0 || len(cfs.tasks) == 0 {
		return nil
	}
	p := cfs.tasks[0]
	if p == cfs.skip && len(cfs.tasks) > 1 {
		second := cfs.tasks[1]
		if second.vruntime-p.vruntime < wakeupGranularity {
			p = second
		}
	}
	if next := cfs.next; next != nil && next.queuedOn == rq.cpu && next != cfs.curr &&
		next.vruntime-p.vruntime < wakeupGranularity {
		p = next
	}
	cfs.next = nil
	cfs.skip = nil
	c.setNext(rq, p)
	return p
}

func (c *fairClass) PutPrev(rq *RunQueue, p *Task) {
	cfs := &rq.cfs
	if cfs.curr != p {
		return
	}
	c.updateCurr(rq)
	if p.queuedOn == rq.cpu {
		cfs.insert(p)
	}
	cfs.curr = nil
}

func (c *fairClass) Tick(rq *RunQueue, p *Task) {
	cfs := &rq.cfs
	c.updateCurr(rq)
	if cfs.nrRunning <= 1 || cfs.curr != p {
		return
	}
	ideal := cfs.slice(p)
	ran := p.sumExecRuntime - p.prevSumExecRuntime
	if ran > ideal {
		rq.reschedCurr()
		return
	}
	if ran < minGranularity {
		return
	}
	if left := cfs.leftmost(); left != nil && p.vruntime-left.vruntime > ideal {
		rq.reschedCurr()
	}
}

func (c *fairClass) CheckPreemptCurr(rq *RunQueue, p *Task, _ WakeFlags) {
	curr := rq.curr
	if curr == p || curr.class != c {
		return
	}
	if curr.policy == PolicyIdle && p.policy != PolicyIdle {
		rq.reschedCurr()
		return
	}
	if p.policy != PolicyNormal {
		return
	}
	c.updateCurr(rq)
	gran := calcDeltaFair(wakeupGranularity, p)
	if curr.vruntime-p.vruntime > gran {
		rq.reschedCurr()
	}
}

func (c *fairClass) SelectTaskRQ(p *Task, prevCPU int, _ SDFlags, _ WakeFlags) int {
	return c.s.selectBestCPU(p, prevCPU)
}

func (c *fairClass) SetCurr(rq *RunQueue) {
	c.setNext(rq, rq.curr)
}

func (c *fairClass) SwitchedFrom(rq *RunQueue, p *Task) {
	if p.queuedOn < 0 && !p.onCPU.Load() {
		c.placeEntity(rq, p)
		p.vruntime -= rq.cfs.minVruntime.Load()
	}
}

func (c *fairClass) SwitchedTo(rq *RunQueue, p *Task) {
	if p.queuedOn != rq.cpu {
		return
	}
	if rq.curr == p {
		rq.reschedCurr()
		return
	}
	rq.s.checkPreemptCurr(rq, p, 0)
}

func (c *fairClass) PrioChanged(rq *RunQueue, p *Task, oldPrio int) {
	if p.queuedOn != rq.cpu {
		return
	}
	if rq.curr == p {
		if p.prio > oldPrio {
			rq.reschedCurr()
		}
		return
	}
	rq.s.checkPreemptCurr(rq, p, 0)
}

func (c *fairClass) Yield(rq *RunQueue) {
	cfs := &rq.cfs
	if cfs.nrRunning <= 1 || cfs.curr == nil {
		return
	}
	c.updateCurr(rq)
	rq.skipClockUpdate = 1
	cfs.skip = cfs.curr
}

// YieldTo makes p the next buddy on its own queue. The yielding side gives
// up its slice separately.
func (c *fairClass) YieldTo(rq *RunQueue, p *Task) bool {
	if p.class != c || p.queuedOn != rq.cpu {
		return false
	}
	rq.cfs.next = p
	return true
}
