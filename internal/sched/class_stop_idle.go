package sched

// stopClass runs the per-cpu stop task ahead of everything else.
type stopClass struct {
	noopClass
}

func (stopClass) Name() string { return "stop" }

func (stopClass) Enqueue(*RunQueue, *Task, EnqueueFlags) {}
func (stopClass) Dequeue(*RunQueue, *Task, EnqueueFlags) {}

func (stopClass) PickNext(rq *RunQueue, _ *Task) *Task {
	stop := rq.stop
	if stop == nil || stop.queuedOn != rq.cpu {
		return nil
	}
	stop.execStart = rq.clockTask
	return stop
}

// SelectTaskRQ pins a stop task to its own cpu.
func (stopClass) SelectTaskRQ(p *Task, _ int, _ SDFlags, _ WakeFlags) int {
	return p.CPU()
}

// idleClass always has the queue's idle task to offer.
type idleClass struct {
	noopClass
	s *Scheduler
}

func (*idleClass) Name() string { return "idle" }

func (c *idleClass) Enqueue(rq *RunQueue, p *Task, _ EnqueueFlags) {
	c.s.fatal(FatalIdleEnqueue, rq, p, nil)
}

func (c *idleClass) Dequeue(rq *RunQueue, p *Task, _ EnqueueFlags) {
	c.s.fatal(FatalForeignDequeue, rq, p, nil)
}

func (*idleClass) PickNext(rq *RunQueue, _ *Task) *Task {
	return rq.idle
}

func (*idleClass) CheckPreemptCurr(rq *RunQueue, _ *Task, _ WakeFlags) {
	rq.reschedCurr()
}
