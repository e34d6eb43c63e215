package sched

import (
	"github.com/sirupsen/logrus"
)

// ravgEvent is the scheduler event a demand update is attributed to.
type ravgEvent int

const (
	eventPutPrev ravgEvent = iota
	eventPickNext
	eventTaskWake
	eventTaskUpdate
	eventTaskMigrate
	eventIRQUpdate
)

func (e ravgEvent) String() string {
	return [...]string{"PUT_PREV_TASK", "PICK_NEXT_TASK", "TASK_WAKE", "TASK_UPDATE", "TASK_MIGRATE", "IRQ_UPDATE"}[e]
}

// Every function in this file runs with rq's lock held. Tunables only
// change with every queue lock held, so one call sees one window size.

func (s *Scheduler) updateWindowStart(rq *RunQueue, wallclock int64) {
	delta := wallclock - rq.windowStart
	if delta < 0 {
		s.fatal(FatalWindowWentBackward, rq, nil, logrus.Fields{"wallclock": wallclock})
	}
	window := s.tun().window()
	if delta < window {
		return
	}
	rq.windowStart += (delta / window) * window
}

// scaleExecTime converts wall time on rq's cpu into time at the fastest
// frequency of the most efficient cluster.
func (s *Scheduler) scaleExecTime(delta int64, rq *RunQueue) int64 {
	snap := s.topo.Load()
	c := snap.ClusterOf(rq.cpu)
	if c == nil || snap.MaxPossibleFreq == 0 || snap.MaxPossibleEfficiency == 0 {
		return delta
	}
	maxFreq := int64(snap.MaxPossibleFreq)
	cur := min(int64(c.CurFreq), maxFreq)
	delta = (delta*cur + maxFreq - 1) / maxFreq
	sf := (int64(c.Efficiency)*1024 + int64(snap.MaxPossibleEfficiency) - 1) / int64(snap.MaxPossibleEfficiency)
	return (delta * sf) >> 10
}

func (s *Scheduler) cpuWaitingOnIO(rq *RunQueue) bool {
	return s.tun().IOIsBusy && rq.nrIOWait.Load() > 0
}

func (s *Scheduler) isNewTask(p *Task) bool {
	return p.ravg.activeWindows < s.tun().NewTaskWindows
}

func (s *Scheduler) accountBusyForCPUTime(rq *RunQueue, p *Task, irqtime int64, event ravgEvent) bool {
	if p.idleTask {
		if event == eventPickNext {
			return false
		}
		return irqtime != 0 || s.cpuWaitingOnIO(rq)
	}
	switch event {
	case eventTaskWake:
		return false
	case eventPutPrev, eventIRQUpdate, eventTaskUpdate:
		return true
	}
	return s.tun().FreqAccountWaitTime
}

// heavyTaskWakeup reports whether a heavy task that slept through at least
// one full window should be counted as busy in the previous window.
func (s *Scheduler) heavyTaskWakeup(p *Task, rq *RunQueue, event ravgEvent) bool {
	t := s.tun()
	heavy := t.heavyTaskThreshold()
	if heavy == 0 || event != eventTaskWake || p.ravg.demand < heavy || p.exiting() {
		return false
	}
	if p.ravg.markStart > rq.windowStart {
		return false
	}
	return rq.windowStart-p.ravg.markStart > t.window()
}

func (s *Scheduler) updateCPUBusyTime(p *Task, rq *RunQueue, event ravgEvent, wallclock, irqtime int64) {
	t := s.tun()
	window := t.window()
	isCurr := p == rq.curr
	markStart := p.ravg.markStart
	windowStart := rq.windowStart
	trackTask := !p.idleTask && !p.exiting()

	newWindow := markStart < windowStart
	nrFull := int64(0)
	if newWindow {
		nrFull = (windowStart - markStart) / window
		if p.ravg.activeWindows < 1<<16-1 {
			p.ravg.activeWindows++
		}
	}
	newTask := s.isNewTask(p)

	if newWindow && trackTask {
		var curr int64
		if nrFull == 0 {
			curr = p.ravg.currWindow
		}
		p.ravg.prevWindow = curr
		p.ravg.currWindow = 0
	}

	if !s.accountBusyForCPUTime(rq, p, irqtime, event) {
		if !newWindow {
			return
		}
		if isCurr {
			var prevSum, ntPrevSum int64
			if nrFull == 0 {
				prevSum = rq.currRunnableSum
				ntPrevSum = rq.ntCurrRunnableSum
			}
			rq.prevRunnableSum = prevSum
			rq.currRunnableSum = 0
			rq.ntPrevRunnableSum = ntPrevSum
			rq.ntCurrRunnableSum = 0
		} else if s.heavyTaskWakeup(p, rq, event) {
			p.ravg.prevWindow = p.ravg.demand
			rq.prevRunnableSum += p.ravg.demand
			if newTask {
				rq.ntPrevRunnableSum += p.ravg.demand
			}
		}
		return
	}

	timeBased := irqtime == 0 || !p.idleTask || s.cpuWaitingOnIO(rq)

	if !newWindow {
		delta := irqtime
		if timeBased {
			delta = wallclock - markStart
		}
		delta = s.scaleExecTime(delta, rq)
		rq.currRunnableSum += delta
		if newTask {
			rq.ntCurrRunnableSum += delta
		}
		if trackTask {
			p.ravg.currWindow += delta
		}
		return
	}

	if !isCurr {
		// Busy across a boundary while not running here: a waiting task
		// with wait time accounted.
		var delta int64
		if nrFull == 0 {
			delta = s.scaleExecTime(windowStart-markStart, rq)
			if !p.exiting() {
				p.ravg.prevWindow += delta
			}
		} else {
			delta = s.scaleExecTime(window, rq)
			if !p.exiting() {
				p.ravg.prevWindow = delta
			}
		}
		rq.prevRunnableSum += delta
		if newTask {
			rq.ntPrevRunnableSum += delta
		}

		delta = s.scaleExecTime(wallclock-windowStart, rq)
		rq.currRunnableSum += delta
		if newTask {
			rq.ntCurrRunnableSum += delta
		}
		if !p.exiting() {
			p.ravg.currWindow = delta
		}
		return
	}

	if timeBased {
		var delta int64
		if nrFull == 0 {
			delta = s.scaleExecTime(windowStart-markStart, rq)
			if trackTask {
				p.ravg.prevWindow += delta
			}
			rq.ntPrevRunnableSum = rq.ntCurrRunnableSum
			if newTask {
				rq.ntPrevRunnableSum += delta
			}
			delta += rq.currRunnableSum
		} else {
			delta = s.scaleExecTime(window, rq)
			if trackTask {
				p.ravg.prevWindow = delta
			}
			if newTask {
				rq.ntPrevRunnableSum = delta
			} else {
				rq.ntPrevRunnableSum = 0
			}
		}
		rq.prevRunnableSum = delta

		delta = s.scaleExecTime(wallclock-windowStart, rq)
		rq.currRunnableSum = delta
		if newTask {
			rq.ntCurrRunnableSum = delta
		} else {
			rq.ntCurrRunnableSum = 0
		}
		if trackTask {
			p.ravg.currWindow = delta
		}
		return
	}

	// Idle task with irq time spanning a window boundary.
	markStart = wallclock - irqtime
	rq.prevRunnableSum = rq.currRunnableSum
	rq.ntPrevRunnableSum = rq.ntCurrRunnableSum
	rq.ntCurrRunnableSum = 0
	if markStart > windowStart {
		rq.currRunnableSum = s.scaleExecTime(irqtime, rq)
		return
	}
	delta := min(windowStart-markStart, window)
	rq.prevRunnableSum += s.scaleExecTime(delta, rq)
	rq.currRunnableSum = s.scaleExecTime(wallclock-windowStart, rq)
}

func (s *Scheduler) accountBusyForTaskDemand(p *Task, event ravgEvent) bool {
	if p.exiting() || p.idleTask {
		return false
	}
	if event == eventTaskWake {
		return false
	}
	if !s.tun().AccountWaitTime && (event == eventPickNext || event == eventTaskMigrate) {
		return false
	}
	return true
}

// updateHistory pushes samples copies of runtime into the history ring
// and recomputes demand under the current window policy.
func (s *Scheduler) updateHistory(rq *RunQueue, p *Task, runtime int64, samples int) {
	if runtime == 0 || p.idleTask || p.exiting() || samples == 0 {
		return
	}
	t := s.tun()
	hist := &p.ravg.sumHistory
	size := t.HistorySize
	var sum, maxSample int64

	widx := size - 1
	for ridx := widx - samples; ridx >= 0; ridx, widx = ridx-1, widx-1 {
		hist[widx] = hist[ridx]
		sum += hist[widx]
		maxSample = max(maxSample, hist[widx])
	}
	for widx = 0; widx < samples && widx < size; widx++ {
		hist[widx] = runtime
		sum += runtime
		maxSample = max(maxSample, runtime)
	}
	p.ravg.sum = 0

	var demand int64
	switch t.Policy {
	case WindowRecent:
		demand = runtime
	case WindowMax:
		demand = maxSample
	case WindowAvg:
		demand = sum / int64(size)
	default:
		demand = max(sum/int64(size), runtime)
	}

	if p.queuedOn >= 0 {
		owner := s.rqs[p.queuedOn]
		if owner.cumulativeRunnableAvg.Add(demand-p.ravg.demand) < 0 {
			s.fatal(FatalNegativeSum, owner, p, logrus.Fields{"sum": "cumulative_runnable_avg"})
		}
	}
	p.setDemand(demand)
}

func (s *Scheduler) addToTaskDemand(rq *RunQueue, p *Task, delta int64) {
	p.ravg.sum += s.scaleExecTime(delta, rq)
	if window := s.tun().window(); p.ravg.sum > window {
		p.ravg.sum = window
	}
}

func (s *Scheduler) updateTaskDemand(p *Task, rq *RunQueue, event ravgEvent, wallclock int64) {
	markStart := p.ravg.markStart
	windowStart := rq.windowStart
	window := s.tun().window()

	newWindow := markStart < windowStart
	if !s.accountBusyForTaskDemand(p, event) {
		if newWindow {
			s.updateHistory(rq, p, p.ravg.sum, 1)
		}
		return
	}
	if !newWindow {
		s.addToTaskDemand(rq, p, wallclock-markStart)
		return
	}

	nrFull := (windowStart - markStart) / window
	windowStart -= nrFull * window

	// Close the window markStart was in, then account the full windows
	// in between, then start the new accumulator.
	s.addToTaskDemand(rq, p, windowStart-markStart)
	s.updateHistory(rq, p, p.ravg.sum, 1)
	if nrFull > 0 {
		s.updateHistory(rq, p, s.scaleExecTime(window, rq), int(nrFull))
	}
	windowStart += nrFull * window
	s.addToTaskDemand(rq, p, wallclock-windowStart)
}

// updateCPULoad records the previous window's busy time into the load
// history once per window.
func (s *Scheduler) updateCPULoad(rq *RunQueue, wallclock int64) {
	window := s.tun().window()
	if wallclock-rq.loadLastUpdate < window {
		return
	}
	s.expireCPULoad(rq, wallclock)

	load := min(s.topo.Load().ScaleLoadToCPU(rq.prevRunnableSum, rq.cpu), window)
	nrFull := int((rq.windowStart - rq.loadLastUpdate) / window)
	for i := 0; i < nrFull+1 && i < LoadHistSize; i++ {
		rq.loadHistory[rq.loadHistoryIndex] = load
		rq.loadHistoryIndex = (rq.loadHistoryIndex + 1) % LoadHistSize
	}
	var sum int64
	for _, l := range rq.loadHistory {
		sum += l
	}
	rq.loadAvg = int(sum / LoadHistSize * 100 / window)
	rq.loadLastUpdate = wallclock
}

// expireCPULoad clears a load history that has not been refreshed for a
// full history length.
func (s *Scheduler) expireCPULoad(rq *RunQueue, wallclock int64) {
	if rq.loadLastUpdate == 0 || wallclock-rq.loadLastUpdate <= LoadHistSize*s.tun().window() {
		return
	}
	rq.loadHistory = [LoadHistSize]int64{}
	rq.loadHistoryIndex = 0
	rq.loadAvg = 0
}

func (s *Scheduler) updateTaskRavg(p *Task, rq *RunQueue, event ravgEvent, wallclock, irqtime int64) {
	if rq.windowStart == 0 || s.statsDisabled.Load() {
		return
	}
	s.updateWindowStart(rq, wallclock)
	if p.ravg.markStart != 0 {
		s.updateTaskDemand(p, rq, event, wallclock)
		s.updateCPUBusyTime(p, rq, event, wallclock, irqtime)
		s.updateCPULoad(rq, wallclock)
		if rq.currRunnableSum < 0 || rq.prevRunnableSum < 0 || rq.ntCurrRunnableSum < 0 || rq.ntPrevRunnableSum < 0 {
			s.fatal(FatalNegativeSum, rq, p, logrus.Fields{"event": event.String()})
		}
	}
	p.ravg.markStart = wallclock
}

func resetTaskStats(p *Task) {
	var marker int64
	if p.exiting() {
		marker = exitingTaskMarker
	}
	p.ravg = ravg{}
	p.ravg.sumHistory[0] = marker
	p.demand.Store(0)
}

// markTaskStarting starts the demand clock of a task entering a queue for
// the first time.
func (s *Scheduler) markTaskStarting(p *Task, rq *RunQueue) {
	if rq.windowStart == 0 || s.statsDisabled.Load() {
		resetTaskStats(p)
		return
	}
	wallclock := s.clock.Now()
	p.ravg.markStart = wallclock
	p.lastWakeTS = wallclock
	p.lastSwitchOutTS = 0
}

// initNewTaskLoad seeds a new task's history with the initial load.
func (s *Scheduler) initNewTaskLoad(p *Task) {
	t := s.tun()
	load := t.initTaskLoad()
	p.ravg = ravg{}
	for i := 0; i < t.HistorySize; i++ {
		p.ravg.sumHistory[i] = load
	}
	p.setDemand(load)
}

// setWindowStart starts rq's windows. The sync cpu starts them from the
// clock and every other cpu copies the sync cpu's boundary.
func (s *Scheduler) setWindowStart(rq *RunQueue) {
	if rq.windowStart != 0 {
		return
	}
	syncCPU := s.topo.Load().SyncCPU
	if rq.cpu == syncCPU || syncCPU < 0 || syncCPU >= len(s.rqs) {
		rq.windowStart = s.clock.Now()
	} else {
		syncRQ := s.rqs[syncCPU]
		rq.unlock()
		doubleLockRQ(rq, syncRQ)
		if syncRQ.windowStart == 0 {
			syncRQ.windowStart = s.clock.Now()
			syncRQ.curr.ravg.markStart = syncRQ.windowStart
		}
		if rq.windowStart == 0 {
			rq.windowStart = syncRQ.windowStart
			rq.currRunnableSum, rq.prevRunnableSum = 0, 0
			rq.ntCurrRunnableSum, rq.ntPrevRunnableSum = 0, 0
			rq.loadHistory = [LoadHistSize]int64{}
			rq.loadAvg = 0
			rq.loadHistoryIndex = 0
			rq.loadLastUpdate = 0
		}
		syncRQ.unlock()
	}
	rq.curr.ravg.markStart = rq.windowStart
}

// clearEDTask drops p as rq's early-detection task.
func clearEDTask(p *Task, rq *RunQueue) {
	if rq.edTask == p {
		rq.edTask = nil
	}
}

// AccountIRQTime attributes delta nanoseconds of interrupt handling to cpu.
// Time spent while the idle task runs counts as busy.
func (s *Scheduler) AccountIRQTime(cpu int, delta int64) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	rq.lock()
	defer rq.unlock()

	wallclock := s.clock.Now()
	if rq.curr.idleTask {
		s.updateTaskRavg(rq.curr, rq, eventIRQUpdate, wallclock, delta)
	}

	ts := wallclock / s.tun().window()
	if n := ts - rq.irqloadTS; n > 0 {
		if n < 10 {
			for i := int64(0); i < n; i++ {
				rq.avgIrqload = rq.avgIrqload * 3 / 4
			}
		} else {
			rq.avgIrqload = 0
		}
		rq.avgIrqload += rq.curIrqload
		rq.curIrqload = 0
	}
	rq.curIrqload += delta
	rq.irqloadTS = ts
	return nil
}
