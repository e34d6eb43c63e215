package sched

import (
	"sync"
	"sync/atomic"

	"hmp-sched/internal/topology"
)

// LoadHistSize is the number of windows update_cpu_load averages over.
const LoadHistSize = 4

// RunQueue is the per-processor scheduling state. Everything below mu is
// protected by it unless the field is atomic.
type RunQueue struct {
	s   *Scheduler
	cpu int

	mu sync.Mutex

	curr *Task
	idle *Task
	stop *Task
	// currPrio mirrors curr.prio for lockless placement decisions.
	currPrio atomic.Int32
	// queued lists every task enqueued here, in enqueue order.
	queued []*Task

	nrRunning         atomic.Int32
	nrUninterruptible int
	nrIOWait          atomic.Int32
	nrSwitches        atomic.Uint64

	clock           int64
	clockTask       int64
	skipClockUpdate int

	online atomic.Bool
	active atomic.Bool

	needResched  atomic.Bool
	preemptCount atomic.Int32

	// window accounting
	windowStart       int64
	currRunnableSum   int64
	prevRunnableSum   int64
	ntCurrRunnableSum int64
	ntPrevRunnableSum int64
	oldBusyTime       int64
	notifierSent      bool
	edTask            *Task

	cumulativeRunnableAvg atomic.Int64

	loadHistory      [LoadHistSize]int64
	loadHistoryIndex int
	loadAvg          int
	loadLastUpdate   int64
	irqloadTS        int64
	curIrqload       int64
	avgIrqload       int64

	idleStamp int64
	avgIdle   int64

	ttwuCount atomic.Uint64
	ttwuLocal atomic.Uint64

	// quiescentEpoch is the group epoch this cpu last passed a safe point in.
	quiescentEpoch atomic.Uint64

	wakeMu   sync.Mutex
	wakeList []*Task

	cfs cfsRQ
	rt  rtRQ
	dl  dlRQ
}

func newRunQueue(s *Scheduler, cpu int) *RunQueue {
	rq := &RunQueue{s: s, cpu: cpu}
	idle := newTask(-1-cpu, "idle")
	idle.idleTask = true
	idle.prio = MaxPrio
	idle.staticPrio = MaxPrio
	idle.normalPrio = MaxPrio
	idle.cpu.Store(int32(cpu))
	idle.onCPU.Store(true)
	rq.idle = idle
	rq.curr = idle
	rq.currPrio.Store(MaxPrio)
	rq.rt.init()
	return rq
}

func (rq *RunQueue) CPU() int { return rq.cpu }

func (rq *RunQueue) lock()   { rq.mu.Lock() }
func (rq *RunQueue) unlock() { rq.mu.Unlock() }

// cluster re-fetches the owning cluster from the current topology snapshot.
func (rq *RunQueue) cluster() *topology.Cluster {
	return rq.s.topo.Load().ClusterOf(rq.cpu)
}

// updateClock advances the queue clock. It never moves backwards and does
// nothing while a skip is requested.
func (rq *RunQueue) updateClock() {
	if rq.skipClockUpdate > 0 {
		return
	}
	now := rq.s.clock.Now()
	if delta := now - rq.clock; delta > 0 {
		rq.clock = now
		rq.clockTask += delta
	}
}

func (rq *RunQueue) reschedCurr() {
	rq.needResched.Store(true)
}

func (rq *RunQueue) isIdle() bool {
	return rq.curr == rq.idle && rq.nrRunning.Load() == 0
}

func (rq *RunQueue) addQueued(p *Task) {
	rq.queued = append(rq.queued, p)
}

func (rq *RunQueue) removeQueued(p *Task) bool {
	for i, q := range rq.queued {
		if q == p {
			rq.queued = append(rq.queued[:i], rq.queued[i+1:]...)
			return true
		}
	}
	return false
}

// RunQueueStats is a copy of one queue's counters and window sums.
type RunQueueStats struct {
	CPU               int
	Online            bool
	Active            bool
	NrRunning         int
	NrSwitches        uint64
	NrIOWait          int
	TTWUCount         uint64
	TTWULocal         uint64
	Curr              int
	WindowStart       int64
	CurrRunnableSum   int64
	PrevRunnableSum   int64
	NTCurrRunnableSum int64
	NTPrevRunnableSum int64
	CumulativeDemand  int64
	LoadAvg           int
	AvgIrqload        int64
	NotifierSent      bool
	EarlyDetection    bool
	Clock             int64
}

func (rq *RunQueue) statsLocked() RunQueueStats {
	st := RunQueueStats{
		CPU:               rq.cpu,
		Online:            rq.online.Load(),
		Active:            rq.active.Load(),
		NrRunning:         int(rq.nrRunning.Load()),
		NrSwitches:        rq.nrSwitches.Load(),
		NrIOWait:          int(rq.nrIOWait.Load()),
		TTWUCount:         rq.ttwuCount.Load(),
		TTWULocal:         rq.ttwuLocal.Load(),
		WindowStart:       rq.windowStart,
		CurrRunnableSum:   rq.currRunnableSum,
		PrevRunnableSum:   rq.prevRunnableSum,
		NTCurrRunnableSum: rq.ntCurrRunnableSum,
		NTPrevRunnableSum: rq.ntPrevRunnableSum,
		CumulativeDemand:  rq.cumulativeRunnableAvg.Load(),
		LoadAvg:           rq.loadAvg,
		AvgIrqload:        rq.avgIrqload,
		NotifierSent:      rq.notifierSent,
		EarlyDetection:    rq.edTask != nil,
		Clock:             rq.clock,
	}
	if rq.curr != nil && !rq.curr.idleTask {
		st.Curr = rq.curr.ID
	} else {
		st.Curr = -1
	}
	return st
}

// queueWake puts p on the asynchronous wake list. It reports whether the
// list was empty, i.e. whether the destination needs a kick.
func (rq *RunQueue) queueWake(p *Task) bool {
	rq.wakeMu.Lock()
	defer rq.wakeMu.Unlock()
	rq.wakeList = append(rq.wakeList, p)
	return len(rq.wakeList) == 1
}

func (rq *RunQueue) takeWakeList() []*Task {
	rq.wakeMu.Lock()
	defer rq.wakeMu.Unlock()
	list := rq.wakeList
	rq.wakeList = nil
	return list
}

func (rq *RunQueue) wakePending() bool {
	rq.wakeMu.Lock()
	defer rq.wakeMu.Unlock()
	return len(rq.wakeList) > 0
}
