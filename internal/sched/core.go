// Package sched is a per-cpu task scheduler core: run-queues, the wakeup and
// placement protocol, the context-switch state machine, and window-based
// demand tracking for heterogeneous clusters.
//
// The host drives the core by calling into it on behalf of a cpu: Tick for
// the periodic timer, Schedule/Sleep/Exit/Yield for the task currently
// running there, and Wake from wherever a wakeup originates.
package sched

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hmp-sched/internal/accounting"
	"hmp-sched/internal/clock"
	"hmp-sched/internal/cpuset"
	"hmp-sched/internal/governor"
	"hmp-sched/internal/logging"
	"hmp-sched/internal/topology"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Default deadline bandwidth limit per cpu.
const (
	DefaultDLRuntime = 950 * time.Millisecond
	DefaultDLPeriod  = time.Second
)

// Options configure New. Topology is required; everything else has a
// default.
type Options struct {
	Topology   *topology.Topology
	Clock      *clock.Clock
	Tunables   *Tunables
	Notifier   governor.Notifier
	Sink       TraceSink
	Accountant *accounting.BandwidthAccountant
	Cpusets    *cpuset.Partitions

	Logger      logrus.FieldLogger
	SchedLogger logrus.FieldLogger
}

type notifierBox struct {
	n governor.Notifier
}

type Scheduler struct {
	logger      logrus.FieldLogger
	schedLogger logrus.FieldLogger

	topo     *topology.Topology
	clock    *clock.Clock
	rqs      []*RunQueue
	possible idset.IDSet

	classes   []Class
	stopClass Class
	dlClass   Class
	rtClass   Class
	fairClass Class
	idleClass Class

	tunables      atomic.Pointer[Tunables]
	statsDisabled atomic.Bool
	// windowMu serializes tunable and window changes.
	windowMu  sync.Mutex
	lastReset atomic.Int32

	notifier atomic.Pointer[notifierBox]
	sink     TraceSink

	accountant *accounting.BandwidthAccountant
	cpusets    *cpuset.Partitions

	tasksMu sync.RWMutex
	tasks   map[int]*Task
	nextID  atomic.Int64

	groups groupRegistry

	fallbacks [fallbackSteps]atomic.Uint64
}

func New(opts Options) (*Scheduler, error) {
	if opts.Topology == nil {
		return nil, errors.New("topology is required")
	}
	tun := DefaultTunables()
	if opts.Tunables != nil {
		tun = *opts.Tunables
	}
	if err := tun.validate(); err != nil {
		return nil, err
	}

	snap := opts.Topology.Load()
	possible := snap.CPUs()
	cpus := possible.SortedMembers()
	if len(cpus) == 0 {
		return nil, errors.New("topology has no cpus")
	}

	s := &Scheduler{
		logger:      opts.Logger,
		schedLogger: opts.SchedLogger,
		topo:        opts.Topology,
		clock:       opts.Clock,
		possible:    possible,
		sink:        opts.Sink,
		accountant:  opts.Accountant,
		cpusets:     opts.Cpusets,
		tasks:       make(map[int]*Task),
	}
	if s.logger == nil {
		s.logger = logging.GetLogger()
	}
	if s.schedLogger == nil {
		s.schedLogger = logging.GetSchedulerLogger()
	}
	if s.clock == nil {
		s.clock = clock.New(clock.NewMonotonic())
	}
	if s.accountant == nil {
		acc, err := accounting.NewBandwidthAccountant(int64(DefaultDLRuntime), int64(DefaultDLPeriod), len(cpus))
		if err != nil {
			return nil, fmt.Errorf("deadline accountant: %w", err)
		}
		s.accountant = acc
	}
	if s.cpusets == nil {
		s.cpusets = cpuset.New(possible, s.schedLogger)
	}
	s.tunables.Store(&tun)
	s.groups.init()
	if opts.Notifier != nil {
		s.SetNotifier(opts.Notifier)
	}

	s.stopClass = stopClass{}
	s.dlClass = &dlClass{s: s}
	s.rtClass = &rtClass{s: s}
	s.fairClass = &fairClass{s: s}
	s.idleClass = &idleClass{s: s}
	s.classes = []Class{s.stopClass, s.dlClass, s.rtClass, s.fairClass, s.idleClass}

	s.rqs = make([]*RunQueue, cpus[len(cpus)-1]+1)
	for cpu := range s.rqs {
		rq := newRunQueue(s, cpu)
		rq.idle.class = s.idleClass
		if possible.Has(cpu) {
			rq.online.Store(true)
			rq.active.Store(true)
		}
		s.rqs[cpu] = rq
	}

	s.logger.WithFields(logrus.Fields{
		"cpus":     len(cpus),
		"clusters": len(snap.Clusters),
		"sync_cpu": snap.SyncCPU,
		"window":   tun.Window,
		"policy":   tun.Policy.String(),
	}).Info("Scheduler initialized")
	return s, nil
}

func (s *Scheduler) tun() *Tunables {
	return s.tunables.Load()
}

func (s *Scheduler) rq(cpu int) (*RunQueue, error) {
	if cpu < 0 || cpu >= len(s.rqs) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchCPU, cpu)
	}
	return s.rqs[cpu], nil
}

// SetNotifier replaces the governor notifier. A nil notifier drops events.
func (s *Scheduler) SetNotifier(n governor.Notifier) {
	s.notifier.Store(&notifierBox{n: n})
}

func (s *Scheduler) notify(ev governor.Event) {
	if b := s.notifier.Load(); b != nil && b.n != nil {
		b.n.Notify(ev)
	}
}

func spinPause() {
	runtime.Gosched()
}

// Topology returns the topology the scheduler places tasks on.
func (s *Scheduler) Topology() *topology.Topology {
	return s.topo
}

func (s *Scheduler) Clock() *clock.Clock {
	return s.clock
}

// Schedule runs the scheduler on cpu for its current task.
func (s *Scheduler) Schedule(cpu int) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	s.schedule(rq, false)
	return nil
}

// schedule switches rq to the next task, looping while a reschedule is
// requested. preempt leaves a task that is about to block on the queue.
func (s *Scheduler) schedule(rq *RunQueue, preempt bool) {
	for {
		s.drainWakeList(rq)

		rq.lock()
		if rq.preemptCount.Load() > 0 {
			s.fatal(FatalAtomicSchedule, rq, rq.curr, logrus.Fields{"preempt_count": rq.preemptCount.Load()})
		}
		prev := rq.curr
		rq.updateClock()

		voluntary := false
		if !preempt && !prev.idleTask && prev.kstate.Load() != taskRunning {
			voluntary = true
			if prev.queuedOn == rq.cpu {
				s.deactivateTask(rq, prev, DequeueSleep)
				prev.onRQ.Store(onRQNone)
				prev.migrateTo.Store(-1)
			}
		}

		if dest := int(prev.migrateTo.Load()); dest >= 0 && prev.queuedOn == rq.cpu {
			rq.unlock()
			if !s.migrateRunning(prev, rq.cpu, dest) {
				continue
			}
		} else {
			next := s.pickAndSwitch(rq, prev, voluntary)
			rq.unlock()
			if next != prev && prev.kstate.Load()&taskDead != 0 {
				s.reap(prev)
			}
		}
		s.groups.quiesce(rq)

		if !rq.needResched.Load() {
			return
		}
		preempt = true
	}
}

// pickAndSwitch picks the next task and makes it current. rq's lock is
// held.
func (s *Scheduler) pickAndSwitch(rq *RunQueue, prev *Task, voluntary bool) *Task {
	next := s.pickNextTask(rq, prev)
	wallclock := s.clock.Now()
	s.updateTaskRavg(prev, rq, eventPutPrev, wallclock, 0)
	s.updateTaskRavg(next, rq, eventPickNext, wallclock, 0)
	rq.needResched.Store(false)
	rq.skipClockUpdate = 0

	if !next.idleTask && next.CPU() != rq.cpu {
		s.fatal(FatalWrongCPU, rq, next, logrus.Fields{"task_cpu": next.CPU()})
	}
	if next == prev {
		return prev
	}

	rq.nrSwitches.Add(1)
	rq.curr = next
	rq.currPrio.Store(int32(next.prio))
	if voluntary {
		prev.counters.nvcsw.Add(1)
	} else {
		prev.counters.nivcsw.Add(1)
	}
	prev.lastSwitchOutTS = wallclock
	prev.onCPU.Store(false)
	next.onCPU.Store(true)

	if next.inIOWait {
		if next.iowaitCPU >= 0 {
			s.rqs[next.iowaitCPU].nrIOWait.Add(-1)
		}
		next.inIOWait = false
		next.iowaitCPU = -1
	}
	if next.idleTask {
		rq.idleStamp = rq.clock
	}

	ev := newTrace(TraceSwitch, rq.cpu, next.ID, wallclock, prev.State().String())
	ev.Src, ev.Dst = prev.ID, next.ID
	s.trace(ev)
	return next
}

// reap releases what a dead task still holds once it is off its cpu.
func (s *Scheduler) reap(p *Task) {
	s.accountant.Release(p.ID)
	s.cpusets.Detach(p.ID)
	s.tasksMu.Lock()
	delete(s.tasks, p.ID)
	s.tasksMu.Unlock()
	s.schedLogger.WithFields(taskLogFields(p)).Debug("Task reaped")
}

// Tick is the periodic timer interrupt of cpu.
func (s *Scheduler) Tick(cpu int) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	s.drainWakeList(rq)

	rq.lock()
	curr := rq.curr
	oldLoad := curr.ravg.demand
	s.setWindowStart(rq)
	rq.updateClock()
	curr.class.Tick(rq, curr)
	wallclock := s.clock.Now()
	s.updateTaskRavg(curr, rq, eventTaskUpdate, wallclock, 0)
	early := s.earlyDetectionNotify(rq, wallclock)
	rq.unlock()

	if early {
		s.notify(governor.Event{CPU: cpu, Reason: governor.EarlyDetection, At: wallclock})
		s.trace(newTrace(TraceEarlyAlert, cpu, -1, wallclock, ""))
	}

	if g := curr.grp.Load(); g != nil && s.updatePreferredCluster(g, curr, oldLoad) {
		s.setPreferredCluster(g)
	}
	if curr.class == s.fairClass {
		s.checkForMigration(rq, curr)
	}
	s.checkForFreqChange(rq)

	if rq.needResched.Load() && rq.preemptCount.Load() == 0 {
		s.schedule(rq, true)
	} else {
		s.groups.quiesce(rq)
	}
	return nil
}

const earlyDetectionScan = 10

// earlyDetectionNotify flags the first of a few fair tasks on rq that has
// been runnable longer than the early detection threshold. It reports true
// only when the flagged task changed.
func (s *Scheduler) earlyDetectionNotify(rq *RunQueue, wallclock int64) bool {
	t := s.tun()
	if !t.Boost || rq.cfs.nrRunning == 0 {
		return false
	}
	prev := rq.edTask
	rq.edTask = nil
	scanned := 0
	for _, p := range rq.queued {
		if p.class != s.fairClass {
			continue
		}
		if scanned == earlyDetectionScan {
			break
		}
		if wallclock-p.lastWakeTS >= int64(t.EarlyDetection) {
			rq.edTask = p
			return prev != p
		}
		scanned++
	}
	return false
}

// checkForMigration marks a fair task that would be better off in another
// cluster to move at its next switch-out.
func (s *Scheduler) checkForMigration(rq *RunQueue, p *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CPU() != rq.cpu || p.migrateTo.Load() >= 0 {
		return
	}
	dest := s.selectBestCPU(p, rq.cpu)
	if dest == rq.cpu || s.topo.Load().SameFreqDomain(dest, rq.cpu) {
		return
	}
	rq.lock()
	if rq.curr == p && p.queuedOn == rq.cpu {
		p.migrateTo.Store(int32(dest))
		rq.reschedCurr()
	}
	rq.unlock()
}

// Current returns the task running on cpu, nil for an unknown cpu.
func (s *Scheduler) Current(cpu int) *Task {
	rq, err := s.rq(cpu)
	if err != nil {
		return nil
	}
	rq.lock()
	defer rq.unlock()
	return rq.curr
}

// currentLocked returns cpu's current task with its lock and the queue
// lock held, retrying if it changes in between.
func (s *Scheduler) currentLocked(rq *RunQueue) *Task {
	for {
		rq.lock()
		p := rq.curr
		rq.unlock()
		p.mu.Lock()
		rq.lock()
		if rq.curr == p {
			return p
		}
		rq.unlock()
		p.mu.Unlock()
	}
}

// Sleep blocks the task running on cpu and schedules.
func (s *Scheduler) Sleep(cpu int, uninterruptible bool) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	rq.lock()
	p := rq.curr
	if p.idleTask {
		rq.unlock()
		return fmt.Errorf("cpu %d: idle task cannot sleep", cpu)
	}
	if uninterruptible {
		p.kstate.Store(taskUninterruptible)
	} else {
		p.kstate.Store(taskInterruptible)
	}
	rq.unlock()
	s.schedule(rq, false)
	return nil
}

// IOSchedule blocks the task running on cpu on I/O. The cpu counts as
// waiting on I/O until the task runs again.
func (s *Scheduler) IOSchedule(cpu int) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	rq.lock()
	p := rq.curr
	if p.idleTask {
		rq.unlock()
		return fmt.Errorf("cpu %d: idle task cannot wait on I/O", cpu)
	}
	p.inIOWait = true
	p.iowaitCPU = cpu
	rq.nrIOWait.Add(1)
	p.kstate.Store(taskUninterruptible)
	rq.unlock()
	s.schedule(rq, false)
	return nil
}

// Exit ends the task running on cpu. It leaves its group, stops
// contributing demand and is reaped once switched out.
func (s *Scheduler) Exit(cpu int) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	if curr := s.Current(cpu); curr.idleTask {
		return fmt.Errorf("cpu %d: idle task cannot exit", cpu)
	} else if err := s.SetGroup(curr, 0); err != nil {
		return err
	}

	p := s.currentLocked(rq)
	wallclock := s.clock.Now()
	s.updateTaskRavg(rq.curr, rq, eventTaskUpdate, wallclock, 0)
	s.dequeueTask(rq, p, 0)
	resetTaskStats(p)
	p.ravg.markStart = wallclock
	p.ravg.sumHistory[0] = exitingTaskMarker
	s.enqueueTask(rq, p, 0)
	clearEDTask(p, rq)
	p.kstate.Store(taskDead)
	rq.unlock()
	p.mu.Unlock()

	s.schedLogger.WithFields(taskLogFields(p)).Debug("Task exiting")
	s.trace(newTrace(TraceExit, cpu, p.ID, wallclock, ""))
	s.schedule(rq, false)
	return nil
}

// Yield moves the task running on cpu behind its peers.
func (s *Scheduler) Yield(cpu int) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	rq.lock()
	rq.updateClock()
	rq.curr.class.Yield(rq)
	rq.unlock()
	s.schedule(rq, false)
	return nil
}

// YieldTo hands the rest of cpu's current slice to p when both run in the
// same class. It reports whether the boost was applied.
func (s *Scheduler) YieldTo(cpu int, p *Task) (bool, error) {
	rq, err := s.rq(cpu)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	prq := s.lockTaskRQ(p)
	prq.unlock()

	doubleLockRQ(rq, prq)
	yielded := false
	curr := rq.curr
	if p.CPU() == prq.cpu && p.queuedOn == prq.cpu && prq.curr != p && p.kstate.Load() == taskRunning &&
		curr.class == p.class && !curr.idleTask {
		yielded = curr.class.YieldTo(prq, p)
		if yielded {
			rq.updateClock()
			curr.class.Yield(rq)
			if prq != rq {
				prq.reschedCurr()
			}
		}
	}
	doubleUnlockRQ(rq, prq)
	p.mu.Unlock()

	if yielded {
		s.schedule(rq, false)
	}
	return yielded, nil
}

// PreemptDisable marks cpu as inside a section that must not schedule.
func (s *Scheduler) PreemptDisable(cpu int) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	rq.preemptCount.Add(1)
	return nil
}

func (s *Scheduler) PreemptEnable(cpu int) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	if rq.preemptCount.Add(-1) < 0 {
		rq.preemptCount.Store(0)
		return fmt.Errorf("cpu %d: unbalanced preempt enable", cpu)
	}
	return nil
}

// SchedulerIPI drains cpu's wake list and switches if that made a task
// preempt the current one.
func (s *Scheduler) SchedulerIPI(cpu int) error {
	rq, err := s.rq(cpu)
	if err != nil {
		return err
	}
	s.drainWakeList(rq)
	if rq.needResched.Load() && rq.preemptCount.Load() == 0 {
		s.schedule(rq, true)
	}
	return nil
}

// NeedResched reports whether cpu has a pending reschedule.
func (s *Scheduler) NeedResched(cpu int) bool {
	rq, err := s.rq(cpu)
	return err == nil && rq.needResched.Load()
}

func (s *Scheduler) register(p *Task) {
	s.tasksMu.Lock()
	s.tasks[p.ID] = p
	s.tasksMu.Unlock()
}

// Task looks a task up by id.
func (s *Scheduler) Task(id int) (*Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	p, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return p, nil
}

// Tasks returns every live task ordered by id.
func (s *Scheduler) Tasks() []*Task {
	s.tasksMu.RLock()
	out := make([]*Task, 0, len(s.tasks))
	for _, p := range s.tasks {
		out = append(out, p)
	}
	s.tasksMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NrRunning is the number of runnable tasks on all queues.
func (s *Scheduler) NrRunning() int {
	n := 0
	for _, rq := range s.rqs {
		n += int(rq.nrRunning.Load())
	}
	return n
}

func (s *Scheduler) NrContextSwitches() uint64 {
	var n uint64
	for _, rq := range s.rqs {
		n += rq.nrSwitches.Load()
	}
	return n
}

func (s *Scheduler) NrIOWait() int {
	n := 0
	for _, rq := range s.rqs {
		n += int(rq.nrIOWait.Load())
	}
	return n
}

// RunQueueStats returns a consistent copy of cpu's counters.
func (s *Scheduler) RunQueueStats(cpu int) (RunQueueStats, error) {
	rq, err := s.rq(cpu)
	if err != nil {
		return RunQueueStats{}, err
	}
	rq.lock()
	defer rq.unlock()
	return rq.statsLocked(), nil
}

// CPUs returns the ids of every cpu with a run-queue.
func (s *Scheduler) CPUs() []int {
	return s.possible.SortedMembers()
}

// Ravg returns a copy of p's demand record.
func (s *Scheduler) Ravg(p *Task) Ravg {
	p.mu.Lock()
	rq := s.lockTaskRQ(p)
	r := p.ravg
	size := s.tun().HistorySize
	taskRQUnlock(rq, p)
	return Ravg{
		MarkStart:     r.markStart,
		Sum:           r.sum,
		History:       append([]int64(nil), r.sumHistory[:size]...),
		Demand:        r.demand,
		CurrWindow:    r.currWindow,
		PrevWindow:    r.prevWindow,
		ActiveWindows: r.activeWindows,
	}
}
