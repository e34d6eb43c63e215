package sched

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

type Policy int

const (
	PolicyNormal Policy = iota
	PolicyBatch
	PolicyIdle
	PolicyFIFO
	PolicyRR
	PolicyDeadline
)

func (p Policy) String() string {
	switch p {
	case PolicyNormal:
		return "normal"
	case PolicyBatch:
		return "batch"
	case PolicyIdle:
		return "idle"
	case PolicyFIFO:
		return "fifo"
	case PolicyRR:
		return "rr"
	case PolicyDeadline:
		return "deadline"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a config name to a Policy. The empty string is normal.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "normal", "other":
		return PolicyNormal, nil
	case "batch":
		return PolicyBatch, nil
	case "idle":
		return PolicyIdle, nil
	case "fifo":
		return PolicyFIFO, nil
	case "rr":
		return PolicyRR, nil
	case "deadline":
		return PolicyDeadline, nil
	}
	return 0, fmt.Errorf("%w: unknown policy %q", ErrInvalidPolicy, name)
}

func (p Policy) valid() bool    { return p >= PolicyNormal && p <= PolicyDeadline }
func (p Policy) realtime() bool { return p == PolicyFIFO || p == PolicyRR }
func (p Policy) deadline() bool { return p == PolicyDeadline }
func (p Policy) fair() bool     { return p == PolicyNormal || p == PolicyBatch || p == PolicyIdle }

const (
	MaxUserRTPrio = 100
	MaxRTPrio     = MaxUserRTPrio
	MaxPrio       = MaxRTPrio + 40
	DefaultPrio   = MaxRTPrio + 20
	MaxDLPrio     = 0

	MinNice = -20
	MaxNice = 19
)

func niceToPrio(nice int) int { return DefaultPrio + nice }
func prioToNice(prio int) int { return prio - DefaultPrio }

func dlPrio(prio int) bool { return prio < MaxDLPrio }
func rtPrio(prio int) bool { return prio < MaxRTPrio }

// State is the externally visible lifecycle state of a task.
type State int

const (
	StateSleeping State = iota
	StateWaking
	StateRunnable
	StateRunning
	StateMigrating
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSleeping:
		return "sleeping"
	case StateWaking:
		return "waking"
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateMigrating:
		return "migrating"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Internal task states. The zero value means runnable or running.
const (
	taskRunning         uint32 = 0
	taskInterruptible   uint32 = 1 << 0
	taskUninterruptible uint32 = 1 << 1
	taskDead            uint32 = 1 << 6
	taskWaking          uint32 = 1 << 8
	taskNew             uint32 = 1 << 11

	taskNormal = taskInterruptible | taskUninterruptible
)

// Run-queue membership.
const (
	onRQNone      int32 = 0
	onRQQueued    int32 = 1
	onRQMigrating int32 = 2
)

// DeadlineParams is the reservation of a deadline task.
type DeadlineParams struct {
	Runtime  time.Duration
	Deadline time.Duration
	Period   time.Duration
}

// RavgHistSizeMax bounds the demand history ring.
const RavgHistSizeMax = 5

const exitingTaskMarker int64 = 0xdeaddead

// ravg is the windowed demand record. It is owned by the run-queue the task
// belongs to and only changes under that queue's lock.
type ravg struct {
	markStart     int64
	sum           int64
	sumHistory    [RavgHistSizeMax]int64
	demand        int64
	currWindow    int64
	prevWindow    int64
	activeWindows int
}

// Ravg is a copy of a task's demand record.
type Ravg struct {
	MarkStart     int64
	Sum           int64
	History       []int64
	Demand        int64
	CurrWindow    int64
	PrevWindow    int64
	ActiveWindows int
}

// TaskStats are the per-task scheduling counters.
type TaskStats struct {
	Wakeups        uint64
	WakeupsLocal   uint64
	WakeupsRemote  uint64
	WakeupsMigrate uint64
	Migrations     uint64
	NVCSW          uint64
	NIVCSW         uint64
}

type taskCounters struct {
	wakeups        atomic.Uint64
	wakeupsLocal   atomic.Uint64
	wakeupsRemote  atomic.Uint64
	wakeupsMigrate atomic.Uint64
	migrations     atomic.Uint64
	nvcsw          atomic.Uint64
	nivcsw         atomic.Uint64
}

// Task is the scheduler's control block for one thread of execution.
//
// Lock order is mu, then the owning run-queue's lock. cpu changes only with
// mu held, plus the queue lock while the task is queued.
type Task struct {
	ID   int
	Name string
	UID  int

	mu sync.Mutex

	cpu      atomic.Int32
	wakeCPU  int
	onCPU    atomic.Bool
	onRQ     atomic.Int32
	kstate   atomic.Uint32
	queuedOn int

	policy      Policy
	prio        int
	staticPrio  int
	normalPrio  int
	rtPriority  int
	resetOnFork bool
	class       Class
	idleTask    bool
	stopTask    bool

	allowed atomic.Pointer[idset.IDSet]

	// RLimitRTPrio and RLimitNice bound what an unprivileged owner may
	// request for this task.
	RLimitRTPrio int
	RLimitNice   int

	ravg   ravg
	demand atomic.Int64

	lastWakeTS      int64
	lastSwitchOutTS int64

	grp atomic.Pointer[Group]

	// fair
	weight             int64
	vruntime           int64
	execStart          int64
	sumExecRuntime     int64
	prevSumExecRuntime int64

	// realtime
	timeSlice int64

	// deadline
	dlRuntime  int64
	dlDeadline int64
	dlPeriod   int64
	dlBW       int64
	runtime    int64
	deadline   int64

	contributesToLoad bool
	inIOWait          bool
	iowaitCPU         int
	// migrateTo is the cpu a running task moves to at its next switch-out,
	// or -1.
	migrateTo       atomic.Int32
	notifyOnMigrate bool

	counters taskCounters
}

func newTask(id int, name string) *Task {
	p := &Task{
		ID:           id,
		Name:         name,
		queuedOn:     -1,
		iowaitCPU:    -1,
		policy:       PolicyNormal,
		staticPrio:   DefaultPrio,
		normalPrio:   DefaultPrio,
		prio:         DefaultPrio,
		RLimitRTPrio: 0,
		RLimitNice:   0,
	}
	p.migrateTo.Store(-1)
	p.setLoadWeight()
	return p
}

func (p *Task) String() string {
	return fmt.Sprintf("%s/%d", p.Name, p.ID)
}

// CPU returns the processor the task is assigned to.
func (p *Task) CPU() int {
	return int(p.cpu.Load())
}

// State derives the lifecycle state from the task's flags.
func (p *Task) State() State {
	k := p.kstate.Load()
	switch {
	case k&taskDead != 0 && !p.onCPU.Load():
		return StateDead
	case k&taskWaking != 0:
		return StateWaking
	case p.onRQ.Load() == onRQMigrating:
		return StateMigrating
	case p.onCPU.Load():
		return StateRunning
	case p.onRQ.Load() == onRQQueued:
		return StateRunnable
	default:
		return StateSleeping
	}
}

// Demand returns the task's current demand estimate in scaled nanoseconds.
func (p *Task) Demand() int64 {
	return p.demand.Load()
}

// Allowed returns a copy of the task's affinity mask.
func (p *Task) Allowed() idset.IDSet {
	return p.cpusAllowed().Clone()
}

func (p *Task) cpusAllowed() idset.IDSet {
	if set := p.allowed.Load(); set != nil {
		return *set
	}
	return idset.NewIDSet()
}

func (p *Task) setCPUsAllowed(set idset.IDSet) {
	clone := set.Clone()
	p.allowed.Store(&clone)
}

func (p *Task) Policy() Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

// Priority returns the effective priority. Lower values run first.
func (p *Task) Priority() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prio
}

func (p *Task) Nice() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return prioToNice(p.staticPrio)
}

// GroupID returns the related thread group id, 0 when ungrouped.
func (p *Task) GroupID() int {
	if g := p.grp.Load(); g != nil {
		return g.ID
	}
	return 0
}

func (p *Task) Stats() TaskStats {
	return TaskStats{
		Wakeups:        p.counters.wakeups.Load(),
		WakeupsLocal:   p.counters.wakeupsLocal.Load(),
		WakeupsRemote:  p.counters.wakeupsRemote.Load(),
		WakeupsMigrate: p.counters.wakeupsMigrate.Load(),
		Migrations:     p.counters.migrations.Load(),
		NVCSW:          p.counters.nvcsw.Load(),
		NIVCSW:         p.counters.nivcsw.Load(),
	}
}

func (p *Task) exiting() bool {
	return p.ravg.sumHistory[0] == exitingTaskMarker
}

func (p *Task) setDemand(d int64) {
	p.ravg.demand = d
	p.demand.Store(d)
}

func (p *Task) contributesToLoadNow() bool {
	return p.kstate.Load()&taskUninterruptible != 0
}

// normalPrioFor is the priority the task's policy implies.
func (p *Task) normalPrioFor() int {
	switch {
	case p.policy.deadline():
		return MaxDLPrio - 1
	case p.policy.realtime():
		return MaxRTPrio - 1 - p.rtPriority
	default:
		return p.staticPrio
	}
}

// prioToWeight maps nice -20..19 to load weights; each step is ~10% of CPU.
var prioToWeight = [40]int64{
	88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

const (
	nice0Load      = 1024
	weightIdlePrio = 3
)

func (p *Task) setLoadWeight() {
	if p.policy == PolicyIdle {
		p.weight = weightIdlePrio
		return
	}
	idx := p.staticPrio - MaxRTPrio
	idx = min(max(idx, 0), len(prioToWeight)-1)
	p.weight = prioToWeight[idx]
}

func taskLogFields(p *Task) logrus.Fields {
	fields := logrus.Fields{
		"task_id": p.ID,
		"cpu":     p.CPU(),
		"state":   p.State().String(),
		"demand":  p.Demand(),
	}
	if p.Name != "" {
		fields["task_name"] = p.Name
	}
	if g := p.grp.Load(); g != nil {
		fields["group"] = g.ID
	}
	return fields
}
