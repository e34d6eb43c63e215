package sched

import (
	"fmt"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

// TaskSpec describes a task to create.
type TaskSpec struct {
	Name     string
	UID      int
	Policy   Policy
	Priority int
	Nice     int
	Deadline DeadlineParams
	// Affinity restricts the task to these cpus; empty means every cpu.
	Affinity []int
	// Cpuset attaches the task to a named partition, which also bounds its
	// affinity.
	Cpuset          string
	Group           int
	NotifyOnMigrate bool
	ResetOnFork     bool
	RLimitRTPrio    int
	RLimitNice      int
}

// NewTask creates a task that is not runnable yet. WakeUpNewTask starts
// it.
func (s *Scheduler) NewTask(spec TaskSpec) (*Task, error) {
	attr := Attr{
		Policy:      spec.Policy,
		Priority:    spec.Priority,
		Nice:        spec.Nice,
		Deadline:    spec.Deadline,
		ResetOnFork: spec.ResetOnFork,
	}
	if err := validateAttr(attr); err != nil {
		return nil, err
	}

	allowed := s.possible.Clone()
	if len(spec.Affinity) > 0 {
		allowed = idset.NewIDSet(spec.Affinity...)
		for _, cpu := range spec.Affinity {
			if !s.possible.Has(cpu) {
				return nil, fmt.Errorf("%w: cpu %d does not exist", ErrInvalidMask, cpu)
			}
		}
	}
	if spec.Cpuset != "" {
		set, ok := s.cpusets.Get(spec.Cpuset)
		if !ok {
			return nil, fmt.Errorf("%w: cpuset %s", ErrNotFound, spec.Cpuset)
		}
		allowed = intersect(allowed, set)
		if allowed.Size() == 0 {
			return nil, fmt.Errorf("%w: affinity does not overlap cpuset %s", ErrInvalidMask, spec.Cpuset)
		}
	}

	p := newTask(int(s.nextID.Add(1)), spec.Name)
	p.UID = spec.UID
	p.RLimitRTPrio = spec.RLimitRTPrio
	p.RLimitNice = spec.RLimitNice
	p.notifyOnMigrate = spec.NotifyOnMigrate
	p.resetOnFork = spec.ResetOnFork
	s.applyAttr(p, attr)

	if spec.Policy.deadline() {
		if err := s.accountant.Admit(p.ID, true, p.dlRuntime, p.dlPeriod); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}
	if spec.Cpuset != "" {
		if err := s.cpusets.Attach(p.ID, spec.Cpuset); err != nil {
			s.accountant.Release(p.ID)
			return nil, err
		}
	}

	p.setCPUsAllowed(allowed)
	first := allowed.SortedMembers()[0]
	p.cpu.Store(int32(first))
	p.wakeCPU = first
	p.kstate.Store(taskNew)
	s.initNewTaskLoad(p)
	s.register(p)

	if spec.Group != 0 {
		if err := s.SetGroup(p, spec.Group); err != nil {
			return nil, err
		}
	}
	s.schedLogger.WithFields(taskLogFields(p)).WithFields(logrus.Fields{
		"policy": p.policy.String(),
		"prio":   p.prio,
	}).Debug("Task created")
	return p, nil
}

// Spawn creates a task and makes it runnable.
func (s *Scheduler) Spawn(spec TaskSpec) (*Task, error) {
	p, err := s.NewTask(spec)
	if err != nil {
		return nil, err
	}
	if err := s.WakeUpNewTask(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Fork creates a child of parent with its policy, mask and limits. A
// parent with reset-on-fork set hands a normal policy and a non-negative
// nice value to the child. Deadline tasks cannot fork.
func (s *Scheduler) Fork(parent *Task, name string) (*Task, error) {
	parent.mu.Lock()
	if parent.idleTask || parent.kstate.Load()&taskDead != 0 {
		parent.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s cannot fork", ErrNotFound, parent)
	}
	attr := Attr{
		Policy:   parent.policy,
		Priority: parent.rtPriority,
		Nice:     prioToNice(parent.staticPrio),
	}
	resetOnFork := parent.resetOnFork
	allowed := parent.cpusAllowed()
	cpu := parent.CPU()
	uid, rtLimit, niceLimit := parent.UID, parent.RLimitRTPrio, parent.RLimitNice
	notify := parent.notifyOnMigrate
	parent.mu.Unlock()

	if attr.Policy.deadline() {
		return nil, fmt.Errorf("%w: deadline task %s cannot fork", ErrAgain, parent)
	}
	if resetOnFork {
		if !attr.Policy.fair() {
			attr.Policy, attr.Priority = PolicyNormal, 0
		}
		attr.Nice = max(attr.Nice, 0)
	}

	p := newTask(int(s.nextID.Add(1)), name)
	p.UID = uid
	p.RLimitRTPrio = rtLimit
	p.RLimitNice = niceLimit
	p.notifyOnMigrate = notify
	s.applyAttr(p, attr)
	p.setCPUsAllowed(allowed)
	p.cpu.Store(int32(cpu))
	p.wakeCPU = cpu
	p.kstate.Store(taskNew)
	s.initNewTaskLoad(p)
	s.register(p)

	s.schedLogger.WithFields(taskLogFields(p)).WithField("parent", parent.ID).Debug("Task forked")
	return p, nil
}

func intersect(a, b idset.IDSet) idset.IDSet {
	out := idset.NewIDSet()
	for _, id := range a.Members() {
		if b.Has(id) {
			out.Add(id)
		}
	}
	return out
}
