// Package cpuset keeps named CPU partitions and the tasks attached to them.
// The scheduler consults it when a task has to be placed outside its own
// affinity mask.
package cpuset

import (
	"fmt"
	"sort"
	"sync"

	"hmp-sched/internal/config"
	"hmp-sched/internal/logging"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

type Partitions struct {
	mu       sync.Mutex
	logger   logrus.FieldLogger
	possible idset.IDSet
	sets     map[string]idset.IDSet
	// exclusive partitions own their CPUs; cpuID -> partition name
	reservedBy map[int]string
	exclusive  map[string]bool
	attached   map[int]string // taskID -> partition name
}

func New(possible idset.IDSet, logger logrus.FieldLogger) *Partitions {
	if logger == nil {
		logger = logging.GetSchedulerLogger()
	}
	return &Partitions{
		logger:     logger,
		possible:   possible.Clone(),
		sets:       make(map[string]idset.IDSet),
		reservedBy: make(map[int]string),
		exclusive:  make(map[string]bool),
		attached:   make(map[int]string),
	}
}

// FromConfig defines one shared partition per configured cpuset.
func FromConfig(possible idset.IDSet, cpusets map[string]string, logger logrus.FieldLogger) (*Partitions, error) {
	p := New(possible, logger)
	names := make([]string, 0, len(cpusets))
	for name := range cpusets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cpus, err := config.ParseCPUSpec(cpusets[name])
		if err != nil {
			return nil, fmt.Errorf("cpuset %s: %w", name, err)
		}
		if err := p.Define(name, cpus, false); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Define creates or replaces a partition. An exclusive partition fails if
// any of its CPUs is owned by another exclusive partition.
func (p *Partitions) Define(name string, cpus []int, exclusive bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if name == "" {
		return fmt.Errorf("partition name is empty")
	}
	if len(cpus) == 0 {
		return fmt.Errorf("partition %s: no CPUs specified", name)
	}
	for _, cpu := range cpus {
		if !p.possible.Has(cpu) {
			return fmt.Errorf("partition %s: cpu %d does not exist", name, cpu)
		}
	}
	if exclusive {
		for _, cpu := range cpus {
			if owner, ok := p.reservedBy[cpu]; ok && owner != name {
				return fmt.Errorf("cpu %d already reserved by partition %s", cpu, owner)
			}
		}
	}

	p.releaseLocked(name)
	set := idset.NewIDSet(cpus...)
	p.sets[name] = set
	p.exclusive[name] = exclusive
	if exclusive {
		for _, cpu := range set.Members() {
			p.reservedBy[cpu] = name
		}
	}

	p.logger.WithFields(logrus.Fields{
		"partition": name,
		"cpus":      set.String(),
		"exclusive": exclusive,
	}).Debug("Defined cpu partition")
	return nil
}

// Remove deletes a partition. It fails while tasks are attached.
func (p *Partitions) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sets[name]; !ok {
		return fmt.Errorf("partition %s does not exist", name)
	}
	for task, owner := range p.attached {
		if owner == name {
			return fmt.Errorf("partition %s still has task %d attached", name, task)
		}
	}
	p.releaseLocked(name)
	return nil
}

func (p *Partitions) releaseLocked(name string) {
	prev, ok := p.sets[name]
	if !ok {
		return
	}
	for _, cpu := range prev.Members() {
		if owner, ok := p.reservedBy[cpu]; ok && owner == name {
			delete(p.reservedBy, cpu)
		}
	}
	delete(p.sets, name)
	delete(p.exclusive, name)
}

func (p *Partitions) Attach(taskID int, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sets[name]; !ok {
		return fmt.Errorf("partition %s does not exist", name)
	}
	p.attached[taskID] = name
	return nil
}

func (p *Partitions) Detach(taskID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attached, taskID)
}

// Get returns a copy of the partition's CPUs.
func (p *Partitions) Get(name string) (idset.IDSet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.sets[name]
	if !ok {
		return nil, false
	}
	return set.Clone(), true
}

// CPUsForTask returns the CPUs of the task's partition, or every possible
// CPU when the task is not attached anywhere.
func (p *Partitions) CPUsForTask(taskID int) idset.IDSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name, ok := p.attached[taskID]; ok {
		if set, ok := p.sets[name]; ok {
			return set.Clone()
		}
	}
	return p.possible.Clone()
}

// Snapshot returns a copy of all partitions as sorted CPU lists.
func (p *Partitions) Snapshot() map[string][]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]int, len(p.sets))
	for name, set := range p.sets {
		out[name] = set.SortedMembers()
	}
	return out
}
