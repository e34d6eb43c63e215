// Package accounting admits deadline tasks against the bandwidth available
// on a set of CPUs.
package accounting

import (
	"errors"
	"fmt"
	"sync"

	"hmp-sched/internal/logging"

	"github.com/sirupsen/logrus"
)

// BWShift is the fixed-point shift for bandwidth ratios.
const BWShift = 20

// RuntimeInf disables the bandwidth limit.
const RuntimeInf int64 = -1

var ErrBandwidthExceeded = errors.New("deadline bandwidth exceeded")

// ToRatio returns runtime/period in BWShift fixed point.
func ToRatio(period, runtime int64) int64 {
	if runtime == RuntimeInf {
		return 1 << BWShift
	}
	if period == 0 {
		return 0
	}
	return (runtime << BWShift) / period
}

// BandwidthState is a copy of the accountant's counters.
type BandwidthState struct {
	// BW is the per-cpu limit, -1 when unlimited.
	BW      int64
	TotalBW int64
	CPUs    int
	Tasks   int
}

// BandwidthAccountant tracks the bandwidth reserved by deadline tasks in one
// root domain. Every admission either applies fully or leaves the state
// untouched.
type BandwidthAccountant struct {
	mu      sync.RWMutex
	logger  *logrus.Logger
	bw      int64
	totalBW int64
	cpus    int
	tasks   map[int]int64 // taskID -> reserved bandwidth
}

// NewBandwidthAccountant limits each CPU to runtime/period. A negative
// runtime disables the limit.
func NewBandwidthAccountant(runtime, period int64, cpus int) (*BandwidthAccountant, error) {
	if cpus <= 0 {
		return nil, fmt.Errorf("cpus must be >= 1")
	}
	bw := int64(-1)
	if runtime >= 0 {
		if period <= 0 {
			return nil, fmt.Errorf("period must be > 0")
		}
		if runtime > period {
			return nil, fmt.Errorf("runtime %d exceeds period %d", runtime, period)
		}
		bw = ToRatio(period, runtime)
	}
	return &BandwidthAccountant{
		logger: logging.GetSchedulerLogger(),
		bw:     bw,
		cpus:   cpus,
		tasks:  make(map[int]int64),
	}, nil
}

func (a *BandwidthAccountant) overflowLocked(cpus int, oldBW, newBW int64) bool {
	return a.bw != -1 && a.bw*int64(cpus) < a.totalBW-oldBW+newBW
}

// Admit applies a policy change for taskID. toDeadline is true when the new
// policy is deadline; runtime and period describe the new reservation.
// Moving away from deadline releases the reservation.
func (a *BandwidthAccountant) Admit(taskID int, toDeadline bool, runtime, period int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var newBW int64
	if toDeadline {
		newBW = ToRatio(period, runtime)
	}
	oldBW, hasDL := a.tasks[taskID]
	if hasDL && toDeadline && oldBW == newBW {
		return nil
	}

	switch {
	case toDeadline && !hasDL && !a.overflowLocked(a.cpus, 0, newBW):
		a.totalBW += newBW
		a.tasks[taskID] = newBW
	case toDeadline && hasDL && !a.overflowLocked(a.cpus, oldBW, newBW):
		a.totalBW += newBW - oldBW
		a.tasks[taskID] = newBW
	case !toDeadline && hasDL:
		a.totalBW -= oldBW
		delete(a.tasks, taskID)
	case !toDeadline:
		return nil
	default:
		a.logger.WithFields(logrus.Fields{
			"task":     taskID,
			"new_bw":   newBW,
			"total_bw": a.totalBW,
			"cpus":     a.cpus,
		}).Debug("Deadline admission rejected")
		return fmt.Errorf("task %d: %w", taskID, ErrBandwidthExceeded)
	}

	a.logger.WithFields(logrus.Fields{
		"task":     taskID,
		"bw":       newBW,
		"total_bw": a.totalBW,
	}).Debug("Deadline bandwidth updated")
	return nil
}

// Release drops whatever taskID reserved, e.g. when it exits.
func (a *BandwidthAccountant) Release(taskID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bw, ok := a.tasks[taskID]; ok {
		a.totalBW -= bw
		delete(a.tasks, taskID)
	}
}

// SetCPUs changes the number of CPUs in the domain. Shrinking fails when the
// reserved bandwidth would no longer fit.
func (a *BandwidthAccountant) SetCPUs(cpus int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cpus <= 0 {
		return fmt.Errorf("cpus must be >= 1")
	}
	if cpus < a.cpus && a.overflowLocked(cpus, 0, 0) {
		return fmt.Errorf("shrink to %d cpus: %w", cpus, ErrBandwidthExceeded)
	}
	a.cpus = cpus
	return nil
}

// TaskBW returns the bandwidth reserved by taskID.
func (a *BandwidthAccountant) TaskBW(taskID int) (int64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	bw, ok := a.tasks[taskID]
	return bw, ok
}

func (a *BandwidthAccountant) State() BandwidthState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return BandwidthState{BW: a.bw, TotalBW: a.totalBW, CPUs: a.cpus, Tasks: len(a.tasks)}
}
