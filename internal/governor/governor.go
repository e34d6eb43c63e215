package governor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"hmp-sched/internal/logging"
	"hmp-sched/internal/topology"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Load is the busy report for one CPU. Loads are in microseconds of the
// previous window, scaled to the CPU's max possible frequency.
type Load struct {
	CPU            int
	PrevLoadUS     int64
	NewTaskLoadUS  int64
	EarlyDetection bool
	NotifierSent   bool
	// BusyPct and NewTaskPct are the same loads as a share of the window.
	BusyPct    int
	NewTaskPct int
}

// LoadSource is the busy query exposed by the scheduler core. Querying
// clears the CPUs' notification latches.
type LoadSource interface {
	CPUsBusy(cpus []int) []Load
	WindowSize() time.Duration
}

// FrequencySetter applies a frequency to the domain owning cpu.
type FrequencySetter interface {
	SetFrequency(cpu int, khz uint32) error
}

const DefaultTargetLoadPct = 80

// Governor collects FreqChange and EarlyDetection notifications and, on
// Poll, picks a new frequency for each affected cluster from its busy
// report.
type Governor struct {
	mu      sync.Mutex
	pending idset.IDSet

	topo   *topology.Topology
	source LoadSource
	setter FrequencySetter
	logger logrus.FieldLogger

	// TargetLoadPct is the busy share a cluster should run at after the change.
	TargetLoadPct int

	changes int
}

func New(topo *topology.Topology, source LoadSource, setter FrequencySetter) *Governor {
	return &Governor{
		pending:       idset.NewIDSet(),
		topo:          topo,
		source:        source,
		setter:        setter,
		logger:        logging.GetSchedulerLogger(),
		TargetLoadPct: DefaultTargetLoadPct,
	}
}

func (g *Governor) SetLoadSource(source LoadSource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.source = source
}

func (g *Governor) SetFrequencySetter(setter FrequencySetter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setter = setter
}

func (g *Governor) Notify(ev Event) {
	if ev.Reason == Migration {
		return
	}
	g.mu.Lock()
	g.pending.Add(ev.CPU)
	g.mu.Unlock()
}

// Pending returns the CPUs waiting for a decision.
func (g *Governor) Pending() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending.SortedMembers()
}

// Changes returns how many frequency changes Poll has applied.
func (g *Governor) Changes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changes
}

// Poll evaluates every cluster with a pending CPU. It must not be called
// with scheduler locks held.
func (g *Governor) Poll() (int, error) {
	g.mu.Lock()
	pending := g.pending
	g.pending = idset.NewIDSet()
	source, setter := g.source, g.setter
	g.mu.Unlock()

	if pending.Size() == 0 {
		return 0, nil
	}
	if source == nil || setter == nil {
		return 0, fmt.Errorf("governor is not wired to a load source and frequency setter")
	}

	snap := g.topo.Load()
	var clusters []*topology.Cluster
	seen := make(map[int]bool)
	for _, cpu := range pending.SortedMembers() {
		c := snap.ClusterOf(cpu)
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		clusters = append(clusters, c)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID < clusters[j].ID })

	window := source.WindowSize().Nanoseconds()
	applied := 0
	for _, c := range clusters {
		loads := source.CPUsBusy(c.CPUs.SortedMembers())
		target := g.targetFreq(c, loads, window)
		if target == c.CurFreq {
			continue
		}
		if err := setter.SetFrequency(c.FirstCPU(), target); err != nil {
			return applied, fmt.Errorf("cluster %d: %w", c.ID, err)
		}
		applied++
		g.logger.WithFields(logrus.Fields{
			"cluster":  c.ID,
			"old_freq": c.CurFreq,
			"new_freq": target,
		}).Debug("Governor changed cluster frequency")
	}

	g.mu.Lock()
	g.changes += applied
	g.mu.Unlock()
	return applied, nil
}

// targetFreq maps the busiest CPU of the cluster to the lowest operating
// point that keeps it at TargetLoadPct.
func (g *Governor) targetFreq(c *topology.Cluster, loads []Load, window int64) uint32 {
	var busiest int64
	for _, l := range loads {
		if l.EarlyDetection {
			return c.MaxFreq
		}
		busiest = max(busiest, l.PrevLoadUS*int64(time.Microsecond))
	}
	pct := g.TargetLoadPct
	if pct <= 0 || pct > 100 {
		pct = DefaultTargetLoadPct
	}
	if window <= 0 {
		return c.CurFreq
	}
	want := busiest * int64(c.MaxPossibleFreq) * 100 / (window * int64(pct))

	freq := uint32(min(want, int64(c.MaxFreq)))
	for _, p := range c.Power {
		if int64(p.Freq) >= want {
			freq = p.Freq
			break
		}
	}
	freq = min(max(freq, c.MinFreq), c.MaxFreq)
	if freq == 0 {
		freq = c.MaxFreq
	}
	return freq
}
