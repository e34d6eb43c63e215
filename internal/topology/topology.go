// Package topology models CPUs grouped into clusters that share a frequency
// domain. The cluster list is published as an immutable Snapshot; writers
// build a new snapshot and swap it in, readers call Load and never see a
// partially built list.
package topology

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"hmp-sched/internal/logging"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

// CapacityScale is the fixed-point base for capacity and load scale factors.
const CapacityScale = 1024

type PowerPoint struct {
	Freq  uint32 // kHz
	Power uint32
}

// ClusterSpec is the writer-side description of a cluster.
type ClusterSpec struct {
	Name            string
	CPUs            idset.IDSet
	Node            int
	Efficiency      uint32
	MinFreq         uint32
	MaxFreq         uint32
	CurFreq         uint32
	MaxPossibleFreq uint32
	Power           []PowerPoint
}

func (s ClusterSpec) clone() ClusterSpec {
	out := s
	out.CPUs = s.CPUs.Clone()
	out.Power = append([]PowerPoint(nil), s.Power...)
	return out
}

// FreqLoad is the capacity a cluster delivers at one operating point.
type FreqLoad struct {
	Freq    uint32
	MaxLoad int64
}

// Cluster is a published, read-only view of one frequency domain.
type Cluster struct {
	ID              int
	Name            string
	CPUs            idset.IDSet
	Node            int
	Efficiency      uint32
	MinFreq         uint32
	MaxFreq         uint32
	CurFreq         uint32
	MaxPossibleFreq uint32
	Power           []PowerPoint

	Capacity            int64
	MaxPossibleCapacity int64
	LoadScaleFactor     int64
	MinPowerCost        uint32
	MaxPowerCost        uint32
	FreqMaxLoad         []FreqLoad
}

func (c *Cluster) FirstCPU() int {
	members := c.CPUs.SortedMembers()
	if len(members) == 0 {
		return -1
	}
	return members[0]
}

// Snapshot is one immutable version of the cluster list.
type Snapshot struct {
	Version  uint64
	Clusters []*Cluster
	SyncCPU  int

	MaxPossibleEfficiency  uint32
	MinPossibleEfficiency  uint32
	MaxPossibleFreq        uint32
	MinMaxFreq             uint32
	MaxCapacity            int64
	MinCapacity            int64
	MaxPossibleCapacity    int64
	MinMaxPossibleCapacity int64

	byCPU map[int]*Cluster
	all   idset.IDSet
	specs []ClusterSpec
}

// ClusterOf returns the cluster owning cpu, or nil.
func (s *Snapshot) ClusterOf(cpu int) *Cluster {
	return s.byCPU[cpu]
}

// CPUs returns every CPU known to the snapshot.
func (s *Snapshot) CPUs() idset.IDSet {
	return s.all.Clone()
}

// Specs returns a deep copy of the specs the snapshot was built from.
func (s *Snapshot) Specs() []ClusterSpec {
	out := make([]ClusterSpec, len(s.specs))
	for i, spec := range s.specs {
		out[i] = spec.clone()
	}
	return out
}

// SameFreqDomain reports whether two CPUs belong to the same cluster.
func (s *Snapshot) SameFreqDomain(a, b int) bool {
	ca, cb := s.byCPU[a], s.byCPU[b]
	return ca != nil && ca == cb
}

type Topology struct {
	// mu serializes writers; readers go through cur.
	mu     sync.Mutex
	cur    atomic.Pointer[Snapshot]
	logger logrus.FieldLogger
}

func New(specs []ClusterSpec) (*Topology, error) {
	t := &Topology{logger: logging.GetSchedulerLogger()}
	snap, err := build(specs, 1, -1)
	if err != nil {
		return nil, err
	}
	t.cur.Store(snap)
	return t, nil
}

// Load returns the current snapshot. Callers must not hold on to it across
// a scheduling point; re-fetch instead.
func (t *Topology) Load() *Snapshot {
	return t.cur.Load()
}

// Rebuild replaces the whole cluster list.
func (t *Topology) Rebuild(specs []ClusterSpec) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.cur.Load()
	snap, err := build(specs, old.Version+1, old.SyncCPU)
	if err != nil {
		return nil, err
	}
	t.cur.Store(snap)
	t.logger.WithFields(logrus.Fields{
		"version":  snap.Version,
		"clusters": len(snap.Clusters),
	}).Info("Topology rebuilt")
	return snap, nil
}

// SetClusterFrequency records a frequency transition for the cluster that
// owns cpu. It reports false when the frequency did not change.
func (t *Topology) SetClusterFrequency(cpu int, freq uint32) (*Snapshot, bool, error) {
	if freq == 0 {
		return nil, false, fmt.Errorf("frequency must be greater than 0")
	}
	return t.update(cpu, func(spec *ClusterSpec) bool {
		if spec.CurFreq == freq {
			return false
		}
		spec.CurFreq = freq
		return true
	})
}

// SetFrequencyLimits applies a new policy min/max to the cluster owning cpu.
func (t *Topology) SetFrequencyLimits(cpu int, minFreq, maxFreq uint32) (*Snapshot, bool, error) {
	if maxFreq == 0 || minFreq > maxFreq {
		return nil, false, fmt.Errorf("invalid frequency limits %d-%d", minFreq, maxFreq)
	}
	return t.update(cpu, func(spec *ClusterSpec) bool {
		if spec.MinFreq == minFreq && spec.MaxFreq == maxFreq {
			return false
		}
		spec.MinFreq, spec.MaxFreq = minFreq, maxFreq
		if spec.MaxPossibleFreq < maxFreq {
			spec.MaxPossibleFreq = maxFreq
		}
		if spec.CurFreq > maxFreq {
			spec.CurFreq = maxFreq
		}
		if spec.CurFreq < minFreq {
			spec.CurFreq = minFreq
		}
		return true
	})
}

// SetSyncCPU moves the window synchronization role to cpu.
func (t *Topology) SetSyncCPU(cpu int) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.cur.Load()
	if old.byCPU[cpu] == nil {
		return nil, fmt.Errorf("cpu %d is not part of the topology", cpu)
	}
	if old.SyncCPU == cpu {
		return old, nil
	}
	snap, err := build(old.specs, old.Version+1, cpu)
	if err != nil {
		return nil, err
	}
	t.cur.Store(snap)
	return snap, nil
}

func (t *Topology) update(cpu int, mutate func(*ClusterSpec) bool) (*Snapshot, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.cur.Load()
	specs := old.Specs()
	idx := -1
	for i := range specs {
		if specs[i].CPUs.Has(cpu) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false, fmt.Errorf("cpu %d is not part of the topology", cpu)
	}
	if !mutate(&specs[idx]) {
		return old, false, nil
	}
	snap, err := build(specs, old.Version+1, old.SyncCPU)
	if err != nil {
		return nil, false, err
	}
	t.cur.Store(snap)
	return snap, true, nil
}

func build(in []ClusterSpec, version uint64, syncCPU int) (*Snapshot, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("at least one cluster is required")
	}
	specs := make([]ClusterSpec, len(in))
	owner := make(map[int]int)
	for i, s := range in {
		if s.CPUs == nil || s.CPUs.Size() == 0 {
			return nil, fmt.Errorf("cluster %d has no cpus", i)
		}
		for _, cpu := range s.CPUs.Members() {
			if prev, ok := owner[cpu]; ok {
				return nil, fmt.Errorf("cpu %d belongs to clusters %d and %d", cpu, prev, i)
			}
			owner[cpu] = i
		}
		if s.MaxFreq == 0 {
			return nil, fmt.Errorf("cluster %d: max frequency is required", i)
		}
		spec := s.clone()
		if spec.Efficiency == 0 {
			spec.Efficiency = CapacityScale
		}
		if spec.MaxPossibleFreq < spec.MaxFreq {
			spec.MaxPossibleFreq = spec.MaxFreq
		}
		if spec.CurFreq == 0 {
			spec.CurFreq = spec.MaxFreq
		}
		sort.Slice(spec.Power, func(a, b int) bool { return spec.Power[a].Freq < spec.Power[b].Freq })
		specs[i] = spec
	}

	snap := &Snapshot{
		Version:               version,
		MinPossibleEfficiency: math.MaxUint32,
		MinMaxFreq:            math.MaxUint32,
		byCPU:                 make(map[int]*Cluster),
		all:                   idset.NewIDSet(),
		specs:                 specs,
	}
	for _, s := range specs {
		snap.MaxPossibleEfficiency = max(snap.MaxPossibleEfficiency, s.Efficiency)
		snap.MinPossibleEfficiency = min(snap.MinPossibleEfficiency, s.Efficiency)
		snap.MaxPossibleFreq = max(snap.MaxPossibleFreq, s.MaxPossibleFreq)
		snap.MinMaxFreq = min(snap.MinMaxFreq, s.MaxPossibleFreq)
	}

	clusters := make([]*Cluster, 0, len(specs))
	for _, s := range specs {
		c := &Cluster{
			Name:            s.Name,
			CPUs:            s.CPUs.Clone(),
			Node:            s.Node,
			Efficiency:      s.Efficiency,
			MinFreq:         s.MinFreq,
			MaxFreq:         s.MaxFreq,
			CurFreq:         s.CurFreq,
			MaxPossibleFreq: s.MaxPossibleFreq,
			Power:           append([]PowerPoint(nil), s.Power...),
		}
		c.Capacity = snap.capacityAt(c, c.CurFreq)
		c.MaxPossibleCapacity = snap.capacityAt(c, c.MaxPossibleFreq)
		c.LoadScaleFactor = snap.loadScaleFactor(c)
		c.MinPowerCost = PowerCost(c, 0)
		c.MaxPowerCost = PowerCost(c, c.MaxFreq)
		for _, p := range c.Power {
			c.FreqMaxLoad = append(c.FreqMaxLoad, FreqLoad{Freq: p.Freq, MaxLoad: snap.capacityAt(c, p.Freq)})
		}
		clusters = append(clusters, c)
	}

	sort.SliceStable(clusters, func(a, b int) bool {
		ca, cb := clusters[a], clusters[b]
		if ca.MaxPowerCost != cb.MaxPowerCost {
			return ca.MaxPowerCost < cb.MaxPowerCost
		}
		return ca.MaxPossibleCapacity > cb.MaxPossibleCapacity
	})

	snap.MinCapacity = math.MaxInt64
	snap.MinMaxPossibleCapacity = math.MaxInt64
	lowest := math.MaxInt
	for id, c := range clusters {
		c.ID = id
		for _, cpu := range c.CPUs.Members() {
			snap.byCPU[cpu] = c
			snap.all.Add(cpu)
			lowest = min(lowest, cpu)
		}
		snap.MaxCapacity = max(snap.MaxCapacity, c.Capacity)
		snap.MinCapacity = min(snap.MinCapacity, c.Capacity)
		snap.MaxPossibleCapacity = max(snap.MaxPossibleCapacity, c.MaxPossibleCapacity)
		snap.MinMaxPossibleCapacity = min(snap.MinMaxPossibleCapacity, c.MaxPossibleCapacity)
	}
	snap.Clusters = clusters

	if snap.byCPU[syncCPU] == nil {
		syncCPU = lowest
	}
	snap.SyncCPU = syncCPU
	return snap, nil
}

// capacityAt is 1024 scaled by efficiency relative to the least efficient
// cluster and by freq relative to the smallest max frequency.
func (s *Snapshot) capacityAt(c *Cluster, freq uint32) int64 {
	capacity := int64(CapacityScale)
	capacity *= int64(CapacityScale) * int64(c.Efficiency) / int64(s.MinPossibleEfficiency)
	capacity >>= 10
	capacity *= int64(CapacityScale) * int64(freq) / int64(s.MinMaxFreq)
	capacity >>= 10
	return capacity
}

func (s *Snapshot) loadScaleFactor(c *Cluster) int64 {
	lsf := int64(CapacityScale)
	lsf *= divRoundUp(int64(CapacityScale)*int64(s.MaxPossibleEfficiency), int64(c.Efficiency))
	lsf >>= 10
	lsf *= divRoundUp(int64(CapacityScale)*int64(s.MaxPossibleFreq), int64(c.MaxFreq))
	lsf >>= 10
	return lsf
}

// ScaleLoadToCPU converts a load measured against the fastest cluster into
// the load it represents on cpu.
func (s *Snapshot) ScaleLoadToCPU(load int64, cpu int) int64 {
	c := s.byCPU[cpu]
	if c == nil {
		return load
	}
	return load * c.LoadScaleFactor / CapacityScale
}

// PowerCost returns the power of the lowest operating point that reaches
// freq, or the highest point when none does. Clusters without a power table
// cost 1.
func PowerCost(c *Cluster, freq uint32) uint32 {
	if len(c.Power) == 0 {
		return 1
	}
	for _, p := range c.Power {
		if p.Freq >= freq {
			return p.Power
		}
	}
	return c.Power[len(c.Power)-1].Power
}

func divRoundUp(n, d int64) int64 {
	return (n + d - 1) / d
}
