package sched

import (
	"hmp-sched/internal/topology"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

// FallbackStep is the stage of the fallback chain that found a cpu for a
// task whose own choice was unusable.
type FallbackStep int

const (
	FallbackNode FallbackStep = iota
	FallbackAllowed
	FallbackCpuset
	FallbackPossible

	fallbackSteps
)

func (f FallbackStep) String() string {
	switch f {
	case FallbackNode:
		return "node"
	case FallbackAllowed:
		return "allowed"
	case FallbackCpuset:
		return "cpuset"
	case FallbackPossible:
		return "possible"
	default:
		return "unknown"
	}
}

// FallbackStats counts how often each fallback step placed a task.
type FallbackStats struct {
	Node     uint64
	Allowed  uint64
	Cpuset   uint64
	Possible uint64
}

func (s *Scheduler) FallbackStats() FallbackStats {
	return FallbackStats{
		Node:     s.fallbacks[FallbackNode].Load(),
		Allowed:  s.fallbacks[FallbackAllowed].Load(),
		Cpuset:   s.fallbacks[FallbackCpuset].Load(),
		Possible: s.fallbacks[FallbackPossible].Load(),
	}
}

// cpuUsable reports whether tasks may be placed on cpu.
func (s *Scheduler) cpuUsable(cpu int) bool {
	if cpu < 0 || cpu >= len(s.rqs) || !s.possible.Has(cpu) {
		return false
	}
	rq := s.rqs[cpu]
	return rq.online.Load() && rq.active.Load()
}

// selectTaskRQ asks p's class for a cpu and falls back when the answer is
// outside p's mask or not usable. p.mu is held.
func (s *Scheduler) selectTaskRQ(p *Task, cpu int, sd SDFlags, flags WakeFlags) int {
	cpu = p.class.SelectTaskRQ(p, cpu, sd, flags)
	if !p.cpusAllowed().Has(cpu) || !s.cpuUsable(cpu) {
		cpu = s.selectFallbackRQ(p.CPU(), p)
	}
	return cpu
}

// selectFallbackRQ finds a usable cpu for p, widening its mask to its
// cpuset and then to every possible cpu when nothing it allows is usable.
// p.mu is held.
func (s *Scheduler) selectFallbackRQ(cpu int, p *Task) int {
	snap := s.topo.Load()
	allowed := p.cpusAllowed()

	if c := snap.ClusterOf(cpu); c != nil {
		for _, cand := range nodeCPUs(snap, c.Node) {
			if allowed.Has(cand) && s.cpuUsable(cand) {
				s.countFallback(FallbackNode, p, cpu, cand)
				return cand
			}
		}
	}

	step := FallbackAllowed
	for {
		for _, cand := range allowed.SortedMembers() {
			if s.cpuUsable(cand) {
				s.countFallback(step, p, cpu, cand)
				return cand
			}
		}
		switch step {
		case FallbackAllowed:
			p.setCPUsAllowed(s.cpusets.CPUsForTask(p.ID))
			step = FallbackCpuset
		case FallbackCpuset:
			p.setCPUsAllowed(s.possible)
			step = FallbackPossible
		default:
			s.fatal(FatalFallbackExhausted, s.rqs[cpu], p, nil)
		}
		allowed = p.cpusAllowed()
	}
}

// nodeCPUs lists the cpus of every cluster on node, in id order.
func nodeCPUs(snap *topology.Snapshot, node int) []int {
	set := idset.NewIDSet()
	for _, c := range snap.Clusters {
		if c.Node == node {
			set.Add(c.CPUs.Members()...)
		}
	}
	return set.SortedMembers()
}

func (s *Scheduler) countFallback(step FallbackStep, p *Task, from, to int) {
	s.fallbacks[step].Add(1)
	log := s.schedLogger.WithFields(taskLogFields(p)).WithFields(logrus.Fields{
		"step":     step.String(),
		"from_cpu": from,
		"to_cpu":   to,
	})
	if step >= FallbackCpuset {
		log.Warn("Task is no longer affine to its cpus")
	} else {
		log.Debug("Fallback placement")
	}
	ev := newTrace(TraceFallback, to, p.ID, s.clock.Now(), step.String())
	ev.Src, ev.Dst = from, to
	s.trace(ev)
}

func (s *Scheduler) fitParams() topology.FitParams {
	t := s.tun()
	return topology.FitParams{
		Window:         t.window(),
		UpmigratePct:   t.GroupUpmigratePct,
		DownmigratePct: t.GroupDownmigratePct,
	}
}

// preferredClusterOf resolves g's preferred cluster in snap.
func preferredClusterOf(snap *topology.Snapshot, g *Group) *topology.Cluster {
	first := g.preferred.Load()
	if first < 0 {
		return nil
	}
	return snap.ClusterOf(int(first))
}

// selectBestCPU places a fair task: the least loaded allowed cpu of its
// group's preferred cluster, or of the cheapest cluster its own demand
// fits, then of any allowed cpu.
func (s *Scheduler) selectBestCPU(p *Task, prevCPU int) int {
	snap := s.topo.Load()
	allowed := p.cpusAllowed()

	var target *topology.Cluster
	if g := p.grp.Load(); g != nil {
		target = preferredClusterOf(snap, g)
	}
	if target == nil {
		target = snap.BestCluster(snap.ClusterOf(prevCPU), p.Demand(), s.fitParams())
	}
	if target != nil {
		if cpu := s.leastLoadedCPU(allowed, target.CPUs, prevCPU); cpu >= 0 {
			return cpu
		}
	}
	if cpu := s.leastLoadedCPU(allowed, allowed, prevCPU); cpu >= 0 {
		return cpu
	}
	return prevCPU
}

// leastLoadedCPU picks among the usable candidates in allowed: idle cpus
// first, then the lowest cumulative demand, then the fewest runnable tasks.
// prevCPU wins ties. It returns -1 when no candidate is usable.
func (s *Scheduler) leastLoadedCPU(allowed, candidates idset.IDSet, prevCPU int) int {
	best := -1
	var bestIdle bool
	var bestLoad int64
	var bestNr int32
	for _, cpu := range candidates.SortedMembers() {
		if !allowed.Has(cpu) || !s.cpuUsable(cpu) {
			continue
		}
		rq := s.rqs[cpu]
		nr := rq.nrRunning.Load()
		idle := nr == 0
		load := rq.cumulativeRunnableAvg.Load()
		if best >= 0 {
			switch {
			case idle != bestIdle:
				if !idle {
					continue
				}
			case load != bestLoad:
				if load > bestLoad {
					continue
				}
			case nr != bestNr:
				if nr > bestNr {
					continue
				}
			default:
				if cpu != prevCPU {
					continue
				}
			}
		}
		best, bestIdle, bestLoad, bestNr = cpu, idle, load, nr
	}
	return best
}
