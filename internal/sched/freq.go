package sched

import (
	"fmt"
	"time"

	"hmp-sched/internal/governor"

	"github.com/sirupsen/logrus"
)

// WindowSize returns the current demand window.
func (s *Scheduler) WindowSize() time.Duration {
	return s.tun().Window
}

func scaleLoadToFreq(load int64, src, dst uint32) int64 {
	if dst == 0 {
		return load
	}
	return load * int64(src) / int64(dst)
}

// loadToFreq is the frequency at which rq's cpu would be fully busy with
// load. rq's lock must be held.
func (s *Scheduler) loadToFreq(rq *RunQueue, load int64) int64 {
	snap := s.topo.Load()
	c := snap.ClusterOf(rq.cpu)
	if c == nil {
		return 0
	}
	load = snap.ScaleLoadToCPU(load, rq.cpu)
	load = load * 128 / s.tun().window()
	return load * int64(c.MaxPossibleFreq) / 128
}

func (s *Scheduler) nearlySameFreq(cur, required int64) bool {
	t := s.tun()
	if required > cur {
		return required-cur < t.FreqIncNotifyKHz
	}
	return cur-required < t.FreqDecNotifyKHz
}

// checkForFreqChange notifies the governor once when rq's load-implied
// frequency leaves the band around the value it last reported. The latch
// stays set until the next busy query.
func (s *Scheduler) checkForFreqChange(rq *RunQueue) {
	rq.lock()
	if rq.notifierSent || s.statsDisabled.Load() {
		rq.unlock()
		return
	}
	cur := s.loadToFreq(rq, rq.oldBusyTime)
	required := s.loadToFreq(rq, rq.prevRunnableSum)
	if s.nearlySameFreq(cur, required) {
		rq.unlock()
		return
	}
	rq.notifierSent = true
	ev := governor.Event{
		CPU:     rq.cpu,
		Reason:  governor.FreqChange,
		OldLoad: rq.oldBusyTime,
		NewLoad: rq.prevRunnableSum,
		At:      s.clock.Now(),
	}
	rq.unlock()

	s.schedLogger.WithFields(logrus.Fields{
		"cpu":       ev.CPU,
		"old_load":  ev.OldLoad,
		"new_load":  ev.NewLoad,
		"cur_freq":  cur,
		"want_freq": required,
	}).Debug("Frequency alert")
	s.notify(ev)
	s.trace(newTrace(TraceFreqAlert, ev.CPU, -1, ev.At, fmt.Sprintf("%d->%d", cur, required)))
}

// CPUsBusy reports the previous window's busy time of each cpu and clears
// their notification latches.
func (s *Scheduler) CPUsBusy(cpus []int) []governor.Load {
	var rqs []*RunQueue
	for _, cpu := range cpus {
		if cpu >= 0 && cpu < len(s.rqs) {
			rqs = append(rqs, s.rqs[cpu])
		}
	}
	if len(rqs) == 0 {
		return nil
	}

	type sample struct {
		load, nload  int64
		notifierSent bool
		early        bool
		cur, max     uint32
		maxPossible  uint32
	}
	samples := make(map[int]sample, len(rqs))

	locked := lockRQs(rqs)
	t := s.tun()
	window := t.window()
	snap := s.topo.Load()
	wallclock := s.clock.Now()
	for _, rq := range locked {
		s.updateTaskRavg(rq.curr, rq, eventTaskUpdate, wallclock, 0)
		rq.oldBusyTime = rq.prevRunnableSum
		smp := sample{
			load:         snap.ScaleLoadToCPU(rq.prevRunnableSum, rq.cpu),
			nload:        snap.ScaleLoadToCPU(rq.ntPrevRunnableSum, rq.cpu),
			notifierSent: rq.notifierSent,
			early:        rq.edTask != nil,
		}
		if c := snap.ClusterOf(rq.cpu); c != nil {
			smp.cur, smp.max, smp.maxPossible = c.CurFreq, c.MaxFreq, c.MaxPossibleFreq
		}
		rq.notifierSent = false
		samples[rq.cpu] = smp
	}
	unlockRQs(locked)

	out := make([]governor.Load, 0, len(rqs))
	for _, rq := range rqs {
		smp := samples[rq.cpu]
		l := governor.Load{CPU: rq.cpu, EarlyDetection: smp.early, NotifierSent: smp.notifierSent}
		if smp.early {
			l.PrevLoadUS = window / int64(time.Microsecond)
			l.BusyPct = 100
			out = append(out, l)
			continue
		}
		load, nload := smp.load, smp.nload
		if !smp.notifierSent {
			load = min(scaleLoadToFreq(load, smp.max, smp.cur), window)
			nload = min(scaleLoadToFreq(nload, smp.max, smp.cur), window)
			load = scaleLoadToFreq(load, smp.cur, smp.maxPossible)
			nload = scaleLoadToFreq(nload, smp.cur, smp.maxPossible)
		} else {
			load = scaleLoadToFreq(load, smp.max, smp.maxPossible)
			nload = scaleLoadToFreq(nload, smp.max, smp.maxPossible)
		}
		l.PrevLoadUS = load / int64(time.Microsecond)
		l.NewTaskLoadUS = nload / int64(time.Microsecond)
		l.BusyPct = int(load * 100 / window)
		l.NewTaskPct = int(nload * 100 / window)
		out = append(out, l)
	}
	return out
}

// SetFrequency records a frequency transition of the cluster owning cpu.
// Time up to now is accounted at the old frequency.
func (s *Scheduler) SetFrequency(cpu int, khz uint32) error {
	if _, err := s.rq(cpu); err != nil {
		return err
	}
	if khz == 0 {
		return fmt.Errorf("cpu %d: frequency must be non-zero", cpu)
	}
	c := s.topo.Load().ClusterOf(cpu)
	if c == nil {
		return fmt.Errorf("%w: cpu %d has no cluster", ErrNoSuchCPU, cpu)
	}
	if c.CurFreq == khz {
		return nil
	}
	var rqs []*RunQueue
	for _, member := range c.CPUs.SortedMembers() {
		if member < len(s.rqs) {
			rqs = append(rqs, s.rqs[member])
		}
	}
	locked := lockRQs(rqs)
	wallclock := s.clock.Now()
	for _, rq := range locked {
		s.updateTaskRavg(rq.curr, rq, eventTaskUpdate, wallclock, 0)
	}
	_, changed, err := s.topo.SetClusterFrequency(cpu, khz)
	unlockRQs(locked)
	if err != nil {
		return fmt.Errorf("set frequency of cpu %d: %w", cpu, err)
	}
	if changed {
		s.schedLogger.WithFields(logrus.Fields{
			"cluster":  c.Name,
			"old_freq": c.CurFreq,
			"new_freq": khz,
		}).Debug("Cluster frequency changed")
		s.trace(newTrace(TraceFreqChange, cpu, -1, wallclock, fmt.Sprintf("%d->%d", c.CurFreq, khz)))
	}
	return nil
}
