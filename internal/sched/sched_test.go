package sched

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"hmp-sched/internal/clock"
	"hmp-sched/internal/governor"
	"hmp-sched/internal/topology"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const ms = int64(time.Millisecond)

// oneCluster is n identical cpus running at their maximum frequency, so
// scaled time equals wall time.
func oneCluster(n int) []topology.ClusterSpec {
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return []topology.ClusterSpec{{
		Name:       "big",
		CPUs:       idset.NewIDSet(cpus...),
		Efficiency: 1024,
		MinFreq:    500000,
		MaxFreq:    2000000,
		CurFreq:    2000000,
	}}
}

// twoClusters is a fast cluster A on cpus 0-1 with capacity 1024 and a
// cheaper cluster B on cpus 2-3 running at half speed, capacity 512.
func twoClusters() []topology.ClusterSpec {
	return []topology.ClusterSpec{
		{
			Name:       "A",
			CPUs:       idset.NewIDSet(0, 1),
			Efficiency: 1024,
			MinFreq:    500000,
			MaxFreq:    2000000,
			CurFreq:    2000000,
			Power:      []topology.PowerPoint{{Freq: 1000000, Power: 400}, {Freq: 2000000, Power: 900}},
		},
		{
			Name:       "B",
			CPUs:       idset.NewIDSet(2, 3),
			Efficiency: 1024,
			MinFreq:    500000,
			MaxFreq:    2000000,
			CurFreq:    1000000,
			Power:      []topology.PowerPoint{{Freq: 1000000, Power: 100}, {Freq: 2000000, Power: 300}},
		},
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (r *recordingSink) Record(ev TraceEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) count(kind TraceKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	s    *Scheduler
	clk  *clock.Manual
	rec  *governor.Recorder
	sink *recordingSink
}

// newHarness builds a scheduler on a manual clock starting at 1s and
// ticks every cpu once so all windows are running.
func newHarness(t *testing.T, specs []topology.ClusterSpec, tune func(*Tunables)) *harness {
	t.Helper()
	topo, err := topology.New(specs)
	require.NoError(t, err)

	tun := DefaultTunables()
	if tune != nil {
		tune(&tun)
	}
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	h := &harness{
		clk:  clock.NewManual(int64(time.Second)),
		rec:  &governor.Recorder{},
		sink: &recordingSink{},
	}
	h.s, err = New(Options{
		Topology:    topo,
		Clock:       clock.New(h.clk),
		Tunables:    &tun,
		Notifier:    h.rec,
		Sink:        h.sink,
		Logger:      quiet,
		SchedLogger: quiet,
	})
	require.NoError(t, err)
	for _, cpu := range h.s.CPUs() {
		require.NoError(t, h.s.Tick(cpu))
	}
	return h
}

func (h *harness) spawn(t *testing.T, spec TaskSpec) *Task {
	t.Helper()
	p, err := h.s.Spawn(spec)
	require.NoError(t, err)
	return p
}

// run schedules cpu and checks that p ends up running there.
func (h *harness) run(t *testing.T, cpu int, p *Task) {
	t.Helper()
	require.NoError(t, h.s.Schedule(cpu))
	require.Same(t, p, h.s.Current(cpu))
	require.Equal(t, StateRunning, p.State())
}

func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
}

func (h *harness) stats(t *testing.T, cpu int) RunQueueStats {
	t.Helper()
	st, err := h.s.RunQueueStats(cpu)
	require.NoError(t, err)
	return st
}

// requireFatal runs f and checks that it panics with the given invariant.
func requireFatal(t *testing.T, kind string, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected a %q panic", kind)
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		var inv *InvariantError
		require.True(t, errors.As(err, &inv))
		require.Equal(t, kind, inv.Kind)
	}()
	f()
}

var root = Credentials{Privileged: true}
