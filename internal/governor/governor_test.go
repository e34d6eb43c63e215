package governor

import (
	"sync"
	"testing"
	"time"

	"hmp-sched/internal/topology"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	loads   map[int]Load
	queried [][]int
}

func (f *fakeSource) CPUsBusy(cpus []int) []Load {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, append([]int(nil), cpus...))
	out := make([]Load, 0, len(cpus))
	for _, cpu := range cpus {
		l := f.loads[cpu]
		l.CPU = cpu
		out = append(out, l)
	}
	return out
}

func (f *fakeSource) WindowSize() time.Duration { return 10 * time.Millisecond }

type topoSetter struct {
	topo *topology.Topology
	set  []uint32
}

func (s *topoSetter) SetFrequency(cpu int, khz uint32) error {
	s.set = append(s.set, khz)
	_, _, err := s.topo.SetClusterFrequency(cpu, khz)
	return err
}

func newTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.New([]topology.ClusterSpec{
		{
			Name: "little", CPUs: idset.NewIDSet(0, 1), Efficiency: 1024,
			MinFreq: 500000, MaxFreq: 2000000, CurFreq: 1000000,
			Power: []topology.PowerPoint{{Freq: 500000, Power: 50}, {Freq: 1000000, Power: 100}, {Freq: 2000000, Power: 300}},
		},
		{
			Name: "big", CPUs: idset.NewIDSet(2, 3), Efficiency: 2048,
			MinFreq: 500000, MaxFreq: 2000000, CurFreq: 2000000,
			Power: []topology.PowerPoint{{Freq: 1000000, Power: 400}, {Freq: 2000000, Power: 900}},
		},
	})
	require.NoError(t, err)
	return topo
}

func TestGovernor_RaisesFrequencyForBusyCluster(t *testing.T) {
	topo := newTopology(t)
	src := &fakeSource{loads: map[int]Load{1: {PrevLoadUS: 8000}}}
	setter := &topoSetter{topo: topo}
	g := New(topo, src, setter)

	g.Notify(Event{CPU: 1, Reason: FreqChange})
	g.Notify(Event{CPU: 0, Reason: FreqChange})
	assert.Equal(t, []int{0, 1}, g.Pending())

	n, err := g.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint32{2000000}, setter.set)
	assert.Equal(t, uint32(2000000), topo.Load().ClusterOf(0).CurFreq)
	require.Len(t, src.queried, 1, "one busy query per cluster")
	assert.Equal(t, []int{0, 1}, src.queried[0])
	assert.Empty(t, g.Pending())
	assert.Equal(t, 1, g.Changes())
}

func TestGovernor_LowersToCheapestSufficientPoint(t *testing.T) {
	topo := newTopology(t)
	src := &fakeSource{loads: map[int]Load{2: {PrevLoadUS: 1000}}}
	setter := &topoSetter{topo: topo}
	g := New(topo, src, setter)

	g.Notify(Event{CPU: 2, Reason: FreqChange})
	_, err := g.Poll()
	require.NoError(t, err)
	// 1ms of 10ms at 80% target needs 250MHz; the lowest point is 1GHz
	assert.Equal(t, uint32(1000000), topo.Load().ClusterOf(2).CurFreq)
}

func TestGovernor_EarlyDetectionGoesToMax(t *testing.T) {
	topo := newTopology(t)
	src := &fakeSource{loads: map[int]Load{0: {EarlyDetection: true}}}
	setter := &topoSetter{topo: topo}
	g := New(topo, src, setter)

	g.Notify(Event{CPU: 0, Reason: EarlyDetection})
	_, err := g.Poll()
	require.NoError(t, err)
	assert.Equal(t, uint32(2000000), topo.Load().ClusterOf(0).CurFreq)
}

func TestGovernor_IgnoresMigrationAndUnwired(t *testing.T) {
	topo := newTopology(t)
	g := New(topo, nil, nil)

	g.Notify(Event{CPU: 0, Reason: Migration})
	n, err := g.Poll()
	require.NoError(t, err)
	assert.Zero(t, n)

	g.Notify(Event{CPU: 0, Reason: FreqChange})
	_, err = g.Poll()
	assert.Error(t, err)
}

func TestChain_SubscribeAndUnsubscribe(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	chain := NewChain(first)
	unsubscribe := chain.Subscribe(second)

	chain.Notify(Event{CPU: 1, Reason: FreqChange})
	unsubscribe()
	chain.Notify(Event{CPU: 2, Reason: EarlyDetection})

	assert.Len(t, first.Events(), 2)
	assert.Len(t, second.Events(), 1)
	assert.Equal(t, 1, first.Count(EarlyDetection))

	first.Reset()
	assert.Empty(t, first.Events())
}

func TestReasonString(t *testing.T) {
	assert.Equal(t, "freq_change", FreqChange.String())
	assert.Equal(t, "migration", Migration.String())
	assert.Equal(t, "unknown", Reason(42).String())

	var got Event
	NotifierFunc(func(ev Event) { got = ev }).Notify(Event{CPU: 3})
	assert.Equal(t, 3, got.CPU)
	LogNotifier{}.Notify(Event{Reason: Migration, Src: 1, Dst: 2})
}
