package topology

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoClusters returns a fast cluster A at full frequency and a cluster B
// with the same hardware running at half speed but cheaper power.
func twoClusters() []ClusterSpec {
	return []ClusterSpec{
		{
			Name:       "A",
			CPUs:       idset.NewIDSet(0, 1),
			Efficiency: 1024,
			MinFreq:    500000,
			MaxFreq:    2000000,
			CurFreq:    2000000,
			Power:      []PowerPoint{{Freq: 1000000, Power: 400}, {Freq: 2000000, Power: 900}},
		},
		{
			Name:       "B",
			CPUs:       idset.NewIDSet(2, 3),
			Efficiency: 1024,
			MinFreq:    500000,
			MaxFreq:    2000000,
			CurFreq:    1000000,
			Power:      []PowerPoint{{Freq: 1000000, Power: 100}, {Freq: 2000000, Power: 300}},
		},
	}
}

func TestBuild_CapacityAndOrder(t *testing.T) {
	topo, err := New(twoClusters())
	require.NoError(t, err)
	snap := topo.Load()

	require.Len(t, snap.Clusters, 2)
	assert.Equal(t, "B", snap.Clusters[0].Name, "cheaper cluster sorts first")
	assert.Equal(t, 0, snap.Clusters[0].ID)
	assert.Equal(t, "A", snap.Clusters[1].Name)

	a, b := snap.Clusters[1], snap.Clusters[0]
	assert.Equal(t, int64(1024), a.Capacity)
	assert.Equal(t, int64(512), b.Capacity)
	assert.Equal(t, int64(1024), b.MaxPossibleCapacity)
	assert.Equal(t, int64(1024), snap.MaxCapacity)
	assert.Equal(t, int64(512), snap.MinCapacity)
	assert.Equal(t, uint32(300), b.MaxPowerCost)
	assert.Equal(t, uint32(100), b.MinPowerCost)
	assert.Equal(t, int64(1024), a.LoadScaleFactor)

	assert.Same(t, b, snap.ClusterOf(3))
	assert.True(t, snap.SameFreqDomain(0, 1))
	assert.False(t, snap.SameFreqDomain(1, 2))
	assert.Equal(t, 0, snap.SyncCPU)
	assert.Equal(t, 4, snap.CPUs().Size())
}

func TestBuild_TieBreakOnMaxPossibleCapacity(t *testing.T) {
	specs := twoClusters()
	specs[0].Power = nil
	specs[1].Power = nil
	specs[1].Efficiency = 2048

	topo, err := New(specs)
	require.NoError(t, err)
	snap := topo.Load()

	assert.Equal(t, "B", snap.Clusters[0].Name, "equal power cost sorts larger capacity first")
	assert.Equal(t, int64(2048), snap.Clusters[0].MaxPossibleCapacity)
}

func TestBuild_RejectsOverlap(t *testing.T) {
	specs := twoClusters()
	specs[1].CPUs.Add(1)
	_, err := New(specs)
	require.Error(t, err)
}

func TestBestCluster_PrefersCheapestFit(t *testing.T) {
	topo, err := New(twoClusters())
	require.NoError(t, err)
	snap := topo.Load()
	params := FitParams{Window: 1000, UpmigratePct: 100, DownmigratePct: 95}

	best := snap.BestCluster(nil, 600, params)
	require.NotNil(t, best)
	assert.Equal(t, "A", best.Name, "600/1000 on half capacity does not fit B")

	best = snap.BestCluster(nil, 400, params)
	require.NotNil(t, best)
	assert.Equal(t, "B", best.Name)
}

func TestBestCluster_DownmigrateHysteresis(t *testing.T) {
	topo, err := New(twoClusters())
	require.NoError(t, err)
	snap := topo.Load()
	params := FitParams{Window: 1000, UpmigratePct: 100, DownmigratePct: 95}
	a := snap.Clusters[1]

	assert.Equal(t, "B", snap.BestCluster(nil, 490, params).Name)
	assert.Equal(t, "A", snap.BestCluster(a, 490, params).Name, "leaving A requires dropping below the downmigrate threshold")
	assert.Equal(t, "B", snap.BestCluster(a, 450, params).Name)
}

func TestSetClusterFrequency_SwapsSnapshot(t *testing.T) {
	topo, err := New(twoClusters())
	require.NoError(t, err)
	old := topo.Load()

	snap, changed, err := topo.SetClusterFrequency(2, 2000000)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, old.Version+1, snap.Version)
	assert.Equal(t, int64(1024), snap.ClusterOf(2).Capacity)
	assert.Equal(t, int64(512), old.ClusterOf(2).Capacity, "published snapshots are never mutated")

	_, changed, err = topo.SetClusterFrequency(2, 2000000)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = topo.SetClusterFrequency(9, 1000000)
	assert.Error(t, err)
}

func TestSetFrequencyLimits_ClampsCurrent(t *testing.T) {
	topo, err := New(twoClusters())
	require.NoError(t, err)

	snap, changed, err := topo.SetFrequencyLimits(0, 500000, 1500000)
	require.NoError(t, err)
	require.True(t, changed)
	c := snap.ClusterOf(0)
	assert.Equal(t, uint32(1500000), c.CurFreq)
	assert.Equal(t, uint32(2000000), c.MaxPossibleFreq)
}

func TestSetSyncCPU(t *testing.T) {
	topo, err := New(twoClusters())
	require.NoError(t, err)

	snap, err := topo.SetSyncCPU(2)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.SyncCPU)

	snap, err = topo.Rebuild(twoClusters())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.SyncCPU, "rebuild keeps a sync cpu that still exists")

	_, err = topo.SetSyncCPU(7)
	assert.Error(t, err)
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	topo, err := New(twoClusters())
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := topo.Load()
				for _, c := range snap.Clusters {
					for _, cpu := range c.CPUs.Members() {
						if snap.ClusterOf(cpu) != c {
							t.Errorf("cpu %d maps to a foreign cluster", cpu)
							return
						}
					}
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		freq := uint32(1000000)
		if i%2 == 0 {
			freq = 2000000
		}
		_, _, err := topo.SetClusterFrequency(2, freq)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDiscover_GroupsFrequencyDomains(t *testing.T) {
	root := t.TempDir()
	sys := filepath.Join(root, "sys")
	proc := filepath.Join(root, "proc")
	cpuRoot := filepath.Join(sys, "devices", "system", "cpu")

	writeFile(t, filepath.Join(cpuRoot, "online"), "0-3\n")
	for cpu := 0; cpu < 4; cpu++ {
		dir := filepath.Join(cpuRoot, cpuDir(cpu))
		related, maxFreq, capacity := "0 1", "1800000", "512"
		if cpu >= 2 {
			related, maxFreq, capacity = "2 3", "2400000", "1024"
		}
		writeFile(t, filepath.Join(dir, "cpufreq", "related_cpus"), related+"\n")
		writeFile(t, filepath.Join(dir, "cpufreq", "cpuinfo_max_freq"), maxFreq+"\n")
		writeFile(t, filepath.Join(dir, "cpufreq", "cpuinfo_min_freq"), "300000\n")
		writeFile(t, filepath.Join(dir, "cpufreq", "scaling_cur_freq"), maxFreq+"\n")
		writeFile(t, filepath.Join(dir, "cpu_capacity"), capacity+"\n")
		writeFile(t, filepath.Join(dir, "cache", "index3", "shared_cpu_list"), "0-3\n")
	}
	writeFile(t, filepath.Join(sys, "devices", "system", "node", "node0", "cpulist"), "0-3\n")
	writeFile(t, filepath.Join(proc, "version"), "Linux version 6.1.0-test (gcc) #1 SMP\n")
	writeFile(t, filepath.Join(proc, "cpuinfo"), "vendor_id\t: TestVendor\nmodel name\t: Test CPU\n")

	info, err := Discover(sys, proc)
	require.NoError(t, err)
	assert.Equal(t, "6.1.0-test", info.KernelVersion)
	assert.Equal(t, "Test CPU", info.CPUModel)
	require.Len(t, info.Clusters, 2)
	assert.Equal(t, []int{0, 1}, info.Clusters[0].CPUs.SortedMembers())
	assert.Equal(t, uint32(512), info.Clusters[0].Efficiency)
	assert.Equal(t, uint32(2400000), info.Clusters[1].MaxPossibleFreq)
	require.Len(t, info.LLC, 1)
	assert.Equal(t, 4, info.LLC[0].Size())

	topo, err := New(info.Clusters)
	require.NoError(t, err)
	snap := topo.Load()
	assert.Equal(t, "cluster1", snap.Clusters[0].Name, "no power tables: larger capacity first")
	assert.Greater(t, snap.Clusters[0].Capacity, snap.Clusters[1].Capacity)
}

func TestDiscover_WithoutCpufreq(t *testing.T) {
	root := t.TempDir()
	sys := filepath.Join(root, "sys")
	writeFile(t, filepath.Join(sys, "devices", "system", "cpu", "online"), "0-1\n")

	info, err := Discover(sys, filepath.Join(root, "proc"))
	require.NoError(t, err)
	require.Len(t, info.Clusters, 2, "each cpu is its own frequency domain without related_cpus")
	assert.Equal(t, "unknown", info.CPUVendor)

	_, err = New(info.Clusters)
	require.NoError(t, err)
}
