package sim

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hmp-sched/internal/config"
	"hmp-sched/internal/database"
	"hmp-sched/internal/sched"
	"hmp-sched/internal/topology"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clustersYAML = `
topology:
  clusters:
    - name: little
      cpus: "0-1"
      efficiency: 1024
      min_freq: 300000
      max_freq: 1500000
      cur_freq: 1500000
      power:
        - {freq: 300000, power: 50}
        - {freq: 1500000, power: 200}
    - name: big
      cpus: "2-3"
      efficiency: 2048
      min_freq: 300000
      max_freq: 2000000
      cur_freq: 2000000
      power:
        - {freq: 300000, power: 150}
        - {freq: 2000000, power: 900}
`

func parse(t *testing.T, content string) *config.SimulationConfig {
	t.Helper()
	cfg, err := config.ParseConfig(content)
	require.NoError(t, err)
	return cfg
}

func newRunner(t *testing.T, content string) *Runner {
	t.Helper()
	r, err := New(Options{Config: parse(t, content), ConfigContent: content, Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func replayConfig(spoolDir string) string {
	return `
simulation:
  name: replay
  duration_ms: 100
  tick_us: 1000
` + clustersYAML + `
workload:
  hog:
    index: 0
    phases:
      - {run_us: 100000}
  periodic:
    index: 1
    phases:
      - {run_us: 2000, sleep_us: 3000}
export:
  sqlite: ":memory:"
  spool_dir: ` + spoolDir + "\n"
}

func TestRunner_ReplaysWorkload(t *testing.T) {
	r := newRunner(t, replayConfig(t.TempDir()))

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, r.RunID(), res.RunID)
	assert.Equal(t, int64(100), res.Stats.Ticks)
	assert.Equal(t, 100*time.Millisecond, res.Simulated)
	assert.Len(t, res.Samples, 10*4, "one sample per cpu per 10ms window")
	assert.Empty(t, res.Rejected)
	assert.Positive(t, res.Recorded)
	assert.Positive(t, res.Stats.ContextSwitches)

	require.Len(t, res.Stats.CPUs, 4)
	assert.Equal(t, "little", res.Stats.CPUs[0].Cluster)
	assert.Equal(t, "big", res.Stats.CPUs[3].Cluster)

	require.Len(t, res.Stats.Tasks, 2)
	byName := map[string]database.TaskSummary{}
	for _, ts := range res.Stats.Tasks {
		byName[ts.Name] = ts
	}
	periodic := byName["periodic"]
	assert.Positive(t, periodic.Wakeups)
	assert.Positive(t, periodic.NVCSW)
	assert.Positive(t, byName["hog"].Demand)

	sum, err := r.store.Summary(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Recorded, sum.Events)
	assert.Positive(t, sum.ByKind[string(sched.TraceSwitch)])
	assert.Len(t, sum.Tasks, 2)
	assert.False(t, sum.Run.FinishedAt.IsZero())
}

func TestRunner_LoopsThenExits(t *testing.T) {
	r := newRunner(t, `
simulation:
  name: oneshot
  duration_ms: 20
`+clustersYAML+`
workload:
  oneshot:
    loops: 2
    phases:
      - {run_us: 3000, sleep_us: 2000}
export:
  sqlite: ":memory:"
  spool_dir: `+t.TempDir()+"\n")

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Stats.Tasks, "the exited task is reaped")

	exits, err := r.store.Events(context.Background(), res.RunID, sched.TraceExit, 0)
	require.NoError(t, err)
	assert.Len(t, exits, 1)
}

func TestRunner_RejectsDeadlineOverAdmission(t *testing.T) {
	r := newRunner(t, `
simulation:
  name: admission
  duration_ms: 10
`+clustersYAML+`
tunables:
  dl_runtime_us: 100000
  dl_period_us: 1000000
workload:
  budget:
    index: 0
    policy: deadline
    dl_runtime_us: 500000
    dl_deadline_us: 1000000
    dl_period_us: 1000000
    phases:
      - {run_us: 1000, sleep_us: 1000}
  filler:
    index: 1
    phases:
      - {run_us: 1000, sleep_us: 1000}
`)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"budget"}, res.Rejected)
	require.Len(t, res.Stats.Tasks, 1)
	assert.Equal(t, "filler", res.Stats.Tasks[0].Name)
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	r := newRunner(t, `
simulation:
  name: cancelled
  duration_ms: 50
`+clustersYAML+`
workload:
  idle:
    phases:
      - {run_us: 1000, sleep_us: 1000}
`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Stats.Ticks)
	assert.Empty(t, res.Samples)
}

func TestNew_DiscoversTopology(t *testing.T) {
	cfg := parse(t, `
simulation:
  name: host
  duration_ms: 10
topology:
  discover: true
workload:
  task:
    phases:
      - {run_us: 1000}
`)
	r, err := New(Options{
		Config: cfg,
		Discover: func() (*topology.HostInfo, error) {
			return &topology.HostInfo{Clusters: []topology.ClusterSpec{{
				Name:            "cluster0",
				CPUs:            idset.NewIDSet(0, 1, 2),
				Efficiency:      1024,
				MinFreq:         800000,
				MaxFreq:         2400000,
				CurFreq:         2400000,
				MaxPossibleFreq: 2400000,
			}}}, nil
		},
	})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []int{0, 1, 2}, r.Scheduler().CPUs())
}

func TestNew_RejectsUnknownClock(t *testing.T) {
	cfg := parse(t, `
simulation:
  name: clock
  duration_ms: 10
`+clustersYAML+`
workload:
  task:
    phases:
      - {run_us: 1000}
`)
	cfg.Simulation.Clock = "sundial"
	_, err := New(Options{Config: cfg})
	assert.Error(t, err)
}

type influxStub struct {
	mu     sync.Mutex
	writes []string
}

func (f *influxStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		io.WriteString(w, `{"name":"influxdb","status":"pass","checks":[],"version":"v2.7.0","commit":"test"}`)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.writes = append(f.writes, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func exportConfig(spoolDir, influxHost string) string {
	return fmt.Sprintf(`
simulation:
  name: export
  duration_ms: 30
%s
workload:
  periodic:
    phases:
      - {run_us: 2000, sleep_us: 3000}
export:
  spool_dir: %s
  influx:
    host: %s
    org: lab
    bucket: sched
`, clustersYAML, spoolDir, influxHost)
}

func TestRunner_ExportToInflux(t *testing.T) {
	stub := &influxStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := newRunner(t, exportConfig(t.TempDir(), srv.URL))
	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, res.Samples)

	rep, err := r.Export(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, len(res.Samples), rep.InfluxSamples)
	assert.Equal(t, int64(len(res.Samples)), rep.Metadata.ExportedSamples)

	stub.mu.Lock()
	body := strings.Join(stub.writes, "\n")
	stub.mu.Unlock()
	assert.Contains(t, body, "hmp_busy,")
	assert.Contains(t, body, "hmp_run_meta,run_id="+res.RunID)

	artifact, err := database.ReadSpoolArtifact(rep.SpoolPath)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, artifact.RunID)
	assert.Equal(t, "export", artifact.RunName)
	assert.Empty(t, artifact.Samples, "samples live in InfluxDB")
}

func TestRunner_ExportSpoolsSamplesWithoutInflux(t *testing.T) {
	srv := httptest.NewServer(&influxStub{})
	host := srv.URL
	srv.Close()

	r := newRunner(t, exportConfig(t.TempDir(), host))
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	rep, err := r.Export(context.Background(), res)
	require.NoError(t, err)
	assert.Zero(t, rep.InfluxSamples)

	artifact, err := database.ReadSpoolArtifact(rep.SpoolPath)
	require.NoError(t, err)
	assert.Len(t, artifact.Samples, len(res.Samples))
	assert.Equal(t, res.Stats.Ticks, artifact.Stats.Ticks)
}
