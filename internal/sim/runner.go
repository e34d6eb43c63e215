// Package sim replays a configured workload against the scheduler core. It
// drives every cpu through the core's public API: a tick per cpu each tick
// period, plus the sleeps, wakeups and exits the task phases call for.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"hmp-sched/internal/accounting"
	"hmp-sched/internal/clock"
	"hmp-sched/internal/config"
	"hmp-sched/internal/cpuset"
	"hmp-sched/internal/database"
	"hmp-sched/internal/governor"
	"hmp-sched/internal/logging"
	"hmp-sched/internal/sched"
	"hmp-sched/internal/topology"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Options configure New. Config is required.
type Options struct {
	Config        *config.SimulationConfig
	ConfigContent string
	Version       string
	// Discover is used when the config asks for the host topology.
	// Defaults to topology.GetHostInfo.
	Discover func() (*topology.HostInfo, error)
}

type Runner struct {
	logger logrus.FieldLogger

	cfg     *config.SimulationConfig
	content string
	version string
	runID   string

	topo   *topology.Topology
	clk    *clock.Clock
	manual *clock.Manual
	closer io.Closer
	sched  *sched.Scheduler
	gov    *governor.Governor
	store  *database.EventStore

	tick    time.Duration
	tasks   []*workloadTask
	byID    map[int]*workloadTask
	samples []database.BusySample
}

// Result is the outcome of Run.
type Result struct {
	RunID     string
	Start     time.Time
	End       time.Time
	Simulated time.Duration
	Stats     *database.RunStats
	Samples   []database.BusySample
	// Recorded is the number of trace events written to the event store.
	Recorded int64
	Rejected []string
}

func New(opts Options) (*Runner, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("simulation config is required")
	}
	logger := logging.GetLogger()
	r := &Runner{
		logger:  logger,
		cfg:     cfg,
		content: opts.ConfigContent,
		version: opts.Version,
		runID:   uuid.NewString(),
		tick:    cfg.GetTickPeriod(),
		byID:    make(map[int]*workloadTask),
	}

	specs := topology.SpecsFromConfig(cfg.Topology.Clusters)
	if cfg.Topology.Discover {
		discover := opts.Discover
		if discover == nil {
			discover = topology.GetHostInfo
		}
		host, err := discover()
		if err != nil {
			return nil, fmt.Errorf("failed to discover host topology: %w", err)
		}
		specs = host.Clusters
	}
	topo, err := topology.New(specs)
	if err != nil {
		return nil, fmt.Errorf("failed to build topology: %w", err)
	}
	r.topo = topo
	possible := topo.Load().CPUs()

	tun, err := sched.TunablesFromConfig(cfg.Tunables)
	if err != nil {
		return nil, fmt.Errorf("invalid tunables: %w", err)
	}

	runtime, period := sched.DefaultDLRuntime, sched.DefaultDLPeriod
	if cfg.Tunables.DLPeriodUS > 0 {
		runtime, period = us(cfg.Tunables.DLRuntimeUS), us(cfg.Tunables.DLPeriodUS)
	}
	acc, err := accounting.NewBandwidthAccountant(int64(runtime), int64(period), possible.Size())
	if err != nil {
		return nil, fmt.Errorf("deadline accountant: %w", err)
	}

	cpusets, err := cpuset.FromConfig(possible, cfg.Cpusets, logging.GetSchedulerLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to define cpusets: %w", err)
	}

	if err := r.initClock(); err != nil {
		return nil, err
	}

	if cfg.Export.SQLite != "" {
		store, err := database.NewEventStore(cfg.Export.SQLite)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.store = store
	}

	r.gov = governor.New(topo, nil, nil)
	notifier := governor.NewChain(r.gov, governor.LogNotifier{})
	schedOpts := sched.Options{
		Topology:   topo,
		Clock:      r.clk,
		Tunables:   &tun,
		Notifier:   notifier,
		Accountant: acc,
		Cpusets:    cpusets,
	}
	if r.store != nil {
		schedOpts.Sink = r.store
	}
	s, err := sched.New(schedOpts)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	r.sched = s
	r.gov.SetLoadSource(s)
	r.gov.SetFrequencySetter(s)

	for _, tc := range cfg.GetTasksSorted() {
		w, err := newWorkloadTask(tc)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.tasks = append(r.tasks, w)
	}

	logger.WithFields(logrus.Fields{
		"run_id":   r.runID,
		"name":     cfg.Simulation.Name,
		"cpus":     possible.Size(),
		"tasks":    len(r.tasks),
		"tick":     r.tick,
		"duration": cfg.GetDuration(),
	}).Info("Simulation prepared")
	return r, nil
}

func (r *Runner) initClock() error {
	switch r.cfg.Simulation.Clock {
	case "", "manual":
		r.manual = clock.NewManual(1)
		r.clk = clock.New(r.manual)
	case "monotonic":
		r.clk = clock.New(clock.NewMonotonic())
	case "perf":
		src, err := clock.NewPerfSource()
		if err != nil {
			return fmt.Errorf("perf clock: %w", err)
		}
		r.closer = src
		r.clk = clock.New(src)
	default:
		return fmt.Errorf("unknown clock source %q", r.cfg.Simulation.Clock)
	}
	return nil
}

func (r *Runner) RunID() string {
	return r.runID
}

func (r *Runner) Scheduler() *sched.Scheduler {
	return r.sched
}

func (r *Runner) Governor() *governor.Governor {
	return r.gov
}

// Close releases the event store and the clock source.
func (r *Runner) Close() error {
	var errs []error
	if r.store != nil {
		errs = append(errs, r.store.Close())
		r.store = nil
	}
	if r.closer != nil {
		errs = append(errs, r.closer.Close())
		r.closer = nil
	}
	return errors.Join(errs...)
}

// Run replays the workload for the configured duration. Cancelling ctx
// stops the replay early; the partial run is still summarized.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	ctx, span := startSpan(ctx, "sim.run",
		attribute.String("run.id", r.runID),
		attribute.String("run.name", r.cfg.Simulation.Name),
		attribute.Int("run.tasks", len(r.tasks)),
	)
	res, err := r.run(ctx)
	endSpan(span, err)
	return res, err
}

func (r *Runner) run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: r.runID, Start: time.Now()}
	cpus := r.sched.CPUs()

	if r.store != nil {
		if err := r.store.Migrate(ctx); err != nil {
			return nil, err
		}
		checksum, _ := config.TraceChecksum(r.cfg)
		run := database.Run{
			ID:            r.runID,
			Name:          r.cfg.Simulation.Name,
			TraceChecksum: checksum,
			CPUs:          len(cpus),
			Window:        r.sched.WindowSize(),
			StartedAt:     res.Start,
		}
		if err := r.store.BeginRun(ctx, run); err != nil {
			return nil, err
		}
	}

	var pace <-chan time.Time
	if r.manual == nil {
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		pace = ticker.C
	}

	duration := r.cfg.GetDuration()
	nextSample := r.sched.WindowSize()
	var elapsed time.Duration
	var ticks int64

	r.logger.WithField("duration", duration).Info("Simulation running")
	for elapsed < duration {
		if pace != nil {
			select {
			case <-ctx.Done():
			case <-pace:
			}
		}
		if ctx.Err() != nil {
			r.logger.Info("Simulation interrupted")
			break
		}
		if r.manual != nil {
			r.manual.Advance(r.tick)
		}
		elapsed += r.tick
		ticks++

		r.startDue(elapsed)
		r.wakeDue(elapsed)
		for _, cpu := range cpus {
			r.charge(cpu, elapsed)
			if err := r.sched.Tick(cpu); err != nil {
				return nil, fmt.Errorf("tick cpu %d: %w", cpu, err)
			}
			if r.sched.NeedResched(cpu) {
				if err := r.sched.Schedule(cpu); err != nil {
					return nil, fmt.Errorf("schedule cpu %d: %w", cpu, err)
				}
			}
		}

		if elapsed >= nextSample {
			nextSample = elapsed + r.sched.WindowSize()
			if err := r.endOfWindow(ctx, res.Start.Add(elapsed), cpus); err != nil {
				return nil, err
			}
		}
	}

	// An interrupted run is still recorded.
	ctx = context.WithoutCancel(ctx)
	res.End = time.Now()
	res.Simulated = elapsed
	res.Samples = r.samples
	res.Stats = r.collectStats(ticks)
	for _, w := range r.tasks {
		if w.rejected {
			res.Rejected = append(res.Rejected, w.cfg.KeyName)
		}
	}

	if r.store != nil {
		if _, err := r.store.Flush(ctx); err != nil {
			return nil, err
		}
		if err := r.store.FinishRun(ctx, res.End, res.Stats.Tasks); err != nil {
			return nil, err
		}
		sum, err := r.store.Summary(ctx, r.runID)
		if err != nil {
			return nil, err
		}
		res.Recorded = sum.Events
	}

	r.logger.WithFields(logrus.Fields{
		"run_id":           r.runID,
		"ticks":            ticks,
		"simulated":        elapsed,
		"context_switches": res.Stats.ContextSwitches,
		"freq_changes":     res.Stats.GovernorChanges,
		"events":           res.Recorded,
	}).Info("Simulation completed")
	return res, nil
}

// startDue spawns the tasks whose start time has been reached. A task the
// core refuses, such as a deadline task failing admission, is skipped.
func (r *Runner) startDue(elapsed time.Duration) {
	for _, w := range r.tasks {
		if !w.pending() || w.start > elapsed {
			continue
		}
		p, err := r.sched.Spawn(w.spec)
		if err != nil {
			w.rejected = true
			r.logger.WithField("task", w.cfg.KeyName).WithError(err).Warn("Task rejected")
			continue
		}
		w.task = p
		r.byID[p.ID] = w
	}
}

func (r *Runner) wakeDue(elapsed time.Duration) {
	for _, w := range r.tasks {
		if !w.live() || !w.sleeping || w.wakeAt > elapsed {
			continue
		}
		if r.sched.Wake(-1, w.task, 0) {
			w.sleeping = false
		}
	}
}

// charge accounts one tick of run time to the task on cpu and ends its
// run phase when the phase is used up.
func (r *Runner) charge(cpu int, elapsed time.Duration) {
	curr := r.sched.Current(cpu)
	w := r.byID[curr.ID]
	if w == nil || !w.live() || w.sleeping {
		return
	}
	w.runLeft -= r.tick
	if w.runLeft > 0 {
		return
	}

	sleep, exit := w.finishRun()
	logger := r.logger.WithFields(logrus.Fields{"task": w.cfg.KeyName, "cpu": cpu})
	switch {
	case exit:
		if err := r.sched.Exit(cpu); err != nil {
			logger.WithError(err).Warn("Task exit failed")
			return
		}
		w.exited = true
	case sleep > 0:
		if err := r.sched.Sleep(cpu, false); err != nil {
			logger.WithError(err).Warn("Task sleep failed")
			return
		}
		w.sleeping = true
		w.wakeAt = elapsed + sleep
	}
}

// endOfWindow lets the governor act on the window's notifications, then
// samples every cpu and flushes recorded events.
func (r *Runner) endOfWindow(ctx context.Context, at time.Time, cpus []int) error {
	if _, err := r.gov.Poll(); err != nil {
		r.logger.WithError(err).Warn("Governor poll failed")
	}

	snap := r.topo.Load()
	for _, l := range r.sched.CPUsBusy(cpus) {
		sample := database.BusySample{
			At:             at,
			CPU:            l.CPU,
			BusyPct:        l.BusyPct,
			NewTaskPct:     l.NewTaskPct,
			PrevLoadUS:     l.PrevLoadUS,
			EarlyDetection: l.EarlyDetection,
		}
		if c := snap.ClusterOf(l.CPU); c != nil {
			sample.Cluster = c.Name
			sample.FreqKHz = c.CurFreq
		}
		if st, err := r.sched.RunQueueStats(l.CPU); err == nil {
			sample.NrRunning = st.NrRunning
			sample.CumulativeDemand = st.CumulativeDemand
		}
		r.samples = append(r.samples, sample)
	}

	if r.store != nil {
		if _, err := r.store.Flush(ctx); err != nil {
			return fmt.Errorf("failed to flush events: %w", err)
		}
	}
	return nil
}

func (r *Runner) collectStats(ticks int64) *database.RunStats {
	fb := r.sched.FallbackStats()
	stats := &database.RunStats{
		Ticks:           ticks,
		ContextSwitches: r.sched.NrContextSwitches(),
		Fallbacks: map[string]uint64{
			"node":     fb.Node,
			"allowed":  fb.Allowed,
			"cpuset":   fb.Cpuset,
			"possible": fb.Possible,
		},
		GovernorChanges: r.gov.Changes(),
	}

	snap := r.topo.Load()
	for _, cpu := range r.sched.CPUs() {
		st, err := r.sched.RunQueueStats(cpu)
		if err != nil {
			continue
		}
		sum := database.CPUSummary{
			CPU:              cpu,
			Online:           st.Online,
			NrSwitches:       st.NrSwitches,
			TTWUCount:        st.TTWUCount,
			TTWULocal:        st.TTWULocal,
			PrevRunnableSum:  st.PrevRunnableSum,
			CumulativeDemand: st.CumulativeDemand,
			LoadAvg:          st.LoadAvg,
		}
		if c := snap.ClusterOf(cpu); c != nil {
			sum.Cluster = c.Name
			sum.FreqKHz = c.CurFreq
		}
		stats.CPUs = append(stats.CPUs, sum)
	}

	for _, p := range r.sched.Tasks() {
		ts := p.Stats()
		stats.Tasks = append(stats.Tasks, database.TaskSummary{
			ID:             p.ID,
			Name:           p.Name,
			Policy:         p.Policy().String(),
			Group:          p.GroupID(),
			CPU:            p.CPU(),
			State:          p.State().String(),
			Demand:         p.Demand(),
			Wakeups:        ts.Wakeups,
			WakeupsMigrate: ts.WakeupsMigrate,
			Migrations:     ts.Migrations,
			NVCSW:          ts.NVCSW,
			NIVCSW:         ts.NIVCSW,
		})
	}
	return stats
}
