package database

import (
	"time"

	"hmp-sched/internal/config"
	"hmp-sched/internal/topology"
)

// RunMetadata describes one simulation run.
type RunMetadata struct {
	RunID         string `json:"run_id"`
	RunName       string `json:"run_name"`
	Description   string `json:"description"`
	TraceChecksum string `json:"trace_checksum"`

	RunStarted      string `json:"run_started"`  // RFC3339 timestamp
	RunFinished     string `json:"run_finished"` // RFC3339 timestamp
	WallSeconds     int64  `json:"wall_seconds"`
	SimulatedMS     int64  `json:"simulated_ms"`
	TickUS          int    `json:"tick_us"`
	TotalTicks      int64  `json:"total_ticks"`
	TotalTasks      int    `json:"total_tasks"`
	SimulatedCPUs   int    `json:"simulated_cpus"`
	Clusters        int    `json:"clusters"`
	WindowMS        int64  `json:"window_ms"`
	WindowPolicy    string `json:"window_policy"`
	ClockSource     string `json:"clock_source"`
	DriverVersion   string `json:"driver_version"`
	Hostname        string `json:"hostname"`
	OSInfo          string `json:"os_info"`
	KernelVersion   string `json:"kernel_version"`
	CPUVendor       string `json:"cpu_vendor"`
	CPUModel        string `json:"cpu_model"`
	HostCPUs        int    `json:"host_cpus"`
	RecordedEvents  int64  `json:"recorded_events"`
	ExportedSamples int64  `json:"exported_samples"`
	ConfigFile      string `json:"config_file"`
}

// CPUSummary is the final state of one simulated cpu.
type CPUSummary struct {
	CPU              int    `json:"cpu"`
	Cluster          string `json:"cluster"`
	Online           bool   `json:"online"`
	NrSwitches       uint64 `json:"nr_switches"`
	TTWUCount        uint64 `json:"ttwu_count"`
	TTWULocal        uint64 `json:"ttwu_local"`
	PrevRunnableSum  int64  `json:"prev_runnable_sum"`
	CumulativeDemand int64  `json:"cumulative_demand"`
	LoadAvg          int    `json:"load_avg"`
	FreqKHz          uint32 `json:"freq_khz"`
}

// TaskSummary is the final state of one simulated task.
type TaskSummary struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Policy         string `json:"policy"`
	Group          int    `json:"group"`
	CPU            int    `json:"cpu"`
	State          string `json:"state"`
	Demand         int64  `json:"demand"`
	Wakeups        uint64 `json:"wakeups"`
	WakeupsMigrate uint64 `json:"wakeups_migrate"`
	Migrations     uint64 `json:"migrations"`
	NVCSW          uint64 `json:"nvcsw"`
	NIVCSW         uint64 `json:"nivcsw"`
}

// RunStats is what a finished run hands to the exporters.
type RunStats struct {
	Ticks           int64             `json:"ticks"`
	ContextSwitches uint64            `json:"context_switches"`
	Fallbacks       map[string]uint64 `json:"fallbacks"`
	GovernorChanges int               `json:"governor_changes"`
	CPUs            []CPUSummary      `json:"cpus"`
	Tasks           []TaskSummary     `json:"tasks"`
}

// CollectRunMetadata describes a finished run of cfg. Host fields fall back
// to "unknown" when the host cannot be inspected.
func CollectRunMetadata(runID string, cfg *config.SimulationConfig, configContent string, stats *RunStats, startTime, endTime time.Time, driverVersion string) *RunMetadata {
	meta := &RunMetadata{
		RunID:         runID,
		RunStarted:    startTime.Format(time.RFC3339),
		RunFinished:   endTime.Format(time.RFC3339),
		WallSeconds:   int64(endTime.Sub(startTime).Seconds()),
		DriverVersion: driverVersion,
		ConfigFile:    configContent,
		Hostname:      "unknown",
		KernelVersion: "unknown",
		CPUVendor:     "unknown",
		CPUModel:      "unknown",
	}
	if cfg != nil {
		meta.RunName = cfg.Simulation.Name
		meta.Description = cfg.Simulation.Description
		meta.SimulatedMS = int64(cfg.Simulation.DurationMS)
		meta.TickUS = int(cfg.GetTickPeriod() / time.Microsecond)
		meta.TotalTasks = len(cfg.Workload)
		meta.Clusters = len(cfg.Topology.Clusters)
		meta.ClockSource = cfg.Simulation.Clock
		if meta.ClockSource == "" {
			meta.ClockSource = "manual"
		}
		meta.WindowPolicy = cfg.Tunables.Policy
		if meta.WindowPolicy == "" {
			meta.WindowPolicy = "max_recent_avg"
		}
		meta.WindowMS = int64(cfg.Tunables.WindowMS)
		if meta.WindowMS == 0 {
			meta.WindowMS = 10
		}
		if cs, err := config.TraceChecksum(cfg); err == nil {
			meta.TraceChecksum = cs
		}
	}
	if stats != nil {
		meta.TotalTicks = stats.Ticks
		meta.SimulatedCPUs = len(stats.CPUs)
	}

	if host, err := topology.GetHostInfo(); err == nil && host != nil {
		if host.Hostname != "" {
			meta.Hostname = host.Hostname
		}
		meta.OSInfo = host.OSInfo
		meta.KernelVersion = host.KernelVersion
		if host.CPUVendor != "" {
			meta.CPUVendor = host.CPUVendor
		}
		if host.CPUModel != "" {
			meta.CPUModel = host.CPUModel
		}
		if host.Online != nil {
			meta.HostCPUs = host.Online.Size()
		}
	}
	return meta
}
