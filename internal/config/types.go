package config

import (
	"sort"
	"time"
)

type SimulationConfig struct {
	Simulation SimulationInfo        `yaml:"simulation"`
	Topology   TopologyConfig        `yaml:"topology"`
	Tunables   TunablesConfig        `yaml:"tunables"`
	Cpusets    map[string]string     `yaml:"cpusets,omitempty"`
	Workload   map[string]TaskConfig `yaml:"workload"`
	Export     ExportConfig          `yaml:"export"`
}

type SimulationInfo struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	DurationMS  int    `yaml:"duration_ms"`
	TickUS      int    `yaml:"tick_us"`
	LogLevel    string `yaml:"log_level"`
	// Clock selects the time source: "manual" (default), "monotonic" or "perf".
	Clock string `yaml:"clock"`
}

type TopologyConfig struct {
	// Discover replaces the configured clusters with the host's cpufreq layout.
	Discover bool            `yaml:"discover"`
	Clusters []ClusterConfig `yaml:"clusters"`
}

// ClusterConfig describes one frequency domain. Frequencies are in kHz.
type ClusterConfig struct {
	Name            string       `yaml:"name"`
	CPUs            string       `yaml:"cpus"`
	Node            int          `yaml:"node"`
	Efficiency      uint32       `yaml:"efficiency"`
	MinFreq         uint32       `yaml:"min_freq"`
	MaxFreq         uint32       `yaml:"max_freq"`
	CurFreq         uint32       `yaml:"cur_freq"`
	MaxPossibleFreq uint32       `yaml:"max_possible_freq"`
	Power           []PowerPoint `yaml:"power"`

	CPUList []int `yaml:"-"`
}

type PowerPoint struct {
	Freq  uint32 `yaml:"freq"`
	Power uint32 `yaml:"power"`
}

// TunablesConfig mirrors the core tunables. Zero values mean "use the default".
type TunablesConfig struct {
	WindowMS            int    `yaml:"window_ms"`
	HistorySize         int    `yaml:"history_size"`
	Policy              string `yaml:"policy"`
	AccountWaitTime     *bool  `yaml:"account_wait_time,omitempty"`
	FreqAccountWaitTime bool   `yaml:"freq_account_wait_time"`
	MigrationFixup      *bool  `yaml:"migration_fixup,omitempty"`
	HeavyTaskPct        int    `yaml:"heavy_task_pct"`
	FreqIncNotifyKHz    int    `yaml:"freq_inc_notify_khz"`
	FreqDecNotifyKHz    int    `yaml:"freq_dec_notify_khz"`
	EarlyDetectionUS    int    `yaml:"early_detection_us"`
	NewTaskWindows      int    `yaml:"new_task_windows"`
	GroupUpmigratePct   int    `yaml:"group_upmigrate_pct"`
	GroupDownmigratePct int    `yaml:"group_downmigrate_pct"`
	Colocation          *bool  `yaml:"colocation,omitempty"`
	WakeupLoadThreshold int    `yaml:"wakeup_load_threshold"`
	SpinTimeoutMS       int    `yaml:"spin_timeout_ms"`
	IOIsBusy            bool   `yaml:"io_is_busy"`
	Boost               bool   `yaml:"boost"`
	DLRuntimeUS         int    `yaml:"dl_runtime_us"`
	DLPeriodUS          int    `yaml:"dl_period_us"`
}

type TaskConfig struct {
	Index    int    `yaml:"index"`
	Policy   string `yaml:"policy"`
	Priority int    `yaml:"priority"`
	Nice     int    `yaml:"nice"`
	Group    int    `yaml:"group"`
	Affinity string `yaml:"affinity,omitempty"`
	Cpuset   string `yaml:"cpuset,omitempty"`
	StartMS  int    `yaml:"start_ms"`
	// Loops repeats the phase list; 0 repeats until the simulation ends.
	Loops  int           `yaml:"loops"`
	Phases []PhaseConfig `yaml:"phases"`

	DLRuntimeUS  int `yaml:"dl_runtime_us"`
	DLDeadlineUS int `yaml:"dl_deadline_us"`
	DLPeriodUS   int `yaml:"dl_period_us"`

	KeyName      string `yaml:"-"`
	AffinityCPUs []int  `yaml:"-"`
}

type PhaseConfig struct {
	RunUS   int `yaml:"run_us"`
	SleepUS int `yaml:"sleep_us"`
}

type ExportConfig struct {
	Influx   InfluxConfig `yaml:"influx"`
	SQLite   string       `yaml:"sqlite"`
	SpoolDir string       `yaml:"spool_dir"`
}

type InfluxConfig struct {
	Host   string `yaml:"host"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func (i InfluxConfig) Enabled() bool {
	return i.Host != ""
}

func (c *SimulationConfig) GetDuration() time.Duration {
	return time.Duration(c.Simulation.DurationMS) * time.Millisecond
}

func (c *SimulationConfig) GetTickPeriod() time.Duration {
	if c.Simulation.TickUS <= 0 {
		return time.Millisecond
	}
	return time.Duration(c.Simulation.TickUS) * time.Microsecond
}

func (c *SimulationConfig) GetTasksSorted() []TaskConfig {
	tasks := make([]TaskConfig, 0, len(c.Workload))
	for _, task := range c.Workload {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Index != tasks[j].Index {
			return tasks[i].Index < tasks[j].Index
		}
		return tasks[i].KeyName < tasks[j].KeyName
	})
	return tasks
}
