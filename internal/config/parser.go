package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"hmp-sched/internal/logging"

	"gopkg.in/yaml.v3"
)

var validPolicies = map[string]bool{
	"normal":   true,
	"batch":    true,
	"idle":     true,
	"fifo":     true,
	"rr":       true,
	"deadline": true,
}

var validStatsPolicies = map[string]bool{
	"":               true,
	"recent":         true,
	"max":            true,
	"avg":            true,
	"max_recent_avg": true,
}

func LoadConfig(filepath string) (*SimulationConfig, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*SimulationConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)
	config, err := ParseConfig(originalContent)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to load config file")
		return nil, "", err
	}
	return config, originalContent, nil
}

// ParseConfig expands ${VAR} references, decodes the YAML document and
// resolves every CPU specification it contains.
func ParseConfig(content string) (*SimulationConfig, error) {
	expanded := expandEnvVars(content)

	var config SimulationConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for i := range config.Topology.Clusters {
		cl := &config.Topology.Clusters[i]
		if cl.CPUs == "" {
			continue
		}
		cpus, err := ParseCPUSpec(cl.CPUs)
		if err != nil {
			return nil, fmt.Errorf("cluster %d: invalid CPU specification '%s': %w", i, cl.CPUs, err)
		}
		cl.CPUList = cpus
	}

	for keyName, task := range config.Workload {
		task.KeyName = keyName
		if task.Affinity != "" {
			cpus, err := ParseCPUSpec(task.Affinity)
			if err != nil {
				return nil, fmt.Errorf("task %s: invalid CPU specification '%s': %w", keyName, task.Affinity, err)
			}
			task.AffinityCPUs = cpus
		}
		if task.Policy == "" {
			task.Policy = "normal"
		}
		config.Workload[keyName] = task
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// ParseCPUSpec parses CPU specification strings like "0", "0,2,4", or "0-3".
// The result keeps first-seen order and drops duplicates.
func ParseCPUSpec(spec string) ([]int, error) {
	var cpus []int
	seen := make(map[int]bool)

	add := func(cpu int) {
		if !seen[cpu] {
			cpus = append(cpus, cpu)
			seen[cpu] = true
		}
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if !strings.Contains(part, "-") {
			cpu, err := strconv.Atoi(part)
			if err != nil || cpu < 0 {
				return nil, fmt.Errorf("invalid CPU number: %s", part)
			}
			add(cpu)
			continue
		}

		rangeParts := strings.Split(part, "-")
		if len(rangeParts) != 2 {
			return nil, fmt.Errorf("invalid CPU range: %s", part)
		}
		start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid CPU range start: %s", rangeParts[0])
		}
		end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid CPU range end: %s", rangeParts[1])
		}
		if start > end {
			return nil, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
		}
		for i := start; i <= end; i++ {
			add(i)
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}
	return cpus, nil
}

func validateConfig(config *SimulationConfig) error {
	if config.Simulation.Name == "" {
		return fmt.Errorf("simulation name is required")
	}
	if config.Simulation.DurationMS <= 0 {
		return fmt.Errorf("duration_ms must be greater than 0")
	}
	if config.Simulation.TickUS < 0 {
		return fmt.Errorf("tick_us must not be negative")
	}
	switch config.Simulation.Clock {
	case "", "manual", "monotonic", "perf":
	default:
		return fmt.Errorf("unknown clock source %q", config.Simulation.Clock)
	}

	if !config.Topology.Discover && len(config.Topology.Clusters) == 0 {
		return fmt.Errorf("at least one cluster must be defined unless topology.discover is set")
	}

	owner := make(map[int]int)
	for i, cl := range config.Topology.Clusters {
		if len(cl.CPUList) == 0 {
			return fmt.Errorf("cluster %d: cpus is required", i)
		}
		if cl.MaxFreq == 0 {
			return fmt.Errorf("cluster %d: max_freq must be greater than 0", i)
		}
		if cl.MinFreq > cl.MaxFreq {
			return fmt.Errorf("cluster %d: min_freq %d exceeds max_freq %d", i, cl.MinFreq, cl.MaxFreq)
		}
		if cl.MaxPossibleFreq != 0 && cl.MaxPossibleFreq < cl.MaxFreq {
			return fmt.Errorf("cluster %d: max_possible_freq %d is below max_freq %d", i, cl.MaxPossibleFreq, cl.MaxFreq)
		}
		for _, cpu := range cl.CPUList {
			if prev, ok := owner[cpu]; ok {
				return fmt.Errorf("cluster %d: cpu %d already belongs to cluster %d", i, cpu, prev)
			}
			owner[cpu] = i
		}
	}

	if err := validateTunables(&config.Tunables); err != nil {
		return err
	}

	for name, spec := range config.Cpusets {
		if _, err := ParseCPUSpec(spec); err != nil {
			return fmt.Errorf("cpuset %s: %w", name, err)
		}
	}

	if len(config.Workload) == 0 {
		return fmt.Errorf("at least one workload task must be defined")
	}

	indices := make(map[int]bool)
	for name, task := range config.Workload {
		if !validPolicies[task.Policy] {
			return fmt.Errorf("task %s: unknown policy %q", name, task.Policy)
		}
		if len(task.Phases) == 0 {
			return fmt.Errorf("task %s: at least one phase is required", name)
		}
		for i, ph := range task.Phases {
			if ph.RunUS < 0 || ph.SleepUS < 0 {
				return fmt.Errorf("task %s: phase %d has negative duration", name, i)
			}
		}
		if task.Cpuset != "" {
			if _, ok := config.Cpusets[task.Cpuset]; !ok {
				return fmt.Errorf("task %s: cpuset %s does not exist", name, task.Cpuset)
			}
		}
		if task.Group < 0 {
			return fmt.Errorf("task %s: group must not be negative", name)
		}
		if indices[task.Index] {
			return fmt.Errorf("task %s: index %d is already used", name, task.Index)
		}
		indices[task.Index] = true
	}

	return nil
}

func validateTunables(t *TunablesConfig) error {
	if t.WindowMS != 0 && (t.WindowMS < 10 || t.WindowMS > 1000) {
		return fmt.Errorf("window_ms must be within [10, 1000], got %d", t.WindowMS)
	}
	if t.HistorySize < 0 || t.HistorySize > 5 {
		return fmt.Errorf("history_size must be within [1, 5], got %d", t.HistorySize)
	}
	if !validStatsPolicies[t.Policy] {
		return fmt.Errorf("unknown window stats policy %q", t.Policy)
	}
	if t.GroupDownmigratePct > 0 && t.GroupUpmigratePct > 0 && t.GroupDownmigratePct > t.GroupUpmigratePct {
		return fmt.Errorf("group_downmigrate_pct %d exceeds group_upmigrate_pct %d", t.GroupDownmigratePct, t.GroupUpmigratePct)
	}
	if t.DLPeriodUS < 0 || t.DLRuntimeUS < 0 || (t.DLPeriodUS > 0 && t.DLRuntimeUS > t.DLPeriodUS) {
		return fmt.Errorf("invalid deadline bandwidth %d/%d", t.DLRuntimeUS, t.DLPeriodUS)
	}
	return nil
}
