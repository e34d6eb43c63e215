package topology

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"hmp-sched/internal/config"
	"hmp-sched/internal/logging"

	"github.com/intel/goresctrl/pkg/rdt"
	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/sirupsen/logrus"
)

// HostInfo is what discovery learned about the machine.
type HostInfo struct {
	Hostname      string
	OSInfo        string
	KernelVersion string
	CPUVendor     string
	CPUModel      string

	Online   idset.IDSet
	Clusters []ClusterSpec
	// LLC lists the sets of CPUs sharing a last level cache.
	LLC []idset.IDSet

	RDT RDTInfo
}

type RDTInfo struct {
	Supported          bool
	AvailableClasses   []string
	MonitoringFeatures map[string][]string
}

var (
	hostInfo     *HostInfo
	hostInfoErr  error
	hostInfoOnce sync.Once

	// goresctrl's rdt control is not safe for concurrent use.
	rdtMu sync.Mutex
)

// GetHostInfo discovers the host once and caches the result.
func GetHostInfo() (*HostInfo, error) {
	hostInfoOnce.Do(func() {
		hostInfo, hostInfoErr = Discover("/sys", "/proc")
		if hostInfoErr == nil {
			hostInfo.RDT = discoverRDT()
		}
	})
	return hostInfo, hostInfoErr
}

// Discover reads the cpufreq layout under sysRoot and the cpu description
// under procRoot. CPUs are grouped into clusters by their related_cpus
// frequency domain; hosts without cpufreq yield a single cluster.
func Discover(sysRoot, procRoot string) (*HostInfo, error) {
	logger := logging.GetLogger()
	info := &HostInfo{OSInfo: runtime.GOOS + "/" + runtime.GOARCH}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	info.KernelVersion = "unknown"
	if data, err := os.ReadFile(filepath.Join(procRoot, "version")); err == nil {
		if fields := strings.Fields(string(data)); len(fields) >= 3 {
			info.KernelVersion = fields[2]
		}
	}
	info.CPUVendor, info.CPUModel = readCPUInfo(filepath.Join(procRoot, "cpuinfo"))

	cpuRoot := filepath.Join(sysRoot, "devices", "system", "cpu")
	online, err := readCPUList(filepath.Join(cpuRoot, "online"))
	if err != nil {
		return nil, fmt.Errorf("failed to read online cpus: %w", err)
	}
	info.Online = online
	nodeOf := readNodes(filepath.Join(sysRoot, "devices", "system", "node"))

	seen := idset.NewIDSet()
	for _, cpu := range online.SortedMembers() {
		if seen.Has(cpu) {
			continue
		}
		spec := readFreqDomain(cpuRoot, cpu)
		related, err := readCPUList(filepath.Join(cpuRoot, cpuDir(cpu), "cpufreq", "related_cpus"))
		if err != nil || related.Size() == 0 {
			related = idset.NewIDSet(cpu)
		}
		for _, id := range related.Members() {
			if online.Has(id) && !seen.Has(id) {
				spec.CPUs.Add(id)
				seen.Add(id)
			}
		}
		spec.CPUs.Add(cpu)
		seen.Add(cpu)
		spec.Node = nodeOf[cpu]
		spec.Name = fmt.Sprintf("cluster%d", len(info.Clusters))
		info.Clusters = append(info.Clusters, spec)
	}

	info.LLC = readLLC(cpuRoot, online)

	logger.WithFields(logrus.Fields{
		"cpu_model": info.CPUModel,
		"online":    online.Size(),
		"clusters":  len(info.Clusters),
	}).Info("Host topology discovered")
	return info, nil
}

// SpecsFromConfig converts configured clusters into cluster specs.
func SpecsFromConfig(clusters []config.ClusterConfig) []ClusterSpec {
	specs := make([]ClusterSpec, 0, len(clusters))
	for _, cl := range clusters {
		spec := ClusterSpec{
			Name:            cl.Name,
			CPUs:            idset.NewIDSet(cl.CPUList...),
			Node:            cl.Node,
			Efficiency:      cl.Efficiency,
			MinFreq:         cl.MinFreq,
			MaxFreq:         cl.MaxFreq,
			CurFreq:         cl.CurFreq,
			MaxPossibleFreq: cl.MaxPossibleFreq,
		}
		for _, p := range cl.Power {
			spec.Power = append(spec.Power, PowerPoint{Freq: p.Freq, Power: p.Power})
		}
		specs = append(specs, spec)
	}
	return specs
}

func discoverRDT() RDTInfo {
	rdtMu.Lock()
	defer rdtMu.Unlock()

	logger := logging.GetLogger()
	var out RDTInfo
	if err := rdt.Initialize(""); err != nil {
		logger.WithError(err).Debug("RDT not available")
		return out
	}
	out.Supported = rdt.MonSupported()
	if !out.Supported {
		return out
	}
	for _, class := range rdt.GetClasses() {
		out.AvailableClasses = append(out.AvailableClasses, class.Name())
	}
	sort.Strings(out.AvailableClasses)
	out.MonitoringFeatures = make(map[string][]string)
	for resource, features := range rdt.GetMonFeatures() {
		out.MonitoringFeatures[string(resource)] = features
	}
	return out
}

func cpuDir(cpu int) string {
	return "cpu" + strconv.Itoa(cpu)
}

// readFreqDomain returns a spec carrying the frequency limits of cpu. The
// init values of 1 kHz match a CPU without cpufreq support.
func readFreqDomain(cpuRoot string, cpu int) ClusterSpec {
	dir := filepath.Join(cpuRoot, cpuDir(cpu))
	freqDir := filepath.Join(dir, "cpufreq")
	spec := ClusterSpec{
		CPUs:            idset.NewIDSet(),
		Efficiency:      CapacityScale,
		MinFreq:         1,
		MaxFreq:         1,
		CurFreq:         1,
		MaxPossibleFreq: 1,
	}
	if v, err := readUint(filepath.Join(dir, "cpu_capacity")); err == nil && v > 0 {
		spec.Efficiency = uint32(v)
	}
	if v, err := readUint(filepath.Join(freqDir, "cpuinfo_max_freq")); err == nil && v > 0 {
		spec.MaxPossibleFreq = uint32(v)
		spec.MaxFreq = uint32(v)
		spec.CurFreq = uint32(v)
	}
	if v, err := readUint(filepath.Join(freqDir, "scaling_max_freq")); err == nil && v > 0 {
		spec.MaxFreq = uint32(v)
	}
	if v, err := readUint(filepath.Join(freqDir, "scaling_min_freq")); err == nil {
		spec.MinFreq = uint32(v)
	} else if v, err := readUint(filepath.Join(freqDir, "cpuinfo_min_freq")); err == nil {
		spec.MinFreq = uint32(v)
	}
	if v, err := readUint(filepath.Join(freqDir, "scaling_cur_freq")); err == nil && v > 0 {
		spec.CurFreq = uint32(v)
	}
	if data, err := os.ReadFile(filepath.Join(freqDir, "scaling_available_frequencies")); err == nil {
		for _, f := range strings.Fields(string(data)) {
			freq, err := strconv.ParseUint(f, 10, 32)
			if err != nil || freq == 0 {
				continue
			}
			// Without an energy model the relative frequency stands in for power.
			spec.Power = append(spec.Power, PowerPoint{Freq: uint32(freq), Power: uint32(freq / 1000)})
		}
	}
	return spec
}

func readLLC(cpuRoot string, online idset.IDSet) []idset.IDSet {
	var out []idset.IDSet
	seen := idset.NewIDSet()
	for _, cpu := range online.SortedMembers() {
		if seen.Has(cpu) {
			continue
		}
		var shared idset.IDSet
		for _, index := range []string{"index3", "index2"} {
			s, err := readCPUList(filepath.Join(cpuRoot, cpuDir(cpu), "cache", index, "shared_cpu_list"))
			if err == nil && s.Size() > 0 {
				shared = s
				break
			}
		}
		if shared == nil {
			shared = idset.NewIDSet(cpu)
		}
		seen.Add(shared.Members()...)
		out = append(out, shared)
	}
	return out
}

func readNodes(nodeRoot string) map[int]int {
	out := make(map[int]int)
	entries, err := os.ReadDir(nodeRoot)
	if err != nil {
		return out
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		node, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		cpus, err := readCPUList(filepath.Join(nodeRoot, name, "cpulist"))
		if err != nil {
			continue
		}
		for _, cpu := range cpus.Members() {
			out[cpu] = node
		}
	}
	return out
}

func readCPUInfo(path string) (vendor, model string) {
	vendor, model = "unknown", "unknown"
	file, err := os.Open(path)
	if err != nil {
		return vendor, model
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "vendor_id":
			if vendor == "unknown" {
				vendor = value
			}
		case "model name":
			if model == "unknown" {
				model = value
			}
		}
	}
	return vendor, model
}

// readCPUList parses both "0-3,6" and "0 1 2 3" forms.
func readCPUList(path string) (idset.IDSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec := strings.Join(strings.Fields(string(data)), ",")
	if spec == "" {
		return idset.NewIDSet(), nil
	}
	cpus, err := config.ParseCPUSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return idset.NewIDSet(cpus...), nil
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
