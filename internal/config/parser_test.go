package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sampleConfig = `
simulation:
  name: big-little
  duration_ms: 200
  tick_us: 1000
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
      cpus: "2,3"
      node: 0
      efficiency: 2048
      min_freq: 300000
      max_freq: 2000000
      cur_freq: 2000000
      power:
        - {freq: 300000, power: 150}
        - {freq: 2000000, power: 900}
tunables:
  window_ms: ${TEST_WINDOW_MS}
  policy: max
cpusets:
  background: "0-1"
workload:
  render:
    index: 0
    policy: fifo
    priority: 50
    affinity: "2-3"
    phases:
      - {run_us: 4000, sleep_us: 12000}
  logger:
    index: 1
    cpuset: background
    group: 7
    phases:
      - {run_us: 500, sleep_us: 500}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_ExpandsEnvAndParsesSpecs(t *testing.T) {
	t.Setenv("TEST_WINDOW_MS", "20")
	path := writeConfig(t, sampleConfig)

	cfg, content, err := LoadConfigWithContent(path)
	if err != nil {
		t.Fatalf("LoadConfigWithContent: %v", err)
	}
	if !strings.Contains(content, "${TEST_WINDOW_MS}") {
		t.Fatalf("expected original content to be returned unexpanded")
	}
	if cfg.Tunables.WindowMS != 20 {
		t.Fatalf("expected window_ms=20, got %d", cfg.Tunables.WindowMS)
	}
	if got := cfg.Topology.Clusters[1].CPUList; !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("unexpected big cluster cpus %v", got)
	}
	render := cfg.Workload["render"]
	if render.KeyName != "render" || !reflect.DeepEqual(render.AffinityCPUs, []int{2, 3}) {
		t.Fatalf("unexpected render task %+v", render)
	}
	if cfg.Workload["logger"].Policy != "normal" {
		t.Fatalf("expected default policy normal, got %q", cfg.Workload["logger"].Policy)
	}

	sorted := cfg.GetTasksSorted()
	if sorted[0].KeyName != "render" || sorted[1].KeyName != "logger" {
		t.Fatalf("unexpected task order %s,%s", sorted[0].KeyName, sorted[1].KeyName)
	}
}

func TestLoadConfig_RejectsWindowOutOfBounds(t *testing.T) {
	t.Setenv("TEST_WINDOW_MS", "5")
	path := writeConfig(t, sampleConfig)

	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "window_ms") {
		t.Fatalf("expected window bound error, got %v", err)
	}
}

func TestLoadConfig_RejectsOverlappingClusters(t *testing.T) {
	t.Setenv("TEST_WINDOW_MS", "10")
	content := strings.Replace(sampleConfig, `cpus: "2,3"`, `cpus: "1,2,3"`, 1)
	path := writeConfig(t, content)

	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "already belongs") {
		t.Fatalf("expected overlap error, got %v", err)
	}
}

func TestLoadConfig_RejectsUnknownCpuset(t *testing.T) {
	t.Setenv("TEST_WINDOW_MS", "10")
	content := strings.Replace(sampleConfig, "cpuset: background", "cpuset: foreground", 1)
	path := writeConfig(t, content)

	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "cpuset foreground") {
		t.Fatalf("expected cpuset error, got %v", err)
	}
}

func TestParseCPUSpec(t *testing.T) {
	cases := []struct {
		spec    string
		want    []int
		wantErr bool
	}{
		{spec: "0", want: []int{0}},
		{spec: "0,2,4-6", want: []int{0, 2, 4, 5, 6}},
		{spec: "3-3, 1 ,3", want: []int{3, 1}},
		{spec: "4-2", wantErr: true},
		{spec: "a", wantErr: true},
		{spec: "1-2-3", wantErr: true},
		{spec: " , ", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseCPUSpec(tc.spec)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseCPUSpec(%q): expected error, got %v", tc.spec, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseCPUSpec(%q): %v", tc.spec, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ParseCPUSpec(%q) = %v, want %v", tc.spec, got, tc.want)
		}
	}
}
