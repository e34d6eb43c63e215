package config

import "testing"

func checksumConfig() *SimulationConfig {
	return &SimulationConfig{
		Simulation: SimulationInfo{Name: "t", DurationMS: 100},
		Workload: map[string]TaskConfig{
			"b": {Index: 1, Policy: "normal", Phases: []PhaseConfig{{RunUS: 500, SleepUS: 500}}},
			"a": {Index: 0, Policy: "fifo", Priority: 10, Phases: []PhaseConfig{{RunUS: 100}}},
		},
	}
}

func TestTraceChecksum_DeterministicAcrossMapOrder(t *testing.T) {
	cfg1 := checksumConfig()

	cfg2 := checksumConfig()
	// Same tasks but inserted in opposite order.
	cfg2.Workload = map[string]TaskConfig{
		"a": cfg1.Workload["a"],
		"b": cfg1.Workload["b"],
	}

	s1, err := TraceChecksum(cfg1)
	if err != nil {
		t.Fatalf("TraceChecksum(cfg1): %v", err)
	}
	s2, err := TraceChecksum(cfg2)
	if err != nil {
		t.Fatalf("TraceChecksum(cfg2): %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected same checksum, got %q vs %q", s1, s2)
	}
	if len(s1) != 6 {
		t.Fatalf("expected 6-char checksum, got %q (len=%d)", s1, len(s1))
	}
}

func TestTraceChecksum_ChangesWhenTraceChanges(t *testing.T) {
	cfg := checksumConfig()
	s1, err := TraceChecksum(cfg)
	if err != nil {
		t.Fatalf("TraceChecksum: %v", err)
	}

	b := cfg.Workload["b"]
	b.Phases = []PhaseConfig{{RunUS: 600, SleepUS: 400}}
	cfg.Workload["b"] = b

	s2, err := TraceChecksum(cfg)
	if err != nil {
		t.Fatalf("TraceChecksum after change: %v", err)
	}
	if s1 == s2 {
		t.Fatalf("expected checksum to change, got %q", s1)
	}
}

func TestTraceChecksum_IgnoresTunables(t *testing.T) {
	cfg := checksumConfig()
	s1, _ := TraceChecksum(cfg)

	cfg.Tunables.WindowMS = 20
	cfg.Tunables.Policy = "max"
	s2, _ := TraceChecksum(cfg)

	if s1 != s2 {
		t.Fatalf("tunables must not affect the checksum: %q vs %q", s1, s2)
	}
}
