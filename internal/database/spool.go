package database

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hmp-sched/internal/config"
)

type SpoolArtifact struct {
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`

	RunID         string `json:"run_id"`
	RunName       string `json:"run_name"`
	TraceChecksum string `json:"trace_checksum"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	ConfigContent string `json:"config_content"`

	Stats    *RunStats    `json:"stats"`
	Metadata *RunMetadata `json:"metadata"`
	// Samples is set when no InfluxDB was reachable, so the series can be
	// imported later.
	Samples []BusySample `json:"samples,omitempty"`
}

func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("HMP_SCHED_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

// WriteSpoolArtifact writes a gzip-compressed JSON artifact to disk atomically.
// It returns the final file path.
func WriteSpoolArtifact(dir string, artifact *SpoolArtifact) (string, error) {
	if artifact == nil {
		return "", fmt.Errorf("spool artifact is nil")
	}
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	checksum := artifact.TraceChecksum
	if checksum == "" {
		checksum = "nocsum"
	}
	runID := artifact.RunID
	if len(runID) > 8 {
		runID = runID[:8]
	}
	name := fmt.Sprintf(
		"run_%s_%s_%s.json.gz",
		runID,
		artifact.CreatedAt.UTC().Format("20060102T150405Z"),
		checksum,
	)
	finalPath := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp.*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(artifact); err != nil {
		_ = gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	ok = true
	return finalPath, nil
}

// ReadSpoolArtifact loads an artifact written by WriteSpoolArtifact.
func ReadSpoolArtifact(path string) (*SpoolArtifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("spool %s: %w", path, err)
	}
	defer gz.Close()

	var artifact SpoolArtifact
	if err := json.NewDecoder(gz).Decode(&artifact); err != nil {
		return nil, fmt.Errorf("spool %s: %w", path, err)
	}
	return &artifact, nil
}

// BuildSpoolArtifact constructs a spool artifact from the in-memory run results.
func BuildSpoolArtifact(
	runID string,
	cfg *config.SimulationConfig,
	configContent string,
	stats *RunStats,
	metadata *RunMetadata,
	samples []BusySample,
	startTime, endTime time.Time,
) *SpoolArtifact {
	name := ""
	checksum := ""
	if cfg != nil {
		name = cfg.Simulation.Name
		if cs, err := config.TraceChecksum(cfg); err == nil {
			checksum = cs
		}
	}
	if metadata != nil {
		if checksum == "" {
			checksum = metadata.TraceChecksum
		}
		if name == "" {
			name = metadata.RunName
		}
	}

	return &SpoolArtifact{
		Version:       1,
		CreatedAt:     time.Now(),
		RunID:         runID,
		RunName:       name,
		TraceChecksum: checksum,
		StartTime:     startTime,
		EndTime:       endTime,
		ConfigContent: configContent,
		Stats:         stats,
		Metadata:      metadata,
		Samples:       samples,
	}
}
