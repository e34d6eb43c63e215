package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

type traceChecksumEntry struct {
	Key      string        `json:"key"`
	Index    int           `json:"index"`
	Policy   string        `json:"policy"`
	Priority int           `json:"priority"`
	Nice     int           `json:"nice"`
	Group    int           `json:"group"`
	Affinity []int         `json:"affinity,omitempty"`
	StartMS  int           `json:"start_ms"`
	Loops    int           `json:"loops"`
	Phases   []PhaseConfig `json:"phases"`
}

type traceChecksumPayload struct {
	Tasks []traceChecksumEntry `json:"tasks"`
}

// TraceChecksum returns a short, stable checksum that identifies the effective
// workload (which tasks run, when, and for how long), independent of the
// topology and tunables it is replayed against.
//
// It computes MD5 over a canonical JSON representation and returns the first 6 hex
// characters (equivalent to `md5sum | cut -c1-6`).
func TraceChecksum(cfg *SimulationConfig) (string, error) {
	if cfg == nil {
		return "", nil
	}

	entries := make([]traceChecksumEntry, 0, len(cfg.Workload))
	for key, t := range cfg.Workload {
		affinity := append([]int(nil), t.AffinityCPUs...)
		sort.Ints(affinity)
		entries = append(entries, traceChecksumEntry{
			Key:      key,
			Index:    t.Index,
			Policy:   t.Policy,
			Priority: t.Priority,
			Nice:     t.Nice,
			Group:    t.Group,
			Affinity: affinity,
			StartMS:  t.StartMS,
			Loops:    t.Loops,
			Phases:   t.Phases,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Index != entries[j].Index {
			return entries[i].Index < entries[j].Index
		}
		return entries[i].Key < entries[j].Key
	})

	b, err := json.Marshal(traceChecksumPayload{Tasks: entries})
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
