package topology

// FitParams carries the migration thresholds used to decide whether a
// related thread group fits a cluster. Percentages are of the window.
type FitParams struct {
	Window         int64
	UpmigratePct   int
	DownmigratePct int
}

func (p FitParams) threshold(pct int) int64 {
	if pct <= 0 {
		pct = 100
	}
	return p.Window * int64(pct) / 100
}

// GroupWillFit reports whether demand fits on c. The cluster with the
// largest capacity always fits. Demand is rescaled by the capacity ratio so
// a slower cluster sees a proportionally larger load; moving below the
// currently preferred cluster uses the lower downmigrate threshold.
func (s *Snapshot) GroupWillFit(c, preferred *Cluster, demand int64, p FitParams) bool {
	if c.Capacity >= s.MaxCapacity {
		return true
	}
	if c.Capacity <= 0 {
		return false
	}
	threshold := p.threshold(p.UpmigratePct)
	if preferred != nil && c.Capacity < preferred.Capacity {
		threshold = p.threshold(p.DownmigratePct)
	}
	scaled := demand * s.MaxCapacity / c.Capacity
	return scaled < threshold
}

// BestCluster scans clusters in power order and returns the first one the
// demand fits, or nil.
func (s *Snapshot) BestCluster(preferred *Cluster, demand int64, p FitParams) *Cluster {
	for _, c := range s.Clusters {
		if s.GroupWillFit(c, preferred, demand, p) {
			return c
		}
	}
	return nil
}
