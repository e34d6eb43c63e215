//go:build linux

package clock

import (
	"fmt"
	"sync"

	"hmp-sched/internal/logging"

	"github.com/elastic/go-perf"
)

const perfClockCPU = 0

// PerfSource derives time from the enabled-time of a software cpu-clock
// perf event counting every thread on cpu 0. A cpu-wide event stays
// scheduled in, so its enabled time advances with wall time. A per-thread
// event would only advance while its thread is on a cpu.
type PerfSource struct {
	mu    sync.Mutex
	event *perf.Event
	last  int64
}

func NewPerfSource() (*PerfSource, error) {
	logger := logging.GetLogger()

	attr := &perf.Attr{}
	if err := perf.CPUClock.Configure(attr); err != nil {
		return nil, fmt.Errorf("configure cpu-clock: %w", err)
	}
	attr.CountFormat.Enabled = true
	attr.CountFormat.Running = true

	event, err := perf.Open(attr, perf.AllThreads, perfClockCPU, nil)
	if err != nil {
		logger.WithError(err).Error("Failed to open perf clock event")
		return nil, fmt.Errorf("open perf clock: %w", err)
	}
	if err := event.Enable(); err != nil {
		event.Close()
		return nil, fmt.Errorf("failed to enable perf clock event: %w", err)
	}

	logger.Debug("Perf clock source enabled")
	return &PerfSource{event: event, last: 1}, nil
}

func (p *PerfSource) Now() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.event == nil {
		return p.last
	}
	count, err := p.event.ReadCount()
	if err != nil {
		return p.last
	}
	if now := int64(count.Enabled) + 1; now > p.last {
		p.last = now
	}
	return p.last
}

func (p *PerfSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.event == nil {
		return nil
	}
	err := p.event.Close()
	p.event = nil
	return err
}
