package sched

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Tunables returns a copy of the active tunables.
func (s *Scheduler) Tunables() Tunables {
	return *s.tun()
}

// LastResetReason is why window statistics were last discarded, 0 if
// they never were.
func (s *Scheduler) LastResetReason() ResetReason {
	return ResetReason(s.lastReset.Load())
}

// SetTunables installs t. A change to anything window statistics depend on
// discards all of them.
func (s *Scheduler) SetTunables(t Tunables) error {
	if err := t.validate(); err != nil {
		return err
	}
	s.windowMu.Lock()
	defer s.windowMu.Unlock()

	next := t
	if reason := resetReason(s.tun(), &next); reason != 0 {
		s.resetAllWindowStats(0, &next, reason)
		return nil
	}
	locked := s.lockAllRQs()
	s.tunables.Store(&next)
	unlockRQs(locked)
	return nil
}

// SetWindow restarts window accounting with windows of size beginning at
// the boundary start, moved back by whole windows until it is not in the
// future. A zero start means now.
func (s *Scheduler) SetWindow(start int64, size time.Duration) error {
	if size < MinWindow || size > MaxWindow {
		return fmt.Errorf("%w: %s outside [%s, %s]", ErrInvalidWindow, size, MinWindow, MaxWindow)
	}
	s.windowMu.Lock()
	defer s.windowMu.Unlock()

	now := s.clock.Now()
	ws := start
	if ws <= 0 {
		ws = now
	}
	for ws > now {
		ws -= int64(size)
	}
	if ws <= 0 {
		return fmt.Errorf("%w: window start %d precedes the clock epoch", ErrInvalidWindow, start)
	}

	next := *s.tun()
	next.Window = size
	reason := resetReason(s.tun(), &next)
	if reason == 0 {
		reason = ResetWindowChange
	}
	s.resetAllWindowStats(ws, &next, reason)
	return nil
}

// resetAllWindowStats discards every task's and every queue's window
// statistics and installs next, all under every queue lock. windowMu is
// held.
func (s *Scheduler) resetAllWindowStats(windowStart int64, next *Tunables, reason ResetReason) {
	began := time.Now()
	old := s.tun()
	s.statsDisabled.Store(true)

	locked := s.lockAllRQs()
	s.tasksMu.RLock()
	for _, p := range s.tasks {
		resetTaskStats(p)
	}
	s.tasksMu.RUnlock()

	s.tunables.Store(next)
	s.statsDisabled.Store(false)

	for _, rq := range locked {
		resetTaskStats(rq.idle)
		if windowStart != 0 {
			rq.windowStart = windowStart
		}
		rq.currRunnableSum, rq.prevRunnableSum = 0, 0
		rq.ntCurrRunnableSum, rq.ntPrevRunnableSum = 0, 0
		rq.loadHistory = [LoadHistSize]int64{}
		rq.loadAvg = 0
		rq.loadHistoryIndex = 0
		rq.loadLastUpdate = 0
		rq.cumulativeRunnableAvg.Store(0)
	}
	s.lastReset.Store(int32(reason))
	at := s.clock.Now()
	unlockRQs(locked)

	s.logger.WithFields(logrus.Fields{
		"reason":       reason.String(),
		"old_window":   old.Window,
		"window":       next.Window,
		"window_start": windowStart,
		"took":         time.Since(began),
	}).Info("Window statistics reset")
	s.trace(newTrace(TraceReset, -1, -1, at, reason.String()))
}

// MigrateSyncCPU hands the window synchronization role away from cpu when
// it holds it. The new holder is the lowest usable cpu.
func (s *Scheduler) MigrateSyncCPU(cpu int) error {
	snap := s.topo.Load()
	if snap.SyncCPU != cpu {
		return nil
	}
	for _, cand := range s.possible.SortedMembers() {
		if cand == cpu || !s.cpuUsable(cand) {
			continue
		}
		if _, err := s.topo.SetSyncCPU(cand); err != nil {
			return fmt.Errorf("move sync cpu from %d: %w", cpu, err)
		}
		s.logger.WithFields(logrus.Fields{"from": cpu, "to": cand}).Info("Window sync cpu moved")
		return nil
	}
	return fmt.Errorf("move sync cpu from %d: no other usable cpu", cpu)
}
