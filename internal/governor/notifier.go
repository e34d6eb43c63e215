// Package governor receives advisory load notifications from the scheduler
// core and turns them into frequency decisions.
package governor

import (
	"sync"

	"hmp-sched/internal/logging"

	"github.com/sirupsen/logrus"
)

type Reason int

const (
	// FreqChange means the load-implied frequency of a CPU left the
	// hysteresis band around its last reported value.
	FreqChange Reason = iota
	// EarlyDetection means a runnable task has waited too long to run.
	EarlyDetection
	// Migration reports a heavy or cross-CPU wakeup.
	Migration
)

func (r Reason) String() string {
	switch r {
	case FreqChange:
		return "freq_change"
	case EarlyDetection:
		return "early_detection"
	case Migration:
		return "migration"
	default:
		return "unknown"
	}
}

// Event is one notification. Loads are busy time in the last window in ns.
type Event struct {
	CPU     int
	Reason  Reason
	OldLoad int64
	NewLoad int64
	// Src, Dst and LoadPct are set for Migration events.
	Src     int
	Dst     int
	LoadPct int
	At      int64
}

// Notifier receives events from the core. Notify may be called with
// scheduler locks held: it must not block and must not call back into the
// core.
type Notifier interface {
	Notify(ev Event)
}

// NotifierSetter is an optional interface for components that accept a
// notifier from the orchestration layer.
type NotifierSetter interface {
	SetNotifier(n Notifier)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Chain fans events out to its subscribers.
type Chain struct {
	mu   sync.RWMutex
	next int
	subs map[int]Notifier
}

func NewChain(ns ...Notifier) *Chain {
	c := &Chain{subs: make(map[int]Notifier)}
	for _, n := range ns {
		c.Subscribe(n)
	}
	return c
}

// Subscribe adds n and returns a function that removes it again. The
// returned function must be called at most once.
func (c *Chain) Subscribe(n Notifier) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = n
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Chain) Notify(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id := 0; id < c.next; id++ {
		if n, ok := c.subs[id]; ok {
			n.Notify(ev)
		}
	}
}

// LogNotifier writes every event to the scheduler logger.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (l LogNotifier) Notify(ev Event) {
	logger := l.Logger
	if logger == nil {
		logger = logging.GetSchedulerLogger()
	}
	fields := logrus.Fields{
		"cpu":      ev.CPU,
		"reason":   ev.Reason.String(),
		"old_load": ev.OldLoad,
		"new_load": ev.NewLoad,
	}
	if ev.Reason == Migration {
		fields["src_cpu"] = ev.Src
		fields["dst_cpu"] = ev.Dst
		fields["load_pct"] = ev.LoadPct
	}
	logger.WithFields(fields).Debug("Load notification")
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of the given reason were seen.
func (r *Recorder) Count(reason Reason) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Reason == reason {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
