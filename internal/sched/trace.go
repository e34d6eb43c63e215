package sched

// TraceKind names a recorded scheduler event.
type TraceKind string

const (
	TraceSwitch     TraceKind = "switch"
	TraceWakeup     TraceKind = "wakeup"
	TraceMigrate    TraceKind = "migrate"
	TraceFallback   TraceKind = "fallback"
	TraceFreqAlert  TraceKind = "freq_alert"
	TraceFreqChange TraceKind = "freq_change"
	TraceEarlyAlert TraceKind = "early_detection"
	TraceReset      TraceKind = "window_reset"
	TraceExit       TraceKind = "exit"
)

// TraceEvent is one entry for a TraceSink. Task, Src and Dst are -1 when
// they do not apply.
type TraceEvent struct {
	Kind   TraceKind
	CPU    int
	Task   int
	Src    int
	Dst    int
	At     int64
	Detail string
}

// TraceSink receives trace events. Record can be called with scheduler
// locks held and must not block or call back into the scheduler.
type TraceSink interface {
	Record(ev TraceEvent)
}

func newTrace(kind TraceKind, cpu, task int, at int64, detail string) TraceEvent {
	return TraceEvent{Kind: kind, CPU: cpu, Task: task, Src: -1, Dst: -1, At: at, Detail: detail}
}

func (s *Scheduler) trace(ev TraceEvent) {
	if s.sink != nil {
		s.sink.Record(ev)
	}
}
