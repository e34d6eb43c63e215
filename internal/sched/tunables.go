package sched

import (
	"fmt"
	"strings"
	"time"

	"hmp-sched/internal/config"
)

// WindowPolicy selects how a task's demand is derived from its history.
type WindowPolicy int

const (
	WindowRecent WindowPolicy = iota
	WindowMax
	WindowAvg
	WindowMaxRecentAvg
)

func (w WindowPolicy) String() string {
	switch w {
	case WindowRecent:
		return "recent"
	case WindowMax:
		return "max"
	case WindowAvg:
		return "avg"
	case WindowMaxRecentAvg:
		return "max_recent_avg"
	default:
		return fmt.Sprintf("window_policy(%d)", int(w))
	}
}

func ParseWindowPolicy(name string) (WindowPolicy, error) {
	switch strings.ToLower(name) {
	case "", "max_recent_avg":
		return WindowMaxRecentAvg, nil
	case "recent":
		return WindowRecent, nil
	case "max":
		return WindowMax, nil
	case "avg":
		return WindowAvg, nil
	}
	return 0, fmt.Errorf("unknown window stats policy %q", name)
}

const (
	MinWindow = 10 * time.Millisecond
	MaxWindow = time.Second

	DefaultFreqNotifyKHz = 10 * 1024 * 1024
)

// Tunables are the scheduler's runtime knobs. A Tunables value is never
// modified once published; SetTunables swaps in a new one.
type Tunables struct {
	Window              time.Duration
	HistorySize         int
	Policy              WindowPolicy
	AccountWaitTime     bool
	FreqAccountWaitTime bool
	MigrationFixup      bool
	// HeavyTaskPct is the demand, in percent of a window, above which a
	// waking task counts its previous window as busy. Zero disables it.
	HeavyTaskPct        int
	FreqIncNotifyKHz    int64
	FreqDecNotifyKHz    int64
	EarlyDetection      time.Duration
	NewTaskWindows      int
	InitTaskLoadPct     int
	GroupUpmigratePct   int
	GroupDownmigratePct int
	Colocation          bool
	WakeupLoadThreshold int
	SpinTimeout         time.Duration
	IOIsBusy            bool
	Boost               bool
}

func DefaultTunables() Tunables {
	return Tunables{
		Window:              MinWindow,
		HistorySize:         RavgHistSizeMax,
		Policy:              WindowMaxRecentAvg,
		AccountWaitTime:     true,
		MigrationFixup:      true,
		FreqIncNotifyKHz:    DefaultFreqNotifyKHz,
		FreqDecNotifyKHz:    DefaultFreqNotifyKHz,
		EarlyDetection:      9500 * time.Microsecond,
		NewTaskWindows:      5,
		InitTaskLoadPct:     15,
		GroupUpmigratePct:   100,
		GroupDownmigratePct: 95,
		Colocation:          true,
		WakeupLoadThreshold: 110,
		SpinTimeout:         time.Second,
	}
}

// TunablesFromConfig overlays the non-zero values of cfg on the defaults.
func TunablesFromConfig(cfg config.TunablesConfig) (Tunables, error) {
	t := DefaultTunables()
	if cfg.WindowMS != 0 {
		t.Window = time.Duration(cfg.WindowMS) * time.Millisecond
	}
	if cfg.HistorySize != 0 {
		t.HistorySize = cfg.HistorySize
	}
	policy, err := ParseWindowPolicy(cfg.Policy)
	if err != nil {
		return t, err
	}
	t.Policy = policy
	if cfg.AccountWaitTime != nil {
		t.AccountWaitTime = *cfg.AccountWaitTime
	}
	t.FreqAccountWaitTime = cfg.FreqAccountWaitTime
	if cfg.MigrationFixup != nil {
		t.MigrationFixup = *cfg.MigrationFixup
	}
	t.HeavyTaskPct = cfg.HeavyTaskPct
	if cfg.FreqIncNotifyKHz != 0 {
		t.FreqIncNotifyKHz = int64(cfg.FreqIncNotifyKHz)
	}
	if cfg.FreqDecNotifyKHz != 0 {
		t.FreqDecNotifyKHz = int64(cfg.FreqDecNotifyKHz)
	}
	if cfg.EarlyDetectionUS != 0 {
		t.EarlyDetection = time.Duration(cfg.EarlyDetectionUS) * time.Microsecond
	}
	if cfg.NewTaskWindows != 0 {
		t.NewTaskWindows = cfg.NewTaskWindows
	}
	if cfg.GroupUpmigratePct != 0 {
		t.GroupUpmigratePct = cfg.GroupUpmigratePct
	}
	if cfg.GroupDownmigratePct != 0 {
		t.GroupDownmigratePct = cfg.GroupDownmigratePct
	}
	if cfg.Colocation != nil {
		t.Colocation = *cfg.Colocation
	}
	if cfg.WakeupLoadThreshold != 0 {
		t.WakeupLoadThreshold = cfg.WakeupLoadThreshold
	}
	if cfg.SpinTimeoutMS != 0 {
		t.SpinTimeout = time.Duration(cfg.SpinTimeoutMS) * time.Millisecond
	}
	t.IOIsBusy = cfg.IOIsBusy
	t.Boost = cfg.Boost
	return t, t.validate()
}

func (t Tunables) validate() error {
	if t.Window < MinWindow || t.Window > MaxWindow {
		return fmt.Errorf("%w: %s outside [%s, %s]", ErrInvalidWindow, t.Window, MinWindow, MaxWindow)
	}
	if t.HistorySize < 1 || t.HistorySize > RavgHistSizeMax {
		return fmt.Errorf("history size %d outside [1, %d]", t.HistorySize, RavgHistSizeMax)
	}
	if t.GroupDownmigratePct > t.GroupUpmigratePct {
		return fmt.Errorf("group downmigrate %d%% exceeds upmigrate %d%%", t.GroupDownmigratePct, t.GroupUpmigratePct)
	}
	return nil
}

func (t *Tunables) window() int64 { return int64(t.Window) }

func (t *Tunables) pctOfWindow(pct int) int64 {
	return t.window() * int64(pct) / 100
}

// initTaskLoad is the demand a new task starts with.
func (t *Tunables) initTaskLoad() int64 {
	return t.pctOfWindow(t.InitTaskLoadPct)
}

func (t *Tunables) heavyTaskThreshold() int64 {
	if t.HeavyTaskPct <= 0 {
		return 0
	}
	return t.pctOfWindow(t.HeavyTaskPct)
}

// ResetReason records why all window statistics were discarded.
type ResetReason int

const (
	ResetWindowChange ResetReason = iota + 1
	ResetPolicyChange
	ResetAccountWaitTimeChange
	ResetHistSizeChange
	ResetMigrationFixupChange
	ResetFreqAccountWaitTimeChange
)

func (r ResetReason) String() string {
	switch r {
	case ResetWindowChange:
		return "WINDOW_CHANGE"
	case ResetPolicyChange:
		return "POLICY_CHANGE"
	case ResetAccountWaitTimeChange:
		return "ACCOUNT_WAIT_TIME_CHANGE"
	case ResetHistSizeChange:
		return "HIST_SIZE_CHANGE"
	case ResetMigrationFixupChange:
		return "MIGRATION_FIXUP_CHANGE"
	case ResetFreqAccountWaitTimeChange:
		return "FREQ_ACCOUNT_WAIT_TIME_CHANGE"
	default:
		return "NONE"
	}
}

// resetReason returns the first stats-affecting difference between old and
// next, or 0 when none of them changed.
func resetReason(old, next *Tunables) ResetReason {
	switch {
	case old.Window != next.Window:
		return ResetWindowChange
	case old.Policy != next.Policy:
		return ResetPolicyChange
	case old.AccountWaitTime != next.AccountWaitTime:
		return ResetAccountWaitTimeChange
	case old.HistorySize != next.HistorySize:
		return ResetHistSizeChange
	case old.MigrationFixup != next.MigrationFixup:
		return ResetMigrationFixupChange
	case old.FreqAccountWaitTime != next.FreqAccountWaitTime:
		return ResetFreqAccountWaitTimeChange
	}
	return 0
}
