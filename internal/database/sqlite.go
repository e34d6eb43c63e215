package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"hmp-sched/internal/logging"
	"hmp-sched/internal/sched"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		trace_checksum TEXT NOT NULL DEFAULT '',
		cpus           INTEGER NOT NULL DEFAULT 0,
		window_ns      INTEGER NOT NULL DEFAULT 0,
		started_at     TEXT NOT NULL,
		finished_at    TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq    INTEGER NOT NULL,
		kind   TEXT NOT NULL,
		at_ns  INTEGER NOT NULL,
		cpu    INTEGER NOT NULL,
		task   INTEGER NOT NULL,
		src    INTEGER NOT NULL,
		dst    INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(run_id, kind)`,

	`CREATE TABLE IF NOT EXISTS task_stats (
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		task_id    INTEGER NOT NULL,
		name       TEXT NOT NULL,
		policy     TEXT NOT NULL,
		grp        INTEGER NOT NULL,
		cpu        INTEGER NOT NULL,
		state      TEXT NOT NULL,
		demand     INTEGER NOT NULL,
		wakeups    INTEGER NOT NULL,
		migrations INTEGER NOT NULL,
		nvcsw      INTEGER NOT NULL,
		nivcsw     INTEGER NOT NULL,
		PRIMARY KEY (run_id, task_id)
	)`,
}

// ErrRunNotFound is returned for a run id the store does not hold.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of the runs table.
type Run struct {
	ID            string
	Name          string
	TraceChecksum string
	CPUs          int
	Window        time.Duration
	StartedAt     time.Time
	FinishedAt    time.Time
}

// RunSummary aggregates the stored events of a run.
type RunSummary struct {
	Run        Run
	Events     int64
	ByKind     map[string]int64
	Tasks      []TaskSummary
	FirstEvent int64
	LastEvent  int64
}

// EventStore records scheduler trace events of one run into SQLite. It is
// a sched.TraceSink: Record only buffers, Flush writes the buffer in one
// transaction.
type EventStore struct {
	db     *sql.DB
	logger logrus.FieldLogger

	mu      sync.Mutex
	runID   string
	seq     int64
	pending []sched.TraceEvent
	dropped int64
	maxBuf  int
}

// NewEventStore opens (or creates) the database at dbPath. Use ":memory:"
// for a private in-memory database.
func NewEventStore(dbPath string) (*EventStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" opens a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &EventStore{
		db:     db,
		logger: logging.GetLogger().WithField("component", "event_store"),
		maxBuf: 1 << 20,
	}, nil
}

func (s *EventStore) Close() error {
	return s.db.Close()
}

// Migrate creates all tables and indexes.
func (s *EventStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// BeginRun registers run and directs recorded events to it.
func (s *EventStore) BeginRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, trace_checksum, cpus, window_ns, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.TraceChecksum, run.CPUs, int64(run.Window),
		run.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	s.mu.Lock()
	s.runID = run.ID
	s.seq = 0
	s.pending = s.pending[:0]
	s.dropped = 0
	s.mu.Unlock()
	s.logger.WithField("run_id", run.ID).Debug("Run registered")
	return nil
}

// Record buffers ev for the current run. Events beyond the buffer limit
// are counted and dropped.
func (s *EventStore) Record(ev sched.TraceEvent) {
	s.mu.Lock()
	if len(s.pending) >= s.maxBuf {
		s.dropped++
	} else {
		s.pending = append(s.pending, ev)
	}
	s.mu.Unlock()
}

// Pending returns the number of buffered events.
func (s *EventStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes the buffered events and returns how many it wrote.
func (s *EventStore) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	runID := s.runID
	batch := s.pending
	s.pending = nil
	first := s.seq
	s.seq += int64(len(batch))
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.WithFields(logrus.Fields{"run_id": runID, "dropped": dropped}).Warn("Trace buffer overflowed")
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if runID == "" {
		return 0, fmt.Errorf("flush %d events: no run registered", len(batch))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (run_id, seq, kind, at_ns, cpu, task, src, dst, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, ev := range batch {
		if _, err := stmt.ExecContext(ctx, runID, first+int64(i), string(ev.Kind), ev.At,
			ev.CPU, ev.Task, ev.Src, ev.Dst, ev.Detail); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert event %d: %w", first+int64(i), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"run_id": runID, "events": len(batch)}).Debug("Events flushed")
	return len(batch), nil
}

// FinishRun flushes what is left, stores the final task statistics and
// stamps the run's end time.
func (s *EventStore) FinishRun(ctx context.Context, finished time.Time, tasks []TaskSummary) error {
	if _, err := s.Flush(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	runID := s.runID
	s.mu.Unlock()
	if runID == "" {
		return fmt.Errorf("finish: no run registered")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO task_stats
			 (run_id, task_id, name, policy, grp, cpu, state, demand, wakeups, migrations, nvcsw, nivcsw)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, t.ID, t.Name, t.Policy, t.Group, t.CPU, t.State, t.Demand,
			int64(t.Wakeups), int64(t.Migrations), int64(t.NVCSW), int64(t.NIVCSW),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert task %d: %w", t.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE id = ?`,
		finished.UTC().Format(time.RFC3339Nano), runID); err != nil {
		tx.Rollback()
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return tx.Commit()
}

// ListRuns returns every stored run, newest first.
func (s *EventStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, trace_checksum, cpus, window_ns, started_at, finished_at
		 FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var window int64
	var started, finished string
	if err := row.Scan(&run.ID, &run.Name, &run.TraceChecksum, &run.CPUs, &window, &started, &finished); err != nil {
		return Run{}, err
	}
	run.Window = time.Duration(window)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished != "" {
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
	}
	return run, nil
}

// Summary aggregates the events and task statistics of run id. An empty
// id selects the latest run.
func (s *EventStore) Summary(ctx context.Context, id string) (*RunSummary, error) {
	query := `SELECT id, name, trace_checksum, cpus, window_ns, started_at, finished_at FROM runs WHERE id = ?`
	args := []any{id}
	if id == "" {
		query = `SELECT id, name, trace_checksum, cpus, window_ns, started_at, finished_at
		         FROM runs ORDER BY started_at DESC LIMIT 1`
		args = nil
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	sum := &RunSummary{Run: run, ByKind: make(map[string]int64)}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*), MIN(at_ns), MAX(at_ns) FROM events WHERE run_id = ? GROUP BY kind`, run.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n, first, last int64
		if err := rows.Scan(&kind, &n, &first, &last); err != nil {
			return nil, err
		}
		sum.ByKind[kind] = n
		if sum.Events == 0 || first < sum.FirstEvent {
			sum.FirstEvent = first
		}
		sum.LastEvent = max(sum.LastEvent, last)
		sum.Events += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	taskRows, err := s.db.QueryContext(ctx,
		`SELECT task_id, name, policy, grp, cpu, state, demand, wakeups, migrations, nvcsw, nivcsw
		 FROM task_stats WHERE run_id = ? ORDER BY task_id`, run.ID)
	if err != nil {
		return nil, err
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var t TaskSummary
		var wakeups, migrations, nvcsw, nivcsw int64
		if err := taskRows.Scan(&t.ID, &t.Name, &t.Policy, &t.Group, &t.CPU, &t.State, &t.Demand,
			&wakeups, &migrations, &nvcsw, &nivcsw); err != nil {
			return nil, err
		}
		t.Wakeups, t.Migrations = uint64(wakeups), uint64(migrations)
		t.NVCSW, t.NIVCSW = uint64(nvcsw), uint64(nivcsw)
		sum.Tasks = append(sum.Tasks, t)
	}
	return sum, taskRows.Err()
}

// Events returns up to limit events of run id in recording order,
// optionally restricted to one kind.
func (s *EventStore) Events(ctx context.Context, id string, kind sched.TraceKind, limit int) ([]sched.TraceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT kind, at_ns, cpu, task, src, dst, detail FROM events WHERE run_id = ?`
	args := []any{id}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sched.TraceEvent
	for rows.Next() {
		var ev sched.TraceEvent
		var k string
		if err := rows.Scan(&k, &ev.At, &ev.CPU, &ev.Task, &ev.Src, &ev.Dst, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Kind = sched.TraceKind(k)
		out = append(out, ev)
	}
	return out, rows.Err()
}
