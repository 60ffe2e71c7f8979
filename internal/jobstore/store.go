// Package jobstore persists created jobs and the last status observed for
// each, so watching can resume after a restart.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/tonimelisma/receipts-go/internal/events"
	"github.com/tonimelisma/receipts-go/internal/job"
)

// StateTimedOut is stored for jobs whose poll sequence gave up before a
// terminal status. Such jobs are still unfinished.
const StateTimedOut = "timed_out"

// KindWatch marks jobs first seen through a status observation rather than
// created by this client.
const KindWatch = "watch"

// observeTimeout bounds one bus-driven write.
const observeTimeout = 5 * time.Second

// ErrNotFound is returned by Get for an unknown job.
var ErrNotFound = errors.New("jobstore: job not found")

const (
	sqlRecord = `INSERT INTO jobs (job_id, kind, name, state, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET kind = excluded.kind, name = excluded.name,
			updated_at = excluded.updated_at`

	sqlObserve = `INSERT INTO jobs (job_id, kind, state, payload, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET state = excluded.state, payload = excluded.payload,
			error = excluded.error, updated_at = excluded.updated_at`

	sqlSelect = `SELECT job_id, kind, name, state, payload, error, created_at, updated_at FROM jobs`

	sqlGet        = sqlSelect + ` WHERE job_id = ?`
	sqlList       = sqlSelect + ` ORDER BY created_at DESC, job_id`
	sqlUnfinished = sqlSelect + ` WHERE state IN ('pending', 'processing', 'timed_out') ORDER BY created_at, job_id`
)

// Record is one ledger row.
type Record struct {
	JobID     string
	Kind      string
	Name      string
	State     string
	Payload   json.RawMessage
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Finished reports whether the job reached a terminal state.
func (r Record) Finished() bool {
	return r.State == string(job.StateCompleted) || r.State == string(job.StateFailed)
}

// Store is the SQLite job ledger.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the ledger at path and migrates it.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: opening %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("job ledger opened", slog.String("path", path))

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record adds a job created by this client. Recording an existing job
// updates its kind and name and keeps its status.
func (s *Store) Record(ctx context.Context, jobID, kind, name string) error {
	now := s.now().UnixNano()

	if _, err := s.db.ExecContext(ctx, sqlRecord, jobID, kind, name, now, now); err != nil {
		return fmt.Errorf("jobstore: recording %s: %w", jobID, err)
	}

	return nil
}

// Observe stores st as the job's latest status. Unknown jobs are inserted
// with KindWatch.
func (s *Store) Observe(ctx context.Context, st job.Status) error {
	state := string(st.State)
	if st.TimedOut {
		state = StateTimedOut
	}

	var errText sql.NullString
	if st.Err != nil {
		errText = sql.NullString{String: st.Err.Error(), Valid: true}
	}

	var payload sql.NullString
	if len(st.Payload) > 0 {
		payload = sql.NullString{String: string(st.Payload), Valid: true}
	}

	now := s.now().UnixNano()

	_, err := s.db.ExecContext(ctx, sqlObserve, st.JobID, KindWatch, state, payload, errText, now, now)
	if err != nil {
		return fmt.Errorf("jobstore: observing %s: %w", st.JobID, err)
	}

	return nil
}

// Get returns one job or ErrNotFound.
func (s *Store) Get(ctx context.Context, jobID string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, sqlGet, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	if err != nil {
		return Record{}, fmt.Errorf("jobstore: loading %s: %w", jobID, err)
	}

	return rec, nil
}

// List returns every job, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, sqlList)
}

// Unfinished returns jobs with no terminal status, oldest first.
func (s *Store) Unfinished(ctx context.Context) ([]Record, error) {
	return s.query(ctx, sqlUnfinished)
}

func (s *Store) query(ctx context.Context, q string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("jobstore: querying jobs: %w", err)
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: scanning job: %w", err)
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobstore: iterating jobs: %w", err)
	}

	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec              Record
		payload, errText sql.NullString
		created, updated int64
	)

	if err := row.Scan(&rec.JobID, &rec.Kind, &rec.Name, &rec.State, &payload, &errText, &created, &updated); err != nil {
		return Record{}, err
	}

	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}

	rec.Error = errText.String
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)

	return rec, nil
}

// Attach persists every JobStatusChanged published on bus. The returned
// function detaches.
func (s *Store) Attach(bus *events.Bus) (detach func()) {
	return bus.JobStatusChanged.Subscribe(func(ev events.JobStatusChanged) {
		ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
		defer cancel()

		if err := s.Observe(ctx, ev.Status); err != nil {
			s.logger.Warn("recording job status failed",
				slog.String("job_id", ev.Status.JobID),
				slog.String("error", err.Error()),
			)
		}
	})
}
