package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type JobType string

const (
	JobOneTime   JobType = "one-time"
	JobRecurring JobType = "recurring"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusError     Status = "error"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status can never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// JobRecord is one durable unit of scheduled work. Records are created once,
// mutated only through the guarded transitions below, and never deleted:
// terminal records stay queryable.
type JobRecord struct {
	ID          string
	Type        JobType
	Owner       string
	EncPassword string // AES-GCM ciphertext, never exposed in views
	Target      time.Time
	Hours       int
	Courts      int
	Status      Status
	RunAt       time.Time // one-time: fire/next-retry time; recurring: next tick
	CreatedAt   time.Time
	UpdatedAt   time.Time
	RetryCount  int
	MaxRetries  int
	CheckCount  int
	LastCheck   *time.Time
	Result      string // JSON attempt summary
	LastError   string
}

const jobCols = `id, job_type, owner, enc_password, target_at, hours, courts, status,
run_at, created_at, updated_at, retry_count, max_retries, check_count, last_check, result, last_error`

func (s *Store) CreateJob(ctx context.Context, j JobRecord) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.Status == "" {
		j.Status = StatusScheduled
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = 6
	}
	_, err := s.exec(ctx, `
INSERT INTO jobs (`+jobCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Type, j.Owner, j.EncPassword, fmtTime(j.Target), j.Hours, j.Courts, j.Status,
		fmtTime(j.RunAt), fmtTime(j.CreatedAt), fmtTime(now), j.RetryCount, j.MaxRetries,
		j.CheckCount, nullTime(j.LastCheck), j.Result, j.LastError,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return JobRecord{}, ErrNotFound
	}
	return j, err
}

func (s *Store) ListJobsByOwner(ctx context.Context, owner string) ([]JobRecord, error) {
	return s.queryJobs(ctx, `SELECT `+jobCols+` FROM jobs WHERE owner=? ORDER BY created_at DESC`, owner)
}

// ActiveJobs returns every non-terminal record, for startup recovery.
func (s *Store) ActiveJobs(ctx context.Context) ([]JobRecord, error) {
	return s.queryJobs(ctx, `
SELECT `+jobCols+` FROM jobs
WHERE status IN ('scheduled','running','retrying')
ORDER BY created_at ASC`)
}

// MarkRunning claims a job for execution. It only succeeds from an armable
// state, so an in-flight timer whose job was cancelled in the meantime
// observes that here and performs no side effects.
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, []Status{StatusScheduled, StatusRetrying, StatusRunning}, StatusRunning, "")
}

func (s *Store) MarkCompleted(ctx context.Context, id, resultJSON string) error {
	ok, err := s.transition(ctx, id, []Status{StatusRunning}, StatusCompleted,
		`result=?`, resultJSON)
	return demand(ok, err, id, StatusCompleted)
}

func (s *Store) MarkFailed(ctx context.Context, id, resultJSON, errMsg string) error {
	ok, err := s.transition(ctx, id, []Status{StatusRunning}, StatusFailed,
		`result=?, last_error=?`, resultJSON, errMsg)
	return demand(ok, err, id, StatusFailed)
}

func (s *Store) MarkRetrying(ctx context.Context, id string, retryCount int, nextRun time.Time) error {
	ok, err := s.transition(ctx, id, []Status{StatusRunning}, StatusRetrying,
		`retry_count=?, run_at=?`, retryCount, fmtTime(nextRun))
	return demand(ok, err, id, StatusRetrying)
}

func (s *Store) MarkError(ctx context.Context, id, diagnostic string) error {
	_, err := s.transition(ctx, id, nonTerminal(), StatusError, `last_error=?`, diagnostic)
	return err
}

func (s *Store) MarkExpired(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, nonTerminal(), StatusExpired, "")
	return err
}

// CancelJob is advisory: the status flips immediately, a running invocation
// notices at its next state check.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, nonTerminal(), StatusCancelled, "")
}

// RequeueWatcher parks a recurring job back in scheduled after an
// unsuccessful tick, recording the next tick time.
func (s *Store) RequeueWatcher(ctx context.Context, id string, nextRun time.Time, lastErr string) error {
	ok, err := s.transition(ctx, id, []Status{StatusRunning}, StatusScheduled,
		`run_at=?, last_error=?`, fmtTime(nextRun), lastErr)
	return demand(ok, err, id, StatusScheduled)
}

// TickWatcher bumps the check counter for a firing recurring job.
func (s *Store) TickWatcher(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.exec(ctx, `
UPDATE jobs SET check_count=check_count+1, last_check=?, updated_at=?
WHERE id=?`, fmtTime(now), fmtTime(now), id)
	return err
}

func nonTerminal() []Status {
	return []Status{StatusScheduled, StatusRunning, StatusRetrying}
}

// transition moves a job between statuses, guarded so a terminal record can
// never be revived. extraSet is an optional "col=?, col=?" fragment.
func (s *Store) transition(ctx context.Context, id string, from []Status, to Status, extraSet string, extraArgs ...any) (bool, error) {
	set := `status=?, updated_at=?`
	if extraSet != "" {
		set += ", " + extraSet
	}
	args := []any{to, fmtTime(time.Now())}
	args = append(args, extraArgs...)

	ph := make([]string, len(from))
	for i, f := range from {
		ph[i] = "?"
		args = append(args, f)
	}
	args = append(args, id)

	res, err := s.exec(ctx, `UPDATE jobs SET `+set+` WHERE status IN (`+strings.Join(ph, ",")+`) AND id=?`, args...)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", id, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func demand(ok bool, err error, id string, to Status) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s: illegal transition to %s", id, to)
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var j JobRecord
	var target, runAt, createdAt, updatedAt string
	var lastCheck sql.NullString
	err := row.Scan(
		&j.ID, &j.Type, &j.Owner, &j.EncPassword, &target, &j.Hours, &j.Courts, &j.Status,
		&runAt, &createdAt, &updatedAt, &j.RetryCount, &j.MaxRetries, &j.CheckCount,
		&lastCheck, &j.Result, &j.LastError,
	)
	if err != nil {
		return JobRecord{}, err
	}
	j.Target = parseTime(target)
	j.RunAt = parseTime(runAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	if lastCheck.Valid {
		t := parseTime(lastCheck.String)
		j.LastCheck = &t
	}
	return j, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
