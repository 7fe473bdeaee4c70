package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/store"
)

// Service is the submit layer over the scheduler: it decides per request
// whether to book now, defer to the horizon, or arm a watcher, all under the
// owner's identity lock.
type Service struct {
	Sched *Scheduler
}

// JobView is the externally visible shape of a JobRecord. Credential
// material never appears here.
type JobView struct {
	ID         string          `json:"job_id"`
	Type       store.JobType   `json:"job_type"`
	Owner      string          `json:"email"`
	Status     store.Status    `json:"status"`
	Target     time.Time       `json:"reservation_datetime"`
	RunAt      time.Time       `json:"scheduled_for"`
	Hours      int             `json:"hours"`
	Courts     int             `json:"num_courts"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
	CheckCount int             `json:"check_count,omitempty"`
	LastCheck  *time.Time      `json:"last_check,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// Outcome of a submit call: either an immediate booking result or a
// scheduled job handle. On booking failure the error is set and Result
// still carries the attempt trail.
type Outcome struct {
	Result *booking.Result `json:"result,omitempty"`
	Job    *JobView        `json:"job,omitempty"`
}

// BookContinuous books N continuous hours on K courts at the requested
// start. A target beyond the booking horizon is deferred to a one-time job
// firing the instant the horizon opens.
func (s *Service) BookContinuous(ctx context.Context, email, password string, start time.Time, hours, courts int, windowEnd *time.Time) (Outcome, error) {
	now := s.Sched.Clock.Now()
	if start.Before(now) {
		return Outcome{}, fmt.Errorf("reservation time has already passed")
	}

	if !booking.WithinHorizon(now, start) {
		view, err := s.deferToHorizon(ctx, email, password, start, hours, courts)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Job: &view}, nil
	}

	release := s.Sched.Locks.Acquire(email)
	defer release()

	orch, err := s.Sched.Factory(email, password)
	if err != nil {
		return Outcome{}, err
	}
	res, err := orch.Book(ctx, booking.Request{Start: start, Hours: hours, Courts: courts, WindowEnd: windowEnd})
	if err != nil {
		return Outcome{Result: &res}, err
	}
	return Outcome{Result: &res}, nil
}

// FindSlot searches day by day from start for the first day the request
// fully books. When the search walks past the booking horizon the remaining
// candidate is deferred to a one-time job instead.
func (s *Service) FindSlot(ctx context.Context, email, password string, start time.Time, hours, courts int, windowEnd *time.Time) (Outcome, error) {
	release := s.Sched.Locks.Acquire(email)
	defer release()

	orch, err := s.Sched.Factory(email, password)
	if err != nil {
		return Outcome{}, err
	}
	orch.Now = s.Sched.Clock.Now

	res, at, err := orch.FindAcrossDays(ctx, booking.Request{Start: start, Hours: hours, Courts: courts, WindowEnd: windowEnd})
	switch {
	case err == nil:
		return Outcome{Result: &res}, nil
	case errors.Is(err, booking.ErrBeyondHorizon):
		view, derr := s.deferToHorizon(ctx, email, password, at, hours, courts)
		if derr != nil {
			return Outcome{}, derr
		}
		return Outcome{Job: &view}, nil
	default:
		return Outcome{Result: &res}, err
	}
}

// WatchForCancellations tries to book immediately and, if the slots are
// taken, arms a recurring watcher that re-attempts every half hour until
// success, expiry or explicit cancellation.
func (s *Service) WatchForCancellations(ctx context.Context, email, password string, start time.Time, hours, courts int, windowEnd *time.Time) (Outcome, error) {
	now := s.Sched.Clock.Now()
	if !now.Before(start) {
		return Outcome{}, fmt.Errorf("reservation time has already passed")
	}

	release := s.Sched.Locks.Acquire(email)

	orch, err := s.Sched.Factory(email, password)
	if err != nil {
		release()
		return Outcome{}, err
	}
	res, err := orch.Book(ctx, booking.Request{Start: start, Hours: hours, Courts: courts, WindowEnd: windowEnd})
	release()

	if err == nil {
		return Outcome{Result: &res}, nil
	}
	if !booking.Retryable(err) {
		return Outcome{Result: &res}, err
	}

	rec, err := s.newRecord("watcher", email, password, start, hours, courts)
	if err != nil {
		return Outcome{}, err
	}
	firstTick := nextHalfHour(now)
	if err := s.Sched.ScheduleRecurring(ctx, rec, firstTick); err != nil {
		return Outcome{}, err
	}
	view, err := s.GetJob(ctx, rec.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Job: &view}, nil
}

func (s *Service) ListJobs(ctx context.Context, owner string) ([]JobView, error) {
	jobs, err := s.Sched.Store.ListJobsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewOf(j))
	}
	return out, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (JobView, error) {
	j, err := s.Sched.Store.GetJob(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	return viewOf(j), nil
}

func (s *Service) CancelJob(ctx context.Context, jobID string) (bool, error) {
	return s.Sched.Cancel(ctx, jobID)
}

// deferToHorizon schedules a one-time job at target - horizon.
func (s *Service) deferToHorizon(ctx context.Context, email, password string, target time.Time, hours, courts int) (JobView, error) {
	rec, err := s.newRecord("reservation", email, password, target, hours, courts)
	if err != nil {
		return JobView{}, err
	}
	if err := s.Sched.ScheduleOneTime(ctx, rec, booking.DeferredRunTime(target)); err != nil {
		return JobView{}, err
	}
	return s.GetJob(ctx, rec.ID)
}

func (s *Service) newRecord(prefix, email, password string, target time.Time, hours, courts int) (store.JobRecord, error) {
	enc, err := s.Sched.AEAD.EncryptToString(password)
	if err != nil {
		return store.JobRecord{}, fmt.Errorf("encrypt credentials: %w", err)
	}
	return store.JobRecord{
		ID:          prefix + "_" + shortID(),
		Owner:       email,
		EncPassword: enc,
		Target:      target,
		Hours:       hours,
		Courts:      courts,
		MaxRetries:  6,
		CreatedAt:   s.Sched.Clock.Now(),
	}, nil
}

// Anchor resolves the search start for requests without an explicit date:
// today at the requested time, or tomorrow if that moment already passed.
func Anchor(now, start time.Time, dateProvided bool) time.Time {
	if !dateProvided && start.Before(now) {
		return start.AddDate(0, 0, 1)
	}
	return start
}

// nextHalfHour aligns to the next XX:00 or XX:30 boundary.
func nextHalfHour(now time.Time) time.Time {
	if now.Minute() < 30 {
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 30, 0, 0, now.Location())
	}
	return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location()).Add(time.Hour)
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func viewOf(j store.JobRecord) JobView {
	v := JobView{
		ID:         j.ID,
		Type:       j.Type,
		Owner:      j.Owner,
		Status:     j.Status,
		Target:     j.Target,
		RunAt:      j.RunAt,
		Hours:      j.Hours,
		Courts:     j.Courts,
		CreatedAt:  j.CreatedAt,
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
		CheckCount: j.CheckCount,
		LastCheck:  j.LastCheck,
		LastError:  j.LastError,
	}
	if j.Result != "" {
		v.Result = json.RawMessage(j.Result)
	}
	return v
}
