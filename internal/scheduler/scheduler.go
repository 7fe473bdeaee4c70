// Package scheduler arms timers for durable booking jobs and fires them into
// the saga. Jobs survive restarts: every state transition is persisted before
// and after an attempt, and RecoverOnStartup re-derives timers from the store.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WatchBeam/clock"

	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/crypto"
	"github.com/example/court-scheduler/internal/identity"
	"github.com/example/court-scheduler/internal/store"
)

// OrchestratorFactory builds a saga runner bound to one owner's platform
// credentials.
type OrchestratorFactory func(email, password string) (*booking.Orchestrator, error)

const (
	defaultWorkers  = 5
	defaultInterval = 30 * time.Minute
)

// Scheduler owns the in-process timers over the durable job table. One
// Scheduler exists per process; construct it at startup and Stop it on
// shutdown.
type Scheduler struct {
	Store   *store.Store
	Locks   *identity.Registry
	Factory OrchestratorFactory
	AEAD    *crypto.AEAD
	Log     *slog.Logger

	// Clock defaults to the wall clock; tests inject a mock.
	Clock clock.Clock

	// Workers bounds concurrent job executions (default 5).
	Workers int

	// WatchInterval is the recurring watcher cadence (default 30m).
	WatchInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]chan struct{} // job id -> stop channel
	running map[string]bool          // single-flight per job
}

// Start prepares the scheduler's run context. Must be called before any
// Schedule* or RecoverOnStartup call.
func (s *Scheduler) Start(ctx context.Context) {
	if s.Clock == nil {
		s.Clock = clock.C
	}
	if s.Workers <= 0 {
		s.Workers = defaultWorkers
	}
	if s.WatchInterval <= 0 {
		s.WatchInterval = defaultInterval
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.sem = make(chan struct{}, s.Workers)
	s.timers = make(map[string]chan struct{})
	s.running = make(map[string]bool)
}

// Stop deregisters every timer and waits for in-flight executions to finish.
// The store itself is flushed transactionally on every write, so after Stop
// returns the persisted view is complete.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	for id, stop := range s.timers {
		close(stop)
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ScheduleOneTime persists the record and arms a single timer firing at
// dueAt. The record's retry/backoff protocol reuses the same job identity.
func (s *Scheduler) ScheduleOneTime(ctx context.Context, rec store.JobRecord, dueAt time.Time) error {
	rec.Type = store.JobOneTime
	rec.Status = store.StatusScheduled
	rec.RunAt = dueAt
	if err := s.Store.CreateJob(ctx, rec); err != nil {
		return err
	}
	s.armOneTime(rec.ID, dueAt)
	return nil
}

// ScheduleRecurring persists the record and arms a repeating timer starting
// at startAt.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, rec store.JobRecord, startAt time.Time) error {
	rec.Type = store.JobRecurring
	rec.Status = store.StatusScheduled
	rec.RunAt = startAt
	if err := s.Store.CreateJob(ctx, rec); err != nil {
		return err
	}
	s.armRecurring(rec.ID, startAt)
	return nil
}

// Cancel flips the record to cancelled and deregisters its timer. An
// execution already in flight observes the cancellation at its next state
// check; nothing is preempted.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.Store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if ok {
		s.disarm(jobID)
	}
	return ok, nil
}

// RecoverOnStartup reloads every non-terminal record and re-derives its
// timer. A record that cannot be reconstructed is marked error with a
// diagnostic and skipped; recovery of the others proceeds. A resumed job
// always performs a fresh attempt; compensation reconciles whatever an
// interrupted run left behind.
func (s *Scheduler) RecoverOnStartup(ctx context.Context) error {
	jobs, err := s.Store.ActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	now := s.Clock.Now()
	for _, j := range jobs {
		if err := s.recoverJob(ctx, j, now); err != nil {
			s.log().Warn("recovery: marking job as error", "job_id", j.ID, "err", err)
			if merr := s.Store.MarkError(ctx, j.ID, "reconstruct on startup: "+err.Error()); merr != nil {
				s.log().Error("recovery: mark error failed", "job_id", j.ID, "err", merr)
			}
		}
	}
	return nil
}

func (s *Scheduler) recoverJob(ctx context.Context, j store.JobRecord, now time.Time) error {
	// sanity-check the record before arming anything
	if j.Hours < 1 || j.Courts < 1 || j.Owner == "" {
		return fmt.Errorf("invalid record fields")
	}
	if _, err := s.AEAD.DecryptString(j.EncPassword); err != nil {
		return fmt.Errorf("credentials unreadable: %w", err)
	}

	if !now.Before(j.Target) {
		return s.Store.MarkExpired(ctx, j.ID)
	}

	switch j.Type {
	case store.JobOneTime:
		if j.RunAt.After(now) {
			s.armOneTime(j.ID, j.RunAt)
		} else {
			s.armOneTime(j.ID, now)
		}
	case store.JobRecurring:
		start := j.RunAt
		if !start.After(now) {
			start = now
		}
		s.armRecurring(j.ID, start)
	default:
		return fmt.Errorf("unknown job type %q", j.Type)
	}
	return nil
}

// --- timers ---

func (s *Scheduler) armOneTime(jobID string, at time.Time) {
	stop := s.register(jobID)
	if stop == nil {
		return // already armed
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		delay := at.Sub(s.Clock.Now())
		if delay < 0 {
			delay = 0
		}
		select {
		case <-s.ctx.Done():
			return
		case <-stop:
			return
		case <-s.Clock.After(delay):
		}
		s.deregister(jobID)
		s.dispatch(jobID, func() { s.runOneTime(jobID) })
	}()
}

func (s *Scheduler) armRecurring(jobID string, startAt time.Time) {
	stop := s.register(jobID)
	if stop == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.deregister(jobID)

		wait := startAt.Sub(s.Clock.Now())
		if wait < 0 {
			wait = 0
		}
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-stop:
				return
			case <-s.Clock.After(wait):
			}

			done := make(chan bool, 1)
			s.dispatch(jobID, func() { done <- s.runWatcherTick(jobID) })
			select {
			case terminal := <-done:
				if terminal {
					return
				}
			case <-s.ctx.Done():
				return
			case <-stop:
				return
			}
			wait = s.WatchInterval
		}
	}()
}

// dispatch runs fn on the bounded worker pool, at most one invocation per
// job at a time. A tick arriving while the previous one is still in flight
// is skipped.
func (s *Scheduler) dispatch(jobID string, fn func()) {
	s.mu.Lock()
	if s.running[jobID] {
		s.mu.Unlock()
		s.log().Warn("skipping overlapping invocation", "job_id", jobID)
		return
	}
	s.running[jobID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, jobID)
			s.mu.Unlock()
		}()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.ctx.Done():
			return
		}
		fn()
	}()
}

func (s *Scheduler) register(jobID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.timers[jobID]; exists {
		return nil
	}
	stop := make(chan struct{})
	s.timers[jobID] = stop
	return stop
}

func (s *Scheduler) deregister(jobID string) {
	s.mu.Lock()
	delete(s.timers, jobID)
	s.mu.Unlock()
}

func (s *Scheduler) disarm(jobID string) {
	s.mu.Lock()
	if stop, ok := s.timers[jobID]; ok {
		close(stop)
		delete(s.timers, jobID)
	}
	s.mu.Unlock()
}

// --- job execution ---

// runOneTime executes a deferred booking attempt with the exponential
// backoff retry protocol: 2^retryCount minutes between attempts, bounded by
// max_retries, all on the same job identity.
func (s *Scheduler) runOneTime(jobID string) {
	ctx := s.ctx

	j, orch, ok := s.claim(ctx, jobID)
	if !ok {
		return
	}

	release := s.Locks.Acquire(j.Owner)
	defer release()

	// cancellation may have landed while we waited for the lock
	if cur, err := s.Store.GetJob(ctx, jobID); err != nil || cur.Status != store.StatusRunning {
		return
	}

	res, err := orch.Book(ctx, booking.Request{Start: j.Target, Hours: j.Hours, Courts: j.Courts})
	resultJSON := marshalResult(res)

	switch {
	case err == nil:
		s.finish(ctx, jobID, func() error { return s.Store.MarkCompleted(ctx, jobID, resultJSON) })
	case errors.Is(err, booking.ErrAuthentication):
		s.finish(ctx, jobID, func() error { return s.Store.MarkFailed(ctx, jobID, resultJSON, err.Error()) })
	case booking.Retryable(err) && j.RetryCount < j.MaxRetries:
		delay := time.Duration(1<<uint(j.RetryCount)) * time.Minute
		next := s.Clock.Now().Add(delay)
		s.finish(ctx, jobID, func() error { return s.Store.MarkRetrying(ctx, jobID, j.RetryCount+1, next) })
		s.armOneTime(jobID, next)
		s.log().Info("booking failed, retry scheduled",
			"job_id", jobID, "retry", j.RetryCount+1, "next_run", next, "err", err)
	default:
		s.finish(ctx, jobID, func() error { return s.Store.MarkFailed(ctx, jobID, resultJSON, err.Error()) })
	}
}

// runWatcherTick executes one cancellation-watcher tick. Returns true when
// the watcher is done and must deregister.
func (s *Scheduler) runWatcherTick(jobID string) bool {
	ctx := s.ctx

	j, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		s.log().Error("watcher: load job failed", "job_id", jobID, "err", err)
		return false
	}
	if j.Status.Terminal() {
		return true
	}

	// Expiry is checked before any booking attempt, regardless of how many
	// checks have run so far.
	if !s.Clock.Now().Before(j.Target) {
		if err := s.Store.MarkExpired(ctx, jobID); err != nil {
			s.log().Error("watcher: mark expired failed", "job_id", jobID, "err", err)
		}
		return true
	}

	j, orch, ok := s.claim(ctx, jobID)
	if !ok {
		return true
	}
	if err := s.Store.TickWatcher(ctx, jobID); err != nil {
		s.log().Warn("watcher: tick bookkeeping failed", "job_id", jobID, "err", err)
	}

	release := s.Locks.Acquire(j.Owner)
	defer release()

	if cur, err := s.Store.GetJob(ctx, jobID); err != nil || cur.Status != store.StatusRunning {
		return true
	}

	res, err := orch.Book(ctx, booking.Request{Start: j.Target, Hours: j.Hours, Courts: j.Courts})
	resultJSON := marshalResult(res)

	switch {
	case err == nil:
		s.finish(ctx, jobID, func() error { return s.Store.MarkCompleted(ctx, jobID, resultJSON) })
		return true
	case errors.Is(err, booking.ErrAuthentication):
		s.finish(ctx, jobID, func() error { return s.Store.MarkFailed(ctx, jobID, resultJSON, err.Error()) })
		return true
	default:
		// not yet: stay scheduled and wait for the next tick
		next := s.Clock.Now().Add(s.WatchInterval)
		if rqErr := s.Store.RequeueWatcher(ctx, jobID, next, err.Error()); rqErr != nil {
			s.log().Warn("watcher: requeue failed", "job_id", jobID, "err", rqErr)
			return true
		}
		return false
	}
}

// claim marks the job running and builds its orchestrator. Returns ok=false
// when the job is no longer runnable (cancelled in the meantime) or its
// stored state cannot be used.
func (s *Scheduler) claim(ctx context.Context, jobID string) (store.JobRecord, *booking.Orchestrator, bool) {
	j, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		s.log().Error("load job failed", "job_id", jobID, "err", err)
		return store.JobRecord{}, nil, false
	}
	if j.Status.Terminal() {
		return store.JobRecord{}, nil, false
	}

	ok, err := s.Store.MarkRunning(ctx, jobID)
	if err != nil {
		s.log().Error("mark running failed", "job_id", jobID, "err", err)
		return store.JobRecord{}, nil, false
	}
	if !ok {
		return store.JobRecord{}, nil, false
	}

	password, err := s.AEAD.DecryptString(j.EncPassword)
	if err != nil {
		_ = s.Store.MarkError(ctx, jobID, "credentials unreadable: "+err.Error())
		return store.JobRecord{}, nil, false
	}
	orch, err := s.Factory(j.Owner, password)
	if err != nil {
		_ = s.Store.MarkError(ctx, jobID, "orchestrator init: "+err.Error())
		return store.JobRecord{}, nil, false
	}
	return j, orch, true
}

// finish applies a terminal-side transition, tolerating the race where a
// cancel landed mid-run: the guarded update simply doesn't apply then.
func (s *Scheduler) finish(ctx context.Context, jobID string, apply func() error) {
	if err := apply(); err != nil {
		s.log().Warn("job state update not applied", "job_id", jobID, "err", err)
	}
}

func marshalResult(res booking.Result) string {
	b, err := json.Marshal(res)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *Scheduler) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
