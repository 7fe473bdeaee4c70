package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Orchestrator runs the booking saga for one owner. It is bound to that
// owner's backend session and must be driven under the owner's identity lock.
type Orchestrator struct {
	Oracle  Availability
	Backend Backend

	// Pool overrides the court pool size; zero means PoolSize.
	Pool int

	Log *slog.Logger
	Now func() time.Time
}

// Book attempts the full N-hour, K-court reservation. With WindowEnd set it
// repeats the attempt at every 30-minute offset that still fits the duration
// before the window closes, returning on the first full success.
//
// On any failure every booking made along the way has already been
// compensated; the result carries the full attempt trail either way.
func (o *Orchestrator) Book(ctx context.Context, req Request) (Result, error) {
	if req.Hours < 1 {
		return Result{}, fmt.Errorf("hours must be >= 1")
	}
	if req.Courts < 1 || req.Courts > o.pool() {
		return Result{}, fmt.Errorf("courts must be between 1 and %d", o.pool())
	}

	if err := o.Backend.Login(ctx); err != nil {
		if errors.Is(err, ErrAuthentication) {
			return Result{}, fmt.Errorf("login: %w", err)
		}
		// a timeout or server fault during login is not a credential problem
		return Result{}, fmt.Errorf("login: %v: %w", err, ErrTransient)
	}

	if req.WindowEnd == nil {
		return o.attempt(ctx, req.Start, req.Hours, req.Courts)
	}

	// latest start that still fits the whole duration before the window end
	latest := req.WindowEnd.Add(-time.Duration(req.Hours) * time.Hour)
	var last Result
	lastErr := error(ErrUnavailable)
	for t := req.Start; !t.After(latest); t = t.Add(WindowStep) {
		res, err := o.attempt(ctx, t, req.Hours, req.Courts)
		if err == nil {
			return res, nil
		}
		last, lastErr = res, err
	}
	return last, fmt.Errorf("window exhausted: %w", lastErr)
}

// FindAcrossDays repeats the request at the same time-of-day on successive
// days, up to MaxSearchDays. When a candidate day falls outside the booking
// horizon it stops and returns that start time with ErrBeyondHorizon, so the
// caller can defer the request instead.
func (o *Orchestrator) FindAcrossDays(ctx context.Context, req Request) (Result, time.Time, error) {
	start := req.Start
	windowEnd := req.WindowEnd

	var last Result
	for day := 0; day < MaxSearchDays; day++ {
		if !WithinHorizon(o.now(), start) {
			return Result{}, start, ErrBeyondHorizon
		}

		dayReq := Request{Start: start, Hours: req.Hours, Courts: req.Courts, WindowEnd: windowEnd}
		res, err := o.Book(ctx, dayReq)
		if err == nil {
			return res, start, nil
		}
		if !Retryable(err) {
			return res, start, err
		}
		last = res

		start = start.AddDate(0, 0, 1)
		if windowEnd != nil {
			w := windowEnd.AddDate(0, 0, 1)
			windowEnd = &w
		}
	}
	return last, start, fmt.Errorf("no availability within %d days: %w", MaxSearchDays, ErrUnavailable)
}

// attempt is one anchored saga: book every hour or leave nothing behind.
func (o *Orchestrator) attempt(ctx context.Context, start time.Time, hours, k int) (Result, error) {
	window := TimeWindow{Start: start, End: start.Add(time.Duration(hours) * time.Hour)}
	avail, err := o.Oracle.QueryAvailability(ctx, start, window)
	if err != nil {
		return Result{}, fmt.Errorf("availability query: %v: %w", err, ErrTransient)
	}

	var (
		tracked      []Attempt
		plan         []PlanHour
		prev         []int
		sawTransient bool
	)

	for h := 0; h < hours; h++ {
		slot := start.Add(time.Duration(h) * time.Hour)
		free := make(map[int]bool)
		for _, c := range avail[slot.Format("15:04")] {
			free[c] = true
		}

		var accepted []int
		for _, sub := range o.order(k, prev) {
			if !subsetOf(sub, free) {
				continue
			}
			ok, transient, attempts := o.trySubset(ctx, slot, sub)
			tracked = append(tracked, attempts...)
			sawTransient = sawTransient || transient
			if ok {
				accepted = sub
				break
			}
		}

		if accepted == nil {
			// Partial failure: abort remaining hours and undo everything.
			comp, compErrs := o.compensate(ctx, tracked, nil)
			res := Result{Attempts: tracked, Compensated: comp, CompensationErrors: compErrs}
			if sawTransient {
				return res, fmt.Errorf("hour %s not bookable: %w", slot.Format("15:04"), ErrTransient)
			}
			return res, fmt.Errorf("no %d-court combination free at %s: %w", k, slot.Format("15:04"), ErrUnavailable)
		}

		plan = append(plan, PlanHour{Start: slot, Courts: accepted})
		prev = accepted
	}

	// Success. Bookings from abandoned subset tries are still live on the
	// platform and must be cancelled even though the saga succeeded.
	comp, compErrs := o.compensate(ctx, tracked, plan)
	return Result{Plan: plan, Attempts: tracked, Compensated: comp, CompensationErrors: compErrs}, nil
}

// trySubset books every court of the subset for one slot. The first failed
// court abandons the subset; bookings already made in it stay tracked for
// compensation.
func (o *Orchestrator) trySubset(ctx context.Context, slot time.Time, sub []int) (ok, transient bool, attempts []Attempt) {
	for _, court := range sub {
		br, err := o.Backend.AttemptReservation(ctx, slot, court)
		if err != nil {
			// A timeout or broken response is an ordinary attempt failure.
			attempts = append(attempts, Attempt{Start: slot, Court: court, Message: err.Error()})
			return false, true, attempts
		}
		attempts = append(attempts, Attempt{
			Start: slot, Court: court,
			Success: br.Success, Message: br.Message, BackendID: br.BackendID,
		})
		if !br.Success {
			return false, false, attempts
		}
	}
	return true, false, attempts
}

// compensate cancels every tracked successful booking whose (slot, court)
// pair is not part of the accepted plan. Best effort: individual failures are
// logged and skipped, and the saga's outcome is already decided.
func (o *Orchestrator) compensate(ctx context.Context, tracked []Attempt, plan []PlanHour) (cancelled, failures int) {
	accepted := make(map[string]bool)
	for _, ph := range plan {
		for _, c := range ph.Courts {
			accepted[pairKey(ph.Start, c)] = true
		}
	}

	var orphans []Attempt
	for _, a := range tracked {
		if a.Success && !accepted[pairKey(a.Start, a.Court)] {
			orphans = append(orphans, a)
		}
	}
	if len(orphans) == 0 {
		return 0, 0
	}

	// The platform does not always return an id at booking time, so resolve
	// missing ids against the owner's current reservation list.
	var listed []Reservation
	if ls, err := o.Backend.ListReservations(ctx); err != nil {
		o.log().Warn("compensation: list reservations failed", "err", err)
	} else {
		listed = ls
	}

	for _, a := range orphans {
		id := a.BackendID
		if id == "" {
			id = findBackendID(listed, a.Start, a.Court)
		}
		if id == "" {
			failures++
			o.log().Warn("compensation: no backend id for booking",
				"start", a.Start, "court", a.Court)
			continue
		}
		ok, err := o.Backend.CancelReservation(ctx, id)
		if err != nil || !ok {
			failures++
			o.log().Warn("compensation: cancel failed",
				"backend_id", id, "start", a.Start, "court", a.Court, "err", err)
			continue
		}
		cancelled++
	}
	return cancelled, failures
}

func findBackendID(listed []Reservation, start time.Time, court int) string {
	for _, r := range listed {
		if r.Court == court && r.Start.Equal(start) {
			return r.BackendID
		}
	}
	return ""
}

// order is the subset attempt order for one hour: the previous hour's
// successful subset first, then the canonical enumeration.
func (o *Orchestrator) order(k int, prev []int) [][]int {
	subs := Subsets(o.pool(), k)
	if prev == nil {
		return subs
	}
	out := make([][]int, 0, len(subs))
	out = append(out, prev)
	for _, s := range subs {
		if !sameSubset(s, prev) {
			out = append(out, s)
		}
	}
	return out
}

func pairKey(t time.Time, court int) string {
	return strconv.FormatInt(t.Unix(), 10) + "|" + strconv.Itoa(court)
}

func (o *Orchestrator) pool() int {
	if o.Pool > 0 {
		return o.Pool
	}
	return PoolSize
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}
