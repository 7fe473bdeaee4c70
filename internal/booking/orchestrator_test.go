package booking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePlatform scripts the backend for one test. Attempts succeed unless an
// explicit result or error is registered for the (slot, court) pair.
type fakePlatform struct {
	loginErr error

	availErr error
	avail    map[string][]int            // "15:04" -> free courts, any day
	perDay   map[string]map[string][]int // "2006-01-02" -> slot map, overrides avail
	queries  int

	results map[string]BookResult
	errs    map[string]error
	calls   []string

	listed  []Reservation
	listErr error
	lists   int

	cancelFail map[string]bool
	cancels    []string
}

func pkey(t time.Time, court int) string {
	return t.Format("2006-01-02 15:04") + "/" + strconv.Itoa(court)
}

func (f *fakePlatform) Login(ctx context.Context) error { return f.loginErr }

func (f *fakePlatform) QueryAvailability(ctx context.Context, date time.Time, window TimeWindow) (map[string][]int, error) {
	f.queries++
	if f.availErr != nil {
		return nil, f.availErr
	}
	if f.perDay != nil {
		return f.perDay[date.Format("2006-01-02")], nil
	}
	return f.avail, nil
}

func (f *fakePlatform) AttemptReservation(ctx context.Context, start time.Time, court int) (BookResult, error) {
	k := pkey(start, court)
	f.calls = append(f.calls, k)
	if err, ok := f.errs[k]; ok {
		return BookResult{}, err
	}
	if r, ok := f.results[k]; ok {
		return r, nil
	}
	return BookResult{Success: true, BackendID: "bk-" + k}, nil
}

func (f *fakePlatform) ListReservations(ctx context.Context) ([]Reservation, error) {
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listed, nil
}

func (f *fakePlatform) CancelReservation(ctx context.Context, backendID string) (bool, error) {
	f.cancels = append(f.cancels, backendID)
	if f.cancelFail[backendID] {
		return false, nil
	}
	return true, nil
}

func orch(f *fakePlatform, now time.Time) *Orchestrator {
	return &Orchestrator{Oracle: f, Backend: f, Now: func() time.Time { return now }}
}

func at(day string, hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", day+" "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func TestBookTwoHoursTwoCourts(t *testing.T) {
	start := at("2026-09-01", "17:30")
	f := &fakePlatform{avail: map[string][]int{
		"17:30": {1, 2, 3, 4},
		"18:30": {1, 2, 3, 4},
	}}

	res, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 2, Courts: 2})
	require.NoError(t, err)

	require.Len(t, res.Plan, 2)
	require.Equal(t, []int{1, 2}, res.Plan[0].Courts)
	require.Equal(t, []int{1, 2}, res.Plan[1].Courts)

	// exactly hours*courts booking calls, nothing extra
	require.Len(t, f.calls, 4)
	require.Zero(t, f.lists, "no orphans, so reservations are never listed")
	require.Empty(t, f.cancels)
	require.Zero(t, res.Compensated)
}

func TestBookPrefersPreviousHourSubset(t *testing.T) {
	start := at("2026-09-01", "17:30")
	slot2 := start.Add(time.Hour)
	f := &fakePlatform{avail: map[string][]int{
		"17:30": {3, 4},
		"18:30": {1, 2, 3, 4},
	}}

	res, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 2, Courts: 2})
	require.NoError(t, err)
	require.Equal(t, []int{3, 4}, res.Plan[0].Courts)

	// hour two is tried with the previous hour's subset first, even though
	// the canonical order would start at (1,2)
	require.Equal(t, []int{3, 4}, res.Plan[1].Courts)
	require.Equal(t, pkey(slot2, 3), f.calls[2])
}

func TestBookFallsBackWhenPreviousSubsetTaken(t *testing.T) {
	start := at("2026-09-01", "17:30")
	slot2 := start.Add(time.Hour)
	f := &fakePlatform{
		avail: map[string][]int{
			"17:30": {1, 2},
			"18:30": {2, 3, 4},
		},
	}

	res, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 2, Courts: 1})
	require.NoError(t, err)
	require.Equal(t, []int{1}, res.Plan[0].Courts)
	require.Equal(t, []int{2}, res.Plan[1].Courts)
	require.Equal(t, pkey(slot2, 2), f.calls[1])
}

func TestBookAllOrNothing(t *testing.T) {
	start := at("2026-09-01", "17:30")
	f := &fakePlatform{avail: map[string][]int{
		"17:30": {1},
		// hour two has nothing free
	}}

	res, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 2, Courts: 1})
	require.ErrorIs(t, err, ErrUnavailable)

	require.Empty(t, res.Plan)
	require.Equal(t, 1, res.Compensated, "the hour-one booking must be undone")
	require.Equal(t, []string{"bk-" + pkey(start, 1)}, f.cancels)
}

func TestBookCancelsAbandonedSubsetBookings(t *testing.T) {
	start := at("2026-09-01", "17:30")
	f := &fakePlatform{
		avail: map[string][]int{"17:30": {1, 2, 3, 4}},
		results: map[string]BookResult{
			// (1,2): court 1 books, court 2 refuses; subset abandoned
			pkey(start, 2): {Success: false, Message: "taken"},
		},
	}

	res, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 1, Courts: 2})
	require.NoError(t, err)

	// (1,2) books court 1 then loses court 2; (2,3) loses court 2 outright;
	// (3,4) lands. The stray court-1 booking must be cancelled afterwards.
	require.Equal(t, []int{3, 4}, res.Plan[0].Courts)
	require.Equal(t, 1, res.Compensated)
	require.Equal(t, []string{"bk-" + pkey(start, 1)}, f.cancels)
	require.Equal(t, 1, f.lists)
}

func TestBookResolvesMissingBackendID(t *testing.T) {
	start := at("2026-09-01", "17:30")
	f := &fakePlatform{
		avail: map[string][]int{"17:30": {1}},
		results: map[string]BookResult{
			// booking succeeds but the platform returns no id
			pkey(start, 1): {Success: true},
		},
		listed: []Reservation{{BackendID: "res-77", Start: start, Court: 1}},
	}

	// force failure on the second hour so the hour-one booking is an orphan
	res, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 2, Courts: 1})
	require.ErrorIs(t, err, ErrUnavailable)

	require.Equal(t, 1, f.lists)
	require.Equal(t, []string{"res-77"}, f.cancels)
	require.Equal(t, 1, res.Compensated)
	require.Zero(t, res.CompensationErrors)
}

func TestBookCompensationBestEffort(t *testing.T) {
	start := at("2026-09-01", "17:30")
	f := &fakePlatform{
		avail:      map[string][]int{"17:30": {1}},
		cancelFail: map[string]bool{"bk-" + pkey(start, 1): true},
	}

	res, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 2, Courts: 1})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Zero(t, res.Compensated)
	require.Equal(t, 1, res.CompensationErrors)
}

func TestBookTransientAttemptFailure(t *testing.T) {
	start := at("2026-09-01", "17:30")
	f := &fakePlatform{
		avail: map[string][]int{"17:30": {1}},
		errs:  map[string]error{pkey(start, 1): errors.New("read tcp: i/o timeout")},
	}

	_, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 1, Courts: 1})
	require.ErrorIs(t, err, ErrTransient)
	require.True(t, Retryable(err))
}

func TestBookAvailabilityQueryFailure(t *testing.T) {
	start := at("2026-09-01", "17:30")
	f := &fakePlatform{availErr: errors.New("503")}

	_, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 1, Courts: 1})
	require.ErrorIs(t, err, ErrTransient)
}

func TestBookLoginRejected(t *testing.T) {
	start := at("2026-09-01", "17:30")
	f := &fakePlatform{loginErr: fmt.Errorf("login rejected: %w", ErrAuthentication)}

	_, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 1, Courts: 1})
	require.ErrorIs(t, err, ErrAuthentication)
	require.False(t, Retryable(err))
}

func TestBookLoginTransportFailureIsTransient(t *testing.T) {
	start := at("2026-09-01", "17:30")
	f := &fakePlatform{loginErr: errors.New("read tcp 10.0.0.1:443: i/o timeout")}

	_, err := orch(f, start.Add(-time.Hour)).Book(context.Background(), Request{Start: start, Hours: 1, Courts: 1})
	require.ErrorIs(t, err, ErrTransient)
	require.NotErrorIs(t, err, ErrAuthentication)
	require.True(t, Retryable(err), "a network blip at login time must stay retryable")
}

func TestBookValidation(t *testing.T) {
	f := &fakePlatform{}
	o := orch(f, time.Now())

	_, err := o.Book(context.Background(), Request{Start: time.Now(), Hours: 0, Courts: 1})
	require.Error(t, err)

	_, err = o.Book(context.Background(), Request{Start: time.Now(), Hours: 1, Courts: 5})
	require.Error(t, err)
}

func TestBookWindowSearch(t *testing.T) {
	start := at("2026-09-01", "17:30")
	end := at("2026-09-01", "20:30")
	f := &fakePlatform{avail: map[string][]int{
		// only the 18:30 slot is free
		"18:30": {1},
	}}

	res, err := orch(f, start.Add(-time.Hour)).Book(context.Background(),
		Request{Start: start, Hours: 1, Courts: 1, WindowEnd: &end})
	require.NoError(t, err)
	require.Equal(t, at("2026-09-01", "18:30"), res.Plan[0].Start)
}

func TestBookWindowExhausted(t *testing.T) {
	start := at("2026-09-01", "17:30")
	end := at("2026-09-01", "19:30")
	f := &fakePlatform{avail: map[string][]int{}}

	_, err := orch(f, start.Add(-time.Hour)).Book(context.Background(),
		Request{Start: start, Hours: 1, Courts: 1, WindowEnd: &end})
	require.ErrorIs(t, err, ErrUnavailable)

	// 17:30, 18:00, 18:30 fit a one-hour block before 19:30
	require.Equal(t, 3, f.queries)
}

func TestBookWindowTooSmall(t *testing.T) {
	start := at("2026-09-01", "17:30")
	end := at("2026-09-01", "18:30")
	f := &fakePlatform{avail: map[string][]int{}}

	// a 2h block never fits a 1h window, no attempt is made
	_, err := orch(f, start.Add(-time.Hour)).Book(context.Background(),
		Request{Start: start, Hours: 2, Courts: 1, WindowEnd: &end})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Zero(t, f.queries)
}

func TestFindAcrossDays(t *testing.T) {
	now := at("2026-09-01", "12:00")
	start := at("2026-09-01", "17:30")
	f := &fakePlatform{perDay: map[string]map[string][]int{
		"2026-09-01": {},
		"2026-09-02": {},
		"2026-09-03": {"17:30": {1}},
	}}

	res, booked, err := orch(f, now).FindAcrossDays(context.Background(),
		Request{Start: start, Hours: 1, Courts: 1})
	require.NoError(t, err)
	require.Equal(t, at("2026-09-03", "17:30"), booked)
	require.Equal(t, at("2026-09-03", "17:30"), res.Plan[0].Start)
}

func TestFindAcrossDaysStopsAtHorizon(t *testing.T) {
	now := at("2026-09-01", "12:00")
	// bookable today through +15d; nothing is ever free
	start := at("2026-09-14", "17:30")
	f := &fakePlatform{avail: map[string][]int{}}

	_, deferredTo, err := orch(f, now).FindAcrossDays(context.Background(),
		Request{Start: start, Hours: 1, Courts: 1})
	require.ErrorIs(t, err, ErrBeyondHorizon)

	// the 14th and 15th are searchable; the 16th at 17:30 is past the horizon
	require.Equal(t, at("2026-09-16", "17:30"), deferredTo)
	require.Equal(t, 2, f.queries)
}

func TestFindAcrossDaysImmediateHorizonStop(t *testing.T) {
	now := at("2026-09-01", "12:00")
	start := at("2026-09-20", "17:30")
	f := &fakePlatform{}

	_, deferredTo, err := orch(f, now).FindAcrossDays(context.Background(),
		Request{Start: start, Hours: 1, Courts: 1})
	require.ErrorIs(t, err, ErrBeyondHorizon)
	require.Equal(t, start, deferredTo)
	require.Zero(t, f.queries)
}

func TestFindAcrossDaysTerminalError(t *testing.T) {
	now := at("2026-09-01", "12:00")
	f := &fakePlatform{loginErr: fmt.Errorf("login rejected: %w", ErrAuthentication)}

	_, _, err := orch(f, now).FindAcrossDays(context.Background(),
		Request{Start: at("2026-09-01", "17:30"), Hours: 1, Courts: 1})
	require.ErrorIs(t, err, ErrAuthentication)
	require.Equal(t, 0, f.queries, "terminal failure stops the day loop")
}

func TestWithinHorizon(t *testing.T) {
	now := at("2026-09-01", "12:00")
	require.True(t, WithinHorizon(now, now))
	require.True(t, WithinHorizon(now, now.Add(MaxAdvance)))
	require.False(t, WithinHorizon(now, now.Add(MaxAdvance+time.Minute)))
	require.False(t, WithinHorizon(now, now.Add(-time.Minute)))
}

func TestDeferredRunTime(t *testing.T) {
	target := at("2026-09-20", "17:30")
	require.Equal(t, target.Add(-15*24*time.Hour), DeferredRunTime(target))
}
