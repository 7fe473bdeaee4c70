// Package booking implements the reservation saga: multi-hour, multi-court
// booking against a platform that only offers single-slot, single-court
// booking, with compensating cancellations on partial failure.
package booking

import (
	"context"
	"time"
)

// Policy constants for the booking platform.
const (
	// PoolSize is the number of bookable courts.
	PoolSize = 4

	// MaxAdvance is the booking horizon: the furthest ahead the platform
	// accepts a reservation (21600 minutes).
	MaxAdvance = 15 * 24 * time.Hour

	// MaxSearchDays bounds the cross-day search. Currently equal to the
	// horizon in days, but a distinct policy value.
	MaxSearchDays = 15

	// WindowStep is the offset between candidate start times when searching
	// inside a time window.
	WindowStep = 30 * time.Minute
)

// TimeWindow is a [Start, End) range of times on one day.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Availability looks up which courts are free. Keys of the returned map
// are "HH:MM" slot starts; values are sorted free court indices (1-based).
type Availability interface {
	QueryAvailability(ctx context.Context, date time.Time, window TimeWindow) (map[string][]int, error)
}

// BookResult is the platform's answer to one single-slot booking request.
type BookResult struct {
	Success   bool
	Message   string
	BackendID string // platform reservation id, may be empty even on success
}

// Reservation is one existing booking as reported by the platform.
type Reservation struct {
	BackendID string
	Start     time.Time
	Court     int
}

// Backend is the narrow surface of the reservation platform the saga
// consumes. All calls are blocking network operations with bounded timeouts;
// none are retried inside a single saga invocation.
type Backend interface {
	Login(ctx context.Context) error
	AttemptReservation(ctx context.Context, start time.Time, court int) (BookResult, error)
	ListReservations(ctx context.Context) ([]Reservation, error)
	CancelReservation(ctx context.Context, backendID string) (bool, error)
}

// Attempt is one single-hour, single-court booking try. Every attempt made
// during a saga invocation is tracked, including ones from abandoned subsets,
// so compensation can reconcile them.
type Attempt struct {
	Start     time.Time `json:"start"`
	Court     int       `json:"court"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	BackendID string    `json:"backend_id,omitempty"`
}

// PlanHour is one accepted hour of a booking plan: the slot start and the
// court subset that fully booked.
type PlanHour struct {
	Start  time.Time `json:"start"`
	Courts []int     `json:"courts"`
}

// Result is the outcome of one saga invocation.
type Result struct {
	Plan     []PlanHour `json:"plan,omitempty"` // empty unless fully successful
	Attempts []Attempt  `json:"attempts,omitempty"`

	Compensated        int `json:"compensated,omitempty"`
	CompensationErrors int `json:"compensation_errors,omitempty"`
}

// Request describes one booking request.
type Request struct {
	Start  time.Time
	Hours  int
	Courts int // simultaneous courts (K)

	// WindowEnd, when set, turns the request into a search over start
	// offsets in [Start, WindowEnd) stepped by WindowStep.
	WindowEnd *time.Time
}

// WithinHorizon reports whether target is bookable right now.
func WithinHorizon(now, target time.Time) bool {
	d := target.Sub(now)
	return d >= 0 && d <= MaxAdvance
}

// DeferredRunTime is the earliest instant target enters the bookable horizon.
func DeferredRunTime(target time.Time) time.Time {
	return target.Add(-MaxAdvance)
}
