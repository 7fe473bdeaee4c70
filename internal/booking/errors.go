package booking

import "errors"

// Failure taxonomy. Everything the backend can throw is folded into one of
// these before it leaves the orchestrator; callers pick their retry policy by
// kind, never by message.
var (
	// ErrAuthentication: credentials rejected by the platform. Terminal.
	ErrAuthentication = errors.New("authentication failed")

	// ErrUnavailable: no court combination satisfies the request right now.
	// An ordinary "not yet" outcome, not a fault.
	ErrUnavailable = errors.New("no availability")

	// ErrTransient: timeout, non-2xx or malformed response from the
	// platform. Retried only by the calling policy (backoff or watcher).
	ErrTransient = errors.New("transient backend failure")

	// ErrBeyondHorizon: the candidate start time is not yet bookable. The
	// caller is expected to defer the request to a scheduled job.
	ErrBeyondHorizon = errors.New("target beyond booking horizon")
)

// Retryable reports whether a saga failure should feed retry/backoff or a
// watcher cadence rather than fail the job outright.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTransient)
}
