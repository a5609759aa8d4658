package services

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrTooSoon means the minimum interval since the last successful fetch has not elapsed
	ErrTooSoon = errors.New("upstream fetch denied: minimum interval not elapsed")
	// ErrAlreadyInFlight means another upstream call currently holds the permit
	ErrAlreadyInFlight = errors.New("upstream fetch denied: another fetch is in flight")
	// ErrMaxRetriesExceeded is returned once rate-limit retries pass the ceiling
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrColdStart means there is no stored data to fall back to and upstream failed
	ErrColdStart = errors.New("no stored coin data and upstream unavailable")
	// ErrStore wraps every persistence failure
	ErrStore = errors.New("store error")
)

// DeniedError is returned by Governor.TryAcquire when no permit is granted.
// It unwraps to ErrTooSoon or ErrAlreadyInFlight.
type DeniedError struct {
	Reason      error
	NextAllowed time.Time // zero unless Reason is ErrTooSoon
}

func (e *DeniedError) Error() string {
	if errors.Is(e.Reason, ErrTooSoon) && !e.NextAllowed.IsZero() {
		return fmt.Sprintf("%v (next allowed at %s)", e.Reason, e.NextAllowed.Format(time.RFC3339))
	}
	return e.Reason.Error()
}

func (e *DeniedError) Unwrap() error {
	return e.Reason
}

// UpstreamErrorKind classifies failures of a single upstream call
type UpstreamErrorKind int

const (
	ErrKindNetwork UpstreamErrorKind = iota
	ErrKindTimeout
	ErrKindRateLimited
	ErrKindHTTP
	ErrKindMalformed
)

func (k UpstreamErrorKind) String() string {
	switch k {
	case ErrKindNetwork:
		return "network"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindRateLimited:
		return "rate_limited"
	case ErrKindHTTP:
		return "http"
	case ErrKindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// UpstreamError is a typed failure from the market data API
type UpstreamError struct {
	Kind       UpstreamErrorKind
	StatusCode int           // set for ErrKindHTTP and ErrKindRateLimited
	RetryAfter time.Duration // Retry-After hint on 429, zero when absent
	Err        error
}

func (e *UpstreamError) Error() string {
	switch e.Kind {
	case ErrKindRateLimited:
		if e.RetryAfter > 0 {
			return fmt.Sprintf("upstream rate limited (retry after %v)", e.RetryAfter)
		}
		return "upstream rate limited"
	case ErrKindHTTP:
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("upstream %s error", e.Kind)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth a fixed-delay retry:
// timeouts, network errors and 5xx responses
func (e *UpstreamError) Transient() bool {
	switch e.Kind {
	case ErrKindTimeout, ErrKindNetwork:
		return true
	case ErrKindHTTP:
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

// IsRateLimited reports whether err is (or wraps) a 429 from upstream
func IsRateLimited(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == ErrKindRateLimited
}
