package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/codyseavey/coin-tracker/internal/metrics"
)

// GovernorConfig tunes upstream call spacing and retry behaviour
type GovernorConfig struct {
	// MinInterval is the minimum spacing between successful fetches
	MinInterval time.Duration
	// MaxRetries is the retry ceiling per fetch, for both rate limits and transient errors
	MaxRetries int
	// RateLimitBaseDelay * 2^streak is the wait after a 429
	RateLimitBaseDelay time.Duration
	// RateLimitMaxDelay caps the 429 backoff; zero leaves it uncapped
	RateLimitMaxDelay time.Duration
	// TransientDelay is the fixed wait after a timeout, network error or 5xx
	TransientDelay time.Duration
}

// DefaultGovernorConfig returns the free-tier friendly defaults
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MinInterval:        60 * time.Second,
		MaxRetries:         3,
		RateLimitBaseDelay: 5 * time.Second,
		RateLimitMaxDelay:  60 * time.Second,
		TransientDelay:     10 * time.Second,
	}
}

// FetchFunc performs one upstream call
type FetchFunc func(ctx context.Context) ([]RawCoin, error)

// Governor decides whether the process may call upstream right now and
// retries a granted call under the rate-limit policy. At most one permit
// is outstanding at any time.
type Governor struct {
	cfg   GovernorConfig
	clock clockwork.Clock
	sleep func(ctx context.Context, d time.Duration) error

	mu                        sync.Mutex
	lastSuccessfulFetchAt     time.Time
	inFlight                  bool
	flightDone                chan struct{}
	consecutiveRateLimitCount int
}

// Permit grants exactly one upstream call sequence. Release is idempotent.
type Permit struct {
	g    *Governor
	once sync.Once
}

// GovernorStatus is a point-in-time view of governor state
type GovernorStatus struct {
	LastSuccessfulFetchAt time.Time `json:"lastSuccessfulFetchAt"`
	NextAllowedAt         time.Time `json:"nextAllowedAt"`
	InFlight              bool      `json:"inFlight"`
	RateLimitStreak       int       `json:"rateLimitStreak"`
	MinInterval           string    `json:"minInterval"`
	MaxRetries            int       `json:"maxRetries"`
}

// NewGovernor creates a governor; a nil clock uses the wall clock
func NewGovernor(cfg GovernorConfig, clock clockwork.Clock) *Governor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	g := &Governor{
		cfg:   cfg,
		clock: clock,
	}
	g.sleep = g.clockSleep
	return g
}

// TryAcquire grants a permit or returns a *DeniedError.
// The interval check and the in-flight flag are updated in one critical section.
func (g *Governor) TryAcquire() (*Permit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight {
		metrics.GovernorDenialsTotal.WithLabelValues("in_flight").Inc()
		return nil, &DeniedError{Reason: ErrAlreadyInFlight}
	}

	if !g.lastSuccessfulFetchAt.IsZero() {
		next := g.lastSuccessfulFetchAt.Add(g.cfg.MinInterval)
		if g.clock.Now().Before(next) {
			metrics.GovernorDenialsTotal.WithLabelValues("too_soon").Inc()
			return nil, &DeniedError{Reason: ErrTooSoon, NextAllowed: next}
		}
	}

	g.inFlight = true
	g.flightDone = make(chan struct{})
	return &Permit{g: g}, nil
}

// Release returns the permit to the governor
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.g.release)
}

func (g *Governor) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inFlight = false
	if g.flightDone != nil {
		close(g.flightDone)
		g.flightDone = nil
	}
}

// WaitIdle blocks until no permit is outstanding or ctx is done
func (g *Governor) WaitIdle(ctx context.Context) error {
	g.mu.Lock()
	done := g.flightDone
	g.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteWithRetry runs fetch under permit until it succeeds or the retry
// policy gives up. The permit is released on every return path.
//
// 429 responses wait RateLimitBaseDelay * 2^streak or the Retry-After hint,
// whichever is larger, never beyond RateLimitMaxDelay when set, and fail with
// ErrMaxRetriesExceeded past the ceiling. Timeouts, network errors and 5xx
// wait TransientDelay and surface the last error past the ceiling. Any
// other error is returned immediately.
func (g *Governor) ExecuteWithRetry(ctx context.Context, permit *Permit, fetch FetchFunc) ([]RawCoin, error) {
	if permit == nil || permit.g != g {
		return nil, errors.New("governor: ExecuteWithRetry requires a permit from this governor")
	}
	defer permit.Release()

	rateLimitRetries := 0
	transientRetries := 0

	for {
		data, err := fetch(ctx)
		if err == nil {
			g.recordSuccess()
			return data, nil
		}

		var uerr *UpstreamError
		if !errors.As(err, &uerr) {
			return nil, err
		}

		var delay time.Duration
		switch {
		case uerr.Kind == ErrKindRateLimited:
			streak := g.recordRateLimited()
			rateLimitRetries++
			if rateLimitRetries > g.cfg.MaxRetries {
				log.Warnf("Governor: rate limited %d times in a row, giving up", streak)
				return nil, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
			}
			delay = g.RateLimitBackoff(streak)
			if uerr.RetryAfter > delay {
				delay = uerr.RetryAfter
			}
			if limit := g.cfg.RateLimitMaxDelay; limit > 0 && delay > limit {
				delay = limit
			}
			metrics.GovernorRetriesTotal.WithLabelValues("rate_limited").Inc()
			log.Warnf("Governor: upstream rate limited (streak %d), retry %d/%d in %v",
				streak, rateLimitRetries, g.cfg.MaxRetries, delay)

		case uerr.Transient():
			transientRetries++
			if transientRetries > g.cfg.MaxRetries {
				log.Warnf("Governor: %d transient failures, giving up: %v", transientRetries, err)
				return nil, err
			}
			delay = g.cfg.TransientDelay
			metrics.GovernorRetriesTotal.WithLabelValues("transient").Inc()
			log.Warnf("Governor: transient upstream failure (%v), retry %d/%d in %v",
				err, transientRetries, g.cfg.MaxRetries, delay)

		default:
			return nil, err
		}

		metrics.GovernorBackoffSeconds.Observe(delay.Seconds())
		if err := g.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// RateLimitBackoff returns RateLimitBaseDelay * 2^streak, capped at
// RateLimitMaxDelay when that is set
func (g *Governor) RateLimitBackoff(streak int) time.Duration {
	const maxDuration = time.Duration(1<<63 - 1)

	backoff := g.cfg.RateLimitBaseDelay
	limit := g.cfg.RateLimitMaxDelay

	for i := 0; i < streak; i++ {
		if backoff > maxDuration/2 {
			backoff = maxDuration
			break
		}
		backoff *= 2
		if limit > 0 && backoff >= limit {
			break
		}
	}

	if limit > 0 && backoff > limit {
		return limit
	}
	return backoff
}

func (g *Governor) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.consecutiveRateLimitCount = 0
	g.lastSuccessfulFetchAt = now

	metrics.GovernorRateLimitStreak.Set(0)
	metrics.LastSuccessfulFetch.Set(float64(now.Unix()))
}

func (g *Governor) recordRateLimited() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutiveRateLimitCount++
	metrics.GovernorRateLimitStreak.Set(float64(g.consecutiveRateLimitCount))
	return g.consecutiveRateLimitCount
}

func (g *Governor) clockSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-g.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastSuccess returns when the last successful fetch completed (zero if never)
func (g *Governor) LastSuccess() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSuccessfulFetchAt
}

// Status returns a snapshot of the governor state
func (g *Governor) Status() GovernorStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	status := GovernorStatus{
		LastSuccessfulFetchAt: g.lastSuccessfulFetchAt,
		InFlight:              g.inFlight,
		RateLimitStreak:       g.consecutiveRateLimitCount,
		MinInterval:           g.cfg.MinInterval.String(),
		MaxRetries:            g.cfg.MaxRetries,
	}
	if !g.lastSuccessfulFetchAt.IsZero() {
		status.NextAllowedAt = g.lastSuccessfulFetchAt.Add(g.cfg.MinInterval)
	}
	return status
}
