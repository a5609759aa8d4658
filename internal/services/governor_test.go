package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func testGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MinInterval:        60 * time.Second,
		MaxRetries:         3,
		RateLimitBaseDelay: 5 * time.Second,
		RateLimitMaxDelay:  60 * time.Second,
		TransientDelay:     10 * time.Second,
	}
}

func fetchFrom(f *fakeFetcher) FetchFunc {
	return func(ctx context.Context) ([]RawCoin, error) {
		return f.FetchTopCoins(ctx, 10)
	}
}

func TestTryAcquire_DeniesWhileInFlight(t *testing.T) {
	g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())

	permit, err := g.TryAcquire()
	if err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}

	_, err = g.TryAcquire()
	if !errors.Is(err, ErrAlreadyInFlight) {
		t.Fatalf("expected ErrAlreadyInFlight, got %v", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected *DeniedError, got %T", err)
	}

	permit.Release()
	permit.Release() // idempotent

	second, err := g.TryAcquire()
	if err != nil {
		t.Fatalf("acquire after release should succeed: %v", err)
	}
	second.Release()
}

func TestTryAcquire_TooSoonAfterSuccess(t *testing.T) {
	fc := clockwork.NewFakeClock()
	g := NewGovernor(testGovernorConfig(), fc)
	fetcher := newFakeFetcher(success(sampleCoins(3)))

	permit, err := g.TryAcquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(fetcher)); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	_, err = g.TryAcquire()
	if !errors.Is(err, ErrTooSoon) {
		t.Fatalf("expected ErrTooSoon right after success, got %v", err)
	}
	var denied *DeniedError
	if errors.As(err, &denied) && !denied.NextAllowed.Equal(fc.Now().Add(60*time.Second)) {
		t.Errorf("NextAllowed = %v, want %v", denied.NextAllowed, fc.Now().Add(60*time.Second))
	}

	fc.Advance(59 * time.Second)
	if _, err := g.TryAcquire(); !errors.Is(err, ErrTooSoon) {
		t.Fatalf("expected ErrTooSoon at 59s, got %v", err)
	}

	fc.Advance(time.Second)
	permit, err = g.TryAcquire()
	if err != nil {
		t.Fatalf("acquire at 60s should succeed: %v", err)
	}
	permit.Release()
}

func TestTryAcquire_FailureDoesNotStartInterval(t *testing.T) {
	g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())
	fetcher := newFakeFetcher(httpFailure(404))

	permit, _ := g.TryAcquire()
	if _, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(fetcher)); err == nil {
		t.Fatal("expected error")
	}

	if !g.LastSuccess().IsZero() {
		t.Error("failed fetch must not record a success time")
	}
	permit, err := g.TryAcquire()
	if err != nil {
		t.Fatalf("acquire after failure should succeed: %v", err)
	}
	permit.Release()
}

func TestTryAcquire_ConcurrentCallersGetOnePermit(t *testing.T) {
	g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())

	var granted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := g.TryAcquire(); err == nil {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if granted.Load() != 1 {
		t.Errorf("expected exactly 1 permit, got %d", granted.Load())
	}
}

func TestExecuteWithRetry_RateLimitedThenSucceeds(t *testing.T) {
	g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())
	sleeps := recordSleeps(g)
	fetcher := newFakeFetcher(rateLimited(), rateLimited(), rateLimited(), success(sampleCoins(2)))

	permit, _ := g.TryAcquire()
	coins, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(fetcher))
	if err != nil {
		t.Fatalf("expected success on 4th attempt, got %v", err)
	}
	if len(coins) != 2 {
		t.Errorf("expected 2 coins, got %d", len(coins))
	}
	if fetcher.Calls() != 4 {
		t.Errorf("expected 4 calls (1 + 3 retries), got %d", fetcher.Calls())
	}

	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("expected %d backoffs, got %v", len(want), *sleeps)
	}
	for i, d := range *sleeps {
		if d != want[i] {
			t.Errorf("backoff %d = %v, want %v", i, d, want[i])
		}
		if i > 0 && d <= (*sleeps)[i-1] {
			t.Errorf("backoff should strictly increase: %v", *sleeps)
		}
	}

	status := g.Status()
	if status.RateLimitStreak != 0 {
		t.Errorf("streak should reset on success, got %d", status.RateLimitStreak)
	}
	if status.InFlight {
		t.Error("permit should be released after success")
	}
	if status.LastSuccessfulFetchAt.IsZero() {
		t.Error("success time should be recorded")
	}
}

func TestExecuteWithRetry_RateLimitExceedsCeiling(t *testing.T) {
	g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())
	sleeps := recordSleeps(g)
	fetcher := newFakeFetcher(rateLimited())

	permit, _ := g.TryAcquire()
	_, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(fetcher))

	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	if !IsRateLimited(err) {
		t.Error("error should still wrap the rate limit failure")
	}
	if fetcher.Calls() != 4 {
		t.Errorf("expected 4 calls (1 + 3 retries), got %d", fetcher.Calls())
	}
	if len(*sleeps) != 3 {
		t.Errorf("expected exactly 3 backoffs, got %v", *sleeps)
	}
	for i := 1; i < len(*sleeps); i++ {
		if (*sleeps)[i] <= (*sleeps)[i-1] {
			t.Errorf("backoff should strictly increase: %v", *sleeps)
		}
	}
	if !g.LastSuccess().IsZero() {
		t.Error("exceeding the ceiling must not record a success")
	}

	permit, err = g.TryAcquire()
	if err != nil {
		t.Fatalf("permit should be released after giving up: %v", err)
	}
	permit.Release()
}

func TestExecuteWithRetry_StreakCarriesIntoNextSequence(t *testing.T) {
	g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())
	sleeps := recordSleeps(g)

	permit, _ := g.TryAcquire()
	g.ExecuteWithRetry(context.Background(), permit, fetchFrom(newFakeFetcher(rateLimited())))
	if g.Status().RateLimitStreak != 4 {
		t.Fatalf("expected streak 4, got %d", g.Status().RateLimitStreak)
	}

	*sleeps = nil
	permit, _ = g.TryAcquire()
	_, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(newFakeFetcher(rateLimited(), success(sampleCoins(1)))))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 60*time.Second {
		t.Errorf("a continuing streak should start at the cap, got %v", *sleeps)
	}
	if g.Status().RateLimitStreak != 0 {
		t.Errorf("streak should reset after success, got %d", g.Status().RateLimitStreak)
	}
}

func TestExecuteWithRetry_HonorsRetryAfter(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{"hint above backoff wins", 45 * time.Second, 45 * time.Second},
		{"hint below backoff ignored", 2 * time.Second, 10 * time.Second},
		{"hint clamped to max delay", 24 * time.Hour, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())
			sleeps := recordSleeps(g)
			fetcher := newFakeFetcher(
				fetchResult{err: &UpstreamError{Kind: ErrKindRateLimited, StatusCode: 429, RetryAfter: tt.retryAfter}},
				success(sampleCoins(1)),
			)

			permit, _ := g.TryAcquire()
			if _, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(fetcher)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(*sleeps) != 1 || (*sleeps)[0] != tt.want {
				t.Errorf("expected a single %v sleep, got %v", tt.want, *sleeps)
			}
		})
	}
}

func TestExecuteWithRetry_RetryAfterUncapped(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.RateLimitMaxDelay = 0
	g := NewGovernor(cfg, clockwork.NewFakeClock())
	sleeps := recordSleeps(g)
	fetcher := newFakeFetcher(
		fetchResult{err: &UpstreamError{Kind: ErrKindRateLimited, StatusCode: 429, RetryAfter: 5 * time.Minute}},
		success(sampleCoins(1)),
	)

	permit, _ := g.TryAcquire()
	if _, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(fetcher)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 5*time.Minute {
		t.Errorf("expected the 5m hint without a cap, got %v", *sleeps)
	}
}

func TestExecuteWithRetry_TransientErrors(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())
		sleeps := recordSleeps(g)
		fetcher := newFakeFetcher(
			httpFailure(503),
			fetchResult{err: &UpstreamError{Kind: ErrKindTimeout}},
			success(sampleCoins(1)),
		)

		permit, _ := g.TryAcquire()
		if _, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(fetcher)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(*sleeps) != 2 || (*sleeps)[0] != 10*time.Second || (*sleeps)[1] != 10*time.Second {
			t.Errorf("expected two fixed 10s delays, got %v", *sleeps)
		}
	})

	t.Run("exceeds ceiling", func(t *testing.T) {
		g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())
		sleeps := recordSleeps(g)
		fetcher := newFakeFetcher(httpFailure(502))

		permit, _ := g.TryAcquire()
		_, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(fetcher))

		var uerr *UpstreamError
		if !errors.As(err, &uerr) || uerr.StatusCode != 502 {
			t.Fatalf("expected the underlying 502, got %v", err)
		}
		if errors.Is(err, ErrMaxRetriesExceeded) {
			t.Error("transient exhaustion should surface the underlying error")
		}
		if fetcher.Calls() != 4 {
			t.Errorf("expected 4 calls, got %d", fetcher.Calls())
		}
		if len(*sleeps) != 3 {
			t.Errorf("expected 3 delays, got %v", *sleeps)
		}
	})
}

func TestExecuteWithRetry_NonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", &UpstreamError{Kind: ErrKindHTTP, StatusCode: 404}},
		{"malformed", &UpstreamError{Kind: ErrKindMalformed, Err: errors.New("bad json")}},
		{"untyped", errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())
			sleeps := recordSleeps(g)
			fetcher := newFakeFetcher(fetchResult{err: tt.err})

			permit, _ := g.TryAcquire()
			_, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(fetcher))

			if !errors.Is(err, tt.err) {
				t.Errorf("expected %v, got %v", tt.err, err)
			}
			if fetcher.Calls() != 1 {
				t.Errorf("expected a single call, got %d", fetcher.Calls())
			}
			if len(*sleeps) != 0 {
				t.Errorf("expected no retries, got %v", *sleeps)
			}
			if g.Status().InFlight {
				t.Error("permit should be released")
			}
		})
	}
}

func TestExecuteWithRetry_RequiresPermit(t *testing.T) {
	g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())
	other := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())
	fetcher := newFakeFetcher(success(sampleCoins(1)))

	if _, err := g.ExecuteWithRetry(context.Background(), nil, fetchFrom(fetcher)); err == nil {
		t.Error("nil permit should be rejected")
	}

	foreign, _ := other.TryAcquire()
	if _, err := g.ExecuteWithRetry(context.Background(), foreign, fetchFrom(fetcher)); err == nil {
		t.Error("permit from another governor should be rejected")
	}
	if fetcher.Calls() != 0 {
		t.Errorf("fetch should not run without a valid permit, got %d calls", fetcher.Calls())
	}
}

func TestExecuteWithRetry_BackoffWaitsOnClock(t *testing.T) {
	fc := clockwork.NewFakeClock()
	g := NewGovernor(testGovernorConfig(), fc)
	fetcher := newFakeFetcher(rateLimited(), success(sampleCoins(1)))

	permit, _ := g.TryAcquire()
	done := make(chan error, 1)
	go func() {
		_, err := g.ExecuteWithRetry(context.Background(), permit, fetchFrom(fetcher))
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("governor never waited on the clock: %v", err)
	}
	if fetcher.Calls() != 1 {
		t.Fatalf("retry should not run before the backoff elapses, got %d calls", fetcher.Calls())
	}

	fc.Advance(10 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not run after advancing the clock")
	}
	if fetcher.Calls() != 2 {
		t.Errorf("expected 2 calls, got %d", fetcher.Calls())
	}
}

func TestExecuteWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	fc := clockwork.NewFakeClock()
	g := NewGovernor(testGovernorConfig(), fc)
	fetcher := newFakeFetcher(rateLimited())

	ctx, cancel := context.WithCancel(context.Background())
	permit, _ := g.TryAcquire()
	done := make(chan error, 1)
	go func() {
		_, err := g.ExecuteWithRetry(ctx, permit, fetchFrom(fetcher))
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := fc.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("governor never waited on the clock: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ExecuteWithRetry did not return after cancellation")
	}
	if g.Status().InFlight {
		t.Error("permit should be released after cancellation")
	}
}

func TestWaitIdle(t *testing.T) {
	g := NewGovernor(testGovernorConfig(), clockwork.NewFakeClock())

	if err := g.WaitIdle(context.Background()); err != nil {
		t.Fatalf("idle governor should not block: %v", err)
	}

	permit, _ := g.TryAcquire()
	released := make(chan error, 1)
	go func() {
		released <- g.WaitIdle(context.Background())
	}()

	select {
	case <-released:
		t.Fatal("WaitIdle returned while a permit was outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	permit.Release()
	select {
	case err := <-released:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitIdle did not return after release")
	}

	permit, _ = g.TryAcquire()
	defer permit.Release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.WaitIdle(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRateLimitBackoff(t *testing.T) {
	tests := []struct {
		name   string
		base   time.Duration
		limit  time.Duration
		streak int
		want   time.Duration
	}{
		{"capped first", 5 * time.Second, 60 * time.Second, 1, 10 * time.Second},
		{"capped second", 5 * time.Second, 60 * time.Second, 2, 20 * time.Second},
		{"capped third", 5 * time.Second, 60 * time.Second, 3, 40 * time.Second},
		{"capped reaches cap", 5 * time.Second, 60 * time.Second, 4, 60 * time.Second},
		{"capped large streak", 5 * time.Second, 60 * time.Second, 500, 60 * time.Second},
		{"zero streak", 5 * time.Second, 60 * time.Second, 0, 5 * time.Second},
		{"negative streak", 5 * time.Second, 60 * time.Second, -3, 5 * time.Second},
		{"uncapped first", 30 * time.Second, 0, 1, 60 * time.Second},
		{"uncapped third", 30 * time.Second, 0, 3, 240 * time.Second},
		{"uncapped saturates", 30 * time.Second, 0, 200, time.Duration(1<<63 - 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGovernor(GovernorConfig{RateLimitBaseDelay: tt.base, RateLimitMaxDelay: tt.limit}, clockwork.NewFakeClock())
			if got := g.RateLimitBackoff(tt.streak); got != tt.want {
				t.Errorf("RateLimitBackoff(%d) = %v, want %v", tt.streak, got, tt.want)
			}
		})
	}
}
