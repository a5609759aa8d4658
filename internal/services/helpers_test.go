package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/codyseavey/coin-tracker/internal/database"
)

// newTestDB opens a private in-memory SQLite database for one test
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	return db
}

func newTestStore(t *testing.T) *CoinStore {
	t.Helper()
	return NewCoinStore(newTestDB(t))
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

// sampleCoins returns n upstream coins ranked 1..n, listed in reverse rank
// order with lowercase symbols
func sampleCoins(n int) []RawCoin {
	coins := make([]RawCoin, 0, n)
	for rank := n; rank >= 1; rank-- {
		coins = append(coins, RawCoin{
			ID:                       fmt.Sprintf("coin-%d", rank),
			Symbol:                   fmt.Sprintf("c%d", rank),
			Name:                     fmt.Sprintf("Coin %d", rank),
			Image:                    fmt.Sprintf("https://img.example/%d.png", rank),
			CurrentPrice:             floatPtr(float64(1000 / rank)),
			MarketCap:                floatPtr(float64(1_000_000 / rank)),
			MarketCapRank:            intPtr(rank),
			PriceChangePercentage24h: floatPtr(float64(rank) - 5),
		})
	}
	return coins
}

type fetchResult struct {
	coins []RawCoin
	err   error
}

// fakeFetcher replays scripted results; the last result repeats
type fakeFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
	limits  []int

	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeFetcher(results ...fetchResult) *fakeFetcher {
	return &fakeFetcher{results: results}
}

func (f *fakeFetcher) FetchTopCoins(ctx context.Context, limit int) ([]RawCoin, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.limits = append(f.limits, limit)
	var res fetchResult
	if len(f.results) > 0 {
		if idx >= len(f.results) {
			idx = len(f.results) - 1
		}
		res = f.results[idx]
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return res.coins, res.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func rateLimited() fetchResult {
	return fetchResult{err: &UpstreamError{Kind: ErrKindRateLimited, StatusCode: 429}}
}

func httpFailure(status int) fetchResult {
	return fetchResult{err: &UpstreamError{Kind: ErrKindHTTP, StatusCode: status}}
}

func success(coins []RawCoin) fetchResult {
	return fetchResult{coins: coins}
}

// recordSleeps replaces the governor's wait with an instant recorder
func recordSleeps(g *Governor) *[]time.Duration {
	var mu sync.Mutex
	var sleeps []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return &sleeps
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
