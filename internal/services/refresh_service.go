package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/codyseavey/coin-tracker/internal/metrics"
	"github.com/codyseavey/coin-tracker/internal/models"
)

const (
	// DefaultCoinLimit is how many coins are tracked
	DefaultCoinLimit = 10
	// DefaultStaleAfter is how old the snapshot may be before a read triggers a refresh
	DefaultStaleAfter = time.Hour
)

// CoinFetcher is the upstream market listing source
type CoinFetcher interface {
	FetchTopCoins(ctx context.Context, limit int) ([]RawCoin, error)
}

// RefreshService coordinates the governor, the upstream client and the store.
// Failed or denied refreshes fall back to whatever is already stored.
type RefreshService struct {
	governor *Governor
	fetcher  CoinFetcher
	store    SnapshotStore
	clock    clockwork.Clock
	limit    int

	// writeMu is held from permit grant until fetched data is stored, so
	// callers that waited out an in-flight fetch read its result
	writeMu sync.Mutex

	mu sync.Mutex
	// captured_at of the newest data written to history, so the same
	// snapshot is never appended twice
	lastHistoryCapturedAt time.Time
}

// NewRefreshService wires the orchestrator; a nil clock uses the wall clock
func NewRefreshService(governor *Governor, fetcher CoinFetcher, store SnapshotStore, clock clockwork.Clock, limit int) *RefreshService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if limit <= 0 {
		limit = DefaultCoinLimit
	}
	return &RefreshService{
		governor: governor,
		fetcher:  fetcher,
		store:    store,
		clock:    clock,
		limit:    limit,
	}
}

// RefreshCurrent fetches the top coins and replaces the current snapshot.
// When the governor denies the call or the fetch fails, the stored
// snapshot is returned without error; ErrColdStart is returned only when
// nothing is stored.
func (s *RefreshService) RefreshCurrent(ctx context.Context) ([]models.CoinSnapshot, error) {
	start := time.Now()
	defer func() {
		metrics.RefreshDuration.WithLabelValues("current").Observe(time.Since(start).Seconds())
	}()

	permit, err := s.governor.TryAcquire()
	if err != nil {
		if errors.Is(err, ErrAlreadyInFlight) {
			metrics.RefreshOutcomesTotal.WithLabelValues("current", "denied_in_flight").Inc()
			// Readers wait for the running fetch instead of racing it
			if werr := s.governor.WaitIdle(ctx); werr != nil {
				log.Debugf("Refresh service: stopped waiting for in-flight fetch: %v", werr)
			} else {
				s.awaitWrite()
			}
		} else {
			metrics.RefreshOutcomesTotal.WithLabelValues("current", "denied_too_soon").Inc()
			log.Debugf("Refresh service: %v, serving stored snapshot", err)
			// The fetch that started the interval may still be writing
			s.awaitWrite()
		}
		return s.storedSnapshot(ctx, err)
	}
	defer permit.Release()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw, err := s.governor.ExecuteWithRetry(ctx, permit, s.fetchTop)
	if err != nil {
		metrics.RefreshOutcomesTotal.WithLabelValues("current", "failed").Inc()
		log.Errorf("Refresh service: failed to refresh current snapshot: %v", err)
		return s.storedSnapshot(ctx, err)
	}

	snapshots := toSnapshots(raw, s.clock.Now().UTC())
	if err := s.store.ReplaceCurrent(ctx, snapshots); err != nil {
		metrics.RefreshOutcomesTotal.WithLabelValues("current", "failed").Inc()
		log.Errorf("Refresh service: failed to store current snapshot: %v", err)
		return s.storedSnapshot(ctx, err)
	}

	metrics.RefreshOutcomesTotal.WithLabelValues("current", "refreshed").Inc()
	log.Printf("Refresh service: current snapshot updated with %d coins", len(snapshots))
	return snapshots, nil
}

// GetCurrent serves the current snapshot per q, refreshing first when the
// newest stored capture is older than maxAge or nothing is stored
func (s *RefreshService) GetCurrent(ctx context.Context, q models.CoinQuery, maxAge time.Duration) ([]models.CoinSnapshot, error) {
	latest, ok, err := s.store.LatestCapture(ctx)
	if err != nil {
		return nil, err
	}

	if !ok || s.clock.Since(latest) > maxAge {
		if _, err := s.RefreshCurrent(ctx); err != nil {
			return nil, err
		}
	}

	return s.store.ReadCurrent(ctx, q)
}

// CaptureHistory appends one observation per tracked coin to the history log.
// It is best-effort: failures are logged and reported as zero rows written.
//
// When the governor denies the fetch because another path fetched moments
// ago, the freshly stored snapshot is recorded instead so that coinciding
// schedules still produce history. A capture that wins the fetch also
// replaces the current snapshot.
func (s *RefreshService) CaptureHistory(ctx context.Context) int {
	start := time.Now()
	defer func() {
		metrics.RefreshDuration.WithLabelValues("history").Observe(time.Since(start).Seconds())
	}()

	permit, err := s.governor.TryAcquire()
	if err != nil {
		if errors.Is(err, ErrAlreadyInFlight) {
			metrics.RefreshOutcomesTotal.WithLabelValues("history", "denied_in_flight").Inc()
			if werr := s.governor.WaitIdle(ctx); werr != nil {
				log.Printf("History capture: skipped, fetch still in flight: %v", werr)
				return 0
			}
			s.awaitWrite()
		} else {
			metrics.RefreshOutcomesTotal.WithLabelValues("history", "denied_too_soon").Inc()
			s.awaitWrite()
		}
		return s.captureFromStore(ctx)
	}
	defer permit.Release()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw, err := s.governor.ExecuteWithRetry(ctx, permit, s.fetchTop)
	if err != nil {
		metrics.RefreshOutcomesTotal.WithLabelValues("history", "failed").Inc()
		log.Errorf("History capture: fetch failed: %v", err)
		return 0
	}

	snapshots := toSnapshots(raw, s.clock.Now().UTC())
	// The current snapshot always reflects the latest successful fetch
	if err := s.store.ReplaceCurrent(ctx, snapshots); err != nil {
		log.Errorf("History capture: failed to update current snapshot: %v", err)
	}
	return s.appendSnapshots(ctx, snapshots)
}

// captureFromStore records the stored snapshot if it came from the latest
// successful fetch and has not been recorded yet
func (s *RefreshService) captureFromStore(ctx context.Context) int {
	stored, err := s.store.ReadCurrent(ctx, models.CoinQuery{})
	if err != nil {
		metrics.RefreshOutcomesTotal.WithLabelValues("history", "failed").Inc()
		log.Errorf("History capture: failed to read stored snapshot: %v", err)
		return 0
	}
	if len(stored) == 0 {
		log.Printf("History capture: nothing stored to record")
		return 0
	}

	capturedAt := stored[0].CapturedAt
	for _, c := range stored[1:] {
		if c.CapturedAt.After(capturedAt) {
			capturedAt = c.CapturedAt
		}
	}

	lastFetch := s.governor.LastSuccess()
	if lastFetch.IsZero() || capturedAt.Before(lastFetch.Add(-time.Minute)) {
		log.Debugf("History capture: stored snapshot from %s is not from the latest fetch, skipping",
			capturedAt.Format(time.RFC3339))
		return 0
	}

	return s.appendSnapshots(ctx, stored)
}

func (s *RefreshService) appendSnapshots(ctx context.Context, snapshots []models.CoinSnapshot) int {
	if len(snapshots) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	capturedAt := snapshots[0].CapturedAt
	if !capturedAt.After(s.lastHistoryCapturedAt) {
		log.Debugf("History capture: snapshot from %s already recorded", capturedAt.Format(time.RFC3339))
		return 0
	}

	captureID := uuid.New().String()
	records := make([]models.HistoryRecord, 0, len(snapshots))
	for _, c := range snapshots {
		records = append(records, c.ToHistory(captureID))
	}

	if err := s.store.AppendHistory(ctx, records); err != nil {
		metrics.RefreshOutcomesTotal.WithLabelValues("history", "failed").Inc()
		log.Errorf("History capture: failed to append history: %v", err)
		return 0
	}

	s.lastHistoryCapturedAt = capturedAt
	metrics.RefreshOutcomesTotal.WithLabelValues("history", "captured").Inc()
	log.Printf("History capture: recorded %d coins (capture %s)", len(records), captureID)
	return len(records)
}

// ReadHistory returns a coin's series for the last days days
func (s *RefreshService) ReadHistory(ctx context.Context, coinID string, days int) ([]models.HistoryRecord, error) {
	since := s.clock.Now().AddDate(0, 0, -days)
	return s.store.ReadHistory(ctx, coinID, since)
}

// awaitWrite blocks until the current permit holder has stored its result
func (s *RefreshService) awaitWrite() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
}

// storedSnapshot is the stale-serving fallback
func (s *RefreshService) storedSnapshot(ctx context.Context, cause error) ([]models.CoinSnapshot, error) {
	stored, err := s.store.ReadCurrent(ctx, models.CoinQuery{})
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		metrics.RefreshOutcomesTotal.WithLabelValues("current", "cold_start").Inc()
		return nil, fmt.Errorf("%w: %w", ErrColdStart, cause)
	}
	metrics.RefreshOutcomesTotal.WithLabelValues("current", "stale_served").Inc()
	return stored, nil
}

func (s *RefreshService) fetchTop(ctx context.Context) ([]RawCoin, error) {
	return s.fetcher.FetchTopCoins(ctx, s.limit)
}

// toSnapshots converts a listing to rank-ordered snapshots sharing one capture time
func toSnapshots(raw []RawCoin, capturedAt time.Time) []models.CoinSnapshot {
	snapshots := make([]models.CoinSnapshot, 0, len(raw))
	for i, c := range raw {
		snapshots = append(snapshots, c.ToSnapshot(i+1, capturedAt))
	}
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Rank < snapshots[j].Rank
	})
	return snapshots
}
