package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/codyseavey/coin-tracker/internal/metrics"
	"github.com/codyseavey/coin-tracker/internal/models"
)

const (
	historyCacheSize = 64
	insertBatchSize  = 100
)

// SnapshotStore persists the current snapshot and the history log
type SnapshotStore interface {
	ReplaceCurrent(ctx context.Context, rows []models.CoinSnapshot) error
	ReadCurrent(ctx context.Context, q models.CoinQuery) ([]models.CoinSnapshot, error)
	LatestCapture(ctx context.Context) (time.Time, bool, error)
	AppendHistory(ctx context.Context, rows []models.HistoryRecord) error
	ReadHistory(ctx context.Context, coinID string, since time.Time) ([]models.HistoryRecord, error)
	Ping(ctx context.Context) error
}

// CoinStore is the gorm-backed SnapshotStore.
// The most recently read window of each coin's history is cached in an LRU
// and invalidated on append.
type CoinStore struct {
	db *gorm.DB

	cacheMu      sync.Mutex
	cacheGen     uint64
	historyCache *lru.Cache[string, seriesWindow]
}

// seriesWindow holds every record of one coin at or after since, ascending
type seriesWindow struct {
	since   time.Time
	records []models.HistoryRecord
}

// NewCoinStore wraps an already migrated database
func NewCoinStore(db *gorm.DB) *CoinStore {
	cache, err := lru.New[string, seriesWindow](historyCacheSize)
	if err != nil {
		log.Printf("Failed to create history cache: %v", err)
	}

	return &CoinStore{
		db:           db,
		historyCache: cache,
	}
}

// ReplaceCurrent swaps the whole current snapshot inside one transaction,
// so readers see either the old set or the new one.
func (s *CoinStore) ReplaceCurrent(ctx context.Context, rows []models.CoinSnapshot) error {
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.CoinID == "" {
			return fmt.Errorf("%w: replace current: empty coin id", ErrStore)
		}
		if seen[r.CoinID] {
			return fmt.Errorf("%w: replace current: duplicate coin id %q", ErrStore, r.CoinID)
		}
		seen[r.CoinID] = true
	}

	// Insert from a copy so gorm never mutates the caller's slice
	batch := make([]models.CoinSnapshot, len(rows))
	copy(batch, rows)
	for i := range batch {
		batch[i].CapturedAt = batch[i].CapturedAt.UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.CoinSnapshot{}).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		return tx.CreateInBatches(&batch, insertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("%w: replace current: %w", ErrStore, err)
	}

	metrics.CurrentCoins.Set(float64(len(rows)))
	return nil
}

// ReadCurrent returns the current snapshot ordered per q (rank ascending by default).
// The result is never nil.
func (s *CoinStore) ReadCurrent(ctx context.Context, q models.CoinQuery) ([]models.CoinSnapshot, error) {
	query := s.db.WithContext(ctx).Model(&models.CoinSnapshot{})

	if search := strings.ToLower(strings.TrimSpace(q.Search)); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		query = query.Where("LOWER(name) LIKE ? ESCAPE '\\' OR LOWER(symbol) LIKE ? ESCAPE '\\'", pattern, pattern)
	}

	// Column names come from a fixed set, never from user input
	column := string(models.ParseCoinSortField(string(q.SortBy)))
	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}
	query = query.Order(column + " " + direction)
	if column != string(models.SortByRank) {
		query = query.Order("rank ASC")
	}

	coins := []models.CoinSnapshot{}
	if err := query.Find(&coins).Error; err != nil {
		return nil, fmt.Errorf("%w: read current: %w", ErrStore, err)
	}
	return coins, nil
}

// LatestCapture returns the newest captured_at in the current snapshot.
// ok is false when the snapshot is empty.
func (s *CoinStore) LatestCapture(ctx context.Context) (time.Time, bool, error) {
	var rows []models.CoinSnapshot
	err := s.db.WithContext(ctx).
		Order("captured_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: latest capture: %w", ErrStore, err)
	}
	if len(rows) == 0 {
		return time.Time{}, false, nil
	}
	return rows[0].CapturedAt, true, nil
}

// AppendHistory inserts immutable history rows
func (s *CoinStore) AppendHistory(ctx context.Context, rows []models.HistoryRecord) error {
	if len(rows) == 0 {
		return nil
	}

	batch := make([]models.HistoryRecord, len(rows))
	copy(batch, rows)
	for i := range batch {
		batch[i].ID = 0
		batch[i].CapturedAt = batch[i].CapturedAt.UTC()
	}

	if err := s.db.WithContext(ctx).CreateInBatches(&batch, insertBatchSize).Error; err != nil {
		return fmt.Errorf("%w: append history: %w", ErrStore, err)
	}

	s.invalidateHistory(batch)
	metrics.HistoryRecordsTotal.Add(float64(len(batch)))
	return nil
}

// ReadHistory returns coinID's records with captured_at >= since, oldest first.
// The result is never nil.
func (s *CoinStore) ReadHistory(ctx context.Context, coinID string, since time.Time) ([]models.HistoryRecord, error) {
	since = since.UTC()
	window, err := s.historyWindow(ctx, coinID, since)
	if err != nil {
		return nil, err
	}

	start := sort.Search(len(window.records), func(i int) bool {
		return !window.records[i].CapturedAt.Before(since)
	})

	out := make([]models.HistoryRecord, len(window.records)-start)
	copy(out, window.records[start:])
	return out, nil
}

// historyWindow loads a coin's records from since onwards. A cached window
// that already reaches back to since is reused.
func (s *CoinStore) historyWindow(ctx context.Context, coinID string, since time.Time) (seriesWindow, error) {
	s.cacheMu.Lock()
	gen := s.cacheGen
	if s.historyCache != nil {
		if cached, ok := s.historyCache.Get(coinID); ok && !since.Before(cached.since) {
			s.cacheMu.Unlock()
			metrics.HistoryCacheHits.Inc()
			return cached, nil
		}
	}
	s.cacheMu.Unlock()
	metrics.HistoryCacheMisses.Inc()

	var records []models.HistoryRecord
	err := s.db.WithContext(ctx).
		Where("coin_id = ? AND captured_at >= ?", coinID, since).
		Order("captured_at ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return seriesWindow{}, fmt.Errorf("%w: read history: %w", ErrStore, err)
	}

	// SQLite orders timestamps as text; re-sort on the real instant
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CapturedAt.Before(records[j].CapturedAt)
	})
	window := seriesWindow{since: since, records: records}

	// Only cache if no append landed while we were reading
	s.cacheMu.Lock()
	if s.historyCache != nil && s.cacheGen == gen {
		s.historyCache.Add(coinID, window)
	}
	s.cacheMu.Unlock()

	return window, nil
}

func (s *CoinStore) invalidateHistory(rows []models.HistoryRecord) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.cacheGen++
	if s.historyCache == nil {
		return
	}
	for _, r := range rows {
		s.historyCache.Remove(r.CoinID)
	}
}

// Ping checks database connectivity
func (s *CoinStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStore, err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
