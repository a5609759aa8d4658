package services

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/codyseavey/coin-tracker/internal/metrics"
	"github.com/codyseavey/coin-tracker/internal/models"
)

// Refresher is the work the scheduler triggers
type Refresher interface {
	RefreshCurrent(ctx context.Context) ([]models.CoinSnapshot, error)
	CaptureHistory(ctx context.Context) int
}

// SchedulerConfig holds the job intervals
type SchedulerConfig struct {
	RefreshInterval time.Duration
	HistoryInterval time.Duration
	StartupDelay    time.Duration
}

// DefaultSchedulerConfig refreshes every 2 hours and records history every 4
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RefreshInterval: 2 * time.Hour,
		HistoryInterval: 4 * time.Hour,
		StartupDelay:    5 * time.Second,
	}
}

// Scheduler runs RefreshCurrent and CaptureHistory on fixed intervals and
// once shortly after startup
type Scheduler struct {
	refresher Refresher
	cfg       SchedulerConfig
	clock     clockwork.Clock

	mu             sync.RWMutex
	running        bool
	lastRefreshRun time.Time
	lastHistoryRun time.Time
	nextRefreshRun time.Time
	nextHistoryRun time.Time
}

// SchedulerStatus reports when jobs last ran and will run next
type SchedulerStatus struct {
	Running         bool      `json:"running"`
	RefreshInterval string    `json:"refreshInterval"`
	HistoryInterval string    `json:"historyInterval"`
	LastRefreshRun  time.Time `json:"lastRefreshRun"`
	NextRefreshRun  time.Time `json:"nextRefreshRun"`
	LastHistoryRun  time.Time `json:"lastHistoryRun"`
	NextHistoryRun  time.Time `json:"nextHistoryRun"`
}

// NewScheduler creates a scheduler; a nil clock uses the wall clock
func NewScheduler(refresher Refresher, cfg SchedulerConfig, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	defaults := DefaultSchedulerConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if cfg.HistoryInterval <= 0 {
		cfg.HistoryInterval = defaults.HistoryInterval
	}
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	}

	return &Scheduler{
		refresher: refresher,
		cfg:       cfg,
		clock:     clock,
	}
}

// Start blocks running the schedule until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	log.Printf("Scheduler started: refresh every %v, history every %v (first run in %v)",
		s.cfg.RefreshInterval, s.cfg.HistoryInterval, s.cfg.StartupDelay)

	s.mu.Lock()
	s.running = true
	now := s.clock.Now()
	s.nextRefreshRun = now.Add(s.cfg.StartupDelay)
	s.nextHistoryRun = now.Add(s.cfg.StartupDelay)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	// Let the HTTP server and database settle before the first fetch
	select {
	case <-ctx.Done():
		log.Println("Scheduler stopping...")
		return
	case <-s.clock.After(s.cfg.StartupDelay):
	}

	s.runRefresh(ctx)
	s.runHistory(ctx)

	refreshTicker := s.clock.NewTicker(s.cfg.RefreshInterval)
	defer refreshTicker.Stop()
	historyTicker := s.clock.NewTicker(s.cfg.HistoryInterval)
	defer historyTicker.Stop()

	s.mu.Lock()
	now = s.clock.Now()
	s.nextRefreshRun = now.Add(s.cfg.RefreshInterval)
	s.nextHistoryRun = now.Add(s.cfg.HistoryInterval)
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			log.Println("Scheduler stopping...")
			return
		case <-refreshTicker.Chan():
			s.tickRefresh(ctx)
		case <-historyTicker.Chan():
			// Coinciding ticks refresh first so history records the new snapshot
			select {
			case <-refreshTicker.Chan():
				s.tickRefresh(ctx)
			default:
			}
			s.mu.Lock()
			s.nextHistoryRun = s.clock.Now().Add(s.cfg.HistoryInterval)
			s.mu.Unlock()
			s.runHistory(ctx)
		}
	}
}

func (s *Scheduler) tickRefresh(ctx context.Context) {
	s.mu.Lock()
	s.nextRefreshRun = s.clock.Now().Add(s.cfg.RefreshInterval)
	s.mu.Unlock()
	s.runRefresh(ctx)
}

func (s *Scheduler) runRefresh(ctx context.Context) {
	s.runJob("refresh", func() error {
		coins, err := s.refresher.RefreshCurrent(ctx)
		if err == nil {
			log.Printf("Scheduler: refresh completed, serving %d coins", len(coins))
		}
		return err
	})

	s.mu.Lock()
	s.lastRefreshRun = s.clock.Now()
	s.mu.Unlock()
}

func (s *Scheduler) runHistory(ctx context.Context) {
	s.runJob("history", func() error {
		recorded := s.refresher.CaptureHistory(ctx)
		log.Printf("Scheduler: history capture completed, %d records", recorded)
		return nil
	})

	s.mu.Lock()
	s.lastHistoryRun = s.clock.Now()
	s.mu.Unlock()
}

// runJob executes one job with panic recovery so a bad run never kills the loop
func (s *Scheduler) runJob(name string, job func() error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerRunsTotal.WithLabelValues(name, "panic").Inc()
			log.Errorf("PANIC in scheduled %s job: %v", name, r)
		}
	}()

	if err := job(); err != nil {
		metrics.SchedulerRunsTotal.WithLabelValues(name, "error").Inc()
		log.Errorf("Scheduler: %s job failed: %v", name, err)
		return
	}
	metrics.SchedulerRunsTotal.WithLabelValues(name, "ok").Inc()
}

// GetStatus returns the current schedule state
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SchedulerStatus{
		Running:         s.running,
		RefreshInterval: s.cfg.RefreshInterval.String(),
		HistoryInterval: s.cfg.HistoryInterval.String(),
		LastRefreshRun:  s.lastRefreshRun,
		NextRefreshRun:  s.nextRefreshRun,
		LastHistoryRun:  s.lastHistoryRun,
		NextHistoryRun:  s.nextHistoryRun,
	}
}
