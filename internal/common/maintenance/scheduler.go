package maintenance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bus-bunching/internal/common/db"
	"github.com/bus-bunching/internal/common/logger"
)

// CleanupScheduler handles periodic maintenance tasks
type CleanupScheduler struct {
	maintenance       *Maintenance
	logger            logger.Logger
	config            SchedulerConfig
	isRunning         bool
	mu                sync.RWMutex
	cancelFn          context.CancelFunc
	wg                sync.WaitGroup
	cycleLock         sync.Mutex // Held while a pipeline cycle writes tiers
	isCycleInProgress atomic.Bool
}

// SchedulerConfig contains configuration for the cleanup scheduler
type SchedulerConfig struct {
	CleanupInterval    time.Duration // How often to run cleanup
	ScoreRetentionDays int           // Days of score history to keep
	Tiers              []TierPrune   // Data directories to keep bounded
	InitialDelay       time.Duration // Delay before the first run
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CleanupInterval:    24 * time.Hour,
		ScoreRetentionDays: 30,
		InitialDelay:       1 * time.Minute,
	}
}

// NewCleanupScheduler creates a new cleanup scheduler. database may be nil,
// in which case only tier pruning runs.
func NewCleanupScheduler(database *db.DB, logger logger.Logger, config SchedulerConfig) *CleanupScheduler {
	return &CleanupScheduler{
		maintenance: New(database, logger),
		logger:      logger,
		config:      config,
	}
}

// Start begins the cleanup scheduling
func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("cleanup scheduler is already running")
	}
	if s.config.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", s.config.CleanupInterval)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.isRunning = true

	s.logger.Info("Starting cleanup scheduler",
		"interval", s.config.CleanupInterval,
		"score_retention_days", s.config.ScoreRetentionDays,
		"tiers", len(s.config.Tiers))

	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	return nil
}

// Stop stops the cleanup scheduler
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}

	s.logger.Info("Stopping cleanup scheduler")

	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.isRunning = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Cleanup scheduler stopped")
}

// IsRunning returns whether the scheduler is active
func (s *CleanupScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LockForCycle prevents cleanup operations while a pipeline cycle runs
func (s *CleanupScheduler) LockForCycle() {
	s.cycleLock.Lock()
	s.isCycleInProgress.Store(true)
	s.logger.Debug("Cleanup operations locked for pipeline cycle")
}

// UnlockAfterCycle allows cleanup operations to resume
func (s *CleanupScheduler) UnlockAfterCycle() {
	s.isCycleInProgress.Store(false)
	s.cycleLock.Unlock()
	s.logger.Debug("Cleanup operations unlocked after pipeline cycle")
}

func (s *CleanupScheduler) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	initialDelay := time.NewTimer(s.config.InitialDelay)
	defer initialDelay.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Cleanup loop stopping")
			return

		case <-initialDelay.C:
			s.performCleanup(ctx)

		case <-ticker.C:
			s.performCleanup(ctx)
		}
	}
}

func (s *CleanupScheduler) performCleanup(ctx context.Context) {
	if !s.cycleLock.TryLock() {
		s.logger.Debug("Skipping cleanup - pipeline cycle in progress")
		return
	}
	defer s.cycleLock.Unlock()

	if err := s.runCleanup(ctx); err != nil {
		s.logger.Error("Scheduled cleanup failed", "error", err)
	}
}

// runCleanup must be called with cycleLock held.
func (s *CleanupScheduler) runCleanup(ctx context.Context) error {
	start := time.Now()

	s.maintenance.PruneTiers(s.config.Tiers)

	var err error
	if s.maintenance.db != nil {
		_, err = s.maintenance.DeleteScoresOlderThan(ctx, s.config.ScoreRetentionDays)
	}

	s.logger.Info("Cleanup completed", "duration", time.Since(start), "success", err == nil)
	return err
}

// TriggerCleanup manually runs one cleanup pass (for testing/manual use)
func (s *CleanupScheduler) TriggerCleanup(ctx context.Context) error {
	if !s.cycleLock.TryLock() {
		return fmt.Errorf("cannot perform cleanup - pipeline cycle in progress")
	}
	defer s.cycleLock.Unlock()

	s.logger.Info("Manual cleanup triggered")
	return s.runCleanup(ctx)
}

// GetStatus returns the current status of the cleanup scheduler
func (s *CleanupScheduler) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"is_running":           s.isRunning,
		"is_cycle_in_progress": s.isCycleInProgress.Load(),
		"interval":             s.config.CleanupInterval.String(),
		"score_retention_days": s.config.ScoreRetentionDays,
		"history_enabled":      s.maintenance.db != nil,
		"tiers":                len(s.config.Tiers),
	}
}
