package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bus-bunching/internal/common/logger"
)

// Cycler runs one pipeline cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (*CycleResult, error)
}

// Scheduler runs cycles on a fixed interval.
type Scheduler struct {
	cycler     Cycler
	interval   time.Duration
	runOnStart bool
	logger     logger.Logger

	mu        sync.RWMutex
	isRunning bool
	cancelFn  context.CancelFunc
	wg        sync.WaitGroup

	lastMu  sync.RWMutex
	lastRun *CycleResult
	lastErr error
}

func NewScheduler(c Cycler, interval time.Duration, runOnStart bool, log logger.Logger) *Scheduler {
	return &Scheduler{
		cycler:     c,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     log,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("pipeline scheduler is already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("pipeline interval must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.isRunning = true

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Pipeline scheduler started", "interval", s.interval, "run_on_start", s.runOnStart)
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.logger.Info("Stopping pipeline scheduler")
	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.isRunning = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Pipeline scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastRun returns the most recent cycle result and error.
func (s *Scheduler) LastRun() (*CycleResult, error) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.runOnStart {
		s.runOnce(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	res, err := s.cycler.RunCycle(ctx)

	s.lastMu.Lock()
	s.lastRun, s.lastErr = res, err
	s.lastMu.Unlock()
}
