package revenue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftlabs/agentgrid/internal/logging"
)

// Scheduler runs the revenue batch once per closed calendar month. The
// ticker fires frequently; the guard on lastPeriod keeps each month from
// being processed more than once per process.
type Scheduler struct {
	calculator *Calculator
	interval   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup

	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	lastPeriod time.Time
	lastResult *RunResult
}

// NewScheduler creates a revenue scheduler
func NewScheduler(calculator *Calculator, checkInterval time.Duration) *Scheduler {
	if checkInterval <= 0 {
		checkInterval = time.Hour
	}
	return &Scheduler{
		calculator: calculator,
		interval:   checkInterval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the scheduled revenue processing
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	logger := logging.NewLogger("revenue-scheduler")
	logger.Info().
		Dur("check_interval", s.interval).
		Msg("Revenue scheduler started")
	return nil
}

// Stop stops the scheduler and waits for any in-flight run to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	logger := logging.NewLogger("revenue-scheduler")
	logger.Info().Msg("Revenue scheduler stopped")
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastResult returns the result of the most recent run
func (s *Scheduler) LastResult() *RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.checkAndRun(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkAndRun(ctx)
		}
	}
}

// checkAndRun processes the previous month if it has not been processed yet
func (s *Scheduler) checkAndRun(ctx context.Context) {
	periodStart, periodEnd := PreviousMonth(time.Now())

	s.mu.Lock()
	done := s.lastPeriod.Equal(periodStart)
	s.mu.Unlock()
	if done {
		return
	}

	logger := logging.NewLogger("revenue-scheduler")
	logger.Info().
		Time("period_start", periodStart).
		Time("period_end", periodEnd).
		Msg("Running revenue batch")

	result, err := s.calculator.Run(ctx, periodStart, periodEnd)
	if err != nil {
		logger.Error().Err(err).Msg("Revenue batch failed")
		return
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastPeriod = periodStart
	s.lastResult = result
	s.mu.Unlock()

	logging.LogRevenueRun(periodStart, periodEnd, result.EntriesWritten, result.SkippedZero, result.FailedCount, result.TotalRevenue.String())
}

// RunForPeriod triggers an immediate run for a specific period
func (s *Scheduler) RunForPeriod(ctx context.Context, periodStart, periodEnd time.Time) (*RunResult, error) {
	result, err := s.calculator.Run(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	return result, nil
}
