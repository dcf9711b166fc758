/*
scheduler.go - Periodic low-stock sweep

PURPOSE:
  Runs Sweeper.RunOnce on a fixed interval with the configured threshold.

CONFIGURATION:
  - Interval:  How often to sweep (default: 1 hour)
  - Threshold: Passed to RunOnce
  - Enabled:   Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewScheduler(sweeper, 10, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dispense-engine/stock"
)

// Scheduler handles automated low-stock sweeps.
type Scheduler struct {
	Sweeper   *Sweeper
	Threshold int64
	Interval  time.Duration
	Enabled   bool
	Logger    *zap.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *Run
}

// Run summarizes one sweep.
type Run struct {
	At       time.Time `json:"at"`
	LowStock int       `json:"lowStock"`
	Error    string    `json:"error,omitempty"`
}

// NewScheduler creates a new scheduler.
func NewScheduler(sweeper *Sweeper, threshold int64, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Sweeper:   sweeper,
		Threshold: threshold,
		Interval:  time.Hour,
		Enabled:   true,
		Logger:    logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (sc *Scheduler) Start() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.Enabled || sc.Interval <= 0 {
		sc.Logger.Info("scheduler disabled, not starting")
		return
	}
	if sc.ticker != nil {
		return
	}

	sc.ticker = time.NewTicker(sc.Interval)
	sc.stop = make(chan struct{})
	sc.wg.Add(1)
	go sc.run(sc.ticker, sc.stop)

	sc.Logger.Info("scheduler started", zap.Duration("interval", sc.Interval), zap.Int64("threshold", sc.Threshold))
}

// Stop stops the scheduler.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	if sc.ticker == nil {
		sc.mu.Unlock()
		return
	}
	sc.ticker.Stop()
	close(sc.stop)
	sc.ticker = nil
	sc.mu.Unlock()

	sc.wg.Wait()
	sc.Logger.Info("scheduler stopped")
}

// RunNow triggers an immediate sweep.
func (sc *Scheduler) RunNow(ctx context.Context) ([]stock.StockRecord, error) {
	return sc.sweep(ctx)
}

// LastRun returns the outcome of the most recent sweep, or nil.
func (sc *Scheduler) LastRun() *Run {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.lastRun == nil {
		return nil
	}
	r := *sc.lastRun
	return &r
}

func (sc *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer sc.wg.Done()

	// Run immediately on start
	sc.sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			sc.sweep(context.Background())
		case <-stop:
			return
		}
	}
}

func (sc *Scheduler) sweep(ctx context.Context) ([]stock.StockRecord, error) {
	low, err := sc.Sweeper.RunOnce(ctx, sc.Threshold)

	run := &Run{At: time.Now().UTC(), LowStock: len(low)}
	if err != nil {
		run.Error = err.Error()
		sc.Logger.Warn("scheduled sweep failed", zap.Error(err))
	}
	sc.mu.Lock()
	sc.lastRun = run
	sc.mu.Unlock()
	return low, err
}
