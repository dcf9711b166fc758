/*
dispatcher.go - Transactional outbox relay

PURPOSE:
  Business transactions never publish events directly. They stage them in
  the outbox table of their own transaction (stock.StageEvent), so an event
  exists if and only if the change that caused it committed. The Dispatcher
  moves committed rows from the outbox to the in-process bus.

FLOW (per batch):
  1. In a transaction: read up to BatchSize pending rows in Seq order and
     mark them dispatched. Commit.
  2. Decode each row and hand it to the Publisher, in Seq order.

  Rows are claimed before they are published, so a crash between the two
  steps loses those events instead of repeating them. Delivery is at most
  once, which is what subscribers are promised.

ORDERING:
  Flush holds a mutex for its whole run. Two concurrent flushes can't
  interleave batches, so events leave in commit (Seq) order.

LOOP:
  Start/Stop run Flush on a ticker to pick up rows left behind when a
  post-commit flush failed or the process restarted.

SEE ALSO:
  - stock/ledger.go: StageEvent
  - events/bus.go: Publisher
*/
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dispense-engine/events"
	"github.com/warp/dispense-engine/stock"
)

const DefaultBatchSize = 100

// Dispatcher publishes committed outbox rows.
type Dispatcher struct {
	Store     stock.TxStore
	Publisher events.Publisher
	Logger    *zap.Logger
	BatchSize int
	Clock     func() time.Time

	flushMu sync.Mutex

	// background loop
	mu      sync.Mutex
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewDispatcher creates a dispatcher with default settings. logger may be nil.
func NewDispatcher(store stock.TxStore, pub events.Publisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		Store:     store,
		Publisher: pub,
		Logger:    logger.Named("outbox"),
		BatchSize: DefaultBatchSize,
		Clock:     time.Now,
	}
}

// Flush publishes every pending row and returns how many were published.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	size := d.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	published := 0
	for {
		batch, err := d.claim(ctx, size)
		if err != nil {
			return published, err
		}
		for _, rec := range batch {
			ev, err := toEvent(rec)
			if err != nil {
				d.Logger.Error("dropping undecodable outbox row",
					zap.Int64("seq", rec.Seq), zap.String("event", rec.EventName), zap.Error(err))
				continue
			}
			d.Publisher.Publish(ctx, ev)
			published++
		}
		if len(batch) < size {
			return published, nil
		}
	}
}

func (d *Dispatcher) claim(ctx context.Context, size int) ([]stock.OutboxRecord, error) {
	var batch []stock.OutboxRecord
	err := d.Store.WithTx(ctx, func(s stock.Store) error {
		recs, err := s.Outbox().Pending(ctx, size)
		if err != nil {
			return fmt.Errorf("load pending: %w", err)
		}
		if len(recs) == 0 {
			return nil
		}
		seqs := make([]int64, len(recs))
		for i, r := range recs {
			seqs[i] = r.Seq
		}
		if err := s.Outbox().MarkDispatched(ctx, seqs, d.now()); err != nil {
			return fmt.Errorf("mark dispatched: %w", err)
		}
		batch = recs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	return batch, nil
}

func toEvent(rec stock.OutboxRecord) (events.Event, error) {
	name := events.Name(rec.EventName)
	p, err := events.Decode(name, rec.Payload)
	if err != nil {
		return events.Event{}, err
	}
	return events.Event{ID: rec.ID, Name: name, Payload: p, OccurredAt: rec.CreatedAt}, nil
}

func (d *Dispatcher) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock().UTC()
}

// =============================================================================
// BACKGROUND LOOP
// =============================================================================

// Start flushes every interval until Stop is called.
func (d *Dispatcher) Start(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running || interval <= 0 {
		return
	}
	d.ticker = time.NewTicker(interval)
	d.stop = make(chan struct{})
	d.running = true
	d.wg.Add(1)
	go d.run(d.ticker, d.stop)

	d.Logger.Info("outbox loop started", zap.Duration("interval", interval))
}

// Stop halts the loop and waits for an in-flight flush to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.ticker.Stop()
	close(d.stop)
	d.wg.Wait()
	d.running = false
	d.Logger.Info("outbox loop stopped")
}

func (d *Dispatcher) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-ticker.C:
			n, err := d.Flush(context.Background())
			if err != nil {
				d.Logger.Warn("outbox flush failed", zap.Error(err))
				continue
			}
			if n > 0 {
				d.Logger.Debug("outbox flushed", zap.Int("published", n))
			}
		case <-stop:
			return
		}
	}
}
