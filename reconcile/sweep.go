/*
sweep.go - Low-stock reconciliation sweep

PURPOSE:
  Read-only scan of the ledger that raises LowStock for every record at or
  below a threshold. Stateless: running it twice raises the events twice,
  and it never touches quantities, so it is safe alongside fulfillments.

  Events are staged in the outbox and audited in the same transaction,
  then flushed after commit like every other writer.

SEE ALSO:
  - scheduler.go: Runs the sweep periodically
*/
package reconcile

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/warp/dispense-engine/events"
	"github.com/warp/dispense-engine/stock"
)

// Sweeper raises LowStock for depleted records.
type Sweeper struct {
	Store  stock.TxStore
	Outbox stock.Flusher
	Logger *zap.Logger
	Tracer trace.Tracer
	Clock  func() time.Time
}

func NewSweeper(store stock.TxStore, outbox stock.Flusher, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		Store:  store,
		Outbox: outbox,
		Logger: logger.Named("reconcile"),
		Tracer: otel.Tracer("github.com/warp/dispense-engine/reconcile"),
		Clock:  time.Now,
	}
}

// RunOnce returns every record with quantity <= threshold, ordered by drug
// then location, after staging one LowStock event and one audit entry each.
func (sw *Sweeper) RunOnce(ctx context.Context, threshold int64) ([]stock.StockRecord, error) {
	if threshold < 0 {
		return nil, &stock.ValidationError{Field: "threshold", Message: "must not be negative"}
	}

	tracer := sw.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/warp/dispense-engine/reconcile")
	}
	ctx, span := tracer.Start(ctx, "reconcile.RunOnce", trace.WithAttributes(attribute.Int64("threshold", threshold)))
	defer span.End()

	now := sw.now()
	var low []stock.StockRecord
	err := sw.Store.WithTx(ctx, func(s stock.Store) error {
		recs, err := s.Stock().ListAtOrBelow(ctx, threshold)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := stock.StageEvent(ctx, s, events.LowStock{
				DrugID:    string(rec.DrugID),
				Location:  string(rec.Location),
				Quantity:  rec.Quantity,
				Threshold: threshold,
				Timestamp: now,
			}, now); err != nil {
				return err
			}
			if err := stock.AppendAudit(ctx, s, stock.AuditLowStockDetected, "", map[string]any{
				"stockRecordId": rec.ID,
				"drugId":        rec.DrugID,
				"location":      rec.Location,
				"quantity":      rec.Quantity,
				"threshold":     threshold,
			}, now); err != nil {
				return err
			}
		}
		low = recs
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		sw.logger().Error("sweep failed", zap.Int64("threshold", threshold), zap.Error(err))
		return nil, stock.Internal("low-stock sweep")
	}

	span.SetAttributes(attribute.Int("low_stock", len(low)))
	sw.logger().Info("sweep completed", zap.Int64("threshold", threshold), zap.Int("low_stock", len(low)))
	if sw.Outbox != nil {
		if _, err := sw.Outbox.Flush(ctx); err != nil {
			sw.logger().Warn("outbox flush failed", zap.Error(err))
		}
	}
	return low, nil
}

func (sw *Sweeper) logger() *zap.Logger {
	if sw.Logger == nil {
		return zap.NewNop()
	}
	return sw.Logger
}

func (sw *Sweeper) now() time.Time {
	if sw.Clock == nil {
		return time.Now().UTC()
	}
	return sw.Clock().UTC()
}
