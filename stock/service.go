package stock

import (
	"context"

	"go.uber.org/zap"
)

// Flusher publishes events staged in the outbox. Implemented by
// outbox.Dispatcher.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Service runs standalone inventory operations, each in its own
// transaction, and flushes the outbox after commit.
type Service struct {
	store  TxStore
	ledger *Ledger
	outbox Flusher
	logger *zap.Logger
}

// NewService wires the inventory service. outbox and logger may be nil.
func NewService(store TxStore, ledger *Ledger, outbox Flusher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, ledger: ledger, outbox: outbox, logger: logger.Named("stock")}
}

// Adjust applies a manual ADD or REMOVE.
func (svc *Service) Adjust(ctx context.Context, a Adjustment) (*StockRecord, error) {
	var rec *StockRecord
	err := svc.store.WithTx(ctx, func(s Store) error {
		var err error
		rec, err = svc.ledger.Adjust(ctx, s, a)
		return err
	})
	if err != nil {
		return nil, svc.fail("adjust stock", err,
			zap.String("drug_id", string(a.DrugID)), zap.String("location", string(a.Location)))
	}
	svc.logger.Info("stock adjusted",
		zap.String("drug_id", string(a.DrugID)),
		zap.String("location", string(a.Location)),
		zap.Int64("delta", a.Delta),
		zap.Int64("quantity", rec.Quantity),
	)
	svc.flush(ctx)
	return rec, nil
}

// Transfer moves stock between locations.
func (svc *Service) Transfer(ctx context.Context, t Transfer) (*TransferResult, error) {
	var res *TransferResult
	err := svc.store.WithTx(ctx, func(s Store) error {
		var err error
		res, err = svc.ledger.Transfer(ctx, s, t)
		return err
	})
	if err != nil {
		return nil, svc.fail("transfer stock", err,
			zap.String("drug_id", string(t.DrugID)), zap.String("from", string(t.From)), zap.String("to", string(t.To)))
	}
	svc.logger.Info("stock transferred",
		zap.String("drug_id", string(t.DrugID)),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.Int64("quantity", t.Quantity),
	)
	svc.flush(ctx)
	return res, nil
}

// Onboard creates the stock record for a drug at a location.
func (svc *Service) Onboard(ctx context.Context, drugID DrugID, location Location, initial int64, actor ActorID) (*StockRecord, error) {
	var rec *StockRecord
	err := svc.store.WithTx(ctx, func(s Store) error {
		var err error
		rec, err = svc.ledger.Onboard(ctx, s, drugID, location, initial, actor)
		return err
	})
	if err != nil {
		return nil, svc.fail("onboard stock", err,
			zap.String("drug_id", string(drugID)), zap.String("location", string(location)))
	}
	svc.flush(ctx)
	return rec, nil
}

// Get returns the record for (drug, location).
func (svc *Service) Get(ctx context.Context, drugID DrugID, location Location) (*StockRecord, error) {
	var rec *StockRecord
	err := svc.store.WithTx(ctx, func(s Store) error {
		var err error
		rec, err = s.Stock().Get(ctx, drugID, location)
		return err
	})
	if err != nil {
		return nil, svc.fail("get stock", err)
	}
	if rec == nil {
		return nil, notFound("stock record", string(drugID)+"@"+string(location))
	}
	return rec, nil
}

// List returns every record, or every record of one drug.
func (svc *Service) List(ctx context.Context, drugID DrugID) ([]StockRecord, error) {
	var recs []StockRecord
	err := svc.store.WithTx(ctx, func(s Store) error {
		var err error
		recs, err = s.Stock().List(ctx, drugID)
		return err
	})
	if err != nil {
		return nil, svc.fail("list stock", err)
	}
	return recs, nil
}

// Movements returns the movement history of one record.
func (svc *Service) Movements(ctx context.Context, drugID DrugID, location Location) ([]StockMovement, error) {
	var out []StockMovement
	err := svc.store.WithTx(ctx, func(s Store) error {
		rec, err := s.Stock().Get(ctx, drugID, location)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFound("stock record", string(drugID)+"@"+string(location))
		}
		out, err = s.Movements().ListByRecord(ctx, rec.ID)
		return err
	})
	if err != nil {
		return nil, svc.fail("list movements", err)
	}
	return out, nil
}

// SetLimit creates or replaces a prescriber's daily limit for a category.
func (svc *Service) SetLimit(ctx context.Context, l PrescriberDrugLimit, actor ActorID) error {
	if l.PrescriberID == "" || l.CategoryID == "" {
		return invalid("limit", "prescriberId and categoryId are required")
	}
	if l.DailyLimit < 0 {
		return invalid("dailyLimit", "must not be negative")
	}
	err := svc.store.WithTx(ctx, func(s Store) error {
		if _, err := s.Catalog().Category(ctx, l.CategoryID); err != nil {
			return err
		}
		if err := s.Limits().Put(ctx, l); err != nil {
			return err
		}
		return AppendAudit(ctx, s, AuditLimitChanged, actor, l, svc.ledger.now())
	})
	if err != nil {
		return svc.fail("set limit", err)
	}
	return nil
}

// fail logs err and, when it isn't a client error, replaces it with a
// generic Internal error.
func (svc *Service) fail(op string, err error, fields ...zap.Field) error {
	if IsClientError(err) {
		svc.logger.Debug(op+" rejected", append(fields, zap.Error(err))...)
		return err
	}
	svc.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	return Internal(op)
}

func (svc *Service) flush(ctx context.Context) {
	if svc.outbox == nil {
		return
	}
	if _, err := svc.outbox.Flush(ctx); err != nil {
		svc.logger.Warn("outbox flush failed", zap.Error(err))
	}
}
