/*
coordinator.go - Fulfillment Transaction Coordinator

PURPOSE:
  Dispenses the requested lines of a prescription as one all-or-nothing
  unit of work.

FLOW:
  1. Validate the request shape (no storage access yet).
  2. In one transaction:
     a. load the prescription; it must be PENDING
     b. resolve every requested line (all loads before any mutation)
     c. per item, in submitted order:
          limit check -> ledger deduct -> DispenseRecord -> DrugDispensed
     d. mark the prescription COMPLETED, append the audit entry
  3. Commit, then flush the outbox.

  Any error inside the transaction rolls everything back: no quantity
  change, no movement, no dispense record, no audit entry and no staged
  event survives a failed call.

ERRORS:
  Validation, NotFound, PolicyViolation and Conflict reach the caller as-is
  (see stock/errors.go). Anything else is logged and replaced by a generic
  Internal error.

SEE ALSO:
  - limits/evaluator.go
  - stock/ledger.go
  - outbox/dispatcher.go
*/
package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/warp/dispense-engine/events"
	"github.com/warp/dispense-engine/limits"
	"github.com/warp/dispense-engine/stock"
)

const dispenseReason = "dispense"

// Item is one requested line.
type Item struct {
	LineID   stock.LineID `json:"lineId"`
	Quantity int64        `json:"quantity"`
}

type Request struct {
	PrescriptionID stock.PrescriptionID
	ActorID        stock.ActorID
	// Location to dispense from. Empty means the coordinator's default.
	Location stock.Location
	Items    []Item
}

type Result struct {
	DispensedCount int                    `json:"dispensedCount"`
	Dispensed      []stock.DispenseRecord `json:"dispensed,omitempty"`
}

// Config wires a Coordinator. Outbox, Logger, Tracer and Clock are optional.
type Config struct {
	Store           stock.TxStore
	Ledger          *stock.Ledger
	Limits          *limits.Evaluator
	Outbox          stock.Flusher
	Logger          *zap.Logger
	Tracer          trace.Tracer
	Clock           func() time.Time
	DefaultLocation stock.Location
}

type Coordinator struct {
	store    stock.TxStore
	ledger   *stock.Ledger
	limits   *limits.Evaluator
	outbox   stock.Flusher
	logger   *zap.Logger
	tracer   trace.Tracer
	clock    func() time.Time
	location stock.Location
}

func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		limits:   cfg.Limits,
		outbox:   cfg.Outbox,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		clock:    cfg.Clock,
		location: cfg.DefaultLocation,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("fulfillment")
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/warp/dispense-engine/fulfillment")
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.limits == nil {
		c.limits = limits.NewEvaluator(time.UTC)
	}
	return c
}

// Fulfill dispenses every item of req or nothing at all.
func (c *Coordinator) Fulfill(ctx context.Context, req Request) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "fulfillment.Fulfill", trace.WithAttributes(
		attribute.String("prescription.id", string(req.PrescriptionID)),
		attribute.Int("fulfillment.items", len(req.Items)),
	))
	defer span.End()

	if req.Location == "" {
		req.Location = c.location
	}

	res, err := c.fulfill(ctx, req)
	if err != nil {
		kind := stock.KindOf(err)
		span.SetAttributes(attribute.String("error.kind", string(kind)))
		span.SetStatus(codes.Error, string(kind))
		return nil, c.fail(req, err)
	}
	span.SetAttributes(attribute.Int("fulfillment.dispensed", res.DispensedCount))

	c.logger.Info("prescription fulfilled",
		zap.String("prescription_id", string(req.PrescriptionID)),
		zap.String("actor_id", string(req.ActorID)),
		zap.String("location", string(req.Location)),
		zap.Int("dispensed", res.DispensedCount),
	)

	if c.outbox != nil {
		if _, err := c.outbox.Flush(ctx); err != nil {
			c.logger.Warn("outbox flush failed", zap.Error(err))
		}
	}
	return res, nil
}

func (c *Coordinator) fulfill(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	var res *Result
	err := c.store.WithTx(ctx, func(s stock.Store) error {
		rx, err := s.Prescriptions().Get(ctx, req.PrescriptionID)
		if err != nil {
			return err
		}
		if rx.Status != stock.StatusPending {
			return &stock.ConflictError{Message: fmt.Sprintf("prescription %s is not pending (status %s)", rx.ID, rx.Status)}
		}

		lines := make([]stock.PrescriptionLine, len(req.Items))
		for i, it := range req.Items {
			l := rx.Line(it.LineID)
			if l == nil {
				return &stock.NotFoundError{Entity: "prescription line", ID: string(it.LineID)}
			}
			lines[i] = *l
		}

		now := c.clock().UTC()
		dispensed := make([]stock.DispenseRecord, 0, len(req.Items))
		for i, it := range req.Items {
			rec, err := c.dispenseLine(ctx, s, rx, lines[i], it.Quantity, req, now)
			if err != nil {
				return err
			}
			dispensed = append(dispensed, *rec)
		}

		if err := s.Prescriptions().SetStatus(ctx, rx.ID, stock.StatusPending, stock.StatusCompleted); err != nil {
			return err
		}
		if err := stock.AppendAudit(ctx, s, stock.AuditPrescriptionFulfilled, req.ActorID, map[string]any{
			"prescriptionId": rx.ID,
			"location":       req.Location,
			"items":          req.Items,
			"dispensedCount": len(dispensed),
		}, now); err != nil {
			return err
		}

		res = &Result{DispensedCount: len(dispensed), Dispensed: dispensed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) dispenseLine(ctx context.Context, s stock.Store, rx *stock.Prescription, line stock.PrescriptionLine, qty int64, req Request, now time.Time) (*stock.DispenseRecord, error) {
	drug, err := s.Catalog().Drug(ctx, line.DrugID)
	if err != nil {
		return nil, err
	}
	if err := c.limits.CheckLimit(ctx, s, rx.PrescriberID, drug.CategoryID, qty, now); err != nil {
		return nil, err
	}
	if _, err := c.ledger.Deduct(ctx, s, stock.Deduction{
		DrugID:      line.DrugID,
		Location:    req.Location,
		Quantity:    qty,
		ActorID:     req.ActorID,
		Reason:      dispenseReason,
		ReferenceID: string(rx.ID),
	}); err != nil {
		return nil, err
	}

	rec := stock.DispenseRecord{
		ID:             uuid.NewString(),
		PrescriptionID: rx.ID,
		LineID:         line.ID,
		DrugID:         line.DrugID,
		PrescriberID:   rx.PrescriberID,
		CategoryID:     drug.CategoryID,
		ActorID:        req.ActorID,
		Location:       req.Location,
		Quantity:       qty,
		DispensedAt:    now,
	}
	if err := s.Dispenses().Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("append dispense record: %w", err)
	}
	if err := stock.StageEvent(ctx, s, events.DrugDispensed{
		PrescriptionID: string(rx.ID),
		LineID:         string(line.ID),
		DrugID:         string(line.DrugID),
		ActorID:        string(req.ActorID),
		Quantity:       qty,
		Timestamp:      now,
	}, now); err != nil {
		return nil, err
	}
	return &rec, nil
}

func validate(req Request) error {
	if req.PrescriptionID == "" {
		return &stock.ValidationError{Field: "prescriptionId", Message: "is required"}
	}
	if req.ActorID == "" {
		return &stock.ValidationError{Field: "actorId", Message: "is required"}
	}
	if req.Location == "" {
		return &stock.ValidationError{Field: "location", Message: "is required"}
	}
	if len(req.Items) == 0 {
		return &stock.ValidationError{Field: "items", Message: "must not be empty"}
	}
	seen := make(map[stock.LineID]bool, len(req.Items))
	for i, it := range req.Items {
		if it.LineID == "" {
			return &stock.ValidationError{Field: fmt.Sprintf("items[%d].lineId", i), Message: "is required"}
		}
		if it.Quantity <= 0 {
			return &stock.ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "must be positive"}
		}
		if seen[it.LineID] {
			return &stock.ValidationError{Field: fmt.Sprintf("items[%d].lineId", i), Message: fmt.Sprintf("line %s requested twice", it.LineID)}
		}
		seen[it.LineID] = true
	}
	return nil
}

func (c *Coordinator) fail(req Request, err error) error {
	fields := []zap.Field{
		zap.String("prescription_id", string(req.PrescriptionID)),
		zap.String("actor_id", string(req.ActorID)),
		zap.Error(err),
	}
	if stock.IsClientError(err) {
		c.logger.Info("fulfillment rejected", append(fields, zap.String("kind", string(stock.KindOf(err))))...)
		return err
	}
	c.logger.Error("fulfillment failed", fields...)
	return stock.Internal("fulfill prescription")
}
