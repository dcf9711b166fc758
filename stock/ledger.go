/*
ledger.go - Stock Ledger and Movement Recorder

PURPOSE:
  The only code that changes StockRecord quantities. Every change goes
  through apply(), which in one pass:
    1. refuses anything that would make the quantity negative
    2. writes the new quantity
    3. appends a StockMovement with the signed delta
    4. stages a StockUpdated event in the outbox
    5. stages a LowStock event when the result is at or below the threshold

  All methods take the Store of the caller's transaction. The ledger never
  opens transactions itself, so a fulfillment can deduct several lines and
  still commit or roll back as one unit.

OPERATIONS:
  Deduct:   REMOVE for dispensing. Missing record or short stock is a Conflict.
  Adjust:   Manual ADD / REMOVE.
  Transfer: REMOVE at the source, TRANSFER into the destination (created if
            absent), linked by one reference ID.
  Onboard:  Creates the record for (drug, location), optionally with stock.

EXAMPLE:
  err := txStore.WithTx(ctx, func(s stock.Store) error {
      _, err := ledger.Deduct(ctx, s, stock.Deduction{
          DrugID: "amox-500", Location: "main", Quantity: 4,
          ActorID: "pharm-1", Reason: "dispense", ReferenceID: "rx-42",
      })
      return err
  })

SEE ALSO:
  - store.go: GetForUpdate semantics
  - outbox/dispatcher.go: Publishes staged events after commit
*/
package stock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/warp/dispense-engine/events"
)

const DefaultLowStockThreshold int64 = 10

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	// LowStockThreshold: a record whose quantity ends up <= this value after a
	// mutation raises LowStock.
	LowStockThreshold int64

	// Clock defaults to time.Now. Times are stored in UTC.
	Clock func() time.Time
}

func NewLedger(lowStockThreshold int64) *Ledger {
	return &Ledger{LowStockThreshold: lowStockThreshold, Clock: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock().UTC()
}

// Deduction removes stock for a dispense.
type Deduction struct {
	DrugID      DrugID
	Location    Location
	Quantity    int64
	ActorID     ActorID
	Reason      string
	ReferenceID string
}

// Deduct removes d.Quantity from the (drug, location) record and returns the
// new quantity. A missing record counts as zero available.
func (l *Ledger) Deduct(ctx context.Context, s Store, d Deduction) (int64, error) {
	if d.Quantity <= 0 {
		return 0, invalid("quantity", "must be positive")
	}

	rec, err := s.Stock().GetForUpdate(ctx, d.DrugID, d.Location)
	if err != nil {
		return 0, fmt.Errorf("load stock record: %w", err)
	}
	if rec == nil {
		return 0, &InsufficientStockError{
			DrugID: d.DrugID, Location: d.Location, Requested: d.Quantity, Shortfall: d.Quantity, NoRecord: true,
		}
	}
	if rec.Quantity < d.Quantity {
		return 0, &InsufficientStockError{
			DrugID:    d.DrugID,
			Location:  d.Location,
			Available: rec.Quantity,
			Requested: d.Quantity,
			Shortfall: d.Quantity - rec.Quantity,
		}
	}

	old, err := l.apply(ctx, s, rec, -d.Quantity, MovementRemove, d.ActorID, d.Reason, d.ReferenceID)
	if err != nil {
		return 0, err
	}
	if err := AppendAudit(ctx, s, AuditStockDeducted, d.ActorID, map[string]any{
		"drugId":      d.DrugID,
		"location":    d.Location,
		"quantity":    d.Quantity,
		"oldQuantity": old,
		"newQuantity": rec.Quantity,
		"referenceId": d.ReferenceID,
	}, l.now()); err != nil {
		return 0, err
	}
	return rec.Quantity, nil
}

// Adjustment is a manual, non-fulfillment stock change.
type Adjustment struct {
	DrugID   DrugID
	Location Location
	// Delta is signed. For REMOVE the sign is ignored and |Delta| is removed.
	Delta int64
	// Type is ADD or REMOVE. Empty means ADD for positive Delta, REMOVE otherwise.
	Type    MovementType
	ActorID ActorID
	Reason  string
}

func (a Adjustment) normalized() (Adjustment, error) {
	if a.Delta == 0 {
		return a, invalid("delta", "must not be zero")
	}
	if a.Type == "" {
		if a.Delta > 0 {
			a.Type = MovementAdd
		} else {
			a.Type = MovementRemove
		}
	}
	switch a.Type {
	case MovementAdd:
		if a.Delta < 0 {
			return a, invalid("delta", "ADD requires a positive delta")
		}
	case MovementRemove:
		if a.Delta > 0 {
			a.Delta = -a.Delta
		}
	case MovementTransfer:
		return a, invalid("type", "use Transfer for TRANSFER movements")
	default:
		return a, invalid("type", fmt.Sprintf("unknown movement type %q", a.Type))
	}
	return a, nil
}

// Adjust applies a manual ADD or REMOVE and returns the updated record.
func (l *Ledger) Adjust(ctx context.Context, s Store, a Adjustment) (*StockRecord, error) {
	a, err := a.normalized()
	if err != nil {
		return nil, err
	}

	rec, err := s.Stock().GetForUpdate(ctx, a.DrugID, a.Location)
	if err != nil {
		return nil, fmt.Errorf("load stock record: %w", err)
	}
	if rec == nil {
		return nil, notFound("stock record", fmt.Sprintf("%s@%s", a.DrugID, a.Location))
	}

	old, err := l.apply(ctx, s, rec, a.Delta, a.Type, a.ActorID, a.Reason, "")
	if err != nil {
		return nil, err
	}
	if err := AppendAudit(ctx, s, AuditStockAdjusted, a.ActorID, map[string]any{
		"drugId":      a.DrugID,
		"location":    a.Location,
		"type":        a.Type,
		"delta":       a.Delta,
		"oldQuantity": old,
		"newQuantity": rec.Quantity,
		"reason":      a.Reason,
	}, l.now()); err != nil {
		return nil, err
	}
	return rec, nil
}

// Transfer moves stock between two locations of the same drug.
type Transfer struct {
	DrugID   DrugID
	From     Location
	To       Location
	Quantity int64
	ActorID  ActorID
	Reason   string
}

type TransferResult struct {
	From StockRecord `json:"from"`
	To   StockRecord `json:"to"`
	// ReferenceID links the REMOVE at the source to the TRANSFER at the
	// destination.
	ReferenceID string `json:"referenceId"`
}

// Transfer books a REMOVE at the source and a TRANSFER into the destination,
// creating the destination record when it doesn't exist yet. Both movements
// carry the same ReferenceID.
func (l *Ledger) Transfer(ctx context.Context, s Store, t Transfer) (*TransferResult, error) {
	if t.Quantity <= 0 {
		return nil, invalid("quantity", "must be positive")
	}
	if t.From == t.To {
		return nil, invalid("to", "destination must differ from source")
	}

	// Lock in a fixed order so two opposite transfers can't deadlock.
	locs := []Location{t.From, t.To}
	sort.Slice(locs, func(i, j int) bool { return locs[i] < locs[j] })
	recs := make(map[Location]*StockRecord, 2)
	for _, loc := range locs {
		rec, err := s.Stock().GetForUpdate(ctx, t.DrugID, loc)
		if err != nil {
			return nil, fmt.Errorf("load stock record: %w", err)
		}
		recs[loc] = rec
	}

	src := recs[t.From]
	if src == nil {
		return nil, notFound("stock record", fmt.Sprintf("%s@%s", t.DrugID, t.From))
	}
	if src.Quantity < t.Quantity {
		return nil, &InsufficientStockError{
			DrugID:    t.DrugID,
			Location:  t.From,
			Available: src.Quantity,
			Requested: t.Quantity,
			Shortfall: t.Quantity - src.Quantity,
		}
	}

	dst := recs[t.To]
	if dst == nil {
		var err error
		if dst, err = l.create(ctx, s, t.DrugID, t.To); err != nil {
			return nil, err
		}
	}

	ref := uuid.NewString()
	if _, err := l.apply(ctx, s, src, -t.Quantity, MovementRemove, t.ActorID, t.Reason, ref); err != nil {
		return nil, err
	}
	if _, err := l.apply(ctx, s, dst, t.Quantity, MovementTransfer, t.ActorID, t.Reason, ref); err != nil {
		return nil, err
	}
	if err := AppendAudit(ctx, s, AuditStockTransferred, t.ActorID, map[string]any{
		"drugId":      t.DrugID,
		"from":        t.From,
		"to":          t.To,
		"quantity":    t.Quantity,
		"referenceId": ref,
		"reason":      t.Reason,
	}, l.now()); err != nil {
		return nil, err
	}
	return &TransferResult{From: *src, To: *dst, ReferenceID: ref}, nil
}

// Onboard creates the record for (drug, location). A positive initial
// quantity is booked as an ADD movement so the movement history explains
// the whole balance.
func (l *Ledger) Onboard(ctx context.Context, s Store, drugID DrugID, location Location, initial int64, actor ActorID) (*StockRecord, error) {
	if initial < 0 {
		return nil, invalid("quantity", "must not be negative")
	}
	if _, err := s.Catalog().Drug(ctx, drugID); err != nil {
		return nil, err
	}
	existing, err := s.Stock().GetForUpdate(ctx, drugID, location)
	if err != nil {
		return nil, fmt.Errorf("load stock record: %w", err)
	}
	if existing != nil {
		return nil, &ConflictError{Message: fmt.Sprintf("stock record for drug %s at %s already exists", drugID, location)}
	}

	rec, err := l.create(ctx, s, drugID, location)
	if err != nil {
		return nil, err
	}
	if initial > 0 {
		if _, err := l.apply(ctx, s, rec, initial, MovementAdd, actor, "initial stock", ""); err != nil {
			return nil, err
		}
	}
	if err := AppendAudit(ctx, s, AuditStockOnboarded, actor, map[string]any{
		"drugId":   drugID,
		"location": location,
		"quantity": initial,
	}, l.now()); err != nil {
		return nil, err
	}
	return rec, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (l *Ledger) create(ctx context.Context, s Store, drugID DrugID, location Location) (*StockRecord, error) {
	rec := &StockRecord{
		ID:        uuid.NewString(),
		DrugID:    drugID,
		Location:  location,
		UpdatedAt: l.now(),
	}
	if err := s.Stock().Create(ctx, *rec); err != nil {
		return nil, fmt.Errorf("create stock record: %w", err)
	}
	return rec, nil
}

// apply is the single mutation path. It updates rec in place and returns
// the quantity before the change.
func (l *Ledger) apply(ctx context.Context, s Store, rec *StockRecord, delta int64, typ MovementType, actor ActorID, reason, ref string) (int64, error) {
	old := rec.Quantity
	next := old + delta
	if next < 0 {
		return 0, &InsufficientStockError{
			DrugID:    rec.DrugID,
			Location:  rec.Location,
			Available: old,
			Requested: -delta,
			Shortfall: -next,
		}
	}

	now := l.now()
	if err := s.Stock().UpdateQuantity(ctx, rec.ID, next, now); err != nil {
		return 0, fmt.Errorf("update stock record: %w", err)
	}
	if err := s.Movements().Append(ctx, StockMovement{
		ID:            uuid.NewString(),
		StockRecordID: rec.ID,
		DrugID:        rec.DrugID,
		Location:      rec.Location,
		Delta:         delta,
		Type:          typ,
		ActorID:       actor,
		Reason:        reason,
		ReferenceID:   ref,
		CreatedAt:     now,
	}); err != nil {
		return 0, fmt.Errorf("append movement: %w", err)
	}
	rec.Quantity = next
	rec.UpdatedAt = now

	if err := StageEvent(ctx, s, events.StockUpdated{
		DrugID:      string(rec.DrugID),
		Location:    string(rec.Location),
		OldQuantity: old,
		NewQuantity: next,
		Timestamp:   now,
	}, now); err != nil {
		return 0, err
	}
	if next <= l.LowStockThreshold {
		if err := StageEvent(ctx, s, events.LowStock{
			DrugID:    string(rec.DrugID),
			Location:  string(rec.Location),
			Quantity:  next,
			Threshold: l.LowStockThreshold,
			Timestamp: now,
		}, now); err != nil {
			return 0, err
		}
	}
	return old, nil
}

// StageEvent writes p to the outbox of the current transaction. It is
// published only if the transaction commits.
func StageEvent(ctx context.Context, s Store, p events.Payload, at time.Time) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.EventName(), err)
	}
	if err := s.Outbox().Append(ctx, OutboxRecord{
		ID:        uuid.NewString(),
		EventName: string(p.EventName()),
		Payload:   raw,
		CreatedAt: at.UTC(),
	}); err != nil {
		return fmt.Errorf("stage %s: %w", p.EventName(), err)
	}
	return nil
}

// AppendAudit writes one audit entry in the current transaction.
func AppendAudit(ctx context.Context, s Store, typ AuditEventType, actor ActorID, payload any, at time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	if err := s.Audit().Append(ctx, AuditEntry{
		ID:        uuid.NewString(),
		EventType: typ,
		ActorID:   actor,
		Payload:   raw,
		Timestamp: at.UTC(),
	}); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
