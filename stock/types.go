/*
Package stock is the inventory core of the dispense engine.

PURPOSE:
  Holds the data model shared by every component, the error taxonomy, the
  repository interfaces the stores implement, and the Stock Ledger: the only
  code allowed to change a StockRecord's quantity.

KEY CONCEPTS IN THIS FILE (types.go):
  - StockRecord:    Authoritative quantity of one drug at one location
  - StockMovement:  Immutable record of one quantity change and its cause
  - DispenseRecord: One applied prescription line
  - Prescription / PrescriptionLine / Drug / DrugCategory: read-mostly inputs
  - PrescriberDrugLimit: Daily cap per (prescriber, category)
  - AuditEntry / OutboxRecord: facts written in the same unit of work

INVARIANTS:
  1. StockRecord.Quantity >= 0 at all times
  2. StockMovement and DispenseRecord rows are never updated or deleted
  3. Sum of movement deltas for a record == current quantity - quantity at creation

SEE ALSO:
  - ledger.go: Deduct / Adjust / Transfer / Onboard
  - store.go:  Repository interfaces and the transactional store
  - errors.go: Error kinds
*/
package stock

import (
	"encoding/json"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DrugID string
type CategoryID string
type PrescriptionID string
type LineID string
type PrescriberID string
type ActorID string
type Location string

// =============================================================================
// CATALOG
// =============================================================================

type DrugCategory struct {
	ID   CategoryID `db:"id" json:"id"`
	Name string     `db:"name" json:"name"`
	// DailyLimit of 0 means unlimited.
	DailyLimit int64 `db:"daily_limit" json:"dailyLimit"`
}

type Drug struct {
	ID         DrugID     `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	CategoryID CategoryID `db:"category_id" json:"categoryId"`
}

// =============================================================================
// PRESCRIPTIONS
// =============================================================================

type PrescriptionStatus string

const (
	StatusPending   PrescriptionStatus = "PENDING"
	StatusCompleted PrescriptionStatus = "COMPLETED"
	StatusCancelled PrescriptionStatus = "CANCELLED"
)

type Prescription struct {
	ID           PrescriptionID     `json:"id"`
	Status       PrescriptionStatus `json:"status"`
	PrescriberID PrescriberID       `json:"prescriberId"`
	CreatedAt    time.Time          `json:"createdAt"`
	Lines        []PrescriptionLine `json:"lines"`
}

// Line returns the line with the given ID, or nil.
func (p *Prescription) Line(id LineID) *PrescriptionLine {
	for i := range p.Lines {
		if p.Lines[i].ID == id {
			return &p.Lines[i]
		}
	}
	return nil
}

type PrescriptionLine struct {
	ID             LineID         `db:"id" json:"id"`
	PrescriptionID PrescriptionID `db:"prescription_id" json:"prescriptionId"`
	Position       int            `db:"position" json:"position"`
	DrugID         DrugID         `db:"drug_id" json:"drugId"`
	Quantity       int64          `db:"quantity" json:"quantity"`
	Instructions   string         `db:"instructions" json:"instructions,omitempty"`
	Unit           string         `db:"unit" json:"unit,omitempty"`
}

// =============================================================================
// STOCK
// =============================================================================

type StockRecord struct {
	ID        string    `json:"id"`
	DrugID    DrugID    `json:"drugId"`
	Location  Location  `json:"location"`
	Quantity  int64     `json:"quantity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type MovementType string

const (
	MovementAdd      MovementType = "ADD"
	MovementRemove   MovementType = "REMOVE"
	MovementTransfer MovementType = "TRANSFER"
)

func (t MovementType) Valid() bool {
	switch t {
	case MovementAdd, MovementRemove, MovementTransfer:
		return true
	}
	return false
}

// StockMovement is append-only. Delta is signed.
type StockMovement struct {
	ID            string       `json:"id"`
	StockRecordID string       `json:"stockRecordId"`
	DrugID        DrugID       `json:"drugId"`
	Location      Location     `json:"location"`
	Delta         int64        `json:"delta"`
	Type          MovementType `json:"type"`
	ActorID       ActorID      `json:"actorId"`
	Reason        string       `json:"reason"`
	ReferenceID   string       `json:"referenceId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// =============================================================================
// LIMITS & DISPENSING
// =============================================================================

// PrescriberDrugLimit caps what one prescriber may have dispensed per day in
// one category. A missing row, or DailyLimit 0, means no limit.
type PrescriberDrugLimit struct {
	PrescriberID PrescriberID `db:"prescriber_id" json:"prescriberId"`
	CategoryID   CategoryID   `db:"category_id" json:"categoryId"`
	DailyLimit   int64        `db:"daily_limit" json:"dailyLimit"`
}

// DispenseRecord is append-only. PrescriberID and CategoryID are copied at
// write time so the daily sum needs no joins.
type DispenseRecord struct {
	ID             string         `json:"id"`
	PrescriptionID PrescriptionID `json:"prescriptionId"`
	LineID         LineID         `json:"lineId"`
	DrugID         DrugID         `json:"drugId"`
	PrescriberID   PrescriberID   `json:"prescriberId"`
	CategoryID     CategoryID     `json:"categoryId"`
	ActorID        ActorID        `json:"actorId"`
	Location       Location       `json:"location"`
	Quantity       int64          `json:"quantity"`
	DispensedAt    time.Time      `json:"dispensedAt"`
}

// =============================================================================
// AUDIT & OUTBOX
// =============================================================================

type AuditEventType string

const (
	AuditStockOnboarded        AuditEventType = "stock_onboarded"
	AuditStockAdjusted         AuditEventType = "stock_adjusted"
	AuditStockTransferred      AuditEventType = "stock_transferred"
	AuditStockDeducted         AuditEventType = "stock_deducted"
	AuditPrescriptionFulfilled AuditEventType = "prescription_fulfilled"
	AuditLowStockDetected      AuditEventType = "low_stock_detected"
	AuditLimitChanged          AuditEventType = "limit_changed"
	AuditCatalogChanged        AuditEventType = "catalog_changed"
	AuditPrescriptionCreated   AuditEventType = "prescription_created"
	AuditPrescriptionCancelled AuditEventType = "prescription_cancelled"
)

// AuditEntry is the generic (eventType, jsonPayload, timestamp) record.
type AuditEntry struct {
	ID        string          `json:"id"`
	EventType AuditEventType  `json:"eventType"`
	ActorID   ActorID         `json:"actorId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// OutboxRecord is an event staged in the same transaction as the change it
// describes. Seq is assigned by the store and orders dispatch.
type OutboxRecord struct {
	Seq          int64
	ID           string
	EventName    string
	Payload      json.RawMessage
	CreatedAt    time.Time
	DispatchedAt *time.Time
}
