/*
store.go - Persistence interfaces for the dispense engine

PURPOSE:
  Defines one strongly typed repository per entity and the transactional
  store that hands them out. Components receive repositories through the
  Store passed into a WithTx callback; nothing looks repositories up by name.

KEY INTERFACES:
  Store:   The repositories, all bound to one unit of work
  TxStore: WithTx(ctx, fn) - commit if fn returns nil, roll back otherwise

APPEND-ONLY CONTRACT:
  MovementRepository, DispenseRepository and AuditRepository expose Append
  and reads only. There is no Update or Delete for those rows.

LOCKING:
  GetForUpdate methods take a row lock where the backend supports it
  (PostgreSQL: SELECT ... FOR UPDATE). Backends without row locks serialize
  whole transactions instead (SQLite BEGIN IMMEDIATE, the memory store's
  mutex). Either way two transactions can't both read the same stock record
  or limit row and then both write based on it.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL through sqlx
  - stock/store:    In-memory, for tests and local runs

SEE ALSO:
  - ledger.go: The only writer of StockRecord quantities
*/
package stock

import (
	"context"
	"time"
)

// =============================================================================
// REPOSITORIES
// =============================================================================

type CatalogRepository interface {
	// Drug returns *NotFoundError when the drug doesn't exist.
	Drug(ctx context.Context, id DrugID) (*Drug, error)
	Category(ctx context.Context, id CategoryID) (*DrugCategory, error)
	PutDrug(ctx context.Context, d Drug) error
	PutCategory(ctx context.Context, c DrugCategory) error
}

type PrescriptionRepository interface {
	// Get loads the prescription and its lines ordered by position.
	// Returns *NotFoundError when missing.
	Get(ctx context.Context, id PrescriptionID) (*Prescription, error)
	Create(ctx context.Context, p Prescription) error
	// SetStatus moves a prescription from one status to another. Fails with
	// ErrConflict when the current status is not from.
	SetStatus(ctx context.Context, id PrescriptionID, from, to PrescriptionStatus) error
}

type StockRepository interface {
	// GetForUpdate returns nil, nil when no record exists.
	GetForUpdate(ctx context.Context, drugID DrugID, location Location) (*StockRecord, error)
	Get(ctx context.Context, drugID DrugID, location Location) (*StockRecord, error)
	// Create fails with ErrConflict when (drug, location) already exists.
	Create(ctx context.Context, rec StockRecord) error
	UpdateQuantity(ctx context.Context, id string, quantity int64, at time.Time) error
	// List returns all records, or those for one drug when drugID != "".
	List(ctx context.Context, drugID DrugID) ([]StockRecord, error)
	// ListAtOrBelow returns records with quantity <= threshold ordered by drug, location.
	ListAtOrBelow(ctx context.Context, threshold int64) ([]StockRecord, error)
}

type MovementRepository interface {
	Append(ctx context.Context, m StockMovement) error
	// ListByRecord returns movements in the order they were written.
	ListByRecord(ctx context.Context, stockRecordID string) ([]StockMovement, error)
}

type DispenseRepository interface {
	Append(ctx context.Context, d DispenseRecord) error
	// SumForPrescriberCategory sums quantities dispensed in [from, to).
	SumForPrescriberCategory(ctx context.Context, prescriberID PrescriberID, categoryID CategoryID, from, to time.Time) (int64, error)
	ListByPrescription(ctx context.Context, id PrescriptionID) ([]DispenseRecord, error)
}

type LimitRepository interface {
	// GetForUpdate returns nil, nil when no limit is configured.
	GetForUpdate(ctx context.Context, prescriberID PrescriberID, categoryID CategoryID) (*PrescriberDrugLimit, error)
	// Put creates or replaces the limit for (prescriber, category).
	Put(ctx context.Context, l PrescriberDrugLimit) error
}

type AuditRepository interface {
	Append(ctx context.Context, e AuditEntry) error
	// List returns entries in write order, filtered by type when eventType != "".
	List(ctx context.Context, eventType AuditEventType) ([]AuditEntry, error)
}

type OutboxRepository interface {
	// Append assigns Seq.
	Append(ctx context.Context, r OutboxRecord) error
	// Pending returns up to limit undispatched records in Seq order.
	Pending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkDispatched(ctx context.Context, seqs []int64, at time.Time) error
}

// =============================================================================
// STORE
// =============================================================================

// Store exposes every repository, bound to one unit of work.
type Store interface {
	Catalog() CatalogRepository
	Prescriptions() PrescriptionRepository
	Stock() StockRepository
	Movements() MovementRepository
	Dispenses() DispenseRepository
	Limits() LimitRepository
	Audit() AuditRepository
	Outbox() OutboxRepository
}

// TxStore runs a function inside one atomic unit of work.
type TxStore interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
