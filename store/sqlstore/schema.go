package sqlstore

import (
	"context"
	"fmt"
)

// migrate creates the schema. Statements are idempotent and run one at a
// time so both drivers accept them.
func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}

func schema(d dialect) []string {
	return []string{
		// Catalog
		`CREATE TABLE IF NOT EXISTS drug_categories (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			daily_limit BIGINT NOT NULL DEFAULT 0 CHECK (daily_limit >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS drugs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category_id TEXT NOT NULL REFERENCES drug_categories(id)
		)`,

		// Prescriptions
		`CREATE TABLE IF NOT EXISTS prescriptions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK (status IN ('PENDING', 'COMPLETED', 'CANCELLED')),
			prescriber_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prescription_lines (
			id TEXT PRIMARY KEY,
			prescription_id TEXT NOT NULL REFERENCES prescriptions(id),
			position INTEGER NOT NULL,
			drug_id TEXT NOT NULL REFERENCES drugs(id),
			quantity BIGINT NOT NULL CHECK (quantity > 0),
			instructions TEXT NOT NULL DEFAULT '',
			unit TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prescription_lines_prescription
			ON prescription_lines(prescription_id, position)`,

		// Stock ledger. Quantity can never go negative, even if a writer
		// bypassed the ledger.
		`CREATE TABLE IF NOT EXISTS stock_records (
			id TEXT PRIMARY KEY,
			drug_id TEXT NOT NULL REFERENCES drugs(id),
			location TEXT NOT NULL,
			quantity BIGINT NOT NULL CHECK (quantity >= 0),
			updated_at TEXT NOT NULL,
			UNIQUE (drug_id, location)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_records_quantity
			ON stock_records(quantity)`,

		// Movements (append-only)
		`CREATE TABLE IF NOT EXISTS stock_movements (
			` + d.seqColumn + `,
			id TEXT NOT NULL UNIQUE,
			stock_record_id TEXT NOT NULL REFERENCES stock_records(id),
			drug_id TEXT NOT NULL,
			location TEXT NOT NULL,
			delta BIGINT NOT NULL CHECK (delta <> 0),
			movement_type TEXT NOT NULL CHECK (movement_type IN ('ADD', 'REMOVE', 'TRANSFER')),
			actor_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			reference_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stock_movements_record
			ON stock_movements(stock_record_id)`,

		// Dispense records (append-only). The daily limit sum is the hot path.
		`CREATE TABLE IF NOT EXISTS dispense_records (
			` + d.seqColumn + `,
			id TEXT NOT NULL UNIQUE,
			prescription_id TEXT NOT NULL REFERENCES prescriptions(id),
			line_id TEXT NOT NULL REFERENCES prescription_lines(id),
			drug_id TEXT NOT NULL,
			prescriber_id TEXT NOT NULL,
			category_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			location TEXT NOT NULL,
			quantity BIGINT NOT NULL CHECK (quantity > 0),
			dispensed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispense_records_limit
			ON dispense_records(prescriber_id, category_id, dispensed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dispense_records_prescription
			ON dispense_records(prescription_id)`,

		// Limits
		`CREATE TABLE IF NOT EXISTS prescriber_limits (
			prescriber_id TEXT NOT NULL,
			category_id TEXT NOT NULL REFERENCES drug_categories(id),
			daily_limit BIGINT NOT NULL CHECK (daily_limit >= 0),
			PRIMARY KEY (prescriber_id, category_id)
		)`,

		// Audit log (append-only)
		`CREATE TABLE IF NOT EXISTS audit_log (
			` + d.seqColumn + `,
			id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_type
			ON audit_log(event_type)`,

		// Outbox
		`CREATE TABLE IF NOT EXISTS outbox (
			` + d.seqColumn + `,
			id TEXT NOT NULL UNIQUE,
			event_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			dispatched_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending
			ON outbox(seq) WHERE dispatched_at IS NULL`,
	}
}
