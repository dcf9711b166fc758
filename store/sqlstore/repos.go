package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warp/dispense-engine/stock"
)

// =============================================================================
// CATALOG
// =============================================================================

type catalogRepo struct{ repo }

func (r catalogRepo) Drug(ctx context.Context, id stock.DrugID) (*stock.Drug, error) {
	var d stock.Drug
	err := r.get(ctx, &d, `SELECT id, name, category_id FROM drugs WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &stock.NotFoundError{Entity: "drug", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get drug: %w", err)
	}
	return &d, nil
}

func (r catalogRepo) Category(ctx context.Context, id stock.CategoryID) (*stock.DrugCategory, error) {
	var c stock.DrugCategory
	err := r.get(ctx, &c, `SELECT id, name, daily_limit FROM drug_categories WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &stock.NotFoundError{Entity: "category", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get category: %w", err)
	}
	return &c, nil
}

func (r catalogRepo) PutDrug(ctx context.Context, d stock.Drug) error {
	if _, err := r.Category(ctx, d.CategoryID); err != nil {
		return err
	}
	_, err := r.exec(ctx, `
		INSERT INTO drugs (id, name, category_id) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, category_id = excluded.category_id`,
		string(d.ID), d.Name, string(d.CategoryID))
	if err != nil {
		return fmt.Errorf("put drug: %w", err)
	}
	return nil
}

func (r catalogRepo) PutCategory(ctx context.Context, c stock.DrugCategory) error {
	_, err := r.exec(ctx, `
		INSERT INTO drug_categories (id, name, daily_limit) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, daily_limit = excluded.daily_limit`,
		string(c.ID), c.Name, c.DailyLimit)
	if err != nil {
		return fmt.Errorf("put category: %w", err)
	}
	return nil
}

// =============================================================================
// PRESCRIPTIONS
// =============================================================================

type prescriptionRepo struct{ repo }

type prescriptionRow struct {
	ID           string `db:"id"`
	Status       string `db:"status"`
	PrescriberID string `db:"prescriber_id"`
	CreatedAt    string `db:"created_at"`
}

func (r prescriptionRepo) Get(ctx context.Context, id stock.PrescriptionID) (*stock.Prescription, error) {
	var row prescriptionRow
	err := r.get(ctx, &row, `SELECT id, status, prescriber_id, created_at FROM prescriptions WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &stock.NotFoundError{Entity: "prescription", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	created, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, err
	}

	var lines []stock.PrescriptionLine
	if err := r.selectAll(ctx, &lines, `
		SELECT id, prescription_id, position, drug_id, quantity, instructions, unit
		FROM prescription_lines WHERE prescription_id = ? ORDER BY position, id`, string(id)); err != nil {
		return nil, fmt.Errorf("get prescription lines: %w", err)
	}

	return &stock.Prescription{
		ID:           stock.PrescriptionID(row.ID),
		Status:       stock.PrescriptionStatus(row.Status),
		PrescriberID: stock.PrescriberID(row.PrescriberID),
		CreatedAt:    created,
		Lines:        lines,
	}, nil
}

func (r prescriptionRepo) Create(ctx context.Context, p stock.Prescription) error {
	if p.Status == "" {
		p.Status = stock.StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	for _, l := range p.Lines {
		if _, err := (catalogRepo{r.repo}).Drug(ctx, l.DrugID); err != nil {
			return err
		}
	}

	_, err := r.exec(ctx, `INSERT INTO prescriptions (id, status, prescriber_id, created_at) VALUES (?, ?, ?, ?)`,
		string(p.ID), string(p.Status), string(p.PrescriberID), formatTime(p.CreatedAt))
	if isUniqueViolation(err) {
		return &stock.ConflictError{Message: fmt.Sprintf("prescription %s already exists", p.ID)}
	}
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}

	for i, l := range p.Lines {
		pos := l.Position
		if pos == 0 {
			pos = i + 1
		}
		_, err := r.exec(ctx, `
			INSERT INTO prescription_lines (id, prescription_id, position, drug_id, quantity, instructions, unit)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(l.ID), string(p.ID), pos, string(l.DrugID), l.Quantity, l.Instructions, l.Unit)
		if isUniqueViolation(err) {
			return &stock.ConflictError{Message: fmt.Sprintf("prescription line %s already exists", l.ID)}
		}
		if err != nil {
			return fmt.Errorf("insert prescription line: %w", err)
		}
	}
	return nil
}

func (r prescriptionRepo) SetStatus(ctx context.Context, id stock.PrescriptionID, from, to stock.PrescriptionStatus) error {
	n, err := r.exec(ctx, `UPDATE prescriptions SET status = ? WHERE id = ? AND status = ?`,
		string(to), string(id), string(from))
	if err != nil {
		return fmt.Errorf("update prescription status: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = r.get(ctx, &current, `SELECT status FROM prescriptions WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return &stock.NotFoundError{Entity: "prescription", ID: string(id)}
	}
	if err != nil {
		return fmt.Errorf("get prescription status: %w", err)
	}
	return &stock.ConflictError{Message: fmt.Sprintf("prescription %s is %s, not %s", id, current, from)}
}

// =============================================================================
// STOCK
// =============================================================================

type stockRepo struct{ repo }

type stockRow struct {
	ID        string `db:"id"`
	DrugID    string `db:"drug_id"`
	Location  string `db:"location"`
	Quantity  int64  `db:"quantity"`
	UpdatedAt string `db:"updated_at"`
}

func (row stockRow) toRecord() (stock.StockRecord, error) {
	at, err := parseTime(row.UpdatedAt)
	if err != nil {
		return stock.StockRecord{}, err
	}
	return stock.StockRecord{
		ID:        row.ID,
		DrugID:    stock.DrugID(row.DrugID),
		Location:  stock.Location(row.Location),
		Quantity:  row.Quantity,
		UpdatedAt: at,
	}, nil
}

const stockColumns = `id, drug_id, location, quantity, updated_at`

func (r stockRepo) GetForUpdate(ctx context.Context, drugID stock.DrugID, location stock.Location) (*stock.StockRecord, error) {
	return r.load(ctx, r.d.forUpdate, drugID, location)
}

func (r stockRepo) Get(ctx context.Context, drugID stock.DrugID, location stock.Location) (*stock.StockRecord, error) {
	return r.load(ctx, "", drugID, location)
}

func (r stockRepo) load(ctx context.Context, suffix string, drugID stock.DrugID, location stock.Location) (*stock.StockRecord, error) {
	var row stockRow
	err := r.get(ctx, &row, `SELECT `+stockColumns+` FROM stock_records WHERE drug_id = ? AND location = ?`+suffix,
		string(drugID), string(location))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stock record: %w", err)
	}
	rec, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r stockRepo) Create(ctx context.Context, rec stock.StockRecord) error {
	_, err := r.exec(ctx, `INSERT INTO stock_records (`+stockColumns+`) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, string(rec.DrugID), string(rec.Location), rec.Quantity, formatTime(rec.UpdatedAt))
	if isUniqueViolation(err) {
		return &stock.ConflictError{Message: fmt.Sprintf("stock record for %s at %s already exists", rec.DrugID, rec.Location)}
	}
	if err != nil {
		return fmt.Errorf("insert stock record: %w", err)
	}
	return nil
}

func (r stockRepo) UpdateQuantity(ctx context.Context, id string, quantity int64, at time.Time) error {
	if quantity < 0 {
		return fmt.Errorf("stock record %s: negative quantity %d", id, quantity)
	}
	n, err := r.exec(ctx, `UPDATE stock_records SET quantity = ?, updated_at = ? WHERE id = ?`,
		quantity, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update stock record: %w", err)
	}
	if n == 0 {
		return &stock.NotFoundError{Entity: "stock record", ID: id}
	}
	return nil
}

func (r stockRepo) List(ctx context.Context, drugID stock.DrugID) ([]stock.StockRecord, error) {
	if drugID == "" {
		return r.list(ctx, `SELECT `+stockColumns+` FROM stock_records ORDER BY drug_id, location`)
	}
	return r.list(ctx, `SELECT `+stockColumns+` FROM stock_records WHERE drug_id = ? ORDER BY drug_id, location`, string(drugID))
}

func (r stockRepo) ListAtOrBelow(ctx context.Context, threshold int64) ([]stock.StockRecord, error) {
	return r.list(ctx, `SELECT `+stockColumns+` FROM stock_records WHERE quantity <= ? ORDER BY drug_id, location`, threshold)
}

func (r stockRepo) list(ctx context.Context, query string, args ...any) ([]stock.StockRecord, error) {
	var rows []stockRow
	if err := r.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list stock records: %w", err)
	}
	out := make([]stock.StockRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// =============================================================================
// MOVEMENTS (append-only)
// =============================================================================

type movementRepo struct{ repo }

type movementRow struct {
	ID            string `db:"id"`
	StockRecordID string `db:"stock_record_id"`
	DrugID        string `db:"drug_id"`
	Location      string `db:"location"`
	Delta         int64  `db:"delta"`
	Type          string `db:"movement_type"`
	ActorID       string `db:"actor_id"`
	Reason        string `db:"reason"`
	ReferenceID   string `db:"reference_id"`
	CreatedAt     string `db:"created_at"`
}

func (r movementRepo) Append(ctx context.Context, m stock.StockMovement) error {
	_, err := r.exec(ctx, `
		INSERT INTO stock_movements
			(id, stock_record_id, drug_id, location, delta, movement_type, actor_id, reason, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.StockRecordID, string(m.DrugID), string(m.Location), m.Delta, string(m.Type),
		string(m.ActorID), m.Reason, m.ReferenceID, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func (r movementRepo) ListByRecord(ctx context.Context, id string) ([]stock.StockMovement, error) {
	var rows []movementRow
	if err := r.selectAll(ctx, &rows, `
		SELECT id, stock_record_id, drug_id, location, delta, movement_type, actor_id, reason, reference_id, created_at
		FROM stock_movements WHERE stock_record_id = ? ORDER BY seq`, id); err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	out := make([]stock.StockMovement, 0, len(rows))
	for _, row := range rows {
		at, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, stock.StockMovement{
			ID:            row.ID,
			StockRecordID: row.StockRecordID,
			DrugID:        stock.DrugID(row.DrugID),
			Location:      stock.Location(row.Location),
			Delta:         row.Delta,
			Type:          stock.MovementType(row.Type),
			ActorID:       stock.ActorID(row.ActorID),
			Reason:        row.Reason,
			ReferenceID:   row.ReferenceID,
			CreatedAt:     at,
		})
	}
	return out, nil
}

// =============================================================================
// DISPENSES (append-only)
// =============================================================================

type dispenseRepo struct{ repo }

type dispenseRow struct {
	ID             string `db:"id"`
	PrescriptionID string `db:"prescription_id"`
	LineID         string `db:"line_id"`
	DrugID         string `db:"drug_id"`
	PrescriberID   string `db:"prescriber_id"`
	CategoryID     string `db:"category_id"`
	ActorID        string `db:"actor_id"`
	Location       string `db:"location"`
	Quantity       int64  `db:"quantity"`
	DispensedAt    string `db:"dispensed_at"`
}

func (r dispenseRepo) Append(ctx context.Context, d stock.DispenseRecord) error {
	_, err := r.exec(ctx, `
		INSERT INTO dispense_records
			(id, prescription_id, line_id, drug_id, prescriber_id, category_id, actor_id, location, quantity, dispensed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, string(d.PrescriptionID), string(d.LineID), string(d.DrugID), string(d.PrescriberID),
		string(d.CategoryID), string(d.ActorID), string(d.Location), d.Quantity, formatTime(d.DispensedAt))
	if err != nil {
		return fmt.Errorf("insert dispense record: %w", err)
	}
	return nil
}

func (r dispenseRepo) SumForPrescriberCategory(ctx context.Context, prescriberID stock.PrescriberID, categoryID stock.CategoryID, from, to time.Time) (int64, error) {
	var sum int64
	err := r.get(ctx, &sum, `
		SELECT COALESCE(SUM(quantity), 0) FROM dispense_records
		WHERE prescriber_id = ? AND category_id = ? AND dispensed_at >= ? AND dispensed_at < ?`,
		string(prescriberID), string(categoryID), formatTime(from), formatTime(to))
	if err != nil {
		return 0, fmt.Errorf("sum dispense records: %w", err)
	}
	return sum, nil
}

func (r dispenseRepo) ListByPrescription(ctx context.Context, id stock.PrescriptionID) ([]stock.DispenseRecord, error) {
	var rows []dispenseRow
	if err := r.selectAll(ctx, &rows, `
		SELECT id, prescription_id, line_id, drug_id, prescriber_id, category_id, actor_id, location, quantity, dispensed_at
		FROM dispense_records WHERE prescription_id = ? ORDER BY seq`, string(id)); err != nil {
		return nil, fmt.Errorf("list dispense records: %w", err)
	}
	out := make([]stock.DispenseRecord, 0, len(rows))
	for _, row := range rows {
		at, err := parseTime(row.DispensedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, stock.DispenseRecord{
			ID:             row.ID,
			PrescriptionID: stock.PrescriptionID(row.PrescriptionID),
			LineID:         stock.LineID(row.LineID),
			DrugID:         stock.DrugID(row.DrugID),
			PrescriberID:   stock.PrescriberID(row.PrescriberID),
			CategoryID:     stock.CategoryID(row.CategoryID),
			ActorID:        stock.ActorID(row.ActorID),
			Location:       stock.Location(row.Location),
			Quantity:       row.Quantity,
			DispensedAt:    at,
		})
	}
	return out, nil
}

// =============================================================================
// LIMITS
// =============================================================================

type limitRepo struct{ repo }

func (r limitRepo) GetForUpdate(ctx context.Context, prescriberID stock.PrescriberID, categoryID stock.CategoryID) (*stock.PrescriberDrugLimit, error) {
	var l stock.PrescriberDrugLimit
	err := r.get(ctx, &l, `
		SELECT prescriber_id, category_id, daily_limit FROM prescriber_limits
		WHERE prescriber_id = ? AND category_id = ?`+r.d.forUpdate,
		string(prescriberID), string(categoryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prescriber limit: %w", err)
	}
	return &l, nil
}

func (r limitRepo) Put(ctx context.Context, l stock.PrescriberDrugLimit) error {
	_, err := r.exec(ctx, `
		INSERT INTO prescriber_limits (prescriber_id, category_id, daily_limit) VALUES (?, ?, ?)
		ON CONFLICT (prescriber_id, category_id) DO UPDATE SET daily_limit = excluded.daily_limit`,
		string(l.PrescriberID), string(l.CategoryID), l.DailyLimit)
	if err != nil {
		return fmt.Errorf("put prescriber limit: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT (append-only)
// =============================================================================

type auditRepo struct{ repo }

type auditRow struct {
	ID        string `db:"id"`
	EventType string `db:"event_type"`
	ActorID   string `db:"actor_id"`
	Payload   string `db:"payload"`
	CreatedAt string `db:"created_at"`
}

func (r auditRepo) Append(ctx context.Context, e stock.AuditEntry) error {
	_, err := r.exec(ctx, `INSERT INTO audit_log (id, event_type, actor_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.EventType), string(e.ActorID), string(e.Payload), formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r auditRepo) List(ctx context.Context, eventType stock.AuditEventType) ([]stock.AuditEntry, error) {
	query := `SELECT id, event_type, actor_id, payload, created_at FROM audit_log`
	var args []any
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY seq`

	var rows []auditRow
	if err := r.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := make([]stock.AuditEntry, 0, len(rows))
	for _, row := range rows {
		at, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, stock.AuditEntry{
			ID:        row.ID,
			EventType: stock.AuditEventType(row.EventType),
			ActorID:   stock.ActorID(row.ActorID),
			Payload:   json.RawMessage(row.Payload),
			Timestamp: at,
		})
	}
	return out, nil
}

// =============================================================================
// OUTBOX
// =============================================================================

type outboxRepo struct{ repo }

type outboxRow struct {
	Seq          int64          `db:"seq"`
	ID           string         `db:"id"`
	EventName    string         `db:"event_name"`
	Payload      string         `db:"payload"`
	CreatedAt    string         `db:"created_at"`
	DispatchedAt sql.NullString `db:"dispatched_at"`
}

func (r outboxRepo) Append(ctx context.Context, rec stock.OutboxRecord) error {
	_, err := r.exec(ctx, `INSERT INTO outbox (id, event_name, payload, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.EventName, string(rec.Payload), formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}
	return nil
}

func (r outboxRepo) Pending(ctx context.Context, limit int) ([]stock.OutboxRecord, error) {
	query := `SELECT seq, id, event_name, payload, created_at, dispatched_at FROM outbox
		WHERE dispatched_at IS NULL ORDER BY seq`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += r.d.forUpdate

	var rows []outboxRow
	if err := r.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list pending outbox records: %w", err)
	}
	out := make([]stock.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		at, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, stock.OutboxRecord{
			Seq:       row.Seq,
			ID:        row.ID,
			EventName: row.EventName,
			Payload:   json.RawMessage(row.Payload),
			CreatedAt: at,
		})
	}
	return out, nil
}

func (r outboxRepo) MarkDispatched(ctx context.Context, seqs []int64, at time.Time) error {
	if len(seqs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE outbox SET dispatched_at = ? WHERE dispatched_at IS NULL AND seq IN (?)`,
		formatTime(at), seqs)
	if err != nil {
		return fmt.Errorf("build dispatch update: %w", err)
	}
	if _, err := r.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	return nil
}
