// Package store provides an in-memory stock.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/dispense-engine/stock"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps. WithTx holds the store mutex for the whole
// unit of work, so transactions are fully serialized; rollback restores a
// snapshot taken when the transaction began.
type Memory struct {
	mu    sync.Mutex
	state *state
}

type stockKey struct {
	DrugID   stock.DrugID
	Location stock.Location
}

type limitKey struct {
	PrescriberID stock.PrescriberID
	CategoryID   stock.CategoryID
}

type state struct {
	categories    map[stock.CategoryID]stock.DrugCategory
	drugs         map[stock.DrugID]stock.Drug
	prescriptions map[stock.PrescriptionID]stock.Prescription
	stock         map[stockKey]stock.StockRecord
	stockIndex    map[string]stockKey
	movements     []stock.StockMovement
	dispenses     []stock.DispenseRecord
	limits        map[limitKey]stock.PrescriberDrugLimit
	audit         []stock.AuditEntry
	outbox        []stock.OutboxRecord
	seq           int64
}

func NewMemory() *Memory {
	return &Memory{state: &state{
		categories:    make(map[stock.CategoryID]stock.DrugCategory),
		drugs:         make(map[stock.DrugID]stock.Drug),
		prescriptions: make(map[stock.PrescriptionID]stock.Prescription),
		stock:         make(map[stockKey]stock.StockRecord),
		stockIndex:    make(map[string]stockKey),
		limits:        make(map[limitKey]stock.PrescriberDrugLimit),
	}}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(stock.Store) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	defer func() {
		if r := recover(); r != nil {
			m.state = snapshot
			panic(r)
		}
	}()

	if err := fn(&view{st: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		categories:    make(map[stock.CategoryID]stock.DrugCategory, len(s.categories)),
		drugs:         make(map[stock.DrugID]stock.Drug, len(s.drugs)),
		prescriptions: make(map[stock.PrescriptionID]stock.Prescription, len(s.prescriptions)),
		stock:         make(map[stockKey]stock.StockRecord, len(s.stock)),
		stockIndex:    make(map[string]stockKey, len(s.stockIndex)),
		movements:     append([]stock.StockMovement(nil), s.movements...),
		dispenses:     append([]stock.DispenseRecord(nil), s.dispenses...),
		limits:        make(map[limitKey]stock.PrescriberDrugLimit, len(s.limits)),
		audit:         append([]stock.AuditEntry(nil), s.audit...),
		outbox:        append([]stock.OutboxRecord(nil), s.outbox...),
		seq:           s.seq,
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	for k, v := range s.drugs {
		c.drugs[k] = v
	}
	for k, v := range s.prescriptions {
		v.Lines = append([]stock.PrescriptionLine(nil), v.Lines...)
		c.prescriptions[k] = v
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.stockIndex {
		c.stockIndex[k] = v
	}
	for k, v := range s.limits {
		c.limits[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type view struct {
	st *state
}

func (v *view) Catalog() stock.CatalogRepository           { return catalogRepo{v.st} }
func (v *view) Prescriptions() stock.PrescriptionRepository { return prescriptionRepo{v.st} }
func (v *view) Stock() stock.StockRepository               { return stockRepo{v.st} }
func (v *view) Movements() stock.MovementRepository        { return movementRepo{v.st} }
func (v *view) Dispenses() stock.DispenseRepository        { return dispenseRepo{v.st} }
func (v *view) Limits() stock.LimitRepository              { return limitRepo{v.st} }
func (v *view) Audit() stock.AuditRepository               { return auditRepo{v.st} }
func (v *view) Outbox() stock.OutboxRepository             { return outboxRepo{v.st} }

// --- catalog ---

type catalogRepo struct{ st *state }

func (r catalogRepo) Drug(_ context.Context, id stock.DrugID) (*stock.Drug, error) {
	d, ok := r.st.drugs[id]
	if !ok {
		return nil, &stock.NotFoundError{Entity: "drug", ID: string(id)}
	}
	return &d, nil
}

func (r catalogRepo) Category(_ context.Context, id stock.CategoryID) (*stock.DrugCategory, error) {
	c, ok := r.st.categories[id]
	if !ok {
		return nil, &stock.NotFoundError{Entity: "category", ID: string(id)}
	}
	return &c, nil
}

func (r catalogRepo) PutDrug(_ context.Context, d stock.Drug) error {
	if _, ok := r.st.categories[d.CategoryID]; !ok {
		return &stock.NotFoundError{Entity: "category", ID: string(d.CategoryID)}
	}
	r.st.drugs[d.ID] = d
	return nil
}

func (r catalogRepo) PutCategory(_ context.Context, c stock.DrugCategory) error {
	r.st.categories[c.ID] = c
	return nil
}

// --- prescriptions ---

type prescriptionRepo struct{ st *state }

func (r prescriptionRepo) Get(_ context.Context, id stock.PrescriptionID) (*stock.Prescription, error) {
	p, ok := r.st.prescriptions[id]
	if !ok {
		return nil, &stock.NotFoundError{Entity: "prescription", ID: string(id)}
	}
	p.Lines = append([]stock.PrescriptionLine(nil), p.Lines...)
	sort.SliceStable(p.Lines, func(i, j int) bool { return p.Lines[i].Position < p.Lines[j].Position })
	return &p, nil
}

func (r prescriptionRepo) Create(_ context.Context, p stock.Prescription) error {
	if _, ok := r.st.prescriptions[p.ID]; ok {
		return &stock.ConflictError{Message: fmt.Sprintf("prescription %s already exists", p.ID)}
	}
	if p.Status == "" {
		p.Status = stock.StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	lines := make([]stock.PrescriptionLine, len(p.Lines))
	for i, l := range p.Lines {
		if _, ok := r.st.drugs[l.DrugID]; !ok {
			return &stock.NotFoundError{Entity: "drug", ID: string(l.DrugID)}
		}
		l.PrescriptionID = p.ID
		if l.Position == 0 {
			l.Position = i + 1
		}
		lines[i] = l
	}
	p.Lines = lines
	r.st.prescriptions[p.ID] = p
	return nil
}

func (r prescriptionRepo) SetStatus(_ context.Context, id stock.PrescriptionID, from, to stock.PrescriptionStatus) error {
	p, ok := r.st.prescriptions[id]
	if !ok {
		return &stock.NotFoundError{Entity: "prescription", ID: string(id)}
	}
	if p.Status != from {
		return &stock.ConflictError{Message: fmt.Sprintf("prescription %s is %s, not %s", id, p.Status, from)}
	}
	p.Status = to
	r.st.prescriptions[id] = p
	return nil
}

// --- stock ---

type stockRepo struct{ st *state }

func (r stockRepo) GetForUpdate(ctx context.Context, drugID stock.DrugID, location stock.Location) (*stock.StockRecord, error) {
	// The whole transaction already holds the store mutex.
	return r.Get(ctx, drugID, location)
}

func (r stockRepo) Get(_ context.Context, drugID stock.DrugID, location stock.Location) (*stock.StockRecord, error) {
	rec, ok := r.st.stock[stockKey{drugID, location}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r stockRepo) Create(_ context.Context, rec stock.StockRecord) error {
	k := stockKey{rec.DrugID, rec.Location}
	if _, ok := r.st.stock[k]; ok {
		return &stock.ConflictError{Message: fmt.Sprintf("stock record for %s at %s already exists", rec.DrugID, rec.Location)}
	}
	if rec.Quantity < 0 {
		return fmt.Errorf("stock record %s: negative quantity %d", rec.ID, rec.Quantity)
	}
	r.st.stock[k] = rec
	r.st.stockIndex[rec.ID] = k
	return nil
}

func (r stockRepo) UpdateQuantity(_ context.Context, id string, quantity int64, at time.Time) error {
	k, ok := r.st.stockIndex[id]
	if !ok {
		return &stock.NotFoundError{Entity: "stock record", ID: id}
	}
	if quantity < 0 {
		return fmt.Errorf("stock record %s: negative quantity %d", id, quantity)
	}
	rec := r.st.stock[k]
	rec.Quantity = quantity
	rec.UpdatedAt = at
	r.st.stock[k] = rec
	return nil
}

func (r stockRepo) List(_ context.Context, drugID stock.DrugID) ([]stock.StockRecord, error) {
	return r.filter(func(rec stock.StockRecord) bool {
		return drugID == "" || rec.DrugID == drugID
	}), nil
}

func (r stockRepo) ListAtOrBelow(_ context.Context, threshold int64) ([]stock.StockRecord, error) {
	return r.filter(func(rec stock.StockRecord) bool {
		return rec.Quantity <= threshold
	}), nil
}

func (r stockRepo) filter(keep func(stock.StockRecord) bool) []stock.StockRecord {
	var out []stock.StockRecord
	for _, rec := range r.st.stock {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DrugID != out[j].DrugID {
			return out[i].DrugID < out[j].DrugID
		}
		return out[i].Location < out[j].Location
	})
	return out
}

// --- movements ---

type movementRepo struct{ st *state }

func (r movementRepo) Append(_ context.Context, m stock.StockMovement) error {
	r.st.movements = append(r.st.movements, m)
	return nil
}

func (r movementRepo) ListByRecord(_ context.Context, id string) ([]stock.StockMovement, error) {
	var out []stock.StockMovement
	for _, m := range r.st.movements {
		if m.StockRecordID == id {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- dispenses ---

type dispenseRepo struct{ st *state }

func (r dispenseRepo) Append(_ context.Context, d stock.DispenseRecord) error {
	r.st.dispenses = append(r.st.dispenses, d)
	return nil
}

func (r dispenseRepo) SumForPrescriberCategory(_ context.Context, prescriberID stock.PrescriberID, categoryID stock.CategoryID, from, to time.Time) (int64, error) {
	var sum int64
	for _, d := range r.st.dispenses {
		if d.PrescriberID != prescriberID || d.CategoryID != categoryID {
			continue
		}
		if d.DispensedAt.Before(from) || !d.DispensedAt.Before(to) {
			continue
		}
		sum += d.Quantity
	}
	return sum, nil
}

func (r dispenseRepo) ListByPrescription(_ context.Context, id stock.PrescriptionID) ([]stock.DispenseRecord, error) {
	var out []stock.DispenseRecord
	for _, d := range r.st.dispenses {
		if d.PrescriptionID == id {
			out = append(out, d)
		}
	}
	return out, nil
}

// --- limits ---

type limitRepo struct{ st *state }

func (r limitRepo) GetForUpdate(_ context.Context, prescriberID stock.PrescriberID, categoryID stock.CategoryID) (*stock.PrescriberDrugLimit, error) {
	l, ok := r.st.limits[limitKey{prescriberID, categoryID}]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (r limitRepo) Put(_ context.Context, l stock.PrescriberDrugLimit) error {
	r.st.limits[limitKey{l.PrescriberID, l.CategoryID}] = l
	return nil
}

// --- audit ---

type auditRepo struct{ st *state }

func (r auditRepo) Append(_ context.Context, e stock.AuditEntry) error {
	r.st.audit = append(r.st.audit, e)
	return nil
}

func (r auditRepo) List(_ context.Context, eventType stock.AuditEventType) ([]stock.AuditEntry, error) {
	var out []stock.AuditEntry
	for _, e := range r.st.audit {
		if eventType == "" || e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- outbox ---

type outboxRepo struct{ st *state }

func (r outboxRepo) Append(_ context.Context, rec stock.OutboxRecord) error {
	r.st.seq++
	rec.Seq = r.st.seq
	r.st.outbox = append(r.st.outbox, rec)
	return nil
}

func (r outboxRepo) Pending(_ context.Context, limit int) ([]stock.OutboxRecord, error) {
	var out []stock.OutboxRecord
	for _, rec := range r.st.outbox {
		if rec.DispatchedAt != nil {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r outboxRepo) MarkDispatched(_ context.Context, seqs []int64, at time.Time) error {
	mark := make(map[int64]bool, len(seqs))
	for _, s := range seqs {
		mark[s] = true
	}
	for i := range r.st.outbox {
		if mark[r.st.outbox[i].Seq] {
			t := at
			r.st.outbox[i].DispatchedAt = &t
		}
	}
	return nil
}
