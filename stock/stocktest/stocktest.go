// Package stocktest holds fixtures shared by the engine's tests.
package stocktest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/dispense-engine/stock"
	"github.com/warp/dispense-engine/stock/store"
	"github.com/warp/dispense-engine/store/sqlstore"
)

const (
	Antibiotics stock.CategoryID = "antibiotics"
	Opioids     stock.CategoryID = "opioids"

	Amoxicillin stock.DrugID = "amox-500"
	Morphine    stock.DrugID = "morph-10"
	Codeine     stock.DrugID = "codeine-30"

	Main  stock.Location = "main"
	Ward  stock.Location = "ward-b"
	Admin stock.ActorID  = "admin"
)

// Backend is a named TxStore.
type Backend struct {
	Name  string
	Store stock.TxStore
}

// Backends returns a fresh memory store and a fresh SQLite ":memory:" store.
func Backends(t *testing.T) []Backend {
	t.Helper()
	return []Backend{
		{Name: "memory", Store: store.NewMemory()},
		{Name: "sqlite", Store: NewSQLite(t)},
	}
}

// NewSQLite opens a migrated in-memory SQLite store closed at test end.
func NewSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Tx runs fn in a transaction and fails the test on error.
func Tx(t *testing.T, s stock.TxStore, fn func(stock.Store) error) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), fn))
}

// SeedCatalog creates two categories and three drugs:
// amoxicillin (antibiotics), morphine and codeine (opioids).
func SeedCatalog(t *testing.T, s stock.TxStore) {
	t.Helper()
	ctx := context.Background()
	Tx(t, s, func(st stock.Store) error {
		for _, c := range []stock.DrugCategory{
			{ID: Antibiotics, Name: "Antibiotics"},
			{ID: Opioids, Name: "Opioids"},
		} {
			if err := st.Catalog().PutCategory(ctx, c); err != nil {
				return err
			}
		}
		for _, d := range []stock.Drug{
			{ID: Amoxicillin, Name: "Amoxicillin 500mg", CategoryID: Antibiotics},
			{ID: Morphine, Name: "Morphine 10mg", CategoryID: Opioids},
			{ID: Codeine, Name: "Codeine 30mg", CategoryID: Opioids},
		} {
			if err := st.Catalog().PutDrug(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// SeedStock onboards (drug, location) with qty units through the ledger.
func SeedStock(t *testing.T, s stock.TxStore, drug stock.DrugID, loc stock.Location, qty int64) *stock.StockRecord {
	t.Helper()
	var rec *stock.StockRecord
	Tx(t, s, func(st stock.Store) error {
		var err error
		rec, err = stock.NewLedger(stock.DefaultLowStockThreshold).Onboard(context.Background(), st, drug, loc, qty, Admin)
		return err
	})
	return rec
}

// Line is shorthand for a prescription line.
type Line struct {
	ID       stock.LineID
	Drug     stock.DrugID
	Quantity int64
}

// SeedPrescription creates a PENDING prescription.
func SeedPrescription(t *testing.T, s stock.TxStore, id stock.PrescriptionID, prescriber stock.PrescriberID, lines ...Line) {
	t.Helper()
	p := stock.Prescription{
		ID:           id,
		Status:       stock.StatusPending,
		PrescriberID: prescriber,
		CreatedAt:    time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	for i, l := range lines {
		p.Lines = append(p.Lines, stock.PrescriptionLine{
			ID: l.ID, Position: i + 1, DrugID: l.Drug, Quantity: l.Quantity,
		})
	}
	Tx(t, s, func(st stock.Store) error {
		return st.Prescriptions().Create(context.Background(), p)
	})
}

// SetLimit configures a prescriber's daily limit for a category.
func SetLimit(t *testing.T, s stock.TxStore, prescriber stock.PrescriberID, category stock.CategoryID, limit int64) {
	t.Helper()
	Tx(t, s, func(st stock.Store) error {
		return st.Limits().Put(context.Background(), stock.PrescriberDrugLimit{
			PrescriberID: prescriber, CategoryID: category, DailyLimit: limit,
		})
	})
}

// Quantity returns the current quantity, failing if the record is missing.
func Quantity(t *testing.T, s stock.TxStore, drug stock.DrugID, loc stock.Location) int64 {
	t.Helper()
	var rec *stock.StockRecord
	Tx(t, s, func(st stock.Store) error {
		var err error
		rec, err = st.Stock().Get(context.Background(), drug, loc)
		return err
	})
	require.NotNil(t, rec, "no stock record for %s@%s", drug, loc)
	return rec.Quantity
}

// Movements returns the movement history of (drug, location).
func Movements(t *testing.T, s stock.TxStore, drug stock.DrugID, loc stock.Location) []stock.StockMovement {
	t.Helper()
	var out []stock.StockMovement
	Tx(t, s, func(st stock.Store) error {
		rec, err := st.Stock().Get(context.Background(), drug, loc)
		if err != nil || rec == nil {
			return err
		}
		out, err = st.Movements().ListByRecord(context.Background(), rec.ID)
		return err
	})
	return out
}

// MovementSum adds up every delta recorded against (drug, location).
func MovementSum(t *testing.T, s stock.TxStore, drug stock.DrugID, loc stock.Location) int64 {
	t.Helper()
	var sum int64
	for _, m := range Movements(t, s, drug, loc) {
		sum += m.Delta
	}
	return sum
}

// Audit returns audit entries of one type, or all when typ is "".
func Audit(t *testing.T, s stock.TxStore, typ stock.AuditEventType) []stock.AuditEntry {
	t.Helper()
	var out []stock.AuditEntry
	Tx(t, s, func(st stock.Store) error {
		var err error
		out, err = st.Audit().List(context.Background(), typ)
		return err
	})
	return out
}

// PendingOutbox returns undispatched outbox rows.
func PendingOutbox(t *testing.T, s stock.TxStore) []stock.OutboxRecord {
	t.Helper()
	var out []stock.OutboxRecord
	Tx(t, s, func(st stock.Store) error {
		var err error
		out, err = st.Outbox().Pending(context.Background(), 0)
		return err
	})
	return out
}

// DrainOutbox marks every pending row dispatched without publishing it.
func DrainOutbox(t *testing.T, s stock.TxStore) {
	t.Helper()
	Tx(t, s, func(st stock.Store) error {
		recs, err := st.Outbox().Pending(context.Background(), 0)
		if err != nil {
			return err
		}
		seqs := make([]int64, len(recs))
		for i, r := range recs {
			seqs[i] = r.Seq
		}
		return st.Outbox().MarkDispatched(context.Background(), seqs, time.Now())
	})
}
