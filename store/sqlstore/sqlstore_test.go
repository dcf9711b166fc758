package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dispense-engine/stock"
	"github.com/warp/dispense-engine/stock/stocktest"
	"github.com/warp/dispense-engine/store/sqlstore"
)

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := sqlstore.Open("mysql", "whatever")
	assert.Error(t, err)
}

func TestSQLStore_UniqueDrugLocation(t *testing.T) {
	// GIVEN: A stock record for (amox, main)
	// WHEN: Creating a second one for the same pair
	// THEN: Conflict

	s := stocktest.NewSQLite(t)
	stocktest.SeedCatalog(t, s)
	stocktest.SeedStock(t, s, stocktest.Amoxicillin, stocktest.Main, 1)

	err := s.WithTx(context.Background(), func(st stock.Store) error {
		return st.Stock().Create(context.Background(), stock.StockRecord{
			ID: "dup", DrugID: stocktest.Amoxicillin, Location: stocktest.Main, UpdatedAt: time.Now(),
		})
	})
	assert.Equal(t, stock.KindConflict, stock.KindOf(err))
}

func TestSQLStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := stocktest.NewSQLite(t)
	stocktest.SeedCatalog(t, s)
	rec := stocktest.SeedStock(t, s, stocktest.Amoxicillin, stocktest.Main, 8)
	stocktest.DrainOutbox(t, s)

	err := s.WithTx(ctx, func(st stock.Store) error {
		require.NoError(t, st.Stock().UpdateQuantity(ctx, rec.ID, 2, time.Now()))
		require.NoError(t, st.Outbox().Append(ctx, stock.OutboxRecord{ID: "ev", EventName: "StockUpdated", Payload: []byte(`{}`), CreatedAt: time.Now()}))
		return &stock.ConflictError{Message: "changed my mind"}
	})
	require.Error(t, err)

	assert.Equal(t, int64(8), stocktest.Quantity(t, s, stocktest.Amoxicillin, stocktest.Main))
	assert.Empty(t, stocktest.PendingOutbox(t, s))
}

func TestSQLStore_LostRaceIsConflict(t *testing.T) {
	// GIVEN: A transaction aborted by the database because a concurrent one won
	// WHEN: The driver error surfaces from WithTx, possibly wrapped
	// THEN: It is a Conflict with no driver detail; other errors pass through

	tests := []struct {
		name string
		err  error
		kind stock.Kind
	}{
		{"pg deadlock", &pq.Error{Code: "40P01", Message: "deadlock detected"}, stock.KindConflict},
		{"pg serialization failure", &pq.Error{Code: "40001"}, stock.KindConflict},
		{"wrapped pg deadlock", fmt.Errorf("load stock record: %w", &pq.Error{Code: "40P01"}), stock.KindConflict},
		{"sqlite busy", fmt.Errorf("update quantity: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), stock.KindConflict},
		{"pg unique violation", &pq.Error{Code: "23505"}, stock.KindInternal},
		{"plain error", errors.New("disk on fire"), stock.KindInternal},
		{"client error", &stock.NotFoundError{Entity: "drug", ID: "x"}, stock.KindNotFound},
	}

	s := stocktest.NewSQLite(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.WithTx(context.Background(), func(stock.Store) error { return tt.err })

			require.Error(t, err)
			assert.Equal(t, tt.kind, stock.KindOf(err))
			if tt.kind == stock.KindConflict {
				var conflict *stock.ConflictError
				require.True(t, errors.As(err, &conflict))
				assert.NotContains(t, err.Error(), "40P01")
			}
		})
	}
}

func TestSQLStore_DispenseSumIsHalfOpen(t *testing.T) {
	// GIVEN: Dispenses at 23:59:59.999, 00:00:00 and 23:59:59 on consecutive days
	// WHEN: Summing the middle day [00:00, next 00:00)
	// THEN: Only the two records of that day count

	ctx := context.Background()
	s := stocktest.NewSQLite(t)
	stocktest.SeedCatalog(t, s)
	stocktest.SeedPrescription(t, s, "rx-1", "dr-a", stocktest.Line{ID: "l1", Drug: stocktest.Morphine, Quantity: 10})

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	at := []time.Time{
		day.Add(-time.Millisecond),
		day,
		day.Add(24*time.Hour - time.Second),
		day.Add(24 * time.Hour),
	}
	stocktest.Tx(t, s, func(st stock.Store) error {
		for i, ts := range at {
			if err := st.Dispenses().Append(ctx, stock.DispenseRecord{
				ID: "d" + string(rune('a'+i)), PrescriptionID: "rx-1", LineID: "l1", DrugID: stocktest.Morphine,
				PrescriberID: "dr-a", CategoryID: stocktest.Opioids, ActorID: "ph", Location: stocktest.Main,
				Quantity: int64(i + 1), DispensedAt: ts,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	stocktest.Tx(t, s, func(st stock.Store) error {
		sum, err := st.Dispenses().SumForPrescriberCategory(ctx, "dr-a", stocktest.Opioids, day, day.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2+3), sum)

		other, err := st.Dispenses().SumForPrescriberCategory(ctx, "dr-b", stocktest.Opioids, day, day.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, other)

		recs, err := st.Dispenses().ListByPrescription(ctx, "rx-1")
		require.NoError(t, err)
		assert.Len(t, recs, 4)
		assert.True(t, recs[1].DispensedAt.Equal(day))
		return nil
	})
}

func TestSQLStore_LimitUpsert(t *testing.T) {
	ctx := context.Background()
	s := stocktest.NewSQLite(t)
	stocktest.SeedCatalog(t, s)

	stocktest.SetLimit(t, s, "dr-a", stocktest.Opioids, 5)
	stocktest.SetLimit(t, s, "dr-a", stocktest.Opioids, 8)

	stocktest.Tx(t, s, func(st stock.Store) error {
		l, err := st.Limits().GetForUpdate(ctx, "dr-a", stocktest.Opioids)
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.Equal(t, int64(8), l.DailyLimit)

		none, err := st.Limits().GetForUpdate(ctx, "dr-a", stocktest.Antibiotics)
		assert.Nil(t, none)
		return err
	})
}

func TestSQLStore_PrescriptionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := stocktest.NewSQLite(t)
	stocktest.SeedCatalog(t, s)
	stocktest.SeedPrescription(t, s, "rx-9", "dr-a",
		stocktest.Line{ID: "l1", Drug: stocktest.Amoxicillin, Quantity: 14},
		stocktest.Line{ID: "l2", Drug: stocktest.Codeine, Quantity: 6},
	)

	stocktest.Tx(t, s, func(st stock.Store) error {
		p, err := st.Prescriptions().Get(ctx, "rx-9")
		require.NoError(t, err)
		assert.Equal(t, stock.StatusPending, p.Status)
		assert.Equal(t, stock.PrescriberID("dr-a"), p.PrescriberID)
		require.Len(t, p.Lines, 2)
		assert.Equal(t, stock.LineID("l1"), p.Lines[0].ID)
		assert.Equal(t, stocktest.Codeine, p.Lines[1].DrugID)
		assert.Equal(t, 2025, p.CreatedAt.Year())
		return nil
	})

	err := s.WithTx(ctx, func(st stock.Store) error {
		_, err := st.Prescriptions().Get(ctx, "missing")
		return err
	})
	assert.Equal(t, stock.KindNotFound, stock.KindOf(err))

	err = s.WithTx(ctx, func(st stock.Store) error {
		return st.Prescriptions().Create(ctx, stock.Prescription{
			ID: "rx-bad", PrescriberID: "dr-a",
			Lines: []stock.PrescriptionLine{{ID: "lx", DrugID: "ghost", Quantity: 1}},
		})
	})
	assert.Equal(t, stock.KindNotFound, stock.KindOf(err))
}

func TestSQLStore_OutboxOrderAndDispatch(t *testing.T) {
	ctx := context.Background()
	s := stocktest.NewSQLite(t)

	stocktest.Tx(t, s, func(st stock.Store) error {
		for _, id := range []string{"e1", "e2", "e3"} {
			if err := st.Outbox().Append(ctx, stock.OutboxRecord{
				ID: id, EventName: "LowStock", Payload: []byte(`{"drugId":"x"}`), CreatedAt: time.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	})

	stocktest.Tx(t, s, func(st stock.Store) error {
		batch, err := st.Outbox().Pending(ctx, 2)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		assert.Equal(t, "e1", batch[0].ID)
		assert.Equal(t, "e2", batch[1].ID)
		assert.JSONEq(t, `{"drugId":"x"}`, string(batch[0].Payload))
		return st.Outbox().MarkDispatched(ctx, []int64{batch[0].Seq, batch[1].Seq}, time.Now())
	})

	pending := stocktest.PendingOutbox(t, s)
	require.Len(t, pending, 1)
	assert.Equal(t, "e3", pending[0].ID)
}
