package stock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/dispense-engine/events"
	"github.com/warp/dispense-engine/outbox"
	"github.com/warp/dispense-engine/stock"
	"github.com/warp/dispense-engine/stock/store"
	"github.com/warp/dispense-engine/stock/stocktest"
)

type serviceEnv struct {
	store    stock.TxStore
	svc      *stock.Service
	recorder *events.Recorder
}

func newServiceEnv(t *testing.T, s stock.TxStore) *serviceEnv {
	logger := zaptest.NewLogger(t)
	stocktest.SeedCatalog(t, s)
	stocktest.SeedStock(t, s, stocktest.Amoxicillin, stocktest.Main, 20)
	stocktest.DrainOutbox(t, s)

	bus := events.NewBus(logger, nil)
	rec := &events.Recorder{}
	bus.SubscribeAll(rec.Handle)

	return &serviceEnv{
		store:    s,
		svc:      stock.NewService(s, stock.NewLedger(5), outbox.NewDispatcher(s, bus, logger), logger),
		recorder: rec,
	}
}

func TestService_AdjustPublishesAfterCommit(t *testing.T) {
	for _, b := range stocktest.Backends(t) {
		t.Run(b.Name, func(t *testing.T) {
			// GIVEN: 20 units
			// WHEN: Removing 16 through the service
			// THEN: 4 units, StockUpdated and LowStock published, outbox empty

			env := newServiceEnv(t, b.Store)

			rec, err := env.svc.Adjust(context.Background(), stock.Adjustment{
				DrugID: stocktest.Amoxicillin, Location: stocktest.Main, Delta: -16, Reason: "expired", ActorID: "clerk",
			})
			require.NoError(t, err)
			assert.Equal(t, int64(4), rec.Quantity)

			updated := env.recorder.Named(events.NameStockUpdated)
			require.Len(t, updated, 1)
			p := updated[0].Payload.(events.StockUpdated)
			assert.Equal(t, int64(20), p.OldQuantity)
			assert.Equal(t, int64(4), p.NewQuantity)
			assert.Len(t, env.recorder.Named(events.NameLowStock), 1)
			assert.Empty(t, stocktest.PendingOutbox(t, b.Store))

			audit := stocktest.Audit(t, b.Store, stock.AuditStockAdjusted)
			require.Len(t, audit, 1)
			assert.Equal(t, stock.ActorID("clerk"), audit[0].ActorID)
		})
	}
}

func TestService_FailedAdjustPublishesNothing(t *testing.T) {
	// GIVEN: 20 units
	// WHEN: Removing 25
	// THEN: Conflict, no events, no audit entry

	env := newServiceEnv(t, stocktest.NewSQLite(t))

	_, err := env.svc.Adjust(context.Background(), stock.Adjustment{
		DrugID: stocktest.Amoxicillin, Location: stocktest.Main, Delta: -25,
	})
	assert.True(t, errors.Is(err, stock.ErrConflict))
	assert.Empty(t, env.recorder.Events())
	assert.Empty(t, stocktest.Audit(t, env.store, stock.AuditStockAdjusted))
	assert.Equal(t, int64(20), stocktest.Quantity(t, env.store, stocktest.Amoxicillin, stocktest.Main))
}

func TestService_TransferAndQueries(t *testing.T) {
	env := newServiceEnv(t, stocktest.NewSQLite(t))
	ctx := context.Background()

	res, err := env.svc.Transfer(ctx, stock.Transfer{
		DrugID: stocktest.Amoxicillin, From: stocktest.Main, To: stocktest.Ward, Quantity: 8, ActorID: "clerk",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.From.Quantity)
	assert.Equal(t, int64(8), res.To.Quantity)
	assert.Len(t, env.recorder.Named(events.NameStockUpdated), 2)

	recs, err := env.svc.List(ctx, stocktest.Amoxicillin)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, stocktest.Main, recs[0].Location)
	assert.Equal(t, stocktest.Ward, recs[1].Location)

	moves, err := env.svc.Movements(ctx, stocktest.Amoxicillin, stocktest.Ward)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, stock.MovementTransfer, moves[0].Type)

	moves, err = env.svc.Movements(ctx, stocktest.Amoxicillin, stocktest.Main)
	require.NoError(t, err)
	source := moves[len(moves)-1]
	assert.Equal(t, stock.MovementRemove, source.Type)
	assert.Equal(t, int64(-8), source.Delta)
	assert.Equal(t, res.ReferenceID, source.ReferenceID)

	_, err = env.svc.Get(ctx, stocktest.Morphine, stocktest.Main)
	assert.Equal(t, stock.KindNotFound, stock.KindOf(err))
}

func TestService_Onboard(t *testing.T) {
	env := newServiceEnv(t, stocktest.NewSQLite(t))

	rec, err := env.svc.Onboard(context.Background(), stocktest.Morphine, stocktest.Ward, 30, "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(30), rec.Quantity)
	assert.Len(t, stocktest.Audit(t, env.store, stock.AuditStockOnboarded), 2) // seed + this one

	_, err = env.svc.Onboard(context.Background(), stocktest.Morphine, stocktest.Ward, 1, "admin")
	assert.Equal(t, stock.KindConflict, stock.KindOf(err))
}

func TestService_SetLimit(t *testing.T) {
	env := newServiceEnv(t, store.NewMemory())
	ctx := context.Background()

	require.NoError(t, env.svc.SetLimit(ctx, stock.PrescriberDrugLimit{
		PrescriberID: "dr-house", CategoryID: stocktest.Opioids, DailyLimit: 5,
	}, "admin"))

	stocktest.Tx(t, env.store, func(st stock.Store) error {
		l, err := st.Limits().GetForUpdate(ctx, "dr-house", stocktest.Opioids)
		require.NotNil(t, l)
		assert.Equal(t, int64(5), l.DailyLimit)
		return err
	})
	assert.Len(t, stocktest.Audit(t, env.store, stock.AuditLimitChanged), 1)

	err := env.svc.SetLimit(ctx, stock.PrescriberDrugLimit{PrescriberID: "dr-house", CategoryID: "nope", DailyLimit: 1}, "admin")
	assert.Equal(t, stock.KindNotFound, stock.KindOf(err))

	err = env.svc.SetLimit(ctx, stock.PrescriberDrugLimit{PrescriberID: "dr-house", CategoryID: stocktest.Opioids, DailyLimit: -1}, "admin")
	assert.Equal(t, stock.KindValidation, stock.KindOf(err))
}

// failingStore fails every transaction with a storage error.
type failingStore struct{}

func (failingStore) WithTx(context.Context, func(stock.Store) error) error {
	return errors.New("disk on fire")
}

func TestService_StorageErrorsAreMaskedAsInternal(t *testing.T) {
	svc := stock.NewService(failingStore{}, stock.NewLedger(0), nil, zaptest.NewLogger(t))

	_, err := svc.Adjust(context.Background(), stock.Adjustment{DrugID: stocktest.Amoxicillin, Location: stocktest.Main, Delta: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, stock.ErrInternal))
	assert.NotContains(t, err.Error(), "disk on fire")
}
