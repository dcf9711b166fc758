package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/dispense-engine/events"
	"github.com/warp/dispense-engine/outbox"
	"github.com/warp/dispense-engine/stock"
	"github.com/warp/dispense-engine/stock/stocktest"
)

func stage(t *testing.T, s stock.TxStore, payloads ...events.Payload) {
	t.Helper()
	stocktest.Tx(t, s, func(st stock.Store) error {
		for _, p := range payloads {
			if err := stock.StageEvent(context.Background(), st, p, time.Now()); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestFlush_PublishesInSeqOrderAcrossBatches(t *testing.T) {
	for _, b := range stocktest.Backends(t) {
		t.Run(b.Name, func(t *testing.T) {
			// GIVEN: Five staged events and a batch size of 2
			// WHEN: Flushing
			// THEN: All five are published in staging order, and nothing is pending

			for i := int64(1); i <= 5; i++ {
				stage(t, b.Store, events.StockUpdated{DrugID: "d", Location: "main", OldQuantity: i - 1, NewQuantity: i})
			}

			bus := events.NewBus(zaptest.NewLogger(t), nil)
			rec := &events.Recorder{}
			bus.SubscribeAll(rec.Handle)
			d := outbox.NewDispatcher(b.Store, bus, zaptest.NewLogger(t))
			d.BatchSize = 2

			n, err := d.Flush(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 5, n)

			got := rec.Events()
			require.Len(t, got, 5)
			for i, ev := range got {
				assert.Equal(t, events.NameStockUpdated, ev.Name)
				assert.Equal(t, int64(i+1), ev.Payload.(events.StockUpdated).NewQuantity)
				assert.NotEmpty(t, ev.ID)
			}
			assert.Empty(t, stocktest.PendingOutbox(t, b.Store))
		})
	}
}

func TestFlush_IsAtMostOnce(t *testing.T) {
	// GIVEN: One staged event, flushed once
	// WHEN: Flushing again
	// THEN: Nothing is republished

	s := stocktest.NewSQLite(t)
	stage(t, s, events.LowStock{DrugID: "d", Location: "main", Quantity: 1, Threshold: 5})

	bus := events.NewBus(nil, nil)
	rec := &events.Recorder{}
	bus.SubscribeAll(rec.Handle)
	d := outbox.NewDispatcher(s, bus, nil)

	n, err := d.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = d.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, rec.Events(), 1)
}

func TestFlush_FailingSubscriberDoesNotStopDispatch(t *testing.T) {
	// GIVEN: A subscriber that panics on every event
	// THEN: Flush still succeeds and later subscribers see every event

	s := stocktest.NewSQLite(t)
	stage(t, s,
		events.LowStock{DrugID: "a", Quantity: 1},
		events.LowStock{DrugID: "b", Quantity: 2},
	)

	bus := events.NewBus(zaptest.NewLogger(t), nil)
	bus.Subscribe(events.NameLowStock, func(context.Context, events.Event) error { panic("subscriber bug") })
	rec := &events.Recorder{}
	bus.Subscribe(events.NameLowStock, rec.Handle)

	n, err := outbox.NewDispatcher(s, bus, zaptest.NewLogger(t)).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, rec.Events(), 2)
}

func TestFlush_SkipsUndecodableRows(t *testing.T) {
	s := stocktest.NewSQLite(t)
	stocktest.Tx(t, s, func(st stock.Store) error {
		return st.Outbox().Append(context.Background(), stock.OutboxRecord{
			ID: "bad", EventName: "Mystery", Payload: []byte(`{}`), CreatedAt: time.Now(),
		})
	})
	stage(t, s, events.LowStock{DrugID: "ok"})

	rec := &events.Recorder{}
	bus := events.NewBus(nil, nil)
	bus.SubscribeAll(rec.Handle)

	n, err := outbox.NewDispatcher(s, bus, zaptest.NewLogger(t)).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, stocktest.PendingOutbox(t, s))
}

func TestStartStop_FlushesInBackground(t *testing.T) {
	s := stocktest.NewSQLite(t)
	rec := &events.Recorder{}
	bus := events.NewBus(nil, nil)
	bus.SubscribeAll(rec.Handle)

	d := outbox.NewDispatcher(s, bus, zaptest.NewLogger(t))
	d.Start(10 * time.Millisecond)
	defer d.Stop()

	stage(t, s, events.LowStock{DrugID: "late"})

	assert.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)

	d.Stop()
	d.Stop() // idempotent
}
