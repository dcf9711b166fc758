package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/dispense-engine/events"
	"github.com/warp/dispense-engine/outbox"
	"github.com/warp/dispense-engine/reconcile"
	"github.com/warp/dispense-engine/stock"
	"github.com/warp/dispense-engine/stock/stocktest"
)

// seedFour creates records with quantities 2, 6, 5 and 9.
func seedFour(t *testing.T, s stock.TxStore) {
	stocktest.SeedCatalog(t, s)
	stocktest.SeedStock(t, s, stocktest.Amoxicillin, stocktest.Main, 2)
	stocktest.SeedStock(t, s, stocktest.Amoxicillin, stocktest.Ward, 6)
	stocktest.SeedStock(t, s, stocktest.Codeine, stocktest.Main, 5)
	stocktest.SeedStock(t, s, stocktest.Morphine, stocktest.Main, 9)
	stocktest.DrainOutbox(t, s)
}

func newSweeper(t *testing.T, s stock.TxStore) (*reconcile.Sweeper, *events.Recorder) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, nil)
	rec := &events.Recorder{}
	bus.SubscribeAll(rec.Handle)
	return reconcile.NewSweeper(s, outbox.NewDispatcher(s, bus, logger), logger), rec
}

func TestRunOnce_ReturnsRecordsAtOrBelowThreshold(t *testing.T) {
	for _, b := range stocktest.Backends(t) {
		t.Run(b.Name, func(t *testing.T) {
			// GIVEN: Records with quantities [2, 6, 5, 9]
			// WHEN: Sweeping with threshold 5
			// THEN: Exactly the records with 2 and 5, two LowStock events,
			//       two audit entries, no quantity changed

			seedFour(t, b.Store)
			sweeper, rec := newSweeper(t, b.Store)

			low, err := sweeper.RunOnce(context.Background(), 5)
			require.NoError(t, err)
			require.Len(t, low, 2)

			got := map[int64]bool{}
			for _, r := range low {
				got[r.Quantity] = true
			}
			assert.Equal(t, map[int64]bool{2: true, 5: true}, got)

			lowEvents := rec.Named(events.NameLowStock)
			require.Len(t, lowEvents, 2)
			for _, ev := range lowEvents {
				assert.Equal(t, int64(5), ev.Payload.(events.LowStock).Threshold)
			}
			assert.Len(t, rec.Events(), 2)
			assert.Len(t, stocktest.Audit(t, b.Store, stock.AuditLowStockDetected), 2)

			assert.Equal(t, int64(6), stocktest.Quantity(t, b.Store, stocktest.Amoxicillin, stocktest.Ward))
			assert.Equal(t, int64(9), stocktest.Quantity(t, b.Store, stocktest.Morphine, stocktest.Main))
		})
	}
}

func TestRunOnce_IsRepeatable(t *testing.T) {
	// GIVEN: The same four records
	// WHEN: Sweeping twice
	// THEN: Both runs return the same records and each raises its own events

	s := stocktest.NewSQLite(t)
	seedFour(t, s)
	sweeper, rec := newSweeper(t, s)

	first, err := sweeper.RunOnce(context.Background(), 5)
	require.NoError(t, err)
	second, err := sweeper.RunOnce(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, rec.Named(events.NameLowStock), 4)
}

func TestRunOnce_NegativeThresholdIsInvalid(t *testing.T) {
	sweeper, _ := newSweeper(t, stocktest.NewSQLite(t))
	_, err := sweeper.RunOnce(context.Background(), -1)
	assert.Equal(t, stock.KindValidation, stock.KindOf(err))
}

func TestScheduler_RunsImmediatelyOnStart(t *testing.T) {
	s := stocktest.NewSQLite(t)
	seedFour(t, s)
	sweeper, rec := newSweeper(t, s)

	sched := reconcile.NewScheduler(sweeper, 2, zaptest.NewLogger(t))
	sched.Interval = time.Hour
	sched.Start()

	assert.Eventually(t, func() bool { return sched.LastRun() != nil }, 2*time.Second, 10*time.Millisecond)
	sched.Stop()

	run := sched.LastRun()
	assert.Equal(t, 1, run.LowStock)
	assert.Empty(t, run.Error)
	assert.Len(t, rec.Named(events.NameLowStock), 1)
}

func TestScheduler_RunNowAndDisabled(t *testing.T) {
	s := stocktest.NewSQLite(t)
	seedFour(t, s)
	sweeper, _ := newSweeper(t, s)

	sched := reconcile.NewScheduler(sweeper, 9, zaptest.NewLogger(t))
	sched.Enabled = false
	sched.Start() // no-op
	sched.Stop()

	low, err := sched.RunNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, low, 4)
	assert.Equal(t, 4, sched.LastRun().LowStock)
}
