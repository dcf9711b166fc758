package limits_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dispense-engine/limits"
	"github.com/warp/dispense-engine/stock"
	"github.com/warp/dispense-engine/stock/stocktest"
)

const prescriber stock.PrescriberID = "dr-quinn"

// dispensed writes a dispense record for the prescriber in the opioid category.
func dispensed(t *testing.T, s stock.TxStore, id string, qty int64, at time.Time) {
	t.Helper()
	stocktest.Tx(t, s, func(st stock.Store) error {
		return st.Dispenses().Append(context.Background(), stock.DispenseRecord{
			ID: id, PrescriptionID: "rx-1", LineID: "l1", DrugID: stocktest.Morphine,
			PrescriberID: prescriber, CategoryID: stocktest.Opioids, ActorID: "ph",
			Location: stocktest.Main, Quantity: qty, DispensedAt: at,
		})
	})
}

func check(t *testing.T, s stock.TxStore, e *limits.Evaluator, proposed int64, asOf time.Time) error {
	t.Helper()
	return s.WithTx(context.Background(), func(st stock.Store) error {
		return e.CheckLimit(context.Background(), st, prescriber, stocktest.Opioids, proposed, asOf)
	})
}

func setup(t *testing.T, s stock.TxStore) {
	stocktest.SeedCatalog(t, s)
	stocktest.SeedPrescription(t, s, "rx-1", prescriber, stocktest.Line{ID: "l1", Drug: stocktest.Morphine, Quantity: 20})
}

func TestCheckLimit_NoRowMeansUnlimited(t *testing.T) {
	for _, b := range stocktest.Backends(t) {
		t.Run(b.Name, func(t *testing.T) {
			setup(t, b.Store)
			assert.NoError(t, check(t, b.Store, limits.NewEvaluator(nil), 1_000_000, time.Now()))
		})
	}
}

func TestCheckLimit_ZeroLimitMeansUnlimited(t *testing.T) {
	s := stocktest.NewSQLite(t)
	setup(t, s)
	stocktest.SetLimit(t, s, prescriber, stocktest.Opioids, 0)

	assert.NoError(t, check(t, s, limits.NewEvaluator(nil), 500, time.Now()))
}

func TestCheckLimit_ExistingPlusProposed(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		existing int64
		proposed int64
		allowed  bool
	}{
		{"well under", 0, 3, true},
		{"exactly at limit", 2, 3, true},
		{"one over", 3, 3, false},
		{"proposal alone over", 0, 6, false},
		{"huge proposal", 3, math.MaxInt64 - 1, false},
		{"max proposal", 0, math.MaxInt64, false},
	}

	for _, tt := range tests {
		for _, b := range stocktest.Backends(t) {
			t.Run(b.Name+"/"+tt.name, func(t *testing.T) {
				s := b.Store
				setup(t, s)
				stocktest.SetLimit(t, s, prescriber, stocktest.Opioids, 5)
				if tt.existing > 0 {
					dispensed(t, s, "prev", tt.existing, now.Add(-2*time.Hour))
				}

				err := check(t, s, limits.NewEvaluator(time.UTC), tt.proposed, now)
				if tt.allowed {
					assert.NoError(t, err)
					return
				}
				var exceeded *stock.LimitExceededError
				require.True(t, errors.As(err, &exceeded))
				assert.Equal(t, stock.KindPolicyViolation, stock.KindOf(err))
				assert.Equal(t, int64(5), exceeded.Limit)
				assert.Equal(t, tt.existing, exceeded.Existing)
				assert.Equal(t, tt.proposed, exceeded.Proposed)
				want := int64(math.MaxInt64)
				if tt.proposed <= math.MaxInt64-tt.existing {
					want = tt.existing + tt.proposed
				}
				assert.Equal(t, want, exceeded.Attempted())
			})
		}
	}
}

func TestCheckLimit_PreviousDayDoesNotCount(t *testing.T) {
	// GIVEN: Limit 5, 4 units dispensed at 23:30 the day before
	// WHEN: Proposing 5 at 00:10
	// THEN: Allowed

	s := stocktest.NewSQLite(t)
	setup(t, s)
	stocktest.SetLimit(t, s, prescriber, stocktest.Opioids, 5)

	midnight := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	dispensed(t, s, "yesterday", 4, midnight.Add(-30*time.Minute))

	assert.NoError(t, check(t, s, limits.NewEvaluator(time.UTC), 5, midnight.Add(10*time.Minute)))
}

func TestCheckLimit_DayFollowsConfiguredZone(t *testing.T) {
	// GIVEN: Zone America/New_York, limit 5
	//        4 units dispensed at 03:00 UTC on Mar 10 (23:00 Mar 9 in New York)
	// WHEN: Proposing 5 at 14:00 UTC on Mar 10 (10:00 in New York)
	// THEN: Allowed, because the earlier dispense belongs to the previous local day
	//       Under UTC the same pair would be rejected

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	s := stocktest.NewSQLite(t)
	setup(t, s)
	stocktest.SetLimit(t, s, prescriber, stocktest.Opioids, 5)
	dispensed(t, s, "late-evening", 4, time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC))

	asOf := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	assert.NoError(t, check(t, s, limits.NewEvaluator(ny), 5, asOf))
	assert.Error(t, check(t, s, limits.NewEvaluator(time.UTC), 5, asOf))
}

func TestDayBounds_DSTTransitions(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	e := limits.NewEvaluator(ny)

	// Spring forward: 2025-03-09 has 23 hours.
	start, end := e.DayBounds(time.Date(2025, 3, 9, 12, 0, 0, 0, ny))
	assert.Equal(t, 23*time.Hour, end.Sub(start))
	assert.Equal(t, 0, start.Hour())

	// Fall back: 2025-11-02 has 25 hours.
	start, end = e.DayBounds(time.Date(2025, 11, 2, 12, 0, 0, 0, ny))
	assert.Equal(t, 25*time.Hour, end.Sub(start))
}

func TestDayBounds_DefaultsToUTC(t *testing.T) {
	start, end := limits.NewEvaluator(nil).DayBounds(time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), end)
}

func TestCheckLimit_RejectsNonPositiveProposal(t *testing.T) {
	s := stocktest.NewSQLite(t)
	setup(t, s)
	assert.Equal(t, stock.KindValidation, stock.KindOf(check(t, s, limits.NewEvaluator(nil), 0, time.Now())))
}
