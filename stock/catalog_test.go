package stock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dispense-engine/stock"
	"github.com/warp/dispense-engine/stock/stocktest"
)

func TestService_PutDrugRequiresCategory(t *testing.T) {
	for _, b := range stocktest.Backends(t) {
		t.Run(b.Name, func(t *testing.T) {
			// GIVEN: The seeded catalog
			// WHEN: Registering a drug in an unknown category
			// THEN: NotFound, and a drug in a known category is accepted

			env := newServiceEnv(t, b.Store)
			ctx := context.Background()

			err := env.svc.PutDrug(ctx, stock.Drug{ID: "x-1", Name: "X", CategoryID: "nope"}, stocktest.Admin)
			assert.Equal(t, stock.KindNotFound, stock.KindOf(err))

			require.NoError(t, env.svc.PutDrug(ctx, stock.Drug{ID: "x-1", Name: "X", CategoryID: stocktest.Antibiotics}, stocktest.Admin))
			assert.Len(t, stocktest.Audit(t, b.Store, stock.AuditCatalogChanged), 1)
		})
	}
}

func TestService_CreatePrescription(t *testing.T) {
	for _, b := range stocktest.Backends(t) {
		t.Run(b.Name, func(t *testing.T) {
			// GIVEN: The seeded catalog
			// WHEN: Creating a prescription without IDs
			// THEN: IDs are generated, lines keep their order, status is PENDING

			env := newServiceEnv(t, b.Store)

			rx, err := env.svc.CreatePrescription(context.Background(), stock.Prescription{
				PrescriberID: "dr-1",
				Lines: []stock.PrescriptionLine{
					{DrugID: stocktest.Amoxicillin, Quantity: 10, Unit: "tablet"},
					{DrugID: stocktest.Morphine, Quantity: 2},
				},
			}, stocktest.Admin)
			require.NoError(t, err)

			assert.NotEmpty(t, rx.ID)
			assert.Equal(t, stock.StatusPending, rx.Status)
			require.Len(t, rx.Lines, 2)
			assert.Equal(t, stocktest.Amoxicillin, rx.Lines[0].DrugID)
			assert.Equal(t, "tablet", rx.Lines[0].Unit)
			assert.NotEmpty(t, rx.Lines[1].ID)

			got, err := env.svc.GetPrescription(context.Background(), rx.ID)
			require.NoError(t, err)
			assert.Equal(t, rx.Lines, got.Lines)
		})
	}
}

func TestService_CreatePrescriptionRejects(t *testing.T) {
	tests := []struct {
		name string
		rx   stock.Prescription
		kind stock.Kind
	}{
		{"no prescriber", stock.Prescription{Lines: []stock.PrescriptionLine{{DrugID: stocktest.Amoxicillin, Quantity: 1}}}, stock.KindValidation},
		{"no lines", stock.Prescription{PrescriberID: "dr-1"}, stock.KindValidation},
		{"zero quantity", stock.Prescription{PrescriberID: "dr-1", Lines: []stock.PrescriptionLine{{DrugID: stocktest.Amoxicillin}}}, stock.KindValidation},
		{"duplicate line", stock.Prescription{PrescriberID: "dr-1", Lines: []stock.PrescriptionLine{
			{ID: "l1", DrugID: stocktest.Amoxicillin, Quantity: 1},
			{ID: "l1", DrugID: stocktest.Morphine, Quantity: 1},
		}}, stock.KindValidation},
		{"unknown drug", stock.Prescription{PrescriberID: "dr-1", Lines: []stock.PrescriptionLine{{DrugID: "ghost", Quantity: 1}}}, stock.KindNotFound},
	}

	env := newServiceEnv(t, stocktest.NewSQLite(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreatePrescription(context.Background(), tt.rx, stocktest.Admin)
			assert.Equal(t, tt.kind, stock.KindOf(err))
		})
	}
	assert.Empty(t, stocktest.Audit(t, env.store, stock.AuditPrescriptionCreated))
}

func TestService_CancelPrescription(t *testing.T) {
	for _, b := range stocktest.Backends(t) {
		t.Run(b.Name, func(t *testing.T) {
			// GIVEN: A pending prescription
			// WHEN: Cancelling it twice
			// THEN: The first call succeeds, the second is a Conflict

			env := newServiceEnv(t, b.Store)
			stocktest.SeedPrescription(t, b.Store, "rx-c", "dr-1", stocktest.Line{ID: "l1", Drug: stocktest.Amoxicillin, Quantity: 1})
			ctx := context.Background()

			require.NoError(t, env.svc.CancelPrescription(ctx, "rx-c", "pharm-1", "patient declined"))
			rx, err := env.svc.GetPrescription(ctx, "rx-c")
			require.NoError(t, err)
			assert.Equal(t, stock.StatusCancelled, rx.Status)

			err = env.svc.CancelPrescription(ctx, "rx-c", "pharm-1", "again")
			assert.True(t, errors.Is(err, stock.ErrConflict))

			err = env.svc.CancelPrescription(ctx, "rx-missing", "pharm-1", "")
			assert.Equal(t, stock.KindNotFound, stock.KindOf(err))
		})
	}
}
