/*
scenarios.go - Demo datasets for testing and demonstrations

PURPOSE:

	Populates an empty engine with a small, realistic pharmacy: categories,
	drugs, stock, prescriber limits and pending prescriptions. Everything
	goes through the same services the API uses, so loading a scenario
	writes audit entries and publishes events like any other change.

AVAILABLE SCENARIOS:

	community-pharmacy:     Antibiotics and analgesics, one pending prescription
	controlled-substances:  Opioids with a prescriber limit the second
	                        prescription would breach
	low-stock:              Four antibiotics at quantities 2, 6, 5 and 9 for the
	                        low-stock sweep

HOW SCENARIOS WORK:
 1. Upsert categories and drugs
 2. Onboard stock records (existing records are left alone)
 3. Set prescriber limits
 4. Create prescriptions with generated IDs

	Scenarios are additive. Loading one twice creates new prescriptions but
	does not touch stock that was already onboarded.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "controlled-substances"}

SEE ALSO:
  - handlers.go: Catalog, stock and prescription handlers
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/dispense-engine/stock"
)

const scenarioActor stock.ActorID = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type stockSeed struct {
	drug     stock.DrugID
	location stock.Location
	quantity int64
}

type scenario struct {
	ScenarioDTO
	categories    []stock.DrugCategory
	drugs         []stock.Drug
	stock         []stockSeed
	limits        []stock.PrescriberDrugLimit
	prescriptions []stock.Prescription
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "community-pharmacy",
			Name:        "Community Pharmacy",
			Description: "Antibiotics and analgesics at the main counter with one pending prescription",
		},
		categories: []stock.DrugCategory{
			{ID: "antibiotics", Name: "Antibiotics"},
			{ID: "analgesics", Name: "Analgesics"},
		},
		drugs: []stock.Drug{
			{ID: "amox-500", Name: "Amoxicillin 500mg", CategoryID: "antibiotics"},
			{ID: "ibu-400", Name: "Ibuprofen 400mg", CategoryID: "analgesics"},
			{ID: "para-500", Name: "Paracetamol 500mg", CategoryID: "analgesics"},
		},
		stock: []stockSeed{
			{"amox-500", "main", 200},
			{"ibu-400", "main", 150},
			{"para-500", "main", 80},
		},
		prescriptions: []stock.Prescription{
			{PrescriberID: "dr-grey", Lines: []stock.PrescriptionLine{
				{DrugID: "amox-500", Quantity: 21, Unit: "capsule", Instructions: "1 capsule 3 times a day for 7 days"},
				{DrugID: "ibu-400", Quantity: 30, Unit: "tablet", Instructions: "as needed, max 3 a day"},
			}},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "controlled-substances",
			Name:        "Controlled Substances",
			Description: "Opioids with a daily limit of 20 for dr-house: the second prescription would exceed it",
		},
		categories: []stock.DrugCategory{
			{ID: "opioids", Name: "Opioids"},
		},
		drugs: []stock.Drug{
			{ID: "morph-10", Name: "Morphine 10mg", CategoryID: "opioids"},
			{ID: "oxy-5", Name: "Oxycodone 5mg", CategoryID: "opioids"},
		},
		stock: []stockSeed{
			{"morph-10", "main", 30},
			{"morph-10", "ward-b", 5},
			{"oxy-5", "main", 40},
		},
		limits: []stock.PrescriberDrugLimit{
			{PrescriberID: "dr-house", CategoryID: "opioids", DailyLimit: 20},
		},
		prescriptions: []stock.Prescription{
			{PrescriberID: "dr-house", Lines: []stock.PrescriptionLine{
				{DrugID: "morph-10", Quantity: 15, Unit: "tablet"},
			}},
			{PrescriberID: "dr-house", Lines: []stock.PrescriptionLine{
				{DrugID: "oxy-5", Quantity: 10, Unit: "tablet"},
			}},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "low-stock",
			Name:        "Low Stock",
			Description: "Four antibiotics at 2, 6, 5 and 9 units; a sweep at threshold 5 flags two",
		},
		categories: []stock.DrugCategory{
			{ID: "antibiotics", Name: "Antibiotics"},
		},
		drugs: []stock.Drug{
			{ID: "amox-500", Name: "Amoxicillin 500mg", CategoryID: "antibiotics"},
			{ID: "cef-250", Name: "Cefalexin 250mg", CategoryID: "antibiotics"},
			{ID: "azi-250", Name: "Azithromycin 250mg", CategoryID: "antibiotics"},
			{ID: "doxy-100", Name: "Doxycycline 100mg", CategoryID: "antibiotics"},
		},
		stock: []stockSeed{
			{"amox-500", "main", 2},
			{"cef-250", "main", 6},
			{"azi-250", "main", 5},
			{"doxy-100", "main", 9},
		},
	},
}

func findScenario(id string) (*scenario, bool) {
	for i := range scenarios {
		if scenarios[i].ID == id {
			return &scenarios[i], true
		}
	}
	return nil, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	sc, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, &stock.NotFoundError{Entity: "scenario", ID: req.ScenarioID})
		return
	}

	ids, err := h.loadScenario(r.Context(), sc)
	if err != nil {
		h.Logger.Warn("scenario load failed", zap.String("scenario", sc.ID), zap.Error(err))
		writeError(w, err)
		return
	}

	h.Logger.Info("scenario loaded", zap.String("scenario", sc.ID), zap.Strings("prescriptions", ids))
	writeJSON(w, http.StatusOK, LoadScenarioResponse{ScenarioID: sc.ID, Prescriptions: ids})
}

// =============================================================================
// LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, sc *scenario) ([]string, error) {
	for _, c := range sc.categories {
		if err := h.Stock.PutCategory(ctx, c, scenarioActor); err != nil {
			return nil, err
		}
	}
	for _, d := range sc.drugs {
		if err := h.Stock.PutDrug(ctx, d, scenarioActor); err != nil {
			return nil, err
		}
	}
	for _, s := range sc.stock {
		_, err := h.Stock.Onboard(ctx, s.drug, s.location, s.quantity, scenarioActor)
		if err != nil && !errors.Is(err, stock.ErrConflict) {
			return nil, fmt.Errorf("onboard %s@%s: %w", s.drug, s.location, err)
		}
	}
	for _, l := range sc.limits {
		if err := h.Stock.SetLimit(ctx, l, scenarioActor); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(sc.prescriptions))
	for _, p := range sc.prescriptions {
		// Copy the lines so generated IDs don't leak into the shared definition.
		p.Lines = append([]stock.PrescriptionLine(nil), p.Lines...)
		rx, err := h.Stock.CreatePrescription(ctx, p, scenarioActor)
		if err != nil {
			return nil, err
		}
		ids = append(ids, string(rx.ID))
	}
	return ids, nil
}
