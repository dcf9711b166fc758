/*
dto.go - Request and response bodies for the HTTP API

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers
  Domain types (stock.StockRecord, stock.Prescription, ...) are returned
  as-is; they carry their own json tags.

VALIDATION:
  Validation is done by the domain services, not here. DTOs are pure data
  carriers. The handlers only reject bodies that aren't valid JSON.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/dispense-engine/fulfillment"
	"github.com/warp/dispense-engine/stock"
)

// =============================================================================
// FULFILLMENT
// =============================================================================

type FulfillRequest struct {
	ActorID  string             `json:"actorId"`
	Location string             `json:"location,omitempty"`
	Items    []fulfillment.Item `json:"items"`
}

type FulfillResponse struct {
	DispensedCount int                    `json:"dispensedCount"`
	Dispensed      []stock.DispenseRecord `json:"dispensed"`
}

// =============================================================================
// PRESCRIPTIONS & CATALOG
// =============================================================================

type PrescriptionLineRequest struct {
	ID           string `json:"id,omitempty"`
	DrugID       string `json:"drugId"`
	Quantity     int64  `json:"quantity"`
	Instructions string `json:"instructions,omitempty"`
	Unit         string `json:"unit,omitempty"`
}

type CreatePrescriptionRequest struct {
	ID           string                    `json:"id,omitempty"`
	PrescriberID string                    `json:"prescriberId"`
	ActorID      string                    `json:"actorId"`
	Lines        []PrescriptionLineRequest `json:"lines"`
}

type CancelPrescriptionRequest struct {
	ActorID string `json:"actorId"`
	Reason  string `json:"reason"`
}

type CategoryRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DailyLimit int64  `json:"dailyLimit"`
	ActorID    string `json:"actorId"`
}

type DrugRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CategoryID string `json:"categoryId"`
	ActorID    string `json:"actorId"`
}

// =============================================================================
// STOCK
// =============================================================================

type OnboardRequest struct {
	DrugID   string `json:"drugId"`
	Location string `json:"location"`
	Quantity int64  `json:"quantity"`
	ActorID  string `json:"actorId"`
}

type AdjustmentRequest struct {
	DrugID   string `json:"drugId"`
	Location string `json:"location"`
	Delta    int64  `json:"delta"`
	// Type is ADD or REMOVE; inferred from the sign of Delta when empty.
	Type    string `json:"type,omitempty"`
	Reason  string `json:"reason"`
	ActorID string `json:"actorId"`
}

type TransferRequest struct {
	DrugID   string `json:"drugId"`
	From     string `json:"from"`
	To       string `json:"to"`
	Quantity int64  `json:"quantity"`
	Reason   string `json:"reason"`
	ActorID  string `json:"actorId"`
}

// =============================================================================
// ADMIN
// =============================================================================

type LimitRequest struct {
	PrescriberID string `json:"prescriberId"`
	CategoryID   string `json:"categoryId"`
	DailyLimit   int64  `json:"dailyLimit"`
	ActorID      string `json:"actorId"`
}

// SweepRequest: a nil Threshold uses the scheduler's configured threshold.
type SweepRequest struct {
	Threshold *int64 `json:"threshold,omitempty"`
}

type SweepResponse struct {
	Threshold int64               `json:"threshold"`
	LowStock  []stock.StockRecord `json:"lowStock"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	ScenarioID    string   `json:"scenario_id"`
	Prescriptions []string `json:"prescriptions"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
