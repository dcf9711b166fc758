/*
handlers.go - HTTP API handlers for the dispense engine

PURPOSE:
  Exposes fulfillment, inventory and administration over REST. Handlers
  decode JSON, call one domain operation and encode the result. They hold
  no business rules.

ENDPOINTS:
  Prescriptions:
    POST   /api/prescriptions               Create a PENDING prescription
    GET    /api/prescriptions/{id}          Get prescription with lines
    POST   /api/prescriptions/{id}/fulfill  Dispense line items (all or nothing)
    POST   /api/prescriptions/{id}/cancel   PENDING -> CANCELLED

  Catalog:
    PUT    /api/catalog/categories          Create or replace a category
    PUT    /api/catalog/drugs               Create or replace a drug

  Stock:
    GET    /api/stock?drugId=&location=     One record, or a list
    POST   /api/stock                       Onboard (drug, location)
    GET    /api/stock/movements?drugId=&location=
    POST   /api/stock/adjustments           Manual ADD / REMOVE
    POST   /api/stock/transfers             Move stock between locations

  Admin:
    PUT    /api/admin/limits                Set a prescriber's daily limit
    POST   /api/admin/sweep                 Run the low-stock sweep now
    GET    /api/admin/sweep/last            Outcome of the latest sweep

  Scenarios:
    GET    /api/scenarios                   List demo datasets
    POST   /api/scenarios/load              Load a demo dataset

ERROR HANDLING:
  Every error is {kind, message}:
  - 400: Validation, malformed JSON
  - 404: NotFound
  - 409: Conflict (insufficient stock, prescription not pending)
  - 422: PolicyViolation (daily limit)
  - 500: Internal (details are logged, never returned)

SECURITY NOTE:
  No authentication or authorization. actorId is taken from the body as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo dataset loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/dispense-engine/fulfillment"
	"github.com/warp/dispense-engine/reconcile"
	"github.com/warp/dispense-engine/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *fulfillment.Coordinator
	Stock       *stock.Service
	Scheduler   *reconcile.Scheduler
	Logger      *zap.Logger
}

// NewHandler creates a handler. logger may be nil.
func NewHandler(coord *fulfillment.Coordinator, svc *stock.Service, scheduler *reconcile.Scheduler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Coordinator: coord,
		Stock:       svc,
		Scheduler:   scheduler,
		Logger:      logger.Named("api"),
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PRESCRIPTION HANDLERS
// =============================================================================

// FulfillPrescription dispenses the requested line items.
func (h *Handler) FulfillPrescription(w http.ResponseWriter, r *http.Request) {
	var req FulfillRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Coordinator.Fulfill(r.Context(), fulfillment.Request{
		PrescriptionID: stock.PrescriptionID(chi.URLParam(r, "id")),
		ActorID:        stock.ActorID(req.ActorID),
		Location:       stock.Location(req.Location),
		Items:          req.Items,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	dispensed := res.Dispensed
	if dispensed == nil {
		dispensed = []stock.DispenseRecord{}
	}
	writeJSON(w, http.StatusOK, FulfillResponse{DispensedCount: res.DispensedCount, Dispensed: dispensed})
}

// CreatePrescription stores a new prescription.
func (h *Handler) CreatePrescription(w http.ResponseWriter, r *http.Request) {
	var req CreatePrescriptionRequest
	if !decode(w, r, &req) {
		return
	}

	p := stock.Prescription{
		ID:           stock.PrescriptionID(req.ID),
		PrescriberID: stock.PrescriberID(req.PrescriberID),
	}
	for _, l := range req.Lines {
		p.Lines = append(p.Lines, stock.PrescriptionLine{
			ID:           stock.LineID(l.ID),
			DrugID:       stock.DrugID(l.DrugID),
			Quantity:     l.Quantity,
			Instructions: l.Instructions,
			Unit:         l.Unit,
		})
	}

	rx, err := h.Stock.CreatePrescription(r.Context(), p, stock.ActorID(req.ActorID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rx)
}

// GetPrescription returns one prescription.
func (h *Handler) GetPrescription(w http.ResponseWriter, r *http.Request) {
	rx, err := h.Stock.GetPrescription(r.Context(), stock.PrescriptionID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rx)
}

// CancelPrescription cancels a pending prescription.
func (h *Handler) CancelPrescription(w http.ResponseWriter, r *http.Request) {
	var req CancelPrescriptionRequest
	if !decode(w, r, &req) {
		return
	}

	id := stock.PrescriptionID(chi.URLParam(r, "id"))
	if err := h.Stock.CancelPrescription(r.Context(), id, stock.ActorID(req.ActorID), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(stock.StatusCancelled)})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) PutCategory(w http.ResponseWriter, r *http.Request) {
	var req CategoryRequest
	if !decode(w, r, &req) {
		return
	}

	c := stock.DrugCategory{ID: stock.CategoryID(req.ID), Name: req.Name, DailyLimit: req.DailyLimit}
	if err := h.Stock.PutCategory(r.Context(), c, stock.ActorID(req.ActorID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) PutDrug(w http.ResponseWriter, r *http.Request) {
	var req DrugRequest
	if !decode(w, r, &req) {
		return
	}

	d := stock.Drug{ID: stock.DrugID(req.ID), Name: req.Name, CategoryID: stock.CategoryID(req.CategoryID)}
	if err := h.Stock.PutDrug(r.Context(), d, stock.ActorID(req.ActorID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// GetStock returns the record for (drugId, location) when both are given,
// otherwise every record matching the filters that are.
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	drugID := stock.DrugID(r.URL.Query().Get("drugId"))
	location := stock.Location(r.URL.Query().Get("location"))

	if drugID != "" && location != "" {
		rec, err := h.Stock.Get(r.Context(), drugID, location)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	recs, err := h.Stock.List(r.Context(), drugID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]stock.StockRecord, 0, len(recs))
	for _, rec := range recs {
		if location == "" || rec.Location == location {
			out = append(out, rec)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// OnboardStock creates the stock record for a drug at a location.
func (h *Handler) OnboardStock(w http.ResponseWriter, r *http.Request) {
	var req OnboardRequest
	if !decode(w, r, &req) {
		return
	}

	rec, err := h.Stock.Onboard(r.Context(), stock.DrugID(req.DrugID), stock.Location(req.Location), req.Quantity, stock.ActorID(req.ActorID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// GetMovements returns the movement history of one record.
func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	drugID := r.URL.Query().Get("drugId")
	location := r.URL.Query().Get("location")
	if drugID == "" || location == "" {
		writeError(w, &stock.ValidationError{Message: "drugId and location are required"})
		return
	}

	movements, err := h.Stock.Movements(r.Context(), stock.DrugID(drugID), stock.Location(location))
	if err != nil {
		writeError(w, err)
		return
	}
	if movements == nil {
		movements = []stock.StockMovement{}
	}
	writeJSON(w, http.StatusOK, movements)
}

// CreateAdjustment applies a manual ADD or REMOVE.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}

	rec, err := h.Stock.Adjust(r.Context(), stock.Adjustment{
		DrugID:   stock.DrugID(req.DrugID),
		Location: stock.Location(req.Location),
		Delta:    req.Delta,
		Type:     stock.MovementType(req.Type),
		ActorID:  stock.ActorID(req.ActorID),
		Reason:   req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CreateTransfer moves stock between two locations.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Stock.Transfer(r.Context(), stock.Transfer{
		DrugID:   stock.DrugID(req.DrugID),
		From:     stock.Location(req.From),
		To:       stock.Location(req.To),
		Quantity: req.Quantity,
		ActorID:  stock.ActorID(req.ActorID),
		Reason:   req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// PutLimit creates or replaces a prescriber's daily category limit.
func (h *Handler) PutLimit(w http.ResponseWriter, r *http.Request) {
	var req LimitRequest
	if !decode(w, r, &req) {
		return
	}

	l := stock.PrescriberDrugLimit{
		PrescriberID: stock.PrescriberID(req.PrescriberID),
		CategoryID:   stock.CategoryID(req.CategoryID),
		DailyLimit:   req.DailyLimit,
	}
	if err := h.Stock.SetLimit(r.Context(), l, stock.ActorID(req.ActorID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// TriggerSweep runs the low-stock sweep immediately. Without a threshold
// in the body the scheduler's own threshold is used and the run is
// recorded as the scheduler's last run.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Kind:    string(stock.KindValidation),
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	var (
		threshold = h.Scheduler.Threshold
		low       []stock.StockRecord
		err       error
	)
	if req.Threshold != nil {
		threshold = *req.Threshold
		low, err = h.Scheduler.Sweeper.RunOnce(r.Context(), threshold)
	} else {
		low, err = h.Scheduler.RunNow(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if low == nil {
		low = []stock.StockRecord{}
	}
	writeJSON(w, http.StatusOK, SweepResponse{Threshold: threshold, LowStock: low})
}

// LastSweep returns the latest scheduled or triggered sweep.
func (h *Handler) LastSweep(w http.ResponseWriter, r *http.Request) {
	run := h.Scheduler.LastRun()
	if run == nil {
		writeError(w, &stock.NotFoundError{Entity: "sweep run", ID: "last"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads the JSON body into v and answers 400 when it can't.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Kind:    string(stock.KindValidation),
			Message: "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

// writeError maps an error kind to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	kind := stock.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if kind == stock.KindInternal && !errors.Is(err, stock.ErrInternal) {
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Kind: string(kind), Message: msg})
}

func statusFor(kind stock.Kind) int {
	switch kind {
	case stock.KindNotFound:
		return http.StatusNotFound
	case stock.KindValidation:
		return http.StatusBadRequest
	case stock.KindPolicyViolation:
		return http.StatusUnprocessableEntity
	case stock.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
