/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in request logs
  2. Logger:     Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for pharmacy frontends

ROUTE GROUPS:
  /healthz              Liveness
  /api/prescriptions/*  Prescription lifecycle and fulfillment
  /api/catalog/*        Categories and drugs
  /api/stock/*          Inventory reads and manual operations
  /api/admin/*          Limits and low-stock sweep
  /api/scenarios/*      Demo datasets

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/prescriptions", func(r chi.Router) {
			r.Post("/", h.CreatePrescription)
			r.Get("/{id}", h.GetPrescription)
			r.Post("/{id}/fulfill", h.FulfillPrescription)
			r.Post("/{id}/cancel", h.CancelPrescription)
		})

		r.Route("/catalog", func(r chi.Router) {
			r.Put("/categories", h.PutCategory)
			r.Put("/drugs", h.PutDrug)
		})

		r.Route("/stock", func(r chi.Router) {
			r.Get("/", h.GetStock)
			r.Post("/", h.OnboardStock)
			r.Get("/movements", h.GetMovements)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/transfers", h.CreateTransfer)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Put("/limits", h.PutLimit)
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/sweep/last", h.LastSweep)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request once the response is written.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
