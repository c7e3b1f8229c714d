package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"HFLedger/internal/observability"
	"HFLedger/internal/projection"
	"HFLedger/internal/query"
	"HFLedger/internal/risk"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// HTTPServer serves the read-side query API plus the stateless compute
// endpoint. All authoritative writes flow through NATS ingestion; the HTTP
// surface never mutates core state.
type HTTPServer struct {
	httpServer    *http.Server
	addr          string
	logger        zerolog.Logger
	healthChecker *observability.HealthChecker
}

// ServerDeps holds all dependencies needed by the HTTP handlers.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	Calculator    *risk.Calculator
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
	StartTime     time.Time
}

// NewHTTPServer creates the HTTP server with all routes registered.
func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	h := &apiHandler{
		db:      deps.DB,
		qs:      deps.QueryService,
		calc:    deps.Calculator,
		metrics: deps.Metrics,
		logger:  observability.NewLogger("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", deps.HealthChecker.LivenessHandler)
	r.Get("/readyz", deps.HealthChecker.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/users/{userID}/health-factor", h.getHealthFactor)
		r.Get("/users/{userID}/history", h.getHistory)
		r.Get("/status-breakdown", h.getStatusBreakdown)
		r.Post("/compute", h.compute)
		r.Get("/admin/integrity", h.verifyIntegrity)
		r.Post("/admin/rebuild-projections", h.rebuildProjections)
	})

	return &HTTPServer{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		addr:          addr,
		logger:        observability.NewLogger("http"),
		healthChecker: deps.HealthChecker,
	}
}

// Handler exposes the routed handler, used by tests and embedding servers.
func (s *HTTPServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. Blocks until the listener fails or is shut down.
func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type apiHandler struct {
	db      *sql.DB
	qs      *query.QueryService
	calc    *risk.Calculator
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func (h *apiHandler) getHealthFactor(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "get_health_factor"

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, endpoint, http.StatusBadRequest, "invalid user id")
		return
	}

	resp, err := h.qs.GetHealthFactor(r.Context(), userID)
	if errors.Is(err, query.ErrNotFound) {
		h.fail(w, endpoint, http.StatusNotFound, "no health factor for user")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("user", userID.String()).Msg("health factor query failed")
		h.fail(w, endpoint, http.StatusInternalServerError, "query failed")
		return
	}

	h.ok(w, endpoint, start, resp)
}

func (h *apiHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "get_history"

	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, endpoint, http.StatusBadRequest, "invalid user id")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxHistoryLimit {
			h.fail(w, endpoint, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	var afterSequence *int64
	if raw := r.URL.Query().Get("after_sequence"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.fail(w, endpoint, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		afterSequence = &seq
	}

	history, err := h.qs.GetHealthFactorHistory(r.Context(), userID, limit, afterSequence)
	if err != nil {
		h.logger.Error().Err(err).Str("user", userID.String()).Msg("history query failed")
		h.fail(w, endpoint, http.StatusInternalServerError, "query failed")
		return
	}

	h.ok(w, endpoint, start, map[string]interface{}{
		"user_id": userID,
		"entries": history,
	})
}

func (h *apiHandler) getStatusBreakdown(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "status_breakdown"

	breakdown, err := h.qs.GetUsersByStatus(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("status breakdown query failed")
		h.fail(w, endpoint, http.StatusInternalServerError, "query failed")
		return
	}

	h.ok(w, endpoint, start, map[string]interface{}{"buckets": breakdown})
}

// --- Stateless compute ---

type computeEntryRequest struct {
	Asset           string `json:"asset"`
	Amount          uint64 `json:"amount"`
	Decimals        uint8  `json:"decimals"`
	PriceE8         int64  `json:"price_e8"`
	LiqThresholdBps uint16 `json:"liq_threshold_bps"`
	BorrowFactorBps uint16 `json:"borrow_factor_bps"`
}

type computeRequest struct {
	Collaterals []computeEntryRequest `json:"collaterals"`
	Debts       []computeEntryRequest `json:"debts"`
}

type computeResponse struct {
	HealthFactor      string  `json:"health_factor"`
	HealthFactorFloat float64 `json:"health_factor_float"`
	Unbounded         bool    `json:"unbounded"`
	Status            string  `json:"status"`
}

// compute evaluates a hypothetical position without touching core state.
func (h *apiHandler) compute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "compute"

	var req computeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, endpoint, http.StatusBadRequest, "invalid request body")
		return
	}

	collaterals := make([]risk.CollateralInput, 0, len(req.Collaterals))
	for _, c := range req.Collaterals {
		collaterals = append(collaterals, risk.CollateralInput{
			Asset:           c.Asset,
			Amount:          c.Amount,
			Decimals:        c.Decimals,
			PriceE8:         c.PriceE8,
			LiqThresholdBps: c.LiqThresholdBps,
			BorrowFactorBps: c.BorrowFactorBps,
		})
	}
	debts := make([]risk.DebtInput, 0, len(req.Debts))
	for _, d := range req.Debts {
		debts = append(debts, risk.DebtInput{
			Asset:    d.Asset,
			Amount:   d.Amount,
			Decimals: d.Decimals,
			PriceE8:  d.PriceE8,
		})
	}

	hf, err := h.calc.Compute(collaterals, debts)
	if err != nil {
		h.metrics.ComputeRejected.WithLabelValues("api").Inc()
		h.fail(w, endpoint, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp := computeResponse{
		HealthFactor: hf.Sentinel().String(),
		Unbounded:    hf.Unbounded,
		Status:       h.calc.Status(hf).String(),
	}
	// JSON cannot encode +Inf; unbounded results carry the flag and the
	// sentinel string, with the float pinned to the largest finite value.
	if hf.Unbounded {
		resp.HealthFactorFloat = math.MaxFloat64
	} else {
		resp.HealthFactorFloat = hf.Float64()
	}

	h.ok(w, endpoint, start, resp)
}

func (h *apiHandler) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "verify_integrity"

	report, err := h.qs.VerifyIntegrity(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("integrity check failed")
		h.fail(w, endpoint, http.StatusInternalServerError, "integrity check failed")
		return
	}

	h.ok(w, endpoint, start, report)
}

// rebuildProjections drops and repopulates the read-side tables from the
// event log. Safe while the projection worker runs: upserts are
// sequence-guarded, so a concurrent live update never regresses a row.
func (h *apiHandler) rebuildProjections(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := "rebuild_projections"

	if err := projection.RebuildProjections(r.Context(), h.db); err != nil {
		h.logger.Error().Err(err).Msg("projection rebuild failed")
		h.fail(w, endpoint, http.StatusInternalServerError, "rebuild failed")
		return
	}

	h.logger.Info().Dur("took", time.Since(start)).Msg("projections rebuilt")
	h.ok(w, endpoint, start, map[string]string{"status": "rebuilt"})
}

// --- response helpers ---

func (h *apiHandler) ok(w http.ResponseWriter, endpoint string, start time.Time, body interface{}) {
	h.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
	h.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

func (h *apiHandler) fail(w http.ResponseWriter, endpoint string, code int, msg string) {
	h.metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
	h.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
