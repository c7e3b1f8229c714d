package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"HFLedger/internal/observability"
	"HFLedger/internal/risk"
	"HFLedger/internal/server"
)

// Prometheus collectors register into the default registry, so the whole
// test binary shares one Metrics instance.
var testMetrics = observability.NewMetrics()

func newTestServer() (*server.HTTPServer, *observability.HealthChecker) {
	hc := observability.NewHealthChecker()
	s := server.NewHTTPServer(":0", &server.ServerDeps{
		Calculator:    risk.NewCalculator(0),
		Metrics:       testMetrics,
		HealthChecker: hc,
		StartTime:     time.Now(),
	})
	return s, hc
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not valid JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

// ============================================================================
// Test: Stateless Compute Endpoint
// ============================================================================

func TestCompute_CanonicalPosition(t *testing.T) {
	s, _ := newTestServer()

	body := `{
		"collaterals": [{"asset": "SOL", "amount": 1000, "decimals": 6, "price_e8": 200000000, "liq_threshold_bps": 8000}],
		"debts": [{"asset": "USDC", "amount": 500, "decimals": 6, "price_e8": 100000000}]
	}`
	rec, resp := doJSON(t, s.Handler(), http.MethodPost, "/v1/compute", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200\n%s", rec.Code, rec.Body.String())
	}
	if resp["health_factor"] != "59029581035870567171" {
		t.Errorf("health_factor: got %v", resp["health_factor"])
	}
	if resp["unbounded"] != false {
		t.Errorf("unbounded: got %v, want false", resp["unbounded"])
	}
	if resp["status"] != "Healthy" {
		t.Errorf("status field: got %v, want Healthy", resp["status"])
	}
	hfFloat, ok := resp["health_factor_float"].(float64)
	if !ok || hfFloat < 3.1999 || hfFloat > 3.2001 {
		t.Errorf("health_factor_float: got %v, want ~3.2", resp["health_factor_float"])
	}
}

func TestCompute_ZeroDebt_Unbounded(t *testing.T) {
	s, _ := newTestServer()

	body := `{
		"collaterals": [{"asset": "SOL", "amount": 1000, "decimals": 6, "price_e8": 200000000, "liq_threshold_bps": 8000}],
		"debts": []
	}`
	rec, resp := doJSON(t, s.Handler(), http.MethodPost, "/v1/compute", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if resp["unbounded"] != true {
		t.Errorf("unbounded: got %v, want true", resp["unbounded"])
	}
	if resp["health_factor"] != "340282366920938463463374607431768211455" {
		t.Errorf("sentinel: got %v", resp["health_factor"])
	}
}

func TestCompute_InvalidPrice_Rejected(t *testing.T) {
	s, _ := newTestServer()

	body := `{
		"collaterals": [{"asset": "SOL", "amount": 1000, "decimals": 6, "price_e8": 0, "liq_threshold_bps": 8000}],
		"debts": []
	}`
	rec, resp := doJSON(t, s.Handler(), http.MethodPost, "/v1/compute", body)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want 422", rec.Code)
	}
	if resp["error"] == nil {
		t.Error("expected an error message")
	}
}

func TestCompute_MalformedBody_Rejected(t *testing.T) {
	s, _ := newTestServer()

	rec, _ := doJSON(t, s.Handler(), http.MethodPost, "/v1/compute", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}

// ============================================================================
// Test: Health Probes
// ============================================================================

func TestHealthProbes(t *testing.T) {
	s, hc := newTestServer()

	rec, _ := doJSON(t, s.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz: got %d, want 200", rec.Code)
	}

	rec, _ = doJSON(t, s.Handler(), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before ready: got %d, want 503", rec.Code)
	}

	hc.SetReady(true)
	rec, _ = doJSON(t, s.Handler(), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz after ready: got %d, want 200", rec.Code)
	}
}

// ============================================================================
// Test: Input Validation on Query Routes
// ============================================================================

func TestGetHealthFactor_InvalidUUID(t *testing.T) {
	s, _ := newTestServer()

	rec, resp := doJSON(t, s.Handler(), http.MethodGet, "/v1/users/not-a-uuid/health-factor", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
	if resp["error"] != "invalid user id" {
		t.Errorf("error: got %v", resp["error"])
	}
}

func TestGetHistory_InvalidLimit(t *testing.T) {
	s, _ := newTestServer()

	path := "/v1/users/550e8400-e29b-41d4-a716-446655440000/history?limit=5000"
	rec, _ := doJSON(t, s.Handler(), http.MethodGet, path, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rec.Code)
	}
}
