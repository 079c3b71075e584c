package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wikimedia/analytics-abacist/internal/circuitbreaker"
	redisstore "github.com/wikimedia/analytics-abacist/internal/store/redis"
	"github.com/wikimedia/analytics-abacist/internal/testutil"
)

// mockHealthChecker implements HealthChecker for handler tests.
type mockHealthChecker struct {
	pingFn func(ctx context.Context) error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func doHealth(t *testing.T, h http.Handler, target string) (int, HealthResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
	return w.Code, resp
}

func TestHandler_Health_Simple(t *testing.T) {
	failing := &mockHealthChecker{pingFn: func(context.Context) error { return errors.New("down") }}
	handler := NewHandler().WithHealthChecker("redis", failing)

	code, resp := doHealth(t, handler, "/health")
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
	if resp.Components != nil {
		t.Errorf("simple check must not report components, got %v", resp.Components)
	}
}

func TestHandler_Health_Verbose_Healthy(t *testing.T) {
	handler := NewHandler().WithHealthChecker("redis", &mockHealthChecker{})

	code, resp := doHealth(t, handler, "/health?verbose=true")
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if resp.Components["redis"] != "healthy" {
		t.Errorf("redis = %q, want healthy", resp.Components["redis"])
	}
}

func TestHandler_Health_Verbose_Unhealthy(t *testing.T) {
	db := &mockHealthChecker{
		pingFn: func(ctx context.Context) error {
			return errors.New("connection refused")
		},
	}
	handler := NewHandler().WithHealthChecker("redis", db)

	code, resp := doHealth(t, handler, "/health?verbose=true")
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if resp.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", resp.Status)
	}
	if resp.Components["redis"] != "unhealthy: connection refused" {
		t.Errorf("redis = %q", resp.Components["redis"])
	}
}

func TestHandler_Health_Verbose_CircuitOpen(t *testing.T) {
	cb := circuitbreaker.New(1, time.Hour)
	handler := NewHandler().
		WithHealthChecker("redis", &mockHealthChecker{}).
		WithCircuit("store_circuit", cb, "redis")

	code, resp := doHealth(t, handler, "/health?verbose=true")
	if code != http.StatusOK || resp.Components["store_circuit"] != "closed" {
		t.Fatalf("expected closed circuit, got %d %v", code, resp.Components)
	}

	cb.RecordFailure("redis")
	code, resp = doHealth(t, handler, "/health?verbose=true")
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if resp.Components["store_circuit"] != "open" {
		t.Errorf("store_circuit = %q, want open", resp.Components["store_circuit"])
	}
}

func TestHandler_Health_Verbose_Miniredis(t *testing.T) {
	mr, client := testutil.MiniRedis(t)
	store := redisstore.New(client, time.Second)
	handler := NewHandler().WithHealthChecker("redis", store)

	code, _ := doHealth(t, handler, "/health?verbose=true")
	if code != http.StatusOK {
		t.Errorf("expected 200 with redis up, got %d", code)
	}

	mr.Close()
	code, resp := doHealth(t, handler, "/health?verbose=true")
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with redis down, got %d (%v)", code, resp)
	}
}

func TestHandler_NotFound(t *testing.T) {
	handler := NewHandler()

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/nonexistent"},
		{http.MethodPost, "/health"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, w.Code)
		}
	}
}
