// Package api serves the operational HTTP endpoints mounted next to the
// metrics handler.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

const pingTimeout = 3 * time.Second

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// CircuitState reports a circuit breaker's state for a target.
type CircuitState interface {
	State(target string) string
}

type circuit struct {
	breaker CircuitState
	target  string
}

type Handler struct {
	checkers map[string]HealthChecker
	circuits map[string]circuit
}

func NewHandler() *Handler {
	return &Handler{
		checkers: make(map[string]HealthChecker),
		circuits: make(map[string]circuit),
	}
}

// WithHealthChecker adds a dependency pinged by verbose /health requests.
func (h *Handler) WithHealthChecker(name string, hc HealthChecker) *Handler {
	h.checkers[name] = hc
	return h
}

// WithCircuit reports the breaker state of target in verbose /health
// responses. An open circuit marks the process degraded.
func (h *Handler) WithCircuit(name string, cb CircuitState, target string) *Handler {
	h.circuits[name] = circuit{breaker: cb, target: target}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose || (len(h.checkers) == 0 && len(h.circuits) == 0) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	for _, name := range sortedKeys(h.checkers) {
		if err := h.checkers[name].PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}
	for _, name := range sortedKeys(h.circuits) {
		c := h.circuits[name]
		state := c.breaker.State(c.target)
		resp.Components[name] = state
		if state == "open" {
			resp.Status = "degraded"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Str("component", "api").Msg("json encode")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
