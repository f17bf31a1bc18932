package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/dkvstore/pkg/health"
	"github.com/cuemby/dkvstore/pkg/metrics"
)

// Readiness reports self-registration completion (membership.Manager.Ready).
type Readiness interface {
	Ready() bool
}

// HealthServer exposes /health (liveness, via an actor Checker),
// /ready (self-registration completion), and /metrics.
type HealthServer struct {
	checker health.Checker
	ready   Readiness
	mux     *http.ServeMux
}

// NewHealthServer builds the health/ready/metrics HTTP surface.
func NewHealthServer(checker health.Checker, ready Readiness) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{checker: checker, ready: ready, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse represents the /health response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// ReadyResponse represents the /ready response.
type ReadyResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// healthHandler is a liveness check: the actor must answer its inbox
// round-trip within the checker's timeout.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result := hs.checker.Check(r.Context())

	status := "healthy"
	statusCode := http.StatusOK
	if !result.Healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Timestamp: result.CheckedAt,
		Message:   result.Message,
	})
}

// readyHandler reports whether self-registration (membership.Manager.Ready)
// has completed; a node that hasn't seen itself in `members` yet should
// not receive client traffic.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "ready"
	statusCode := http.StatusOK
	if hs.ready == nil || !hs.ready.Ready() {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
	})
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
