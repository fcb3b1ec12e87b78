package observability

import (
	"encoding/json"
	"net/http"
	"sync"
)

// HealthServer serves liveness and readiness checks.
type HealthServer struct {
	mu     sync.RWMutex
	ready  bool
	reason string
}

// NewHealthServer creates a health server that is not ready.
func NewHealthServer() *HealthServer {
	return &HealthServer{reason: "starting"}
}

// SetReady marks the process as ready to receive traffic.
func (h *HealthServer) SetReady() {
	h.mu.Lock()
	h.ready, h.reason = true, ""
	h.mu.Unlock()
}

// SetNotReady marks the process as not ready, reporting reason on /readyz.
func (h *HealthServer) SetNotReady(reason string) {
	h.mu.Lock()
	h.ready, h.reason = false, reason
	h.mu.Unlock()
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *HealthServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	ready, reason := h.ready, h.reason
	h.mu.RUnlock()

	if ready {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": reason})
}

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
