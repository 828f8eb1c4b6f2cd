package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker backs /healthz and /readyz. The service is not ready until
// the event log has been replayed and the workers are running; while
// replaying, /readyz reports the last replayed sequence.
type HealthChecker struct {
	ready     atomic.Bool
	replayed  atomic.Int64
	startedAt time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startedAt: time.Now()}
}

// SetReady flips readiness. Shutdown sets it back to false before draining.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// SetReplayed records startup replay progress.
func (h *HealthChecker) SetReplayed(sequence int64) {
	h.replayed.Store(sequence)
}

// LivenessHandler answers 200 for as long as the process can serve HTTP.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, healthBody{
		Status: "alive",
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 200 once ready and 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ready", ReplayedSequence: h.replayed.Load()}
	code := http.StatusOK
	if !h.ready.Load() {
		body.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, body)
}

type healthBody struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime,omitempty"`
	ReplayedSequence int64  `json:"replayed_sequence,omitempty"`
}

func writeHealth(w http.ResponseWriter, code int, body healthBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
