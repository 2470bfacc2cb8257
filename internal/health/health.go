// Package health serves the status endpoints of a running dictation session:
//
//   - /healthz: liveness; always 200 while the process serves HTTP.
//   - /readyz: 200 only when every [Checker] passes (e.g. the transcription
//     worker is not disabled and the microphone is capturing).
//   - /status: a JSON snapshot of the session (mode, threshold, worker state).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// StatusFunc returns the value served by /status. It must be safe to call
// from the HTTP server's goroutines.
type StatusFunc func() any

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	status   StatusFunc
}

// New creates a [Handler]. status may be nil, in which case /status reports
// only the readiness result.
func New(status StatusFunc, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, status: status}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.check(r.Context())
	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Status returns the session snapshot together with the readiness result.
// It always answers 200 so that a degraded session can still be inspected.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	body := struct {
		result
		Session any `json:"session,omitempty"`
	}{result: h.check(r.Context())}
	if h.status != nil {
		body.Session = h.status()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) check(ctx context.Context) result {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	return res
}

// Register adds the /healthz, /readyz and /status routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /status", h.Status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
