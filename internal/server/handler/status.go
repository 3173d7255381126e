package handler

import (
	"net/http"
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/confirm"
)

// StatusSource reports the orchestrator's runtime state.
type StatusSource interface {
	Account() string
	Policy() confirm.Policy
	Active() int64
}

// StatusHandler serves the backend status for operators.
type StatusHandler struct {
	src       StatusSource
	mode      string
	network   string
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSource, mode, network string) *StatusHandler {
	return &StatusHandler{src: src, mode: mode, network: network, startedAt: time.Now().UTC()}
}

// GetStatus responds with the acting account, confirmation policy and
// number of running flows.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	p := h.src.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":                   h.mode,
		"network":                h.network,
		"account":                h.src.Account(),
		"required_confirmations": p.RequiredConfirmations,
		"confirmation_timeout":   p.Timeout.String(),
		"active_flows":           h.src.Active(),
		"uptime_seconds":         int64(time.Since(h.startedAt).Seconds()),
	})
}
