package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSubmitError maps errors returned synchronously by a Submit* call.
func writeSubmitError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": "busy",
			"error":  err.Error(),
		})
	case errors.Is(err, domain.ErrValidationFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logger.ErrorContext(r.Context(), "handler: submit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "failed to start operation")
	}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathID parses a numeric path parameter.
func pathID(r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func wantsWait(r *http.Request) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return b
}

// statusForResult maps a terminal flow result to an HTTP status. A failed
// confirmation leaves the outcome unknown, so it is reported as accepted.
func statusForResult(res domain.OperationResult) int {
	switch {
	case res.Succeeded():
		return http.StatusOK
	case res.ErrorKind.IsValidation():
		return http.StatusUnprocessableEntity
	case res.ErrorKind == domain.KindConfirmationTimeout:
		return http.StatusAccepted
	case res.ErrorKind == domain.KindUserRejected, res.ErrorKind == domain.KindAborted:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
