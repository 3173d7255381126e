package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/server/middleware"
)

// OperationReader reads flow history.
type OperationReader interface {
	GetByID(ctx context.Context, id string) (domain.OperationRecord, error)
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.OperationRecord, error)
}

// Reconciler resolves timed-out operations by receipt lookup.
type Reconciler interface {
	Reconcile(ctx context.Context, id string) (domain.OperationRecord, error)
}

// OperationHandler serves operation history and manual reconciliation.
type OperationHandler struct {
	ops        OperationReader
	reconciler Reconciler
	logger     *slog.Logger
}

// NewOperationHandler creates an OperationHandler.
func NewOperationHandler(ops OperationReader, reconciler Reconciler, logger *slog.Logger) *OperationHandler {
	return &OperationHandler{ops: ops, reconciler: reconciler, logger: logHandler(logger, "operation")}
}

type listOperationsResponse struct {
	Operations []domain.OperationRecord `json:"operations"`
}

// ListOperations returns recent operations, newest first.
// GET /api/operations?limit=50&offset=0
func (h *OperationHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.ops.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list operations failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	if ops == nil {
		ops = []domain.OperationRecord{}
	}
	writeJSON(w, http.StatusOK, listOperationsResponse{Operations: ops})
}

// GetOperation returns one operation record.
// GET /api/operations/{id}
func (h *OperationHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	middleware.Annotate(r.Context(), slog.String("operation_id", id))
	rec, err := h.ops.GetByID(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ReconcileOperation resolves a timed-out operation without resubmitting.
// POST /api/operations/{id}/reconcile
func (h *OperationHandler) ReconcileOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	middleware.Annotate(r.Context(), slog.String("operation_id", id))
	rec, err := h.reconciler.Reconcile(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *OperationHandler) writeLookupError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	h.logger.ErrorContext(r.Context(), "handler: operation lookup failed",
		slog.String("operation_id", id),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "failed to load operation")
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("handler", handler))
}
