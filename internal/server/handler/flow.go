package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/orchestrator"
	"github.com/dushaobindoudou/bubble-sub000/internal/server/middleware"
)

// FlowService starts marketplace flows.
type FlowService interface {
	SubmitBuy(ctx context.Context, id uint64) (*orchestrator.Flow, error)
	SubmitList(ctx context.Context, p orchestrator.ListParams) (*orchestrator.Flow, error)
	SubmitCancel(ctx context.Context, id uint64) (*orchestrator.Flow, error)
}

type flowResponse struct {
	OperationID string                  `json:"operation_id"`
	Kind        domain.OperationKind    `json:"kind"`
	GuardKey    domain.GuardKey         `json:"guard_key"`
	Status      string                  `json:"status"`
	Result      *domain.OperationResult `json:"result,omitempty"`
}

// respondFlow answers 202 with the operation id, or with ?wait=true blocks
// until the flow finishes or waitTimeout passes. Giving up on the wait leaves
// the flow running.
func respondFlow(w http.ResponseWriter, r *http.Request, logger *slog.Logger, f *orchestrator.Flow, waitTimeout time.Duration) {
	middleware.Annotate(r.Context(),
		slog.String("operation_id", f.ID),
		slog.String("guard_key", string(f.Key)),
	)
	resp := flowResponse{OperationID: f.ID, Kind: f.Kind, GuardKey: f.Key, Status: "accepted"}
	if !wantsWait(r) {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()
	res, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		logger.InfoContext(r.Context(), "handler: wait gave up, flow continues",
			slog.String("operation_id", f.ID),
		)
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	resp.Status = string(res.Outcome)
	resp.Result = &res
	writeJSON(w, statusForResult(res), resp)
}
