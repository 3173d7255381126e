package orchestrator

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// flowRun is the per-flow state shared by the step helpers.
type flowRun struct {
	o    *Orchestrator
	flow *Flow
	log  *slog.Logger
}

func (fr *flowRun) emit(t domain.Transition) {
	t.OperationID = fr.flow.ID
	t.Kind = fr.flow.Kind
	t.GuardKey = fr.flow.Key
	t.At = fr.o.now().UTC()
	// The buffer covers every state a flow can emit.
	select {
	case fr.flow.transitions <- t:
	default:
		fr.log.Warn("transition dropped", slog.String("state", string(t.State)))
	}
	fr.o.publish(context.Background(), t)
}

func (fr *flowRun) state(s domain.FlowState) {
	fr.emit(domain.Transition{State: s})
}

func (fr *flowRun) approving(amount *big.Int, disclosure string) {
	fr.emit(domain.Transition{State: domain.StateApproving, Amount: cloneAmount(amount), Message: disclosure})
}

func (fr *flowRun) confirming(h domain.Handle) {
	fr.emit(domain.Transition{State: domain.StateConfirming, Handle: h})
}

// send submits call exactly once. A network error reported after the ledger
// assigned a handle is ambiguous: the call may be on its way, so the flow
// continues to a read-only wait on that handle instead of failing or
// resubmitting.
func (fr *flowRun) send(ctx context.Context, call domain.Call) (domain.Handle, error) {
	if fr.flow.aborted.Load() {
		return "", domain.NewError(domain.KindAborted, "submit "+call.Method, "flow aborted before submission", nil)
	}

	h, err := fr.o.chain.Submit(ctx, call)
	if err != nil {
		if h == "" || !domain.IsNetwork(err) {
			if domain.KindOf(err) == "" {
				return h, domain.NewError(domain.KindNetwork, "submit "+call.Method, err.Error(), err)
			}
			return h, err
		}
		fr.log.WarnContext(ctx, "submission outcome ambiguous, waiting on handle",
			slog.String("method", call.Method),
			slog.String("handle", string(h)),
			slog.String("error", err.Error()),
		)
	}

	fr.log.InfoContext(ctx, "call submitted", slog.String("method", call.Method), slog.String("handle", string(h)))
	if aerr := fr.o.guard.Attach(ctx, fr.flow.Key, h); aerr != nil {
		fr.log.WarnContext(ctx, "attach handle to guard failed", slog.String("error", aerr.Error()))
	}
	if fr.o.history != nil && call.Kind != domain.OpApprove {
		if herr := fr.o.history.AttachHandle(ctx, fr.flow.ID, h); herr != nil {
			fr.log.WarnContext(ctx, "record handle failed", slog.String("error", herr.Error()))
		}
	}
	return h, nil
}

func (fr *flowRun) wait(ctx context.Context, h domain.Handle) (domain.Receipt, error) {
	return fr.o.waiter.Wait(ctx, h, fr.o.policy)
}
