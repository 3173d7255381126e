package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/notify"
)

// ErrNoHistory is returned by reconciliation without an operation store.
var ErrNoHistory = errors.New("orchestrator: no operation history configured")

// Reconcile resolves an operation that ended in ConfirmationTimeout with a
// read-only receipt lookup. It never resubmits. Records in any other state,
// or whose receipt is still absent, are returned unchanged.
func (o *Orchestrator) Reconcile(ctx context.Context, id string) (domain.OperationRecord, error) {
	if o.history == nil {
		return domain.OperationRecord{}, ErrNoHistory
	}
	rec, err := o.history.GetByID(ctx, id)
	if err != nil {
		return domain.OperationRecord{}, fmt.Errorf("orchestrator: load operation %s: %w", id, err)
	}
	if rec.ErrorKind != domain.KindConfirmationTimeout || rec.Handle == "" {
		return rec, nil
	}

	log := o.logger.With(slog.String("operation_id", rec.ID), slog.String("handle", string(rec.Handle)))
	r, werr := o.waiter.Resolve(ctx, rec.Handle)
	if domain.KindOf(werr) == domain.KindConfirmationTimeout {
		log.DebugContext(ctx, "operation still unresolved")
		return rec, nil
	}

	res := domain.OperationResult{Handle: rec.Handle, ApprovalHandle: rec.ApprovalHandle, ListingID: rec.ListingID}
	if werr != nil {
		res.Outcome = domain.OutcomeFailure
		res.ErrorKind = domain.KindOf(werr)
		res.Message = werr.Error()
	} else {
		res.Outcome = domain.OutcomeSuccess
		res.Message = "resolved by receipt lookup after confirmation timeout"
		if rec.Kind == domain.OpList {
			if lid, ok := contracts.ListedID(&r); ok {
				res.ListingID = lid
			}
		}
	}

	now := o.now().UTC()
	if err := o.history.Finish(ctx, rec.ID, res, now); err != nil {
		return rec, fmt.Errorf("orchestrator: record reconciliation %s: %w", rec.ID, err)
	}
	rec.Apply(res, now)
	log.InfoContext(ctx, "operation reconciled", slog.String("outcome", string(res.Outcome)))

	if o.audit != nil {
		if err := o.audit.Log(ctx, "operation_reconciled", map[string]any{
			"operation_id": rec.ID,
			"kind":         string(rec.Kind),
			"handle":       string(rec.Handle),
			"outcome":      string(res.Outcome),
			"error_kind":   string(res.ErrorKind),
		}); err != nil {
			log.WarnContext(ctx, "audit reconciliation failed", slog.String("error", err.Error()))
		}
	}

	if lid := listingIDOf(rec); lid != 0 {
		want := domain.ListingStatus("")
		switch rec.Kind {
		case domain.OpBuy:
			want = domain.ListingStatusSold
		case domain.OpCancel:
			want = domain.ListingStatusCancelled
		}
		o.refreshListing(ctx, lid, want, res)
	}
	return rec, nil
}

// ReconcileResult summarises a sweep.
type ReconcileResult struct {
	Checked  int
	Resolved int
	Failed   int
}

// ReconcileUnresolved sweeps every ConfirmationTimeout operation started
// after since.
func (o *Orchestrator) ReconcileUnresolved(ctx context.Context, since time.Time) (ReconcileResult, error) {
	var out ReconcileResult
	if o.history == nil {
		return out, ErrNoHistory
	}
	recs, err := o.history.ListUnresolved(ctx, since)
	if err != nil {
		return out, fmt.Errorf("orchestrator: list unresolved: %w", err)
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Checked++
		got, err := o.Reconcile(ctx, rec.ID)
		if err != nil {
			out.Failed++
			o.logger.WarnContext(ctx, "reconcile failed",
				slog.String("operation_id", rec.ID), slog.String("error", err.Error()))
			continue
		}
		if got.ErrorKind != domain.KindConfirmationTimeout {
			out.Resolved++
		}
	}
	return out, nil
}

func listingIDOf(rec domain.OperationRecord) uint64 {
	if rec.ListingID != 0 {
		return rec.ListingID
	}
	id, err := strconv.ParseUint(rec.Args["listing_id"], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// notify reports a terminal outcome to operators.
func (o *Orchestrator) notify(ctx context.Context, f *Flow, args map[string]string, res domain.OperationResult) {
	if o.notifier == nil {
		return
	}
	event, title := EventFlowSuccess, fmt.Sprintf("%s succeeded", f.Kind)
	switch {
	case res.ErrorKind == domain.KindConfirmationTimeout:
		event, title = EventConfirmationTimeout, fmt.Sprintf("%s outcome unknown", f.Kind)
	case !res.Succeeded():
		event, title = EventFlowFailed, fmt.Sprintf("%s failed", f.Kind)
	}

	msg := fmt.Sprintf("operation %s (%s)", f.ID, f.Key)
	if p, ok := new(big.Int).SetString(args["price"], 10); ok {
		msg += "\nprice: " + notify.FormatAmount(p, o.cfg.PaymentDecimals)
	}
	if res.ListingID != 0 {
		msg += fmt.Sprintf("\nlisting: %d", res.ListingID)
	}
	if res.Handle != "" {
		msg += "\ntx: " + string(res.Handle)
	}
	if res.Message != "" {
		msg += "\n" + res.Message
	}
	if err := o.notifier.Notify(ctx, event, title, msg); err != nil {
		o.logger.WarnContext(ctx, "notify failed", slog.String("operation_id", f.ID), slog.String("error", err.Error()))
	}
}
