package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/listing"
)

// SubmitBuy purchases listing id. The listing's price is validated against
// a fresh read but only the id is sent: price and terms are taken on-chain,
// so a listing that changed after validation fails atomically.
func (o *Orchestrator) SubmitBuy(ctx context.Context, id uint64) (*Flow, error) {
	primary := strconv.FormatUint(id, 10)
	return o.start(ctx, flowSpec{
		kind:    domain.OpBuy,
		primary: primary,
		args:    map[string]string{"listing_id": primary},
		run: func(ctx context.Context, fr *flowRun) (domain.OperationResult, error) {
			return o.runBuy(ctx, fr, id)
		},
		after: func(ctx context.Context, res domain.OperationResult) {
			o.refreshListing(ctx, id, domain.ListingStatusSold, res)
		},
	})
}

func (o *Orchestrator) runBuy(ctx context.Context, fr *flowRun, id uint64) (domain.OperationResult, error) {
	var res domain.OperationResult
	buyer := o.cfg.Account

	fr.state(domain.StateValidating)
	l, err := o.readListing(ctx, "validate buy", id)
	if err != nil {
		return res, err
	}
	if err := listing.ValidatePurchase(l, buyer, o.now()); err != nil {
		return res, err
	}
	balance, err := o.chain.Balance(ctx, l.PaymentAsset, buyer)
	if err != nil {
		return res, err
	}
	if err := listing.ValidateBalance(balance, l.Price); err != nil {
		return res, err
	}

	marketplace := o.chain.Addresses().Marketplace
	decision, err := o.gate.Ensure(ctx, buyer, marketplace, l.PaymentAsset, l.Price)
	if err != nil {
		return res, err
	}
	if !decision.Sufficient {
		fr.log.InfoContext(ctx, "approval needed",
			slog.String("current", decision.Current.String()),
			slog.String("recommended", decision.Recommended.String()),
			slog.String("disclosure", decision.Disclosure),
		)
		fr.approving(decision.Recommended, decision.Disclosure)
		h, err := fr.send(ctx, o.chain.ApproveCall(l.PaymentAsset, marketplace, decision.Recommended))
		res.ApprovalHandle = h
		if err != nil {
			return res, err
		}
		fr.confirming(h)
		if _, err := fr.wait(ctx, h); err != nil {
			if errors.Is(err, domain.ErrConfirmationTimeout) {
				return res, domain.NewError(domain.KindConfirmationTimeout, "approve",
					"approval outcome unknown; purchase not submitted", err)
			}
			return res, err
		}
		if _, err := o.gate.Verify(ctx, buyer, marketplace, l.PaymentAsset, l.Price); err != nil {
			return res, err
		}
	}

	fr.state(domain.StateSubmitting)
	h, err := fr.send(ctx, o.chain.BuyCall(id))
	res.Handle = h
	if err != nil {
		return res, err
	}
	fr.confirming(h)
	if _, err := fr.wait(ctx, h); err != nil {
		return res, err
	}
	res.ListingID = id
	return res, nil
}

// readListing maps a missing listing to ValidationFailed.
func (o *Orchestrator) readListing(ctx context.Context, op string, id uint64) (domain.Listing, error) {
	l, err := o.view.Fresh(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Listing{}, domain.Validation(op, "listing %d does not exist", id)
	}
	return l, err
}
