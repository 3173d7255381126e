package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/listing"
)

// ListParams describes a new listing. Collection defaults to the configured
// collection contract.
type ListParams struct {
	Collection string
	AssetID    *big.Int
	Price      *big.Int
	Duration   time.Duration
}

// SubmitList offers an asset for sale. The caller must already have granted
// the marketplace transfer rights over the collection.
func (o *Orchestrator) SubmitList(ctx context.Context, p ListParams) (*Flow, error) {
	if p.Collection == "" {
		p.Collection = o.chain.Addresses().Collection
	}
	asset := "<nil>"
	if p.AssetID != nil {
		asset = p.AssetID.String()
	}
	price := "<nil>"
	if p.Price != nil {
		price = p.Price.String()
	}
	return o.start(ctx, flowSpec{
		kind:    domain.OpList,
		primary: strings.ToLower(p.Collection) + ":" + asset,
		args: map[string]string{
			"collection": p.Collection,
			"asset_id":   asset,
			"price":      price,
			"duration":   strconv.FormatInt(int64(p.Duration/time.Second), 10),
		},
		run: func(ctx context.Context, fr *flowRun) (domain.OperationResult, error) {
			return o.runList(ctx, fr, p)
		},
		after: func(ctx context.Context, res domain.OperationResult) {
			o.refreshListing(ctx, res.ListingID, domain.ListingStatusActive, res)
		},
	})
}

func (o *Orchestrator) runList(ctx context.Context, fr *flowRun, p ListParams) (domain.OperationResult, error) {
	var res domain.OperationResult
	caller := o.cfg.Account
	marketplace := o.chain.Addresses().Marketplace

	fr.state(domain.StateValidating)
	if err := listing.ValidateNewListing(p.AssetID, p.Price, p.Duration, o.cfg.Bounds); err != nil {
		return res, err
	}
	owner, err := o.chain.OwnerOf(ctx, p.Collection, p.AssetID)
	if err != nil {
		return res, err
	}
	if !domain.SameAddress(owner, caller) {
		return res, domain.Validation("validate list", "asset %s is owned by %s, not the caller", p.AssetID, owner)
	}
	approved, err := o.chain.IsApprovedForAll(ctx, p.Collection, caller, marketplace)
	if err != nil {
		return res, err
	}
	if !approved {
		return res, domain.NewError(domain.KindInsufficientAllowance, "validate list",
			fmt.Sprintf("marketplace %s is not approved to transfer assets of %s", marketplace, p.Collection), nil)
	}

	fr.state(domain.StateSubmitting)
	h, err := fr.send(ctx, o.chain.ListCall(p.Collection, p.AssetID, p.Price, p.Duration))
	res.Handle = h
	if err != nil {
		return res, err
	}
	fr.confirming(h)
	r, err := fr.wait(ctx, h)
	if err != nil {
		return res, err
	}
	if id, ok := contracts.ListedID(&r); ok {
		res.ListingID = id
	} else {
		fr.log.WarnContext(ctx, "list confirmed without a Listed event", slog.String("handle", string(h)))
	}
	return res, nil
}

// SubmitCancel withdraws listing id. Only its seller may cancel it.
func (o *Orchestrator) SubmitCancel(ctx context.Context, id uint64) (*Flow, error) {
	primary := strconv.FormatUint(id, 10)
	return o.start(ctx, flowSpec{
		kind:    domain.OpCancel,
		primary: primary,
		args:    map[string]string{"listing_id": primary},
		run: func(ctx context.Context, fr *flowRun) (domain.OperationResult, error) {
			return o.runCancel(ctx, fr, id)
		},
		after: func(ctx context.Context, res domain.OperationResult) {
			o.refreshListing(ctx, id, domain.ListingStatusCancelled, res)
		},
	})
}

func (o *Orchestrator) runCancel(ctx context.Context, fr *flowRun, id uint64) (domain.OperationResult, error) {
	var res domain.OperationResult

	fr.state(domain.StateValidating)
	l, err := o.readListing(ctx, "validate cancel", id)
	if err != nil {
		return res, err
	}
	if err := listing.ValidateCancel(l, o.cfg.Account); err != nil {
		return res, err
	}

	fr.state(domain.StateSubmitting)
	h, err := fr.send(ctx, o.chain.CancelCall(id))
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
