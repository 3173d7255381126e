package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/notify"
	"github.com/dushaobindoudou/bubble-sub000/internal/orchestrator"
)

// ListingReader reads listing projections.
type ListingReader interface {
	Get(ctx context.Context, id uint64) (domain.Listing, error)
	Fresh(ctx context.Context, id uint64) (domain.Listing, error)
}

// ListingHandler serves listing reads and the buy, list and cancel flows.
type ListingHandler struct {
	listings    ListingReader
	flows       FlowService
	decimals    int32
	waitTimeout time.Duration
	logger      *slog.Logger
}

// NewListingHandler creates a ListingHandler. decimals is the payment
// token's decimals, used to render and parse prices.
func NewListingHandler(listings ListingReader, flows FlowService, decimals int32, waitTimeout time.Duration, logger *slog.Logger) *ListingHandler {
	if waitTimeout <= 0 {
		waitTimeout = 2 * time.Minute
	}
	return &ListingHandler{
		listings:    listings,
		flows:       flows,
		decimals:    decimals,
		waitTimeout: waitTimeout,
		logger:      logHandler(logger, "listing"),
	}
}

type listingResponse struct {
	ID            uint64               `json:"id"`
	Seller        string               `json:"seller"`
	AssetContract string               `json:"asset_contract"`
	AssetID       string               `json:"asset_id"`
	PaymentAsset  string               `json:"payment_asset"`
	Price         string               `json:"price"`
	PriceDisplay  string               `json:"price_display"`
	CreatedAt     time.Time            `json:"created_at"`
	ExpiresAt     time.Time            `json:"expires_at"`
	Status        domain.ListingStatus `json:"status"`
	Expired       bool                 `json:"expired"`
}

func (h *ListingHandler) toResponse(l domain.Listing) listingResponse {
	asset := ""
	if l.AssetID != nil {
		asset = l.AssetID.String()
	}
	price := "0"
	if l.Price != nil {
		price = l.Price.String()
	}
	return listingResponse{
		ID:            l.ID,
		Seller:        l.Seller,
		AssetContract: l.AssetContract,
		AssetID:       asset,
		PaymentAsset:  l.PaymentAsset,
		Price:         price,
		PriceDisplay:  notify.FormatAmount(l.Price, h.decimals),
		CreatedAt:     l.CreatedAt,
		ExpiresAt:     l.ExpiresAt,
		Status:        l.Status,
		Expired:       l.Expired(time.Now()),
	}
}

// GetListing returns a listing projection. ?fresh=true bypasses the cache.
// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	read := h.listings.Get
	if fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh")); fresh {
		read = h.listings.Fresh
	}
	l, err := read(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "listing not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get listing failed",
			slog.Uint64("listing_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to read listing")
		return
	}
	writeJSON(w, http.StatusOK, h.toResponse(l))
}

// createListingRequest carries a new listing. Price is in whole payment
// token units ("1.5"); PriceUnits, when set, is the exact smallest-unit
// amount and wins.
type createListingRequest struct {
	Collection string `json:"collection"`
	AssetID    string `json:"asset_id"`
	Price      string `json:"price"`
	PriceUnits string `json:"price_units"`
	Duration   string `json:"duration"`
}

// CreateListing starts a list flow.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	assetID, ok := new(big.Int).SetString(req.AssetID, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "asset_id must be a base-10 integer")
		return
	}

	var price *big.Int
	switch {
	case req.PriceUnits != "":
		price, ok = new(big.Int).SetString(req.PriceUnits, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "price_units must be a base-10 integer")
			return
		}
	case req.Price != "":
		var err error
		price, err = notify.ParseAmount(req.Price, h.decimals)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid price: "+err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "price or price_units is required")
		return
	}

	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duration: "+err.Error())
		return
	}

	f, err := h.flows.SubmitList(r.Context(), orchestrator.ListParams{
		Collection: req.Collection,
		AssetID:    assetID,
		Price:      price,
		Duration:   d,
	})
	if err != nil {
		writeSubmitError(w, r, h.logger, err)
		return
	}
	respondFlow(w, r, h.logger, f, h.waitTimeout)
}

// BuyListing starts a buy flow.
// POST /api/listings/{id}/buy
func (h *ListingHandler) BuyListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	f, err := h.flows.SubmitBuy(r.Context(), id)
	if err != nil {
		writeSubmitError(w, r, h.logger, err)
		return
	}
	respondFlow(w, r, h.logger, f, h.waitTimeout)
}

// CancelListing starts a cancel flow.
// DELETE /api/listings/{id}
func (h *ListingHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	f, err := h.flows.SubmitCancel(r.Context(), id)
	if err != nil {
		writeSubmitError(w, r, h.logger, err)
		return
	}
	respondFlow(w, r, h.logger, f, h.waitTimeout)
}
