package domain

import (
	"math/big"
	"strings"
	"time"
)

// ListingStatus tracks the on-chain listing lifecycle.
type ListingStatus string

const (
	ListingStatusActive    ListingStatus = "active"
	ListingStatusSold      ListingStatus = "sold"
	ListingStatusCancelled ListingStatus = "cancelled"
)

// Listing is an offer to sell one non-fungible asset for a price in a
// fungible payment asset. It is a projection of ledger state; nothing in
// this module mutates it locally.
type Listing struct {
	ID            uint64
	Seller        string
	AssetContract string
	AssetID       *big.Int
	PaymentAsset  string
	Price         *big.Int // smallest unit of PaymentAsset
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Status        ListingStatus
}

// Terminal reports whether the listing can no longer change state.
func (l Listing) Terminal() bool {
	return l.Status == ListingStatusSold || l.Status == ListingStatusCancelled
}

// Expired reports whether the listing's expiry has passed at now. Expiry is
// soft: the stored status stays active.
func (l Listing) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// CanTransition enforces monotonic status changes: only active listings move,
// and only to sold or cancelled.
func (l Listing) CanTransition(to ListingStatus) bool {
	if l.Status != ListingStatusActive {
		return false
	}
	return to == ListingStatusSold || to == ListingStatusCancelled
}

// IsSeller compares addresses case-insensitively.
func (l Listing) IsSeller(addr string) bool {
	return SameAddress(l.Seller, addr)
}

// SameAddress compares two hex addresses ignoring case and 0x prefix.
func SameAddress(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X"))
	}
	return norm(a) != "" && norm(a) == norm(b)
}

// AllowanceState is the amount Spender may move of Owner's Asset. Each
// approval replaces Amount rather than adding to it.
type AllowanceState struct {
	Owner   string
	Spender string
	Asset   string
	Amount  *big.Int
}

// Covers reports whether the allowance is at least required.
func (a AllowanceState) Covers(required *big.Int) bool {
	if required == nil || required.Sign() <= 0 {
		return true
	}
	if a.Amount == nil {
		return false
	}
	return a.Amount.Cmp(required) >= 0
}
