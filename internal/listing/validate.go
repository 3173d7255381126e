package listing

import (
	"math/big"
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// Bounds limits the lifetime of new listings.
type Bounds struct {
	MinDuration time.Duration
	MaxDuration time.Duration
}

// DefaultBounds allows listings between one hour and 30 days.
func DefaultBounds() Bounds {
	return Bounds{MinDuration: time.Hour, MaxDuration: 30 * 24 * time.Hour}
}

// ValidatePurchase checks l can be bought by buyer at now.
func ValidatePurchase(l domain.Listing, buyer string, now time.Time) error {
	const op = "validate buy"
	if !l.CanTransition(domain.ListingStatusSold) {
		return domain.Validation(op, "listing %d is %s", l.ID, l.Status)
	}
	if l.Expired(now) {
		return domain.Validation(op, "listing %d expired at %s", l.ID, l.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if l.IsSeller(buyer) {
		return domain.Validation(op, "seller cannot buy own listing %d", l.ID)
	}
	if l.Price == nil || l.Price.Sign() <= 0 {
		return domain.Validation(op, "listing %d has no price", l.ID)
	}
	return nil
}

// ValidateBalance checks the buyer can pay price.
func ValidateBalance(balance, price *big.Int) error {
	if balance == nil || balance.Cmp(price) < 0 {
		have := "0"
		if balance != nil {
			have = balance.String()
		}
		return domain.NewError(domain.KindInsufficientBalance, "validate buy",
			"balance "+have+" is below price "+price.String(), nil)
	}
	return nil
}

// ValidateCancel checks l can be withdrawn by caller.
func ValidateCancel(l domain.Listing, caller string) error {
	const op = "validate cancel"
	if !l.CanTransition(domain.ListingStatusCancelled) {
		return domain.Validation(op, "listing %d is %s", l.ID, l.Status)
	}
	if !l.IsSeller(caller) {
		return domain.Validation(op, "caller is not the seller of listing %d", l.ID)
	}
	return nil
}

// ValidateNewListing checks price and duration of a listing to be created.
func ValidateNewListing(assetID, price *big.Int, duration time.Duration, b Bounds) error {
	const op = "validate list"
	if assetID == nil || assetID.Sign() < 0 {
		return domain.Validation(op, "asset id is required")
	}
	if price == nil || price.Sign() <= 0 {
		return domain.Validation(op, "price must be positive")
	}
	if b.MinDuration > 0 && duration < b.MinDuration {
		return domain.Validation(op, "duration %s is shorter than %s", duration, b.MinDuration)
	}
	if b.MaxDuration > 0 && duration > b.MaxDuration {
		return domain.Validation(op, "duration %s is longer than %s", duration, b.MaxDuration)
	}
	if duration%time.Second != 0 {
		return domain.Validation(op, "duration %s must be whole seconds", duration)
	}
	return nil
}
