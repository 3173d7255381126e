package listing

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

const (
	seller = "0x2222222222222222222222222222222222222222"
	buyer  = "0x1111111111111111111111111111111111111111"
)

type countingSource struct {
	mu       sync.Mutex
	listings map[uint64]domain.Listing
	reads    int
}

func (s *countingSource) Listing(_ context.Context, id uint64) (domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	l, ok := s.listings[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, nil
}

type mapCache struct {
	items map[uint64]domain.Listing
}

func (m *mapCache) Set(_ context.Context, l domain.Listing) error { m.items[l.ID] = l; return nil }
func (m *mapCache) Get(_ context.Context, id uint64) (domain.Listing, error) {
	l, ok := m.items[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, nil
}
func (m *mapCache) Invalidate(_ context.Context, id uint64) error { delete(m.items, id); return nil }

func active(id uint64) domain.Listing {
	return domain.Listing{
		ID:        id,
		Seller:    seller,
		Price:     big.NewInt(100),
		ExpiresAt: time.Now().Add(time.Hour),
		Status:    domain.ListingStatusActive,
	}
}

func TestView_GetCachesUntilRefresh(t *testing.T) {
	src := &countingSource{listings: map[uint64]domain.Listing{1: active(1)}}
	v := NewView(src, 0, nil)
	ctx := context.Background()

	_, err := v.Get(ctx, 1)
	require.NoError(t, err)
	_, err = v.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, src.reads)

	sold := active(1)
	sold.Status = domain.ListingStatusSold
	src.listings[1] = sold

	l, _ := v.Get(ctx, 1)
	assert.Equal(t, domain.ListingStatusActive, l.Status)

	_, err = v.Refresh(ctx, 1)
	require.NoError(t, err)
	l, _ = v.Get(ctx, 1)
	assert.Equal(t, domain.ListingStatusSold, l.Status)
}

func TestView_FreshDoesNotTouchCache(t *testing.T) {
	src := &countingSource{listings: map[uint64]domain.Listing{1: active(1)}}
	v := NewView(src, 0, nil)
	ctx := context.Background()

	_, _ = v.Get(ctx, 1)
	cancelled := active(1)
	cancelled.Status = domain.ListingStatusCancelled
	src.listings[1] = cancelled

	l, err := v.Fresh(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingStatusCancelled, l.Status)

	cached, _ := v.Get(ctx, 1)
	assert.Equal(t, domain.ListingStatusActive, cached.Status)
}

func TestView_TTLExpiry(t *testing.T) {
	src := &countingSource{listings: map[uint64]domain.Listing{1: active(1)}}
	v := NewView(src, time.Minute, nil)
	now := time.Now()
	v.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = v.Get(ctx, 1)
	now = now.Add(2 * time.Minute)
	_, _ = v.Get(ctx, 1)
	assert.Equal(t, 2, src.reads)
}

func TestView_TerminalListingsDoNotExpire(t *testing.T) {
	sold := active(1)
	sold.Status = domain.ListingStatusSold
	src := &countingSource{listings: map[uint64]domain.Listing{1: sold}}
	v := NewView(src, time.Minute, nil)
	now := time.Now()
	v.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = v.Get(ctx, 1)
	now = now.Add(time.Hour)
	l, err := v.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, l.Terminal())
	assert.Equal(t, 1, src.reads)
}

func TestView_SharedCache(t *testing.T) {
	src := &countingSource{listings: map[uint64]domain.Listing{}}
	shared := &mapCache{items: map[uint64]domain.Listing{5: active(5)}}
	v := NewView(src, 0, nil).WithSharedCache(shared)
	ctx := context.Background()

	l, err := v.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), l.ID)
	assert.Zero(t, src.reads)

	_, err = v.Refresh(ctx, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotContains(t, shared.items, uint64(5))
}

func TestValidatePurchase(t *testing.T) {
	now := time.Now()

	assert.NoError(t, ValidatePurchase(active(1), buyer, now))

	expired := active(1)
	expired.ExpiresAt = now.Add(-time.Second)
	assert.ErrorIs(t, ValidatePurchase(expired, buyer, now), domain.ErrValidationFailed)

	sold := active(1)
	sold.Status = domain.ListingStatusSold
	assert.ErrorIs(t, ValidatePurchase(sold, buyer, now), domain.ErrValidationFailed)

	err := ValidatePurchase(active(1), "0x2222222222222222222222222222222222222222", now)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	assert.Contains(t, err.Error(), "seller")
}

func TestValidateBalance(t *testing.T) {
	assert.NoError(t, ValidateBalance(big.NewInt(100), big.NewInt(100)))

	err := ValidateBalance(big.NewInt(99), big.NewInt(100))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	assert.ErrorIs(t, ValidateBalance(nil, big.NewInt(1)), domain.ErrInsufficientBalance)
}

func TestValidateCancel(t *testing.T) {
	assert.NoError(t, ValidateCancel(active(1), seller))
	assert.ErrorIs(t, ValidateCancel(active(1), buyer), domain.ErrValidationFailed)

	sold := active(1)
	sold.Status = domain.ListingStatusSold
	assert.ErrorIs(t, ValidateCancel(sold, seller), domain.ErrValidationFailed)
}

func TestValidate_UnknownStatusIsRejected(t *testing.T) {
	odd := active(1)
	odd.Status = "paused"
	assert.False(t, odd.CanTransition(domain.ListingStatusSold))
	assert.ErrorIs(t, ValidatePurchase(odd, buyer, time.Now()), domain.ErrValidationFailed)
	assert.ErrorIs(t, ValidateCancel(odd, seller), domain.ErrValidationFailed)
}

func TestValidateNewListing(t *testing.T) {
	b := DefaultBounds()
	assert.NoError(t, ValidateNewListing(big.NewInt(1), big.NewInt(10), 24*time.Hour, b))
	assert.Error(t, ValidateNewListing(big.NewInt(1), big.NewInt(0), 24*time.Hour, b))
	assert.Error(t, ValidateNewListing(nil, big.NewInt(10), 24*time.Hour, b))
	assert.Error(t, ValidateNewListing(big.NewInt(1), big.NewInt(10), time.Minute, b))
	assert.Error(t, ValidateNewListing(big.NewInt(1), big.NewInt(10), 365*24*time.Hour, b))
	assert.Error(t, ValidateNewListing(big.NewInt(1), big.NewInt(10), 2*time.Hour+time.Millisecond, b))
}
