// Package listing is the read-through listing projection the orchestrator
// validates against, plus the listing invariants checked before any write.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// Source reads authoritative listing state from the ledger.
type Source interface {
	Listing(ctx context.Context, id uint64) (domain.Listing, error)
}

type entry struct {
	listing domain.Listing
	fetched time.Time
}

// View caches listings between flows. Cached entries are only written by
// Refresh, which the orchestrator calls after a flow's terminal state; reads
// used for validation go through Fresh and never touch the cache.
type View struct {
	src    Source
	shared domain.ListingCache
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[uint64]entry
}

// NewView creates a View. A ttl of zero disables local expiry.
func NewView(src Source, ttl time.Duration, logger *slog.Logger) *View {
	if logger == nil {
		logger = slog.Default()
	}
	return &View{
		src:     src,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "listing_view")),
		entries: make(map[uint64]entry),
	}
}

// WithSharedCache adds a second-level cache shared between processes.
func (v *View) WithSharedCache(c domain.ListingCache) *View {
	v.shared = c
	return v
}

// Get returns a cached listing, falling back to the shared cache and then
// the ledger. Sold and cancelled listings never change, so their cached copy
// does not expire.
func (v *View) Get(ctx context.Context, id uint64) (domain.Listing, error) {
	v.mu.RLock()
	e, ok := v.entries[id]
	v.mu.RUnlock()
	if ok && (e.listing.Terminal() || v.ttl <= 0 || v.now().Sub(e.fetched) < v.ttl) {
		return e.listing, nil
	}

	if v.shared != nil {
		l, err := v.shared.Get(ctx, id)
		switch {
		case err == nil:
			v.store(l)
			return l, nil
		case !errors.Is(err, domain.ErrNotFound):
			v.logger.WarnContext(ctx, "shared listing cache read failed",
				slog.Uint64("listing_id", id), slog.String("error", err.Error()))
		}
	}
	return v.Refresh(ctx, id)
}

// Fresh reads the listing from the ledger without caching it.
func (v *View) Fresh(ctx context.Context, id uint64) (domain.Listing, error) {
	l, err := v.src.Listing(ctx, id)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing: read %d: %w", id, err)
	}
	return l, nil
}

// Refresh re-reads the listing from the ledger and replaces the cached copy.
func (v *View) Refresh(ctx context.Context, id uint64) (domain.Listing, error) {
	l, err := v.Fresh(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			v.Invalidate(ctx, id)
		}
		return domain.Listing{}, err
	}
	v.store(l)
	if v.shared != nil {
		if err := v.shared.Set(ctx, l); err != nil {
			v.logger.WarnContext(ctx, "shared listing cache write failed",
				slog.Uint64("listing_id", id), slog.String("error", err.Error()))
		}
	}
	return l, nil
}

// Invalidate drops id from both cache levels.
func (v *View) Invalidate(ctx context.Context, id uint64) {
	v.mu.Lock()
	delete(v.entries, id)
	v.mu.Unlock()
	if v.shared != nil {
		if err := v.shared.Invalidate(ctx, id); err != nil {
			v.logger.WarnContext(ctx, "shared listing cache invalidate failed",
				slog.Uint64("listing_id", id), slog.String("error", err.Error()))
		}
	}
}

func (v *View) store(l domain.Listing) {
	v.mu.Lock()
	v.entries[l.ID] = entry{listing: l, fetched: v.now()}
	v.mu.Unlock()
}
