// Package memory provides process-local OperationStore and AuditStore
// implementations, used when no database is configured (deploy runs, tests).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

var (
	_ domain.OperationStore = (*OperationStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)

// OperationStore keeps operation records in a map.
type OperationStore struct {
	mu   sync.RWMutex
	recs map[string]domain.OperationRecord
}

// NewOperationStore creates an empty OperationStore.
func NewOperationStore() *OperationStore {
	return &OperationStore{recs: make(map[string]domain.OperationRecord)}
}

func (s *OperationStore) Create(_ context.Context, rec domain.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.recs[rec.ID] = rec
	return nil
}

func (s *OperationStore) AttachHandle(_ context.Context, id string, h domain.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Handle = h
	rec.State = domain.StateConfirming
	s.recs[id] = rec
	return nil
}

func (s *OperationStore) Finish(_ context.Context, id string, res domain.OperationResult, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Apply(res, at)
	s.recs[id] = rec
	return nil
}

func (s *OperationStore) GetByID(_ context.Context, id string) (domain.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return domain.OperationRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

// ListRecent returns records newest first.
func (s *OperationStore) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.OperationRecord, error) {
	out := s.filter(func(r domain.OperationRecord) bool {
		if opts.Since != nil && r.StartedAt.Before(*opts.Since) {
			return false
		}
		if opts.Until != nil && !r.StartedAt.Before(*opts.Until) {
			return false
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, opts), nil
}

func (s *OperationStore) ListUnresolved(_ context.Context, since time.Time) ([]domain.OperationRecord, error) {
	out := s.filter(func(r domain.OperationRecord) bool {
		return r.ErrorKind == domain.KindConfirmationTimeout && r.Handle != "" && !r.StartedAt.Before(since)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ListBefore returns finished records that started before before.
func (s *OperationStore) ListBefore(_ context.Context, before time.Time) ([]domain.OperationRecord, error) {
	out := s.filter(func(r domain.OperationRecord) bool {
		return r.FinishedAt != nil && r.StartedAt.Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *OperationStore) filter(keep func(domain.OperationRecord) bool) []domain.OperationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.OperationRecord
	for _, r := range s.recs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// AuditStore keeps audit entries in a slice.
type AuditStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{now: time.Now}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, domain.AuditEntry{ID: s.nextID, Event: event, Detail: detail, CreatedAt: s.now().UTC()})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i])
	}
	s.mu.RUnlock()
	return page(out, opts), nil
}

func (s *AuditStore) ListBefore(_ context.Context, before time.Time) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for _, e := range s.entries {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}
