package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OperationStore persists flow history.
type OperationStore interface {
	Create(ctx context.Context, rec OperationRecord) error
	AttachHandle(ctx context.Context, id string, h Handle) error
	Finish(ctx context.Context, id string, res OperationResult, at time.Time) error
	GetByID(ctx context.Context, id string) (OperationRecord, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]OperationRecord, error)
	// ListUnresolved returns failed records whose outcome is unknown
	// (ConfirmationTimeout), that carry a main handle and that started
	// after since. A record timed out on its approval never submitted
	// the main call and has nothing to reconcile.
	ListUnresolved(ctx context.Context, since time.Time) ([]OperationRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]OperationRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
