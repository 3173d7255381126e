package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

var _ domain.OperationStore = (*OperationStore)(nil)

// OperationStore implements domain.OperationStore over the operations
// table.
type OperationStore struct {
	pool *pgxpool.Pool
}

// NewOperationStore creates an OperationStore backed by pool.
func NewOperationStore(pool *pgxpool.Pool) *OperationStore {
	return &OperationStore{pool: pool}
}

const operationCols = `id, kind, guard_key, caller, args, state, outcome, handle,
	approval_handle, error_kind, message, listing_id, started_at, finished_at`

const uniqueViolation = "23505"

func (s *OperationStore) Create(ctx context.Context, rec domain.OperationRecord) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("postgres: marshal operation args: %w", err)
	}
	state := rec.State
	if state == "" {
		state = domain.StateIdle
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO operations (`+operationCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, string(rec.Kind), string(rec.GuardKey), rec.Caller, args, string(state),
		string(rec.Outcome), string(rec.Handle), string(rec.ApprovalHandle),
		string(rec.ErrorKind), rec.Message, int64(rec.ListingID), rec.StartedAt, rec.FinishedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create operation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *OperationStore) AttachHandle(ctx context.Context, id string, h domain.Handle) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE operations SET handle = $1, state = $2 WHERE id = $3`,
		string(h), string(domain.StateConfirming), id)
	if err != nil {
		return fmt.Errorf("postgres: attach handle %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Finish records the terminal result. Empty handles and a zero listing id
// keep the stored values, matching OperationRecord.Apply.
func (s *OperationStore) Finish(ctx context.Context, id string, res domain.OperationResult, at time.Time) error {
	var rec domain.OperationRecord
	rec.Apply(res, at)
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations SET
			state = $1,
			outcome = $2,
			handle = COALESCE(NULLIF($3::TEXT, ''), handle),
			approval_handle = COALESCE(NULLIF($4::TEXT, ''), approval_handle),
			error_kind = $5,
			message = $6,
			listing_id = COALESCE(NULLIF($7::BIGINT, 0), listing_id),
			finished_at = $8
		WHERE id = $9`,
		string(rec.State), string(rec.Outcome), string(res.Handle), string(res.ApprovalHandle),
		string(res.ErrorKind), res.Message, int64(res.ListingID), at, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: finish operation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *OperationStore) GetByID(ctx context.Context, id string) (domain.OperationRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+operationCols+` FROM operations WHERE id = $1`, id)
	if err != nil {
		return domain.OperationRecord{}, fmt.Errorf("postgres: get operation %s: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanOperation)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OperationRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OperationRecord{}, fmt.Errorf("postgres: get operation %s: %w", id, err)
	}
	return rec, nil
}

// ListRecent returns records newest first.
func (s *OperationStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.OperationRecord, error) {
	q, args := listQuery(`SELECT `+operationCols+` FROM operations WHERE TRUE`, "started_at", opts)
	return s.query(ctx, "list operations", q, args...)
}

func (s *OperationStore) ListUnresolved(ctx context.Context, since time.Time) ([]domain.OperationRecord, error) {
	return s.query(ctx, "list unresolved", `SELECT `+operationCols+` FROM operations
		WHERE error_kind = $1 AND handle <> '' AND started_at >= $2 ORDER BY started_at`,
		string(domain.KindConfirmationTimeout), since)
}

// ListBefore returns finished records that started before before.
func (s *OperationStore) ListBefore(ctx context.Context, before time.Time) ([]domain.OperationRecord, error) {
	return s.query(ctx, "list before", `SELECT `+operationCols+` FROM operations
		WHERE finished_at IS NOT NULL AND started_at < $1 ORDER BY started_at`, before)
}

func (s *OperationStore) query(ctx context.Context, what, q string, args ...any) ([]domain.OperationRecord, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	out, err := pgx.CollectRows(rows, scanOperation)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	return out, nil
}

func scanOperation(row pgx.CollectableRow) (domain.OperationRecord, error) {
	var (
		r                                           domain.OperationRecord
		kind, key, state, outcome, handle, approval string
		errKind                                     string
		args                                        []byte
		listingID                                   int64
	)
	err := row.Scan(&r.ID, &kind, &key, &r.Caller, &args, &state, &outcome, &handle,
		&approval, &errKind, &r.Message, &listingID, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return r, err
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &r.Args); err != nil {
			return r, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	r.Kind = domain.OperationKind(kind)
	r.GuardKey = domain.GuardKey(key)
	r.State = domain.FlowState(state)
	r.Outcome = domain.Outcome(outcome)
	r.Handle = domain.Handle(handle)
	r.ApprovalHandle = domain.Handle(approval)
	r.ErrorKind = domain.ErrorKind(errKind)
	r.ListingID = uint64(listingID)
	return r, nil
}
