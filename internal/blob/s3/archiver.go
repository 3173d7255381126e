package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

var _ domain.Archiver = (*Archiver)(nil)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 << 20
)

// Archiver copies finished operations and audit rows older than a cutoff
// to object storage as JSONL at archive/<kind>/<YYYY-MM>/<YYYY-MM-DD>.jsonl,
// one object per cutoff day. A run whose object already exists is skipped.
// Rows stay in the database; pruning them is a separate step.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	ops    domain.OperationStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver. Each run is also recorded in audit.
func NewArchiver(w domain.BlobWriter, r domain.BlobReader, ops domain.OperationStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		writer: w,
		reader: r,
		ops:    ops,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

func (a *Archiver) ArchiveOperations(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.ops.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive operations query: %w", err)
	}
	return archive(ctx, a, "operations", before, recs)
}

func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	return archive(ctx, a, "audit", before, entries)
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	path := ArchivePath(kind, before)
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if exists {
			a.logger.DebugContext(ctx, "archive already written", slog.String("path", path))
			return 0, nil
		}
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), MinPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	a.logger.InfoContext(ctx, "archived",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int64("count", count),
	)
	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit: %w", kind, err)
	}
	return count, nil
}

// ArchivePath is the object key for kind's archive with the given cutoff.
func ArchivePath(kind string, before time.Time) string {
	b := before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, b.Format("2006-01"), b.Format("2006-01-02"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
