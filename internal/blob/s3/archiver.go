package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/takarun/takaledger/internal/domain"
)

// AuditArchiveStore is the slice of the audit store the archiver needs.
type AuditArchiveStore interface {
	// ExportBefore returns up to limit entries created before the cutoff,
	// oldest first.
	ExportBefore(ctx context.Context, before time.Time, limit int) ([]domain.AuditEntry, error)
	DeleteThrough(ctx context.Context, before time.Time, maxID int64) (int64, error)
}

// MirrorArchiveStore is the slice of the mirror store the archiver needs.
// Only confirmed and abandoned jobs are ever exported.
type MirrorArchiveStore interface {
	ExportSettledBefore(ctx context.Context, before time.Time, limit int) ([]domain.MirrorJob, error)
	DeleteJobs(ctx context.Context, ids []int64) (int64, error)
}

// ArchiveImpl implements domain.Archiver. Rows older than the cutoff are
// exported in id order, written to S3 as one JSONL object per batch and
// deleted from the database once the upload succeeded.
//
// Batch object keys are derived from the id range, so a run that uploaded a
// batch but failed to delete it re-finds the object on the next run and only
// deletes.
type ArchiveImpl struct {
	writer    domain.ObjectWriter
	reader    domain.ObjectReader
	audit     AuditArchiveStore
	jobs      MirrorArchiveStore
	batchSize int
	logger    *slog.Logger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.ObjectWriter,
	reader domain.ObjectReader,
	audit AuditArchiveStore,
	jobs MirrorArchiveStore,
	batchSize int,
	logger *slog.Logger,
) *ArchiveImpl {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		audit:     audit,
		jobs:      jobs,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveAudit moves audit entries created before the cutoff to
// archive/audit/.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		entries, err := a.audit.ExportBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}
		first, last := entries[0].ID, entries[len(entries)-1].ID
		path := batchPath("audit", entries[0].CreatedAt, first, last)
		if err := upload(ctx, a, path, entries); err != nil {
			return total, err
		}
		n, err := a.audit.DeleteThrough(ctx, before, last)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive audit delete: %w", err)
		}
		total += n
		a.logger.DebugContext(ctx, "audit batch archived", slog.String("path", path), slog.Int64("rows", n))
		if len(entries) < a.batchSize {
			return total, nil
		}
	}
}

// ArchiveMirrorJobs moves settled mirror jobs last updated before the cutoff
// to archive/mirror_jobs/. Pending jobs are never archived.
func (a *ArchiveImpl) ArchiveMirrorJobs(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		jobs, err := a.jobs.ExportSettledBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive mirror jobs query: %w", err)
		}
		if len(jobs) == 0 {
			return total, nil
		}
		ids := make([]int64, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		path := batchPath("mirror_jobs", jobs[0].UpdatedAt, ids[0], ids[len(ids)-1])
		if err := upload(ctx, a, path, jobs); err != nil {
			return total, err
		}
		n, err := a.jobs.DeleteJobs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive mirror jobs delete: %w", err)
		}
		total += n
		a.logger.DebugContext(ctx, "mirror job batch archived", slog.String("path", path), slog.Int64("rows", n))
		if len(jobs) < a.batchSize {
			return total, nil
		}
	}
}

func upload[T any](ctx context.Context, a *ArchiveImpl, path string, records []T) error {
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("s3blob: archive probe %s: %w", path, err)
		}
		if exists {
			return nil
		}
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: archive marshal %s: %w", path, err)
	}
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive upload %s: %w", path, err)
	}
	return nil
}

// batchPath builds the object key of one archived batch, partitioned by the
// year-month of its oldest row.
//
//	archive/audit/2025-01/000000000001-000000001000.jsonl
func batchPath(kind string, oldest time.Time, firstID, lastID int64) string {
	return fmt.Sprintf("%s%s/%s/%012d-%012d.jsonl", domain.ArchivePrefix, kind, oldest.UTC().Format("2006-01"), firstID, lastID)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
