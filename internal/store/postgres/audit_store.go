package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/takarun/takaledger/internal/domain"
)

// AuditStore is the append-only audit_log table. Old rows leave through
// ExportBefore/DeleteThrough when the archiver moves them to object storage.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	body, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit %s: %w", event, err)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, event, body); err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first, optionally narrowed to one event type
// and a created_at window.
func (s *AuditStore) List(ctx context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	const query = `SELECT id, event, detail, created_at FROM audit_log
		WHERE ($1 = '' OR event = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY id DESC
		LIMIT NULLIF($4, 0) OFFSET $5`
	rows, err := s.pool.Query(ctx, query, event, opts.Since, opts.Until, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	return collectAudit(rows)
}

// ExportBefore returns up to limit entries created before the cutoff,
// oldest first.
func (s *AuditStore) ExportBefore(ctx context.Context, before time.Time, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, event, detail, created_at FROM audit_log
		WHERE created_at < $1 ORDER BY id LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: export audit: %w", err)
	}
	return collectAudit(rows)
}

// DeleteThrough removes entries with id <= maxID created before the cutoff.
func (s *AuditStore) DeleteThrough(ctx context.Context, before time.Time, maxID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE id <= $1 AND created_at < $2`, maxID, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete audit through %d: %w", maxID, err)
	}
	return tag.RowsAffected(), nil
}

func collectAudit(rows pgx.Rows) ([]domain.AuditEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var (
			e      domain.AuditEntry
			detail []byte
		)
		if err := row.Scan(&e.ID, &e.Event, &detail, &e.CreatedAt); err != nil {
			return e, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return e, fmt.Errorf("audit %d detail: %w", e.ID, err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: collect audit: %w", err)
	}
	return entries, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
