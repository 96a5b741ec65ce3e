package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/takarun/takaledger/internal/domain"
)

// MirrorStore implements domain.MirrorStore using PostgreSQL.
type MirrorStore struct {
	pool *pgxpool.Pool
}

// NewMirrorStore creates a new MirrorStore backed by the given connection pool.
func NewMirrorStore(pool *pgxpool.Pool) *MirrorStore {
	return &MirrorStore{pool: pool}
}

// enqueueJob inserts the job unless (category, ref) exists, then marks the
// entity pending. It returns the stored job.
func enqueueJob(ctx context.Context, q querier, category domain.MirrorCategory, ref, uid string) (domain.MirrorJob, error) {
	const insert = `INSERT INTO mirror_jobs (category, entity_ref, user_id) VALUES ($1, $2, $3)
		ON CONFLICT (category, entity_ref) DO NOTHING`
	tag, err := q.Exec(ctx, insert, category, ref, uid)
	if err != nil {
		return domain.MirrorJob{}, fmt.Errorf("postgres: enqueue %s/%s: %w", category, ref, err)
	}
	job, err := scanJob(q.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM mirror_jobs WHERE category = $1 AND entity_ref = $2`, category, ref))
	if err != nil {
		return job, fmt.Errorf("postgres: load job %s/%s: %w", category, ref, err)
	}
	if tag.RowsAffected() == 1 {
		if err := markEntity(ctx, q, job, domain.MirrorOutcome{State: domain.MirrorPending}); err != nil {
			return job, err
		}
	}
	return job, nil
}

// markEntity copies a job outcome onto the ledger entity it mirrors.
func markEntity(ctx context.Context, q querier, j domain.MirrorJob, out domain.MirrorOutcome) error {
	var (
		query string
		args  []any
	)
	switch j.Category {
	case domain.CategoryMarketCreate:
		var onChainID *int64
		if out.OnChainID != nil {
			id := int64(*out.OnChainID)
			onChainID = &id
		}
		query = `UPDATE markets SET chain_mirror_state = $2, on_chain_id = COALESCE(on_chain_id, $3) WHERE id = $1`
		args = []any{j.EntityRef, out.State, onChainID}
	case domain.CategoryBet:
		query = `UPDATE bets SET chain_mirror_state = $2 WHERE id = $1`
		args = []any{j.EntityRef, out.State}
	case domain.CategoryReward:
		query = `UPDATE activities SET chain_mirror_state = $2 WHERE id = $1`
		args = []any{j.EntityRef, out.State}
	case domain.CategoryClaim:
		marketID, uid, err := domain.ParseClaimRef(j.EntityRef)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		switch out.State {
		case domain.MirrorPending:
			query = `UPDATE bets SET claim_status = 'pending'
				WHERE market_id = $1 AND user_id = $2 AND payout > 0 AND claim_status <> 'claimed'`
			args = []any{marketID, uid}
		case domain.MirrorConfirmed:
			query = `UPDATE bets SET claim_status = 'claimed', claim_tx_hash = $3
				WHERE market_id = $1 AND user_id = $2 AND payout > 0`
			args = []any{marketID, uid, out.TxHash}
		default:
			return nil
		}
	default:
		return nil
	}
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: mark %s %s: %w", j.Category, j.EntityRef, err)
	}
	return nil
}

func (s *MirrorStore) Get(ctx context.Context, category domain.MirrorCategory, ref string) (domain.MirrorJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM mirror_jobs WHERE category = $1 AND entity_ref = $2`, category, ref))
	if err != nil {
		return j, notFound(err, "mirror job", string(category)+"/"+ref)
	}
	return j, nil
}

func (s *MirrorStore) Enqueue(ctx context.Context, category domain.MirrorCategory, ref, uid string) (domain.MirrorJob, error) {
	var job domain.MirrorJob
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		job, err = enqueueJob(ctx, tx, category, ref, uid)
		return err
	})
	return job, err
}

func (s *MirrorStore) ListPending(ctx context.Context, category domain.MirrorCategory, limit int) ([]domain.MirrorJob, error) {
	const query = `SELECT ` + jobColumns + ` FROM mirror_jobs
		WHERE category = $1 AND state = 'pending' ORDER BY id LIMIT $2`
	rows, err := s.pool.Query(ctx, query, category, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending %s: %w", category, err)
	}
	return collectJobs(rows)
}

// Record applies out to the job and its entity in one transaction. A job
// that already left the pending state is not overwritten.
func (s *MirrorStore) Record(ctx context.Context, job domain.MirrorJob, out domain.MirrorOutcome) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var lastRetry *time.Time
		if !out.AttemptedAt.IsZero() {
			lastRetry = &out.AttemptedAt
		}
		const update = `UPDATE mirror_jobs SET
				state = $3,
				retry_count = $4,
				last_retry_at = COALESCE($5, last_retry_at),
				tx_hash = CASE WHEN $6 = '' THEN tx_hash ELSE $6 END,
				last_error = $7,
				updated_at = NOW()
			WHERE category = $1 AND entity_ref = $2 AND state = 'pending'
			RETURNING ` + jobColumns
		updated, err := scanJob(tx.QueryRow(ctx, update,
			job.Category, job.EntityRef, out.State, out.RetryCount, lastRetry, out.TxHash, out.Err))
		if err != nil {
			return notFound(err, "pending mirror job", string(job.Category)+"/"+job.EntityRef)
		}
		return markEntity(ctx, tx, updated, out)
	})
}

func (s *MirrorStore) SyncWatermark(ctx context.Context, uid string) (domain.SyncWatermark, error) {
	var m domain.SyncWatermark
	err := s.pool.QueryRow(ctx, `SELECT
			COALESCE(bool_or(state = 'pending'), false),
			COALESCE(MAX(id), 0)
		FROM mirror_jobs WHERE user_id = $1`, uid).Scan(&m.Pending, &m.LastJobID)
	if err != nil {
		return m, fmt.Errorf("postgres: sync watermark %s: %w", uid, err)
	}
	return m, nil
}

func (s *MirrorStore) Counts(ctx context.Context) (map[domain.MirrorCategory]domain.CategoryCounts, error) {
	rows, err := s.pool.Query(ctx, `SELECT category, state, COUNT(*) FROM mirror_jobs GROUP BY category, state`)
	if err != nil {
		return nil, fmt.Errorf("postgres: mirror counts: %w", err)
	}
	defer rows.Close()

	counts := map[domain.MirrorCategory]domain.CategoryCounts{}
	for _, c := range domain.Categories {
		counts[c] = domain.CategoryCounts{}
	}
	for rows.Next() {
		var (
			cat   domain.MirrorCategory
			state domain.MirrorState
			n     int64
		)
		if err := rows.Scan(&cat, &state, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan mirror count: %w", err)
		}
		c := counts[cat]
		switch state {
		case domain.MirrorPending:
			c.Pending = n
		case domain.MirrorAbandoned:
			c.Abandoned = n
		case domain.MirrorConfirmed:
			c.Confirmed = n
		}
		counts[cat] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: mirror count rows: %w", err)
	}
	return counts, nil
}

func (s *MirrorStore) ListAbandoned(ctx context.Context, opts domain.ListOpts) ([]domain.MirrorJob, error) {
	query := `SELECT ` + jobColumns + ` FROM mirror_jobs WHERE state = 'abandoned'`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list abandoned: %w", err)
	}
	return collectJobs(rows)
}

// ExportSettledBefore returns confirmed and abandoned jobs last updated
// before the cutoff, oldest first.
func (s *MirrorStore) ExportSettledBefore(ctx context.Context, before time.Time, limit int) ([]domain.MirrorJob, error) {
	const query = `SELECT ` + jobColumns + ` FROM mirror_jobs
		WHERE state IN ('confirmed', 'abandoned') AND updated_at < $1 ORDER BY id LIMIT $2`
	rows, err := s.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: export mirror jobs: %w", err)
	}
	return collectJobs(rows)
}

// DeleteJobs removes archived jobs by id.
func (s *MirrorStore) DeleteJobs(ctx context.Context, ids []int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mirror_jobs WHERE id = ANY($1) AND state <> 'pending'`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete mirror jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.MirrorStore = (*MirrorStore)(nil)
