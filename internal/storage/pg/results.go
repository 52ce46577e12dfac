package pg

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caiatech/crawlorc/internal/domain"
)

type resultRepo struct{ pool *pgxpool.Pool }

func (r *resultRepo) Insert(ctx context.Context, res *domain.CrawlResult) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	_, err := q(ctx, r.pool).Exec(ctx, `
		INSERT INTO crawl_results (id, job_id, url, success, status_code, content_size, content_hash, extracted, error_detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		res.ID, res.JobID, res.URL, res.Success, res.StatusCode, res.ContentSize, res.ContentHash,
		res.Extracted, res.ErrorDetail, res.CreatedAt)
	return err
}

func (r *resultRepo) ListByJob(ctx context.Context, jobID string) ([]*domain.CrawlResult, error) {
	rows, err := q(ctx, r.pool).Query(ctx, `
		SELECT id, job_id, url, success, status_code, content_size, content_hash, extracted, error_detail, created_at
		FROM crawl_results WHERE job_id=$1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.CrawlResult
	for rows.Next() {
		var res domain.CrawlResult
		if err := rows.Scan(&res.ID, &res.JobID, &res.URL, &res.Success, &res.StatusCode,
			&res.ContentSize, &res.ContentHash, &res.Extracted, &res.ErrorDetail, &res.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}

func (r *resultRepo) CountByJob(ctx context.Context, jobID string) (int, int, int, error) {
	var total, success, failed int
	err := q(ctx, r.pool).QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE success), count(*) FILTER (WHERE NOT success)
		FROM crawl_results WHERE job_id=$1`, jobID).Scan(&total, &success, &failed)
	return total, success, failed, err
}
