package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/storage"
)

type jobRepo struct{ pool *pgxpool.Pool }

const jobColumns = `id, requester_id, assignment_id, group_id, conversation_id, urls, prompt,
	max_pages, worker_kind, assigned_agent_id, priority, status, created_at, started_at,
	completed_at, failed_at, next_retry_at, retry_count, max_retries, urls_processed,
	urls_successful, urls_failed, total_bytes, template_id, extraction_strategy,
	navigation_plan_id, last_error, soft_deleted, version`

func scanJob(row pgx.Row) (*domain.CrawlJob, error) {
	var j domain.CrawlJob
	if err := row.Scan(
		&j.ID, &j.RequesterID, &j.AssignmentID, &j.GroupID, &j.ConversationID, &j.URLs, &j.Prompt,
		&j.MaxPages, &j.WorkerKind, &j.AssignedAgentID, &j.Priority, &j.Status, &j.CreatedAt, &j.StartedAt,
		&j.CompletedAt, &j.FailedAt, &j.NextRetryAt, &j.RetryCount, &j.MaxRetries, &j.URLsProcessed,
		&j.URLsSuccessful, &j.URLsFailed, &j.TotalBytes, &j.TemplateID, &j.ExtractionStrategy,
		&j.NavigationPlanID, &j.LastError, &j.SoftDeleted, &j.Version,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *jobRepo) Insert(ctx context.Context, j *domain.CrawlJob) error {
	j.Version = 1
	_, err := q(ctx, r.pool).Exec(ctx, `
		INSERT INTO crawl_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		j.ID, j.RequesterID, j.AssignmentID, j.GroupID, j.ConversationID, j.URLs, j.Prompt,
		j.MaxPages, j.WorkerKind, j.AssignedAgentID, j.Priority, j.Status, j.CreatedAt, j.StartedAt,
		j.CompletedAt, j.FailedAt, j.NextRetryAt, j.RetryCount, j.MaxRetries, j.URLsProcessed,
		j.URLsSuccessful, j.URLsFailed, j.TotalBytes, j.TemplateID, j.ExtractionStrategy,
		j.NavigationPlanID, j.LastError, j.SoftDeleted, j.Version)
	return err
}

func (r *jobRepo) Get(ctx context.Context, id string) (*domain.CrawlJob, error) {
	row := q(ctx, r.pool).QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id=$1 AND NOT soft_deleted`, id)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return j, err
}

// Update takes a row lock for the read-mutate-write cycle, so it is atomic
// against concurrent updaters. The caller's InTx transaction is reused when
// present (keeping the transition and its outbox insert in one commit);
// otherwise Update runs in a transaction of its own.
func (r *jobRepo) Update(ctx context.Context, id string, expectedVersion int, mutate func(*domain.CrawlJob) error) (*domain.CrawlJob, error) {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return updateJobIn(ctx, tx, id, expectedVersion, mutate)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	j, err := updateJobIn(ctx, tx, id, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit(ctx)
}

func updateJobIn(ctx context.Context, tx pgx.Tx, id string, expectedVersion int, mutate func(*domain.CrawlJob) error) (*domain.CrawlJob, error) {
	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id=$1 FOR UPDATE`, id)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if j.Version != expectedVersion {
		return nil, storage.ErrConflict
	}
	if err := mutate(j); err != nil {
		return nil, err
	}
	j.Version++

	_, err = tx.Exec(ctx, `UPDATE crawl_jobs SET assigned_agent_id=$2, status=$3, started_at=$4,
		completed_at=$5, failed_at=$6, next_retry_at=$7, retry_count=$8, urls_processed=$9,
		urls_successful=$10, urls_failed=$11, total_bytes=$12, last_error=$13, version=$14,
		template_id=$15, extraction_strategy=$16, navigation_plan_id=$17
		WHERE id=$1`,
		j.ID, j.AssignedAgentID, j.Status, j.StartedAt, j.CompletedAt, j.FailedAt, j.NextRetryAt,
		j.RetryCount, j.URLsProcessed, j.URLsSuccessful, j.URLsFailed, j.TotalBytes, j.LastError,
		j.Version, j.TemplateID, j.ExtractionStrategy, j.NavigationPlanID)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (r *jobRepo) List(ctx context.Context, filter storage.JobFilter) ([]*domain.CrawlJob, error) {
	sql := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE NOT soft_deleted`
	var args []any
	n := 1
	if filter.Status != nil {
		sql += fmt.Sprintf(" AND status=$%d", n)
		args = append(args, *filter.Status)
		n++
	}
	if filter.RequesterID != nil {
		sql += fmt.Sprintf(" AND requester_id=$%d", n)
		args = append(args, *filter.RequesterID)
		n++
	}
	if filter.AssignedAgentID != nil {
		sql += fmt.Sprintf(" AND assigned_agent_id=$%d", n)
		args = append(args, *filter.AssignedAgentID)
		n++
	}
	if filter.ReadyToRetry {
		sql += " AND next_retry_at <= now()"
	}
	sql += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return r.query(ctx, sql, args...)
}

func (r *jobRepo) ListPending(ctx context.Context, limit int) ([]*domain.CrawlJob, error) {
	sql := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE NOT soft_deleted AND status=$1
		ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END, created_at ASC`
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	return r.query(ctx, sql, domain.JobPending)
}

func (r *jobRepo) ListTimedOut(ctx context.Context, horizon time.Time, limit int) ([]*domain.CrawlJob, error) {
	sql := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE NOT soft_deleted
		AND status IN ('assigned','running') AND started_at IS NOT NULL AND started_at < $1`
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	return r.query(ctx, sql, horizon)
}

func (r *jobRepo) query(ctx context.Context, sql string, args ...any) ([]*domain.CrawlJob, error) {
	rows, err := q(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.CrawlJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *jobRepo) SoftDelete(ctx context.Context, id string) error {
	tag, err := q(ctx, r.pool).Exec(ctx, `UPDATE crawl_jobs SET soft_deleted=true WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
