package pg

import (
	"context"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/storage"
)

type outboxRepo struct{ pool *pgxpool.Pool }

func (r *outboxRepo) Insert(ctx context.Context, m *domain.OutboxMessage) error {
	_, err := q(ctx, r.pool).Exec(ctx, `
		INSERT INTO outbox_messages (id, entity_id, type, payload, occurred_at, processed_at,
			retry_count, max_retries, next_retry_at, last_error, dead)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.EntityID, m.Type, m.Payload, m.OccurredAt, m.ProcessedAt, m.RetryCount,
		m.MaxRetries, m.NextRetryAt, m.LastError, m.Dead)
	return err
}

func (r *outboxRepo) ListUnprocessed(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxMessage, error) {
	rows, err := q(ctx, r.pool).Query(ctx, `
		SELECT id, entity_id, type, payload, occurred_at, processed_at, retry_count, max_retries,
			next_retry_at, last_error, dead
		FROM outbox_messages WHERE processed_at IS NULL AND NOT dead AND next_retry_at <= $1
		ORDER BY occurred_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.EntityID, &m.Type, &m.Payload, &m.OccurredAt, &m.ProcessedAt,
			&m.RetryCount, &m.MaxRetries, &m.NextRetryAt, &m.LastError, &m.Dead); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *outboxRepo) MarkProcessed(ctx context.Context, id string, processedAt time.Time) error {
	_, err := q(ctx, r.pool).Exec(ctx, `UPDATE outbox_messages SET processed_at=$2 WHERE id=$1`, id, processedAt)
	return err
}

func (r *outboxRepo) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	_, err := q(ctx, r.pool).Exec(ctx, `
		UPDATE outbox_messages SET retry_count=retry_count+1, next_retry_at=$2, last_error=$3 WHERE id=$1`,
		id, nextRetryAt, lastErr)
	return err
}

func (r *outboxRepo) MarkDead(ctx context.Context, id string, lastErr string) error {
	_, err := q(ctx, r.pool).Exec(ctx, `UPDATE outbox_messages SET dead=true, last_error=$2 WHERE id=$1`, id, lastErr)
	return err
}

type participantRepo struct{ pool *pgxpool.Pool }

func (r *participantRepo) Insert(ctx context.Context, p *domain.Participant) error {
	_, err := q(ctx, r.pool).Exec(ctx, `
		INSERT INTO participants (job_id, user_id, role, last_viewed_at, watching)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (job_id, user_id) DO NOTHING`,
		p.JobID, p.UserID, p.Role, p.LastViewedAt, p.Watching)
	return err
}

func (r *participantRepo) ListByJob(ctx context.Context, jobID string) ([]*domain.Participant, error) {
	rows, err := q(ctx, r.pool).Query(ctx, `SELECT job_id, user_id, role, last_viewed_at, watching FROM participants WHERE job_id=$1`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.JobID, &p.UserID, &p.Role, &p.LastViewedAt, &p.Watching); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *participantRepo) Get(ctx context.Context, jobID, userID string) (*domain.Participant, error) {
	var p domain.Participant
	err := q(ctx, r.pool).QueryRow(ctx, `SELECT job_id, user_id, role, last_viewed_at, watching FROM participants WHERE job_id=$1 AND user_id=$2`, jobID, userID).
		Scan(&p.JobID, &p.UserID, &p.Role, &p.LastViewedAt, &p.Watching)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return &p, err
}

type templateRepo struct{ pool *pgxpool.Pool }

func (r *templateRepo) GetActiveForDomain(ctx context.Context, host string) (*domain.Template, error) {
	rows, err := q(ctx, r.pool).Query(ctx, `SELECT id, domain_regexp, version, active, created_at FROM templates WHERE active ORDER BY version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.Template
		if err := rows.Scan(&t.ID, &t.DomainRegexp, &t.Version, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(t.DomainRegexp)
		if err != nil {
			continue
		}
		if re.MatchString(host) {
			return &t, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *templateRepo) Get(ctx context.Context, id string) (*domain.Template, error) {
	var t domain.Template
	err := q(ctx, r.pool).QueryRow(ctx, `SELECT id, domain_regexp, version, active, created_at FROM templates WHERE id=$1`, id).
		Scan(&t.ID, &t.DomainRegexp, &t.Version, &t.Active, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return &t, err
}
