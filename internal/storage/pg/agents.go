package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/storage"
)

type agentRepo struct{ pool *pgxpool.Pool }

const agentColumns = `id, worker_kind, status, max_concurrent, current_job_count, last_heartbeat,
	health_message, success_count, failure_count, auto_scaled, scheduled_for_removal,
	last_assigned_at, version`

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var a domain.Agent
	if err := row.Scan(&a.ID, &a.WorkerKind, &a.Status, &a.MaxConcurrent, &a.CurrentJobCount,
		&a.LastHeartbeat, &a.HealthMessage, &a.SuccessCount, &a.FailureCount, &a.AutoScaled,
		&a.ScheduledForRemoval, &a.LastAssignedAt, &a.Version); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *agentRepo) Insert(ctx context.Context, a *domain.Agent) error {
	a.Version = 1
	_, err := q(ctx, r.pool).Exec(ctx, `
		INSERT INTO agents (`+agentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.WorkerKind, a.Status, a.MaxConcurrent, a.CurrentJobCount, a.LastHeartbeat,
		a.HealthMessage, a.SuccessCount, a.FailureCount, a.AutoScaled, a.ScheduledForRemoval,
		a.LastAssignedAt, a.Version)
	return err
}

func (r *agentRepo) Get(ctx context.Context, id string) (*domain.Agent, error) {
	row := q(ctx, r.pool).QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return a, err
}

func (r *agentRepo) Update(ctx context.Context, id string, expectedVersion int, mutate func(*domain.Agent) error) (*domain.Agent, error) {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return updateAgentIn(ctx, tx, id, expectedVersion, mutate)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	a, err := updateAgentIn(ctx, tx, id, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	return a, tx.Commit(ctx)
}

func updateAgentIn(ctx context.Context, tx pgx.Tx, id string, expectedVersion int, mutate func(*domain.Agent) error) (*domain.Agent, error) {
	row := tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1 FOR UPDATE`, id)
	a, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.Version != expectedVersion {
		return nil, storage.ErrConflict
	}
	if err := mutate(a); err != nil {
		return nil, err
	}
	a.Version++

	_, err = tx.Exec(ctx, `UPDATE agents SET status=$2, current_job_count=$3, last_heartbeat=$4,
		health_message=$5, success_count=$6, failure_count=$7, scheduled_for_removal=$8,
		last_assigned_at=$9, version=$10 WHERE id=$1`,
		a.ID, a.Status, a.CurrentJobCount, a.LastHeartbeat, a.HealthMessage, a.SuccessCount,
		a.FailureCount, a.ScheduledForRemoval, a.LastAssignedAt, a.Version)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *agentRepo) ListAvailable(ctx context.Context, kind domain.WorkerKind) ([]*domain.Agent, error) {
	return r.query(ctx, `SELECT `+agentColumns+` FROM agents WHERE status=$1 AND (worker_kind=$2 OR worker_kind=$3)`,
		domain.AgentAvailable, kind, domain.WorkerKindUniversal)
}

func (r *agentRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error) {
	return r.query(ctx, `SELECT `+agentColumns+` FROM agents WHERE status != $1 AND last_heartbeat < $2`,
		domain.AgentRetired, cutoff)
}

func (r *agentRepo) ListByStatus(ctx context.Context, status domain.AgentStatus) ([]*domain.Agent, error) {
	return r.query(ctx, `SELECT `+agentColumns+` FROM agents WHERE status=$1`, status)
}

func (r *agentRepo) query(ctx context.Context, sql string, args ...any) ([]*domain.Agent, error) {
	rows, err := q(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *agentRepo) Delete(ctx context.Context, id string) error {
	_, err := q(ctx, r.pool).Exec(ctx, `DELETE FROM agents WHERE id=$1`, id)
	return err
}
