package pg

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/storage"
)

type policyRepo struct{ pool *pgxpool.Pool }

func (r *policyRepo) Get(ctx context.Context, userID string, kind domain.WorkerKind) (*domain.ScalingPolicy, error) {
	var p domain.ScalingPolicy
	err := q(ctx, r.pool).QueryRow(ctx, `
		SELECT user_id, worker_kind, min_agents, max_agents, target_agents, auto_scale,
			scale_up_threshold, scale_down_threshold, scale_up_cooldown, scale_down_cooldown,
			max_hourly_cost, pause_when_limit_reached, last_scale_up_at, last_scale_down_at
		FROM scaling_policies WHERE user_id=$1 AND worker_kind=$2`, userID, kind).Scan(
		&p.UserID, &p.WorkerKind, &p.Min, &p.Max, &p.Target, &p.AutoScale,
		&p.ScaleUpThreshold, &p.ScaleDownThreshold, &p.ScaleUpCooldown, &p.ScaleDownCooldown,
		&p.MaxHourlyCost, &p.PauseWhenLimitReached, &p.LastScaleUpAt, &p.LastScaleDownAt)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return &p, err
}

func (r *policyRepo) Upsert(ctx context.Context, p *domain.ScalingPolicy) error {
	_, err := q(ctx, r.pool).Exec(ctx, `
		INSERT INTO scaling_policies (user_id, worker_kind, min_agents, max_agents, target_agents,
			auto_scale, scale_up_threshold, scale_down_threshold, scale_up_cooldown, scale_down_cooldown,
			max_hourly_cost, pause_when_limit_reached, last_scale_up_at, last_scale_down_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (user_id, worker_kind) DO UPDATE SET
			min_agents=$3, max_agents=$4, target_agents=$5, auto_scale=$6, scale_up_threshold=$7,
			scale_down_threshold=$8, scale_up_cooldown=$9, scale_down_cooldown=$10,
			max_hourly_cost=$11, pause_when_limit_reached=$12, last_scale_up_at=$13, last_scale_down_at=$14`,
		p.UserID, p.WorkerKind, p.Min, p.Max, p.Target, p.AutoScale, p.ScaleUpThreshold,
		p.ScaleDownThreshold, p.ScaleUpCooldown, p.ScaleDownCooldown, p.MaxHourlyCost,
		p.PauseWhenLimitReached, p.LastScaleUpAt, p.LastScaleDownAt)
	return err
}

type quotaRepo struct{ pool *pgxpool.Pool }

func scanQuota(row pgx.Row) (*domain.QuotaSnapshot, error) {
	var s domain.QuotaSnapshot
	if err := row.Scan(&s.UserID, &s.Limit, &s.Used, &s.ResetAt, &s.SyncedAt, &s.Source, &s.Override, &s.Version); err != nil {
		return nil, err
	}
	return &s, nil
}

const quotaColumns = `user_id, "limit", used, reset_at, synced_at, source, override, version`

func (r *quotaRepo) Get(ctx context.Context, userID string) (*domain.QuotaSnapshot, error) {
	row := q(ctx, r.pool).QueryRow(ctx, `SELECT `+quotaColumns+` FROM quota_snapshots WHERE user_id=$1`, userID)
	s, err := scanQuota(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return s, err
}

// QuotaExceededError reports the limit/used pair when Reserve fails the
// `used <= limit` invariant.
type QuotaExceededError struct{ Limit, Used int }

func (e *QuotaExceededError) Error() string { return "quota exceeded" }

// QuotaDetail lets callers recover the limit/used pair generically (see
// internal/quota).
func (e *QuotaExceededError) QuotaDetail() (int, int) { return e.Limit, e.Used }

// Reserve serializes per user and is idempotent per reservation key: the
// lock is taken on quota_snapshots, and the reservation key is recorded
// under the same lock so a re-delivered Reserve call with the same job
// identifier is a no-op. When the caller already holds an InTx transaction
// it is reused, so the debit commits or rolls back with the rest of the
// admission; otherwise Reserve runs in a transaction of its own.
func (r *quotaRepo) Reserve(ctx context.Context, userID string, n int, reservationKey string) (*domain.QuotaSnapshot, error) {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return reserveIn(ctx, tx, userID, n, reservationKey)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	snap, err := reserveIn(ctx, tx, userID, n, reservationKey)
	if err != nil {
		return nil, err
	}
	return snap, tx.Commit(ctx)
}

func reserveIn(ctx context.Context, tx pgx.Tx, userID string, n int, reservationKey string) (*domain.QuotaSnapshot, error) {
	var already bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM quota_reservations WHERE reservation_key=$1)`, reservationKey).Scan(&already); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `SELECT `+quotaColumns+` FROM quota_snapshots WHERE user_id=$1 FOR UPDATE`, userID)
	snap, err := scanQuota(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if already {
		return snap, nil
	}

	if snap.Used+n > snap.Limit {
		return nil, &QuotaExceededError{Limit: snap.Limit, Used: snap.Used}
	}
	snap.Used += n
	snap.Version++

	if _, err := tx.Exec(ctx, `UPDATE quota_snapshots SET used=$2, version=$3 WHERE user_id=$1`, userID, snap.Used, snap.Version); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO quota_reservations (reservation_key, user_id, applied_at) VALUES ($1,$2,now())`, reservationKey, userID); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *quotaRepo) Refund(ctx context.Context, userID string, n int, reason string) (*domain.QuotaSnapshot, error) {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return refundIn(ctx, tx, userID, n)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	snap, err := refundIn(ctx, tx, userID, n)
	if err != nil {
		return nil, err
	}
	return snap, tx.Commit(ctx)
}

func refundIn(ctx context.Context, tx pgx.Tx, userID string, n int) (*domain.QuotaSnapshot, error) {
	row := tx.QueryRow(ctx, `SELECT `+quotaColumns+` FROM quota_snapshots WHERE user_id=$1 FOR UPDATE`, userID)
	snap, err := scanQuota(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.Used -= n
	if snap.Used < 0 {
		snap.Used = 0
	}
	snap.Version++
	if _, err := tx.Exec(ctx, `UPDATE quota_snapshots SET used=$2, version=$3 WHERE user_id=$1`, userID, snap.Used, snap.Version); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *quotaRepo) Upsert(ctx context.Context, s *domain.QuotaSnapshot) error {
	_, err := q(ctx, r.pool).Exec(ctx, `
		INSERT INTO quota_snapshots (`+quotaColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id) DO UPDATE SET "limit"=$2, used=$3, reset_at=$4, synced_at=$5, source=$6, override=$7, version=$8`,
		s.UserID, s.Limit, s.Used, s.ResetAt, s.SyncedAt, s.Source, s.Override, s.Version)
	return err
}
