// Package pg implements the storage repositories against Postgres with
// github.com/jackc/pgx/v5. Per-user and per-agent mutation serialization
// uses `SELECT ... FOR UPDATE` row locks inside a pgx transaction rather
// than in-process mutexes, so correctness holds across multiple crawlorc
// processes.
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caiatech/crawlorc/internal/storage"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every repo
// method run unmodified whether or not a caller wrapped it in InTx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps a pgxpool.Pool and implements storage.Repositories.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and pings it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases pooled connections.
func (s *Store) Close() { s.pool.Close() }

// Repositories returns a storage.Repositories backed by this pool.
func (s *Store) Repositories() *storage.Repositories {
	return &storage.Repositories{
		Jobs:          &jobRepo{pool: s.pool},
		Results:       &resultRepo{pool: s.pool},
		Agents:        &agentRepo{pool: s.pool},
		ScalingPolicy: &policyRepo{pool: s.pool},
		Quota:         &quotaRepo{pool: s.pool},
		Outbox:        &outboxRepo{pool: s.pool},
		Participants:  &participantRepo{pool: s.pool},
		Templates:     &templateRepo{pool: s.pool},
		Tx:            &txRunner{pool: s.pool},
	}
}

type txKey struct{}

type txRunner struct{ pool *pgxpool.Pool }

// InTx begins a transaction, stashes it on ctx, and runs fn; producers use
// this so a domain mutation and its OutboxMessage insert commit atomically.
func (t *txRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pg: begin: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// q resolves the active Querier for ctx: the transaction stashed by InTx if
// present, otherwise the pool itself.
func q(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// Schema is the DDL for every persisted entity, including the indices the
// scheduler's hot queries depend on.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id                  uuid PRIMARY KEY,
	requester_id        text NOT NULL,
	assignment_id       text,
	group_id            text,
	conversation_id     text,
	urls                text[] NOT NULL,
	prompt              text NOT NULL,
	max_pages           int,
	worker_kind         text NOT NULL,
	assigned_agent_id   uuid,
	priority            text NOT NULL,
	status              text NOT NULL,
	created_at          timestamptz NOT NULL,
	started_at          timestamptz,
	completed_at        timestamptz,
	failed_at           timestamptz,
	next_retry_at       timestamptz,
	retry_count         int NOT NULL DEFAULT 0,
	max_retries         int NOT NULL,
	urls_processed      int NOT NULL DEFAULT 0,
	urls_successful     int NOT NULL DEFAULT 0,
	urls_failed         int NOT NULL DEFAULT 0,
	total_bytes         bigint NOT NULL DEFAULT 0,
	template_id         uuid,
	extraction_strategy text,
	navigation_plan_id  uuid,
	last_error          text,
	soft_deleted        boolean NOT NULL DEFAULT false,
	version             int NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_crawl_jobs_sched ON crawl_jobs (status, priority, created_at) WHERE NOT soft_deleted;
CREATE INDEX IF NOT EXISTS idx_crawl_jobs_agent ON crawl_jobs (assigned_agent_id, status) WHERE assigned_agent_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS crawl_results (
	id           uuid PRIMARY KEY,
	job_id       uuid NOT NULL REFERENCES crawl_jobs(id) ON DELETE CASCADE,
	url          text NOT NULL,
	success      boolean NOT NULL,
	status_code  int NOT NULL,
	content_size bigint NOT NULL,
	content_hash text NOT NULL,
	extracted    text,
	error_detail text,
	created_at   timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_crawl_results_job ON crawl_results (job_id);

CREATE TABLE IF NOT EXISTS agents (
	id                    uuid PRIMARY KEY,
	worker_kind           text NOT NULL,
	status                text NOT NULL,
	max_concurrent        int NOT NULL,
	current_job_count     int NOT NULL DEFAULT 0,
	last_heartbeat        timestamptz NOT NULL,
	health_message        text,
	success_count         bigint NOT NULL DEFAULT 0,
	failure_count         bigint NOT NULL DEFAULT 0,
	auto_scaled           boolean NOT NULL DEFAULT false,
	scheduled_for_removal timestamptz,
	last_assigned_at      timestamptz,
	version               int NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_agents_health ON agents (status, last_heartbeat);

CREATE TABLE IF NOT EXISTS scaling_policies (
	user_id                  text NOT NULL,
	worker_kind              text NOT NULL,
	min_agents               int NOT NULL,
	max_agents               int NOT NULL,
	target_agents            int NOT NULL,
	auto_scale               boolean NOT NULL,
	scale_up_threshold       double precision NOT NULL,
	scale_down_threshold     double precision NOT NULL,
	scale_up_cooldown        bigint NOT NULL,
	scale_down_cooldown      bigint NOT NULL,
	max_hourly_cost          double precision NOT NULL,
	pause_when_limit_reached boolean NOT NULL,
	last_scale_up_at         timestamptz,
	last_scale_down_at       timestamptz,
	PRIMARY KEY (user_id, worker_kind)
);

CREATE TABLE IF NOT EXISTS quota_snapshots (
	user_id   text PRIMARY KEY,
	"limit"   int NOT NULL,
	used      int NOT NULL,
	reset_at  timestamptz NOT NULL,
	synced_at timestamptz NOT NULL,
	source    text NOT NULL,
	override  boolean NOT NULL DEFAULT false,
	version   int NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS quota_reservations (
	reservation_key text PRIMARY KEY,
	user_id         text NOT NULL,
	applied_at      timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox_messages (
	id            uuid PRIMARY KEY,
	entity_id     text NOT NULL,
	type          text NOT NULL,
	payload       bytea NOT NULL,
	occurred_at   timestamptz NOT NULL,
	processed_at  timestamptz,
	retry_count   int NOT NULL DEFAULT 0,
	max_retries   int NOT NULL,
	next_retry_at timestamptz NOT NULL,
	last_error    text,
	dead          boolean NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox_messages (next_retry_at) WHERE processed_at IS NULL AND NOT dead;

CREATE TABLE IF NOT EXISTS participants (
	job_id         uuid NOT NULL REFERENCES crawl_jobs(id) ON DELETE CASCADE,
	user_id        text NOT NULL,
	role           text NOT NULL,
	last_viewed_at timestamptz,
	watching       boolean NOT NULL DEFAULT false,
	PRIMARY KEY (job_id, user_id)
);

CREATE TABLE IF NOT EXISTS templates (
	id            uuid PRIMARY KEY,
	domain_regexp text NOT NULL,
	version       int NOT NULL,
	active        boolean NOT NULL,
	created_at    timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS navigation_strategies (
	id         uuid PRIMARY KEY,
	name       text NOT NULL,
	steps      text[] NOT NULL,
	version    int NOT NULL,
	created_at timestamptz NOT NULL
);
`
