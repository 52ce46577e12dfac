// Package storage defines the repository interfaces the rest of the core
// depends on. Business code never issues raw SQL; it calls
// these interfaces, which the pg subpackage implements against the
// transactional relational store and the memstore subpackage implements
// in-memory for tests. Soft delete is enforced here as a query-level filter,
// never surfaced to callers.
package storage

import (
	"context"
	"time"

	"github.com/caiatech/crawlorc/internal/domain"
)

// ErrNotFound is returned by Get-style lookups when the row is absent or
// soft-deleted.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

// ErrConflict is returned when an optimistic-concurrency version check
// fails; callers should re-read and retry.
var ErrConflict = &conflictError{}

type conflictError struct{}

func (*conflictError) Error() string { return "optimistic concurrency conflict" }

// JobFilter narrows JobRepository.List.
type JobFilter struct {
	Status          *domain.JobStatus
	RequesterID     *string
	AssignedAgentID *string
	ReadyToRetry    bool // NextRetryAt <= now
	Limit           int
}

// JobRepository persists CrawlJob rows. Every mutating method takes the
// expected version and returns ErrConflict on mismatch; callers re-read and
// retry.
type JobRepository interface {
	Insert(ctx context.Context, job *domain.CrawlJob) error
	Get(ctx context.Context, id string) (*domain.CrawlJob, error)
	// Update performs a compare-and-swap on Version; mutate receives the
	// current row and returns the new one.
	Update(ctx context.Context, id string, expectedVersion int, mutate func(*domain.CrawlJob) error) (*domain.CrawlJob, error)
	List(ctx context.Context, filter JobFilter) ([]*domain.CrawlJob, error)
	// ListPending returns Pending jobs ordered by (priority, createdAt);
	// backed by the (status, priority, createdAt) index.
	ListPending(ctx context.Context, limit int) ([]*domain.CrawlJob, error)
	// ListTimedOut returns Assigned/Running jobs whose startedAt predates
	// the horizon; progress events are not consulted.
	ListTimedOut(ctx context.Context, horizon time.Time, limit int) ([]*domain.CrawlJob, error)
	SoftDelete(ctx context.Context, id string) error
}

// ResultRepository persists CrawlResult rows, created only after a job
// enters Running, never mutated after insert.
type ResultRepository interface {
	Insert(ctx context.Context, result *domain.CrawlResult) error
	ListByJob(ctx context.Context, jobID string) ([]*domain.CrawlResult, error)
	CountByJob(ctx context.Context, jobID string) (total, successful, failed int, err error)
}

// AgentRepository persists Agent rows.
type AgentRepository interface {
	Insert(ctx context.Context, agent *domain.Agent) error
	Get(ctx context.Context, id string) (*domain.Agent, error)
	Update(ctx context.Context, id string, expectedVersion int, mutate func(*domain.Agent) error) (*domain.Agent, error)
	// ListAvailable returns Available agents of the given kind (or
	// Universal), backing Pick's selection scan.
	ListAvailable(ctx context.Context, kind domain.WorkerKind) ([]*domain.Agent, error)
	// ListStale returns agents whose LastHeartbeat predates the cutoff;
	// backed by the (status, lastHeartbeat) index.
	ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error)
	ListByStatus(ctx context.Context, status domain.AgentStatus) ([]*domain.Agent, error)
	Delete(ctx context.Context, id string) error
}

// ScalingPolicyRepository persists per-user/per-kind ScalingPolicy rows.
type ScalingPolicyRepository interface {
	Get(ctx context.Context, userID string, kind domain.WorkerKind) (*domain.ScalingPolicy, error)
	Upsert(ctx context.Context, policy *domain.ScalingPolicy) error
}

// QuotaRepository persists the durable QuotaSnapshot per user.
type QuotaRepository interface {
	Get(ctx context.Context, userID string) (*domain.QuotaSnapshot, error)
	// Reserve atomically decrements Remaining by n if sufficient, under
	// row-level locking; it is idempotent given reservationKey.
	Reserve(ctx context.Context, userID string, n int, reservationKey string) (*domain.QuotaSnapshot, error)
	Refund(ctx context.Context, userID string, n int, reason string) (*domain.QuotaSnapshot, error)
	Upsert(ctx context.Context, snapshot *domain.QuotaSnapshot) error
}

// OutboxRepository persists OutboxMessage rows.
type OutboxRepository interface {
	// Insert is called by producers inside the same transaction that
	// mutates domain state; the storage package's TxRunner supplies the tx.
	Insert(ctx context.Context, msg *domain.OutboxMessage) error
	// ListUnprocessed returns up to limit rows with ProcessedAt == nil and
	// NextRetryAt <= now; backed by the (processedAt NULL, nextRetryAt)
	// index.
	ListUnprocessed(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxMessage, error)
	MarkProcessed(ctx context.Context, id string, processedAt time.Time) error
	MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, lastErr string) error
}

// ParticipantRepository persists Participant rows.
type ParticipantRepository interface {
	Insert(ctx context.Context, p *domain.Participant) error
	ListByJob(ctx context.Context, jobID string) ([]*domain.Participant, error)
	Get(ctx context.Context, jobID, userID string) (*domain.Participant, error)
}

// TemplateRepository reads read-mostly Template rows.
type TemplateRepository interface {
	GetActiveForDomain(ctx context.Context, hostPattern string) (*domain.Template, error)
	Get(ctx context.Context, id string) (*domain.Template, error)
}

// TxRunner executes fn within a single database transaction; producers use
// it so the domain mutation and its OutboxMessage commit atomically.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repositories bundles every repository the core depends on, passed as one
// value through constructors.
type Repositories struct {
	Jobs          JobRepository
	Results       ResultRepository
	Agents        AgentRepository
	ScalingPolicy ScalingPolicyRepository
	Quota         QuotaRepository
	Outbox        OutboxRepository
	Participants  ParticipantRepository
	Templates     TemplateRepository
	Tx            TxRunner
}
