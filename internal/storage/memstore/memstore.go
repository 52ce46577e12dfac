// Package memstore is an in-memory implementation of storage.Repositories,
// used by unit tests and by small single-process deployments: one
// interface, interchangeable concrete stores. memstore
// preserves the optimistic-concurrency and row-locking contracts the pg
// backend provides, using a single Store-wide mutex shared by every entity
// table instead of database row locks.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/storage"
	"github.com/google/uuid"
)

// Store bundles in-memory tables behind storage.Repositories.
type Store struct {
	mu sync.Mutex

	jobs         map[string]*domain.CrawlJob
	results      map[string][]*domain.CrawlResult
	agents       map[string]*domain.Agent
	policies     map[string]*domain.ScalingPolicy
	quotas       map[string]*domain.QuotaSnapshot
	outbox       map[string]*domain.OutboxMessage
	participants map[string][]*domain.Participant
	templates    map[string]*domain.Template

	reservations map[string]bool // reservationKey -> applied, for Reserve idempotence
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:         make(map[string]*domain.CrawlJob),
		results:      make(map[string][]*domain.CrawlResult),
		agents:       make(map[string]*domain.Agent),
		policies:     make(map[string]*domain.ScalingPolicy),
		quotas:       make(map[string]*domain.QuotaSnapshot),
		outbox:       make(map[string]*domain.OutboxMessage),
		participants: make(map[string][]*domain.Participant),
		templates:    make(map[string]*domain.Template),
		reservations: make(map[string]bool),
	}
}

// Repositories returns a storage.Repositories backed entirely by this store.
func (s *Store) Repositories() *storage.Repositories {
	return &storage.Repositories{
		Jobs:          (*jobRepo)(s),
		Results:       (*resultRepo)(s),
		Agents:        (*agentRepo)(s),
		ScalingPolicy: (*policyRepo)(s),
		Quota:         (*quotaRepo)(s),
		Outbox:        (*outboxRepo)(s),
		Participants:  (*participantRepo)(s),
		Templates:     (*templateRepo)(s),
		Tx:            (*txRunner)(s),
	}
}

// --- transactions -----------------------------------------------------
//
// memstore has no real transaction log; InTx holds the single store mutex
// for the duration of fn (marking ctx so nested repository calls skip their
// own locking) so a reader never observes a partial multi-repository
// mutation, which is the externally-visible guarantee producers rely on.

type txRunner Store

type txKey struct{}

func (t *txRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s := (*Store)(t)
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, struct{}{}))
}

// lock acquires the store mutex unless ctx is already inside InTx, which
// holds it for the whole transaction.
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// --- jobs ---------------------------------------------------------------

type jobRepo Store

func (r *jobRepo) store() *Store { return (*Store)(r) }

func (r *jobRepo) Insert(ctx context.Context, job *domain.CrawlJob) error {
	s := r.store()
	defer s.lock(ctx)()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Version = 1
	s.jobs[job.ID] = clone(job)
	return nil
}

func (r *jobRepo) Get(ctx context.Context, id string) (*domain.CrawlJob, error) {
	s := r.store()
	defer s.lock(ctx)()
	j, ok := s.jobs[id]
	if !ok || j.SoftDeleted {
		return nil, storage.ErrNotFound
	}
	return clone(j), nil
}

func (r *jobRepo) Update(ctx context.Context, id string, expectedVersion int, mutate func(*domain.CrawlJob) error) (*domain.CrawlJob, error) {
	s := r.store()
	defer s.lock(ctx)()
	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if j.Version != expectedVersion {
		return nil, storage.ErrConflict
	}
	cp := clone(j)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.Version++
	s.jobs[id] = cp
	return clone(cp), nil
}

func (r *jobRepo) List(ctx context.Context, filter storage.JobFilter) ([]*domain.CrawlJob, error) {
	s := r.store()
	defer s.lock(ctx)()
	var out []*domain.CrawlJob
	for _, j := range s.jobs {
		if j.SoftDeleted {
			continue
		}
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		if filter.RequesterID != nil && j.RequesterID != *filter.RequesterID {
			continue
		}
		if filter.AssignedAgentID != nil && (j.AssignedAgentID == nil || *j.AssignedAgentID != *filter.AssignedAgentID) {
			continue
		}
		if filter.ReadyToRetry && (j.NextRetryAt == nil || j.NextRetryAt.After(time.Now())) {
			continue
		}
		out = append(out, clone(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var priorityRank = map[domain.Priority]int{
	domain.PriorityUrgent: 0,
	domain.PriorityHigh:   1,
	domain.PriorityNormal: 2,
	domain.PriorityLow:    3,
}

func (r *jobRepo) ListPending(ctx context.Context, limit int) ([]*domain.CrawlJob, error) {
	s := r.store()
	defer s.lock(ctx)()
	var out []*domain.CrawlJob
	for _, j := range s.jobs {
		if j.SoftDeleted || j.Status != domain.JobPending {
			continue
		}
		out = append(out, clone(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if priorityRank[out[i].Priority] != priorityRank[out[k].Priority] {
			return priorityRank[out[i].Priority] < priorityRank[out[k].Priority]
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *jobRepo) ListTimedOut(ctx context.Context, horizon time.Time, limit int) ([]*domain.CrawlJob, error) {
	s := r.store()
	defer s.lock(ctx)()
	var out []*domain.CrawlJob
	for _, j := range s.jobs {
		if j.SoftDeleted {
			continue
		}
		if j.Status != domain.JobAssigned && j.Status != domain.JobRunning {
			continue
		}
		if j.StartedAt != nil && j.StartedAt.Before(horizon) {
			out = append(out, clone(j))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *jobRepo) SoftDelete(ctx context.Context, id string) error {
	s := r.store()
	defer s.lock(ctx)()
	j, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.SoftDeleted = true
	return nil
}

// --- results --------------------------------------------------------------

type resultRepo Store

func (r *resultRepo) store() *Store { return (*Store)(r) }

func (r *resultRepo) Insert(ctx context.Context, res *domain.CrawlResult) error {
	s := r.store()
	defer s.lock(ctx)()
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	s.results[res.JobID] = append(s.results[res.JobID], clone(res))
	return nil
}

func (r *resultRepo) ListByJob(ctx context.Context, jobID string) ([]*domain.CrawlResult, error) {
	s := r.store()
	defer s.lock(ctx)()
	var out []*domain.CrawlResult
	for _, res := range s.results[jobID] {
		out = append(out, clone(res))
	}
	return out, nil
}

func (r *resultRepo) CountByJob(ctx context.Context, jobID string) (int, int, int, error) {
	s := r.store()
	defer s.lock(ctx)()
	var total, success, failed int
	for _, res := range s.results[jobID] {
		total++
		if res.Success {
			success++
		} else {
			failed++
		}
	}
	return total, success, failed, nil
}

// --- agents -----------------------------------------------------------

type agentRepo Store

func (r *agentRepo) store() *Store { return (*Store)(r) }

func (r *agentRepo) Insert(ctx context.Context, a *domain.Agent) error {
	s := r.store()
	defer s.lock(ctx)()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Version = 1
	s.agents[a.ID] = clone(a)
	return nil
}

func (r *agentRepo) Get(ctx context.Context, id string) (*domain.Agent, error) {
	s := r.store()
	defer s.lock(ctx)()
	a, ok := s.agents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(a), nil
}

func (r *agentRepo) Update(ctx context.Context, id string, expectedVersion int, mutate func(*domain.Agent) error) (*domain.Agent, error) {
	s := r.store()
	defer s.lock(ctx)()
	a, ok := s.agents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if a.Version != expectedVersion {
		return nil, storage.ErrConflict
	}
	cp := clone(a)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	cp.Version++
	s.agents[id] = cp
	return clone(cp), nil
}

func (r *agentRepo) ListAvailable(ctx context.Context, kind domain.WorkerKind) ([]*domain.Agent, error) {
	s := r.store()
	defer s.lock(ctx)()
	var out []*domain.Agent
	for _, a := range s.agents {
		if a.Status != domain.AgentAvailable {
			continue
		}
		if !a.MatchesKind(kind) {
			continue
		}
		out = append(out, clone(a))
	}
	return out, nil
}

func (r *agentRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error) {
	s := r.store()
	defer s.lock(ctx)()
	var out []*domain.Agent
	for _, a := range s.agents {
		if a.Status == domain.AgentRetired {
			continue
		}
		if a.LastHeartbeat.Before(cutoff) {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (r *agentRepo) ListByStatus(ctx context.Context, status domain.AgentStatus) ([]*domain.Agent, error) {
	s := r.store()
	defer s.lock(ctx)()
	var out []*domain.Agent
	for _, a := range s.agents {
		if a.Status == status {
			out = append(out, clone(a))
		}
	}
	return out, nil
}

func (r *agentRepo) Delete(ctx context.Context, id string) error {
	s := r.store()
	defer s.lock(ctx)()
	delete(s.agents, id)
	return nil
}

// --- scaling policy ---------------------------------------------------

type policyRepo Store

func (r *policyRepo) store() *Store { return (*Store)(r) }

func policyKey(userID string, kind domain.WorkerKind) string { return userID + "|" + string(kind) }

func (r *policyRepo) Get(ctx context.Context, userID string, kind domain.WorkerKind) (*domain.ScalingPolicy, error) {
	s := r.store()
	defer s.lock(ctx)()
	p, ok := s.policies[policyKey(userID, kind)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(p), nil
}

func (r *policyRepo) Upsert(ctx context.Context, policy *domain.ScalingPolicy) error {
	s := r.store()
	defer s.lock(ctx)()
	s.policies[policyKey(policy.UserID, policy.WorkerKind)] = clone(policy)
	return nil
}

// --- quota --------------------------------------------------------------

type quotaRepo Store

func (r *quotaRepo) store() *Store { return (*Store)(r) }

func (r *quotaRepo) Get(ctx context.Context, userID string) (*domain.QuotaSnapshot, error) {
	s := r.store()
	defer s.lock(ctx)()
	q, ok := s.quotas[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(q), nil
}

func (r *quotaRepo) Reserve(ctx context.Context, userID string, n int, reservationKey string) (*domain.QuotaSnapshot, error) {
	s := r.store()
	defer s.lock(ctx)()

	if s.reservations[reservationKey] {
		q, ok := s.quotas[userID]
		if !ok {
			return nil, storage.ErrNotFound
		}
		return clone(q), nil
	}

	q, ok := s.quotas[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if q.Used+n > q.Limit {
		return nil, &quotaExceeded{limit: q.Limit, used: q.Used}
	}
	cp := clone(q)
	cp.Used += n
	cp.Version++
	s.quotas[userID] = cp
	s.reservations[reservationKey] = true
	return clone(cp), nil
}

type quotaExceeded struct{ limit, used int }

func (e *quotaExceeded) Error() string { return "quota exceeded" }

// QuotaDetail lets callers recover the limit/used pair without depending on
// memstore's unexported error type (see internal/quota).
func (e *quotaExceeded) QuotaDetail() (int, int) { return e.limit, e.used }

func (r *quotaRepo) Refund(ctx context.Context, userID string, n int, reason string) (*domain.QuotaSnapshot, error) {
	s := r.store()
	defer s.lock(ctx)()
	q, ok := s.quotas[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := clone(q)
	cp.Used -= n
	if cp.Used < 0 {
		cp.Used = 0
	}
	cp.Version++
	s.quotas[userID] = cp
	return clone(cp), nil
}

func (r *quotaRepo) Upsert(ctx context.Context, snap *domain.QuotaSnapshot) error {
	s := r.store()
	defer s.lock(ctx)()
	s.quotas[snap.UserID] = clone(snap)
	return nil
}

// --- outbox -------------------------------------------------------------

type outboxRepo Store

func (r *outboxRepo) store() *Store { return (*Store)(r) }

func (r *outboxRepo) Insert(ctx context.Context, msg *domain.OutboxMessage) error {
	s := r.store()
	defer s.lock(ctx)()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	s.outbox[msg.ID] = clone(msg)
	return nil
}

func (r *outboxRepo) ListUnprocessed(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxMessage, error) {
	s := r.store()
	defer s.lock(ctx)()
	var out []*domain.OutboxMessage
	for _, m := range s.outbox {
		if m.ProcessedAt != nil || m.Dead {
			continue
		}
		if m.NextRetryAt.After(now) {
			continue
		}
		out = append(out, clone(m))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].OccurredAt.Before(out[k].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *outboxRepo) MarkProcessed(ctx context.Context, id string, processedAt time.Time) error {
	s := r.store()
	defer s.lock(ctx)()
	m, ok := s.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.ProcessedAt = &processedAt
	return nil
}

func (r *outboxRepo) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	s := r.store()
	defer s.lock(ctx)()
	m, ok := s.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.RetryCount++
	m.NextRetryAt = nextRetryAt
	m.LastError = lastErr
	return nil
}

func (r *outboxRepo) MarkDead(ctx context.Context, id string, lastErr string) error {
	s := r.store()
	defer s.lock(ctx)()
	m, ok := s.outbox[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.Dead = true
	m.LastError = lastErr
	return nil
}

// --- participants -------------------------------------------------------

type participantRepo Store

func (r *participantRepo) store() *Store { return (*Store)(r) }

func (r *participantRepo) Insert(ctx context.Context, p *domain.Participant) error {
	s := r.store()
	defer s.lock(ctx)()
	s.participants[p.JobID] = append(s.participants[p.JobID], clone(p))
	return nil
}

func (r *participantRepo) ListByJob(ctx context.Context, jobID string) ([]*domain.Participant, error) {
	s := r.store()
	defer s.lock(ctx)()
	var out []*domain.Participant
	for _, p := range s.participants[jobID] {
		out = append(out, clone(p))
	}
	return out, nil
}

func (r *participantRepo) Get(ctx context.Context, jobID, userID string) (*domain.Participant, error) {
	s := r.store()
	defer s.lock(ctx)()
	for _, p := range s.participants[jobID] {
		if p.UserID == userID {
			return clone(p), nil
		}
	}
	return nil, storage.ErrNotFound
}

// --- templates ------------------------------------------------------------

type templateRepo Store

func (r *templateRepo) store() *Store { return (*Store)(r) }

func (r *templateRepo) GetActiveForDomain(ctx context.Context, hostPattern string) (*domain.Template, error) {
	s := r.store()
	defer s.lock(ctx)()
	var best *domain.Template
	for _, t := range s.templates {
		if !t.Active || t.DomainRegexp != hostPattern {
			continue
		}
		if best == nil || t.Version > best.Version {
			best = t
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	return clone(best), nil
}

func (r *templateRepo) Get(ctx context.Context, id string) (*domain.Template, error) {
	s := r.store()
	defer s.lock(ctx)()
	t, ok := s.templates[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(t), nil
}

// PutTemplate is a test/seed helper, not part of storage.TemplateRepository.
func (s *Store) PutTemplate(t *domain.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = clone(t)
}

// QuotaExceededErr lets callers extract the store-level limit/used detail
// without importing memstore internals. internal/quota does not call it; it
// reads the same detail through the QuotaDetail method.
func QuotaExceededErr(err error) (limit, used int, ok bool) {
	qe, ok := err.(*quotaExceeded)
	if !ok {
		return 0, 0, false
	}
	return qe.limit, qe.used, true
}
