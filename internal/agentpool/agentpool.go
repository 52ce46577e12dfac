// Package agentpool implements the Agent Pool Manager: it
// owns the set of live crawler-worker agents and decides which agent (if
// any) should take each ready job, and drives per-user/per-kind
// auto-scaling against ScalingPolicy.
package agentpool

import (
	"context"
	"errors"
	"time"

	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/obslog"
	"github.com/caiatech/crawlorc/internal/storage"
	"github.com/google/uuid"
)

// Manager is the Agent Pool Manager.
type Manager struct {
	agents   storage.AgentRepository
	policies storage.ScalingPolicyRepository
	outbox   storage.OutboxRepository
	tx       storage.TxRunner

	agentTimeout time.Duration
}

// New constructs a Manager.
func New(agents storage.AgentRepository, policies storage.ScalingPolicyRepository, outbox storage.OutboxRepository, tx storage.TxRunner, agentTimeout time.Duration) *Manager {
	return &Manager{agents: agents, policies: policies, outbox: outbox, tx: tx, agentTimeout: agentTimeout}
}

// Register enrolls a new live agent instance.
func (m *Manager) Register(ctx context.Context, kind domain.WorkerKind, maxConcurrent int, autoScaled bool) (*domain.Agent, error) {
	a := &domain.Agent{
		ID:            uuid.New().String(),
		WorkerKind:    kind,
		Status:        domain.AgentAvailable,
		MaxConcurrent: maxConcurrent,
		LastHeartbeat: time.Now(),
		AutoScaled:    autoScaled,
	}
	if err := m.agents.Insert(ctx, a); err != nil {
		return nil, crawlerr.Wrap(crawlerr.Internal, "register agent", err)
	}
	obslog.Agent(a.ID).Info().Str("kind", string(kind)).Msg("agent registered")
	return a, nil
}

// Deregister removes an agent entirely, e.g. on clean worker shutdown.
func (m *Manager) Deregister(ctx context.Context, agentID string) error {
	if err := m.agents.Delete(ctx, agentID); err != nil {
		return crawlerr.Wrap(crawlerr.Internal, "deregister agent", err)
	}
	obslog.Agent(agentID).Info().Msg("agent deregistered")
	return nil
}

// Heartbeat updates an agent's liveness, load, and health. A
// Draining agent whose job count has reached zero is retired here: every
// path that can take the count to zero also checks for retirement.
func (m *Manager) Heartbeat(ctx context.Context, agentID string, load int, healthMessage string) (*domain.Agent, error) {
	for {
		cur, err := m.agents.Get(ctx, agentID)
		if err != nil {
			return nil, crawlerr.Wrap(crawlerr.NotFound, "agent not found", err)
		}
		updated, err := m.agents.Update(ctx, agentID, cur.Version, func(a *domain.Agent) error {
			a.LastHeartbeat = time.Now()
			a.CurrentJobCount = load
			a.HealthMessage = healthMessage
			if a.Status == domain.AgentUnhealthy {
				a.Status = domain.AgentAvailable
			}
			if a.Status == domain.AgentDraining && a.CurrentJobCount == 0 {
				a.Status = domain.AgentRetired
			}
			return nil
		})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, crawlerr.Wrap(crawlerr.Internal, "update agent heartbeat", err)
		}
		return updated, nil
	}
}

// ErrNoCapacity is returned by Pick when no matching agent can accept work.
var ErrNoCapacity = errors.New("no capacity")

// Pick selects an agent for a ready job of the given kind, preferring the
// lowest load factor and breaking ties by least-recently-assigned. It
// reserves the slot (currentJobCount++) atomically so
// the pick and the reservation never race with another dispatcher replica.
func (m *Manager) Pick(ctx context.Context, kind domain.WorkerKind, priority domain.Priority) (*domain.Agent, error) {
	candidates, err := m.agents.ListAvailable(ctx, kind)
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.Internal, "list available agents", err)
	}

	var best *domain.Agent
	for _, a := range candidates {
		if a.AtCapacity() {
			continue
		}
		if best == nil {
			best = a
			continue
		}
		if a.LoadFactor() < best.LoadFactor() {
			best = a
			continue
		}
		if a.LoadFactor() == best.LoadFactor() && a.LastAssignedAt.Before(best.LastAssignedAt) {
			best = a
		}
	}
	if best == nil {
		return nil, crawlerr.Wrap(crawlerr.CapacityExhausted, "no agent of requested kind has available slots", ErrNoCapacity)
	}

	reserved, err := m.agents.Update(ctx, best.ID, best.Version, func(a *domain.Agent) error {
		if a.AtCapacity() || a.Status != domain.AgentAvailable {
			return ErrNoCapacity
		}
		a.CurrentJobCount++
		a.LastAssignedAt = time.Now()
		if a.AtCapacity() {
			a.Status = domain.AgentBusy
		}
		return nil
	})
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, ErrNoCapacity) {
		// Lost the race to another dispatcher: try once more with a fresh scan.
		return m.Pick(ctx, kind, priority)
	}
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.Internal, "reserve agent slot", err)
	}
	return reserved, nil
}

// Release gives back a job slot on an agent, e.g. when a job completes,
// fails, or is cancelled.
func (m *Manager) Release(ctx context.Context, agentID string) error {
	for {
		cur, err := m.agents.Get(ctx, agentID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil // agent already gone; nothing to release
		}
		if err != nil {
			return crawlerr.Wrap(crawlerr.Internal, "read agent", err)
		}
		_, err = m.agents.Update(ctx, agentID, cur.Version, func(a *domain.Agent) error {
			if a.CurrentJobCount > 0 {
				a.CurrentJobCount--
			}
			if a.Status == domain.AgentBusy && !a.AtCapacity() {
				a.Status = domain.AgentAvailable
			}
			if a.Status == domain.AgentDraining && a.CurrentJobCount == 0 {
				a.Status = domain.AgentRetired
			}
			return nil
		})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return crawlerr.Wrap(crawlerr.Internal, "release agent slot", err)
		}
		return nil
	}
}

// RecordOutcome updates the agent's cumulative success/failure counters.
func (m *Manager) RecordOutcome(ctx context.Context, agentID string, success bool) error {
	for {
		cur, err := m.agents.Get(ctx, agentID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return crawlerr.Wrap(crawlerr.Internal, "read agent", err)
		}
		_, err = m.agents.Update(ctx, agentID, cur.Version, func(a *domain.Agent) error {
			if success {
				a.SuccessCount++
			} else {
				a.FailureCount++
			}
			return nil
		})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		return err
	}
}

// PolicyKey names one (user, kind) ScalingPolicy pair for AutoScale to
// evaluate on a Tick; the health loop accumulates these from submitted jobs
// since agents themselves carry no user affinity: pool slots are shared
// across users by worker kind.
type PolicyKey struct {
	UserID string
	Kind   domain.WorkerKind
}

// Tick is the periodic maintenance pass: it marks stale
// agents Unhealthy, returning their ids so the caller (the health loop) can
// repatriate bound jobs, and runs the auto-scaling decision for every known
// policy key.
func (m *Manager) Tick(ctx context.Context, policyKeys []PolicyKey) ([]string, error) {
	cutoff := time.Now().Add(-m.agentTimeout)
	stale, err := m.agents.ListStale(ctx, cutoff)
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.Internal, "list stale agents", err)
	}

	var wentUnhealthy []string
	for _, a := range stale {
		if a.Status == domain.AgentUnhealthy {
			continue
		}
		_, err := m.agents.Update(ctx, a.ID, a.Version, func(agent *domain.Agent) error {
			agent.Status = domain.AgentUnhealthy
			agent.HealthMessage = "heartbeat missed"
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			obslog.Agent(a.ID).Warn().Err(err).Msg("failed to mark agent unhealthy")
			continue
		}
		wentUnhealthy = append(wentUnhealthy, a.ID)
	}

	for _, key := range policyKeys {
		if err := m.AutoScale(ctx, key.UserID, key.Kind); err != nil {
			obslog.For("agentpool").Warn().Err(err).Str("user_id", key.UserID).Str("kind", string(key.Kind)).
				Msg("autoscale evaluation failed")
		}
	}

	return wentUnhealthy, nil
}
