package agentpool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/obslog"
	"github.com/caiatech/crawlorc/internal/storage"
	"github.com/google/uuid"
)

// ScaleUpEvent is the outbox payload published when the pool requests a new
// agent from the external orchestrator.
type ScaleUpEvent struct {
	UserID     string            `json:"user_id"`
	WorkerKind domain.WorkerKind `json:"worker_kind"`
	Reason     string            `json:"reason"`
}

// ScaleDownEvent documents which agent was marked Draining.
type ScaleDownEvent struct {
	UserID     string            `json:"user_id"`
	WorkerKind domain.WorkerKind `json:"worker_kind"`
	AgentID    string            `json:"agent_id"`
}

// AutoScale evaluates one (user, kind) ScalingPolicy against the current
// load of its agents and requests scale-up/scale-down as needed. It is
// called once per (user, kind) pair on every Tick.
func (m *Manager) AutoScale(ctx context.Context, userID string, kind domain.WorkerKind) error {
	policy, err := m.policies.Get(ctx, userID, kind)
	if err != nil {
		return nil // no policy configured for this pair: nothing to scale
	}
	if !policy.AutoScale {
		return nil
	}

	agents, err := agentsForUser(ctx, m.agents, kind)
	if err != nil {
		return crawlerr.Wrap(crawlerr.Internal, "list agents for autoscale", err)
	}
	current := len(agents)

	load := aggregateLoad(agents)
	hourlyCost := float64(current) * 1.0 // one unit of nominal cost per agent; external orchestrator owns real pricing

	now := time.Now()

	if hourlyCost > policy.MaxHourlyCost && policy.PauseWhenLimitReached {
		obslog.For("agentpool").Warn().Str("user_id", userID).Str("kind", string(kind)).
			Msg("hourly cost limit reached, scaling paused")
		return nil
	}

	if load >= policy.ScaleUpThreshold && current < policy.Max {
		if policy.LastScaleUpAt == nil || now.Sub(*policy.LastScaleUpAt) >= policy.ScaleUpCooldown {
			if err := m.requestScaleUp(ctx, userID, kind, "load_threshold"); err != nil {
				return err
			}
			policy.LastScaleUpAt = &now
			_ = m.policies.Upsert(ctx, policy)
		}
		return nil
	}

	if load <= policy.ScaleDownThreshold && current > policy.Min {
		if policy.LastScaleDownAt == nil || now.Sub(*policy.LastScaleDownAt) >= policy.ScaleDownCooldown {
			if err := m.requestScaleDown(ctx, userID, kind, agents); err != nil {
				return err
			}
			policy.LastScaleDownAt = &now
			_ = m.policies.Upsert(ctx, policy)
		}
	}
	return nil
}

func agentsForUser(ctx context.Context, repo storage.AgentRepository, kind domain.WorkerKind) ([]*domain.Agent, error) {
	avail, err := repo.ListAvailable(ctx, kind)
	if err != nil {
		return nil, err
	}
	busy, err := repo.ListByStatus(ctx, domain.AgentBusy)
	if err != nil {
		return nil, err
	}
	var out []*domain.Agent
	out = append(out, avail...)
	for _, a := range busy {
		if a.MatchesKind(kind) {
			out = append(out, a)
		}
	}
	return out, nil
}

func aggregateLoad(agents []*domain.Agent) float64 {
	if len(agents) == 0 {
		return 1 // no capacity at all reads as fully saturated
	}
	var sum float64
	for _, a := range agents {
		sum += a.LoadFactor()
	}
	return sum / float64(len(agents))
}

func (m *Manager) requestScaleUp(ctx context.Context, userID string, kind domain.WorkerKind, reason string) error {
	payload, err := json.Marshal(ScaleUpEvent{UserID: userID, WorkerKind: kind, Reason: reason})
	if err != nil {
		return err
	}
	msg := &domain.OutboxMessage{
		ID:          uuid.New().String(),
		EntityID:    userID + "|" + string(kind),
		Type:        domain.EventAgentScaleUp,
		Payload:     payload,
		OccurredAt:  time.Now(),
		MaxRetries:  3,
		NextRetryAt: time.Now(),
	}
	if err := m.outbox.Insert(ctx, msg); err != nil {
		return crawlerr.Wrap(crawlerr.Internal, "enqueue scale-up outbox message", err)
	}
	obslog.For("agentpool").Info().Str("user_id", userID).Str("kind", string(kind)).Msg("requested agent scale-up")
	return nil
}

func (m *Manager) requestScaleDown(ctx context.Context, userID string, kind domain.WorkerKind, agents []*domain.Agent) error {
	var target *domain.Agent
	for _, a := range agents {
		if a.Status != domain.AgentAvailable {
			continue
		}
		if target == nil || a.LoadFactor() < target.LoadFactor() {
			target = a
		}
	}
	if target == nil {
		return nil
	}

	removalAt := time.Now()
	_, err := m.agents.Update(ctx, target.ID, target.Version, func(a *domain.Agent) error {
		a.Status = domain.AgentDraining
		a.ScheduledForRemoval = &removalAt
		return nil
	})
	if err != nil {
		return crawlerr.Wrap(crawlerr.Internal, "mark agent draining", err)
	}

	payload, err := json.Marshal(ScaleDownEvent{UserID: userID, WorkerKind: kind, AgentID: target.ID})
	if err != nil {
		return err
	}
	msg := &domain.OutboxMessage{
		ID:          uuid.New().String(),
		EntityID:    userID + "|" + string(kind),
		Type:        domain.EventAgentScaleDown,
		Payload:     payload,
		OccurredAt:  time.Now(),
		MaxRetries:  3,
		NextRetryAt: time.Now(),
	}
	if err := m.outbox.Insert(ctx, msg); err != nil {
		return crawlerr.Wrap(crawlerr.Internal, "enqueue scale-down outbox message", err)
	}
	obslog.Agent(target.ID).Info().Msg("agent marked draining")
	return nil
}
