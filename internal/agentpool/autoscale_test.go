package agentpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/crawlorc/internal/agentpool"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/storage/memstore"
)

func TestAutoScale_ScalesUpWhenLoadedAboveThreshold(t *testing.T) {
	store := memstore.New()
	repos := store.Repositories()
	mgr := agentpool.New(repos.Agents, repos.ScalingPolicy, repos.Outbox, repos.Tx, time.Hour)
	ctx := context.Background()

	require.NoError(t, repos.ScalingPolicy.Upsert(ctx, &domain.ScalingPolicy{
		UserID: "u1", WorkerKind: domain.WorkerKindHTTP,
		Min: 1, Max: 5, AutoScale: true,
		ScaleUpThreshold: 0.5, ScaleDownThreshold: 0.1,
		ScaleUpCooldown: time.Minute, ScaleDownCooldown: time.Minute,
		MaxHourlyCost: 100,
	}))

	agent, err := mgr.Register(ctx, domain.WorkerKindHTTP, 2, false)
	require.NoError(t, err)
	_, err = repos.Agents.Update(ctx, agent.ID, agent.Version, func(a *domain.Agent) error {
		a.CurrentJobCount = 2 // fully loaded, load factor 1.0 > threshold 0.5
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, mgr.AutoScale(ctx, "u1", domain.WorkerKindHTTP))

	unprocessed, err := repos.Outbox.ListUnprocessed(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	assert.Equal(t, domain.EventAgentScaleUp, unprocessed[0].Type)
}

func TestAutoScale_ScalesDownWhenIdle(t *testing.T) {
	store := memstore.New()
	repos := store.Repositories()
	mgr := agentpool.New(repos.Agents, repos.ScalingPolicy, repos.Outbox, repos.Tx, time.Hour)
	ctx := context.Background()

	require.NoError(t, repos.ScalingPolicy.Upsert(ctx, &domain.ScalingPolicy{
		UserID: "u2", WorkerKind: domain.WorkerKindHTTP,
		Min: 0, Max: 5, AutoScale: true,
		ScaleUpThreshold: 0.8, ScaleDownThreshold: 0.2,
		ScaleUpCooldown: time.Minute, ScaleDownCooldown: time.Minute,
		MaxHourlyCost: 100,
	}))

	agent, err := mgr.Register(ctx, domain.WorkerKindHTTP, 4, false)
	require.NoError(t, err)

	require.NoError(t, mgr.AutoScale(ctx, "u2", domain.WorkerKindHTTP))

	reread, err := repos.Agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentDraining, reread.Status)

	unprocessed, err := repos.Outbox.ListUnprocessed(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	assert.Equal(t, domain.EventAgentScaleDown, unprocessed[0].Type)
}

func TestAutoScale_NoPolicyIsNoop(t *testing.T) {
	store := memstore.New()
	repos := store.Repositories()
	mgr := agentpool.New(repos.Agents, repos.ScalingPolicy, repos.Outbox, repos.Tx, time.Hour)

	assert.NoError(t, mgr.AutoScale(context.Background(), "no-such-user", domain.WorkerKindHTTP))
}
