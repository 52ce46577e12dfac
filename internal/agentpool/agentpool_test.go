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

func newManager(t *testing.T) (*agentpool.Manager, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	repos := store.Repositories()
	return agentpool.New(repos.Agents, repos.ScalingPolicy, repos.Outbox, repos.Tx, 10*time.Minute), store
}

func TestRegisterAndPick(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	agent, err := mgr.Register(ctx, domain.WorkerKindHTTP, 2, false)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, agent.Status)

	picked, err := mgr.Pick(ctx, domain.WorkerKindHTTP, domain.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, picked.ID)
	assert.Equal(t, 1, picked.CurrentJobCount)
}

func TestPick_PrefersLeastLoaded(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	busy, err := mgr.Register(ctx, domain.WorkerKindHTTP, 2, false)
	require.NoError(t, err)
	idle, err := mgr.Register(ctx, domain.WorkerKindHTTP, 2, false)
	require.NoError(t, err)

	first, err := mgr.Pick(ctx, domain.WorkerKindHTTP, domain.PriorityNormal)
	require.NoError(t, err)

	// Whichever agent got picked first is now more loaded; the next Pick
	// should prefer the other one since both started at load 0.
	second, err := mgr.Pick(ctx, domain.WorkerKindHTTP, domain.PriorityNormal)
	require.NoError(t, err)
	assert.Contains(t, []string{busy.ID, idle.ID}, second.ID)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestPick_NoCapacityReturnsError(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	_, err := mgr.Register(ctx, domain.WorkerKindHeadless, 1, false)
	require.NoError(t, err)

	_, err = mgr.Pick(ctx, domain.WorkerKindHeadless, domain.PriorityNormal)
	require.NoError(t, err)

	_, err = mgr.Pick(ctx, domain.WorkerKindHeadless, domain.PriorityNormal)
	assert.Error(t, err)
}

func TestReleaseFreesSlot(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	agent, err := mgr.Register(ctx, domain.WorkerKindMobile, 1, false)
	require.NoError(t, err)

	_, err = mgr.Pick(ctx, domain.WorkerKindMobile, domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, mgr.Release(ctx, agent.ID))

	reread, err := mgr.Pick(ctx, domain.WorkerKindMobile, domain.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, reread.ID)
}

func TestHeartbeat_RetiresDrainingAgentAtZeroLoad(t *testing.T) {
	mgr, store := newManager(t)
	ctx := context.Background()

	agent, err := mgr.Register(ctx, domain.WorkerKindHTTP, 3, false)
	require.NoError(t, err)

	repo := store.Repositories().Agents
	_, err = repo.Update(ctx, agent.ID, agent.Version, func(a *domain.Agent) error {
		a.Status = domain.AgentDraining
		a.CurrentJobCount = 1
		return nil
	})
	require.NoError(t, err)

	updated, err := mgr.Heartbeat(ctx, agent.ID, 1, "draining")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentDraining, updated.Status, "still has load, must not retire yet")

	updated, err = mgr.Heartbeat(ctx, agent.ID, 0, "idle")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentRetired, updated.Status)
}

func TestHeartbeat_RecoversUnhealthyAgent(t *testing.T) {
	mgr, store := newManager(t)
	ctx := context.Background()

	agent, err := mgr.Register(ctx, domain.WorkerKindHTTP, 2, false)
	require.NoError(t, err)

	repo := store.Repositories().Agents
	_, err = repo.Update(ctx, agent.ID, agent.Version, func(a *domain.Agent) error {
		a.Status = domain.AgentUnhealthy
		return nil
	})
	require.NoError(t, err)

	updated, err := mgr.Heartbeat(ctx, agent.ID, 0, "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentAvailable, updated.Status)
}

func TestTick_MarksStaleAgentsUnhealthy(t *testing.T) {
	store := memstore.New()
	repos := store.Repositories()
	mgr := agentpool.New(repos.Agents, repos.ScalingPolicy, repos.Outbox, repos.Tx, time.Millisecond)
	ctx := context.Background()

	agent, err := mgr.Register(ctx, domain.WorkerKindHTTP, 2, false)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	unhealthy, err := mgr.Tick(ctx, nil)
	require.NoError(t, err)
	require.Contains(t, unhealthy, agent.ID)

	reread, err := repos.Agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentUnhealthy, reread.Status)
}

func TestRecordOutcome(t *testing.T) {
	mgr, store := newManager(t)
	ctx := context.Background()

	agent, err := mgr.Register(ctx, domain.WorkerKindHTTP, 2, false)
	require.NoError(t, err)

	require.NoError(t, mgr.RecordOutcome(ctx, agent.ID, true))
	require.NoError(t, mgr.RecordOutcome(ctx, agent.ID, false))

	reread, err := store.Repositories().Agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reread.SuccessCount)
	assert.EqualValues(t, 1, reread.FailureCount)
}

func TestDeregister(t *testing.T) {
	mgr, store := newManager(t)
	ctx := context.Background()

	agent, err := mgr.Register(ctx, domain.WorkerKindHTTP, 2, false)
	require.NoError(t, err)

	require.NoError(t, mgr.Deregister(ctx, agent.ID))

	_, err = store.Repositories().Agents.Get(ctx, agent.ID)
	assert.Error(t, err)
}
