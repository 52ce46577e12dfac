package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/quota"
	"github.com/caiatech/crawlorc/internal/storage/memstore"
)

type fakeUpstream struct {
	limit   int
	resetAt time.Time
	err     error
}

func (f *fakeUpstream) GetQuotaLimit(ctx context.Context, userID string) (int, time.Time, error) {
	return f.limit, f.resetAt, f.err
}

func seedQuota(t *testing.T, store *memstore.Store, userID string, limit, used int) {
	t.Helper()
	require.NoError(t, store.Repositories().Quota.Upsert(context.Background(), &domain.QuotaSnapshot{
		UserID: userID, Limit: limit, Used: used, ResetAt: time.Now().Add(time.Hour), SyncedAt: time.Now(),
	}))
}

func TestHasQuota(t *testing.T) {
	store := memstore.New()
	seedQuota(t, store, "u1", 100, 40)
	ledger := quota.New(store.Repositories().Quota, nil, nil)

	ok, err := ledger.HasQuota(context.Background(), "u1", 50)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.HasQuota(context.Background(), "u1", 61)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasQuota_UnknownUserIsNotFound(t *testing.T) {
	store := memstore.New()
	ledger := quota.New(store.Repositories().Quota, nil, nil)

	_, err := ledger.HasQuota(context.Background(), "ghost", 1)
	require.Error(t, err)
	assert.Equal(t, crawlerr.NotFound, crawlerr.KindOf(err))
}

func TestReserve_DebitsAndIsIdempotent(t *testing.T) {
	store := memstore.New()
	seedQuota(t, store, "u1", 100, 0)
	ledger := quota.New(store.Repositories().Quota, nil, nil)
	ctx := context.Background()

	snap, err := ledger.Reserve(ctx, "u1", 10, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Used)

	// Same reservation key must not double-debit.
	snap, err = ledger.Reserve(ctx, "u1", 10, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Used)
}

func TestReserve_QuotaExceeded(t *testing.T) {
	store := memstore.New()
	seedQuota(t, store, "u1", 10, 8)
	ledger := quota.New(store.Repositories().Quota, nil, nil)

	_, err := ledger.Reserve(context.Background(), "u1", 5, "job-2")
	require.Error(t, err)
	assert.Equal(t, crawlerr.QuotaExceeded, crawlerr.KindOf(err))
}

func TestRefund(t *testing.T) {
	store := memstore.New()
	seedQuota(t, store, "u1", 100, 30)
	ledger := quota.New(store.Repositories().Quota, nil, nil)
	ctx := context.Background()

	snap, err := ledger.Refund(ctx, "u1", 10, "job cancelled")
	require.NoError(t, err)
	assert.Equal(t, 20, snap.Used)
}

func TestRefund_ZeroIsNoop(t *testing.T) {
	store := memstore.New()
	seedQuota(t, store, "u1", 100, 30)
	ledger := quota.New(store.Repositories().Quota, nil, nil)

	snap, err := ledger.Refund(context.Background(), "u1", 0, "nothing to refund")
	require.NoError(t, err)
	assert.Equal(t, 30, snap.Used)
}

func TestSyncFromUpstream_PullsLimit(t *testing.T) {
	store := memstore.New()
	resetAt := time.Now().Add(24 * time.Hour)
	ledger := quota.New(store.Repositories().Quota, nil, &fakeUpstream{limit: 500, resetAt: resetAt})

	snap, err := ledger.SyncFromUpstream(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 500, snap.Limit)
	assert.Equal(t, "upstream", snap.Source)
}

func TestSyncFromUpstream_OverrideIsSticky(t *testing.T) {
	store := memstore.New()
	seedQuota(t, store, "u1", 999, 0)
	require.NoError(t, store.Repositories().Quota.Upsert(context.Background(), &domain.QuotaSnapshot{
		UserID: "u1", Limit: 999, Used: 0, ResetAt: time.Now().Add(time.Hour), SyncedAt: time.Now(), Override: true,
	}))
	ledger := quota.New(store.Repositories().Quota, nil, &fakeUpstream{limit: 5})

	snap, err := ledger.SyncFromUpstream(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 999, snap.Limit, "override must not be clobbered by the upstream limit")
}

func TestSyncFromUpstream_NoUpstreamConfigured(t *testing.T) {
	store := memstore.New()
	ledger := quota.New(store.Repositories().Quota, nil, nil)

	_, err := ledger.SyncFromUpstream(context.Background(), "u1")
	assert.Error(t, err)
}
