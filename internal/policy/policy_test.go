package policy_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/policy"
	"github.com/caiatech/crawlorc/internal/quota"
	"github.com/caiatech/crawlorc/internal/storage/memstore"
)

func newAdmitter(t *testing.T, rules []policy.DomainRule) (*policy.Admitter, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	repos := store.Repositories()

	require.NoError(t, repos.Quota.Upsert(context.Background(), &domain.QuotaSnapshot{
		UserID: "user-1", Limit: 10, Used: 0, ResetAt: time.Now().Add(24 * time.Hour),
	}))

	ledger := quota.New(repos.Quota, nil, nil)
	a := policy.New(repos.Jobs, repos.Participants, repos.Templates, repos.Outbox, repos.Tx, ledger, rules, nil)
	return a, store
}

func TestAdmit_HappyPath(t *testing.T) {
	a, _ := newAdmitter(t, nil)

	job, err := a.Admit(context.Background(), policy.SubmitRequest{
		Requester: policy.Requester{UserID: "user-1"},
		URLs:      []string{"https://a.test/x"},
		Prompt:    "extract title",
		Priority:  domain.PriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, []string{"https://a.test/x"}, job.URLs)
}

func TestAdmit_NormalizesSchemelessURL(t *testing.T) {
	a, _ := newAdmitter(t, nil)

	job, err := a.Admit(context.Background(), policy.SubmitRequest{
		Requester: policy.Requester{UserID: "user-1"},
		URLs:      []string{"a.test/x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://a.test/x", job.URLs[0])
}

func TestAdmit_RejectsMalformedURL(t *testing.T) {
	a, _ := newAdmitter(t, nil)

	_, err := a.Admit(context.Background(), policy.SubmitRequest{
		Requester: policy.Requester{UserID: "user-1"},
		URLs:      []string{"://not-a-url"},
	})
	require.Error(t, err)
	assert.Equal(t, crawlerr.PolicyViolation, crawlerr.KindOf(err))
}

func TestAdmit_BlocksDisallowedDomain(t *testing.T) {
	rules := []policy.DomainRule{
		{HostPattern: regexp.MustCompile(`^blocked\.test$`), Disposition: policy.DomainBlock},
	}
	a, _ := newAdmitter(t, rules)

	_, err := a.Admit(context.Background(), policy.SubmitRequest{
		Requester: policy.Requester{UserID: "user-1"},
		URLs:      []string{"https://blocked.test/x"},
	})
	require.Error(t, err)
	assert.Equal(t, crawlerr.PolicyViolation, crawlerr.KindOf(err))
}

func TestAdmit_RestrictedDomainRequiresTier(t *testing.T) {
	rules := []policy.DomainRule{
		{HostPattern: regexp.MustCompile(`^premium\.test$`), Disposition: policy.DomainRestricted, MinTier: "pro"},
	}
	a, _ := newAdmitter(t, rules)

	_, err := a.Admit(context.Background(), policy.SubmitRequest{
		Requester: policy.Requester{UserID: "user-1", Tier: "free", TierRank: map[string]int{"free": 0, "pro": 1}},
		URLs:      []string{"https://premium.test/x"},
	})
	require.Error(t, err)
	assert.Equal(t, crawlerr.PolicyViolation, crawlerr.KindOf(err))

	job, err := a.Admit(context.Background(), policy.SubmitRequest{
		Requester: policy.Requester{UserID: "user-1", Tier: "pro", TierRank: map[string]int{"free": 0, "pro": 1}},
		URLs:      []string{"https://premium.test/x"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
}

func TestAdmit_RejectsWhenQuotaExhausted(t *testing.T) {
	a, store := newAdmitter(t, nil)
	ctx := context.Background()

	snap, err := store.Repositories().Quota.Get(ctx, "user-1")
	require.NoError(t, err)
	snap.Used = snap.Limit
	require.NoError(t, store.Repositories().Quota.Upsert(ctx, snap))

	_, err = a.Admit(ctx, policy.SubmitRequest{
		Requester: policy.Requester{UserID: "user-1"},
		URLs:      []string{"https://a.test/x"},
	})
	require.Error(t, err)
	assert.Equal(t, crawlerr.QuotaExceeded, crawlerr.KindOf(err))
}

func TestClassifyURL(t *testing.T) {
	u, err := policy.NormalizeURL("app.test/bundle.js")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerKindHeadless, policy.ClassifyURL(u))

	u, err = policy.NormalizeURL("api.test/v1/items")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerKindMobile, policy.ClassifyURL(u))

	u, err = policy.NormalizeURL("plain.test/page.html")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerKindHTTP, policy.ClassifyURL(u))
}
