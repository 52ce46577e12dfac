// Package quota implements the Quota Ledger: a per-user
// accounting of remaining crawl units, cache-accelerated for reads and
// durable for writes.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/obslog"
	"github.com/caiatech/crawlorc/internal/storage"
	"github.com/caiatech/crawlorc/internal/storage/cache"
)

// UpstreamUserService is the external collaborator SyncFromUpstream pulls
// the authoritative limit and reset date from.
type UpstreamUserService interface {
	GetQuotaLimit(ctx context.Context, userID string) (limit int, resetAt time.Time, err error)
}

// Ledger is the Quota Ledger service.
type Ledger struct {
	repo     storage.QuotaRepository
	cache    *cache.QuotaCache // may be nil: durable store is then always authoritative
	upstream UpstreamUserService
}

// New constructs a Ledger. cache may be nil to disable the read-through
// mirror entirely.
func New(repo storage.QuotaRepository, qc *cache.QuotaCache, upstream UpstreamUserService) *Ledger {
	return &Ledger{repo: repo, cache: qc, upstream: upstream}
}

// HasQuota reports whether userID has at least n units remaining, reading
// from the cache when fresh and falling back to the durable store
// otherwise.
func (l *Ledger) HasQuota(ctx context.Context, userID string, n int) (bool, error) {
	logger := obslog.Quota(userID)

	if l.cache != nil {
		if snap, fresh, err := l.cache.Get(userID); err == nil && fresh && snap != nil {
			return snap.Remaining() >= n, nil
		}
	}

	snap, err := l.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, crawlerr.Wrap(crawlerr.NotFound, "no quota snapshot for user", err)
		}
		return false, crawlerr.Wrap(crawlerr.Internal, "read quota snapshot", err)
	}

	if l.cache != nil {
		if err := l.cache.Put(userID, snap); err != nil {
			logger.Warn().Err(err).Msg("failed to refresh quota cache mirror")
		}
	}
	return snap.Remaining() >= n, nil
}

// Reserve atomically debits n units, idempotent given reservationKey
// (typically the job identifier), and refreshes the cache mirror only after
// the durable write commits.
func (l *Ledger) Reserve(ctx context.Context, userID string, n int, reservationKey string) (*domain.QuotaSnapshot, error) {
	logger := obslog.Quota(userID)

	snap, err := l.repo.Reserve(ctx, userID, n, reservationKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, crawlerr.Wrap(crawlerr.NotFound, "no quota snapshot for user", err)
		}
		limit, used, ok := quotaExceededDetail(err)
		if ok {
			return nil, crawlerr.QuotaErr(limit, used, "")
		}
		return nil, crawlerr.Wrap(crawlerr.Internal, "reserve quota", err)
	}

	if l.cache != nil {
		if err := l.cache.Put(userID, snap); err != nil {
			logger.Warn().Err(err).Msg("failed to refresh quota cache mirror after reserve")
		}
	}
	return snap, nil
}

// Refund increments remaining without exceeding the limit.
// reason documents why the refund happened (cancellation, partial failure).
func (l *Ledger) Refund(ctx context.Context, userID string, n int, reason string) (*domain.QuotaSnapshot, error) {
	if n <= 0 {
		snap, err := l.repo.Get(ctx, userID)
		if err != nil {
			return nil, crawlerr.Wrap(crawlerr.Internal, "read quota snapshot", err)
		}
		return snap, nil
	}

	logger := obslog.Quota(userID)
	snap, err := l.repo.Refund(ctx, userID, n, reason)
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.Internal, "refund quota", err)
	}
	logger.Info().Int("units", n).Str("reason", reason).Msg("quota refunded")

	if l.cache != nil {
		if err := l.cache.Put(userID, snap); err != nil {
			logger.Warn().Err(err).Msg("failed to refresh quota cache mirror after refund")
		}
	}
	return snap, nil
}

// SyncFromUpstream reconciles the local snapshot against the external user
// service, honoring the override flag which is sticky until explicitly
// cleared.
func (l *Ledger) SyncFromUpstream(ctx context.Context, userID string) (*domain.QuotaSnapshot, error) {
	if l.upstream == nil {
		return nil, crawlerr.New(crawlerr.Internal, "no upstream user service configured")
	}

	snap, err := l.repo.Get(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, crawlerr.Wrap(crawlerr.Internal, "read quota snapshot", err)
	}
	if snap == nil {
		snap = &domain.QuotaSnapshot{UserID: userID, Source: "upstream"}
	}

	if snap.Override {
		// Overrides are sticky until cleared; only SyncedAt advances.
		snap.SyncedAt = time.Now()
		if err := l.repo.Upsert(ctx, snap); err != nil {
			return nil, crawlerr.Wrap(crawlerr.Internal, "persist quota snapshot", err)
		}
		return snap, nil
	}

	limit, resetAt, err := l.upstream.GetQuotaLimit(ctx, userID)
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.Internal, "query upstream user service", err)
	}

	snap.Limit = limit
	snap.ResetAt = resetAt
	snap.SyncedAt = time.Now()
	snap.Source = "upstream"
	if err := l.repo.Upsert(ctx, snap); err != nil {
		return nil, crawlerr.Wrap(crawlerr.Internal, "persist quota snapshot", err)
	}

	if l.cache != nil {
		_ = l.cache.Invalidate(userID)
	}
	return snap, nil
}

// quotaExceededDetail type-asserts against both backing stores' exported
// error shapes without importing either directly, keeping quota.Ledger
// storage-agnostic.
func quotaExceededDetail(err error) (limit, used int, ok bool) {
	type detailed interface{ QuotaDetail() (int, int) }
	var d detailed
	if errors.As(err, &d) {
		l, u := d.QuotaDetail()
		return l, u, true
	}
	return 0, 0, false
}
