package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caiatech/crawlorc/internal/bus"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/outbox"
	"github.com/caiatech/crawlorc/internal/storage/memstore"
)

type recordingPublisher struct {
	fail     bool
	received []bus.Message
}

func (p *recordingPublisher) Publish(ctx context.Context, msg bus.Message) error {
	if p.fail {
		return errors.New("publish failed")
	}
	p.received = append(p.received, msg)
	return nil
}

func TestPollOnce_MarksProcessedOnSuccess(t *testing.T) {
	store := memstore.New()
	repo := store.Repositories().Outbox
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, &domain.OutboxMessage{
		ID: "m1", EntityID: "job-1", Type: domain.EventJobSubmitted,
		Payload: []byte(`{}`), OccurredAt: time.Now(), MaxRetries: 3, NextRetryAt: time.Now(),
	}))

	pub := &recordingPublisher{}
	br := outbox.New(repo, pub, 10, 3, time.Second, time.Minute)

	n, err := br.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, pub.received, 1)
	assert.Equal(t, "job-1", pub.received[0].Key)

	remaining, err := repo.ListUnprocessed(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestPollOnce_RetriesOnFailure(t *testing.T) {
	store := memstore.New()
	repo := store.Repositories().Outbox
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, &domain.OutboxMessage{
		ID: "m1", EntityID: "job-1", Type: domain.EventJobSubmitted,
		Payload: []byte(`{}`), OccurredAt: time.Now(), MaxRetries: 3, NextRetryAt: time.Now(),
	}))

	pub := &recordingPublisher{fail: true}
	br := outbox.New(repo, pub, 10, 3, time.Second, time.Minute)

	_, err := br.PollOnce(ctx)
	require.NoError(t, err)

	// still unprocessed but scheduled in the future, so an immediate re-poll sees nothing
	remaining, err := repo.ListUnprocessed(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	future, err := repo.ListUnprocessed(ctx, time.Now().Add(2*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, future, 1)
	assert.Equal(t, 1, future[0].RetryCount)
}

func TestPollOnce_MarksDeadAfterMaxRetries(t *testing.T) {
	store := memstore.New()
	repo := store.Repositories().Outbox
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, &domain.OutboxMessage{
		ID: "m1", EntityID: "job-1", Type: domain.EventJobSubmitted,
		Payload: []byte(`{}`), OccurredAt: time.Now(), RetryCount: 2, MaxRetries: 3, NextRetryAt: time.Now(),
	}))

	pub := &recordingPublisher{fail: true}
	br := outbox.New(repo, pub, 10, 3, time.Second, time.Minute)

	_, err := br.PollOnce(ctx)
	require.NoError(t, err)

	future, err := repo.ListUnprocessed(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, future, "dead rows must never be retried again")
}
