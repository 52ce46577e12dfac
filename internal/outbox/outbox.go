// Package outbox implements the Outbox & Event Bus Bridge: a
// background poller that turns rows written inside a domain-state
// transaction into at-least-once bus deliveries, with exponential backoff
// and dead-lettering on repeated failure.
package outbox

import (
	"context"
	"time"

	"github.com/caiatech/crawlorc/internal/bus"
	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/obslog"
	"github.com/caiatech/crawlorc/internal/storage"
)

// TopicFor maps an outbox event type to the bus topic external consumers
// subscribe to. Scaling events address the external agent orchestrator on
// the crawl request topic; job lifecycle events are notification-facing.
// Worker protocol events never flow through the outbox, they are published
// directly by the crawl worker.
func TopicFor(t domain.OutboxEventType) bus.Topic {
	switch t {
	case domain.EventAgentScaleUp, domain.EventAgentScaleDown:
		return bus.TopicCrawlRequest
	default:
		return bus.TopicUserEvents
	}
}

// Bridge is the Outbox & Event Bus Bridge.
type Bridge struct {
	repo        storage.OutboxRepository
	bus         bus.Publisher
	batchSize   int
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// New constructs a Bridge. maxRetries is the dead-letter threshold for rows
// that don't carry their own; backoffBase/backoffCap bound the exponential
// retry schedule.
func New(repo storage.OutboxRepository, b bus.Publisher, batchSize, maxRetries int, backoffBase, backoffCap time.Duration) *Bridge {
	return &Bridge{repo: repo, bus: b, batchSize: batchSize, maxRetries: maxRetries, backoffBase: backoffBase, backoffCap: backoffCap}
}

// PollOnce processes one batch of unprocessed rows, publishing each to the
// bus and marking it processed, retried with backoff, or dead once retries
// are exhausted. It returns the number of rows it attempted.
func (br *Bridge) PollOnce(ctx context.Context) (int, error) {
	now := time.Now()
	msgs, err := br.repo.ListUnprocessed(ctx, now, br.batchSize)
	if err != nil {
		return 0, crawlerr.Wrap(crawlerr.Internal, "list unprocessed outbox rows", err)
	}

	for _, msg := range msgs {
		br.processOne(ctx, msg, now)
	}
	return len(msgs), nil
}

func (br *Bridge) processOne(ctx context.Context, msg *domain.OutboxMessage, now time.Time) {
	logger := obslog.Outbox()

	err := br.bus.Publish(ctx, bus.Message{
		Topic: TopicFor(msg.Type),
		Key:   msg.EntityID,
		Seq:   msg.OccurredAt.UnixNano(),
		Body:  msg.Payload,
	})
	if err == nil {
		if markErr := br.repo.MarkProcessed(ctx, msg.ID, now); markErr != nil {
			logger.Warn().Err(markErr).Str("outbox_id", msg.ID).Msg("failed to mark outbox row processed")
		}
		return
	}

	logger.Warn().Err(err).Str("outbox_id", msg.ID).Str("type", string(msg.Type)).Msg("outbox publish failed")

	maxRetries := msg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = br.maxRetries
	}
	if msg.RetryCount+1 >= maxRetries {
		if deadErr := br.repo.MarkDead(ctx, msg.ID, err.Error()); deadErr != nil {
			logger.Error().Err(deadErr).Str("outbox_id", msg.ID).Msg("failed to mark outbox row dead")
		} else {
			logger.Error().Str("outbox_id", msg.ID).Str("type", string(msg.Type)).Msg("outbox row exhausted retries, marked dead")
		}
		return
	}

	next := backoff(br.backoffBase, br.backoffCap, msg.RetryCount)
	if retryErr := br.repo.MarkRetry(ctx, msg.ID, now.Add(next), err.Error()); retryErr != nil {
		logger.Warn().Err(retryErr).Str("outbox_id", msg.ID).Msg("failed to schedule outbox retry")
	}
}

// backoff doubles base per attempt, capped, matching the engine's own retry
// schedule shape so both subsystems behave predictably under
// the same outage.
func backoff(base, capDur time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= capDur {
			return capDur
		}
	}
	if d > capDur {
		return capDur
	}
	return d
}
