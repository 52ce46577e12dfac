// Package fanout implements Progress Fan-out: it routes
// crawl.progress and crawl.result bus events to per-job subscribers through
// a bounded queue, dropping only the oldest progress event under pressure
// and persisting CrawlResult rows before forwarding a terminal event.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/caiatech/crawlorc/internal/bus"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/obslog"
	"github.com/caiatech/crawlorc/internal/storage"
)

// Event is what a subscriber receives: either a progress update or (once,
// terminally) the job's final outcome.
type Event struct {
	JobID    string
	Terminal bool
	Success  bool
	Progress ProgressSnapshot
}

// ProgressSnapshot mirrors the in-memory aggregates the fan-out keeps per
// job between persisted updates.
type ProgressSnapshot struct {
	URLsProcessed  int
	URLsSuccessful int
	URLsFailed     int
}

type subscription struct {
	queue chan Event
}

// DefaultQueueDepth bounds a subscriber's pending-event backlog.
const DefaultQueueDepth = 64

// Fanout is the Progress Fan-out service.
type Fanout struct {
	results storage.ResultRepository
	jobs    storage.JobRepository

	mu     sync.Mutex
	subs   map[string]map[int]*subscription // jobID -> subID -> subscription
	nextID int
	snaps  map[string]ProgressSnapshot

	queueDepth int
}

// New constructs a Fanout and subscribes it to the bus's crawl progress and
// result topics.
func New(b bus.Subscriber, results storage.ResultRepository, jobs storage.JobRepository, queueDepth int) *Fanout {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	f := &Fanout{
		results:    results,
		jobs:       jobs,
		subs:       make(map[string]map[int]*subscription),
		snaps:      make(map[string]ProgressSnapshot),
		queueDepth: queueDepth,
	}
	b.Subscribe(bus.TopicCrawlProgress, f.handleProgress)
	b.Subscribe(bus.TopicCrawlResult, f.handleTerminal)
	return f
}

// Subscribe registers interest in jobID's events and returns the receive
// channel plus an unsubscribe function.
func (f *Fanout) Subscribe(jobID string) (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs[jobID] == nil {
		f.subs[jobID] = make(map[int]*subscription)
	}
	id := f.nextID
	f.nextID++
	sub := &subscription{queue: make(chan Event, f.queueDepth)}
	f.subs[jobID][id] = sub

	return sub.queue, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if subs := f.subs[jobID]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(f.subs, jobID)
			}
		}
	}
}

// push delivers evt to every subscriber of jobID. If a subscriber's queue is
// full, the oldest queued event is evicted to make room, so a slow consumer
// always sees the freshest progress and a terminal event is never dropped.
func (f *Fanout) push(jobID string, evt Event) {
	f.mu.Lock()
	subs := f.subs[jobID]
	targets := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	f.mu.Unlock()

	for _, s := range targets {
		select {
		case s.queue <- evt:
		default:
			select {
			case old := <-s.queue:
				if old.Terminal && !evt.Terminal {
					select {
					case s.queue <- old:
					default:
					}
					continue
				}
			default:
			}
			select {
			case s.queue <- evt:
			default:
			}
		}
	}
}

func (f *Fanout) handleProgress(ctx context.Context, msg bus.Message) error {
	var evt struct {
		JobID          string `json:"job_id"`
		URLsProcessed  int    `json:"urls_processed"`
		URLsSuccessful int    `json:"urls_successful"`
		URLsFailed     int    `json:"urls_failed"`
	}
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return err
	}

	snap := ProgressSnapshot{URLsProcessed: evt.URLsProcessed, URLsSuccessful: evt.URLsSuccessful, URLsFailed: evt.URLsFailed}
	f.mu.Lock()
	f.snaps[evt.JobID] = snap
	f.mu.Unlock()

	f.push(evt.JobID, Event{JobID: evt.JobID, Progress: snap})
	return nil
}

// updateAggregates writes the recounted URL totals onto the job row,
// re-reading and retrying on every lost optimistic-concurrency race until
// the update lands or the read fails.
func (f *Fanout) updateAggregates(ctx context.Context, jobID string, total, successful, failed int) error {
	for {
		cur, err := f.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		_, err = f.jobs.Update(ctx, jobID, cur.Version, func(j *domain.CrawlJob) error {
			j.URLsProcessed = total
			j.URLsSuccessful = successful
			j.URLsFailed = failed
			return nil
		})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		return err
	}
}

func (f *Fanout) handleTerminal(ctx context.Context, msg bus.Message) error {
	var evt struct {
		JobID     string              `json:"job_id"`
		Success   bool                `json:"success"`
		ErrorText string              `json:"error"`
		Results   []domain.CrawlResult `json:"results"`
	}
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return err
	}

	for i := range evt.Results {
		r := evt.Results[i]
		r.JobID = evt.JobID
		if err := f.results.Insert(ctx, &r); err != nil {
			obslog.Job(evt.JobID, "").Warn().Err(err).Msg("failed to persist crawl result")
		}
	}

	total, successful, failed, err := f.results.CountByJob(ctx, evt.JobID)
	if err != nil {
		obslog.Job(evt.JobID, "").Warn().Err(err).Msg("failed to recount job results")
	} else if err := f.updateAggregates(ctx, evt.JobID, total, successful, failed); err != nil {
		obslog.Job(evt.JobID, "").Warn().Err(err).Msg("failed to update job aggregates")
	}

	f.mu.Lock()
	delete(f.snaps, evt.JobID)
	f.mu.Unlock()

	f.push(evt.JobID, Event{JobID: evt.JobID, Terminal: true, Success: evt.Success})
	return nil
}
