// Package workerclient implements the Crawl Worker Client:
// fire-and-forget submission to an agent's HTTP endpoint, with progress and
// terminal events consumed off the shared bus keyed by job identifier.
// Outbound calls go through a plain net/http.Client; submissions are
// rate-limited per agent with a golang.org/x/time/rate token bucket so a
// flapping retry loop cannot hammer a single worker instance. Cancel and
// Health requests are not rate-limited.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/caiatech/crawlorc/internal/bus"
	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/obslog"
)

// SubmitPayload is serialized to the agent's submission endpoint.
type SubmitPayload struct {
	JobID            string   `json:"job_id"`
	URLs             []string `json:"urls"`
	Prompt           string   `json:"prompt"`
	MaxPages         *int     `json:"max_pages,omitempty"`
	NavigationPlanID *string  `json:"navigation_plan_id,omitempty"`
}

// ProgressEvent is the envelope the worker publishes on bus.TopicCrawlProgress.
type ProgressEvent struct {
	JobID          string `json:"job_id"`
	Seq            int64  `json:"seq"`
	URLsProcessed  int    `json:"urls_processed"`
	URLsSuccessful int    `json:"urls_successful"`
	URLsFailed     int    `json:"urls_failed"`
}

// TerminalEvent is the envelope the worker publishes on bus.TopicCrawlResult
// when the job finishes, successfully or not.
type TerminalEvent struct {
	JobID     string `json:"job_id"`
	Seq       int64  `json:"seq"`
	Success   bool   `json:"success"`
	ErrorText string `json:"error,omitempty"`
}

// AgentEndpoint resolves where a job should be POSTed given the agent that
// was picked for it.
type AgentEndpoint interface {
	SubmitURL(agentID string) (string, error)
}

// Client is the Crawl Worker Client.
type Client struct {
	httpClient *http.Client
	endpoints  AgentEndpoint
	bus        bus.Bus

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rps       float64
	burst     int

	seqMu   sync.Mutex
	lastSeq map[string]int64 // jobID -> last accepted sequence number
}

// New constructs a Client. rps/burst bound outbound submissions per agent.
func New(httpClient *http.Client, endpoints AgentEndpoint, b bus.Bus, rps float64, burst int) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		endpoints:  endpoints,
		bus:        b,
		limiters:   make(map[string]*rate.Limiter),
		rps:        rps,
		burst:      burst,
		lastSeq:    make(map[string]int64),
	}
}

func (c *Client) limiterFor(agentID string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	l, ok := c.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.rps), c.burst)
		c.limiters[agentID] = l
	}
	return l
}

// Submit serializes the job and POSTs it to the chosen agent, returning as
// soon as the agent accepts it. It does not wait for any bus event.
func (c *Client) Submit(ctx context.Context, agentID string, job *domain.CrawlJob) error {
	if err := c.limiterFor(agentID).Wait(ctx); err != nil {
		return crawlerr.Wrap(crawlerr.Timeout, "rate limit wait cancelled", err)
	}

	endpoint, err := c.endpoints.SubmitURL(agentID)
	if err != nil {
		return crawlerr.Wrap(crawlerr.WorkerUnavailable, "resolve agent endpoint", err)
	}

	body, err := json.Marshal(SubmitPayload{
		JobID: job.ID, URLs: job.URLs, Prompt: job.Prompt,
		MaxPages: job.MaxPages, NavigationPlanID: job.NavigationPlanID,
	})
	if err != nil {
		return crawlerr.Wrap(crawlerr.Internal, "marshal submit payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return crawlerr.Wrap(crawlerr.Internal, "build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crawlerr.Wrap(crawlerr.WorkerUnavailable, "submit job to agent", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return crawlerr.New(crawlerr.WorkerUnavailable, fmt.Sprintf("agent refused submission: %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return crawlerr.New(crawlerr.Internal, fmt.Sprintf("agent rejected submission: %d", resp.StatusCode))
	}

	obslog.Job(job.ID, "").Info().Str("agent_id", agentID).Msg("job submitted to agent")
	return nil
}

// CancelEndpoint is implemented by AgentEndpoint providers that also
// resolve a best-effort cancel URL; the in-process EndpointRegistry
// satisfies it.
type CancelEndpoint interface {
	CancelURL(agentID, jobID string) (string, error)
}

// Cancel sends the worker a best-effort cancel for jobID. A failed HTTP
// request is logged and swallowed; an endpoint that cannot be resolved or a
// request that cannot be built is returned as an error. Cancellation finality is enforced by the lifecycle
// engine's own state machine, which waits a bounded grace period for a
// terminal event and then force-finalizes, whether or not the worker
// acknowledged in time.
func (c *Client) Cancel(ctx context.Context, agentID, jobID string) error {
	resolver, ok := c.endpoints.(CancelEndpoint)
	if !ok {
		return nil
	}
	endpoint, err := resolver.CancelURL(agentID, jobID)
	if err != nil {
		return crawlerr.Wrap(crawlerr.WorkerUnavailable, "resolve agent cancel endpoint", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return crawlerr.Wrap(crawlerr.Internal, "build cancel request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		obslog.Job(jobID, "").Warn().Err(err).Str("agent_id", agentID).Msg("best-effort cancel request failed")
		return nil
	}
	defer resp.Body.Close()
	return nil
}

// HealthEndpoint is implemented by AgentEndpoint providers that also
// resolve an agent's liveness URL.
type HealthEndpoint interface {
	HealthURL(agentID string) (string, error)
}

// Health actively probes an agent's liveness endpoint, complementing the
// push-based heartbeats the pool manager normally relies on.
func (c *Client) Health(ctx context.Context, agentID string) error {
	resolver, ok := c.endpoints.(HealthEndpoint)
	if !ok {
		return crawlerr.New(crawlerr.Internal, "endpoint resolver cannot resolve health URLs")
	}
	endpoint, err := resolver.HealthURL(agentID)
	if err != nil {
		return crawlerr.Wrap(crawlerr.WorkerUnavailable, "resolve agent health endpoint", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return crawlerr.Wrap(crawlerr.Internal, "build health request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crawlerr.Wrap(crawlerr.WorkerUnavailable, "probe agent health", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return crawlerr.New(crawlerr.WorkerUnavailable, fmt.Sprintf("agent unhealthy: %d", resp.StatusCode))
	}
	return nil
}

// accept compares seq against the last seen sequence for jobID; duplicate
// and out-of-order events are dropped so redelivery leaves state unchanged.
func (c *Client) accept(jobID string, seq int64) bool {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	if seq <= c.lastSeq[jobID] {
		return false
	}
	c.lastSeq[jobID] = seq
	return true
}

// forgetJob drops the sequence tracking state for a finished job.
func (c *Client) forgetJob(jobID string) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	delete(c.lastSeq, jobID)
}

// OnProgress subscribes handler to progress events for the given job,
// discarding out-of-order or duplicate deliveries. Returns an unsubscribe
// function.
func (c *Client) OnProgress(jobID string, handler func(ProgressEvent)) func() {
	return c.bus.Subscribe(bus.TopicCrawlProgress, func(ctx context.Context, msg bus.Message) error {
		if msg.Key != jobID {
			return nil
		}
		var evt ProgressEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			return err
		}
		if !c.accept(jobID, evt.Seq) {
			return nil
		}
		handler(evt)
		return nil
	})
}

// OnTerminal subscribes handler to the single terminal event for jobID, then
// unsubscribes itself and clears sequence tracking so it does not leak
// across the lifetime of many jobs sharing the process.
func (c *Client) OnTerminal(jobID string, handler func(TerminalEvent)) func() {
	var unsubscribe func()
	unsubscribe = c.bus.Subscribe(bus.TopicCrawlResult, func(ctx context.Context, msg bus.Message) error {
		if msg.Key != jobID {
			return nil
		}
		var evt TerminalEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			return err
		}
		if !c.accept(jobID, evt.Seq) {
			return nil
		}
		handler(evt)
		c.forgetJob(jobID)
		if unsubscribe != nil {
			unsubscribe()
		}
		return nil
	})
	return unsubscribe
}

// SubmitSync submits and blocks until the terminal event arrives or the
// deadline elapses. For small test crawls; production uses Submit.
func (c *Client) SubmitSync(ctx context.Context, agentID string, job *domain.CrawlJob, deadline time.Duration) (*TerminalEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result := make(chan TerminalEvent, 1)
	unsubscribe := c.OnTerminal(job.ID, func(evt TerminalEvent) {
		select {
		case result <- evt:
		default:
		}
	})
	defer unsubscribe()

	if err := c.Submit(ctx, agentID, job); err != nil {
		return nil, err
	}

	select {
	case evt := <-result:
		return &evt, nil
	case <-ctx.Done():
		return nil, crawlerr.Wrap(crawlerr.Timeout, "sync crawl deadline exceeded", ctx.Err())
	}
}
