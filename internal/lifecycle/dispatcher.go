package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/caiatech/crawlorc/internal/agentpool"
	"github.com/caiatech/crawlorc/internal/bus"
	"github.com/caiatech/crawlorc/internal/config"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/obslog"
	"github.com/caiatech/crawlorc/internal/storage"
)

// Dispatcher starts a CrawlJobWorkflow for every Pending job and signals
// running workflows on cancel, timeout sweep, and agent loss. Relaying bus
// events into workflows is SignalBridge's job.
type Dispatcher struct {
	temporal  client.Client
	jobs      storage.JobRepository
	cfg       *config.Config
	taskQueue string
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(temporal client.Client, jobs storage.JobRepository, cfg *config.Config) *Dispatcher {
	return &Dispatcher{temporal: temporal, jobs: jobs, cfg: cfg, taskQueue: cfg.TaskQueue}
}

// Tick starts workflows for every currently Pending job that has no running
// workflow yet. Temporal's WorkflowIDReusePolicy default rejects a
// duplicate start, so a dispatcher racing with itself across replicas
// stays idempotent.
func (d *Dispatcher) Tick(ctx context.Context, limit int) (int, error) {
	pending, err := d.jobs.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, job := range pending {
		maxRetries := job.MaxRetries
		if maxRetries <= 0 {
			maxRetries = d.cfg.JobMaxRetries
		}
		_, err := d.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        job.ID,
			TaskQueue: d.taskQueue,
		}, CrawlJobWorkflow, Input{
			JobID:             job.ID,
			Kind:              job.WorkerKind,
			Priority:          job.Priority,
			MaxRetries:        maxRetries,
			RetryBackoffBase:  d.cfg.RetryBackoffBase,
			RetryBackoffCap:   d.cfg.RetryBackoffCap,
			RetryBackoffFloor: d.cfg.RetryBackoffFloor,
			JobTimeout:        d.cfg.JobTimeout,
			CancelGrace:       d.cfg.CancelGracePeriod,
		})
		if err != nil {
			obslog.Job(job.ID, "").Warn().Err(err).Msg("failed to start crawl job workflow")
			continue
		}
		started++
	}
	return started, nil
}

// SweepTimedOut sends SignalAgentLost into the workflow of any job that
// has sat in Assigned/Running for longer than the job timeout since it
// started, whether or not it has reported progress since. The
// workflow's own timer normally fires first; the sweep catches jobs whose
// workflow lost that timer, e.g. across a worker restart.
func (d *Dispatcher) SweepTimedOut(ctx context.Context, limit int) (int, error) {
	horizon := time.Now().Add(-d.cfg.JobTimeout)
	jobs, err := d.jobs.ListTimedOut(ctx, horizon, limit)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if err := d.temporal.SignalWorkflow(ctx, job.ID, "", SignalAgentLost, AgentLostSignal{}); err != nil {
			obslog.Job(job.ID, "").Warn().Err(err).Msg("failed to signal timeout into workflow")
		}
	}
	return len(jobs), nil
}

// RequestCancel signals the running workflow for jobID to cancel; it is
// the ingress layer's entry point for CancelJob.
func (d *Dispatcher) RequestCancel(ctx context.Context, jobID string) error {
	return d.temporal.SignalWorkflow(ctx, jobID, "", SignalCancel, CancelSignal{})
}

// RepatriateAgent signals every Assigned/Running job bound to agentID that
// its agent has gone Unhealthy, so each job's workflow fails and retries
// independently rather than waiting out the job timeout. Called by the
// health loop once per agent that just went stale.
func (d *Dispatcher) RepatriateAgent(ctx context.Context, agentID string) {
	for _, status := range []domain.JobStatus{domain.JobAssigned, domain.JobRunning} {
		s := status
		jobs, err := d.jobs.List(ctx, storage.JobFilter{AssignedAgentID: &agentID, Status: &s})
		if err != nil {
			obslog.For("dispatcher").Warn().Err(err).Str("agent_id", agentID).Msg("failed to list jobs bound to lost agent")
			continue
		}
		for _, job := range jobs {
			if err := d.temporal.SignalWorkflow(ctx, job.ID, "", SignalAgentLost, AgentLostSignal{}); err != nil {
				obslog.Job(job.ID, "").Warn().Err(err).Str("agent_id", agentID).Msg("failed to signal agent-lost into workflow")
			}
		}
	}
}

// SignalBridge forwards workerclient progress/terminal events to the
// workflow identified by the job ID, the translation step between the bus
// (an external collaborator) and Temporal signals.
type SignalBridge struct {
	temporal client.Client
}

// NewSignalBridge constructs a SignalBridge and subscribes it to the
// worker-protocol topics.
func NewSignalBridge(temporal client.Client, b bus.Subscriber) *SignalBridge {
	sb := &SignalBridge{temporal: temporal}
	b.Subscribe(bus.TopicCrawlProgress, sb.handleProgress)
	b.Subscribe(bus.TopicCrawlResult, sb.handleTerminal)
	return sb
}

func (sb *SignalBridge) handleProgress(ctx context.Context, msg bus.Message) error {
	var evt struct {
		JobID          string `json:"job_id"`
		URLsProcessed  int    `json:"urls_processed"`
		URLsSuccessful int    `json:"urls_successful"`
		URLsFailed     int    `json:"urls_failed"`
	}
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return err
	}
	err := sb.temporal.SignalWorkflow(ctx, evt.JobID, "", SignalProgress, ProgressSignal{
		Seq: msg.Seq, URLsProcessed: evt.URLsProcessed, URLsSuccessful: evt.URLsSuccessful, URLsFailed: evt.URLsFailed,
	})
	if err != nil {
		obslog.Job(evt.JobID, "").Warn().Err(err).Msg("failed to signal progress into workflow")
	}
	return nil
}

func (sb *SignalBridge) handleTerminal(ctx context.Context, msg bus.Message) error {
	var evt struct {
		JobID     string `json:"job_id"`
		Success   bool   `json:"success"`
		ErrorText string `json:"error"`
	}
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return err
	}
	err := sb.temporal.SignalWorkflow(ctx, evt.JobID, "", SignalTerminal, TerminalSignal{
		Seq: msg.Seq, Success: evt.Success, ErrorText: evt.ErrorText,
	})
	if err != nil {
		obslog.Job(evt.JobID, "").Warn().Err(err).Msg("failed to signal terminal event into workflow")
	}
	return nil
}

// HealthLoop wraps the agent pool's tick for the periodic health check
// scheduled in cmd/crawlorcd, and repatriates any job bound to an agent
// that just went Unhealthy.
type HealthLoop struct {
	pool        *agentpool.Manager
	policyKeys  func() []agentpool.PolicyKey
	onUnhealthy func(ctx context.Context, agentID string)
}

// NewHealthLoop constructs a HealthLoop. policyKeys supplies the current set
// of (user, kind) pairs to evaluate for auto-scaling on each tick; onUnhealthy
// is called once per agent freshly marked Unhealthy so its bound jobs can be
// re-queued (typically Dispatcher.RepatriateAgent).
func NewHealthLoop(pool *agentpool.Manager, policyKeys func() []agentpool.PolicyKey, onUnhealthy func(ctx context.Context, agentID string)) *HealthLoop {
	return &HealthLoop{pool: pool, policyKeys: policyKeys, onUnhealthy: onUnhealthy}
}

// Tick runs one health/auto-scale pass, reporting how many agents were
// marked unhealthy.
func (h *HealthLoop) Tick(ctx context.Context) (int, error) {
	var keys []agentpool.PolicyKey
	if h.policyKeys != nil {
		keys = h.policyKeys()
	}
	unhealthy, err := h.pool.Tick(ctx, keys)
	if err != nil {
		return 0, err
	}
	if h.onUnhealthy != nil {
		for _, agentID := range unhealthy {
			h.onUnhealthy(ctx, agentID)
		}
	}
	return len(unhealthy), nil
}
