package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/caiatech/crawlorc/internal/agentpool"
	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/obslog"
	"github.com/caiatech/crawlorc/internal/quota"
	"github.com/caiatech/crawlorc/internal/storage"
	"github.com/caiatech/crawlorc/internal/workerclient"
	"github.com/google/uuid"
)

// Activity names for registration; the workflow refers to activities by
// name so the worker and workflow sides stay decoupled.
const (
	PickAndAssignActivityName = "PickAndAssignActivity"
	SubmitToAgentActivityName = "SubmitToAgentActivity"
	MarkRunningActivityName   = "MarkRunningActivity"
	CompleteActivityName      = "CompleteActivity"
	FailActivityName          = "FailActivity"
	RequeueActivityName       = "RequeueActivity"
	NotifyCancelActivityName  = "NotifyCancelActivity"
	CancelActivityName        = "CancelActivity"
)

// Activities groups every side-effecting step the workflow delegates to:
// plain methods registered on the Temporal worker, each independently
// retryable.
type Activities struct {
	Jobs   storage.JobRepository
	Agents *agentpool.Manager
	Worker *workerclient.Client
	Quota  *quota.Ledger
	Outbox storage.OutboxRepository
	Tx     storage.TxRunner
}

// AssignInput/Output name the PickAndAssign activity's payload.
type AssignInput struct {
	JobID    string
	Kind     domain.WorkerKind
	Priority domain.Priority
}

type AssignOutput struct {
	AgentID string
}

// PickAndAssignActivity implements the Pending -> Assigned transition:
// pick an agent, reserve its slot, persist the transition and its outbox
// message atomically.
func (a *Activities) PickAndAssignActivity(ctx context.Context, in AssignInput) (AssignOutput, error) {
	agent, err := a.Agents.Pick(ctx, in.Kind, in.Priority)
	if err != nil {
		return AssignOutput{}, err
	}

	err = a.Tx.InTx(ctx, func(ctx context.Context) error {
		return a.transition(ctx, in.JobID, func(j *domain.CrawlJob) error {
			j.Status = domain.JobAssigned
			j.AssignedAgentID = &agent.ID
			return nil
		}, domain.EventJobAssigned)
	})
	if err != nil {
		_ = a.Agents.Release(ctx, agent.ID)
		return AssignOutput{}, err
	}
	return AssignOutput{AgentID: agent.ID}, nil
}

// SubmitInput names the SubmitToAgent activity's payload.
type SubmitInput struct {
	JobID   string
	AgentID string
}

// SubmitToAgentActivity hands the job off to the chosen agent over HTTP.
func (a *Activities) SubmitToAgentActivity(ctx context.Context, in SubmitInput) error {
	job, err := a.Jobs.Get(ctx, in.JobID)
	if err != nil {
		return err
	}
	return a.Worker.Submit(ctx, in.AgentID, job)
}

// MarkRunningActivity implements the Assigned -> Running transition on
// receipt of the first progress event.
func (a *Activities) MarkRunningActivity(ctx context.Context, jobID string) error {
	return a.Tx.InTx(ctx, func(ctx context.Context) error {
		return a.transition(ctx, jobID, func(j *domain.CrawlJob) error {
			if j.Status == domain.JobRunning {
				return nil
			}
			j.Status = domain.JobRunning
			now := time.Now()
			j.StartedAt = &now
			return nil
		}, domain.EventJobRunning)
	})
}

// CompleteInput identifies the job to complete; the aggregate counts are
// written onto the job row by the fan-out, not passed here.
type CompleteInput struct {
	JobID string
}

// CompleteActivity implements the Running -> Completed transition: release
// the agent slot and record the outcome.
func (a *Activities) CompleteActivity(ctx context.Context, in CompleteInput) error {
	job, err := a.Jobs.Get(ctx, in.JobID)
	if err != nil {
		return err
	}
	if job.AssignedAgentID != nil {
		_ = a.Agents.Release(ctx, *job.AssignedAgentID)
		_ = a.Agents.RecordOutcome(ctx, *job.AssignedAgentID, true)
	}
	return a.Tx.InTx(ctx, func(ctx context.Context) error {
		return a.transition(ctx, in.JobID, func(j *domain.CrawlJob) error {
			j.Status = domain.JobCompleted
			now := time.Now()
			j.CompletedAt = &now
			return nil
		}, domain.EventJobCompleted)
	})
}

// FailInput carries the error detail and whether this failure should be
// retried.
type FailInput struct {
	JobID       string
	ErrorDetail string
	WillRetry   bool
	NextRetryAt time.Time
}

// FailActivity implements every transition into Failed: record the error,
// release the agent slot, and schedule a retry (returning to
// Pending) or finalize as dead, depending on WillRetry.
func (a *Activities) FailActivity(ctx context.Context, in FailInput) error {
	job, err := a.Jobs.Get(ctx, in.JobID)
	if err != nil {
		return err
	}
	if job.AssignedAgentID != nil {
		_ = a.Agents.Release(ctx, *job.AssignedAgentID)
		_ = a.Agents.RecordOutcome(ctx, *job.AssignedAgentID, false)
	}

	return a.Tx.InTx(ctx, func(ctx context.Context) error {
		return a.transition(ctx, in.JobID, func(j *domain.CrawlJob) error {
			j.Status = domain.JobFailed
			j.LastError = in.ErrorDetail
			j.AssignedAgentID = nil
			now := time.Now()
			j.FailedAt = &now
			if in.WillRetry {
				next := in.NextRetryAt
				j.NextRetryAt = &next
			}
			return nil
		}, domain.EventJobFailed)
	})
}

// RequeueActivity moves a Failed job back to Pending, invoked by the
// workflow once the backoff delay computed at FailActivity time has
// elapsed.
func (a *Activities) RequeueActivity(ctx context.Context, jobID string) error {
	return a.Tx.InTx(ctx, func(ctx context.Context) error {
		return a.transition(ctx, jobID, func(j *domain.CrawlJob) error {
			j.Status = domain.JobPending
			j.RetryCount++
			j.NextRetryAt = nil
			j.FailedAt = nil
			j.StartedAt = nil
			return nil
		}, domain.EventJobRetrying)
	})
}

// NotifyCancelActivity sends the worker a best-effort cancel for a job that
// has already been handed off; the workflow then waits a bounded grace
// period for the worker's own terminal event before force-finalizing.
func (a *Activities) NotifyCancelActivity(ctx context.Context, jobID string) error {
	job, err := a.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AssignedAgentID != nil && (job.Status == domain.JobRunning || job.Status == domain.JobAssigned) {
		return a.Worker.Cancel(ctx, *job.AssignedAgentID, jobID)
	}
	return nil
}

// CancelActivity implements the *->Cancelled transition: release the agent
// slot and refund quota for every URL that never produced a CrawlResult;
// URLs already processed are never refunded.
func (a *Activities) CancelActivity(ctx context.Context, jobID string) error {
	job, err := a.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AssignedAgentID != nil {
		_ = a.Agents.Release(ctx, *job.AssignedAgentID)
	}

	remaining := job.RemainingURLs()

	return a.Tx.InTx(ctx, func(ctx context.Context) error {
		if remaining > 0 {
			if _, err := a.Quota.Refund(ctx, job.RequesterID, remaining, "job cancelled"); err != nil {
				return err
			}
		}
		return a.transition(ctx, jobID, func(j *domain.CrawlJob) error {
			j.Status = domain.JobCancelled
			now := time.Now()
			j.CompletedAt = &now
			return nil
		}, domain.EventJobCancelled)
	})
}

// transition performs the optimistic-concurrency job update and writes its
// outbox message in the same call, re-reading and retrying on every lost
// optimistic-concurrency race until the update lands or the read fails.
func (a *Activities) transition(ctx context.Context, jobID string, mutate func(*domain.CrawlJob) error, eventType domain.OutboxEventType) error {
	for {
		cur, err := a.Jobs.Get(ctx, jobID)
		if err != nil {
			return crawlerr.Wrap(crawlerr.NotFound, "job not found", err)
		}
		_, err = a.Jobs.Update(ctx, jobID, cur.Version, mutate)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return crawlerr.Wrap(crawlerr.Internal, "persist job transition", err)
		}
		break
	}

	obslog.Job(jobID, "").Info().Str("event", string(eventType)).Msg("job transition persisted")
	payload := []byte(`{"job_id":"` + jobID + `"}`)
	return a.Outbox.Insert(ctx, &domain.OutboxMessage{
		ID:          uuid.New().String(),
		EntityID:    jobID,
		Type:        eventType,
		Payload:     payload,
		OccurredAt:  time.Now(),
		MaxRetries:  3,
		NextRetryAt: time.Now(),
	})
}
