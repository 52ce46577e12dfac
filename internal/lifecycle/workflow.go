package lifecycle

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// computeBackoff returns the constant floor plus an exponential term that
// starts at base and doubles per retry, capped: the first retry waits
// floor+base, the second floor+2*base, and so on up to floor+cap. Pure
// function of retryCount: safe to call directly from workflow code since it
// does no I/O and uses no wall-clock or randomness.
func computeBackoff(base, cap_, floor time.Duration, retryCount int) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cap_ {
			d = cap_
			break
		}
	}
	if d > cap_ {
		d = cap_
	}
	return floor + d
}

func defaultActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
		},
	}
}

// CrawlJobWorkflow implements the Job Lifecycle Engine's per-job state
// machine. The workflow ID equals the CrawlJob ID; progress,
// terminal, and cancel events arrive as signals: progress and terminal
// events are relayed from the bus by SignalBridge and cancels are sent by
// Dispatcher.RequestCancel, since the bus itself lives outside Temporal's
// deterministic execution model.
func CrawlJobWorkflow(ctx workflow.Context, in Input) error {
	logger := workflow.GetLogger(ctx)
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())

	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	retryCount := 0

	for {
		var assignOut AssignOutput
		assignErr := workflow.ExecuteActivity(ctx, PickAndAssignActivityName, AssignInput{
			JobID: in.JobID, Kind: in.Kind, Priority: in.Priority,
		}).Get(ctx, &assignOut)

		if assignErr != nil {
			if waitForCancel(ctx, cancelCh, 0) {
				return finalizeCancel(ctx, in.JobID)
			}
			// No capacity available right now; this is not a job failure, just
			// a dispatch retry on a short fixed delay rather than the job's own
			// backoff schedule.
			if err := workflow.Sleep(ctx, 5*time.Second); err != nil {
				return err
			}
			continue
		}

		submitErr := workflow.ExecuteActivity(ctx, SubmitToAgentActivityName, SubmitInput{
			JobID: in.JobID, AgentID: assignOut.AgentID,
		}).Get(ctx, nil)

		if submitErr != nil {
			retryOrStop, err := failAndMaybeRetry(ctx, in, retryCount, submitErr.Error())
			if err != nil {
				return err
			}
			if retryOrStop {
				retryCount++
				continue
			}
			return submitErr
		}

		outcome, err := runJob(ctx, in, cancelCh, retryCount)
		if err != nil {
			return err
		}
		switch outcome {
		case outcomeCompleted:
			logger.Info("crawl job completed", "job_id", in.JobID)
			return nil
		case outcomeCancelled:
			return nil
		case outcomeRetry:
			retryCount++
			continue
		case outcomeFailed:
			return errors.New("crawl job failed: retries exhausted")
		}
	}
}

type jobOutcome int

const (
	outcomeCompleted jobOutcome = iota
	outcomeCancelled
	outcomeRetry
	outcomeFailed
)

// runJob waits on the Running state's three possible exits: a terminal
// event, a cancel request, or a timeout with no progress.
func runJob(ctx workflow.Context, in Input, cancelCh workflow.ReceiveChannel, retryCount int) (jobOutcome, error) {
	progressCh := workflow.GetSignalChannel(ctx, SignalProgress)
	terminalCh := workflow.GetSignalChannel(ctx, SignalTerminal)
	agentLostCh := workflow.GetSignalChannel(ctx, SignalAgentLost)

	markedRunning := false

	timeout := in.JobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	for {
		timerCtx, cancelTimer := workflow.WithCancel(ctx)
		timer := workflow.NewTimer(timerCtx, timeout)

		selector := workflow.NewSelector(ctx)
		var progress ProgressSignal
		var terminal TerminalSignal
		var gotTerminal, cancelled, timedOut, agentLost bool

		selector.AddReceive(progressCh, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, &progress)
		})
		selector.AddReceive(terminalCh, func(c workflow.ReceiveChannel, more bool) {
			c.Receive(ctx, &terminal)
			gotTerminal = true
		})
		selector.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
			var sig CancelSignal
			c.Receive(ctx, &sig)
			cancelled = true
		})
		selector.AddReceive(agentLostCh, func(c workflow.ReceiveChannel, more bool) {
			var sig AgentLostSignal
			c.Receive(ctx, &sig)
			agentLost = true
		})
		selector.AddFuture(timer, func(f workflow.Future) {
			timedOut = true
		})
		selector.Select(ctx)
		cancelTimer()

		if cancelled {
			if err := cancelHandedOffJob(ctx, in, terminalCh); err != nil {
				return outcomeFailed, err
			}
			return outcomeCancelled, nil
		}

		if agentLost {
			retry, err := failAndMaybeRetry(ctx, in, retryCount, "agent heartbeat lost")
			if err != nil {
				return outcomeFailed, err
			}
			if retry {
				return outcomeRetry, nil
			}
			return outcomeFailed, nil
		}

		if timedOut {
			retry, err := failAndMaybeRetry(ctx, in, retryCount, "job timed out with no progress")
			if err != nil {
				return outcomeFailed, err
			}
			if retry {
				return outcomeRetry, nil
			}
			return outcomeFailed, nil
		}

		if gotTerminal {
			if terminal.Success {
				if err := workflow.ExecuteActivity(ctx, CompleteActivityName, CompleteInput{JobID: in.JobID}).Get(ctx, nil); err != nil {
					return outcomeFailed, err
				}
				return outcomeCompleted, nil
			}
			retry, err := failAndMaybeRetry(ctx, in, retryCount, terminal.ErrorText)
			if err != nil {
				return outcomeFailed, err
			}
			if retry {
				return outcomeRetry, nil
			}
			return outcomeFailed, nil
		}

		if !markedRunning {
			if err := workflow.ExecuteActivity(ctx, MarkRunningActivityName, in.JobID).Get(ctx, nil); err != nil {
				return outcomeFailed, err
			}
			markedRunning = true
		}
	}
}

// failAndMaybeRetry makes the Failed->Pending retry decision: it records
// the failure, and if retries remain, sleeps the
// computed backoff and requeues the job, reporting whether the caller
// should loop.
func failAndMaybeRetry(ctx workflow.Context, in Input, retryCount int, errDetail string) (bool, error) {
	willRetry := retryCount < in.MaxRetries
	var nextRetryAt time.Time
	if willRetry {
		backoff := computeBackoff(in.RetryBackoffBase, in.RetryBackoffCap, in.RetryBackoffFloor, retryCount)
		nextRetryAt = workflow.Now(ctx).Add(backoff)
	}

	if err := workflow.ExecuteActivity(ctx, FailActivityName, FailInput{
		JobID: in.JobID, ErrorDetail: errDetail, WillRetry: willRetry, NextRetryAt: nextRetryAt,
	}).Get(ctx, nil); err != nil {
		return false, err
	}

	if !willRetry {
		return false, nil
	}

	backoff := computeBackoff(in.RetryBackoffBase, in.RetryBackoffCap, in.RetryBackoffFloor, retryCount)
	if err := workflow.Sleep(ctx, backoff); err != nil {
		return false, err
	}
	return true, workflow.ExecuteActivity(ctx, RequeueActivityName, in.JobID).Get(ctx, nil)
}

// cancelHandedOffJob cancels a job the worker may already be crawling: it
// notifies the worker, waits up to the grace period for the worker's own
// terminal event, then force-finalizes as Cancelled either way.
func cancelHandedOffJob(ctx workflow.Context, in Input, terminalCh workflow.ReceiveChannel) error {
	_ = workflow.ExecuteActivity(ctx, NotifyCancelActivityName, in.JobID).Get(ctx, nil)

	grace := in.CancelGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	timer := workflow.NewTimer(timerCtx, grace)
	selector := workflow.NewSelector(ctx)
	selector.AddReceive(terminalCh, func(c workflow.ReceiveChannel, more bool) {
		var sig TerminalSignal
		c.Receive(ctx, &sig)
	})
	selector.AddFuture(timer, func(f workflow.Future) {})
	selector.Select(ctx)
	cancelTimer()

	return finalizeCancel(ctx, in.JobID)
}

func finalizeCancel(ctx workflow.Context, jobID string) error {
	return workflow.ExecuteActivity(ctx, CancelActivityName, jobID).Get(ctx, nil)
}

// waitForCancel does a non-blocking check of cancelCh so the dispatch retry
// loop can bail out promptly on cancellation instead of spinning until the
// next no-capacity timer fires.
func waitForCancel(ctx workflow.Context, cancelCh workflow.ReceiveChannel, _ time.Duration) bool {
	selector := workflow.NewSelector(ctx)
	found := false
	selector.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
		var sig CancelSignal
		c.Receive(ctx, &sig)
		found = true
	})
	selector.AddDefault(func() {})
	selector.Select(ctx)
	return found
}
