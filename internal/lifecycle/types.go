// Package lifecycle implements the Job Lifecycle Engine as one Temporal
// workflow per CrawlJob. Activities perform
// every side-effecting step (agent pick, worker submission, persistence);
// the workflow function itself stays deterministic, driven by signals that
// relay bus events and cancel requests in from the outside world.
package lifecycle

import (
	"time"

	"github.com/caiatech/crawlorc/internal/domain"
)

// Input starts a CrawlJobWorkflow. The workflow ID is the CrawlJob ID, so a
// signal or query addressed to the job maps directly to a workflow handle.
type Input struct {
	JobID      string
	Kind       domain.WorkerKind
	Priority   domain.Priority
	MaxRetries int

	RetryBackoffBase  time.Duration
	RetryBackoffCap   time.Duration
	RetryBackoffFloor time.Duration
	JobTimeout        time.Duration
	CancelGrace       time.Duration
}

// Signal channel names the workflow listens on.
const (
	SignalProgress  = "crawl.progress"
	SignalTerminal  = "crawl.terminal"
	SignalCancel    = "crawl.cancel"
	SignalAgentLost = "crawl.agent-lost"
)

// ProgressSignal relays a worker progress event into the workflow.
type ProgressSignal struct {
	Seq            int64
	URLsProcessed  int
	URLsSuccessful int
	URLsFailed     int
}

// TerminalSignal relays the worker's terminal event into the workflow.
type TerminalSignal struct {
	Seq       int64
	Success   bool
	ErrorText string
}

// CancelSignal carries no data; its arrival is the event.
type CancelSignal struct{}

// AgentLostSignal is relayed by the HealthLoop when the agent a job is
// bound to is marked Unhealthy. Its arrival is treated as a Failed
// transition with retry, the same as a submission refusal or a progress
// timeout.
type AgentLostSignal struct{}
