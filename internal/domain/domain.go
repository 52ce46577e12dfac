// Package domain defines the entities of the crawl orchestration core.
// Relations are stored as identifiers only, resolved through repository
// lookups rather than bidirectional object graphs.
package domain

import "time"

// Priority is the requested urgency of a CrawlJob.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// JobStatus is a CrawlJob's position in the lifecycle state machine.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions other
// than the Failed→Pending retry path.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// WorkerKind is the category of crawler-worker implementation a job is
// bound to at dispatch (GLOSSARY).
type WorkerKind string

const (
	WorkerKindAuto        WorkerKind = "auto"
	WorkerKindHTTP        WorkerKind = "http_client"
	WorkerKindHeadless    WorkerKind = "headless_browser"
	WorkerKindMobile      WorkerKind = "mobile_bridge"
	WorkerKindIntelligent WorkerKind = "intelligent_pipeline"
	WorkerKindUniversal   WorkerKind = "universal"
)

// AccessLevel controls which Participants are attached at admission time.
type AccessLevel string

const (
	AccessPrivate    AccessLevel = "private"
	AccessGroup      AccessLevel = "group"
	AccessAssignment AccessLevel = "assignment"
)

// CrawlJob is the owner of the lifecycle.
type CrawlJob struct {
	ID             string
	RequesterID    string
	AssignmentID   *string
	GroupID        *string
	ConversationID *string

	URLs   []string
	Prompt string

	MaxPages        *int
	WorkerKind      WorkerKind
	AssignedAgentID *string
	Priority        Priority
	Status          JobStatus

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	NextRetryAt *time.Time

	RetryCount int
	MaxRetries int

	URLsProcessed  int
	URLsSuccessful int
	URLsFailed     int
	TotalBytes     int64

	TemplateID         *string
	ExtractionStrategy *string
	NavigationPlanID   *string

	LastError string

	SoftDeleted bool
	Version     int // optimistic concurrency token
}

// RemainingURLs is the count of URLs not yet accounted for by a result
// row; it is what a cancellation or partial failure may refund.
func (j *CrawlJob) RemainingURLs() int {
	remaining := len(j.URLs) - j.URLsProcessed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CrawlResult is produced by the worker per URL; never mutated
// after insert.
type CrawlResult struct {
	ID          string
	JobID       string
	URL         string
	Success     bool
	StatusCode  int
	ContentSize int64
	ContentHash string
	Extracted   string
	ErrorDetail string
	CreatedAt   time.Time
}

// AgentStatus is the lifecycle state of a pool slot.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentDraining  AgentStatus = "draining"
	AgentUnhealthy AgentStatus = "unhealthy"
	AgentRetired   AgentStatus = "retired"
)

// Agent is a live worker-pool slot.
type Agent struct {
	ID                  string
	WorkerKind          WorkerKind
	Status              AgentStatus
	MaxConcurrent       int
	CurrentJobCount     int
	LastHeartbeat       time.Time
	HealthMessage       string
	SuccessCount        int64
	FailureCount        int64
	AutoScaled          bool
	ScheduledForRemoval *time.Time
	LastAssignedAt      time.Time
	Version             int
}

// LoadFactor is currentJobCount/maxConcurrent, used by Pick's selection
// policy.
func (a *Agent) LoadFactor() float64 {
	if a.MaxConcurrent <= 0 {
		return 1
	}
	return float64(a.CurrentJobCount) / float64(a.MaxConcurrent)
}

// AtCapacity reports whether the agent cannot accept more work.
func (a *Agent) AtCapacity() bool {
	return a.CurrentJobCount >= a.MaxConcurrent
}

// MatchesKind reports whether the agent can serve the requested worker kind.
func (a *Agent) MatchesKind(kind WorkerKind) bool {
	return a.WorkerKind == kind || a.WorkerKind == WorkerKindUniversal
}

// ScalingPolicy is per user and worker kind.
type ScalingPolicy struct {
	UserID     string
	WorkerKind WorkerKind
	Min, Max   int
	Target     int
	AutoScale  bool

	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleUpCooldown    time.Duration
	ScaleDownCooldown  time.Duration

	MaxHourlyCost         float64
	PauseWhenLimitReached bool

	LastScaleUpAt   *time.Time
	LastScaleDownAt *time.Time
}

// QuotaSnapshot is per user.
type QuotaSnapshot struct {
	UserID   string
	Limit    int
	Used     int
	ResetAt  time.Time
	SyncedAt time.Time
	Source   string
	Override bool
	Version  int
}

// Remaining is derived, never stored authoritatively.
func (q *QuotaSnapshot) Remaining() int {
	r := q.Limit - q.Used
	if r < 0 {
		return 0
	}
	return r
}

// OutboxEventType enumerates the event kinds the bridge ever publishes.
type OutboxEventType string

const (
	EventJobSubmitted   OutboxEventType = "job.submitted"
	EventJobAssigned    OutboxEventType = "job.assigned"
	EventJobRunning     OutboxEventType = "job.running"
	EventJobCompleted   OutboxEventType = "job.completed"
	EventJobFailed      OutboxEventType = "job.failed"
	EventJobRetrying    OutboxEventType = "job.retrying"
	EventJobCancelled   OutboxEventType = "job.cancelled"
	EventAgentScaleUp   OutboxEventType = "agent.scale-up"
	EventAgentScaleDown OutboxEventType = "agent.scale-down"
)

// OutboxMessage is co-written with the domain state change it describes.
type OutboxMessage struct {
	ID          string
	EntityID    string // key used for per-entity ordering
	Type        OutboxEventType
	Payload     []byte
	OccurredAt  time.Time
	ProcessedAt *time.Time
	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time
	LastError   string
	Dead        bool
}

// ParticipantRole controls what a subscriber may do with a shared job.
type ParticipantRole string

const (
	RoleOwner        ParticipantRole = "owner"
	RoleCollaborator ParticipantRole = "collaborator"
	RoleViewer       ParticipantRole = "viewer"
)

// Participant is a user subscribed to a shared job.
type Participant struct {
	JobID        string
	UserID       string
	Role         ParticipantRole
	LastViewedAt *time.Time
	Watching     bool
}

// Template is a reusable extraction spec.
type Template struct {
	ID           string
	DomainRegexp string
	Version      int
	Active       bool
	CreatedAt    time.Time
}

// NavigationStrategy is a reusable navigation plan.
type NavigationStrategy struct {
	ID        string
	Name      string
	Steps     []string
	Version   int
	CreatedAt time.Time
}
