// Package ingress provides thin Fiber handlers over the core services:
// SubmitJob, CancelJob, GetJob, and Subscribe. Handlers do no business
// logic of their own; they translate requests into calls on
// policy.Admitter, lifecycle.Dispatcher, and the repositories.
package ingress

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/fanout"
	"github.com/caiatech/crawlorc/internal/lifecycle"
	"github.com/caiatech/crawlorc/internal/policy"
	"github.com/caiatech/crawlorc/internal/storage"
)

// Identity is the authenticated requester context injected by an upstream
// auth layer; crawlorc never authenticates anyone itself.
type Identity struct {
	UserID   string
	Tier     string
	Role     string
	TierRank map[string]int
}

// identityFromHeaders is a stand-in for the real auth middleware: it
// trusts headers a front door would have set after verifying a session or
// token.
func identityFromHeaders(c *fiber.Ctx) Identity {
	return Identity{
		UserID: c.Get("X-User-Id"),
		Tier:   c.Get("X-User-Tier"),
		Role:   c.Get("X-User-Role"),
	}
}

// Handlers bundles the services the ingress layer calls into.
type Handlers struct {
	Admitter     *policy.Admitter
	Dispatcher   *lifecycle.Dispatcher
	Jobs         storage.JobRepository
	Results      storage.ResultRepository
	Participants storage.ParticipantRepository
	Fanout       *fanout.Fanout
}

// Register mounts every ingress route on app.
func (h *Handlers) Register(app *fiber.App) {
	app.Post("/jobs", h.SubmitJob)
	app.Post("/jobs/:id/cancel", h.CancelJob)
	app.Get("/jobs/:id", h.GetJob)
}

type submitJobRequest struct {
	URLs           []string           `json:"urls"`
	Prompt         string             `json:"prompt"`
	TemplateID     *string            `json:"template_id,omitempty"`
	WorkerKind     domain.WorkerKind  `json:"worker_kind,omitempty"`
	AssignmentID   *string            `json:"assignment_id,omitempty"`
	GroupID        *string            `json:"group_id,omitempty"`
	ConversationID *string            `json:"conversation_id,omitempty"`
	AccessLevel    domain.AccessLevel `json:"access_level,omitempty"`
	GroupMemberIDs []string           `json:"group_member_ids,omitempty"`
	Priority       domain.Priority    `json:"priority,omitempty"`
	MaxPages       *int               `json:"max_pages,omitempty"`
}

// SubmitJob admits a crawl request and returns the new job's identifier.
func (h *Handlers) SubmitJob(c *fiber.Ctx) error {
	ident := identityFromHeaders(c)
	if ident.UserID == "" {
		return writeErr(c, crawlerr.New(crawlerr.Unauthenticated, "missing requester identity"))
	}

	var req submitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return writeErr(c, crawlerr.Wrap(crawlerr.PolicyViolation, "malformed request body", err))
	}

	job, err := h.Admitter.Admit(c.Context(), policy.SubmitRequest{
		Requester: policy.Requester{
			UserID:              ident.UserID,
			Tier:                ident.Tier,
			Role:                ident.Role,
			PreferredWorkerKind: req.WorkerKind,
			TierRank:            ident.TierRank,
		},
		URLs:           req.URLs,
		Prompt:         req.Prompt,
		TemplateID:     req.TemplateID,
		AssignmentID:   req.AssignmentID,
		GroupID:        req.GroupID,
		ConversationID: req.ConversationID,
		AccessLevel:    req.AccessLevel,
		GroupMemberIDs: req.GroupMemberIDs,
		Priority:       req.Priority,
		MaxPages:       req.MaxPages,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID})
}

// CancelJob requests cancellation of an in-flight job. The owner, a
// collaborator, or an admin may cancel; a viewer is Forbidden.
func (h *Handlers) CancelJob(c *fiber.Ctx) error {
	ident := identityFromHeaders(c)
	jobID := c.Params("id")

	if ident.Role != "admin" {
		participant, err := h.Participants.Get(c.Context(), jobID, ident.UserID)
		if err != nil {
			return writeErr(c, crawlerr.Wrap(crawlerr.Forbidden, "not a participant on this job", err))
		}
		if participant.Role == domain.RoleViewer {
			return writeErr(c, crawlerr.New(crawlerr.Forbidden, "viewers cannot cancel a job"))
		}
	}

	if err := h.Dispatcher.RequestCancel(c.Context(), jobID); err != nil {
		return writeErr(c, crawlerr.Wrap(crawlerr.Internal, "request cancellation", err))
	}
	return c.SendStatus(fiber.StatusAccepted)
}

type jobResponse struct {
	Job     *domain.CrawlJob      `json:"job"`
	Results []*domain.CrawlResult `json:"results"`
}

// GetJob returns the job plus a summary of its results.
func (h *Handlers) GetJob(c *fiber.Ctx) error {
	ident := identityFromHeaders(c)
	jobID := c.Params("id")

	if _, err := h.Participants.Get(c.Context(), jobID, ident.UserID); err != nil {
		return writeErr(c, crawlerr.Wrap(crawlerr.Forbidden, "not a participant on this job", err))
	}

	job, err := h.Jobs.Get(c.Context(), jobID)
	if err != nil {
		return writeErr(c, crawlerr.Wrap(crawlerr.NotFound, "job not found", err))
	}
	results, err := h.Results.ListByJob(c.Context(), jobID)
	if err != nil {
		return writeErr(c, crawlerr.Wrap(crawlerr.Internal, "list results", err))
	}
	return c.JSON(jobResponse{Job: job, Results: results})
}

// SubscribeHandler streams a job's progress and terminal events. It is a
// plain net/http handler rather than a Fiber one because the websocket
// upgrade goes through gorilla/websocket (fanout.ServeWS), kept on a
// separate router from the Fiber JSON API the same way the worker callback
// listener is (internal/workerclient/callback.go).
func SubscribeHandler(f *fanout.Fanout, participants storage.ParticipantRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("job_id")
		userID := r.Header.Get("X-User-Id")
		if jobID == "" || userID == "" {
			http.Error(w, "job_id and X-User-Id are required", http.StatusBadRequest)
			return
		}
		if _, err := participants.Get(r.Context(), jobID, userID); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if err := fanout.ServeWS(f, w, r, jobID); err != nil {
			http.Error(w, "subscribe failed: "+err.Error(), http.StatusInternalServerError)
		}
	}
}

// writeErr maps a crawlerr.Kind to its HTTP status and writes the
// structured error body.
func writeErr(c *fiber.Ctx, err error) error {
	kind := crawlerr.KindOf(err)
	status := statusFor(kind)

	body := fiber.Map{"error": kind, "message": err.Error()}
	var ce *crawlerr.Error
	if e, ok := err.(*crawlerr.Error); ok {
		ce = e
	}
	if ce != nil {
		body["correlation_id"] = ce.CorrelationID
		if ce.Kind == crawlerr.QuotaExceeded {
			body["limit"] = ce.Limit
			body["used"] = ce.Used
			body["reset_at"] = ce.ResetAt
		}
	}
	return c.Status(status).JSON(body)
}

func statusFor(kind crawlerr.Kind) int {
	switch kind {
	case crawlerr.Unauthenticated:
		return fiber.StatusUnauthorized
	case crawlerr.Forbidden:
		return fiber.StatusForbidden
	case crawlerr.NotFound:
		return fiber.StatusNotFound
	case crawlerr.QuotaExceeded:
		return fiber.StatusTooManyRequests
	case crawlerr.PolicyViolation:
		return fiber.StatusUnprocessableEntity
	case crawlerr.CapacityExhausted:
		return fiber.StatusServiceUnavailable
	case crawlerr.WorkerUnavailable:
		return fiber.StatusBadGateway
	case crawlerr.Timeout:
		return fiber.StatusGatewayTimeout
	case crawlerr.Conflict:
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}
