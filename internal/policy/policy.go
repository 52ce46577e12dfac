// Package policy implements Policy & Admission: URL
// normalization, domain allow/block/restrict checks, template selection,
// worker-kind election, and the transactional admission of a new CrawlJob.
package policy

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caiatech/crawlorc/internal/crawlerr"
	"github.com/caiatech/crawlorc/internal/domain"
	"github.com/caiatech/crawlorc/internal/obslog"
	"github.com/caiatech/crawlorc/internal/quota"
	"github.com/caiatech/crawlorc/internal/storage"
)

// DomainDisposition is the verdict domain policy assigns a host.
type DomainDisposition string

const (
	DomainAllow      DomainDisposition = "allow"
	DomainBlock      DomainDisposition = "block"
	DomainRestricted DomainDisposition = "restricted"
)

// DomainRule is one entry of the domain policy table.
type DomainRule struct {
	HostPattern *regexp.Regexp
	Disposition DomainDisposition
	// MinTier applies only when Disposition is DomainRestricted.
	MinTier string
}

// Requester carries the identity and role context Admit needs to evaluate
// restricted-domain and worker-kind-preference rules.
type Requester struct {
	UserID              string
	Tier                string
	Role                string
	PreferredWorkerKind domain.WorkerKind
	TierRank            map[string]int // external tier ranking table, e.g. {"free":0,"pro":1,"enterprise":2}
}

func (r Requester) meetsTier(minTier string) bool {
	if minTier == "" {
		return true
	}
	if r.TierRank == nil {
		return false
	}
	have, ok := r.TierRank[r.Tier]
	if !ok {
		return false
	}
	want, ok := r.TierRank[minTier]
	if !ok {
		return false
	}
	return have >= want
}

// SubmitRequest is the input to Admit.
type SubmitRequest struct {
	Requester      Requester
	URLs           []string
	Prompt         string
	TemplateID     *string
	AssignmentID   *string
	GroupID        *string
	ConversationID *string
	AccessLevel    domain.AccessLevel
	GroupMemberIDs []string // resolved externally; used only when AccessLevel is Group/Assignment
	Priority       domain.Priority
	MaxPages       *int
}

// Admitter is the Policy & Admission service.
type Admitter struct {
	jobs         storage.JobRepository
	participants storage.ParticipantRepository
	templates    storage.TemplateRepository
	outbox       storage.OutboxRepository
	tx           storage.TxRunner
	quota        *quota.Ledger
	domainRules  []DomainRule
	kindElector  func(u *url.URL) domain.WorkerKind
}

// New constructs an Admitter. domainRules is consulted in order; the first
// matching rule wins. kindElector maps a URL to a worker kind when the
// requester expresses no preference (or Auto explicitly); a nil elector
// defaults to ClassifyURL.
func New(
	jobs storage.JobRepository,
	participants storage.ParticipantRepository,
	templates storage.TemplateRepository,
	outbox storage.OutboxRepository,
	tx storage.TxRunner,
	ledger *quota.Ledger,
	domainRules []DomainRule,
	kindElector func(u *url.URL) domain.WorkerKind,
) *Admitter {
	if kindElector == nil {
		kindElector = ClassifyURL
	}
	return &Admitter{
		jobs: jobs, participants: participants, templates: templates,
		outbox: outbox, tx: tx, quota: ledger,
		domainRules: domainRules, kindElector: kindElector,
	}
}

// ClassifyURL is the default static-HTML/scripted/mobile/unknown worker
// kind mapping. Heuristics only: deployments may override it via the
// kindElector hook.
func ClassifyURL(u *url.URL) domain.WorkerKind {
	host := strings.ToLower(u.Host)
	switch {
	case strings.Contains(host, "api.") || strings.HasPrefix(u.Path, "/api/"):
		return domain.WorkerKindMobile
	case strings.HasSuffix(u.Path, ".js") || strings.Contains(host, "app."):
		return domain.WorkerKindHeadless
	case u.Path == "" || strings.HasSuffix(u.Path, ".html") || strings.HasSuffix(u.Path, "/"):
		return domain.WorkerKindHTTP
	default:
		return domain.WorkerKindIntelligent
	}
}

// NormalizeURL trims the raw URL, defaults to a secure scheme when absent,
// and rejects malformed input.
func NormalizeURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, crawlerr.New(crawlerr.PolicyViolation, "empty URL")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.PolicyViolation, "malformed URL", err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, crawlerr.New(crawlerr.PolicyViolation, "URL missing host or unsupported scheme")
	}
	return u, nil
}

func (a *Admitter) checkDomain(u *url.URL, req Requester) error {
	for _, rule := range a.domainRules {
		if rule.HostPattern == nil || !rule.HostPattern.MatchString(u.Host) {
			continue
		}
		switch rule.Disposition {
		case DomainBlock:
			return crawlerr.New(crawlerr.PolicyViolation, "domain is blocked: "+u.Host)
		case DomainRestricted:
			if !req.meetsTier(rule.MinTier) {
				return crawlerr.New(crawlerr.PolicyViolation, "domain requires a higher tier: "+u.Host)
			}
			return nil
		case DomainAllow:
			return nil
		}
	}
	return nil // no matching rule: default allow
}

// Admit runs the full admission pipeline: normalize, domain-check, template
// and worker-kind selection, quota reservation, and the single admission
// transaction.
func (a *Admitter) Admit(ctx context.Context, req SubmitRequest) (*domain.CrawlJob, error) {
	if len(req.URLs) == 0 {
		return nil, crawlerr.New(crawlerr.PolicyViolation, "no URLs submitted")
	}

	normalized := make([]string, 0, len(req.URLs))
	var sample *url.URL
	for _, raw := range req.URLs {
		u, err := NormalizeURL(raw)
		if err != nil {
			return nil, err
		}
		if err := a.checkDomain(u, req.Requester); err != nil {
			return nil, err
		}
		if sample == nil {
			sample = u
		}
		normalized = append(normalized, u.String())
	}

	var templateID *string
	if req.TemplateID != nil {
		tmpl, err := a.templates.Get(ctx, *req.TemplateID)
		if err != nil {
			return nil, crawlerr.Wrap(crawlerr.NotFound, "template not found", err)
		}
		templateID = &tmpl.ID
	} else if sample != nil {
		if tmpl, err := a.templates.GetActiveForDomain(ctx, sample.Host); err == nil {
			templateID = &tmpl.ID
		}
	}

	kind := req.Requester.PreferredWorkerKind
	if kind == "" || kind == domain.WorkerKindAuto {
		kind = a.kindElector(sample)
	}

	n := len(normalized)
	if ok, err := a.quota.HasQuota(ctx, req.Requester.UserID, n); err != nil {
		return nil, err
	} else if !ok {
		return nil, crawlerr.New(crawlerr.QuotaExceeded, "insufficient remaining crawl units")
	}

	job := &domain.CrawlJob{
		ID:             uuid.New().String(),
		RequesterID:    req.Requester.UserID,
		AssignmentID:   req.AssignmentID,
		GroupID:        req.GroupID,
		ConversationID: req.ConversationID,
		URLs:           normalized,
		Prompt:         req.Prompt,
		MaxPages:       req.MaxPages,
		WorkerKind:     kind,
		Priority:       req.Priority,
		Status:         domain.JobPending,
		CreatedAt:      time.Now(),
		MaxRetries:     3,
		TemplateID:     templateID,
	}
	if job.Priority == "" {
		job.Priority = domain.PriorityNormal
	}

	err := a.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := a.quota.Reserve(ctx, req.Requester.UserID, n, job.ID); err != nil {
			return err
		}
		if err := a.jobs.Insert(ctx, job); err != nil {
			return crawlerr.Wrap(crawlerr.Internal, "insert job", err)
		}
		if err := a.participants.Insert(ctx, &domain.Participant{
			JobID: job.ID, UserID: req.Requester.UserID, Role: domain.RoleOwner, Watching: true,
		}); err != nil {
			return crawlerr.Wrap(crawlerr.Internal, "insert owner participant", err)
		}
		if req.AccessLevel == domain.AccessGroup || req.AccessLevel == domain.AccessAssignment {
			for _, memberID := range req.GroupMemberIDs {
				if memberID == req.Requester.UserID {
					continue
				}
				if err := a.participants.Insert(ctx, &domain.Participant{
					JobID: job.ID, UserID: memberID, Role: domain.RoleCollaborator,
				}); err != nil {
					return crawlerr.Wrap(crawlerr.Internal, "insert group participant", err)
				}
			}
		}
		payload := []byte(`{"job_id":"` + job.ID + `"}`)
		return a.outbox.Insert(ctx, &domain.OutboxMessage{
			ID:          uuid.New().String(),
			EntityID:    job.ID,
			Type:        domain.EventJobSubmitted,
			Payload:     payload,
			OccurredAt:  time.Now(),
			MaxRetries:  3,
			NextRetryAt: time.Now(),
		})
	})
	if err != nil {
		return nil, err
	}

	obslog.Job(job.ID, "").Info().Str("requester_id", req.Requester.UserID).Int("url_count", n).Msg("job admitted")
	return job, nil
}
