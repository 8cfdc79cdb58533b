// Package trigger turns normalized tracker events into spawn or resume
// decisions by evaluating per-project trigger rules.
package trigger

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/config"
	orcherrors "github.com/agentor/agentor/internal/common/errors"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/session"
)

// Normalized event types produced by the webhook receiver.
const (
	EventIssueOpened   = "issue.opened"
	EventIssueReopened = "issue.reopened"
	EventIssueLabeled  = "issue.labeled"
	EventIssueAssigned = "issue.assigned"
	EventIssueUpdated  = "issue.updated"
	EventComment       = "issue.comment"
)

// Trigger rule actions.
const (
	ActionSpawn  = "spawn"
	ActionResume = "resume-session"
)

// Event is a provider-neutral tracker event.
type Event struct {
	Source      string // github, plane
	Type        string // normalized event type
	DeliveryID  string
	Repo        string // github owner/name
	WorkspaceID string // plane workspace
	IssueID     string
	IssueURL    string
	IssueTitle  string
	Label       string
	Assignee    string
	Comment     string
	CommentedBy string
}

// Decision is the outcome of evaluating an event against a project's rules.
type Decision struct {
	Project *config.Project
	Rule    config.TriggerRule
	Action  string
}

// SessionLister is the slice of the session manager the engine needs for the
// duplicate-session guard.
type SessionLister interface {
	List(ctx context.Context, projectID string) ([]*session.Session, error)
}

// dedupTTL is how long a delivery id is remembered. Provider retries arrive
// well inside this window.
const dedupTTL = 10 * time.Minute

// dedupWindow remembers recently seen delivery ids with a TTL, pruning
// opportunistically on access.
type dedupWindow struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func newDedupWindow(ttl time.Duration) *dedupWindow {
	return &dedupWindow{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Observe records the id and reports whether it was already inside the
// window.
func (d *dedupWindow) Observe(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, k)
		}
	}
	if _, dup := d.seen[id]; dup {
		return true
	}
	d.seen[id] = now
	return false
}

// Engine evaluates trigger rules.
type Engine struct {
	cfg      *config.Config
	sessions SessionLister
	dedup    *dedupWindow
	logger   *logger.Logger
}

// NewEngine creates a trigger engine.
func NewEngine(cfg *config.Config, sessions SessionLister, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		dedup:    newDedupWindow(dedupTTL),
		logger:   log.WithFields(zap.String("component", "trigger-engine")),
	}
}

// CheckDelivery records a delivery id and fails when it was already seen
// inside the dedup window. Callers run this before any other processing so
// provider retries are dropped exactly once.
func (e *Engine) CheckDelivery(deliveryID string) error {
	if e.dedup.Observe(deliveryID) {
		return orcherrors.DuplicateDelivery(deliveryID)
	}
	return nil
}

// Evaluate maps an event to at most one decision: project match, first
// matching rule, duplicate-session guard. A nil decision with nil error
// means the event simply matched nothing.
func (e *Engine) Evaluate(ctx context.Context, ev Event) (*Decision, error) {
	project := e.MatchProject(ev)
	if project == nil {
		e.logger.Debug("event matched no project",
			zap.String("source", ev.Source),
			zap.String("repo", ev.Repo),
			zap.String("workspace", ev.WorkspaceID))
		return nil, nil
	}

	rule, ok := e.matchRule(project, ev)
	if !ok {
		return nil, nil
	}

	action := rule.Action
	if action == "" {
		action = ActionSpawn
	}

	if action == ActionSpawn && ev.IssueID != "" {
		if dup, err := e.activeSessionForIssue(ctx, project, ev.IssueID); err != nil {
			return nil, err
		} else if dup != nil {
			return nil, orcherrors.DuplicateSession(project.ID, ev.IssueID)
		}
	}

	return &Decision{Project: project, Rule: rule, Action: action}, nil
}

// MatchProject resolves the event to the one configured project it belongs
// to: repo equality for GitHub, workspace membership for Plane.
func (e *Engine) MatchProject(ev Event) *config.Project {
	for _, p := range e.cfg.Projects {
		switch ev.Source {
		case "github":
			if p.Repo != "" && strings.EqualFold(p.Repo, ev.Repo) {
				return p
			}
		case "plane":
			if p.Webhooks.Plane != nil && p.Webhooks.Plane.WorkspaceID == ev.WorkspaceID {
				return p
			}
		}
	}
	return nil
}

// matchRule returns the first rule in declared order that matches the event.
func (e *Engine) matchRule(project *config.Project, ev Event) (config.TriggerRule, bool) {
	for _, rule := range project.Triggers {
		if rule.On != ev.Type {
			continue
		}
		if rule.Label != "" && !strings.EqualFold(rule.Label, ev.Label) {
			continue
		}
		if rule.Assignee != "" && !strings.EqualFold(rule.Assignee, ev.Assignee) {
			continue
		}
		if rule.CommentPattern != "" {
			re, err := regexp.Compile(rule.CommentPattern)
			if err != nil {
				e.logger.Warn("invalid comment pattern in trigger rule",
					zap.String("project_id", project.ID),
					zap.String("pattern", rule.CommentPattern),
					zap.Error(err))
				continue
			}
			if !re.MatchString(ev.Comment) {
				continue
			}
		}
		return rule, true
	}
	return config.TriggerRule{}, false
}

// activeSessionForIssue finds a non-terminal session already working the
// issue, if any.
func (e *Engine) activeSessionForIssue(ctx context.Context, project *config.Project, issueID string) (*session.Session, error) {
	sessions, err := e.sessions.List(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for duplicate guard: %w", err)
	}
	for _, s := range sessions {
		if s.Status.Terminal() {
			continue
		}
		if s.MatchesIssue(issueID) {
			return s, nil
		}
	}
	return nil, nil
}

// FindActiveSession returns the project's non-terminal session working the
// issue, if any.
func (e *Engine) FindActiveSession(ctx context.Context, project *config.Project, issueID string) (*session.Session, error) {
	return e.activeSessionForIssue(ctx, project, issueID)
}

// FindGatedSession returns the project's non-terminal session that is both
// working the issue and paused at the plan gate, if any.
func (e *Engine) FindGatedSession(ctx context.Context, project *config.Project, issueID string) (*session.Session, error) {
	sessions, err := e.sessions.List(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.Status.Terminal() {
			continue
		}
		if s.PRPPhase == session.PhasePlanGate && s.MatchesIssue(issueID) {
			return s, nil
		}
	}
	return nil, nil
}
