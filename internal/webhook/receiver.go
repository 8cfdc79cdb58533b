// Package webhook implements the HTTP receiver for tracker webhooks:
// signature verification over the raw body, payload normalization, and the
// spawn / gate-resume pipeline behind it.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/appctx"
	"github.com/agentor/agentor/internal/common/config"
	orcherrors "github.com/agentor/agentor/internal/common/errors"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/metadata"
	"github.com/agentor/agentor/internal/plugin"
	"github.com/agentor/agentor/internal/session"
	"github.com/agentor/agentor/internal/trigger"
)

// approvalPattern recognizes a human plan approval in an issue comment.
var approvalPattern = regexp.MustCompile(`(?i)\b(approved?|lgtm|proceed|go ahead)\b`)

// spawnTimeout bounds one background spawn: workspace creation, issue fetch
// and agent launch included.
const spawnTimeout = 10 * time.Minute

// SessionService is the slice of the session manager the receiver drives.
type SessionService interface {
	Spawn(ctx context.Context, req session.SpawnRequest) (*session.Session, error)
	Send(ctx context.Context, id, text string) error
	UpdateMetadata(id string, patch map[string]string) error
}

// Receiver terminates webhook HTTP traffic and feeds the trigger engine.
type Receiver struct {
	cfg      *config.Config
	engine   *trigger.Engine
	sessions SessionService
	registry *plugin.Registry
	logger   *logger.Logger

	// wg tracks in-flight background spawns so shutdown can drain them;
	// stopped cancels their contexts once draining starts.
	wg       sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewReceiver wires a webhook receiver.
func NewReceiver(cfg *config.Config, engine *trigger.Engine, sessions SessionService, registry *plugin.Registry, log *logger.Logger) *Receiver {
	if log == nil {
		log = logger.Default()
	}
	return &Receiver{
		cfg:      cfg,
		engine:   engine,
		sessions: sessions,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "webhook-receiver")),
		stopped:  make(chan struct{}),
	}
}

// RegisterRoutes mounts the webhook endpoints.
func (r *Receiver) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/webhooks")
	api.POST("/github", r.handleGitHub)
	api.POST("/plane", r.handlePlane)
}

// Wait blocks until all background spawns have finished.
func (r *Receiver) Wait() {
	r.wg.Wait()
}

// Close cancels in-flight background spawns and waits for them to unwind.
func (r *Receiver) Close() {
	r.stopOnce.Do(func() { close(r.stopped) })
	r.wg.Wait()
}

// verifySignature checks an HMAC-SHA256 hex signature of the raw body
// against every candidate secret, constant-time per comparison. The project
// is not known until the payload is parsed, so any configured secret for the
// provider may authenticate the request.
func verifySignature(body []byte, sigHex string, secrets []string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(sig, mac.Sum(nil)) {
			return true
		}
	}
	return false
}

func (r *Receiver) githubSecrets() []string {
	var secrets []string
	for _, p := range r.cfg.Projects {
		if p.Webhooks.GitHub != nil && p.Webhooks.GitHub.Secret != "" {
			secrets = append(secrets, p.Webhooks.GitHub.Secret)
		}
	}
	return secrets
}

func (r *Receiver) planeSecrets() []string {
	var secrets []string
	for _, p := range r.cfg.Projects {
		if p.Webhooks.Plane != nil && p.Webhooks.Plane.Secret != "" {
			secrets = append(secrets, p.Webhooks.Plane.Secret)
		}
	}
	return secrets
}

// process runs the shared post-verification pipeline: dedup, gate resume for
// approval comments, trigger evaluation, spawn or resume dispatch. It always
// ends in a 200; failures past authentication are the orchestrator's problem,
// not the provider's.
func (r *Receiver) process(c *gin.Context, ev trigger.Event) {
	ctx := c.Request.Context()
	log := r.logger.WithFields(
		zap.String("source", ev.Source),
		zap.String("type", ev.Type),
		zap.String("delivery_id", ev.DeliveryID))

	if err := r.engine.CheckDelivery(ev.DeliveryID); err != nil {
		log.Debug("duplicate delivery skipped")
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	if ev.Type == trigger.EventComment && approvalPattern.MatchString(ev.Comment) {
		if resumed, id := r.tryResumePlanGate(ctx, ev); resumed {
			c.JSON(http.StatusOK, gin.H{"status": "resumed", "session_id": id})
			return
		}
	}

	decision, err := r.engine.Evaluate(ctx, ev)
	if err != nil {
		if orcherrors.IsKind(err, orcherrors.KindDuplicateSession) {
			log.Info("spawn skipped: active session exists", zap.String("issue", ev.IssueID))
			c.JSON(http.StatusOK, gin.H{"status": "skipped", "reason": "duplicate_session"})
			return
		}
		log.Error("trigger evaluation failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "error"})
		return
	}
	if decision == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	switch decision.Action {
	case trigger.ActionResume:
		r.resumeMatchedSession(ctx, decision, ev, log)
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	default:
		r.spawnInBackground(decision, ev)
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	}
}

// tryResumePlanGate resumes a session paused at the plan gate when the
// comment approves its plan. Idempotent: once the phase advances, later
// approval comments find no gated session.
func (r *Receiver) tryResumePlanGate(ctx context.Context, ev trigger.Event) (bool, string) {
	project := r.engine.MatchProject(ev)
	if project == nil || !project.PRPEnabled() {
		return false, ""
	}
	s, err := r.engine.FindGatedSession(ctx, project, ev.IssueID)
	if err != nil || s == nil {
		return false, ""
	}
	log := r.logger.WithFields(zap.String("session_id", s.ID), zap.String("project_id", project.ID))

	msg := "Your plan has been approved. Proceed with implementation: run /prp:implement now."
	if err := r.sessions.Send(ctx, s.ID, msg); err != nil {
		log.Error("failed to deliver gate approval", zap.Error(err))
		return false, ""
	}
	if err := r.sessions.UpdateMetadata(s.ID, map[string]string{
		metadata.KeyPRPPhase: session.PhaseImplementing,
	}); err != nil {
		log.Warn("failed to advance PRP phase", zap.Error(err))
	}
	r.comment(ctx, project, ev.IssueID,
		fmt.Sprintf("Plan approved; session `%s` is resuming implementation.", s.ID))
	log.Info("resumed session past plan gate", zap.String("issue", ev.IssueID))
	return true, s.ID
}

// resumeMatchedSession delivers a resume-session rule's message to the
// active session working the issue.
func (r *Receiver) resumeMatchedSession(ctx context.Context, d *trigger.Decision, ev trigger.Event, log *logger.Logger) {
	s, err := r.engine.FindActiveSession(ctx, d.Project, ev.IssueID)
	if err != nil || s == nil {
		log.Warn("resume rule matched but no active session", zap.String("issue", ev.IssueID), zap.Error(err))
		return
	}
	msg := d.Rule.Message
	if msg == "" {
		msg = ev.Comment
	}
	if err := r.sessions.Send(ctx, s.ID, msg); err != nil {
		log.Error("resume delivery failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// spawnInBackground runs the spawn pipeline off the request goroutine; the
// provider gets its 200 immediately. The confirmation comment carries the
// session id so humans can find the session from the issue.
func (r *Receiver) spawnInBackground(d *trigger.Decision, ev trigger.Event) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := appctx.Detached(r.stopped, spawnTimeout)
		defer cancel()

		s, err := r.sessions.Spawn(ctx, session.SpawnRequest{
			ProjectID: d.Project.ID,
			IssueID:   ev.IssueID,
			Prompt:    d.Rule.Message,
		})
		if err != nil {
			r.logger.Error("webhook spawn failed",
				zap.String("project_id", d.Project.ID),
				zap.String("issue", ev.IssueID),
				zap.Error(err))
			return
		}
		r.comment(ctx, d.Project, ev.IssueID, fmt.Sprintf("Agent spawned session `%s` for this issue.", s.ID))
	}()
}

// comment posts a fire-and-forget tracker comment.
func (r *Receiver) comment(ctx context.Context, project *config.Project, issueID, body string) {
	if issueID == "" || project.Tracker.Plugin == "" {
		return
	}
	tracker, ok := r.registry.Tracker(project.Tracker.Plugin)
	if !ok {
		return
	}
	if err := tracker.UpdateIssue(ctx, issueID, plugin.IssueUpdate{Comment: body}, project); err != nil {
		r.logger.Warn("tracker comment failed",
			zap.String("project_id", project.ID),
			zap.String("issue", issueID),
			zap.Error(err))
	}
}
