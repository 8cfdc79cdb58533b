package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/config"
	orcherrors "github.com/agentor/agentor/internal/common/errors"
	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/metadata"
	"github.com/agentor/agentor/internal/plugin"
	"github.com/agentor/agentor/internal/session"
)

// outputTailLines is how much terminal history the activity probe reads.
const outputTailLines = 80

// checkSession probes one session and applies any resulting transition.
func (m *Manager) checkSession(ctx context.Context, s *session.Session) {
	m.mu.Lock()
	old := m.currentStatus(s)
	m.mu.Unlock()

	if old.Terminal() {
		return
	}

	m.handlePRPPhase(ctx, s)

	next, err := m.probe(ctx, s, old)
	if err != nil {
		// A transient probe failure must not clobber a status a human
		// may be acting on (stuck, needs_input).
		m.logger.Debug("probe failed; status preserved",
			zap.String("session_id", s.ID),
			zap.String("status", string(old)),
			zap.Error(err))
		return
	}

	if next == old || !transitionAllowed(old, next) {
		m.mu.Lock()
		m.tracked[s.ID] = old
		m.mu.Unlock()
		m.repeatReaction(ctx, s, old)
		return
	}
	m.handleTransition(ctx, s, old, next)
}

// repeatReaction re-invokes the configured reaction while the triggering
// condition persists, so attempt counters advance and retry/escalation
// thresholds remain reachable. A recovery transition clears the counters in
// handleTransition; a probe failure never reaches here.
func (m *Manager) repeatReaction(ctx context.Context, s *session.Session, st session.Status) {
	_, key, _ := classifyStatus(st)
	if key == "" {
		return
	}
	project, _ := m.cfg.Project(s.ProjectID)
	rc, ok := m.cfg.ReactionFor(project, key)
	if !ok {
		return
	}
	if err := m.reactions.Invoke(ctx, s, key, rc); err != nil {
		m.logger.Warn("reaction failed; next tick retries",
			zap.String("session_id", s.ID),
			zap.String("reaction", key),
			zap.Error(err))
	}
}

// probe derives the session's current status: agent activity first (a
// waiting or dead agent outranks PR state), then SCM-derived PR state, then
// promotion of spawn/attention states back to working.
func (m *Manager) probe(ctx context.Context, s *session.Session, old session.Status) (session.Status, error) {
	// The listing pass already reconciled runtime liveness.
	if s.Status == session.StatusKilled {
		return session.StatusKilled, nil
	}

	project, _ := m.cfg.Project(s.ProjectID)
	agentName := s.AgentName
	if agentName == "" {
		agentName = m.cfg.AgentFor(project)
	}
	ag, ok := m.registry.Agent(agentName)
	if !ok {
		return old, fmt.Errorf("agent plugin %q not registered", agentName)
	}

	tail, err := m.sessions.Output(ctx, s.ID, outputTailLines)
	if err != nil {
		return old, orcherrors.Probe("read terminal tail", err)
	}

	switch ag.DetectActivity(tail) {
	case plugin.ActivityWaitingInput:
		return session.StatusNeedsInput, nil
	case plugin.ActivityBlocked:
		return session.StatusStuck, nil
	default:
		running, err := ag.IsProcessRunning(ctx, s.RuntimeHandle)
		if err != nil {
			return old, orcherrors.Probe("check agent process", err)
		}
		if !running {
			return session.StatusKilled, nil
		}
	}

	if s.PR != "" {
		if st, err := m.probePR(ctx, project, s.PR); err == nil {
			return st, nil
		} else {
			return old, orcherrors.Probe("probe pr state", err)
		}
	}

	switch old {
	case session.StatusSpawning, session.StatusStuck, session.StatusNeedsInput:
		return session.StatusWorking, nil
	}
	return old, nil
}

// probePR maps SCM state onto the PR band of the status DAG.
func (m *Manager) probePR(ctx context.Context, project *config.Project, prURL string) (session.Status, error) {
	scmName := ""
	if project != nil {
		scmName = project.SCM
	}
	scm, ok := m.registry.SCM(scmName)
	if !ok {
		return "", fmt.Errorf("scm plugin %q not registered", scmName)
	}

	state, err := scm.PRState(ctx, prURL)
	if err != nil {
		return "", fmt.Errorf("pr state: %w", err)
	}
	switch state {
	case plugin.PRStateMerged:
		return session.StatusMerged, nil
	case plugin.PRStateClosed:
		return session.StatusTerminated, nil
	}

	ci, err := scm.CISummary(ctx, prURL)
	if err != nil {
		return "", fmt.Errorf("ci summary: %w", err)
	}
	if ci == plugin.CIFailing {
		return session.StatusCIFailed, nil
	}

	review, err := scm.ReviewDecision(ctx, prURL)
	if err != nil {
		return "", fmt.Errorf("review decision: %w", err)
	}
	switch review {
	case plugin.ReviewChangesRequested:
		return session.StatusChangesRequested, nil
	case plugin.ReviewApproved:
		if ci == plugin.CIPassing {
			if mergeable, err := scm.Mergeability(ctx, prURL); err == nil && mergeable {
				return session.StatusMergeable, nil
			}
		}
		return session.StatusApproved, nil
	}

	if ci == plugin.CIPending {
		return session.StatusPROpen, nil
	}
	return session.StatusReviewPending, nil
}

// transitionAllowed enforces the DAG's direction: forward or within-rank
// always, terminal always, and regressions only inside the PR band (CI or
// reviews can genuinely regress there). A session with an open PR never
// falls back to the pre-PR band.
func transitionAllowed(old, next session.Status) bool {
	if next.Terminal() {
		return true
	}
	if session.Rank(next) >= session.Rank(old) {
		return true
	}
	return session.Rank(old) >= 2 && session.Rank(next) >= 2
}

// handleTransition persists a status change and dispatches its consequences.
func (m *Manager) handleTransition(ctx context.Context, s *session.Session, old, next session.Status) {
	log := m.logger.WithFields(
		zap.String("session_id", s.ID),
		zap.String("from", string(old)),
		zap.String("to", string(next)))

	patch := map[string]string{
		metadata.KeyStatus:       string(next),
		metadata.KeyLastActivity: time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.sessions.UpdateMetadata(s.ID, patch); err != nil {
		log.Error("failed to persist status transition", zap.Error(err))
		return
	}
	s.Status = next

	m.mu.Lock()
	m.tracked[s.ID] = next
	if !next.Terminal() {
		m.allDone[s.ProjectID] = false
	}
	m.mu.Unlock()

	// The old condition no longer holds, so its retry episode is over.
	if _, oldKey, _ := classifyStatus(old); oldKey != "" {
		m.reactions.Clear(s.ID, oldKey)
	}

	log.Info("session status changed")
	m.writebackMilestone(ctx, s, next)

	eventType, key, priority := classifyStatus(next)
	if eventType != "" {
		m.publish(eventType, s)
	}

	project, _ := m.cfg.Project(s.ProjectID)
	if key != "" {
		if rc, ok := m.cfg.ReactionFor(project, key); ok {
			if err := m.reactions.Invoke(ctx, s, key, rc); err != nil {
				log.Warn("reaction failed; next tick retries", zap.String("reaction", key), zap.Error(err))
			}
			return
		}
	}
	if priority != "" {
		m.router.Dispatch(ctx, plugin.Notification{
			Event:     eventType,
			Priority:  priority,
			Title:     fmt.Sprintf("Session %s is now %s", s.ID, next),
			SessionID: s.ID,
			ProjectID: s.ProjectID,
		})
	}
}

// classifyStatus maps a status to its event type, reaction key, and
// notification priority. An empty reaction key means the status has no
// automated response; an empty event type means the transition is internal
// churn nobody needs to hear about.
func classifyStatus(st session.Status) (eventType, reactionKey, priority string) {
	switch st {
	case session.StatusNeedsInput:
		return events.SessionNeedsInput, "agent-needs-input", events.PriorityAction
	case session.StatusStuck:
		return events.SessionStuck, "agent-stuck", events.PriorityAction
	case session.StatusPROpen:
		return events.PRCreated, "pr-opened", events.PriorityInfo
	case session.StatusCIFailed:
		return events.CIFailing, "ci-failed", events.PriorityAction
	case session.StatusReviewPending:
		return events.ReviewPending, "review-pending", events.PriorityInfo
	case session.StatusChangesRequested:
		return events.ReviewChangesRequested, "changes-requested", events.PriorityAction
	case session.StatusApproved:
		return events.ReviewApproved, "pr-approved", events.PriorityInfo
	case session.StatusMergeable:
		return events.MergeReady, "approved-and-green", events.PriorityAction
	case session.StatusMerged:
		return events.MergeCompleted, "", events.PriorityInfo
	case session.StatusKilled:
		return events.SessionKilled, "agent-exited", events.PriorityWarning
	case session.StatusErrored:
		return events.SessionErrored, "", events.PriorityUrgent
	case session.StatusTerminated:
		return events.SessionKilled, "", events.PriorityWarning
	}
	return "", "", ""
}

// writebackMilestone posts the once-per-session tracker comments for PR
// milestones. Failures are logged; writebacks never block the state machine.
func (m *Manager) writebackMilestone(ctx context.Context, s *session.Session, next session.Status) {
	var body string
	switch next {
	case session.StatusPROpen:
		body = fmt.Sprintf("Pull request opened by session `%s`: %s", s.ID, s.PR)
	case session.StatusMerged:
		body = fmt.Sprintf("Pull request merged: %s", s.PR)
	default:
		return
	}

	marker := s.ID + "/" + string(next)
	m.mu.Lock()
	if m.wrote[marker] {
		m.mu.Unlock()
		return
	}
	m.wrote[marker] = true
	m.mu.Unlock()

	m.comment(ctx, s, body)
}

// comment posts a tracker comment on the session's issue, best-effort.
func (m *Manager) comment(ctx context.Context, s *session.Session, body string) {
	if s.IssueID == "" {
		return
	}
	project, ok := m.cfg.Project(s.ProjectID)
	if !ok || project.Tracker.Plugin == "" {
		return
	}
	tracker, ok := m.registry.Tracker(project.Tracker.Plugin)
	if !ok {
		return
	}
	if err := tracker.UpdateIssue(ctx, s.IssueID, plugin.IssueUpdate{Comment: body}, project); err != nil {
		m.logger.Warn("tracker writeback failed",
			zap.String("session_id", s.ID),
			zap.String("issue", s.IssueID),
			zap.Error(orcherrors.Writeback(fmt.Sprintf("comment on issue %s", s.IssueID), err)))
	}
}
