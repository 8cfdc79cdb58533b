package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/stringutil"
	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/metadata"
	"github.com/agentor/agentor/internal/plugin"
	"github.com/agentor/agentor/internal/session"
)

// planCommentLimit caps how much of the plan document goes into the tracker
// comment.
const planCommentLimit = 4000

// plansRelDir is where the methodology's plan command writes its documents,
// relative to the workspace root.
const plansRelDir = ".claude/PRPs/plans"

// handlePRPPhase reacts to PRP phase changes recorded by the in-workspace
// hook: per-phase tracker writebacks and the plan gate.
func (m *Manager) handlePRPPhase(ctx context.Context, s *session.Session) {
	project, ok := m.cfg.Project(s.ProjectID)
	if !ok || !project.PRPEnabled() {
		return
	}
	phase := s.PRPPhase
	if phase == "" {
		return
	}

	m.mu.Lock()
	last := m.phases[s.ID]
	if phase == last {
		m.mu.Unlock()
		return
	}
	m.phases[s.ID] = phase
	m.mu.Unlock()

	log := m.logger.WithFields(zap.String("session_id", s.ID), zap.String("phase", phase))
	log.Info("PRP phase changed", zap.String("previous", last))
	m.publish(events.PRPPhaseChanged, s)

	wb := project.PRP.Writeback
	switch phase {
	case session.PhasePlanning:
		if wb.Investigation {
			m.comment(ctx, s, fmt.Sprintf("Session `%s`: investigation complete, planning started.", s.ID))
		}
	case session.PhasePlanningComplete:
		if project.PRP.Gates.Plan {
			m.enterPlanGate(ctx, s)
			return
		}
		if wb.Plan {
			m.comment(ctx, s, m.planComment(s, false))
		}
	case session.PhaseImplementing:
		if wb.Implementation {
			m.comment(ctx, s, fmt.Sprintf("Session `%s`: implementation started.", s.ID))
		}
	}
}

// enterPlanGate pauses the session at the plan gate: post the plan on the
// issue with approval instructions, flip the phase marker, and page for a
// review.
func (m *Manager) enterPlanGate(ctx context.Context, s *session.Session) {
	if err := m.sessions.UpdateMetadata(s.ID, map[string]string{
		metadata.KeyPRPPhase: session.PhasePlanGate,
	}); err != nil {
		m.logger.Error("failed to set plan gate phase", zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	s.PRPPhase = session.PhasePlanGate
	m.mu.Lock()
	m.phases[s.ID] = session.PhasePlanGate
	m.mu.Unlock()

	m.comment(ctx, s, m.planComment(s, true))
	m.publish(events.PRPPlanGate, s)
	m.router.Dispatch(ctx, plugin.Notification{
		Event:     events.PRPPlanGate,
		Priority:  events.PriorityAction,
		Title:     fmt.Sprintf("Session %s is waiting for plan approval", s.ID),
		Body:      "Review the plan posted on the issue and reply with an approval comment to resume.",
		SessionID: s.ID,
		ProjectID: s.ProjectID,
	})
	m.logger.Info("session paused at plan gate", zap.String("session_id", s.ID))
}

// planComment renders the plan document as a tracker comment, truncated to
// the comment limit, with approval instructions when gated.
func (m *Manager) planComment(s *session.Session, gated bool) string {
	plan := readPlanDocument(s.WorkspacePath)
	if plan == "" {
		plan = "(no plan document found)"
	}
	if truncated := stringutil.TruncateString(plan, planCommentLimit); truncated != plan {
		plan = truncated + "\n\n[truncated]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Plan from session `%s`\n\n", s.ID)
	b.WriteString("```markdown\n")
	b.WriteString(plan)
	if !strings.HasSuffix(plan, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```\n")
	if gated {
		b.WriteString("\nReply with `approved`, `lgtm`, `proceed` or `go ahead` to start implementation.\n")
	}
	return b.String()
}

// readPlanDocument returns the first .plan.md under the workspace's plans
// directory, in name order.
func readPlanDocument(workspacePath string) string {
	if workspacePath == "" {
		return ""
	}
	dir := filepath.Join(workspacePath, filepath.FromSlash(plansRelDir))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".plan.md") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	data, err := os.ReadFile(filepath.Join(dir, names[0]))
	if err != nil {
		return ""
	}
	return string(data)
}
