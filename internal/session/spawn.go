package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/config"
	orcherrors "github.com/agentor/agentor/internal/common/errors"
	"github.com/agentor/agentor/internal/common/tracing"
	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/metadata"
	"github.com/agentor/agentor/internal/plugin"
)

// SpawnRequest describes a session to create. IssueID and Prompt are each
// optional but at least one should be present for the agent to have work.
type SpawnRequest struct {
	ProjectID string
	IssueID   string
	Branch    string // explicit branch override
	Prompt    string // explicit prompt, replaces the tracker-derived layer
}

// Spawn creates a session end to end: validate the issue, claim an id,
// create the workspace, compose the prompt, launch the agent, persist
// metadata. Failure at any step rolls back everything already created and
// archives the reserved id.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (s *Session, err error) {
	ctx, span := tracing.TraceSpawn(ctx, req.ProjectID, req.IssueID)
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	project, ok := m.cfg.Project(req.ProjectID)
	if !ok {
		return nil, orcherrors.Config(fmt.Sprintf("unknown project %q", req.ProjectID))
	}

	runtimeName := m.cfg.RuntimeFor(project)
	rt, ok := m.registry.Runtime(runtimeName)
	if !ok {
		return nil, orcherrors.Config(fmt.Sprintf("runtime plugin %q not registered", runtimeName))
	}
	agentName := m.cfg.AgentFor(project)
	ag, ok := m.registry.Agent(agentName)
	if !ok {
		return nil, orcherrors.Config(fmt.Sprintf("agent plugin %q not registered", agentName))
	}
	workspaceName := m.cfg.WorkspaceFor(project)
	ws, ok := m.registry.Workspace(workspaceName)
	if !ok {
		return nil, orcherrors.Config(fmt.Sprintf("workspace plugin %q not registered", workspaceName))
	}
	var tracker plugin.Tracker
	if project.Tracker.Plugin != "" {
		tracker, _ = m.registry.Tracker(project.Tracker.Plugin)
	}

	// Validate the issue before anything is created.
	var issue *plugin.Issue
	if req.IssueID != "" && tracker != nil {
		var err error
		issue, err = tracker.GetIssue(ctx, req.IssueID, project)
		if err != nil {
			return nil, orcherrors.Tracker(fmt.Sprintf("fetch issue %s", req.IssueID), err)
		}
		done, err := tracker.IsCompleted(ctx, req.IssueID, project)
		if err != nil {
			return nil, orcherrors.Tracker(fmt.Sprintf("check issue %s state", req.IssueID), err)
		}
		if done {
			return nil, orcherrors.Tracker(fmt.Sprintf("issue %s is already completed", req.IssueID), nil)
		}
	}

	id, err := m.nextID(project.SessionPrefix)
	if err != nil {
		return nil, err
	}
	log := m.logger.WithFields(zap.String("session_id", id), zap.String("project_id", project.ID))

	// Rollback chain: each completed step registers its undo; success
	// disarms all of them.
	var undo []func()
	success := false
	defer func() {
		if success {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		if err := m.store.Archive(id); err != nil {
			log.Warn("failed to archive metadata after spawn failure", zap.Error(err))
		}
	}()

	branch := m.resolveBranch(ctx, req, tracker, project, id)

	workspacePath, err := ws.Create(ctx, plugin.WorkspaceSpec{Project: project, Branch: branch, SessionID: id})
	if err != nil {
		return nil, orcherrors.Resource("create workspace", err)
	}
	undo = append(undo, func() {
		if err := ws.Destroy(context.Background(), workspacePath); err != nil {
			log.Warn("workspace rollback failed", zap.Error(err))
		}
	})

	if err := m.linkProjectFiles(project, workspacePath); err != nil {
		log.Warn("symlinking shared files failed", zap.Error(err))
	}
	if err := m.composer.LinkMethodology(project, workspacePath); err != nil {
		return nil, fmt.Errorf("link methodology: %w", err)
	}

	promptText, err := m.composer.Compose(ctx, tracker, project, req.IssueID, req.Prompt)
	if err != nil {
		return nil, err
	}
	spec := plugin.LaunchSpec{}
	if project.PRPEnabled() {
		path, err := m.composer.WriteSystemPromptFile(project, id, issue)
		if err != nil {
			return nil, err
		}
		spec.SystemPromptFile = path
	}

	handle, err := rt.Start(ctx, plugin.StartSpec{
		SessionID: id,
		Command:   ag.BuildLaunchCommand(spec),
		Dir:       workspacePath,
		Env:       m.sessionEnv(id, project),
	})
	if err != nil {
		return nil, orcherrors.Resource("launch agent", err)
	}
	undo = append(undo, func() {
		if err := rt.Stop(context.Background(), handle); err != nil {
			log.Warn("runtime rollback failed", zap.Error(err))
		}
	})

	now := time.Now().UTC().Format(time.RFC3339)
	meta := map[string]string{
		metadata.KeyProject:      project.ID,
		metadata.KeyStatus:       string(StatusSpawning),
		metadata.KeyBranch:       branch,
		metadata.KeyWorktree:     workspacePath,
		metadata.KeyRuntime:      runtimeName,
		metadata.KeyRuntimeName:  handle,
		metadata.KeyAgent:        agentName,
		metadata.KeyIssue:        req.IssueID,
		metadata.KeyCreated:      now,
		metadata.KeyLastActivity: now,
	}
	if project.PRPEnabled() {
		meta[metadata.KeyPRPPhase] = PhaseInvestigating
	}
	if err := m.store.UpdateMerge(id, meta); err != nil {
		return nil, fmt.Errorf("persist session metadata: %w", err)
	}

	if err := ag.PostLaunchSetup(ctx, workspacePath, id, m.store.Path(id)); err != nil {
		log.Warn("post-launch setup failed", zap.Error(err))
	}

	if promptText != "" {
		pctx, cancel := m.probeCtx(ctx)
		if err := rt.Send(pctx, handle, promptText); err != nil {
			log.Warn("initial prompt delivery failed", zap.Error(err))
		}
		cancel()
	}

	success = true
	s = FromMetadata(id, meta)
	log.Info("spawned session",
		zap.String("branch", branch),
		zap.String("workspace", workspacePath),
		zap.String("issue", req.IssueID))
	m.publish(events.SessionSpawned, s)
	return s, nil
}

// resolveBranch picks the session branch: explicit override, then the
// tracker's convention, then feat/{issue}, then session/{id}.
func (m *Manager) resolveBranch(ctx context.Context, req SpawnRequest, tracker plugin.Tracker, project *config.Project, id string) string {
	if req.Branch != "" {
		return req.Branch
	}
	if req.IssueID != "" && tracker != nil {
		if branch, err := tracker.BranchName(ctx, req.IssueID, project); err == nil && branch != "" {
			return branch
		}
	}
	if req.IssueID != "" {
		return "feat/" + SanitizeBranch(req.IssueID)
	}
	return "session/" + id
}

// linkProjectFiles symlinks the project's configured untracked files (.env
// and friends) from the canonical checkout into the workspace.
func (m *Manager) linkProjectFiles(project *config.Project, workspacePath string) error {
	for _, rel := range project.Symlinks {
		src := filepath.Join(project.Path, rel)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(workspacePath, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		if err := os.Symlink(src, dst); err != nil {
			return fmt.Errorf("symlink %s: %w", rel, err)
		}
	}
	return nil
}
