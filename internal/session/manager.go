package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/config"
	orcherrors "github.com/agentor/agentor/internal/common/errors"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/events/bus"
	"github.com/agentor/agentor/internal/metadata"
	"github.com/agentor/agentor/internal/plugin"
)

// Manager owns session CRUD: spawn, list, send, kill, cleanup, restore.
// The metadata store is the source of truth; the manager itself keeps no
// session state in memory.
type Manager struct {
	cfg      *config.Config
	registry *plugin.Registry
	store    *metadata.Store
	composer PromptComposer
	bus      bus.EventBus
	logger   *logger.Logger
}

// PromptComposer is the slice of the prompt package the manager needs.
type PromptComposer interface {
	Compose(ctx context.Context, tracker plugin.Tracker, project *config.Project, issueID, explicit string) (string, error)
	WriteSystemPromptFile(project *config.Project, sessionID string, issue *plugin.Issue) (string, error)
	LinkMethodology(project *config.Project, workspacePath string) error
}

// NewManager wires a session manager.
func NewManager(cfg *config.Config, registry *plugin.Registry, store *metadata.Store, composer PromptComposer, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		store:    store,
		composer: composer,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session-manager")),
	}
}

// Store exposes the metadata store for collaborators that persist through it.
func (m *Manager) Store() *metadata.Store {
	return m.store
}

func (m *Manager) probeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := m.cfg.Poll.ProbeTimeoutDuration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (m *Manager) runtimeFor(s *Session) (plugin.Runtime, bool) {
	name := s.RuntimeName
	if name == "" {
		name = m.cfg.Defaults.Runtime
	}
	return m.registry.Runtime(name)
}

// Get reads one session from the store.
func (m *Manager) Get(id string) (*Session, error) {
	meta, err := m.store.Read(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, orcherrors.Resource(fmt.Sprintf("session %s not found", id), err)
		}
		return nil, err
	}
	return FromMetadata(id, meta), nil
}

// List returns sessions, optionally filtered by project, sorted by id. As a
// side effect it reconciles liveness: a non-terminal session whose runtime
// handle is dead is marked killed before being returned.
func (m *Manager) List(ctx context.Context, projectID string) ([]*Session, error) {
	ids, err := m.store.List()
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	for _, id := range ids {
		s, err := m.Get(id)
		if err != nil {
			// Raced with archival; skip.
			continue
		}
		if projectID != "" && s.ProjectID != projectID {
			continue
		}
		m.reconcileLiveness(ctx, s)
		sessions = append(sessions, s)
	}

	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// reconcileLiveness flips a non-terminal session to killed when its runtime
// handle no longer refers to a live process. Probe failures leave the status
// untouched.
func (m *Manager) reconcileLiveness(ctx context.Context, s *Session) {
	if s.Status.Terminal() || s.RuntimeHandle == "" {
		return
	}
	rt, ok := m.runtimeFor(s)
	if !ok {
		return
	}
	pctx, cancel := m.probeCtx(ctx)
	defer cancel()
	alive, err := rt.IsAlive(pctx, s.RuntimeHandle)
	if err != nil || alive {
		return
	}
	s.Status = StatusKilled
	if err := m.store.UpdateMerge(s.ID, map[string]string{metadata.KeyStatus: string(StatusKilled)}); err != nil {
		m.logger.Warn("failed to persist killed status", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// Send delivers text to a session's agent through its runtime.
func (m *Manager) Send(ctx context.Context, id, text string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.RuntimeHandle == "" {
		return orcherrors.Resource(fmt.Sprintf("session %s has no runtime handle", id), nil)
	}
	rt, ok := m.runtimeFor(s)
	if !ok {
		return orcherrors.Config(fmt.Sprintf("runtime plugin %q not registered", s.RuntimeName))
	}
	pctx, cancel := m.probeCtx(ctx)
	defer cancel()
	if err := rt.Send(pctx, s.RuntimeHandle, text); err != nil {
		return fmt.Errorf("send to session %s: %w", id, err)
	}
	return m.store.UpdateMerge(id, map[string]string{
		metadata.KeyLastActivity: time.Now().UTC().Format(time.RFC3339),
	})
}

// Output returns the last n lines of the session's terminal.
func (m *Manager) Output(ctx context.Context, id string, lastN int) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}
	if s.RuntimeHandle == "" {
		return "", nil
	}
	rt, ok := m.runtimeFor(s)
	if !ok {
		return "", orcherrors.Config(fmt.Sprintf("runtime plugin %q not registered", s.RuntimeName))
	}
	pctx, cancel := m.probeCtx(ctx)
	defer cancel()
	return rt.Output(pctx, s.RuntimeHandle, lastN)
}

// Kill tears a session down: stop the runtime, destroy the workspace, archive
// the metadata. Each step is best-effort; errors are joined, and a partial
// failure never blocks the later steps.
func (m *Manager) Kill(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	var errs []error
	if s.RuntimeHandle != "" {
		if rt, ok := m.runtimeFor(s); ok {
			pctx, cancel := m.probeCtx(ctx)
			if err := rt.Stop(pctx, s.RuntimeHandle); err != nil {
				errs = append(errs, fmt.Errorf("stop runtime: %w", err))
			}
			cancel()
		}
	}
	if s.WorkspacePath != "" {
		wsName := m.cfg.WorkspaceFor(m.projectOf(s))
		if ws, ok := m.registry.Workspace(wsName); ok {
			pctx, cancel := m.probeCtx(ctx)
			if err := ws.Destroy(pctx, s.WorkspacePath); err != nil {
				errs = append(errs, fmt.Errorf("destroy workspace: %w", err))
			}
			cancel()
		}
	}
	if err := m.store.Archive(id); err != nil {
		errs = append(errs, fmt.Errorf("archive metadata: %w", err))
	}

	m.logger.Info("killed session", zap.String("session_id", id), zap.Int("errors", len(errs)))
	m.publish(events.SessionKilled, s)
	return errors.Join(errs...)
}

// Cleanup kills terminal sessions whose last activity is older than the
// threshold. It returns the ids it removed.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) ([]string, error) {
	sessions, err := m.List(ctx, "")
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-olderThan)

	var removed []string
	var errs []error
	for _, s := range sessions {
		if !s.Status.Terminal() {
			continue
		}
		last := s.LastActivityAt
		if last.IsZero() {
			last = s.CreatedAt
		}
		if !last.IsZero() && last.After(cutoff) {
			continue
		}
		if err := m.Kill(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", s.ID, err))
			continue
		}
		removed = append(removed, s.ID)
	}
	return removed, errors.Join(errs...)
}

// Restore relaunches a session whose runtime died but whose metadata
// survived (e.g. after a host reboot). The workspace is recreated when
// missing and the agent is started fresh on the original branch.
func (m *Manager) Restore(ctx context.Context, id string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	project := m.projectOf(s)
	if project == nil {
		return nil, orcherrors.Config(fmt.Sprintf("session %s references unknown project %q", id, s.ProjectID))
	}

	rt, ok := m.runtimeFor(s)
	if !ok {
		return nil, orcherrors.Config(fmt.Sprintf("runtime plugin %q not registered", s.RuntimeName))
	}
	if s.RuntimeHandle != "" {
		pctx, cancel := m.probeCtx(ctx)
		alive, err := rt.IsAlive(pctx, s.RuntimeHandle)
		cancel()
		if err == nil && alive {
			return s, nil
		}
	}

	if s.WorkspacePath == "" || !dirExists(s.WorkspacePath) {
		wsName := m.cfg.WorkspaceFor(project)
		ws, ok := m.registry.Workspace(wsName)
		if !ok {
			return nil, orcherrors.Config(fmt.Sprintf("workspace plugin %q not registered", wsName))
		}
		path, err := ws.Create(ctx, plugin.WorkspaceSpec{Project: project, Branch: s.Branch, SessionID: id})
		if err != nil {
			return nil, orcherrors.Resource(fmt.Sprintf("recreate workspace for %s", id), err)
		}
		s.WorkspacePath = path
	}

	agentName := m.cfg.AgentFor(project)
	ag, ok := m.registry.Agent(agentName)
	if !ok {
		return nil, orcherrors.Config(fmt.Sprintf("agent plugin %q not registered", agentName))
	}

	spec := plugin.LaunchSpec{}
	if project.PRPEnabled() {
		// Reuse the original system prompt file when it survived.
		if path, err := m.composer.WriteSystemPromptFile(project, id, nil); err == nil {
			spec.SystemPromptFile = path
		}
	}

	handle, err := rt.Start(ctx, plugin.StartSpec{
		SessionID: id,
		Command:   ag.BuildLaunchCommand(spec),
		Dir:       s.WorkspacePath,
		Env:       m.sessionEnv(id, project),
	})
	if err != nil {
		return nil, fmt.Errorf("restart runtime for %s: %w", id, err)
	}

	patch := map[string]string{
		metadata.KeyRuntimeName:  handle,
		metadata.KeyStatus:       string(StatusWorking),
		metadata.KeyWorktree:     s.WorkspacePath,
		metadata.KeyLastActivity: time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.store.UpdateMerge(id, patch); err != nil {
		return nil, err
	}
	s.RuntimeHandle = handle
	s.Status = StatusWorking

	if err := ag.PostLaunchSetup(ctx, s.WorkspacePath, id, m.store.Path(id)); err != nil {
		m.logger.Warn("post-launch setup failed on restore", zap.String("session_id", id), zap.Error(err))
	}
	m.logger.Info("restored session", zap.String("session_id", id))
	return s, nil
}

// UpdateMetadata merges a caller-supplied patch into a session's metadata.
func (m *Manager) UpdateMetadata(id string, patch map[string]string) error {
	return m.store.UpdateMerge(id, patch)
}

func (m *Manager) projectOf(s *Session) *config.Project {
	p, _ := m.cfg.Project(s.ProjectID)
	return p
}

func (m *Manager) sessionEnv(id string, project *config.Project) map[string]string {
	return map[string]string{
		"AGENTOR_SESSION_ID": id,
		"AGENTOR_PROJECT":    project.ID,
		"AGENTOR_METADATA":   m.store.Path(id),
	}
}

func (m *Manager) publish(eventType string, s *Session) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "session-manager", map[string]interface{}{
		"session_id": s.ID,
		"project_id": s.ProjectID,
		"status":     string(s.Status),
	})
	if err := m.bus.Publish(context.Background(), eventType, ev); err != nil {
		m.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}

// nextID allocates the next {prefix}-{n} id by exclusive file creation.
// Concurrent allocators race on the create, never on the scan.
func (m *Manager) nextID(prefix string) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		ids, err := m.store.List()
		if err != nil {
			return "", err
		}
		max := 0
		for _, id := range ids {
			rest, ok := strings.CutPrefix(id, prefix+"-")
			if !ok {
				continue
			}
			n, err := strconv.Atoi(rest)
			if err != nil {
				continue
			}
			if n > max {
				max = n
			}
		}
		candidate := fmt.Sprintf("%s-%d", prefix, max+1)
		err = m.store.Reserve(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		// Lost the race; rescan and try the next number.
	}
	return "", orcherrors.Resource(fmt.Sprintf("could not allocate a session id with prefix %q", prefix), nil)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
