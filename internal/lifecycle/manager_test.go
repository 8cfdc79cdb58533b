package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/metadata"
	"github.com/agentor/agentor/internal/notify"
	"github.com/agentor/agentor/internal/plugin"
	"github.com/agentor/agentor/internal/reaction"
	"github.com/agentor/agentor/internal/session"
)

// fakeSessions keeps sessions in memory and applies metadata patches
// directly to them, standing in for the store-backed manager.
type fakeSessions struct {
	mu        sync.Mutex
	sessions  []*session.Session
	outputs   map[string]string
	outputErr map[string]error
	sent      map[string][]string
	listCalls int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		outputs:   make(map[string]string),
		outputErr: make(map[string]error),
		sent:      make(map[string][]string),
	}
}

func (f *fakeSessions) List(context.Context, string) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]*session.Session, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *fakeSessions) UpdateMetadata(id string, patch map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID != id {
			continue
		}
		if v, ok := patch[metadata.KeyStatus]; ok {
			s.Status = session.Status(v)
		}
		if v, ok := patch[metadata.KeyPRPPhase]; ok {
			s.PRPPhase = v
		}
		return nil
	}
	return fmt.Errorf("session %s not found", id)
}

func (f *fakeSessions) Output(_ context.Context, id string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.outputErr[id]; err != nil {
		return "", err
	}
	return f.outputs[id], nil
}

func (f *fakeSessions) Send(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = append(f.sent[id], text)
	return nil
}

// scriptedAgent classifies terminal tails by keyword and reports process
// liveness from a map.
type scriptedAgent struct {
	mu      sync.Mutex
	running map[string]bool
}

func (a *scriptedAgent) BuildLaunchCommand(plugin.LaunchSpec) []string { return []string{"agent"} }

func (a *scriptedAgent) DetectActivity(tail string) plugin.ActivityState {
	switch tail {
	case "WAITING":
		return plugin.ActivityWaitingInput
	case "BLOCKED":
		return plugin.ActivityBlocked
	default:
		return plugin.ActivityActive
	}
}

func (a *scriptedAgent) IsProcessRunning(_ context.Context, handle string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running == nil {
		return true, nil
	}
	alive, ok := a.running[handle]
	return !ok || alive, nil
}

func (a *scriptedAgent) PostLaunchSetup(context.Context, string, string, string) error { return nil }

type scriptedSCM struct {
	mu        sync.Mutex
	state     string
	ci        string
	review    string
	mergeable bool
	merged    []string
}

func (s *scriptedSCM) PRState(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}
func (s *scriptedSCM) CISummary(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ci, nil
}
func (s *scriptedSCM) ReviewDecision(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.review, nil
}
func (s *scriptedSCM) Mergeability(context.Context, string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeable, nil
}
func (s *scriptedSCM) Merge(_ context.Context, prURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged = append(s.merged, prURL)
	return nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []plugin.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n plugin.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingNotifier) byEvent(event string) []plugin.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []plugin.Notification
	for _, n := range r.got {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

type commentTracker struct {
	mu       sync.Mutex
	comments []string
}

func (c *commentTracker) GetIssue(context.Context, string, *config.Project) (*plugin.Issue, error) {
	return &plugin.Issue{}, nil
}
func (c *commentTracker) IsCompleted(context.Context, string, *config.Project) (bool, error) {
	return false, nil
}
func (c *commentTracker) IssueURL(string, *config.Project) string { return "" }
func (c *commentTracker) BranchName(context.Context, string, *config.Project) (string, error) {
	return "", nil
}
func (c *commentTracker) GeneratePrompt(context.Context, string, *config.Project) (string, error) {
	return "", nil
}
func (c *commentTracker) UpdateIssue(_ context.Context, _ string, update plugin.IssueUpdate, _ *config.Project) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.comments = append(c.comments, update.Comment)
	return nil
}

type harness struct {
	manager  *Manager
	sessions *fakeSessions
	agent    *scriptedAgent
	scm      *scriptedSCM
	notifier *recordingNotifier
	tracker  *commentTracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	cfg := &config.Config{
		Poll:     config.PollConfig{IntervalSeconds: 30, ProbeTimeout: 5},
		Defaults: config.DefaultsConfig{Agent: "fa", Notifiers: []string{"rec"}},
		Reactions: map[string]config.ReactionConfig{
			"ci-failed": {Action: "send-to-agent", Message: "CI is failing; fix it.", Retries: 2},
		},
		Projects: map[string]*config.Project{
			"app": {
				ID:      "app",
				SCM:     "fscm",
				Path:    t.TempDir(),
				Tracker: config.TrackerConfig{Plugin: "ftr"},
				PRP: &config.PRPConfig{
					Enabled: true,
					Gates:   config.PRPGatesConfig{Plan: true},
					Writeback: config.PRPWritebackConfig{
						Investigation: true, Plan: true, Implementation: true, PR: true,
					},
				},
			},
		},
	}

	sessions := newFakeSessions()
	agent := &scriptedAgent{running: make(map[string]bool)}
	scm := &scriptedSCM{state: plugin.PRStateOpen, ci: plugin.CIPassing, review: plugin.ReviewPending}
	notifier := &recordingNotifier{}
	tracker := &commentTracker{}

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.SlotAgent, "fa", agent))
	require.NoError(t, registry.Register(plugin.SlotSCM, "fscm", scm))
	require.NoError(t, registry.Register(plugin.SlotNotifier, "rec", notifier))
	require.NoError(t, registry.Register(plugin.SlotTracker, "ftr", tracker))
	registry.Seal()

	router := notify.NewRouter(cfg, registry, log)
	reactions := reaction.NewEngine(cfg, sessions, registry, router, nil, log)
	manager := NewManager(cfg, sessions, registry, reactions, router, nil, log)

	return &harness{manager: manager, sessions: sessions, agent: agent, scm: scm, notifier: notifier, tracker: tracker}
}

func (h *harness) addSession(s *session.Session) *session.Session {
	if s.AgentName == "" {
		s.AgentName = "fa"
	}
	if s.RuntimeHandle == "" {
		s.RuntimeHandle = "rt-" + s.ID
	}
	h.sessions.sessions = append(h.sessions.sessions, s)
	return s
}

func TestTickPromotesSpawningToWorking(t *testing.T) {
	h := newHarness(t)
	s := h.addSession(&session.Session{ID: "app-1", ProjectID: "app", Status: session.StatusSpawning})
	h.sessions.outputs[s.ID] = "compiling..."

	h.manager.Tick(context.Background())
	assert.Equal(t, session.StatusWorking, s.Status)
}

func TestTickDetectsNeedsInput(t *testing.T) {
	h := newHarness(t)
	s := h.addSession(&session.Session{ID: "app-1", ProjectID: "app", Status: session.StatusWorking})
	h.sessions.outputs[s.ID] = "WAITING"

	h.manager.Tick(context.Background())
	assert.Equal(t, session.StatusNeedsInput, s.Status)

	// No reaction is configured for agent-needs-input, so the router got
	// an action-priority notification instead.
	got := h.notifier.byEvent(events.SessionNeedsInput)
	require.Len(t, got, 1)
	assert.Equal(t, events.PriorityAction, got[0].Priority)
}

func TestTickDetectsDeadAgent(t *testing.T) {
	h := newHarness(t)
	s := h.addSession(&session.Session{ID: "app-1", ProjectID: "app", Status: session.StatusWorking})
	h.sessions.outputs[s.ID] = "idle"
	h.agent.running[s.RuntimeHandle] = false

	h.manager.Tick(context.Background())
	assert.Equal(t, session.StatusKilled, s.Status)
	got := h.notifier.byEvent(events.SessionKilled)
	require.Len(t, got, 1)
	assert.Equal(t, events.PriorityWarning, got[0].Priority)
}

func TestProbeFailurePreservesAttentionStatus(t *testing.T) {
	h := newHarness(t)
	s := h.addSession(&session.Session{ID: "app-1", ProjectID: "app", Status: session.StatusNeedsInput})
	h.sessions.outputErr[s.ID] = errors.New("tmux timeout")

	h.manager.Tick(context.Background())
	assert.Equal(t, session.StatusNeedsInput, s.Status)
	assert.Empty(t, h.notifier.got)
}

func TestCIFailureReactsThenRecovers(t *testing.T) {
	h := newHarness(t)
	s := h.addSession(&session.Session{
		ID: "app-1", ProjectID: "app", Status: session.StatusPROpen,
		PR: "https://github.com/org/app/pull/7",
	})
	h.sessions.outputs[s.ID] = "running tests"
	h.scm.ci = plugin.CIFailing

	// First tick: transition to ci_failed, reaction sends attempt 1.
	h.manager.Tick(context.Background())
	assert.Equal(t, session.StatusCIFailed, s.Status)
	require.Len(t, h.sessions.sent[s.ID], 1)
	assert.Contains(t, h.sessions.sent[s.ID][0], "CI is failing")

	// CI stays red: the condition persists, so the reaction fires again
	// and the attempt counter advances.
	h.manager.Tick(context.Background())
	assert.Equal(t, session.StatusCIFailed, s.Status)
	assert.Len(t, h.sessions.sent[s.ID], 2)

	// CI recovers and the review is approved with green mergeable state.
	// The recovery transition clears the retry episode.
	h.scm.ci = plugin.CIPassing
	h.scm.review = plugin.ReviewApproved
	h.scm.mergeable = true
	h.manager.Tick(context.Background())
	assert.Equal(t, session.StatusMergeable, s.Status)
	assert.Len(t, h.sessions.sent[s.ID], 2)

	got := h.notifier.byEvent(events.MergeReady)
	require.Len(t, got, 1)
	assert.Equal(t, events.PriorityAction, got[0].Priority)
}

func TestPersistentCIFailureEscalates(t *testing.T) {
	h := newHarness(t)
	s := h.addSession(&session.Session{
		ID: "app-1", ProjectID: "app", Status: session.StatusPROpen,
		PR: "https://github.com/org/app/pull/7",
	})
	h.sessions.outputs[s.ID] = "running tests"
	h.scm.ci = plugin.CIFailing

	// retries: 2 allows two nudges; the third attempt pages a human once
	// and further ticks stay quiet until the condition resolves.
	for i := 0; i < 6; i++ {
		h.manager.Tick(context.Background())
	}
	assert.Equal(t, session.StatusCIFailed, s.Status)
	assert.Len(t, h.sessions.sent[s.ID], 2)

	escalated := h.notifier.byEvent(events.ReactionEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, events.PriorityUrgent, escalated[0].Priority)
	assert.Equal(t, s.ID, escalated[0].SessionID)

	// Recovery ends the episode; a later red CI starts a fresh count.
	h.scm.ci = plugin.CIPassing
	h.scm.review = plugin.ReviewApproved
	h.scm.mergeable = true
	h.manager.Tick(context.Background())
	require.Equal(t, session.StatusMergeable, s.Status)

	h.scm.ci = plugin.CIFailing
	h.scm.review = plugin.ReviewPending
	h.scm.mergeable = false
	h.manager.Tick(context.Background())
	assert.Equal(t, session.StatusCIFailed, s.Status)
	assert.Len(t, h.sessions.sent[s.ID], 3)
	assert.Len(t, h.notifier.byEvent(events.ReactionEscalated), 1)
}

func TestMergedIsTerminalAndWrittenBack(t *testing.T) {
	h := newHarness(t)
	s := h.addSession(&session.Session{
		ID: "app-1", ProjectID: "app", Status: session.StatusMergeable,
		PR: "https://github.com/org/app/pull/7", IssueID: "42",
	})
	h.sessions.outputs[s.ID] = "done"
	h.scm.state = plugin.PRStateMerged

	h.manager.Tick(context.Background())
	assert.Equal(t, session.StatusMerged, s.Status)
	require.Len(t, h.tracker.comments, 1)
	assert.Contains(t, h.tracker.comments[0], "merged")

	// Terminal sessions are left alone on later ticks.
	h.manager.Tick(context.Background())
	assert.Len(t, h.tracker.comments, 1)
}

func TestPRBandNeverRegressesToWorking(t *testing.T) {
	h := newHarness(t)
	s := h.addSession(&session.Session{
		ID: "app-1", ProjectID: "app", Status: session.StatusReviewPending,
		PR: "", // PR metadata lost; the probe would suggest "working"
	})
	h.sessions.outputs[s.ID] = "active"

	h.manager.Tick(context.Background())
	assert.Equal(t, session.StatusReviewPending, s.Status)
}

func TestPlanGatePausesSessionAndPostsPlan(t *testing.T) {
	h := newHarness(t)
	workspace := t.TempDir()
	plansDir := filepath.Join(workspace, ".claude", "PRPs", "plans")
	require.NoError(t, os.MkdirAll(plansDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plansDir, "fix-login.plan.md"),
		[]byte("# Plan\n\n1. Reproduce the bug\n2. Fix it\n"), 0o644))

	s := h.addSession(&session.Session{
		ID: "app-1", ProjectID: "app", Status: session.StatusWorking,
		IssueID: "42", WorkspacePath: workspace,
		PRPPhase: session.PhasePlanningComplete,
	})
	h.sessions.outputs[s.ID] = "waiting after plan"

	h.manager.Tick(context.Background())

	assert.Equal(t, session.PhasePlanGate, s.PRPPhase)
	require.Len(t, h.tracker.comments, 1)
	assert.Contains(t, h.tracker.comments[0], "Reproduce the bug")
	assert.Contains(t, h.tracker.comments[0], "`approved`")

	got := h.notifier.byEvent(events.PRPPlanGate)
	require.Len(t, got, 1)
	assert.Equal(t, events.PriorityAction, got[0].Priority)

	// The gate fires once; later ticks see the plan_gate phase as current.
	h.manager.Tick(context.Background())
	assert.Len(t, h.tracker.comments, 1)
}

func TestPlanCommentTruncation(t *testing.T) {
	h := newHarness(t)
	workspace := t.TempDir()
	plansDir := filepath.Join(workspace, ".claude", "PRPs", "plans")
	require.NoError(t, os.MkdirAll(plansDir, 0o755))
	big := make([]byte, 6000)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, os.WriteFile(filepath.Join(plansDir, "a.plan.md"), big, 0o644))

	s := &session.Session{ID: "app-1", WorkspacePath: workspace}
	comment := h.manager.planComment(s, true)
	assert.Contains(t, comment, "[truncated]")
	assert.Less(t, len(comment), 4600)
}

func TestAllSessionsCompleteFiresOnce(t *testing.T) {
	h := newHarness(t)
	h.addSession(&session.Session{ID: "app-1", ProjectID: "app", Status: session.StatusMerged})
	h.addSession(&session.Session{ID: "app-2", ProjectID: "app", Status: session.StatusKilled})

	h.manager.Tick(context.Background())
	require.Len(t, h.notifier.byEvent(events.SessionsAllComplete), 1)

	// Edge-triggered: still all-terminal, no second notification.
	h.manager.Tick(context.Background())
	assert.Len(t, h.notifier.byEvent(events.SessionsAllComplete), 1)

	// A new active session re-arms the edge.
	s := h.addSession(&session.Session{ID: "app-3", ProjectID: "app", Status: session.StatusWorking})
	h.sessions.outputs[s.ID] = "active"
	h.manager.Tick(context.Background())
	h.sessions.mu.Lock()
	s.Status = session.StatusDone
	h.sessions.mu.Unlock()
	h.manager.Tick(context.Background())
	assert.Len(t, h.notifier.byEvent(events.SessionsAllComplete), 2)
}

func TestTickSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.manager.inTick.Store(true)
	h.manager.Tick(context.Background())
	assert.Equal(t, 0, h.sessions.listCalls)

	h.manager.inTick.Store(false)
	h.manager.Tick(context.Background())
	assert.Equal(t, 1, h.sessions.listCalls)
}

func TestTransitionAllowed(t *testing.T) {
	// Forward and within-rank moves.
	assert.True(t, transitionAllowed(session.StatusSpawning, session.StatusWorking))
	assert.True(t, transitionAllowed(session.StatusNeedsInput, session.StatusWorking))
	assert.True(t, transitionAllowed(session.StatusWorking, session.StatusPROpen))
	// Regressions inside the PR band.
	assert.True(t, transitionAllowed(session.StatusMergeable, session.StatusCIFailed))
	// Never back below the PR band.
	assert.False(t, transitionAllowed(session.StatusPROpen, session.StatusWorking))
	// Terminal always.
	assert.True(t, transitionAllowed(session.StatusMergeable, session.StatusKilled))
}

func TestClassifyStatusTable(t *testing.T) {
	eventType, key, priority := classifyStatus(session.StatusCIFailed)
	assert.Equal(t, events.CIFailing, eventType)
	assert.Equal(t, "ci-failed", key)
	assert.Equal(t, events.PriorityAction, priority)

	eventType, key, _ = classifyStatus(session.StatusMergeable)
	assert.Equal(t, events.MergeReady, eventType)
	assert.Equal(t, "approved-and-green", key)

	_, key, priority = classifyStatus(session.StatusErrored)
	assert.Empty(t, key)
	assert.Equal(t, events.PriorityUrgent, priority)

	eventType, key, priority = classifyStatus(session.StatusWorking)
	assert.Empty(t, eventType)
	assert.Empty(t, key)
	assert.Empty(t, priority)
}
