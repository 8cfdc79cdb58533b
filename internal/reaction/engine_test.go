package reaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/notify"
	"github.com/agentor/agentor/internal/plugin"
	"github.com/agentor/agentor/internal/session"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (r *recordingSender) Send(_ context.Context, id, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]string)
	}
	r.sent[id] = append(r.sent[id], text)
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

type fakeSCM struct {
	mergeable bool
	merged    []string
}

func (f *fakeSCM) PRState(context.Context, string) (string, error)        { return plugin.PRStateOpen, nil }
func (f *fakeSCM) CISummary(context.Context, string) (string, error)      { return plugin.CIPassing, nil }
func (f *fakeSCM) ReviewDecision(context.Context, string) (string, error) { return plugin.ReviewApproved, nil }
func (f *fakeSCM) Mergeability(context.Context, string) (bool, error)     { return f.mergeable, nil }
func (f *fakeSCM) Merge(_ context.Context, prURL string) error {
	f.merged = append(f.merged, prURL)
	return nil
}

type harness struct {
	engine   *Engine
	sender   *recordingSender
	notifier *recordingNotifier
	scm      *fakeSCM
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	cfg := &config.Config{
		Defaults: config.DefaultsConfig{Notifiers: []string{"rec"}},
		Projects: map[string]*config.Project{
			"app": {ID: "app", SCM: "fake-scm"},
		},
	}

	sender := &recordingSender{}
	notifier := &recordingNotifier{}
	scm := &fakeSCM{mergeable: true}

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.SlotNotifier, "rec", notifier))
	require.NoError(t, registry.Register(plugin.SlotSCM, "fake-scm", scm))
	registry.Seal()

	router := notify.NewRouter(cfg, registry, log)
	engine := NewEngine(cfg, sender, registry, router, nil, log)
	return &harness{engine: engine, sender: sender, notifier: notifier, scm: scm}
}

func testSession() *session.Session {
	return &session.Session{ID: "app-1", ProjectID: "app", Status: session.StatusCIFailed, PR: "https://github.com/org/app/pull/7"}
}

func TestSendToAgentRetriesThenEscalates(t *testing.T) {
	h := newHarness(t)
	s := testSession()
	rc := config.ReactionConfig{Action: "send-to-agent", Message: "CI is failing; check the logs and fix.", Retries: 2}

	// Two attempts go to the agent.
	require.NoError(t, h.engine.Invoke(context.Background(), s, "ci-failed", rc))
	require.NoError(t, h.engine.Invoke(context.Background(), s, "ci-failed", rc))
	assert.Len(t, h.sender.sent["app-1"], 2)
	assert.Empty(t, h.notifier.got)

	// The third exceeds retries: no send, urgent page instead.
	require.NoError(t, h.engine.Invoke(context.Background(), s, "ci-failed", rc))
	assert.Len(t, h.sender.sent["app-1"], 2)
	require.Len(t, h.notifier.got, 1)
	assert.Equal(t, events.PriorityUrgent, h.notifier.got[0].Priority)
	assert.Equal(t, events.ReactionEscalated, h.notifier.got[0].Event)

	// Further ticks do not page again.
	require.NoError(t, h.engine.Invoke(context.Background(), s, "ci-failed", rc))
	assert.Len(t, h.notifier.got, 1)
}

func TestEscalateAfterDuration(t *testing.T) {
	h := newHarness(t)
	s := testSession()
	rc := config.ReactionConfig{Action: "send-to-agent", Message: "nudge", EscalateAfter: "30m"}

	start := time.Now()
	h.engine.now = func() time.Time { return start }
	require.NoError(t, h.engine.Invoke(context.Background(), s, "agent-stuck", rc))
	assert.Len(t, h.sender.sent["app-1"], 1)

	h.engine.now = func() time.Time { return start.Add(31 * time.Minute) }
	require.NoError(t, h.engine.Invoke(context.Background(), s, "agent-stuck", rc))
	assert.Len(t, h.sender.sent["app-1"], 1)
	require.Len(t, h.notifier.got, 1)
	assert.Equal(t, events.PriorityUrgent, h.notifier.got[0].Priority)
}

func TestEscalateAfterCount(t *testing.T) {
	h := newHarness(t)
	s := testSession()
	rc := config.ReactionConfig{Action: "send-to-agent", Message: "nudge", EscalateAfter: "1"}

	require.NoError(t, h.engine.Invoke(context.Background(), s, "agent-stuck", rc))
	require.NoError(t, h.engine.Invoke(context.Background(), s, "agent-stuck", rc))
	assert.Len(t, h.sender.sent["app-1"], 1)
	assert.Len(t, h.notifier.got, 1)
}

func TestAutoFalseStillNotifies(t *testing.T) {
	h := newHarness(t)
	s := testSession()
	off := false
	rc := config.ReactionConfig{Auto: &off, Action: "send-to-agent", Message: "would have nudged", Priority: events.PriorityWarning}

	require.NoError(t, h.engine.Invoke(context.Background(), s, "ci-failed", rc))
	assert.Empty(t, h.sender.sent)
	require.Len(t, h.notifier.got, 1)
	assert.Equal(t, events.PriorityWarning, h.notifier.got[0].Priority)
	assert.Equal(t, events.ReactionTriggered, h.notifier.got[0].Event)
}

func TestClearResetsAttempts(t *testing.T) {
	h := newHarness(t)
	s := testSession()
	rc := config.ReactionConfig{Action: "send-to-agent", Message: "nudge", Retries: 1}

	require.NoError(t, h.engine.Invoke(context.Background(), s, "ci-failed", rc))
	assert.Equal(t, 1, h.engine.Attempts("app-1", "ci-failed"))

	h.engine.Clear("app-1", "ci-failed")
	assert.Equal(t, 0, h.engine.Attempts("app-1", "ci-failed"))

	// A fresh episode gets its full retry budget again.
	require.NoError(t, h.engine.Invoke(context.Background(), s, "ci-failed", rc))
	assert.Len(t, h.sender.sent["app-1"], 2)
	assert.Empty(t, h.notifier.got)
}

func TestAutoMerge(t *testing.T) {
	h := newHarness(t)
	s := testSession()
	rc := config.ReactionConfig{Action: "auto-merge"}

	require.NoError(t, h.engine.Invoke(context.Background(), s, "approved-and-green", rc))
	assert.Equal(t, []string{s.PR}, h.scm.merged)

	// Not mergeable is an error the next tick retries.
	h.scm.mergeable = false
	err := h.engine.Invoke(context.Background(), s, "approved-and-green", rc)
	assert.Error(t, err)
}

func TestNotifyAction(t *testing.T) {
	h := newHarness(t)
	s := testSession()
	rc := config.ReactionConfig{Action: "notify", Message: "PR opened", Priority: events.PriorityInfo}

	require.NoError(t, h.engine.Invoke(context.Background(), s, "pr-opened", rc))
	require.Len(t, h.notifier.got, 1)
	assert.Equal(t, events.PriorityInfo, h.notifier.got[0].Priority)
}

func TestPruneExcept(t *testing.T) {
	h := newHarness(t)
	rc := config.ReactionConfig{Action: "send-to-agent", Message: "nudge"}
	a := &session.Session{ID: "app-1", ProjectID: "app"}
	b := &session.Session{ID: "app-2", ProjectID: "app"}

	require.NoError(t, h.engine.Invoke(context.Background(), a, "ci-failed", rc))
	require.NoError(t, h.engine.Invoke(context.Background(), b, "ci-failed", rc))

	h.engine.PruneExcept(map[string]bool{"app-2": true})
	assert.Equal(t, 0, h.engine.Attempts("app-1", "ci-failed"))
	assert.Equal(t, 1, h.engine.Attempts("app-2", "ci-failed"))
}

func TestParseEscalateAfter(t *testing.T) {
	count, dur := parseEscalateAfter("3")
	assert.Equal(t, 3, count)
	assert.Zero(t, dur)

	count, dur = parseEscalateAfter("45m")
	assert.Zero(t, count)
	assert.Equal(t, 45*time.Minute, dur)

	count, dur = parseEscalateAfter("")
	assert.Zero(t, count)
	assert.Zero(t, dur)

	count, dur = parseEscalateAfter("garbage")
	assert.Zero(t, count)
	assert.Zero(t, dur)
}
