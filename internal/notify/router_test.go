package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/events/bus"
	"github.com/agentor/agentor/internal/plugin"
)

type recordingNotifier struct {
	mu   sync.Mutex
	got  []plugin.Notification
	fail bool
}

func (r *recordingNotifier) Notify(_ context.Context, n plugin.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("channel down")
	}
	r.got = append(r.got, n)
	return nil
}

func TestRouterRoutesByPriority(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	urgent := &recordingNotifier{}
	fallback := &recordingNotifier{}

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.SlotNotifier, "pager", urgent))
	require.NoError(t, registry.Register(plugin.SlotNotifier, "log", fallback))
	registry.Seal()

	cfg := &config.Config{
		Defaults:            config.DefaultsConfig{Notifiers: []string{"log"}},
		NotificationRouting: map[string][]string{events.PriorityUrgent: {"pager", "log"}},
	}
	router := NewRouter(cfg, registry, log)

	router.Dispatch(context.Background(), plugin.Notification{Event: "x", Priority: events.PriorityUrgent, Title: "escalated"})
	assert.Len(t, urgent.got, 1)
	assert.Len(t, fallback.got, 1)

	// Unrouted priorities fall back to the default notifier list.
	router.Dispatch(context.Background(), plugin.Notification{Event: "y", Priority: events.PriorityInfo, Title: "fyi"})
	assert.Len(t, urgent.got, 1)
	assert.Len(t, fallback.got, 2)
}

func TestRouterSurvivesFailingChannel(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	broken := &recordingNotifier{fail: true}
	working := &recordingNotifier{}

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.SlotNotifier, "broken", broken))
	require.NoError(t, registry.Register(plugin.SlotNotifier, "working", working))
	registry.Seal()

	cfg := &config.Config{Defaults: config.DefaultsConfig{Notifiers: []string{"broken", "working", "missing"}}}
	router := NewRouter(cfg, registry, log)

	router.Dispatch(context.Background(), plugin.Notification{Event: "x", Priority: events.PriorityInfo})
	assert.Len(t, working.got, 1)
}

func TestRouterReceivesSpawnEventsFromBus(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	rec := &recordingNotifier{}

	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.SlotNotifier, "rec", rec))
	registry.Seal()

	cfg := &config.Config{Defaults: config.DefaultsConfig{Notifiers: []string{"rec"}}}
	router := NewRouter(cfg, registry, log)

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()
	require.NoError(t, router.BindBus(eventBus))

	ev := bus.NewEvent(events.SessionSpawned, "session-manager", map[string]interface{}{
		"session_id": "app-1",
		"project_id": "app",
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.SessionSpawned, ev))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.got) == 1
	}, time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, events.SessionSpawned, rec.got[0].Event)
	assert.Equal(t, "app-1", rec.got[0].SessionID)
	assert.Equal(t, events.PriorityInfo, rec.got[0].Priority)
}

func TestLogNotifierNeverFails(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	n := NewLogNotifier(log)
	assert.NoError(t, n.Notify(context.Background(), plugin.Notification{
		Event: "agent.stuck", Priority: events.PriorityUrgent, Title: "session stuck",
	}))
}

func TestCommandNotifierRunsArgv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "notification.json")
	n, err := NewCommandNotifier([]string{"cp", "/dev/stdin", out})
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), plugin.Notification{
		Event: "ci.failing", Priority: events.PriorityAction, Title: "CI failed", SessionID: "app-1",
	}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "CI failed")
	assert.Contains(t, string(data), "app-1")
}

func TestCommandNotifierReportsFailure(t *testing.T) {
	n, err := NewCommandNotifier([]string{"false"})
	require.NoError(t, err)
	assert.Error(t, n.Notify(context.Background(), plugin.Notification{Title: "x"}))
}

func TestCommandNotifierRejectsEmptyArgv(t *testing.T) {
	_, err := NewCommandNotifier(nil)
	assert.Error(t, err)
}
