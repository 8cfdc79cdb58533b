// Package lifecycle implements the polling loop that drives session state:
// probe every session, derive its new status, persist transitions, and hand
// recognized events to the reaction engine or the notifier.
package lifecycle

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/common/tracing"
	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/events/bus"
	"github.com/agentor/agentor/internal/notify"
	"github.com/agentor/agentor/internal/plugin"
	"github.com/agentor/agentor/internal/reaction"
	"github.com/agentor/agentor/internal/session"
)

// SessionManager is the slice of the session manager the poller drives.
type SessionManager interface {
	List(ctx context.Context, projectID string) ([]*session.Session, error)
	UpdateMetadata(id string, patch map[string]string) error
	Output(ctx context.Context, id string, lastN int) (string, error)
	Send(ctx context.Context, id, text string) error
}

// Manager runs the poll loop.
type Manager struct {
	cfg       *config.Config
	sessions  SessionManager
	registry  *plugin.Registry
	reactions *reaction.Engine
	router    *notify.Router
	bus       bus.EventBus
	logger    *logger.Logger

	// inTick enforces single-flight: a tick that overruns the interval
	// causes the next one to be skipped, never stacked.
	inTick atomic.Bool

	mu      sync.Mutex
	tracked map[string]session.Status // last status seen this process
	phases  map[string]string         // last PRP phase seen this process
	wrote   map[string]bool           // one-shot writeback markers, sessionID+"/"+milestone
	allDone map[string]bool           // per-project all-complete edge flag

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewManager wires a lifecycle manager.
func NewManager(cfg *config.Config, sessions SessionManager, registry *plugin.Registry, reactions *reaction.Engine, router *notify.Router, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:       cfg,
		sessions:  sessions,
		registry:  registry,
		reactions: reactions,
		router:    router,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "lifecycle")),
		tracked:   make(map[string]session.Status),
		phases:    make(map[string]string),
		wrote:     make(map[string]bool),
		allDone:   make(map[string]bool),
		stopped:   make(chan struct{}),
	}
}

// Start runs the poll loop until the context is canceled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	interval := m.cfg.Poll.PollInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("lifecycle poller started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Stop terminates the poll loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

// Tick runs one poll cycle. Safe to call directly; overlapping calls are
// dropped.
func (m *Manager) Tick(ctx context.Context) {
	if !m.inTick.CompareAndSwap(false, true) {
		m.logger.Warn("poll tick skipped: previous tick still running")
		return
	}
	defer m.inTick.Store(false)

	sessions, err := m.sessions.List(ctx, "")
	if err != nil {
		m.logger.Error("session listing failed", zap.Error(err))
		return
	}

	ctx, span := tracing.TraceTick(ctx, len(sessions))
	defer span.End()

	limit := len(sessions)
	if max := runtime.NumCPU() * 4; limit > max {
		limit = max
	}
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			m.checkSession(gctx, s)
			return nil
		})
	}
	_ = g.Wait()

	m.finishTick(ctx, sessions)
}

// finishTick handles the cross-session bookkeeping: per-project all-complete
// edge detection and pruning of per-session state for archived sessions.
func (m *Manager) finishTick(ctx context.Context, sessions []*session.Session) {
	live := make(map[string]bool, len(sessions))
	perProject := make(map[string][]*session.Session)
	for _, s := range sessions {
		live[s.ID] = true
		perProject[s.ProjectID] = append(perProject[s.ProjectID], s)
	}

	m.mu.Lock()
	for id := range m.tracked {
		if !live[id] {
			delete(m.tracked, id)
			delete(m.phases, id)
		}
	}
	for key := range m.wrote {
		id := key
		for i := 0; i < len(key); i++ {
			if key[i] == '/' {
				id = key[:i]
				break
			}
		}
		if !live[id] {
			delete(m.wrote, key)
		}
	}

	type completion struct {
		projectID string
		count     int
	}
	var completed []completion
	for projectID, list := range perProject {
		allTerminal := true
		for _, s := range list {
			if !m.currentStatus(s).Terminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			m.allDone[projectID] = false
			continue
		}
		if !m.allDone[projectID] {
			m.allDone[projectID] = true
			completed = append(completed, completion{projectID, len(list)})
		}
	}
	m.mu.Unlock()

	m.reactions.PruneExcept(live)

	for _, c := range completed {
		m.logger.Info("all sessions complete", zap.String("project_id", c.projectID), zap.Int("sessions", c.count))
		m.publish(events.SessionsAllComplete, &session.Session{ProjectID: c.projectID})
		m.router.Dispatch(ctx, plugin.Notification{
			Event:     events.SessionsAllComplete,
			Priority:  events.PriorityInfo,
			Title:     "All sessions complete",
			Body:      "Every session for project " + c.projectID + " has reached a terminal status.",
			ProjectID: c.projectID,
		})
	}
}

// currentStatus returns the greater of the in-memory tracked status and the
// persisted one, so a tick never moves a session backwards because of a
// stale read. Callers hold m.mu.
func (m *Manager) currentStatus(s *session.Session) session.Status {
	tracked, ok := m.tracked[s.ID]
	if ok && session.Rank(tracked) > session.Rank(s.Status) {
		return tracked
	}
	return s.Status
}

func (m *Manager) publish(eventType string, s *session.Session) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "lifecycle", map[string]interface{}{
		"session_id": s.ID,
		"project_id": s.ProjectID,
		"status":     string(s.Status),
	})
	if err := m.bus.Publish(context.Background(), eventType, ev); err != nil {
		m.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
