// Package reaction implements automated responses to recognized session
// events, with retry counting and escalation to a human.
package reaction

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/config"
	orcherrors "github.com/agentor/agentor/internal/common/errors"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/events/bus"
	"github.com/agentor/agentor/internal/notify"
	"github.com/agentor/agentor/internal/plugin"
	"github.com/agentor/agentor/internal/session"
)

// Sender delivers text to a session's agent.
type Sender interface {
	Send(ctx context.Context, id, text string) error
}

// attemptState tracks retries for one (session, reaction key) pair.
type attemptState struct {
	attempts  int
	firstAt   time.Time
	escalated bool
}

// Engine dispatches configured reactions and escalates when retries run
// out. Attempt state lives in memory only; an orchestrator restart resets
// the counters, which is acceptable because the condition re-fires on the
// next poll.
type Engine struct {
	cfg      *config.Config
	sessions Sender
	registry *plugin.Registry
	router   *notify.Router
	bus      bus.EventBus
	logger   *logger.Logger

	mu    sync.Mutex
	state map[string]*attemptState
	now   func() time.Time
}

// NewEngine creates a reaction engine.
func NewEngine(cfg *config.Config, sessions Sender, registry *plugin.Registry, router *notify.Router, eventBus bus.EventBus, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		registry: registry,
		router:   router,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "reaction-engine")),
		state:    make(map[string]*attemptState),
		now:      time.Now,
	}
}

func stateKey(sessionID, key string) string {
	return sessionID + "/" + key
}

// Invoke runs one reaction attempt for a session. The attempt counter
// advances first; when the escalation condition is met the configured action
// is skipped and a human is paged instead. A disabled (auto: false) reaction
// still produces its notification.
func (e *Engine) Invoke(ctx context.Context, s *session.Session, key string, rc config.ReactionConfig) error {
	e.mu.Lock()
	st, ok := e.state[stateKey(s.ID, key)]
	if !ok {
		st = &attemptState{firstAt: e.now()}
		e.state[stateKey(s.ID, key)] = st
	}
	st.attempts++
	attempts := st.attempts
	escalate := e.shouldEscalate(st, rc)
	alreadyEscalated := st.escalated
	if escalate {
		st.escalated = true
	}
	e.mu.Unlock()

	log := e.logger.WithFields(
		zap.String("session_id", s.ID),
		zap.String("reaction", key),
		zap.Int("attempt", attempts))

	if escalate {
		if alreadyEscalated {
			// Page once per episode; the state clears when the
			// condition resolves.
			return nil
		}
		log.Warn("reaction escalated to human")
		e.publish(events.ReactionEscalated, s, key, attempts)
		e.notify(ctx, plugin.Notification{
			Event:     events.ReactionEscalated,
			Priority:  events.PriorityUrgent,
			Title:     fmt.Sprintf("Session %s needs a human: %s", s.ID, key),
			Body:      fmt.Sprintf("Automated handling of %q gave up after %d attempts.", key, attempts-1),
			SessionID: s.ID,
			ProjectID: s.ProjectID,
		})
		return nil
	}

	priority := rc.Priority
	if priority == "" {
		priority = events.PriorityAction
	}

	if !rc.IsAuto() {
		e.notify(ctx, plugin.Notification{
			Event:     events.ReactionTriggered,
			Priority:  priority,
			Title:     fmt.Sprintf("Session %s: %s", s.ID, key),
			Body:      rc.Message,
			SessionID: s.ID,
			ProjectID: s.ProjectID,
		})
		return nil
	}

	e.publish(events.ReactionTriggered, s, key, attempts)

	switch rc.Action {
	case "send-to-agent":
		if err := e.sessions.Send(ctx, s.ID, rc.Message); err != nil {
			return orcherrors.Reaction(fmt.Sprintf("send-to-agent for %s/%s", s.ID, key), err)
		}
	case "notify":
		e.notify(ctx, plugin.Notification{
			Event:     events.ReactionTriggered,
			Priority:  priority,
			Title:     fmt.Sprintf("Session %s: %s", s.ID, key),
			Body:      rc.Message,
			SessionID: s.ID,
			ProjectID: s.ProjectID,
		})
	case "auto-merge":
		if err := e.autoMerge(ctx, s); err != nil {
			return orcherrors.Reaction(fmt.Sprintf("auto-merge for %s", s.ID), err)
		}
	default:
		return orcherrors.Config(fmt.Sprintf("unknown reaction action %q for key %s", rc.Action, key))
	}

	log.Info("reaction dispatched", zap.String("action", rc.Action))
	return nil
}

// Clear drops the attempt state for a (session, key) pair. The lifecycle
// manager calls it when the session leaves the state that fired the
// reaction.
func (e *Engine) Clear(sessionID, key string) {
	e.mu.Lock()
	delete(e.state, stateKey(sessionID, key))
	e.mu.Unlock()
}

// ClearSession drops all attempt state for a session.
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	for k := range e.state {
		if len(k) > len(sessionID) && k[:len(sessionID)] == sessionID && k[len(sessionID)] == '/' {
			delete(e.state, k)
		}
	}
	e.mu.Unlock()
}

// PruneExcept drops attempt state for sessions not in keep, bounding memory
// over long uptimes.
func (e *Engine) PruneExcept(keep map[string]bool) {
	e.mu.Lock()
	for k := range e.state {
		sessionID := k
		for i := 0; i < len(k); i++ {
			if k[i] == '/' {
				sessionID = k[:i]
				break
			}
		}
		if !keep[sessionID] {
			delete(e.state, k)
		}
	}
	e.mu.Unlock()
}

// Attempts returns the current attempt count for a (session, key) pair.
func (e *Engine) Attempts(sessionID, key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.state[stateKey(sessionID, key)]; ok {
		return st.attempts
	}
	return 0
}

// shouldEscalate applies the escalation rule: out of retries, past the
// escalateAfter duration, or past the escalateAfter count. Called with the
// state lock held and the current attempt already counted.
func (e *Engine) shouldEscalate(st *attemptState, rc config.ReactionConfig) bool {
	if rc.Retries > 0 && st.attempts > rc.Retries {
		return true
	}
	count, dur := parseEscalateAfter(rc.EscalateAfter)
	if count > 0 && st.attempts > count {
		return true
	}
	if dur > 0 && e.now().Sub(st.firstAt) > dur {
		return true
	}
	return false
}

// parseEscalateAfter interprets the escalateAfter setting as either a bare
// attempt count ("3") or a duration ("30m"). Unparseable values disable the
// threshold.
func parseEscalateAfter(v string) (count int, dur time.Duration) {
	if v == "" {
		return 0, 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n, 0
	}
	if d, err := time.ParseDuration(v); err == nil {
		return 0, d
	}
	return 0, 0
}

func (e *Engine) autoMerge(ctx context.Context, s *session.Session) error {
	if s.PR == "" {
		return fmt.Errorf("session %s has no PR to merge", s.ID)
	}
	project, _ := e.cfg.Project(s.ProjectID)
	scmName := ""
	if project != nil {
		scmName = project.SCM
	}
	scm, ok := e.registry.SCM(scmName)
	if !ok {
		return fmt.Errorf("scm plugin %q not registered", scmName)
	}
	mergeable, err := scm.Mergeability(ctx, s.PR)
	if err != nil {
		return err
	}
	if !mergeable {
		return fmt.Errorf("pr %s is not mergeable", s.PR)
	}
	return scm.Merge(ctx, s.PR)
}

func (e *Engine) notify(ctx context.Context, n plugin.Notification) {
	if e.router == nil {
		return
	}
	e.router.Dispatch(ctx, n)
}

func (e *Engine) publish(eventType string, s *session.Session, key string, attempts int) {
	if e.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "reaction-engine", map[string]interface{}{
		"session_id": s.ID,
		"project_id": s.ProjectID,
		"reaction":   key,
		"attempt":    attempts,
	})
	if err := e.bus.Publish(context.Background(), eventType, ev); err != nil {
		e.logger.Debug("event publish failed", zap.String("type", eventType), zap.Error(err))
	}
}
