package notify

import (
	"context"
	"fmt"

	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/events/bus"
	"github.com/agentor/agentor/internal/plugin"
)

// BindBus subscribes the router to bus subjects that have no direct dispatch
// path, so bus-only announcements still reach notifiers. Subjects that the
// lifecycle or reaction engine already dispatch directly are left to them;
// bridging those too would deliver every notification twice.
func (r *Router) BindBus(eventBus bus.EventBus) error {
	_, err := eventBus.Subscribe(events.SessionSpawned, func(ctx context.Context, ev *bus.Event) error {
		sessionID := busString(ev.Data["session_id"])
		r.Dispatch(ctx, plugin.Notification{
			Event:     ev.Type,
			Priority:  events.PriorityInfo,
			Title:     fmt.Sprintf("Session %s spawned", sessionID),
			SessionID: sessionID,
			ProjectID: busString(ev.Data["project_id"]),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.SessionSpawned, err)
	}
	return nil
}

func busString(v interface{}) string {
	s, _ := v.(string)
	return s
}
