package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/common/stringutil"
	"github.com/agentor/agentor/internal/events"
	"github.com/agentor/agentor/internal/plugin"
)

// LogNotifier writes notifications to the structured log. It is the default
// channel and the fallback when nothing else is configured.
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.Default()
	}
	return &LogNotifier{logger: log.WithFields(zap.String("component", "notifier"))}
}

// Notify implements plugin.Notifier.
func (l *LogNotifier) Notify(_ context.Context, n plugin.Notification) error {
	fields := []zap.Field{
		zap.String("event", n.Event),
		zap.String("priority", n.Priority),
		zap.String("session_id", n.SessionID),
		zap.String("project_id", n.ProjectID),
		zap.String("body", stringutil.TruncateStringWithEllipsis(n.Body, 500)),
	}
	switch n.Priority {
	case events.PriorityUrgent, events.PriorityAction:
		l.logger.Warn(n.Title, fields...)
	default:
		l.logger.Info(n.Title, fields...)
	}
	return nil
}
