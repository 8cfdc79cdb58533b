// Package notify routes human-facing notifications to notifier plugins by
// priority band.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/plugin"
)

// Router fans a notification out to every notifier configured for its
// priority band. Delivery is best-effort: a failing channel is logged and
// never blocks the others.
type Router struct {
	cfg      *config.Config
	registry *plugin.Registry
	logger   *logger.Logger
}

// NewRouter creates a notification router.
func NewRouter(cfg *config.Config, registry *plugin.Registry, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		cfg:      cfg,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "notify-router")),
	}
}

// Dispatch delivers the notification to the priority band's channels.
func (r *Router) Dispatch(ctx context.Context, n plugin.Notification) {
	names := r.cfg.NotifiersFor(n.Priority)
	for _, name := range names {
		notifier, ok := r.registry.Notifier(name)
		if !ok {
			r.logger.Warn("notifier not registered", zap.String("notifier", name))
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			r.logger.Warn("notification delivery failed",
				zap.String("notifier", name),
				zap.String("event", n.Event),
				zap.Error(err))
		}
	}
}
