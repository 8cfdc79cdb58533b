// Package main is the entry point for the agentor orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentor/agentor/internal/api"
	"github.com/agentor/agentor/internal/common/config"
	"github.com/agentor/agentor/internal/common/httpmw"
	"github.com/agentor/agentor/internal/common/logger"
	"github.com/agentor/agentor/internal/common/tracing"
	"github.com/agentor/agentor/internal/events/bus"
	"github.com/agentor/agentor/internal/lifecycle"
	"github.com/agentor/agentor/internal/mcpserver"
	"github.com/agentor/agentor/internal/metadata"
	"github.com/agentor/agentor/internal/notify"
	"github.com/agentor/agentor/internal/plugin"
	"github.com/agentor/agentor/internal/plugins/claudeagent"
	"github.com/agentor/agentor/internal/plugins/dockerrt"
	"github.com/agentor/agentor/internal/plugins/ghscm"
	"github.com/agentor/agentor/internal/plugins/ghtracker"
	"github.com/agentor/agentor/internal/plugins/ptyrt"
	"github.com/agentor/agentor/internal/plugins/tmuxrt"
	"github.com/agentor/agentor/internal/plugins/worktreews"
	"github.com/agentor/agentor/internal/prompt"
	"github.com/agentor/agentor/internal/reaction"
	"github.com/agentor/agentor/internal/session"
	"github.com/agentor/agentor/internal/trigger"
	"github.com/agentor/agentor/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentor orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Register plugins
	registry := plugin.NewRegistry()
	mustRegister(log, registry, plugin.SlotRuntime, tmuxrt.Name, tmuxrt.New(log))
	mustRegister(log, registry, plugin.SlotRuntime, ptyrt.Name, ptyrt.New(log))
	if dockerRT, err := dockerrt.New(cfg.Docker, log); err != nil {
		log.Warn("docker runtime unavailable", zap.Error(err))
	} else {
		mustRegister(log, registry, plugin.SlotRuntime, dockerrt.Name, dockerRT)
		defer dockerRT.Close()
	}

	mustRegister(log, registry, plugin.SlotAgent, claudeagent.Name, claudeagent.New(log))

	worktrees, err := worktreews.New("", log)
	if err != nil {
		log.Fatal("Failed to initialize worktree provider", zap.Error(err))
	}
	mustRegister(log, registry, plugin.SlotWorkspace, worktreews.Name, worktrees)

	if !ghtracker.Available() {
		log.Warn("gh CLI not found; github tracker and scm operations will fail")
	}
	mustRegister(log, registry, plugin.SlotTracker, ghtracker.Name, ghtracker.New(log))
	mustRegister(log, registry, plugin.SlotSCM, ghscm.Name, ghscm.New(log))

	mustRegister(log, registry, plugin.SlotNotifier, "log", notify.NewLogNotifier(log))
	for name, argv := range cfg.NotifierCommands {
		notifier, err := notify.NewCommandNotifier(argv)
		if err != nil {
			log.Fatal("Invalid notifier command", zap.String("notifier", name), zap.Error(err))
		}
		mustRegister(log, registry, plugin.SlotNotifier, name, notifier)
	}
	registry.Seal()

	// 6. Open the metadata store and session manager
	store, err := metadata.NewStore(cfg.State.Dir, cfg.Path, log)
	if err != nil {
		log.Fatal("Failed to open metadata store", zap.Error(err))
	}
	composer := prompt.NewComposer(filepath.Join(filepath.Dir(store.Root()), "prompts"), log)
	sessions := session.NewManager(cfg, registry, store, composer, eventBus, log)

	// 7. Wire the event-driven spawn pipeline
	triggers := trigger.NewEngine(cfg, sessions, log)
	receiver := webhook.NewReceiver(cfg, triggers, sessions, registry, log)

	// 8. Wire reactions and the lifecycle poller
	router := notify.NewRouter(cfg, registry, log)
	if err := router.BindBus(eventBus); err != nil {
		log.Warn("event bus notification bridge unavailable", zap.Error(err))
	}
	reactions := reaction.NewEngine(cfg, sessions, registry, router, eventBus, log)
	poller := lifecycle.NewManager(cfg, sessions, registry, reactions, router, eventBus, log)
	go poller.Start(ctx)

	// 9. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log))
	engine.Use(httpmw.OtelTracing("agentor"))

	handlers := api.NewHandlers(sessions, log)
	handlers.SetupRoutes(engine.Group("/api"))
	receiver.RegisterRoutes(engine)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Optional MCP server
	var mcp *mcpserver.Server
	if cfg.MCP.Enabled {
		mcp = mcpserver.New(cfg.MCP, sessions, log)
		if err := mcp.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
	}

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentor orchestrator...")

	// 12. Graceful shutdown
	cancel()
	poller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	receiver.Close()
	if mcp != nil {
		if err := mcp.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentor orchestrator stopped")
}

func mustRegister(log *logger.Logger, registry *plugin.Registry, slot plugin.Slot, name string, instance interface{}) {
	if err := registry.Register(slot, name, instance); err != nil {
		log.Fatal("Plugin registration failed",
			zap.String("slot", string(slot)),
			zap.String("name", name),
			zap.Error(err))
	}
}
