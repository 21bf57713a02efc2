// Command iris is the entry point for the iris supervisor process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/config"
	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
	"github.com/jenova-marie/iris-mcp-sub002/internal/dashboard/httpapi"
	"github.com/jenova-marie/iris-mcp-sub002/internal/dashboard/push"
	"github.com/jenova-marie/iris-mcp-sub002/internal/events/bus"
	"github.com/jenova-marie/iris-mcp-sub002/internal/mcpserver"
	"github.com/jenova-marie/iris-mcp-sub002/internal/orchestrator"
	"github.com/jenova-marie/iris-mcp-sub002/internal/pool"
	"github.com/jenova-marie/iris-mcp-sub002/internal/sessionmanager"
	"github.com/jenova-marie/iris-mcp-sub002/internal/sessionstore/sqlite"
	"github.com/jenova-marie/iris-mcp-sub002/internal/team"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting iris supervisor")

	// 3. Context with cancellation, used to stop background goroutines.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the SQLite session store.
	store, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open session store", zap.Error(err))
	}
	defer store.Close()

	// 5. Build the configured teams.
	teams, err := team.FromConfig(cfg.Teams)
	if err != nil {
		log.Fatal("failed to build team configuration", zap.Error(err))
	}

	// 6. Boot the session manager: resets every process state to stopped
	// before the pool is allowed to accept work (§4.4).
	sessions := sessionmanager.New(store, log)
	if err := sessions.Boot(ctx); err != nil {
		log.Fatal("failed to boot session manager", zap.Error(err))
	}

	// 7. Connect the event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryBus(log)
		log.Info("using in-memory event bus")
	}

	// 8. Reverse-MCP endpoint: one Streamable HTTP server mounted per live
	// session, serving the --permission-prompt-tool callback (§6).
	mcpRouter := mcpserver.New(eventBus, log)
	if err := mcpRouter.Start(ctx, cfg.MCP.HTTPPort); err != nil {
		log.Fatal("failed to start mcp server", zap.Error(err))
	}
	defer mcpRouter.Stop(context.Background())

	// 9. Process pool and orchestrator.
	poolCfg := pool.Config{
		MaxProcesses:        cfg.Pool.MaxProcesses,
		SessionInitTimeout:  cfg.Pool.SessionInitTimeout(),
		HealthCheckInterval: cfg.Pool.HealthCheckInterval(),
		TerminateGrace:      cfg.Pool.TerminateGrace(),
		MCPHTTPPort:         cfg.MCP.HTTPPort,
	}
	procPool := pool.New(poolCfg, teams, log, eventBus, mcpRouter)
	procPool.StartHealthCheck()
	defer procPool.StopHealthCheck()

	orch := orchestrator.New(procPool, sessions, teams, log, cfg.Pool.WakeAllConcurrency)

	// 10. Dashboard push hub, fed by the event bus.
	pushHub := push.NewHub(log)
	go pushHub.Run(ctx)
	if err := pushHub.SubscribeBus(eventBus, ">"); err != nil {
		log.Fatal("failed to subscribe dashboard hub to event bus", zap.Error(err))
	}
	pushHandler := push.NewHandler(pushHub, log)

	// 11. HTTP API.
	router := httpapi.Router(orch, pushHandler, log)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 12. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down iris supervisor")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	procPool.TerminateAll(shutdownCtx)

	log.Info("iris supervisor stopped")
}
