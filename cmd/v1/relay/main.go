// Command relay is the screen-share relay server: it terminates the login,
// publish, and subscribe WebSocket channels and routes frames between them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/screenway/relay/internal/v1/cache"
	"github.com/screenway/relay/internal/v1/config"
	"github.com/screenway/relay/internal/v1/health"
	"github.com/screenway/relay/internal/v1/logging"
	"github.com/screenway/relay/internal/v1/middleware"
	"github.com/screenway/relay/internal/v1/presence"
	"github.com/screenway/relay/internal/v1/ratelimit"
	"github.com/screenway/relay/internal/v1/reaper"
	"github.com/screenway/relay/internal/v1/room"
	"github.com/screenway/relay/internal/v1/router"
	"github.com/screenway/relay/internal/v1/signaling"
	"github.com/screenway/relay/internal/v1/tracing"
	"github.com/screenway/relay/internal/v1/transport"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// --- CLI flags ---
	// The flag wins over RELAY_PORT; -d only acknowledges that a supervisor
	// manages the process, the server always runs in the foreground.
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	port := fs.Int("port", 0, "listening port, overrides RELAY_PORT")
	fs.IntVar(port, "p", 0, "shorthand for -port")
	daemon := fs.Bool("daemon", false, "acknowledge daemon mode (process supervision is external)")
	fs.BoolVar(daemon, "d", false, "shorthand for -daemon")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	var portSet bool
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "p" || f.Name == "port" {
			portSet = true
		}
	})

	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		return 1
	}

	if portSet {
		if err := config.ValidatePort(*port); err != nil {
			fmt.Fprintf(os.Stderr, "relay: %v\n", err)
			return 1
		}
		cfg.Port = *port
	}
	cfg.Daemon = *daemon
	if cfg.Daemon {
		slog.Info("Daemon flag acknowledged, process supervision is left to the host system")
	}

	if cfg.DevMode {
		slog.Info("Running in DEVELOPMENT MODE")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := logging.Initialize(cfg.DevMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		return 1
	}
	defer func() { _ = logging.GetLogger().Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing (optional) ---
	if cfg.OTELEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "screenway-relay", cfg.OTELEndpoint, cfg.OTELInsecure)
		if err != nil {
			slog.Error("Tracing init failed, continuing without tracing", "error", err)
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(flushCtx); err != nil {
					slog.Warn("Tracer shutdown failed", "error", err)
				}
			}()
			slog.Info("Tracing enabled", "endpoint", cfg.OTELEndpoint)
		}
	}

	// --- Roster snapshot store (optional) ---
	var store presence.SnapshotStore
	var cacheSvc *cache.Service
	switch cfg.PresenceSnapshot {
	case config.SnapshotFile:
		fileStore, err := presence.NewFileStore(cfg.SnapshotPath)
		if err != nil {
			slog.Error("Failed to prepare snapshot file store", "error", err)
			return 1
		}
		store = fileStore
		slog.Info("Roster snapshots enabled", "backend", "file", "path", fileStore.Path())
	case config.SnapshotRedis:
		svc, err := cache.NewService(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			slog.Error("Failed to connect to redis, roster snapshots disabled", "error", err)
		} else {
			cacheSvc = svc
			store = svc
			slog.Info("Roster snapshots enabled", "backend", "redis", "addr", cfg.RedisAddr)
		}
	}
	defer func() {
		if err := cacheSvc.Close(); err != nil {
			slog.Error("Failed to close redis connection", "error", err)
		}
	}()

	// --- Upgrade rate limiting ---
	// A nil cache service hands the limiter a nil client, which selects the
	// in-memory store.
	limiter, err := ratelimit.New(cfg.RateLimitWS, cacheSvc.Client())
	if err != nil {
		slog.Error("Invalid RELAY_RATE_LIMIT_WS", "error", err)
		return 1
	}

	// --- Core wiring ---
	registry := presence.NewRegistry(cfg.HeartbeatWindow, store)
	defer registry.Close()
	rooms := room.NewTable()
	signals := signaling.NewCoordinator(registry, rooms)
	relay := router.New(registry, rooms, signals, cfg.ViewerAudioMesh)
	hub := transport.NewHub(relay, limiter, cfg.AllowedOrigins, cfg.SendQueueSize)
	sweeper := reaper.New(registry, rooms, cfg.ReapInterval, cfg.RoomSweepInterval)

	// --- HTTP surface ---
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())
	if cfg.OTELEndpoint != "" {
		engine.Use(otelgin.Middleware("screenway-relay"))
	}

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	engine.Use(cors.New(corsCfg))

	// WebSocket channels. The bare path is the login channel; publish and
	// subscribe bind a room. Anything else upgrades and is refused with a
	// close reason.
	engine.GET("/", hub.ServeLogin)
	engine.GET("/login", hub.ServeLogin)
	engine.GET("/publish/:roomId", hub.ServePublish)
	engine.GET("/subscribe/:roomId", hub.ServeSubscribe)
	engine.NoRoute(hub.ServeInvalidPath)

	// Prometheus metrics endpoint
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	probes := health.NewHandler()
	if cacheSvc != nil {
		probes.Register("snapshot_store", cacheSvc)
	}
	engine.GET("/healthz/live", probes.Liveness)
	engine.GET("/healthz/ready", probes.Readiness)

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler: engine,
	}

	// --- Run group ---
	// The server and the reaper run until the signal context cancels; the
	// third goroutine owns the shutdown sequence so connections get their
	// going-away close frames before the listener dies.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Relay server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		hub.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Relay exited with error", "error", err)
		return 1
	}

	slog.Info("Server exiting")
	return 0
}
