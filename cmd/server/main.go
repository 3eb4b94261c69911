// cloudcoap - CoAP sandbox client server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/cloudcoap/internal/api"
	"github.com/ashureev/cloudcoap/internal/coapctx"
	"github.com/ashureev/cloudcoap/internal/config"
	"github.com/ashureev/cloudcoap/internal/coordinator"
	"github.com/ashureev/cloudcoap/internal/health"
	"github.com/ashureev/cloudcoap/internal/job"
	"github.com/ashureev/cloudcoap/internal/middleware"
	"github.com/ashureev/cloudcoap/internal/progress"
	"github.com/ashureev/cloudcoap/internal/reqlog"
	"github.com/ashureev/cloudcoap/internal/request"
	"github.com/ashureev/cloudcoap/internal/resolve"
	"github.com/ashureev/cloudcoap/internal/secure"
	"github.com/ashureev/cloudcoap/internal/store"
	"github.com/ashureev/cloudcoap/internal/transport"
	"github.com/ashureev/cloudcoap/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const healthInterval = 30 * time.Second

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "destination", cfg.CoAP.Destination,
		"protocol", cfg.CoAP.Protocol, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	crypt := secure.New(cfg.KeyPath, logger)

	requestLog, err := reqlog.New(reqlog.Config{
		Enabled:   cfg.RequestLog.Enabled,
		Path:      cfg.RequestLog.Path,
		QueueSize: cfg.RequestLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize request log", "error", err)
		os.Exit(1)
	}

	// Validated by config.Load.
	mode, _ := request.ParseMode(cfg.CoAP.RequestMode)
	securityMode, _ := transport.ParseSecurityMode(cfg.CoAP.DTLSMode)

	coapCtx := coapctx.New(crypt, repo, coapctx.Options{
		Transport:       cfg.TransportConfig(),
		Protocol:        cfg.CoAP.Protocol,
		Destination:     cfg.CoAP.Destination,
		IPv6:            cfg.CoAP.IPv6,
		SecurityMode:    securityMode,
		PSKSecret:       cfg.CoAP.PSKSecret,
		CertFile:        cfg.CoAP.CertFile,
		KeyFile:         cfg.CoAP.KeyFile,
		CAFile:          cfg.CoAP.CAFile,
		ExtendedHosts:   cfg.CoAP.ExtendedHosts,
		UseSessionCache: cfg.CoAP.UseDTLSCache,
		UseDNSCache:     cfg.DNS.UseCache,
		Resolver:        resolve.New(cfg.DNS.Server, cfg.DNS.Timeout),
		Counters:        request.NewProcNetDev(),
		RequestLog:      requestLog,
		Logger:          logger,
	})
	if err := coapCtx.Init(context.Background()); err != nil {
		slog.Error("Failed to initialize CoAP context", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := coapCtx.Close(); closeErr != nil {
			slog.Error("Failed to close CoAP context", "error", closeErr)
		}
	}()

	// Initialize services.
	broadcaster := progress.NewBroadcaster(logger)
	defer broadcaster.Close()

	coord := coordinator.New(coapCtx, broadcaster, coordinator.Options{
		RequestMode: mode,
		LockTimeout: cfg.SetupLockTimeout,
		Logger:      logger,
	}, coapCtx)

	runner := job.New(job.Config{
		Interval:          cfg.Job.Interval,
		ConnectivityLoops: cfg.Job.ConnectivityLoops,
		ConnectivitySleep: cfg.Job.ConnectivitySleep,
	}, coord, coapCtx.NewExecutor, job.InterfaceConnectivity{}, logger)

	// Initialize handlers.
	requestHandler := api.NewRequestHandler(api.NewHandler(coord, coapCtx))
	wsHandler := progress.NewWebSocketHandler(broadcaster, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	if cfg.IsDevelopment() {
		r.Use(middleware.CORS([]string{"*"}))
	} else {
		r.Use(middleware.CORS([]string{cfg.FrontendURL}))
	}

	requestHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/progress", wsHandler.ServeHTTP)

	// Serve embedded dashboard (catch-all).
	r.Handle("/*", web.DashboardHandler())

	// The progress websocket is long lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start gRPC health service.
	healthServer := health.NewServer(coapCtx, logger)
	healthServer.Watch(ctx, healthInterval)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC health", "error", err, "port", cfg.GRPCPort)
		os.Exit(1)
	}
	go func() {
		if err := healthServer.Serve(lis); err != nil {
			slog.Error("gRPC health service failed", "error", err)
		}
	}()

	// Start background request job.
	runner.Start(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner.Stop()
	coord.CancelCurrent("shutdown")
	healthServer.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
