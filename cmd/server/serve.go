package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"listingflow/backend/internal/api"
	"listingflow/backend/internal/auth"
	"listingflow/backend/internal/config"
	"listingflow/backend/internal/engine"
	"listingflow/backend/internal/logging"
	"listingflow/backend/internal/mcp"
	"listingflow/backend/internal/repository"
	"listingflow/backend/internal/services"
	"listingflow/backend/internal/tls"
	"listingflow/backend/pkg/models"
)

const serviceName = "listingflow-automation"

func runServe(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"runner_url", cfg.Runner.URL,
		"okta_domain", cfg.Auth.OktaDomain,
		"max_retries", cfg.Engine.MaxRetries,
		"base_delay", cfg.Engine.BaseDelay.String(),
	)
	if cfg.Webhook.Secret == "" {
		logger.Warn("webhook.secret is empty; runner callbacks are not authenticated")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	runner := services.NewHTTPRunnerClient(cfg.Runner.URL, cfg.Runner.APIKey, cfg.Runner.Timeout)
	eng := engine.New(store, runner, engine.PolicyFromConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithMeter(otel.Meter("listingflow/backend/engine")),
	)
	if err := wireNotifications(cfg, eng, logger); err != nil {
		return err
	}
	scheduler := engine.NewScheduler(eng, cfg.Engine.SchedulerInterval, cfg.Engine.SchedulerBatch)
	monitor := engine.NewMonitor(eng, cfg.Engine)

	authz, err := auth.New(ctx, cfg, store, logger.With("component", "auth"))
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	if authz.Bypassed() {
		logger.Warn("Authentication bypassed; every request acts as " + auth.DevUserEmail)
	}

	e := newEcho(cfg, logger)
	requireAuth := echo.WrapMiddleware(authz.RequireAuth)

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	api.NewServer(eng, store, cfg.Webhook.Secret, logger).RegisterRoutes(e, requireAuth)
	logger.Info("REST API handlers mounted")

	mcp.Mount(e, mcp.NewServer(eng).GetMCPServer(), requireAuth)
	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID, auth.AllScopes)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.TLS.Enable {
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			return errors.New("tls.enable is set but tls.cert_file or tls.key_file is empty")
		}
		if len(cfg.TLS.Hostnames) > 0 {
			created, err := tls.EnsureSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
			if err != nil {
				return err
			}
			if created {
				logger.Info("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile, "hostnames", cfg.TLS.Hostnames)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		var err error
		if cfg.TLS.Enable {
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			return server.Close()
		}
		return nil
	})

	err = g.Wait()
	eng.Events().Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, func(), error) {
	if inMemory {
		logger.Warn("Using in-memory store; executions are lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("database initialization failed: %w", err)
	}
	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("Database connected")
	return repository.NewPostgresStore(pool), pool.Close, nil
}

func wireNotifications(cfg *config.Config, eng *engine.Engine, logger *logging.Logger) error {
	if cfg.Notifications.URL == "" {
		return nil
	}
	notifier := services.NewHTTPNotifier(cfg.Notifications.URL, cfg.Notifications.Timeout)
	engine.NotifyOwnerOnFailure(eng.Events(), notifier)

	types := make([]models.WorkflowType, 0, len(cfg.Notifications.OnCompletion))
	for _, raw := range cfg.Notifications.OnCompletion {
		wt, err := models.ParseWorkflowType(raw)
		if err != nil {
			return fmt.Errorf("notifications.on_completion: %w", err)
		}
		types = append(types, wt)
	}
	engine.NotifyOwnerOnCompletion(eng.Events(), notifier, types...)
	logger.Info("Owner notifications enabled", "url", cfg.Notifications.URL, "on_completion", cfg.Notifications.OnCompletion)
	return nil
}

func newEcho(cfg *config.Config, logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	httpLog := logger.With("component", "http")
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				httpLog.Warn("request", append(args, "error", v.Error)...)
				return nil
			}
			httpLog.Info("request", args...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	if cfg.Environment != "" && cfg.Environment != "DEV" {
		e.Use(middleware.Secure())
	}
	return e
}
