package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/pos/internal/app"
	"github.com/hanko-field/pos/internal/handlers"
	"github.com/hanko-field/pos/internal/platform/config"
	"github.com/hanko-field/pos/internal/platform/observability"
)

func main() {
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("pos")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	if err := run(ctx, logger, startedAt); err != nil {
		logger.Error("pos agent stopped with error", zap.Error(err))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger, startedAt time.Time) error {
	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment values: %w", err)
	}

	fetcher, err := app.NewSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Error("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	buildInfo := buildInfoFromEnv(envValues, startedAt)
	agent, err := app.New(ctx, cfg, logger, app.WithUserAgent("pos-terminal/"+buildInfo.Version))
	if err != nil {
		return err
	}
	defer func() {
		if err := agent.Close(); err != nil {
			logger.Warn("agent close error", zap.Error(err))
		}
	}()

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithReadinessCheck("storage", func(ctx context.Context) error {
			_, err := agent.Queue.Len(ctx)
			return err
		}),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithSessionMiddleware(handlers.RequireSession(cfg.Terminal.OutletID)),
		handlers.WithCatalogRoutes(handlers.NewCatalogHandlers(agent.Catalog).Routes),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(agent.Checkouts).Routes),
		handlers.WithQueueRoutes(handlers.NewQueueHandlers(agent.Queue).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
		serverLogger.Info("pos agent listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return agent.Queue.Run(groupCtx, cfg.Queue.DrainInterval)
	})
	group.Go(func() error {
		return agent.Catalog.Run(groupCtx, agent.Session, cfg.Catalog.RefreshInterval)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	return group.Wait()
}

func buildInfoFromEnv(env map[string]string, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["POS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["POS_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:   version,
		CommitSHA: commit,
		StartedAt: started,
	}
}
