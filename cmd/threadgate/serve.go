package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/threadgate/internal/approvals"
	"github.com/haasonsaas/threadgate/internal/attachments"
	"github.com/haasonsaas/threadgate/internal/auth"
	"github.com/haasonsaas/threadgate/internal/automations"
	"github.com/haasonsaas/threadgate/internal/config"
	"github.com/haasonsaas/threadgate/internal/dedupe"
	"github.com/haasonsaas/threadgate/internal/dispatch"
	"github.com/haasonsaas/threadgate/internal/generation"
	"github.com/haasonsaas/threadgate/internal/integrations"
	"github.com/haasonsaas/threadgate/internal/jobs"
	"github.com/haasonsaas/threadgate/internal/observability"
	"github.com/haasonsaas/threadgate/internal/ratelimit"
	"github.com/haasonsaas/threadgate/internal/storage"
	"github.com/haasonsaas/threadgate/internal/streams"
	"github.com/haasonsaas/threadgate/internal/web"
	"github.com/haasonsaas/threadgate/pkg/models"
)

// buildServeCmd creates the "serve" command that runs the API server, the
// generation worker pool and the automation scheduler in one process.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the threadgate server",
		Long: `Start the HTTP API, the generation workers and the automation scheduler.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  threadgate serve

  # Start with a custom config and debug logging
  threadgate serve --config /etc/threadgate/production.yaml --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	a.logger.Info("starting threadgate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"http_addr", cfg.Server.Addr(),
	)
	if err := a.start(ctx); err != nil {
		_ = a.stop(context.Background())
		return err
	}

	<-ctx.Done()
	a.logger.Info("shutdown signal received, initiating graceful shutdown")
	if err := a.stop(context.Background()); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	a.logger.Info("threadgate stopped gracefully")
	return nil
}

// app holds every long-running component wired from one Config.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	stores    storage.StoreSet
	pool      *jobs.Pool
	scheduler *automations.Scheduler
	server    *web.Server

	cancelWorkers   context.CancelFunc
	shutdownTracing func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	stores, err := openStores(cfg, logger)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, stores: stores, shutdownTracing: shutdownTracing}
	if err := a.wire(ctx, metrics, registry); err != nil {
		_ = a.stop(context.Background())
		return nil, err
	}
	return a, nil
}

func openStores(cfg *config.Config, logger *slog.Logger) (storage.StoreSet, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		logger.Warn("database.url is empty, using in-memory stores")
		return storage.NewMemoryStores(), nil
	}
	stores, err := storage.NewCockroachStoresFromDSN(cfg.Database.URL, cockroachConfig(cfg.Database))
	if err != nil {
		return storage.StoreSet{}, fmt.Errorf("open database: %w", err)
	}
	return stores, nil
}

func (a *app) wire(ctx context.Context, metrics *observability.Metrics, registry *prometheus.Registry) error {
	cfg := a.cfg
	membership := auth.NewStaticMembership(cfg.Tenants)
	streamManager := streams.NewManager(a.stores.Streams,
		streams.WithLogger(a.logger),
		streams.WithMetrics(metrics),
	)

	resolver, err := newResolver(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	a.pool = jobs.NewPool(a.stores.Jobs, jobs.PoolConfig{
		WorkerID:        cfg.Worker.ID,
		AcquireInterval: cfg.Worker.AcquireInterval,
		LockDuration:    cfg.Worker.LockDuration,
		JobTimeout:      cfg.Worker.JobTimeout,
		MaxConcurrency:  cfg.Worker.Concurrency,
		CleanupInterval: cfg.Worker.CleanupInterval,
		Logger:          a.logger,
		Metrics:         metrics,
	})

	defaultAgent := cfg.Agents.Default
	if defaultAgent == "" {
		defaultAgent = cfg.Agents.List[0].ID
	}
	dispatcher, err := dispatch.New(dispatch.Deps{
		Threads:    a.stores.Threads,
		Streams:    streamManager,
		Inliner:    attachments.NewInliner(resolver, a.logger),
		Agents:     dispatch.NewStaticAgents(cfg.Agents.Models(), defaultAgent),
		Membership: membership,
		Queue:      a.pool,
		Logger:     a.logger,
		Metrics:    metrics,
	}, dispatch.Config{
		DefaultMaxSteps: cfg.Generation.DefaultMaxSteps,
		Dedup:           dedupe.Config{HistoryLimit: cfg.Dedup.HistoryLimit, MaxAge: cfg.Dedup.MaxAge},
	})
	if err != nil {
		return err
	}

	approvalService, err := approvals.NewService(approvals.Deps{
		Store:      a.stores.Approvals,
		Threads:    a.stores.Threads,
		Membership: membership,
		Resumer:    dispatcher,
		Logger:     a.logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	approvalService.RegisterExecutor(models.ResourceIntegrationOperation, newIntegrationRegistry(cfg.Integrations, a.logger))
	approvalService.RegisterExecutor(models.ResourceAutomationCreation,
		automations.NewProvisioner(a.stores.Automations, a.stores.Threads, a.logger))

	if cfg.Worker.IsEnabled() {
		generator, err := generation.NewOpenAIGenerator(generation.OpenAIConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.DefaultModel,
			MaxRetries:   cfg.LLM.MaxRetries,
			RetryDelay:   cfg.LLM.RetryDelay,
			Logger:       a.logger,
		})
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		runner := generation.NewRunner(a.stores.Threads, streamManager, generator, approvalService,
			generation.WithRunnerLogger(a.logger),
			generation.WithRunnerMetrics(metrics),
			generation.WithHistoryLimit(cfg.Generation.HistoryLimit),
		)
		a.pool.Register(generation.JobKind, runner)
	}

	if cfg.Automations.IsEnabled() {
		a.scheduler = automations.NewScheduler(a.stores.Automations, a.stores.Threads, dispatcher,
			automations.WithLogger(a.logger),
			automations.WithTickInterval(cfg.Automations.TickInterval),
		)
	}

	a.server, err = web.New(web.Config{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimiter:     ratelimit.NewLimiter(cfg.Server.RateLimit),
		Auth: auth.NewService(auth.Config{
			JWTSecret:       cfg.Auth.JWTSecret,
			Issuer:          cfg.Auth.Issuer,
			TokenExpiry:     cfg.Auth.TokenExpiry,
			APIKeys:         cfg.Auth.APIKeys,
			AnonymousUserID: cfg.Auth.AnonymousUserID,
		}),
		Chats:     dispatcher,
		Approvals: approvalService,
		Streams:   streamManager,
		Gatherer:  registry,
		Metrics:   metrics,
		Logger:    a.logger,
	})
	return err
}

func newResolver(ctx context.Context, cfg config.StorageConfig) (attachments.Resolver, error) {
	switch cfg.Backend {
	case "s3":
		resolver, err := attachments.NewS3Resolver(ctx, attachments.S3ResolverConfig{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			URLTTL:          cfg.S3.URLTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 attachments: %w", err)
		}
		return resolver, nil
	case "local":
		resolver, err := attachments.NewLocalResolver(cfg.Local.BasePath, cfg.Local.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("local attachments: %w", err)
		}
		return resolver, nil
	default:
		return attachments.NoopResolver{}, nil
	}
}

func newIntegrationRegistry(cfg config.IntegrationsConfig, logger *slog.Logger) *integrations.Registry {
	registry := integrations.NewRegistry(logger)
	if cfg.Slack.Enabled {
		client := integrations.NewSlackClient(cfg.Slack.BotToken, cfg.Slack.APIURL)
		registry.Register(integrations.SlackOperationPostMessage, integrations.NewSlackPostMessage(client))
	}
	if cfg.Webhook.Enabled {
		registry.Register(integrations.WebhookOperationPost, integrations.NewWebhookPost(integrations.WebhookConfig{
			AllowedHosts: cfg.Webhook.AllowedHosts,
			Secret:       cfg.Webhook.Secret,
			Timeout:      cfg.Webhook.Timeout,
		}))
	}
	return registry
}

func (a *app) start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelWorkers = cancel
	if a.cfg.Worker.IsEnabled() {
		if err := a.pool.Start(workerCtx); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}
	if a.scheduler != nil {
		a.scheduler.Start(workerCtx)
	}
	return a.server.Start(ctx)
}

// stop drains HTTP first so no new work is scheduled, then the workers.
func (a *app) stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Shutdown(ctx))
	}
	if a.cancelWorkers != nil {
		a.cancelWorkers()
	}
	if a.pool != nil && a.pool.IsRunning() {
		errs = append(errs, a.pool.Stop(ctx))
	}
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop(ctx))
	}
	errs = append(errs, a.stores.Close())
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(ctx))
	}
	return errors.Join(errs...)
}
