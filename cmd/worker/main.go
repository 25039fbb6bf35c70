package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/safeharborhq/compliance-core/internal/classify"
	"github.com/safeharborhq/compliance-core/internal/common"
	"github.com/safeharborhq/compliance-core/internal/config"
	"github.com/safeharborhq/compliance-core/internal/events"
	"github.com/safeharborhq/compliance-core/internal/lock"
	"github.com/safeharborhq/compliance-core/internal/notify"
	"github.com/safeharborhq/compliance-core/internal/obs"
	"github.com/safeharborhq/compliance-core/internal/queue"
	"github.com/safeharborhq/compliance-core/internal/resilience"
	"github.com/safeharborhq/compliance-core/internal/runs"
	"github.com/safeharborhq/compliance-core/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Str("component", "worker").Logger()

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName: "compliance-worker",
			Endpoint:    envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:    envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			Environment: cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "compliance-worker"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	locker := lock.Locker{
		R:            redisClient,
		RetryBackoff: cfg.LockRetryBackoff,
		MaxRetries:   cfg.LockMaxRetries,
	}

	vaultStore := vault.NewStore(pool)
	ledger := &vault.Ledger{Store: vaultStore, Locker: locker, Log: logger, LockTTL: cfg.LockTTL}
	checker := vault.Checker{Store: vaultStore, BatchSize: cfg.VaultVerifyBatchSize}

	var archiver vault.Archiver
	switch {
	case cfg.ArchiveBucket != "":
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise gcs client")
		}
		archiver = vault.GCSArchiver{Client: gcsClient, Bucket: cfg.ArchiveBucket, Prefix: "vault"}
	case cfg.ArchiveDir != "":
		archiver = vault.DirArchiver{Dir: cfg.ArchiveDir}
	}
	processor := vault.Processor{Store: vaultStore, Archiver: archiver, Log: logger}

	enqueuer := queue.Enqueuer{R: redisClient, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.IdempotencyTTL}

	webhookTransport := http.DefaultTransport
	if cfg.WebhookAllowInsecureTLS {
		webhookTransport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	webhookTransport = otelhttp.NewTransport(webhookTransport)
	eventStore := events.NewStore(pool)
	notifyStore := notify.NewStore(pool)
	dispatcher := &notify.Dispatcher{
		Store:  notifyStore,
		Events: eventStore,
		HTTP: &resilience.HTTPClient{
			Client:  &http.Client{Transport: webhookTransport},
			Timeout: cfg.WebhookRequestTimeout,
		},
		Queue:              enqueuer,
		BackoffBaseSec:     cfg.WebhookBackoffBaseSec,
		DefaultMaxAttempts: cfg.WebhookDefaultMaxAttempts,
		Enabled:            cfg.WebhookDeliveryEnabled,
		Replay:             notify.RedisReplayProtector{Client: redisClient},
		ReplayTTL:          cfg.WebhookReplayTTL,
	}
	bus := &events.Bus{
		Store:     eventStore,
		Scheduler: dispatcher,
		Notifiers: []events.Notifier{notify.EmailNotifier{
			Mail:    common.NopEmailSender{},
			Enabled: cfg.NotifyEmailEnabled,
			From:    cfg.NotifyEmailFrom,
		}},
	}

	runStore := runs.NewStore(pool)
	orchestrator := &runs.Orchestrator{
		Store:            runStore,
		Roster:           runs.NewRosterProvider(pool),
		Classifier:       classify.KeywordClassifier{},
		Recorder:         ledger,
		Log:              logger,
		Concurrency:      cfg.CalcWorkerConcurrency,
		ProgressInterval: cfg.ProgressInterval,
		Anomaly: runs.AnomalyConfig{
			VarianceThreshold: cfg.AnomalyVarianceThreshold,
			MinConfidence:     cfg.ClassifyMinConfidence,
			RiskThreshold:     cfg.PhaseOutRiskThreshold,
		},
	}
	sweeper := &runs.Sweeper{
		Store:         runStore,
		Bus:           bus,
		Log:           logger,
		StaleAge:      cfg.StaleRunAge,
		RiskThreshold: decimal.NewFromFloat(cfg.PhaseOutRiskThreshold),
	}
	deliveryWorker := notify.DeliveryWorker{Dispatcher: dispatcher, Locker: locker, LockTTL: cfg.LockTTL}
	drainer := &queue.Drainer{
		R:      redisClient,
		Prefix: cfg.QueueRedisPrefix,
		Store:  queue.NewStore(pool),
		Kinds:  append(queue.Kinds(), notify.WebhookDeliveryTask()),
		Logger: &logger,
	}

	handleRun := func(ctx context.Context, task queue.Task) error {
		runID, err := uuid.Parse(strings.TrimSpace(string(task.Payload)))
		if err != nil {
			logger.Error().Str("payload", string(task.Payload)).Msg("discard task with invalid run id")
			return nil
		}
		return orchestrator.Execute(ctx, runID)
	}

	handleChainVerification := func(ctx context.Context, task queue.Task) error {
		orgID, err := uuid.Parse(strings.TrimSpace(string(task.Payload)))
		if err != nil {
			logger.Error().Str("payload", string(task.Payload)).Msg("discard task with invalid organization id")
			return nil
		}
		result, err := checker.VerifyChain(ctx, orgID)
		if err != nil {
			return err
		}
		if !result.IsValid {
			logger.Error().
				Str("organization_id", orgID.String()).
				Int64("entries_checked", result.EntriesChecked).
				Str("message", result.Message).
				Msg("vault chain verification failed")
			if _, err := bus.Emit(ctx, events.TopicChainBroken, orgID, map[string]any{
				"organization_id":    orgID.String(),
				"entries_checked":    result.EntriesChecked,
				"first_broken_entry": result.FirstBrokenEntry,
				"message":            result.Message,
			}); err != nil {
				logger.Error().Err(err).Msg("emit chain broken event")
			}
			return nil
		}
		logger.Info().
			Str("organization_id", orgID.String()).
			Int64("entries_checked", result.EntriesChecked).
			Msg("vault chain verified")
		return nil
	}

	handleVaultMaintenance := func(ctx context.Context, _ queue.Task) error {
		report, err := processor.ProcessExpired(ctx, false)
		if err != nil {
			return err
		}
		if report.DeletedCount > 0 {
			if _, err := bus.Emit(ctx, events.TopicRetentionProcessed, uuid.Nil, map[string]any{
				"expired_count": report.ExpiredCount,
				"deleted_count": report.DeletedCount,
			}); err != nil {
				logger.Error().Err(err).Msg("emit retention event")
			}
		}
		logger.Info().
			Int64("expired", report.ExpiredCount).
			Int64("deleted", report.DeletedCount).
			Msg("vault retention processed")
		return nil
	}

	handleStaleRunCheck := func(ctx context.Context, _ queue.Task) error {
		failed, err := sweeper.FailStuckRuns(ctx)
		if err != nil {
			return err
		}
		if failed > 0 {
			logger.Warn().Int("failed", failed).Msg("stale runs failed")
		}
		return nil
	}

	handleRiskSweep := func(ctx context.Context, _ queue.Task) error {
		flagged, err := sweeper.SweepPhaseOutRisk(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int("organizations", flagged).Msg("phase-out risk sweep complete")
		return nil
	}

	handleWebhookDelivery := func(ctx context.Context, task queue.Task) error {
		return deliveryWorker.Handle(ctx, task.Payload)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	newWorker := func(kind string, concurrency int, handler func(context.Context, queue.Task) error) queue.Worker {
		return queue.Worker{
			R:                 redisClient,
			Prefix:            cfg.QueueRedisPrefix,
			Kind:              kind,
			Concurrency:       concurrency,
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
			Handler:           handler,
			RetryBase:         cfg.QueueBackoffBase,
			RetryJitter:       cfg.QueueBackoffJitter,
		}
	}

	g, gctx := errgroup.WithContext(rootCtx)
	workers := []queue.Worker{
		newWorker(queue.KindRunSync, cfg.QueueConcurrency, handleRun),
		newWorker(queue.KindRunCalculation, cfg.QueueConcurrency, handleRun),
		newWorker(queue.KindChainVerification, 1, handleChainVerification),
		newWorker(queue.KindVaultMaintenance, 1, handleVaultMaintenance),
		newWorker(queue.KindStaleRunCheck, 1, handleStaleRunCheck),
		newWorker(queue.KindPhaseOutRiskSweep, 1, handleRiskSweep),
		newWorker(notify.WebhookDeliveryTask(), cfg.QueueConcurrency, handleWebhookDelivery),
	}
	for _, worker := range workers {
		w := worker
		g.Go(func() error {
			logger.Info().Str("kind", w.Kind).Int("concurrency", w.Concurrency).Msg("worker starting")
			return w.Run(gctx)
		})
	}

	g.Go(func() error {
		return drainer.Run(gctx, cfg.DLQDrainInterval)
	})

	g.Go(func() error {
		return runMaintenanceTimers(gctx, enqueuer, logger, []maintenanceJob{
			{Kind: queue.KindVaultMaintenance, Interval: cfg.VaultMaintenanceInterval},
			{Kind: queue.KindStaleRunCheck, Interval: cfg.StaleRunCheckInterval},
			{Kind: queue.KindPhaseOutRiskSweep, Interval: cfg.RiskSweepInterval},
		})
	})

	logger.Info().Msg("worker pool running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker pool exited unexpectedly")
	}
	logger.Info().Msg("worker stopped")
}

type maintenanceJob struct {
	Kind     string
	Interval time.Duration
}

// runMaintenanceTimers periodically enqueues the maintenance kinds. The
// idempotency key includes the interval window so replicas of this process
// collapse to a single task per window.
func runMaintenanceTimers(ctx context.Context, enqueuer queue.Enqueuer, logger zerolog.Logger, jobs []maintenanceJob) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		j := job
		if j.Interval <= 0 {
			continue
		}
		g.Go(func() error {
			ticker := time.NewTicker(j.Interval)
			defer ticker.Stop()
			enqueueWindow := func() {
				window := time.Now().UTC().Truncate(j.Interval).Unix()
				err := enqueuer.Enqueue(gctx, queue.Task{
					Kind:           j.Kind,
					IdempotencyKey: fmt.Sprintf("%s:%d", j.Kind, window),
				})
				if err != nil {
					logger.Error().Err(err).Str("kind", j.Kind).Msg("enqueue maintenance task")
				}
			}
			enqueueWindow()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					enqueueWindow()
				}
			}
		})
	}
	return g.Wait()
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}
