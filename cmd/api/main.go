package main

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/safeharborhq/compliance-core/internal/analytics"
	"github.com/safeharborhq/compliance-core/internal/app"
	"github.com/safeharborhq/compliance-core/internal/auth"
	"github.com/safeharborhq/compliance-core/internal/common"
	"github.com/safeharborhq/compliance-core/internal/config"
	"github.com/safeharborhq/compliance-core/internal/db"
	"github.com/safeharborhq/compliance-core/internal/events"
	"github.com/safeharborhq/compliance-core/internal/health"
	appmiddleware "github.com/safeharborhq/compliance-core/internal/http/middleware"
	"github.com/safeharborhq/compliance-core/internal/lock"
	"github.com/safeharborhq/compliance-core/internal/notify"
	"github.com/safeharborhq/compliance-core/internal/obs"
	"github.com/safeharborhq/compliance-core/internal/orgctx"
	"github.com/safeharborhq/compliance-core/internal/queue"
	"github.com/safeharborhq/compliance-core/internal/ratelimit"
	"github.com/safeharborhq/compliance-core/internal/resilience"
	"github.com/safeharborhq/compliance-core/internal/runs"
	"github.com/safeharborhq/compliance-core/internal/security"
	"github.com/safeharborhq/compliance-core/internal/vault"
	"github.com/safeharborhq/compliance-core/internal/writeback"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "compliance")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "compliance-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if cfg.MigrateOnStart {
		migrator, err := db.Migrator(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise migrator")
		}
		if err := app.RunMigrations(migrator); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("database schema up to date")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "compliance-api"

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
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
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
	exporter := vault.Exporter{Ledger: ledger, Checker: checker, Log: logger}
	vaultHandler := &vault.Handler{Ledger: ledger, Checker: checker, Processor: processor, Exporter: exporter}

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
	emailNotifier := notify.EmailNotifier{
		Mail:    common.NopEmailSender{},
		Enabled: cfg.NotifyEmailEnabled,
		From:    cfg.NotifyEmailFrom,
	}
	bus := &events.Bus{
		Store:     eventStore,
		Scheduler: dispatcher,
		Notifiers: []events.Notifier{emailNotifier},
	}

	runStore := runs.NewStore(pool)
	runService := &runs.Service{
		Store:          runStore,
		Recorder:       ledger,
		Scheduler:      queue.RunScheduler{Enqueuer: enqueuer, MaxAttempts: cfg.QueueMaxAttempts},
		Bus:            bus,
		Locker:         locker,
		Log:            logger,
		DefaultTaxYear: cfg.TaxYear,
		LockTTL:        cfg.LockTTL,
	}
	runHandler := &runs.Handler{Service: runService}

	payrollClient := &resilience.HTTPClient{
		Client:      &http.Client{},
		Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor),
		BaseBackoff: cfg.OutboundBackoffBase,
		MaxAttempts: cfg.OutboundMaxAttempts,
		Jitter:      cfg.OutboundJitter,
		Timeout:     cfg.OutboundTimeout,
	}
	var poster writeback.Poster
	switch cfg.PayrollProvider {
	case "http":
		poster = writeback.HTTPPoster{HTTP: payrollClient, BaseURL: cfg.PayrollAPIBaseURL, APIKey: cfg.PayrollAPIKey}
	default:
		poster = &writeback.MockPoster{}
	}
	writebackService := &writeback.Service{
		Store:    writeback.NewStore(pool),
		Runs:     runStore,
		Poster:   poster,
		Recorder: ledger,
		Bus:      bus,
		Breaker:  resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor),
		Log:      logger,
	}
	writebackHandler := &writeback.Handler{Service: writebackService}

	analyticsHandler := &analytics.Handler{Svc: &analytics.Service{
		Q:            analytics.NewQuerier(pool),
		R:            redisClient,
		TTL:          cfg.AnalyticsCacheTTL,
		DefaultRange: cfg.AnalyticsDefaultRange,
	}}

	notifyAdmin := &notify.AdminHandler{Store: notifyStore, Disp: dispatcher}
	queueAdmin := &queue.AdminHandler{
		Store:             queue.NewStore(pool),
		Queue:             enqueuer,
		PageSize:          envInt("QUEUE_DLQ_PAGE_SIZE", 50),
		Logger:            logger,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	}

	authService, err := auth.NewService(auth.Config{
		Store:           auth.NewStore(pool),
		Secret:          cfg.JWTSecret,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		ResetTokenTTL:   cfg.PasswordResetTTL,
		Issuer:          cfg.JWTIssuer,
		Audience:        cfg.JWTAudience,
		ClockSkew:       cfg.JWTClockSkew,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	authHandler := &auth.Handler{
		Service:           authService,
		AccessCookieName:  cfg.AccessCookieName,
		RefreshCookieName: cfg.RefreshCookieName,
		CookieDomain:      cfg.CookieDomain,
		CookieSecure:      cfg.CookieSecure,
		CookieSameSite:    http.SameSiteLaxMode,
	}
	authMiddleware := auth.Middleware{
		Secret: []byte(cfg.JWTSecret),
		Validator: auth.TokenValidator{
			Issuer:    cfg.JWTIssuer,
			Audience:  cfg.JWTAudience,
			ClockSkew: cfg.JWTClockSkew,
			Algorithm: jwa.HS256,
		},
	}

	authRateLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "rl:auth"},
		Config: ratelimit.Config{
			Key:    rateLimitKey,
			Window: cfg.AuthRateLimitWindow,
			Max:    cfg.AuthRateLimitMax,
		},
		OnError: func(err error) {
			logger.Error().Err(err).Msg("rate limiter")
		},
	}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}
	orgResolver := orgctx.NewResolver(envOrDefault("ORGANIZATION_HEADER", ""))

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{
		Enable:     envBool("SECURE_HEADERS", true),
		EnableHSTS: cfg.AppEnv == "production",
	}.Middleware)
	r.Use(security.BodyLimit{Max: int64(envInt("SECURE_MAX_BODY_BYTES", 1<<20))}.Middleware)
	if envBool("SECURE_CSRF", true) {
		// Double-submit check for the cookie-based auth flows; bearer-token
		// requests pass through untouched.
		r.Use(security.CSRF{Header: "X-CSRF-Token"}.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-CSRF-Token", orgctx.DefaultHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	pprofEnabled := envBool("OBS_ENABLE_PPROF", true)
	if pprofEnabled {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/auth", func(a chi.Router) {
			a.Group(func(limited chi.Router) {
				limited.Use(authRateLimit.Middleware)
				limited.Post("/register", authHandler.Register)
				limited.Post("/login", authHandler.Login)
				limited.Post("/refresh", authHandler.Refresh)
				limited.Post("/logout", authHandler.Logout)
				limited.Post("/password/forgot", authHandler.ForgotPassword)
				limited.Post("/password/reset", authHandler.ResetPassword)
			})

			a.Group(func(protected chi.Router) {
				protected.Use(authMiddleware.RequireAuth)
				protected.Get("/me", authHandler.Me)
			})
		})

		v.Group(func(org chi.Router) {
			org.Use(authMiddleware.RequireAuth)
			org.Use(orgResolver.Middleware)
			org.Use(appmiddleware.RequireOrganization)

			org.Route("/runs", func(rr chi.Router) {
				rr.With(idem.Middleware).Post("/", runHandler.Create)
				rr.Get("/", runHandler.List)
				rr.Post("/retro-assessment", runHandler.AssessRetro)
				rr.Route("/{runId}", func(one chi.Router) {
					one.Get("/", runHandler.Get)
					one.Get("/results", runHandler.Results)
					one.With(authMiddleware.RequireCapability(auth.CapApprove)).Post("/approve", runHandler.Approve)
					one.With(authMiddleware.RequireCapability(auth.CapApprove)).Post("/reject", runHandler.Reject)
					one.With(authMiddleware.RequireCapability(auth.CapFinalize)).Post("/finalize", runHandler.Finalize)
					one.Post("/cancel", runHandler.Cancel)

					one.Route("/writeback", func(wb chi.Router) {
						wb.Use(authMiddleware.RequireCapability(auth.CapWriteBack))
						wb.Get("/", writebackHandler.List)
						wb.With(idem.Middleware).Post("/", writebackHandler.Prepare)
						wb.Post("/approve", writebackHandler.Approve)
						wb.With(idem.Middleware).Post("/execute", writebackHandler.Execute)
						wb.Post("/rollback", writebackHandler.Rollback)
					})
				})
			})

			org.Route("/vault", func(va chi.Router) {
				va.Get("/entries", vaultHandler.ListEntries)
				va.Get("/entries/{entryId}", vaultHandler.GetEntry)
				va.Get("/entries/{entryId}/verify", vaultHandler.VerifyEntry)
				va.Get("/verify", vaultHandler.VerifyChain)
				va.Get("/retention", vaultHandler.RetentionSummary)
				va.With(authMiddleware.RequireCapability(auth.CapExport)).Post("/export", vaultHandler.Export)
			})

			org.Route("/analytics", func(an chi.Router) {
				an.Get("/credit-trend", analyticsHandler.CreditTrend)
				an.Get("/top-employees", analyticsHandler.TopEmployees)
			})
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMiddleware.RequireCapability(auth.CapManageWebhooks))
			admin.Post("/webhooks", notifyAdmin.CreateEndpoint)
			admin.Put("/webhooks/{id}", notifyAdmin.UpdateEndpoint)
			admin.Get("/webhooks", notifyAdmin.ListEndpoints)
			admin.Delete("/webhooks/{id}", notifyAdmin.DeleteEndpoint)
			admin.Get("/webhook-deliveries", notifyAdmin.ListDeliveries)
			admin.Post("/webhook-deliveries/{id}/replay", notifyAdmin.ReplayDelivery)
			admin.Get("/queue/dlq", queueAdmin.ListDLQ)
			admin.Post("/queue/dlq/replay", queueAdmin.ReplayDLQ)
			admin.Get("/queue/stats", queueAdmin.Stats)
		})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-rootCtx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func rateLimitKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
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

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
