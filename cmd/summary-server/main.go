package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/summary/internal/config"
	"github.com/ehr/summary/internal/domain/summary"
	"github.com/ehr/summary/internal/platform/auth"
	"github.com/ehr/summary/internal/platform/cache"
	"github.com/ehr/summary/internal/platform/db"
	"github.com/ehr/summary/internal/platform/events"
	"github.com/ehr/summary/internal/platform/extractor"
	"github.com/ehr/summary/internal/platform/metrics"
	"github.com/ehr/summary/internal/platform/middleware"
	"github.com/ehr/summary/internal/platform/notify"
	"github.com/ehr/summary/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "summary-server",
		Short: "Patient summary aggregation service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rebuildCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// app holds the wired components shared by serve, worker and rebuild.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	svc       *summary.Service
	metrics   *metrics.Collector
	telemetry *telemetry.Provider
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewCollector("summary")}

	tp, err := telemetry.NewProvider(ctx, telemetry.TelemetryConfig{
		ServiceName:    "summary-server",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       !cfg.IsProduction(),
		TracingEnabled: telemetry.BoolPtr(cfg.TracingEnabled),
		SampleRate:     cfg.TracingSampleRate,
	})
	if err != nil {
		return nil, err
	}
	a.telemetry = tp
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(sctx)
	})

	pool, err := openPool(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	logger.Info().Msg("connected to database")

	svc := summary.NewService(summary.NewStorePG(pool), summary.NewLedgerPG(pool), logger, summary.ServiceConfig{
		MaxAttempts:   cfg.MergeMaxAttempts,
		RetryBackoff:  cfg.MergeRetryBackoff,
		StoreTimeout:  cfg.StoreTimeout,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	svc.SetDocumentSource(summary.NewDocumentSourcePG(pool))
	svc.SetMetrics(a.metrics)
	a.svc = svc

	if cfg.OpenAIAPIKey != "" {
		svc.SetExtractor(extractor.NewOpenAI(extractor.Config{
			APIKey:            cfg.OpenAIAPIKey,
			BaseURL:           cfg.OpenAIBaseURL,
			Model:             cfg.OpenAIModel,
			RequestsPerSecond: cfg.ExtractorRPS,
		}))
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = cache.NewRedisClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		svc.SetCache(cache.NewSummaries(cache.NewRedisKV(rdb), "summary:", cfg.SummaryCacheTTL))
	}

	n, closeNotifier, err := buildNotifier(ctx, cfg, rdb, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeNotifier)
	svc.SetNotifier(n)

	return a, nil
}

// buildNotifier builds every channel named by NOTIFIER_BACKEND, each behind
// its own circuit breaker so one failing channel does not slow the others.
func buildNotifier(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger zerolog.Logger) (notify.Notifier, func(), error) {
	var (
		channels notify.Multi
		closers  []func()
	)
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}
	for _, backend := range cfg.NotifierBackends() {
		n, closeFn, err := buildChannel(ctx, cfg, backend, rdb)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		closers = append(closers, closeFn)
		channels = append(channels, notify.NewBreaker(backend, n, notify.BreakerConfig{}, logger))
	}

	switch len(channels) {
	case 0:
		return notify.Noop{}, closeAll, nil
	case 1:
		return channels[0], closeAll, nil
	default:
		return channels, closeAll, nil
	}
}

func buildChannel(ctx context.Context, cfg *config.Config, backend string, rdb *redis.Client) (notify.Notifier, func(), error) {
	nop := func() {}
	switch backend {
	case config.NotifierWebhook:
		return notify.NewWebhook(notify.WebhookConfig{
			URL:        cfg.WebhookURL,
			Secret:     cfg.WebhookSecret,
			Timeout:    cfg.NotifyTimeout,
			RetryCount: 2,
		}), nop, nil
	case config.NotifierRedis:
		if rdb == nil {
			return nil, nop, errors.New("redis notifier requires REDIS_URL")
		}
		return notify.NewRedisStream(rdb, cfg.RedisStream, 100000), nop, nil
	case config.NotifierKafka:
		w := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		return notify.NewKafka(w), func() { w.Close() }, nil
	case config.NotifierSQS:
		client, err := notify.NewSQSClient(ctx, cfg.SQSEndpoint)
		if err != nil {
			return nil, nop, err
		}
		return notify.NewSQS(client, cfg.SQSQueueURL), nop, nil
	default:
		return nil, nop, fmt.Errorf("unknown notifier backend %q", backend)
	}
}

func newServer(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(a.telemetry.TracingMiddleware())
	e.Use(middleware.Metrics(a.metrics))
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-None-Match", middleware.RequestIDHeader},
		ExposeHeaders: []string{"ETag", "Last-Modified", "Retry-After", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.PoolHealthHandler(a.pool))
	}
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	api := e.Group("/api/v1")
	if cfg.DevAuth() {
		a.logger.Warn().Msg("development auth active: all requests run as dev-user")
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rl, rateLimitKey))
	api.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	summary.NewHandler(a.svc).RegisterRoutes(api)
	return e
}

// rateLimitKey buckets authenticated callers by user id.
func rateLimitKey(c echo.Context) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return "user:" + uid
	}
	return ""
}

func newConsumer(a *app) *events.Consumer {
	reader := events.NewKafkaReader(events.ReaderConfig{
		Brokers: a.cfg.KafkaBrokers,
		Topic:   a.cfg.KafkaDocumentTopic,
		GroupID: a.cfg.KafkaGroupID,
	})
	return events.NewConsumer(reader, a.svc, a.logger, a.metrics)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (and the document consumer when KAFKA_BROKERS is set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume document-processed events from Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(false)
		},
	}
}

func run(withHTTP bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	if !withHTTP && len(cfg.KafkaBrokers) == 0 {
		return errors.New("worker requires KAFKA_BROKERS")
	}

	g, gctx := errgroup.WithContext(ctx)

	if withHTTP {
		e := newServer(a)
		g.Go(func() error {
			addr := ":" + cfg.Port
			logger.Info().Str("addr", addr).Msg("starting server")
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info().Msg("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(sctx)
		})
	}

	if len(cfg.KafkaBrokers) > 0 {
		consumer := newConsumer(a)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	err = g.Wait()
	// Drain in-flight notifications before the pool and clients close.
	a.svc.Wait()
	logger.Info().Msg("stopped")
	return err
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func rebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Re-apply the correction ledger to a patient's summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("patient")
			pid, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--patient must be a UUID: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.Rebuild(ctx, pid)
			a.svc.Wait()
			if err != nil {
				return fmt.Errorf("rebuild failed: %w", err)
			}
			fmt.Printf("Patient %s rebuilt at version %d (%d corrections applied).\n",
				pid, res.Summary.Version, res.Report.Corrections.Applied)
			return nil
		},
	}
	cmd.Flags().String("patient", "", "Patient UUID")
	cmd.MarkFlagRequired("patient")
	return cmd
}
