// cmd/dispatcher/main.go
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

	tele "gopkg.in/telebot.v4"
	"go.uber.org/zap"

	"notify-dispatch/internal/channels"
	"notify-dispatch/internal/channels/email"
	"notify-dispatch/internal/channels/sms"
	"notify-dispatch/internal/common/aws"
	"notify-dispatch/internal/common/camunda"
	"notify-dispatch/internal/common/config"
	"notify-dispatch/internal/common/database"
	"notify-dispatch/internal/common/logger"
	"notify-dispatch/internal/common/metrics"
	"notify-dispatch/internal/common/observability"
	"notify-dispatch/internal/common/validation"
	"notify-dispatch/internal/content"
	"notify-dispatch/internal/delivery"
	"notify-dispatch/internal/enqueue"
	"notify-dispatch/internal/mailqueue"
	"notify-dispatch/internal/models"
	"notify-dispatch/internal/pipeline"
	"notify-dispatch/internal/recipients"
	"notify-dispatch/internal/schedule"
	"notify-dispatch/internal/store"
	"notify-dispatch/internal/transport/broadcast"
	"notify-dispatch/internal/transport/telegram"

	rnp "notify-dispatch/internal/workers/dispatch/run-notification-pass"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	bootLog := logger.New("info", "console")

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting notification dispatcher...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	tracer, err := observability.NewTracer(cfg.Tracing, cfg.App.Name)
	if err != nil {
		zapLog.Fatal("tracer init failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Primary store ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	st := store.New(pg, log)
	if cfg.Database.Postgres.Migrate {
		if err := st.Migrate(ctx); err != nil {
			zapLog.Fatal("schema migration failed", zap.Error(err))
		}
	}

	checks := []readinessCheck{{name: "postgres", check: pg.Ping}}

	// --- Analytic source for SQL recipient lists ---
	executor, analyticsCheck, closeAnalytics := connectAnalytics(ctx, cfg, zapLog)
	defer closeAnalytics()
	checks = append(checks, analyticsCheck)

	// --- Redis for the tick lock and the mail queue ---
	var redis *database.RedisClient
	if cfg.Dispatch.LockTTL > 0 || cfg.MailQueue.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			redis, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return redis.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer redis.Close()
		checks = append(checks, readinessCheck{name: "redis", check: redis.Ping})
		zapLog.Info("Redis connected successfully")
	}

	templates, err := content.LoadAll(cfg.Templates.Directory)
	if err != nil {
		zapLog.Fatal("template load failed", zap.String("directory", cfg.Templates.Directory), zap.Error(err))
	}

	schemas, err := validation.NewKindSchemas()
	if err != nil {
		zapLog.Fatal("configuration schemas failed to compile", zap.Error(err))
	}

	// --- Channels ---
	registry := channels.NewRegistry()
	var emailChannel channels.Channel
	if cfg.Channels.Email.Enabled {
		emailChannel = newEmailChannel(ctx, cfg.Channels.Email, log, zapLog)
		registry.Register(models.ChannelEmail, emailChannel)
	}
	if cfg.Channels.SMS.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.Channels.SMS.Region)
		if err != nil {
			zapLog.Fatal("sns client init failed", zap.Error(err))
		}
		registry.Register(models.ChannelSMS, sms.NewSNSChannel(snsClient, cfg.Channels.SMS.SenderID, log))
	}

	var bot *telegram.Client
	if cfg.Channels.Telegram.Enabled {
		bot, err = telegram.NewClient(cfg.Channels.Telegram, log)
		if err != nil {
			zapLog.Fatal("telegram client init failed", zap.Error(err))
		}
		registry.Register(models.ChannelTelegram, telegram.NewChannel(bot, log))
	}
	zapLog.Info("Channels registered", zap.Int("count", len(registry.Types())))

	// --- Pass and delivery engine ---
	kinds := make([]models.ConfigKind, 0, len(cfg.Dispatch.Kinds))
	for _, k := range cfg.Dispatch.Kinds {
		kinds = append(kinds, models.ConfigKind(strings.ToUpper(strings.TrimSpace(k))))
	}

	pass := pipeline.NewPass(
		schedule.NewScanner(st, log),
		schemas,
		recipients.NewResolver(st, executor, log),
		templates,
		enqueue.NewEnqueuer(st, log),
		log,
	)
	pass.Instrument(obs, tracer)

	backoff, err := delivery.NewBackoff(
		cfg.Dispatch.Backoff.Policy,
		config.GetDuration(cfg.Dispatch.Backoff.Base),
		config.GetDuration(cfg.Dispatch.Backoff.Max),
	)
	if err != nil {
		zapLog.Fatal("invalid backoff policy", zap.Error(err))
	}

	engine := delivery.NewEngine(st, registry, delivery.Options{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BatchSize:   cfg.Dispatch.BatchSize,
		SendTimeout: config.GetDuration(cfg.Dispatch.SendTimeout),
		LockTTL:     config.GetDuration(cfg.Dispatch.LockTTL),
		Backoff:     backoff,
	}, log)
	engine.Instrument(obs, tracer)
	if cfg.Dispatch.LockTTL > 0 {
		engine.SetLocker(redis)
	}
	if cfg.MailQueue.Enabled {
		queue := mailqueue.NewRedisQueue(redis.Client, cfg.MailQueue.Key, cfg.MailQueue.BatchSize, emailChannel, log)
		engine.AddDrainer("mail-queue", queue)
	}
	engine.AddHook(pipeline.NewKindTicker(pass, kinds))

	loop := delivery.NewLoop(engine, config.GetDuration(cfg.Dispatch.TickInterval), log)
	loop.Start(ctx)
	zapLog.Info("Delivery loop started",
		zap.Int("tickIntervalMs", cfg.Dispatch.TickInterval),
		zap.Strings("kinds", cfg.Dispatch.Kinds),
	)

	// --- Telegram long-poll and broadcast ---
	var bus *broadcast.Broadcaster[tele.Update]
	if bot != nil {
		bus = broadcast.New[tele.Update](func() { metrics.ChatUpdatesDropped.Inc() })
		responder := telegram.NewResponder(bus, cfg.Channels.Telegram.BroadcastBuffer, bot, log)
		poller := telegram.NewPoller(bot, bus, config.GetDuration(cfg.Channels.Telegram.RetryDelay), log)
		go responder.Run(ctx)
		go poller.Run(ctx)
		zapLog.Info("Telegram polling started")
	}

	// --- Optional Zeebe worker for on-demand passes ---
	var zeebe *camunda.Client
	var passWorker *camunda.CamundaWorker
	if cfg.Camunda.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClientWithConfig(camunda.ConfigFrom(cfg.Camunda))
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		checks = append(checks, readinessCheck{name: "zeebe", check: zeebe.HealthCheck})

		workerCfg := rnp.LoadConfig(kinds)
		workerCfg.Timeout = config.GetDuration(cfg.Camunda.Timeout)
		handler := rnp.NewHandler(workerCfg, pass, log)
		passWorker = camunda.NewWorker(zeebe.GetClient(), rnp.TaskType, cfg.Camunda.MaxJobsActive, handler, log)
		zapLog.Info("Zeebe client connected successfully")
	}

	server := newHealthServer(cfg.Server.Address, checks)
	go func() {
		zapLog.Info("Health server listening", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Error("health server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	zapLog.Info("Shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Dispatch.ShutdownTimeout))
	defer shutdownCancel()

	if passWorker != nil {
		passWorker.Stop()
	}
	if err := loop.Stop(shutdownCtx); err != nil {
		zapLog.Warn("delivery loop did not stop cleanly", zap.Error(err))
	}
	cancel()
	if bus != nil {
		bus.Close()
	}
	if zeebe != nil {
		if err := zeebe.Close(); err != nil {
			zapLog.Warn("zeebe client close failed", zap.Error(err))
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("health server shutdown failed", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("tracer shutdown failed", zap.Error(err))
	}

	zapLog.Info("Notification dispatcher stopped")
}

// connectAnalytics opens the read-only source SQL recipient lists run against.
func connectAnalytics(ctx context.Context, cfg *config.Config, zapLog *zap.Logger) (recipients.QueryExecutor, readinessCheck, func()) {
	timeout := config.GetDuration(cfg.Database.Analytics.QueryTimeout)

	if cfg.Database.Analytics.Driver == "elasticsearch" {
		var es *database.ElasticsearchClient
		err := retryWithBackoff(func() error {
			var err error
			es, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return es.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		zapLog.Info("Elasticsearch connected successfully")
		return recipients.NewElasticsearchExecutor(es.Client, timeout),
			readinessCheck{name: "elasticsearch", check: es.Ping},
			func() {}
	}

	var analytics *database.PostgresClient
	err := retryWithBackoff(func() error {
		var err error
		analytics, err = database.NewPostgres(cfg.Database.Analytics.Postgres)
		if err != nil {
			return err
		}
		return analytics.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "Analytics PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("analytics postgres failed after retries", zap.Error(err))
	}
	zapLog.Info("Analytics PostgreSQL connected successfully")
	return recipients.NewSQLExecutor(analytics, timeout),
		readinessCheck{name: "analytics", check: analytics.Ping},
		func() { analytics.Close() }
}

func newEmailChannel(ctx context.Context, cfg config.EmailConfig, log logger.Logger, zapLog *zap.Logger) channels.Channel {
	if cfg.Provider == "smtp" {
		return email.NewSMTPChannel(email.NewSMTPDialer(cfg.SMTP), cfg.FromEmail, log)
	}
	sesClient, err := aws.NewSESClient(ctx, cfg.Region)
	if err != nil {
		zapLog.Fatal("ses client init failed", zap.Error(err))
	}
	return email.NewSESChannel(sesClient, cfg.FromEmail, log)
}
