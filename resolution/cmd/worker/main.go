package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"shipping-ndr-rto-resolution-system/resolution/internal/engine"
	"shipping-ndr-rto-resolution-system/resolution/internal/jobs"
	"shipping-ndr-rto-resolution-system/resolution/internal/models"
	"shipping-ndr-rto-resolution-system/resolution/internal/publish"
	"shipping-ndr-rto-resolution-system/resolution/internal/repos"
	"shipping-ndr-rto-resolution-system/resolution/internal/rto"
	"shipping-ndr-rto-resolution-system/resolution/internal/sweeper"
	"shipping-ndr-rto-resolution-system/resolution/internal/token"
	"shipping-ndr-rto-resolution-system/shared/cachex"
	"shipping-ndr-rto-resolution-system/shared/clients/carrier"
	"shipping-ndr-rto-resolution-system/shared/clients/contact"
	"shipping-ndr-rto-resolution-system/shared/config"
	"shipping-ndr-rto-resolution-system/shared/dbx"
	"shipping-ndr-rto-resolution-system/shared/logx"
	"shipping-ndr-rto-resolution-system/shared/metricsx"
	"shipping-ndr-rto-resolution-system/shared/mqx"
	"shipping-ndr-rto-resolution-system/shared/observability"
)

func main() {
	cfg, problems := config.Load("ndr-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	for field, value := range map[string]string{
		"DATABASE_URL":            cfg.DatabaseURL,
		"ASYNQ_REDIS_ADDR":        cfg.AsynqRedisAddr,
		"TOKEN_SIGNING_SECRET":    cfg.TokenSigningSecret,
		"ADDRESS_UPDATE_BASE_URL": cfg.AddressUpdateBaseURL,
		"CARRIER_API_URL":         cfg.CarrierAPIURL,
		"VOICE_GATEWAY_URL":       cfg.VoiceGatewayURL,
		"MESSAGING_URL":           cfg.MessagingURL,
	} {
		if value == "" {
			problems = append(problems, config.Problem{Field: field, Message: field + " is required"})
		}
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}
	metricsx.Register()

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "sweep lock and workflow cache disabled",
				slog.String("error", err.Error()),
			)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	failuresRepo := repos.NewFailureEventsRepo(dbPool)
	actionsRepo := repos.NewActionsRepo(dbPool)
	shipmentsRepo := repos.NewShipmentsRepo(dbPool)
	tokensRepo := repos.NewTokensRepo(dbPool)
	returnsRepo := repos.NewReturnsRepo(dbPool)
	outboxRepo := repos.NewOutboxRepo(dbPool)
	workflowsRepo := repos.NewWorkflowsRepo(dbPool, cache, time.Duration(cfg.WorkflowCacheTTLSec)*time.Second)

	publisher := publish.New(outboxRepo, dbPool)

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	enqueuer := jobs.NewEnqueuer(asynqClient, cfg.AsynqQueue)

	carrierClient, err := carrier.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "carrier_init_failed", "carrier client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	contactClient, err := contact.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "contact_init_failed", "contact client init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	tokenSvc, err := token.NewService(tokensRepo, cfg.TokenSigningSecret, cfg.TokenTTL(), cfg.AddressUpdateBaseURL)
	if err != nil {
		logger.Error(context.Background(), "token_init_failed", "token service init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	coordinator := rto.NewCoordinator(returnsRepo, shipmentsRepo, carrierClient, enqueuer, publisher, logger, cfg.BookingRetryMax)
	eng := engine.New(failuresRepo, actionsRepo, workflowsRepo, enqueuer, coordinator, publisher, logger, cfg.ActionRetryMax)
	eng.Register(models.ActionContactCustomer, &engine.ContactExecutor{Shipments: shipmentsRepo, Voice: contactClient})
	eng.Register(models.ActionSendMessage, &engine.MessageExecutor{Shipments: shipmentsRepo, Messages: contactClient})
	eng.Register(models.ActionRequestAddressUpdate, &engine.AddressUpdateExecutor{
		Shipments:  shipmentsRepo,
		Messages:   contactClient,
		Issuer:     tokenSvc,
		TemplateID: cfg.AddressTemplateID,
	})
	eng.Register(models.ActionRequestReattempt, &engine.ReattemptExecutor{Shipments: shipmentsRepo, Carrier: carrierClient})

	sw := sweeper.New(failuresRepo, eng, publisher, logger, cfg.SweepBatchSize)

	handlers := &jobs.Handlers{
		Engine:  eng,
		RTO:     coordinator,
		Sweeper: sw,
		Redis:   cache.Client(),
		Logger:  logger,

		SweepLockTTL: time.Duration(cfg.SweepIntervalMinutes) * time.Minute,
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskActionExecute, handlers.HandleActionExecute)
	mux.HandleFunc(jobs.TaskBookingRetry, handlers.HandleBookingRetry)
	mux.HandleFunc(jobs.TaskSweep, handlers.HandleSweep)
	mux.HandleFunc(jobs.TaskOutboxScan, func(ctx context.Context, t *asynq.Task) error {
		events, err := outboxRepo.ClaimPending(ctx, cfg.ServiceName, cfg.OutboxBatchSize)
		if err != nil {
			return err
		}
		for _, event := range events {
			payload, _ := json.Marshal(jobs.DispatchPayload{EventID: event.EventID.String()})
			task := asynq.NewTask(jobs.TaskOutboxDispatch, payload, asynq.Queue(cfg.AsynqQueue))
			if _, err := asynqClient.EnqueueContext(ctx, task); err != nil {
				logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
				attempts := event.Attempts + 1
				nextRetry := time.Now().UTC().Add(outboxRetryDelay(attempts))
				_ = outboxRepo.MarkFailed(ctx, event.EventID, attempts, &nextRetry, err.Error(), attempts >= cfg.OutboxMaxAttempts)
			}
		}
		return nil
	})
	mux.HandleFunc(jobs.TaskOutboxDispatch, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()
		var payload jobs.DispatchPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}
		eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
		if err != nil {
			return err
		}
		event, err := outboxRepo.GetByID(ctx, eventID)
		if err != nil {
			return err
		}
		if event.Status == repos.OutboxStatusDelivered || event.Status == repos.OutboxStatusDead {
			return nil
		}
		headers := map[string]string{
			"event_id":       event.EventID.String(),
			"tenant_id":      event.TenantID.String(),
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID.String(),
			"published_at":   time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := producer.Publish(ctx, event.Topic, []byte(event.AggregateID.String()), event.Payload, headers); err != nil {
			attempts := event.Attempts + 1
			nextRetry := time.Now().UTC().Add(outboxRetryDelay(attempts))
			dead := attempts >= cfg.OutboxMaxAttempts
			_ = outboxRepo.MarkFailed(ctx, event.EventID, attempts, &nextRetry, err.Error(), dead)
			if dead {
				logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
					slog.String("event_id", event.EventID.String()),
					slog.Int("attempts", attempts),
				)
				return nil
			}
			return err
		}
		return outboxRepo.MarkDelivered(ctx, event.EventID)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxScanSec)+"s", asynq.NewTask(jobs.TaskOutboxScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "outbox scan registration failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.SweepIntervalMinutes)+"m", asynq.NewTask(jobs.TaskSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "sweep registration failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "resolution worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("sweep_interval_minutes", cfg.SweepIntervalMinutes),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "resolution worker stopped")
}

func outboxRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
