package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"shipping-ndr-rto-resolution-system/resolution/internal/classify"
	"shipping-ndr-rto-resolution-system/resolution/internal/detect"
	"shipping-ndr-rto-resolution-system/resolution/internal/engine"
	"shipping-ndr-rto-resolution-system/resolution/internal/jobs"
	"shipping-ndr-rto-resolution-system/resolution/internal/models"
	"shipping-ndr-rto-resolution-system/resolution/internal/publish"
	"shipping-ndr-rto-resolution-system/resolution/internal/repos"
	"shipping-ndr-rto-resolution-system/resolution/internal/rto"
	"shipping-ndr-rto-resolution-system/resolution/internal/token"
	"shipping-ndr-rto-resolution-system/shared/cachex"
	"shipping-ndr-rto-resolution-system/shared/clients/carrier"
	"shipping-ndr-rto-resolution-system/shared/clients/classifier"
	"shipping-ndr-rto-resolution-system/shared/clients/contact"
	"shipping-ndr-rto-resolution-system/shared/config"
	"shipping-ndr-rto-resolution-system/shared/dbx"
	"shipping-ndr-rto-resolution-system/shared/events"
	"shipping-ndr-rto-resolution-system/shared/influxx"
	"shipping-ndr-rto-resolution-system/shared/logx"
	"shipping-ndr-rto-resolution-system/shared/metricsx"
	"shipping-ndr-rto-resolution-system/shared/mqx"
	"shipping-ndr-rto-resolution-system/shared/observability"

	"github.com/hibiken/asynq"
)

// classifierProvider adapts the HTTP classifier client to the detection
// service, which only cares about the category.
type classifierProvider struct {
	client *classifier.Client
}

func (p classifierProvider) Classify(ctx context.Context, tenantID string, carrierName string, text string) (string, error) {
	result, err := p.client.Classify(ctx, tenantID, carrierName, text)
	if err != nil {
		return "", err
	}
	return result.Category, nil
}

func main() {
	cfg, problems := config.Load("tracking-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	for field, value := range map[string]string{
		"DATABASE_URL":            cfg.DatabaseURL,
		"ASYNQ_REDIS_ADDR":        cfg.AsynqRedisAddr,
		"KAFKA_CONSUMER_GROUP":    cfg.KafkaGroupID,
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
			logger.Warn(context.Background(), "redis_init_failed", "workflow cache disabled",
				slog.String("error", err.Error()),
			)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	var influx *influxx.Client
	if cfg.InfluxURL != "" {
		influx, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "tracking telemetry disabled",
				slog.String("error", err.Error()),
			)
			influx = nil
		} else {
			defer influx.Close()
		}
	}

	tenantsRepo := repos.NewTenantsRepo(dbPool)
	failuresRepo := repos.NewFailureEventsRepo(dbPool)
	actionsRepo := repos.NewActionsRepo(dbPool)
	shipmentsRepo := repos.NewShipmentsRepo(dbPool)
	tokensRepo := repos.NewTokensRepo(dbPool)
	returnsRepo := repos.NewReturnsRepo(dbPool)
	outboxRepo := repos.NewOutboxRepo(dbPool)
	workflowsRepo := repos.NewWorkflowsRepo(dbPool, cache, time.Duration(cfg.WorkflowCacheTTLSec)*time.Second)

	publisher := publish.New(outboxRepo, dbPool)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	})
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

	var provider classify.Provider
	if cfg.ClassifierEnabled && cfg.ClassifierURL != "" {
		classifierClient, err := classifier.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "classifier_init_failed", "falling back to keyword rules",
				slog.String("error", err.Error()),
			)
		} else {
			provider = classifierProvider{client: classifierClient}
		}
	}
	classifySvc := classify.NewService(provider, logger)

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

	detector := detect.NewService(failuresRepo, tenantsRepo, classifySvc, eng, logger, cfg.ResolutionWindow(), cfg.DedupeWindow())

	reader, err := mqx.NewConsumer(cfg, events.TopicCarrierTracking, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "tracking consumer started",
		slog.String("topic", events.TopicCarrierTracking),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", events.TopicCarrierTracking),
		)
		update, err := decodeTrackingUpdate(msg.Value)
		if err != nil {
			span.End()
			logger.Warn(ctx, "tracking_decode_failed", "discarding malformed tracking update",
				slog.String("error", err.Error()),
			)
			_ = reader.CommitMessages(ctx, msg)
			continue
		}
		if err := detector.Handle(spanCtx, update); err != nil {
			span.End()
			// Storage errors are retried by leaving the offset uncommitted.
			logger.Error(ctx, "tracking_handle_failed", "failed to handle tracking update",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("shipment_id", update.ShipmentID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		span.End()

		if influx != nil {
			writeTrackingPoint(spanCtx, influx, update)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "tracking consumer stopped")
}

func decodeTrackingUpdate(payload []byte) (detect.TrackingUpdate, error) {
	var update detect.TrackingUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return detect.TrackingUpdate{}, err
	}
	if update.TenantID == uuid.Nil || update.ShipmentID == uuid.Nil {
		return detect.TrackingUpdate{}, errors.New("missing tenant_id/shipment_id")
	}
	return update, nil
}

func writeTrackingPoint(ctx context.Context, influx *influxx.Client, update detect.TrackingUpdate) {
	ts := update.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_ = influx.WritePoint(ctx, "carrier_tracking",
		map[string]string{
			"tenant_id": update.TenantID.String(),
			"carrier":   update.Carrier,
			"status":    strings.ToLower(strings.TrimSpace(update.Status)),
		},
		map[string]any{
			"shipment_id": update.ShipmentID.String(),
			"remarks_len": len(update.Remarks),
		},
		ts,
	)
}
