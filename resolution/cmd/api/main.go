package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"shipping-ndr-rto-resolution-system/resolution/internal/engine"
	"shipping-ndr-rto-resolution-system/resolution/internal/jobs"
	"shipping-ndr-rto-resolution-system/resolution/internal/middleware"
	"shipping-ndr-rto-resolution-system/resolution/internal/models"
	"shipping-ndr-rto-resolution-system/resolution/internal/publish"
	"shipping-ndr-rto-resolution-system/resolution/internal/repos"
	"shipping-ndr-rto-resolution-system/resolution/internal/rto"
	"shipping-ndr-rto-resolution-system/resolution/internal/token"
	"shipping-ndr-rto-resolution-system/shared/authx"
	"shipping-ndr-rto-resolution-system/shared/cachex"
	"shipping-ndr-rto-resolution-system/shared/clients/carrier"
	"shipping-ndr-rto-resolution-system/shared/clients/contact"
	"shipping-ndr-rto-resolution-system/shared/config"
	"shipping-ndr-rto-resolution-system/shared/dbx"
	"shipping-ndr-rto-resolution-system/shared/httpx"
	"shipping-ndr-rto-resolution-system/shared/logx"
	"shipping-ndr-rto-resolution-system/shared/metricsx"
	"shipping-ndr-rto-resolution-system/shared/observability"
	"shipping-ndr-rto-resolution-system/shared/tenantx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type failureResponse struct {
	FailureEventID            string     `json:"failure_event_id"`
	ShipmentID                string     `json:"shipment_id"`
	AttemptNumber             int        `json:"attempt_number"`
	RawReason                 string     `json:"raw_reason"`
	ClassifiedCategory        string     `json:"classified_category"`
	ClassificationExplanation string     `json:"classification_explanation,omitempty"`
	Status                    string     `json:"status"`
	DetectedAt                time.Time  `json:"detected_at"`
	ResolutionDeadline        time.Time  `json:"resolution_deadline"`
	EscalationNotifiedAt      *time.Time `json:"escalation_notified_at,omitempty"`
	UpdatedAt                 time.Time  `json:"updated_at"`
}

type actionResponse struct {
	Sequence    int        `json:"sequence"`
	ActionType  string     `json:"action_type"`
	Result      string     `json:"result"`
	OutcomeNote string     `json:"outcome_note,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
}

type returnResponse struct {
	ReturnEventID             string     `json:"return_event_id"`
	ShipmentID                string     `json:"shipment_id"`
	OriginatingFailureEventID string     `json:"originating_failure_event_id"`
	TriggeredBy               string     `json:"triggered_by"`
	BookingStatus             string     `json:"booking_status"`
	BookingAttempts           int        `json:"booking_attempts"`
	BookingError              string     `json:"booking_error,omitempty"`
	ReverseShipmentRef        *string    `json:"reverse_shipment_ref,omitempty"`
	ChargesCents              int64      `json:"charges_cents"`
	ExpectedReturnDate        *time.Time `json:"expected_return_date,omitempty"`
}

type workflowResponse struct {
	WorkflowID string          `json:"workflow_id"`
	TenantID   *uuid.UUID      `json:"tenant_id,omitempty"`
	Category   string          `json:"category"`
	Document   json.RawMessage `json:"document"`
	Active     bool            `json:"active"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func main() {
	cfg, readyProblems := config.Load("ndr-api", 8080)
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
			readyProblems = append(readyProblems, config.Problem{Field: field, Message: field + " is required"})
		}
	}
	if len(readyProblems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", readyProblems),
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
		logger.Error(context.Background(), "db_init_failed", "database init failed",
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

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			logger.Error(context.Background(), "auth_init_failed", "JWT verifier init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: database unavailable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "ready", Service: cfg.ServiceName, Env: cfg.Env, Version: version})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("GET /api/v1/ndr/failures", func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFromRequest(w, r)
		if !ok {
			return
		}
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		if status != "" && !validFailureStatus(status) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown status filter", nil)
			return
		}
		limit, offset := pagination(r)
		rows, err := failuresRepo.List(r.Context(), tenantID, status, limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list failures", nil)
			return
		}
		items := make([]failureResponse, 0, len(rows))
		for _, fe := range rows {
			items = append(items, toFailureResponse(fe))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"failures": items, "limit": limit, "offset": offset})
	})

	mux.HandleFunc("GET /api/v1/ndr/failures/{failure_event_id}", func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFromRequest(w, r)
		if !ok {
			return
		}
		fe, ok := loadFailure(w, r, failuresRepo, tenantID)
		if !ok {
			return
		}
		rows, err := actionsRepo.ListByEvent(r.Context(), fe.FailureEventID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list actions", nil)
			return
		}
		contacted, err := actionsRepo.CustomerContacted(r.Context(), fe.FailureEventID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load contact state", nil)
			return
		}
		actions := make([]actionResponse, 0, len(rows))
		for _, row := range rows {
			actions = append(actions, actionResponse{
				Sequence:    row.Sequence,
				ActionType:  row.ActionType,
				Result:      row.Result,
				OutcomeNote: row.OutcomeNote,
				ScheduledAt: row.ScheduledAt,
				ExecutedAt:  row.ExecutedAt,
			})
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"failure":            toFailureResponse(fe),
			"actions":            actions,
			"customer_contacted": contacted,
		})
	})

	escalateHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFromRequest(w, r)
		if !ok {
			return
		}
		fe, ok := loadFailure(w, r, failuresRepo, tenantID)
		if !ok {
			return
		}
		if models.TerminalStatus(fe.Status) {
			httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "failure event already closed", nil)
			return
		}
		if err := eng.Escalate(r.Context(), fe, models.TriggeredByManual); err != nil {
			logger.Error(r.Context(), "manual_escalate_failed", "manual escalation failed",
				slog.String("failure_event_id", fe.FailureEventID.String()),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "escalation failed", nil)
			return
		}
		updated, err := failuresRepo.GetByID(r.Context(), tenantID, fe.FailureEventID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to reload failure", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"failure": toFailureResponse(updated)})
	})
	mux.Handle("POST /api/v1/ndr/failures/{failure_event_id}/escalate",
		middleware.RequireRole("ops_manager", "admin")(escalateHandler))

	executeHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFromRequest(w, r)
		if !ok {
			return
		}
		fe, ok := loadFailure(w, r, failuresRepo, tenantID)
		if !ok {
			return
		}
		sequence, err := strconv.Atoi(r.PathValue("sequence"))
		if err != nil || sequence <= 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid sequence", nil)
			return
		}
		if err := eng.ExecuteManual(r.Context(), tenantID, fe.FailureEventID, sequence); err != nil {
			if errors.Is(err, engine.ErrPredecessorPending) {
				httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "an earlier action has not finished", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "action execution failed", nil)
			return
		}
		action, err := actionsRepo.Get(r.Context(), fe.FailureEventID, sequence)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to reload action", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"action": actionResponse{
			Sequence:    action.Sequence,
			ActionType:  action.ActionType,
			Result:      action.Result,
			OutcomeNote: action.OutcomeNote,
			ScheduledAt: action.ScheduledAt,
			ExecutedAt:  action.ExecutedAt,
		}})
	})
	mux.Handle("POST /api/v1/ndr/failures/{failure_event_id}/actions/{sequence}/execute",
		middleware.RequireRole("ops_agent", "ops_manager", "admin")(executeHandler))

	mux.HandleFunc("GET /api/v1/rto/returns", func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFromRequest(w, r)
		if !ok {
			return
		}
		limit, offset := pagination(r)
		rows, err := returnsRepo.ListByTenant(r.Context(), tenantID, limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list returns", nil)
			return
		}
		items := make([]returnResponse, 0, len(rows))
		for _, re := range rows {
			items = append(items, returnResponse{
				ReturnEventID:             re.ReturnEventID.String(),
				ShipmentID:                re.ShipmentID.String(),
				OriginatingFailureEventID: re.OriginatingFailureEventID.String(),
				TriggeredBy:               re.TriggeredBy,
				BookingStatus:             re.BookingStatus,
				BookingAttempts:           re.BookingAttempts,
				BookingError:              re.BookingError,
				ReverseShipmentRef:        re.ReverseShipmentRef,
				ChargesCents:              re.ChargesCents,
				ExpectedReturnDate:        re.ExpectedReturnDate,
			})
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"returns": items, "limit": limit, "offset": offset})
	})

	mux.HandleFunc("GET /api/v1/ndr/workflows", func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFromRequest(w, r)
		if !ok {
			return
		}
		global, err := workflowsRepo.List(r.Context(), nil)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list workflows", nil)
			return
		}
		overrides, err := workflowsRepo.List(r.Context(), &tenantID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list workflows", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"global": toWorkflowResponses(global),
			"tenant": toWorkflowResponses(overrides),
		})
	})

	upsertWorkflowHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFromRequest(w, r)
		if !ok {
			return
		}
		var req struct {
			Category string          `json:"category"`
			Document json.RawMessage `json:"document"`
			Active   *bool           `json:"active"`
			Global   bool            `json:"global"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
			return
		}
		if !models.ValidCategory(req.Category) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown category", nil)
			return
		}
		if err := validateWorkflowDocument(req.Category, req.Document); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		def := models.WorkflowDefinition{
			Category: req.Category,
			Document: req.Document,
			Active:   true,
		}
		if req.Active != nil {
			def.Active = *req.Active
		}
		if req.Global {
			auth, _ := authx.FromContext(r.Context())
			if !hasRole(auth.Roles, "admin") {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "global workflows require the admin role", nil)
				return
			}
		} else {
			def.TenantID = &tenantID
		}
		saved, err := workflowsRepo.Upsert(r.Context(), def)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save workflow", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"workflow": toWorkflowResponse(saved)})
	})
	mux.Handle("PUT /api/v1/ndr/workflows",
		middleware.RequireRole("ops_manager", "admin")(upsertWorkflowHandler))

	// Public endpoint the address correction link lands on. No auth, no
	// tenant header; the token carries both. Every rejection looks the
	// same to the caller.
	mux.HandleFunc("POST /public/v1/address-update", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token      string `json:"token"`
			NewAddress string `json:"new_address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
			return
		}
		if strings.TrimSpace(req.NewAddress) == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "new_address is required", nil)
			return
		}
		tok, err := tokenSvc.ValidateAndConsume(r.Context(), req.Token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "link invalid or expired", nil)
			return
		}
		if err := shipmentsRepo.UpdateDeliveryAddress(r.Context(), tok.TenantID, tok.ShipmentID, strings.TrimSpace(req.NewAddress)); err != nil {
			logger.Error(r.Context(), "address_update_failed", "failed to store corrected address",
				slog.String("shipment_id", tok.ShipmentID.String()),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update address", nil)
			return
		}
		if err := eng.HandleAddressSubmitted(r.Context(), tok.TenantID, tok.FailureEventID); err != nil {
			logger.Error(r.Context(), "address_resolve_failed", "address stored but case not resolved",
				slog.String("failure_event_id", tok.FailureEventID.String()),
				slog.String("error", err.Error()),
			)
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "address_updated"})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipAuth := func(r *http.Request) bool {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			return true
		}
		return strings.HasPrefix(r.URL.Path, "/public/")
	}

	publicLimiter := middleware.NewIPRateLimiter(cfg.PublicRateLimitRPS, cfg.PublicRateLimitBurst, 2*time.Minute)

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.TenantMiddleware{Tenants: tenantsRepo, Skip: skipAuth}.Wrap(handler)
	handler = middleware.AuthMiddleware{Verifier: verifier, Skip: skipAuth}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: publicLimiter,
		Skip:    func(r *http.Request) bool { return !strings.HasPrefix(r.URL.Path, "/public/") },
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{AllowedOrigins: cfg.CORSAllowedOrigins, MaxAge: 10 * time.Minute}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = metricsx.Instrument(handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "http")
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func tenantFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenant, ok := tenantx.FromContext(r.Context())
	if !ok || tenant.ID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
		return uuid.Nil, false
	}
	tenantID, err := uuid.Parse(tenant.ID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid tenant id", nil)
		return uuid.Nil, false
	}
	return tenantID, true
}

func loadFailure(w http.ResponseWriter, r *http.Request, failures *repos.FailureEventsRepo, tenantID uuid.UUID) (models.FailureEvent, bool) {
	failureEventID, err := uuid.Parse(r.PathValue("failure_event_id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid failure event id", nil)
		return models.FailureEvent{}, false
	}
	fe, err := failures.GetByID(r.Context(), tenantID, failureEventID)
	if err != nil {
		if errors.Is(err, repos.ErrFailureEventNotFound) {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "failure event not found", nil)
		} else {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load failure event", nil)
		}
		return models.FailureEvent{}, false
	}
	return fe, true
}

func toFailureResponse(fe models.FailureEvent) failureResponse {
	return failureResponse{
		FailureEventID:            fe.FailureEventID.String(),
		ShipmentID:                fe.ShipmentID.String(),
		AttemptNumber:             fe.AttemptNumber,
		RawReason:                 fe.RawReason,
		ClassifiedCategory:        fe.ClassifiedCategory,
		ClassificationExplanation: fe.ClassificationExplanation,
		Status:                    fe.Status,
		DetectedAt:                fe.DetectedAt,
		ResolutionDeadline:        fe.ResolutionDeadline,
		EscalationNotifiedAt:      fe.EscalationNotifiedAt,
		UpdatedAt:                 fe.UpdatedAt,
	}
}

func toWorkflowResponse(def models.WorkflowDefinition) workflowResponse {
	return workflowResponse{
		WorkflowID: def.WorkflowID.String(),
		TenantID:   def.TenantID,
		Category:   def.Category,
		Document:   json.RawMessage(def.Document),
		Active:     def.Active,
		UpdatedAt:  def.UpdatedAt,
	}
}

func toWorkflowResponses(defs []models.WorkflowDefinition) []workflowResponse {
	out := make([]workflowResponse, 0, len(defs))
	for _, def := range defs {
		out = append(out, toWorkflowResponse(def))
	}
	return out
}

func validateWorkflowDocument(category string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return errors.New("document is required")
	}
	var doc models.WorkflowDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.New("document is not a valid workflow")
	}
	if doc.Category != category {
		return errors.New("document category does not match")
	}
	seen := map[int]bool{}
	for _, action := range doc.Actions {
		if action.Sequence <= 0 {
			return errors.New("action sequences must be positive")
		}
		if seen[action.Sequence] {
			return errors.New("duplicate action sequence")
		}
		seen[action.Sequence] = true
		switch action.ActionType {
		case models.ActionContactCustomer, models.ActionSendMessage, models.ActionRequestAddressUpdate,
			models.ActionRequestReattempt, models.ActionTriggerRTO:
		default:
			return errors.New("unknown action type " + action.ActionType)
		}
	}
	return nil
}

func validFailureStatus(status string) bool {
	switch status {
	case models.StatusDetected, models.StatusInResolution, models.StatusResolved,
		models.StatusEscalated, models.StatusRTOTriggered:
		return true
	}
	return false
}

func hasRole(roles []string, want string) bool {
	for _, role := range roles {
		if role == want {
			return true
		}
	}
	return false
}

func pagination(r *http.Request) (int, int) {
	limit := 50
	offset := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
