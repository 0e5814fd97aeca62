package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	CORSAllowedOrigins   []string
	PublicRateLimitRPS   int
	PublicRateLimitBurst int

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	ClassifierURL       string
	ClassifierTimeoutMS int
	ClassifierRetryMax  int
	ClassifierEnabled   bool

	VoiceGatewayURL    string
	VoiceTimeoutMS     int
	MessagingURL       string
	MessagingTimeoutMS int
	AddressTemplateID  string

	CarrierAPIURL    string
	CarrierAPIToken  string
	CarrierTimeoutMS int

	TokenSigningSecret   string
	TokenTTLHours        int
	AddressUpdateBaseURL string

	ResolutionWindowHours int
	DedupeWindowHours     int
	ActionRetryMax        int
	SweepIntervalMinutes  int
	SweepBatchSize        int
	BookingRetryMax       int
	WorkflowCacheTTLSec   int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                   envRaw,
		ServiceName:           serviceNameDefault,
		HTTPPort:              httpPortDefault,
		LogLevel:              "info",
		ConfigPath:            strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:      30000,
		PublicRateLimitRPS:    5,
		PublicRateLimitBurst:  10,
		OIDCIssuer:            strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:          strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:           strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:        300,
		JWTClockSkewSec:       60,
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:            10,
		DBMinConns:            1,
		DBConnMaxIdleSec:      300,
		DBConnMaxLifeSec:      1800,
		KafkaRetryMax:         5,
		KafkaWriteMS:          5000,
		AsynqQueue:            "ndr",
		AsynqConcurrency:      10,
		OutboxScanSec:         5,
		OutboxBatchSize:       50,
		OutboxMaxAttempts:     20,
		InfluxTimeoutMS:       5000,
		ClassifierTimeoutMS:   3000,
		ClassifierRetryMax:    1,
		ClassifierEnabled:     true,
		VoiceTimeoutMS:        15000,
		MessagingTimeoutMS:    5000,
		AddressTemplateID:     "address_update_link",
		CarrierTimeoutMS:      8000,
		TokenTTLHours:         48,
		ResolutionWindowHours: 48,
		DedupeWindowHours:     24,
		ActionRetryMax:        3,
		SweepIntervalMinutes:  15,
		SweepBatchSize:        100,
		BookingRetryMax:       5,
		WorkflowCacheTTLSec:   60,
		OtelInsecure:          true,
		OtelSampleRatio:       1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.PublicRateLimitRPS <= 0 {
		problems = append(problems, Problem{Field: "PUBLIC_RATE_LIMIT_RPS", Message: "PUBLIC_RATE_LIMIT_RPS must be > 0"})
		cfg.PublicRateLimitRPS = 5
	}
	if cfg.PublicRateLimitBurst <= 0 {
		problems = append(problems, Problem{Field: "PUBLIC_RATE_LIMIT_BURST", Message: "PUBLIC_RATE_LIMIT_BURST must be > 0"})
		cfg.PublicRateLimitBurst = 10
	}
	if cfg.OutboxScanSec <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_SCAN_INTERVAL_SECONDS", Message: "OUTBOX_SCAN_INTERVAL_SECONDS must be > 0"})
		cfg.OutboxScanSec = 5
	}
	if cfg.OutboxBatchSize <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_BATCH_SIZE", Message: "OUTBOX_BATCH_SIZE must be > 0"})
		cfg.OutboxBatchSize = 50
	}
	if cfg.OutboxMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_MAX_ATTEMPTS", Message: "OUTBOX_MAX_ATTEMPTS must be > 0"})
		cfg.OutboxMaxAttempts = 20
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	// The classifier budget is capped so a slow provider can never stall detection.
	if cfg.ClassifierTimeoutMS <= 0 || cfg.ClassifierTimeoutMS > 3000 {
		problems = append(problems, Problem{Field: "CLASSIFIER_TIMEOUT_MS", Message: "CLASSIFIER_TIMEOUT_MS must be 1-3000"})
		cfg.ClassifierTimeoutMS = 3000
	}
	if cfg.ClassifierRetryMax < 0 || cfg.ClassifierRetryMax > 1 {
		problems = append(problems, Problem{Field: "CLASSIFIER_RETRY_MAX", Message: "CLASSIFIER_RETRY_MAX must be 0 or 1"})
		cfg.ClassifierRetryMax = 1
	}
	if cfg.VoiceTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "VOICE_TIMEOUT_MS", Message: "VOICE_TIMEOUT_MS must be > 0"})
		cfg.VoiceTimeoutMS = 15000
	}
	if cfg.MessagingTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "MESSAGING_TIMEOUT_MS", Message: "MESSAGING_TIMEOUT_MS must be > 0"})
		cfg.MessagingTimeoutMS = 5000
	}
	if cfg.CarrierTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "CARRIER_TIMEOUT_MS", Message: "CARRIER_TIMEOUT_MS must be > 0"})
		cfg.CarrierTimeoutMS = 8000
	}
	if cfg.TokenTTLHours <= 0 {
		problems = append(problems, Problem{Field: "TOKEN_TTL_HOURS", Message: "TOKEN_TTL_HOURS must be > 0"})
		cfg.TokenTTLHours = 48
	}
	if cfg.ResolutionWindowHours <= 0 {
		problems = append(problems, Problem{Field: "RESOLUTION_WINDOW_HOURS", Message: "RESOLUTION_WINDOW_HOURS must be > 0"})
		cfg.ResolutionWindowHours = 48
	}
	if cfg.DedupeWindowHours <= 0 {
		problems = append(problems, Problem{Field: "DEDUPE_WINDOW_HOURS", Message: "DEDUPE_WINDOW_HOURS must be > 0"})
		cfg.DedupeWindowHours = 24
	}
	if cfg.ActionRetryMax < 0 {
		problems = append(problems, Problem{Field: "ACTION_RETRY_MAX", Message: "ACTION_RETRY_MAX must be >= 0"})
		cfg.ActionRetryMax = 3
	}
	if cfg.SweepIntervalMinutes <= 0 {
		problems = append(problems, Problem{Field: "SWEEP_INTERVAL_MINUTES", Message: "SWEEP_INTERVAL_MINUTES must be > 0"})
		cfg.SweepIntervalMinutes = 15
	}
	if cfg.SweepBatchSize <= 0 {
		problems = append(problems, Problem{Field: "SWEEP_BATCH_SIZE", Message: "SWEEP_BATCH_SIZE must be > 0"})
		cfg.SweepBatchSize = 100
	}
	if cfg.BookingRetryMax <= 0 {
		problems = append(problems, Problem{Field: "BOOKING_RETRY_MAX", Message: "BOOKING_RETRY_MAX must be > 0"})
		cfg.BookingRetryMax = 5
	}
	if cfg.WorkflowCacheTTLSec <= 0 {
		problems = append(problems, Problem{Field: "WORKFLOW_CACHE_TTL_SECONDS", Message: "WORKFLOW_CACHE_TTL_SECONDS must be > 0"})
		cfg.WorkflowCacheTTLSec = 60
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func (c Config) ResolutionWindow() time.Duration {
	return time.Duration(c.ResolutionWindowHours) * time.Hour
}

func (c Config) DedupeWindow() time.Duration {
	return time.Duration(c.DedupeWindowHours) * time.Hour
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}

	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}

	applyEnvInt(problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)
	if v := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); v != "" {
		cfg.CORSAllowedOrigins = parseCSV(v)
	}
	applyEnvInt(problems, "PUBLIC_RATE_LIMIT_RPS", &cfg.PublicRateLimitRPS)
	applyEnvInt(problems, "PUBLIC_RATE_LIMIT_BURST", &cfg.PublicRateLimitBurst)
	applyEnvString("OIDC_ISSUER", &cfg.OIDCIssuer)
	applyEnvString("OIDC_AUDIENCE", &cfg.OIDCAudience)
	applyEnvString("OIDC_JWKS_URL", &cfg.OIDCJWKSURL)
	applyEnvInt(problems, "JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds)
	applyEnvInt(problems, "JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec)
	applyEnvString("DATABASE_URL", &cfg.DatabaseURL)
	applyEnvInt(problems, "DB_MAX_CONNS", &cfg.DBMaxConns)
	applyEnvInt(problems, "DB_MIN_CONNS", &cfg.DBMinConns)
	applyEnvInt(problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	applyEnvInt(problems, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	applyEnvString("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	applyEnvString("KAFKA_CONSUMER_GROUP", &cfg.KafkaGroupID)
	applyEnvInt(problems, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	applyEnvInt(problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)

	applyEnvString("REDIS_ADDR", &cfg.RedisAddr)
	applyEnvSecret("REDIS_PASSWORD", &cfg.RedisPassword)
	applyEnvInt(problems, "REDIS_DB", &cfg.RedisDB)

	applyEnvString("ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr)
	applyEnvSecret("ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass)
	applyEnvInt(problems, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	applyEnvString("ASYNQ_QUEUE", &cfg.AsynqQueue)
	applyEnvInt(problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)

	applyEnvInt(problems, "OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec)
	applyEnvInt(problems, "OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	applyEnvInt(problems, "OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)

	applyEnvString("INFLUX_URL", &cfg.InfluxURL)
	applyEnvSecret("INFLUX_TOKEN", &cfg.InfluxToken)
	applyEnvString("INFLUX_ORG", &cfg.InfluxOrg)
	applyEnvString("INFLUX_BUCKET", &cfg.InfluxBucket)
	applyEnvInt(problems, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)

	applyEnvString("CLASSIFIER_URL", &cfg.ClassifierURL)
	applyEnvInt(problems, "CLASSIFIER_TIMEOUT_MS", &cfg.ClassifierTimeoutMS)
	applyEnvInt(problems, "CLASSIFIER_RETRY_MAX", &cfg.ClassifierRetryMax)
	applyEnvBool(problems, "CLASSIFIER_ENABLED", &cfg.ClassifierEnabled)

	applyEnvString("VOICE_GATEWAY_URL", &cfg.VoiceGatewayURL)
	applyEnvInt(problems, "VOICE_TIMEOUT_MS", &cfg.VoiceTimeoutMS)
	applyEnvString("MESSAGING_URL", &cfg.MessagingURL)
	applyEnvInt(problems, "MESSAGING_TIMEOUT_MS", &cfg.MessagingTimeoutMS)
	applyEnvString("ADDRESS_TEMPLATE_ID", &cfg.AddressTemplateID)

	applyEnvString("CARRIER_API_URL", &cfg.CarrierAPIURL)
	applyEnvSecret("CARRIER_API_TOKEN", &cfg.CarrierAPIToken)
	applyEnvInt(problems, "CARRIER_TIMEOUT_MS", &cfg.CarrierTimeoutMS)

	applyEnvSecret("TOKEN_SIGNING_SECRET", &cfg.TokenSigningSecret)
	applyEnvInt(problems, "TOKEN_TTL_HOURS", &cfg.TokenTTLHours)
	applyEnvString("ADDRESS_UPDATE_BASE_URL", &cfg.AddressUpdateBaseURL)

	applyEnvInt(problems, "RESOLUTION_WINDOW_HOURS", &cfg.ResolutionWindowHours)
	applyEnvInt(problems, "DEDUPE_WINDOW_HOURS", &cfg.DedupeWindowHours)
	applyEnvInt(problems, "ACTION_RETRY_MAX", &cfg.ActionRetryMax)
	applyEnvInt(problems, "SWEEP_INTERVAL_MINUTES", &cfg.SweepIntervalMinutes)
	applyEnvInt(problems, "SWEEP_BATCH_SIZE", &cfg.SweepBatchSize)
	applyEnvInt(problems, "BOOKING_RETRY_MAX", &cfg.BookingRetryMax)
	applyEnvInt(problems, "WORKFLOW_CACHE_TTL_SECONDS", &cfg.WorkflowCacheTTLSec)

	applyEnvBool(problems, "OTEL_ENABLED", &cfg.OtelEnabled)
	applyEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OtelEndpoint)
	applyEnvBool(problems, "OTEL_EXPORTER_OTLP_INSECURE", &cfg.OtelInsecure)
	if v := strings.TrimSpace(os.Getenv("OTEL_SAMPLE_RATIO")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err != nil {
			*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be a number"})
		} else {
			cfg.OtelSampleRatio = f
		}
	}
}

func applyEnvString(key string, dest *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dest = v
	}
}

// Secrets are applied verbatim, without trimming.
func applyEnvSecret(key string, dest *string) {
	if v := os.Getenv(key); v != "" {
		*dest = v
	}
}

func applyEnvInt(problems *[]Problem, key string, dest *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dest = n
}

func applyEnvBool(problems *[]Problem, key string, dest *bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	b, ok := asBool(v)
	if !ok {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
		return
	}
	*dest = b
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch key {
		case "ENV", "SERVICE_NAME", "LOG_LEVEL", "OIDC_ISSUER", "OIDC_AUDIENCE", "OIDC_JWKS_URL",
			"DATABASE_URL", "KAFKA_CLIENT_ID", "KAFKA_CONSUMER_GROUP", "REDIS_ADDR",
			"ASYNQ_REDIS_ADDR", "ASYNQ_QUEUE", "INFLUX_URL", "INFLUX_ORG", "INFLUX_BUCKET",
			"CLASSIFIER_URL", "VOICE_GATEWAY_URL", "MESSAGING_URL", "ADDRESS_TEMPLATE_ID",
			"CARRIER_API_URL", "ADDRESS_UPDATE_BASE_URL", "OTEL_EXPORTER_OTLP_ENDPOINT":
			applyMapString(v, stringField(cfg, key))
		case "REDIS_PASSWORD", "ASYNQ_REDIS_PASSWORD", "INFLUX_TOKEN", "CARRIER_API_TOKEN", "TOKEN_SIGNING_SECRET":
			if s, ok := v.(string); ok {
				*stringField(cfg, key) = s
			}
		case "HTTP_PORT", "REQUEST_TIMEOUT_MS", "JWKS_CACHE_TTL_SECONDS", "JWT_CLOCK_SKEW_SECONDS",
			"DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_LIFETIME_SECONDS",
			"KAFKA_RETRY_MAX", "KAFKA_WRITE_TIMEOUT_MS", "REDIS_DB", "ASYNQ_REDIS_DB", "ASYNQ_CONCURRENCY",
			"OUTBOX_SCAN_INTERVAL_SECONDS", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_ATTEMPTS", "INFLUX_TIMEOUT_MS",
			"CLASSIFIER_TIMEOUT_MS", "CLASSIFIER_RETRY_MAX", "VOICE_TIMEOUT_MS", "MESSAGING_TIMEOUT_MS",
			"CARRIER_TIMEOUT_MS", "TOKEN_TTL_HOURS", "RESOLUTION_WINDOW_HOURS", "DEDUPE_WINDOW_HOURS",
			"ACTION_RETRY_MAX", "SWEEP_INTERVAL_MINUTES", "SWEEP_BATCH_SIZE", "BOOKING_RETRY_MAX",
			"WORKFLOW_CACHE_TTL_SECONDS", "PUBLIC_RATE_LIMIT_RPS", "PUBLIC_RATE_LIMIT_BURST":
			if n, ok := asInt(v); ok {
				*intField(cfg, key) = n
			} else {
				*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			}
		case "CLASSIFIER_ENABLED", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_INSECURE":
			applyMapBool(problems, key, v, boolField(cfg, key))
		case "KAFKA_BROKERS":
			if s, ok := v.(string); ok {
				cfg.KafkaBrokers = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.KafkaBrokers = parseAnyCSV(arr)
			}
		case "CORS_ALLOWED_ORIGINS":
			if s, ok := v.(string); ok {
				cfg.CORSAllowedOrigins = parseCSV(s)
			} else if arr, ok := v.([]any); ok {
				cfg.CORSAllowedOrigins = parseAnyCSV(arr)
			}
		case "OTEL_SAMPLE_RATIO":
			if f, ok := asFloat(v); ok {
				cfg.OtelSampleRatio = f
			} else {
				*problems = append(*problems, Problem{Field: key, Message: "OTEL_SAMPLE_RATIO must be a number"})
			}
		}
	}
}

func stringField(cfg *Config, key string) *string {
	switch key {
	case "ENV":
		return &cfg.Env
	case "SERVICE_NAME":
		return &cfg.ServiceName
	case "LOG_LEVEL":
		return &cfg.LogLevel
	case "OIDC_ISSUER":
		return &cfg.OIDCIssuer
	case "OIDC_AUDIENCE":
		return &cfg.OIDCAudience
	case "OIDC_JWKS_URL":
		return &cfg.OIDCJWKSURL
	case "DATABASE_URL":
		return &cfg.DatabaseURL
	case "KAFKA_CLIENT_ID":
		return &cfg.KafkaClientID
	case "KAFKA_CONSUMER_GROUP":
		return &cfg.KafkaGroupID
	case "REDIS_ADDR":
		return &cfg.RedisAddr
	case "REDIS_PASSWORD":
		return &cfg.RedisPassword
	case "ASYNQ_REDIS_ADDR":
		return &cfg.AsynqRedisAddr
	case "ASYNQ_REDIS_PASSWORD":
		return &cfg.AsynqRedisPass
	case "ASYNQ_QUEUE":
		return &cfg.AsynqQueue
	case "INFLUX_URL":
		return &cfg.InfluxURL
	case "INFLUX_TOKEN":
		return &cfg.InfluxToken
	case "INFLUX_ORG":
		return &cfg.InfluxOrg
	case "INFLUX_BUCKET":
		return &cfg.InfluxBucket
	case "CLASSIFIER_URL":
		return &cfg.ClassifierURL
	case "VOICE_GATEWAY_URL":
		return &cfg.VoiceGatewayURL
	case "MESSAGING_URL":
		return &cfg.MessagingURL
	case "ADDRESS_TEMPLATE_ID":
		return &cfg.AddressTemplateID
	case "CARRIER_API_URL":
		return &cfg.CarrierAPIURL
	case "CARRIER_API_TOKEN":
		return &cfg.CarrierAPIToken
	case "TOKEN_SIGNING_SECRET":
		return &cfg.TokenSigningSecret
	case "ADDRESS_UPDATE_BASE_URL":
		return &cfg.AddressUpdateBaseURL
	case "OTEL_EXPORTER_OTLP_ENDPOINT":
		return &cfg.OtelEndpoint
	}
	panic("config: unknown string key " + key)
}

func intField(cfg *Config, key string) *int {
	switch key {
	case "HTTP_PORT":
		return &cfg.HTTPPort
	case "REQUEST_TIMEOUT_MS":
		return &cfg.RequestTimeoutMS
	case "JWKS_CACHE_TTL_SECONDS":
		return &cfg.JWKSTTLSeconds
	case "JWT_CLOCK_SKEW_SECONDS":
		return &cfg.JWTClockSkewSec
	case "DB_MAX_CONNS":
		return &cfg.DBMaxConns
	case "DB_MIN_CONNS":
		return &cfg.DBMinConns
	case "DB_CONN_MAX_IDLE_SECONDS":
		return &cfg.DBConnMaxIdleSec
	case "DB_CONN_MAX_LIFETIME_SECONDS":
		return &cfg.DBConnMaxLifeSec
	case "KAFKA_RETRY_MAX":
		return &cfg.KafkaRetryMax
	case "KAFKA_WRITE_TIMEOUT_MS":
		return &cfg.KafkaWriteMS
	case "REDIS_DB":
		return &cfg.RedisDB
	case "ASYNQ_REDIS_DB":
		return &cfg.AsynqRedisDB
	case "ASYNQ_CONCURRENCY":
		return &cfg.AsynqConcurrency
	case "OUTBOX_SCAN_INTERVAL_SECONDS":
		return &cfg.OutboxScanSec
	case "OUTBOX_BATCH_SIZE":
		return &cfg.OutboxBatchSize
	case "OUTBOX_MAX_ATTEMPTS":
		return &cfg.OutboxMaxAttempts
	case "INFLUX_TIMEOUT_MS":
		return &cfg.InfluxTimeoutMS
	case "CLASSIFIER_TIMEOUT_MS":
		return &cfg.ClassifierTimeoutMS
	case "CLASSIFIER_RETRY_MAX":
		return &cfg.ClassifierRetryMax
	case "VOICE_TIMEOUT_MS":
		return &cfg.VoiceTimeoutMS
	case "MESSAGING_TIMEOUT_MS":
		return &cfg.MessagingTimeoutMS
	case "CARRIER_TIMEOUT_MS":
		return &cfg.CarrierTimeoutMS
	case "TOKEN_TTL_HOURS":
		return &cfg.TokenTTLHours
	case "RESOLUTION_WINDOW_HOURS":
		return &cfg.ResolutionWindowHours
	case "DEDUPE_WINDOW_HOURS":
		return &cfg.DedupeWindowHours
	case "ACTION_RETRY_MAX":
		return &cfg.ActionRetryMax
	case "SWEEP_INTERVAL_MINUTES":
		return &cfg.SweepIntervalMinutes
	case "SWEEP_BATCH_SIZE":
		return &cfg.SweepBatchSize
	case "BOOKING_RETRY_MAX":
		return &cfg.BookingRetryMax
	case "WORKFLOW_CACHE_TTL_SECONDS":
		return &cfg.WorkflowCacheTTLSec
	case "PUBLIC_RATE_LIMIT_RPS":
		return &cfg.PublicRateLimitRPS
	case "PUBLIC_RATE_LIMIT_BURST":
		return &cfg.PublicRateLimitBurst
	}
	panic("config: unknown int key " + key)
}

func boolField(cfg *Config, key string) *bool {
	switch key {
	case "CLASSIFIER_ENABLED":
		return &cfg.ClassifierEnabled
	case "OTEL_ENABLED":
		return &cfg.OtelEnabled
	case "OTEL_EXPORTER_OTLP_INSECURE":
		return &cfg.OtelInsecure
	}
	panic("config: unknown bool key " + key)
}

func applyMapString(v any, dest *string) {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		*dest = strings.TrimSpace(s)
	}
}

func applyMapBool(problems *[]Problem, key string, v any, dest *bool) {
	switch t := v.(type) {
	case bool:
		*dest = t
	case string:
		if b, ok := asBool(t); ok {
			*dest = b
		} else {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
		}
	default:
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
