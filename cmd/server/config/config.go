package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig holds the process-level settings of the checkout server.
type AppConfig struct {
	Env               string
	LogLevel          string
	DatabaseURL       string
	HTTPAddr          string
	GRPCAddr          string
	PaymentBaseURL    string
	WebhookSecret     string
	WebhookTolerance  time.Duration
	LockTimeout       time.Duration
	ReconcileInterval time.Duration
	OutboxInterval    time.Duration
	OutboxBatchSize   int
	// Sweeper runs the resume and reconcile loop. Enable it on one replica only.
	Sweeper           bool
}

// RedisConfig holds the connection settings of the outbox Redis stream sink. An empty
// URL disables the sink.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EventTTL           time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// BrokerConfig holds the optional sinks of the outbox relay.
type BrokerConfig struct {
	AMQPURL      string
	AMQPExchange string
	KafkaBrokers []string
	KafkaTopic   string
	JournalPath  string
}

// GRPCConfig holds ingress rate limiting settings. A zero interval disables limiting.
type GRPCConfig struct {
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// LoadApp reads the server settings from env. PAYMENT_WEBHOOK_SECRET is required; an
// empty DATABASE_URL selects the in-memory stores.
func LoadApp() (AppConfig, error) {
	cfg := AppConfig{
		Env:            stringOr("APP_ENV", "development"),
		LogLevel:       stringOr("LOG_LEVEL", "info"),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTPAddr:       stringOr("HTTP_ADDR", ":8080"),
		GRPCAddr:       stringOr("GRPC_ADDR", ":50051"),
		PaymentBaseURL: stringOr("PAYMENT_BASE_URL", "https://payments.sandbox.local"),
	}

	var err error
	if cfg.WebhookSecret, err = requiredString("PAYMENT_WEBHOOK_SECRET"); err != nil {
		return cfg, err
	}
	if cfg.WebhookTolerance, err = durationOr("PAYMENT_WEBHOOK_TOLERANCE", 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.LockTimeout, err = durationOr("CHECKOUT_LOCK_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ReconcileInterval, err = durationOr("CHECKOUT_RECONCILE_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.OutboxInterval, err = durationOr("OUTBOX_INTERVAL", time.Second); err != nil {
		return cfg, err
	}
	if cfg.OutboxBatchSize, err = intOr("OUTBOX_BATCH_SIZE", 100); err != nil {
		return cfg, err
	}
	if cfg.Sweeper, err = boolOr("CHECKOUT_SWEEPER", true); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRedis reads Redis sink config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		URL:    strings.TrimSpace(os.Getenv("REDIS_URL")),
		Stream: stringOr("REDIS_STREAM", "checkout_events"),
	}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.EventTTL, err = durationOr("REDIS_EVENT_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	maxLen, err := intOr("REDIS_STREAM_MAXLEN", 10000)
	if err != nil {
		return cfg, err
	}
	cfg.StreamMaxLen = int64(maxLen)

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}
	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadBrokers reads the AMQP, Kafka and journal sink settings. Unset locations disable
// the sink.
func LoadBrokers() BrokerConfig {
	cfg := BrokerConfig{
		AMQPURL:      strings.TrimSpace(os.Getenv("AMQP_URL")),
		AMQPExchange: stringOr("AMQP_EXCHANGE", "checkout.events"),
		KafkaTopic:   stringOr("KAFKA_TOPIC", "checkout-events"),
		JournalPath:  strings.TrimSpace(os.Getenv("OUTBOX_JOURNAL_PATH")),
	}
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}
	return cfg
}

// LoadGRPC reads gRPC ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := durationOr("GRPC_RATE_LIMIT_INTERVAL", 0)
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := intOr("GRPC_RATE_LIMIT_BURST", 0)
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() ObservabilityConfig {
	return ObservabilityConfig{Addr: stringOr("OBS_ADDR", ":9090")}
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}
	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}
	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func stringOr(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func intOr(name string, def int) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func boolOr(name string, def bool) (bool, error) {
	if strings.TrimSpace(os.Getenv(name)) == "" {
		return def, nil
	}
	return optionalBool(name)
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}
