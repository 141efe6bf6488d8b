// Package config handles facilitator configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/x402flash/facilitator/internal/solana"
)

// Config holds all facilitator configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "text" or "json"
	FacilitatorURL string // Advertised in 402 responses
	CORSOrigins    []string
	UpstreamURL    string // Paid API origin; built-in sample endpoints when empty

	// Ledger
	SolanaRPCURL           string
	ProgramID              string
	FacilitatorKeypairPath string
	FacilitatorPrivateKey  string // base58 64-byte secret key, alternative to the keypair file
	RPCTimeout             time.Duration
	ConfirmAttempts        int
	ConfirmInterval        time.Duration

	// Agent credentials
	AgentCredentialSecret string

	// Session store
	RedisURL     string // Optional, uses in-memory if not set
	SessionTTL   time.Duration
	StoreTimeout time.Duration

	// Settlement history
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded migrations on startup

	// Settlement policy
	SettlementThreshold      uint64
	SettlementCheckInterval  time.Duration
	MetricsBroadcastInterval time.Duration

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerSuccessThreshold int

	// Priority fee oracle
	FeeUpdateInterval time.Duration
	FeeDefault        uint64 // micro-lamports per compute unit
	FeeMaxUSD         float64
	PriceFeedURL      string

	// Bridge
	BridgeURL              string
	BridgeConnection       string
	BridgeDestinationChain string
	BridgeTimeout          time.Duration

	// Merchant network
	MerchantAPIURL string
	MerchantAPIKey string

	// Settlement webhooks
	WebhookURLs    []string
	WebhookSecret  string
	WebhookTimeout time.Duration

	// Security
	WSConnectionsPerMinute int

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Defaults
const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
	DefaultSolanaRPCURL           = "https://api.devnet.solana.com"
	DefaultSettlementThreshold    = 100000
	DefaultSettlementInterval     = 5 * time.Second
	DefaultMetricsInterval        = time.Second
	DefaultSessionTTL             = time.Hour
	DefaultRPCTimeout             = 10 * time.Second
	DefaultStoreTimeout           = 3 * time.Second
	DefaultConfirmAttempts        = 30
	DefaultConfirmInterval        = time.Second
	DefaultFeeInterval            = 10 * time.Second
	DefaultFee                    = 5000
	DefaultFeeMaxUSD              = 0.01
	DefaultBridgeURL              = "https://api.atxp.ai/v1/settlements"
	DefaultBridgeDestinationChain = "ethereum"
	DefaultBridgeTimeout          = 30 * time.Second
	DefaultWebhookTimeout         = 10 * time.Second
	DefaultWSConnectionsPerMinute = 10
	DefaultCORSOrigin             = "http://localhost:3000"
	DefaultTraceSampleRatio       = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:              getEnvList("CORS_ORIGINS", []string{DefaultCORSOrigin}),
		UpstreamURL:              os.Getenv("UPSTREAM_URL"),
		SolanaRPCURL:             getEnv("SOLANA_RPC_URL", DefaultSolanaRPCURL),
		ProgramID:                os.Getenv("PROGRAM_ID"),
		FacilitatorKeypairPath:   os.Getenv("FACILITATOR_KEYPAIR_PATH"),
		FacilitatorPrivateKey:    os.Getenv("FACILITATOR_PRIVATE_KEY"),
		RPCTimeout:               getEnvDuration("RPC_TIMEOUT", DefaultRPCTimeout),
		ConfirmAttempts:          int(getEnvInt64("CONFIRM_ATTEMPTS", DefaultConfirmAttempts)),
		ConfirmInterval:          getEnvDuration("CONFIRM_INTERVAL", DefaultConfirmInterval),
		AgentCredentialSecret:    getEnv("AGENT_CREDENTIAL_SECRET", os.Getenv("VISA_TAP_JWT_SECRET")),
		RedisURL:                 os.Getenv("REDIS_URL"),
		SessionTTL:               getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		StoreTimeout:             getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		AutoMigrate:              getEnvBool("DATABASE_AUTO_MIGRATE", false),
		SettlementThreshold:      getEnvUint64("SETTLEMENT_THRESHOLD", DefaultSettlementThreshold),
		SettlementCheckInterval:  getEnvDuration("SETTLEMENT_CHECK_INTERVAL", DefaultSettlementInterval),
		MetricsBroadcastInterval: getEnvDuration("METRICS_BROADCAST_INTERVAL", DefaultMetricsInterval),
		BreakerFailureThreshold:  int(getEnvInt64("BREAKER_FAILURE_THRESHOLD", 5)),
		BreakerRecoveryTimeout:   getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		BreakerSuccessThreshold:  int(getEnvInt64("BREAKER_SUCCESS_THRESHOLD", 3)),
		FeeUpdateInterval:        getEnvDuration("FEE_UPDATE_INTERVAL", DefaultFeeInterval),
		FeeDefault:               getEnvUint64("FEE_DEFAULT_MICROLAMPORTS", DefaultFee),
		FeeMaxUSD:                getEnvFloat("FEE_MAX_USD", DefaultFeeMaxUSD),
		PriceFeedURL:             os.Getenv("PRICE_FEED_URL"),
		BridgeURL:                getEnv("BRIDGE_URL", DefaultBridgeURL),
		BridgeConnection:         getEnv("BRIDGE_CONNECTION", os.Getenv("ATXP_CONNECTION")),
		BridgeDestinationChain:   getEnv("BRIDGE_DESTINATION_CHAIN", DefaultBridgeDestinationChain),
		BridgeTimeout:            getEnvDuration("BRIDGE_TIMEOUT", DefaultBridgeTimeout),
		MerchantAPIURL:           os.Getenv("MERCHANT_API_URL"),
		MerchantAPIKey:           os.Getenv("MERCHANT_API_KEY"),
		WebhookURLs:              getEnvList("WEBHOOK_URLS", nil),
		WebhookSecret:            os.Getenv("WEBHOOK_SECRET"),
		WebhookTimeout:           getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		WSConnectionsPerMinute:   int(getEnvInt64("WS_CONNECTIONS_PER_MINUTE", DefaultWSConnectionsPerMinute)),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:         getEnvFloat("OTEL_TRACE_SAMPLE_RATIO", DefaultTraceSampleRatio),
	}
	cfg.FacilitatorURL = getEnv("FACILITATOR_URL", "http://localhost:"+cfg.Port)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present. A failure here
// is the only fatal error class: the process must not accept connections.
func (c *Config) Validate() error {
	var errs []error

	if c.AgentCredentialSecret == "" {
		errs = append(errs, fmt.Errorf("AGENT_CREDENTIAL_SECRET is required"))
	}
	if c.FacilitatorKeypairPath == "" && c.FacilitatorPrivateKey == "" {
		errs = append(errs, fmt.Errorf("FACILITATOR_KEYPAIR_PATH or FACILITATOR_PRIVATE_KEY is required"))
	}
	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	if c.ProgramID != "" {
		if _, err := solana.ParsePublicKey(c.ProgramID); err != nil {
			errs = append(errs, fmt.Errorf("PROGRAM_ID: %w", err))
		}
	}
	if c.SettlementThreshold == 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_THRESHOLD must be positive"))
	}
	if c.SettlementCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("SETTLEMENT_CHECK_INTERVAL must be positive"))
	}
	if c.FeeMaxUSD < 0 {
		errs = append(errs, fmt.Errorf("FEE_MAX_USD must not be negative"))
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACE_SAMPLE_RATIO must be between 0 and 1"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("5s") or bare milliseconds ("5000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
