package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the runtime environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Config holds all service configuration
type Config struct {
	Environment Environment
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Payment     PaymentConfig
	Upstream    UpstreamConfig
	RateLimit   RateLimitConfig
	Mutex       MutexConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// RedisConfig holds the key-value store configuration used for the
// distributed mutex, idempotency cache, challenges and rate counters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PaymentConfig holds payment network configuration.
// Network selects mainnet vs devnet; all value movements use one
// account-based chain with SPL tokens.
type PaymentConfig struct {
	Network         string
	TreasuryWallet  string
	Mint            string
	FacilitatorURL  string
	RPCURL          string
	FundedWalletKey string // base58 keypair funding reward disbursements
	RefundWalletKey string // base58 keypair funding automatic refunds
}

// UpstreamConfig bounds outbound dispatch to offer upstreams.
type UpstreamConfig struct {
	APIBase          string
	Timeout          time.Duration
	MaxResponseBytes int64
}

// RateLimitConfig holds per-wallet rate limiting configuration
type RateLimitConfig struct {
	Enabled       bool
	WindowSeconds int
	ChargeMax     int
	RewardMax     int
}

// MutexConfig holds distributed mutex tuning for the payment pipeline
type MutexConfig struct {
	TTL        time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Load loads configuration from environment variables
func Load() *Config {
	// Default to production for security - explicit opt-in to development mode
	env := Environment(getEnv("ENV", "production"))
	if env != EnvDevelopment && env != EnvProduction && env != EnvTest {
		env = EnvProduction
	}

	return &Config{
		Environment: env,
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "blinkgate"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "blinkgate"),
			SSLMode:  getEnv("DB_SSLMODE", "require"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Payment: PaymentConfig{
			Network:         getEnv("PAYMENT_NETWORK", "solana"),
			TreasuryWallet:  getEnv("TREASURY_WALLET", ""),
			Mint:            getEnv("PAYMENT_MINT", USDCMainnetMint),
			FacilitatorURL:  getEnv("FACILITATOR_URL", "https://facilitator.payai.network"),
			RPCURL:          getEnv("RPC_URL", "https://api.mainnet-beta.solana.com"),
			FundedWalletKey: getEnv("FUNDED_WALLET_KEY", ""),
			RefundWalletKey: getEnv("REFUND_WALLET_KEY", ""),
		},
		Upstream: UpstreamConfig{
			APIBase:          getEnv("UPSTREAM_API_BASE", "http://localhost:3000"),
			Timeout:          getDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			MaxResponseBytes: int64(getInt("UPSTREAM_MAX_RESPONSE_BYTES", 10<<20)),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getBool("RATE_LIMIT_ENABLED", true),
			WindowSeconds: getInt("RATE_LIMIT_WINDOW_SECONDS", 3600),
			ChargeMax:     getInt("RATE_LIMIT_CHARGE_MAX", 10),
			RewardMax:     getInt("RATE_LIMIT_REWARD_MAX", 5),
		},
		Mutex: MutexConfig{
			TTL:        getDuration("PAYMENT_MUTEX_TTL", 15*time.Second),
			MaxRetries: getInt("PAYMENT_MUTEX_MAX_RETRIES", 5),
			RetryDelay: getDuration("PAYMENT_MUTEX_RETRY_DELAY", 200*time.Millisecond),
		},
	}
}

// USDCMainnetMint is the USDC mint address on Solana mainnet.
const USDCMainnetMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// NativeMint is the sentinel mint used for native SOL payments.
const NativeMint = "So11111111111111111111111111111111111111112"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validate checks that all required configuration is present.
// In production, missing critical values will return an error.
// In development, insecure defaults are tolerated.
func (c *Config) Validate() error {
	var errs []string

	if c.Payment.TreasuryWallet == "" && c.Environment == EnvProduction {
		errs = append(errs, "TREASURY_WALLET is required in production")
	}

	if c.Database.Password == "" && c.Environment == EnvProduction {
		errs = append(errs, "DB_PASSWORD is required in production")
	}

	if c.Environment == EnvProduction {
		if c.Payment.RefundWalletKey == "" {
			errs = append(errs, "REFUND_WALLET_KEY is required in production")
		}
		if c.Payment.RPCURL == "" {
			errs = append(errs, "RPC_URL is required in production")
		}
	}

	if c.Upstream.MaxResponseBytes <= 0 {
		errs = append(errs, "UPSTREAM_MAX_RESPONSE_BYTES must be positive")
	}

	if c.Mutex.MaxRetries < 0 {
		errs = append(errs, "PAYMENT_MUTEX_MAX_RETRIES cannot be negative")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
