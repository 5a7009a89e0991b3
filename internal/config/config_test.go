package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, EnvProduction, cfg.Environment)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "solana", cfg.Payment.Network)
	assert.Equal(t, USDCMainnetMint, cfg.Payment.Mint)
	assert.Equal(t, int64(10<<20), cfg.Upstream.MaxResponseBytes)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.RateLimit.ChargeMax)
	assert.Equal(t, 5, cfg.RateLimit.RewardMax)
	assert.Equal(t, 15*time.Second, cfg.Mutex.TTL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("PORT", "9999")
	t.Setenv("RATE_LIMIT_CHARGE_MAX", "25")
	t.Setenv("PAYMENT_MUTEX_TTL", "30s")
	t.Setenv("UPSTREAM_TIMEOUT", "10s")

	cfg := Load()
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, 25, cfg.RateLimit.ChargeMax)
	assert.Equal(t, 30*time.Second, cfg.Mutex.TTL)
	assert.Equal(t, 10*time.Second, cfg.Upstream.Timeout)
}

func TestUnknownEnvironmentFallsBackToProduction(t *testing.T) {
	t.Setenv("ENV", "staging")
	cfg := Load()
	assert.Equal(t, EnvProduction, cfg.Environment)
}

func TestMalformedValuesKeepDefaults(t *testing.T) {
	t.Setenv("RATE_LIMIT_CHARGE_MAX", "lots")
	t.Setenv("PAYMENT_MUTEX_TTL", "soon")

	cfg := Load()
	assert.Equal(t, 10, cfg.RateLimit.ChargeMax)
	assert.Equal(t, 15*time.Second, cfg.Mutex.TTL)
}

func TestValidateProductionRequirements(t *testing.T) {
	t.Setenv("ENV", "production")
	cfg := Load()
	err := cfg.Validate()
	assert.ErrorContains(t, err, "TREASURY_WALLET")
	assert.ErrorContains(t, err, "DB_PASSWORD")
	assert.ErrorContains(t, err, "REFUND_WALLET_KEY")
}

func TestValidateDevelopmentTolerant(t *testing.T) {
	t.Setenv("ENV", "development")
	cfg := Load()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveResponseCap(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("UPSTREAM_MAX_RESPONSE_BYTES", "-1")
	cfg := Load()
	assert.ErrorContains(t, cfg.Validate(), "UPSTREAM_MAX_RESPONSE_BYTES")
}
