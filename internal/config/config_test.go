package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "0.3", cfg.Domain.AdvanceRate.String())
	assert.Equal(t, "0.1", cfg.Domain.CommissionRate.String())
	assert.Equal(t, "0.08", cfg.Domain.TaxRate.String())
	assert.Equal(t, 48*time.Hour, cfg.Domain.HoldWindow())
	assert.Equal(t, 48*time.Hour, cfg.Domain.CancellationWindow())
	assert.Equal(t, 60*time.Second, cfg.Domain.InstantRequestTTL)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("COMMISSION_RATE", "0.15")
	t.Setenv("HOLD_WINDOW_HOURS", "24")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "0.15", cfg.Domain.CommissionRate.String())
	assert.Equal(t, 24*time.Hour, cfg.Domain.HoldWindow())
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigRejectsBadRates(t *testing.T) {
	t.Setenv("TAX_RATE", "1.5")
	t.Setenv("MATCHER_MAX_CANDIDATES", "0")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TAX_RATE")
	assert.Contains(t, err.Error(), "MATCHER_MAX_CANDIDATES")
}

func TestLoadServerConfigParseError(t *testing.T) {
	t.Setenv("INSTANT_REQUEST_TTL", "soon")
	_, err := LoadServerConfig()
	assert.Error(t, err)
}

func TestLoadConsumerConfigDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "freelancer-locations", cfg.Topic)
	assert.Equal(t, "freelancers_geo", cfg.RedisGeoKey)
	assert.Equal(t, 2, cfg.AlertWorkers)
}
