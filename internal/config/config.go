package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/example/freelance-dispatch/internal/escrow"
)

// ServerConfig captures all tunable parameters for the API process.
// Values come from environment variables with defaults so the binary can
// run locally without Redis, Kafka or Postgres.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"freelancers_geo"`

	KafkaBrokers        []string `envconfig:"KAFKA_BROKERS"`
	KafkaEventsTopic    string   `envconfig:"KAFKA_EVENTS_TOPIC" default:"dispatch-events"`
	KafkaLocationsTopic string   `envconfig:"KAFKA_LOCATIONS_TOPIC" default:"freelancer-locations"`

	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"dispatch.events"`

	PGDSN         string `envconfig:"PG_DSN"`
	RunMigrations bool   `envconfig:"MIGRATE"`

	StripeAPIKey string `envconfig:"STRIPE_API_KEY"`
	Currency     string `envconfig:"CURRENCY" default:"usd"`

	PushEndpoint string `envconfig:"PUSH_ENDPOINT"`
	PushKey      string `envconfig:"PUSH_KEY"`
	OSRMEndpoint string `envconfig:"OSRM_ENDPOINT"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	Domain DomainConfig
}

// ConsumerConfig configures the location consumer and alert worker process.
type ConsumerConfig struct {
	MetricsAddr   string   `envconfig:"METRICS_ADDR" default:":2112"`
	KafkaBrokers  []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic         string   `envconfig:"KAFKA_LOCATIONS_TOPIC" default:"freelancer-locations"`
	Group         string   `envconfig:"KAFKA_GROUP" default:"freelance-dispatch-consumer"`
	RedisAddr     string   `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string   `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey   string   `envconfig:"REDIS_GEO_KEY" default:"freelancers_geo"`
	AlertWorkers  int      `envconfig:"ALERT_WORKERS" default:"2"`
	LogLevel      string   `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, errors.New("KAFKA_BROKERS is required")
	}
	return cfg, nil
}

// DomainConfig holds the settlement and matching parameters consumed by the core.
type DomainConfig struct {
	AdvanceRate             decimal.Decimal `envconfig:"ADVANCE_RATE" default:"0.30"`
	CommissionRate          decimal.Decimal `envconfig:"COMMISSION_RATE" default:"0.10"`
	TaxRate                 decimal.Decimal `envconfig:"TAX_RATE" default:"0.08"`
	HoldWindowHours         int             `envconfig:"HOLD_WINDOW_HOURS" default:"48"`
	InstantRequestRadiusKm  float64         `envconfig:"INSTANT_REQUEST_RADIUS_KM" default:"10"`
	CancellationWindowHours int             `envconfig:"CANCELLATION_WINDOW_HOURS" default:"48"`
	InstantRequestTTL       time.Duration   `envconfig:"INSTANT_REQUEST_TTL" default:"60s"`
	SweepInterval           time.Duration   `envconfig:"SWEEP_INTERVAL" default:"1m"`
	MaxCandidates           int             `envconfig:"MATCHER_MAX_CANDIDATES" default:"20"`
	DefaultSpeedMps         float64         `envconfig:"DEFAULT_SPEED_MPS" default:"10"`
}

func (d DomainConfig) HoldWindow() time.Duration {
	return time.Duration(d.HoldWindowHours) * time.Hour
}

func (d DomainConfig) CancellationWindow() time.Duration {
	return time.Duration(d.CancellationWindowHours) * time.Hour
}

func (d DomainConfig) Rates() escrow.Rates {
	return escrow.Rates{AdvanceRate: d.AdvanceRate, CommissionRate: d.CommissionRate, TaxRate: d.TaxRate}
}

// DefaultDomainConfig returns the observed production parameters.
func DefaultDomainConfig() DomainConfig {
	return DomainConfig{
		AdvanceRate:             decimal.RequireFromString("0.30"),
		CommissionRate:          decimal.RequireFromString("0.10"),
		TaxRate:                 decimal.RequireFromString("0.08"),
		HoldWindowHours:         48,
		InstantRequestRadiusKm:  10,
		CancellationWindowHours: 48,
		InstantRequestTTL:       60 * time.Second,
		SweepInterval:           time.Minute,
		MaxCandidates:           20,
		DefaultSpeedMps:         10,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.Currency = strings.ToLower(cfg.Currency)
	return cfg, cfg.Validate()
}

func (c ServerConfig) Validate() error {
	var errs []error
	d := c.Domain
	one := decimal.NewFromInt(1)
	for name, rate := range map[string]decimal.Decimal{
		"ADVANCE_RATE":    d.AdvanceRate,
		"COMMISSION_RATE": d.CommissionRate,
		"TAX_RATE":        d.TaxRate,
	} {
		if rate.IsNegative() || rate.GreaterThan(one) {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %s", name, rate))
		}
	}
	if d.HoldWindowHours < 0 {
		errs = append(errs, fmt.Errorf("HOLD_WINDOW_HOURS must be >= 0"))
	}
	if d.CancellationWindowHours < 0 {
		errs = append(errs, fmt.Errorf("CANCELLATION_WINDOW_HOURS must be >= 0"))
	}
	if d.InstantRequestRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("INSTANT_REQUEST_RADIUS_KM must be > 0"))
	}
	if d.InstantRequestTTL <= 0 {
		errs = append(errs, fmt.Errorf("INSTANT_REQUEST_TTL must be > 0"))
	}
	if d.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if d.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_MAX_CANDIDATES must be > 0"))
	}
	return errors.Join(errs...)
}
