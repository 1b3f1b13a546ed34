package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	ProviderHTTP = "http"
	ProviderFake = "fake"
)

type Config struct {
	ListenAddr     string `env:"AEGIS_LISTEN_ADDR" default:":8080"`
	JobsListenAddr string `env:"AEGIS_JOBS_LISTEN_ADDR" default:":9090"`
	DatabaseURL    string `env:"AEGIS_DATABASE_URL"`
	MigrateOnStart bool   `env:"AEGIS_MIGRATE_ON_START" default:"true"`

	OrchestratorProvider string        `env:"AEGIS_ORCHESTRATOR_PROVIDER" default:"http"`
	AppSvcURL            string        `env:"AEGIS_APPSVC_URL"`
	AppSvcConnectTimeout time.Duration `env:"AEGIS_APPSVC_CONNECT_TIMEOUT" default:"3s"`
	AppSvcOpTimeout      time.Duration `env:"AEGIS_APPSVC_OP_TIMEOUT" default:"10s"`
	AppSvcRunTimeout     time.Duration `env:"AEGIS_APPSVC_RUN_TIMEOUT" default:"55s"`

	LogMode  string `env:"AEGIS_LOG_MODE" default:"dev"`
	LogLevel string `env:"AEGIS_LOG_LEVEL" default:"info"`

	OTelEnabled     bool    `env:"AEGIS_OTEL_ENABLED" default:"false"`
	OTelEndpoint    string  `env:"AEGIS_OTEL_ENDPOINT"`
	OTelSampleRatio float64 `env:"AEGIS_OTEL_SAMPLE_RATIO" default:"0.1"`

	StalePendingAfter time.Duration `env:"AEGIS_STALE_PENDING_AFTER" default:"5m"`
}

// LoadFromEnv reads an optional .env file and then the process environment.
func LoadFromEnv() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	cfg.OrchestratorProvider = strings.ToLower(strings.TrimSpace(cfg.OrchestratorProvider))
	cfg.AppSvcURL = strings.TrimRight(strings.TrimSpace(cfg.AppSvcURL), "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("AEGIS_DATABASE_URL is required")
	}
	if c.OrchestratorProvider != ProviderHTTP && c.OrchestratorProvider != ProviderFake {
		return fmt.Errorf("AEGIS_ORCHESTRATOR_PROVIDER must be one of http|fake")
	}
	if c.OrchestratorProvider == ProviderHTTP && c.AppSvcURL == "" {
		return fmt.Errorf("AEGIS_APPSVC_URL is required for http orchestrator provider")
	}
	if c.AppSvcConnectTimeout <= 0 || c.AppSvcOpTimeout <= 0 || c.AppSvcRunTimeout <= 0 {
		return fmt.Errorf("AEGIS_APPSVC_*_TIMEOUT values must be positive")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("AEGIS_OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	return nil
}
