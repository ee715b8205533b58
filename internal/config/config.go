package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr          string        `env:"GATEWAY_ADDR" envDefault:":8686"`
	UpstreamURL   string        `env:"UPSTREAM_URL" envDefault:"http://localhost:9000"`
	RedisURL      string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	SessionSecret string        `env:"GATEWAY_SESSION_SECRET" envDefault:"mosaic-dev-secret"`
	SessionTTL    time.Duration `env:"GATEWAY_SESSION_TTL" envDefault:"12h"`
	CORSOrigin    string        `env:"GATEWAY_CORS_ORIGIN" envDefault:"*"`

	// Upstream call and retry behavior.
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
	LoadRetryMax    int           `env:"LOAD_RETRY_MAX" envDefault:"3"`
	LoadRetryDelay  time.Duration `env:"LOAD_RETRY_DELAY" envDefault:"2s"`
	SubmitLockTTL   time.Duration `env:"SUBMIT_LOCK_TTL" envDefault:"60s"`

	// Login surfaces the guard redirects to.
	OperatorLoginURL string `env:"OPERATOR_LOGIN_URL" envDefault:"/login"`
	AdminLoginURL    string `env:"ADMIN_LOGIN_URL" envDefault:"/superadmin/login"`

	// Object store for draft attachment staging. Staging falls back to
	// process memory when the endpoint is left empty.
	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"mosaic-staging"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
