// Package config содержит логику чтения конфигурации сервиса записи на курсы.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	GatewayZarinPal = "zarinpal"
	GatewaySandbox  = "sandbox"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AppEnv      string `env:"APP_ENV"`
	JWTSecret   string `env:"JWT_SECRET"`

	BackendURL  string `env:"BACKEND_URL"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`

	PaymentGateway     string        `env:"PAYMENT_GATEWAY" envDefault:"sandbox"`
	ZarinPalMerchantID string        `env:"ZARINPAL_MERCHANT_ID"`
	ZarinPalSandbox    bool          `env:"ZARINPAL_SANDBOX"`
	GatewayTimeout     time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	AMQPURL        string        `env:"AMQP_URL"`
	PendingTTL     time.Duration `env:"PENDING_TTL" envDefault:"24h"`
	ExpirySchedule string        `env:"EXPIRY_SCHEDULE" envDefault:"@every 10m"`
}

// IsProduction сообщает, запущен ли сервис в production-окружении.
func (c *Config) IsProduction() bool {
	return c.AppEnv == EnvProduction
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAppEnv := cfg.AppEnv

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AppEnv, "e", EnvDevelopment, "application environment (development|production)")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAppEnv != "" {
		cfg.AppEnv = envAppEnv
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.BackendURL == "" {
		cfg.BackendURL = "http://" + cfg.RunAddress
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность параметров.
func (c *Config) Validate() error {
	var errs []error

	if c.AppEnv != EnvDevelopment && c.AppEnv != EnvProduction {
		errs = append(errs, fmt.Errorf("unknown APP_ENV %q", c.AppEnv))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}

	switch c.PaymentGateway {
	case GatewaySandbox:
		if c.IsProduction() {
			errs = append(errs, errors.New("sandbox payment gateway is not allowed in production"))
		}
	case GatewayZarinPal:
		if c.ZarinPalMerchantID == "" {
			errs = append(errs, errors.New("ZARINPAL_MERCHANT_ID is required for the zarinpal gateway"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PAYMENT_GATEWAY %q", c.PaymentGateway))
	}

	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.PendingTTL < 0 {
		errs = append(errs, errors.New("PENDING_TTL must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
