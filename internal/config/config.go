package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
)

type APIConfig struct {
	Addr     string `env:"EGGSYNC_ADDR" envDefault:":8080"`
	Port     string `env:"PORT"`
	DBDriver string `env:"EGGSYNC_DB_DRIVER" envDefault:"postgres"`

	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"EGGSYNC_SQLITE_PATH" envDefault:"eggsync.sqlite3"`
	MySQLDSN    string `env:"EGGSYNC_MYSQL_DSN"`

	JWTSecret   string `env:"EGGSYNC_JWT_SECRET"`
	JWTIssuer   string `env:"EGGSYNC_JWT_ISSUER"`
	JWTAudience string `env:"EGGSYNC_JWT_AUDIENCE"`

	// UpstreamBaseURL points at a gateway that speaks JSON first contact. The
	// game's own servers take base64 protobuf forms, so there is no default.
	UpstreamBaseURL  string        `env:"EGGSYNC_UPSTREAM_BASE_URL"`
	UpstreamTimeout  time.Duration `env:"EGGSYNC_UPSTREAM_TIMEOUT" envDefault:"15s"`
	UpstreamMaxTries uint          `env:"EGGSYNC_UPSTREAM_MAX_TRIES" envDefault:"3"`
	ClientVersion    int           `env:"EGGSYNC_CLIENT_VERSION" envDefault:"70"`

	MinFetchInterval time.Duration `env:"EGGSYNC_MIN_FETCH_INTERVAL" envDefault:"5m"`
	RefreshLeaseTTL  time.Duration `env:"EGGSYNC_REFRESH_LEASE_TTL" envDefault:"2m"`

	LogLevel     string `env:"EGGSYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"EGGSYNC_LOG_FORMAT" envDefault:"json"`
	OTELEndpoint string `env:"EGGSYNC_OTEL_ENDPOINT"`
}

// CLIConfig leaves APIBaseURL empty when unset so the URL saved at login can
// take over.
type CLIConfig struct {
	APIBaseURL string `env:"EGGSYNC_API_BASE_URL"`
}

func LoadAPIFromEnv() (APIConfig, error) {
	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if port := strings.TrimSpace(cfg.Port); port != "" {
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		cfg.Addr = port
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.UpstreamBaseURL = strings.TrimRight(strings.TrimSpace(cfg.UpstreamBaseURL), "/")

	switch cfg.DBDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return cfg, errors.New("DATABASE_URL is required")
		}
	case DriverSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return cfg, errors.New("EGGSYNC_SQLITE_PATH is required")
		}
	case DriverMySQL:
		if strings.TrimSpace(cfg.MySQLDSN) == "" {
			return cfg, errors.New("EGGSYNC_MYSQL_DSN is required")
		}
	default:
		return cfg, fmt.Errorf("EGGSYNC_DB_DRIVER must be postgres, sqlite or mysql, got %q", cfg.DBDriver)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return cfg, errors.New("EGGSYNC_JWT_SECRET is required")
	}
	if cfg.UpstreamBaseURL == "" {
		return cfg, errors.New("EGGSYNC_UPSTREAM_BASE_URL is required")
	}
	if cfg.MinFetchInterval <= 0 {
		return cfg, errors.New("EGGSYNC_MIN_FETCH_INTERVAL must be positive")
	}
	return cfg, nil
}

func LoadCLIFromEnv() (CLIConfig, error) {
	var cfg CLIConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	return cfg, nil
}
