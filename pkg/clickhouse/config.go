package clickhouse

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds the configuration for a ClickHouse client. The sync service
// only keeps small cursor and audit tables here, so the block/buffer tuning
// stays at conservative defaults.
type Config struct {
	Addresses          []string `env:"CLICKHOUSE_ADDRESSES" envSeparator:"," envDefault:"localhost:9000"`
	Database           string   `env:"CLICKHOUSE_DATABASE" envDefault:"default"`
	Username           string   `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	Password           string   `env:"CLICKHOUSE_PASSWORD" envDefault:""`
	InsecureSkipVerify bool     `env:"CLICKHOUSE_INSECURE_SKIP_VERIFY" envDefault:"true"`
	MaxExecutionTime   int      `env:"CLICKHOUSE_MAX_EXECUTION_TIME" envDefault:"60"` // seconds
	DialTimeout        int      `env:"CLICKHOUSE_DIAL_TIMEOUT" envDefault:"30"`       // seconds
	MaxOpenConns       int      `env:"CLICKHOUSE_MAX_OPEN_CONNS" envDefault:"5"`
	MaxIdleConns       int      `env:"CLICKHOUSE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime    int      `env:"CLICKHOUSE_CONN_MAX_LIFETIME" envDefault:"10"` // minutes
	ClientName         string   `env:"CLICKHOUSE_CLIENT_NAME" envDefault:"marketplace-sync"`
	ClientVersion      string   `env:"CLICKHOUSE_CLIENT_VERSION" envDefault:"1.0"`
}

// Load reads the ClickHouse configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse clickhouse config: %w", err)
	}
	return cfg, nil
}
