// Package clickhouse wraps the ClickHouse connection used for cursor and
// audit persistence.
package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Client wraps the ClickHouse connection.
type Client interface {
	// Conn returns the underlying ClickHouse connection.
	Conn() driver.Conn
	// Ping checks the connection to ClickHouse.
	Ping(ctx context.Context) error
	// Close closes the connection.
	Close() error
}

const maxExecutionTime = "max_execution_time"

// Connection timeout for the initial ping during client creation.
const defaultPingTimeout = 10 * time.Second

type client struct {
	conn   driver.Conn
	logger *zap.SugaredLogger
}

// New creates a ClickHouse client and verifies connectivity with a ping. A
// failed ping is fatal: the service must not start with a dead store.
func New(cfg Config, sugar *zap.SugaredLogger) (Client, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		Settings: clickhouse.Settings{
			maxExecutionTime: cfg.MaxExecutionTime,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:      time.Duration(cfg.DialTimeout) * time.Second,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  time.Duration(cfg.ConnMaxLifetime) * time.Minute,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: cfg.ClientName, Version: cfg.ClientVersion},
			},
		},
		TLS: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		sugar.Errorw("failed to ping ClickHouse", "error", err)
		_ = conn.Close()
		return nil, err
	}

	return &client{conn: conn, logger: sugar}, nil
}

func (c *client) Conn() driver.Conn {
	return c.conn
}

func (c *client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *client) Close() error {
	return c.conn.Close()
}
