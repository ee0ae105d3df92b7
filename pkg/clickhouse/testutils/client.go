// Package testutils provides a ClickHouse client over an injected connection
// so repository tests can run against a mock.
package testutils

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client mirrors the interface from pkg/clickhouse.
type Client interface {
	Conn() driver.Conn
	Ping(ctx context.Context) error
	Close() error
}

// NewTestClient creates a client backed by the provided connection.
func NewTestClient(conn driver.Conn) Client {
	return &testClient{conn: conn}
}

type testClient struct {
	conn driver.Conn
}

func (c *testClient) Conn() driver.Conn {
	return c.conn
}

func (c *testClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *testClient) Close() error {
	return c.conn.Close()
}
