package mocks

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

// Conn is a mock implementation of driver.Conn for testing repositories
// without a live ClickHouse.
type Conn struct {
	mock.Mock
}

func (m *Conn) Contributors() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *Conn) ServerVersion() (*driver.ServerVersion, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.ServerVersion), args.Error(1)
}

func (m *Conn) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	callArgs := append([]interface{}{ctx, query}, args...)
	return m.Called(callArgs...).Error(0)
}

func (m *Conn) Query(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	callArgs := append([]interface{}{ctx, query}, args...)
	result := m.Called(callArgs...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).(driver.Rows), result.Error(1)
}

func (m *Conn) QueryRow(ctx context.Context, query string, args ...interface{}) driver.Row {
	callArgs := append([]interface{}{ctx, query}, args...)
	result := m.Called(callArgs...)
	if result.Get(0) == nil {
		return nil
	}
	return result.Get(0).(driver.Row)
}

func (m *Conn) Exec(ctx context.Context, query string, args ...interface{}) error {
	callArgs := append([]interface{}{ctx, query}, args...)
	return m.Called(callArgs...).Error(0)
}

func (m *Conn) AsyncInsert(ctx context.Context, query string, wait bool, args ...interface{}) error {
	callArgs := append([]interface{}{ctx, query, wait}, args...)
	return m.Called(callArgs...).Error(0)
}

func (m *Conn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	callArgs := []interface{}{ctx, query}
	for _, opt := range opts {
		callArgs = append(callArgs, opt)
	}
	result := m.Called(callArgs...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).(driver.Batch), result.Error(1)
}

func (m *Conn) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Conn) Stats() driver.Stats {
	args := m.Called()
	if args.Get(0) == nil {
		return driver.Stats{}
	}
	return args.Get(0).(driver.Stats)
}

func (m *Conn) Close() error {
	return m.Called().Error(0)
}
