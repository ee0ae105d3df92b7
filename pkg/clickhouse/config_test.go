package clickhouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9000"}, cfg.Addresses)
	assert.Equal(t, "default", cfg.Database)
	assert.Equal(t, "default", cfg.Username)
	assert.Equal(t, 60, cfg.MaxExecutionTime)
	assert.Equal(t, "marketplace-sync", cfg.ClientName)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CLICKHOUSE_ADDRESSES", "ch-1:9000,ch-2:9000")
	t.Setenv("CLICKHOUSE_DATABASE", "marketplace")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"ch-1:9000", "ch-2:9000"}, cfg.Addresses)
	assert.Equal(t, "marketplace", cfg.Database)
}
