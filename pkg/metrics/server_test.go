package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func httpGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func TestServer_MetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SetProcessingSetSize(3)
	m.RecordEventReceived("ReservationConfirmed")

	server := NewServer("127.0.0.1:19290", reg)
	errCh := server.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		<-errCh
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	resp, err := httpGet(t.Context(), "http://127.0.0.1:19290/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "marketsync_processing_set_size")
	require.Contains(t, string(body), "marketsync_events_received_total")

	resp, err = httpGet(t.Context(), "http://127.0.0.1:19290/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(health))
}

func TestServer_Shutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	server := NewServer("127.0.0.1:19291", reg)
	errCh := server.Start()

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	default:
	}
}
