package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openquant/tradewire/config"
)

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("https://example.com:4318")
	require.NoError(t, err)
	require.Equal(t, "example.com:4318", host)
	require.False(t, insecure)

	host, insecure, err = parseEndpoint("http://localhost:4318")
	require.NoError(t, err)
	require.Equal(t, "localhost:4318", host)
	require.True(t, insecure)
}

func TestInitNoEndpointUsesNoop(t *testing.T) {
	provider, shutdown, err := Init(context.Background(), config.TelemetrySettings{})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitWithEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	provider, shutdown, err := Init(context.Background(), config.TelemetrySettings{
		OTLPEndpoint: srv.URL,
		ServiceName:  "tradewire-test",
	})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, shutdown(context.Background()))
}

func TestMetricsRegister(t *testing.T) {
	provider, shutdown, err := Init(context.Background(), config.TelemetrySettings{})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	metrics, err := NewMetrics(provider)
	require.NoError(t, err)
	metrics.OwnTrade(context.Background())
	metrics.StreamError(context.Background())
	metrics.OrderPlaced(context.Background())
}
