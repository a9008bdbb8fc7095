package telemetry

import (
	"context"
	"fmt"

	apimetric "go.opentelemetry.io/otel/metric"
)

// Metrics groups the engine's counters.
type Metrics struct {
	ownTrades    apimetric.Int64Counter
	streamErrors apimetric.Int64Counter
	ordersPlaced apimetric.Int64Counter
}

// NewMetrics registers the engine instruments on the provider.
func NewMetrics(provider apimetric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("tradewire/engine")

	ownTrades, err := meter.Int64Counter("tradewire.own_trades",
		apimetric.WithDescription("Own-trade executions recorded from streams"))
	if err != nil {
		return nil, fmt.Errorf("register own_trades counter: %w", err)
	}
	streamErrors, err := meter.Int64Counter("tradewire.stream_errors",
		apimetric.WithDescription("Errors surfaced by streaming sessions"))
	if err != nil {
		return nil, fmt.Errorf("register stream_errors counter: %w", err)
	}
	ordersPlaced, err := meter.Int64Counter("tradewire.orders_placed",
		apimetric.WithDescription("Orders accepted for submission"))
	if err != nil {
		return nil, fmt.Errorf("register orders_placed counter: %w", err)
	}
	return &Metrics{
		ownTrades:    ownTrades,
		streamErrors: streamErrors,
		ordersPlaced: ordersPlaced,
	}, nil
}

// OwnTrade records one executed own trade.
func (m *Metrics) OwnTrade(ctx context.Context) { m.ownTrades.Add(ctx, 1) }

// StreamError records one streaming error.
func (m *Metrics) StreamError(ctx context.Context) { m.streamErrors.Add(ctx, 1) }

// OrderPlaced records one accepted order.
func (m *Metrics) OrderPlaced(ctx context.Context) { m.ordersPlaced.Add(ctx, 1) }
