// Package livestore defines the shared fast-access store contract.
//
// The store is external and concurrently written by many workers; the engine
// never assumes exclusive access. Semantics required of any implementation:
// last-write-wins per key for tickers, append with dedup-by-id for trades,
// and conditional update for order status where a terminal status is never
// overwritten by a later "open" observation.
package livestore

import (
	"context"

	"github.com/openquant/tradewire/internal/schema"
)

// Store is the fast-access store consumed by sessions and the coordinator.
type Store interface {
	GetTicker(ctx context.Context, exchange, symbol string) (schema.Ticker, error)
	UpsertTicker(ctx context.Context, ticker schema.Ticker) error

	PushTrade(ctx context.Context, trade schema.Trade) error
	PushMyTrade(ctx context.Context, trade schema.Trade) error
	RecentTrades(ctx context.Context, exchange, symbol string, limit int) ([]schema.Trade, error)
	RecentMyTrades(ctx context.Context, exchange string, limit int) ([]schema.Trade, error)

	SaveOrder(ctx context.Context, order schema.Order) error
	GetOrderStatus(ctx context.Context, exchange, exchangeID string) (schema.OrderStatus, error)
	GetOrder(ctx context.Context, exchange, exchangeID string) (schema.Order, error)

	GetAccount(ctx context.Context, exchange string) (schema.Account, error)
	UpsertAccount(ctx context.Context, account schema.Account) error

	GetPosition(ctx context.Context, exchange, symbol string) (schema.Position, error)
	UpsertPositions(ctx context.Context, exchange string, positions []schema.Position) error

	// PushOpenOrder and PopOpenOrder correlate an asynchronous streaming
	// order ack back to the synchronous caller awaiting it.
	PushOpenOrder(ctx context.Context, localID string, order schema.Order) error
	PopOpenOrder(ctx context.Context, localID string) (schema.Order, bool, error)
}
