// Package facade is the single entry point strategies call.
//
// It dispatches to the adapter for the named exchange and exposes one method
// set regardless of venue quirks; strategy code never branches on exchange
// identity.
package facade

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/internal/adapters"
	"github.com/openquant/tradewire/internal/coordinator"
	"github.com/openquant/tradewire/internal/livestore"
	"github.com/openquant/tradewire/internal/schema"
)

// Facade fans strategy calls out to per-exchange adapters and the order
// coordinator.
type Facade struct {
	registry *adapters.Registry
	coord    *coordinator.Coordinator
	live     livestore.Store
}

// New builds the facade.
func New(registry *adapters.Registry, coord *coordinator.Coordinator, live livestore.Store) *Facade {
	return &Facade{registry: registry, coord: coord, live: live}
}

// CreateOrder submits the order through the lifecycle coordinator. The call
// returns once the order is submitted (or terminally failed); monitoring
// continues asynchronously and callers observe the final status through the
// shared store.
func (f *Facade) CreateOrder(ctx context.Context, order *schema.Order) (*schema.Order, error) {
	return f.coord.CreateOrder(ctx, order)
}

// CancelOrder cancels by exchange order id and reports whether the order is
// provably no longer live.
func (f *Facade) CancelOrder(ctx context.Context, exchange, exchangeID string) (bool, error) {
	status, err := f.coord.CancelOrder(ctx, exchange, exchangeID)
	if err != nil {
		return false, err
	}
	return status.Terminal(), nil
}

// FetchTrades returns recent public trades for the symbol.
func (f *Facade) FetchTrades(ctx context.Context, exchange, symbol string, limit int) ([]schema.Trade, error) {
	adapter, err := f.registry.Get(exchange)
	if err != nil {
		return nil, err
	}
	return adapter.FetchTrades(ctx, symbol, limit)
}

// FetchMyTrades returns the account's own executions for the symbol.
func (f *Facade) FetchMyTrades(ctx context.Context, exchange, symbol string) ([]schema.Trade, error) {
	adapter, err := f.registry.Get(exchange)
	if err != nil {
		return nil, err
	}
	return adapter.FetchMyTrades(ctx, symbol)
}

// Balances returns the cached account snapshot, refreshing from the venue
// when the store has none.
func (f *Facade) Balances(ctx context.Context, exchange string) (schema.Account, error) {
	if account, err := f.live.GetAccount(ctx, exchange); err == nil && len(account.Balances) > 0 {
		return account, nil
	}
	adapter, err := f.registry.Get(exchange)
	if err != nil {
		return schema.Account{}, err
	}
	account, err := adapter.FetchBalances(ctx)
	if err != nil {
		return schema.Account{}, err
	}
	if err := f.live.UpsertAccount(ctx, account); err != nil {
		return schema.Account{}, err
	}
	return account, nil
}

// Positions returns the venue-reported open positions.
func (f *Facade) Positions(ctx context.Context, exchange string) ([]schema.Position, error) {
	adapter, err := f.registry.Get(exchange)
	if err != nil {
		return nil, err
	}
	positions, err := adapter.FetchPositions(ctx)
	if err != nil {
		return nil, err
	}
	if err := f.live.UpsertPositions(ctx, exchange, positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// Ticker returns the latest observed price for the symbol.
func (f *Facade) Ticker(ctx context.Context, exchange, symbol string) (schema.Ticker, error) {
	return f.live.GetTicker(ctx, exchange, symbol)
}

// MinimumOrderCost returns the venue's minimum order cost for the symbol.
func (f *Facade) MinimumOrderCost(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	adapter, err := f.registry.Get(exchange)
	if err != nil {
		return decimal.Zero, err
	}
	decimals, err := adapter.Decimals(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return decimals.MinCost, nil
}

// StartMarketStream opens the public streams for the symbols. It returns
// only after the session confirms every subscription or the bounded ack
// wait expires.
func (f *Facade) StartMarketStream(ctx context.Context, exchange string, symbols []string) error {
	adapter, err := f.registry.Get(exchange)
	if err != nil {
		return err
	}
	return adapter.StartMarketStream(ctx, symbols)
}

// StartPrivateStream opens the authenticated own-trades and open-orders
// streams for the exchange.
func (f *Facade) StartPrivateStream(ctx context.Context, exchange string) error {
	adapter, err := f.registry.Get(exchange)
	if err != nil {
		return err
	}
	return adapter.StartPrivateStream(ctx)
}

// Exchanges lists the configured exchange names.
func (f *Facade) Exchanges() []string {
	return f.registry.Names()
}
