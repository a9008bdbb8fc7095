// Package adapters defines the uniform exchange adapter contract.
//
// Every venue integration exposes the same surface regardless of how the
// venue splits its API between REST and streaming. Callers never reach around
// an adapter to venue-specific endpoints.
package adapters

import (
	"context"
	"sort"
	"sync"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/schema"
)

// Adapter is one exchange integration.
type Adapter interface {
	// Name returns the lowercase exchange identifier.
	Name() string

	// PlaceOrder submits the order and returns the exchange order id.
	// Symbols and numeric formats are translated at this boundary; callers
	// always speak canonical BASE/QUOTE symbols and decimal strings.
	PlaceOrder(ctx context.Context, order *schema.Order) (string, error)
	// CancelOrder cancels by exchange order id.
	CancelOrder(ctx context.Context, order *schema.Order) error
	// FetchOrderStatus polls the current status of an order.
	FetchOrderStatus(ctx context.Context, exchangeID string) (schema.OrderStatus, error)

	// FetchTrades returns recent public trades for the symbol.
	FetchTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error)
	// FetchMyTrades returns the account's own executions for the symbol.
	FetchMyTrades(ctx context.Context, symbol string) ([]schema.Trade, error)
	// FetchBalances returns the current account balance snapshot.
	FetchBalances(ctx context.Context) (schema.Account, error)
	// FetchPositions returns the open positions reported by the venue.
	// Spot-only venues answer with errs.KindUnsupportedCall.
	FetchPositions(ctx context.Context) ([]schema.Position, error)

	// Decimals returns the venue-declared precision and minimum cost for
	// the symbol.
	Decimals(ctx context.Context, symbol string) (recordstore.SymbolDecimals, error)

	// StartMarketStream opens the public streams for the symbols.
	StartMarketStream(ctx context.Context, symbols []string) error
	// StartPrivateStream opens the authenticated own-trades and open-orders
	// streams.
	StartPrivateStream(ctx context.Context) error
	// Stop tears down all streaming sessions. Stopped adapters never
	// reconnect.
	Stop()
}

// Registry holds the configured adapters keyed by exchange name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds the adapter, replacing any previous entry for the name.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

// Get returns the adapter for the exchange.
func (r *Registry) Get(exchange string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[exchange]
	if !ok {
		return nil, errs.New(exchange, errs.KindNotFound,
			errs.WithMessage("exchange not configured"))
	}
	return adapter, nil
}

// Names returns the registered exchange names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StopAll stops every registered adapter.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, adapter := range r.adapters {
		adapter.Stop()
	}
}
