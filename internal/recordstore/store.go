// Package recordstore defines the durable record store contract.
//
// The record store is the authoritative, deduplicated trade log: the position
// calculator derives running state from its canonical timestamp order, never
// from streaming arrival order.
package recordstore

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/internal/schema"
)

// SymbolDecimals carries the exchange-declared precision for one symbol.
type SymbolDecimals struct {
	PairDecimals int
	CostDecimals int
	MinCost      decimal.Decimal
}

// Store is the durable record store consumed by the coordinator and the
// position calculator.
type Store interface {
	// InsertTrade appends the trade, ignoring duplicates by (exchange, trade id).
	InsertTrade(ctx context.Context, trade schema.Trade) error
	// Trades returns the full trade history for the exchange, ordered by
	// execution timestamp ascending.
	Trades(ctx context.Context, exchange string) ([]schema.Trade, error)
	// UncalculatedTrades returns trades missing running fields, in canonical order.
	UncalculatedTrades(ctx context.Context, exchange, symbol string) ([]schema.Trade, error)
	// LastCalculatedTrade returns the most recent trade carrying running
	// fields for the pair, ok=false when none exists.
	LastCalculatedTrade(ctx context.Context, exchange, symbol string) (schema.Trade, bool, error)
	// UpdateTradeRunning persists the computed running fields for a trade.
	UpdateTradeRunning(ctx context.Context, trade schema.Trade) error

	// InsertCandle upserts one aggregated price bar.
	InsertCandle(ctx context.Context, candle schema.Candle) error
	// TWAP computes the time-weighted average price over the most recent
	// compression*period minutes of candles.
	TWAP(ctx context.Context, exchange, symbol string, compression, period int) (decimal.Decimal, error)
	// VWAP computes the volume-weighted average price over the same window.
	VWAP(ctx context.Context, exchange, symbol string, compression, period int) (decimal.Decimal, error)

	// Decimals returns the declared price/cost precision for the symbol.
	Decimals(ctx context.Context, exchange, symbol string) (SymbolDecimals, error)
	// UpsertSymbol records symbol precision metadata.
	UpsertSymbol(ctx context.Context, exchange, symbol string, decimals SymbolDecimals) error
}
