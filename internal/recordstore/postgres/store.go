// Package postgres implements the durable record store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/schema"
)

// Store persists trades, candles, and symbol metadata.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a PostgreSQL record store backed by the provided pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ recordstore.Store = (*Store)(nil)

const (
	tradeInsertSQL = `
INSERT INTO trades (
    exchange,
    symbol,
    side,
    volume,
    price,
    fee,
    trade_id,
    order_id,
    executed_at,
    created_at
)
VALUES (
    @exchange,
    @symbol,
    @side,
    @volume,
    @price,
    @fee,
    @trade_id,
    @order_id,
    @executed_at,
    NOW()
)
ON CONFLICT (exchange, trade_id) DO NOTHING;
`

	tradeRunningUpdateSQL = `
UPDATE trades
SET total_volume = @total_volume,
    avg_price    = @avg_price,
    avg_cost     = @avg_cost,
    total_fee    = @total_fee,
    roi          = @roi,
    roi_percent  = @roi_percent,
    calculated   = TRUE
WHERE exchange = @exchange AND trade_id = @trade_id;
`

	tradeSelectBase = `
SELECT
    exchange,
    symbol,
    side,
    volume::text,
    price::text,
    fee::text,
    trade_id,
    order_id,
    executed_at,
    total_volume::text,
    avg_price::text,
    avg_cost::text,
    total_fee::text,
    roi::text,
    roi_percent::text,
    calculated
FROM trades
`

	candleUpsertSQL = `
INSERT INTO candles (exchange, symbol, open, high, low, close, volume, bucket_at, created_at)
VALUES (@exchange, @symbol, @open, @high, @low, @close, @volume, @bucket_at, NOW())
ON CONFLICT (exchange, symbol, bucket_at) DO UPDATE SET
    open   = EXCLUDED.open,
    high   = GREATEST(candles.high, EXCLUDED.high),
    low    = LEAST(candles.low, EXCLUDED.low),
    close  = EXCLUDED.close,
    volume = EXCLUDED.volume;
`

	twapSQL = `
SELECT COALESCE(AVG(close), 0)::text
FROM candles
WHERE exchange = $1 AND symbol = $2 AND bucket_at >= $3;
`

	vwapSQL = `
SELECT CASE WHEN SUM(volume) > 0
            THEN (SUM(close * volume) / SUM(volume))::text
            ELSE '0' END
FROM candles
WHERE exchange = $1 AND symbol = $2 AND bucket_at >= $3;
`

	symbolUpsertSQL = `
INSERT INTO symbols (exchange, symbol, pair_decimals, cost_decimals, min_cost, created_at)
VALUES (@exchange, @symbol, @pair_decimals, @cost_decimals, @min_cost, NOW())
ON CONFLICT (exchange, symbol) DO UPDATE SET
    pair_decimals = EXCLUDED.pair_decimals,
    cost_decimals = EXCLUDED.cost_decimals,
    min_cost      = EXCLUDED.min_cost;
`

	symbolSelectSQL = `
SELECT pair_decimals, cost_decimals, min_cost::text
FROM symbols
WHERE exchange = $1 AND symbol = $2;
`
)

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("record store: nil pool")
	}
	return s.pool, nil
}

// InsertTrade appends the trade, ignoring duplicates by (exchange, trade id).
func (s *Store) InsertTrade(ctx context.Context, trade schema.Trade) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(trade.TradeID) == "" {
		return fmt.Errorf("record store: trade id required")
	}
	args := pgx.NamedArgs{
		"exchange":    strings.TrimSpace(trade.Exchange),
		"symbol":      strings.TrimSpace(trade.Symbol),
		"side":        string(trade.Side),
		"volume":      trade.Volume.String(),
		"price":       trade.Price.String(),
		"fee":         trade.Fee.String(),
		"trade_id":    strings.TrimSpace(trade.TradeID),
		"order_id":    strings.TrimSpace(trade.OrderID),
		"executed_at": trade.Timestamp.UTC(),
	}
	if _, err := pool.Exec(ctx, tradeInsertSQL, args); err != nil {
		return fmt.Errorf("record store: insert trade: %w", err)
	}
	return nil
}

// UpdateTradeRunning persists the computed running fields for a trade.
func (s *Store) UpdateTradeRunning(ctx context.Context, trade schema.Trade) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"exchange":     strings.TrimSpace(trade.Exchange),
		"trade_id":     strings.TrimSpace(trade.TradeID),
		"total_volume": trade.TotalVolume.String(),
		"avg_price":    trade.AvgPrice.String(),
		"avg_cost":     trade.AvgCost.String(),
		"total_fee":    trade.TotalFee.String(),
		"roi":          trade.ROI.String(),
		"roi_percent":  trade.ROIPercent.String(),
	}
	tag, err := pool.Exec(ctx, tradeRunningUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("record store: update trade running fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record store: trade %s not found", trade.TradeID)
	}
	return nil
}

// Trades returns the full trade history for the exchange in canonical order.
func (s *Store) Trades(ctx context.Context, exchange string) ([]schema.Trade, error) {
	return s.queryTrades(ctx, tradeSelectBase+` WHERE exchange = $1 ORDER BY executed_at ASC, id ASC`, exchange)
}

// UncalculatedTrades returns trades missing running fields, in canonical order.
func (s *Store) UncalculatedTrades(ctx context.Context, exchange, symbol string) ([]schema.Trade, error) {
	return s.queryTrades(ctx,
		tradeSelectBase+` WHERE exchange = $1 AND symbol = $2 AND NOT calculated ORDER BY executed_at ASC, id ASC`,
		exchange, symbol)
}

// LastCalculatedTrade returns the newest trade carrying running fields.
func (s *Store) LastCalculatedTrade(ctx context.Context, exchange, symbol string) (schema.Trade, bool, error) {
	trades, err := s.queryTrades(ctx,
		tradeSelectBase+` WHERE exchange = $1 AND symbol = $2 AND calculated ORDER BY executed_at DESC, id DESC LIMIT 1`,
		exchange, symbol)
	if err != nil {
		return schema.Trade{}, false, err
	}
	if len(trades) == 0 {
		return schema.Trade{}, false, nil
	}
	return trades[0], true, nil
}

func (s *Store) queryTrades(ctx context.Context, query string, args ...any) ([]schema.Trade, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("record store: query trades: %w", err)
	}
	defer rows.Close()

	var trades []schema.Trade
	for rows.Next() {
		var (
			trade       schema.Trade
			side        string
			volume      string
			price       string
			fee         string
			executedAt  time.Time
			totalVolume sql.NullString
			avgPrice    sql.NullString
			avgCost     sql.NullString
			totalFee    sql.NullString
			roi         sql.NullString
			roiPercent  sql.NullString
		)
		if err := rows.Scan(
			&trade.Exchange,
			&trade.Symbol,
			&side,
			&volume,
			&price,
			&fee,
			&trade.TradeID,
			&trade.OrderID,
			&executedAt,
			&totalVolume,
			&avgPrice,
			&avgCost,
			&totalFee,
			&roi,
			&roiPercent,
			&trade.Calculated,
		); err != nil {
			return nil, fmt.Errorf("record store: scan trade: %w", err)
		}
		trade.Side = schema.Side(side)
		if trade.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("record store: parse volume: %w", err)
		}
		if trade.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("record store: parse price: %w", err)
		}
		if trade.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("record store: parse fee: %w", err)
		}
		trade.Timestamp = executedAt.UTC()
		trade.TotalVolume = nullableDecimal(totalVolume)
		trade.AvgPrice = nullableDecimal(avgPrice)
		trade.AvgCost = nullableDecimal(avgCost)
		trade.TotalFee = nullableDecimal(totalFee)
		trade.ROI = nullableDecimal(roi)
		trade.ROIPercent = nullableDecimal(roiPercent)
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("record store: iterate trades: %w", err)
	}
	return trades, nil
}

// InsertCandle upserts one aggregated price bar.
func (s *Store) InsertCandle(ctx context.Context, candle schema.Candle) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"exchange":  strings.TrimSpace(candle.Exchange),
		"symbol":    strings.TrimSpace(candle.Symbol),
		"open":      candle.Open.String(),
		"high":      candle.High.String(),
		"low":       candle.Low.String(),
		"close":     candle.Close.String(),
		"volume":    candle.Volume.String(),
		"bucket_at": candle.Timestamp.UTC(),
	}
	if _, err := pool.Exec(ctx, candleUpsertSQL, args); err != nil {
		return fmt.Errorf("record store: upsert candle: %w", err)
	}
	return nil
}

// TWAP computes the time-weighted average price over the window.
func (s *Store) TWAP(ctx context.Context, exchange, symbol string, compression, period int) (decimal.Decimal, error) {
	return s.windowAverage(ctx, twapSQL, exchange, symbol, compression, period)
}

// VWAP computes the volume-weighted average price over the window.
func (s *Store) VWAP(ctx context.Context, exchange, symbol string, compression, period int) (decimal.Decimal, error) {
	return s.windowAverage(ctx, vwapSQL, exchange, symbol, compression, period)
}

func (s *Store) windowAverage(ctx context.Context, query, exchange, symbol string, compression, period int) (decimal.Decimal, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return decimal.Zero, err
	}
	if compression <= 0 || period <= 0 {
		return decimal.Zero, fmt.Errorf("record store: window requires positive compression and period")
	}
	since := time.Now().UTC().Add(-time.Duration(compression*period) * time.Minute)
	var out string
	if err := pool.QueryRow(ctx, query, exchange, symbol, since).Scan(&out); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("record store: window average: %w", err)
	}
	value, err := decimal.NewFromString(strings.TrimSpace(out))
	if err != nil {
		return decimal.Zero, fmt.Errorf("record store: parse window average %q: %w", out, err)
	}
	return value, nil
}

// Decimals returns the declared price/cost precision for the symbol.
func (s *Store) Decimals(ctx context.Context, exchange, symbol string) (recordstore.SymbolDecimals, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return recordstore.SymbolDecimals{}, err
	}
	var (
		out     recordstore.SymbolDecimals
		minCost string
	)
	if err := pool.QueryRow(ctx, symbolSelectSQL, exchange, symbol).Scan(&out.PairDecimals, &out.CostDecimals, &minCost); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return recordstore.SymbolDecimals{}, fmt.Errorf("record store: symbol %s/%s not registered", exchange, symbol)
		}
		return recordstore.SymbolDecimals{}, fmt.Errorf("record store: select symbol: %w", err)
	}
	if out.MinCost, err = decimal.NewFromString(minCost); err != nil {
		return recordstore.SymbolDecimals{}, fmt.Errorf("record store: parse min cost: %w", err)
	}
	return out, nil
}

// UpsertSymbol records symbol precision metadata.
func (s *Store) UpsertSymbol(ctx context.Context, exchange, symbol string, decimals recordstore.SymbolDecimals) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"exchange":      strings.TrimSpace(exchange),
		"symbol":        strings.TrimSpace(symbol),
		"pair_decimals": decimals.PairDecimals,
		"cost_decimals": decimals.CostDecimals,
		"min_cost":      decimals.MinCost.String(),
	}
	if _, err := pool.Exec(ctx, symbolUpsertSQL, args); err != nil {
		return fmt.Errorf("record store: upsert symbol: %w", err)
	}
	return nil
}

func nullableDecimal(value sql.NullString) decimal.Decimal {
	if !value.Valid {
		return decimal.Zero
	}
	out, err := decimal.NewFromString(strings.TrimSpace(value.String))
	if err != nil {
		return decimal.Zero
	}
	return out
}
