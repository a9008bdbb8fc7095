package recordstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/internal/schema"
)

// MemoryStore is an in-memory Store used by tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	trades  map[string][]schema.Trade
	seen    map[string]map[string]struct{}
	candles map[string][]schema.Candle
	symbols map[string]SymbolDecimals
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:  make(map[string][]schema.Trade),
		seen:    make(map[string]map[string]struct{}),
		candles: make(map[string][]schema.Candle),
		symbols: make(map[string]SymbolDecimals),
		clock:   time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// SetClock overrides the window clock, for tests.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clock != nil {
		s.clock = clock
	}
}

func pairKey(exchange, symbol string) string { return exchange + "|" + symbol }

// InsertTrade appends the trade, ignoring duplicates by (exchange, trade id).
func (s *MemoryStore) InsertTrade(_ context.Context, trade schema.Trade) error {
	if trade.TradeID == "" {
		return fmt.Errorf("record store: trade id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.seen[trade.Exchange]
	if !ok {
		seen = make(map[string]struct{})
		s.seen[trade.Exchange] = seen
	}
	if _, dup := seen[trade.TradeID]; dup {
		return nil
	}
	seen[trade.TradeID] = struct{}{}
	s.trades[trade.Exchange] = append(s.trades[trade.Exchange], trade)
	return nil
}

// Trades returns the trade history ordered by execution timestamp.
func (s *MemoryStore) Trades(_ context.Context, exchange string) ([]schema.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Trade, len(s.trades[exchange]))
	copy(out, s.trades[exchange])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// UncalculatedTrades returns trades missing running fields, in canonical order.
func (s *MemoryStore) UncalculatedTrades(ctx context.Context, exchange, symbol string) ([]schema.Trade, error) {
	all, err := s.Trades(ctx, exchange)
	if err != nil {
		return nil, err
	}
	var out []schema.Trade
	for _, trade := range all {
		if trade.Symbol == symbol && !trade.Calculated {
			out = append(out, trade)
		}
	}
	return out, nil
}

// LastCalculatedTrade returns the newest trade carrying running fields.
func (s *MemoryStore) LastCalculatedTrade(ctx context.Context, exchange, symbol string) (schema.Trade, bool, error) {
	all, err := s.Trades(ctx, exchange)
	if err != nil {
		return schema.Trade{}, false, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Symbol == symbol && all[i].Calculated {
			return all[i], true, nil
		}
	}
	return schema.Trade{}, false, nil
}

// UpdateTradeRunning persists the computed running fields for a trade.
func (s *MemoryStore) UpdateTradeRunning(_ context.Context, trade schema.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.trades[trade.Exchange]
	for i := range list {
		if list[i].TradeID == trade.TradeID {
			list[i].TotalVolume = trade.TotalVolume
			list[i].AvgPrice = trade.AvgPrice
			list[i].AvgCost = trade.AvgCost
			list[i].TotalFee = trade.TotalFee
			list[i].ROI = trade.ROI
			list[i].ROIPercent = trade.ROIPercent
			list[i].Calculated = true
			return nil
		}
	}
	return fmt.Errorf("record store: trade %s not found", trade.TradeID)
}

// InsertCandle upserts one aggregated price bar.
func (s *MemoryStore) InsertCandle(_ context.Context, candle schema.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(candle.Exchange, candle.Symbol)
	list := s.candles[key]
	for i := range list {
		if list[i].Timestamp.Equal(candle.Timestamp) {
			list[i] = candle
			return nil
		}
	}
	s.candles[key] = append(list, candle)
	return nil
}

// TWAP computes the time-weighted average price over the window.
func (s *MemoryStore) TWAP(_ context.Context, exchange, symbol string, compression, period int) (decimal.Decimal, error) {
	return s.windowAverage(exchange, symbol, compression, period, false)
}

// VWAP computes the volume-weighted average price over the window.
func (s *MemoryStore) VWAP(_ context.Context, exchange, symbol string, compression, period int) (decimal.Decimal, error) {
	return s.windowAverage(exchange, symbol, compression, period, true)
}

func (s *MemoryStore) windowAverage(exchange, symbol string, compression, period int, weighted bool) (decimal.Decimal, error) {
	if compression <= 0 || period <= 0 {
		return decimal.Zero, fmt.Errorf("record store: window requires positive compression and period")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	since := s.clock().UTC().Add(-time.Duration(compression*period) * time.Minute)

	sum := decimal.Zero
	weight := decimal.Zero
	count := decimal.Zero
	for _, candle := range s.candles[pairKey(exchange, symbol)] {
		if candle.Timestamp.Before(since) {
			continue
		}
		if weighted {
			sum = sum.Add(candle.Close.Mul(candle.Volume))
			weight = weight.Add(candle.Volume)
		} else {
			sum = sum.Add(candle.Close)
			count = count.Add(decimal.NewFromInt(1))
		}
	}
	if weighted {
		if weight.IsZero() {
			return decimal.Zero, nil
		}
		return sum.Div(weight), nil
	}
	if count.IsZero() {
		return decimal.Zero, nil
	}
	return sum.Div(count), nil
}

// Decimals returns the declared price/cost precision for the symbol.
func (s *MemoryStore) Decimals(_ context.Context, exchange, symbol string) (SymbolDecimals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	decimals, ok := s.symbols[pairKey(exchange, symbol)]
	if !ok {
		return SymbolDecimals{}, fmt.Errorf("record store: symbol %s/%s not registered", exchange, symbol)
	}
	return decimals, nil
}

// UpsertSymbol records symbol precision metadata.
func (s *MemoryStore) UpsertSymbol(_ context.Context, exchange, symbol string, decimals SymbolDecimals) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[pairKey(exchange, symbol)] = decimals
	return nil
}
