package position

import (
	"context"
	"fmt"

	"github.com/openquant/tradewire/internal/observability"
	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/schema"
)

// Recalculator folds newly recorded trades into their running position state
// and persists the result. It reads only the durable store's canonical order,
// so duplicate or out-of-order streaming delivery can never double-count.
type Recalculator struct {
	store recordstore.Store
}

// NewRecalculator builds a recalculator over the durable store.
func NewRecalculator(store recordstore.Store) *Recalculator {
	return &Recalculator{store: store}
}

// Recalculate stamps running fields onto every uncalculated trade for the
// pair, continuing from the last calculated state.
func (r *Recalculator) Recalculate(ctx context.Context, exchange, symbol string) error {
	pending, err := r.store.UncalculatedTrades(ctx, exchange, symbol)
	if err != nil {
		return fmt.Errorf("load uncalculated trades: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var state Running
	last, ok, err := r.store.LastCalculatedTrade(ctx, exchange, symbol)
	if err != nil {
		return fmt.Errorf("load running state: %w", err)
	}
	if ok {
		state = Running{
			Volume:   last.TotalVolume,
			AvgPrice: last.AvgPrice,
			Cost:     last.AvgCost,
			Fee:      last.TotalFee,
		}
	}

	_, stamped := Replay(state, pending)
	for _, trade := range stamped {
		if err := r.store.UpdateTradeRunning(ctx, trade); err != nil {
			return fmt.Errorf("persist running fields for %s: %w", trade.TradeID, err)
		}
	}
	return nil
}

// OnOwnTrade is the hook shape the stream upserter expects.
func (r *Recalculator) OnOwnTrade(ctx context.Context, trade schema.Trade) {
	if err := r.Recalculate(ctx, trade.Exchange, trade.Symbol); err != nil {
		observability.Log().Error("position recalculation failed",
			observability.F("exchange", trade.Exchange),
			observability.F("symbol", trade.Symbol),
			observability.F("error", err.Error()))
	}
}
