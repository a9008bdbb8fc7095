// Package position reconstructs running cost basis from an ordered trade
// stream.
//
// The calculator is a pure function: given the running state immediately
// preceding a trade, it produces the next running state and the trade's
// incremental fields. It never reads clocks, stores, or network state, and
// all arithmetic is decimal-exact.
package position

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/internal/schema"
)

var hundred = decimal.NewFromInt(100)

// Running is the incrementally maintained state of one open position.
// Volume is signed: positive long, negative short. Cost and Fee cover the
// whole open position, AvgPrice the volume-weighted entry.
type Running struct {
	Volume   decimal.Decimal
	AvgPrice decimal.Decimal
	Cost     decimal.Decimal
	Fee      decimal.Decimal
}

// Zero reports whether no position is open.
func (r Running) Zero() bool {
	return r.Volume.IsZero()
}

// Apply folds one trade into the running state. The returned trade carries
// the computed running fields; realized ROI is set only when the trade
// reduces or flips the position.
func Apply(prev Running, trade schema.Trade) (Running, schema.Trade) {
	signed := trade.Side.Signed(trade.Volume)

	switch {
	case prev.Zero():
		next := open(signed, trade)
		return next, stamp(trade, next, decimal.Zero, decimal.Zero)

	case sameSign(prev.Volume, signed):
		next := extend(prev, signed, trade)
		return next, stamp(trade, next, decimal.Zero, decimal.Zero)

	default:
		return reduce(prev, signed, trade)
	}
}

// Replay recomputes the running fields for every uncalculated trade in the
// sequence, continuing from state. Trades are processed strictly in
// increasing timestamp order regardless of slice order; the durable store's
// canonical order is authoritative, not streaming arrival order.
func Replay(state Running, trades []schema.Trade) (Running, []schema.Trade) {
	ordered := make([]schema.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	out := make([]schema.Trade, 0, len(ordered))
	for _, trade := range ordered {
		var stamped schema.Trade
		state, stamped = Apply(state, trade)
		out = append(out, stamped)
	}
	return state, out
}

func open(signed decimal.Decimal, trade schema.Trade) Running {
	return Running{
		Volume:   signed,
		AvgPrice: trade.Price,
		Cost:     trade.Price.Mul(signed.Abs()),
		Fee:      trade.Fee,
	}
}

func extend(prev Running, signed decimal.Decimal, trade schema.Trade) Running {
	volume := prev.Volume.Add(signed)
	cost := prev.Cost.Add(trade.Price.Mul(signed.Abs()))
	return Running{
		Volume:   volume,
		AvgPrice: cost.Div(volume.Abs()),
		Cost:     cost,
		Fee:      prev.Fee.Add(trade.Fee),
	}
}

func reduce(prev Running, signed decimal.Decimal, trade schema.Trade) (Running, schema.Trade) {
	closing := signed.Abs()
	held := prev.Volume.Abs()

	if closing.GreaterThan(held) {
		// Flip: full close at this price, then a fresh open at the residual.
		closeFraction := held.Div(closing)
		closeTrade := trade
		closeTrade.Volume = held
		closeTrade.Fee = trade.Fee.Mul(closeFraction)

		_, stamped := reduce(prev, trade.Side.Signed(held), closeTrade)

		residual := closing.Sub(held)
		residualFee := trade.Fee.Sub(closeTrade.Fee)
		next := Running{
			Volume:   trade.Side.Signed(residual),
			AvgPrice: trade.Price,
			Cost:     trade.Price.Mul(residual),
			Fee:      residualFee,
		}
		out := stamp(trade, next, stamped.ROI, stamped.ROIPercent)
		return next, out
	}

	fraction := closing.Div(held)
	releasedCost := prev.Cost.Mul(fraction)
	releasedFee := prev.Fee.Mul(fraction)
	proceeds := trade.Price.Mul(closing)

	basis := releasedCost.Add(releasedFee)
	var roi decimal.Decimal
	if prev.Volume.Sign() > 0 {
		roi = proceeds.Add(trade.Fee).Sub(basis)
	} else {
		roi = basis.Sub(proceeds.Add(trade.Fee))
	}
	var roiPct decimal.Decimal
	if !basis.IsZero() {
		roiPct = roi.Div(basis).Mul(hundred)
	}

	next := Running{
		Volume:   prev.Volume.Add(signed),
		AvgPrice: prev.AvgPrice,
		Cost:     prev.Cost.Sub(releasedCost),
		Fee:      prev.Fee.Sub(releasedFee),
	}
	if next.Volume.IsZero() {
		// Exact close resets the whole running state.
		next = Running{}
	}
	return next, stamp(trade, next, roi, roiPct)
}

func stamp(trade schema.Trade, state Running, roi, roiPct decimal.Decimal) schema.Trade {
	trade.TotalVolume = state.Volume
	trade.AvgPrice = state.AvgPrice
	trade.AvgCost = state.Cost
	trade.TotalFee = state.Fee
	trade.ROI = roi
	trade.ROIPercent = roiPct
	trade.Calculated = true
	return trade
}

func sameSign(a, b decimal.Decimal) bool {
	return a.Sign() == b.Sign()
}
