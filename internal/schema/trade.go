package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable execution fact plus the incrementally computed
// running-position fields attached by the position calculator.
//
// The base fields never change after ingestion. The running fields are
// computed exactly once, in canonical timestamp order, and persisted so the
// computation is never redone from scratch.
type Trade struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Volume    decimal.Decimal `json:"volume"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	TradeID   string          `json:"trade_id"`
	OrderID   string          `json:"order_id"`
	Timestamp time.Time       `json:"timestamp"`

	// Running fields, computed by the position calculator.
	TotalVolume decimal.Decimal `json:"total_volume"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	TotalFee    decimal.Decimal `json:"total_fee"`
	ROI         decimal.Decimal `json:"roi"`
	ROIPercent  decimal.Decimal `json:"roi_percent"`
	Calculated  bool            `json:"calculated"`
}

// Ticker is the latest observed price for a symbol on an exchange.
type Ticker struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Fresh reports whether the ticker is younger than maxAge.
func (t Ticker) Fresh(now time.Time, maxAge time.Duration) bool {
	if t.Timestamp.IsZero() {
		return false
	}
	return now.Sub(t.Timestamp) <= maxAge
}

// Candle is one aggregated price bar, used by TWAP/VWAP pricing.
type Candle struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Balance is one currency balance within an account snapshot.
type Balance struct {
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
	Free     decimal.Decimal `json:"free"`
}

// Account is the balance snapshot for a (user, exchange) pair.
type Account struct {
	Exchange  string             `json:"exchange"`
	Balances  map[string]Balance `json:"balances"`
	Timestamp time.Time          `json:"timestamp"`
}

// Free returns the free balance for the currency, zero when absent.
func (a Account) Free(currency string) decimal.Decimal {
	if b, ok := a.Balances[currency]; ok {
		return b.Free
	}
	return decimal.Zero
}

// Position is the exchange-reported open position for a symbol.
type Position struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Volume    decimal.Decimal `json:"volume"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Timestamp time.Time       `json:"timestamp"`
}
