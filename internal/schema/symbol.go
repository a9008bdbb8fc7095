package schema

import (
	"strings"

	"github.com/openquant/tradewire/errs"
)

// Symbol is the engine-canonical BASE/QUOTE instrument identifier, for
// example "BTC/USD". Adapters translate it to and from native exchange ids.
type Symbol = string

// SplitSymbol separates a canonical symbol into base and quote currencies.
func SplitSymbol(symbol Symbol) (base, quote string, err error) {
	parts := strings.Split(strings.TrimSpace(symbol), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.New("", errs.KindInvalid,
			errs.WithMessage("symbol must be BASE/QUOTE: "+symbol))
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// QuoteCurrency resolves the quote currency of a canonical symbol.
func QuoteCurrency(symbol Symbol) (string, error) {
	_, quote, err := SplitSymbol(symbol)
	return quote, err
}

// Channel enumerates the streaming channels a session can subscribe to.
type Channel string

const (
	// ChannelTicker delivers price updates.
	ChannelTicker Channel = "ticker"
	// ChannelTrade delivers public trades.
	ChannelTrade Channel = "trade"
	// ChannelOwnTrades delivers the account's own executions.
	ChannelOwnTrades Channel = "ownTrades"
	// ChannelOpenOrders delivers order state changes for the account.
	ChannelOpenOrders Channel = "openOrders"
	// ChannelCandle delivers aggregated price bars.
	ChannelCandle Channel = "candle"
)

// Private reports whether the channel requires authentication.
func (c Channel) Private() bool {
	return c == ChannelOwnTrades || c == ChannelOpenOrders
}
