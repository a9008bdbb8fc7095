// Package fake provides a synthetic in-process exchange.
//
// It implements the full adapter contract without any network dependency:
// deterministic fills, an adjustable synthetic ticker and instant streaming
// events. Engine tests and dry runs wire it exactly like a real venue.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/schema"
	"github.com/openquant/tradewire/internal/stream"
)

// Name is the exchange identifier.
const Name = "fake"

// Options configures the synthetic venue.
type Options struct {
	// StartPrice seeds the ticker for every symbol.
	StartPrice decimal.Decimal
	// Spread is the absolute distance between bid and ask.
	Spread decimal.Decimal
	// TickInterval drives the synthetic ticker loop; zero disables it.
	TickInterval time.Duration
	// FillDelay is how long an auto-filled order stays open.
	FillDelay time.Duration
	// AutoFill completes every placed order after FillDelay. Tests that
	// drive fills by hand leave it off and call FillOrder.
	AutoFill bool
	// FeeRate is the taker fee applied to fills.
	FeeRate decimal.Decimal
	// Balances seeds the account snapshot per currency.
	Balances map[string]decimal.Decimal
	// Decimals is the declared precision for every symbol.
	Decimals recordstore.SymbolDecimals
}

func (o *Options) applyDefaults() {
	if o.StartPrice.IsZero() {
		o.StartPrice = decimal.NewFromInt(50000)
	}
	if o.Spread.IsZero() {
		o.Spread = decimal.NewFromInt(2)
	}
	if o.FillDelay <= 0 {
		o.FillDelay = 10 * time.Millisecond
	}
	if o.FeeRate.IsZero() {
		o.FeeRate = decimal.RequireFromString("0.001")
	}
	if o.Decimals.PairDecimals == 0 && o.Decimals.CostDecimals == 0 {
		o.Decimals = recordstore.SymbolDecimals{
			PairDecimals: 1,
			CostDecimals: 8,
			MinCost:      decimal.NewFromInt(10),
		}
	}
}

// Adapter is the synthetic venue.
type Adapter struct {
	opts   Options
	events chan<- stream.Event

	mu     sync.Mutex
	orders map[string]*schema.Order
	fills  []schema.Trade
	prices map[string]decimal.Decimal

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New builds the synthetic venue publishing events to the channel.
func New(opts Options, events chan<- stream.Event) *Adapter {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		opts:   opts,
		events: events,
		orders: make(map[string]*schema.Order),
		prices: make(map[string]decimal.Decimal),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the exchange identifier.
func (a *Adapter) Name() string { return Name }

func (a *Adapter) publish(event stream.Event) {
	select {
	case a.events <- event:
	case <-a.ctx.Done():
	}
}

// SetPrice moves the synthetic market and publishes the resulting ticker.
func (a *Adapter) SetPrice(symbol string, last decimal.Decimal) {
	a.mu.Lock()
	a.prices[symbol] = last
	a.mu.Unlock()
	a.publishTicker(symbol, last)
}

func (a *Adapter) lastPrice(symbol string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	if price, ok := a.prices[symbol]; ok {
		return price
	}
	a.prices[symbol] = a.opts.StartPrice
	return a.opts.StartPrice
}

func (a *Adapter) publishTicker(symbol string, last decimal.Decimal) {
	half := a.opts.Spread.Div(decimal.NewFromInt(2))
	a.publish(stream.Event{Ticker: &schema.Ticker{
		Exchange:  Name,
		Symbol:    symbol,
		Bid:       last.Sub(half),
		Ask:       last.Add(half),
		Last:      last,
		Timestamp: time.Now().UTC(),
	}})
}

// PlaceOrder accepts the order, assigns an exchange id and reports it open.
// With AutoFill the order completes after FillDelay.
func (a *Adapter) PlaceOrder(_ context.Context, order *schema.Order) (string, error) {
	if order.Volume.IsZero() || order.Volume.IsNegative() {
		return "", errs.New(Name, errs.KindValidationFailed,
			errs.WithMessage("volume must be positive"))
	}
	exchangeID := uuid.NewString()

	accepted := *order
	accepted.ExchangeID = exchangeID
	accepted.Status = schema.StatusOpen
	accepted.UpdatedAt = time.Now().UTC()

	a.mu.Lock()
	a.orders[exchangeID] = &accepted
	a.mu.Unlock()

	open := accepted
	a.publish(stream.Event{Order: &open})

	if a.opts.AutoFill {
		a.wg.Go(func() {
			select {
			case <-a.ctx.Done():
				return
			case <-time.After(a.opts.FillDelay):
			}
			_ = a.FillOrder(exchangeID)
		})
	}
	return exchangeID, nil
}

// FillOrder completes an open order at its limit price, or at the synthetic
// market for market orders, emitting the own-trade and terminal order events.
func (a *Adapter) FillOrder(exchangeID string) error {
	a.mu.Lock()
	order, ok := a.orders[exchangeID]
	if !ok {
		a.mu.Unlock()
		return errs.New(Name, errs.KindOrderNotFound, errs.WithMessage(exchangeID))
	}
	if order.Status.Terminal() {
		a.mu.Unlock()
		return nil
	}
	price := order.Price
	if order.Type == schema.OrderTypeMarket || price.IsZero() {
		if p, exists := a.prices[order.Symbol]; exists {
			price = p
		} else {
			price = a.opts.StartPrice
		}
	}
	order.Status = schema.StatusClosed
	order.UpdatedAt = time.Now().UTC()
	filled := *order

	trade := schema.Trade{
		Exchange:  Name,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Volume:    order.Volume,
		Price:     price,
		Fee:       price.Mul(order.Volume).Mul(a.opts.FeeRate),
		TradeID:   uuid.NewString(),
		OrderID:   exchangeID,
		Timestamp: time.Now().UTC(),
	}
	a.fills = append(a.fills, trade)
	a.mu.Unlock()

	a.publish(stream.Event{OwnTrade: &trade})
	a.publish(stream.Event{Order: &filled})
	return nil
}

// CancelOrder cancels an open order and reports the terminal event.
// Cancelling an already terminal order is a no-op.
func (a *Adapter) CancelOrder(_ context.Context, order *schema.Order) error {
	a.mu.Lock()
	stored, ok := a.orders[order.ExchangeID]
	if !ok {
		a.mu.Unlock()
		return errs.New(Name, errs.KindOrderNotFound, errs.WithMessage(order.ExchangeID))
	}
	if stored.Status.Terminal() {
		a.mu.Unlock()
		return nil
	}
	stored.Status = schema.StatusCanceled
	stored.UpdatedAt = time.Now().UTC()
	canceled := *stored
	a.mu.Unlock()

	a.publish(stream.Event{Order: &canceled})
	return nil
}

// FetchOrderStatus returns the current synthetic order status.
func (a *Adapter) FetchOrderStatus(_ context.Context, exchangeID string) (schema.OrderStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orders[exchangeID]
	if !ok {
		return "", errs.New(Name, errs.KindOrderNotFound, errs.WithMessage(exchangeID))
	}
	return order.Status, nil
}

// FetchTrades returns synthetic public prints around the current price.
func (a *Adapter) FetchTrades(_ context.Context, symbol string, limit int) ([]schema.Trade, error) {
	if limit <= 0 {
		limit = 10
	}
	price := a.lastPrice(symbol)
	trades := make([]schema.Trade, 0, limit)
	now := time.Now().UTC()
	for i := 0; i < limit; i++ {
		side := schema.SideBuy
		if i%2 == 1 {
			side = schema.SideSell
		}
		trades = append(trades, schema.Trade{
			Exchange:  Name,
			Symbol:    symbol,
			Side:      side,
			Volume:    decimal.NewFromInt(1),
			Price:     price,
			Timestamp: now.Add(-time.Duration(limit-i) * time.Second),
		})
	}
	return trades, nil
}

// FetchMyTrades returns the fills executed on this venue.
func (a *Adapter) FetchMyTrades(_ context.Context, symbol string) ([]schema.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []schema.Trade
	for _, fill := range a.fills {
		if fill.Symbol == symbol {
			out = append(out, fill)
		}
	}
	return out, nil
}

// FetchBalances returns the seeded balance snapshot.
func (a *Adapter) FetchBalances(context.Context) (schema.Account, error) {
	account := schema.Account{
		Exchange:  Name,
		Balances:  make(map[string]schema.Balance, len(a.opts.Balances)),
		Timestamp: time.Now().UTC(),
	}
	for currency, amount := range a.opts.Balances {
		account.Balances[currency] = schema.Balance{
			Currency: currency,
			Total:    amount,
			Free:     amount,
		}
	}
	return account, nil
}

// FetchPositions is unsupported on the synthetic spot venue.
func (a *Adapter) FetchPositions(context.Context) ([]schema.Position, error) {
	return nil, errs.NotSupported(Name, "synthetic venue reports no positions")
}

// Decimals returns the configured precision for every symbol.
func (a *Adapter) Decimals(context.Context, string) (recordstore.SymbolDecimals, error) {
	return a.opts.Decimals, nil
}

// StartMarketStream publishes an immediate ticker per symbol and, when a tick
// interval is configured, keeps the synthetic market moving.
func (a *Adapter) StartMarketStream(_ context.Context, symbols []string) error {
	for _, symbol := range symbols {
		a.publishTicker(symbol, a.lastPrice(symbol))
	}
	if a.opts.TickInterval <= 0 {
		return nil
	}
	for _, symbol := range symbols {
		symbol := symbol
		a.wg.Go(func() {
			ticker := time.NewTicker(a.opts.TickInterval)
			defer ticker.Stop()
			drift := decimal.RequireFromString("0.0001")
			up := true
			for {
				select {
				case <-a.ctx.Done():
					return
				case <-ticker.C:
					price := a.lastPrice(symbol)
					step := price.Mul(drift)
					if up {
						price = price.Add(step)
					} else {
						price = price.Sub(step)
					}
					up = !up
					a.SetPrice(symbol, price)
				}
			}
		})
	}
	return nil
}

// StartPrivateStream is a no-op; private events flow as orders execute.
func (a *Adapter) StartPrivateStream(context.Context) error { return nil }

// Stop halts the synthetic feeds.
func (a *Adapter) Stop() {
	a.cancel()
	a.wg.Wait()
}
