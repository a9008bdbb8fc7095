// Package bitmex integrates the BitMEX derivatives exchange.
//
// REST calls carry JSON bodies signed with an expiring HMAC; the stream
// authenticates once per connection with the same scheme and routes inbound
// frames by table name.
package bitmex

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/adapters/shared"
	"github.com/openquant/tradewire/internal/numeric"
	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/schema"
	"github.com/openquant/tradewire/internal/stream"
)

// Name is the exchange identifier.
const Name = "bitmex"

// Options configures the adapter.
type Options struct {
	RESTBaseURL string
	WSURL       string
	APIKey      string
	APISecret   string
	RequestRate rate.Limit
}

func (o *Options) applyDefaults() {
	if o.RESTBaseURL == "" {
		o.RESTBaseURL = "https://www.bitmex.com"
	}
	if o.WSURL == "" {
		o.WSURL = "wss://ws.bitmex.com/realtime"
	}
	if o.RequestRate <= 0 {
		o.RequestRate = rate.Every(500 * time.Millisecond)
	}
}

// Adapter implements the uniform exchange contract for BitMEX.
type Adapter struct {
	opts   Options
	rest   *shared.RESTClient
	creds  *credentials
	events chan<- stream.Event
	errCh  chan<- error

	session *stream.Session
}

// New builds a BitMEX adapter publishing normalized events to the channel.
func New(opts Options, events chan<- stream.Event, errCh chan<- error) (*Adapter, error) {
	opts.applyDefaults()
	a := &Adapter{opts: opts, events: events, errCh: errCh}
	if opts.APIKey != "" || opts.APISecret != "" {
		creds, err := newCredentials(opts.APIKey, opts.APISecret)
		if err != nil {
			return nil, err
		}
		a.creds = creds
	}
	a.rest = shared.NewRESTClient(Name, opts.RESTBaseURL, opts.RequestRate)
	a.rest.Classify = classifyPayload
	if a.creds != nil {
		a.rest.Sign = a.creds.sign
	}
	return a, nil
}

// Name returns the exchange identifier.
func (a *Adapter) Name() string { return Name }

// venueSymbol converts canonical "BTC/USD" to the contract name "XBTUSD".
func venueSymbol(symbol string) string {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok {
		return symbol
	}
	if strings.EqualFold(base, "BTC") {
		base = "XBT"
	}
	return strings.ToUpper(base) + strings.ToUpper(quote)
}

// canonicalSymbol undoes venueSymbol for the contracts the engine trades.
func canonicalSymbol(contract string) string {
	upper := strings.ToUpper(strings.TrimSpace(contract))
	for _, quote := range []string{"USDT", "USD", "EUR"} {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			base := upper[:len(upper)-len(quote)]
			if base == "XBT" {
				base = "BTC"
			}
			return base + "/" + quote
		}
	}
	return upper
}

// classifyPayload maps the venue's JSON error envelope onto failure kinds.
func classifyPayload(status int, body []byte) error {
	if status < 400 {
		return nil
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Name    string `json:"name"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return nil
	}
	message := envelope.Error.Message
	kind := errs.KindInvalid
	switch {
	case strings.Contains(message, "Signature not valid"),
		strings.Contains(message, "Invalid API Key"),
		envelope.Error.Name == "HTTPError" && status == http.StatusUnauthorized:
		kind = errs.KindAuthentication
	case strings.Contains(message, "Rate limit"), envelope.Error.Name == "RateLimitError":
		kind = errs.KindRateLimited
	case strings.Contains(message, "insufficient"), strings.Contains(message, "Insufficient"):
		kind = errs.KindInsufficientFunds
	case strings.Contains(message, "Not Found"), strings.Contains(message, "not found"):
		kind = errs.KindOrderNotFound
	case strings.Contains(message, "maintenance"), strings.Contains(message, "overloaded"):
		kind = errs.KindExchangeUnavailable
	}
	return errs.New(Name, kind, errs.WithHTTP(status),
		errs.WithRawCode(envelope.Error.Name), errs.WithRawMessage(message))
}

func mapSide(side schema.Side) string {
	if side == schema.SideSell {
		return "Sell"
	}
	return "Buy"
}

func canonicalSide(side string) schema.Side {
	if strings.EqualFold(side, "Sell") {
		return schema.SideSell
	}
	return schema.SideBuy
}

func mapOrderType(orderType schema.OrderType) string {
	switch orderType {
	case schema.OrderTypeMarket:
		return "Market"
	case schema.OrderTypeStopLoss:
		return "Stop"
	case schema.OrderTypeTakeProfit:
		return "MarketIfTouched"
	default:
		return "Limit"
	}
}

func canonicalOrdType(ordType string) schema.OrderType {
	switch ordType {
	case "Market":
		return schema.OrderTypeMarket
	case "Stop":
		return schema.OrderTypeStopLoss
	case "MarketIfTouched":
		return schema.OrderTypeTakeProfit
	default:
		return schema.OrderTypeLimit
	}
}

func mapOrdStatus(status string) schema.OrderStatus {
	switch status {
	case "New", "PartiallyFilled":
		return schema.StatusOpen
	case "Filled":
		return schema.StatusClosed
	case "Canceled", "Expired":
		return schema.StatusCanceled
	default:
		return schema.StatusError
	}
}

type orderRecord struct {
	OrderID   string  `json:"orderID"`
	ClOrdID   string  `json:"clOrdID"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	OrderQty  float64 `json:"orderQty"`
	Price     float64 `json:"price"`
	OrdType   string  `json:"ordType"`
	OrdStatus string  `json:"ordStatus"`
}

// PlaceOrder submits the order and returns the venue order id.
func (a *Adapter) PlaceOrder(ctx context.Context, order *schema.Order) (string, error) {
	payload := map[string]any{
		"symbol":   venueSymbol(order.Symbol),
		"side":     mapSide(order.Side),
		"orderQty": order.Volume.InexactFloat64(),
		"ordType":  mapOrderType(order.Type),
	}
	if order.Type != schema.OrderTypeMarket {
		price, _ := order.Price.Float64()
		payload["price"] = price
	}
	if order.LocalID != "" {
		payload["clOrdID"] = order.LocalID
	}
	if order.ReduceOnly {
		payload["execInst"] = "ReduceOnly"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var result orderRecord
	err = a.rest.Do(ctx, shared.Request{
		Method: http.MethodPost,
		Path:   "/api/v1/order",
		Body:   body,
		Signed: true,
		Out:    &result,
	})
	if err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", errs.New(Name, errs.KindAmbiguousState,
			errs.WithStep("submit"),
			errs.WithMessage("order accepted but no order id returned"))
	}
	return result.OrderID, nil
}

// CancelOrder cancels by venue order id.
func (a *Adapter) CancelOrder(ctx context.Context, order *schema.Order) error {
	if order.ExchangeID == "" {
		return errs.New(Name, errs.KindInvalid, errs.WithMessage("cancel requires exchange id"))
	}
	query := url.Values{}
	query.Set("orderID", order.ExchangeID)
	return a.rest.Do(ctx, shared.Request{
		Method:     http.MethodDelete,
		Path:       "/api/v1/order",
		Query:      query,
		Signed:     true,
		Idempotent: true,
	})
}

// FetchOrderStatus polls the current venue-side status of one order.
func (a *Adapter) FetchOrderStatus(ctx context.Context, exchangeID string) (schema.OrderStatus, error) {
	filter, err := json.Marshal(map[string]string{"orderID": exchangeID})
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set("filter", string(filter))

	var records []orderRecord
	err = a.rest.Do(ctx, shared.Request{
		Method:     http.MethodGet,
		Path:       "/api/v1/order",
		Query:      query,
		Signed:     true,
		Idempotent: true,
		Out:        &records,
	})
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", errs.New(Name, errs.KindOrderNotFound,
			errs.WithMessage("order "+exchangeID+" not found"))
	}
	return mapOrdStatus(records[0].OrdStatus), nil
}

type tradeRecord struct {
	TrdMatchID string    `json:"trdMatchID"`
	ExecID     string    `json:"execID"`
	OrderID    string    `json:"orderID"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Size       float64   `json:"size"`
	LastQty    float64   `json:"lastQty"`
	Price      float64   `json:"price"`
	LastPx     float64   `json:"lastPx"`
	ExecComm   float64   `json:"execComm"`
	ExecType   string    `json:"execType"`
	Timestamp  time.Time `json:"timestamp"`
}

// satoshi converts the venue's XBt commission unit to whole XBT.
var satoshi = decimal.New(1, -8)

func (r tradeRecord) toTrade() schema.Trade {
	volume := r.Size
	if volume == 0 {
		volume = r.LastQty
	}
	price := r.Price
	if price == 0 {
		price = r.LastPx
	}
	tradeID := r.TrdMatchID
	if r.ExecID != "" {
		tradeID = r.ExecID
	}
	return schema.Trade{
		Exchange:  Name,
		Symbol:    canonicalSymbol(r.Symbol),
		Side:      canonicalSide(r.Side),
		Volume:    decimal.NewFromFloat(volume),
		Price:     decimal.NewFromFloat(price),
		Fee:       decimal.NewFromFloat(r.ExecComm).Mul(satoshi),
		TradeID:   tradeID,
		OrderID:   r.OrderID,
		Timestamp: r.Timestamp.UTC(),
	}
}

// FetchTrades returns recent public trades for the symbol.
func (a *Adapter) FetchTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := url.Values{}
	query.Set("symbol", venueSymbol(symbol))
	query.Set("count", decimal.NewFromInt(int64(limit)).String())
	query.Set("reverse", "true")

	var records []tradeRecord
	err := a.rest.Do(ctx, shared.Request{
		Method:     http.MethodGet,
		Path:       "/api/v1/trade",
		Query:      query,
		Idempotent: true,
		Out:        &records,
	})
	if err != nil {
		return nil, err
	}
	trades := make([]schema.Trade, 0, len(records))
	for _, record := range records {
		trades = append(trades, record.toTrade())
	}
	return trades, nil
}

// FetchMyTrades returns the account's executions for the symbol.
func (a *Adapter) FetchMyTrades(ctx context.Context, symbol string) ([]schema.Trade, error) {
	query := url.Values{}
	query.Set("symbol", venueSymbol(symbol))
	query.Set("reverse", "true")

	var records []tradeRecord
	err := a.rest.Do(ctx, shared.Request{
		Method:     http.MethodGet,
		Path:       "/api/v1/execution/tradeHistory",
		Query:      query,
		Signed:     true,
		Idempotent: true,
		Out:        &records,
	})
	if err != nil {
		return nil, err
	}
	trades := make([]schema.Trade, 0, len(records))
	for _, record := range records {
		trades = append(trades, record.toTrade())
	}
	return trades, nil
}

// FetchBalances returns the margin balance snapshot. The venue reports
// amounts in satoshi-scale units.
func (a *Adapter) FetchBalances(ctx context.Context) (schema.Account, error) {
	query := url.Values{}
	query.Set("currency", "all")

	var records []struct {
		Currency        string  `json:"currency"`
		WalletBalance   float64 `json:"walletBalance"`
		AvailableMargin float64 `json:"availableMargin"`
	}
	err := a.rest.Do(ctx, shared.Request{
		Method:     http.MethodGet,
		Path:       "/api/v1/user/margin",
		Query:      query,
		Signed:     true,
		Idempotent: true,
		Out:        &records,
	})
	if err != nil {
		return schema.Account{}, err
	}

	account := schema.Account{
		Exchange:  Name,
		Balances:  make(map[string]schema.Balance, len(records)),
		Timestamp: time.Now().UTC(),
	}
	for _, record := range records {
		currency := strings.ToUpper(record.Currency)
		scale := decimal.NewFromInt(1)
		if currency == "XBT" {
			currency = "BTC"
			scale = satoshi
		}
		account.Balances[currency] = schema.Balance{
			Currency: currency,
			Total:    decimal.NewFromFloat(record.WalletBalance).Mul(scale),
			Free:     decimal.NewFromFloat(record.AvailableMargin).Mul(scale),
		}
	}
	return account, nil
}

// FetchPositions returns the open derivative positions.
func (a *Adapter) FetchPositions(ctx context.Context) ([]schema.Position, error) {
	var records []struct {
		Symbol       string    `json:"symbol"`
		CurrentQty   float64   `json:"currentQty"`
		AvgEntryPx   float64   `json:"avgEntryPrice"`
		OpenDateTime time.Time `json:"openingTimestamp"`
	}
	err := a.rest.Do(ctx, shared.Request{
		Method:     http.MethodGet,
		Path:       "/api/v1/position",
		Signed:     true,
		Idempotent: true,
		Out:        &records,
	})
	if err != nil {
		return nil, err
	}

	positions := make([]schema.Position, 0, len(records))
	for _, record := range records {
		if record.CurrentQty == 0 {
			continue
		}
		side := schema.SideBuy
		qty := record.CurrentQty
		if qty < 0 {
			side = schema.SideSell
			qty = -qty
		}
		positions = append(positions, schema.Position{
			Exchange:  Name,
			Symbol:    canonicalSymbol(record.Symbol),
			Side:      side,
			Volume:    decimal.NewFromFloat(qty),
			AvgPrice:  decimal.NewFromFloat(record.AvgEntryPx),
			Timestamp: record.OpenDateTime.UTC(),
		})
	}
	return positions, nil
}

// Decimals derives price precision from the contract tick size.
func (a *Adapter) Decimals(ctx context.Context, symbol string) (recordstore.SymbolDecimals, error) {
	query := url.Values{}
	query.Set("symbol", venueSymbol(symbol))

	var records []struct {
		TickSize float64 `json:"tickSize"`
		LotSize  float64 `json:"lotSize"`
	}
	err := a.rest.Do(ctx, shared.Request{
		Method:     http.MethodGet,
		Path:       "/api/v1/instrument",
		Query:      query,
		Idempotent: true,
		Out:        &records,
	})
	if err != nil {
		return recordstore.SymbolDecimals{}, err
	}
	if len(records) == 0 {
		return recordstore.SymbolDecimals{}, errs.New(Name, errs.KindNotFound,
			errs.WithMessage("instrument "+symbol+" not found"))
	}
	tick := decimal.NewFromFloat(records[0].TickSize)
	lot := decimal.NewFromFloat(records[0].LotSize)
	return recordstore.SymbolDecimals{
		PairDecimals: numeric.ScaleFromStep(tick.String()),
		CostDecimals: numeric.ScaleFromStep(lot.String()),
		MinCost:      lot,
	}, nil
}
