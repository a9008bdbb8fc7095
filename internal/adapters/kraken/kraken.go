// Package kraken integrates the Kraken spot exchange.
//
// Private REST calls are form-encoded and signed per request; streaming
// authentication uses a short-lived token fetched over REST and refreshed
// while the session lives.
package kraken

import (
	"context"
	"fmt"
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
const Name = "kraken"

// Options configures the adapter.
type Options struct {
	RESTBaseURL string
	WSPublicURL string
	WSAuthURL   string
	APIKey      string
	APISecret   string
	RequestRate rate.Limit
	// TokenRefreshInterval bounds the age of the streaming token.
	TokenRefreshInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.RESTBaseURL == "" {
		o.RESTBaseURL = "https://api.kraken.com"
	}
	if o.WSPublicURL == "" {
		o.WSPublicURL = "wss://ws.kraken.com"
	}
	if o.WSAuthURL == "" {
		o.WSAuthURL = "wss://ws-auth.kraken.com"
	}
	if o.RequestRate <= 0 {
		o.RequestRate = rate.Every(time.Second)
	}
	if o.TokenRefreshInterval <= 0 {
		o.TokenRefreshInterval = 60 * time.Second
	}
}

// Adapter implements the uniform exchange contract for Kraken.
type Adapter struct {
	opts   Options
	rest   *shared.RESTClient
	creds  *credentials
	events chan<- stream.Event
	errCh  chan<- error

	public  *stream.Session
	private *stream.Session
}

// New builds a Kraken adapter publishing normalized events to the channel.
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

type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// classifyPayload maps Kraken's in-band error strings onto failure kinds.
// Venue errors arrive with HTTP 200, so status-level classification never
// sees them.
func classifyPayload(status int, body []byte) error {
	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	if len(envelope.Error) == 0 {
		return nil
	}
	raw := strings.Join(envelope.Error, "; ")
	kind := errs.KindInvalid
	switch {
	case containsAny(raw, "Invalid key", "Invalid signature", "Invalid nonce", "Permission denied"):
		kind = errs.KindAuthentication
	case containsAny(raw, "Rate limit", "Too many requests"):
		kind = errs.KindRateLimited
	case containsAny(raw, "Insufficient funds", "Insufficient margin"):
		kind = errs.KindInsufficientFunds
	case containsAny(raw, "Unknown order"):
		kind = errs.KindOrderNotFound
	case containsAny(raw, "Unavailable", "Busy", "Internal error"):
		kind = errs.KindExchangeUnavailable
	}
	return errs.New(Name, kind, errs.WithHTTP(status), errs.WithRawMessage(raw))
}

func containsAny(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

func (a *Adapter) callPrivate(ctx context.Context, path string, form url.Values, out any, idempotent bool) error {
	if a.creds == nil {
		return errs.New(Name, errs.KindAuthentication,
			errs.WithMessage("private call without credentials"))
	}
	if form == nil {
		form = url.Values{}
	}
	form.Set("nonce", a.creds.nonce())
	body := []byte(form.Encode())

	var envelope apiResponse
	err := a.rest.Do(ctx, shared.Request{
		Method:     http.MethodPost,
		Path:       path,
		Body:       body,
		Signed:     true,
		Idempotent: idempotent,
		Out:        &envelope,
	})
	if err != nil {
		return err
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", path, err)
		}
	}
	return nil
}

func (a *Adapter) callPublic(ctx context.Context, path string, query url.Values, out any) error {
	var envelope apiResponse
	err := a.rest.Do(ctx, shared.Request{
		Method:     http.MethodGet,
		Path:       path,
		Query:      query,
		Idempotent: true,
		Out:        &envelope,
	})
	if err != nil {
		return err
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", path, err)
		}
	}
	return nil
}

// PlaceOrder submits the order and returns the venue transaction id.
func (a *Adapter) PlaceOrder(ctx context.Context, order *schema.Order) (string, error) {
	form := url.Values{}
	form.Set("pair", restPair(order.Symbol))
	form.Set("type", string(order.Side))
	form.Set("ordertype", string(order.Type))
	form.Set("volume", order.Volume.String())
	if order.Type != schema.OrderTypeMarket {
		form.Set("price", order.Price.String())
	}
	if order.LocalID != "" {
		form.Set("cl_ord_id", order.LocalID)
	}
	if order.Leverage > 1 {
		form.Set("leverage", fmt.Sprintf("%d", order.Leverage))
	}
	if order.ReduceOnly {
		form.Set("reduce_only", "true")
	}

	var result struct {
		TxIDs []string `json:"txid"`
	}
	if err := a.callPrivate(ctx, "/0/private/AddOrder", form, &result, false); err != nil {
		return "", err
	}
	if len(result.TxIDs) == 0 {
		return "", errs.New(Name, errs.KindAmbiguousState,
			errs.WithStep("submit"),
			errs.WithMessage("order accepted but no transaction id returned"))
	}
	return result.TxIDs[0], nil
}

// CancelOrder cancels by venue transaction id. Cancel is idempotent on the
// venue side, so transport failures retry.
func (a *Adapter) CancelOrder(ctx context.Context, order *schema.Order) error {
	if order.ExchangeID == "" {
		return errs.New(Name, errs.KindInvalid, errs.WithMessage("cancel requires exchange id"))
	}
	form := url.Values{}
	form.Set("txid", order.ExchangeID)
	return a.callPrivate(ctx, "/0/private/CancelOrder", form, nil, true)
}

// FetchOrderStatus polls the current venue-side status of one order.
func (a *Adapter) FetchOrderStatus(ctx context.Context, exchangeID string) (schema.OrderStatus, error) {
	form := url.Values{}
	form.Set("txid", exchangeID)
	result := map[string]struct {
		Status string `json:"status"`
	}{}
	if err := a.callPrivate(ctx, "/0/private/QueryOrders", form, &result, true); err != nil {
		return "", err
	}
	record, ok := result[exchangeID]
	if !ok {
		return "", errs.New(Name, errs.KindOrderNotFound,
			errs.WithMessage("order "+exchangeID+" not in query result"))
	}
	return mapOrderStatus(record.Status), nil
}

func mapOrderStatus(status string) schema.OrderStatus {
	switch status {
	case "pending", "open":
		return schema.StatusOpen
	case "closed":
		return schema.StatusClosed
	case "canceled", "expired":
		return schema.StatusCanceled
	default:
		return schema.StatusError
	}
}

// FetchTrades returns recent public trades for the symbol.
func (a *Adapter) FetchTrades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	query := url.Values{}
	query.Set("pair", restPair(symbol))
	var raw map[string]json.RawMessage
	if err := a.callPublic(ctx, "/0/public/Trades", query, &raw); err != nil {
		return nil, err
	}

	var trades []schema.Trade
	for key, value := range raw {
		if key == "last" {
			continue
		}
		var rows [][]json.RawMessage
		if err := json.Unmarshal(value, &rows); err != nil {
			return nil, fmt.Errorf("decode public trades: %w", err)
		}
		for _, row := range rows {
			trade, err := publicTradeFromRow(symbol, row)
			if err != nil {
				return nil, err
			}
			trades = append(trades, trade)
		}
	}
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return trades, nil
}

func publicTradeFromRow(symbol string, row []json.RawMessage) (schema.Trade, error) {
	if len(row) < 4 {
		return schema.Trade{}, fmt.Errorf("public trade row too short")
	}
	var priceStr, volumeStr, sideStr string
	var ts float64
	if err := json.Unmarshal(row[0], &priceStr); err != nil {
		return schema.Trade{}, fmt.Errorf("decode trade price: %w", err)
	}
	if err := json.Unmarshal(row[1], &volumeStr); err != nil {
		return schema.Trade{}, fmt.Errorf("decode trade volume: %w", err)
	}
	if err := json.Unmarshal(row[2], &ts); err != nil {
		return schema.Trade{}, fmt.Errorf("decode trade timestamp: %w", err)
	}
	if err := json.Unmarshal(row[3], &sideStr); err != nil {
		return schema.Trade{}, fmt.Errorf("decode trade side: %w", err)
	}
	price, err := numeric.Parse(priceStr)
	if err != nil {
		return schema.Trade{}, err
	}
	volume, err := numeric.Parse(volumeStr)
	if err != nil {
		return schema.Trade{}, err
	}
	side := schema.SideBuy
	if sideStr == "s" {
		side = schema.SideSell
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return schema.Trade{
		Exchange:  Name,
		Symbol:    symbol,
		Side:      side,
		Volume:    volume,
		Price:     price,
		Timestamp: time.Unix(sec, nsec).UTC(),
	}, nil
}

// FetchMyTrades returns the account's executions for the symbol.
func (a *Adapter) FetchMyTrades(ctx context.Context, symbol string) ([]schema.Trade, error) {
	var result struct {
		Trades map[string]struct {
			OrderID string  `json:"ordertxid"`
			Pair    string  `json:"pair"`
			Time    float64 `json:"time"`
			Type    string  `json:"type"`
			Price   string  `json:"price"`
			Fee     string  `json:"fee"`
			Volume  string  `json:"vol"`
		} `json:"trades"`
	}
	if err := a.callPrivate(ctx, "/0/private/TradesHistory", nil, &result, true); err != nil {
		return nil, err
	}

	var trades []schema.Trade
	for tradeID, record := range result.Trades {
		if canonicalRESTPair(record.Pair) != symbol {
			continue
		}
		price, err := numeric.Parse(record.Price)
		if err != nil {
			return nil, err
		}
		volume, err := numeric.Parse(record.Volume)
		if err != nil {
			return nil, err
		}
		fee, err := numeric.Parse(record.Fee)
		if err != nil {
			return nil, err
		}
		sec := int64(record.Time)
		trades = append(trades, schema.Trade{
			Exchange:  Name,
			Symbol:    symbol,
			Side:      schema.Side(record.Type),
			Volume:    volume,
			Price:     price,
			Fee:       fee,
			TradeID:   tradeID,
			OrderID:   record.OrderID,
			Timestamp: time.Unix(sec, int64((record.Time-float64(sec))*1e9)).UTC(),
		})
	}
	return trades, nil
}

// FetchBalances returns the balance snapshot with trade holds subtracted.
func (a *Adapter) FetchBalances(ctx context.Context) (schema.Account, error) {
	result := map[string]struct {
		Balance   string `json:"balance"`
		HoldTrade string `json:"hold_trade"`
	}{}
	if err := a.callPrivate(ctx, "/0/private/BalanceEx", nil, &result, true); err != nil {
		return schema.Account{}, err
	}

	account := schema.Account{
		Exchange:  Name,
		Balances:  make(map[string]schema.Balance, len(result)),
		Timestamp: time.Now().UTC(),
	}
	for currency, record := range result {
		total, err := numeric.Parse(record.Balance)
		if err != nil {
			return schema.Account{}, err
		}
		hold := decimal.Zero
		if record.HoldTrade != "" {
			hold, err = numeric.Parse(record.HoldTrade)
			if err != nil {
				return schema.Account{}, err
			}
		}
		name := canonicalCurrency(currency)
		account.Balances[name] = schema.Balance{
			Currency: name,
			Total:    total,
			Free:     total.Sub(hold),
		}
	}
	return account, nil
}

// FetchPositions is unsupported on the spot venue.
func (a *Adapter) FetchPositions(context.Context) ([]schema.Position, error) {
	return nil, errs.NotSupported(Name, "spot venue reports no positions")
}

// Decimals returns venue-declared price/cost precision and the minimum cost.
func (a *Adapter) Decimals(ctx context.Context, symbol string) (recordstore.SymbolDecimals, error) {
	query := url.Values{}
	query.Set("pair", restPair(symbol))
	result := map[string]struct {
		PairDecimals int    `json:"pair_decimals"`
		CostDecimals int    `json:"cost_decimals"`
		CostMin      string `json:"costmin"`
	}{}
	if err := a.callPublic(ctx, "/0/public/AssetPairs", query, &result); err != nil {
		return recordstore.SymbolDecimals{}, err
	}
	for _, record := range result {
		minCost := decimal.Zero
		if record.CostMin != "" {
			parsed, err := numeric.Parse(record.CostMin)
			if err != nil {
				return recordstore.SymbolDecimals{}, err
			}
			minCost = parsed
		}
		return recordstore.SymbolDecimals{
			PairDecimals: record.PairDecimals,
			CostDecimals: record.CostDecimals,
			MinCost:      minCost,
		}, nil
	}
	return recordstore.SymbolDecimals{}, errs.New(Name, errs.KindNotFound,
		errs.WithMessage("asset pair "+symbol+" not found"))
}
