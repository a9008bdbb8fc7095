package bitmex

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/schema"
	"github.com/openquant/tradewire/internal/stream"
)

// The venue multiplexes every topic over one socket and routes inbound data
// by table name. Private topics require a one-shot signed auth frame before
// subscribing.

func channelTopic(sub stream.Subscription) string {
	switch sub.Channel {
	case schema.ChannelTicker:
		return "instrument:" + venueSymbol(sub.Symbol)
	case schema.ChannelTrade:
		return "trade:" + venueSymbol(sub.Symbol)
	case schema.ChannelCandle:
		return "tradeBin1m:" + venueSymbol(sub.Symbol)
	case schema.ChannelOwnTrades:
		return "execution"
	case schema.ChannelOpenOrders:
		return "order"
	default:
		return string(sub.Channel)
	}
}

func topicSubscription(topic string) (stream.Subscription, bool) {
	name, symbolPart, _ := strings.Cut(topic, ":")
	symbol := ""
	if symbolPart != "" {
		symbol = canonicalSymbol(symbolPart)
	}
	switch name {
	case "instrument":
		return stream.Subscription{Channel: schema.ChannelTicker, Symbol: symbol}, true
	case "trade":
		return stream.Subscription{Channel: schema.ChannelTrade, Symbol: symbol}, true
	case "tradeBin1m":
		return stream.Subscription{Channel: schema.ChannelCandle, Symbol: symbol}, true
	case "execution":
		return stream.Subscription{Channel: schema.ChannelOwnTrades}, true
	case "order":
		return stream.Subscription{Channel: schema.ChannelOpenOrders}, true
	default:
		return stream.Subscription{}, false
	}
}

// StartMarketStream opens the shared session if needed and subscribes the
// symbols to instrument, trade and one-minute bin topics.
func (a *Adapter) StartMarketStream(ctx context.Context, symbols []string) error {
	if err := a.ensureSession(ctx); err != nil {
		return err
	}
	subs := make([]stream.Subscription, 0, 3*len(symbols))
	for _, symbol := range symbols {
		subs = append(subs,
			stream.Subscription{Channel: schema.ChannelTicker, Symbol: symbol},
			stream.Subscription{Channel: schema.ChannelTrade, Symbol: symbol},
			stream.Subscription{Channel: schema.ChannelCandle, Symbol: symbol},
		)
	}
	return a.session.Subscribe(ctx, subs)
}

// StartPrivateStream subscribes the execution and order topics on the shared
// authenticated session.
func (a *Adapter) StartPrivateStream(ctx context.Context) error {
	if a.creds == nil {
		return errs.New(Name, errs.KindAuthentication,
			errs.WithMessage("private stream without credentials"))
	}
	if err := a.ensureSession(ctx); err != nil {
		return err
	}
	return a.session.Subscribe(ctx, []stream.Subscription{
		{Channel: schema.ChannelOwnTrades},
		{Channel: schema.ChannelOpenOrders},
	})
}

// Stop tears down the session.
func (a *Adapter) Stop() {
	if a.session != nil {
		a.session.Stop()
	}
}

func (a *Adapter) ensureSession(ctx context.Context) error {
	if a.session != nil {
		return nil
	}
	hooks := stream.Hooks{
		SubscribeFrames: subscribeFrames,
		PingFrame:       func() []byte { return []byte("ping") },
		HandleMessage:   a.handleFrame,
	}
	if a.creds != nil {
		hooks.Authenticate = a.authenticate
	}
	session := stream.NewSession(ctx, stream.Config{
		Exchange: Name,
		URL:      a.opts.WSURL,
	}, hooks, a.errCh)
	a.session = session
	return session.Start()
}

// authenticate sends the signed expires challenge. The venue answers with a
// success frame; an invalid signature arrives as an error frame and forces a
// session rebuild through the demultiplexer.
func (a *Adapter) authenticate(ctx context.Context, s *stream.Session) error {
	key, expires, signature := a.creds.wsAuthArgs()
	frame, err := json.Marshal(map[string]any{
		"op":   "authKeyExpires",
		"args": []any{key, expires, signature},
	})
	if err != nil {
		return fmt.Errorf("encode auth frame: %w", err)
	}
	return s.Send(ctx, frame)
}

func subscribeFrames(_ string, subs []stream.Subscription) ([][]byte, error) {
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topics = append(topics, channelTopic(sub))
	}
	frame, err := json.Marshal(map[string]any{
		"op":   "subscribe",
		"args": topics,
	})
	if err != nil {
		return nil, fmt.Errorf("encode subscribe: %w", err)
	}
	return [][]byte{frame}, nil
}

type inboundFrame struct {
	Table     string          `json:"table"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Subscribe string          `json:"subscribe"`
	Success   bool            `json:"success"`
	Error     string          `json:"error"`
}

func (a *Adapter) handleFrame(ctx context.Context, payload []byte) error {
	if len(payload) == 0 || payload[0] != '{' {
		return nil
	}
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch {
	case frame.Error != "":
		return errs.New(Name, errs.KindInvalid, errs.WithRawMessage(frame.Error))
	case frame.Subscribe != "" && frame.Success:
		if sub, ok := topicSubscription(frame.Subscribe); ok && a.session != nil {
			a.session.Ack(sub)
		}
		return nil
	case frame.Table == "":
		return nil
	}

	switch frame.Table {
	case "instrument":
		return a.handleInstrument(ctx, frame.Data)
	case "trade":
		return a.handleTrades(ctx, frame.Data)
	case "tradeBin1m":
		return a.handleTradeBins(ctx, frame.Data)
	case "execution":
		return a.handleExecutions(ctx, frame.Data)
	case "order":
		return a.handleOrders(ctx, frame.Data)
	default:
		return nil
	}
}

func (a *Adapter) publish(ctx context.Context, event stream.Event) {
	select {
	case a.events <- event:
	case <-ctx.Done():
	}
}

func (a *Adapter) handleInstrument(ctx context.Context, data json.RawMessage) error {
	var records []struct {
		Symbol    string    `json:"symbol"`
		BidPrice  float64   `json:"bidPrice"`
		AskPrice  float64   `json:"askPrice"`
		LastPrice float64   `json:"lastPrice"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode instrument: %w", err)
	}
	for _, record := range records {
		if record.LastPrice == 0 {
			continue
		}
		a.publish(ctx, stream.Event{Ticker: &schema.Ticker{
			Exchange:  Name,
			Symbol:    canonicalSymbol(record.Symbol),
			Bid:       decimal.NewFromFloat(record.BidPrice),
			Ask:       decimal.NewFromFloat(record.AskPrice),
			Last:      decimal.NewFromFloat(record.LastPrice),
			Timestamp: record.Timestamp.UTC(),
		}})
	}
	return nil
}

func (a *Adapter) handleTrades(ctx context.Context, data json.RawMessage) error {
	var records []tradeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode trades: %w", err)
	}
	for _, record := range records {
		trade := record.toTrade()
		a.publish(ctx, stream.Event{Trade: &trade})
	}
	return nil
}

func (a *Adapter) handleTradeBins(ctx context.Context, data json.RawMessage) error {
	var records []struct {
		Symbol    string    `json:"symbol"`
		Open      float64   `json:"open"`
		High      float64   `json:"high"`
		Low       float64   `json:"low"`
		Close     float64   `json:"close"`
		Volume    float64   `json:"volume"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode trade bins: %w", err)
	}
	for _, record := range records {
		a.publish(ctx, stream.Event{Candle: &schema.Candle{
			Exchange:  Name,
			Symbol:    canonicalSymbol(record.Symbol),
			Open:      decimal.NewFromFloat(record.Open),
			High:      decimal.NewFromFloat(record.High),
			Low:       decimal.NewFromFloat(record.Low),
			Close:     decimal.NewFromFloat(record.Close),
			Volume:    decimal.NewFromFloat(record.Volume),
			Timestamp: record.Timestamp.UTC(),
		}})
	}
	return nil
}

func (a *Adapter) handleExecutions(ctx context.Context, data json.RawMessage) error {
	var records []tradeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode executions: %w", err)
	}
	for _, record := range records {
		if record.ExecType != "Trade" {
			continue
		}
		trade := record.toTrade()
		a.publish(ctx, stream.Event{OwnTrade: &trade})
	}
	return nil
}

func (a *Adapter) handleOrders(ctx context.Context, data json.RawMessage) error {
	var records []orderRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode orders: %w", err)
	}
	for _, record := range records {
		if record.OrderID == "" || record.OrdStatus == "" {
			continue
		}
		order := schema.Order{
			Exchange:   Name,
			Symbol:     canonicalSymbol(record.Symbol),
			Side:       canonicalSide(record.Side),
			Type:       canonicalOrdType(record.OrdType),
			LocalID:    record.ClOrdID,
			ExchangeID: record.OrderID,
			Status:     mapOrdStatus(record.OrdStatus),
			UpdatedAt:  time.Now().UTC(),
		}
		if record.OrderQty > 0 {
			order.Volume = decimal.NewFromFloat(record.OrderQty)
		}
		if record.Price > 0 {
			order.Price = decimal.NewFromFloat(record.Price)
		}
		a.publish(ctx, stream.Event{Order: &order})
	}
	return nil
}
