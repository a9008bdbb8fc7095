package kraken

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openquant/tradewire/internal/numeric"
	"github.com/openquant/tradewire/internal/schema"
	"github.com/openquant/tradewire/internal/stream"
)

// Kraken streams speak two dialects on one socket: JSON objects for control
// events (acks, heartbeats, system status) and JSON arrays for data frames.
// The demultiplexer branches on the first byte.

type wsEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ChannelName  string `json:"channelName"`
	ErrorMessage string `json:"errorMessage"`
	Subscription struct {
		Name string `json:"name"`
	} `json:"subscription"`
}

func channelToVenue(channel schema.Channel) string {
	if channel == schema.ChannelCandle {
		return "ohlc"
	}
	return string(channel)
}

func venueToChannel(name string) schema.Channel {
	if name == "ohlc" || len(name) > 5 && name[:5] == "ohlc-" {
		return schema.ChannelCandle
	}
	return schema.Channel(name)
}

// StartMarketStream opens the public session and subscribes the symbols to
// ticker and trade channels.
func (a *Adapter) StartMarketStream(ctx context.Context, symbols []string) error {
	session := stream.NewSession(ctx, stream.Config{
		Exchange: Name,
		URL:      a.opts.WSPublicURL,
	}, stream.Hooks{
		SubscribeFrames: a.marketSubscribeFrames,
		PingFrame:       pingFrame,
		HandleMessage:   a.handleMarketFrame,
	}, a.errCh)
	a.public = session

	if err := session.Start(); err != nil {
		return err
	}
	subs := make([]stream.Subscription, 0, 2*len(symbols))
	for _, symbol := range symbols {
		subs = append(subs,
			stream.Subscription{Channel: schema.ChannelTicker, Symbol: symbol},
			stream.Subscription{Channel: schema.ChannelTrade, Symbol: symbol},
		)
	}
	return session.Subscribe(ctx, subs)
}

// StartPrivateStream opens the authenticated session for own trades and open
// orders. The streaming token comes from REST and is refreshed while the
// session lives; a failed refresh rebuilds the session.
func (a *Adapter) StartPrivateStream(ctx context.Context) error {
	session := stream.NewSession(ctx, stream.Config{
		Exchange:             Name,
		URL:                  a.opts.WSAuthURL,
		TokenRefreshInterval: a.opts.TokenRefreshInterval,
	}, stream.Hooks{
		RefreshToken:    a.fetchStreamToken,
		SubscribeFrames: a.privateSubscribeFrames,
		PingFrame:       pingFrame,
		HandleMessage:   a.handlePrivateFrame,
	}, a.errCh)
	a.private = session

	if err := session.Start(); err != nil {
		return err
	}
	return session.Subscribe(ctx, []stream.Subscription{
		{Channel: schema.ChannelOwnTrades},
		{Channel: schema.ChannelOpenOrders},
	})
}

// Stop tears down both sessions.
func (a *Adapter) Stop() {
	if a.public != nil {
		a.public.Stop()
	}
	if a.private != nil {
		a.private.Stop()
	}
}

func pingFrame() []byte {
	return []byte(`{"event":"ping"}`)
}

func (a *Adapter) fetchStreamToken(ctx context.Context) (string, error) {
	var result struct {
		Token string `json:"token"`
	}
	if err := a.callPrivate(ctx, "/0/private/GetWebSocketsToken", url.Values{}, &result, true); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", fmt.Errorf("kraken: empty streaming token")
	}
	return result.Token, nil
}

func (a *Adapter) marketSubscribeFrames(_ string, subs []stream.Subscription) ([][]byte, error) {
	frames := make([][]byte, 0, len(subs))
	for _, sub := range subs {
		payload, err := json.Marshal(map[string]any{
			"event": "subscribe",
			"pair":  []string{venuePair(sub.Symbol)},
			"subscription": map[string]any{
				"name": channelToVenue(sub.Channel),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("encode subscribe: %w", err)
		}
		frames = append(frames, payload)
	}
	return frames, nil
}

func (a *Adapter) privateSubscribeFrames(token string, subs []stream.Subscription) ([][]byte, error) {
	frames := make([][]byte, 0, len(subs))
	for _, sub := range subs {
		payload, err := json.Marshal(map[string]any{
			"event": "subscribe",
			"subscription": map[string]any{
				"name":  channelToVenue(sub.Channel),
				"token": token,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("encode subscribe: %w", err)
		}
		frames = append(frames, payload)
	}
	return frames, nil
}

func (a *Adapter) publish(ctx context.Context, event stream.Event) {
	select {
	case a.events <- event:
	case <-ctx.Done():
	}
}

func (a *Adapter) handleMarketFrame(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if payload[0] == '{' {
		return a.handleControlEvent(a.public, payload)
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("decode data frame: %w", err)
	}
	if len(frame) < 4 {
		return nil
	}
	var channelName, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channelName); err != nil {
		return nil
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return nil
	}
	symbol := canonicalPair(pair)

	switch venueToChannel(channelName) {
	case schema.ChannelTicker:
		return a.handleTickerData(ctx, symbol, frame[1])
	case schema.ChannelTrade:
		return a.handleTradeData(ctx, symbol, frame[1])
	default:
		return nil
	}
}

func (a *Adapter) handleControlEvent(session *stream.Session, payload []byte) error {
	var event wsEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("decode control event: %w", err)
	}
	switch event.Event {
	case "subscriptionStatus":
		if event.Status != "subscribed" || session == nil {
			return nil
		}
		sub := stream.Subscription{Channel: venueToChannel(event.ChannelName)}
		if event.Pair != "" {
			sub.Symbol = canonicalPair(event.Pair)
		}
		session.Ack(sub)
	case "heartbeat", "pong", "systemStatus":
	}
	return nil
}

func (a *Adapter) handleTickerData(ctx context.Context, symbol string, data json.RawMessage) error {
	var payload struct {
		Ask  []json.Number `json:"a"`
		Bid  []json.Number `json:"b"`
		Last []json.Number `json:"c"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode ticker: %w", err)
	}
	if len(payload.Ask) == 0 || len(payload.Bid) == 0 || len(payload.Last) == 0 {
		return nil
	}
	ask, err := numeric.Parse(payload.Ask[0].String())
	if err != nil {
		return err
	}
	bid, err := numeric.Parse(payload.Bid[0].String())
	if err != nil {
		return err
	}
	last, err := numeric.Parse(payload.Last[0].String())
	if err != nil {
		return err
	}
	a.publish(ctx, stream.Event{Ticker: &schema.Ticker{
		Exchange:  Name,
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      last,
		Timestamp: time.Now().UTC(),
	}})
	return nil
}

func (a *Adapter) handleTradeData(ctx context.Context, symbol string, data json.RawMessage) error {
	var rows [][]json.Number
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("decode trades: %w", err)
	}
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		price, err := numeric.Parse(row[0].String())
		if err != nil {
			return err
		}
		volume, err := numeric.Parse(row[1].String())
		if err != nil {
			return err
		}
		side := schema.SideBuy
		if row[3].String() == "s" {
			side = schema.SideSell
		}
		a.publish(ctx, stream.Event{Trade: &schema.Trade{
			Exchange:  Name,
			Symbol:    symbol,
			Side:      side,
			Volume:    volume,
			Price:     price,
			Timestamp: unixTimestamp(row[2].String()),
		}})
	}
	return nil
}

func (a *Adapter) handlePrivateFrame(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if payload[0] == '{' {
		return a.handleControlEvent(a.private, payload)
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil {
		return fmt.Errorf("decode data frame: %w", err)
	}
	if len(frame) < 2 {
		return nil
	}
	var channelName string
	if err := json.Unmarshal(frame[1], &channelName); err != nil {
		return nil
	}
	switch venueToChannel(channelName) {
	case schema.ChannelOwnTrades:
		return a.handleOwnTrades(ctx, frame[0])
	case schema.ChannelOpenOrders:
		return a.handleOpenOrders(ctx, frame[0])
	default:
		return nil
	}
}

type ownTradeRecord struct {
	OrderID string `json:"ordertxid"`
	Pair    string `json:"pair"`
	Time    string `json:"time"`
	Type    string `json:"type"`
	Price   string `json:"price"`
	Volume  string `json:"vol"`
	Fee     string `json:"fee"`
}

func (a *Adapter) handleOwnTrades(ctx context.Context, data json.RawMessage) error {
	var batches []map[string]ownTradeRecord
	if err := json.Unmarshal(data, &batches); err != nil {
		return fmt.Errorf("decode own trades: %w", err)
	}
	for _, batch := range batches {
		for tradeID, record := range batch {
			price, err := numeric.Parse(record.Price)
			if err != nil {
				return err
			}
			volume, err := numeric.Parse(record.Volume)
			if err != nil {
				return err
			}
			fee, err := numeric.Parse(record.Fee)
			if err != nil {
				return err
			}
			a.publish(ctx, stream.Event{OwnTrade: &schema.Trade{
				Exchange:  Name,
				Symbol:    canonicalPair(record.Pair),
				Side:      schema.Side(record.Type),
				Volume:    volume,
				Price:     price,
				Fee:       fee,
				TradeID:   tradeID,
				OrderID:   record.OrderID,
				Timestamp: unixTimestamp(record.Time),
			}})
		}
	}
	return nil
}

type openOrderRecord struct {
	Status     string `json:"status"`
	Volume     string `json:"vol"`
	VolumeExec string `json:"vol_exec"`
	ClientID   string `json:"cl_ord_id"`
	Descr      struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

func (a *Adapter) handleOpenOrders(ctx context.Context, data json.RawMessage) error {
	var batches []map[string]openOrderRecord
	if err := json.Unmarshal(data, &batches); err != nil {
		return fmt.Errorf("decode open orders: %w", err)
	}
	for _, batch := range batches {
		for exchangeID, record := range batch {
			order := schema.Order{
				Exchange:   Name,
				Side:       schema.Side(record.Descr.Type),
				Type:       schema.OrderType(record.Descr.OrderType),
				LocalID:    record.ClientID,
				ExchangeID: exchangeID,
				Status:     mapOrderStatus(record.Status),
				UpdatedAt:  time.Now().UTC(),
			}
			if record.Descr.Pair != "" {
				order.Symbol = canonicalPair(record.Descr.Pair)
			}
			if record.Volume != "" {
				if volume, err := numeric.Parse(record.Volume); err == nil {
					order.Volume = volume
				}
			}
			if record.Descr.Price != "" {
				if price, err := numeric.Parse(record.Descr.Price); err == nil {
					order.Price = price
				}
			}
			a.publish(ctx, stream.Event{Order: &order})
		}
	}
	return nil
}

// unixTimestamp parses Kraken's decimal-seconds timestamps ("1699123456.789").
func unixTimestamp(raw string) time.Time {
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Now().UTC()
	}
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
