package stream

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/internal/livestore"
	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/schema"
)

func startUpserter(t *testing.T) (*Upserter, livestore.Store, *recordstore.MemoryStore) {
	t.Helper()
	live := livestore.NewMemoryStore(time.Minute)
	records := recordstore.NewMemoryStore()
	upserter := NewUpserter(live, records, 16)
	upserter.Start(context.Background())
	t.Cleanup(upserter.Stop)
	t.Cleanup(live.Close)
	return upserter, live, records
}

func waitFor(t *testing.T, what string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUpserterTickerLandsInLiveStore(t *testing.T) {
	upserter, live, _ := startUpserter(t)
	ctx := context.Background()

	upserter.Publish(ctx, Event{Ticker: &schema.Ticker{
		Exchange:  "kraken",
		Symbol:    "BTC/USD",
		Bid:       decimal.RequireFromString("49999"),
		Ask:       decimal.RequireFromString("50001"),
		Last:      decimal.RequireFromString("50000"),
		Timestamp: time.Now().UTC(),
	}})

	waitFor(t, "ticker upsert", func() bool {
		ticker, err := live.GetTicker(ctx, "kraken", "BTC/USD")
		return err == nil && ticker.Last.Equal(decimal.RequireFromString("50000"))
	})
}

func TestUpserterOwnTradeFansOut(t *testing.T) {
	upserter, live, records := startUpserter(t)
	ctx := context.Background()

	var hooked []string
	upserter.OnOwnTrade = func(_ context.Context, trade schema.Trade) {
		hooked = append(hooked, trade.TradeID)
	}

	trade := schema.Trade{
		Exchange:  "kraken",
		Symbol:    "BTC/USD",
		Side:      schema.SideBuy,
		Volume:    decimal.RequireFromString("0.5"),
		Price:     decimal.RequireFromString("50000"),
		TradeID:   "T-1",
		Timestamp: time.Now().UTC(),
	}
	upserter.Publish(ctx, Event{OwnTrade: &trade})
	upserter.Publish(ctx, Event{OwnTrade: &trade})

	waitFor(t, "own trade fan-out", func() bool {
		recorded, err := records.Trades(ctx, "kraken")
		if err != nil || len(recorded) != 1 {
			return false
		}
		mine, err := live.RecentMyTrades(ctx, "kraken", 10)
		return err == nil && len(mine) == 1 && len(hooked) >= 1
	})
}

func TestUpserterOpenOrderCorrelation(t *testing.T) {
	upserter, live, _ := startUpserter(t)
	ctx := context.Background()

	order := schema.Order{
		Exchange:   "kraken",
		Symbol:     "BTC/USD",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		LocalID:    "local-1",
		ExchangeID: "EX-1",
		Status:     schema.StatusOpen,
	}
	upserter.Publish(ctx, Event{Order: &order})

	waitFor(t, "open order correlation", func() bool {
		popped, ok, err := live.PopOpenOrder(ctx, "local-1")
		return err == nil && ok && popped.ExchangeID == "EX-1"
	})

	// terminal status update must not feed the correlation queue again
	closed := order
	closed.Status = schema.StatusClosed
	upserter.Publish(ctx, Event{Order: &closed})

	waitFor(t, "terminal status", func() bool {
		status, err := live.GetOrderStatus(ctx, "kraken", "EX-1")
		return err == nil && status == schema.StatusClosed
	})
	if _, ok, _ := live.PopOpenOrder(ctx, "local-1"); ok {
		t.Fatalf("terminal order event must not re-enter correlation queue")
	}
}
