package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquant/tradewire/errs"
	"github.com/openquant/tradewire/internal/adapters"
	"github.com/openquant/tradewire/internal/adapters/fake"
	"github.com/openquant/tradewire/internal/livestore"
	"github.com/openquant/tradewire/internal/recordstore"
	"github.com/openquant/tradewire/internal/schema"
	"github.com/openquant/tradewire/internal/stream"
)

func testConfig() Config {
	return Config{
		TickerMaxAge:          time.Hour,
		MarketPollInterval:    10 * time.Millisecond,
		MarketPollAttempts:    50,
		CancelConfirmWindow:   500 * time.Millisecond,
		CancelPollInterval:    10 * time.Millisecond,
		ScheduledPollInterval: 10 * time.Millisecond,
	}
}

type fixture struct {
	coord    *Coordinator
	live     livestore.Store
	records  *recordstore.MemoryStore
	registry *adapters.Registry
	venue    *fake.Adapter
	upserter *stream.Upserter
}

func newFixture(t *testing.T, venueOpts fake.Options) *fixture {
	t.Helper()
	live := livestore.NewMemoryStore(time.Minute)
	t.Cleanup(live.Close)
	records := recordstore.NewMemoryStore()

	upserter := stream.NewUpserter(live, records, 64)
	upserter.Start(context.Background())
	t.Cleanup(upserter.Stop)

	venue := fake.New(venueOpts, upserter.Events())
	t.Cleanup(venue.Stop)

	registry := adapters.NewRegistry()
	registry.Register(venue)

	coord, err := New(testConfig(), registry, live, records)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = coord.Shutdown(shutdownCtx)
	})

	return &fixture{
		coord:    coord,
		live:     live,
		records:  records,
		registry: registry,
		venue:    venue,
		upserter: upserter,
	}
}

func (f *fixture) seedMarket(t *testing.T, symbol string, last decimal.Decimal, balances map[string]decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	account := schema.Account{
		Exchange:  fake.Name,
		Balances:  make(map[string]schema.Balance, len(balances)),
		Timestamp: time.Now().UTC(),
	}
	for currency, amount := range balances {
		account.Balances[currency] = schema.Balance{Currency: currency, Total: amount, Free: amount}
	}
	if err := f.live.UpsertAccount(ctx, account); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := f.live.UpsertTicker(ctx, schema.Ticker{
		Exchange:  fake.Name,
		Symbol:    symbol,
		Bid:       last.Sub(decimal.NewFromInt(1)),
		Ask:       last.Add(decimal.NewFromInt(1)),
		Last:      last,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed ticker: %v", err)
	}
}

func waitStatus(t *testing.T, live livestore.Store, exchangeID string, want schema.OrderStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err := live.GetOrderStatus(context.Background(), fake.Name, exchangeID)
		if err == nil && status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("order %s never reached %s", exchangeID, want)
}

func TestMarketBuyLifecycle(t *testing.T) {
	f := newFixture(t, fake.Options{AutoFill: true, FillDelay: 20 * time.Millisecond})
	f.seedMarket(t, "BTC/USD", decimal.NewFromInt(30000), map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1000),
	})

	order := &schema.Order{
		Exchange: fake.Name,
		Symbol:   "BTC/USD",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeMarket,
		Volume:   decimal.RequireFromString("0.001"),
	}
	placed, err := f.coord.CreateOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if placed.Status != schema.StatusOpen || placed.ExchangeID == "" {
		t.Fatalf("expected submitted open order, got %+v", placed)
	}

	waitStatus(t, f.live, placed.ExchangeID, schema.StatusClosed)

	fills, err := f.venue.FetchMyTrades(context.Background(), "BTC/USD")
	if err != nil || len(fills) != 1 {
		t.Fatalf("expected exactly one fill, got %d (%v)", len(fills), err)
	}
	if fills[0].Side != schema.SideBuy || !fills[0].Volume.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("unexpected fill %+v", fills[0])
	}
}

func TestValidationFailsWithoutAccount(t *testing.T) {
	f := newFixture(t, fake.Options{})

	order := &schema.Order{
		Exchange: fake.Name,
		Symbol:   "BTC/USD",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeMarket,
		Volume:   decimal.RequireFromString("0.001"),
	}
	result, err := f.coord.CreateOrder(context.Background(), order)
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	if errs.KindOf(err) != errs.KindValidationFailed {
		t.Fatalf("expected validation_failed, got %v", err)
	}
	if result.Status != schema.StatusError || result.FailedStep != StepValidate {
		t.Fatalf("order must carry the failed step, got %+v", result)
	}
	if result.ExchangeID != "" {
		t.Fatalf("nothing must be submitted on validation failure")
	}
}

func TestValidationInsufficientFunds(t *testing.T) {
	f := newFixture(t, fake.Options{})
	f.seedMarket(t, "BTC/USD", decimal.NewFromInt(30000), map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(10),
	})

	order := &schema.Order{
		Exchange: fake.Name,
		Symbol:   "BTC/USD",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeMarket,
		Volume:   decimal.RequireFromString("0.001"),
	}
	_, err := f.coord.CreateOrder(context.Background(), order)
	if errs.KindOf(err) != errs.KindInsufficientFunds {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
}

func TestValidationRejectsStaleTicker(t *testing.T) {
	f := newFixture(t, fake.Options{})
	ctx := context.Background()
	f.seedMarket(t, "BTC/USD", decimal.NewFromInt(30000), map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1000),
	})
	if err := f.live.UpsertTicker(ctx, schema.Ticker{
		Exchange:  fake.Name,
		Symbol:    "BTC/USD",
		Last:      decimal.NewFromInt(30000),
		Timestamp: time.Now().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("stale ticker: %v", err)
	}

	order := &schema.Order{
		Exchange: fake.Name,
		Symbol:   "BTC/USD",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeMarket,
		Volume:   decimal.RequireFromString("0.001"),
	}
	_, err := f.coord.CreateOrder(ctx, order)
	if errs.KindOf(err) != errs.KindValidationFailed {
		t.Fatalf("expected validation_failed for stale ticker, got %v", err)
	}
}

func TestSpreadPricingBiasesTowardFill(t *testing.T) {
	last := decimal.NewFromInt(30000)
	offset := decimal.RequireFromString("0.00005")

	buy := spreadPrice(last, schema.SideBuy, offset)
	sell := spreadPrice(last, schema.SideSell, offset)
	if !buy.GreaterThan(last) {
		t.Fatalf("buy price %s must sit above the market", buy)
	}
	if !sell.LessThan(last) {
		t.Fatalf("sell price %s must sit below the market", sell)
	}
	if !buy.Equal(decimal.RequireFromString("30001.5")) {
		t.Fatalf("buy price = %s, want 30001.5", buy)
	}
}

func TestTWAPPricingFromRecordStore(t *testing.T) {
	f := newFixture(t, fake.Options{AutoFill: true})
	ctx := context.Background()
	f.seedMarket(t, "BTC/USD", decimal.NewFromInt(30000), map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(100000),
	})
	now := time.Now().UTC()
	for i, closePrice := range []int64{29000, 30000, 31000} {
		if err := f.records.InsertCandle(ctx, schema.Candle{
			Exchange:  fake.Name,
			Symbol:    "BTC/USD",
			Close:     decimal.NewFromInt(closePrice),
			Volume:    decimal.NewFromInt(1),
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("seed candle: %v", err)
		}
	}

	order := &schema.Order{
		Exchange:   fake.Name,
		Symbol:     "BTC/USD",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Command:    schema.CommandTWAP,
		SubCommand: "5 12",
		Volume:     decimal.RequireFromString("0.01"),
	}
	placed, err := f.coord.CreateOrder(ctx, order)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !placed.Price.Equal(decimal.NewFromInt(30000)) {
		t.Fatalf("twap price = %s, want 30000", placed.Price)
	}
}

func TestScheduledOrderRequiresWindow(t *testing.T) {
	f := newFixture(t, fake.Options{})
	f.seedMarket(t, "BTC/USD", decimal.NewFromInt(30000), map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(100000),
	})

	order := &schema.Order{
		Exchange: fake.Name,
		Symbol:   "BTC/USD",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeLimit,
		Command:  schema.CommandTWAP,
		Volume:   decimal.RequireFromString("0.01"),
	}
	_, err := f.coord.CreateOrder(context.Background(), order)
	if errs.KindOf(err) != errs.KindValidationFailed {
		t.Fatalf("expected validation_failed for missing window, got %v", err)
	}
	if order.FailedStep != StepPrice {
		t.Fatalf("failed step = %s, want %s", order.FailedStep, StepPrice)
	}
}

func TestCancelOrderConfirmed(t *testing.T) {
	f := newFixture(t, fake.Options{})
	f.seedMarket(t, "BTC/USD", decimal.NewFromInt(30000), map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(100000),
	})

	order := &schema.Order{
		Exchange: fake.Name,
		Symbol:   "BTC/USD",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeLimit,
		Command:  schema.CommandSpread,
		Volume:   decimal.RequireFromString("0.01"),
	}
	placed, err := f.coord.CreateOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	status, err := f.coord.CancelOrder(context.Background(), fake.Name, placed.ExchangeID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if status != schema.StatusCanceled {
		t.Fatalf("cancel status = %s, want canceled", status)
	}
}

func TestCancelTooLateReportsClosed(t *testing.T) {
	f := newFixture(t, fake.Options{})
	f.seedMarket(t, "BTC/USD", decimal.NewFromInt(30000), map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(100000),
	})

	order := &schema.Order{
		Exchange: fake.Name,
		Symbol:   "BTC/USD",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeLimit,
		Command:  schema.CommandSpread,
		Volume:   decimal.RequireFromString("0.01"),
	}
	placed, err := f.coord.CreateOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := f.venue.FillOrder(placed.ExchangeID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	waitStatus(t, f.live, placed.ExchangeID, schema.StatusClosed)

	status, err := f.coord.CancelOrder(context.Background(), fake.Name, placed.ExchangeID)
	if err != nil {
		t.Fatalf("cancel after fill: %v", err)
	}
	if status != schema.StatusClosed {
		t.Fatalf("cancel status = %s, want closed (too late)", status)
	}
}

// stubAdapter counts concurrent submissions to prove per-order serialization.
type stubAdapter struct {
	adapters.Adapter

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	placed   atomic.Int32
}

func (s *stubAdapter) PlaceOrder(ctx context.Context, order *schema.Order) (string, error) {
	current := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if current <= seen || s.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	s.placed.Add(1)
	return s.Adapter.PlaceOrder(ctx, order)
}

func TestSameOrderSubmissionsSerialized(t *testing.T) {
	f := newFixture(t, fake.Options{})
	f.seedMarket(t, "BTC/USD", decimal.NewFromInt(30000), map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(100000),
	})

	stub := &stubAdapter{Adapter: f.venue}
	f.registry.Register(stub)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order := &schema.Order{
				Exchange: fake.Name,
				Symbol:   "BTC/USD",
				Side:     schema.SideBuy,
				Type:     schema.OrderTypeLimit,
				Command:  schema.CommandSpread,
				Volume:   decimal.RequireFromString("0.01"),
				LocalID:  "logical-1",
			}
			_, _ = f.coord.CreateOrder(context.Background(), order)
		}()
	}
	wg.Wait()

	if got := stub.maxSeen.Load(); got > 1 {
		t.Fatalf("submissions for one logical order overlapped: max in flight %d", got)
	}
}
